package risk_test

import (
	"reflect"
	"testing"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/workbench/simengine/internal/model"
	"github.com/workbench/simengine/internal/risk"
	"github.com/workbench/simengine/internal/rules"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

const moutai = "600519.SSE"

func snapshot(cash float64, quotes ...*model.Quote) risk.Snapshot {
	s := risk.Snapshot{
		Portfolio: &model.Portfolio{ID: "pf-1", Cash: d(cash)},
		Positions: map[string]model.Position{},
		Quotes:    map[string]*model.Quote{},
	}
	for _, q := range quotes {
		s.Quotes[q.Instrument] = q
	}
	return s
}

func trading(inst string, price float64) *model.Quote {
	return &model.Quote{Instrument: inst, Price: d(price), Status: model.TradingStatusTrading}
}

func buy(id string, qty int64, price float64) model.OrderDraft {
	return model.OrderDraft{
		ID: id, PortfolioID: "pf-1", Instrument: moutai,
		Side: model.SideBuy, Type: model.OrderTypeLimit, Price: d(price), Quantity: qty,
	}
}

func sell(id string, qty int64, price float64) model.OrderDraft {
	dr := buy(id, qty, price)
	dr.Side = model.SideSell
	return dr
}

func codes(vs []model.RiskVerdict) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.Code
	}
	return out
}

func find(vs []model.RiskVerdict, code string) *model.RiskVerdict {
	for i := range vs {
		if vs[i].Code == code {
			return &vs[i]
		}
	}
	return nil
}

func TestEvaluate_Example1Projection(t *testing.T) {
	ev := risk.Evaluate([]model.OrderDraft{buy("a", 100, 50)},
		snapshot(100000, trading(moutai, 48)), rules.Defaults())

	// 50 vs 48 is a 4.17% deviation, the only verdict.
	if got := codes(ev.Verdicts); !reflect.DeepEqual(got, []string{risk.CodePriceDeviation}) {
		t.Fatalf("verdicts = %v", got)
	}
	if ev.Status != model.SeverityWarn {
		t.Errorf("status = %s, want WARN", ev.Status)
	}
	if !ev.Summary.CashBefore.Equal(d(100000)) {
		t.Errorf("cash before = %s", ev.Summary.CashBefore)
	}
	// 100000 - (5000 + 5 + 2.5)
	if !ev.Summary.ProjectedCash.Equal(d(94992.5)) {
		t.Errorf("projected cash = %s, want 94992.5", ev.Summary.ProjectedCash)
	}
	// 94992.5 + 100 * 48
	if !ev.Summary.ProjectedEquity.Equal(d(99792.5)) {
		t.Errorf("projected equity = %s, want 99792.5", ev.Summary.ProjectedEquity)
	}
}

func TestEvaluate_Example2ZeroQuantity(t *testing.T) {
	ev := risk.Evaluate([]model.OrderDraft{buy("a", 0, 50)},
		snapshot(100000, trading(moutai, 50)), rules.Defaults())

	if ev.Status != model.SeverityFail {
		t.Fatalf("status = %s, want FAIL", ev.Status)
	}
	v := find(ev.Verdicts, risk.CodeInvalidQty)
	if v == nil {
		t.Fatalf("missing %s in %v", risk.CodeInvalidQty, codes(ev.Verdicts))
	}
	if v.DraftID != "a" || v.Suggestion != "set quantity to 100" {
		t.Errorf("verdict = %+v", v)
	}
	// Nothing is applied for a failing draft.
	if !ev.Summary.ProjectedCash.Equal(d(100000)) {
		t.Errorf("projected cash = %s", ev.Summary.ProjectedCash)
	}
}

func TestEvaluate_Example3MaxOrderValue(t *testing.T) {
	drafts := []model.OrderDraft{buy("a", 5000, 50)}
	snap := snapshot(2000000, trading(moutai, 50))

	ev := risk.Evaluate(drafts, snap, rules.Defaults())
	if got := codes(ev.Verdicts); !reflect.DeepEqual(got, []string{risk.CodeMaxOrderValue}) {
		t.Fatalf("verdicts = %v", got)
	}
	if ev.Status != model.SeverityWarn {
		t.Errorf("status = %s, want WARN", ev.Status)
	}

	cfg := rules.Defaults()
	cfg.MaxOrderValueSeverity = model.SeverityFail
	if ev := risk.Evaluate(drafts, snap, cfg); ev.Status != model.SeverityFail {
		t.Errorf("promoted status = %s, want FAIL", ev.Status)
	}
}

func TestEvaluate_OddLot(t *testing.T) {
	ev := risk.Evaluate([]model.OrderDraft{buy("a", 150, 50)},
		snapshot(100000, trading(moutai, 50)), rules.Defaults())
	v := find(ev.Verdicts, risk.CodeInvalidQty)
	if v == nil || v.Suggestion != "set quantity to 100" {
		t.Fatalf("verdict = %+v", v)
	}
}

func TestEvaluate_ETFLotSize(t *testing.T) {
	cfg := rules.Defaults()
	cfg.ETFLotSize = 1000
	dr := buy("a", 500, 4)
	dr.Instrument = "510300.SSE"
	ev := risk.Evaluate([]model.OrderDraft{dr}, snapshot(100000, trading("510300.SSE", 4)), cfg)
	if find(ev.Verdicts, risk.CodeInvalidQty) == nil {
		t.Errorf("expected %s for ETF odd lot, got %v", risk.CodeInvalidQty, codes(ev.Verdicts))
	}
}

func TestEvaluate_NoPortfolio(t *testing.T) {
	ev := risk.Evaluate([]model.OrderDraft{buy("a", 100, 50)}, risk.Snapshot{}, rules.Defaults())
	want := []string{risk.CodeNoPortfolio, risk.CodeTradingStatusUnknown}
	if got := codes(ev.Verdicts); !reflect.DeepEqual(got, want) {
		t.Fatalf("verdicts = %v, want %v", got, want)
	}
	if ev.Status != model.SeverityFail {
		t.Errorf("status = %s", ev.Status)
	}
	if !ev.Summary.ProjectedCash.IsZero() {
		t.Errorf("summary should be empty, got %+v", ev.Summary)
	}
}

func TestEvaluate_InsufficientCash(t *testing.T) {
	// cost = 10000 + 5 + 5 > 10000
	ev := risk.Evaluate([]model.OrderDraft{buy("a", 200, 50)},
		snapshot(10000, trading(moutai, 50)), rules.Defaults())
	if find(ev.Verdicts, risk.CodeInsufficientCash) == nil {
		t.Fatalf("verdicts = %v", codes(ev.Verdicts))
	}
}

func TestEvaluate_CashRatioBelowMinimum(t *testing.T) {
	// cost 95076 leaves 4924 of 99924 equity: 4.93% < 5%.
	ev := risk.Evaluate([]model.OrderDraft{buy("a", 1900, 50)},
		snapshot(100000, trading(moutai, 50)), rules.Defaults())
	v := find(ev.Verdicts, risk.CodeInsufficientCash)
	if v == nil {
		t.Fatalf("verdicts = %v", codes(ev.Verdicts))
	}
	if v.Severity != model.SeverityFail {
		t.Errorf("severity = %s", v.Severity)
	}
}

func TestEvaluate_PositionLimit(t *testing.T) {
	// 30000 of 99976 equity is 30% > 25%.
	ev := risk.Evaluate([]model.OrderDraft{buy("a", 600, 50)},
		snapshot(100000, trading(moutai, 50)), rules.Defaults())
	if got := codes(ev.Verdicts); !reflect.DeepEqual(got, []string{risk.CodePositionLimit}) {
		t.Fatalf("verdicts = %v", got)
	}
}

func TestEvaluate_PositionLimitCountsExistingHoldings(t *testing.T) {
	snap := snapshot(70000, trading(moutai, 50))
	snap.Positions[moutai] = model.Position{Instrument: moutai, Quantity: 400, AvgCost: d(45)}

	// 400 held + 200 bought = 30000 at 50.
	ev := risk.Evaluate([]model.OrderDraft{buy("a", 200, 50)}, snap, rules.Defaults())
	if find(ev.Verdicts, risk.CodePositionLimit) == nil {
		t.Fatalf("verdicts = %v", codes(ev.Verdicts))
	}
}

func TestEvaluate_SequentialProjection(t *testing.T) {
	drafts := []model.OrderDraft{buy("a", 400, 50), buy("b", 200, 50)}
	ev := risk.Evaluate(drafts, snapshot(100000, trading(moutai, 50)), rules.Defaults())

	if len(ev.Verdicts) != 1 {
		t.Fatalf("verdicts = %+v", ev.Verdicts)
	}
	v := ev.Verdicts[0]
	if v.Code != risk.CodePositionLimit || v.DraftID != "b" {
		t.Errorf("verdict = %+v, want position limit on b", v)
	}
	// Only a is applied: 100000 - (20000 + 6 + 10).
	if !ev.Summary.ProjectedCash.Equal(d(79984)) {
		t.Errorf("projected cash = %s, want 79984", ev.Summary.ProjectedCash)
	}
}

func TestEvaluate_InsufficientPosition(t *testing.T) {
	snap := snapshot(100000, trading(moutai, 50))
	snap.Positions[moutai] = model.Position{Instrument: moutai, Quantity: 100, AvgCost: d(45)}

	ev := risk.Evaluate([]model.OrderDraft{sell("a", 100, 50), sell("b", 100, 50)}, snap, rules.Defaults())
	if len(ev.Verdicts) != 1 {
		t.Fatalf("verdicts = %+v", ev.Verdicts)
	}
	if v := ev.Verdicts[0]; v.Code != risk.CodeInsufficientPosition || v.DraftID != "b" {
		t.Errorf("verdict = %+v", v)
	}
}

func TestEvaluate_SellWithoutHolding(t *testing.T) {
	ev := risk.Evaluate([]model.OrderDraft{sell("a", 100, 50)},
		snapshot(100000, trading(moutai, 50)), rules.Defaults())
	if ev.Status != model.SeverityFail || find(ev.Verdicts, risk.CodeInsufficientPosition) == nil {
		t.Fatalf("status %s verdicts %v", ev.Status, codes(ev.Verdicts))
	}
}

func TestEvaluate_TradingHalted(t *testing.T) {
	q := &model.Quote{Instrument: moutai, Price: d(50), Status: model.TradingStatusHalted}
	ev := risk.Evaluate([]model.OrderDraft{buy("a", 100, 50)}, snapshot(100000, q), rules.Defaults())
	if got := codes(ev.Verdicts); !reflect.DeepEqual(got, []string{risk.CodeTradingHalted}) {
		t.Fatalf("verdicts = %v", got)
	}
	if ev.Status != model.SeverityFail {
		t.Errorf("status = %s", ev.Status)
	}
}

func TestEvaluate_QuoteUnavailableNeverBlocks(t *testing.T) {
	ev := risk.Evaluate([]model.OrderDraft{buy("a", 100, 50)}, snapshot(100000), rules.Defaults())
	if got := codes(ev.Verdicts); !reflect.DeepEqual(got, []string{risk.CodeTradingStatusUnknown}) {
		t.Fatalf("verdicts = %v", got)
	}
	if ev.Status != model.SeverityWarn {
		t.Errorf("status = %s, want WARN", ev.Status)
	}
}

func TestEvaluate_Deterministic(t *testing.T) {
	drafts := []model.OrderDraft{buy("a", 400, 52), buy("b", 250, 50), sell("c", 100, 49)}
	snap := snapshot(150000, trading(moutai, 50))
	snap.Positions[moutai] = model.Position{Instrument: moutai, Quantity: 300, AvgCost: d(41.5)}

	first := risk.Evaluate(drafts, snap, rules.Defaults())
	for range 5 {
		if again := risk.Evaluate(drafts, snap, rules.Defaults()); !reflect.DeepEqual(first, again) {
			t.Fatalf("evaluation not deterministic:\n%+v\n%+v", first, again)
		}
	}
}

func TestAggregate_TotalOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		sevs := rapid.SliceOf(rapid.SampledFrom([]model.Severity{
			model.SeverityPass, model.SeverityWarn, model.SeverityFail,
		})).Draw(t, "severities")

		verdicts := make([]model.RiskVerdict, len(sevs))
		anyFail, anyWarn := false, false
		for i, s := range sevs {
			verdicts[i] = model.RiskVerdict{Code: "X", Severity: s}
			anyFail = anyFail || s == model.SeverityFail
			anyWarn = anyWarn || s == model.SeverityWarn
		}

		want := model.SeverityPass
		switch {
		case anyFail:
			want = model.SeverityFail
		case anyWarn:
			want = model.SeverityWarn
		}
		if got := risk.Aggregate(verdicts); got != want {
			t.Fatalf("Aggregate(%v) = %s, want %s", sevs, got, want)
		}
	})
}

func TestEvaluate_StatusMatchesVerdicts(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 4).Draw(t, "drafts")
		drafts := make([]model.OrderDraft, n)
		for i := range drafts {
			side := rapid.SampledFrom([]model.Side{model.SideBuy, model.SideSell}).Draw(t, "side")
			dr := buy(string(rune('a'+i)), rapid.Int64Range(-100, 3000).Draw(t, "qty"),
				float64(rapid.IntRange(1, 200).Draw(t, "price")))
			dr.Side = side
			drafts[i] = dr
		}
		snap := snapshot(float64(rapid.IntRange(0, 500000).Draw(t, "cash")))
		if rapid.Bool().Draw(t, "quoted") {
			snap.Quotes[moutai] = trading(moutai, float64(rapid.IntRange(1, 200).Draw(t, "ref")))
		}

		ev := risk.Evaluate(drafts, snap, rules.Defaults())
		if ev.Status != risk.Aggregate(ev.Verdicts) {
			t.Fatalf("status %s does not aggregate %+v", ev.Status, ev.Verdicts)
		}
		if ev.Summary.ProjectedCash.IsNegative() {
			t.Fatalf("projection went negative: %s", ev.Summary.ProjectedCash)
		}
	})
}

func TestCodes_Order(t *testing.T) {
	got := risk.Codes()
	if got[0] != risk.CodeNoPortfolio || got[len(got)-1] != risk.CodeTradingStatusUnknown {
		t.Errorf("codes = %v", got)
	}
}
