// Package risk evaluates order drafts against the active ruleset and
// records the outcome as an immutable RiskCheckResult.
//
// Evaluate is pure: the same drafts, snapshot and config always produce the
// same verdicts in the same order. Every rule runs for every draft; nothing
// short-circuits, so the caller sees all applicable violations at once.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/workbench/simengine/internal/fill"
	"github.com/workbench/simengine/internal/instrument"
	"github.com/workbench/simengine/internal/model"
	"github.com/workbench/simengine/internal/rules"
)

// Rule codes, in evaluation order.
const (
	CodeNoPortfolio          = "RISK_NO_PORTFOLIO"
	CodeInvalidQty           = "RISK_INVALID_QTY"
	CodeInsufficientPosition = "RISK_INSUFFICIENT_POSITION"
	CodeInsufficientCash     = "RISK_INSUFFICIENT_CASH"
	CodePositionLimit        = "RISK_POSITION_LIMIT"
	CodeMaxOrderValue        = "RISK_MAX_ORDER_VALUE"
	CodePriceDeviation       = "RISK_PRICE_DEVIATION"
	CodeTradingHalted        = "RISK_TRADING_HALTED"
	CodeTradingStatusUnknown = "RISK_TRADING_STATUS_UNKNOWN"
)

// Snapshot is the portfolio state a check is computed against.
type Snapshot struct {
	// Portfolio is nil when the drafts' portfolio cannot be resolved.
	Portfolio *model.Portfolio
	// Positions by instrument.
	Positions map[string]model.Position
	// Quotes by instrument. A missing entry means unavailable.
	Quotes map[string]*model.Quote
}

// Evaluation is the outcome of Evaluate.
type Evaluation struct {
	Verdicts []model.RiskVerdict
	Status   model.Severity
	Summary  model.RiskCheckSummary
}

// Aggregate folds verdict severities: FAIL beats WARN beats PASS.
func Aggregate(verdicts []model.RiskVerdict) model.Severity {
	status := model.SeverityPass
	for _, v := range verdicts {
		if v.Severity.Rank() > status.Rank() {
			status = v.Severity
		}
	}
	return status
}

// projection is the simulated portfolio after applying earlier drafts.
type projection struct {
	cash  decimal.Decimal
	qty   map[string]int64
	marks map[string]decimal.Decimal
}

func newProjection(snap Snapshot) *projection {
	p := &projection{
		cash:  snap.Portfolio.Cash,
		qty:   make(map[string]int64, len(snap.Positions)),
		marks: make(map[string]decimal.Decimal, len(snap.Positions)),
	}
	for inst, pos := range snap.Positions {
		p.qty[inst] = pos.Quantity
		p.marks[inst] = markPrice(snap.Quotes[inst], pos.AvgCost)
	}
	return p
}

// markPrice is the quote price when one exists, else fallback.
func markPrice(q *model.Quote, fallback decimal.Decimal) decimal.Decimal {
	if q.HasPrice() {
		return q.Price
	}
	return fallback
}

func (p *projection) mark(inst string, fallback decimal.Decimal) decimal.Decimal {
	if m, ok := p.marks[inst]; ok {
		return m
	}
	return fallback
}

func (p *projection) equity() decimal.Decimal {
	eq := p.cash
	for inst, q := range p.qty {
		eq = eq.Add(p.marks[inst].Mul(decimal.NewFromInt(q)))
	}
	return eq
}

// input is everything a rule sees for one draft.
type input struct {
	draft *model.OrderDraft
	inst  *instrument.Instrument // nil if the code does not parse
	quote *model.Quote
	proj  *projection // nil without a portfolio
	cfg   rules.Config
	fm    fill.Model
}

func (in *input) notional() decimal.Decimal { return in.draft.Notional() }

// buyCost is notional plus fee and slippage at the limit price.
func (in *input) buyCost() decimal.Decimal {
	n := in.notional()
	return n.Add(in.fm.Fee(n)).Add(in.fm.Slippage(n))
}

func (in *input) mark() decimal.Decimal {
	return in.proj.mark(in.draft.Instrument, markPrice(in.quote, in.draft.Price))
}

// afterBuy returns projected cash and equity if the draft filled at its
// limit price. The new shares are marked at the instrument's mark price.
func (in *input) afterBuy() (cash, equity decimal.Decimal) {
	cost := in.buyCost()
	cash = in.proj.cash.Sub(cost)
	added := in.mark().Mul(decimal.NewFromInt(in.draft.Quantity))
	equity = in.proj.equity().Sub(cost).Add(added)
	return cash, equity
}

func (in *input) isBuy() bool  { return in.draft.Side == model.SideBuy }
func (in *input) hasQty() bool { return in.draft.Quantity > 0 }

type rule struct {
	code string
	eval func(in *input) *model.RiskVerdict
}

func verdict(code string, sev model.Severity, suggestion, format string, args ...any) *model.RiskVerdict {
	return &model.RiskVerdict{
		Code:       code,
		Severity:   sev,
		Message:    fmt.Sprintf(format, args...),
		Suggestion: suggestion,
	}
}

func pct(d decimal.Decimal) string {
	return d.Mul(decimal.NewFromInt(100)).StringFixed(2) + "%"
}

// ruleTable is closed and ordered. New rules append here.
var ruleTable = []rule{
	{CodeNoPortfolio, func(in *input) *model.RiskVerdict {
		if in.proj != nil {
			return nil
		}
		return verdict(CodeNoPortfolio, model.SeverityFail, "create the portfolio or fix portfolio_id",
			"portfolio %s not found", in.draft.PortfolioID)
	}},

	{CodeInvalidQty, func(in *input) *model.RiskVerdict {
		kind := instrument.KindStock
		if in.inst != nil {
			kind = in.inst.Kind
		}
		lot := in.cfg.LotSize(kind)
		q := in.draft.Quantity
		if q > 0 && q%lot == 0 {
			return nil
		}
		suggested := max(q/lot, 1) * lot
		return verdict(CodeInvalidQty, model.SeverityFail, fmt.Sprintf("set quantity to %d", suggested),
			"quantity %d must be a positive multiple of %d", q, lot)
	}},

	{CodeInsufficientPosition, func(in *input) *model.RiskVerdict {
		if in.proj == nil || in.isBuy() || !in.hasQty() {
			return nil
		}
		held := in.proj.qty[in.draft.Instrument]
		if in.draft.Quantity <= held {
			return nil
		}
		return verdict(CodeInsufficientPosition, model.SeverityFail, fmt.Sprintf("reduce sell quantity to %d or less", held),
			"sell quantity %d exceeds held %d of %s", in.draft.Quantity, held, in.draft.Instrument)
	}},

	{CodeInsufficientCash, func(in *input) *model.RiskVerdict {
		if in.proj == nil || !in.isBuy() || !in.hasQty() {
			return nil
		}
		cash, equity := in.afterBuy()
		if cash.IsNegative() {
			return verdict(CodeInsufficientCash, model.SeverityFail, "reduce buy quantity or add cash",
				"order cost %s exceeds available cash %s", in.buyCost().StringFixed(2), in.proj.cash.StringFixed(2))
		}
		ratio := decimal.Zero
		if equity.IsPositive() {
			ratio = cash.Div(equity)
		}
		if ratio.LessThan(in.cfg.MinCashRatio) {
			return verdict(CodeInsufficientCash, model.SeverityFail, "reduce buy size",
				"cash ratio after fill %s below minimum %s", pct(ratio), pct(in.cfg.MinCashRatio))
		}
		return nil
	}},

	{CodePositionLimit, func(in *input) *model.RiskVerdict {
		if in.proj == nil || !in.isBuy() || !in.hasQty() {
			return nil
		}
		_, equity := in.afterBuy()
		if !equity.IsPositive() {
			return nil
		}
		qty := in.proj.qty[in.draft.Instrument] + in.draft.Quantity
		weight := in.mark().Mul(decimal.NewFromInt(qty)).Div(equity)
		if weight.LessThanOrEqual(in.cfg.MaxPositionPerSymbol) {
			return nil
		}
		return verdict(CodePositionLimit, model.SeverityFail, "reduce buy quantity or diversify",
			"%s would be %s of equity, limit %s", in.draft.Instrument, pct(weight), pct(in.cfg.MaxPositionPerSymbol))
	}},

	{CodeMaxOrderValue, func(in *input) *model.RiskVerdict {
		if !in.hasQty() {
			return nil
		}
		n := in.notional()
		if n.LessThanOrEqual(in.cfg.MaxOrderValue) {
			return nil
		}
		return verdict(CodeMaxOrderValue, in.cfg.MaxOrderValueSeverity, "reduce order size or split the order",
			"order value %s exceeds limit %s", n.StringFixed(2), in.cfg.MaxOrderValue.StringFixed(2))
	}},

	{CodePriceDeviation, func(in *input) *model.RiskVerdict {
		if !in.quote.HasPrice() {
			return nil
		}
		ref := in.quote.Price
		dev := in.draft.Price.Sub(ref).Abs().Div(ref)
		if dev.LessThanOrEqual(in.cfg.PriceDeviationLimit) {
			return nil
		}
		return verdict(CodePriceDeviation, model.SeverityWarn, "confirm price or adjust closer to market",
			"limit price %s deviates from reference %s by %s", in.draft.Price.String(), ref.String(), pct(dev))
	}},

	{CodeTradingHalted, func(in *input) *model.RiskVerdict {
		if in.quote == nil || in.quote.Status != model.TradingStatusHalted {
			return nil
		}
		return verdict(CodeTradingHalted, model.SeverityFail, "wait for trading to resume",
			"%s is halted", in.draft.Instrument)
	}},

	{CodeTradingStatusUnknown, func(in *input) *model.RiskVerdict {
		q := in.quote
		if q != nil && q.Status == model.TradingStatusHalted {
			return nil
		}
		if q.HasPrice() && q.Status == model.TradingStatusTrading {
			return nil
		}
		return verdict(CodeTradingStatusUnknown, model.SeverityWarn, "verify the instrument is trading before confirming",
			"reference price or trading status for %s unavailable", in.draft.Instrument)
	}},
}

// Codes lists the rule codes in evaluation order.
func Codes() []string {
	out := make([]string, len(ruleTable))
	for i, r := range ruleTable {
		out[i] = r.code
	}
	return out
}

// Evaluate runs every rule against every draft in order. A draft without a
// FAIL verdict is applied to the projection before the next draft is
// evaluated, so later drafts see the cash and holdings earlier ones use.
func Evaluate(drafts []model.OrderDraft, snap Snapshot, cfg rules.Config) Evaluation {
	var proj *projection
	var summary model.RiskCheckSummary
	if snap.Portfolio != nil {
		proj = newProjection(snap)
		summary.CashBefore = snap.Portfolio.Cash
	}

	fm := cfg.FillModel()
	verdicts := make([]model.RiskVerdict, 0)

	for i := range drafts {
		dr := &drafts[i]
		inst, _ := instrument.Parse(dr.Instrument)
		in := &input{
			draft: dr,
			inst:  inst,
			quote: snap.Quotes[dr.Instrument],
			proj:  proj,
			cfg:   cfg,
			fm:    fm,
		}

		failed := false
		for _, r := range ruleTable {
			v := r.eval(in)
			if v == nil {
				continue
			}
			v.DraftID = dr.ID
			if v.Severity == model.SeverityFail {
				failed = true
			}
			verdicts = append(verdicts, *v)
		}

		if proj != nil && !failed && dr.Quantity > 0 {
			apply(in)
		}
	}

	if proj != nil {
		summary.ProjectedCash = proj.cash
		summary.ProjectedEquity = proj.equity()
	}
	return Evaluation{
		Verdicts: verdicts,
		Status:   Aggregate(verdicts),
		Summary:  summary,
	}
}

// apply books the draft into the projection at its limit price.
func apply(in *input) {
	p := in.proj
	inst := in.draft.Instrument
	p.marks[inst] = in.mark()
	c := in.fm.Costs(in.draft.Side, in.draft.Price, in.draft.Quantity)
	p.cash = p.cash.Add(c.CashDelta)
	if in.isBuy() {
		p.qty[inst] += in.draft.Quantity
	} else {
		p.qty[inst] -= in.draft.Quantity
	}
}
