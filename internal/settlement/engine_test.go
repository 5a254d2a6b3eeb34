package settlement_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/workbench/simengine/internal/audit"
	"github.com/workbench/simengine/internal/draft"
	"github.com/workbench/simengine/internal/guard"
	"github.com/workbench/simengine/internal/model"
	"github.com/workbench/simengine/internal/quote"
	"github.com/workbench/simengine/internal/risk"
	"github.com/workbench/simengine/internal/rules"
	"github.com/workbench/simengine/internal/settlement"
	"github.com/workbench/simengine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

const (
	moutai = "600519.SSE"
	pingan = "000001.SZSE"
)

type recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recorder) Publish(e model.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type testEnv struct {
	store    store.Store
	quotes   *quote.StaticProvider
	locker   *guard.KeyedMutex
	registry *rules.Registry
	drafts   *draft.Service
	checker  *risk.Checker
	engine   *settlement.Engine
	events   *recorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, store.NewMemoryStore(), time.Second)
}

func newTestEnvWith(t *testing.T, st store.Store, lockTimeout time.Duration) *testEnv {
	t.Helper()
	qp := quote.NewStaticProvider()
	fetcher := quote.NewFetcher(qp, time.Second)
	locker := guard.NewKeyedMutex()
	reg := rules.NewRegistry(st)
	rec := &recorder{}
	return &testEnv{
		store:    st,
		quotes:   qp,
		locker:   locker,
		registry: reg,
		drafts:   draft.NewService(st, reg, locker, lockTimeout, nil),
		checker:  risk.NewChecker(st, fetcher, reg, locker, lockTimeout, nil),
		engine:   settlement.NewEngine(st, fetcher, reg, locker, lockTimeout, rec),
		events:   rec,
	}
}

// permissive activates a ruleset that only checks cash and lots.
func (e *testEnv) permissive(t *testing.T) {
	t.Helper()
	cfg := rules.Defaults()
	cfg.Label = "test/permissive"
	cfg.MinCashRatio = decimal.Zero
	cfg.MaxPositionPerSymbol = decimal.NewFromInt(1)
	cfg.MaxOrderValue = decimal.NewFromInt(1_000_000_000)
	cfg.PriceDeviationLimit = decimal.NewFromInt(1)
	if _, err := e.registry.Activate(context.Background(), cfg, "test", false); err != nil {
		t.Fatalf("activate: %v", err)
	}
}

func (e *testEnv) seedPortfolio(t *testing.T, id string, cash float64) {
	t.Helper()
	now := time.Now().UTC()
	err := e.store.WithinTx(context.Background(), func(tx store.Tx) error {
		return tx.CreatePortfolio(context.Background(), &model.Portfolio{
			ID: id, Name: id, BaseCurrency: "CNY", Cash: d(cash), CreatedAt: now, UpdatedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("seed portfolio: %v", err)
	}
}

func (e *testEnv) newDraft(t *testing.T, pid, inst string, side model.Side, qty int64, price float64) *model.OrderDraft {
	t.Helper()
	dr, err := e.drafts.Create(context.Background(), draft.CreateRequest{
		PortfolioID: pid, Instrument: inst, Side: side, Price: d(price), Quantity: qty,
	})
	if err != nil {
		t.Fatalf("create draft: %v", err)
	}
	return dr
}

func (e *testEnv) check(t *testing.T, ids ...string) *model.RiskCheckResult {
	t.Helper()
	res, err := e.checker.Check(context.Background(), risk.CheckRequest{DraftIDs: ids})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	return res
}

func (e *testEnv) confirm(ids []string, checkID string, ack bool) (*settlement.Result, error) {
	return e.engine.Confirm(context.Background(), settlement.ConfirmRequest{
		DraftIDs: ids, RiskCheckID: checkID, AckWarnings: ack, Actor: "tester",
	})
}

func (e *testEnv) cash(t *testing.T, pid string) decimal.Decimal {
	t.Helper()
	pf, err := e.store.GetPortfolio(context.Background(), pid)
	if err != nil {
		t.Fatalf("GetPortfolio: %v", err)
	}
	return pf.Cash
}

func (e *testEnv) status(t *testing.T, id string) model.DraftStatus {
	t.Helper()
	dr, err := e.store.GetDraft(context.Background(), id)
	if err != nil {
		t.Fatalf("GetDraft: %v", err)
	}
	return dr.Status
}

func (e *testEnv) auditActions(t *testing.T) []string {
	t.Helper()
	recs, err := e.store.ListAudit(context.Background(), store.AuditFilter{})
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if n, err := audit.Verify(recs); err != nil {
		t.Fatalf("audit chain broken after %d records: %v", n, err)
	}
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Action
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// --- Happy path ---

func TestConfirm_Example1(t *testing.T) {
	env := newTestEnv(t)
	env.seedPortfolio(t, "pf-1", 100000)
	env.quotes.SetPrice(moutai, d(48))
	dr := env.newDraft(t, "pf-1", moutai, model.SideBuy, 100, 50)
	chk := env.check(t, dr.ID)

	res, err := env.confirm([]string{dr.ID}, chk.ID, true)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d", len(res.Trades))
	}
	tr := res.Trades[0]
	if !tr.FillPrice.Equal(d(48)) || !tr.Notional.Equal(d(4800)) {
		t.Errorf("fill = %s x %d = %s", tr.FillPrice, tr.Quantity, tr.Notional)
	}
	if !tr.Fee.Equal(d(5)) || !tr.Slippage.Equal(d(2.4)) {
		t.Errorf("fee = %s, slippage = %s", tr.Fee, tr.Slippage)
	}
	if !res.Cash.Equal(d(95192.6)) {
		t.Errorf("cash = %s, want 95192.6", res.Cash)
	}
	if got := env.cash(t, "pf-1"); !got.Equal(d(95192.6)) {
		t.Errorf("stored cash = %s", got)
	}

	positions, _ := env.store.ListPositions(context.Background(), "pf-1")
	if len(positions) != 1 || positions[0].Quantity != 100 || !positions[0].AvgCost.Equal(d(48)) {
		t.Errorf("positions = %+v", positions)
	}

	o := res.Order
	if o.Status != model.SimOrderFilled || o.FilledQty != 100 || !o.AvgFillPrice.Equal(d(48)) {
		t.Errorf("order = %+v", o)
	}
	if !o.CashBefore.Equal(d(100000)) || !o.CashAfter.Equal(d(95192.6)) {
		t.Errorf("order cash %s → %s", o.CashBefore, o.CashAfter)
	}
	if o.RulesetVersion != chk.RulesetVersion || o.RiskCheckID != chk.ID {
		t.Errorf("order provenance = %s / %s", o.RulesetVersion, o.RiskCheckID)
	}

	if s := env.status(t, dr.ID); s != model.DraftStatusExecuted {
		t.Errorf("draft status = %s", s)
	}
	acts := env.auditActions(t)
	for _, want := range []string{audit.ActionConfirmAccepted, audit.ActionSettleExecuted} {
		if !contains(acts, want) {
			t.Errorf("audit missing %s: %v", want, acts)
		}
	}
	if types := env.events.types(); len(types) != 1 || types[0] != model.EventOrderSettled {
		t.Errorf("events = %v", types)
	}
}

func TestConfirm_MultiDraftSingleOrder(t *testing.T) {
	env := newTestEnv(t)
	env.permissive(t)
	env.seedPortfolio(t, "pf-1", 100000)
	env.quotes.SetPrice(moutai, d(50))
	env.quotes.SetPrice(pingan, d(10))
	a := env.newDraft(t, "pf-1", moutai, model.SideBuy, 100, 50)
	b := env.newDraft(t, "pf-1", pingan, model.SideBuy, 1000, 10)
	chk := env.check(t, a.ID, b.ID)
	if chk.Status != model.SeverityPass {
		t.Fatalf("check = %+v", chk)
	}

	// Request order does not matter; the check's order is used.
	res, err := env.confirm([]string{b.ID, a.ID}, chk.ID, false)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if len(res.Trades) != 2 || res.Trades[0].DraftID != a.ID || res.Trades[1].DraftID != b.ID {
		t.Fatalf("trades = %+v", res.Trades)
	}
	// 2 × (notional 5000/10000 + fee 5 + slippage 2.5/5)
	want := d(100000 - 5007.5 - 10010)
	if !res.Cash.Equal(want) {
		t.Errorf("cash = %s, want %s", res.Cash, want)
	}
	if res.Order.FilledQty != 1100 || !res.Order.FeeTotal.Equal(d(10)) {
		t.Errorf("order = %+v", res.Order)
	}
	orders, _ := env.store.ListSimOrders(context.Background(), "pf-1", 0)
	if len(orders) != 1 {
		t.Errorf("orders = %d, want 1", len(orders))
	}
}

func TestConfirm_SellClosesPosition(t *testing.T) {
	env := newTestEnv(t)
	env.permissive(t)
	env.seedPortfolio(t, "pf-1", 100000)
	env.quotes.SetPrice(moutai, d(50))

	b := env.newDraft(t, "pf-1", moutai, model.SideBuy, 200, 50)
	if _, err := env.confirm([]string{b.ID}, env.check(t, b.ID).ID, false); err != nil {
		t.Fatalf("buy: %v", err)
	}
	before := env.cash(t, "pf-1")

	env.quotes.SetPrice(moutai, d(55))
	s := env.newDraft(t, "pf-1", moutai, model.SideSell, 200, 52)
	res, err := env.confirm([]string{s.ID}, env.check(t, s.ID).ID, false)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}

	// SELL fills at max(52, 55) = 55: 11000 - 5 - 5.5.
	tr := res.Trades[0]
	if !tr.FillPrice.Equal(d(55)) {
		t.Errorf("fill price = %s", tr.FillPrice)
	}
	want := before.Add(d(11000 - 5 - 5.5))
	if !res.Cash.Equal(want) {
		t.Errorf("cash = %s, want %s", res.Cash, want)
	}
	if len(res.Positions) != 1 || res.Positions[0].Quantity != 0 {
		t.Errorf("result positions = %+v", res.Positions)
	}
	positions, _ := env.store.ListPositions(context.Background(), "pf-1")
	if len(positions) != 0 {
		t.Errorf("position should be removed, got %+v", positions)
	}
}

// --- Refusals ---

func TestConfirm_SecondAttemptIsIdempotencyConflict(t *testing.T) {
	env := newTestEnv(t)
	env.seedPortfolio(t, "pf-1", 100000)
	env.quotes.SetPrice(moutai, d(48))
	dr := env.newDraft(t, "pf-1", moutai, model.SideBuy, 100, 50)
	chk := env.check(t, dr.ID)

	if _, err := env.confirm([]string{dr.ID}, chk.ID, true); err != nil {
		t.Fatalf("first confirm: %v", err)
	}
	cash := env.cash(t, "pf-1")

	_, err := env.confirm([]string{dr.ID}, chk.ID, true)
	if !errors.Is(err, model.ErrIdempotencyConflict) {
		t.Fatalf("expected idempotency conflict, got %v", err)
	}
	if got := env.cash(t, "pf-1"); !got.Equal(cash) {
		t.Errorf("cash changed: %s → %s", cash, got)
	}
	orders, _ := env.store.ListSimOrders(context.Background(), "pf-1", 0)
	trades, _ := env.store.ListSimTrades(context.Background(), "pf-1", 0)
	if len(orders) != 1 || len(trades) != 1 {
		t.Errorf("orders = %d, trades = %d, want 1 each", len(orders), len(trades))
	}
	if acts := env.auditActions(t); acts[len(acts)-1] != audit.ActionConfirmRejected {
		t.Errorf("last audit action = %s", acts[len(acts)-1])
	}
}

func TestConfirm_Example4EditAfterCheckIsStale(t *testing.T) {
	env := newTestEnv(t)
	env.seedPortfolio(t, "pf-1", 100000)
	dr := env.newDraft(t, "pf-1", moutai, model.SideBuy, 100, 50)
	chk := env.check(t, dr.ID)

	price := d(49)
	if _, err := env.drafts.Edit(context.Background(), dr.ID, draft.EditRequest{Price: &price}); err != nil {
		t.Fatalf("Edit: %v", err)
	}

	_, err := env.confirm([]string{dr.ID}, chk.ID, true)
	if !errors.Is(err, model.ErrStaleRiskCheck) {
		t.Fatalf("expected stale risk check, got %v", err)
	}
	if s := env.status(t, dr.ID); s != model.DraftStatusDraft {
		t.Errorf("status = %s", s)
	}
}

func TestConfirm_EditedAndRecheckedOldCheckIsStale(t *testing.T) {
	env := newTestEnv(t)
	env.seedPortfolio(t, "pf-1", 100000)
	dr := env.newDraft(t, "pf-1", moutai, model.SideBuy, 100, 50)
	old := env.check(t, dr.ID)

	qty := int64(200)
	if _, err := env.drafts.Edit(context.Background(), dr.ID, draft.EditRequest{Quantity: &qty}); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	fresh := env.check(t, dr.ID)

	if _, err := env.confirm([]string{dr.ID}, old.ID, true); !errors.Is(err, model.ErrStaleRiskCheck) {
		t.Fatalf("old check: expected stale, got %v", err)
	}
	if _, err := env.confirm([]string{dr.ID}, fresh.ID, true); err != nil {
		t.Fatalf("fresh check: %v", err)
	}
}

func TestConfirm_SupersededCheckIsStale(t *testing.T) {
	env := newTestEnv(t)
	env.seedPortfolio(t, "pf-1", 100000)
	dr := env.newDraft(t, "pf-1", moutai, model.SideBuy, 100, 50)
	first := env.check(t, dr.ID)
	env.check(t, dr.ID)

	if _, err := env.confirm([]string{dr.ID}, first.ID, true); !errors.Is(err, model.ErrStaleRiskCheck) {
		t.Fatalf("expected stale, got %v", err)
	}
}

func TestConfirm_DraftSetMismatchIsStale(t *testing.T) {
	env := newTestEnv(t)
	env.permissive(t)
	env.seedPortfolio(t, "pf-1", 100000)
	a := env.newDraft(t, "pf-1", moutai, model.SideBuy, 100, 50)
	b := env.newDraft(t, "pf-1", moutai, model.SideBuy, 100, 50)
	chk := env.check(t, a.ID, b.ID)

	if _, err := env.confirm([]string{a.ID}, chk.ID, true); !errors.Is(err, model.ErrStaleRiskCheck) {
		t.Fatalf("expected stale, got %v", err)
	}
}

func TestConfirm_RulesetChangeIsStale(t *testing.T) {
	env := newTestEnv(t)
	env.seedPortfolio(t, "pf-1", 100000)
	dr := env.newDraft(t, "pf-1", moutai, model.SideBuy, 100, 50)
	chk := env.check(t, dr.ID)

	env.permissive(t)

	_, err := env.confirm([]string{dr.ID}, chk.ID, true)
	if !errors.Is(err, model.ErrStaleRiskCheck) {
		t.Fatalf("expected stale, got %v", err)
	}
	if !strings.Contains(err.Error(), "ruleset") {
		t.Errorf("error should name the ruleset: %v", err)
	}
}

func TestConfirm_FailStatusBlocks(t *testing.T) {
	env := newTestEnv(t)
	env.seedPortfolio(t, "pf-1", 100000)
	dr := env.newDraft(t, "pf-1", moutai, model.SideBuy, 0, 50)
	chk := env.check(t, dr.ID)

	_, err := env.confirm([]string{dr.ID}, chk.ID, true)
	if !errors.Is(err, model.ErrRiskCheckFail) {
		t.Fatalf("expected risk check fail, got %v", err)
	}
	if s := env.status(t, dr.ID); s != model.DraftStatusChecked {
		t.Errorf("status = %s, want CHECKED", s)
	}
	if got := env.cash(t, "pf-1"); !got.Equal(d(100000)) {
		t.Errorf("cash = %s", got)
	}
}

func TestConfirm_Example3WarnRequiresAck(t *testing.T) {
	env := newTestEnv(t)
	env.seedPortfolio(t, "pf-1", 2000000)
	env.quotes.SetPrice(moutai, d(50))
	dr := env.newDraft(t, "pf-1", moutai, model.SideBuy, 5000, 50)
	chk := env.check(t, dr.ID)
	if chk.Status != model.SeverityWarn {
		t.Fatalf("check status = %s", chk.Status)
	}

	_, err := env.confirm([]string{dr.ID}, chk.ID, false)
	if !errors.Is(err, model.ErrRiskCheckFail) || !strings.Contains(err.Error(), "not acknowledged") {
		t.Fatalf("expected unacknowledged warning refusal, got %v", err)
	}
	if s := env.status(t, dr.ID); s != model.DraftStatusChecked {
		t.Errorf("status = %s", s)
	}

	if _, err := env.confirm([]string{dr.ID}, chk.ID, true); err != nil {
		t.Fatalf("acknowledged confirm: %v", err)
	}
}

func TestConfirm_RequestValidation(t *testing.T) {
	env := newTestEnv(t)
	env.seedPortfolio(t, "pf-1", 100000)
	dr := env.newDraft(t, "pf-1", moutai, model.SideBuy, 100, 50)
	chk := env.check(t, dr.ID)

	tests := []struct {
		name    string
		ids     []string
		checkID string
		want    error
	}{
		{"no drafts", nil, chk.ID, model.ErrValidation},
		{"no check", []string{dr.ID}, "", model.ErrValidation},
		{"duplicate ids", []string{dr.ID, dr.ID}, chk.ID, model.ErrValidation},
		{"unknown draft", []string{"nope"}, chk.ID, model.ErrNotFound},
		{"unknown check", []string{dr.ID}, "nope", model.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.confirm(tt.ids, tt.checkID, true)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if acts := env.auditActions(t); acts[len(acts)-1] != audit.ActionConfirmRejected {
				t.Errorf("last audit action = %s", acts[len(acts)-1])
			}
		})
	}
	if s := env.status(t, dr.ID); s != model.DraftStatusChecked {
		t.Errorf("status = %s", s)
	}
}

// --- Failures ---

// faultyStore fails every trade insert while armed.
type faultyStore struct {
	*store.MemoryStore
	armed atomic.Bool
}

func (f *faultyStore) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return f.MemoryStore.WithinTx(ctx, func(tx store.Tx) error {
		if f.armed.Load() {
			return fn(faultyTx{tx})
		}
		return fn(tx)
	})
}

type faultyTx struct{ store.Tx }

func (faultyTx) InsertSimTrade(context.Context, *model.SimTrade) error {
	return errors.New("disk full")
}

func TestConfirm_StorageFailureLeavesNoPartialWrites(t *testing.T) {
	fs := &faultyStore{MemoryStore: store.NewMemoryStore()}
	env := newTestEnvWith(t, fs, time.Second)
	env.seedPortfolio(t, "pf-1", 100000)
	env.quotes.SetPrice(moutai, d(50))
	dr := env.newDraft(t, "pf-1", moutai, model.SideBuy, 100, 50)
	chk := env.check(t, dr.ID)

	fs.armed.Store(true)
	_, err := env.confirm([]string{dr.ID}, chk.ID, true)
	if !errors.Is(err, model.ErrSettlementFailure) {
		t.Fatalf("expected settlement failure, got %v", err)
	}

	if s := env.status(t, dr.ID); s != model.DraftStatusFailed {
		t.Errorf("status = %s, want FAILED", s)
	}
	if got := env.cash(t, "pf-1"); !got.Equal(d(100000)) {
		t.Errorf("cash = %s, want untouched", got)
	}
	positions, _ := env.store.ListPositions(context.Background(), "pf-1")
	orders, _ := env.store.ListSimOrders(context.Background(), "pf-1", 0)
	if len(positions) != 0 || len(orders) != 0 {
		t.Errorf("partial writes: positions=%d orders=%d", len(positions), len(orders))
	}
	acts := env.auditActions(t)
	if acts[len(acts)-1] != audit.ActionSettleFailed {
		t.Errorf("last audit action = %s", acts[len(acts)-1])
	}
	if types := env.events.types(); len(types) != 1 || types[0] != model.EventSettlementFailed {
		t.Errorf("events = %v", types)
	}

	fs.armed.Store(false)
	if _, err := env.confirm([]string{dr.ID}, chk.ID, true); !errors.Is(err, model.ErrIdempotencyConflict) {
		t.Errorf("retry of FAILED draft: expected idempotency conflict, got %v", err)
	}
}

func TestConfirm_LockTimeoutKeepsDraftsChecked(t *testing.T) {
	env := newTestEnvWith(t, store.NewMemoryStore(), 50*time.Millisecond)
	env.seedPortfolio(t, "pf-1", 100000)
	env.quotes.SetPrice(moutai, d(50))
	dr := env.newDraft(t, "pf-1", moutai, model.SideBuy, 100, 50)
	chk := env.check(t, dr.ID)

	release, err := env.locker.Lock(context.Background(), "pf-1")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer release()

	_, err = env.confirm([]string{dr.ID}, chk.ID, true)
	if !errors.Is(err, model.ErrSettlementFailure) || !errors.Is(err, guard.ErrLockTimeout) {
		t.Fatalf("expected lock timeout settlement failure, got %v", err)
	}
	if s := env.status(t, dr.ID); s != model.DraftStatusChecked {
		t.Errorf("status = %s, want CHECKED", s)
	}
}

func TestConfirm_HaltedAtSettlementFails(t *testing.T) {
	env := newTestEnv(t)
	env.seedPortfolio(t, "pf-1", 100000)
	env.quotes.SetPrice(moutai, d(50))
	dr := env.newDraft(t, "pf-1", moutai, model.SideBuy, 100, 50)
	chk := env.check(t, dr.ID)

	env.quotes.Set(model.Quote{Instrument: moutai, Price: d(50), Status: model.TradingStatusHalted})

	_, err := env.confirm([]string{dr.ID}, chk.ID, true)
	if !errors.Is(err, model.ErrSettlementFailure) {
		t.Fatalf("expected settlement failure, got %v", err)
	}
	if s := env.status(t, dr.ID); s != model.DraftStatusFailed {
		t.Errorf("status = %s, want FAILED", s)
	}
}

func TestConfirm_ConcurrentNeverOverdraws(t *testing.T) {
	env := newTestEnv(t)
	env.permissive(t)
	env.seedPortfolio(t, "pf-1", 10000)
	env.quotes.SetPrice(moutai, d(50))

	// Each draft alone fits (5007.5 of 10000); both together do not.
	var ids, checks []string
	for range 2 {
		dr := env.newDraft(t, "pf-1", moutai, model.SideBuy, 100, 50)
		chk := env.check(t, dr.ID)
		if chk.Status != model.SeverityPass {
			t.Fatalf("check = %+v", chk)
		}
		ids = append(ids, dr.ID)
		checks = append(checks, chk.ID)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = env.confirm([]string{ids[i]}, checks[i], false)
		}()
	}
	wg.Wait()

	ok, failed := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, model.ErrSettlementFailure):
			failed++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || failed != 1 {
		t.Fatalf("ok=%d failed=%d, want 1 and 1", ok, failed)
	}

	cash := env.cash(t, "pf-1")
	if cash.IsNegative() || !cash.Equal(d(4992.5)) {
		t.Errorf("cash = %s, want 4992.5", cash)
	}
	positions, _ := env.store.ListPositions(context.Background(), "pf-1")
	if len(positions) != 1 || positions[0].Quantity != 100 {
		t.Errorf("positions = %+v", positions)
	}
}

func TestConfirm_DifferentPortfoliosInParallel(t *testing.T) {
	env := newTestEnv(t)
	env.permissive(t)
	env.quotes.SetPrice(moutai, d(50))

	const n = 8
	type job struct{ pid, draftID, checkID string }
	jobs := make([]job, n)
	for i := range jobs {
		pid := "pf-" + string(rune('a'+i))
		env.seedPortfolio(t, pid, 100000)
		dr := env.newDraft(t, pid, moutai, model.SideBuy, 100, 50)
		jobs[i] = job{pid, dr.ID, env.check(t, dr.ID).ID}
	}

	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.confirm([]string{j.draftID}, j.checkID, false); err != nil {
				t.Errorf("%s: %v", j.pid, err)
			}
		}()
	}
	wg.Wait()

	for _, j := range jobs {
		if got := env.cash(t, j.pid); !got.Equal(d(94992.5)) {
			t.Errorf("%s cash = %s", j.pid, got)
		}
	}
}
