package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/workbench/simengine/internal/api"
	"github.com/workbench/simengine/internal/draft"
	"github.com/workbench/simengine/internal/guard"
	"github.com/workbench/simengine/internal/model"
	"github.com/workbench/simengine/internal/portfolio"
	"github.com/workbench/simengine/internal/quote"
	"github.com/workbench/simengine/internal/risk"
	"github.com/workbench/simengine/internal/rules"
	"github.com/workbench/simengine/internal/settlement"
	"github.com/workbench/simengine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	store  *store.MemoryStore
	locker *guard.KeyedMutex
	hub    *api.Hub
	router chi.Router
}

// newTestEnv wires every service over an in-memory store behind a chi router.
func newTestEnv(t *testing.T, lockTimeout time.Duration) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	qp := quote.NewStaticProvider()
	fetcher := quote.NewFetcher(qp, time.Second)
	locker := guard.NewKeyedMutex()
	reg := rules.NewRegistry(ms)
	hub := api.NewHub()

	h := api.NewHandler(api.Deps{
		Store:      ms,
		Portfolios: portfolio.NewService(ms, fetcher, reg),
		Drafts:     draft.NewService(ms, reg, locker, lockTimeout, hub),
		Checker:    risk.NewChecker(ms, fetcher, reg, locker, lockTimeout, hub),
		Engine:     settlement.NewEngine(ms, fetcher, reg, locker, lockTimeout, hub),
		Registry:   reg,
		Quotes:     qp,
		Hub:        hub,
	})
	r := chi.NewRouter()
	h.Routes(r)
	return &testEnv{store: ms, locker: locker, hub: hub, router: r}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor", "trader-1")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func expectError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status = %d, want %d: %s", w.Code, status, w.Body.String())
	}
	e := decodeBody[api.ErrorResponse](t, w)
	if e.Code != code || e.Error == "" {
		t.Fatalf("error = %+v, want code %s", e, code)
	}
}

// setup creates pf-1 with 100000 cash and one BUY 100 @ 50 draft of
// 600519.SSE quoted at 48.
func (e *testEnv) setup(t *testing.T) *model.OrderDraft {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/portfolios", map[string]any{"id": "pf-1", "name": "main", "initial_cash": "100000"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create portfolio: %d %s", w.Code, w.Body.String())
	}
	w = e.do(t, "PUT", "/api/v1/quotes/600519.SH", map[string]any{"price": "48"})
	if w.Code != http.StatusOK {
		t.Fatalf("put quote: %d %s", w.Code, w.Body.String())
	}
	w = e.do(t, "POST", "/api/v1/drafts", map[string]any{
		"portfolio_id": "pf-1", "instrument": "600519.SSE", "side": "BUY", "price": "50", "quantity": 100,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create draft: %d %s", w.Code, w.Body.String())
	}
	dr := decodeBody[model.OrderDraft](t, w)
	return &dr
}

func (e *testEnv) check(t *testing.T, ids ...string) model.RiskCheckResult {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/risk/check", map[string]any{"draft_ids": ids})
	if w.Code != http.StatusOK {
		t.Fatalf("check: %d %s", w.Code, w.Body.String())
	}
	return decodeBody[model.RiskCheckResult](t, w)
}

func TestWorkflow_CheckConfirmSettle(t *testing.T) {
	env := newTestEnv(t, time.Second)
	dr := env.setup(t)

	chk := env.check(t, dr.ID)
	if chk.Status != model.SeverityWarn {
		t.Fatalf("check status = %s", chk.Status)
	}

	confirm := map[string]any{"draft_ids": []string{dr.ID}, "riskcheck_id": chk.ID}
	w := env.do(t, "POST", "/api/v1/sim/confirm", confirm)
	expectError(t, w, http.StatusConflict, model.CodeRiskCheckFail)
	if !strings.Contains(w.Body.String(), settlement.CodeWarnNotAcknowledged) {
		t.Errorf("body should carry %s: %s", settlement.CodeWarnNotAcknowledged, w.Body.String())
	}

	confirm["ack_warnings"] = true
	w = env.do(t, "POST", "/api/v1/sim/confirm", confirm)
	if w.Code != http.StatusOK {
		t.Fatalf("confirm: %d %s", w.Code, w.Body.String())
	}
	res := decodeBody[settlement.Result](t, w)
	if !res.Cash.Equal(d(95192.6)) || len(res.Trades) != 1 {
		t.Fatalf("result = %+v", res)
	}

	w = env.do(t, "POST", "/api/v1/sim/confirm", confirm)
	expectError(t, w, http.StatusConflict, model.CodeIdempotencyConflict)

	w = env.do(t, "GET", "/api/v1/portfolios/pf-1", nil)
	view := decodeBody[model.PortfolioView](t, w)
	if len(view.Positions) != 1 || !view.Positions[0].MarketValue.Equal(d(4800)) || !view.Equity.Equal(d(99992.6)) {
		t.Errorf("view = %+v", view)
	}

	w = env.do(t, "GET", "/api/v1/portfolios/pf-1/orders", nil)
	if orders := decodeBody[[]model.SimOrder](t, w); len(orders) != 1 || orders[0].Status != model.SimOrderFilled {
		t.Errorf("orders = %+v", orders)
	}
	w = env.do(t, "GET", "/api/v1/portfolios/pf-1/trades?limit=5", nil)
	if trades := decodeBody[[]model.SimTrade](t, w); len(trades) != 1 {
		t.Errorf("trades = %+v", trades)
	}

	w = env.do(t, "GET", "/api/v1/drafts/"+dr.ID, nil)
	if got := decodeBody[model.OrderDraft](t, w); got.Status != model.DraftStatusExecuted {
		t.Errorf("draft status = %s", got.Status)
	}

	w = env.do(t, "GET", "/api/v1/audit/verify", nil)
	v := decodeBody[api.VerifyResponse](t, w)
	if !v.OK || v.Verified == 0 || v.HeadSeq != int64(v.Verified) {
		t.Errorf("verify = %+v", v)
	}

	w = env.do(t, "GET", "/api/v1/audit?entity_type=sim_order", nil)
	recs := decodeBody[[]model.AuditRecord](t, w)
	if len(recs) != 1 || recs[0].Action != "sim.settle.executed" || recs[0].Actor != "trader-1" {
		t.Errorf("audit = %+v", recs)
	}
}

func TestConfirm_EditAfterCheckIsStale(t *testing.T) {
	env := newTestEnv(t, time.Second)
	dr := env.setup(t)
	chk := env.check(t, dr.ID)

	w := env.do(t, "PATCH", "/api/v1/drafts/"+dr.ID, map[string]any{"price": "49"})
	if w.Code != http.StatusOK {
		t.Fatalf("edit: %d %s", w.Code, w.Body.String())
	}
	if got := decodeBody[model.OrderDraft](t, w); got.Status != model.DraftStatusDraft || got.Revision != 2 {
		t.Fatalf("edited draft = %+v", got)
	}

	w = env.do(t, "POST", "/api/v1/sim/confirm", map[string]any{
		"draft_ids": []string{dr.ID}, "riskcheck_id": chk.ID, "ack_warnings": true,
	})
	expectError(t, w, http.StatusConflict, model.CodeStaleRiskCheck)
}

func TestConfirm_LockTimeoutIs500(t *testing.T) {
	env := newTestEnv(t, 50*time.Millisecond)
	dr := env.setup(t)
	chk := env.check(t, dr.ID)

	release, err := env.locker.Lock(context.Background(), "pf-1")
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	w := env.do(t, "POST", "/api/v1/sim/confirm", map[string]any{
		"draft_ids": []string{dr.ID}, "riskcheck_id": chk.ID, "ack_warnings": true,
	})
	expectError(t, w, http.StatusInternalServerError, model.CodeSettlementFailure)
}

func TestCheck_LockTimeoutKeepsDetail(t *testing.T) {
	env := newTestEnv(t, 50*time.Millisecond)
	dr := env.setup(t)

	release, err := env.locker.Lock(context.Background(), "pf-1")
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	w := env.do(t, "POST", "/api/v1/risk/check", map[string]any{"draft_ids": []string{dr.ID}})
	expectError(t, w, http.StatusInternalServerError, model.CodeSettlementFailure)
	if body := w.Body.String(); !strings.Contains(body, "busy") {
		t.Errorf("body = %s", body)
	}
}

func TestErrors(t *testing.T) {
	env := newTestEnv(t, time.Second)
	env.setup(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"malformed body", "POST", "/api/v1/drafts", "{not json", 400, model.CodeValidation},
		{"empty body", "POST", "/api/v1/risk/check", nil, 400, model.CodeValidation},
		{"bad side", "POST", "/api/v1/drafts", map[string]any{
			"portfolio_id": "pf-1", "instrument": "600519.SSE", "side": "HOLD", "price": "1", "quantity": 100,
		}, 400, model.CodeValidation},
		{"bad instrument", "POST", "/api/v1/drafts", map[string]any{
			"portfolio_id": "pf-1", "instrument": "AAPL", "side": "BUY", "price": "1", "quantity": 100,
		}, 400, model.CodeValidation},
		{"missing draft", "GET", "/api/v1/drafts/nope", nil, 404, model.CodeNotFound},
		{"missing check", "GET", "/api/v1/risk/checks/nope", nil, 404, model.CodeNotFound},
		{"missing portfolio", "GET", "/api/v1/portfolios/nope", nil, 404, model.CodeNotFound},
		{"check unknown draft", "POST", "/api/v1/risk/check", map[string]any{"draft_ids": []string{"nope"}}, 404, model.CodeNotFound},
		{"bad limit", "GET", "/api/v1/portfolios/pf-1/orders?limit=-1", nil, 400, model.CodeValidation},
		{"bad quote status", "PUT", "/api/v1/quotes/600519.SSE", map[string]any{"price": "1", "status": "OPEN"}, 400, model.CodeValidation},
		{"bad quote instrument", "PUT", "/api/v1/quotes/XYZ", map[string]any{"price": "1"}, 400, model.CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectError(t, env.do(t, tt.method, tt.path, tt.body), tt.status, tt.code)
		})
	}
}

func TestDeleteDraft(t *testing.T) {
	env := newTestEnv(t, time.Second)
	dr := env.setup(t)

	w := env.do(t, "DELETE", "/api/v1/drafts/"+dr.ID, nil)
	if got := decodeBody[model.OrderDraft](t, w); w.Code != http.StatusOK || got.Status != model.DraftStatusRejected {
		t.Fatalf("delete: %d %+v", w.Code, got)
	}
	w = env.do(t, "GET", "/api/v1/portfolios/pf-1/drafts", nil)
	if drafts := decodeBody[[]model.OrderDraft](t, w); len(drafts) != 1 || drafts[0].Status != model.DraftStatusRejected {
		t.Errorf("drafts = %+v", drafts)
	}
}

func TestRules_GetAndPut(t *testing.T) {
	env := newTestEnv(t, time.Second)

	w := env.do(t, "GET", "/api/v1/risk/rules", nil)
	before := decodeBody[api.RulesResponse](t, w)
	if before.Version != rules.MustDefault().Version || len(before.Codes) != len(risk.Codes()) {
		t.Fatalf("rules = %+v", before)
	}

	w = env.do(t, "PUT", "/api/v1/risk/rules", map[string]any{"max_order_value": "300000"})
	if w.Code != http.StatusOK {
		t.Fatalf("put rules: %d %s", w.Code, w.Body.String())
	}
	after := decodeBody[api.RulesResponse](t, w)
	if after.Version == before.Version || !after.Config.MaxOrderValue.Equal(d(300000)) {
		t.Errorf("after = %+v", after)
	}
	// Untouched fields keep their values.
	if !after.Config.MinFee.Equal(before.Config.MinFee) {
		t.Errorf("min fee changed to %s", after.Config.MinFee)
	}

	w = env.do(t, "PUT", "/api/v1/risk/rules", map[string]any{"min_cash_ratio": "2"})
	expectError(t, w, http.StatusBadRequest, model.CodeValidation)

	w = env.do(t, "GET", "/api/v1/audit?entity_type=ruleset", nil)
	if recs := decodeBody[[]model.AuditRecord](t, w); len(recs) != 1 || recs[0].EntityID != after.Version {
		t.Errorf("ruleset audit = %+v", recs)
	}
}

func TestRules_PutAcceptsLowerCaseSeverity(t *testing.T) {
	env := newTestEnv(t, time.Second)

	w := env.do(t, "PUT", "/api/v1/risk/rules", map[string]any{"max_order_value_severity": "fail"})
	if w.Code != http.StatusOK {
		t.Fatalf("put rules: %d %s", w.Code, w.Body.String())
	}
	if got := decodeBody[api.RulesResponse](t, w); got.Config.MaxOrderValueSeverity != model.SeverityFail {
		t.Errorf("severity = %q, want FAIL", got.Config.MaxOrderValueSeverity)
	}
}

func TestListPortfolios(t *testing.T) {
	env := newTestEnv(t, time.Second)
	w := env.do(t, "GET", "/api/v1/portfolios", nil)
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Fatalf("empty list: %d %s", w.Code, w.Body.String())
	}
	env.setup(t)
	w = env.do(t, "GET", "/api/v1/portfolios", nil)
	if pfs := decodeBody[[]model.Portfolio](t, w); len(pfs) != 1 || pfs[0].ID != "pf-1" {
		t.Errorf("portfolios = %+v", pfs)
	}
}
