// Package api exposes the engine over HTTP: chi handlers, JSON request
// decoding, error-to-status mapping and the WebSocket event hub.
//
// Every error body is {"error": "...", "code": "..."} where code is one of
// the model error codes.
package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/workbench/simengine/internal/audit"
	"github.com/workbench/simengine/internal/draft"
	"github.com/workbench/simengine/internal/instrument"
	"github.com/workbench/simengine/internal/model"
	"github.com/workbench/simengine/internal/portfolio"
	"github.com/workbench/simengine/internal/quote"
	"github.com/workbench/simengine/internal/risk"
	"github.com/workbench/simengine/internal/rules"
	"github.com/workbench/simengine/internal/settlement"
	"github.com/workbench/simengine/internal/store"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Deps are the services behind the handlers.
type Deps struct {
	Store      store.Reader
	Portfolios *portfolio.Service
	Drafts     *draft.Service
	Checker    *risk.Checker
	Engine     *settlement.Engine
	Registry   *rules.Registry

	// Quotes is set when reference quotes are held in process; it enables
	// PUT /quotes/{instrument}.
	Quotes *quote.StaticProvider

	// Hub is optional.
	Hub *Hub
}

// Handler serves the /api/v1 surface.
type Handler struct {
	Deps
}

// NewHandler creates a handler.
func NewHandler(d Deps) *Handler {
	return &Handler{Deps: d}
}

// Routes registers every endpoint under /api/v1 on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		if h.Hub != nil {
			r.Get("/ws", h.Hub.HandleWS)
		}

		r.Post("/portfolios", h.CreatePortfolio)
		r.Get("/portfolios", h.ListPortfolios)
		r.Get("/portfolios/{portfolioID}", h.GetPortfolio)
		r.Get("/portfolios/{portfolioID}/drafts", h.ListDrafts)
		r.Get("/portfolios/{portfolioID}/orders", h.ListOrders)
		r.Get("/portfolios/{portfolioID}/trades", h.ListTrades)

		r.Post("/drafts", h.CreateDraft)
		r.Get("/drafts/{draftID}", h.GetDraft)
		r.Patch("/drafts/{draftID}", h.EditDraft)
		r.Delete("/drafts/{draftID}", h.DeleteDraft)

		r.Post("/risk/check", h.Check)
		r.Get("/risk/checks/{checkID}", h.GetCheck)
		r.Get("/risk/rules", h.GetRules)
		r.Put("/risk/rules", h.PutRules)

		r.Post("/sim/confirm", h.Confirm)

		r.Get("/audit", h.ListAudit)
		r.Get("/audit/verify", h.VerifyAudit)

		if h.Quotes != nil {
			r.Put("/quotes/{instrument}", h.PutQuote)
		}
	})
}

// --- Portfolios ---

// CreatePortfolio handles POST /api/v1/portfolios
func (h *Handler) CreatePortfolio(w http.ResponseWriter, r *http.Request) {
	var req portfolio.CreateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.Actor = actor(r)
	pf, err := h.Portfolios.Create(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pf)
}

// ListPortfolios handles GET /api/v1/portfolios
func (h *Handler) ListPortfolios(w http.ResponseWriter, r *http.Request) {
	pfs, err := h.Portfolios.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if pfs == nil {
		pfs = []model.Portfolio{}
	}
	writeJSON(w, http.StatusOK, pfs)
}

// GetPortfolio handles GET /api/v1/portfolios/{portfolioID}
// Returns cash and positions marked to the current quotes.
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	v, err := h.Portfolios.View(r.Context(), chi.URLParam(r, "portfolioID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// ListDrafts handles GET /api/v1/portfolios/{portfolioID}/drafts
func (h *Handler) ListDrafts(w http.ResponseWriter, r *http.Request) {
	drafts, err := h.Drafts.List(r.Context(), chi.URLParam(r, "portfolioID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if drafts == nil {
		drafts = []model.OrderDraft{}
	}
	writeJSON(w, http.StatusOK, drafts)
}

func listLimit(r *http.Request) (int, error) {
	n, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		return 0, err
	}
	if n == 0 || n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}

// ListOrders handles GET /api/v1/portfolios/{portfolioID}/orders?limit=
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	limit, err := listLimit(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	orders, err := h.Store.ListSimOrders(r.Context(), chi.URLParam(r, "portfolioID"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if orders == nil {
		orders = []model.SimOrder{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// ListTrades handles GET /api/v1/portfolios/{portfolioID}/trades?limit=
func (h *Handler) ListTrades(w http.ResponseWriter, r *http.Request) {
	limit, err := listLimit(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	trades, err := h.Store.ListSimTrades(r.Context(), chi.URLParam(r, "portfolioID"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if trades == nil {
		trades = []model.SimTrade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// --- Drafts ---

// CreateDraft handles POST /api/v1/drafts
func (h *Handler) CreateDraft(w http.ResponseWriter, r *http.Request) {
	var req draft.CreateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.Actor = actor(r)
	dr, err := h.Drafts.Create(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, dr)
}

// GetDraft handles GET /api/v1/drafts/{draftID}
func (h *Handler) GetDraft(w http.ResponseWriter, r *http.Request) {
	dr, err := h.Drafts.Get(r.Context(), chi.URLParam(r, "draftID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dr)
}

// EditDraft handles PATCH /api/v1/drafts/{draftID}
// Changing price or quantity returns a checked draft to DRAFT.
func (h *Handler) EditDraft(w http.ResponseWriter, r *http.Request) {
	var req draft.EditRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.Actor = actor(r)
	dr, err := h.Drafts.Edit(r.Context(), chi.URLParam(r, "draftID"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dr)
}

// DeleteDraft handles DELETE /api/v1/drafts/{draftID}
// The draft is kept as REJECTED.
func (h *Handler) DeleteDraft(w http.ResponseWriter, r *http.Request) {
	dr, err := h.Drafts.Delete(r.Context(), chi.URLParam(r, "draftID"), actor(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dr)
}

// --- Risk ---

// Check handles POST /api/v1/risk/check
// A FAIL outcome is still a successful check and returns 200.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	var req risk.CheckRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.Actor = actor(r)
	res, err := h.Checker.Check(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetCheck handles GET /api/v1/risk/checks/{checkID}
func (h *Handler) GetCheck(w http.ResponseWriter, r *http.Request) {
	res, err := h.Checker.Get(r.Context(), chi.URLParam(r, "checkID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RulesResponse describes the active ruleset.
type RulesResponse struct {
	Version string       `json:"version"`
	Config  rules.Config `json:"config"`
	Codes   []string     `json:"codes"`
}

func (h *Handler) rulesResponse(rs *rules.Ruleset) RulesResponse {
	return RulesResponse{Version: rs.Version, Config: rs.Config, Codes: risk.Codes()}
}

// GetRules handles GET /api/v1/risk/rules
func (h *Handler) GetRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.rulesResponse(h.Registry.Current()))
}

// PutRules handles PUT /api/v1/risk/rules
// Fields absent from the body keep their active values.
func (h *Handler) PutRules(w http.ResponseWriter, r *http.Request) {
	cfg := h.Registry.Current().Config
	if err := decode(r, &cfg); err != nil {
		writeError(w, r, err)
		return
	}
	rs, err := h.Registry.Activate(r.Context(), cfg, actor(r), false)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if h.Hub != nil {
		h.Hub.Publish(model.Event{
			Type:     model.EventRulesetActivated,
			EntityID: rs.Version,
			Data:     rs,
			At:       time.Now().UTC(),
		})
	}
	writeJSON(w, http.StatusOK, h.rulesResponse(rs))
}

// --- Settlement ---

// Confirm handles POST /api/v1/sim/confirm
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	var req settlement.ConfirmRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.Actor = actor(r)
	res, err := h.Engine.Confirm(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Audit ---

// ListAudit handles GET /api/v1/audit?entity_type=&entity_id=&after_seq=&limit=
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	after, err := queryInt(r, "after_seq", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit, err := listLimit(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	recs, err := h.Store.ListAudit(r.Context(), store.AuditFilter{
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
		AfterSeq:   int64(after),
		Limit:      limit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []model.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// VerifyResponse reports the state of the audit chain.
type VerifyResponse struct {
	OK       bool   `json:"ok"`
	Verified int    `json:"verified"`
	HeadSeq  int64  `json:"head_seq"`
	HeadHash string `json:"head_hash,omitempty"`
	Error    string `json:"error,omitempty"`
}

// VerifyAudit handles GET /api/v1/audit/verify
func (h *Handler) VerifyAudit(w http.ResponseWriter, r *http.Request) {
	recs, err := h.Store.ListAudit(r.Context(), store.AuditFilter{})
	if err != nil {
		writeError(w, r, err)
		return
	}
	n, verr := audit.Verify(recs)
	resp := VerifyResponse{OK: verr == nil, Verified: n}
	if len(recs) > 0 {
		head := recs[len(recs)-1]
		resp.HeadSeq, resp.HeadHash = head.Seq, head.Hash
	}
	if verr != nil {
		resp.Error = verr.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Quotes ---

// QuoteRequest sets a reference quote.
type QuoteRequest struct {
	Price  decimal.Decimal     `json:"price"`
	Status model.TradingStatus `json:"status"`
}

// PutQuote handles PUT /api/v1/quotes/{instrument}
func (h *Handler) PutQuote(w http.ResponseWriter, r *http.Request) {
	inst, err := instrument.Parse(chi.URLParam(r, "instrument"))
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", model.ErrValidation, err))
		return
	}
	var req QuoteRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Price.IsNegative() {
		writeError(w, r, fmt.Errorf("%w: price must not be negative", model.ErrValidation))
		return
	}
	switch req.Status {
	case "":
		req.Status = model.TradingStatusTrading
	case model.TradingStatusTrading, model.TradingStatusHalted, model.TradingStatusUnknown:
	default:
		writeError(w, r, fmt.Errorf("%w: unknown trading status %q", model.ErrValidation, req.Status))
		return
	}

	q := model.Quote{Instrument: inst.Code, Price: req.Price, Status: req.Status, AsOf: time.Now().UTC()}
	h.Quotes.Set(q)
	writeJSON(w, http.StatusOK, q)
}
