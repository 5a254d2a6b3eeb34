// Package settlement confirms risk-checked drafts and settles them against
// a portfolio as one all-or-nothing unit.
//
// A confirmation runs under the portfolio guard for its whole critical
// section:
//
//	lock → re-verify → CHECKED→CONFIRMED → settle (one tx) → EXECUTED
//	                                          └─ error → FAILED (own tx)
//
// Quotes are fetched before the lock is taken, so nothing inside the
// critical section waits on external I/O.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/workbench/simengine/internal/audit"
	"github.com/workbench/simengine/internal/draft"
	"github.com/workbench/simengine/internal/guard"
	"github.com/workbench/simengine/internal/metrics"
	"github.com/workbench/simengine/internal/model"
	"github.com/workbench/simengine/internal/quote"
	"github.com/workbench/simengine/internal/rules"
	"github.com/workbench/simengine/internal/store"
)

// Publisher receives settlement outcomes. May be nil.
type Publisher interface {
	Publish(model.Event)
}

// Engine confirms and settles drafts.
type Engine struct {
	store       store.Store
	quotes      *quote.Fetcher
	registry    *rules.Registry
	locker      guard.Locker
	lockTimeout time.Duration
	pub         Publisher
	validate    *validator.Validate
	now         func() time.Time
}

// NewEngine creates a settlement engine. Pass nil for pub if events are not
// needed.
func NewEngine(st store.Store, quotes *quote.Fetcher, reg *rules.Registry,
	locker guard.Locker, lockTimeout time.Duration, pub Publisher) *Engine {
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	return &Engine{
		store:       st,
		quotes:      quotes,
		registry:    reg,
		locker:      locker,
		lockTimeout: lockTimeout,
		pub:         pub,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		now:         func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// ConfirmRequest confirms the drafts covered by one risk check.
type ConfirmRequest struct {
	DraftIDs    []string `json:"draft_ids" validate:"required,min=1,unique,dive,required"`
	RiskCheckID string   `json:"riskcheck_id" validate:"required"`
	AckWarnings bool     `json:"ack_warnings"`
	Actor       string   `json:"-"`
}

// Result is a committed settlement.
type Result struct {
	Order  *model.SimOrder  `json:"order"`
	Trades []model.SimTrade `json:"trades"`
	// Positions are the touched positions after settlement. A closed
	// position is reported with zero quantity.
	Positions []model.Position `json:"positions"`
	Cash      decimal.Decimal  `json:"cash"`
}

// Confirm verifies req against the referenced check and settles the
// drafts. The returned error wraps one of the model sentinels:
//
//   - ErrValidation, ErrNotFound: malformed request or unknown ids
//   - ErrIdempotencyConflict: a draft was already confirmed or settled
//   - ErrStaleRiskCheck: the check no longer describes the drafts
//   - ErrRiskCheckFail: the check failed, or warned without acknowledgement
//   - ErrSettlementFailure: lock timeout or an error while settling
func (e *Engine) Confirm(ctx context.Context, req ConfirmRequest) (*Result, error) {
	start := time.Now()

	res, err := e.confirm(ctx, req)
	if err != nil {
		code := model.ErrorCode(err)
		if errors.Is(err, model.ErrSettlementFailure) {
			metrics.SettlementsTotal.WithLabelValues("failed").Inc()
		} else {
			metrics.ConfirmRejections.WithLabelValues(code).Inc()
		}
		return nil, err
	}

	metrics.SettlementsTotal.WithLabelValues("executed").Inc()
	metrics.SettlementLatency.Observe(time.Since(start).Seconds())
	for _, t := range res.Trades {
		metrics.TradeVolume.WithLabelValues(string(t.Side)).Add(float64(t.Quantity))
	}
	slog.Info("settlement executed", "order", res.Order.ID, "portfolio", res.Order.PortfolioID,
		"check", res.Order.RiskCheckID, "trades", len(res.Trades),
		"cash_before", res.Order.CashBefore, "cash_after", res.Order.CashAfter)

	e.publish(model.Event{
		Type:        model.EventOrderSettled,
		PortfolioID: res.Order.PortfolioID,
		EntityID:    res.Order.ID,
		Status:      res.Order.Status,
		Data:        res,
		At:          res.Order.CreatedAt,
	})
	return res, nil
}

func (e *Engine) confirm(ctx context.Context, req ConfirmRequest) (*Result, error) {
	if err := e.validate.Struct(req); err != nil {
		err = fmt.Errorf("%w: %v", model.ErrValidation, err)
		e.reject(ctx, req, "", err)
		return nil, err
	}

	// Cheap pre-verification outside the lock so obviously bad requests
	// do not queue behind settlements.
	drafts, chk, err := e.load(ctx, e.store, req)
	if err != nil {
		e.reject(ctx, req, "", err)
		return nil, err
	}
	pid := drafts[0].PortfolioID
	if err := verify(drafts, chk, e.registry.Current(), req.AckWarnings); err != nil {
		e.reject(ctx, req, pid, err)
		return nil, err
	}

	quotes := e.quotes.GetAll(ctx, instruments(drafts))

	waitStart := time.Now()
	lctx, cancel := context.WithTimeout(ctx, e.lockTimeout)
	release, err := e.locker.Lock(lctx, pid)
	cancel()
	metrics.LockWait.Observe(time.Since(waitStart).Seconds())
	if err != nil {
		// Nothing changed state yet: the drafts stay CHECKED.
		err = fmt.Errorf("%w: portfolio %s is busy: %w", model.ErrSettlementFailure, pid, err)
		e.reject(ctx, req, pid, err)
		return nil, err
	}
	defer release()

	// Once confirmed, the drafts run to EXECUTED or FAILED regardless of
	// what happens to the caller.
	ctx = context.WithoutCancel(ctx)

	rs := e.registry.Current()
	confirmed, chk, err := e.accept(ctx, req, rs)
	if err != nil {
		e.reject(ctx, req, pid, err)
		return nil, err
	}

	res, err := e.settle(ctx, req, confirmed, chk, quotes, rs)
	if err != nil {
		e.fail(ctx, req, confirmed, chk, rs, err)
		return nil, fmt.Errorf("%w: %v", model.ErrSettlementFailure, err)
	}
	return res, nil
}

// load reads the drafts (in request order) and the check, applying the
// checks that precede the check lookup.
func (e *Engine) load(ctx context.Context, r store.Reader, req ConfirmRequest) ([]model.OrderDraft, *model.RiskCheckResult, error) {
	drafts := make([]model.OrderDraft, 0, len(req.DraftIDs))
	for _, id := range req.DraftIDs {
		dr, err := r.GetDraft(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		if len(drafts) > 0 && dr.PortfolioID != drafts[0].PortfolioID {
			return nil, nil, fmt.Errorf("%w: drafts belong to different portfolios", model.ErrValidation)
		}
		drafts = append(drafts, *dr)
	}
	if err := verifyDraftStates(drafts); err != nil {
		return nil, nil, err
	}
	chk, err := r.GetRiskCheck(ctx, req.RiskCheckID)
	if err != nil {
		return nil, nil, err
	}
	return drafts, chk, nil
}

// accept re-verifies under the lock and moves the drafts to CONFIRMED.
// The returned drafts are in the check's evaluation order.
func (e *Engine) accept(ctx context.Context, req ConfirmRequest, rs *rules.Ruleset) ([]model.OrderDraft, *model.RiskCheckResult, error) {
	var ordered []model.OrderDraft
	var chk *model.RiskCheckResult
	err := e.store.WithinTx(ctx, func(tx store.Tx) error {
		drafts, c, err := e.load(ctx, tx, req)
		if err != nil {
			return err
		}
		if err := verify(drafts, c, rs, req.AckWarnings); err != nil {
			return err
		}
		chk = c

		byID := make(map[string]model.OrderDraft, len(drafts))
		for _, dr := range drafts {
			byID[dr.ID] = dr
		}
		now := e.now()
		ordered = make([]model.OrderDraft, 0, len(drafts))
		for _, id := range chk.DraftIDs {
			dr := byID[id]
			if err := draft.Transition(&dr, model.DraftStatusConfirmed, now); err != nil {
				return err
			}
			if err := tx.UpdateDraft(ctx, &dr); err != nil {
				return err
			}
			ordered = append(ordered, dr)
		}

		return tx.AppendAudit(ctx, audit.New(audit.Entry{
			Actor:          req.Actor,
			Action:         audit.ActionConfirmAccepted,
			EntityType:     audit.EntityRiskCheck,
			EntityID:       chk.ID,
			Input:          req,
			Output:         map[string]any{"drafts": ordered, "check_status": chk.Status, "ack_warnings": req.AckWarnings},
			RulesetVersion: rs.Version,
		}))
	})
	if err != nil {
		return nil, nil, err
	}
	return ordered, chk, nil
}

// settleInput is the audit snapshot a settlement was computed from.
type settleInput struct {
	Request   ConfirmRequest          `json:"request"`
	Drafts    []model.OrderDraft      `json:"drafts"`
	Portfolio *model.Portfolio        `json:"portfolio"`
	Positions []model.Position        `json:"positions"`
	Quotes    map[string]*model.Quote `json:"quotes"`
}

// settle writes cash, positions, the order, its trades and the EXECUTED
// drafts in a single transaction. Any error rolls all of it back.
func (e *Engine) settle(ctx context.Context, req ConfirmRequest, drafts []model.OrderDraft,
	chk *model.RiskCheckResult, quotes map[string]*model.Quote, rs *rules.Ruleset) (*Result, error) {
	var res *Result
	err := e.store.WithinTx(ctx, func(tx store.Tx) error {
		pf, err := tx.GetPortfolio(ctx, chk.PortfolioID)
		if err != nil {
			return err
		}
		held, err := tx.ListPositions(ctx, pf.ID)
		if err != nil {
			return err
		}

		now := e.now()
		p, err := Plan(rs.Config.FillModel(), pf, held, drafts, quotes, chk, now)
		if err != nil {
			return err
		}

		for _, pos := range p.Positions {
			if pos.Quantity > 0 {
				err = tx.UpsertPosition(ctx, &pos)
			} else {
				err = tx.DeletePosition(ctx, pos.PortfolioID, pos.Instrument)
			}
			if err != nil {
				return fmt.Errorf("write position %s: %w", pos.Instrument, err)
			}
		}
		if err := tx.UpdateCash(ctx, pf.ID, p.Order.CashAfter); err != nil {
			return fmt.Errorf("update cash: %w", err)
		}
		if err := tx.InsertSimOrder(ctx, p.Order); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		for i := range p.Trades {
			if err := tx.InsertSimTrade(ctx, &p.Trades[i]); err != nil {
				return fmt.Errorf("insert trade: %w", err)
			}
		}
		for i := range drafts {
			dr := drafts[i]
			if err := draft.Transition(&dr, model.DraftStatusExecuted, now); err != nil {
				return err
			}
			if err := tx.UpdateDraft(ctx, &dr); err != nil {
				return err
			}
		}

		res = &Result{Order: p.Order, Trades: p.Trades, Positions: p.Positions, Cash: p.Order.CashAfter}
		return tx.AppendAudit(ctx, audit.New(audit.Entry{
			Actor:      req.Actor,
			Action:     audit.ActionSettleExecuted,
			EntityType: audit.EntitySimOrder,
			EntityID:   p.Order.ID,
			Input: settleInput{
				Request:   req,
				Drafts:    drafts,
				Portfolio: pf,
				Positions: held,
				Quotes:    quotes,
			},
			Output:         res,
			RulesetVersion: rs.Version,
		}))
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// fail moves confirmed drafts to FAILED in a transaction of its own, after
// the settlement transaction has rolled back.
func (e *Engine) fail(ctx context.Context, req ConfirmRequest, drafts []model.OrderDraft,
	chk *model.RiskCheckResult, rs *rules.Ruleset, cause error) {
	slog.Error("settlement failed", "portfolio", chk.PortfolioID, "check", chk.ID, "err", cause)

	now := e.now()
	failed := make([]model.OrderDraft, 0, len(drafts))
	err := e.store.WithinTx(ctx, func(tx store.Tx) error {
		for i := range drafts {
			dr := drafts[i]
			if err := draft.Transition(&dr, model.DraftStatusFailed, now); err != nil {
				return err
			}
			if err := tx.UpdateDraft(ctx, &dr); err != nil {
				return err
			}
			failed = append(failed, dr)
		}
		return tx.AppendAudit(ctx, audit.New(audit.Entry{
			Actor:          req.Actor,
			Action:         audit.ActionSettleFailed,
			EntityType:     audit.EntityRiskCheck,
			EntityID:       chk.ID,
			Input:          map[string]any{"request": req, "drafts": drafts},
			Output:         map[string]any{"drafts": failed, "code": model.CodeSettlementFailure, "error": cause.Error()},
			RulesetVersion: rs.Version,
		}))
	})
	if err != nil {
		// The drafts stay CONFIRMED; the log line is the only trace left.
		slog.Error("recording settlement failure failed", "check", chk.ID, "err", err)
		return
	}

	e.publish(model.Event{
		Type:        model.EventSettlementFailed,
		PortfolioID: chk.PortfolioID,
		EntityID:    chk.ID,
		Status:      string(model.DraftStatusFailed),
		Data:        map[string]any{"draft_ids": chk.DraftIDs, "error": cause.Error()},
		At:          now,
	})
}

// reject records a confirmation refused before anything was written.
func (e *Engine) reject(ctx context.Context, req ConfirmRequest, portfolioID string, cause error) {
	err := e.store.WithinTx(ctx, func(tx store.Tx) error {
		return tx.AppendAudit(ctx, audit.New(audit.Entry{
			Actor:          req.Actor,
			Action:         audit.ActionConfirmRejected,
			EntityType:     audit.EntityRiskCheck,
			EntityID:       req.RiskCheckID,
			Input:          map[string]any{"request": req, "portfolio_id": portfolioID},
			Output:         map[string]string{"code": model.ErrorCode(cause), "error": cause.Error()},
			RulesetVersion: e.registry.Current().Version,
		}))
	})
	if err != nil {
		slog.Error("audit of rejected confirmation failed", "check", req.RiskCheckID, "err", err)
	}
	slog.Warn("confirmation rejected", "check", req.RiskCheckID, "portfolio", portfolioID,
		"code", model.ErrorCode(cause), "err", cause)
}

func (e *Engine) publish(ev model.Event) {
	if e.pub != nil {
		e.pub.Publish(ev)
	}
}

func instruments(drafts []model.OrderDraft) []string {
	seen := make(map[string]bool, len(drafts))
	var out []string
	for _, dr := range drafts {
		if !seen[dr.Instrument] {
			seen[dr.Instrument] = true
			out = append(out, dr.Instrument)
		}
	}
	return out
}
