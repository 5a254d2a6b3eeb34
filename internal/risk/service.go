package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/workbench/simengine/internal/audit"
	"github.com/workbench/simengine/internal/draft"
	"github.com/workbench/simengine/internal/guard"
	"github.com/workbench/simengine/internal/metrics"
	"github.com/workbench/simengine/internal/model"
	"github.com/workbench/simengine/internal/quote"
	"github.com/workbench/simengine/internal/rules"
	"github.com/workbench/simengine/internal/store"
)

// Publisher receives committed checks. May be nil.
type Publisher interface {
	Publish(model.Event)
}

// Checker runs risk checks and persists their results.
type Checker struct {
	store       store.Store
	quotes      *quote.Fetcher
	registry    *rules.Registry
	locker      guard.Locker
	lockTimeout time.Duration
	pub         Publisher
	validate    *validator.Validate
	now         func() time.Time
}

// NewChecker creates a Checker. Pass nil for pub if events are not needed.
func NewChecker(st store.Store, quotes *quote.Fetcher, reg *rules.Registry,
	locker guard.Locker, lockTimeout time.Duration, pub Publisher) *Checker {
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	return &Checker{
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

// CheckRequest names the drafts to evaluate, in evaluation order.
type CheckRequest struct {
	DraftIDs []string `json:"draft_ids" validate:"required,min=1,unique,dive,required"`
	Actor    string   `json:"-"`
}

// checkInput is the audit snapshot of everything a check was computed from.
type checkInput struct {
	Drafts    []model.OrderDraft      `json:"drafts"`
	Portfolio *model.Portfolio        `json:"portfolio"`
	Positions []model.Position        `json:"positions"`
	Quotes    map[string]*model.Quote `json:"quotes"`
	Ruleset   *rules.Ruleset          `json:"ruleset"`
}

// Check evaluates the drafts against the active ruleset, stores the result
// and moves every draft to CHECKED with the new check as its latest. A FAIL
// result is still stored: the drafts stay CHECKED until edited.
func (c *Checker) Check(ctx context.Context, req CheckRequest) (*model.RiskCheckResult, error) {
	res, err := c.check(ctx, req)
	if err != nil {
		c.reject(ctx, req, err)
		return nil, err
	}

	metrics.RiskChecksTotal.WithLabelValues(string(res.Status)).Inc()
	for _, v := range res.Verdicts {
		metrics.RiskVerdictsTotal.WithLabelValues(v.Code, string(v.Severity)).Inc()
	}
	slog.Info("risk check completed", "check", res.ID, "portfolio", res.PortfolioID,
		"drafts", len(res.DraftIDs), "status", res.Status, "verdicts", len(res.Verdicts),
		"ruleset", res.RulesetVersion)

	if c.pub != nil {
		c.pub.Publish(model.Event{
			Type:        model.EventRiskChecked,
			PortfolioID: res.PortfolioID,
			EntityID:    res.ID,
			Status:      string(res.Status),
			Data:        res,
			At:          res.CreatedAt,
		})
	}
	return res, nil
}

func (c *Checker) check(ctx context.Context, req CheckRequest) (*model.RiskCheckResult, error) {
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrValidation, err)
	}

	drafts, err := loadDrafts(ctx, c.store, req.DraftIDs)
	if err != nil {
		return nil, err
	}
	pid := drafts[0].PortfolioID
	for _, dr := range drafts {
		if dr.Status != model.DraftStatusDraft && dr.Status != model.DraftStatusChecked {
			return nil, fmt.Errorf("%w: draft %s is %s and cannot be checked",
				model.ErrValidation, dr.ID, dr.Status)
		}
	}

	// Quotes are fetched before the lock; the fetch is bounded by the
	// fetcher's timeout and never fails.
	held, err := c.store.ListPositions(ctx, pid)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	quotes := c.quotes.GetAll(ctx, instruments(drafts, held))

	rs := c.registry.Current()

	lctx, cancel := context.WithTimeout(ctx, c.lockTimeout)
	release, err := c.locker.Lock(lctx, pid)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: portfolio %s is busy: %w", model.ErrSettlementFailure, pid, err)
	}
	defer release()

	var res *model.RiskCheckResult
	err = c.store.WithinTx(ctx, func(tx store.Tx) error {
		// Re-read under the lock: an edit may have landed since.
		drafts, err := loadDrafts(ctx, tx, req.DraftIDs)
		if err != nil {
			return err
		}

		snap := Snapshot{Positions: map[string]model.Position{}, Quotes: quotes}
		pf, err := tx.GetPortfolio(ctx, pid)
		switch {
		case err == nil:
			snap.Portfolio = pf
		case !errors.Is(err, model.ErrNotFound):
			return err
		}
		positions, err := tx.ListPositions(ctx, pid)
		if err != nil {
			return err
		}
		for _, p := range positions {
			snap.Positions[p.Instrument] = p
		}

		ev := Evaluate(drafts, snap, rs.Config)

		now := c.now()
		res = &model.RiskCheckResult{
			ID:             uuid.New().String(),
			PortfolioID:    pid,
			DraftIDs:       slices.Clone(req.DraftIDs),
			DraftRevisions: make(map[string]int, len(drafts)),
			Verdicts:       ev.Verdicts,
			Status:         ev.Status,
			RulesetVersion: rs.Version,
			Summary:        ev.Summary,
			CreatedAt:      now,
		}
		for i := range drafts {
			dr := &drafts[i]
			if !draft.CanTransition(dr.Status, model.DraftStatusChecked) {
				return fmt.Errorf("%w: draft %s is %s and cannot be checked",
					model.ErrValidation, dr.ID, dr.Status)
			}
			res.DraftRevisions[dr.ID] = dr.Revision
		}
		if err := tx.InsertRiskCheck(ctx, res); err != nil {
			return err
		}
		before := slices.Clone(drafts)
		for i := range drafts {
			dr := &drafts[i]
			if err := draft.Transition(dr, model.DraftStatusChecked, now); err != nil {
				return err
			}
			dr.LatestCheckID = res.ID
			if err := tx.UpdateDraft(ctx, dr); err != nil {
				return err
			}
		}

		return tx.AppendAudit(ctx, audit.New(audit.Entry{
			Actor:      req.Actor,
			Action:     audit.ActionRiskCheck,
			EntityType: audit.EntityRiskCheck,
			EntityID:   res.ID,
			Input: checkInput{
				Drafts:    before,
				Portfolio: snap.Portfolio,
				Positions: positions,
				Quotes:    quotes,
				Ruleset:   rs,
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

// Get returns a stored check.
func (c *Checker) Get(ctx context.Context, id string) (*model.RiskCheckResult, error) {
	return c.store.GetRiskCheck(ctx, id)
}

func (c *Checker) reject(ctx context.Context, req CheckRequest, cause error) {
	err := c.store.WithinTx(ctx, func(tx store.Tx) error {
		return tx.AppendAudit(ctx, audit.New(audit.Entry{
			Actor:          req.Actor,
			Action:         audit.ActionRiskCheckReject,
			EntityType:     audit.EntityRiskCheck,
			Input:          req,
			Output:         map[string]string{"code": model.ErrorCode(cause), "error": cause.Error()},
			RulesetVersion: c.registry.Current().Version,
		}))
	})
	if err != nil {
		slog.Error("audit of rejected risk check failed", "err", err)
	}
	slog.Warn("risk check rejected", "drafts", req.DraftIDs, "err", cause)
}

// loadDrafts reads drafts in the given order and requires a single
// portfolio.
func loadDrafts(ctx context.Context, r store.Reader, ids []string) ([]model.OrderDraft, error) {
	out := make([]model.OrderDraft, 0, len(ids))
	for _, id := range ids {
		dr, err := r.GetDraft(ctx, id)
		if err != nil {
			return nil, err
		}
		if len(out) > 0 && dr.PortfolioID != out[0].PortfolioID {
			return nil, fmt.Errorf("%w: drafts belong to different portfolios", model.ErrValidation)
		}
		out = append(out, *dr)
	}
	return out, nil
}

// instruments returns the distinct instruments of drafts and holdings.
func instruments(drafts []model.OrderDraft, held []model.Position) []string {
	var out []string
	for _, dr := range drafts {
		if !slices.Contains(out, dr.Instrument) {
			out = append(out, dr.Instrument)
		}
	}
	for _, p := range held {
		if !slices.Contains(out, p.Instrument) {
			out = append(out, p.Instrument)
		}
	}
	return out
}
