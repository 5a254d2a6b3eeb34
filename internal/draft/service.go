package draft

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/workbench/simengine/internal/audit"
	"github.com/workbench/simengine/internal/guard"
	"github.com/workbench/simengine/internal/instrument"
	"github.com/workbench/simengine/internal/metrics"
	"github.com/workbench/simengine/internal/model"
	"github.com/workbench/simengine/internal/rules"
	"github.com/workbench/simengine/internal/store"
)

// Publisher receives committed draft changes. May be nil.
type Publisher interface {
	Publish(model.Event)
}

// Service creates, edits and deletes drafts. Every operation, including a
// refused one, leaves an audit record.
//
// Edits and deletes hold the portfolio guard so they cannot interleave with
// a settlement of the same draft.
type Service struct {
	store       store.Store
	registry    *rules.Registry
	locker      guard.Locker
	lockTimeout time.Duration
	pub         Publisher
	validate    *validator.Validate
	now         func() time.Time
}

// NewService creates a draft service. Audit records carry the version of
// reg's active ruleset. Pass nil for pub if events are not needed.
func NewService(st store.Store, reg *rules.Registry, locker guard.Locker, lockTimeout time.Duration, pub Publisher) *Service {
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	return &Service{
		store:       st,
		registry:    reg,
		locker:      locker,
		lockTimeout: lockTimeout,
		pub:         pub,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		now:         func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// lockFor takes the guard of the draft's portfolio.
func (s *Service) lockFor(ctx context.Context, id string) (func(), error) {
	d, err := s.store.GetDraft(ctx, id)
	if err != nil {
		return nil, err
	}
	lctx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	release, err := s.locker.Lock(lctx, d.PortfolioID)
	if err != nil {
		return nil, fmt.Errorf("%w: portfolio %s is busy: %w", model.ErrSettlementFailure, d.PortfolioID, err)
	}
	return release, nil
}

// CreateRequest is the input of Create. Quantity may be zero or an odd lot:
// those are risk verdicts, not input errors.
type CreateRequest struct {
	PortfolioID string          `json:"portfolio_id" validate:"required,max=64"`
	Instrument  string          `json:"instrument" validate:"required"`
	Side        model.Side      `json:"side" validate:"required,oneof=BUY SELL"`
	OrderType   model.OrderType `json:"order_type" validate:"omitempty,eq=LIMIT"`
	Price       decimal.Decimal `json:"price"`
	Quantity    int64           `json:"quantity" validate:"gte=0"`
	Origin      string          `json:"origin" validate:"max=64"`
	Notes       string          `json:"notes" validate:"max=2000"`
	Actor       string          `json:"-"`
}

// EditRequest changes the mutable fields of a draft. Nil fields are kept.
type EditRequest struct {
	Price    *decimal.Decimal `json:"price"`
	Quantity *int64           `json:"quantity" validate:"omitempty,gte=0"`
	Notes    *string          `json:"notes" validate:"omitempty,max=2000"`
	Actor    string           `json:"-"`
}

func (s *Service) checkCreate(req *CreateRequest) error {
	req.Side = model.Side(strings.ToUpper(strings.TrimSpace(string(req.Side))))
	req.OrderType = model.OrderType(strings.ToUpper(string(req.OrderType)))
	if req.OrderType == "" {
		req.OrderType = model.OrderTypeLimit
	}
	if req.Origin == "" {
		req.Origin = "manual"
	}
	if err := s.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", model.ErrValidation, err)
	}
	inst, err := instrument.Parse(req.Instrument)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrValidation, err)
	}
	req.Instrument = inst.Code
	if !req.Price.IsPositive() {
		return fmt.Errorf("%w: limit price must be positive", model.ErrValidation)
	}
	return nil
}

// Create stores a new draft in DRAFT state.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*model.OrderDraft, error) {
	if err := s.checkCreate(&req); err != nil {
		s.reject(ctx, audit.ActionDraftCreateReject, "", req.Actor, req, err)
		metrics.DraftsTotal.WithLabelValues("create", "rejected").Inc()
		return nil, err
	}

	now := s.now()
	d := &model.OrderDraft{
		ID:          uuid.New().String(),
		PortfolioID: req.PortfolioID,
		Instrument:  req.Instrument,
		Side:        req.Side,
		Type:        req.OrderType,
		Price:       req.Price,
		Quantity:    req.Quantity,
		Origin:      req.Origin,
		Notes:       req.Notes,
		Status:      model.DraftStatusDraft,
		Revision:    1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateDraft(ctx, d); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, audit.New(audit.Entry{
			Actor:          req.Actor,
			Action:         audit.ActionDraftCreate,
			EntityType:     audit.EntityDraft,
			EntityID:       d.ID,
			Input:          req,
			Output:         d,
			RulesetVersion: s.registry.Current().Version,
		}))
	})
	if err != nil {
		return nil, fmt.Errorf("create draft: %w", err)
	}

	metrics.DraftsTotal.WithLabelValues("create", "ok").Inc()
	slog.Info("draft created", "draft", d.ID, "portfolio", d.PortfolioID,
		"instrument", d.Instrument, "side", d.Side, "qty", d.Quantity)
	s.publish(d)
	return d, nil
}

// Edit changes price, quantity or notes of a DRAFT or CHECKED draft. A
// change to price or quantity bumps the revision and returns a CHECKED
// draft to DRAFT, invalidating any check that covered it.
func (s *Service) Edit(ctx context.Context, id string, req EditRequest) (*model.OrderDraft, error) {
	release, err := s.lockFor(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	var out *model.OrderDraft
	err = s.store.WithinTx(ctx, func(tx store.Tx) error {
		d, err := tx.GetDraft(ctx, id)
		if err != nil {
			return err
		}
		before := *d

		if err := s.validate.Struct(req); err != nil {
			return fmt.Errorf("%w: %v", model.ErrValidation, err)
		}
		if !Editable(d.Status) {
			return fmt.Errorf("%w: draft %s is %s and can no longer be edited",
				model.ErrValidation, d.ID, d.Status)
		}
		if req.Price != nil && !req.Price.IsPositive() {
			return fmt.Errorf("%w: limit price must be positive", model.ErrValidation)
		}

		changed := false
		if req.Price != nil && !req.Price.Equal(d.Price) {
			d.Price = *req.Price
			changed = true
		}
		if req.Quantity != nil && *req.Quantity != d.Quantity {
			d.Quantity = *req.Quantity
			changed = true
		}
		if req.Notes != nil {
			d.Notes = *req.Notes
		}

		now := s.now()
		if changed {
			d.Revision++
			if err := Transition(d, model.DraftStatusDraft, now); err != nil {
				return err
			}
		}
		d.UpdatedAt = now

		if err := tx.UpdateDraft(ctx, d); err != nil {
			return err
		}
		out = d
		return tx.AppendAudit(ctx, audit.New(audit.Entry{
			Actor:          req.Actor,
			Action:         audit.ActionDraftEdit,
			EntityType:     audit.EntityDraft,
			EntityID:       d.ID,
			Input:          map[string]any{"before": before, "request": req},
			Output:         d,
			RulesetVersion: s.registry.Current().Version,
			DataVersion:    revisionTag(d.Revision),
		}))
	})
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			s.reject(ctx, audit.ActionDraftEditReject, id, req.Actor, req, err)
		}
		metrics.DraftsTotal.WithLabelValues("edit", "rejected").Inc()
		return nil, err
	}

	metrics.DraftsTotal.WithLabelValues("edit", "ok").Inc()
	slog.Info("draft edited", "draft", out.ID, "revision", out.Revision, "status", out.Status)
	s.publish(out)
	return out, nil
}

// Delete moves a DRAFT or CHECKED draft to REJECTED. The row is kept so
// its history and idempotency information survive.
func (s *Service) Delete(ctx context.Context, id, actor string) (*model.OrderDraft, error) {
	release, err := s.lockFor(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	var out *model.OrderDraft
	err = s.store.WithinTx(ctx, func(tx store.Tx) error {
		d, err := tx.GetDraft(ctx, id)
		if err != nil {
			return err
		}
		before := *d
		if !Editable(d.Status) {
			return fmt.Errorf("%w: draft %s is %s and can no longer be deleted",
				model.ErrValidation, d.ID, d.Status)
		}
		if err := Transition(d, model.DraftStatusRejected, s.now()); err != nil {
			return err
		}
		if err := tx.UpdateDraft(ctx, d); err != nil {
			return err
		}
		out = d
		return tx.AppendAudit(ctx, audit.New(audit.Entry{
			Actor:          actor,
			Action:         audit.ActionDraftDelete,
			EntityType:     audit.EntityDraft,
			EntityID:       d.ID,
			Input:          before,
			Output:         d,
			RulesetVersion: s.registry.Current().Version,
			DataVersion:    revisionTag(d.Revision),
		}))
	})
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			s.reject(ctx, audit.ActionDraftDeleteReject, id, actor, map[string]string{"op": "delete"}, err)
		}
		metrics.DraftsTotal.WithLabelValues("delete", "rejected").Inc()
		return nil, err
	}

	metrics.DraftsTotal.WithLabelValues("delete", "ok").Inc()
	slog.Info("draft rejected", "draft", out.ID, "portfolio", out.PortfolioID)
	s.publish(out)
	return out, nil
}

// Get returns one draft.
func (s *Service) Get(ctx context.Context, id string) (*model.OrderDraft, error) {
	return s.store.GetDraft(ctx, id)
}

// List returns a portfolio's drafts, oldest first.
func (s *Service) List(ctx context.Context, portfolioID string) ([]model.OrderDraft, error) {
	return s.store.ListDrafts(ctx, portfolioID)
}

// reject records a refused operation in its own transaction. A failure to
// record it is logged; the caller still gets the original error.
func (s *Service) reject(ctx context.Context, action, id, actor string, input any, cause error) {
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		return tx.AppendAudit(ctx, audit.New(audit.Entry{
			Actor:          actor,
			Action:         action,
			EntityType:     audit.EntityDraft,
			EntityID:       id,
			Input:          input,
			Output:         map[string]string{"code": model.ErrorCode(cause), "error": cause.Error()},
			RulesetVersion: s.registry.Current().Version,
		}))
	})
	if err != nil {
		slog.Error("audit of rejected draft operation failed", "draft", id, "action", action, "err", err)
	}
	slog.Warn("draft operation rejected", "draft", id, "action", action, "err", cause)
}

func (s *Service) publish(d *model.OrderDraft) {
	if s.pub == nil {
		return
	}
	s.pub.Publish(model.Event{
		Type:        model.EventDraftChanged,
		PortfolioID: d.PortfolioID,
		EntityID:    d.ID,
		Status:      string(d.Status),
		Data:        d,
		At:          d.UpdatedAt,
	})
}

func revisionTag(rev int) string {
	return fmt.Sprintf("rev:%d", rev)
}
