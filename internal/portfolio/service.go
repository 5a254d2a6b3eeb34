// Package portfolio creates portfolios and serves the marked-to-market
// portfolio view.
package portfolio

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/workbench/simengine/internal/audit"
	"github.com/workbench/simengine/internal/model"
	"github.com/workbench/simengine/internal/quote"
	"github.com/workbench/simengine/internal/rules"
	"github.com/workbench/simengine/internal/store"
)

// DefaultCurrency is used when a create request names none.
const DefaultCurrency = "CNY"

// Service handles portfolio reads and creation.
type Service struct {
	store    store.Store
	quotes   *quote.Fetcher
	registry *rules.Registry
	validate *validator.Validate
	now      func() time.Time
}

// NewService creates a portfolio service.
func NewService(st store.Store, quotes *quote.Fetcher, reg *rules.Registry) *Service {
	return &Service{
		store:    st,
		quotes:   quotes,
		registry: reg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// CreateRequest is the body of a portfolio creation.
type CreateRequest struct {
	ID           string          `json:"id" validate:"omitempty,max=64"`
	Name         string          `json:"name" validate:"required,max=128"`
	BaseCurrency string          `json:"base_currency" validate:"omitempty,len=3,alpha"`
	InitialCash  decimal.Decimal `json:"initial_cash"`
	Actor        string          `json:"-"`
}

// Create inserts a portfolio holding InitialCash and no positions.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*model.Portfolio, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.BaseCurrency = strings.ToUpper(strings.TrimSpace(req.BaseCurrency))
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrValidation, err)
	}
	if req.InitialCash.IsNegative() {
		return nil, fmt.Errorf("%w: initial_cash must not be negative", model.ErrValidation)
	}
	if req.BaseCurrency == "" {
		req.BaseCurrency = DefaultCurrency
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	now := s.now()
	pf := &model.Portfolio{
		ID:           req.ID,
		Name:         req.Name,
		BaseCurrency: req.BaseCurrency,
		Cash:         req.InitialCash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetPortfolio(ctx, pf.ID); err == nil {
			return fmt.Errorf("%w: portfolio %s already exists", model.ErrValidation, pf.ID)
		}
		if err := tx.CreatePortfolio(ctx, pf); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, audit.New(audit.Entry{
			Actor:          req.Actor,
			Action:         audit.ActionPortfolioCreate,
			EntityType:     audit.EntityPortfolio,
			EntityID:       pf.ID,
			Input:          req,
			Output:         pf,
			RulesetVersion: s.registry.Current().Version,
		}))
	})
	if err != nil {
		return nil, err
	}

	slog.Info("portfolio created", "portfolio", pf.ID, "name", pf.Name, "cash", pf.Cash.String())
	return pf, nil
}

// List returns every portfolio.
func (s *Service) List(ctx context.Context) ([]model.Portfolio, error) {
	return s.store.ListPortfolios(ctx)
}

// View returns the portfolio marked to the current reference quotes.
func (s *Service) View(ctx context.Context, id string) (*model.PortfolioView, error) {
	pf, err := s.store.GetPortfolio(ctx, id)
	if err != nil {
		return nil, err
	}
	positions, err := s.store.ListPositions(ctx, id)
	if err != nil {
		return nil, err
	}
	insts := make([]string, len(positions))
	for i, p := range positions {
		insts[i] = p.Instrument
	}
	v := Mark(*pf, positions, s.quotes.GetAll(ctx, insts))
	return &v, nil
}

// Mark values positions at their quote price, falling back to average cost
// when no price is available.
func Mark(pf model.Portfolio, positions []model.Position, quotes map[string]*model.Quote) model.PortfolioView {
	v := model.PortfolioView{
		Portfolio:   pf,
		Positions:   make([]model.PositionView, 0, len(positions)),
		MarketValue: decimal.Zero,
	}
	for _, p := range positions {
		last := p.AvgCost
		if q := quotes[p.Instrument]; q.HasPrice() {
			last = q.Price
		}
		mv := last.Mul(decimal.NewFromInt(p.Quantity))
		v.Positions = append(v.Positions, model.PositionView{
			Position:      p,
			LastPrice:     last,
			MarketValue:   mv,
			UnrealizedPnL: mv.Sub(p.CostBasis()),
		})
		v.MarketValue = v.MarketValue.Add(mv)
	}
	v.Equity = pf.Cash.Add(v.MarketValue)

	if v.Equity.IsPositive() {
		v.CashRatio = pf.Cash.Div(v.Equity).Round(6)
		for i := range v.Positions {
			v.Positions[i].Weight = v.Positions[i].MarketValue.Div(v.Equity).Round(6)
		}
	}
	return v
}
