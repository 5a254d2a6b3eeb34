package settlement

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/workbench/simengine/internal/fill"
	"github.com/workbench/simengine/internal/model"
)

var (
	// ErrInsufficientCash is returned when live cash cannot cover a fill.
	ErrInsufficientCash = errors.New("settlement: insufficient cash")

	// ErrTradingHalted is returned when an instrument is halted at settlement.
	ErrTradingHalted = errors.New("settlement: trading halted")
)

// Settlement is a computed, not yet written, settlement.
type Settlement struct {
	Order     *model.SimOrder
	Trades    []model.SimTrade
	Positions []model.Position // touched positions, in first-touch order
}

// Plan fills drafts in order against the live portfolio state. It fails
// closed: if any draft cannot be filled in full, nothing is returned.
func Plan(fm fill.Model, pf *model.Portfolio, held []model.Position, drafts []model.OrderDraft,
	quotes map[string]*model.Quote, chk *model.RiskCheckResult, now time.Time) (*Settlement, error) {
	positions := make(map[string]model.Position, len(held))
	for _, p := range held {
		positions[p.Instrument] = p
	}

	order := &model.SimOrder{
		ID:             uuid.New().String(),
		PortfolioID:    pf.ID,
		RiskCheckID:    chk.ID,
		Status:         model.SimOrderFilled,
		CashBefore:     pf.Cash,
		RulesetVersion: chk.RulesetVersion,
		CreatedAt:      now,
	}
	s := &Settlement{Order: order}

	cash := pf.Cash
	var touched []string
	seen := make(map[string]bool, len(drafts))
	notional := decimal.Zero

	for _, dr := range drafts {
		q := quotes[dr.Instrument]
		if q != nil && q.Status == model.TradingStatusHalted {
			return nil, fmt.Errorf("%w: %s", ErrTradingHalted, dr.Instrument)
		}
		ref := decimal.Zero
		if q.HasPrice() {
			ref = q.Price
		}

		r, err := fm.Compute(dr.Side, dr.Price, ref, dr.Quantity)
		if err != nil {
			return nil, fmt.Errorf("draft %s: %w", dr.ID, err)
		}

		pos, ok := positions[dr.Instrument]
		if !ok {
			pos = model.Position{PortfolioID: pf.ID, Instrument: dr.Instrument}
		}
		if !seen[dr.Instrument] {
			seen[dr.Instrument] = true
			touched = append(touched, dr.Instrument)
		}

		switch dr.Side {
		case model.SideBuy:
			if cost := r.CashDelta.Neg(); cash.LessThan(cost) {
				return nil, fmt.Errorf("%w: draft %s costs %s, cash is %s",
					ErrInsufficientCash, dr.ID, cost.StringFixed(2), cash.StringFixed(2))
			}
			pos.Quantity, pos.AvgCost = fm.ApplyBuy(pos.Quantity, pos.AvgCost, r)
		case model.SideSell:
			if pos.Quantity, err = fill.ApplySell(pos.Quantity, r); err != nil {
				return nil, fmt.Errorf("draft %s: %w", dr.ID, err)
			}
		default:
			return nil, fmt.Errorf("draft %s: unsupported side %q", dr.ID, dr.Side)
		}

		cash = cash.Add(r.CashDelta)
		if cash.IsNegative() {
			return nil, fmt.Errorf("%w: draft %s leaves cash at %s", ErrInsufficientCash, dr.ID, cash.StringFixed(2))
		}
		pos.UpdatedAt = now
		positions[dr.Instrument] = pos

		s.Trades = append(s.Trades, model.SimTrade{
			ID:          uuid.New().String(),
			OrderID:     order.ID,
			PortfolioID: pf.ID,
			DraftID:     dr.ID,
			Instrument:  dr.Instrument,
			Side:        dr.Side,
			FillPrice:   r.FillPrice,
			Quantity:    r.Quantity,
			Notional:    r.Notional,
			Fee:         r.Fee,
			Slippage:    r.Slippage,
			CashDelta:   r.CashDelta,
			FilledAt:    now,
		})
		order.DraftIDs = append(order.DraftIDs, dr.ID)
		order.FilledQty += r.Quantity
		order.FeeTotal = order.FeeTotal.Add(r.Fee)
		order.SlippageTotal = order.SlippageTotal.Add(r.Slippage)
		notional = notional.Add(r.Notional)
	}

	if order.FilledQty > 0 {
		order.AvgFillPrice = notional.Div(decimal.NewFromInt(order.FilledQty))
	}
	order.CashAfter = cash

	for _, inst := range touched {
		s.Positions = append(s.Positions, positions[inst])
	}
	return s, nil
}
