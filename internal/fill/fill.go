// Package fill implements the deterministic fill model for simulated LIMIT
// orders: fill price, fee with a minimum floor, proportional slippage, the
// resulting cash delta, and the weighted average cost update.
//
// All functions are pure. Every monetary value uses shopspring/decimal.
package fill

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/workbench/simengine/internal/model"
)

var (
	// ErrInvalidQuantity is returned for a non-positive fill quantity.
	ErrInvalidQuantity = errors.New("fill: quantity must be positive")

	// ErrInvalidPrice is returned when no positive fill price can be derived.
	ErrInvalidPrice = errors.New("fill: price must be positive")

	// ErrInsufficientPosition is returned when a sell exceeds the held quantity.
	ErrInsufficientPosition = errors.New("fill: sell quantity exceeds position")
)

// Model holds the cost parameters of a ruleset.
type Model struct {
	FeeRate         decimal.Decimal
	MinFee          decimal.Decimal
	SlippageRate    decimal.Decimal
	CapitalizeCosts bool
}

// Price returns the fill price of a LIMIT order: min(limit, reference) for
// a buy and max(limit, reference) for a sell. A missing (non-positive)
// reference price fills at the limit.
func Price(side model.Side, limit, reference decimal.Decimal) decimal.Decimal {
	if !reference.IsPositive() {
		return limit
	}
	if side == model.SideBuy {
		return decimal.Min(limit, reference)
	}
	return decimal.Max(limit, reference)
}

// Costs is the cash breakdown of one fill.
type Costs struct {
	Notional  decimal.Decimal `json:"notional"`
	Fee       decimal.Decimal `json:"fee"`
	Slippage  decimal.Decimal `json:"slippage"`
	CashDelta decimal.Decimal `json:"cash_delta"` // negative for buys
}

// Fee is max(fee_rate × notional, min_fee).
func (m Model) Fee(notional decimal.Decimal) decimal.Decimal {
	return decimal.Max(m.FeeRate.Mul(notional), m.MinFee)
}

// Slippage is slippage_rate × notional.
func (m Model) Slippage(notional decimal.Decimal) decimal.Decimal {
	return m.SlippageRate.Mul(notional)
}

// Costs computes notional, fee, slippage and the signed cash delta:
//
//	BUY:  -(notional + fee + slippage)
//	SELL: +(notional - fee - slippage)
func (m Model) Costs(side model.Side, price decimal.Decimal, qty int64) Costs {
	notional := price.Mul(decimal.NewFromInt(qty))
	fee := m.Fee(notional)
	slip := m.Slippage(notional)

	var delta decimal.Decimal
	if side == model.SideBuy {
		delta = notional.Add(fee).Add(slip).Neg()
	} else {
		delta = notional.Sub(fee).Sub(slip)
	}
	return Costs{Notional: notional, Fee: fee, Slippage: slip, CashDelta: delta}
}

// Result is a computed fill for one draft.
type Result struct {
	Side      model.Side      `json:"side"`
	FillPrice decimal.Decimal `json:"fill_price"`
	Quantity  int64           `json:"quantity"`
	Costs
}

// Compute fills qty at the price implied by limit and reference.
func (m Model) Compute(side model.Side, limit, reference decimal.Decimal, qty int64) (Result, error) {
	if qty <= 0 {
		return Result{}, ErrInvalidQuantity
	}
	price := Price(side, limit, reference)
	if !price.IsPositive() {
		return Result{}, ErrInvalidPrice
	}
	return Result{
		Side:      side,
		FillPrice: price,
		Quantity:  qty,
		Costs:     m.Costs(side, price, qty),
	}, nil
}

// ApplyBuy returns the position after buying r.Quantity at r.FillPrice:
//
//	avg = (old_qty*old_avg + qty*fill_price) / (old_qty + qty)
//
// Fee and slippage enter the numerator only when CapitalizeCosts is set.
func (m Model) ApplyBuy(heldQty int64, avgCost decimal.Decimal, r Result) (int64, decimal.Decimal) {
	newQty := heldQty + r.Quantity
	total := avgCost.Mul(decimal.NewFromInt(heldQty)).Add(r.Notional)
	if m.CapitalizeCosts {
		total = total.Add(r.Fee).Add(r.Slippage)
	}
	return newQty, total.Div(decimal.NewFromInt(newQty))
}

// ApplySell returns the quantity left after selling r.Quantity. The
// average cost of the remaining shares is unchanged.
func ApplySell(heldQty int64, r Result) (int64, error) {
	if r.Quantity > heldQty {
		return heldQty, fmt.Errorf("%w: selling %d, holding %d", ErrInsufficientPosition, r.Quantity, heldQty)
	}
	return heldQty - r.Quantity, nil
}
