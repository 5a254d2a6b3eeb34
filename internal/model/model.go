// Package model defines the core domain types shared across the settlement engine.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Side of an order draft.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// OrderType of a draft. Only LIMIT orders are simulated.
type OrderType string

const OrderTypeLimit OrderType = "LIMIT"

// DraftStatus is the lifecycle state of an OrderDraft.
type DraftStatus string

const (
	DraftStatusDraft     DraftStatus = "DRAFT"
	DraftStatusChecked   DraftStatus = "CHECKED"
	DraftStatusConfirmed DraftStatus = "CONFIRMED"
	DraftStatusExecuted  DraftStatus = "EXECUTED"
	DraftStatusRejected  DraftStatus = "REJECTED"
	DraftStatusFailed    DraftStatus = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s DraftStatus) Terminal() bool {
	return s == DraftStatusExecuted || s == DraftStatusRejected || s == DraftStatusFailed
}

// Severity is both a rule verdict severity and an overall check status.
type Severity string

const (
	SeverityPass Severity = "PASS"
	SeverityWarn Severity = "WARN"
	SeverityFail Severity = "FAIL"
)

// Rank orders severities: FAIL > WARN > PASS. Unknown values rank as FAIL.
func (s Severity) Rank() int {
	switch s {
	case SeverityPass:
		return 0
	case SeverityWarn:
		return 1
	default:
		return 2
	}
}

// TradingStatus as reported by the reference-quote provider.
type TradingStatus string

const (
	TradingStatusTrading TradingStatus = "TRADING"
	TradingStatusHalted  TradingStatus = "HALTED"
	TradingStatusUnknown TradingStatus = "UNKNOWN"
)

// Portfolio holds cash in a single settlement currency and is the unit of
// concurrency control.
type Portfolio struct {
	ID           string          `json:"id" db:"id"`
	Name         string          `json:"name" db:"name"`
	BaseCurrency string          `json:"base_currency" db:"base_currency"`
	Cash         decimal.Decimal `json:"cash" db:"cash"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// Position is a long-only holding keyed by (portfolio, instrument).
// Fees and slippage are expensed against cash, never capitalized into AvgCost.
type Position struct {
	PortfolioID string          `json:"portfolio_id" db:"portfolio_id"`
	Instrument  string          `json:"instrument" db:"instrument"`
	Quantity    int64           `json:"quantity" db:"quantity"`
	AvgCost     decimal.Decimal `json:"avg_cost" db:"avg_cost"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// CostBasis is Quantity * AvgCost.
func (p Position) CostBasis() decimal.Decimal {
	return p.AvgCost.Mul(decimal.NewFromInt(p.Quantity))
}

// OrderDraft is an unconfirmed order awaiting risk check and confirmation.
// Revision increments on every edit of a mutable field.
type OrderDraft struct {
	ID            string          `json:"id" db:"id"`
	PortfolioID   string          `json:"portfolio_id" db:"portfolio_id"`
	Instrument    string          `json:"instrument" db:"instrument"`
	Side          Side            `json:"side" db:"side"`
	Type          OrderType       `json:"order_type" db:"order_type"`
	Price         decimal.Decimal `json:"price" db:"price"`
	Quantity      int64           `json:"quantity" db:"quantity"`
	Origin        string          `json:"origin" db:"origin"`
	Notes         string          `json:"notes,omitempty" db:"notes"`
	Status        DraftStatus     `json:"status" db:"status"`
	Revision      int             `json:"revision" db:"revision"`
	LatestCheckID string          `json:"latest_check_id,omitempty" db:"latest_check_id"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// Notional is Price * Quantity at the limit price.
func (d OrderDraft) Notional() decimal.Decimal {
	return d.Price.Mul(decimal.NewFromInt(d.Quantity))
}

// RiskVerdict is the outcome of one rule for one draft.
type RiskVerdict struct {
	Code       string   `json:"code"`
	Severity   Severity `json:"severity"`
	Message    string   `json:"message"`
	Suggestion string   `json:"suggestion,omitempty"`
	DraftID    string   `json:"draft_id,omitempty"`
}

// RiskCheckSummary is the projected portfolio state if every non-failing
// draft of the check were filled at its limit price.
type RiskCheckSummary struct {
	CashBefore      decimal.Decimal `json:"cash_before"`
	ProjectedCash   decimal.Decimal `json:"projected_cash"`
	ProjectedEquity decimal.Decimal `json:"projected_equity"`
}

// RiskCheckResult is immutable once created.
type RiskCheckResult struct {
	ID             string           `json:"id" db:"id"`
	PortfolioID    string           `json:"portfolio_id" db:"portfolio_id"`
	DraftIDs       []string         `json:"draft_ids" db:"draft_ids"`
	DraftRevisions map[string]int   `json:"draft_revisions" db:"draft_revisions"`
	Verdicts       []RiskVerdict    `json:"verdicts" db:"verdicts"`
	Status         Severity         `json:"status" db:"status"`
	RulesetVersion string           `json:"ruleset_version" db:"ruleset_version"`
	Summary        RiskCheckSummary `json:"summary" db:"summary"`
	CreatedAt      time.Time        `json:"created_at" db:"created_at"`
}

// SimOrderStatus is always FILLED in V1; partial fills are not simulated.
const SimOrderFilled = "FILLED"

// SimOrder is created exactly once per successful confirmation.
type SimOrder struct {
	ID             string          `json:"id" db:"id"`
	PortfolioID    string          `json:"portfolio_id" db:"portfolio_id"`
	RiskCheckID    string          `json:"risk_check_id" db:"risk_check_id"`
	DraftIDs       []string        `json:"draft_ids" db:"draft_ids"`
	Status         string          `json:"status" db:"status"`
	FilledQty      int64           `json:"filled_qty" db:"filled_qty"`
	AvgFillPrice   decimal.Decimal `json:"avg_fill_price" db:"avg_fill_price"`
	FeeTotal       decimal.Decimal `json:"fee_total" db:"fee_total"`
	SlippageTotal  decimal.Decimal `json:"slippage_total" db:"slippage_total"`
	CashBefore     decimal.Decimal `json:"cash_before" db:"cash_before"`
	CashAfter      decimal.Decimal `json:"cash_after" db:"cash_after"`
	RulesetVersion string          `json:"ruleset_version" db:"ruleset_version"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// SimTrade is the fill of one draft within a SimOrder.
type SimTrade struct {
	ID          string          `json:"id" db:"id"`
	OrderID     string          `json:"order_id" db:"order_id"`
	PortfolioID string          `json:"portfolio_id" db:"portfolio_id"`
	DraftID     string          `json:"draft_id" db:"draft_id"`
	Instrument  string          `json:"instrument" db:"instrument"`
	Side        Side            `json:"side" db:"side"`
	FillPrice   decimal.Decimal `json:"fill_price" db:"fill_price"`
	Quantity    int64           `json:"quantity" db:"quantity"`
	Notional    decimal.Decimal `json:"notional" db:"notional"`
	Fee         decimal.Decimal `json:"fee" db:"fee"`
	Slippage    decimal.Decimal `json:"slippage" db:"slippage"`
	CashDelta   decimal.Decimal `json:"cash_delta" db:"cash_delta"`
	FilledAt    time.Time       `json:"filled_at" db:"filled_at"`
}

// AuditRecord is append-only. Seq, PrevHash and Hash are assigned when the
// record is appended and chain every record to its predecessor.
type AuditRecord struct {
	ID             string          `json:"id" db:"id"`
	Seq            int64           `json:"seq" db:"seq"`
	Actor          string          `json:"actor" db:"actor"`
	Action         string          `json:"action" db:"action"`
	EntityType     string          `json:"entity_type" db:"entity_type"`
	EntityID       string          `json:"entity_id" db:"entity_id"`
	Input          json.RawMessage `json:"input,omitempty" db:"input"`
	Output         json.RawMessage `json:"output,omitempty" db:"output"`
	RulesetVersion string          `json:"ruleset_version,omitempty" db:"ruleset_version"`
	DataVersion    string          `json:"data_version,omitempty" db:"data_version"`
	PrevHash       string          `json:"prev_hash" db:"prev_hash"`
	Hash           string          `json:"hash" db:"hash"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// Quote is a reference price and trading status for one instrument.
// A zero Price means the price is unavailable.
type Quote struct {
	Instrument string          `json:"instrument"`
	Price      decimal.Decimal `json:"price"`
	Status     TradingStatus   `json:"status"`
	AsOf       time.Time       `json:"as_of"`
}

// HasPrice reports whether the quote carries a usable reference price.
func (q *Quote) HasPrice() bool {
	return q != nil && q.Price.IsPositive()
}

// PositionView is a position marked to market for read paths.
type PositionView struct {
	Position
	LastPrice     decimal.Decimal `json:"last_price"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Weight        decimal.Decimal `json:"weight"`
}

// PortfolioView aggregates cash and marked positions.
type PortfolioView struct {
	Portfolio
	Positions   []PositionView  `json:"positions"`
	MarketValue decimal.Decimal `json:"market_value"` // Σ position market value
	Equity      decimal.Decimal `json:"equity"`       // cash + market value
	CashRatio   decimal.Decimal `json:"cash_ratio"`
}

// Event types broadcast to stream subscribers after a change commits.
const (
	EventDraftChanged     = "draft_changed"
	EventRiskChecked      = "risk_checked"
	EventOrderSettled     = "order_settled"
	EventSettlementFailed = "settlement_failed"
	EventRulesetActivated = "ruleset_activated"
)

// Event is a committed state change.
type Event struct {
	Type        string    `json:"type"`
	PortfolioID string    `json:"portfolio_id,omitempty"`
	EntityID    string    `json:"entity_id"`
	Status      string    `json:"status,omitempty"`
	Data        any       `json:"data,omitempty"`
	At          time.Time `json:"at"`
}
