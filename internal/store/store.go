// Package store defines the persistence interface for the settlement engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/workbench/simengine/internal/model"
)

// AuditFilter selects audit records. Zero fields match everything.
// Results are ordered by ascending Seq.
type AuditFilter struct {
	EntityType string
	EntityID   string
	AfterSeq   int64
	Limit      int
}

// Reader is the read side shared by the store and its transactions.
// Lookups of a missing entity return an error wrapping model.ErrNotFound.
type Reader interface {
	// --- Portfolios and positions ---

	GetPortfolio(ctx context.Context, id string) (*model.Portfolio, error)
	ListPortfolios(ctx context.Context) ([]model.Portfolio, error)

	// ListPositions returns open positions ordered by instrument.
	ListPositions(ctx context.Context, portfolioID string) ([]model.Position, error)

	// --- Drafts and checks ---

	GetDraft(ctx context.Context, id string) (*model.OrderDraft, error)

	// ListDrafts returns a portfolio's drafts, oldest first.
	ListDrafts(ctx context.Context, portfolioID string) ([]model.OrderDraft, error)

	GetRiskCheck(ctx context.Context, id string) (*model.RiskCheckResult, error)

	// --- Simulated fills ---

	// ListSimOrders returns the most recent orders first. limit <= 0 means all.
	ListSimOrders(ctx context.Context, portfolioID string, limit int) ([]model.SimOrder, error)

	// ListSimTrades returns the most recent trades first. limit <= 0 means all.
	ListSimTrades(ctx context.Context, portfolioID string, limit int) ([]model.SimTrade, error)

	// --- Audit ledger ---

	ListAudit(ctx context.Context, f AuditFilter) ([]model.AuditRecord, error)
}

// Tx is a unit of work. Reads observe the transaction's own writes.
// Nothing is visible to other readers until the enclosing WithinTx commits.
type Tx interface {
	Reader

	CreatePortfolio(ctx context.Context, p *model.Portfolio) error
	UpdateCash(ctx context.Context, portfolioID string, cash decimal.Decimal) error

	// UpsertPosition writes a position with a positive quantity.
	UpsertPosition(ctx context.Context, p *model.Position) error
	DeletePosition(ctx context.Context, portfolioID, instrument string) error

	CreateDraft(ctx context.Context, d *model.OrderDraft) error
	UpdateDraft(ctx context.Context, d *model.OrderDraft) error

	InsertRiskCheck(ctx context.Context, c *model.RiskCheckResult) error
	InsertSimOrder(ctx context.Context, o *model.SimOrder) error
	InsertSimTrade(ctx context.Context, t *model.SimTrade) error

	// AppendAudit seals rec onto the end of the audit chain (assigning Seq,
	// PrevHash and Hash) and persists it. Records are never updated.
	AppendAudit(ctx context.Context, rec *model.AuditRecord) error
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	Reader

	// WithinTx runs fn in a transaction. If fn returns an error every write
	// made through tx is discarded.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}
