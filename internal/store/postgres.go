package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/workbench/simengine/internal/audit"
	"github.com/workbench/simengine/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// auditLockKey serializes audit appends across connections so the chain
// has a single tail.
const auditLockKey = 0x5e771e

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pgReader
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pgReader: pgReader{q: pool}, pool: pool}
}

// Migrate applies embedded SQL migrations in lexicographic order, tracking
// applied files in schema_migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`
	if _, err := s.pool.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("postgres: create schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		var exists bool
		if err := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)", name,
		).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: check migration %s: %w", name, err)
		}
		if exists {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("postgres: read migration %s: %w", name, err)
		}

		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", name)
			return err
		})
		if err != nil {
			return fmt.Errorf("postgres: apply migration %s: %w", name, err)
		}
	}
	return nil
}

func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(&pgTx{pgReader: pgReader{q: tx}, tx: tx})
	})
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgReader struct {
	q querier
}

const portfolioColumns = `id, name, base_currency, cash::TEXT, created_at, updated_at`

func (r pgReader) GetPortfolio(ctx context.Context, id string) (*model.Portfolio, error) {
	return r.getPortfolio(ctx, id, "")
}

func (r pgReader) getPortfolio(ctx context.Context, id, suffix string) (*model.Portfolio, error) {
	var p model.Portfolio
	var cash string
	err := r.q.QueryRow(ctx,
		`SELECT `+portfolioColumns+` FROM portfolios WHERE id = $1`+suffix, id).
		Scan(&p.ID, &p.Name, &p.BaseCurrency, &cash, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "portfolio", id)
	}
	p.Cash, _ = decimal.NewFromString(cash)
	return &p, nil
}

func (r pgReader) ListPortfolios(ctx context.Context) ([]model.Portfolio, error) {
	rows, err := r.q.Query(ctx, `SELECT `+portfolioColumns+` FROM portfolios ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Portfolio
	for rows.Next() {
		var p model.Portfolio
		var cash string
		if err := rows.Scan(&p.ID, &p.Name, &p.BaseCurrency, &cash, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Cash, _ = decimal.NewFromString(cash)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r pgReader) ListPositions(ctx context.Context, portfolioID string) ([]model.Position, error) {
	rows, err := r.q.Query(ctx,
		`SELECT portfolio_id, instrument, quantity, avg_cost::TEXT, updated_at
		 FROM positions WHERE portfolio_id = $1 ORDER BY instrument`, portfolioID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		var p model.Position
		var avg string
		if err := rows.Scan(&p.PortfolioID, &p.Instrument, &p.Quantity, &avg, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.AvgCost, _ = decimal.NewFromString(avg)
		out = append(out, p)
	}
	return out, rows.Err()
}

const draftColumns = `id, portfolio_id, instrument, side, order_type, price::TEXT, quantity,
	origin, notes, status, revision, latest_check_id, created_at, updated_at`

func scanDraft(row pgx.Row) (*model.OrderDraft, error) {
	var d model.OrderDraft
	var price string
	if err := row.Scan(&d.ID, &d.PortfolioID, &d.Instrument, &d.Side, &d.Type, &price, &d.Quantity,
		&d.Origin, &d.Notes, &d.Status, &d.Revision, &d.LatestCheckID, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Price, _ = decimal.NewFromString(price)
	return &d, nil
}

func (r pgReader) GetDraft(ctx context.Context, id string) (*model.OrderDraft, error) {
	d, err := scanDraft(r.q.QueryRow(ctx, `SELECT `+draftColumns+` FROM order_drafts WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "draft", id)
	}
	return d, nil
}

func (r pgReader) ListDrafts(ctx context.Context, portfolioID string) ([]model.OrderDraft, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+draftColumns+` FROM order_drafts WHERE portfolio_id = $1 ORDER BY created_at, id`, portfolioID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.OrderDraft
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (r pgReader) GetRiskCheck(ctx context.Context, id string) (*model.RiskCheckResult, error) {
	var c model.RiskCheckResult
	var draftIDs, revisions, verdicts, summary string
	err := r.q.QueryRow(ctx,
		`SELECT id, portfolio_id, draft_ids::TEXT, draft_revisions::TEXT, verdicts::TEXT,
		        status, ruleset_version, summary::TEXT, created_at
		 FROM risk_checks WHERE id = $1`, id).
		Scan(&c.ID, &c.PortfolioID, &draftIDs, &revisions, &verdicts,
			&c.Status, &c.RulesetVersion, &summary, &c.CreatedAt)
	if err != nil {
		return nil, notFound(err, "risk check", id)
	}
	if err := unmarshalAll(
		[]byte(draftIDs), &c.DraftIDs,
		[]byte(revisions), &c.DraftRevisions,
		[]byte(verdicts), &c.Verdicts,
		[]byte(summary), &c.Summary,
	); err != nil {
		return nil, fmt.Errorf("decode risk check %s: %w", id, err)
	}
	return &c, nil
}

func (r pgReader) ListSimOrders(ctx context.Context, portfolioID string, limit int) ([]model.SimOrder, error) {
	rows, err := r.q.Query(ctx,
		`SELECT id, portfolio_id, risk_check_id, draft_ids::TEXT, status, filled_qty, avg_fill_price::TEXT,
		        fee_total::TEXT, slippage_total::TEXT, cash_before::TEXT, cash_after::TEXT,
		        ruleset_version, created_at
		 FROM sim_orders WHERE portfolio_id = $1
		 ORDER BY created_at DESC LIMIT $2`, portfolioID, sqlLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SimOrder
	for rows.Next() {
		var o model.SimOrder
		var draftIDs, avgFill, fee, slip, before, after string
		if err := rows.Scan(&o.ID, &o.PortfolioID, &o.RiskCheckID, &draftIDs, &o.Status, &o.FilledQty, &avgFill,
			&fee, &slip, &before, &after, &o.RulesetVersion, &o.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(draftIDs), &o.DraftIDs); err != nil {
			return nil, fmt.Errorf("decode sim order %s: %w", o.ID, err)
		}
		o.AvgFillPrice, _ = decimal.NewFromString(avgFill)
		o.FeeTotal, _ = decimal.NewFromString(fee)
		o.SlippageTotal, _ = decimal.NewFromString(slip)
		o.CashBefore, _ = decimal.NewFromString(before)
		o.CashAfter, _ = decimal.NewFromString(after)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r pgReader) ListSimTrades(ctx context.Context, portfolioID string, limit int) ([]model.SimTrade, error) {
	rows, err := r.q.Query(ctx,
		`SELECT id, order_id, portfolio_id, draft_id, instrument, side,
		        fill_price::TEXT, quantity, notional::TEXT, fee::TEXT, slippage::TEXT,
		        cash_delta::TEXT, filled_at
		 FROM sim_trades WHERE portfolio_id = $1
		 ORDER BY filled_at DESC LIMIT $2`, portfolioID, sqlLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SimTrade
	for rows.Next() {
		var t model.SimTrade
		var price, notional, fee, slip, delta string
		if err := rows.Scan(&t.ID, &t.OrderID, &t.PortfolioID, &t.DraftID, &t.Instrument, &t.Side,
			&price, &t.Quantity, &notional, &fee, &slip, &delta, &t.FilledAt); err != nil {
			return nil, err
		}
		t.FillPrice, _ = decimal.NewFromString(price)
		t.Notional, _ = decimal.NewFromString(notional)
		t.Fee, _ = decimal.NewFromString(fee)
		t.Slippage, _ = decimal.NewFromString(slip)
		t.CashDelta, _ = decimal.NewFromString(delta)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r pgReader) ListAudit(ctx context.Context, f AuditFilter) ([]model.AuditRecord, error) {
	rows, err := r.q.Query(ctx,
		`SELECT seq, id, actor, action, entity_type, entity_id, input::TEXT, output::TEXT,
		        ruleset_version, data_version, prev_hash, hash, created_at
		 FROM audit_records
		 WHERE seq > $1
		   AND ($2 = '' OR entity_type = $2)
		   AND ($3 = '' OR entity_id = $3)
		 ORDER BY seq LIMIT $4`, f.AfterSeq, f.EntityType, f.EntityID, sqlLimit(f.Limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAuditRecords(rows)
}

// pgxRows is the subset of pgx.Rows used by the scan helpers.
type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanAuditRecords(rows pgxRows) ([]model.AuditRecord, error) {
	var out []model.AuditRecord
	for rows.Next() {
		var rec model.AuditRecord
		var input, output *string
		if err := rows.Scan(&rec.Seq, &rec.ID, &rec.Actor, &rec.Action, &rec.EntityType, &rec.EntityID,
			&input, &output, &rec.RulesetVersion, &rec.DataVersion, &rec.PrevHash, &rec.Hash,
			&rec.CreatedAt); err != nil {
			return nil, err
		}
		if input != nil {
			rec.Input = json.RawMessage(*input)
		}
		if output != nil {
			rec.Output = json.RawMessage(*output)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- Transaction writes ---

type pgTx struct {
	pgReader
	tx pgx.Tx
}

// GetPortfolio locks the row for the rest of the transaction.
func (t *pgTx) GetPortfolio(ctx context.Context, id string) (*model.Portfolio, error) {
	return t.getPortfolio(ctx, id, " FOR UPDATE")
}

func (t *pgTx) CreatePortfolio(ctx context.Context, p *model.Portfolio) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO portfolios (id, name, base_currency, cash, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6)`,
		p.ID, p.Name, p.BaseCurrency, p.Cash.String(), p.CreatedAt, p.UpdatedAt)
	return err
}

func (t *pgTx) UpdateCash(ctx context.Context, portfolioID string, cash decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE portfolios SET cash = $2::NUMERIC, updated_at = NOW() WHERE id = $1`,
		portfolioID, cash.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: portfolio %s", model.ErrNotFound, portfolioID)
	}
	return nil
}

func (t *pgTx) UpsertPosition(ctx context.Context, p *model.Position) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (portfolio_id, instrument, quantity, avg_cost, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)
		 ON CONFLICT (portfolio_id, instrument)
		 DO UPDATE SET quantity = EXCLUDED.quantity, avg_cost = EXCLUDED.avg_cost, updated_at = EXCLUDED.updated_at`,
		p.PortfolioID, p.Instrument, p.Quantity, p.AvgCost.String(), p.UpdatedAt)
	return err
}

func (t *pgTx) DeletePosition(ctx context.Context, portfolioID, instrument string) error {
	_, err := t.tx.Exec(ctx,
		`DELETE FROM positions WHERE portfolio_id = $1 AND instrument = $2`, portfolioID, instrument)
	return err
}

func (t *pgTx) CreateDraft(ctx context.Context, d *model.OrderDraft) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO order_drafts (id, portfolio_id, instrument, side, order_type, price, quantity,
		                           origin, notes, status, revision, latest_check_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9, $10, $11, $12, $13, $14)`,
		d.ID, d.PortfolioID, d.Instrument, d.Side, d.Type, d.Price.String(), d.Quantity,
		d.Origin, d.Notes, d.Status, d.Revision, d.LatestCheckID, d.CreatedAt, d.UpdatedAt)
	return err
}

func (t *pgTx) UpdateDraft(ctx context.Context, d *model.OrderDraft) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE order_drafts
		 SET price = $2::NUMERIC, quantity = $3, notes = $4, status = $5,
		     revision = $6, latest_check_id = $7, updated_at = $8
		 WHERE id = $1`,
		d.ID, d.Price.String(), d.Quantity, d.Notes, d.Status, d.Revision, d.LatestCheckID, d.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: draft %s", model.ErrNotFound, d.ID)
	}
	return nil
}

func (t *pgTx) InsertRiskCheck(ctx context.Context, c *model.RiskCheckResult) error {
	draftIDs, _ := json.Marshal(c.DraftIDs)
	revisions, _ := json.Marshal(c.DraftRevisions)
	verdicts, _ := json.Marshal(c.Verdicts)
	summary, _ := json.Marshal(c.Summary)
	_, err := t.tx.Exec(ctx,
		`INSERT INTO risk_checks (id, portfolio_id, draft_ids, draft_revisions, verdicts,
		                          status, ruleset_version, summary, created_at)
		 VALUES ($1, $2, $3::JSONB, $4::JSONB, $5::JSONB, $6, $7, $8::JSONB, $9)`,
		c.ID, c.PortfolioID, string(draftIDs), string(revisions), string(verdicts),
		c.Status, c.RulesetVersion, string(summary), c.CreatedAt)
	return err
}

func (t *pgTx) InsertSimOrder(ctx context.Context, o *model.SimOrder) error {
	draftIDs, _ := json.Marshal(o.DraftIDs)
	_, err := t.tx.Exec(ctx,
		`INSERT INTO sim_orders (id, portfolio_id, risk_check_id, draft_ids, status, filled_qty, avg_fill_price,
		                         fee_total, slippage_total, cash_before, cash_after, ruleset_version, created_at)
		 VALUES ($1, $2, $3, $4::JSONB, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12, $13)`,
		o.ID, o.PortfolioID, o.RiskCheckID, string(draftIDs), o.Status, o.FilledQty, o.AvgFillPrice.String(),
		o.FeeTotal.String(), o.SlippageTotal.String(), o.CashBefore.String(), o.CashAfter.String(),
		o.RulesetVersion, o.CreatedAt)
	return err
}

func (t *pgTx) InsertSimTrade(ctx context.Context, tr *model.SimTrade) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO sim_trades (id, order_id, portfolio_id, draft_id, instrument, side,
		                         fill_price, quantity, notional, fee, slippage, cash_delta, filled_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13)`,
		tr.ID, tr.OrderID, tr.PortfolioID, tr.DraftID, tr.Instrument, tr.Side,
		tr.FillPrice.String(), tr.Quantity, tr.Notional.String(), tr.Fee.String(), tr.Slippage.String(),
		tr.CashDelta.String(), tr.FilledAt)
	return err
}

func (t *pgTx) AppendAudit(ctx context.Context, rec *model.AuditRecord) error {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, auditLockKey); err != nil {
		return fmt.Errorf("lock audit chain: %w", err)
	}

	var prevSeq int64
	var prevHash string
	err := t.tx.QueryRow(ctx,
		`SELECT seq, hash FROM audit_records ORDER BY seq DESC LIMIT 1`).Scan(&prevSeq, &prevHash)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("read audit tail: %w", err)
	}

	audit.Seal(prevSeq, prevHash, rec)

	_, err = t.tx.Exec(ctx,
		`INSERT INTO audit_records (seq, id, actor, action, entity_type, entity_id, input, output,
		                            ruleset_version, data_version, prev_hash, hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::JSON, $8::JSON, $9, $10, $11, $12, $13)`,
		rec.Seq, rec.ID, rec.Actor, rec.Action, rec.EntityType, rec.EntityID,
		nullableJSON(rec.Input), nullableJSON(rec.Output),
		rec.RulesetVersion, rec.DataVersion, rec.PrevHash, rec.Hash, rec.CreatedAt)
	return err
}

// --- Helpers ---

func notFound(err error, kind, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s %s", model.ErrNotFound, kind, id)
	}
	return fmt.Errorf("get %s %s: %w", kind, id, err)
}

// sqlLimit maps a non-positive limit to SQL "LIMIT ALL".
func sqlLimit(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

func nullableJSON(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	s := string(raw)
	return &s
}

// unmarshalAll decodes pairs of (data, target).
func unmarshalAll(pairs ...any) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if err := json.Unmarshal(pairs[i].([]byte), pairs[i+1]); err != nil {
			return err
		}
	}
	return nil
}
