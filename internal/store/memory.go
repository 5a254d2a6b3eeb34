package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/workbench/simengine/internal/audit"
	"github.com/workbench/simengine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions run under the write lock against a copy of the state that
// replaces the live state only when fn succeeds.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

type memState struct {
	portfolios map[string]model.Portfolio
	positions  map[string]map[string]model.Position // portfolio → instrument → position
	drafts     map[string]model.OrderDraft
	draftOrder []string // insertion order
	checks     map[string]model.RiskCheckResult
	orders     []model.SimOrder
	trades     []model.SimTrade
	audit      []model.AuditRecord
}

func newMemState() *memState {
	return &memState{
		portfolios: make(map[string]model.Portfolio),
		positions:  make(map[string]map[string]model.Position),
		drafts:     make(map[string]model.OrderDraft),
		checks:     make(map[string]model.RiskCheckResult),
	}
}

// clone copies every map and clips every slice so appends made by a
// transaction never alias the committed state.
func (st *memState) clone() *memState {
	c := &memState{
		portfolios: maps.Clone(st.portfolios),
		positions:  make(map[string]map[string]model.Position, len(st.positions)),
		drafts:     maps.Clone(st.drafts),
		draftOrder: slices.Clip(st.draftOrder),
		checks:     maps.Clone(st.checks),
		orders:     slices.Clip(st.orders),
		trades:     slices.Clip(st.trades),
		audit:      slices.Clip(st.audit),
	}
	for pid, byInst := range st.positions {
		c.positions[pid] = maps.Clone(byInst)
	}
	return c
}

// --- Store ---

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	staged := s.state.clone()
	if err := fn(&memTx{memState: staged}); err != nil {
		return err
	}
	s.state = staged
	return nil
}

func (s *MemoryStore) GetPortfolio(ctx context.Context, id string) (*model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.GetPortfolio(ctx, id)
}

func (s *MemoryStore) ListPortfolios(ctx context.Context) ([]model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.ListPortfolios(ctx)
}

func (s *MemoryStore) ListPositions(ctx context.Context, portfolioID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.ListPositions(ctx, portfolioID)
}

func (s *MemoryStore) GetDraft(ctx context.Context, id string) (*model.OrderDraft, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.GetDraft(ctx, id)
}

func (s *MemoryStore) ListDrafts(ctx context.Context, portfolioID string) ([]model.OrderDraft, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.ListDrafts(ctx, portfolioID)
}

func (s *MemoryStore) GetRiskCheck(ctx context.Context, id string) (*model.RiskCheckResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.GetRiskCheck(ctx, id)
}

func (s *MemoryStore) ListSimOrders(ctx context.Context, portfolioID string, limit int) ([]model.SimOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.ListSimOrders(ctx, portfolioID, limit)
}

func (s *MemoryStore) ListSimTrades(ctx context.Context, portfolioID string, limit int) ([]model.SimTrade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.ListSimTrades(ctx, portfolioID, limit)
}

func (s *MemoryStore) ListAudit(ctx context.Context, f AuditFilter) ([]model.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.ListAudit(ctx, f)
}

// --- Reads (callers hold the appropriate lock) ---

func (st *memState) GetPortfolio(_ context.Context, id string) (*model.Portfolio, error) {
	p, ok := st.portfolios[id]
	if !ok {
		return nil, fmt.Errorf("%w: portfolio %s", model.ErrNotFound, id)
	}
	return &p, nil
}

func (st *memState) ListPortfolios(_ context.Context) ([]model.Portfolio, error) {
	out := make([]model.Portfolio, 0, len(st.portfolios))
	for _, p := range st.portfolios {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (st *memState) ListPositions(_ context.Context, portfolioID string) ([]model.Position, error) {
	byInst := st.positions[portfolioID]
	out := make([]model.Position, 0, len(byInst))
	for _, p := range byInst {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out, nil
}

func (st *memState) GetDraft(_ context.Context, id string) (*model.OrderDraft, error) {
	d, ok := st.drafts[id]
	if !ok {
		return nil, fmt.Errorf("%w: draft %s", model.ErrNotFound, id)
	}
	return &d, nil
}

func (st *memState) ListDrafts(_ context.Context, portfolioID string) ([]model.OrderDraft, error) {
	var out []model.OrderDraft
	for _, id := range st.draftOrder {
		if d := st.drafts[id]; d.PortfolioID == portfolioID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (st *memState) GetRiskCheck(_ context.Context, id string) (*model.RiskCheckResult, error) {
	c, ok := st.checks[id]
	if !ok {
		return nil, fmt.Errorf("%w: risk check %s", model.ErrNotFound, id)
	}
	return &c, nil
}

func (st *memState) ListSimOrders(_ context.Context, portfolioID string, limit int) ([]model.SimOrder, error) {
	var out []model.SimOrder
	for i := len(st.orders) - 1; i >= 0; i-- {
		if st.orders[i].PortfolioID != portfolioID {
			continue
		}
		out = append(out, st.orders[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (st *memState) ListSimTrades(_ context.Context, portfolioID string, limit int) ([]model.SimTrade, error) {
	var out []model.SimTrade
	for i := len(st.trades) - 1; i >= 0; i-- {
		if st.trades[i].PortfolioID != portfolioID {
			continue
		}
		out = append(out, st.trades[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (st *memState) ListAudit(_ context.Context, f AuditFilter) ([]model.AuditRecord, error) {
	var out []model.AuditRecord
	for _, r := range st.audit {
		if r.Seq <= f.AfterSeq {
			continue
		}
		if f.EntityType != "" && r.EntityType != f.EntityType {
			continue
		}
		if f.EntityID != "" && r.EntityID != f.EntityID {
			continue
		}
		out = append(out, r)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// --- Writes ---

type memTx struct {
	*memState
}

func (tx *memTx) CreatePortfolio(_ context.Context, p *model.Portfolio) error {
	if _, exists := tx.portfolios[p.ID]; exists {
		return fmt.Errorf("%w: portfolio %s already exists", model.ErrValidation, p.ID)
	}
	tx.portfolios[p.ID] = *p
	return nil
}

func (tx *memTx) UpdateCash(_ context.Context, portfolioID string, cash decimal.Decimal) error {
	p, ok := tx.portfolios[portfolioID]
	if !ok {
		return fmt.Errorf("%w: portfolio %s", model.ErrNotFound, portfolioID)
	}
	p.Cash = cash
	p.UpdatedAt = time.Now().UTC()
	tx.portfolios[portfolioID] = p
	return nil
}

func (tx *memTx) UpsertPosition(_ context.Context, p *model.Position) error {
	if p.Quantity <= 0 {
		return fmt.Errorf("position %s/%s: quantity must be positive, got %d", p.PortfolioID, p.Instrument, p.Quantity)
	}
	byInst, ok := tx.positions[p.PortfolioID]
	if !ok {
		byInst = make(map[string]model.Position)
		tx.positions[p.PortfolioID] = byInst
	}
	byInst[p.Instrument] = *p
	return nil
}

func (tx *memTx) DeletePosition(_ context.Context, portfolioID, instrument string) error {
	delete(tx.positions[portfolioID], instrument)
	return nil
}

func (tx *memTx) CreateDraft(_ context.Context, d *model.OrderDraft) error {
	if _, exists := tx.drafts[d.ID]; exists {
		return fmt.Errorf("draft %s already exists", d.ID)
	}
	tx.drafts[d.ID] = *d
	tx.draftOrder = append(tx.draftOrder, d.ID)
	return nil
}

func (tx *memTx) UpdateDraft(_ context.Context, d *model.OrderDraft) error {
	if _, ok := tx.drafts[d.ID]; !ok {
		return fmt.Errorf("%w: draft %s", model.ErrNotFound, d.ID)
	}
	tx.drafts[d.ID] = *d
	return nil
}

func (tx *memTx) InsertRiskCheck(_ context.Context, c *model.RiskCheckResult) error {
	if _, exists := tx.checks[c.ID]; exists {
		return fmt.Errorf("risk check %s already exists", c.ID)
	}
	tx.checks[c.ID] = *c
	return nil
}

func (tx *memTx) InsertSimOrder(_ context.Context, o *model.SimOrder) error {
	tx.orders = append(tx.orders, *o)
	return nil
}

func (tx *memTx) InsertSimTrade(_ context.Context, t *model.SimTrade) error {
	tx.trades = append(tx.trades, *t)
	return nil
}

func (tx *memTx) AppendAudit(_ context.Context, rec *model.AuditRecord) error {
	var prevSeq int64
	var prevHash string
	if n := len(tx.audit); n > 0 {
		prevSeq, prevHash = tx.audit[n-1].Seq, tx.audit[n-1].Hash
	}
	audit.Seal(prevSeq, prevHash, rec)
	tx.audit = append(tx.audit, *rec)
	return nil
}
