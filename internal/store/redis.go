package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/workbench/simengine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for portfolios and positions. Transactions go to the primary store;
// every portfolio a committed transaction touched is invalidated.
//
// Each portfolio has a generation counter that commits increment. A read
// fills the cache only if the generation it saw before reading the primary
// is still current, so a read racing a commit cannot put the old state back.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
	fill    *redis.Script
}

// fillLua sets KEYS[2] only while the generation in KEYS[1] equals ARGV[1].
const fillLua = `
local gen = redis.call("GET", KEYS[1]) or ""
if gen == ARGV[1] then
	redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[3])
	return 1
end
return 0
`

// NewCachedStore creates a cached wrapper around a primary store. A
// non-positive ttl defaults to 30s.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		fill:    redis.NewScript(fillLua),
	}
}

// --- Transactions (write to primary, invalidate on commit) ---

func (s *CachedStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	touched := make(map[string]struct{})
	err := s.primary.WithinTx(ctx, func(tx Tx) error {
		return fn(&trackingTx{Tx: tx, touched: touched})
	})
	if err != nil {
		return err
	}
	for id := range touched {
		s.rdb.Incr(ctx, genKey(id))
		s.rdb.Del(ctx, portfolioKey(id), positionsKey(id))
	}
	return nil
}

// trackingTx records which portfolios a transaction wrote to.
type trackingTx struct {
	Tx
	touched map[string]struct{}
}

func (t *trackingTx) CreatePortfolio(ctx context.Context, p *model.Portfolio) error {
	t.touched[p.ID] = struct{}{}
	return t.Tx.CreatePortfolio(ctx, p)
}

func (t *trackingTx) UpdateCash(ctx context.Context, portfolioID string, cash decimal.Decimal) error {
	t.touched[portfolioID] = struct{}{}
	return t.Tx.UpdateCash(ctx, portfolioID, cash)
}

func (t *trackingTx) UpsertPosition(ctx context.Context, p *model.Position) error {
	t.touched[p.PortfolioID] = struct{}{}
	return t.Tx.UpsertPosition(ctx, p)
}

func (t *trackingTx) DeletePosition(ctx context.Context, portfolioID, instrument string) error {
	t.touched[portfolioID] = struct{}{}
	return t.Tx.DeletePosition(ctx, portfolioID, instrument)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPortfolio(ctx context.Context, id string) (*model.Portfolio, error) {
	data, err := s.rdb.Get(ctx, portfolioKey(id)).Bytes()
	if err == nil {
		var p model.Portfolio
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	gen := s.generation(ctx, id)
	p, err := s.primary.GetPortfolio(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, id, gen, portfolioKey(id), p)
	return p, nil
}

func (s *CachedStore) ListPositions(ctx context.Context, portfolioID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(portfolioID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	gen := s.generation(ctx, portfolioID)
	positions, err := s.primary.ListPositions(ctx, portfolioID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, portfolioID, gen, positionsKey(portfolioID), positions)
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListPortfolios(ctx context.Context) ([]model.Portfolio, error) {
	return s.primary.ListPortfolios(ctx)
}

func (s *CachedStore) GetDraft(ctx context.Context, id string) (*model.OrderDraft, error) {
	return s.primary.GetDraft(ctx, id)
}

func (s *CachedStore) ListDrafts(ctx context.Context, portfolioID string) ([]model.OrderDraft, error) {
	return s.primary.ListDrafts(ctx, portfolioID)
}

func (s *CachedStore) GetRiskCheck(ctx context.Context, id string) (*model.RiskCheckResult, error) {
	return s.primary.GetRiskCheck(ctx, id)
}

func (s *CachedStore) ListSimOrders(ctx context.Context, portfolioID string, limit int) ([]model.SimOrder, error) {
	return s.primary.ListSimOrders(ctx, portfolioID, limit)
}

func (s *CachedStore) ListSimTrades(ctx context.Context, portfolioID string, limit int) ([]model.SimTrade, error) {
	return s.primary.ListSimTrades(ctx, portfolioID, limit)
}

func (s *CachedStore) ListAudit(ctx context.Context, f AuditFilter) ([]model.AuditRecord, error) {
	return s.primary.ListAudit(ctx, f)
}

// --- Cache helpers ---

// generation returns the portfolio's commit counter, "" if never written.
func (s *CachedStore) generation(ctx context.Context, id string) string {
	gen, err := s.rdb.Get(ctx, genKey(id)).Result()
	if err != nil {
		return ""
	}
	return gen
}

func (s *CachedStore) cache(ctx context.Context, id, gen, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.fill.Run(ctx, s.rdb, []string{genKey(id), key}, gen, data, s.ttl.Milliseconds())
}

func portfolioKey(id string) string { return fmt.Sprintf("portfolio:%s", id) }
func positionsKey(id string) string { return fmt.Sprintf("positions:%s", id) }
func genKey(id string) string       { return fmt.Sprintf("portfolio-gen:%s", id) }
