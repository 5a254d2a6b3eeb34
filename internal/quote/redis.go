package quote

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/workbench/simengine/internal/model"
)

// RedisProvider reads quotes published by the market-data ingest into
// Redis hashes at "quote:{instrument}" with fields "price", "status" and
// "ts" (Unix nanoseconds).
type RedisProvider struct {
	rdb redis.Cmdable
}

// NewRedisProvider creates a RedisProvider.
func NewRedisProvider(rdb redis.Cmdable) *RedisProvider {
	return &RedisProvider{rdb: rdb}
}

func quoteKey(instrument string) string {
	return "quote:" + instrument
}

// Publish stores a quote. Used by the operator CLI to seed reference prices.
func (p *RedisProvider) Publish(ctx context.Context, q model.Quote) error {
	if q.AsOf.IsZero() {
		q.AsOf = time.Now().UTC()
	}
	if q.Status == "" {
		q.Status = model.TradingStatusTrading
	}
	fields := map[string]any{
		"price":  q.Price.String(),
		"status": string(q.Status),
		"ts":     strconv.FormatInt(q.AsOf.UnixNano(), 10),
	}
	if err := p.rdb.HSet(ctx, quoteKey(q.Instrument), fields).Err(); err != nil {
		return fmt.Errorf("redis: publish quote %s: %w", q.Instrument, err)
	}
	return nil
}

func (p *RedisProvider) Quote(ctx context.Context, instrument string) (*model.Quote, error) {
	vals, err := p.rdb.HGetAll(ctx, quoteKey(instrument)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: get quote %s: %w", instrument, err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, instrument)
	}
	return parseQuote(instrument, vals)
}

// parseQuote decodes a quote hash. A missing or malformed price leaves the
// quote without a price; a missing status is UNKNOWN.
func parseQuote(instrument string, vals map[string]string) (*model.Quote, error) {
	q := &model.Quote{Instrument: instrument, Status: model.TradingStatusUnknown}

	if s, ok := vals["price"]; ok {
		price, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("redis: parse price %s: %w", instrument, err)
		}
		q.Price = price
	}
	if s, ok := vals["status"]; ok && s != "" {
		q.Status = model.TradingStatus(s)
	}
	if s, ok := vals["ts"]; ok {
		ns, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redis: parse ts %s: %w", instrument, err)
		}
		q.AsOf = time.Unix(0, ns).UTC()
	}
	return q, nil
}
