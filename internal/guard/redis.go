package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unlockLua deletes the lock key only if it still holds the caller's token,
// so an expired holder cannot release a lock someone else now owns.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisLocker is a distributed Locker using SET NX with a TTL. It lets
// several engine instances share one per-portfolio critical section.
type RedisLocker struct {
	rdb      redis.Cmdable
	unlockSc *redis.Script
	ttl      time.Duration
	retry    time.Duration
}

// NewRedisLocker creates a RedisLocker. ttl bounds how long a crashed
// holder can block others; retry is the polling interval while waiting.
func NewRedisLocker(rdb redis.Cmdable, ttl, retry time.Duration) *RedisLocker {
	if retry <= 0 {
		retry = 25 * time.Millisecond
	}
	return &RedisLocker{
		rdb:      rdb,
		unlockSc: redis.NewScript(unlockLua),
		ttl:      ttl,
		retry:    retry,
	}
}

func lockKey(portfolioID string) string {
	return "lock:portfolio:" + portfolioID
}

// Lock polls SET NX until it succeeds or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, portfolioID string) (func(), error) {
	token := uuid.New().String()
	key := lockKey(portfolioID)

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: portfolio %s: %v", ErrLockTimeout, portfolioID, ctx.Err())
			}
			return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: portfolio %s: %v", ErrLockTimeout, portfolioID, ctx.Err())
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Background context so release succeeds even if the caller's
			// context is already cancelled.
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = l.unlockSc.Run(unlockCtx, l.rdb, []string{key}, token).Err()
		})
	}, nil
}

var _ Locker = (*RedisLocker)(nil)
