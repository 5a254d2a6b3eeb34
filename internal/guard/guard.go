// Package guard provides per-portfolio mutual exclusion for the settlement
// critical section. Different portfolios proceed in parallel; operations on
// the same portfolio are strictly serialized.
package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrLockTimeout is returned when a lock cannot be acquired before the
// context is done.
var ErrLockTimeout = errors.New("guard: lock acquisition timed out")

// Locker acquires the lock for one portfolio. The returned release function
// must be called exactly once on every exit path; it is safe to call more
// than once.
type Locker interface {
	Lock(ctx context.Context, portfolioID string) (release func(), err error)
}

// KeyedMutex is an in-process Locker. Each key maps to a one-slot channel
// so waiting respects context cancellation; entries are reference counted
// and removed when no goroutine holds or waits for them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

func (k *KeyedMutex) Lock(ctx context.Context, portfolioID string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[portfolioID]
	if !ok {
		l = &keyLock{sem: make(chan struct{}, 1)}
		k.locks[portfolioID] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		k.unref(portfolioID, l)
		return nil, fmt.Errorf("%w: portfolio %s: %v", ErrLockTimeout, portfolioID, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.sem
			k.unref(portfolioID, l)
		})
	}, nil
}

func (k *KeyedMutex) unref(key string, l *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

// Len returns the number of keys currently held or awaited.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// Chain acquires every locker in order and releases them in reverse.
// If any acquisition fails the already-held locks are released.
type Chain []Locker

func (c Chain) Lock(ctx context.Context, portfolioID string) (func(), error) {
	releases := make([]func(), 0, len(c))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, l := range c {
		release, err := l.Lock(ctx, portfolioID)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	var once sync.Once
	return func() { once.Do(releaseAll) }, nil
}
