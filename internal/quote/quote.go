// Package quote supplies reference prices and trading status. Providers may
// be slow or empty; Fetcher bounds every lookup with a timeout and reports
// failures as an unavailable quote rather than an error.
package quote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/workbench/simengine/internal/model"
)

// ErrUnavailable is returned by a Provider that has no quote for an instrument.
var ErrUnavailable = errors.New("quote: unavailable")

// Provider returns the latest quote for an instrument.
type Provider interface {
	Quote(ctx context.Context, instrument string) (*model.Quote, error)
}

// --- Static provider ---

// StaticProvider serves quotes set in memory. Used in tests, development,
// and by the operator quote endpoint.
type StaticProvider struct {
	mu     sync.RWMutex
	quotes map[string]model.Quote
}

// NewStaticProvider creates an empty StaticProvider.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{quotes: make(map[string]model.Quote)}
}

// Set stores a quote. A zero AsOf is set to now.
func (p *StaticProvider) Set(q model.Quote) {
	if q.AsOf.IsZero() {
		q.AsOf = time.Now().UTC()
	}
	if q.Status == "" {
		q.Status = model.TradingStatusTrading
	}
	p.mu.Lock()
	p.quotes[q.Instrument] = q
	p.mu.Unlock()
}

// SetPrice is shorthand for Set with TRADING status.
func (p *StaticProvider) SetPrice(instrument string, price decimal.Decimal) {
	p.Set(model.Quote{Instrument: instrument, Price: price, Status: model.TradingStatusTrading})
}

// Delete removes a quote.
func (p *StaticProvider) Delete(instrument string) {
	p.mu.Lock()
	delete(p.quotes, instrument)
	p.mu.Unlock()
}

func (p *StaticProvider) Quote(_ context.Context, instrument string) (*model.Quote, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	q, ok := p.quotes[instrument]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, instrument)
	}
	return &q, nil
}

// --- Bounded fetcher ---

// Fetcher wraps a Provider with a per-lookup timeout and collapses
// concurrent lookups of the same instrument into one provider call.
type Fetcher struct {
	provider Provider
	timeout  time.Duration
	group    singleflight.Group
}

// NewFetcher creates a Fetcher. A non-positive timeout defaults to 2s.
func NewFetcher(p Provider, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Fetcher{provider: p, timeout: timeout}
}

// Unavailable returns the quote recorded when no reference data exists.
func Unavailable(instrument string) *model.Quote {
	return &model.Quote{Instrument: instrument, Status: model.TradingStatusUnknown}
}

// Get returns the quote for instrument. It never fails: on timeout, provider
// error or an empty quote it returns an UNKNOWN quote with no price.
func (f *Fetcher) Get(ctx context.Context, instrument string) *model.Quote {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	// The shared lookup runs on its own deadline: callers that join the
	// flight must not inherit the cancellation of whoever started it.
	ch := f.group.DoChan(instrument, func() (any, error) {
		fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
		defer fcancel()
		return f.provider.Quote(fctx, instrument)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			if !errors.Is(res.Err, ErrUnavailable) {
				slog.Warn("quote lookup failed", "instrument", instrument, "err", res.Err)
			}
			return Unavailable(instrument)
		}
		qp, _ := res.Val.(*model.Quote)
		if qp == nil {
			return Unavailable(instrument)
		}
		q := *qp
		if q.Status == "" {
			q.Status = model.TradingStatusUnknown
		}
		return &q
	case <-ctx.Done():
		slog.Warn("quote lookup timed out", "instrument", instrument, "timeout", f.timeout)
		return Unavailable(instrument)
	}
}

// GetAll fetches quotes for every distinct instrument concurrently.
func (f *Fetcher) GetAll(ctx context.Context, instruments []string) map[string]*model.Quote {
	out := make(map[string]*model.Quote, len(instruments))
	var mu sync.Mutex
	var g errgroup.Group
	for _, inst := range instruments {
		mu.Lock()
		_, seen := out[inst]
		if !seen {
			out[inst] = nil
		}
		mu.Unlock()
		if seen {
			continue
		}
		g.Go(func() error {
			q := f.Get(ctx, inst)
			mu.Lock()
			out[inst] = q
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}
