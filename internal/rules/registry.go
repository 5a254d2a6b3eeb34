package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/workbench/simengine/internal/audit"
	"github.com/workbench/simengine/internal/model"
	"github.com/workbench/simengine/internal/store"
)

// Registry holds the active Ruleset. Callers take a Ruleset value with
// Current and pass it explicitly into evaluation and settlement; the
// registry is never consulted mid-computation.
type Registry struct {
	store store.Store

	mu      sync.RWMutex
	current *Ruleset
}

// NewRegistry creates a registry with the built-in ruleset active. Call
// Activate to record an activation in the audit ledger.
func NewRegistry(st store.Store) *Registry {
	return &Registry{store: st, current: MustDefault()}
}

// Current returns the active ruleset.
func (r *Registry) Current() *Ruleset {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Activate validates cfg, records the activation with a full snapshot of
// both the previous and new ruleset, and makes it current. Activating the
// version that is already current is a no-op unless force is set.
func (r *Registry) Activate(ctx context.Context, cfg Config, actor string, force bool) (*Ruleset, error) {
	next, err := New(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrValidation, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.current
	if !force && prev != nil && prev.Version == next.Version {
		return prev, nil
	}

	err = r.store.WithinTx(ctx, func(tx store.Tx) error {
		return tx.AppendAudit(ctx, audit.New(audit.Entry{
			Actor:          actor,
			Action:         audit.ActionRulesetActivate,
			EntityType:     audit.EntityRuleset,
			EntityID:       next.Version,
			Input:          prev,
			Output:         next,
			RulesetVersion: next.Version,
		}))
	})
	if err != nil {
		return nil, fmt.Errorf("record ruleset activation: %w", err)
	}

	r.current = next
	slog.Info("ruleset activated", "version", next.Version, "actor", actor)
	return next, nil
}
