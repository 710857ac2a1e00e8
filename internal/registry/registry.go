// Package registry is the catalog of providers per capability and tier.
// Lookups hand out copies so admin edits never race an in-flight resolution.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/vnmchuo/provider-gateway/internal/provider"
)

var (
	ErrProviderNotFound = errors.New("provider not found")
	ErrDeprecated       = errors.New("provider is deprecated")
)

type Store interface {
	ListProviders(ctx context.Context) ([]provider.Config, error)
	SaveProvider(ctx context.Context, cfg provider.Config) error
}

// Filter narrows List; zero values match everything.
type Filter struct {
	Capability provider.Capability
	Tier       provider.Tier
	Status     provider.Status
}

type Registry struct {
	mu               sync.RWMutex
	providers        map[string]*provider.Config
	trialCostCeiling float64
	store            Store
	logger           *zap.Logger
}

func New(store Store, trialCostCeiling float64, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		providers:        make(map[string]*provider.Config),
		trialCostCeiling: trialCostCeiling,
		store:            store,
		logger:           logger,
	}
}

// Load restores persisted provider state. It must run before Register so
// that admin toggles survive a restart.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	cfgs, err := r.store.ListProviders(ctx)
	if err != nil {
		return fmt.Errorf("failed to load providers: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range cfgs {
		cfg := cfgs[i]
		r.providers[cfg.ID] = &cfg
	}
	r.logger.Info("providers loaded", zap.Int("count", len(cfgs)))
	return nil
}

// Register adds a catalog entry. For a provider that is already known, the
// catalog wins for connection and pricing fields while the persisted enabled
// flag and deprecation survive.
func (r *Registry) Register(ctx context.Context, cfg provider.Config) error {
	if cfg.ID == "" {
		return errors.New("provider id cannot be empty")
	}
	if !cfg.Capability.Valid() {
		return fmt.Errorf("provider %s: invalid capability %q", cfg.ID, cfg.Capability)
	}
	if !cfg.Tier.Valid() {
		return fmt.Errorf("provider %s: invalid tier %q", cfg.ID, cfg.Tier)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.providers[cfg.ID]; ok {
		cfg.Enabled = existing.Enabled
		if existing.Status == provider.StatusDeprecated {
			cfg.Status = provider.StatusDeprecated
		}
	}
	if cfg.Status == "" {
		cfg.Status = provider.StatusActive
	}

	if err := r.persist(ctx, cfg); err != nil {
		return err
	}
	stored := cfg
	r.providers[cfg.ID] = &stored
	return nil
}

// ProvidersFor returns the ordered candidate list for a capability and tier:
// primary first, then fallbacks. Paid callers fall back to trial providers;
// trial callers never see paid providers or anything above the cost ceiling.
func (r *Registry) ProvidersFor(capability provider.Capability, tier provider.Tier) []provider.Config {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var paid, trial []provider.Config
	for _, p := range r.providers {
		if p.Capability != capability || !p.Enabled || p.Status == provider.StatusDeprecated {
			continue
		}
		switch p.Tier {
		case provider.TierPaid:
			paid = append(paid, *p)
		case provider.TierTrial:
			if r.trialCostCeiling > 0 && p.CostPerRequest > r.trialCostCeiling {
				continue
			}
			trial = append(trial, *p)
		}
	}
	sortCandidates(paid)
	sortCandidates(trial)

	if tier == provider.TierPaid {
		return append(paid, trial...)
	}
	return trial
}

func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.providers[id]
	if !ok {
		return ErrProviderNotFound
	}
	if p.Status == provider.StatusDeprecated && enabled {
		return ErrDeprecated
	}

	updated := *p
	updated.Enabled = enabled
	if err := r.persist(ctx, updated); err != nil {
		return err
	}
	*p = updated
	r.logger.Info("provider toggled", zap.String("provider_id", id), zap.Bool("enabled", enabled))
	return nil
}

// Deprecate is terminal. It is an admin action and is never taken automatically.
func (r *Registry) Deprecate(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.providers[id]
	if !ok {
		return ErrProviderNotFound
	}
	if p.Status == provider.StatusDeprecated {
		return nil
	}

	updated := *p
	updated.Status = provider.StatusDeprecated
	updated.Enabled = false
	if err := r.persist(ctx, updated); err != nil {
		return err
	}
	*p = updated
	r.logger.Warn("provider deprecated", zap.String("provider_id", id))
	return nil
}

// SetStatus records a failure state machine transition. Deprecated providers
// are never moved out of deprecation.
func (r *Registry) SetStatus(id string, status provider.Status) error {
	if status == provider.StatusDeprecated {
		return errors.New("use Deprecate to deprecate a provider")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.providers[id]
	if !ok {
		return ErrProviderNotFound
	}
	if p.Status == provider.StatusDeprecated {
		return ErrDeprecated
	}
	p.Status = status
	return nil
}

func (r *Registry) Get(id string) (provider.Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[id]
	if !ok {
		return provider.Config{}, ErrProviderNotFound
	}
	return *p, nil
}

// Lookup resolves a provider by id or, case-insensitively, by display name.
func (r *Registry) Lookup(nameOrID string) (provider.Config, error) {
	if p, err := r.Get(nameOrID); err == nil {
		return p, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.providers {
		if strings.EqualFold(p.Name, nameOrID) {
			return *p, nil
		}
	}
	return provider.Config{}, ErrProviderNotFound
}

// List returns providers matching f ordered by capability, tier and candidate order.
func (r *Registry) List(f Filter) []provider.Config {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]provider.Config, 0, len(r.providers))
	for _, p := range r.providers {
		if f.Capability != "" && p.Capability != f.Capability {
			continue
		}
		if f.Tier != "" && p.Tier != f.Tier {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		out = append(out, *p)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Capability != out[j].Capability {
			return out[i].Capability < out[j].Capability
		}
		if out[i].Tier != out[j].Tier {
			return out[i].Tier < out[j].Tier
		}
		return less(out[i], out[j])
	})
	return out
}

// CandidateCount is the upper bound on attempts for one resolution.
func (r *Registry) CandidateCount(capability provider.Capability) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, p := range r.providers {
		if p.Capability == capability {
			n++
		}
	}
	return n
}

func (r *Registry) persist(ctx context.Context, cfg provider.Config) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.SaveProvider(ctx, cfg); err != nil {
		return fmt.Errorf("failed to save provider %s: %w", cfg.ID, err)
	}
	return nil
}

func sortCandidates(c []provider.Config) {
	sort.Slice(c, func(i, j int) bool { return less(c[i], c[j]) })
}

func less(a, b provider.Config) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if a.CostPerRequest != b.CostPerRequest {
		return a.CostPerRequest < b.CostPerRequest
	}
	return a.ID < b.ID
}
