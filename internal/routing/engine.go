// Package routing resolves a capability request to a provider, failing over
// through the ordered candidate list and tracking per-provider failure state.
package routing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/provider-gateway/internal/billing"
	"github.com/vnmchuo/provider-gateway/internal/clock"
	"github.com/vnmchuo/provider-gateway/internal/metrics"
	"github.com/vnmchuo/provider-gateway/internal/provider"
	"github.com/vnmchuo/provider-gateway/internal/registry"
	"github.com/vnmchuo/provider-gateway/internal/usage"
)

var ErrAllCandidatesExhausted = errors.New("all provider candidates exhausted")

const DefaultTimeout = 5 * time.Second

// Downgrader reports whether paid traffic must be served by trial providers.
type Downgrader interface {
	DowngradeActive() bool
}

type Store interface {
	SaveFailureState(ctx context.Context, st FailureState) error
	ListFailureStates(ctx context.Context) ([]FailureState, error)
}

type Options struct {
	Policy         Policy
	DefaultTimeout time.Duration
	Clock          clock.Clock
	Logger         *zap.Logger
	Tracer         trace.Tracer
}

// Attempt describes one candidate considered during a resolution.
type Attempt struct {
	ProviderID string `json:"provider_id"`
	Outcome    string `json:"outcome"`
	Error      string `json:"error,omitempty"`
}

// degradedWindow is one capability's degraded mode. forcedUntil is set by
// SimulateFailover and outlives successful resolutions.
type degradedWindow struct {
	until       time.Time
	forcedUntil time.Time
}

// degradedSet maps a capability to its degraded-mode window.
type degradedSet map[provider.Capability]degradedWindow

type Engine struct {
	registry  *registry.Registry
	usage     *usage.Tracker
	adapters  *provider.Pool
	downgrade Downgrader
	ledger    billing.Store
	store     Store

	policy         Policy
	defaultTimeout time.Duration
	clock          clock.Clock
	logger         *zap.Logger
	tracer         trace.Tracer

	mu       sync.Mutex
	breakers map[string]*breaker

	degradedMu sync.Mutex
	degraded   atomic.Pointer[degradedSet]

	persistMu sync.Mutex
	pending   sync.WaitGroup
}

func NewEngine(reg *registry.Registry, tracker *usage.Tracker, adapters *provider.Pool, downgrade Downgrader, ledger billing.Store, store Store, opts Options) *Engine {
	if opts.Policy.Threshold <= 0 {
		opts.Policy = DefaultPolicy()
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("provider-gateway/routing")
	}
	e := &Engine{
		registry:       reg,
		usage:          tracker,
		adapters:       adapters,
		downgrade:      downgrade,
		ledger:         ledger,
		store:          store,
		policy:         opts.Policy,
		defaultTimeout: opts.DefaultTimeout,
		clock:          opts.Clock,
		logger:         opts.Logger,
		tracer:         opts.Tracer,
		breakers:       make(map[string]*breaker),
	}
	e.degraded.Store(&degradedSet{})
	return e
}

// Load restores persisted failure states.
func (e *Engine) Load(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	states, err := e.store.ListFailureStates(ctx)
	if err != nil {
		return fmt.Errorf("failed to load failure states: %w", err)
	}
	now := e.clock.Now()
	for _, st := range states {
		b := e.breaker(st.ProviderID)
		b.restore(st)
		st, _ = b.tick(now)
		e.syncStatus(st)
	}
	e.logger.Info("failure states loaded", zap.Int("count", len(states)))
	return nil
}

// Resolve serves req from the first eligible candidate. The downgrade
// interlock is read exactly once so a concurrent swap cannot split one
// resolution across tiers.
func (e *Engine) Resolve(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	ctx, span := e.tracer.Start(ctx, "routing.resolve")
	defer span.End()

	tier := req.Tier
	downgraded := false
	if tier == provider.TierPaid && e.downgrade != nil && e.downgrade.DowngradeActive() {
		tier = provider.TierTrial
		downgraded = true
	}
	span.SetAttributes(
		attribute.String("capability", string(req.Capability)),
		attribute.String("tier", string(req.Tier)),
		attribute.Bool("downgraded", downgraded),
	)

	candidates := e.registry.ProvidersFor(req.Capability, tier)
	attempts := make([]Attempt, 0, len(candidates))

	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		b := e.breaker(cand.ID)
		adm := b.eligible(e.clock.Now())
		if !adm.ok {
			e.syncStatus(adm.state)
			reason := "degraded"
			if adm.state.State == provider.StatusRecovering {
				reason = "recovering"
			}
			attempts = append(attempts, e.skip(cand.ID, reason))
			continue
		}
		if adm.trial {
			e.syncStatus(adm.state)
		}
		// abandon hands the recovering slot back when the attempt ends
		// without an outcome about the provider.
		abandon := func() {
			if adm.trial {
				b.release()
			}
		}

		res, err := e.usage.Reserve(cand.ID)
		if err != nil {
			abandon()
			attempts = append(attempts, e.skip(cand.ID, "quota"))
			continue
		}

		adapter, err := e.adapters.Adapter(cand)
		if err != nil {
			res.Release()
			abandon()
			e.logger.Error("adapter unavailable", zap.String("provider_id", cand.ID), zap.Error(err))
			attempts = append(attempts, e.skip(cand.ID, "adapter"))
			continue
		}

		payload, latency, err := e.call(ctx, adapter, cand, req)
		if err != nil {
			res.Release()
			if ctx.Err() != nil {
				abandon()
				metrics.ProviderCalls.WithLabelValues(cand.ID, "cancelled").Inc()
				return nil, ctx.Err()
			}
			if provider.Classify(err) == provider.KindInvalid {
				// the request itself is bad; another candidate would reject
				// it too and the provider stays healthy
				abandon()
				metrics.ProviderCalls.WithLabelValues(cand.ID, string(provider.KindInvalid)).Inc()
				e.logger.Debug("request rejected by provider", zap.String("provider_id", cand.ID), zap.Error(err))
				span.RecordError(err)
				span.SetStatus(codes.Error, "invalid request")
				return nil, fmt.Errorf("%s: %w", req.Capability, err)
			}
			e.recordFailure(cand, err)
			attempts = append(attempts, Attempt{ProviderID: cand.ID, Outcome: string(provider.Classify(err)), Error: err.Error()})
			continue
		}

		res.Commit()
		e.recordSuccess(cand, latency)
		e.logSpend(cand, req, latency)
		e.clearDegraded(req.Capability)

		span.SetAttributes(attribute.String("provider", cand.ID))
		return &provider.Response{
			ProviderID:   cand.ID,
			ProviderName: cand.Name,
			Capability:   req.Capability,
			Tier:         cand.Tier,
			Payload:      payload,
			LatencyMs:    latency.Milliseconds(),
			Downgraded:   downgraded,
		}, nil
	}

	e.markDegraded(req.Capability, candidates)
	metrics.Exhaustions.WithLabelValues(string(req.Capability)).Inc()
	e.logger.Warn("all candidates exhausted",
		zap.String("capability", string(req.Capability)),
		zap.String("tier", string(tier)),
		zap.Any("attempts", attempts),
	)
	err := fmt.Errorf("%w: %s for %s tier after %d candidates", ErrAllCandidatesExhausted, req.Capability, tier, len(candidates))
	span.RecordError(err)
	span.SetStatus(codes.Error, "exhausted")
	return nil, err
}

func (e *Engine) call(ctx context.Context, a provider.Adapter, cand provider.Config, req *provider.Request) ([]byte, time.Duration, error) {
	timeout := cand.Endpoint.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	callCtx, span := e.tracer.Start(callCtx, "provider.call")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", cand.ID),
		attribute.String("adapter", cand.Adapter),
	)

	start := time.Now()
	payload, err := provider.Invoke(callCtx, a, req)
	latency := time.Since(start)
	if err == nil {
		return payload, latency, nil
	}

	if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil && provider.Classify(err) != provider.KindTimeout {
		err = provider.NewCallError(cand.Name, provider.KindTimeout, err)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, string(provider.Classify(err)))
	return nil, latency, err
}

func (e *Engine) recordFailure(cand provider.Config, err error) {
	kind := provider.Classify(err)
	metrics.ProviderCalls.WithLabelValues(cand.ID, string(kind)).Inc()
	e.usage.RecordFailure(cand.ID)

	st := e.breaker(cand.ID).onFailure(e.clock.Now(), kind, e.policy)
	e.syncStatus(st)
	e.persist(st)

	e.logger.Warn("provider call failed",
		zap.String("provider_id", cand.ID),
		zap.String("kind", string(kind)),
		zap.String("state", string(st.State)),
		zap.Error(err),
	)
}

func (e *Engine) recordSuccess(cand provider.Config, latency time.Duration) {
	metrics.ProviderCalls.WithLabelValues(cand.ID, "success").Inc()
	metrics.ProviderLatency.WithLabelValues(cand.ID).Observe(latency.Seconds())

	st, changed := e.breaker(cand.ID).onSuccess()
	if changed {
		e.syncStatus(st)
		e.persist(st)
		e.logger.Info("provider recovered", zap.String("provider_id", cand.ID))
	}
}

func (e *Engine) logSpend(cand provider.Config, req *provider.Request, latency time.Duration) {
	if e.ledger == nil || cand.CostPerRequest <= 0 {
		return
	}
	entry := &billing.Entry{
		Kind:       billing.KindSpend,
		TenantID:   req.TenantID,
		RequestID:  req.RequestID,
		ProviderID: cand.ID,
		Capability: string(req.Capability),
		AmountUSD:  cand.CostPerRequest,
		LatencyMs:  latency.Milliseconds(),
	}
	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		if err := e.ledger.Record(context.Background(), entry); err != nil {
			e.logger.Error("failed to log spend", zap.String("provider_id", cand.ID), zap.Error(err))
		}
	}()
}

func (e *Engine) skip(providerID, reason string) Attempt {
	metrics.ProviderSkips.WithLabelValues(providerID, reason).Inc()
	return Attempt{ProviderID: providerID, Outcome: "skipped", Error: reason}
}

// SimulateFailover forces a provider, by name or id, into the degraded state
// for d and puts the gateway in degraded mode until then.
func (e *Engine) SimulateFailover(nameOrID string, d time.Duration) error {
	cfg, err := e.registry.Lookup(nameOrID)
	if err != nil {
		return err
	}
	if d <= 0 {
		return errors.New("failover duration must be positive")
	}

	now := e.clock.Now()
	st := e.breaker(cfg.ID).force(now, d)
	e.syncStatus(st)
	e.persist(st)
	e.setDegraded(cfg.Capability, now.Add(d), true)

	e.logger.Warn("simulated failover",
		zap.String("provider_id", cfg.ID),
		zap.Duration("duration", d),
	)
	return nil
}

// IsDegradedMode reports whether some capability currently has no healthy
// provider.
func (e *Engine) IsDegradedMode() bool {
	now := e.clock.Now()
	for _, w := range *e.degraded.Load() {
		if now.Before(w.until) {
			return true
		}
	}
	return false
}

// DegradedCapabilities lists capabilities in degraded mode, sorted.
func (e *Engine) DegradedCapabilities() []provider.Capability {
	now := e.clock.Now()
	var out []provider.Capability
	for c, w := range *e.degraded.Load() {
		if now.Before(w.until) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Tick advances cooldown expiries and drops lapsed degraded-mode entries.
func (e *Engine) Tick(now time.Time) {
	e.mu.Lock()
	breakers := make([]*breaker, 0, len(e.breakers))
	for _, b := range e.breakers {
		breakers = append(breakers, b)
	}
	e.mu.Unlock()

	for _, b := range breakers {
		if st, changed := b.tick(now); changed {
			e.syncStatus(st)
			e.persist(st)
			e.logger.Info("provider cooldown elapsed", zap.String("provider_id", st.ProviderID))
		}
	}

	e.degradedMu.Lock()
	next := degradedSet{}
	for c, w := range *e.degraded.Load() {
		if now.Before(w.until) {
			next[c] = w
		}
	}
	e.degraded.Store(&next)
	e.degradedMu.Unlock()
	metrics.DegradedMode.Set(metrics.Bool(len(next) > 0))
}

// States returns the failure state of every provider seen so far, by id.
func (e *Engine) States() []FailureState {
	e.mu.Lock()
	breakers := make([]*breaker, 0, len(e.breakers))
	for _, b := range e.breakers {
		breakers = append(breakers, b)
	}
	e.mu.Unlock()

	now := e.clock.Now()
	out := make([]FailureState, 0, len(breakers))
	for _, b := range breakers {
		st, _ := b.tick(now)
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out
}

// Flush waits for pending ledger and state writes.
func (e *Engine) Flush() {
	e.pending.Wait()
}

// markDegraded keeps degraded mode on until the earliest moment one of the
// candidates may be tried again.
func (e *Engine) markDegraded(capability provider.Capability, candidates []provider.Config) {
	now := e.clock.Now()
	until := now.Add(e.policy.Cooldown)
	for _, cand := range candidates {
		st := e.breaker(cand.ID).snapshot()
		if st.State == provider.StatusDegraded && st.CooldownUntil.After(now) && st.CooldownUntil.Before(until) {
			until = st.CooldownUntil
		}
	}
	e.setDegraded(capability, until, false)
}

func (e *Engine) setDegraded(capability provider.Capability, until time.Time, forced bool) {
	e.degradedMu.Lock()
	defer e.degradedMu.Unlock()

	cur := *e.degraded.Load()
	next := make(degradedSet, len(cur)+1)
	for c, w := range cur {
		next[c] = w
	}
	w := next[capability]
	if until.After(w.until) {
		w.until = until
	}
	if forced && until.After(w.forcedUntil) {
		w.forcedUntil = until
	}
	next[capability] = w
	e.degraded.Store(&next)
	metrics.DegradedMode.Set(1)
}

// clearDegraded ends the capability's degraded mode after a successful
// resolution. A simulated failover still runs to its end time.
func (e *Engine) clearDegraded(capability provider.Capability) {
	now := e.clock.Now()
	w, ok := (*e.degraded.Load())[capability]
	if !ok || (now.Before(w.forcedUntil) && w.until.Equal(w.forcedUntil)) {
		return
	}

	e.degradedMu.Lock()
	defer e.degradedMu.Unlock()

	cur := *e.degraded.Load()
	next := make(degradedSet, len(cur))
	for c, w := range cur {
		if c != capability {
			next[c] = w
			continue
		}
		if now.Before(w.forcedUntil) {
			next[c] = degradedWindow{until: w.forcedUntil, forcedUntil: w.forcedUntil}
		}
	}
	e.degraded.Store(&next)
	metrics.DegradedMode.Set(metrics.Bool(len(next) > 0))
}

func (e *Engine) breaker(providerID string) *breaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.breakers[providerID]
	if !ok {
		b = newBreaker(providerID)
		e.breakers[providerID] = b
	}
	return b
}

func (e *Engine) syncStatus(st FailureState) {
	if err := e.registry.SetStatus(st.ProviderID, st.State); err != nil && !errors.Is(err, registry.ErrDeprecated) {
		e.logger.Debug("status not applied", zap.String("provider_id", st.ProviderID), zap.Error(err))
	}
	metrics.SetProviderStatus(st.ProviderID, string(st.State))
}

// persist writes the breaker's state as of the write, so racing writers
// cannot leave an older state behind.
func (e *Engine) persist(st FailureState) {
	if e.store == nil {
		return
	}
	b := e.breaker(st.ProviderID)
	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		e.persistMu.Lock()
		defer e.persistMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.store.SaveFailureState(ctx, b.snapshot()); err != nil {
			e.logger.Error("failed to persist failure state", zap.String("provider_id", st.ProviderID), zap.Error(err))
		}
	}()
}
