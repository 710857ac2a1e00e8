// Package gateway is the single entry point for capability requests. It owns
// the cache, the routing engine and the usage tracker so callers never touch
// a provider directly.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/vnmchuo/provider-gateway/internal/auth"
	"github.com/vnmchuo/provider-gateway/internal/cache"
	"github.com/vnmchuo/provider-gateway/internal/metrics"
	"github.com/vnmchuo/provider-gateway/internal/provider"
	"github.com/vnmchuo/provider-gateway/internal/routing"
	"github.com/vnmchuo/provider-gateway/internal/usage"
)

// ErrInvalidRequest covers requests rejected before routing and those a
// provider rejected as malformed.
var ErrInvalidRequest = provider.ErrInvalidRequest

// Resolver is the routing engine as seen by the gateway.
type Resolver interface {
	Resolve(ctx context.Context, req *provider.Request) (*provider.Response, error)
	SimulateFailover(nameOrID string, d time.Duration) error
	IsDegradedMode() bool
	DegradedCapabilities() []provider.Capability
	States() []routing.FailureState
}

type Options struct {
	Logger *zap.Logger
	Tracer trace.Tracer
}

type Gateway struct {
	cache   *cache.Cache
	engine  Resolver
	tracker *usage.Tracker
	group   singleflight.Group
	logger  *zap.Logger
	tracer  trace.Tracer
}

func New(c *cache.Cache, engine Resolver, tracker *usage.Tracker, opts Options) *Gateway {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("provider-gateway/gateway")
	}
	return &Gateway{
		cache:   c,
		engine:  engine,
		tracker: tracker,
		logger:  opts.Logger,
		tracer:  opts.Tracer,
	}
}

// RequestCapability answers from the cache when possible. Concurrent misses
// for the same key and tier share one provider call. A cache hit never
// touches usage counters or failure state.
func (g *Gateway) RequestCapability(ctx context.Context, capability provider.Capability, params map[string]string, tier provider.Tier) (*provider.Response, error) {
	if !capability.Valid() {
		return nil, fmt.Errorf("%w: unknown capability %q", ErrInvalidRequest, capability)
	}
	if !tier.Valid() {
		return nil, fmt.Errorf("%w: unknown tier %q", ErrInvalidRequest, tier)
	}

	ctx, span := g.tracer.Start(ctx, "gateway.request_capability")
	defer span.End()

	key := cache.Key(capability, params)
	span.SetAttributes(
		attribute.String("capability", string(capability)),
		attribute.String("tier", string(tier)),
		attribute.String("cache_key", key),
	)

	if resp, ok := g.fromCache(ctx, capability, key); ok {
		span.SetAttributes(attribute.Bool("cache_hit", true))
		return resp, nil
	}
	metrics.CacheLookups.WithLabelValues(string(capability), "miss").Inc()

	req := &provider.Request{
		Capability: capability,
		Params:     params,
		Tier:       tier,
		TenantID:   auth.GetTenantID(ctx),
		RequestID:  auth.GetRequestID(ctx),
	}

	ch := g.group.DoChan(key+"|"+string(tier), func() (any, error) {
		return g.fetch(ctx, key, req)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			// The shared call belonged to a caller that went away; this
			// caller is still waiting, so it runs its own resolution.
			if isContextErr(res.Err) && ctx.Err() == nil {
				return g.fetch(ctx, key, req)
			}
			return nil, res.Err
		}
		resp := *res.Val.(*provider.Response)
		return &resp, nil
	}
}

func (g *Gateway) fromCache(ctx context.Context, capability provider.Capability, key string) (*provider.Response, bool) {
	raw, ok := g.cache.Get(ctx, key)
	if !ok {
		return nil, false
	}
	var resp provider.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		g.logger.Warn("dropping unreadable cache entry", zap.String("key", key), zap.Error(err))
		_ = g.cache.Invalidate(ctx, key)
		return nil, false
	}
	resp.Cached = true
	resp.LatencyMs = 0
	metrics.CacheLookups.WithLabelValues(string(capability), "hit").Inc()
	return &resp, true
}

func (g *Gateway) fetch(ctx context.Context, key string, req *provider.Request) (*provider.Response, error) {
	resp, err := g.engine.Resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		g.logger.Error("failed to encode response for cache", zap.String("key", key), zap.Error(err))
		return resp, nil
	}
	g.cache.Put(ctx, req.Capability, key, raw)
	return resp, nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// UsageStatus returns per-provider usage and quota utilization.
func (g *Gateway) UsageStatus() []usage.Stats {
	return g.tracker.Status()
}

func (g *Gateway) IsDegradedMode() bool {
	return g.engine.IsDegradedMode()
}

func (g *Gateway) DegradedCapabilities() []provider.Capability {
	return g.engine.DegradedCapabilities()
}

func (g *Gateway) FailureStates() []routing.FailureState {
	return g.engine.States()
}

func (g *Gateway) ClearCache(ctx context.Context) error {
	if err := g.cache.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	g.logger.Info("cache cleared")
	return nil
}

// SimulateFailover forces a provider, by name or id, out of rotation for d.
func (g *Gateway) SimulateFailover(nameOrID string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: failover duration must be positive", ErrInvalidRequest)
	}
	if err := g.engine.SimulateFailover(nameOrID, d); err != nil {
		return err
	}
	g.logger.Warn("simulated failover", zap.String("provider", nameOrID), zap.Duration("duration", d))
	return nil
}
