package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/provider-gateway/internal/cache"
	"github.com/vnmchuo/provider-gateway/internal/clock"
	"github.com/vnmchuo/provider-gateway/internal/costguard"
	"github.com/vnmchuo/provider-gateway/internal/provider"
	"github.com/vnmchuo/provider-gateway/internal/registry"
	"github.com/vnmchuo/provider-gateway/internal/routing"
	"github.com/vnmchuo/provider-gateway/internal/usage"
)

type stubAdapter struct {
	id string

	mu    sync.Mutex
	calls int
	gate  chan struct{}
	err   error
}

func (s *stubAdapter) Authenticate(ctx context.Context) error { return nil }

func (s *stubAdapter) Call(ctx context.Context, req *provider.Request) (*provider.RawResponse, error) {
	s.mu.Lock()
	s.calls++
	gate, err := s.gate, s.err
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	body := fmt.Sprintf(`{"served_by":%q,"lat":%q}`, s.id, req.Params["lat"])
	return &provider.RawResponse{StatusCode: 200, Body: []byte(body)}, nil
}

func (s *stubAdapter) ParseResponse(raw *provider.RawResponse) (json.RawMessage, error) {
	return raw.Body, nil
}

func (s *stubAdapter) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fixture struct {
	gw       *Gateway
	clock    *clock.Fake
	tracker  *usage.Tracker
	monitor  *costguard.Monitor
	engine   *routing.Engine
	adapters map[string]*stubAdapter
}

func newFixture(t *testing.T, cfgs ...provider.Config) *fixture {
	t.Helper()
	clk := clock.NewFake(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC))
	reg := registry.New(nil, 0, nil)
	tracker := usage.NewTracker(nil, clk, time.UTC, nil)
	pool := provider.NewPool(nil)
	monitor := costguard.New(nil, nil, costguard.Options{Clock: clk, Location: time.UTC})

	f := &fixture{clock: clk, tracker: tracker, monitor: monitor, adapters: make(map[string]*stubAdapter)}
	for _, c := range cfgs {
		require.NoError(t, reg.Register(context.Background(), c))
		tracker.Track(c.ID, c.DailyLimit, c.MonthlyLimit)
		a := &stubAdapter{id: c.ID}
		pool.Set(c.ID, a)
		f.adapters[c.ID] = a
	}
	f.engine = routing.NewEngine(reg, tracker, pool, monitor, nil, nil, routing.Options{Clock: clk})
	c := cache.New(cache.NewMemoryStore(clk), cache.DefaultTTLs(), nil)
	f.gw = New(c, f.engine, tracker, Options{})
	return f
}

func weatherProvider(id string, tier provider.Tier, priority int, daily int64) provider.Config {
	return provider.Config{
		ID:             id,
		Name:           id,
		Capability:     provider.CapabilityWeather,
		Tier:           tier,
		Priority:       priority,
		CostPerRequest: 0.001,
		DailyLimit:     daily,
		Enabled:        true,
	}
}

func (f *fixture) requestsToday(id string) int64 {
	for _, s := range f.gw.UsageStatus() {
		if s.ProviderID == id {
			return s.RequestsToday
		}
	}
	return 0
}

var nyc = map[string]string{"lat": "40.7128", "lon": "-74.0060"}

func TestRequestCapability_CacheHitSkipsProviderAndUsage(t *testing.T) {
	f := newFixture(t, weatherProvider("owm", provider.TierPaid, 0, 0))
	ctx := context.Background()

	first, err := f.gw.RequestCapability(ctx, provider.CapabilityWeather, nyc, provider.TierPaid)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	// Equivalent params after normalization.
	second, err := f.gw.RequestCapability(ctx, provider.CapabilityWeather,
		map[string]string{"LON": " -74.006 ", "lat": "40.71280"}, provider.TierPaid)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, "owm", second.ProviderID)
	assert.JSONEq(t, string(first.Payload), string(second.Payload))

	assert.Equal(t, 1, f.adapters["owm"].Calls())
	assert.Equal(t, int64(1), f.requestsToday("owm"))
}

func TestRequestCapability_ExpiredEntryRefetches(t *testing.T) {
	f := newFixture(t, weatherProvider("owm", provider.TierPaid, 0, 0))
	ctx := context.Background()

	_, err := f.gw.RequestCapability(ctx, provider.CapabilityWeather, nyc, provider.TierPaid)
	require.NoError(t, err)

	f.clock.Advance(10*time.Minute + time.Second)
	resp, err := f.gw.RequestCapability(ctx, provider.CapabilityWeather, nyc, provider.TierPaid)
	require.NoError(t, err)
	assert.False(t, resp.Cached)
	assert.Equal(t, 2, f.adapters["owm"].Calls())
}

func TestRequestCapability_ConcurrentMissesShareOneCall(t *testing.T) {
	f := newFixture(t, weatherProvider("owm", provider.TierPaid, 0, 0))
	gate := make(chan struct{})
	f.adapters["owm"].gate = gate

	const callers = 20
	var (
		wg      sync.WaitGroup
		started sync.WaitGroup
		errs    = make(chan error, callers)
	)
	started.Add(callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started.Done()
			_, err := f.gw.RequestCapability(context.Background(), provider.CapabilityWeather, nyc, provider.TierPaid)
			errs <- err
		}()
	}
	started.Wait()
	time.Sleep(100 * time.Millisecond)
	close(gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, f.adapters["owm"].Calls())
	assert.Equal(t, int64(1), f.requestsToday("owm"))
}

func TestRequestCapability_ExhaustedPrimaryFallsBackThenCaches(t *testing.T) {
	f := newFixture(t,
		weatherProvider("a", provider.TierPaid, 0, 1),
		weatherProvider("b", provider.TierPaid, 1, 0),
	)
	ctx := context.Background()

	resp, err := f.gw.RequestCapability(ctx, provider.CapabilityWeather, map[string]string{"lat": "1"}, provider.TierPaid)
	require.NoError(t, err)
	assert.Equal(t, "a", resp.ProviderID)

	resp, err = f.gw.RequestCapability(ctx, provider.CapabilityWeather, nyc, provider.TierPaid)
	require.NoError(t, err)
	assert.Equal(t, "b", resp.ProviderID)
	assert.False(t, resp.Cached)

	resp, err = f.gw.RequestCapability(ctx, provider.CapabilityWeather, nyc, provider.TierPaid)
	require.NoError(t, err)
	assert.Equal(t, "b", resp.ProviderID)
	assert.True(t, resp.Cached)

	assert.Equal(t, 1, f.adapters["a"].Calls())
	assert.Equal(t, 1, f.adapters["b"].Calls())
	assert.Equal(t, int64(1), f.requestsToday("b"))
	assert.False(t, f.gw.IsDegradedMode())
}

func TestRequestCapability_CostBreachServesTrialUntilCleared(t *testing.T) {
	f := newFixture(t,
		weatherProvider("paid", provider.TierPaid, 0, 0),
		weatherProvider("trial", provider.TierTrial, 0, 0),
	)
	ctx := context.Background()

	_, err := f.monitor.Snapshot(ctx, 80, 200)
	require.ErrorIs(t, err, costguard.ErrCostBreachActivated)

	resp, err := f.gw.RequestCapability(ctx, provider.CapabilityWeather, map[string]string{"lat": "1"}, provider.TierPaid)
	require.NoError(t, err)
	assert.Equal(t, "trial", resp.ProviderID)
	assert.True(t, resp.Downgraded)

	_, err = f.monitor.Snapshot(ctx, 60, 200)
	require.NoError(t, err)

	resp, err = f.gw.RequestCapability(ctx, provider.CapabilityWeather, map[string]string{"lat": "2"}, provider.TierPaid)
	require.NoError(t, err)
	assert.Equal(t, "paid", resp.ProviderID)
	assert.False(t, resp.Downgraded)
}

func TestRequestCapability_ExhaustionSurfacesAndFlagsDegraded(t *testing.T) {
	f := newFixture(t, weatherProvider("owm", provider.TierPaid, 0, 0))
	f.adapters["owm"].err = provider.NewCallError("owm", provider.KindUpstream, errors.New("503"))

	_, err := f.gw.RequestCapability(context.Background(), provider.CapabilityWeather, nyc, provider.TierPaid)
	assert.ErrorIs(t, err, routing.ErrAllCandidatesExhausted)
	assert.True(t, f.gw.IsDegradedMode())
	assert.Equal(t, []provider.Capability{provider.CapabilityWeather}, f.gw.DegradedCapabilities())
}

func TestRequestCapability_CancelledCallerGetsNoCacheWrite(t *testing.T) {
	f := newFixture(t, weatherProvider("owm", provider.TierPaid, 0, 0))
	f.adapters["owm"].gate = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := f.gw.RequestCapability(ctx, provider.CapabilityWeather, nyc, provider.TierPaid)
	assert.ErrorIs(t, err, context.Canceled)

	f.adapters["owm"].mu.Lock()
	f.adapters["owm"].gate = nil
	f.adapters["owm"].mu.Unlock()

	resp, err := f.gw.RequestCapability(context.Background(), provider.CapabilityWeather, nyc, provider.TierPaid)
	require.NoError(t, err)
	assert.False(t, resp.Cached)
	assert.Equal(t, int64(1), f.requestsToday("owm"))
}

func TestRequestCapability_Validation(t *testing.T) {
	f := newFixture(t)
	_, err := f.gw.RequestCapability(context.Background(), "traffic", nil, provider.TierPaid)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = f.gw.RequestCapability(context.Background(), provider.CapabilityWeather, nil, "gold")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestSimulateFailover_ThroughFacade(t *testing.T) {
	geotab := provider.Config{
		ID: "geotab-main", Name: "Geotab", Capability: provider.CapabilityDiagnostics,
		Tier: provider.TierPaid, Enabled: true,
	}
	f := newFixture(t, geotab)

	require.NoError(t, f.gw.SimulateFailover("Geotab", 5000*time.Millisecond))
	assert.True(t, f.gw.IsDegradedMode())
	f.clock.Advance(5 * time.Second)
	assert.False(t, f.gw.IsDegradedMode())

	assert.ErrorIs(t, f.gw.SimulateFailover("Geotab", 0), ErrInvalidRequest)
}

func TestClearCache(t *testing.T) {
	f := newFixture(t, weatherProvider("owm", provider.TierPaid, 0, 0))
	ctx := context.Background()

	_, err := f.gw.RequestCapability(ctx, provider.CapabilityWeather, nyc, provider.TierPaid)
	require.NoError(t, err)
	require.NoError(t, f.gw.ClearCache(ctx))

	resp, err := f.gw.RequestCapability(ctx, provider.CapabilityWeather, nyc, provider.TierPaid)
	require.NoError(t, err)
	assert.False(t, resp.Cached)
	assert.Equal(t, 2, f.adapters["owm"].Calls())
}
