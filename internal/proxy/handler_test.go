package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	extratelimit "github.com/vnmchuo/ratelimiter"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/provider-gateway/internal/auth"
	"github.com/vnmchuo/provider-gateway/internal/billing"
	"github.com/vnmchuo/provider-gateway/internal/cache"
	"github.com/vnmchuo/provider-gateway/internal/clock"
	"github.com/vnmchuo/provider-gateway/internal/costguard"
	"github.com/vnmchuo/provider-gateway/internal/gateway"
	"github.com/vnmchuo/provider-gateway/internal/provider"
	"github.com/vnmchuo/provider-gateway/internal/registry"
	"github.com/vnmchuo/provider-gateway/internal/routing"
	"github.com/vnmchuo/provider-gateway/internal/usage"
	"github.com/vnmchuo/provider-gateway/pkg/ratelimit"
)

// Mock Billing Store
type mockBillingStore struct {
	mu               sync.Mutex
	recorded         []*billing.Entry
	listByTenantFunc func(ctx context.Context, tenantID string, from, to time.Time) ([]*billing.Entry, error)
}

func (m *mockBillingStore) Record(ctx context.Context, e *billing.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorded = append(m.recorded, e)
	return nil
}

func (m *mockBillingStore) ListByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*billing.Entry, error) {
	if m.listByTenantFunc != nil {
		return m.listByTenantFunc(ctx, tenantID, from, to)
	}
	return nil, nil
}

func (m *mockBillingStore) Totals(ctx context.Context, from, to time.Time) (billing.Totals, error) {
	return billing.Totals{}, nil
}

func (m *mockBillingStore) revenue() []*billing.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*billing.Entry
	for _, e := range m.recorded {
		if e.Kind == billing.KindRevenue {
			out = append(out, e)
		}
	}
	return out
}

// Mock Limiter Store
type mockLimiterStore struct {
	allowed bool
	err     error
}

func (m *mockLimiterStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

type MockAdapter struct {
	id  string
	err error

	mu    sync.Mutex
	calls int
}

func (m *MockAdapter) Authenticate(ctx context.Context) error { return nil }

func (m *MockAdapter) Call(ctx context.Context, req *provider.Request) (*provider.RawResponse, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return &provider.RawResponse{StatusCode: 200, Body: []byte(fmt.Sprintf(`{"served_by":%q}`, m.id))}, nil
}

func (m *MockAdapter) ParseResponse(raw *provider.RawResponse) (json.RawMessage, error) {
	return raw.Body, nil
}

type testServer struct {
	handler  *Handler
	router   http.Handler
	registry *registry.Registry
	monitor  *costguard.Monitor
	ledger   *mockBillingStore
	adapters map[string]*MockAdapter
	clock    *clock.Fake
}

// fakeAuth trusts X-Test-Tier and X-Test-Admin; the real middleware is
// covered in the auth package.
func fakeAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := auth.WithTenantID(r.Context(), "test-tenant")
		ctx = auth.WithRequestID(ctx, "req-1")
		ctx = auth.WithAPIKeyID(ctx, "key-1")
		ctx = auth.WithTier(ctx, provider.Tier(r.Header.Get("X-Test-Tier")))
		ctx = auth.WithAdmin(ctx, r.Header.Get("X-Test-Admin") == "true")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func setupTest(t *testing.T, limiterAllowed bool, cfgs ...provider.Config) *testServer {
	t.Helper()
	clk := clock.NewFake(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC))
	reg := registry.New(nil, 0, nil)
	tracker := usage.NewTracker(nil, clk, time.UTC, nil)
	pool := provider.NewPool(nil)
	ledger := &mockBillingStore{}
	monitor := costguard.New(nil, ledger, costguard.Options{Clock: clk, Location: time.UTC})

	ts := &testServer{registry: reg, monitor: monitor, ledger: ledger, adapters: map[string]*MockAdapter{}, clock: clk}
	for _, c := range cfgs {
		require.NoError(t, reg.Register(context.Background(), c))
		tracker.Track(c.ID, c.DailyLimit, c.MonthlyLimit)
		a := &MockAdapter{id: c.ID}
		pool.Set(c.ID, a)
		ts.adapters[c.ID] = a
	}

	tracer := noop.NewTracerProvider().Tracer("test")
	engine := routing.NewEngine(reg, tracker, pool, monitor, ledger, nil, routing.Options{Clock: clk, Tracer: tracer})
	gw := gateway.New(cache.New(cache.NewMemoryStore(clk), nil, nil), engine, tracker, gateway.Options{Tracer: tracer})

	ts.handler = NewHandler(Deps{
		Gateway:  gw,
		Registry: reg,
		Usage:    tracker,
		Monitor:  monitor,
		Ledger:   ledger,
		Limiter:  ratelimit.NewTestLimiter(&mockLimiterStore{allowed: limiterAllowed}),
		Tracer:   tracer,
		Clock:    clk,
	})
	ts.router = NewRouter(ts.handler, fakeAuth)
	return ts
}

func (ts *testServer) do(method, path, body string, tier provider.Tier, admin bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer test")
	req.Header.Set("X-Test-Tier", string(tier))
	if admin {
		req.Header.Set("X-Test-Admin", "true")
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func weather(id string, tier provider.Tier, priority int) provider.Config {
	return provider.Config{
		ID: id, Name: id, Capability: provider.CapabilityWeather, Tier: tier,
		Priority: priority, CostPerRequest: 0.001, Enabled: true,
	}
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

const nycBody = `{"params":{"lat":"40.7128","lon":"-74.0060"}}`

func TestHandleCapability_Unauthorized(t *testing.T) {
	ts := setupTest(t, true)
	req := httptest.NewRequest(http.MethodPost, "/v1/capabilities/weather", nil)
	w := httptest.NewRecorder()

	ts.handler.HandleCapability(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", decode(t, w)["error"])
}

func TestHandleCapability_InvalidBody(t *testing.T) {
	ts := setupTest(t, true, weather("owm", provider.TierPaid, 0))

	w := ts.do(http.MethodPost, "/v1/capabilities/weather", `{invalid json}`, provider.TierPaid, false)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid request body", decode(t, w)["error"])

	w = ts.do(http.MethodPost, "/v1/capabilities/weather", `{"params":{}}`, provider.TierPaid, false)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleCapability_UnknownCapability(t *testing.T) {
	ts := setupTest(t, true)
	w := ts.do(http.MethodPost, "/v1/capabilities/traffic", nycBody, provider.TierPaid, false)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleCapability_RateLimited(t *testing.T) {
	ts := setupTest(t, false, weather("owm", provider.TierPaid, 0))

	w := ts.do(http.MethodPost, "/v1/capabilities/weather", nycBody, provider.TierPaid, false)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate limit exceeded", decode(t, w)["error"])
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, 0, ts.adapters["owm"].calls)
}

func TestHandleCapability_SuccessThenCached(t *testing.T) {
	ts := setupTest(t, true, weather("owm", provider.TierPaid, 0))

	w := ts.do(http.MethodPost, "/v1/capabilities/weather", nycBody, provider.TierPaid, false)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "owm", resp["provider_id"])
	assert.Equal(t, false, resp["cached"])
	assert.Equal(t, map[string]any{"served_by": "owm"}, resp["payload"])

	w = ts.do(http.MethodPost, "/v1/capabilities/weather", nycBody, provider.TierPaid, false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["cached"])
	assert.Equal(t, 1, ts.adapters["owm"].calls)
}

func TestHandleCapability_TrialCallerNeverSeesPaid(t *testing.T) {
	ts := setupTest(t, true, weather("paid", provider.TierPaid, 0), weather("free", provider.TierTrial, 0))

	w := ts.do(http.MethodPost, "/v1/capabilities/weather", nycBody, provider.TierTrial, false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "free", decode(t, w)["provider_id"])
}

func TestHandleCapability_BreachIsInvisibleToCaller(t *testing.T) {
	ts := setupTest(t, true, weather("paid", provider.TierPaid, 0), weather("free", provider.TierTrial, 0))
	_, err := ts.monitor.Snapshot(context.Background(), 80, 200)
	require.ErrorIs(t, err, costguard.ErrCostBreachActivated)

	w := ts.do(http.MethodPost, "/v1/capabilities/weather", nycBody, provider.TierPaid, false)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "free", resp["provider_id"])
	assert.Equal(t, false, resp["downgraded"])
}

func TestHandleCapability_Exhausted(t *testing.T) {
	ts := setupTest(t, true, weather("owm", provider.TierPaid, 0))
	ts.adapters["owm"].err = provider.NewCallError("owm", provider.KindUpstream, fmt.Errorf("502"))

	w := ts.do(http.MethodPost, "/v1/capabilities/weather", nycBody, provider.TierPaid, false)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = ts.do(http.MethodGet, "/v1/status", "", provider.TierPaid, false)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, true, resp["degraded_mode"])
	assert.Equal(t, []any{"weather"}, resp["degraded_capabilities"])
}

func TestHandleCapability_ProviderRejectsParams(t *testing.T) {
	ts := setupTest(t, true, weather("owm", provider.TierPaid, 0), weather("backup", provider.TierPaid, 1))
	ts.adapters["owm"].err = provider.InvalidParams("owm", "lat and lon are required")

	for i := 0; i < 3; i++ {
		w := ts.do(http.MethodPost, "/v1/capabilities/weather", `{"params":{"q":"nyc"}}`, provider.TierPaid, false)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	}
	assert.Equal(t, 0, ts.adapters["backup"].calls)

	w := ts.do(http.MethodGet, "/v1/status", "", provider.TierPaid, false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["degraded_mode"])

	owm, err := ts.registry.Get("owm")
	require.NoError(t, err)
	assert.Equal(t, provider.StatusActive, owm.Status)
}

func TestHandleUsage_InvalidDateFormat(t *testing.T) {
	ts := setupTest(t, true)
	w := ts.do(http.MethodGet, "/v1/usage?from=not-a-date", "", provider.TierPaid, false)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleUsage_Success(t *testing.T) {
	ts := setupTest(t, true)
	var gotTenant string
	ts.ledger.listByTenantFunc = func(ctx context.Context, tenantID string, from, to time.Time) ([]*billing.Entry, error) {
		gotTenant = tenantID
		assert.True(t, to.Sub(from) >= 30*24*time.Hour-time.Second)
		return []*billing.Entry{
			{Kind: billing.KindSpend, TenantID: tenantID, AmountUSD: 0.002},
			{Kind: billing.KindSpend, TenantID: tenantID, AmountUSD: 0.003},
		}, nil
	}

	w := ts.do(http.MethodGet, "/v1/usage", "", provider.TierPaid, false)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "test-tenant", gotTenant)
	assert.Equal(t, float64(2), resp["total_requests"])
	assert.InDelta(t, 0.005, resp["total_cost_usd"].(float64), 1e-12)
	assert.Len(t, resp["entries"], 2)
}

func TestAdmin_RequiresAdminKey(t *testing.T) {
	ts := setupTest(t, true)
	w := ts.do(http.MethodGet, "/admin/providers", "", provider.TierPaid, false)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdmin_ListProvidersWithUsage(t *testing.T) {
	ts := setupTest(t, true, weather("owm", provider.TierPaid, 0), weather("free", provider.TierTrial, 0))
	require.Equal(t, http.StatusOK, ts.do(http.MethodPost, "/v1/capabilities/weather", nycBody, provider.TierPaid, false).Code)

	w := ts.do(http.MethodGet, "/admin/providers?tier=paid", "", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode(t, w)["providers"].([]any)
	require.Len(t, list, 1)
	p := list[0].(map[string]any)
	assert.Equal(t, "owm", p["id"])
	assert.Equal(t, float64(1), p["requests_today"])

	w = ts.do(http.MethodGet, "/admin/providers?tier=gold", "", "", true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdmin_EnableAndDeprecate(t *testing.T) {
	ts := setupTest(t, true, weather("owm", provider.TierPaid, 0))

	w := ts.do(http.MethodPut, "/admin/providers/owm/enabled", `{"enabled":false}`, "", true)
	assert.Equal(t, http.StatusNoContent, w.Code)
	p, err := ts.registry.Get("owm")
	require.NoError(t, err)
	assert.False(t, p.Enabled)

	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodPut, "/admin/providers/owm/enabled", `{}`, "", true).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodPut, "/admin/providers/nope/enabled", `{"enabled":true}`, "", true).Code)

	assert.Equal(t, http.StatusNoContent, ts.do(http.MethodPost, "/admin/providers/owm/deprecate", "", "", true).Code)
	assert.Equal(t, http.StatusConflict, ts.do(http.MethodPut, "/admin/providers/owm/enabled", `{"enabled":true}`, "", true).Code)
}

func TestAdmin_SnapshotAndTrend(t *testing.T) {
	ts := setupTest(t, true)

	w := ts.do(http.MethodPost, "/admin/cost/snapshots", `{"api_cost":80,"revenue":200}`, "", true)
	require.Equal(t, http.StatusCreated, w.Code)
	resp := decode(t, w)
	assert.Equal(t, true, resp["interlock_activated"])
	assert.Equal(t, true, resp["interlock"].(map[string]any)["active"])

	w = ts.do(http.MethodPost, "/admin/cost/snapshots", `{"api_cost":-1,"revenue":200}`, "", true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(http.MethodGet, "/admin/cost/trend?limit=5", "", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	resp = decode(t, w)
	assert.Len(t, resp["snapshots"], 1)
	assert.Len(t, resp["alerts"], 1)
	assert.InDelta(t, 0.35, resp["threshold"].(float64), 1e-12)

	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/admin/cost/trend?limit=x", "", "", true).Code)
}

func TestAdmin_Revenue(t *testing.T) {
	ts := setupTest(t, true)

	w := ts.do(http.MethodPost, "/admin/revenue", `{"amount_usd":250,"tenant_id":"acme","note":"invoice 7"}`, "", true)
	require.Equal(t, http.StatusCreated, w.Code)
	rev := ts.ledger.revenue()
	require.Len(t, rev, 1)
	assert.InDelta(t, 250, rev[0].AmountUSD, 1e-9)
	assert.Equal(t, "acme", rev[0].TenantID)

	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodPost, "/admin/revenue", `{"amount_usd":0}`, "", true).Code)
}

func TestAdmin_ReportWithheldWithoutSnapshot(t *testing.T) {
	ts := setupTest(t, true, weather("owm", provider.TierPaid, 0))

	w := ts.do(http.MethodGet, "/admin/report", "", "", true)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAdmin_ReportAndViews(t *testing.T) {
	ts := setupTest(t, true, weather("owm", provider.TierPaid, 0), weather("free", provider.TierTrial, 0))
	require.Equal(t, http.StatusOK, ts.do(http.MethodPost, "/v1/capabilities/weather", nycBody, provider.TierPaid, false).Code)
	_, err := ts.monitor.Snapshot(context.Background(), 10, 100)
	require.NoError(t, err)

	w := ts.do(http.MethodGet, "/admin/report", "", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	first := w.Body.Bytes()
	resp := decode(t, w)
	assert.Equal(t, "1", resp["version"])
	assert.Len(t, resp["providers"], 2)

	again := ts.do(http.MethodGet, "/admin/report", "", "", true)
	assert.True(t, bytes.Equal(first, again.Body.Bytes()))

	w = ts.do(http.MethodGet, "/admin/report/providers?status=active", "", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["providers"], 2)
	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/admin/report/providers", "", "", true).Code)

	w = ts.do(http.MethodGet, "/admin/report/high-cost?threshold=0.0005", "", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode(t, w)["providers"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "owm", list[0].(map[string]any)["id"])
}

func TestAdmin_ClearCacheAndFailover(t *testing.T) {
	geotab := provider.Config{ID: "geotab-main", Name: "Geotab", Capability: provider.CapabilityDiagnostics, Tier: provider.TierPaid, Enabled: true}
	ts := setupTest(t, true, weather("owm", provider.TierPaid, 0), geotab)

	require.Equal(t, http.StatusOK, ts.do(http.MethodPost, "/v1/capabilities/weather", nycBody, provider.TierPaid, false).Code)
	assert.Equal(t, http.StatusNoContent, ts.do(http.MethodDelete, "/admin/cache", "", "", true).Code)
	w := ts.do(http.MethodPost, "/v1/capabilities/weather", nycBody, provider.TierPaid, false)
	assert.Equal(t, false, decode(t, w)["cached"])

	w = ts.do(http.MethodPost, "/admin/failover/simulate", `{"provider":"Geotab","duration_ms":5000}`, "", true)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, true, decode(t, w)["degraded_mode"])

	ts.clock.Advance(5 * time.Second)
	w = ts.do(http.MethodGet, "/v1/status", "", provider.TierPaid, false)
	assert.Equal(t, false, decode(t, w)["degraded_mode"])

	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodPost, "/admin/failover/simulate", `{"provider":"Samsara","duration_ms":5000}`, "", true).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodPost, "/admin/failover/simulate", `{"provider":"Geotab"}`, "", true).Code)
}
