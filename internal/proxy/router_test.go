package proxy

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/vnmchuo/provider-gateway/internal/metrics"
	"github.com/vnmchuo/provider-gateway/internal/provider"
)

func TestRouter_OperationalRoutesSkipAuth(t *testing.T) {
	ts := setupTest(t, true)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w = httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "provider_gateway_requests_total")
}

func TestRouter_AuthAppliedToAPIAndAdmin(t *testing.T) {
	ts := setupTest(t, true)

	for _, path := range []string{"/v1/status", "/v1/usage", "/admin/providers", "/admin/report"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		ts.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
}

func TestRouter_MethodAndPathMismatch(t *testing.T) {
	ts := setupTest(t, true)

	w := ts.do(http.MethodGet, "/v1/capabilities/weather", "", provider.TierPaid, false)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = ts.do(http.MethodGet, "/v2/anything", "", provider.TierPaid, false)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_AccessLogUsesRoutePattern(t *testing.T) {
	ts := setupTest(t, true, weather("owm", provider.TierPaid, 0))
	counter := metrics.RequestCount.WithLabelValues(http.MethodPost, "/v1/capabilities/{capability}", "200")
	before := testutil.ToFloat64(counter)

	ts.do(http.MethodPost, "/v1/capabilities/weather", nycBody, provider.TierPaid, false)
	ts.do(http.MethodPost, "/v1/capabilities/weather", `{"params":{"lat":"1"}}`, provider.TierPaid, false)

	assert.Equal(t, before+2, testutil.ToFloat64(counter))
}
