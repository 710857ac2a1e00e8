package proxy

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vnmchuo/provider-gateway/internal/auth"
	"github.com/vnmchuo/provider-gateway/internal/metrics"
)

// NewRouter mounts the public, admin and operational routes. authMW
// authenticates every /v1 and /admin request.
func NewRouter(h *Handler, authMW auth.Middleware) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(h.accessLog)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "provider-gateway"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(authMW)
		r.Post("/v1/capabilities/{capability}", h.HandleCapability)
		r.Get("/v1/usage", h.HandleUsage)
		r.Get("/v1/status", h.HandleStatus)

		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.RequireAdmin)
			r.Get("/providers", h.HandleListProviders)
			r.Put("/providers/{id}/enabled", h.HandleSetEnabled)
			r.Post("/providers/{id}/deprecate", h.HandleDeprecate)
			r.Get("/usage", h.HandleUsageStatus)
			r.Get("/cost/trend", h.HandleCostTrend)
			r.Post("/cost/snapshots", h.HandleSnapshot)
			r.Post("/revenue", h.HandleRevenue)
			r.Get("/report", h.HandleReport)
			r.Get("/report/providers", h.HandleReportByStatus)
			r.Get("/report/high-cost", h.HandleHighCost)
			r.Delete("/cache", h.HandleClearCache)
			r.Post("/failover/simulate", h.HandleSimulateFailover)
		})
	})

	return r
}

// accessLog records one line and one latency sample per request.
func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		elapsed := time.Since(start)
		metrics.RequestCount.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()
		metrics.RequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())

		h.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", elapsed),
			zap.String("request_id", chimiddleware.GetReqID(r.Context())),
		)
	})
}
