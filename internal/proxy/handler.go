package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/provider-gateway/internal/auth"
	"github.com/vnmchuo/provider-gateway/internal/billing"
	"github.com/vnmchuo/provider-gateway/internal/clock"
	"github.com/vnmchuo/provider-gateway/internal/costguard"
	"github.com/vnmchuo/provider-gateway/internal/gateway"
	"github.com/vnmchuo/provider-gateway/internal/provider"
	"github.com/vnmchuo/provider-gateway/internal/registry"
	"github.com/vnmchuo/provider-gateway/internal/routing"
	"github.com/vnmchuo/provider-gateway/internal/usage"
	"github.com/vnmchuo/provider-gateway/pkg/ratelimit"
)

// Deps are the components behind the HTTP surface. Limiter may be nil, which
// disables per-tenant rate limiting.
type Deps struct {
	Gateway  *gateway.Gateway
	Registry *registry.Registry
	Usage    *usage.Tracker
	Monitor  *costguard.Monitor
	Ledger   billing.Store
	Limiter  *ratelimit.Limiter
	Tracer   trace.Tracer
	Logger   *zap.Logger
	Clock    clock.Clock
	Location *time.Location
}

type Handler struct {
	gateway  *gateway.Gateway
	registry *registry.Registry
	usage    *usage.Tracker
	monitor  *costguard.Monitor
	ledger   billing.Store
	limiter  *ratelimit.Limiter
	tracer   trace.Tracer
	logger   *zap.Logger
	clock    clock.Clock
	loc      *time.Location
	validate *validator.Validate
}

func NewHandler(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Location == nil {
		d.Location = time.UTC
	}
	if d.Tracer == nil {
		d.Tracer = otel.Tracer("provider-gateway/proxy")
	}
	return &Handler{
		gateway:  d.Gateway,
		registry: d.Registry,
		usage:    d.Usage,
		monitor:  d.Monitor,
		ledger:   d.Ledger,
		limiter:  d.Limiter,
		tracer:   d.Tracer,
		logger:   d.Logger,
		clock:    d.Clock,
		loc:      d.Location,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

type capabilityRequest struct {
	Params map[string]string `json:"params" validate:"required,min=1,max=16,dive,keys,required,max=64,endkeys,max=256"`
}

func (h *Handler) HandleCapability(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	capability := provider.Capability(chi.URLParam(r, "capability"))
	if !capability.Valid() {
		writeError(w, http.StatusNotFound, "unknown capability")
		return
	}

	var body capabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	tier := auth.GetTier(ctx)
	ctx, span := h.tracer.Start(ctx, "proxy.capability")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("request_id", auth.GetRequestID(ctx)),
		attribute.String("capability", string(capability)),
		attribute.String("tier", string(tier)),
	)

	if h.limiter != nil {
		allowed, err := h.limiter.Allow(ctx, tenantID)
		if err != nil {
			h.logger.Warn("rate limiter unavailable", zap.String("tenant_id", tenantID), zap.Error(err))
		}
		if err != nil || !allowed {
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"error":       "rate limit exceeded",
				"retry_after": "60s",
			})
			return
		}
	}

	resp, err := h.gateway.RequestCapability(ctx, capability, body.Params, tier)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "capability request failed")
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Warn("capability request failed",
				zap.String("tenant_id", tenantID),
				zap.String("capability", string(capability)),
				zap.Error(err),
			)
		}
		writeError(w, status, err.Error())
		return
	}

	span.SetAttributes(
		attribute.String("provider", resp.ProviderID),
		attribute.Bool("cached", resp.Cached),
	)
	// The downgrade interlock is internal; callers only see the result.
	resp.Downgraded = false
	writeJSON(w, http.StatusOK, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, gateway.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, routing.ErrAllCandidatesExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusBadGateway
	}
}

// HandleUsage returns the caller's ledger entries, 30 days back by default.
func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	now := h.clock.Now()
	from := now.AddDate(0, 0, -30)
	to := now

	if s := r.URL.Query().Get("from"); s != "" {
		var err error
		if from, err = time.Parse(time.RFC3339, s); err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' date format (use RFC3339)")
			return
		}
	}
	if s := r.URL.Query().Get("to"); s != "" {
		var err error
		if to, err = time.Parse(time.RFC3339, s); err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' date format (use RFC3339)")
			return
		}
	}

	entries, err := h.ledger.ListByTenant(ctx, tenantID, from, to)
	if err != nil {
		h.logger.Error("failed to list ledger entries", zap.String("tenant_id", tenantID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load usage")
		return
	}

	var requests int64
	var spend float64
	for _, e := range entries {
		if e.Kind == billing.KindSpend {
			requests++
			spend += e.AmountUSD
		}
	}
	if entries == nil {
		entries = []*billing.Entry{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id":      tenantID,
		"total_requests": requests,
		"total_cost_usd": spend,
		"entries":        entries,
		"from":           from,
		"to":             to,
	})
}

// HandleStatus reports whether any capability is running without a live
// provider.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	caps := h.gateway.DegradedCapabilities()
	if caps == nil {
		caps = []provider.Capability{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"degraded_mode":         h.gateway.IsDegradedMode(),
		"degraded_capabilities": caps,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
