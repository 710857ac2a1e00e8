package proxy

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/vnmchuo/provider-gateway/internal/auth"
	"github.com/vnmchuo/provider-gateway/internal/billing"
	"github.com/vnmchuo/provider-gateway/internal/clock"
	"github.com/vnmchuo/provider-gateway/internal/costguard"
	"github.com/vnmchuo/provider-gateway/internal/provider"
	"github.com/vnmchuo/provider-gateway/internal/registry"
	"github.com/vnmchuo/provider-gateway/internal/report"
)

const reportWindowDays = 30

// HandleListProviders lists the catalog with live usage counters filled in.
func (h *Handler) HandleListProviders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := registry.Filter{
		Capability: provider.Capability(q.Get("capability")),
		Tier:       provider.Tier(q.Get("tier")),
		Status:     provider.Status(q.Get("status")),
	}
	if f.Capability != "" && !f.Capability.Valid() {
		writeError(w, http.StatusBadRequest, "invalid capability")
		return
	}
	if f.Tier != "" && !f.Tier.Valid() {
		writeError(w, http.StatusBadRequest, "invalid tier")
		return
	}

	stats := make(map[string][2]int64)
	for _, s := range h.gateway.UsageStatus() {
		stats[s.ProviderID] = [2]int64{s.RequestsToday, s.RequestsMonth}
	}

	list := h.registry.List(f)
	for i := range list {
		c := stats[list[i].ID]
		list[i].RequestsToday, list[i].RequestsMonth = c[0], c[1]
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": list})
}

type enabledRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

func (h *Handler) HandleSetEnabled(w http.ResponseWriter, r *http.Request) {
	var body enabledRequest
	if !h.decode(w, r, &body) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.registry.SetEnabled(r.Context(), id, *body.Enabled); err != nil {
		h.registryError(w, id, err)
		return
	}
	h.logger.Info("provider toggled",
		zap.String("provider_id", id),
		zap.Bool("enabled", *body.Enabled),
		zap.String("by", auth.GetAPIKeyID(r.Context())),
	)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleDeprecate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.registry.Deprecate(r.Context(), id); err != nil {
		h.registryError(w, id, err)
		return
	}
	h.logger.Warn("provider deprecated", zap.String("provider_id", id), zap.String("by", auth.GetAPIKeyID(r.Context())))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) registryError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, registry.ErrProviderNotFound):
		writeError(w, http.StatusNotFound, "provider not found")
	case errors.Is(err, registry.ErrDeprecated):
		writeError(w, http.StatusConflict, "provider is deprecated")
	default:
		h.logger.Error("registry update failed", zap.String("provider_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to update provider")
	}
}

func (h *Handler) HandleUsageStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"providers":      h.gateway.UsageStatus(),
		"failure_states": h.gateway.FailureStates(),
	})
}

func (h *Handler) HandleCostTrend(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(w, r, "limit", 30)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"threshold": h.monitor.Threshold(),
		"interlock": h.monitor.Interlock(),
		"snapshots": h.monitor.Trend(limit),
		"alerts":    h.monitor.Alerts(limit),
	})
}

type snapshotRequest struct {
	APICost float64 `json:"api_cost" validate:"gte=0"`
	Revenue float64 `json:"revenue" validate:"gte=0"`
}

// HandleSnapshot records a manual cost snapshot. An interlock activation is
// reported in the body; it is not an error for the admin.
func (h *Handler) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	var body snapshotRequest
	if !h.decode(w, r, &body) {
		return
	}

	snap, err := h.monitor.Snapshot(r.Context(), body.APICost, body.Revenue)
	activated := errors.Is(err, costguard.ErrCostBreachActivated)
	switch {
	case errors.Is(err, costguard.ErrInvalidSnapshot):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil && !activated:
		h.logger.Error("failed to record cost snapshot", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to record snapshot")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"snapshot":            snap,
		"interlock":           h.monitor.Interlock(),
		"interlock_activated": activated,
	})
}

type revenueRequest struct {
	AmountUSD float64 `json:"amount_usd" validate:"gt=0"`
	TenantID  string  `json:"tenant_id" validate:"omitempty,max=128"`
	Note      string  `json:"note" validate:"max=512"`
}

func (h *Handler) HandleRevenue(w http.ResponseWriter, r *http.Request) {
	var body revenueRequest
	if !h.decode(w, r, &body) {
		return
	}
	entry := &billing.Entry{
		Kind:      billing.KindRevenue,
		TenantID:  body.TenantID,
		RequestID: auth.GetRequestID(r.Context()),
		AmountUSD: body.AmountUSD,
		Note:      body.Note,
		CreatedAt: h.clock.Now().UTC(),
	}
	if err := h.ledger.Record(r.Context(), entry); err != nil {
		h.logger.Error("failed to record revenue", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to record revenue")
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (h *Handler) generateReport() (*report.Report, error) {
	now := h.clock.Now()
	since := clock.DayKey(now.AddDate(0, 0, -reportWindowDays), h.loc)
	return report.Generate(report.Input{
		GeneratedAt: now,
		Providers:   h.registry.List(registry.Filter{}),
		Usage:       h.usage.Records(since),
		Snapshots:   h.monitor.Trend(0),
		WindowDays:  reportWindowDays,
		Threshold:   h.monitor.Threshold(),
		Location:    h.loc,
	})
}

// reportOrError writes the failure and returns nil when no report can be built.
func (h *Handler) reportOrError(w http.ResponseWriter) *report.Report {
	rep, err := h.generateReport()
	if err != nil {
		if errors.Is(err, report.ErrReportGeneration) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return nil
		}
		h.logger.Error("report generation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to generate report")
		return nil
	}
	return rep
}

func (h *Handler) HandleReport(w http.ResponseWriter, r *http.Request) {
	rep := h.reportOrError(w)
	if rep == nil {
		return
	}
	body, err := rep.JSON()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode report")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h *Handler) HandleReportByStatus(w http.ResponseWriter, r *http.Request) {
	status := provider.Status(r.URL.Query().Get("status"))
	if status == "" {
		writeError(w, http.StatusBadRequest, "status is required")
		return
	}
	rep := h.reportOrError(w)
	if rep == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": report.FilterByStatus(rep, status)})
}

func (h *Handler) HandleHighCost(w http.ResponseWriter, r *http.Request) {
	threshold := 0.0
	if s := r.URL.Query().Get("threshold"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "invalid threshold")
			return
		}
		threshold = v
	}
	rep := h.reportOrError(w)
	if rep == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": report.HighCostProviders(rep, threshold)})
}

func (h *Handler) HandleClearCache(w http.ResponseWriter, r *http.Request) {
	if err := h.gateway.ClearCache(r.Context()); err != nil {
		h.logger.Error("cache clear failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to clear cache")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type failoverRequest struct {
	Provider   string `json:"provider" validate:"required"`
	DurationMs int64  `json:"duration_ms" validate:"gt=0,lte=86400000"`
}

func (h *Handler) HandleSimulateFailover(w http.ResponseWriter, r *http.Request) {
	var body failoverRequest
	if !h.decode(w, r, &body) {
		return
	}
	d := time.Duration(body.DurationMs) * time.Millisecond
	if err := h.gateway.SimulateFailover(body.Provider, d); err != nil {
		if errors.Is(err, registry.ErrProviderNotFound) {
			writeError(w, http.StatusNotFound, "provider not found")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"provider":      body.Provider,
		"duration_ms":   body.DurationMs,
		"degraded_mode": h.gateway.IsDegradedMode(),
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func intParam(w http.ResponseWriter, r *http.Request, name string, fallback int) (int, bool) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return n, true
}
