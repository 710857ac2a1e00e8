package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_gateway_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "provider_gateway_request_duration_seconds",
			Help: "HTTP request duration in seconds",
		},
		[]string{"method", "endpoint"},
	)

	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_gateway_provider_calls_total",
			Help: "Provider attempts by outcome (success, timeout, auth, upstream, cancelled)",
		},
		[]string{"provider", "outcome"},
	)

	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "provider_gateway_provider_latency_seconds",
			Help: "Latency of successful provider calls in seconds",
		},
		[]string{"provider"},
	)

	ProviderSkips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_gateway_provider_skips_total",
			Help: "Candidates skipped during resolution by reason",
		},
		[]string{"provider", "reason"},
	)

	// ProviderStatus is 1 for the current status of each provider and 0 otherwise.
	ProviderStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "provider_gateway_provider_status",
			Help: "Failure state of each provider",
		},
		[]string{"provider", "status"},
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_gateway_cache_lookups_total",
			Help: "Cache lookups by capability and result (hit, miss)",
		},
		[]string{"capability", "result"},
	)

	Exhaustions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_gateway_exhaustions_total",
			Help: "Resolutions that found no eligible provider",
		},
		[]string{"capability"},
	)

	DegradedMode = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "provider_gateway_degraded_mode",
			Help: "1 while at least one capability has no healthy provider",
		},
	)

	CostRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "provider_gateway_cost_ratio",
			Help: "API cost to revenue ratio of the latest snapshot",
		},
	)

	InterlockActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "provider_gateway_downgrade_interlock_active",
			Help: "1 while paid traffic is downgraded to trial providers",
		},
	)

	QuotaUtilization = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "provider_gateway_quota_utilization_percent",
			Help: "Daily quota utilization per provider",
		},
		[]string{"provider"},
	)
)

var statuses = []string{"active", "degraded", "recovering", "deprecated"}

// SetProviderStatus flips the status gauge of a provider to current.
func SetProviderStatus(providerID, current string) {
	for _, s := range statuses {
		v := 0.0
		if s == current {
			v = 1
		}
		ProviderStatus.WithLabelValues(providerID, s).Set(v)
	}
}

func Bool(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
