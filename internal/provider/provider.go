package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"
	"time"
)

type Capability string

const (
	CapabilityLocation    Capability = "location"
	CapabilityWeather     Capability = "weather"
	CapabilityDiagnostics Capability = "diagnostics"
)

func (c Capability) Valid() bool {
	switch c {
	case CapabilityLocation, CapabilityWeather, CapabilityDiagnostics:
		return true
	}
	return false
}

type Tier string

const (
	TierTrial Tier = "trial"
	TierPaid  Tier = "paid"
)

func (t Tier) Valid() bool {
	return t == TierTrial || t == TierPaid
}

type Status string

const (
	StatusActive     Status = "active"
	StatusDegraded   Status = "degraded"
	StatusRecovering Status = "recovering"
	StatusDeprecated Status = "deprecated"
)

// Endpoint is the outbound connection config of a single provider.
type Endpoint struct {
	BaseURL string            `json:"base_url" yaml:"base_url"`
	APIKey  string            `json:"-" yaml:"api_key"`
	Timeout time.Duration     `json:"timeout" yaml:"timeout"`
	Options map[string]string `json:"options,omitempty" yaml:"options"`
}

// Config is the catalog entry of a provider. RequestsToday and
// RequestsMonth are view fields filled from the usage tracker.
type Config struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Capability     Capability `json:"capability"`
	Tier           Tier       `json:"tier"`
	Adapter        string     `json:"adapter"`
	Endpoint       Endpoint   `json:"endpoint"`
	CostPerRequest float64    `json:"cost_per_request"`
	DailyLimit     int64      `json:"daily_limit"`
	MonthlyLimit   int64      `json:"monthly_limit"`
	Priority       int        `json:"priority"`
	Enabled        bool       `json:"enabled"`
	Status         Status     `json:"status"`
	RequestsToday  int64      `json:"requests_today"`
	RequestsMonth  int64      `json:"requests_month"`
}

type Request struct {
	Capability Capability
	Params     map[string]string
	Tier       Tier
	// Metadata for routing decisions
	TenantID  string
	RequestID string
}

// RawResponse is what an adapter received on the wire before normalization.
type RawResponse struct {
	StatusCode int
	Body       []byte
}

type Response struct {
	ProviderID   string          `json:"provider_id"`
	ProviderName string          `json:"provider"`
	Capability   Capability      `json:"capability"`
	Tier         Tier            `json:"tier"`
	Payload      json.RawMessage `json:"payload"`
	LatencyMs    int64           `json:"latency_ms"`
	Cached       bool            `json:"cached"`
	Downgraded   bool            `json:"downgraded"`
}

// Adapter hides the auth scheme and payload shape of one concrete provider.
type Adapter interface {
	Authenticate(ctx context.Context) error
	Call(ctx context.Context, req *Request) (*RawResponse, error)
	ParseResponse(raw *RawResponse) (json.RawMessage, error)
}

// Invoke runs the adapter contract end to end and returns the normalized payload.
func Invoke(ctx context.Context, a Adapter, req *Request) (json.RawMessage, error) {
	if err := a.Authenticate(ctx); err != nil {
		return nil, err
	}
	raw, err := a.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	return a.ParseResponse(raw)
}

// Factory builds an adapter for a catalog entry.
type Factory func(cfg Config) (Adapter, error)

// Pool lazily builds and memoizes one adapter per provider id. An adapter
// is rebuilt when the entry it was built from changes its name, adapter
// kind or endpoint.
type Pool struct {
	mu        sync.Mutex
	factories map[string]Factory
	adapters  map[string]pooled
}

type pooled struct {
	adapter Adapter
	// from is nil for adapters installed with Set.
	from *Config
}

func NewPool(factories map[string]Factory) *Pool {
	return &Pool{
		factories: factories,
		adapters:  make(map[string]pooled),
	}
}

// Set registers a prebuilt adapter for a provider id, replacing any cached one.
func (p *Pool) Set(providerID string, a Adapter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.adapters[providerID] = pooled{adapter: a}
}

func (p *Pool) Adapter(cfg Config) (Adapter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.adapters[cfg.ID]; ok && (e.from == nil || sameBuild(*e.from, cfg)) {
		return e.adapter, nil
	}
	factory, ok := p.factories[cfg.Adapter]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for kind %q (provider %s)", cfg.Adapter, cfg.ID)
	}
	a, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build adapter for %s: %w", cfg.ID, err)
	}
	from := cfg
	from.Endpoint.Options = maps.Clone(cfg.Endpoint.Options)
	p.adapters[cfg.ID] = pooled{adapter: a, from: &from}
	return a, nil
}

// sameBuild reports whether an adapter built from a still serves b.
func sameBuild(a, b Config) bool {
	return a.Name == b.Name &&
		a.Adapter == b.Adapter &&
		a.Endpoint.BaseURL == b.Endpoint.BaseURL &&
		a.Endpoint.APIKey == b.Endpoint.APIKey &&
		a.Endpoint.Timeout == b.Endpoint.Timeout &&
		maps.Equal(a.Endpoint.Options, b.Endpoint.Options)
}
