package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/vnmchuo/provider-gateway/internal/provider"
)

// Catalog is the provider list read from PROVIDER_CATALOG. Secrets are never
// written into the file; entries name the environment variable holding them.
type Catalog struct {
	TTLs      map[string]time.Duration `yaml:"cache_ttls" validate:"dive,keys,oneof=location weather diagnostics,endkeys,gte=0"`
	Providers []CatalogEntry           `yaml:"providers" validate:"required,min=1,dive"`
}

type CatalogEntry struct {
	ID             string            `yaml:"id" validate:"required,max=64"`
	Name           string            `yaml:"name" validate:"required"`
	Capability     string            `yaml:"capability" validate:"required,oneof=location weather diagnostics"`
	Tier           string            `yaml:"tier" validate:"required,oneof=trial paid"`
	Adapter        string            `yaml:"adapter" validate:"required"`
	BaseURL        string            `yaml:"base_url" validate:"omitempty,url"`
	APIKeyEnv      string            `yaml:"api_key_env"`
	Timeout        time.Duration     `yaml:"timeout" validate:"gte=0"`
	Options        map[string]string `yaml:"options"`
	CostPerRequest float64           `yaml:"cost_per_request" validate:"gte=0"`
	DailyLimit     int64             `yaml:"daily_limit" validate:"gte=0"`
	MonthlyLimit   int64             `yaml:"monthly_limit" validate:"gte=0"`
	Priority       int               `yaml:"priority" validate:"gte=0"`
	Disabled       bool              `yaml:"disabled"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadCatalog reads and validates the YAML catalog at path.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if err := validate.Struct(&c); err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}

	seen := make(map[string]bool, len(c.Providers))
	for _, e := range c.Providers {
		if seen[e.ID] {
			return nil, fmt.Errorf("invalid catalog: duplicate provider id %q", e.ID)
		}
		seen[e.ID] = true
	}
	return &c, nil
}

// Configs converts the entries to provider configs, resolving API keys from
// the environment.
func (c *Catalog) Configs() []provider.Config {
	out := make([]provider.Config, 0, len(c.Providers))
	for _, e := range c.Providers {
		var apiKey string
		if e.APIKeyEnv != "" {
			apiKey = os.Getenv(e.APIKeyEnv)
		}
		out = append(out, provider.Config{
			ID:         e.ID,
			Name:       e.Name,
			Capability: provider.Capability(e.Capability),
			Tier:       provider.Tier(e.Tier),
			Adapter:    strings.ToLower(e.Adapter),
			Endpoint: provider.Endpoint{
				BaseURL: e.BaseURL,
				APIKey:  apiKey,
				Timeout: e.Timeout,
				Options: e.Options,
			},
			CostPerRequest: e.CostPerRequest,
			DailyLimit:     e.DailyLimit,
			MonthlyLimit:   e.MonthlyLimit,
			Priority:       e.Priority,
			Enabled:        !e.Disabled,
			Status:         provider.StatusActive,
		})
	}
	return out
}

// CacheTTLs returns the per-capability TTL overrides from the catalog.
func (c *Catalog) CacheTTLs() map[provider.Capability]time.Duration {
	out := make(map[provider.Capability]time.Duration, len(c.TTLs))
	for k, v := range c.TTLs {
		out[provider.Capability(k)] = v
	}
	return out
}
