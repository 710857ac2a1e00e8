// Package cache stores normalized provider responses keyed by capability
// and request parameters.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vnmchuo/provider-gateway/internal/provider"
)

var ErrMiss = errors.New("cache miss")

// Store is a cache backend. Put never replaces a live entry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// Key builds the canonical cache key of a request: the capability followed by
// a sha256 over the escaped, sorted parameters. Parameter names are compared
// case-insensitively and values are trimmed; numeric values are canonicalised
// so that "-74.0060" and "-74.006" share an entry.
func Key(capability provider.Capability, params map[string]string) string {
	raw := make([]string, 0, len(params))
	for k := range params {
		raw = append(raw, k)
	}
	sort.Strings(raw)

	norm := make(map[string]string, len(params))
	names := make([]string, 0, len(params))
	for _, k := range raw {
		name := strings.ToLower(strings.TrimSpace(k))
		if name == "" {
			continue
		}
		if _, dup := norm[name]; dup {
			continue
		}
		names = append(names, name)
		norm[name] = canonical(params[k])
	}
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		h.Write([]byte(url.QueryEscape(name)))
		h.Write([]byte{'='})
		h.Write([]byte(url.QueryEscape(norm[name])))
		h.Write([]byte{'&'})
	}
	return string(capability) + ":" + hex.EncodeToString(h.Sum(nil))
}

func canonical(v string) string {
	v = strings.TrimSpace(v)
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return v
}

// TTLs maps a capability to how long its responses stay fresh.
type TTLs map[provider.Capability]time.Duration

func DefaultTTLs() TTLs {
	return TTLs{
		provider.CapabilityWeather:     10 * time.Minute,
		provider.CapabilityLocation:    time.Hour,
		provider.CapabilityDiagnostics: 5 * time.Minute,
	}
}

// Cache applies per-capability TTLs on top of a Store and turns backend
// errors into misses.
type Cache struct {
	store  Store
	ttls   TTLs
	logger *zap.Logger
}

func New(store Store, ttls TTLs, logger *zap.Logger) *Cache {
	if ttls == nil {
		ttls = DefaultTTLs()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{store: store, ttls: ttls, logger: logger}
}

// Get reports a hit with the stored value. Any backend error is a miss.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	v, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			c.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	return v, true
}

// Put stores value under the TTL of capability. A zero TTL disables caching.
func (c *Cache) Put(ctx context.Context, capability provider.Capability, key string, value []byte) {
	ttl := c.ttls[capability]
	if ttl <= 0 {
		return
	}
	if err := c.store.Put(ctx, key, value, ttl); err != nil {
		c.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *Cache) Invalidate(ctx context.Context, key string) error {
	return c.store.Invalidate(ctx, key)
}

func (c *Cache) Clear(ctx context.Context) error {
	return c.store.Clear(ctx)
}
