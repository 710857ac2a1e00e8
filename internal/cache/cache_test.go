package cache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/provider-gateway/internal/clock"
	"github.com/vnmchuo/provider-gateway/internal/provider"
)

func TestKey_Normalization(t *testing.T) {
	a := Key(provider.CapabilityWeather, map[string]string{"lat": "40.7128", "lon": "-74.0060"})
	b := Key(provider.CapabilityWeather, map[string]string{"LON": " -74.006 ", "Lat": "40.71280"})
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "weather:"))

	c := Key(provider.CapabilityLocation, map[string]string{"lat": "40.7128", "lon": "-74.0060"})
	assert.NotEqual(t, a, c, "capability is part of the key")

	assert.Equal(t,
		Key(provider.CapabilityLocation, map[string]string{"q": "Main St"}),
		Key(provider.CapabilityLocation, map[string]string{"q": "  Main St "}),
	)
	assert.NotEqual(t, Key(provider.CapabilityDiagnostics, nil), Key(provider.CapabilityDiagnostics, map[string]string{"device": ""}))
}

func TestKey_DistinctRequestsNeverCollide(t *testing.T) {
	injected := Key(provider.CapabilityLocation, map[string]string{"lat": "48.85", "lon": "2.35|q=Berlin"})
	genuine := Key(provider.CapabilityLocation, map[string]string{"lat": "48.85", "lon": "2.35", "q": "Berlin"})
	assert.NotEqual(t, injected, genuine)

	assert.NotEqual(t,
		Key(provider.CapabilityWeather, map[string]string{"a": "1&b=2"}),
		Key(provider.CapabilityWeather, map[string]string{"a": "1", "b": "2"}),
	)
	assert.NotEqual(t,
		Key(provider.CapabilityWeather, map[string]string{"a=b": "c"}),
		Key(provider.CapabilityWeather, map[string]string{"a": "b=c"}),
	)
}

func TestKey_CaseVariantNamesAreDeterministic(t *testing.T) {
	params := map[string]string{"Lat": "1", "lat": "2", "LAT": "3"}
	first := Key(provider.CapabilityWeather, params)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, Key(provider.CapabilityWeather, params))
	}
}

func TestMemoryStore_ExpiresLazily(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC))
	m := NewMemoryStore(clk)
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, "k", []byte("v1"), time.Minute))

	v, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)

	clk.Advance(time.Minute)
	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
	assert.Equal(t, 0, m.Len())
}

func TestMemoryStore_PutKeepsLiveEntry(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC))
	m := NewMemoryStore(clk)
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, "k", []byte("first"), time.Minute))
	require.NoError(t, m.Put(ctx, "k", []byte("second"), time.Minute))
	v, _ := m.Get(ctx, "k")
	assert.Equal(t, []byte("first"), v)

	clk.Advance(2 * time.Minute)
	require.NoError(t, m.Put(ctx, "k", []byte("third"), time.Minute))
	v, _ = m.Get(ctx, "k")
	assert.Equal(t, []byte("third"), v)
}

func TestMemoryStore_InvalidateAndClear(t *testing.T) {
	m := NewMemoryStore(nil)
	ctx := context.Background()
	require.NoError(t, m.Put(ctx, "a", []byte("1"), time.Hour))
	require.NoError(t, m.Put(ctx, "b", []byte("2"), time.Hour))

	require.NoError(t, m.Invalidate(ctx, "a"))
	_, err := m.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, m.Clear(ctx))
	assert.Equal(t, 0, m.Len())
}

func TestCache_TTLPerCapability(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC))
	c := New(NewMemoryStore(clk), nil, nil)
	ctx := context.Background()

	weather := Key(provider.CapabilityWeather, map[string]string{"lat": "1", "lon": "2"})
	location := Key(provider.CapabilityLocation, map[string]string{"q": "x"})
	c.Put(ctx, provider.CapabilityWeather, weather, []byte("w"))
	c.Put(ctx, provider.CapabilityLocation, location, []byte("l"))

	clk.Advance(11 * time.Minute)
	_, hit := c.Get(ctx, weather)
	assert.False(t, hit)
	v, hit := c.Get(ctx, location)
	assert.True(t, hit)
	assert.Equal(t, []byte("l"), v)
}

func TestCache_ZeroTTLDisablesCaching(t *testing.T) {
	c := New(NewMemoryStore(nil), TTLs{provider.CapabilityDiagnostics: 0}, nil)
	ctx := context.Background()

	c.Put(ctx, provider.CapabilityDiagnostics, "k", []byte("v"))
	_, hit := c.Get(ctx, "k")
	assert.False(t, hit)
}

func TestRedisStore_UnreachableIsMissAndTripsBreaker(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	store := NewRedisStore(client)
	c := New(store, nil, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, hit := c.Get(ctx, "k")
		assert.False(t, hit)
	}
	assert.Equal(t, gobreaker.StateOpen.String(), store.State())

	_, err := store.Get(ctx, "k")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)

	c.Put(ctx, provider.CapabilityWeather, "k", []byte("v"))
}
