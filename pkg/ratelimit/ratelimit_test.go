package ratelimit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

type countingStore struct {
	limit int
	seen  map[string]int
	err   error
}

func (c *countingStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.seen[key] += n
	return &extratelimit.Result{Allowed: c.seen[key] <= c.limit}, nil
}

func (c *countingStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return c.AllowN(ctx, key, 1)
}

func (c *countingStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: c.seen[key] < c.limit}, c.err
}

func TestLimiter_PerTenantBudget(t *testing.T) {
	store := &countingStore{limit: 2, seen: map[string]int{}}
	l := NewTestLimiter(store)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "acme")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := l.Allow(ctx, "acme")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.Allow(ctx, "globex")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Contains(t, store.seen, "ratelimit:tenant:acme")
}

func TestLimiter_StoreError(t *testing.T) {
	l := NewTestLimiter(&countingStore{err: errors.New("redis down"), seen: map[string]int{}})
	ok, err := l.Allow(context.Background(), "acme")
	assert.Error(t, err)
	assert.False(t, ok)
}
