package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter caps capability requests per tenant per minute. It is a thin
// wrapper around github.com/vnmchuo/ratelimiter.
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, requestsPerMinute int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(requestsPerMinute)),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

func key(tenantID string) string {
	return fmt.Sprintf("ratelimit:tenant:%s", tenantID)
}

// Allow takes one request from the tenant's budget.
func (l *Limiter) Allow(ctx context.Context, tenantID string) (bool, error) {
	res, err := l.store.Allow(ctx, key(tenantID))
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

func (l *Limiter) Status(ctx context.Context, tenantID string) (*extratelimit.Result, error) {
	return l.store.Status(ctx, key(tenantID))
}
