package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vnmchuo/provider-gateway/internal/provider"
)

var ErrKeyNotFound = errors.New("api key not found")

type APIKey struct {
	ID        string        `json:"id"`
	TenantID  string        `json:"tenant_id"`
	KeyHash   string        `json:"key_hash"`
	Tier      provider.Tier `json:"tier"`
	Admin     bool          `json:"admin"`
	RateLimit int64         `json:"rate_limit"` // max requests per minute
	Active    bool          `json:"active"`
	CreatedAt time.Time     `json:"created_at"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (a *APIKey) MarshalBinary() ([]byte, error) {
	return json.Marshal(a)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (a *APIKey) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, a)
}

type Store interface {
	GetByKey(ctx context.Context, key string) (*APIKey, error)
	Create(ctx context.Context, apiKey *APIKey) error
	Revoke(ctx context.Context, keyID string) error
}

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	tenantIDKey  contextKey = "tenant_id"
	apiKeyIDKey  contextKey = "api_key_id"
	requestIDKey contextKey = "request_id"
	tierKey      contextKey = "tier"
	adminKey     contextKey = "admin"
)

func HashKey(key string) string {
	h := sha256.New()
	h.Write([]byte(key))
	return hex.EncodeToString(h.Sum(nil))
}

// NewMiddleware authenticates bearer keys. Lookups are cached in Redis for
// five minutes when cache is non-nil.
func NewMiddleware(store Store, cache *redis.Client, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			// Generate RequestID
			requestID := uuid.New().String()
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			w.Header().Set("X-Request-ID", requestID)

			// Extract Authorization header
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				http.Error(w, "Unauthorized: missing or invalid Authorization header", http.StatusUnauthorized)
				return
			}
			key := strings.TrimPrefix(authHeader, "Bearer ")
			redisKey := fmt.Sprintf("auth:%s", HashKey(key))

			if cache != nil {
				var apiKey APIKey
				err := cache.Get(ctx, redisKey).Scan(&apiKey)
				if err == nil {
					next.ServeHTTP(w, r.WithContext(withKey(ctx, &apiKey)))
					return
				} else if !errors.Is(err, redis.Nil) {
					logger.Warn("auth cache read failed", zap.Error(err))
				}
			}

			// Cache miss or error: lookup in store
			apiK, err := store.GetByKey(ctx, key)
			if err != nil {
				if errors.Is(err, ErrKeyNotFound) {
					http.Error(w, "Unauthorized: invalid API key", http.StatusUnauthorized)
					return
				}
				logger.Error("api key lookup failed", zap.Error(err))
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			if cache != nil {
				_ = cache.Set(ctx, redisKey, apiK, 5*time.Minute).Err()
			}

			next.ServeHTTP(w, r.WithContext(withKey(ctx, apiK)))
		})
	}
}

// RequireAdmin rejects requests whose key lacks the admin flag. It must run
// after the authentication middleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !IsAdmin(r.Context()) {
			http.Error(w, "Forbidden: admin key required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func withKey(ctx context.Context, k *APIKey) context.Context {
	tier := k.Tier
	if !tier.Valid() {
		tier = provider.TierTrial
	}
	ctx = context.WithValue(ctx, tenantIDKey, k.TenantID)
	ctx = context.WithValue(ctx, apiKeyIDKey, k.ID)
	ctx = context.WithValue(ctx, tierKey, tier)
	ctx = context.WithValue(ctx, adminKey, k.Admin)
	return ctx
}

// Helpers to extract from context
func GetTenantID(ctx context.Context) string {
	if id, ok := ctx.Value(tenantIDKey).(string); ok {
		return id
	}
	return ""
}

func GetAPIKeyID(ctx context.Context) string {
	if id, ok := ctx.Value(apiKeyIDKey).(string); ok {
		return id
	}
	return ""
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// GetTier returns the caller's tier, trial when unknown.
func GetTier(ctx context.Context) provider.Tier {
	if t, ok := ctx.Value(tierKey).(provider.Tier); ok {
		return t
	}
	return provider.TierTrial
}

func IsAdmin(ctx context.Context) bool {
	admin, _ := ctx.Value(adminKey).(bool)
	return admin
}

// Helpers for testing
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func WithAPIKeyID(ctx context.Context, apiKeyID string) context.Context {
	return context.WithValue(ctx, apiKeyIDKey, apiKeyID)
}

func WithTier(ctx context.Context, tier provider.Tier) context.Context {
	return context.WithValue(ctx, tierKey, tier)
}

func WithAdmin(ctx context.Context, admin bool) context.Context {
	return context.WithValue(ctx, adminKey, admin)
}
