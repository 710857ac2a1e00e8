package seeder

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/vnmchuo/provider-gateway/internal/auth"
	"github.com/vnmchuo/provider-gateway/internal/provider"
)

const (
	TestTenantID = "00000000-0000-0000-0000-000000000001"

	TestTrialKey = "test-trial-key-12345"
	TestPaidKey  = "test-paid-key-12345"
	TestAdminKey = "test-admin-key-12345"
)

type Registrar interface {
	Register(ctx context.Context, cfg provider.Config) error
}

type Tracker interface {
	Track(providerID string, dailyLimit, monthlyLimit int64)
}

// SyncCatalog registers every catalog entry and its quota limits. A failing
// entry aborts the sync; the registry keeps whatever was registered before it.
func SyncCatalog(ctx context.Context, reg Registrar, tracker Tracker, cfgs []provider.Config, logger *zap.Logger) error {
	for _, cfg := range cfgs {
		if err := reg.Register(ctx, cfg); err != nil {
			return fmt.Errorf("register %s: %w", cfg.ID, err)
		}
		tracker.Track(cfg.ID, cfg.DailyLimit, cfg.MonthlyLimit)
		logger.Debug("provider registered",
			zap.String("provider_id", cfg.ID),
			zap.String("capability", string(cfg.Capability)),
			zap.String("tier", string(cfg.Tier)),
		)
	}
	logger.Info("provider catalog synced", zap.Int("providers", len(cfgs)))
	return nil
}

// SeedTestAPIKeys creates one trial, one paid and one admin key for local
// development. Keys that already exist are skipped.
func SeedTestAPIKeys(ctx context.Context, store auth.Store, logger *zap.Logger) int {
	keys := []struct {
		raw   string
		tier  provider.Tier
		admin bool
	}{
		{TestTrialKey, provider.TierTrial, false},
		{TestPaidKey, provider.TierPaid, false},
		{TestAdminKey, provider.TierPaid, true},
	}

	created := 0
	for _, k := range keys {
		apiKey := &auth.APIKey{
			TenantID:  TestTenantID,
			KeyHash:   auth.HashKey(k.raw),
			Tier:      k.tier,
			Admin:     k.admin,
			RateLimit: 1000000,
			Active:    true,
		}
		if err := store.Create(ctx, apiKey); err != nil {
			logger.Info("api key may already exist, skipping", zap.String("tier", string(k.tier)), zap.Error(err))
			continue
		}
		created++
		logger.Info("test api key created",
			zap.String("key", k.raw),
			zap.String("tier", string(k.tier)),
			zap.Bool("admin", k.admin),
			zap.String("tenant_id", TestTenantID),
		)
	}
	return created
}
