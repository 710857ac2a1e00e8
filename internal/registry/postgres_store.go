package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vnmchuo/provider-gateway/internal/provider"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) ListProviders(ctx context.Context) ([]provider.Config, error) {
	query := `
		SELECT id, name, capability, tier, adapter, base_url, options, timeout_ms,
		       cost_per_request, daily_limit, monthly_limit, priority, enabled, status
		FROM providers
		ORDER BY id
	`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query providers: %w", err)
	}
	defer rows.Close()

	var cfgs []provider.Config
	for rows.Next() {
		var (
			c         provider.Config
			options   []byte
			timeoutMs int64
		)
		err := rows.Scan(
			&c.ID, &c.Name, &c.Capability, &c.Tier, &c.Adapter, &c.Endpoint.BaseURL, &options, &timeoutMs,
			&c.CostPerRequest, &c.DailyLimit, &c.MonthlyLimit, &c.Priority, &c.Enabled, &c.Status,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan provider: %w", err)
		}
		if len(options) > 0 {
			if err := json.Unmarshal(options, &c.Endpoint.Options); err != nil {
				return nil, fmt.Errorf("failed to decode options for %s: %w", c.ID, err)
			}
		}
		c.Endpoint.Timeout = time.Duration(timeoutMs) * time.Millisecond
		cfgs = append(cfgs, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating providers: %w", err)
	}

	return cfgs, nil
}

// SaveProvider upserts everything but the API key, which only ever lives in
// the catalog file or environment.
func (s *PostgresStore) SaveProvider(ctx context.Context, c provider.Config) error {
	options, err := json.Marshal(c.Endpoint.Options)
	if err != nil {
		return fmt.Errorf("failed to encode options: %w", err)
	}

	query := `
		INSERT INTO providers (id, name, capability, tier, adapter, base_url, options, timeout_ms,
		                       cost_per_request, daily_limit, monthly_limit, priority, enabled, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			capability = EXCLUDED.capability,
			tier = EXCLUDED.tier,
			adapter = EXCLUDED.adapter,
			base_url = EXCLUDED.base_url,
			options = EXCLUDED.options,
			timeout_ms = EXCLUDED.timeout_ms,
			cost_per_request = EXCLUDED.cost_per_request,
			daily_limit = EXCLUDED.daily_limit,
			monthly_limit = EXCLUDED.monthly_limit,
			priority = EXCLUDED.priority,
			enabled = EXCLUDED.enabled,
			status = EXCLUDED.status,
			updated_at = NOW()
	`
	_, err = s.db.Exec(ctx, query,
		c.ID, c.Name, string(c.Capability), string(c.Tier), c.Adapter, c.Endpoint.BaseURL, options,
		c.Endpoint.Timeout.Milliseconds(), c.CostPerRequest, c.DailyLimit, c.MonthlyLimit, c.Priority,
		c.Enabled, string(c.Status),
	)
	if err != nil {
		return fmt.Errorf("failed to save provider: %w", err)
	}

	return nil
}
