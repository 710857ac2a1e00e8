package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vnmchuo/provider-gateway/internal/auth"
	"github.com/vnmchuo/provider-gateway/internal/billing"
	"github.com/vnmchuo/provider-gateway/internal/costguard"
	"github.com/vnmchuo/provider-gateway/internal/provider"
	"github.com/vnmchuo/provider-gateway/internal/registry"
	"github.com/vnmchuo/provider-gateway/internal/routing"
	"github.com/vnmchuo/provider-gateway/internal/usage"
)

var (
	_ auth.Store      = (*DB)(nil)
	_ billing.Store   = (*DB)(nil)
	_ costguard.Store = (*DB)(nil)
	_ registry.Store  = (*DB)(nil)
	_ routing.Store   = (*DB)(nil)
	_ usage.Store     = (*DB)(nil)
)

// Providers

func (db *DB) ListProviders(ctx context.Context) ([]provider.Config, error) {
	query := `
		SELECT id, name, capability, tier, adapter, base_url, options, timeout_ms,
		       cost_per_request, daily_limit, monthly_limit, priority, enabled, status
		FROM providers
		ORDER BY id
	`
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query providers: %w", err)
	}
	defer rows.Close()

	var cfgs []provider.Config
	for rows.Next() {
		var (
			c                    provider.Config
			capability, tier, st string
			options              string
			timeoutMs            int64
		)
		err := rows.Scan(
			&c.ID, &c.Name, &capability, &tier, &c.Adapter, &c.Endpoint.BaseURL, &options, &timeoutMs,
			&c.CostPerRequest, &c.DailyLimit, &c.MonthlyLimit, &c.Priority, &c.Enabled, &st,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan provider: %w", err)
		}
		c.Capability = provider.Capability(capability)
		c.Tier = provider.Tier(tier)
		c.Status = provider.Status(st)
		c.Endpoint.Timeout = time.Duration(timeoutMs) * time.Millisecond
		if options != "" && options != "null" {
			if err := json.Unmarshal([]byte(options), &c.Endpoint.Options); err != nil {
				return nil, fmt.Errorf("failed to decode options for %s: %w", c.ID, err)
			}
		}
		cfgs = append(cfgs, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating providers: %w", err)
	}

	return cfgs, nil
}

func (db *DB) SaveProvider(ctx context.Context, c provider.Config) error {
	options, err := json.Marshal(c.Endpoint.Options)
	if err != nil {
		return fmt.Errorf("failed to encode options: %w", err)
	}

	query := `
		INSERT INTO providers (id, name, capability, tier, adapter, base_url, options, timeout_ms,
		                       cost_per_request, daily_limit, monthly_limit, priority, enabled, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			capability = excluded.capability,
			tier = excluded.tier,
			adapter = excluded.adapter,
			base_url = excluded.base_url,
			options = excluded.options,
			timeout_ms = excluded.timeout_ms,
			cost_per_request = excluded.cost_per_request,
			daily_limit = excluded.daily_limit,
			monthly_limit = excluded.monthly_limit,
			priority = excluded.priority,
			enabled = excluded.enabled,
			status = excluded.status,
			updated_at = excluded.updated_at
	`
	_, err = db.ExecContext(ctx, query,
		c.ID, c.Name, string(c.Capability), string(c.Tier), c.Adapter, c.Endpoint.BaseURL, string(options),
		c.Endpoint.Timeout.Milliseconds(), c.CostPerRequest, c.DailyLimit, c.MonthlyLimit, c.Priority,
		c.Enabled, string(c.Status), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to save provider: %w", err)
	}

	return nil
}

// Usage

func (db *DB) AddUsage(ctx context.Context, providerID, date string, calls, failures int64) error {
	query := `
		INSERT INTO usage_records (provider_id, date, calls, failures)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (provider_id, date) DO UPDATE SET
			calls = usage_records.calls + excluded.calls,
			failures = usage_records.failures + excluded.failures
	`
	if _, err := db.ExecContext(ctx, query, providerID, date, calls, failures); err != nil {
		return fmt.Errorf("failed to add usage: %w", err)
	}
	return nil
}

func (db *DB) LoadUsage(ctx context.Context, sinceDate string) ([]usage.Record, error) {
	query := `
		SELECT provider_id, date, calls, failures
		FROM usage_records
		WHERE date >= ?
		ORDER BY date, provider_id
	`
	rows, err := db.QueryContext(ctx, query, sinceDate)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage records: %w", err)
	}
	defer rows.Close()

	var records []usage.Record
	for rows.Next() {
		var r usage.Record
		if err := rows.Scan(&r.ProviderID, &r.Date, &r.Calls, &r.Failures); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage records: %w", err)
	}

	return records, nil
}

// Failure states

func (db *DB) SaveFailureState(ctx context.Context, st routing.FailureState) error {
	query := `
		INSERT INTO failure_states (provider_id, state, consecutive_failures, window_start, cooldown_until, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider_id) DO UPDATE SET
			state = excluded.state,
			consecutive_failures = excluded.consecutive_failures,
			window_start = excluded.window_start,
			cooldown_until = excluded.cooldown_until,
			updated_at = excluded.updated_at
	`
	_, err := db.ExecContext(ctx, query,
		st.ProviderID, string(st.State), st.ConsecutiveFailures,
		formatNullTime(st.WindowStart), formatNullTime(st.CooldownUntil), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to save failure state: %w", err)
	}
	return nil
}

func (db *DB) ListFailureStates(ctx context.Context) ([]routing.FailureState, error) {
	query := `
		SELECT provider_id, state, consecutive_failures, window_start, cooldown_until
		FROM failure_states
		ORDER BY provider_id
	`
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query failure states: %w", err)
	}
	defer rows.Close()

	var states []routing.FailureState
	for rows.Next() {
		var (
			st                    routing.FailureState
			state                 string
			windowStart, cooldown sql.NullString
		)
		if err := rows.Scan(&st.ProviderID, &state, &st.ConsecutiveFailures, &windowStart, &cooldown); err != nil {
			return nil, fmt.Errorf("failed to scan failure state: %w", err)
		}
		st.State = provider.Status(state)
		if st.WindowStart, err = parseNullTime(windowStart); err != nil {
			return nil, err
		}
		if st.CooldownUntil, err = parseNullTime(cooldown); err != nil {
			return nil, err
		}
		states = append(states, st)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating failure states: %w", err)
	}

	return states, nil
}

// Cost monitor

func (db *DB) AppendSnapshot(ctx context.Context, s costguard.Snapshot) error {
	query := `
		INSERT INTO cost_snapshots (id, date, period, api_cost, revenue, ratio, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, query, s.ID, s.Date, s.Period, s.APICost, s.Revenue, s.Ratio, formatTime(s.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert cost snapshot: %w", err)
	}
	return nil
}

func (db *DB) ListSnapshots(ctx context.Context) ([]costguard.Snapshot, error) {
	query := `
		SELECT id, date, period, api_cost, revenue, ratio, created_at
		FROM cost_snapshots
		ORDER BY created_at, id
	`
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query cost snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []costguard.Snapshot
	for rows.Next() {
		var (
			s         costguard.Snapshot
			createdAt string
		)
		if err := rows.Scan(&s.ID, &s.Date, &s.Period, &s.APICost, &s.Revenue, &s.Ratio, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan cost snapshot: %w", err)
		}
		if s.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		snaps = append(snaps, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cost snapshots: %w", err)
	}

	return snaps, nil
}

func (db *DB) AppendAlert(ctx context.Context, a costguard.Alert) error {
	query := `
		INSERT INTO cost_alerts (id, kind, snapshot_id, ratio, threshold, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, query, a.ID, string(a.Kind), a.SnapshotID, a.Ratio, a.Threshold, formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert cost alert: %w", err)
	}
	return nil
}

func (db *DB) ListAlerts(ctx context.Context) ([]costguard.Alert, error) {
	query := `
		SELECT id, kind, snapshot_id, ratio, threshold, created_at
		FROM cost_alerts
		ORDER BY created_at, id
	`
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query cost alerts: %w", err)
	}
	defer rows.Close()

	var alerts []costguard.Alert
	for rows.Next() {
		var (
			a               costguard.Alert
			kind, createdAt string
		)
		if err := rows.Scan(&a.ID, &kind, &a.SnapshotID, &a.Ratio, &a.Threshold, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan cost alert: %w", err)
		}
		a.Kind = costguard.AlertKind(kind)
		if a.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cost alerts: %w", err)
	}

	return alerts, nil
}

func (db *DB) SaveInterlock(ctx context.Context, il costguard.Interlock) error {
	query := `
		INSERT INTO downgrade_interlock (id, active, since, triggering_snapshot_id, ratio, updated_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			active = excluded.active,
			since = excluded.since,
			triggering_snapshot_id = excluded.triggering_snapshot_id,
			ratio = excluded.ratio,
			updated_at = excluded.updated_at
	`
	_, err := db.ExecContext(ctx, query, il.Active, formatNullTime(il.Since), il.TriggeringSnapshotID, il.Ratio, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save interlock: %w", err)
	}
	return nil
}

func (db *DB) LoadInterlock(ctx context.Context) (costguard.Interlock, error) {
	query := `
		SELECT active, since, triggering_snapshot_id, ratio
		FROM downgrade_interlock
		WHERE id = 1
	`
	var (
		il    costguard.Interlock
		since sql.NullString
	)
	err := db.QueryRowContext(ctx, query).Scan(&il.Active, &since, &il.TriggeringSnapshotID, &il.Ratio)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return costguard.Interlock{}, nil
		}
		return costguard.Interlock{}, fmt.Errorf("failed to load interlock: %w", err)
	}
	if il.Since, err = parseNullTime(since); err != nil {
		return costguard.Interlock{}, err
	}
	return il, nil
}

// Ledger

func (db *DB) Record(ctx context.Context, e *billing.Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO ledger_entries (id, kind, tenant_id, request_id, provider_id, capability, amount_usd, latency_ms, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, query,
		e.ID, string(e.Kind), e.TenantID, e.RequestID, e.ProviderID, e.Capability,
		e.AmountUSD, e.LatencyMs, e.Note, formatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record ledger entry: %w", err)
	}
	return nil
}

func (db *DB) ListByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*billing.Entry, error) {
	query := `
		SELECT id, kind, tenant_id, request_id, provider_id, capability, amount_usd, latency_ms, note, created_at
		FROM ledger_entries
		WHERE tenant_id = ? AND created_at BETWEEN ? AND ?
		ORDER BY created_at DESC, id
	`
	rows, err := db.QueryContext(ctx, query, tenantID, formatTime(from), formatTime(to))
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []*billing.Entry
	for rows.Next() {
		var (
			e               billing.Entry
			kind, createdAt string
		)
		err := rows.Scan(
			&e.ID, &kind, &e.TenantID, &e.RequestID, &e.ProviderID, &e.Capability,
			&e.AmountUSD, &e.LatencyMs, &e.Note, &createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.Kind = billing.Kind(kind)
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger entries: %w", err)
	}

	return entries, nil
}

func (db *DB) Totals(ctx context.Context, from, to time.Time) (billing.Totals, error) {
	query := `
		SELECT
			COALESCE(SUM(CASE WHEN kind = 'spend' THEN amount_usd ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN kind = 'revenue' THEN amount_usd ELSE 0 END), 0)
		FROM ledger_entries
		WHERE created_at >= ? AND created_at < ?
	`
	var t billing.Totals
	if err := db.QueryRowContext(ctx, query, formatTime(from), formatTime(to)).Scan(&t.SpendUSD, &t.RevenueUSD); err != nil {
		return billing.Totals{}, fmt.Errorf("failed to get ledger totals: %w", err)
	}
	return t, nil
}

// API keys

func (db *DB) GetByKey(ctx context.Context, key string) (*auth.APIKey, error) {
	query := `
		SELECT id, tenant_id, key_hash, tier, admin, rate_limit, active, created_at
		FROM api_keys
		WHERE key_hash = ? AND active = 1
	`
	var (
		k               auth.APIKey
		tier, createdAt string
	)
	err := db.QueryRowContext(ctx, query, auth.HashKey(key)).Scan(
		&k.ID, &k.TenantID, &k.KeyHash, &tier, &k.Admin, &k.RateLimit, &k.Active, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	k.Tier = provider.Tier(tier)
	if k.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &k, nil
}

func (db *DB) Create(ctx context.Context, k *auth.APIKey) error {
	if k.KeyHash == "" {
		return fmt.Errorf("key_hash is required")
	}
	if !k.Tier.Valid() {
		return fmt.Errorf("invalid tier %q", k.Tier)
	}
	k.ID = uuid.New().String()
	k.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO api_keys (id, tenant_id, key_hash, tier, admin, rate_limit, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, query,
		k.ID, k.TenantID, k.KeyHash, string(k.Tier), k.Admin, k.RateLimit, k.Active, formatTime(k.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}
	return nil
}

func (db *DB) Revoke(ctx context.Context, keyID string) error {
	res, err := db.ExecContext(ctx, `UPDATE api_keys SET active = 0 WHERE id = ?`, keyID)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	if n == 0 {
		return auth.ErrKeyNotFound
	}
	return nil
}
