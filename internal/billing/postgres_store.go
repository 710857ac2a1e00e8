package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, e *Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	query := `
		INSERT INTO ledger_entries (kind, tenant_id, request_id, provider_id, capability, amount_usd, latency_ms, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query,
		string(e.Kind), e.TenantID, e.RequestID, e.ProviderID, e.Capability,
		e.AmountUSD, e.LatencyMs, e.Note,
	).Scan(&e.ID, &e.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to record ledger entry: %w", err)
	}

	return nil
}

func (s *PostgresStore) ListByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*Entry, error) {
	query := `
		SELECT id, kind, tenant_id, request_id, provider_id, capability, amount_usd, latency_ms, note, created_at
		FROM ledger_entries
		WHERE tenant_id = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		err := rows.Scan(
			&e.ID, &e.Kind, &e.TenantID, &e.RequestID, &e.ProviderID, &e.Capability,
			&e.AmountUSD, &e.LatencyMs, &e.Note, &e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger entries: %w", err)
	}

	return entries, nil
}

func (s *PostgresStore) Totals(ctx context.Context, from, to time.Time) (Totals, error) {
	query := `
		SELECT
			COALESCE(SUM(amount_usd) FILTER (WHERE kind = 'spend'), 0),
			COALESCE(SUM(amount_usd) FILTER (WHERE kind = 'revenue'), 0)
		FROM ledger_entries
		WHERE created_at >= $1 AND created_at < $2
	`
	var t Totals
	err := s.db.QueryRow(ctx, query, from, to).Scan(&t.SpendUSD, &t.RevenueUSD)
	if err != nil {
		return Totals{}, fmt.Errorf("failed to get ledger totals: %w", err)
	}

	return t, nil
}
