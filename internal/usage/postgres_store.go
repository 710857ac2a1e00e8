package usage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
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

func (s *PostgresStore) AddUsage(ctx context.Context, providerID, date string, calls, failures int64) error {
	query := `
		INSERT INTO usage_records (provider_id, date, calls, failures)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider_id, date) DO UPDATE SET
			calls = usage_records.calls + EXCLUDED.calls,
			failures = usage_records.failures + EXCLUDED.failures
	`
	_, err := s.db.Exec(ctx, query, providerID, date, calls, failures)
	if err != nil {
		return fmt.Errorf("failed to add usage: %w", err)
	}

	return nil
}

func (s *PostgresStore) LoadUsage(ctx context.Context, sinceDate string) ([]Record, error) {
	query := `
		SELECT provider_id, date, calls, failures
		FROM usage_records
		WHERE date >= $1
		ORDER BY date, provider_id
	`
	rows, err := s.db.Query(ctx, query, sinceDate)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
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
