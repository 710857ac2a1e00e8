package costguard

import (
	"context"
	"errors"
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

func (s *PostgresStore) AppendSnapshot(ctx context.Context, snap Snapshot) error {
	query := `
		INSERT INTO cost_snapshots (id, date, period, api_cost, revenue, ratio, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.db.Exec(ctx, query, snap.ID, snap.Date, snap.Period, snap.APICost, snap.Revenue, snap.Ratio, snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert cost snapshot: %w", err)
	}

	return nil
}

func (s *PostgresStore) ListSnapshots(ctx context.Context) ([]Snapshot, error) {
	query := `
		SELECT id, date, period, api_cost, revenue, ratio, created_at
		FROM cost_snapshots
		ORDER BY created_at, id
	`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query cost snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []Snapshot
	for rows.Next() {
		var snap Snapshot
		if err := rows.Scan(&snap.ID, &snap.Date, &snap.Period, &snap.APICost, &snap.Revenue, &snap.Ratio, &snap.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cost snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cost snapshots: %w", err)
	}

	return snaps, nil
}

func (s *PostgresStore) AppendAlert(ctx context.Context, a Alert) error {
	query := `
		INSERT INTO cost_alerts (id, kind, snapshot_id, ratio, threshold, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.db.Exec(ctx, query, a.ID, string(a.Kind), a.SnapshotID, a.Ratio, a.Threshold, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert cost alert: %w", err)
	}

	return nil
}

func (s *PostgresStore) ListAlerts(ctx context.Context) ([]Alert, error) {
	query := `
		SELECT id, kind, snapshot_id, ratio, threshold, created_at
		FROM cost_alerts
		ORDER BY created_at, id
	`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query cost alerts: %w", err)
	}
	defer rows.Close()

	var alerts []Alert
	for rows.Next() {
		var a Alert
		if err := rows.Scan(&a.ID, &a.Kind, &a.SnapshotID, &a.Ratio, &a.Threshold, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cost alert: %w", err)
		}
		alerts = append(alerts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cost alerts: %w", err)
	}

	return alerts, nil
}

// SaveInterlock keeps a single row keyed by id 1.
func (s *PostgresStore) SaveInterlock(ctx context.Context, il Interlock) error {
	query := `
		INSERT INTO downgrade_interlock (id, active, since, triggering_snapshot_id, ratio, updated_at)
		VALUES (1, $1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO UPDATE SET
			active = EXCLUDED.active,
			since = EXCLUDED.since,
			triggering_snapshot_id = EXCLUDED.triggering_snapshot_id,
			ratio = EXCLUDED.ratio,
			updated_at = NOW()
	`
	var since *time.Time
	if !il.Since.IsZero() {
		since = &il.Since
	}
	_, err := s.db.Exec(ctx, query, il.Active, since, il.TriggeringSnapshotID, il.Ratio)
	if err != nil {
		return fmt.Errorf("failed to save interlock: %w", err)
	}

	return nil
}

func (s *PostgresStore) LoadInterlock(ctx context.Context) (Interlock, error) {
	query := `
		SELECT active, since, triggering_snapshot_id, ratio
		FROM downgrade_interlock
		WHERE id = 1
	`
	var (
		il    Interlock
		since *time.Time
	)
	err := s.db.QueryRow(ctx, query).Scan(&il.Active, &since, &il.TriggeringSnapshotID, &il.Ratio)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Interlock{}, nil
		}
		return Interlock{}, fmt.Errorf("failed to load interlock: %w", err)
	}
	if since != nil {
		il.Since = *since
	}

	return il, nil
}
