package routing

import (
	"context"
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

func (s *PostgresStore) SaveFailureState(ctx context.Context, st FailureState) error {
	query := `
		INSERT INTO failure_states (provider_id, state, consecutive_failures, window_start, cooldown_until, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (provider_id) DO UPDATE SET
			state = EXCLUDED.state,
			consecutive_failures = EXCLUDED.consecutive_failures,
			window_start = EXCLUDED.window_start,
			cooldown_until = EXCLUDED.cooldown_until,
			updated_at = NOW()
	`
	_, err := s.db.Exec(ctx, query,
		st.ProviderID, string(st.State), st.ConsecutiveFailures, nullTime(st.WindowStart), nullTime(st.CooldownUntil),
	)
	if err != nil {
		return fmt.Errorf("failed to save failure state: %w", err)
	}

	return nil
}

func (s *PostgresStore) ListFailureStates(ctx context.Context) ([]FailureState, error) {
	query := `
		SELECT provider_id, state, consecutive_failures, window_start, cooldown_until
		FROM failure_states
		ORDER BY provider_id
	`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query failure states: %w", err)
	}
	defer rows.Close()

	var states []FailureState
	for rows.Next() {
		var (
			st                    FailureState
			state                 string
			windowStart, cooldown *time.Time
		)
		if err := rows.Scan(&st.ProviderID, &state, &st.ConsecutiveFailures, &windowStart, &cooldown); err != nil {
			return nil, fmt.Errorf("failed to scan failure state: %w", err)
		}
		st.State = provider.Status(state)
		if windowStart != nil {
			st.WindowStart = *windowStart
		}
		if cooldown != nil {
			st.CooldownUntil = *cooldown
		}
		states = append(states, st)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating failure states: %w", err)
	}

	return states, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
