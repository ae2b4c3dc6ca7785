package repository

import (
	"context"
	"errors"
	"time"

	"github.com/clearbridge/guardrail/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CircuitStateRepository persists per-provider breaker state so every
// instance sees the same circuit. Reads and writes are deliberately
// non-transactional; the breaker tolerates slightly stale reads.
type CircuitStateRepository struct {
	db dbtx
}

func NewCircuitStateRepository(pool *pgxpool.Pool) *CircuitStateRepository {
	return &CircuitStateRepository{db: pool}
}

func (r *CircuitStateRepository) Get(ctx context.Context, provider domain.ProviderID) (*domain.CircuitState, error) {
	var s domain.CircuitState
	var cooldownMS int64
	err := r.db.QueryRow(ctx,
		`SELECT provider_id, state, failure_count, window_start, opened_at, cooldown_ms, updated_at
		 FROM circuit_states WHERE provider_id = $1`,
		provider,
	).Scan(&s.Provider, &s.State, &s.FailureCount, &s.WindowStart, &s.OpenedAt, &cooldownMS, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	s.Cooldown = time.Duration(cooldownMS) * time.Millisecond
	return &s, nil
}

func (r *CircuitStateRepository) Put(ctx context.Context, s *domain.CircuitState) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO circuit_states (provider_id, state, failure_count, window_start, opened_at, cooldown_ms, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (provider_id) DO UPDATE
		 SET state = EXCLUDED.state,
		     failure_count = EXCLUDED.failure_count,
		     window_start = EXCLUDED.window_start,
		     opened_at = EXCLUDED.opened_at,
		     cooldown_ms = EXCLUDED.cooldown_ms,
		     updated_at = EXCLUDED.updated_at`,
		s.Provider, s.State, s.FailureCount, s.WindowStart, s.OpenedAt, s.Cooldown.Milliseconds(), s.UpdatedAt,
	)
	return err
}

func (r *CircuitStateRepository) All(ctx context.Context) ([]*domain.CircuitState, error) {
	rows, err := r.db.Query(ctx,
		`SELECT provider_id, state, failure_count, window_start, opened_at, cooldown_ms, updated_at
		 FROM circuit_states ORDER BY provider_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*domain.CircuitState
	for rows.Next() {
		var s domain.CircuitState
		var cooldownMS int64
		if err := rows.Scan(&s.Provider, &s.State, &s.FailureCount, &s.WindowStart, &s.OpenedAt, &cooldownMS, &s.UpdatedAt); err != nil {
			return nil, err
		}
		s.Cooldown = time.Duration(cooldownMS) * time.Millisecond
		states = append(states, &s)
	}
	return states, rows.Err()
}
