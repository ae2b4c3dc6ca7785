package repository

import (
	"context"
	"time"

	"github.com/clearbridge/guardrail/internal/ratelimit"
	"github.com/jackc/pgx/v5/pgxpool"
)

const rateLimitTxRetries = 3

// RateLimitRepository implements ratelimit.Store against Postgres. The
// per-key row lock makes the read-modify-write serializable: two
// concurrent checks against the same key can never both observe capacity
// and both succeed past the limit.
type RateLimitRepository struct {
	pool *pgxpool.Pool
}

func NewRateLimitRepository(pool *pgxpool.Pool) *RateLimitRepository {
	return &RateLimitRepository{pool: pool}
}

// Check admits or rejects one request against the key's sliding window.
func (r *RateLimitRepository) Check(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (ratelimit.Decision, error) {
	var decision ratelimit.Decision
	var lastErr error

	for attempt := 0; attempt < rateLimitTxRetries; attempt++ {
		decision, lastErr = r.checkOnce(ctx, key, limit, window, now)
		if lastErr == nil {
			return decision, nil
		}
		if !isRetryableTxError(lastErr) {
			return ratelimit.Decision{}, lastErr
		}
	}
	return ratelimit.Decision{}, lastErr
}

func (r *RateLimitRepository) checkOnce(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (ratelimit.Decision, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return ratelimit.Decision{}, err
	}
	defer tx.Rollback(ctx)

	// Ensure the row exists, then lock it for the rest of the check.
	if _, err := tx.Exec(ctx,
		`INSERT INTO rate_limit_windows (key, timestamps, updated_at)
		 VALUES ($1, '{}', $2)
		 ON CONFLICT (key) DO NOTHING`,
		key, now,
	); err != nil {
		return ratelimit.Decision{}, err
	}

	var stored []int64
	if err := tx.QueryRow(ctx,
		`SELECT timestamps FROM rate_limit_windows WHERE key = $1 FOR UPDATE`,
		key,
	).Scan(&stored); err != nil {
		return ratelimit.Decision{}, err
	}

	nowMS := now.UnixMilli()
	windowMS := window.Milliseconds()
	cutoff := nowMS - windowMS

	kept := stored[:0]
	for _, ts := range stored {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= limit {
		oldest := kept[0]
		for _, ts := range kept {
			if ts < oldest {
				oldest = ts
			}
		}
		retryAfter := time.Duration(oldest+windowMS-nowMS) * time.Millisecond
		if retryAfter < time.Millisecond {
			retryAfter = time.Millisecond
		}

		// Persist the pruned window even on rejection to bound row growth.
		if _, err := tx.Exec(ctx,
			`UPDATE rate_limit_windows SET timestamps = $1, updated_at = $2 WHERE key = $3`,
			kept, now, key,
		); err != nil {
			return ratelimit.Decision{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return ratelimit.Decision{}, err
		}
		return ratelimit.Decision{Allowed: false, RetryAfter: retryAfter}, nil
	}

	kept = append(kept, nowMS)
	// Trim to the newest limit entries so the array never grows unbounded.
	if len(kept) > limit {
		kept = kept[len(kept)-limit:]
	}

	if _, err := tx.Exec(ctx,
		`UPDATE rate_limit_windows SET timestamps = $1, updated_at = $2 WHERE key = $3`,
		kept, now, key,
	); err != nil {
		return ratelimit.Decision{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ratelimit.Decision{}, err
	}

	return ratelimit.Decision{Allowed: true, Remaining: limit - len(kept)}, nil
}
