package repository

import (
	"context"
	"errors"
	"time"

	"github.com/clearbridge/guardrail/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrJobNotFound = errors.New("embedding job not found")

const jobColumns = `id, org_id, entry_id, state, attempt, last_error, next_attempt_at, claimed_at, created_at, processed_at`

type EmbeddingJobRepository struct {
	db dbtx
}

func NewEmbeddingJobRepository(pool *pgxpool.Pool) *EmbeddingJobRepository {
	return &EmbeddingJobRepository{db: pool}
}

func NewEmbeddingJobRepositoryWithTx(tx pgx.Tx) *EmbeddingJobRepository {
	return &EmbeddingJobRepository{db: tx}
}

// Enqueue inserts a pending job for (org_id, entry_id). A partial unique
// index over live jobs makes this idempotent: if a pending or processing
// job already exists for the key, the insert is a no-op.
func (r *EmbeddingJobRepository) Enqueue(ctx context.Context, job *domain.EmbeddingJob) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO embedding_jobs (id, org_id, entry_id, state, attempt, last_error, next_attempt_at, claimed_at, created_at, processed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (org_id, entry_id) WHERE state IN ('pending', 'processing') DO NOTHING`,
		job.ID, job.OrgID, job.EntryID, job.State, job.Attempt, nullableString(job.LastError),
		job.NextAttemptAt, job.ClaimedAt, job.CreatedAt, job.ProcessedAt,
	)
	return err
}

func (r *EmbeddingJobRepository) GetByID(ctx context.Context, id string) (*domain.EmbeddingJob, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM embedding_jobs WHERE id = $1`,
		id,
	)
	return scanJob(row)
}

// GetLive returns the pending or processing job for a key, if any.
func (r *EmbeddingJobRepository) GetLive(ctx context.Context, orgID, entryID string) (*domain.EmbeddingJob, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM embedding_jobs
		 WHERE org_id = $1 AND entry_id = $2 AND state IN ($3, $4)`,
		orgID, entryID, domain.JobStatePending, domain.JobStateProcessing,
	)
	return scanJob(row)
}

// ClaimBatch atomically transitions up to limit due pending jobs to
// processing. FOR UPDATE SKIP LOCKED makes concurrent workers claim
// disjoint sets; a worker that fails to claim simply skips the job.
func (r *EmbeddingJobRepository) ClaimBatch(ctx context.Context, limit int, now time.Time) ([]*domain.EmbeddingJob, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := r.db.Query(ctx,
		`WITH due AS (
			 SELECT id
			 FROM embedding_jobs
			 WHERE state = $1 AND next_attempt_at <= $2
			 ORDER BY next_attempt_at ASC, created_at ASC
			 FOR UPDATE SKIP LOCKED
			 LIMIT $3
		 )
		 UPDATE embedding_jobs
		 SET state = $4,
		     claimed_at = $2
		 FROM due
		 WHERE embedding_jobs.id = due.id
		 RETURNING embedding_jobs.id, embedding_jobs.org_id, embedding_jobs.entry_id, embedding_jobs.state,
		           embedding_jobs.attempt, embedding_jobs.last_error, embedding_jobs.next_attempt_at,
		           embedding_jobs.claimed_at, embedding_jobs.created_at, embedding_jobs.processed_at`,
		domain.JobStatePending, now, limit, domain.JobStateProcessing,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.EmbeddingJob
	for rows.Next() {
		job, err := scanJobValues(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Release returns a claimed job to pending without counting a failure,
// deferring the next attempt. Used when a circuit is open or a budget
// reservation is rejected.
func (r *EmbeddingJobRepository) Release(ctx context.Context, id string, nextAttemptAt time.Time) error {
	cmdTag, err := r.db.Exec(ctx,
		`UPDATE embedding_jobs
		 SET state = $1, claimed_at = NULL, next_attempt_at = $2
		 WHERE id = $3 AND state = $4`,
		domain.JobStatePending, nextAttemptAt, id, domain.JobStateProcessing,
	)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// RecordFailure increments the attempt counter and returns the job to
// pending with a deferred next attempt.
func (r *EmbeddingJobRepository) RecordFailure(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	cmdTag, err := r.db.Exec(ctx,
		`UPDATE embedding_jobs
		 SET state = $1, claimed_at = NULL, attempt = attempt + 1, last_error = $2, next_attempt_at = $3
		 WHERE id = $4 AND state = $5`,
		domain.JobStatePending, errMsg, nextAttemptAt, id, domain.JobStateProcessing,
	)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (r *EmbeddingJobRepository) MarkDone(ctx context.Context, id string, processedAt time.Time) error {
	cmdTag, err := r.db.Exec(ctx,
		`UPDATE embedding_jobs
		 SET state = $1, claimed_at = NULL, last_error = NULL, processed_at = $2
		 WHERE id = $3 AND state = $4`,
		domain.JobStateDone, processedAt, id, domain.JobStateProcessing,
	)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (r *EmbeddingJobRepository) MarkFailed(ctx context.Context, id string, errMsg string, processedAt time.Time) error {
	cmdTag, err := r.db.Exec(ctx,
		`UPDATE embedding_jobs
		 SET state = $1, claimed_at = NULL, attempt = attempt + 1, last_error = $2, processed_at = $3
		 WHERE id = $4 AND state = $5`,
		domain.JobStateFailed, errMsg, processedAt, id, domain.JobStateProcessing,
	)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// SweepStale reclaims jobs stuck in processing past the staleness cutoff
// (worker crash) back to pending.
func (r *EmbeddingJobRepository) SweepStale(ctx context.Context, cutoff time.Time) (int64, error) {
	cmdTag, err := r.db.Exec(ctx,
		`UPDATE embedding_jobs
		 SET state = $1, claimed_at = NULL
		 WHERE state = $2 AND claimed_at IS NOT NULL AND claimed_at < $3`,
		domain.JobStatePending, domain.JobStateProcessing, cutoff,
	)
	if err != nil {
		return 0, err
	}
	return cmdTag.RowsAffected(), nil
}

func scanJob(row pgx.Row) (*domain.EmbeddingJob, error) {
	var job domain.EmbeddingJob
	var lastError pgtype.Text
	err := row.Scan(&job.ID, &job.OrgID, &job.EntryID, &job.State, &job.Attempt, &lastError,
		&job.NextAttemptAt, &job.ClaimedAt, &job.CreatedAt, &job.ProcessedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	if lastError.Valid {
		job.LastError = lastError.String
	}
	return &job, nil
}

func scanJobValues(rows pgx.Rows) (*domain.EmbeddingJob, error) {
	var job domain.EmbeddingJob
	var lastError pgtype.Text
	if err := rows.Scan(&job.ID, &job.OrgID, &job.EntryID, &job.State, &job.Attempt, &lastError,
		&job.NextAttemptAt, &job.ClaimedAt, &job.CreatedAt, &job.ProcessedAt); err != nil {
		return nil, err
	}
	if lastError.Valid {
		job.LastError = lastError.String
	}
	return &job, nil
}
