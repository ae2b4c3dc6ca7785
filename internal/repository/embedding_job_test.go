//go:build integration

package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/clearbridge/guardrail/internal/domain"
	"github.com/clearbridge/guardrail/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupEntryForJob(ctx context.Context, t *testing.T, orgRepo *OrgRepository, entryRepo *EntryRepository) *domain.KnowledgeEntry {
	org := &domain.Organization{
		ID:        uuid.NewString(),
		Name:      "Test Org " + uuid.NewString()[:8],
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, orgRepo.Create(ctx, org))

	now := time.Now().UTC().Truncate(time.Microsecond)
	e := &domain.KnowledgeEntry{
		ID:        uuid.NewString(),
		OrgID:     org.ID,
		Status:    domain.EntryStatusApproved,
		Version:   1,
		Title:     "Entry for embedding",
		Content:   "Body",
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, entryRepo.Create(ctx, e))
	return e
}

func newPendingJob(e *domain.KnowledgeEntry, due time.Time) *domain.EmbeddingJob {
	return &domain.EmbeddingJob{
		ID:            uuid.NewString(),
		OrgID:         e.OrgID,
		EntryID:       e.ID,
		State:         domain.JobStatePending,
		NextAttemptAt: due,
		CreatedAt:     time.Now().UTC().Truncate(time.Microsecond),
	}
}

func TestEmbeddingJobRepository_Enqueue_Idempotent(t *testing.T) {
	ctx := context.Background()
	pc := testutil.NewPostgresContainer(ctx, t)
	defer pc.Terminate(ctx)

	pool := testutil.NewTestPool(ctx, t, pc, "../../migrations")
	defer pool.Close()

	orgRepo := NewOrgRepository(pool)
	entryRepo := NewEntryRepository(pool)
	jobRepo := NewEmbeddingJobRepository(pool)

	e := setupEntryForJob(ctx, t, orgRepo, entryRepo)
	now := time.Now().UTC().Truncate(time.Microsecond)

	first := newPendingJob(e, now)
	require.NoError(t, jobRepo.Enqueue(ctx, first))

	// Second enqueue for the same entry while a live job exists is a no-op.
	second := newPendingJob(e, now)
	require.NoError(t, jobRepo.Enqueue(ctx, second))

	live, err := jobRepo.GetLive(ctx, e.OrgID, e.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, live.ID)

	_, err = jobRepo.GetByID(ctx, second.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestEmbeddingJobRepository_Enqueue_AfterTerminal(t *testing.T) {
	ctx := context.Background()
	pc := testutil.NewPostgresContainer(ctx, t)
	defer pc.Terminate(ctx)

	pool := testutil.NewTestPool(ctx, t, pc, "../../migrations")
	defer pool.Close()

	orgRepo := NewOrgRepository(pool)
	entryRepo := NewEntryRepository(pool)
	jobRepo := NewEmbeddingJobRepository(pool)

	e := setupEntryForJob(ctx, t, orgRepo, entryRepo)
	now := time.Now().UTC().Truncate(time.Microsecond)

	first := newPendingJob(e, now)
	require.NoError(t, jobRepo.Enqueue(ctx, first))

	claimed, err := jobRepo.ClaimBatch(ctx, 1, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, jobRepo.MarkDone(ctx, first.ID, now))

	// Once the previous job is terminal a fresh one can be enqueued.
	second := newPendingJob(e, now)
	require.NoError(t, jobRepo.Enqueue(ctx, second))

	live, err := jobRepo.GetLive(ctx, e.OrgID, e.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, live.ID)
}

func TestEmbeddingJobRepository_ClaimBatch_Exclusive(t *testing.T) {
	ctx := context.Background()
	pc := testutil.NewPostgresContainer(ctx, t)
	defer pc.Terminate(ctx)

	pool := testutil.NewTestPool(ctx, t, pc, "../../migrations")
	defer pool.Close()

	orgRepo := NewOrgRepository(pool)
	entryRepo := NewEntryRepository(pool)
	jobRepo := NewEmbeddingJobRepository(pool)

	now := time.Now().UTC().Truncate(time.Microsecond)
	const jobCount = 8
	for i := 0; i < jobCount; i++ {
		e := setupEntryForJob(ctx, t, orgRepo, entryRepo)
		require.NoError(t, jobRepo.Enqueue(ctx, newPendingJob(e, now)))
	}

	// Concurrent claimers must receive disjoint job sets.
	const claimers = 4
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[string]int)

	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			jobs, err := jobRepo.ClaimBatch(ctx, jobCount, now)
			assert.NoError(t, err)
			mu.Lock()
			for _, j := range jobs {
				seen[j.ID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, jobCount)
	for id, count := range seen {
		assert.Equal(t, 1, count, "job %s claimed more than once", id)
	}
}

func TestEmbeddingJobRepository_ClaimBatch_SkipsFutureJobs(t *testing.T) {
	ctx := context.Background()
	pc := testutil.NewPostgresContainer(ctx, t)
	defer pc.Terminate(ctx)

	pool := testutil.NewTestPool(ctx, t, pc, "../../migrations")
	defer pool.Close()

	orgRepo := NewOrgRepository(pool)
	entryRepo := NewEntryRepository(pool)
	jobRepo := NewEmbeddingJobRepository(pool)

	now := time.Now().UTC().Truncate(time.Microsecond)

	due := setupEntryForJob(ctx, t, orgRepo, entryRepo)
	require.NoError(t, jobRepo.Enqueue(ctx, newPendingJob(due, now.Add(-time.Minute))))

	deferred := setupEntryForJob(ctx, t, orgRepo, entryRepo)
	require.NoError(t, jobRepo.Enqueue(ctx, newPendingJob(deferred, now.Add(time.Hour))))

	claimed, err := jobRepo.ClaimBatch(ctx, 10, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, due.ID, claimed[0].EntryID)
	assert.Equal(t, domain.JobStateProcessing, claimed[0].State)
	assert.NotNil(t, claimed[0].ClaimedAt)
}

func TestEmbeddingJobRepository_ReleaseAndFailure(t *testing.T) {
	ctx := context.Background()
	pc := testutil.NewPostgresContainer(ctx, t)
	defer pc.Terminate(ctx)

	pool := testutil.NewTestPool(ctx, t, pc, "../../migrations")
	defer pool.Close()

	orgRepo := NewOrgRepository(pool)
	entryRepo := NewEntryRepository(pool)
	jobRepo := NewEmbeddingJobRepository(pool)

	e := setupEntryForJob(ctx, t, orgRepo, entryRepo)
	now := time.Now().UTC().Truncate(time.Microsecond)
	job := newPendingJob(e, now)
	require.NoError(t, jobRepo.Enqueue(ctx, job))

	t.Run("release defers without burning an attempt", func(t *testing.T) {
		claimed, err := jobRepo.ClaimBatch(ctx, 1, now)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		deferUntil := now.Add(30 * time.Second).Truncate(time.Microsecond)
		require.NoError(t, jobRepo.Release(ctx, job.ID, deferUntil))

		got, err := jobRepo.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatePending, got.State)
		assert.Equal(t, int32(0), got.Attempt)
		assert.Nil(t, got.ClaimedAt)
		assert.WithinDuration(t, deferUntil, got.NextAttemptAt, time.Millisecond)
	})

	t.Run("failure increments attempt and records the error", func(t *testing.T) {
		claimed, err := jobRepo.ClaimBatch(ctx, 1, now.Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		retryAt := now.Add(2 * time.Minute).Truncate(time.Microsecond)
		require.NoError(t, jobRepo.RecordFailure(ctx, job.ID, "provider timeout", retryAt))

		got, err := jobRepo.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatePending, got.State)
		assert.Equal(t, int32(1), got.Attempt)
		assert.Equal(t, "provider timeout", got.LastError)
	})

	t.Run("release on a pending job reports not found", func(t *testing.T) {
		err := jobRepo.Release(ctx, job.ID, now)
		assert.ErrorIs(t, err, ErrJobNotFound)
	})
}

func TestEmbeddingJobRepository_SweepStale(t *testing.T) {
	ctx := context.Background()
	pc := testutil.NewPostgresContainer(ctx, t)
	defer pc.Terminate(ctx)

	pool := testutil.NewTestPool(ctx, t, pc, "../../migrations")
	defer pool.Close()

	orgRepo := NewOrgRepository(pool)
	entryRepo := NewEntryRepository(pool)
	jobRepo := NewEmbeddingJobRepository(pool)

	e := setupEntryForJob(ctx, t, orgRepo, entryRepo)
	claimTime := time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond)
	job := newPendingJob(e, claimTime)
	require.NoError(t, jobRepo.Enqueue(ctx, job))

	claimed, err := jobRepo.ClaimBatch(ctx, 1, claimTime)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	swept, err := jobRepo.SweepStale(ctx, time.Now().UTC().Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), swept)

	got, err := jobRepo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatePending, got.State)
	assert.Nil(t, got.ClaimedAt)

	// A second sweep finds nothing.
	swept, err = jobRepo.SweepStale(ctx, time.Now().UTC().Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, swept)
}
