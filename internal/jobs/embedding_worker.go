package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/clearbridge/guardrail/internal/breaker"
	"github.com/clearbridge/guardrail/internal/budget"
	"github.com/clearbridge/guardrail/internal/domain"
	"github.com/clearbridge/guardrail/internal/metrics"
	"github.com/clearbridge/guardrail/internal/ratelimit"
	"github.com/clearbridge/guardrail/internal/service"
)

// Embedder generates and stores the embedding for one entry.
type Embedder interface {
	EmbedEntry(ctx context.Context, orgID, entryID string) error
}

// EntryStatusUpdater is the slice of the entry repository the worker needs
// to surface terminal embedding failures.
type EntryStatusUpdater interface {
	UpdateStatus(ctx context.Context, orgID, id string, status domain.EntryStatus) error
}

// WorkerConfig holds the embedding worker's retry and gating parameters.
type WorkerConfig struct {
	BatchSize         int
	MaxAttempts       int32
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	ProcessingTimeout time.Duration // claims older than this are presumed crashed
	Deferral          time.Duration // short re-check delay for circuit/budget holds
	EmbedCost         int64
}

// RunStats reports what a single worker pass did.
type RunStats struct {
	Swept    int64
	Claimed  int
	Done     int
	Deferred int
	Retried  int
	Failed   int
}

// EmbeddingWorker drains the embedding job queue. Each pass sweeps stale
// claims, atomically claims a bounded batch of pending jobs, and processes
// them one by one. A deferral (open circuit, budget hold) releases the
// claim without touching the attempt counter; a provider failure burns an
// attempt and backs off exponentially until the attempt ceiling, after
// which the job is terminal and the failure is visible on the entry.
type EmbeddingWorker struct {
	jobs     service.EmbeddingJobRepositoryInterface
	entries  EntryStatusUpdater
	embedder Embedder
	breakers *breaker.Registry
	budget   *budget.Ledger
	limiter  *ratelimit.Limiter
	auditor  service.Auditor
	cfg      WorkerConfig
	now      func() time.Time
}

func NewEmbeddingWorker(
	jobRepo service.EmbeddingJobRepositoryInterface,
	entryRepo EntryStatusUpdater,
	embedder Embedder,
	breakers *breaker.Registry,
	budgetLedger *budget.Ledger,
	limiter *ratelimit.Limiter,
	auditor service.Auditor,
	cfg WorkerConfig,
) *EmbeddingWorker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Deferral <= 0 {
		cfg.Deferral = 30 * time.Second
	}
	return &EmbeddingWorker{
		jobs:     jobRepo,
		entries:  entryRepo,
		embedder: embedder,
		breakers: breakers,
		budget:   budgetLedger,
		limiter:  limiter,
		auditor:  auditor,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// NewEmbeddingWorkerWithClock creates an EmbeddingWorker with a custom clock (for testing).
func NewEmbeddingWorkerWithClock(
	jobRepo service.EmbeddingJobRepositoryInterface,
	entryRepo EntryStatusUpdater,
	embedder Embedder,
	breakers *breaker.Registry,
	budgetLedger *budget.Ledger,
	limiter *ratelimit.Limiter,
	auditor service.Auditor,
	cfg WorkerConfig,
	now func() time.Time,
) *EmbeddingWorker {
	w := NewEmbeddingWorker(jobRepo, entryRepo, embedder, breakers, budgetLedger, limiter, auditor, cfg)
	w.now = now
	return w
}

// RunOnce processes one bounded batch and returns.
func (w *EmbeddingWorker) RunOnce(ctx context.Context) (RunStats, error) {
	var stats RunStats

	now := w.now()
	swept, err := w.jobs.SweepStale(ctx, now.Add(-w.cfg.ProcessingTimeout))
	if err != nil {
		return stats, fmt.Errorf("failed to sweep stale claims: %w", err)
	}
	stats.Swept = swept
	if swept > 0 {
		log.Printf("Reclaimed %d stale processing jobs", swept)
	}

	claimed, err := w.jobs.ClaimBatch(ctx, w.cfg.BatchSize, now)
	if err != nil {
		return stats, fmt.Errorf("failed to claim pending jobs: %w", err)
	}
	stats.Claimed = len(claimed)
	if len(claimed) == 0 {
		return stats, nil
	}

	log.Printf("Processing %d claimed embedding jobs", len(claimed))

	for _, job := range claimed {
		w.processJob(ctx, job, &stats)
	}

	return stats, nil
}

func (w *EmbeddingWorker) processJob(ctx context.Context, job *domain.EmbeddingJob, stats *RunStats) {
	started := w.now()

	// An open circuit is a hold, not a job failure: release the claim and
	// let a later pass retry once the provider has had room to recover.
	if err := w.breakers.Allow(ctx, domain.ProviderEmbedding); err != nil {
		w.hold(ctx, job, stats, "embedding circuit open")
		return
	}
	if err := w.breakers.Allow(ctx, domain.ProviderVectorIndex); err != nil {
		w.hold(ctx, job, stats, "vector-index circuit open")
		return
	}

	if _, err := w.limiter.Allow(ctx, ratelimit.ScopeEmbed, job.OrgID); err != nil {
		var rateErr *domain.RateLimitError
		if errors.As(err, &rateErr) {
			w.hold(ctx, job, stats, "embed rate limited")
			return
		}
		w.handleFailure(ctx, job, err, stats)
		return
	}

	reservation, err := w.budget.Reserve(ctx, job.OrgID, w.cfg.EmbedCost)
	if err != nil {
		var budgetErr *domain.BudgetError
		if errors.As(err, &budgetErr) {
			w.hold(ctx, job, stats, "budget "+budgetErr.Reason)
			return
		}
		w.handleFailure(ctx, job, err, stats)
		return
	}

	if err := w.embedder.EmbedEntry(ctx, job.OrgID, job.EntryID); err != nil {
		if releaseErr := reservation.Release(ctx); releaseErr != nil {
			log.Printf("Job %s: budget release failed: %v", job.ID, releaseErr)
		}

		var unavailable *domain.ProviderUnavailableError
		switch {
		case errors.As(err, &unavailable):
			// Circuit opened under us; still a hold, not an attempt.
			w.hold(ctx, job, stats, "circuit opened mid-flight")
		case errors.Is(err, domain.ErrEntryNotFound):
			// Entry was deleted while queued; the job can never succeed.
			if markErr := w.jobs.MarkFailed(ctx, job.ID, "entry no longer exists", w.now()); markErr != nil {
				log.Printf("Job %s: mark failed errored: %v", job.ID, markErr)
			}
			stats.Failed++
			metrics.EmbeddingJobs.WithLabelValues("failed").Inc()
		default:
			w.handleFailure(ctx, job, err, stats)
		}
		return
	}

	if err := reservation.Commit(ctx, w.cfg.EmbedCost); err != nil {
		log.Printf("Job %s: budget commit failed: %v", job.ID, err)
	}

	if err := w.jobs.MarkDone(ctx, job.ID, w.now()); err != nil {
		log.Printf("Job %s: mark done errored: %v", job.ID, err)
		return
	}

	stats.Done++
	metrics.EmbeddingJobs.WithLabelValues("done").Inc()
	metrics.EmbeddingJobDuration.Observe(w.now().Sub(started).Seconds())
	log.Printf("Job %s completed for entry %s", job.ID, job.EntryID)
}

// hold releases a claim back to pending with a short delay. Deferrals
// never count against the attempt ceiling.
func (w *EmbeddingWorker) hold(ctx context.Context, job *domain.EmbeddingJob, stats *RunStats, reason string) {
	log.Printf("Job %s deferred: %s", job.ID, reason)
	if err := w.jobs.Release(ctx, job.ID, w.now().Add(w.cfg.Deferral)); err != nil {
		log.Printf("Job %s: release errored: %v", job.ID, err)
		return
	}
	stats.Deferred++
	metrics.EmbeddingJobs.WithLabelValues("deferred").Inc()
}

func (w *EmbeddingWorker) handleFailure(ctx context.Context, job *domain.EmbeddingJob, jobErr error, stats *RunStats) {
	attempt := job.Attempt + 1

	if attempt >= w.cfg.MaxAttempts {
		log.Printf("Job %s exceeded max attempts (%d), marking as failed", job.ID, w.cfg.MaxAttempts)
		now := w.now()
		if err := w.jobs.MarkFailed(ctx, job.ID, jobErr.Error(), now); err != nil {
			log.Printf("Job %s: mark failed errored: %v", job.ID, err)
			return
		}
		if err := w.entries.UpdateStatus(ctx, job.OrgID, job.EntryID, domain.EntryStatusEmbeddingFailed); err != nil {
			log.Printf("Job %s: entry status update errored: %v", job.ID, err)
		}
		w.auditor.Emit(ctx, job.OrgID, "embedding-worker", domain.AuditActionEmbeddingFailed, "knowledge_entry", job.EntryID,
			map[string]any{"attempts": attempt, "error": jobErr.Error()})
		stats.Failed++
		metrics.EmbeddingJobs.WithLabelValues("failed").Inc()
		return
	}

	delay := domain.BackoffDelay(attempt, w.cfg.BackoffBase, w.cfg.BackoffMax)
	log.Printf("Job %s will retry in %s (attempt %d/%d): %v", job.ID, delay, attempt, w.cfg.MaxAttempts, jobErr)
	if err := w.jobs.RecordFailure(ctx, job.ID, jobErr.Error(), w.now().Add(delay)); err != nil {
		log.Printf("Job %s: record failure errored: %v", job.ID, err)
		return
	}
	stats.Retried++
	metrics.EmbeddingJobs.WithLabelValues("retried").Inc()
}
