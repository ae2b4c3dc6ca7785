// Package metrics exposes the pipeline's Prometheus instrumentation.
// Collectors are registered once at init through promauto and shared by
// every component; the /metrics endpoint serves the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EmbeddingJobs counts worker outcomes by result: done, retried,
	// failed, deferred.
	EmbeddingJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guardrail_embedding_jobs_total",
		Help: "Embedding job outcomes per worker pass",
	}, []string{"result"})

	EmbeddingJobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "guardrail_embedding_job_duration_seconds",
		Help:    "Time to embed and index one entry",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	// CircuitTransitions counts state changes per provider.
	CircuitTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guardrail_circuit_transitions_total",
		Help: "Circuit breaker state transitions",
	}, []string{"provider", "state"})

	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guardrail_rate_limit_rejections_total",
		Help: "Requests rejected by the sliding-window limiter",
	}, []string{"scope"})

	BudgetRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guardrail_budget_rejections_total",
		Help: "Spend reservations rejected by the daily ledger",
	}, []string{"reason"})

	DriftFlagged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guardrail_drift_flagged_total",
		Help: "Entries flagged as drift candidates",
	})

	DriftEscalated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guardrail_drift_escalated_total",
		Help: "Drift candidates escalated to needs_review",
	})

	DuplicatesFlagged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guardrail_duplicates_flagged_total",
		Help: "Saves that surfaced a near-duplicate above threshold",
	})
)
