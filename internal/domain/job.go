package domain

import (
	"fmt"
	"time"
)

// JobState represents the state of an embedding job
type JobState string

const (
	JobStatePending    JobState = "pending"
	JobStateProcessing JobState = "processing"
	JobStateDone       JobState = "done"
	JobStateFailed     JobState = "failed"
)

// EmbeddingJob represents an async embedding generation job keyed by
// (org_id, entry_id). At most one job per key may be pending or processing
// at any time; the pending->processing claim transition is the sole
// concurrency guard between workers.
type EmbeddingJob struct {
	ID            string
	OrgID         string
	EntryID       string
	State         JobState
	Attempt       int32
	LastError     string
	NextAttemptAt time.Time
	ClaimedAt     *time.Time
	CreatedAt     time.Time
	ProcessedAt   *time.Time
}

// ValidateJob validates an EmbeddingJob instance
func ValidateJob(j *EmbeddingJob) error {
	if j == nil {
		return fmt.Errorf("embedding job cannot be nil")
	}

	if j.ID == "" {
		return fmt.Errorf("embedding job ID is required")
	}

	if j.OrgID == "" {
		return fmt.Errorf("embedding job OrgID is required")
	}

	if j.EntryID == "" {
		return fmt.Errorf("embedding job EntryID is required")
	}

	if !isValidJobState(j.State) {
		return fmt.Errorf("embedding job State is invalid: %s", j.State)
	}

	if j.Attempt < 0 {
		return fmt.Errorf("embedding job Attempt cannot be negative")
	}

	return nil
}

// isValidJobState checks if a JobState is valid
func isValidJobState(s JobState) bool {
	switch s {
	case JobStatePending, JobStateProcessing, JobStateDone, JobStateFailed:
		return true
	}
	return false
}

// BackoffDelay computes the retry delay for the given attempt number using
// capped exponential backoff: base * 2^attempt, no more than max.
func BackoffDelay(attempt int32, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := base
	for i := int32(0); i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
