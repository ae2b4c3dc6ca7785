package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/clearbridge/guardrail/internal/domain"
	"github.com/clearbridge/guardrail/internal/pagination"
)

// EntryRepositoryInterface defines the repository interface for knowledge entry persistence
type EntryRepositoryInterface interface {
	Create(ctx context.Context, e *domain.KnowledgeEntry) error
	GetByID(ctx context.Context, orgID, id string) (*domain.KnowledgeEntry, error)
	UpdateVersioned(ctx context.Context, e *domain.KnowledgeEntry, expectedVersion int64) error
	UpdateStatus(ctx context.Context, orgID, id string, status domain.EntryStatus) error
	MarkEmbedded(ctx context.Context, orgID, id string, embeddedAt time.Time, embeddingVersion int32) error
	SoftDelete(ctx context.Context, orgID, id string) error
	ListByOrgWithCursor(ctx context.Context, orgID string, cursor *pagination.Cursor, limit int) (*EntryPageResult, error)
	FlagDriftCandidates(ctx context.Context, cutoff, now time.Time) (int64, error)
	ExpireDriftFlags(ctx context.Context, horizon, now time.Time) (int64, error)
}

type EntryPageResult struct {
	Items      []*domain.KnowledgeEntry
	NextCursor string
	HasMore    bool
}

// SnapshotRepositoryInterface defines the repository interface for version snapshots
type SnapshotRepositoryInterface interface {
	Create(ctx context.Context, s *domain.VersionSnapshot) error
	GetByVersion(ctx context.Context, entryID string, version int64) (*domain.VersionSnapshot, error)
	ListByEntry(ctx context.Context, entryID string) ([]*domain.VersionSnapshot, error)
}

// EmbeddingJobRepositoryInterface defines the repository interface for embedding job persistence
type EmbeddingJobRepositoryInterface interface {
	Enqueue(ctx context.Context, job *domain.EmbeddingJob) error
	GetLive(ctx context.Context, orgID, entryID string) (*domain.EmbeddingJob, error)
	ClaimBatch(ctx context.Context, limit int, now time.Time) ([]*domain.EmbeddingJob, error)
	Release(ctx context.Context, id string, nextAttemptAt time.Time) error
	RecordFailure(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error
	MarkDone(ctx context.Context, id string, processedAt time.Time) error
	MarkFailed(ctx context.Context, id string, errMsg string, processedAt time.Time) error
	SweepStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// AuditRepositoryInterface defines the repository interface for audit records
type AuditRepositoryInterface interface {
	Create(ctx context.Context, rec *domain.AuditRecord) error
	ListByOrg(ctx context.Context, orgID string, limit int) ([]*domain.AuditRecord, error)
}

// TxRepositories provides transaction-bound repositories.
type TxRepositories interface {
	Entries() EntryRepositoryInterface
	Snapshots() SnapshotRepositoryInterface
	Jobs() EmbeddingJobRepositoryInterface
}

// TxRunner executes a function within a transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(repos TxRepositories) error) error
}

// UUIDGenerator defines interface for UUID generation (for testing)
type UUIDGenerator interface {
	NewString() string
}

// DefaultUUIDGenerator is the default UUID generator using google/uuid
type DefaultUUIDGenerator struct{}

// NewString generates a new UUID string
func (g *DefaultUUIDGenerator) NewString() string {
	return uuid.NewString()
}
