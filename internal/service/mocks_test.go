package service

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/clearbridge/guardrail/internal/domain"
	"github.com/clearbridge/guardrail/internal/pagination"
)

// MockEntryRepository is a mock implementation of EntryRepositoryInterface
type MockEntryRepository struct {
	mock.Mock
}

func (m *MockEntryRepository) Create(ctx context.Context, e *domain.KnowledgeEntry) error {
	args := m.Called(ctx, e)
	return args.Error(0)
}

func (m *MockEntryRepository) GetByID(ctx context.Context, orgID, id string) (*domain.KnowledgeEntry, error) {
	args := m.Called(ctx, orgID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.KnowledgeEntry), args.Error(1)
}

func (m *MockEntryRepository) UpdateVersioned(ctx context.Context, e *domain.KnowledgeEntry, expectedVersion int64) error {
	args := m.Called(ctx, e, expectedVersion)
	return args.Error(0)
}

func (m *MockEntryRepository) UpdateStatus(ctx context.Context, orgID, id string, status domain.EntryStatus) error {
	args := m.Called(ctx, orgID, id, status)
	return args.Error(0)
}

func (m *MockEntryRepository) MarkEmbedded(ctx context.Context, orgID, id string, embeddedAt time.Time, embeddingVersion int32) error {
	args := m.Called(ctx, orgID, id, embeddedAt, embeddingVersion)
	return args.Error(0)
}

func (m *MockEntryRepository) SoftDelete(ctx context.Context, orgID, id string) error {
	args := m.Called(ctx, orgID, id)
	return args.Error(0)
}

func (m *MockEntryRepository) ListByOrgWithCursor(ctx context.Context, orgID string, cursor *pagination.Cursor, limit int) (*EntryPageResult, error) {
	args := m.Called(ctx, orgID, cursor, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*EntryPageResult), args.Error(1)
}

func (m *MockEntryRepository) FlagDriftCandidates(ctx context.Context, cutoff, now time.Time) (int64, error) {
	args := m.Called(ctx, cutoff, now)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockEntryRepository) ExpireDriftFlags(ctx context.Context, horizon, now time.Time) (int64, error) {
	args := m.Called(ctx, horizon, now)
	return args.Get(0).(int64), args.Error(1)
}

// MockSnapshotRepository is a mock implementation of SnapshotRepositoryInterface
type MockSnapshotRepository struct {
	mock.Mock
}

func (m *MockSnapshotRepository) Create(ctx context.Context, s *domain.VersionSnapshot) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

func (m *MockSnapshotRepository) GetByVersion(ctx context.Context, entryID string, version int64) (*domain.VersionSnapshot, error) {
	args := m.Called(ctx, entryID, version)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.VersionSnapshot), args.Error(1)
}

func (m *MockSnapshotRepository) ListByEntry(ctx context.Context, entryID string) ([]*domain.VersionSnapshot, error) {
	args := m.Called(ctx, entryID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.VersionSnapshot), args.Error(1)
}

// MockEmbeddingJobRepository is a mock implementation of EmbeddingJobRepositoryInterface
type MockEmbeddingJobRepository struct {
	mock.Mock
}

func (m *MockEmbeddingJobRepository) Enqueue(ctx context.Context, job *domain.EmbeddingJob) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

func (m *MockEmbeddingJobRepository) GetLive(ctx context.Context, orgID, entryID string) (*domain.EmbeddingJob, error) {
	args := m.Called(ctx, orgID, entryID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.EmbeddingJob), args.Error(1)
}

func (m *MockEmbeddingJobRepository) ClaimBatch(ctx context.Context, limit int, now time.Time) ([]*domain.EmbeddingJob, error) {
	args := m.Called(ctx, limit, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.EmbeddingJob), args.Error(1)
}

func (m *MockEmbeddingJobRepository) Release(ctx context.Context, id string, nextAttemptAt time.Time) error {
	args := m.Called(ctx, id, nextAttemptAt)
	return args.Error(0)
}

func (m *MockEmbeddingJobRepository) RecordFailure(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	args := m.Called(ctx, id, errMsg, nextAttemptAt)
	return args.Error(0)
}

func (m *MockEmbeddingJobRepository) MarkDone(ctx context.Context, id string, processedAt time.Time) error {
	args := m.Called(ctx, id, processedAt)
	return args.Error(0)
}

func (m *MockEmbeddingJobRepository) MarkFailed(ctx context.Context, id string, errMsg string, processedAt time.Time) error {
	args := m.Called(ctx, id, errMsg, processedAt)
	return args.Error(0)
}

func (m *MockEmbeddingJobRepository) SweepStale(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

// MockAuditRepository is a mock implementation of AuditRepositoryInterface
type MockAuditRepository struct {
	mock.Mock
}

func (m *MockAuditRepository) Create(ctx context.Context, rec *domain.AuditRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockAuditRepository) ListByOrg(ctx context.Context, orgID string, limit int) ([]*domain.AuditRecord, error) {
	args := m.Called(ctx, orgID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.AuditRecord), args.Error(1)
}

// MockDetector is a mock implementation of DuplicateChecker
type MockDetector struct {
	mock.Mock
}

func (m *MockDetector) Check(ctx context.Context, orgID, selfID, content string) (*DuplicateCheck, error) {
	args := m.Called(ctx, orgID, selfID, content)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*DuplicateCheck), args.Error(1)
}

func (m *MockDetector) Remove(ctx context.Context, orgID, entryID string) error {
	args := m.Called(ctx, orgID, entryID)
	return args.Error(0)
}

// MockUUIDGenerator returns a fixed sequence of IDs
type MockUUIDGenerator struct {
	callCount int
	uuids     []string
}

func NewMockUUIDGenerator(uuids ...string) *MockUUIDGenerator {
	return &MockUUIDGenerator{uuids: uuids}
}

func (m *MockUUIDGenerator) NewString() string {
	if m.callCount < len(m.uuids) {
		id := m.uuids[m.callCount]
		m.callCount++
		return id
	}
	return "default-uuid"
}

// stubTxRunner passes the backing mocks straight through as the
// transaction-scoped repositories.
type stubTxRunner struct {
	entries   EntryRepositoryInterface
	snapshots SnapshotRepositoryInterface
	jobs      EmbeddingJobRepositoryInterface
}

func (s *stubTxRunner) WithTx(ctx context.Context, fn func(repos TxRepositories) error) error {
	return fn(s)
}

func (s *stubTxRunner) Entries() EntryRepositoryInterface      { return s.entries }
func (s *stubTxRunner) Snapshots() SnapshotRepositoryInterface { return s.snapshots }
func (s *stubTxRunner) Jobs() EmbeddingJobRepositoryInterface  { return s.jobs }

// stubCache records invalidated entry IDs
type stubCache struct {
	invalidated []string
}

func (c *stubCache) InvalidateEntry(ctx context.Context, entryID string) {
	c.invalidated = append(c.invalidated, entryID)
}

// stubAuditor records emitted audit actions
type auditEvent struct {
	orgID, actor, action, targetType, targetID string
	details                                    map[string]any
}

type stubAuditor struct {
	events []auditEvent
}

func (a *stubAuditor) Emit(ctx context.Context, orgID, actor, action, targetType, targetID string, details map[string]any) {
	a.events = append(a.events, auditEvent{orgID, actor, action, targetType, targetID, details})
}

func (a *stubAuditor) actions() []string {
	out := make([]string, 0, len(a.events))
	for _, e := range a.events {
		out = append(out, e.action)
	}
	return out
}
