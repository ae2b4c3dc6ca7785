package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/clearbridge/guardrail/internal/domain"
	"github.com/clearbridge/guardrail/internal/pagination"
)

type lifecycleFixture struct {
	entries   *MockEntryRepository
	snapshots *MockSnapshotRepository
	jobs      *MockEmbeddingJobRepository
	detector  *MockDetector
	cache     *stubCache
	auditor   *stubAuditor
	service   *LifecycleService
}

func newLifecycleFixture(uuids ...string) *lifecycleFixture {
	f := &lifecycleFixture{
		entries:   new(MockEntryRepository),
		snapshots: new(MockSnapshotRepository),
		jobs:      new(MockEmbeddingJobRepository),
		detector:  new(MockDetector),
		cache:     &stubCache{},
		auditor:   &stubAuditor{},
	}
	f.service = NewLifecycleService(LifecycleDeps{
		TxRunner:        &stubTxRunner{entries: f.entries, snapshots: f.snapshots, jobs: f.jobs},
		Entries:         f.entries,
		Snapshots:       f.snapshots,
		Jobs:            f.jobs,
		Detector:        f.detector,
		Cache:           f.cache,
		Auditor:         f.auditor,
		UUIDGen:         NewMockUUIDGenerator(uuids...),
		RestrictedTerms: []string{"guaranteed cure"},
		Clock:           func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) },
	})
	return f
}

var (
	manager = domain.Actor{ID: "key-1", OrgID: "org-1", Role: domain.RoleManager}
	staff   = domain.Actor{ID: "key-2", OrgID: "org-1", Role: domain.RoleStaff}
)

func TestLifecycleService_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("creates draft at version 1 with snapshot", func(t *testing.T) {
		f := newLifecycleFixture("entry-1", "snap-1")

		f.detector.On("Check", mock.Anything, "org-1", "", mock.Anything).Return(&DuplicateCheck{}, nil)
		f.entries.On("Create", mock.Anything, mock.MatchedBy(func(e *domain.KnowledgeEntry) bool {
			return e.ID == "entry-1" &&
				e.OrgID == "org-1" &&
				e.Status == domain.EntryStatusDraft &&
				e.Version == 1
		})).Return(nil)
		f.snapshots.On("Create", mock.Anything, mock.MatchedBy(func(s *domain.VersionSnapshot) bool {
			return s.EntryID == "entry-1" && s.Version == 1 && s.Actor == "key-2"
		})).Return(nil)

		result, err := f.service.Create(ctx, staff, CreateEntryInput{
			Title:   "Refund policy",
			Content: "Refunds are processed within 14 business days of the request.",
		})

		require.NoError(t, err)
		assert.Equal(t, int64(1), result.Entry.Version)
		assert.Empty(t, result.Warnings)
		assert.Nil(t, result.Duplicate)
		assert.Equal(t, []string{domain.AuditActionCreate}, f.auditor.actions())
		f.entries.AssertExpectations(t)
		f.snapshots.AssertExpectations(t)
	})

	t.Run("restricted terms warn but never block", func(t *testing.T) {
		f := newLifecycleFixture("entry-1", "snap-1")

		f.detector.On("Check", mock.Anything, "org-1", "", mock.Anything).Return(&DuplicateCheck{}, nil)
		f.entries.On("Create", mock.Anything, mock.Anything).Return(nil)
		f.snapshots.On("Create", mock.Anything, mock.Anything).Return(nil)

		result, err := f.service.Create(ctx, staff, CreateEntryInput{
			Title:   "Miracle treatment",
			Content: "Our miracle treatment is a guaranteed cure for everything.",
		})

		require.NoError(t, err)
		require.Len(t, result.Warnings, 1)
		assert.Contains(t, result.Warnings[0], "guaranteed cure")
	})

	t.Run("surfaces flagged duplicate without blocking the save", func(t *testing.T) {
		f := newLifecycleFixture("entry-1", "snap-1")

		f.detector.On("Check", mock.Anything, "org-1", "", mock.Anything).Return(&DuplicateCheck{
			Duplicate: &DuplicateResult{ExistingID: "entry-0", Score: 0.91},
		}, nil)
		f.entries.On("Create", mock.Anything, mock.Anything).Return(nil)
		f.snapshots.On("Create", mock.Anything, mock.Anything).Return(nil)

		result, err := f.service.Create(ctx, staff, CreateEntryInput{
			Title:   "Refund policy",
			Content: "Refunds are processed within 14 business days of the request.",
		})

		require.NoError(t, err)
		require.NotNil(t, result.Duplicate)
		assert.Equal(t, "entry-0", result.Duplicate.ExistingID)
		assert.InDelta(t, 0.91, result.Duplicate.Score, 1e-9)
	})

	t.Run("rejects content below the minimum length", func(t *testing.T) {
		f := newLifecycleFixture()

		_, err := f.service.Create(ctx, staff, CreateEntryInput{Title: "Short", Content: "too short"})

		assert.Equal(t, domain.ErrContentTooShort, err)
		f.entries.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	})

	t.Run("budget rejection propagates untouched", func(t *testing.T) {
		f := newLifecycleFixture()
		budgetErr := &domain.BudgetError{OrgID: "org-1", Reason: domain.BudgetReasonHardLimit}

		f.detector.On("Check", mock.Anything, "org-1", "", mock.Anything).Return(nil, budgetErr)

		_, err := f.service.Create(ctx, staff, CreateEntryInput{
			Title:   "Refund policy",
			Content: "Refunds are processed within 14 business days of the request.",
		})

		assert.Equal(t, budgetErr, err)
	})
}

func TestLifecycleService_Update(t *testing.T) {
	ctx := context.Background()

	existing := func() *domain.KnowledgeEntry {
		return &domain.KnowledgeEntry{
			ID:      "entry-1",
			OrgID:   "org-1",
			Status:  domain.EntryStatusApproved,
			Version: 3,
			Title:   "Refund policy",
			Content: "Refunds are processed within 30 business days of the request.",
		}
	}

	t.Run("writes a new draft version", func(t *testing.T) {
		f := newLifecycleFixture("snap-4")

		f.entries.On("GetByID", mock.Anything, "org-1", "entry-1").Return(existing(), nil)
		f.detector.On("Check", mock.Anything, "org-1", "entry-1", mock.Anything).Return(&DuplicateCheck{}, nil)
		f.entries.On("UpdateVersioned", mock.Anything, mock.MatchedBy(func(e *domain.KnowledgeEntry) bool {
			return e.Version == 4 && e.Status == domain.EntryStatusDraft
		}), int64(3)).Return(nil)
		f.snapshots.On("Create", mock.Anything, mock.MatchedBy(func(s *domain.VersionSnapshot) bool {
			return s.Version == 4 && s.Status == domain.EntryStatusDraft
		})).Return(nil)

		result, err := f.service.Update(ctx, staff, UpdateEntryInput{
			EntryID:         "entry-1",
			ExpectedVersion: 3,
			Content:         "Refunds are processed within 14 business days of the request.",
		})

		require.NoError(t, err)
		assert.Equal(t, int64(4), result.Entry.Version)
		assert.Equal(t, []string{domain.AuditActionUpdate}, f.auditor.actions())
	})

	t.Run("stale expected version loses with VersionConflict", func(t *testing.T) {
		f := newLifecycleFixture()

		f.entries.On("GetByID", mock.Anything, "org-1", "entry-1").Return(existing(), nil)

		_, err := f.service.Update(ctx, staff, UpdateEntryInput{
			EntryID:         "entry-1",
			ExpectedVersion: 2,
			Content:         "Refunds are processed within 14 business days of the request.",
		})

		assert.Equal(t, domain.ErrVersionConflict, err)
		f.entries.AssertNotCalled(t, "UpdateVersioned", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("entry outside actor org reads as not found", func(t *testing.T) {
		f := newLifecycleFixture()

		f.entries.On("GetByID", mock.Anything, "org-1", "entry-9").Return(nil, domain.ErrEntryNotFound)

		_, err := f.service.Update(ctx, staff, UpdateEntryInput{
			EntryID:         "entry-9",
			ExpectedVersion: 1,
			Content:         "Refunds are processed within 14 business days of the request.",
		})

		assert.Equal(t, domain.ErrEntryNotFound, err)
	})
}

func TestLifecycleService_Approve(t *testing.T) {
	ctx := context.Background()

	draft := func() *domain.KnowledgeEntry {
		return &domain.KnowledgeEntry{
			ID:      "entry-1",
			OrgID:   "org-1",
			Status:  domain.EntryStatusDraft,
			Version: 1,
			Title:   "Refund policy",
			Content: "Refunds are processed within 14 business days of the request.",
		}
	}

	t.Run("staff role is denied", func(t *testing.T) {
		f := newLifecycleFixture()

		_, err := f.service.Approve(ctx, staff, "entry-1")

		assert.Equal(t, domain.ErrPermissionDenied, err)
		f.entries.AssertNotCalled(t, "GetByID", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("approval snapshots, enqueues and invalidates", func(t *testing.T) {
		f := newLifecycleFixture("snap-2", "job-1")

		f.entries.On("GetByID", mock.Anything, "org-1", "entry-1").Return(draft(), nil)
		f.entries.On("UpdateVersioned", mock.Anything, mock.MatchedBy(func(e *domain.KnowledgeEntry) bool {
			return e.Status == domain.EntryStatusApproved && e.Version == 2
		}), int64(1)).Return(nil)
		f.snapshots.On("Create", mock.Anything, mock.MatchedBy(func(s *domain.VersionSnapshot) bool {
			return s.Version == 2 && s.Status == domain.EntryStatusApproved
		})).Return(nil)
		f.jobs.On("Enqueue", mock.Anything, mock.MatchedBy(func(j *domain.EmbeddingJob) bool {
			return j.OrgID == "org-1" && j.EntryID == "entry-1" && j.State == domain.JobStatePending
		})).Return(nil)

		entry, err := f.service.Approve(ctx, manager, "entry-1")

		require.NoError(t, err)
		assert.Equal(t, domain.EntryStatusApproved, entry.Status)
		assert.Equal(t, int64(2), entry.Version)
		assert.Equal(t, []string{"entry-1"}, f.cache.invalidated)
		assert.Equal(t, []string{domain.AuditActionApprove}, f.auditor.actions())
		f.jobs.AssertExpectations(t)
	})

	t.Run("approving an approved entry is rejected", func(t *testing.T) {
		f := newLifecycleFixture()
		approved := draft()
		approved.Status = domain.EntryStatusApproved

		f.entries.On("GetByID", mock.Anything, "org-1", "entry-1").Return(approved, nil)

		_, err := f.service.Approve(ctx, manager, "entry-1")

		var domainErr *domain.DomainError
		require.ErrorAs(t, err, &domainErr)
		assert.Equal(t, domain.ErrCodeInvalidOperation, domainErr.Code)
	})
}

func TestLifecycleService_Reject(t *testing.T) {
	ctx := context.Background()

	approved := func() *domain.KnowledgeEntry {
		return &domain.KnowledgeEntry{
			ID:      "entry-1",
			OrgID:   "org-1",
			Status:  domain.EntryStatusApproved,
			Version: 2,
			Title:   "Refund policy",
			Content: "Refunds are processed within 14 business days of the request.",
		}
	}

	t.Run("rejection returns to draft with a new snapshot and no enqueue", func(t *testing.T) {
		f := newLifecycleFixture("snap-3")

		f.entries.On("GetByID", mock.Anything, "org-1", "entry-1").Return(approved(), nil)
		f.entries.On("UpdateVersioned", mock.Anything, mock.MatchedBy(func(e *domain.KnowledgeEntry) bool {
			return e.Status == domain.EntryStatusDraft && e.Version == 3
		}), int64(2)).Return(nil)
		f.snapshots.On("Create", mock.Anything, mock.MatchedBy(func(s *domain.VersionSnapshot) bool {
			return s.Version == 3
		})).Return(nil)

		entry, err := f.service.Reject(ctx, manager, "entry-1", "pricing is out of date")

		require.NoError(t, err)
		assert.Equal(t, domain.EntryStatusDraft, entry.Status)
		assert.Equal(t, int64(3), entry.Version)
		f.jobs.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)

		require.Len(t, f.auditor.events, 1)
		assert.Equal(t, "pricing is out of date", f.auditor.events[0].details["reason"])
	})

	t.Run("reason is truncated", func(t *testing.T) {
		f := newLifecycleFixture("snap-3")

		f.entries.On("GetByID", mock.Anything, "org-1", "entry-1").Return(approved(), nil)
		f.entries.On("UpdateVersioned", mock.Anything, mock.Anything, int64(2)).Return(nil)
		f.snapshots.On("Create", mock.Anything, mock.Anything).Return(nil)

		longReason := strings.Repeat("x", 2*MaxRejectReasonLength)
		_, err := f.service.Reject(ctx, manager, "entry-1", longReason)

		require.NoError(t, err)
		require.Len(t, f.auditor.events, 1)
		assert.Len(t, f.auditor.events[0].details["reason"], MaxRejectReasonLength)
	})

	t.Run("rejecting a draft is an invalid transition", func(t *testing.T) {
		f := newLifecycleFixture()
		draft := approved()
		draft.Status = domain.EntryStatusDraft

		f.entries.On("GetByID", mock.Anything, "org-1", "entry-1").Return(draft, nil)

		_, err := f.service.Reject(ctx, manager, "entry-1", "nope")

		var domainErr *domain.DomainError
		require.ErrorAs(t, err, &domainErr)
		assert.Equal(t, domain.ErrCodeInvalidOperation, domainErr.Code)
	})
}

func TestLifecycleService_Rollback(t *testing.T) {
	ctx := context.Background()

	t.Run("rollback to an approved snapshot re-approves and re-embeds", func(t *testing.T) {
		f := newLifecycleFixture("snap-6", "job-2")

		current := &domain.KnowledgeEntry{
			ID: "entry-1", OrgID: "org-1", Status: domain.EntryStatusDraft, Version: 5,
			Title: "Refund policy v5", Content: "Current draft content for the refund policy.",
		}
		target := &domain.VersionSnapshot{
			ID: "snap-2", EntryID: "entry-1", Version: 2,
			Title: "Refund policy", Content: "The original approved refund policy content.",
			Status: domain.EntryStatusApproved,
		}

		f.entries.On("GetByID", mock.Anything, "org-1", "entry-1").Return(current, nil)
		f.snapshots.On("GetByVersion", mock.Anything, "entry-1", int64(2)).Return(target, nil)
		f.entries.On("UpdateVersioned", mock.Anything, mock.MatchedBy(func(e *domain.KnowledgeEntry) bool {
			return e.Version == 6 &&
				e.Status == domain.EntryStatusApproved &&
				e.Content == target.Content
		}), int64(5)).Return(nil)
		f.snapshots.On("Create", mock.Anything, mock.MatchedBy(func(s *domain.VersionSnapshot) bool {
			return s.Version == 6 && s.Content == target.Content
		})).Return(nil)
		f.jobs.On("Enqueue", mock.Anything, mock.Anything).Return(nil)

		entry, err := f.service.Rollback(ctx, manager, "entry-1", 2)

		require.NoError(t, err)
		assert.Equal(t, int64(6), entry.Version)
		assert.Equal(t, domain.EntryStatusApproved, entry.Status)
		assert.Equal(t, []string{"entry-1"}, f.cache.invalidated)
		f.jobs.AssertExpectations(t)
	})

	t.Run("rollback to a draft snapshot stays draft without enqueue", func(t *testing.T) {
		f := newLifecycleFixture("snap-6")

		current := &domain.KnowledgeEntry{
			ID: "entry-1", OrgID: "org-1", Status: domain.EntryStatusApproved, Version: 5,
			Title: "Refund policy", Content: "Currently approved refund policy content.",
		}
		target := &domain.VersionSnapshot{
			ID: "snap-3", EntryID: "entry-1", Version: 3,
			Title: "Refund policy draft", Content: "An interim draft of the refund policy.",
			Status: domain.EntryStatusDraft,
		}

		f.entries.On("GetByID", mock.Anything, "org-1", "entry-1").Return(current, nil)
		f.snapshots.On("GetByVersion", mock.Anything, "entry-1", int64(3)).Return(target, nil)
		f.entries.On("UpdateVersioned", mock.Anything, mock.MatchedBy(func(e *domain.KnowledgeEntry) bool {
			return e.Version == 6 && e.Status == domain.EntryStatusDraft
		}), int64(5)).Return(nil)
		f.snapshots.On("Create", mock.Anything, mock.Anything).Return(nil)

		entry, err := f.service.Rollback(ctx, manager, "entry-1", 3)

		require.NoError(t, err)
		assert.Equal(t, domain.EntryStatusDraft, entry.Status)
		f.jobs.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
		assert.Empty(t, f.cache.invalidated)
	})

	t.Run("unknown target version is not found", func(t *testing.T) {
		f := newLifecycleFixture()

		current := &domain.KnowledgeEntry{ID: "entry-1", OrgID: "org-1", Status: domain.EntryStatusDraft, Version: 5}
		f.entries.On("GetByID", mock.Anything, "org-1", "entry-1").Return(current, nil)
		f.snapshots.On("GetByVersion", mock.Anything, "entry-1", int64(42)).Return(nil, domain.ErrSnapshotNotFound)

		_, err := f.service.Rollback(ctx, manager, "entry-1", 42)

		assert.Equal(t, domain.ErrSnapshotNotFound, err)
	})
}

func TestLifecycleService_ResolveDuplicate(t *testing.T) {
	ctx := context.Background()

	t.Run("replace soft-deletes the existing entry and its vector", func(t *testing.T) {
		f := newLifecycleFixture()

		f.entries.On("SoftDelete", mock.Anything, "org-1", "entry-0").Return(nil)
		f.detector.On("Remove", mock.Anything, "org-1", "entry-0").Return(nil)

		err := f.service.ResolveDuplicate(ctx, manager, "entry-1", "entry-0", ResolutionReplace)

		require.NoError(t, err)
		assert.Equal(t, []string{"entry-0"}, f.cache.invalidated)
		require.Len(t, f.auditor.events, 1)
		assert.Equal(t, domain.AuditActionDuplicateDecision, f.auditor.events[0].action)
		assert.Equal(t, "replace", f.auditor.events[0].details["resolution"])
	})

	t.Run("keep only records the decision", func(t *testing.T) {
		f := newLifecycleFixture()

		err := f.service.ResolveDuplicate(ctx, staff, "entry-1", "entry-0", ResolutionKeep)

		require.NoError(t, err)
		f.entries.AssertNotCalled(t, "SoftDelete", mock.Anything, mock.Anything, mock.Anything)
		assert.Len(t, f.auditor.events, 1)
	})

	t.Run("cancel discards the new entry", func(t *testing.T) {
		f := newLifecycleFixture()

		f.entries.On("SoftDelete", mock.Anything, "org-1", "entry-1").Return(nil)
		f.detector.On("Remove", mock.Anything, "org-1", "entry-1").Return(nil)

		err := f.service.ResolveDuplicate(ctx, manager, "entry-1", "entry-0", ResolutionCancel)

		require.NoError(t, err)
	})

	t.Run("staff may not discard entries", func(t *testing.T) {
		f := newLifecycleFixture()

		err := f.service.ResolveDuplicate(ctx, staff, "entry-1", "entry-0", ResolutionReplace)
		assert.Equal(t, domain.ErrPermissionDenied, err)

		err = f.service.ResolveDuplicate(ctx, staff, "entry-1", "entry-0", ResolutionCancel)
		assert.Equal(t, domain.ErrPermissionDenied, err)

		f.entries.AssertNotCalled(t, "SoftDelete", mock.Anything, mock.Anything, mock.Anything)
		assert.Empty(t, f.auditor.events)
	})

	t.Run("unknown resolution is a validation error", func(t *testing.T) {
		f := newLifecycleFixture()

		err := f.service.ResolveDuplicate(ctx, staff, "entry-1", "entry-0", "merge")

		var domainErr *domain.DomainError
		require.ErrorAs(t, err, &domainErr)
		assert.Equal(t, domain.ErrCodeValidation, domainErr.Code)
	})
}

func TestLifecycleService_ListEntries(t *testing.T) {
	ctx := context.Background()

	t.Run("malformed cursor is a validation error", func(t *testing.T) {
		f := newLifecycleFixture()

		_, err := f.service.ListEntries(ctx, staff, ListEntriesInput{Cursor: "%%%not-a-cursor%%%"})

		var domainErr *domain.DomainError
		require.ErrorAs(t, err, &domainErr)
		assert.Equal(t, domain.ErrCodeValidation, domainErr.Code)
		f.entries.AssertNotCalled(t, "ListByOrgWithCursor", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("empty cursor lists the first page", func(t *testing.T) {
		f := newLifecycleFixture()

		f.entries.On("ListByOrgWithCursor", mock.Anything, "org-1", (*pagination.Cursor)(nil), 20).
			Return(&EntryPageResult{Items: []*domain.KnowledgeEntry{{ID: "entry-1"}}, HasMore: false}, nil)

		out, err := f.service.ListEntries(ctx, staff, ListEntriesInput{})

		require.NoError(t, err)
		require.Len(t, out.Items, 1)
		assert.False(t, out.HasMore)
	})
}
