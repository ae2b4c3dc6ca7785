package service

import (
	"context"
	"time"

	"github.com/clearbridge/guardrail/internal/domain"
	"github.com/clearbridge/guardrail/internal/pagination"
	"github.com/clearbridge/guardrail/internal/telemetry"
)

// MaxRejectReasonLength bounds the reason stored with a rejection audit record.
const MaxRejectReasonLength = 500

// CacheInvalidator purges cached AI responses derived from an entry.
type CacheInvalidator interface {
	InvalidateEntry(ctx context.Context, entryID string)
}

// SnapshotArchiver mirrors version snapshots to cold storage, best-effort.
type SnapshotArchiver interface {
	ArchiveSnapshot(ctx context.Context, orgID string, snap *domain.VersionSnapshot)
}

// DuplicateResolution is the caller's explicit decision for a flagged duplicate.
type DuplicateResolution string

const (
	ResolutionReplace DuplicateResolution = "replace"
	ResolutionKeep    DuplicateResolution = "keep"
	ResolutionCancel  DuplicateResolution = "cancel"
)

// LifecycleDeps wires the state machine's collaborators.
type LifecycleDeps struct {
	TxRunner        TxRunner
	Entries         EntryRepositoryInterface
	Snapshots       SnapshotRepositoryInterface
	Jobs            EmbeddingJobRepositoryInterface
	Detector        DuplicateChecker
	Cache           CacheInvalidator
	Auditor         Auditor
	Archiver        SnapshotArchiver // optional
	UUIDGen         UUIDGenerator    // optional, defaults to google/uuid
	RestrictedTerms []string
	Clock           func() time.Time // optional, for testing
}

// LifecycleService is the draft/approve/reject/rollback state machine over
// knowledge entries. Every committed change increments the entry version
// and appends an immutable snapshot; history is never rewritten.
//
// Tenant isolation lives here, not only at the transport layer: an entry
// outside the actor's org reads as NotFound.
type LifecycleService struct {
	deps LifecycleDeps
}

func NewLifecycleService(deps LifecycleDeps) *LifecycleService {
	if deps.UUIDGen == nil {
		deps.UUIDGen = &DefaultUUIDGenerator{}
	}
	if deps.Clock == nil {
		deps.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &LifecycleService{deps: deps}
}

// CreateEntryInput represents the input for creating a knowledge entry
type CreateEntryInput struct {
	BaseTemplateID string
	Title          string
	Content        string
}

// UpdateEntryInput represents the input for updating a knowledge entry
type UpdateEntryInput struct {
	EntryID         string
	ExpectedVersion int64
	Title           string
	Content         string
}

// EntryMutationResult carries the mutated entry plus advisory signals:
// restricted-term warnings, a flagged near-duplicate, and the budget
// soft-cap warning. None of these block the save.
type EntryMutationResult struct {
	Entry             *domain.KnowledgeEntry
	Snapshot          *domain.VersionSnapshot
	Warnings          []string
	Duplicate         *DuplicateResult
	BudgetSoftWarning bool
}

// Create validates and saves a new draft entry at version 1.
func (s *LifecycleService) Create(ctx context.Context, actor domain.Actor, input CreateEntryInput) (*EntryMutationResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "LifecycleService.Create", telemetry.SpanAttributes{
		OrgID:     actor.OrgID,
		Operation: "create",
	})
	defer span.End()

	if input.Title == "" {
		return nil, domain.NewDomainError(domain.ErrCodeValidation, "entry title is required")
	}
	if err := domain.ValidateContent(input.Content); err != nil {
		return nil, err
	}

	warnings := domain.RestrictedTermWarnings(input.Content, s.deps.RestrictedTerms)

	check, err := s.deps.Detector.Check(ctx, actor.OrgID, "", input.Content)
	if err != nil {
		return nil, err
	}

	now := s.deps.Clock()
	entry := &domain.KnowledgeEntry{
		ID:             s.deps.UUIDGen.NewString(),
		OrgID:          actor.OrgID,
		BaseTemplateID: input.BaseTemplateID,
		Status:         domain.EntryStatusDraft,
		Version:        1,
		Title:          input.Title,
		Content:        input.Content,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := domain.ValidateEntry(entry); err != nil {
		return nil, err
	}

	snapshot := s.newSnapshot(entry, actor, now)

	err = s.deps.TxRunner.WithTx(ctx, func(repos TxRepositories) error {
		if err := repos.Entries().Create(ctx, entry); err != nil {
			return err
		}
		return repos.Snapshots().Create(ctx, snapshot)
	})
	if err != nil {
		return nil, err
	}

	details := map[string]any{"version": entry.Version, "title": entry.Title}
	if check.Duplicate != nil {
		details["duplicate_of"] = check.Duplicate.ExistingID
		details["duplicate_score"] = check.Duplicate.Score
	}
	s.deps.Auditor.Emit(ctx, actor.OrgID, actor.ID, domain.AuditActionCreate, "knowledge_entry", entry.ID, details)
	s.archive(ctx, actor.OrgID, snapshot)

	return &EntryMutationResult{
		Entry:             entry,
		Snapshot:          snapshot,
		Warnings:          warnings,
		Duplicate:         check.Duplicate,
		BudgetSoftWarning: check.BudgetSoftWarning,
	}, nil
}

// Update writes a new draft version using optimistic concurrency: the write
// lands only if the stored version still equals ExpectedVersion.
func (s *LifecycleService) Update(ctx context.Context, actor domain.Actor, input UpdateEntryInput) (*EntryMutationResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "LifecycleService.Update", telemetry.SpanAttributes{
		OrgID:     actor.OrgID,
		EntryID:   input.EntryID,
		Operation: "update",
	})
	defer span.End()

	entry, err := s.deps.Entries.GetByID(ctx, actor.OrgID, input.EntryID)
	if err != nil {
		return nil, err
	}

	if err := domain.ValidateContent(input.Content); err != nil {
		return nil, err
	}
	if entry.Version != input.ExpectedVersion {
		return nil, domain.ErrVersionConflict
	}

	warnings := domain.RestrictedTermWarnings(input.Content, s.deps.RestrictedTerms)

	check, err := s.deps.Detector.Check(ctx, actor.OrgID, entry.ID, input.Content)
	if err != nil {
		return nil, err
	}

	now := s.deps.Clock()
	entry.Status = domain.EntryStatusDraft
	entry.Version = input.ExpectedVersion + 1
	if input.Title != "" {
		entry.Title = input.Title
	}
	entry.Content = input.Content
	entry.UpdatedAt = now

	snapshot := s.newSnapshot(entry, actor, now)

	err = s.deps.TxRunner.WithTx(ctx, func(repos TxRepositories) error {
		if err := repos.Entries().UpdateVersioned(ctx, entry, input.ExpectedVersion); err != nil {
			return err
		}
		return repos.Snapshots().Create(ctx, snapshot)
	})
	if err != nil {
		return nil, err
	}

	s.deps.Auditor.Emit(ctx, actor.OrgID, actor.ID, domain.AuditActionUpdate, "knowledge_entry", entry.ID,
		map[string]any{"version": entry.Version})
	s.archive(ctx, actor.OrgID, snapshot)

	return &EntryMutationResult{
		Entry:             entry,
		Snapshot:          snapshot,
		Warnings:          warnings,
		Duplicate:         check.Duplicate,
		BudgetSoftWarning: check.BudgetSoftWarning,
	}, nil
}

// Approve promotes an entry to approved, snapshots the new version, queues
// an embedding job and invalidates cached responses for the entry.
func (s *LifecycleService) Approve(ctx context.Context, actor domain.Actor, entryID string) (*domain.KnowledgeEntry, error) {
	ctx, span := telemetry.StartSpan(ctx, "LifecycleService.Approve", telemetry.SpanAttributes{
		OrgID:     actor.OrgID,
		EntryID:   entryID,
		Operation: "approve",
	})
	defer span.End()

	if !actor.CanApprove() {
		return nil, domain.ErrPermissionDenied
	}

	entry, err := s.deps.Entries.GetByID(ctx, actor.OrgID, entryID)
	if err != nil {
		return nil, err
	}
	if entry.Status == domain.EntryStatusApproved {
		return nil, domain.NewDomainError(domain.ErrCodeInvalidOperation, "entry is already approved")
	}

	now := s.deps.Clock()
	expected := entry.Version
	entry.Status = domain.EntryStatusApproved
	entry.Version = expected + 1
	entry.UpdatedAt = now

	snapshot := s.newSnapshot(entry, actor, now)
	job := s.newJob(entry, now)

	err = s.deps.TxRunner.WithTx(ctx, func(repos TxRepositories) error {
		if err := repos.Entries().UpdateVersioned(ctx, entry, expected); err != nil {
			return err
		}
		if err := repos.Snapshots().Create(ctx, snapshot); err != nil {
			return err
		}
		return repos.Jobs().Enqueue(ctx, job)
	})
	if err != nil {
		return nil, err
	}

	s.deps.Cache.InvalidateEntry(ctx, entry.ID)
	s.deps.Auditor.Emit(ctx, actor.OrgID, actor.ID, domain.AuditActionApprove, "knowledge_entry", entry.ID,
		map[string]any{"version": entry.Version})
	s.archive(ctx, actor.OrgID, snapshot)

	return entry, nil
}

// Reject sends an approved entry back to draft with a recorded reason.
func (s *LifecycleService) Reject(ctx context.Context, actor domain.Actor, entryID, reason string) (*domain.KnowledgeEntry, error) {
	ctx, span := telemetry.StartSpan(ctx, "LifecycleService.Reject", telemetry.SpanAttributes{
		OrgID:     actor.OrgID,
		EntryID:   entryID,
		Operation: "reject",
	})
	defer span.End()

	if !actor.CanApprove() {
		return nil, domain.ErrPermissionDenied
	}

	entry, err := s.deps.Entries.GetByID(ctx, actor.OrgID, entryID)
	if err != nil {
		return nil, err
	}
	if entry.Status != domain.EntryStatusApproved {
		return nil, domain.NewDomainError(domain.ErrCodeInvalidOperation, "only approved entries can be rejected")
	}

	if len(reason) > MaxRejectReasonLength {
		reason = reason[:MaxRejectReasonLength]
	}

	now := s.deps.Clock()
	expected := entry.Version
	entry.Status = domain.EntryStatusDraft
	entry.Version = expected + 1
	entry.UpdatedAt = now

	snapshot := s.newSnapshot(entry, actor, now)

	err = s.deps.TxRunner.WithTx(ctx, func(repos TxRepositories) error {
		if err := repos.Entries().UpdateVersioned(ctx, entry, expected); err != nil {
			return err
		}
		return repos.Snapshots().Create(ctx, snapshot)
	})
	if err != nil {
		return nil, err
	}

	s.deps.Cache.InvalidateEntry(ctx, entry.ID)
	s.deps.Auditor.Emit(ctx, actor.OrgID, actor.ID, domain.AuditActionReject, "knowledge_entry", entry.ID,
		map[string]any{"version": entry.Version, "reason": reason})
	s.archive(ctx, actor.OrgID, snapshot)

	return entry, nil
}

// Rollback copies the content of a prior snapshot into a brand-new version.
// The target version's snapshot is never modified; if it was approved, the
// entry is re-approved and re-embedded.
func (s *LifecycleService) Rollback(ctx context.Context, actor domain.Actor, entryID string, targetVersion int64) (*domain.KnowledgeEntry, error) {
	ctx, span := telemetry.StartSpan(ctx, "LifecycleService.Rollback", telemetry.SpanAttributes{
		OrgID:     actor.OrgID,
		EntryID:   entryID,
		Operation: "rollback",
	})
	defer span.End()

	if !actor.CanApprove() {
		return nil, domain.ErrPermissionDenied
	}

	entry, err := s.deps.Entries.GetByID(ctx, actor.OrgID, entryID)
	if err != nil {
		return nil, err
	}

	target, err := s.deps.Snapshots.GetByVersion(ctx, entry.ID, targetVersion)
	if err != nil {
		return nil, err
	}

	now := s.deps.Clock()
	expected := entry.Version
	entry.Version = expected + 1
	entry.Title = target.Title
	entry.Content = target.Content
	entry.UpdatedAt = now

	reapprove := target.Status == domain.EntryStatusApproved
	if reapprove {
		entry.Status = domain.EntryStatusApproved
	} else {
		entry.Status = domain.EntryStatusDraft
	}

	snapshot := s.newSnapshot(entry, actor, now)

	var job *domain.EmbeddingJob
	if reapprove {
		job = s.newJob(entry, now)
	}

	err = s.deps.TxRunner.WithTx(ctx, func(repos TxRepositories) error {
		if err := repos.Entries().UpdateVersioned(ctx, entry, expected); err != nil {
			return err
		}
		if err := repos.Snapshots().Create(ctx, snapshot); err != nil {
			return err
		}
		if job != nil {
			return repos.Jobs().Enqueue(ctx, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if reapprove {
		s.deps.Cache.InvalidateEntry(ctx, entry.ID)
	}
	s.deps.Auditor.Emit(ctx, actor.OrgID, actor.ID, domain.AuditActionRollback, "knowledge_entry", entry.ID,
		map[string]any{"target_version": targetVersion, "version": entry.Version})
	s.archive(ctx, actor.OrgID, snapshot)

	return entry, nil
}

// ResolveDuplicate records the caller's decision for a flagged duplicate.
// "replace" soft-deletes the existing entry; "cancel" discards the new one;
// "keep" only records the decision. Replace and cancel discard an entry,
// so they carry the same role gate as Delete.
func (s *LifecycleService) ResolveDuplicate(ctx context.Context, actor domain.Actor, entryID, existingID string, resolution DuplicateResolution) error {
	ctx, span := telemetry.StartSpan(ctx, "LifecycleService.ResolveDuplicate", telemetry.SpanAttributes{
		OrgID:     actor.OrgID,
		EntryID:   entryID,
		Operation: "resolve_duplicate",
	})
	defer span.End()

	switch resolution {
	case ResolutionReplace:
		if !actor.CanApprove() {
			return domain.ErrPermissionDenied
		}
		if err := s.removeEntry(ctx, actor.OrgID, existingID); err != nil {
			return err
		}
	case ResolutionCancel:
		if !actor.CanApprove() {
			return domain.ErrPermissionDenied
		}
		if err := s.removeEntry(ctx, actor.OrgID, entryID); err != nil {
			return err
		}
	case ResolutionKeep:
	default:
		return domain.NewDomainError(domain.ErrCodeValidation, "unknown duplicate resolution: "+string(resolution))
	}

	s.deps.Auditor.Emit(ctx, actor.OrgID, actor.ID, domain.AuditActionDuplicateDecision, "knowledge_entry", entryID,
		map[string]any{"existing_id": existingID, "resolution": string(resolution)})

	return nil
}

// Delete soft-deletes an entry and drops its vector and cached responses.
func (s *LifecycleService) Delete(ctx context.Context, actor domain.Actor, entryID string) error {
	ctx, span := telemetry.StartSpan(ctx, "LifecycleService.Delete", telemetry.SpanAttributes{
		OrgID:     actor.OrgID,
		EntryID:   entryID,
		Operation: "delete",
	})
	defer span.End()

	if !actor.CanApprove() {
		return domain.ErrPermissionDenied
	}

	if err := s.removeEntry(ctx, actor.OrgID, entryID); err != nil {
		return err
	}

	s.deps.Auditor.Emit(ctx, actor.OrgID, actor.ID, domain.AuditActionDelete, "knowledge_entry", entryID, nil)
	return nil
}

// GetEntry retrieves an entry within the actor's organization.
func (s *LifecycleService) GetEntry(ctx context.Context, actor domain.Actor, entryID string) (*domain.KnowledgeEntry, error) {
	return s.deps.Entries.GetByID(ctx, actor.OrgID, entryID)
}

type ListEntriesInput struct {
	Cursor string
	Limit  int
}

type ListEntriesOutput struct {
	Items   []*domain.KnowledgeEntry
	Cursor  string
	HasMore bool
}

func (s *LifecycleService) ListEntries(ctx context.Context, actor domain.Actor, input ListEntriesInput) (*ListEntriesOutput, error) {
	cursor, err := pagination.DecodeCursor(input.Cursor)
	if err != nil {
		return nil, domain.NewDomainError(domain.ErrCodeValidation, "invalid cursor")
	}
	limit := input.Limit
	if limit <= 0 {
		limit = 20
	}

	result, err := s.deps.Entries.ListByOrgWithCursor(ctx, actor.OrgID, cursor, limit)
	if err != nil {
		return nil, err
	}

	return &ListEntriesOutput{
		Items:   result.Items,
		Cursor:  result.NextCursor,
		HasMore: result.HasMore,
	}, nil
}

// ListVersions returns the full snapshot history for an entry.
func (s *LifecycleService) ListVersions(ctx context.Context, actor domain.Actor, entryID string) ([]*domain.VersionSnapshot, error) {
	if _, err := s.deps.Entries.GetByID(ctx, actor.OrgID, entryID); err != nil {
		return nil, err
	}
	return s.deps.Snapshots.ListByEntry(ctx, entryID)
}

func (s *LifecycleService) removeEntry(ctx context.Context, orgID, entryID string) error {
	if err := s.deps.Entries.SoftDelete(ctx, orgID, entryID); err != nil {
		return err
	}
	if err := s.deps.Detector.Remove(ctx, orgID, entryID); err != nil {
		// The entry row is gone; an orphaned vector only costs a wasted
		// near-miss on future duplicate checks.
		telemetry.CaptureError(ctx, err)
	}
	s.deps.Cache.InvalidateEntry(ctx, entryID)
	return nil
}

func (s *LifecycleService) newSnapshot(entry *domain.KnowledgeEntry, actor domain.Actor, now time.Time) *domain.VersionSnapshot {
	return &domain.VersionSnapshot{
		ID:        s.deps.UUIDGen.NewString(),
		EntryID:   entry.ID,
		Version:   entry.Version,
		Title:     entry.Title,
		Content:   entry.Content,
		Status:    entry.Status,
		Actor:     actor.ID,
		CreatedAt: now,
	}
}

func (s *LifecycleService) newJob(entry *domain.KnowledgeEntry, now time.Time) *domain.EmbeddingJob {
	return &domain.EmbeddingJob{
		ID:            s.deps.UUIDGen.NewString(),
		OrgID:         entry.OrgID,
		EntryID:       entry.ID,
		State:         domain.JobStatePending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
}

func (s *LifecycleService) archive(ctx context.Context, orgID string, snap *domain.VersionSnapshot) {
	if s.deps.Archiver != nil {
		s.deps.Archiver.ArchiveSnapshot(ctx, orgID, snap)
	}
}
