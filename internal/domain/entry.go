package domain

import (
	"fmt"
	"strings"
	"time"
)

// EntryStatus represents the lifecycle status of a knowledge entry
type EntryStatus string

const (
	EntryStatusDraft           EntryStatus = "draft"
	EntryStatusApproved        EntryStatus = "approved"
	EntryStatusRejected        EntryStatus = "rejected"
	EntryStatusEmbeddingFailed EntryStatus = "embedding_failed"
)

// DriftFlag marks entries whose stored knowledge may have diverged from reality
type DriftFlag string

const (
	DriftFlagNone        DriftFlag = ""
	DriftFlagCandidate   DriftFlag = "candidate_drift"
	DriftFlagNeedsReview DriftFlag = "needs_review"
)

// Content length bounds enforced on create and update
const (
	MinContentLength = 10
	MaxContentLength = 20000
)

// KnowledgeEntry represents a tenant-editable content unit eligible for
// retrieval by the assistant. Mutated only through lifecycle operations;
// Version increments on every committed change and is never reused.
type KnowledgeEntry struct {
	ID               string
	OrgID            string
	BaseTemplateID   string
	Status           EntryStatus
	Version          int64
	Title            string
	Content          string
	EmbeddingVersion int32
	LastEmbeddedAt   *time.Time
	DriftFlag        DriftFlag
	DriftFlaggedAt   *time.Time
	DeletedAt        *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IsDeleted returns true if the entry has been soft-deleted
func (e *KnowledgeEntry) IsDeleted() bool {
	return e.DeletedAt != nil
}

// ValidateEntry validates a KnowledgeEntry instance
func ValidateEntry(e *KnowledgeEntry) error {
	if e == nil {
		return fmt.Errorf("entry cannot be nil")
	}

	if e.ID == "" {
		return fmt.Errorf("entry ID is required")
	}

	if e.OrgID == "" {
		return fmt.Errorf("entry OrgID is required")
	}

	if e.Title == "" {
		return fmt.Errorf("entry Title is required")
	}

	if e.Version < 1 {
		return fmt.Errorf("entry Version must be at least 1")
	}

	if !isValidEntryStatus(e.Status) {
		return fmt.Errorf("entry Status is invalid: %s", e.Status)
	}

	return ValidateContent(e.Content)
}

// ValidateContent checks content length bounds
func ValidateContent(content string) error {
	trimmed := strings.TrimSpace(content)
	if len(trimmed) < MinContentLength {
		return ErrContentTooShort
	}
	if len(trimmed) > MaxContentLength {
		return ErrContentTooLong
	}
	return nil
}

// RestrictedTermWarnings scans content for terms a tenant should not publish
// without review. Warnings never block the save.
func RestrictedTermWarnings(content string, terms []string) []string {
	if len(terms) == 0 {
		return nil
	}
	lower := strings.ToLower(content)
	var warnings []string
	for _, term := range terms {
		if term == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(term)) {
			warnings = append(warnings, fmt.Sprintf("content contains restricted term %q", term))
		}
	}
	return warnings
}

// isValidEntryStatus checks if an EntryStatus is valid
func isValidEntryStatus(s EntryStatus) bool {
	switch s {
	case EntryStatusDraft, EntryStatusApproved, EntryStatusRejected, EntryStatusEmbeddingFailed:
		return true
	}
	return false
}
