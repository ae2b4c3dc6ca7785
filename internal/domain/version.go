package domain

import (
	"fmt"
	"time"
)

// VersionSnapshot is an immutable copy of an entry at a lifecycle transition.
// Snapshots are append-only; rollback copies a snapshot's content into a
// brand-new version instead of rewriting history.
type VersionSnapshot struct {
	ID        string
	EntryID   string
	Version   int64
	Title     string
	Content   string
	Status    EntryStatus
	Actor     string
	CreatedAt time.Time
}

// ValidateSnapshot validates a VersionSnapshot instance
func ValidateSnapshot(s *VersionSnapshot) error {
	if s == nil {
		return fmt.Errorf("snapshot cannot be nil")
	}

	if s.ID == "" {
		return fmt.Errorf("snapshot ID is required")
	}

	if s.EntryID == "" {
		return fmt.Errorf("snapshot EntryID is required")
	}

	if s.Version <= 0 {
		return fmt.Errorf("snapshot Version must be greater than 0")
	}

	return nil
}
