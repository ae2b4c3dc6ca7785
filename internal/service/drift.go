package service

import (
	"context"
	"log"
	"time"

	"github.com/clearbridge/guardrail/internal/domain"
	"github.com/clearbridge/guardrail/internal/metrics"
)

// DriftConfig holds the staleness thresholds for the scanner.
type DriftConfig struct {
	MaxAge  time.Duration // approved entries unembedded for longer become candidates
	Horizon time.Duration // candidates unconfirmed for longer escalate to needs_review
}

// DriftScanResult reports how many entries each pass touched.
type DriftScanResult struct {
	Flagged   int64
	Escalated int64
}

// DriftScanner is the periodic staleness pass over approved entries. Both
// passes are idempotent: re-running without new qualifying entries touches
// zero rows.
type DriftScanner struct {
	entries EntryRepositoryInterface
	auditor Auditor
	cfg     DriftConfig
	now     func() time.Time
}

func NewDriftScanner(entries EntryRepositoryInterface, auditor Auditor, cfg DriftConfig) *DriftScanner {
	return &DriftScanner{
		entries: entries,
		auditor: auditor,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// NewDriftScannerWithClock creates a DriftScanner with a custom clock (for testing).
func NewDriftScannerWithClock(entries EntryRepositoryInterface, auditor Auditor, cfg DriftConfig, now func() time.Time) *DriftScanner {
	s := NewDriftScanner(entries, auditor, cfg)
	s.now = now
	return s
}

// Scan runs both passes: first flag approved entries whose last embedding
// is older than MaxAge as drift candidates, then escalate candidates that
// stayed unconfirmed past Horizon to needs_review.
func (s *DriftScanner) Scan(ctx context.Context) (*DriftScanResult, error) {
	now := s.now()

	flagged, err := s.entries.FlagDriftCandidates(ctx, now.Add(-s.cfg.MaxAge), now)
	if err != nil {
		return nil, err
	}

	escalated, err := s.entries.ExpireDriftFlags(ctx, now.Add(-s.cfg.Horizon), now)
	if err != nil {
		return nil, err
	}

	if flagged > 0 {
		s.auditor.Emit(ctx, "", "drift-scanner", domain.AuditActionDriftFlagged, "drift_scan", "",
			map[string]any{"count": flagged})
	}
	if escalated > 0 {
		s.auditor.Emit(ctx, "", "drift-scanner", domain.AuditActionDriftNeedsReview, "drift_scan", "",
			map[string]any{"count": escalated})
	}

	metrics.DriftFlagged.Add(float64(flagged))
	metrics.DriftEscalated.Add(float64(escalated))

	if flagged > 0 || escalated > 0 {
		log.Printf("drift: flagged %d candidates, escalated %d to needs_review", flagged, escalated)
	}

	return &DriftScanResult{Flagged: flagged, Escalated: escalated}, nil
}
