package domain

import "time"

// Audit actions emitted by lifecycle and admin mutations
const (
	AuditActionCreate            = "knowledge_create"
	AuditActionUpdate            = "knowledge_update"
	AuditActionApprove           = "knowledge_approve"
	AuditActionReject            = "knowledge_reject"
	AuditActionRollback          = "knowledge_rollback"
	AuditActionDelete            = "knowledge_delete"
	AuditActionDuplicateDecision = "knowledge_duplicate_decision"
	AuditActionEmbeddingFailed   = "embedding_failed"
	AuditActionCircuitReset      = "circuit_reset"
	AuditActionCacheInvalidate   = "cache_invalidate"
	AuditActionDriftFlagged      = "drift_flagged"
	AuditActionDriftNeedsReview  = "drift_needs_review"
)

// AuditRecord is an append-only trace of a mutation. Delivery is
// best-effort: write failures never block the primary operation.
type AuditRecord struct {
	ID         string
	OrgID      string
	Actor      string
	Action     string
	TargetType string
	TargetID   string
	Details    map[string]any
	CreatedAt  time.Time
}
