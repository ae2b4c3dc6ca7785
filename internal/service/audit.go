package service

import (
	"context"
	"log"
	"time"

	"github.com/clearbridge/guardrail/internal/domain"
)

// Auditor records lifecycle and admin mutations.
type Auditor interface {
	Emit(ctx context.Context, orgID, actor, action, targetType, targetID string, details map[string]any)
}

// AuditEmitter writes append-only audit records. Delivery is best-effort:
// a failed write is logged and dropped, never surfaced to the caller.
type AuditEmitter struct {
	repo    AuditRepositoryInterface
	uuidGen UUIDGenerator
	now     func() time.Time
}

func NewAuditEmitter(repo AuditRepositoryInterface) *AuditEmitter {
	return &AuditEmitter{
		repo:    repo,
		uuidGen: &DefaultUUIDGenerator{},
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (a *AuditEmitter) Emit(ctx context.Context, orgID, actor, action, targetType, targetID string, details map[string]any) {
	rec := &domain.AuditRecord{
		ID:         a.uuidGen.NewString(),
		OrgID:      orgID,
		Actor:      actor,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Details:    details,
		CreatedAt:  a.now(),
	}

	if err := a.repo.Create(ctx, rec); err != nil {
		log.Printf("audit: dropped %s record for %s/%s: %v", action, targetType, targetID, err)
	}
}

// List returns the most recent audit records for an organization.
func (a *AuditEmitter) List(ctx context.Context, orgID string, limit int) ([]*domain.AuditRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return a.repo.ListByOrg(ctx, orgID, limit)
}
