package repository

import (
	"context"
	"encoding/json"

	"github.com/clearbridge/guardrail/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditRepository appends audit records. It is never read on a hot path;
// callers treat write failures as non-fatal.
type AuditRepository struct {
	db dbtx
}

func NewAuditRepository(pool *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{db: pool}
}

func (r *AuditRepository) Create(ctx context.Context, rec *domain.AuditRecord) error {
	var details []byte
	if rec.Details != nil {
		var err error
		details, err = json.Marshal(rec.Details)
		if err != nil {
			return err
		}
	}

	// System-wide records (drift scans, worker sweeps) carry no org.
	var orgID *string
	if rec.OrgID != "" {
		orgID = &rec.OrgID
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO audit_records (id, org_id, actor, action, target_type, target_id, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, orgID, rec.Actor, rec.Action, rec.TargetType, rec.TargetID, details, rec.CreatedAt,
	)
	return err
}

func (r *AuditRepository) ListByOrg(ctx context.Context, orgID string, limit int) ([]*domain.AuditRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.Query(ctx,
		`SELECT id, org_id, actor, action, target_type, target_id, details, created_at
		 FROM audit_records WHERE org_id = $1 ORDER BY created_at DESC LIMIT $2`,
		orgID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.AuditRecord
	for rows.Next() {
		var rec domain.AuditRecord
		var details []byte
		if err := rows.Scan(&rec.ID, &rec.OrgID, &rec.Actor, &rec.Action, &rec.TargetType, &rec.TargetID, &details, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &rec.Details); err != nil {
				return nil, err
			}
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}
