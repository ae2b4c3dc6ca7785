package repository

import (
	"context"
	"errors"
	"time"

	"github.com/clearbridge/guardrail/internal/domain"
	"github.com/clearbridge/guardrail/internal/pagination"
	"github.com/clearbridge/guardrail/internal/service"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const entryColumns = `id, org_id, base_template_id, status, version, title, content,
	embedding_version, last_embedded_at, drift_flag, drift_flagged_at, deleted_at, created_at, updated_at`

type EntryRepository struct {
	db dbtx
}

func NewEntryRepository(pool *pgxpool.Pool) *EntryRepository {
	return &EntryRepository{db: pool}
}

func NewEntryRepositoryWithTx(tx pgx.Tx) *EntryRepository {
	return &EntryRepository{db: tx}
}

func (r *EntryRepository) Create(ctx context.Context, e *domain.KnowledgeEntry) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO knowledge_entries
			(id, org_id, base_template_id, status, version, title, content,
			 embedding_version, last_embedded_at, drift_flag, drift_flagged_at, deleted_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		e.ID, e.OrgID, nullableString(e.BaseTemplateID), e.Status, e.Version, e.Title, e.Content,
		e.EmbeddingVersion, e.LastEmbeddedAt, string(e.DriftFlag), e.DriftFlaggedAt, e.DeletedAt, e.CreatedAt, e.UpdatedAt,
	)
	return err
}

// GetByID fetches an entry scoped to an organization. A wrong org yields
// NotFound, never a permission error, so existence does not leak across
// tenants.
func (r *EntryRepository) GetByID(ctx context.Context, orgID, id string) (*domain.KnowledgeEntry, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+entryColumns+`
		 FROM knowledge_entries WHERE id = $1 AND org_id = $2 AND deleted_at IS NULL`,
		id, orgID,
	)
	return scanEntry(row)
}

// UpdateVersioned writes a new content version using optimistic concurrency:
// the update only lands if the stored version still equals expectedVersion.
func (r *EntryRepository) UpdateVersioned(ctx context.Context, e *domain.KnowledgeEntry, expectedVersion int64) error {
	cmdTag, err := r.db.Exec(ctx,
		`UPDATE knowledge_entries
		 SET status = $1, version = $2, title = $3, content = $4, updated_at = $5,
		     drift_flag = '', drift_flagged_at = NULL
		 WHERE id = $6 AND org_id = $7 AND version = $8 AND deleted_at IS NULL`,
		e.Status, e.Version, e.Title, e.Content, e.UpdatedAt,
		e.ID, e.OrgID, expectedVersion,
	)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		// Either the entry vanished or someone else won the version race.
		// Distinguish so callers get the right error kind.
		var exists bool
		checkErr := r.db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM knowledge_entries WHERE id = $1 AND org_id = $2 AND deleted_at IS NULL)`,
			e.ID, e.OrgID,
		).Scan(&exists)
		if checkErr != nil {
			return checkErr
		}
		if exists {
			return domain.ErrVersionConflict
		}
		return domain.ErrEntryNotFound
	}
	return nil
}

func (r *EntryRepository) UpdateStatus(ctx context.Context, orgID, id string, status domain.EntryStatus) error {
	cmdTag, err := r.db.Exec(ctx,
		`UPDATE knowledge_entries SET status = $1, updated_at = $2
		 WHERE id = $3 AND org_id = $4 AND deleted_at IS NULL`,
		status, time.Now().UTC(), id, orgID,
	)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return domain.ErrEntryNotFound
	}
	return nil
}

// MarkEmbedded records a successful embedding pass and returns a failed
// entry to approved.
func (r *EntryRepository) MarkEmbedded(ctx context.Context, orgID, id string, embeddedAt time.Time, embeddingVersion int32) error {
	cmdTag, err := r.db.Exec(ctx,
		`UPDATE knowledge_entries
		 SET last_embedded_at = $1, embedding_version = $2, status = $3, updated_at = $1
		 WHERE id = $4 AND org_id = $5 AND status IN ($3, $6) AND deleted_at IS NULL`,
		embeddedAt, embeddingVersion, domain.EntryStatusApproved, id, orgID, domain.EntryStatusEmbeddingFailed,
	)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return domain.ErrEntryNotFound
	}
	return nil
}

func (r *EntryRepository) SoftDelete(ctx context.Context, orgID, id string) error {
	now := time.Now().UTC()
	cmdTag, err := r.db.Exec(ctx,
		`UPDATE knowledge_entries SET deleted_at = $1, updated_at = $1
		 WHERE id = $2 AND org_id = $3 AND deleted_at IS NULL`,
		now, id, orgID,
	)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return domain.ErrEntryNotFound
	}
	return nil
}

func (r *EntryRepository) ListByOrgWithCursor(ctx context.Context, orgID string, cursor *pagination.Cursor, limit int) (*service.EntryPageResult, error) {
	if limit <= 0 {
		limit = 20
	}

	var rows pgx.Rows
	var err error

	if cursor != nil {
		rows, err = r.db.Query(ctx,
			`SELECT `+entryColumns+`
			 FROM knowledge_entries
			 WHERE org_id = $1 AND deleted_at IS NULL AND (updated_at, id) < ($2, $3)
			 ORDER BY updated_at DESC, id DESC
			 LIMIT $4`,
			orgID, cursor.Timestamp, cursor.LastID, limit+1,
		)
	} else {
		rows, err = r.db.Query(ctx,
			`SELECT `+entryColumns+`
			 FROM knowledge_entries
			 WHERE org_id = $1 AND deleted_at IS NULL
			 ORDER BY updated_at DESC, id DESC
			 LIMIT $2`,
			orgID, limit+1,
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items, err := scanEntryRows(rows)
	if err != nil {
		return nil, err
	}

	hasMore := len(items) > limit
	if hasMore {
		items = items[:limit]
	}

	var nextCursor string
	if hasMore && len(items) > 0 {
		last := items[len(items)-1]
		nextCursor = pagination.EncodeCursor(last.ID, last.UpdatedAt)
	}

	return &service.EntryPageResult{
		Items:      items,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	}, nil
}

// FlagDriftCandidates marks approved entries whose embedding is older than
// cutoff as candidate_drift. Re-running with no new qualifying entries
// touches zero rows.
func (r *EntryRepository) FlagDriftCandidates(ctx context.Context, cutoff, now time.Time) (int64, error) {
	cmdTag, err := r.db.Exec(ctx,
		`UPDATE knowledge_entries
		 SET drift_flag = $1, drift_flagged_at = $2, updated_at = $2
		 WHERE status = $3
		   AND deleted_at IS NULL
		   AND drift_flag = ''
		   AND COALESCE(last_embedded_at, updated_at) < $4`,
		string(domain.DriftFlagCandidate), now, domain.EntryStatusApproved, cutoff,
	)
	if err != nil {
		return 0, err
	}
	return cmdTag.RowsAffected(), nil
}

// ExpireDriftFlags promotes unconfirmed candidate flags past the horizon
// into needs_review.
func (r *EntryRepository) ExpireDriftFlags(ctx context.Context, horizon, now time.Time) (int64, error) {
	cmdTag, err := r.db.Exec(ctx,
		`UPDATE knowledge_entries
		 SET drift_flag = $1, updated_at = $2
		 WHERE drift_flag = $3
		   AND deleted_at IS NULL
		   AND drift_flagged_at < $4`,
		string(domain.DriftFlagNeedsReview), now, string(domain.DriftFlagCandidate), horizon,
	)
	if err != nil {
		return 0, err
	}
	return cmdTag.RowsAffected(), nil
}

func scanEntry(row pgx.Row) (*domain.KnowledgeEntry, error) {
	var e domain.KnowledgeEntry
	var baseTemplateID *string
	var driftFlag string
	err := row.Scan(&e.ID, &e.OrgID, &baseTemplateID, &e.Status, &e.Version, &e.Title, &e.Content,
		&e.EmbeddingVersion, &e.LastEmbeddedAt, &driftFlag, &e.DriftFlaggedAt, &e.DeletedAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrEntryNotFound
		}
		return nil, err
	}
	if baseTemplateID != nil {
		e.BaseTemplateID = *baseTemplateID
	}
	e.DriftFlag = domain.DriftFlag(driftFlag)
	return &e, nil
}

func scanEntryRows(rows pgx.Rows) ([]*domain.KnowledgeEntry, error) {
	var results []*domain.KnowledgeEntry
	for rows.Next() {
		var e domain.KnowledgeEntry
		var baseTemplateID *string
		var driftFlag string
		if err := rows.Scan(&e.ID, &e.OrgID, &baseTemplateID, &e.Status, &e.Version, &e.Title, &e.Content,
			&e.EmbeddingVersion, &e.LastEmbeddedAt, &driftFlag, &e.DriftFlaggedAt, &e.DeletedAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		if baseTemplateID != nil {
			e.BaseTemplateID = *baseTemplateID
		}
		e.DriftFlag = domain.DriftFlag(driftFlag)
		results = append(results, &e)
	}
	return results, rows.Err()
}
