package repository

import (
	"context"
	"errors"

	"github.com/clearbridge/guardrail/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SnapshotRepository persists immutable version snapshots. The table is
// append-only; nothing here updates or deletes.
type SnapshotRepository struct {
	db dbtx
}

func NewSnapshotRepository(pool *pgxpool.Pool) *SnapshotRepository {
	return &SnapshotRepository{db: pool}
}

func NewSnapshotRepositoryWithTx(tx pgx.Tx) *SnapshotRepository {
	return &SnapshotRepository{db: tx}
}

func (r *SnapshotRepository) Create(ctx context.Context, s *domain.VersionSnapshot) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO entry_versions (id, entry_id, version, title, content, status, actor, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.ID, s.EntryID, s.Version, s.Title, s.Content, s.Status, s.Actor, s.CreatedAt,
	)
	return err
}

func (r *SnapshotRepository) GetByVersion(ctx context.Context, entryID string, version int64) (*domain.VersionSnapshot, error) {
	var s domain.VersionSnapshot
	err := r.db.QueryRow(ctx,
		`SELECT id, entry_id, version, title, content, status, actor, created_at
		 FROM entry_versions WHERE entry_id = $1 AND version = $2`,
		entryID, version,
	).Scan(&s.ID, &s.EntryID, &s.Version, &s.Title, &s.Content, &s.Status, &s.Actor, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSnapshotNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (r *SnapshotRepository) ListByEntry(ctx context.Context, entryID string) ([]*domain.VersionSnapshot, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, entry_id, version, title, content, status, actor, created_at
		 FROM entry_versions WHERE entry_id = $1 ORDER BY version DESC`,
		entryID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snapshots []*domain.VersionSnapshot
	for rows.Next() {
		var s domain.VersionSnapshot
		if err := rows.Scan(&s.ID, &s.EntryID, &s.Version, &s.Title, &s.Content, &s.Status, &s.Actor, &s.CreatedAt); err != nil {
			return nil, err
		}
		snapshots = append(snapshots, &s)
	}
	return snapshots, rows.Err()
}
