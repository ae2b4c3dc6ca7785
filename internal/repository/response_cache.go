package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ResponseCacheRepository purges cached AI responses. The cache itself is
// written by the assistant's serving layer; the pipeline only invalidates.
type ResponseCacheRepository struct {
	db dbtx
}

func NewResponseCacheRepository(pool *pgxpool.Pool) *ResponseCacheRepository {
	return &ResponseCacheRepository{db: pool}
}

func (r *ResponseCacheRepository) PurgeByOrg(ctx context.Context, orgID string) (int64, error) {
	cmdTag, err := r.db.Exec(ctx,
		`DELETE FROM ai_response_cache WHERE org_id = $1`,
		orgID,
	)
	if err != nil {
		return 0, err
	}
	return cmdTag.RowsAffected(), nil
}

func (r *ResponseCacheRepository) PurgeByEntry(ctx context.Context, entryID string) (int64, error) {
	cmdTag, err := r.db.Exec(ctx,
		`DELETE FROM ai_response_cache WHERE entry_id = $1`,
		entryID,
	)
	if err != nil {
		return 0, err
	}
	return cmdTag.RowsAffected(), nil
}

func (r *ResponseCacheRepository) PurgeAll(ctx context.Context) (int64, error) {
	cmdTag, err := r.db.Exec(ctx, `DELETE FROM ai_response_cache`)
	if err != nil {
		return 0, err
	}
	return cmdTag.RowsAffected(), nil
}
