package vector

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

const defaultTopK = 5

// PgIndex stores embeddings in the entry_vectors table and answers
// nearest-neighbor queries with the pgvector cosine distance operator.
type PgIndex struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPgIndex(pool *pgxpool.Pool) *PgIndex {
	return &PgIndex{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

func (i *PgIndex) Upsert(ctx context.Context, ns Namespace, id string, embedding []float32) error {
	_, err := i.pool.Exec(ctx,
		`INSERT INTO entry_vectors (org_id, embedding_version, entry_id, embedding, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (org_id, embedding_version, entry_id)
		 DO UPDATE SET embedding = EXCLUDED.embedding, updated_at = EXCLUDED.updated_at`,
		ns.OrgID,
		ns.EmbeddingVersion,
		id,
		pgvector.NewVector(embedding),
		i.now(),
	)
	return err
}

func (i *PgIndex) Query(ctx context.Context, ns Namespace, embedding []float32, topK int) ([]Match, error) {
	if topK <= 0 {
		topK = defaultTopK
	}

	rows, err := i.pool.Query(ctx,
		`SELECT entry_id, 1 - (embedding <=> $1) AS score
		 FROM entry_vectors
		 WHERE org_id = $2 AND embedding_version = $3
		 ORDER BY embedding <=> $1
		 LIMIT $4`,
		pgvector.NewVector(embedding),
		ns.OrgID,
		ns.EmbeddingVersion,
		topK,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	matches := make([]Match, 0, topK)
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.ID, &m.Score); err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}

	return matches, rows.Err()
}

func (i *PgIndex) Delete(ctx context.Context, ns Namespace, id string) error {
	_, err := i.pool.Exec(ctx,
		`DELETE FROM entry_vectors
		 WHERE org_id = $1 AND embedding_version = $2 AND entry_id = $3`,
		ns.OrgID,
		ns.EmbeddingVersion,
		id,
	)
	return err
}
