//go:build integration

package vector

import (
	"context"
	"testing"

	"github.com/clearbridge/guardrail/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unitVector returns a 1536-dim embedding with all weight on one axis, so
// cosine similarity between two vectors is 1 for the same axis and 0
// otherwise.
func unitVector(axis int) []float32 {
	v := make([]float32, 1536)
	v[axis] = 1
	return v
}

func TestPgIndex_UpsertAndQuery(t *testing.T) {
	ctx := context.Background()
	pc := testutil.NewPostgresContainer(ctx, t)
	defer pc.Terminate(ctx)

	pool := testutil.NewTestPool(ctx, t, pc, "../../migrations")
	defer pool.Close()

	index := NewPgIndex(pool)
	ns := Namespace{OrgID: uuid.NewString(), EmbeddingVersion: 1}

	entryA := uuid.NewString()
	entryB := uuid.NewString()
	require.NoError(t, index.Upsert(ctx, ns, entryA, unitVector(0)))
	require.NoError(t, index.Upsert(ctx, ns, entryB, unitVector(1)))

	matches, err := index.Query(ctx, ns, unitVector(0), 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, entryA, matches[0].ID)
	assert.InDelta(t, 1.0, matches[0].Score, 0.001)
	assert.InDelta(t, 0.0, matches[1].Score, 0.001)
}

func TestPgIndex_UpsertReplacesEmbedding(t *testing.T) {
	ctx := context.Background()
	pc := testutil.NewPostgresContainer(ctx, t)
	defer pc.Terminate(ctx)

	pool := testutil.NewTestPool(ctx, t, pc, "../../migrations")
	defer pool.Close()

	index := NewPgIndex(pool)
	ns := Namespace{OrgID: uuid.NewString(), EmbeddingVersion: 1}
	entryID := uuid.NewString()

	require.NoError(t, index.Upsert(ctx, ns, entryID, unitVector(0)))
	require.NoError(t, index.Upsert(ctx, ns, entryID, unitVector(1)))

	matches, err := index.Query(ctx, ns, unitVector(1), 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, entryID, matches[0].ID)
	assert.InDelta(t, 1.0, matches[0].Score, 0.001)
}

func TestPgIndex_NamespaceIsolation(t *testing.T) {
	ctx := context.Background()
	pc := testutil.NewPostgresContainer(ctx, t)
	defer pc.Terminate(ctx)

	pool := testutil.NewTestPool(ctx, t, pc, "../../migrations")
	defer pool.Close()

	index := NewPgIndex(pool)
	nsA := Namespace{OrgID: uuid.NewString(), EmbeddingVersion: 1}
	nsB := Namespace{OrgID: uuid.NewString(), EmbeddingVersion: 1}

	require.NoError(t, index.Upsert(ctx, nsA, uuid.NewString(), unitVector(0)))

	// Another org's namespace never sees the vector.
	matches, err := index.Query(ctx, nsB, unitVector(0), 5)
	require.NoError(t, err)
	assert.Empty(t, matches)

	// Neither does an older embedding version within the same org.
	oldVersion := Namespace{OrgID: nsA.OrgID, EmbeddingVersion: 2}
	matches, err = index.Query(ctx, oldVersion, unitVector(0), 5)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestPgIndex_Delete(t *testing.T) {
	ctx := context.Background()
	pc := testutil.NewPostgresContainer(ctx, t)
	defer pc.Terminate(ctx)

	pool := testutil.NewTestPool(ctx, t, pc, "../../migrations")
	defer pool.Close()

	index := NewPgIndex(pool)
	ns := Namespace{OrgID: uuid.NewString(), EmbeddingVersion: 1}
	entryID := uuid.NewString()

	require.NoError(t, index.Upsert(ctx, ns, entryID, unitVector(0)))
	require.NoError(t, index.Delete(ctx, ns, entryID))

	matches, err := index.Query(ctx, ns, unitVector(0), 5)
	require.NoError(t, err)
	assert.Empty(t, matches)
}
