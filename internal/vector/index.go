package vector

import "context"

// Namespace scopes vectors to a single tenant and embedding model generation.
// Entries embedded under an older generation never match queries for a newer one.
type Namespace struct {
	OrgID            string
	EmbeddingVersion int32
}

// Match is a single nearest-neighbor result. Score is cosine similarity in [0, 1].
type Match struct {
	ID    string
	Score float64
}

// Index is the vector search provider used for duplicate detection.
type Index interface {
	Upsert(ctx context.Context, ns Namespace, id string, embedding []float32) error
	Query(ctx context.Context, ns Namespace, embedding []float32, topK int) ([]Match, error)
	Delete(ctx context.Context, ns Namespace, id string) error
}
