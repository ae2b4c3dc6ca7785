package service

import (
	"context"
	"strings"
	"time"

	"github.com/clearbridge/guardrail/internal/breaker"
	"github.com/clearbridge/guardrail/internal/domain"
	"github.com/clearbridge/guardrail/internal/vector"
)

// EmbedConfig holds the embedding pipeline parameters.
type EmbedConfig struct {
	EmbeddingVersion int32
	ProviderTimeout  time.Duration
}

// EmbeddingService turns approved entry content into vectors and upserts
// them into the tenant namespace. Called by the background worker; both
// provider calls go through the circuit breaker, and a timeout counts as
// a provider failure.
type EmbeddingService struct {
	client   EmbeddingClient
	index    vector.Index
	breakers *breaker.Registry
	entries  EntryRepositoryInterface
	cfg      EmbedConfig
	now      func() time.Time
}

func NewEmbeddingService(
	client EmbeddingClient,
	index vector.Index,
	breakers *breaker.Registry,
	entries EntryRepositoryInterface,
	cfg EmbedConfig,
) *EmbeddingService {
	return &EmbeddingService{
		client:   client,
		index:    index,
		breakers: breakers,
		entries:  entries,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// EmbedEntry embeds one entry and records the result on the entry row.
// Errors are *domain.ProviderUnavailableError when a circuit is open,
// *domain.ProviderCallError when a call was attempted and failed, or a
// repository error.
func (s *EmbeddingService) EmbedEntry(ctx context.Context, orgID, entryID string) error {
	entry, err := s.entries.GetByID(ctx, orgID, entryID)
	if err != nil {
		return err
	}

	text := buildEmbeddingText(entry)

	var embedding []float32
	err = s.breakers.DoWithTimeout(ctx, domain.ProviderEmbedding, s.cfg.ProviderTimeout, func(ctx context.Context) error {
		var embedErr error
		embedding, embedErr = s.client.GenerateEmbedding(ctx, text)
		return embedErr
	})
	if err != nil {
		return err
	}

	ns := vector.Namespace{OrgID: orgID, EmbeddingVersion: s.cfg.EmbeddingVersion}
	err = s.breakers.Do(ctx, domain.ProviderVectorIndex, func(ctx context.Context) error {
		return s.index.Upsert(ctx, ns, entry.ID, embedding)
	})
	if err != nil {
		return err
	}

	return s.entries.MarkEmbedded(ctx, orgID, entryID, s.now(), s.cfg.EmbeddingVersion)
}

func buildEmbeddingText(e *domain.KnowledgeEntry) string {
	var parts []string

	if e.Title != "" {
		parts = append(parts, e.Title)
	}
	if e.Content != "" {
		parts = append(parts, e.Content)
	}

	return strings.Join(parts, "\n\n")
}
