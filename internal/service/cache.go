package service

import (
	"context"
	"log"

	"github.com/clearbridge/guardrail/internal/domain"
)

// InvalidationScope selects which cached AI responses a broadcast purges.
type InvalidationScope string

const (
	ScopeOrg       InvalidationScope = "org"
	ScopeGlobal    InvalidationScope = "global"
	ScopeKnowledge InvalidationScope = "knowledge"
)

// ResponseCacheRepositoryInterface defines the repository interface for cached AI responses
type ResponseCacheRepositoryInterface interface {
	PurgeByOrg(ctx context.Context, orgID string) (int64, error)
	PurgeByEntry(ctx context.Context, entryID string) (int64, error)
	PurgeAll(ctx context.Context) (int64, error)
}

// CacheService purges cached AI responses when approved knowledge changes.
type CacheService struct {
	repo ResponseCacheRepositoryInterface
}

func NewCacheService(repo ResponseCacheRepositoryInterface) *CacheService {
	return &CacheService{repo: repo}
}

// Invalidate purges cached responses in the given scope and returns the
// number of purged rows. Org and knowledge scopes require an id.
func (s *CacheService) Invalidate(ctx context.Context, scope InvalidationScope, id string) (int64, error) {
	switch scope {
	case ScopeOrg:
		if id == "" {
			return 0, domain.NewDomainError(domain.ErrCodeValidation, "org scope requires an organization id")
		}
		return s.repo.PurgeByOrg(ctx, id)
	case ScopeKnowledge:
		if id == "" {
			return 0, domain.NewDomainError(domain.ErrCodeValidation, "knowledge scope requires an entry id")
		}
		return s.repo.PurgeByEntry(ctx, id)
	case ScopeGlobal:
		return s.repo.PurgeAll(ctx)
	default:
		return 0, domain.NewDomainError(domain.ErrCodeValidation, "unknown invalidation scope: "+string(scope))
	}
}

// InvalidateEntry purges responses derived from a single entry. Lifecycle
// transitions call this after approval; failures are logged, not fatal,
// since a stale cached answer self-heals on the next purge.
func (s *CacheService) InvalidateEntry(ctx context.Context, entryID string) {
	if _, err := s.repo.PurgeByEntry(ctx, entryID); err != nil {
		log.Printf("cache: invalidation for entry %s failed: %v", entryID, err)
	}
}
