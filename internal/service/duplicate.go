package service

import (
	"context"
	"log"
	"time"

	"github.com/clearbridge/guardrail/internal/breaker"
	"github.com/clearbridge/guardrail/internal/budget"
	"github.com/clearbridge/guardrail/internal/domain"
	"github.com/clearbridge/guardrail/internal/metrics"
	"github.com/clearbridge/guardrail/internal/ratelimit"
	"github.com/clearbridge/guardrail/internal/vector"
)

// EmbeddingClient defines the interface for generating embeddings
type EmbeddingClient interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// DuplicateResult reports the closest existing entry above the similarity threshold.
type DuplicateResult struct {
	ExistingID string
	Score      float64
}

// DuplicateCheck is the outcome of a detector pass. Duplicate is nil when
// nothing above the threshold was found or the detector degraded.
type DuplicateCheck struct {
	Duplicate         *DuplicateResult
	BudgetSoftWarning bool
}

// DuplicateChecker flags near-duplicate content before it is saved.
type DuplicateChecker interface {
	Check(ctx context.Context, orgID, selfID, content string) (*DuplicateCheck, error)
	Remove(ctx context.Context, orgID, entryID string) error
}

// DetectorConfig holds the externally supplied duplicate-detection parameters.
type DetectorConfig struct {
	Threshold        float64
	TopK             int
	EmbeddingVersion int32
	EmbedCost        int64
	ProviderTimeout  time.Duration
}

// DuplicateDetector embeds candidate content and queries the vector index
// for near neighbors within the tenant namespace. It never auto-merges or
// auto-rejects: a hit is reported to the caller, who decides.
//
// Provider failures degrade to "no duplicate found" so a flaky embedding
// backend cannot block saves. Budget rejections are not degraded.
type DuplicateDetector struct {
	client   EmbeddingClient
	index    vector.Index
	breakers *breaker.Registry
	budget   *budget.Ledger
	limiter  *ratelimit.Limiter
	cfg      DetectorConfig
}

func NewDuplicateDetector(
	client EmbeddingClient,
	index vector.Index,
	breakers *breaker.Registry,
	budgetLedger *budget.Ledger,
	limiter *ratelimit.Limiter,
	cfg DetectorConfig,
) *DuplicateDetector {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.85
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	return &DuplicateDetector{
		client:   client,
		index:    index,
		breakers: breakers,
		budget:   budgetLedger,
		limiter:  limiter,
		cfg:      cfg,
	}
}

func (d *DuplicateDetector) Check(ctx context.Context, orgID, selfID, content string) (*DuplicateCheck, error) {
	if _, err := d.limiter.Allow(ctx, ratelimit.ScopeEmbed, orgID); err != nil {
		return nil, err
	}

	reservation, err := d.budget.Reserve(ctx, orgID, d.cfg.EmbedCost)
	if err != nil {
		return nil, err
	}

	check := &DuplicateCheck{BudgetSoftWarning: reservation.SoftWarning}

	var embedding []float32
	err = d.breakers.DoWithTimeout(ctx, domain.ProviderEmbedding, d.cfg.ProviderTimeout, func(ctx context.Context) error {
		var embedErr error
		embedding, embedErr = d.client.GenerateEmbedding(ctx, content)
		return embedErr
	})
	if err != nil {
		d.release(ctx, reservation)
		log.Printf("duplicate: embedding for org %s degraded, treating as no duplicate: %v", orgID, err)
		return check, nil
	}

	ns := vector.Namespace{OrgID: orgID, EmbeddingVersion: d.cfg.EmbeddingVersion}
	var matches []vector.Match
	err = d.breakers.Do(ctx, domain.ProviderVectorIndex, func(ctx context.Context) error {
		var queryErr error
		matches, queryErr = d.index.Query(ctx, ns, embedding, d.cfg.TopK)
		return queryErr
	})
	if err != nil {
		d.release(ctx, reservation)
		log.Printf("duplicate: vector query for org %s degraded, treating as no duplicate: %v", orgID, err)
		return check, nil
	}

	if err := reservation.Commit(ctx, d.cfg.EmbedCost); err != nil {
		log.Printf("duplicate: budget commit for org %s failed: %v", orgID, err)
	}

	for _, m := range matches {
		if m.ID == selfID {
			continue
		}
		if m.Score >= d.cfg.Threshold {
			check.Duplicate = &DuplicateResult{ExistingID: m.ID, Score: m.Score}
			metrics.DuplicatesFlagged.Inc()
			break
		}
	}

	return check, nil
}

// Remove drops an entry's vector from the tenant namespace, so a replaced
// entry stops matching future duplicate checks.
func (d *DuplicateDetector) Remove(ctx context.Context, orgID, entryID string) error {
	ns := vector.Namespace{OrgID: orgID, EmbeddingVersion: d.cfg.EmbeddingVersion}
	return d.breakers.Do(ctx, domain.ProviderVectorIndex, func(ctx context.Context) error {
		return d.index.Delete(ctx, ns, entryID)
	})
}

func (d *DuplicateDetector) release(ctx context.Context, r *budget.Reservation) {
	if err := r.Release(ctx); err != nil {
		log.Printf("duplicate: budget release for org %s failed: %v", r.OrgID, err)
	}
}
