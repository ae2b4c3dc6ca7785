package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/clearbridge/guardrail/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store with the same pruning semantics as the
// Postgres implementation, for exercising the Limiter in isolation.
type memStore struct {
	windows map[string][]int64
}

func newMemStore() *memStore {
	return &memStore{windows: make(map[string][]int64)}
}

func (s *memStore) Check(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error) {
	nowMS := now.UnixMilli()
	cutoff := nowMS - window.Milliseconds()

	var kept []int64
	for _, ts := range s.windows[key] {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= limit {
		oldest := kept[0]
		for _, ts := range kept {
			if ts < oldest {
				oldest = ts
			}
		}
		s.windows[key] = kept
		return Decision{Allowed: false, RetryAfter: time.Duration(oldest+window.Milliseconds()-nowMS) * time.Millisecond}, nil
	}

	kept = append(kept, nowMS)
	s.windows[key] = kept
	return Decision{Allowed: true, Remaining: limit - len(kept)}, nil
}

func TestLimiter_WindowExhaustion(t *testing.T) {
	ctx := context.Background()
	current := time.Unix(1700000000, 0).UTC()
	limiter := NewWithClock(newMemStore(), map[string]Rule{
		"knowledge:write": {Limit: 5, Window: 10 * time.Second},
	}, func() time.Time { return current })

	// 5 rapid requests are all allowed.
	for i := 0; i < 5; i++ {
		decision, err := limiter.Allow(ctx, "knowledge:write", "org-1")
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
		current = current.Add(100 * time.Millisecond)
	}

	// 6th within the window is rejected with a positive RetryAfter.
	decision, err := limiter.Allow(ctx, "knowledge:write", "org-1")
	require.Error(t, err)
	assert.False(t, decision.Allowed)
	assert.Greater(t, decision.RetryAfter, time.Duration(0))

	var rlErr *domain.RateLimitError
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, "knowledge:write:org-1", rlErr.Key)
	assert.Equal(t, decision.RetryAfter, rlErr.RetryAfter)

	// After the window elapses, an equivalent request is allowed again.
	current = current.Add(10 * time.Second)
	decision, err = limiter.Allow(ctx, "knowledge:write", "org-1")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestLimiter_UnknownScopeIsUnlimited(t *testing.T) {
	limiter := New(newMemStore(), map[string]Rule{})

	for i := 0; i < 100; i++ {
		decision, err := limiter.Allow(context.Background(), "unconfigured", "org-1")
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
	}
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	limiter := New(newMemStore(), map[string]Rule{
		"knowledge:write": {Limit: 1, Window: time.Minute},
	})

	_, err := limiter.Allow(ctx, "knowledge:write", "org-1")
	require.NoError(t, err)

	_, err = limiter.Allow(ctx, "knowledge:write", "org-1")
	assert.Error(t, err)

	// A different org still has capacity.
	decision, err := limiter.Allow(ctx, "knowledge:write", "org-2")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}
