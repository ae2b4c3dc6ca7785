package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/clearbridge/guardrail/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu     sync.Mutex
	states map[domain.ProviderID]*domain.CircuitState
}

func newMemStore() *memStore {
	return &memStore{states: make(map[domain.ProviderID]*domain.CircuitState)}
}

func (s *memStore) Get(ctx context.Context, provider domain.ProviderID) (*domain.CircuitState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.states[provider]; ok {
		cp := *state
		return &cp, nil
	}
	return nil, nil
}

func (s *memStore) Put(ctx context.Context, state *domain.CircuitState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *state
	s.states[state.Provider] = &cp
	return nil
}

func (s *memStore) All(ctx context.Context) ([]*domain.CircuitState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.CircuitState
	for _, state := range s.states {
		cp := *state
		out = append(out, &cp)
	}
	return out, nil
}

func testConfig() Config {
	return Config{
		FailureThreshold: 5,
		Window:           60 * time.Second,
		Cooldown:         30 * time.Second,
		CooldownMax:      10 * time.Minute,
	}
}

func TestRegistry_OpensAfterThresholdAndShortCircuits(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	current := time.Unix(1700000000, 0).UTC()
	reg := NewRegistryWithClock(store, testConfig(), func() time.Time { return current })

	provider := domain.ProviderEmbedding

	for i := 0; i < 5; i++ {
		require.NoError(t, reg.Allow(ctx, provider))
		reg.ReportFailure(ctx, provider)
	}

	// Fifth failure opened the circuit: the next call never reaches fn.
	called := false
	err := reg.Do(ctx, provider, func(ctx context.Context) error {
		called = true
		return nil
	})
	var unavailable *domain.ProviderUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, provider, unavailable.Provider)
	assert.False(t, called)
}

func TestRegistry_HalfOpenTrialClosesOnSuccess(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	current := time.Unix(1700000000, 0).UTC()
	reg := NewRegistryWithClock(store, testConfig(), func() time.Time { return current })

	provider := domain.ProviderVectorIndex
	for i := 0; i < 5; i++ {
		reg.ReportFailure(ctx, provider)
	}
	require.Error(t, reg.Allow(ctx, provider))

	// Cooldown elapses; the trial call is admitted.
	current = current.Add(31 * time.Second)
	require.NoError(t, reg.Allow(ctx, provider))

	state, err := store.Get(ctx, provider)
	require.NoError(t, err)
	assert.Equal(t, domain.CircuitHalfOpen, state.State)

	// Successful trial resets to closed with zero failures.
	reg.ReportSuccess(ctx, provider)
	state, err = store.Get(ctx, provider)
	require.NoError(t, err)
	assert.Equal(t, domain.CircuitClosed, state.State)
	assert.Equal(t, int32(0), state.FailureCount)
}

func TestRegistry_FailedTrialExtendsCooldown(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	current := time.Unix(1700000000, 0).UTC()
	reg := NewRegistryWithClock(store, testConfig(), func() time.Time { return current })

	provider := domain.ProviderEmbedding
	for i := 0; i < 5; i++ {
		reg.ReportFailure(ctx, provider)
	}

	current = current.Add(31 * time.Second)
	require.NoError(t, reg.Allow(ctx, provider))
	reg.ReportFailure(ctx, provider)

	state, err := store.Get(ctx, provider)
	require.NoError(t, err)
	assert.Equal(t, domain.CircuitOpen, state.State)
	assert.Equal(t, 60*time.Second, state.Cooldown)

	// Still short-circuited after the original cooldown.
	current = current.Add(31 * time.Second)
	assert.Error(t, reg.Allow(ctx, provider))

	// Admitted once the extended cooldown elapses.
	current = current.Add(30 * time.Second)
	assert.NoError(t, reg.Allow(ctx, provider))
}

func TestRegistry_WindowExpiryResetsFailureCount(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	current := time.Unix(1700000000, 0).UTC()
	reg := NewRegistryWithClock(store, testConfig(), func() time.Time { return current })

	provider := domain.ProviderDocumentStore
	for i := 0; i < 4; i++ {
		reg.ReportFailure(ctx, provider)
	}

	// Window passes; stale failures no longer count toward the threshold.
	current = current.Add(2 * time.Minute)
	reg.ReportFailure(ctx, provider)

	state, err := store.Get(ctx, provider)
	require.NoError(t, err)
	assert.Equal(t, domain.CircuitClosed, state.State)
	assert.Equal(t, int32(1), state.FailureCount)
}

func TestRegistry_ForceReset(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	reg := NewRegistry(store, testConfig())

	provider := domain.ProviderGenericSearch
	for i := 0; i < 5; i++ {
		reg.ReportFailure(ctx, provider)
	}
	require.Error(t, reg.Allow(ctx, provider))

	require.NoError(t, reg.ForceReset(ctx, provider))
	assert.NoError(t, reg.Allow(ctx, provider))
}

func TestRegistry_DoReportsCallError(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(newMemStore(), testConfig())

	callErr := errors.New("connection refused")
	err := reg.Do(ctx, domain.ProviderEmbedding, func(ctx context.Context) error {
		return callErr
	})

	var provErr *domain.ProviderCallError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, domain.ProviderEmbedding, provErr.Provider)
	assert.ErrorIs(t, provErr, callErr)
}

func TestRegistry_StatusCoversAllKnownProviders(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(newMemStore(), testConfig())

	reg.ReportFailure(ctx, domain.ProviderEmbedding)

	states, err := reg.Status(ctx)
	require.NoError(t, err)
	assert.Len(t, states, len(domain.KnownProviders))

	seen := make(map[domain.ProviderID]bool)
	for _, s := range states {
		seen[s.Provider] = true
	}
	for _, p := range domain.KnownProviders {
		assert.True(t, seen[p], "missing provider %s", p)
	}
}
