package domain

import "time"

// ProviderID identifies an external dependency guarded by a circuit breaker
type ProviderID string

const (
	ProviderEmbedding     ProviderID = "embedding"
	ProviderVectorIndex   ProviderID = "vector-index"
	ProviderDocumentStore ProviderID = "document-store"
	ProviderGenericSearch ProviderID = "generic-search"
)

// KnownProviders lists every provider the registry tracks.
var KnownProviders = []ProviderID{
	ProviderEmbedding,
	ProviderVectorIndex,
	ProviderDocumentStore,
	ProviderGenericSearch,
}

// CircuitBreakerState represents the state of a provider's circuit
type CircuitBreakerState string

const (
	CircuitClosed   CircuitBreakerState = "closed"
	CircuitOpen     CircuitBreakerState = "open"
	CircuitHalfOpen CircuitBreakerState = "half_open"
)

// CircuitState is the persisted per-provider breaker record. Reads are
// best-effort: a stale closed read letting one extra failing call through
// is acceptable, a stuck open is bounded by cooldown expiry and the
// manual reset escape hatch.
type CircuitState struct {
	Provider     ProviderID
	State        CircuitBreakerState
	FailureCount int32
	WindowStart  time.Time
	OpenedAt     *time.Time
	Cooldown     time.Duration
	UpdatedAt    time.Time
}

// NewClosedCircuit returns the initial state for a provider
func NewClosedCircuit(provider ProviderID, now time.Time) *CircuitState {
	return &CircuitState{
		Provider:     provider,
		State:        CircuitClosed,
		FailureCount: 0,
		WindowStart:  now,
		UpdatedAt:    now,
	}
}
