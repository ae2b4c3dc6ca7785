// Package breaker isolates failures of external providers. State is kept
// in the shared store so every instance sees the same circuit; reads are
// best-effort because a stale closed read costs at most one extra failing
// call, while a stuck open is bounded by cooldown expiry and manual reset.
package breaker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/clearbridge/guardrail/internal/domain"
	"github.com/clearbridge/guardrail/internal/metrics"
)

// CircuitStore persists per-provider circuit state.
type CircuitStore interface {
	Get(ctx context.Context, provider domain.ProviderID) (*domain.CircuitState, error)
	Put(ctx context.Context, s *domain.CircuitState) error
	All(ctx context.Context) ([]*domain.CircuitState, error)
}

// Config holds the registry's failure-detection parameters.
type Config struct {
	FailureThreshold int32         // failures within Window that open the circuit
	Window           time.Duration // trailing failure-count window
	Cooldown         time.Duration // initial open duration before a half-open trial
	CooldownMax      time.Duration // cap for extended cooldowns after failed trials
}

// Registry is the per-provider circuit breaker registry.
type Registry struct {
	store CircuitStore
	cfg   Config
	now   func() time.Time
}

func NewRegistry(store CircuitStore, cfg Config) *Registry {
	return &Registry{
		store: store,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// NewRegistryWithClock creates a Registry with a custom clock (for testing).
func NewRegistryWithClock(store CircuitStore, cfg Config, now func() time.Time) *Registry {
	r := NewRegistry(store, cfg)
	r.now = now
	return r
}

// Allow reports whether a call to provider may proceed. When the circuit
// is open and the cooldown has not elapsed it returns
// *domain.ProviderUnavailableError without any network attempt. An open
// circuit past cooldown transitions to half_open and admits one trial.
func (r *Registry) Allow(ctx context.Context, provider domain.ProviderID) error {
	state, err := r.store.Get(ctx, provider)
	if err != nil {
		// Breaker state must never take the pipeline down with it.
		log.Printf("breaker: reading state for %s failed, allowing call: %v", provider, err)
		return nil
	}
	if state == nil || state.State == domain.CircuitClosed {
		return nil
	}

	now := r.now()

	switch state.State {
	case domain.CircuitOpen:
		cooldown := state.Cooldown
		if cooldown <= 0 {
			cooldown = r.cfg.Cooldown
		}
		if state.OpenedAt != nil && now.Sub(*state.OpenedAt) < cooldown {
			return &domain.ProviderUnavailableError{Provider: provider}
		}
		// Cooldown elapsed; admit a single trial call.
		state.State = domain.CircuitHalfOpen
		metrics.CircuitTransitions.WithLabelValues(string(provider), string(domain.CircuitHalfOpen)).Inc()
		state.UpdatedAt = now
		if err := r.store.Put(ctx, state); err != nil {
			log.Printf("breaker: persisting half-open for %s failed: %v", provider, err)
		}
		return nil
	case domain.CircuitHalfOpen:
		// A trial is already in flight somewhere; let this one through
		// too rather than blocking, the next report settles the state.
		return nil
	}
	return nil
}

// ReportSuccess closes the circuit and clears counters.
func (r *Registry) ReportSuccess(ctx context.Context, provider domain.ProviderID) {
	now := r.now()
	state := domain.NewClosedCircuit(provider, now)
	if err := r.store.Put(ctx, state); err != nil {
		log.Printf("breaker: persisting success for %s failed: %v", provider, err)
	}
}

// ReportFailure records one provider failure. In closed state it counts
// failures within the trailing window and opens at the threshold; a
// failed half-open trial reopens with an extended cooldown.
func (r *Registry) ReportFailure(ctx context.Context, provider domain.ProviderID) {
	now := r.now()

	state, err := r.store.Get(ctx, provider)
	if err != nil {
		log.Printf("breaker: reading state for %s failed: %v", provider, err)
		return
	}
	if state == nil {
		state = domain.NewClosedCircuit(provider, now)
	}

	switch state.State {
	case domain.CircuitHalfOpen:
		// Failed trial: reopen and extend the cooldown.
		cooldown := state.Cooldown * 2
		if cooldown <= 0 {
			cooldown = r.cfg.Cooldown
		}
		if r.cfg.CooldownMax > 0 && cooldown > r.cfg.CooldownMax {
			cooldown = r.cfg.CooldownMax
		}
		state.State = domain.CircuitOpen
		state.OpenedAt = &now
		state.Cooldown = cooldown
		state.UpdatedAt = now
		metrics.CircuitTransitions.WithLabelValues(string(provider), string(domain.CircuitOpen)).Inc()
	case domain.CircuitOpen:
		// Already open; nothing to count.
		state.UpdatedAt = now
	default:
		if now.Sub(state.WindowStart) > r.cfg.Window {
			state.WindowStart = now
			state.FailureCount = 0
		}
		state.FailureCount++
		state.UpdatedAt = now
		if state.FailureCount >= r.cfg.FailureThreshold {
			state.State = domain.CircuitOpen
			state.OpenedAt = &now
			state.Cooldown = r.cfg.Cooldown
			metrics.CircuitTransitions.WithLabelValues(string(provider), string(domain.CircuitOpen)).Inc()
			log.Printf("breaker: circuit opened for provider %s after %d failures", provider, state.FailureCount)
		}
	}

	if err := r.store.Put(ctx, state); err != nil {
		log.Printf("breaker: persisting failure for %s failed: %v", provider, err)
	}
}

// ForceReset closes a provider's circuit immediately. Admin escape hatch
// for a stuck open circuit.
func (r *Registry) ForceReset(ctx context.Context, provider domain.ProviderID) error {
	return r.store.Put(ctx, domain.NewClosedCircuit(provider, r.now()))
}

// Status returns the state of every known provider, materializing closed
// records for providers that have never tripped.
func (r *Registry) Status(ctx context.Context) ([]*domain.CircuitState, error) {
	stored, err := r.store.All(ctx)
	if err != nil {
		return nil, err
	}

	byProvider := make(map[domain.ProviderID]*domain.CircuitState, len(stored))
	for _, s := range stored {
		byProvider[s.Provider] = s
	}

	now := r.now()
	var states []*domain.CircuitState
	for _, p := range domain.KnownProviders {
		if s, ok := byProvider[p]; ok {
			states = append(states, s)
		} else {
			states = append(states, domain.NewClosedCircuit(p, now))
		}
	}
	return states, nil
}

// Do wraps fn with the full circuit protocol: Allow, call, report. The
// returned error is *domain.ProviderUnavailableError when short-circuited
// and *domain.ProviderCallError when the call itself failed.
func (r *Registry) Do(ctx context.Context, provider domain.ProviderID, fn func(ctx context.Context) error) error {
	if err := r.Allow(ctx, provider); err != nil {
		return err
	}

	if err := fn(ctx); err != nil {
		r.ReportFailure(ctx, provider)
		return &domain.ProviderCallError{Provider: provider, Err: err}
	}

	r.ReportSuccess(ctx, provider)
	return nil
}

// DoWithTimeout runs fn under a deadline; exceeding it counts as a
// provider failure.
func (r *Registry) DoWithTimeout(ctx context.Context, provider domain.ProviderID, timeout time.Duration, fn func(ctx context.Context) error) error {
	return r.Do(ctx, provider, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		err := fn(callCtx)
		if err == nil && callCtx.Err() != nil {
			err = fmt.Errorf("provider call exceeded %s: %w", timeout, callCtx.Err())
		}
		return err
	})
}
