// Package ratelimit provides distributed sliding-window admission control.
// Counters live in the shared store, never in process memory, so every
// instance enforces the same window.
package ratelimit

import (
	"context"
	"time"

	"github.com/clearbridge/guardrail/internal/domain"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Store performs the serializable read-modify-write on a window key.
type Store interface {
	Check(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error)
}

// Scope names shared by the HTTP layer and the embedding pipeline.
const (
	ScopeWrite = "write"
	ScopeEmbed = "embed"
	ScopeAdmin = "admin"
)

// Rule is a named scope's limit configuration.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Limiter applies per-scope rules on top of a Store.
type Limiter struct {
	store Store
	rules map[string]Rule
	now   func() time.Time
}

func New(store Store, rules map[string]Rule) *Limiter {
	return &Limiter{
		store: store,
		rules: rules,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// NewWithClock creates a Limiter with a custom clock (for testing).
func NewWithClock(store Store, rules map[string]Rule, now func() time.Time) *Limiter {
	return &Limiter{store: store, rules: rules, now: now}
}

// Allow checks one request for scope keyed by subject (typically the org
// id). An unknown scope is admitted: only configured scopes are limited.
// A rejection is returned as *domain.RateLimitError carrying RetryAfter.
func (l *Limiter) Allow(ctx context.Context, scope, subject string) (Decision, error) {
	rule, ok := l.rules[scope]
	if !ok || rule.Limit <= 0 {
		return Decision{Allowed: true}, nil
	}

	key := scope + ":" + subject
	decision, err := l.store.Check(ctx, key, rule.Limit, rule.Window, l.now())
	if err != nil {
		return Decision{}, err
	}

	if !decision.Allowed {
		return decision, &domain.RateLimitError{Key: key, RetryAfter: decision.RetryAfter}
	}
	return decision, nil
}
