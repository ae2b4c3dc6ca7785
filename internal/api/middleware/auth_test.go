package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearbridge/guardrail/internal/domain"
	"github.com/clearbridge/guardrail/internal/ratelimit"
)

type stubResolver struct {
	actors map[string]domain.Actor
}

func (r *stubResolver) ResolveActor(ctx context.Context, token string) (domain.Actor, error) {
	actor, ok := r.actors[token]
	if !ok {
		return domain.Actor{}, domain.ErrInvalidAPIKey
	}
	return actor, nil
}

func TestAPIKeyAuth(t *testing.T) {
	resolver := &stubResolver{actors: map[string]domain.Actor{
		"grd_valid": {ID: "key-1", OrgID: "org-1", Role: domain.RoleManager},
	}}

	var seen domain.Actor
	handler := APIKeyAuth(resolver)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetActor(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("valid token resolves the actor", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/knowledge", nil)
		req.Header.Set("Authorization", "Bearer grd_valid")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, domain.Actor{ID: "key-1", OrgID: "org-1", Role: domain.RoleManager}, seen)
	})

	t.Run("missing header is rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/knowledge", nil)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("non-bearer header is rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/knowledge", nil)
		req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("unknown token is rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/knowledge", nil)
		req.Header.Set("Authorization", "Bearer grd_bogus")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestGetActor_Unauthenticated(t *testing.T) {
	assert.Equal(t, domain.Actor{}, GetActor(context.Background()))
	assert.Empty(t, GetOrgID(context.Background()))
}

type admitAllStore struct {
	decision ratelimit.Decision
	keys     []string
}

func (s *admitAllStore) Check(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (ratelimit.Decision, error) {
	s.keys = append(s.keys, key)
	return s.decision, nil
}

func TestRateLimit(t *testing.T) {
	rules := map[string]ratelimit.Rule{"write": {Limit: 10, Window: time.Minute}}

	withActor := func(req *http.Request) *http.Request {
		ctx := context.WithValue(req.Context(), ActorKey, domain.Actor{ID: "key-1", OrgID: "org-1", Role: domain.RoleStaff})
		return req.WithContext(ctx)
	}

	t.Run("admitted request passes with remaining header", func(t *testing.T) {
		store := &admitAllStore{decision: ratelimit.Decision{Allowed: true, Remaining: 7}}
		limiter := ratelimit.New(store, rules)

		handler := RateLimit(limiter, "write")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		w := httptest.NewRecorder()
		handler.ServeHTTP(w, withActor(httptest.NewRequest(http.MethodPost, "/v1/knowledge", nil)))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "7", w.Header().Get("X-RateLimit-Remaining"))
		require.Len(t, store.keys, 1)
		assert.Equal(t, "write:org-1", store.keys[0])
	})

	t.Run("exhausted window returns 429 with Retry-After", func(t *testing.T) {
		store := &admitAllStore{decision: ratelimit.Decision{Allowed: false, RetryAfter: 30 * time.Second}}
		limiter := ratelimit.New(store, rules)

		handler := RateLimit(limiter, "write")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler should not run")
		}))

		w := httptest.NewRecorder()
		handler.ServeHTTP(w, withActor(httptest.NewRequest(http.MethodPost, "/v1/knowledge", nil)))

		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "30", w.Header().Get("Retry-After"))
	})

	t.Run("unconfigured scope admits everything", func(t *testing.T) {
		store := &admitAllStore{}
		limiter := ratelimit.New(store, rules)

		handler := RateLimit(limiter, "search")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		w := httptest.NewRecorder()
		handler.ServeHTTP(w, withActor(httptest.NewRequest(http.MethodGet, "/v1/knowledge", nil)))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, store.keys)
	})
}
