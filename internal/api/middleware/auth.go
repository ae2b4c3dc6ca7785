package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/clearbridge/guardrail/internal/api"
	"github.com/clearbridge/guardrail/internal/domain"
)

type contextKey string

const ActorKey contextKey = "actor"

// ActorResolver authenticates a bearer token and returns the caller.
type ActorResolver interface {
	ResolveActor(ctx context.Context, token string) (domain.Actor, error)
}

// APIKeyAuth resolves the bearer token into an Actor and stores it in the
// request context. Every route behind it can assume a valid caller.
func APIKeyAuth(resolver ActorResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				api.Error(w, http.StatusUnauthorized, "missing authorization header")
				return
			}

			if !strings.HasPrefix(authHeader, "Bearer ") {
				api.Error(w, http.StatusUnauthorized, "invalid authorization format")
				return
			}

			token := strings.TrimPrefix(authHeader, "Bearer ")

			actor, err := resolver.ResolveActor(r.Context(), token)
			if err != nil {
				api.Error(w, http.StatusUnauthorized, "invalid api key")
				return
			}

			ctx := context.WithValue(r.Context(), ActorKey, actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetActor returns the authenticated caller from context. The zero Actor
// means the request never passed APIKeyAuth.
func GetActor(ctx context.Context) domain.Actor {
	actor, _ := ctx.Value(ActorKey).(domain.Actor)
	return actor
}

// GetOrgID returns the authenticated caller's organization ID.
func GetOrgID(ctx context.Context) string {
	return GetActor(ctx).OrgID
}
