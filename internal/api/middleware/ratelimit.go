package middleware

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/clearbridge/guardrail/internal/api"
	"github.com/clearbridge/guardrail/internal/domain"
	"github.com/clearbridge/guardrail/internal/metrics"
	"github.com/clearbridge/guardrail/internal/ratelimit"
)

// RateLimit admits requests through the named limiter scope, keyed by the
// authenticated caller's org. Must run after APIKeyAuth. A rejection
// carries Retry-After so well-behaved clients can back off precisely.
func RateLimit(limiter *ratelimit.Limiter, scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			orgID := GetOrgID(r.Context())

			decision, err := limiter.Allow(r.Context(), scope, orgID)
			if err != nil {
				var rateErr *domain.RateLimitError
				if errors.As(err, &rateErr) {
					metrics.RateLimitRejections.WithLabelValues(scope).Inc()
				}
				api.HandleError(w, err)
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			next.ServeHTTP(w, r)
		})
	}
}
