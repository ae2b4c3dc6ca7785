package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clearbridge/guardrail/internal/api"
	"github.com/clearbridge/guardrail/internal/api/handlers"
	"github.com/clearbridge/guardrail/internal/api/middleware"
	"github.com/clearbridge/guardrail/internal/ratelimit"
)

type RouterConfig struct {
	ActorResolver    middleware.ActorResolver
	Limiter          *ratelimit.Limiter
	KnowledgeHandler *handlers.KnowledgeHandler
	AdminHandler     *handlers.AdminHandler
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	const maxBodyBytes int64 = 1 * 1024 * 1024

	r.Use(middleware.RequestID)
	r.Use(middleware.SentryMiddleware)
	r.Use(middleware.AccessLog)
	r.Use(middleware.MaxBodyBytes(maxBodyBytes))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		api.Success(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.ActorResolver))

		r.Route("/knowledge", func(r chi.Router) {
			r.Get("/", cfg.KnowledgeHandler.List)
			r.Get("/{id}", cfg.KnowledgeHandler.Get)
			r.Get("/{id}/versions", cfg.KnowledgeHandler.ListVersions)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RateLimit(cfg.Limiter, ratelimit.ScopeWrite))

				r.Post("/", cfg.KnowledgeHandler.Create)
				r.Put("/{id}", cfg.KnowledgeHandler.Update)
				r.Delete("/{id}", cfg.KnowledgeHandler.Delete)
				r.Post("/{id}/approve", cfg.KnowledgeHandler.Approve)
				r.Post("/{id}/reject", cfg.KnowledgeHandler.Reject)
				r.Post("/{id}/rollback", cfg.KnowledgeHandler.Rollback)
				r.Post("/{id}/duplicate", cfg.KnowledgeHandler.ResolveDuplicate)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RateLimit(cfg.Limiter, ratelimit.ScopeAdmin))

			r.Get("/circuits", cfg.AdminHandler.ListCircuits)
			r.Post("/circuits/{provider}/reset", cfg.AdminHandler.ResetCircuit)
			r.Post("/worker/run", cfg.AdminHandler.RunWorker)
			r.Post("/drift/scan", cfg.AdminHandler.RunDriftScan)
			r.Post("/cache/invalidate", cfg.AdminHandler.InvalidateCache)
			r.Get("/audit", cfg.AdminHandler.ListAuditRecords)
		})
	})

	return r
}
