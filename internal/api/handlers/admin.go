package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/clearbridge/guardrail/internal/api"
	"github.com/clearbridge/guardrail/internal/api/middleware"
	"github.com/clearbridge/guardrail/internal/domain"
	"github.com/clearbridge/guardrail/internal/jobs"
	"github.com/clearbridge/guardrail/internal/service"
)

// CircuitAdmin exposes circuit breaker state and the manual reset escape hatch.
type CircuitAdmin interface {
	Status(ctx context.Context) ([]*domain.CircuitState, error)
	ForceReset(ctx context.Context, provider domain.ProviderID) error
}

// DriftRunner triggers one drift scan pass.
type DriftRunner interface {
	Scan(ctx context.Context) (*service.DriftScanResult, error)
}

// CachePurger invalidates cached AI responses by scope.
type CachePurger interface {
	Invalidate(ctx context.Context, scope service.InvalidationScope, id string) (int64, error)
}

// AuditReader lists recent audit records for an organization.
type AuditReader interface {
	ListByOrg(ctx context.Context, orgID string, limit int) ([]*domain.AuditRecord, error)
}

// AdminHandler serves the operator surface: circuit state, manual job and
// drift runs, cache purges and the audit trail. Routes behind it require
// an owner or manager key.
type AdminHandler struct {
	circuits CircuitAdmin
	worker   jobs.Runner
	drift    DriftRunner
	cache    CachePurger
	audit    AuditReader
	auditor  service.Auditor
}

func NewAdminHandler(circuits CircuitAdmin, worker jobs.Runner, drift DriftRunner, cache CachePurger, audit AuditReader, auditor service.Auditor) *AdminHandler {
	return &AdminHandler{
		circuits: circuits,
		worker:   worker,
		drift:    drift,
		cache:    cache,
		audit:    audit,
		auditor:  auditor,
	}
}

type CircuitResponse struct {
	Provider     string `json:"provider"`
	State        string `json:"state"`
	FailureCount int32  `json:"failure_count"`
	OpenedAt     string `json:"opened_at,omitempty"`
	CooldownSecs int64  `json:"cooldown_seconds,omitempty"`
}

type InvalidateCacheRequest struct {
	Scope string `json:"scope"`
	ID    string `json:"id"`
}

type AuditRecordResponse struct {
	ID         string         `json:"id"`
	Actor      string         `json:"actor"`
	Action     string         `json:"action"`
	TargetType string         `json:"target_type"`
	TargetID   string         `json:"target_id"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  string         `json:"created_at"`
}

func requireApprover(w http.ResponseWriter, r *http.Request) (domain.Actor, bool) {
	actor := middleware.GetActor(r.Context())
	if !actor.CanApprove() {
		api.HandleError(w, domain.ErrPermissionDenied)
		return actor, false
	}
	return actor, true
}

func (h *AdminHandler) ListCircuits(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireApprover(w, r); !ok {
		return
	}

	states, err := h.circuits.Status(r.Context())
	if err != nil {
		api.HandleError(w, err)
		return
	}

	out := make([]*CircuitResponse, 0, len(states))
	for _, s := range states {
		resp := &CircuitResponse{
			Provider:     string(s.Provider),
			State:        string(s.State),
			FailureCount: s.FailureCount,
			CooldownSecs: int64(s.Cooldown / time.Second),
		}
		if s.OpenedAt != nil {
			resp.OpenedAt = s.OpenedAt.Format(time.RFC3339)
		}
		out = append(out, resp)
	}

	api.Success(w, http.StatusOK, out)
}

func (h *AdminHandler) ResetCircuit(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireApprover(w, r)
	if !ok {
		return
	}

	provider := domain.ProviderID(chi.URLParam(r, "provider"))
	known := false
	for _, p := range domain.KnownProviders {
		if p == provider {
			known = true
			break
		}
	}
	if !known {
		api.Error(w, http.StatusNotFound, "unknown provider")
		return
	}

	if err := h.circuits.ForceReset(r.Context(), provider); err != nil {
		api.HandleError(w, err)
		return
	}

	h.auditor.Emit(r.Context(), actor.OrgID, actor.ID, domain.AuditActionCircuitReset, "provider", string(provider), nil)

	api.Success(w, http.StatusOK, map[string]string{
		"provider": string(provider),
		"state":    string(domain.CircuitClosed),
	})
}

func (h *AdminHandler) RunWorker(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireApprover(w, r); !ok {
		return
	}

	stats, err := h.worker.RunOnce(r.Context())
	if err != nil {
		api.HandleError(w, err)
		return
	}

	api.Success(w, http.StatusOK, stats)
}

func (h *AdminHandler) RunDriftScan(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireApprover(w, r); !ok {
		return
	}

	result, err := h.drift.Scan(r.Context())
	if err != nil {
		api.HandleError(w, err)
		return
	}

	api.Success(w, http.StatusOK, result)
}

func (h *AdminHandler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireApprover(w, r)
	if !ok {
		return
	}

	var req InvalidateCacheRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	scope := service.InvalidationScope(req.Scope)
	id := req.ID
	// Org purges are always scoped to the caller's own organization.
	if scope == service.ScopeOrg {
		id = actor.OrgID
	}

	purged, err := h.cache.Invalidate(r.Context(), scope, id)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	h.auditor.Emit(r.Context(), actor.OrgID, actor.ID, domain.AuditActionCacheInvalidate, "cache", id,
		map[string]any{"scope": req.Scope, "purged": purged})

	api.Success(w, http.StatusOK, map[string]any{
		"scope":  req.Scope,
		"purged": purged,
	})
}

func (h *AdminHandler) ListAuditRecords(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireApprover(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			api.Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	records, err := h.audit.ListByOrg(r.Context(), actor.OrgID, limit)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	out := make([]*AuditRecordResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, &AuditRecordResponse{
			ID:         rec.ID,
			Actor:      rec.Actor,
			Action:     rec.Action,
			TargetType: rec.TargetType,
			TargetID:   rec.TargetID,
			Details:    rec.Details,
			CreatedAt:  rec.CreatedAt.Format(time.RFC3339),
		})
	}

	api.Success(w, http.StatusOK, out)
}
