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
	"github.com/clearbridge/guardrail/internal/service"
)

type LifecycleAPI interface {
	Create(ctx context.Context, actor domain.Actor, input service.CreateEntryInput) (*service.EntryMutationResult, error)
	Update(ctx context.Context, actor domain.Actor, input service.UpdateEntryInput) (*service.EntryMutationResult, error)
	Approve(ctx context.Context, actor domain.Actor, entryID string) (*domain.KnowledgeEntry, error)
	Reject(ctx context.Context, actor domain.Actor, entryID, reason string) (*domain.KnowledgeEntry, error)
	Rollback(ctx context.Context, actor domain.Actor, entryID string, targetVersion int64) (*domain.KnowledgeEntry, error)
	ResolveDuplicate(ctx context.Context, actor domain.Actor, entryID, existingID string, resolution service.DuplicateResolution) error
	Delete(ctx context.Context, actor domain.Actor, entryID string) error
	GetEntry(ctx context.Context, actor domain.Actor, entryID string) (*domain.KnowledgeEntry, error)
	ListEntries(ctx context.Context, actor domain.Actor, input service.ListEntriesInput) (*service.ListEntriesOutput, error)
	ListVersions(ctx context.Context, actor domain.Actor, entryID string) ([]*domain.VersionSnapshot, error)
}

type KnowledgeHandler struct {
	svc LifecycleAPI
}

func NewKnowledgeHandler(svc LifecycleAPI) *KnowledgeHandler {
	return &KnowledgeHandler{svc: svc}
}

type CreateEntryRequest struct {
	BaseTemplateID string `json:"base_template_id"`
	Title          string `json:"title"`
	Content        string `json:"content"`
}

type UpdateEntryRequest struct {
	ExpectedVersion int64  `json:"expected_version"`
	Title           string `json:"title"`
	Content         string `json:"content"`
}

type RejectEntryRequest struct {
	Reason string `json:"reason"`
}

type RollbackEntryRequest struct {
	TargetVersion int64 `json:"target_version"`
}

type ResolveDuplicateRequest struct {
	ExistingID string `json:"existing_id"`
	Resolution string `json:"resolution"`
}

type EntryResponse struct {
	ID             string `json:"id"`
	OrgID          string `json:"org_id"`
	BaseTemplateID string `json:"base_template_id,omitempty"`
	Status         string `json:"status"`
	Version        int64  `json:"version"`
	Title          string `json:"title"`
	Content        string `json:"content"`
	DriftFlag      string `json:"drift_flag,omitempty"`
	LastEmbeddedAt string `json:"last_embedded_at,omitempty"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

type DuplicateResponse struct {
	ExistingID string  `json:"existing_id"`
	Score      float64 `json:"score"`
}

type EntryMutationResponse struct {
	Entry             *EntryResponse     `json:"entry"`
	Warnings          []string           `json:"warnings,omitempty"`
	Duplicate         *DuplicateResponse `json:"duplicate,omitempty"`
	BudgetSoftWarning bool               `json:"budget_soft_warning,omitempty"`
}

type VersionResponse struct {
	Version   int64  `json:"version"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Status    string `json:"status"`
	Actor     string `json:"actor"`
	CreatedAt string `json:"created_at"`
}

func entryToResponse(e *domain.KnowledgeEntry) *EntryResponse {
	resp := &EntryResponse{
		ID:             e.ID,
		OrgID:          e.OrgID,
		BaseTemplateID: e.BaseTemplateID,
		Status:         string(e.Status),
		Version:        e.Version,
		Title:          e.Title,
		Content:        e.Content,
		CreatedAt:      e.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      e.UpdatedAt.Format(time.RFC3339),
	}
	if e.DriftFlag != domain.DriftFlagNone {
		resp.DriftFlag = string(e.DriftFlag)
	}
	if e.LastEmbeddedAt != nil {
		resp.LastEmbeddedAt = e.LastEmbeddedAt.Format(time.RFC3339)
	}
	return resp
}

func mutationToResponse(result *service.EntryMutationResult) *EntryMutationResponse {
	resp := &EntryMutationResponse{
		Entry:             entryToResponse(result.Entry),
		Warnings:          result.Warnings,
		BudgetSoftWarning: result.BudgetSoftWarning,
	}
	if result.Duplicate != nil {
		resp.Duplicate = &DuplicateResponse{
			ExistingID: result.Duplicate.ExistingID,
			Score:      result.Duplicate.Score,
		}
	}
	return resp
}

func versionToResponse(s *domain.VersionSnapshot) *VersionResponse {
	return &VersionResponse{
		Version:   s.Version,
		Title:     s.Title,
		Content:   s.Content,
		Status:    string(s.Status),
		Actor:     s.Actor,
		CreatedAt: s.CreatedAt.Format(time.RFC3339),
	}
}

func (h *KnowledgeHandler) Create(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetActor(r.Context())

	var req CreateEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.svc.Create(r.Context(), actor, service.CreateEntryInput{
		BaseTemplateID: req.BaseTemplateID,
		Title:          req.Title,
		Content:        req.Content,
	})
	if err != nil {
		api.HandleError(w, err)
		return
	}

	api.Success(w, http.StatusCreated, mutationToResponse(result))
}

func (h *KnowledgeHandler) Get(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetActor(r.Context())
	id := chi.URLParam(r, "id")

	entry, err := h.svc.GetEntry(r.Context(), actor, id)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	api.Success(w, http.StatusOK, entryToResponse(entry))
}

func (h *KnowledgeHandler) List(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetActor(r.Context())

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			api.Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	result, err := h.svc.ListEntries(r.Context(), actor, service.ListEntriesInput{
		Cursor: r.URL.Query().Get("cursor"),
		Limit:  limit,
	})
	if err != nil {
		api.HandleError(w, err)
		return
	}

	items := make([]*EntryResponse, 0, len(result.Items))
	for _, e := range result.Items {
		items = append(items, entryToResponse(e))
	}

	api.Success(w, http.StatusOK, map[string]interface{}{
		"items":    items,
		"cursor":   result.Cursor,
		"has_more": result.HasMore,
	})
}

func (h *KnowledgeHandler) Update(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetActor(r.Context())
	id := chi.URLParam(r, "id")

	var req UpdateEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ExpectedVersion <= 0 {
		api.Error(w, http.StatusBadRequest, "expected_version is required")
		return
	}

	result, err := h.svc.Update(r.Context(), actor, service.UpdateEntryInput{
		EntryID:         id,
		ExpectedVersion: req.ExpectedVersion,
		Title:           req.Title,
		Content:         req.Content,
	})
	if err != nil {
		api.HandleError(w, err)
		return
	}

	api.Success(w, http.StatusOK, mutationToResponse(result))
}

func (h *KnowledgeHandler) Approve(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetActor(r.Context())
	id := chi.URLParam(r, "id")

	entry, err := h.svc.Approve(r.Context(), actor, id)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	api.Success(w, http.StatusOK, entryToResponse(entry))
}

func (h *KnowledgeHandler) Reject(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetActor(r.Context())
	id := chi.URLParam(r, "id")

	var req RejectEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	entry, err := h.svc.Reject(r.Context(), actor, id, req.Reason)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	api.Success(w, http.StatusOK, entryToResponse(entry))
}

func (h *KnowledgeHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetActor(r.Context())
	id := chi.URLParam(r, "id")

	var req RollbackEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TargetVersion <= 0 {
		api.Error(w, http.StatusBadRequest, "target_version is required")
		return
	}

	entry, err := h.svc.Rollback(r.Context(), actor, id, req.TargetVersion)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	api.Success(w, http.StatusOK, entryToResponse(entry))
}

func (h *KnowledgeHandler) ResolveDuplicate(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetActor(r.Context())
	id := chi.URLParam(r, "id")

	var req ResolveDuplicateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ExistingID == "" {
		api.Error(w, http.StatusBadRequest, "existing_id is required")
		return
	}

	err := h.svc.ResolveDuplicate(r.Context(), actor, id, req.ExistingID, service.DuplicateResolution(req.Resolution))
	if err != nil {
		api.HandleError(w, err)
		return
	}

	api.Success(w, http.StatusOK, map[string]string{
		"entry_id":   id,
		"resolution": req.Resolution,
	})
}

func (h *KnowledgeHandler) Delete(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetActor(r.Context())
	id := chi.URLParam(r, "id")

	if err := h.svc.Delete(r.Context(), actor, id); err != nil {
		api.HandleError(w, err)
		return
	}

	api.JSON(w, http.StatusNoContent, nil)
}

func (h *KnowledgeHandler) ListVersions(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetActor(r.Context())
	id := chi.URLParam(r, "id")

	snapshots, err := h.svc.ListVersions(r.Context(), actor, id)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	versions := make([]*VersionResponse, 0, len(snapshots))
	for _, s := range snapshots {
		versions = append(versions, versionToResponse(s))
	}

	api.Success(w, http.StatusOK, versions)
}
