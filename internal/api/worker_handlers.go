package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/technosupport/ts-fleet/internal/data"
	"github.com/technosupport/ts-fleet/internal/registry"
)

type WorkerHandler struct {
	Registry *registry.Service
}

func NewWorkerHandler(svc *registry.Service) *WorkerHandler {
	return &WorkerHandler{Registry: svc}
}

// POST /api/v1/workers/register
func (h *WorkerHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkerID     string            `json:"worker_id"`
		TenantID     string            `json:"tenant_id"`
		SiteID       string            `json:"site_id"`
		Capabilities data.Capabilities `json:"capabilities"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	workerID, err := uuid.Parse(req.WorkerID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid worker_id")
		return
	}
	tenantID, err := uuid.Parse(req.TenantID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid tenant_id")
		return
	}
	siteID, err := uuid.Parse(req.SiteID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid site_id")
		return
	}

	result, err := h.Registry.Register(r.Context(), workerID, tenantID, siteID, req.Capabilities)
	if err != nil {
		if errors.Is(err, registry.ErrInvalidCapabilities) {
			respondError(w, http.StatusBadRequest, "capabilities.max_streams must be positive")
			return
		}
		respondError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// POST /api/v1/workers/{id}/heartbeat
func (h *WorkerHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	workerID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	var req struct {
		Status          string   `json:"status"`
		ActiveCameraIDs []string `json:"active_camera_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	err := h.Registry.Heartbeat(r.Context(), workerID, req.Status, req.ActiveCameraIDs)
	switch {
	case errors.Is(err, registry.ErrUnknownWorker):
		// the worker must re-register before it can heartbeat again
		respondError(w, http.StatusNotFound, "unknown worker, re-register")
	case errors.Is(err, registry.ErrInvalidStatus):
		respondError(w, http.StatusBadRequest, "invalid status")
	case err != nil:
		respondError(w, http.StatusInternalServerError, "heartbeat failed")
	default:
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
