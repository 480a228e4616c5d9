package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/technosupport/ts-fleet/internal/data"
	"github.com/technosupport/ts-fleet/internal/lease"
)

type LeaseHandler struct {
	Leases *lease.Manager
}

func NewLeaseHandler(mgr *lease.Manager) *LeaseHandler {
	return &LeaseHandler{Leases: mgr}
}

// POST /api/v1/cameras/{id}/acquire
func (h *LeaseHandler) Acquire(w http.ResponseWriter, r *http.Request) {
	cameraID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	var req struct {
		WorkerID string `json:"worker_id"`
		TenantID string `json:"tenant_id"`
		SiteID   string `json:"site_id"`
		Mode     string `json:"mode"`
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

	result, err := h.Leases.Acquire(r.Context(), tenantID, siteID, cameraID, workerID, req.Mode)
	switch {
	case errors.Is(err, lease.ErrInvalidMode):
		respondError(w, http.StatusBadRequest, "invalid mode")
	case errors.Is(err, lease.ErrUnknownWorker):
		respondError(w, http.StatusNotFound, "unknown worker")
	case errors.Is(err, lease.ErrWorkerUnavailable):
		respondError(w, http.StatusConflict, "worker not available for leasing")
	case errors.Is(err, lease.ErrCapacityExceeded):
		respondError(w, http.StatusConflict, "worker stream capacity exceeded")
	case err != nil:
		respondError(w, http.StatusInternalServerError, "acquire failed")
	case result.Conflict != nil:
		// held by someone else; expected outcome, not a server error
		respondJSON(w, http.StatusConflict, result)
	default:
		respondJSON(w, http.StatusOK, result)
	}
}

// POST /api/v1/cameras/{id}/release
func (h *LeaseHandler) Release(w http.ResponseWriter, r *http.Request) {
	cameraID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	var req struct {
		WorkerID string `json:"worker_id"`
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

	err = h.Leases.Release(r.Context(), cameraID, workerID)
	switch {
	case errors.Is(err, lease.ErrNotLeaseHolder):
		respondError(w, http.StatusConflict, "camera is held by another worker")
	case err != nil:
		respondError(w, http.StatusInternalServerError, "release failed")
	default:
		respondJSON(w, http.StatusOK, map[string]string{"status": "released"})
	}
}

// GET /api/v1/cameras/{id}/lease
func (h *LeaseHandler) Get(w http.ResponseWriter, r *http.Request) {
	cameraID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	l, err := h.Leases.Get(r.Context(), cameraID)
	if errors.Is(err, data.ErrRecordNotFound) {
		respondError(w, http.StatusNotFound, "no lease record for camera")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	respondJSON(w, http.StatusOK, l)
}
