package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/technosupport/ts-fleet/internal/data"
	"github.com/technosupport/ts-fleet/internal/registry"
)

type AdminHandler struct {
	Registry *registry.Service

	// StaleAfter is the heartbeat age past which a worker is reported
	// stale in listings. Matches the sweep TTL in the default config.
	StaleAfter time.Duration
}

func NewAdminHandler(svc *registry.Service) *AdminHandler {
	return &AdminHandler{Registry: svc, StaleAfter: 90 * time.Second}
}

type workerSummary struct {
	*data.Worker
	Liveness string `json:"liveness"`
}

// GET /api/v1/workers?tenant_id=...
func (h *AdminHandler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	tenantID, err := uuid.Parse(r.URL.Query().Get("tenant_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "tenant_id query parameter required")
		return
	}

	workers, err := h.Registry.ListWorkers(r.Context(), tenantID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list failed")
		return
	}

	now := time.Now()
	summaries := make([]workerSummary, 0, len(workers))
	for _, worker := range workers {
		liveness := "healthy"
		if worker.Status == data.WorkerStatusOffline || now.Sub(worker.LastHeartbeatAt) > h.StaleAfter {
			liveness = "stale"
		}
		summaries = append(summaries, workerSummary{Worker: worker, Liveness: liveness})
	}
	respondJSON(w, http.StatusOK, map[string]any{"workers": summaries})
}

// GET /api/v1/workers/{id}
func (h *AdminHandler) GetWorker(w http.ResponseWriter, r *http.Request) {
	workerID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	worker, err := h.Registry.GetWorker(r.Context(), workerID)
	if errors.Is(err, registry.ErrUnknownWorker) {
		respondError(w, http.StatusNotFound, "unknown worker")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	respondJSON(w, http.StatusOK, worker)
}

// DELETE /api/v1/workers/{id}
// Operator maintenance: removes the record and frees every lease it held.
func (h *AdminHandler) ForceRemove(w http.ResponseWriter, r *http.Request) {
	workerID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	released, err := h.Registry.ForceRemove(r.Context(), workerID)
	if errors.Is(err, registry.ErrUnknownWorker) {
		respondError(w, http.StatusNotFound, "unknown worker")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "remove failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"released_cameras": released})
}

// POST /api/v1/maintenance/sweep?ttl=90s
// Manual sweep trigger with an optional TTL override, for incident
// response when the background sweeper interval is too slow.
func (h *AdminHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	ttl := 90 * time.Second
	if raw := r.URL.Query().Get("ttl"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			respondError(w, http.StatusBadRequest, "invalid ttl")
			return
		}
		ttl = parsed
	}

	swept, err := h.Registry.SweepStale(r.Context(), ttl)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "sweep failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"swept": swept, "count": len(swept)})
}
