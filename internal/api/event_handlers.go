package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/technosupport/ts-fleet/internal/visits"
)

type EventHandler struct {
	Aggregator *visits.Aggregator
}

func NewEventHandler(agg *visits.Aggregator) *EventHandler {
	return &EventHandler{Aggregator: agg}
}

// POST /api/v1/events
// Ingests one detection event. Duplicates are reported as 200 with
// deduplicated=true so workers can drop their retry state; unresolvable
// embeddings are a 422 because re-sending the event cannot help.
func (h *EventHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var evt visits.FaceDetectionEvent
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if evt.TenantID == uuid.Nil || evt.CameraID == uuid.Nil {
		respondError(w, http.StatusBadRequest, "tenant_id and camera_id are required")
		return
	}
	if len(evt.Embedding) == 0 {
		respondError(w, http.StatusBadRequest, "embedding is required")
		return
	}
	if evt.Timestamp.IsZero() {
		respondError(w, http.StatusBadRequest, "timestamp is required")
		return
	}

	session, err := h.Aggregator.Ingest(r.Context(), &evt)
	switch {
	case errors.Is(err, visits.ErrDuplicateEvent):
		respondJSON(w, http.StatusOK, map[string]any{"deduplicated": true})
	case errors.Is(err, visits.ErrIdentityResolution):
		respondError(w, http.StatusUnprocessableEntity, "identity could not be resolved")
	case err != nil:
		respondError(w, http.StatusInternalServerError, "ingest failed")
	default:
		respondJSON(w, http.StatusOK, map[string]any{
			"visit_id": session.VisitID,
			"session":  session,
		})
	}
}
