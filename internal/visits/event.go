package visits

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// BBox is the face bounding box, as fractions of the frame.
type BBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// FaceDetectionEvent is one worker-side face observation. Immutable once
// created; consumed exactly once by the aggregator.
type FaceDetectionEvent struct {
	EventID      string    `json:"event_id,omitempty"`
	TenantID     uuid.UUID `json:"tenant_id"`
	SiteID       uuid.UUID `json:"site_id"`
	CameraID     uuid.UUID `json:"camera_id"`
	Timestamp    time.Time `json:"timestamp"`
	Embedding    []float32 `json:"embedding"`
	BBox         BBox      `json:"bbox"`
	IsStaffLocal bool      `json:"is_staff_local,omitempty"`
	SnapshotRef  *string   `json:"snapshot_ref,omitempty"`
}

// ComputeEventID derives the deterministic event id used for idempotent
// re-delivery: the same detection always hashes to the same id.
func ComputeEventID(e *FaceDetectionEvent) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d|", e.TenantID, e.SiteID, e.CameraID, e.Timestamp.UnixNano())

	eh := sha256.New()
	var buf [4]byte
	for _, f := range e.Embedding {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(f))
		eh.Write(buf[:])
	}
	h.Write(eh.Sum(nil))

	return hex.EncodeToString(h.Sum(nil))
}
