package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind is the closed set of worker-side actions. Adding a kind means adding
// a payload type below and handling it in the worker agent.
type Kind string

const (
	KindAssignCamera    Kind = "ASSIGN_CAMERA"
	KindReleaseCamera   Kind = "RELEASE_CAMERA"
	KindStartProcessing Kind = "START_PROCESSING"
	KindStopProcessing  Kind = "STOP_PROCESSING"
)

// Ack states. PENDING is the only non-terminal state.
const (
	AckPending  = "PENDING"
	AckAcked    = "ACKED"
	AckTimedOut = "TIMED_OUT"
)

var (
	ErrUnknownWorker = errors.New("unknown worker")
	ErrNoSocket      = errors.New("no socket attached")
	ErrStopped       = errors.New("command channel stopped")
)

// Payload is implemented by exactly one struct per Kind.
type Payload interface {
	CommandKind() Kind
}

type AssignCameraPayload struct {
	CameraID uuid.UUID `json:"camera_id"`
	Mode     string    `json:"mode"`
	RTSPHint string    `json:"rtsp_hint,omitempty"`
}

type ReleaseCameraPayload struct {
	CameraID uuid.UUID `json:"camera_id"`
	// Forced marks releases initiated by the orchestrator (capacity
	// eviction, sweep) rather than by the worker's own request.
	Forced bool `json:"forced,omitempty"`
}

type StartProcessingPayload struct {
	CameraID uuid.UUID `json:"camera_id"`
}

type StopProcessingPayload struct {
	CameraID uuid.UUID `json:"camera_id"`
}

func (AssignCameraPayload) CommandKind() Kind    { return KindAssignCamera }
func (ReleaseCameraPayload) CommandKind() Kind   { return KindReleaseCamera }
func (StartProcessingPayload) CommandKind() Kind { return KindStartProcessing }
func (StopProcessingPayload) CommandKind() Kind  { return KindStopProcessing }

// Message is the wire form of a command. CommandID is unique and monotonic
// per worker: "<worker_id>:<seq>".
type Message struct {
	CommandID string          `json:"command_id"`
	WorkerID  uuid.UUID       `json:"worker_id"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	IssuedAt  time.Time       `json:"issued_at"`
	AckState  string          `json:"ack_state"`

	seq   uint64
	acked chan struct{}
}

func newMessage(workerID uuid.UUID, seq uint64, p Payload) (*Message, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		CommandID: fmt.Sprintf("%s:%d", workerID, seq),
		WorkerID:  workerID,
		Kind:      p.CommandKind(),
		Payload:   raw,
		IssuedAt:  time.Now().UTC(),
		AckState:  AckPending,
		seq:       seq,
		acked:     make(chan struct{}),
	}, nil
}

// ParseCommandID splits a command id back into worker id and sequence.
func ParseCommandID(id string) (uuid.UUID, uint64, error) {
	var workerPart string
	var seq uint64
	// worker ids are fixed-length UUID strings, so a prefix split is safe
	if len(id) < 38 || id[36] != ':' {
		return uuid.Nil, 0, fmt.Errorf("malformed command id %q", id)
	}
	workerPart = id[:36]
	if _, err := fmt.Sscanf(id[37:], "%d", &seq); err != nil {
		return uuid.Nil, 0, fmt.Errorf("malformed command id %q", id)
	}
	workerID, err := uuid.Parse(workerPart)
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("malformed command id %q", id)
	}
	return workerID, seq, nil
}
