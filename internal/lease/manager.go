package lease

import (
	"context"
	"errors"
	"log"

	"github.com/google/uuid"
	"github.com/technosupport/ts-fleet/internal/command"
	"github.com/technosupport/ts-fleet/internal/data"
	"github.com/technosupport/ts-fleet/internal/metrics"
)

var (
	ErrNotLeaseHolder    = errors.New("not lease holder")
	ErrUnknownWorker     = errors.New("unknown worker")
	ErrWorkerUnavailable = errors.New("worker unavailable for leasing")
	ErrCapacityExceeded  = errors.New("worker stream capacity exceeded")
	ErrInvalidMode       = errors.New("invalid lease mode")
)

// Repository is the per-key conditional store for leases. Implementations
// must guarantee that TryAcquire on a free camera succeeds for exactly one
// of any set of concurrent callers.
type Repository interface {
	TryAcquire(ctx context.Context, tenantID, siteID, cameraID, workerID uuid.UUID, mode string) (*data.CameraLease, *uuid.UUID, error)
	Release(ctx context.Context, cameraID, workerID uuid.UUID) (bool, *uuid.UUID, error)
	ForceRelease(ctx context.Context, cameraID uuid.UUID) error
	Get(ctx context.Context, cameraID uuid.UUID) (*data.CameraLease, error)
	CountHeldByWorker(ctx context.Context, workerID uuid.UUID) (int, error)
}

type WorkerStore interface {
	GetByID(ctx context.Context, workerID uuid.UUID) (*data.Worker, error)
}

// CommandSink decouples the manager from the command channel wiring.
type CommandSink interface {
	Enqueue(ctx context.Context, workerID uuid.UUID, p command.Payload) (string, error)
}

// Conflict reports a camera held by another worker. It is an expected
// outcome, not an error: callers decide whether to wait, pick another
// camera, or give up.
type Conflict struct {
	HeldBy uuid.UUID `json:"held_by"`
}

type AcquireResult struct {
	Lease    *data.CameraLease `json:"lease,omitempty"`
	Conflict *Conflict         `json:"conflict,omitempty"`
}

type Manager struct {
	repo     Repository
	workers  WorkerStore
	commands CommandSink
}

func NewManager(repo Repository, workers WorkerStore, commands CommandSink) *Manager {
	return &Manager{repo: repo, workers: workers, commands: commands}
}

// Acquire grants the lease if the camera is free (or already held by the
// requester) and the worker is live with spare capacity. Never blocks: a
// held camera yields a Conflict immediately.
func (m *Manager) Acquire(ctx context.Context, tenantID, siteID, cameraID, workerID uuid.UUID, mode string) (*AcquireResult, error) {
	switch mode {
	case data.LeaseModeStreaming, data.LeaseModeProcessing, data.LeaseModeBoth:
	default:
		return nil, ErrInvalidMode
	}

	w, err := m.workers.GetByID(ctx, workerID)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			return nil, ErrUnknownWorker
		}
		return nil, err
	}
	switch w.Status {
	case data.WorkerStatusOffline, data.WorkerStatusError, data.WorkerStatusMaintenance:
		metrics.LeaseAcquisitionsTotal.WithLabelValues("rejected").Inc()
		return nil, ErrWorkerUnavailable
	}

	// Capacity check. A re-acquire of a camera the worker already holds
	// does not consume a new slot.
	held, err := m.repo.CountHeldByWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if held >= w.Capabilities.MaxStreams {
		cur, err := m.repo.Get(ctx, cameraID)
		alreadyHolder := err == nil && cur.HeldByWorkerID != nil && *cur.HeldByWorkerID == workerID
		if err != nil && !errors.Is(err, data.ErrRecordNotFound) {
			return nil, err
		}
		if !alreadyHolder {
			metrics.LeaseAcquisitionsTotal.WithLabelValues("rejected").Inc()
			return nil, ErrCapacityExceeded
		}
	}

	l, holder, err := m.repo.TryAcquire(ctx, tenantID, siteID, cameraID, workerID, mode)
	if err != nil {
		return nil, err
	}
	if holder != nil {
		metrics.LeaseAcquisitionsTotal.WithLabelValues("conflict").Inc()
		return &AcquireResult{Conflict: &Conflict{HeldBy: *holder}}, nil
	}

	metrics.LeaseAcquisitionsTotal.WithLabelValues("granted").Inc()
	m.notifyAssigned(ctx, l)
	return &AcquireResult{Lease: l}, nil
}

// Release clears a lease held by workerID. Releasing an already free camera
// is a no-op; releasing someone else's lease is ErrNotLeaseHolder.
func (m *Manager) Release(ctx context.Context, cameraID, workerID uuid.UUID) error {
	released, holder, err := m.repo.Release(ctx, cameraID, workerID)
	if err != nil {
		return err
	}
	if released || holder == nil {
		return nil
	}
	return ErrNotLeaseHolder
}

// ForceRelease unconditionally frees a camera. Reserved for the OFFLINE
// sweep, command-timeout escalation and operator maintenance.
func (m *Manager) ForceRelease(ctx context.Context, cameraID uuid.UUID) error {
	if err := m.repo.ForceRelease(ctx, cameraID); err != nil {
		return err
	}
	metrics.LeasesForceReleased.Inc()
	return nil
}

func (m *Manager) Get(ctx context.Context, cameraID uuid.UUID) (*data.CameraLease, error) {
	return m.repo.Get(ctx, cameraID)
}

// notifyAssigned pushes the assignment to the worker. The lease is already
// granted; command delivery failures surface through the channel's own
// retry/escalation path.
func (m *Manager) notifyAssigned(ctx context.Context, l *data.CameraLease) {
	if m.commands == nil {
		return
	}
	workerID := *l.HeldByWorkerID

	if _, err := m.commands.Enqueue(ctx, workerID, command.AssignCameraPayload{
		CameraID: l.CameraID,
		Mode:     l.Mode,
	}); err != nil {
		log.Printf("[WARN] LeaseManager: enqueue ASSIGN_CAMERA for %s failed: %v", l.CameraID, err)
		return
	}

	if l.Mode == data.LeaseModeProcessing || l.Mode == data.LeaseModeBoth {
		if _, err := m.commands.Enqueue(ctx, workerID, command.StartProcessingPayload{CameraID: l.CameraID}); err != nil {
			log.Printf("[WARN] LeaseManager: enqueue START_PROCESSING for %s failed: %v", l.CameraID, err)
		}
	}
}
