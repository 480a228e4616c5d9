package registry

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/technosupport/ts-fleet/internal/command"
	"github.com/technosupport/ts-fleet/internal/data"
	"github.com/technosupport/ts-fleet/internal/metrics"
)

var (
	ErrUnknownWorker       = errors.New("unknown worker")
	ErrInvalidCapabilities = errors.New("invalid capabilities")
	ErrInvalidStatus       = errors.New("invalid worker status")
)

type Repository interface {
	Upsert(ctx context.Context, w *data.Worker) error
	Heartbeat(ctx context.Context, workerID uuid.UUID, status string, activeCameraIDs []string) error
	GetByID(ctx context.Context, workerID uuid.UUID) (*data.Worker, error)
	List(ctx context.Context, tenantID uuid.UUID) ([]*data.Worker, error)
	SweepOffline(ctx context.Context, cutoff time.Time) ([]data.SweptWorker, error)
	MarkErrored(ctx context.Context, workerID uuid.UUID) ([]uuid.UUID, error)
	Delete(ctx context.Context, workerID uuid.UUID) ([]uuid.UUID, error)
}

// LeaseStore gives the registry the lease visibility it needs for the
// capacity-shrink eviction path.
type LeaseStore interface {
	ListHeldByWorker(ctx context.Context, workerID uuid.UUID) ([]*data.CameraLease, error)
	ForceRelease(ctx context.Context, cameraID uuid.UUID) error
}

type CommandSink interface {
	Enqueue(ctx context.Context, workerID uuid.UUID, p command.Payload) (string, error)
}

type RegistrationResult struct {
	Worker         *data.Worker `json:"worker"`
	EvictedCameras []uuid.UUID  `json:"evicted_cameras,omitempty"`
}

type Service struct {
	repo     Repository
	leases   LeaseStore
	commands CommandSink
}

func NewService(repo Repository, leases LeaseStore, commands CommandSink) *Service {
	return &Service{repo: repo, leases: leases, commands: commands}
}

// Register is idempotent: re-registering an existing worker_id updates the
// declared capabilities and resets status to IDLE. When the declared
// capacity shrank below the worker's held lease count, the oldest leases
// are evicted first and a forced RELEASE_CAMERA is issued for each.
func (s *Service) Register(ctx context.Context, workerID, tenantID, siteID uuid.UUID, caps data.Capabilities) (*RegistrationResult, error) {
	if caps.MaxStreams <= 0 {
		return nil, ErrInvalidCapabilities
	}

	w := &data.Worker{
		WorkerID:     workerID,
		TenantID:     tenantID,
		SiteID:       siteID,
		Capabilities: caps,
	}
	if err := s.repo.Upsert(ctx, w); err != nil {
		return nil, err
	}

	evicted, err := s.evictOverCapacity(ctx, w)
	if err != nil {
		// the registration itself stands; eviction is retried on the
		// next re-registration or resolved by the sweep
		log.Printf("[ERROR] Registry: capacity eviction for worker %s failed: %v", workerID, err)
	}

	return &RegistrationResult{Worker: w, EvictedCameras: evicted}, nil
}

func (s *Service) evictOverCapacity(ctx context.Context, w *data.Worker) ([]uuid.UUID, error) {
	held, err := s.leases.ListHeldByWorker(ctx, w.WorkerID)
	if err != nil {
		return nil, err
	}
	over := len(held) - w.Capabilities.MaxStreams
	if over <= 0 {
		return nil, nil
	}

	// ListHeldByWorker orders oldest first, which is the eviction order.
	var evicted []uuid.UUID
	for _, l := range held[:over] {
		if err := s.leases.ForceRelease(ctx, l.CameraID); err != nil {
			return evicted, err
		}
		metrics.LeasesForceReleased.Inc()
		evicted = append(evicted, l.CameraID)

		if _, err := s.commands.Enqueue(ctx, w.WorkerID, command.ReleaseCameraPayload{
			CameraID: l.CameraID,
			Forced:   true,
		}); err != nil {
			log.Printf("[WARN] Registry: enqueue RELEASE_CAMERA for %s failed: %v", l.CameraID, err)
		}
	}
	log.Printf("[INFO] Registry: worker %s re-registered with capacity %d, evicted %d oldest leases",
		w.WorkerID, w.Capabilities.MaxStreams, len(evicted))
	return evicted, nil
}

// Heartbeat refreshes a worker's liveness. Workers report their own status;
// only the statuses a node may legitimately claim are accepted. A worker in
// ERROR holds no leases, so an ERROR self-report takes the same
// transactional path as channel escalation.
func (s *Service) Heartbeat(ctx context.Context, workerID uuid.UUID, status string, activeCameraIDs []string) error {
	switch status {
	case data.WorkerStatusIdle, data.WorkerStatusProcessing, data.WorkerStatusOnline,
		data.WorkerStatusMaintenance:
	case data.WorkerStatusError:
		if err := s.MarkWorkerErrored(ctx, workerID); err != nil {
			return err
		}
		// Refresh liveness separately: the node is broken but reachable,
		// and must not be additionally swept OFFLINE while it reports.
		status, activeCameraIDs = data.WorkerStatusError, nil
	default:
		return ErrInvalidStatus
	}

	err := s.repo.Heartbeat(ctx, workerID, status, activeCameraIDs)
	if errors.Is(err, data.ErrRecordNotFound) {
		return ErrUnknownWorker
	}
	return err
}

func (s *Service) GetWorker(ctx context.Context, workerID uuid.UUID) (*data.Worker, error) {
	w, err := s.repo.GetByID(ctx, workerID)
	if errors.Is(err, data.ErrRecordNotFound) {
		return nil, ErrUnknownWorker
	}
	return w, err
}

func (s *Service) ListWorkers(ctx context.Context, tenantID uuid.UUID) ([]*data.Worker, error) {
	return s.repo.List(ctx, tenantID)
}

// SweepStale transitions workers whose heartbeats stopped arriving to
// OFFLINE and frees their leases. The transition and the release are one
// transaction in the repository, so concurrent Acquire calls never observe
// an OFFLINE worker still holding a lease.
func (s *Service) SweepStale(ctx context.Context, ttl time.Duration) ([]data.SweptWorker, error) {
	swept, err := s.repo.SweepOffline(ctx, time.Now().Add(-ttl))
	if err != nil {
		return nil, err
	}

	for _, sw := range swept {
		metrics.WorkersSweptOffline.Inc()
		metrics.LeasesForceReleased.Add(float64(len(sw.ReleasedCameras)))
		log.Printf("[INFO] Registry: worker %s swept OFFLINE, released %d leases",
			sw.WorkerID, len(sw.ReleasedCameras))
	}
	return swept, nil
}

// MarkWorkerErrored implements command.Escalator: the worker stopped acking
// commands, so it is treated like a crashed node.
func (s *Service) MarkWorkerErrored(ctx context.Context, workerID uuid.UUID) error {
	cams, err := s.repo.MarkErrored(ctx, workerID)
	if errors.Is(err, data.ErrRecordNotFound) {
		return ErrUnknownWorker
	}
	if err != nil {
		return err
	}
	metrics.WorkersErrored.Inc()
	metrics.LeasesForceReleased.Add(float64(len(cams)))
	log.Printf("[WARN] Registry: worker %s marked ERROR, released %d leases", workerID, len(cams))
	return nil
}

// ForceRemove deletes a worker record and frees everything it held.
// Operator maintenance only.
func (s *Service) ForceRemove(ctx context.Context, workerID uuid.UUID) ([]uuid.UUID, error) {
	cams, err := s.repo.Delete(ctx, workerID)
	if errors.Is(err, data.ErrRecordNotFound) {
		return nil, ErrUnknownWorker
	}
	if err != nil {
		return nil, err
	}
	metrics.LeasesForceReleased.Add(float64(len(cams)))
	log.Printf("[INFO] Registry: worker %s force-removed, released %d leases", workerID, len(cams))
	return cams, nil
}
