package data

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Worker statuses. REGISTERING is the initial state reported by a node
// before its first heartbeat; the registry itself only ever writes IDLE,
// OFFLINE and ERROR.
const (
	WorkerStatusRegistering = "REGISTERING"
	WorkerStatusIdle        = "IDLE"
	WorkerStatusProcessing  = "PROCESSING"
	WorkerStatusOnline      = "ONLINE"
	WorkerStatusOffline     = "OFFLINE"
	WorkerStatusError       = "ERROR"
	WorkerStatusMaintenance = "MAINTENANCE"
)

// Capabilities declared by a worker at registration time.
type Capabilities struct {
	MaxStreams   int    `json:"max_streams"`
	DetectorKind string `json:"detector_kind,omitempty"`
	EmbedderKind string `json:"embedder_kind,omitempty"`
}

// Worker is a processing node in the fleet.
type Worker struct {
	WorkerID        uuid.UUID    `json:"worker_id"`
	TenantID        uuid.UUID    `json:"tenant_id"`
	SiteID          uuid.UUID    `json:"site_id"`
	Status          string       `json:"status"`
	Capabilities    Capabilities `json:"capabilities"`
	ActiveCameraIDs []string     `json:"active_camera_ids"`
	LastHeartbeatAt time.Time    `json:"last_heartbeat_at"`
	RegisteredAt    time.Time    `json:"registered_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// SweptWorker reports one worker transitioned by a sweep, with the cameras
// whose leases were force-released in the same transaction.
type SweptWorker struct {
	WorkerID        uuid.UUID
	ReleasedCameras []uuid.UUID
}

type WorkerModel struct {
	DB *sql.DB
}

const workerColumns = `worker_id, tenant_id, site_id, status, max_streams,
	       detector_kind, embedder_kind, active_camera_ids,
	       last_heartbeat_at, registered_at, updated_at`

// Upsert registers a worker. Re-registering the same worker_id updates the
// declared capabilities and resets status to IDLE.
func (m WorkerModel) Upsert(ctx context.Context, w *Worker) error {
	query := `
		INSERT INTO workers (
			worker_id, tenant_id, site_id, status,
			max_streams, detector_kind, embedder_kind, last_heartbeat_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			site_id = EXCLUDED.site_id,
			status = EXCLUDED.status,
			max_streams = EXCLUDED.max_streams,
			detector_kind = EXCLUDED.detector_kind,
			embedder_kind = EXCLUDED.embedder_kind,
			last_heartbeat_at = NOW(),
			updated_at = NOW()
		RETURNING status, last_heartbeat_at, registered_at, updated_at`

	return m.DB.QueryRowContext(ctx, query,
		w.WorkerID, w.TenantID, w.SiteID, WorkerStatusIdle,
		w.Capabilities.MaxStreams, w.Capabilities.DetectorKind, w.Capabilities.EmbedderKind,
	).Scan(&w.Status, &w.LastHeartbeatAt, &w.RegisteredAt, &w.UpdatedAt)
}

// Heartbeat refreshes liveness and the worker-reported status. Returns
// ErrRecordNotFound if the worker was never registered or was purged.
func (m WorkerModel) Heartbeat(ctx context.Context, workerID uuid.UUID, status string, activeCameraIDs []string) error {
	if activeCameraIDs == nil {
		activeCameraIDs = []string{} // column is NOT NULL
	}
	query := `
		UPDATE workers
		SET status = $2, active_camera_ids = $3,
		    last_heartbeat_at = NOW(), updated_at = NOW()
		WHERE worker_id = $1`

	res, err := m.DB.ExecContext(ctx, query, workerID, status, pq.Array(activeCameraIDs))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (m WorkerModel) GetByID(ctx context.Context, workerID uuid.UUID) (*Worker, error) {
	query := `
		SELECT ` + workerColumns + `
		FROM workers
		WHERE worker_id = $1`

	var w Worker
	var cams []string
	err := m.DB.QueryRowContext(ctx, query, workerID).Scan(
		&w.WorkerID, &w.TenantID, &w.SiteID, &w.Status, &w.Capabilities.MaxStreams,
		&w.Capabilities.DetectorKind, &w.Capabilities.EmbedderKind, pq.Array(&cams),
		&w.LastHeartbeatAt, &w.RegisteredAt, &w.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	w.ActiveCameraIDs = cams
	return &w, nil
}

func (m WorkerModel) List(ctx context.Context, tenantID uuid.UUID) ([]*Worker, error) {
	query := `
		SELECT ` + workerColumns + `
		FROM workers
		WHERE tenant_id = $1
		ORDER BY registered_at`

	rows, err := m.DB.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workers []*Worker
	for rows.Next() {
		var w Worker
		var cams []string
		if err := rows.Scan(
			&w.WorkerID, &w.TenantID, &w.SiteID, &w.Status, &w.Capabilities.MaxStreams,
			&w.Capabilities.DetectorKind, &w.Capabilities.EmbedderKind, pq.Array(&cams),
			&w.LastHeartbeatAt, &w.RegisteredAt, &w.UpdatedAt,
		); err != nil {
			return nil, err
		}
		w.ActiveCameraIDs = cams
		workers = append(workers, &w)
	}
	return workers, rows.Err()
}

// SweepOffline transitions every worker whose last heartbeat is older than
// cutoff to OFFLINE and force-releases its leases. Transition and release
// happen in one transaction so a concurrent Acquire can never observe an
// OFFLINE worker still holding a lease.
func (m WorkerModel) SweepOffline(ctx context.Context, cutoff time.Time) ([]SweptWorker, error) {
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		UPDATE workers
		SET status = $1, updated_at = NOW()
		WHERE last_heartbeat_at < $2
		  AND status NOT IN ($1, $3)
		RETURNING worker_id`,
		WorkerStatusOffline, cutoff, WorkerStatusMaintenance)
	if err != nil {
		return nil, err
	}

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	swept := make([]SweptWorker, 0, len(ids))
	for _, id := range ids {
		cams, err := releaseLeasesTx(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		swept = append(swept, SweptWorker{WorkerID: id, ReleasedCameras: cams})
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return swept, nil
}

// MarkErrored sets a worker to ERROR and force-releases its leases in one
// transaction. Used by the command channel escalation path.
func (m WorkerModel) MarkErrored(ctx context.Context, workerID uuid.UUID) ([]uuid.UUID, error) {
	return m.transitionAndRelease(ctx, workerID, WorkerStatusError, false)
}

// Delete removes a worker record entirely, releasing its leases first.
func (m WorkerModel) Delete(ctx context.Context, workerID uuid.UUID) ([]uuid.UUID, error) {
	return m.transitionAndRelease(ctx, workerID, "", true)
}

func (m WorkerModel) transitionAndRelease(ctx context.Context, workerID uuid.UUID, status string, remove bool) ([]uuid.UUID, error) {
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	cams, err := releaseLeasesTx(ctx, tx, workerID)
	if err != nil {
		return nil, err
	}

	var res sql.Result
	if remove {
		res, err = tx.ExecContext(ctx, `DELETE FROM workers WHERE worker_id = $1`, workerID)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE workers SET status = $2, updated_at = NOW() WHERE worker_id = $1`,
			workerID, status)
	}
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrRecordNotFound
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return cams, nil
}

func releaseLeasesTx(ctx context.Context, tx *sql.Tx, workerID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := tx.QueryContext(ctx, `
		UPDATE camera_leases
		SET held_by_worker_id = NULL, acquired_at = NULL, updated_at = NOW()
		WHERE held_by_worker_id = $1
		RETURNING camera_id`, workerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cams []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		cams = append(cams, id)
	}
	return cams, rows.Err()
}
