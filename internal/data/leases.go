package data

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Lease modes.
const (
	LeaseModeStreaming  = "STREAMING"
	LeaseModeProcessing = "PROCESSING"
	LeaseModeBoth       = "BOTH"
)

// CameraLease is an advisory exclusive assignment of a camera to a worker.
// A NULL holder means the camera is free. Rows are created lazily on first
// reference to a camera.
type CameraLease struct {
	TenantID       uuid.UUID  `json:"tenant_id"`
	SiteID         uuid.UUID  `json:"site_id"`
	CameraID       uuid.UUID  `json:"camera_id"`
	HeldByWorkerID *uuid.UUID `json:"held_by_worker_id,omitempty"`
	Mode           string     `json:"mode,omitempty"`
	AcquiredAt     *time.Time `json:"acquired_at,omitempty"`
}

type LeaseModel struct {
	DB DBTX
}

// TryAcquire attempts to take the lease for a camera. The grant is a single
// conditional UPDATE keyed on the holder column, so two concurrent calls for
// the same free camera can never both succeed. Returns (lease, nil, nil) on
// grant, (nil, holder, nil) on conflict. Re-acquiring a lease already held
// by the same worker refreshes the mode and is not a conflict.
func (m LeaseModel) TryAcquire(ctx context.Context, tenantID, siteID, cameraID, workerID uuid.UUID, mode string) (*CameraLease, *uuid.UUID, error) {
	_, err := m.DB.ExecContext(ctx, `
		INSERT INTO camera_leases (tenant_id, site_id, camera_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (camera_id) DO NOTHING`,
		tenantID, siteID, cameraID)
	if err != nil {
		return nil, nil, err
	}

	query := `
		UPDATE camera_leases
		SET held_by_worker_id = $2,
		    mode = $3,
		    acquired_at = CASE WHEN held_by_worker_id IS NULL THEN NOW() ELSE acquired_at END,
		    updated_at = NOW()
		WHERE camera_id = $1
		  AND (held_by_worker_id IS NULL OR held_by_worker_id = $2)
		RETURNING tenant_id, site_id, camera_id, held_by_worker_id, mode, acquired_at`

	for {
		var l CameraLease
		err = m.DB.QueryRowContext(ctx, query, cameraID, workerID, mode).Scan(
			&l.TenantID, &l.SiteID, &l.CameraID, &l.HeldByWorkerID, &l.Mode, &l.AcquiredAt,
		)
		if err == nil {
			return &l, nil, nil
		}
		if err != sql.ErrNoRows {
			return nil, nil, err
		}

		// Condition failed: somebody else held it when the update ran.
		var holder *uuid.UUID
		err = m.DB.QueryRowContext(ctx,
			`SELECT held_by_worker_id FROM camera_leases WHERE camera_id = $1`,
			cameraID).Scan(&holder)
		if err != nil {
			return nil, nil, err
		}
		if holder != nil {
			return nil, holder, nil
		}
		// The holder released between the two statements; the camera is
		// free again, so retry the grant.
	}
}

// Release clears the lease if held by workerID. Returns (true, nil) when
// cleared, (false, nil) when the lease was already free or never referenced,
// and (false, holder) when a different worker holds it.
func (m LeaseModel) Release(ctx context.Context, cameraID, workerID uuid.UUID) (bool, *uuid.UUID, error) {
	res, err := m.DB.ExecContext(ctx, `
		UPDATE camera_leases
		SET held_by_worker_id = NULL, acquired_at = NULL, updated_at = NOW()
		WHERE camera_id = $1 AND held_by_worker_id = $2`,
		cameraID, workerID)
	if err != nil {
		return false, nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, nil, err
	}
	if n == 1 {
		return true, nil, nil
	}

	var holder *uuid.UUID
	err = m.DB.QueryRowContext(ctx,
		`SELECT held_by_worker_id FROM camera_leases WHERE camera_id = $1`,
		cameraID).Scan(&holder)
	if err == sql.ErrNoRows {
		return false, nil, nil // never referenced; free by definition
	}
	if err != nil {
		return false, nil, err
	}
	return false, holder, nil
}

// ForceRelease unconditionally clears the lease. Sweep and escalation only.
func (m LeaseModel) ForceRelease(ctx context.Context, cameraID uuid.UUID) error {
	_, err := m.DB.ExecContext(ctx, `
		UPDATE camera_leases
		SET held_by_worker_id = NULL, acquired_at = NULL, updated_at = NOW()
		WHERE camera_id = $1`,
		cameraID)
	return err
}

func (m LeaseModel) Get(ctx context.Context, cameraID uuid.UUID) (*CameraLease, error) {
	query := `
		SELECT tenant_id, site_id, camera_id, held_by_worker_id, mode, acquired_at
		FROM camera_leases
		WHERE camera_id = $1`

	var l CameraLease
	var mode sql.NullString
	err := m.DB.QueryRowContext(ctx, query, cameraID).Scan(
		&l.TenantID, &l.SiteID, &l.CameraID, &l.HeldByWorkerID, &mode, &l.AcquiredAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	l.Mode = mode.String
	return &l, nil
}

func (m LeaseModel) CountHeldByWorker(ctx context.Context, workerID uuid.UUID) (int, error) {
	var n int
	err := m.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM camera_leases WHERE held_by_worker_id = $1`,
		workerID).Scan(&n)
	return n, err
}

// ListHeldByWorker returns a worker's leases ordered oldest first, which is
// the eviction order used when declared capacity shrinks.
func (m LeaseModel) ListHeldByWorker(ctx context.Context, workerID uuid.UUID) ([]*CameraLease, error) {
	query := `
		SELECT tenant_id, site_id, camera_id, held_by_worker_id, mode, acquired_at
		FROM camera_leases
		WHERE held_by_worker_id = $1
		ORDER BY acquired_at ASC`

	rows, err := m.DB.QueryContext(ctx, query, workerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var leases []*CameraLease
	for rows.Next() {
		var l CameraLease
		var mode sql.NullString
		if err := rows.Scan(&l.TenantID, &l.SiteID, &l.CameraID, &l.HeldByWorkerID, &mode, &l.AcquiredAt); err != nil {
			return nil, err
		}
		l.Mode = mode.String
		leases = append(leases, &l)
	}
	return leases, rows.Err()
}
