package data

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Person types attached to a resolved identity.
const (
	PersonTypeStaff    = "staff"
	PersonTypeCustomer = "customer"
)

// VisitSession is a merged run of detections for one person at one site.
// A session is "open" while now - last_seen <= merge window; openness is a
// query-time predicate, never a stored flag.
type VisitSession struct {
	TenantID          uuid.UUID `json:"tenant_id"`
	VisitID           uuid.UUID `json:"visit_id"`
	PersonID          uuid.UUID `json:"person_id"`
	PersonType        string    `json:"person_type"`
	SiteID            uuid.UUID `json:"site_id"`
	CameraID          uuid.UUID `json:"camera_id"`
	FirstSeen         time.Time `json:"first_seen"`
	LastSeen          time.Time `json:"last_seen"`
	DetectionCount    int       `json:"detection_count"`
	HighestConfidence float64   `json:"highest_confidence"`
	BestSnapshotRef   *string   `json:"best_snapshot_ref,omitempty"`
}

type VisitModel struct {
	DB DBTX
}

// MarkEventIngested records an event_id for idempotence. Returns false if
// the event was seen before.
func (m VisitModel) MarkEventIngested(ctx context.Context, eventID string, tenantID uuid.UUID) (bool, error) {
	res, err := m.DB.ExecContext(ctx, `
		INSERT INTO ingested_events (event_id, tenant_id)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, tenantID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FindOpenSession returns the most recent session for (tenant, person, site)
// still within the merge window of ts. The boundary is inclusive on the
// existing-session side: last_seen + window >= ts merges.
func (m VisitModel) FindOpenSession(ctx context.Context, tenantID, personID, siteID uuid.UUID, ts time.Time, window time.Duration) (*VisitSession, error) {
	query := `
		SELECT tenant_id, visit_id, person_id, person_type, site_id, camera_id,
		       first_seen, last_seen, detection_count, highest_confidence, best_snapshot_ref
		FROM visit_sessions
		WHERE tenant_id = $1 AND person_id = $2 AND site_id = $3
		  AND last_seen >= $4
		ORDER BY last_seen DESC
		LIMIT 1`

	var v VisitSession
	err := m.DB.QueryRowContext(ctx, query, tenantID, personID, siteID, ts.Add(-window)).Scan(
		&v.TenantID, &v.VisitID, &v.PersonID, &v.PersonType, &v.SiteID, &v.CameraID,
		&v.FirstSeen, &v.LastSeen, &v.DetectionCount, &v.HighestConfidence, &v.BestSnapshotRef,
	)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// Upsert persists a session keyed by visit_id. On conflict the row is
// extended: last_seen advances, detection_count increments, confidence is
// monotone non-decreasing and the snapshot ref is replaced only when the
// incoming confidence strictly exceeds the stored best.
func (m VisitModel) Upsert(ctx context.Context, v *VisitSession) error {
	query := `
		INSERT INTO visit_sessions (
			tenant_id, visit_id, person_id, person_type, site_id, camera_id,
			first_seen, last_seen, detection_count, highest_confidence, best_snapshot_ref
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (visit_id) DO UPDATE SET
			last_seen = GREATEST(visit_sessions.last_seen, EXCLUDED.last_seen),
			detection_count = visit_sessions.detection_count + 1,
			highest_confidence = GREATEST(visit_sessions.highest_confidence, EXCLUDED.highest_confidence),
			best_snapshot_ref = CASE
				WHEN EXCLUDED.highest_confidence > visit_sessions.highest_confidence
				THEN EXCLUDED.best_snapshot_ref
				ELSE visit_sessions.best_snapshot_ref
			END,
			updated_at = NOW()
		RETURNING first_seen, last_seen, detection_count, highest_confidence, best_snapshot_ref`

	return m.DB.QueryRowContext(ctx, query,
		v.TenantID, v.VisitID, v.PersonID, v.PersonType, v.SiteID, v.CameraID,
		v.FirstSeen, v.LastSeen, v.DetectionCount, v.HighestConfidence, v.BestSnapshotRef,
	).Scan(&v.FirstSeen, &v.LastSeen, &v.DetectionCount, &v.HighestConfidence, &v.BestSnapshotRef)
}
