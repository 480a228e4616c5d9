package visits

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/technosupport/ts-fleet/internal/data"
	"github.com/technosupport/ts-fleet/internal/metrics"
)

var (
	ErrDuplicateEvent     = errors.New("duplicate event")
	ErrIdentityResolution = errors.New("identity resolution failed")
)

// Store is the event-store surface the aggregator needs: a dedup insert,
// a "most recent open session" lookup and an upsert keyed by visit_id.
type Store interface {
	MarkEventIngested(ctx context.Context, eventID string, tenantID uuid.UUID) (bool, error)
	FindOpenSession(ctx context.Context, tenantID, personID, siteID uuid.UUID, ts time.Time, window time.Duration) (*data.VisitSession, error)
	Upsert(ctx context.Context, v *data.VisitSession) error
}

type ActivityPublisher interface {
	Publish(activity *VisitActivity) error
}

// Aggregator collapses resolved detection events into visit sessions.
type Aggregator struct {
	store    Store
	resolver Resolver
	pub      ActivityPublisher
	dedup    *EventDedup
	window   func() time.Duration
	locks    keyLock
}

// NewAggregator builds an aggregator. window is a function so config hot
// reloads apply without restart; pub may be nil when no NATS is configured.
func NewAggregator(store Store, resolver Resolver, pub ActivityPublisher, dedup *EventDedup, window func() time.Duration) *Aggregator {
	if window == nil {
		window = func() time.Duration { return 30 * time.Minute }
	}
	return &Aggregator{
		store:    store,
		resolver: resolver,
		pub:      pub,
		dedup:    dedup,
		window:   window,
	}
}

// Ingest processes one detection event and returns the visit session it was
// merged into (or opened). Duplicate events return ErrDuplicateEvent; both
// resolution failures and no-match answers drop the event without retry.
func (a *Aggregator) Ingest(ctx context.Context, evt *FaceDetectionEvent) (*data.VisitSession, error) {
	if evt.EventID == "" {
		evt.EventID = ComputeEventID(evt)
	}

	// 1. Idempotence against at-least-once delivery: hot LRU first, then
	// the durable dedup insert.
	if a.dedup != nil && a.dedup.IsDuplicate(evt.EventID) {
		metrics.EventsIngestedTotal.WithLabelValues("duplicate").Inc()
		return nil, ErrDuplicateEvent
	}
	fresh, err := a.store.MarkEventIngested(ctx, evt.EventID, evt.TenantID)
	if err != nil {
		return nil, err
	}
	if !fresh {
		metrics.EventsIngestedTotal.WithLabelValues("duplicate").Inc()
		return nil, ErrDuplicateEvent
	}

	// 2. Resolve the embedding. Re-submission would not change the
	// resolver's answer, so failures drop the event rather than retry.
	identity, err := a.resolver.Resolve(ctx, evt.Embedding, evt.IsStaffLocal)
	if err != nil {
		if errors.Is(err, ErrNoMatch) {
			metrics.EventsIngestedTotal.WithLabelValues("unresolved").Inc()
			return nil, fmt.Errorf("%w: %v", ErrIdentityResolution, err)
		}
		metrics.EventsIngestedTotal.WithLabelValues("resolve_failed").Inc()
		return nil, fmt.Errorf("%w: %v", ErrIdentityResolution, err)
	}

	// 3. Merge under the per-person lock so two concurrent "new session"
	// decisions for the same person cannot both win.
	unlock := a.locks.lock(mergeKey(evt.TenantID, identity.PersonID, evt.SiteID))
	defer unlock()

	window := a.window()
	session, err := a.store.FindOpenSession(ctx, evt.TenantID, identity.PersonID, evt.SiteID, evt.Timestamp, window)
	if err != nil && !errors.Is(err, data.ErrRecordNotFound) {
		return nil, err
	}

	activity := ActivityExtended
	if session == nil {
		activity = ActivityOpened
		session = &data.VisitSession{
			TenantID:   evt.TenantID,
			VisitID:    uuid.New(),
			PersonID:   identity.PersonID,
			PersonType: identity.PersonType,
			SiteID:     evt.SiteID,
			CameraID:   evt.CameraID,
			FirstSeen:  evt.Timestamp,
		}
	}

	// The store upsert applies the monotonicity rules: last_seen advances,
	// confidence never decreases, snapshot only improves.
	session.LastSeen = evt.Timestamp
	session.DetectionCount = 1
	session.HighestConfidence = identity.Confidence
	session.BestSnapshotRef = evt.SnapshotRef

	if err := a.store.Upsert(ctx, session); err != nil {
		return nil, err
	}

	if activity == ActivityOpened {
		metrics.EventsIngestedTotal.WithLabelValues("opened").Inc()
		metrics.VisitSessionsOpened.Inc()
	} else {
		metrics.EventsIngestedTotal.WithLabelValues("merged").Inc()
	}

	if a.pub != nil {
		if err := a.pub.Publish(&VisitActivity{Type: activity, EventID: evt.EventID, Session: session}); err != nil {
			log.Printf("[WARN] Aggregator: publish %s for visit %s failed: %v", activity, session.VisitID, err)
		}
	}
	return session, nil
}

func mergeKey(tenantID, personID, siteID uuid.UUID) string {
	return tenantID.String() + "|" + personID.String() + "|" + siteID.String()
}
