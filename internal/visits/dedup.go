package visits

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// EventDedup is the hot-path duplicate filter in front of the durable
// ingested_events table. It absorbs the common case (a worker re-sending
// a batch after a transient failure) without a store round-trip.
type EventDedup struct {
	cache *lru.Cache[string, time.Time]
	ttl   time.Duration
}

func NewEventDedup(maxKeys int, ttl time.Duration) *EventDedup {
	c, _ := lru.New[string, time.Time](maxKeys)
	return &EventDedup{cache: c, ttl: ttl}
}

func (d *EventDedup) IsDuplicate(eventID string) bool {
	if addedAt, ok := d.cache.Get(eventID); ok {
		if time.Since(addedAt) < d.ttl {
			return true
		}
	}
	d.cache.Add(eventID, time.Now())
	return false
}
