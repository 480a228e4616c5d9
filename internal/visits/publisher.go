package visits

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/technosupport/ts-fleet/internal/data"
)

// Activity types published on visit changes.
const (
	ActivityOpened   = "visit.opened"
	ActivityExtended = "visit.extended"
)

type VisitActivity struct {
	Type    string             `json:"type"`
	EventID string             `json:"event_id"`
	Session *data.VisitSession `json:"session"`
}

// NATSPublisher fans visit activity out to downstream consumers
// (reporting, alerting). Subject: <prefix>.<tenant_id>.
type NATSPublisher struct {
	conn       *nats.Conn
	prefix     string
	maxRetries int
}

func NewNATSPublisher(conn *nats.Conn, prefix string, maxRetries int) *NATSPublisher {
	if prefix == "" {
		prefix = "fleet.visits"
	}
	return &NATSPublisher{conn: conn, prefix: prefix, maxRetries: maxRetries}
}

func (p *NATSPublisher) Publish(activity *VisitActivity) error {
	payload, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", p.prefix, activity.Session.TenantID)

	for i := 0; i <= p.maxRetries; i++ {
		err = p.conn.Publish(subject, payload)
		if err == nil {
			return nil
		}
		time.Sleep(time.Duration(i*100) * time.Millisecond)
	}

	return fmt.Errorf("publish failed after %d retries: %w", p.maxRetries, err)
}
