package command

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const queueTTL = 10 * time.Minute

// QueueTransport is the polled fallback: commands are pushed onto a
// per-worker Redis list the worker drains over HTTP when it has no live
// socket. Entries carry a TTL so queues for dead workers do not grow
// forever; a worker that misses a queued command sees it re-pushed on the
// next retry attempt, and duplicates are absorbed by idempotent acks.
type QueueTransport struct {
	client *redis.Client
}

func NewQueueTransport(client *redis.Client) *QueueTransport {
	return &QueueTransport{client: client}
}

func (t *QueueTransport) Name() string { return "redis-queue" }

func queueKey(workerID uuid.UUID) string {
	return fmt.Sprintf("fleet:commands:%s", workerID)
}

func (t *QueueTransport) Send(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	key := queueKey(msg.WorkerID)
	pipe := t.client.Pipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, queueTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// Drain pops every queued command for a worker in delivery order. Called by
// the HTTP poll endpoint.
func (t *QueueTransport) Drain(ctx context.Context, workerID uuid.UUID) ([]Message, error) {
	key := queueKey(workerID)

	raw, err := t.client.LPopCount(ctx, key, 100).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	msgs := make([]Message, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, item := range raw {
		var m Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			return nil, fmt.Errorf("corrupt queue entry: %w", err)
		}
		// retries re-push the same command; collapse duplicates here so a
		// polling worker sees each command once per drain
		if seen[m.CommandID] {
			continue
		}
		seen[m.CommandID] = true
		msgs = append(msgs, m)
	}
	return msgs, nil
}
