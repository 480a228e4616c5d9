package command

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/technosupport/ts-fleet/internal/metrics"
)

// Transport delivers a message to a worker. Send returns once the message
// has been handed off (socket write, queue push); acknowledgment arrives
// separately via Acknowledge.
type Transport interface {
	Name() string
	Send(ctx context.Context, msg *Message) error
}

// Escalator is notified when a worker exhausts its command timeout budget.
// Implemented by the worker registry (marks the worker ERROR and
// force-releases its leases).
type Escalator interface {
	MarkWorkerErrored(ctx context.Context, workerID uuid.UUID) error
}

type Config struct {
	AckTimeout    time.Duration // first-attempt timeout, doubled per retry
	MaxAttempts   int
	EscalateAfter int // consecutive timed-out commands before ERROR
}

func (c *Config) applyDefaults() {
	if c.AckTimeout == 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.EscalateAfter == 0 {
		c.EscalateAfter = 3
	}
}

type workerQueue struct {
	mu       sync.Mutex
	items    []*Message
	seq      uint64
	notify   chan struct{}
	timeouts int // consecutive TIMED_OUT commands
}

// Channel is the per-worker ordered command pipeline. Queues and ack state
// live in memory: workers are ephemeral and rebuild orchestrator state by
// re-registering, so a restart dropping PENDING commands is recoverable.
type Channel struct {
	cfg        Config
	transports []Transport
	escalate   Escalator

	mu     sync.Mutex
	queues map[uuid.UUID]*workerQueue

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewChannel(cfg Config, escalate Escalator, transports ...Transport) *Channel {
	cfg.applyDefaults()
	return &Channel{
		cfg:        cfg,
		transports: transports,
		escalate:   escalate,
		queues:     make(map[uuid.UUID]*workerQueue),
		stop:       make(chan struct{}),
	}
}

func (c *Channel) Stop() {
	close(c.stop)
	c.wg.Wait()
}

// Enqueue appends a command to the worker's outbound queue and returns its
// command id. One dispatcher goroutine per worker is started on first use
// and lives until Stop.
func (c *Channel) Enqueue(ctx context.Context, workerID uuid.UUID, p Payload) (string, error) {
	select {
	case <-c.stop:
		return "", ErrStopped
	default:
	}

	q := c.queue(workerID)

	q.mu.Lock()
	q.seq++
	msg, err := newMessage(workerID, q.seq, p)
	if err != nil {
		q.seq--
		q.mu.Unlock()
		return "", err
	}
	q.items = append(q.items, msg)
	depth := len(q.items)
	q.mu.Unlock()

	metrics.CommandsEnqueued.WithLabelValues(string(p.CommandKind())).Inc()
	metrics.CommandQueueDepth.WithLabelValues(workerID.String()).Set(float64(depth))

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return msg.CommandID, nil
}

// Acknowledge marks a pending command ACKED. Duplicate and out-of-order
// acks are idempotent no-ops; a command is never acked twice.
func (c *Channel) Acknowledge(commandID string) {
	workerID, seq, err := ParseCommandID(commandID)
	if err != nil {
		log.Printf("[WARN] CommandChannel: ignoring malformed ack %q", commandID)
		return
	}

	c.mu.Lock()
	q, ok := c.queues[workerID]
	c.mu.Unlock()
	if !ok {
		metrics.CommandAcksTotal.WithLabelValues("duplicate").Inc()
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, msg := range q.items {
		if msg.seq == seq && msg.AckState == AckPending {
			msg.AckState = AckAcked
			close(msg.acked)
			metrics.CommandAcksTotal.WithLabelValues("acked").Inc()
			return
		}
	}
	metrics.CommandAcksTotal.WithLabelValues("duplicate").Inc()
}

// PendingCount reports commands not yet terminally resolved for a worker.
func (c *Channel) PendingCount(workerID uuid.UUID) int {
	c.mu.Lock()
	q, ok := c.queues[workerID]
	c.mu.Unlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (c *Channel) queue(workerID uuid.UUID) *workerQueue {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queues[workerID]
	if !ok {
		q = &workerQueue{notify: make(chan struct{}, 1)}
		c.queues[workerID] = q
		c.wg.Add(1)
		go c.dispatch(workerID, q)
	}
	return q
}

// dispatch delivers commands for one worker strictly head-of-line: the next
// command is not sent until the current one is ACKED or terminally timed
// out. Because an ack implies the worker consumed the command, per-worker
// order is preserved no matter which transport carried it.
func (c *Channel) dispatch(workerID uuid.UUID, q *workerQueue) {
	defer c.wg.Done()

	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.notify:
				continue
			case <-c.stop:
				return
			}
		}
		msg := q.items[0]
		q.mu.Unlock()

		acked := c.deliverWithRetry(msg)

		// A delivery cut short by Stop is not a worker fault: leave the
		// escalation streak alone and shut down.
		if !acked {
			select {
			case <-c.stop:
				return
			default:
			}
		}

		q.mu.Lock()
		if !acked && msg.AckState == AckPending {
			msg.AckState = AckTimedOut
		}
		q.items = q.items[1:]
		depth := len(q.items)
		if acked {
			q.timeouts = 0
		} else {
			q.timeouts++
		}
		timeouts := q.timeouts
		if !acked && timeouts >= c.cfg.EscalateAfter {
			q.timeouts = 0
		}
		q.mu.Unlock()

		metrics.CommandQueueDepth.WithLabelValues(workerID.String()).Set(float64(depth))

		if !acked {
			metrics.CommandAcksTotal.WithLabelValues("timed_out").Inc()
			log.Printf("[WARN] CommandChannel: command %s (%s) timed out after %d attempts",
				msg.CommandID, msg.Kind, c.cfg.MaxAttempts)
		}

		if !acked && timeouts >= c.cfg.EscalateAfter {
			log.Printf("[ERROR] CommandChannel: worker %s exceeded %d consecutive command timeouts, escalating to ERROR",
				workerID, timeouts)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.escalate.MarkWorkerErrored(ctx, workerID); err != nil {
				log.Printf("[ERROR] CommandChannel: escalation for worker %s failed: %v", workerID, err)
			}
			cancel()
		}

		select {
		case <-c.stop:
			return
		default:
		}
	}
}

// deliverWithRetry pushes one message through the first transport that
// accepts it, then waits for the ack. The timeout doubles per attempt
// (5s, 10s, 20s by default). Returns true when the command was ACKED.
func (c *Channel) deliverWithRetry(msg *Message) bool {
	timeout := c.cfg.AckTimeout

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		c.send(msg)

		timer := time.NewTimer(timeout)
		select {
		case <-msg.acked:
			timer.Stop()
			return true
		case <-timer.C:
			timeout *= 2
		case <-c.stop:
			timer.Stop()
			return false
		}
	}
	return false
}

func (c *Channel) send(msg *Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for _, t := range c.transports {
		err := t.Send(ctx, msg)
		if err == nil {
			metrics.CommandDeliveriesTotal.WithLabelValues(t.Name(), "ok").Inc()
			return
		}
		if err != ErrNoSocket {
			log.Printf("[WARN] CommandChannel: %s transport failed for %s: %v", t.Name(), msg.CommandID, err)
		}
		metrics.CommandDeliveriesTotal.WithLabelValues(t.Name(), "fail").Inc()
	}
}
