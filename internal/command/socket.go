package command

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const socketWriteTimeout = 5 * time.Second

// SocketHub is the direct low-latency transport: one WebSocket per
// connected worker. Workers that are not currently attached fall through to
// the polled queue transport.
type SocketHub struct {
	mu    sync.Mutex
	conns map[uuid.UUID]*socketConn
}

type socketConn struct {
	mu   sync.Mutex // serializes writes; gorilla allows one writer at a time
	conn *websocket.Conn
}

func NewSocketHub() *SocketHub {
	return &SocketHub{conns: make(map[uuid.UUID]*socketConn)}
}

func (h *SocketHub) Name() string { return "websocket" }

// Attach registers a worker's socket, replacing (and closing) any previous
// connection for the same worker.
func (h *SocketHub) Attach(workerID uuid.UUID, conn *websocket.Conn) {
	h.mu.Lock()
	old := h.conns[workerID]
	h.conns[workerID] = &socketConn{conn: conn}
	h.mu.Unlock()

	if old != nil {
		old.conn.Close()
	}
}

// Detach drops the worker's socket if conn is still the registered one.
func (h *SocketHub) Detach(workerID uuid.UUID, conn *websocket.Conn) {
	h.mu.Lock()
	if sc, ok := h.conns[workerID]; ok && sc.conn == conn {
		delete(h.conns, workerID)
	}
	h.mu.Unlock()
}

func (h *SocketHub) Send(ctx context.Context, msg *Message) error {
	h.mu.Lock()
	sc, ok := h.conns[msg.WorkerID]
	h.mu.Unlock()
	if !ok {
		return ErrNoSocket
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
	return sc.conn.WriteMessage(websocket.TextMessage, data)
}

// ackEnvelope is what workers write back on the socket.
type ackEnvelope struct {
	Type      string `json:"type"`
	CommandID string `json:"command_id"`
}

// ReadAcks runs the read loop for an attached socket, forwarding command
// acknowledgments to the channel. Blocks until the connection drops.
func (h *SocketHub) ReadAcks(workerID uuid.UUID, conn *websocket.Conn, ch *Channel) {
	defer h.Detach(workerID, conn)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Printf("[INFO] SocketHub: worker %s disconnected: %v", workerID, err)
			return
		}

		var env ackEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Printf("[WARN] SocketHub: bad frame from worker %s: %v", workerID, err)
			continue
		}

		switch env.Type {
		case "ack":
			ch.Acknowledge(env.CommandID)
		case "ping":
			// liveness is carried by heartbeats, nothing to do here
		default:
			log.Printf("[WARN] SocketHub: unknown frame type %q from worker %s", env.Type, workerID)
		}
	}
}
