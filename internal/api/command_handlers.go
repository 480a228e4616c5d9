package api

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/technosupport/ts-fleet/internal/command"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// workers authenticate by worker id, not origin
	CheckOrigin: func(r *http.Request) bool { return true },
}

type CommandHandler struct {
	Channel *command.Channel
	Queue   *command.QueueTransport
	Hub     *command.SocketHub
}

func NewCommandHandler(ch *command.Channel, queue *command.QueueTransport, hub *command.SocketHub) *CommandHandler {
	return &CommandHandler{Channel: ch, Queue: queue, Hub: hub}
}

// GET /api/v1/workers/{id}/commands
// Polled fallback for workers without a live socket: drains the worker's
// Redis queue in delivery order. Commands still require an explicit ack.
func (h *CommandHandler) Poll(w http.ResponseWriter, r *http.Request) {
	workerID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	msgs, err := h.Queue.Drain(r.Context(), workerID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "drain failed")
		return
	}
	if msgs == nil {
		msgs = []command.Message{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"commands": msgs})
}

// POST /api/v1/commands/{id}/ack
func (h *CommandHandler) Ack(w http.ResponseWriter, r *http.Request) {
	commandID := chi.URLParam(r, "id")
	if _, _, err := command.ParseCommandID(commandID); err != nil {
		respondError(w, http.StatusBadRequest, "malformed command id")
		return
	}

	// idempotent: duplicate acks are accepted and ignored
	h.Channel.Acknowledge(commandID)
	respondJSON(w, http.StatusOK, map[string]string{"status": "acked"})
}

// GET /api/v1/workers/{id}/channel
// Upgrades to the WebSocket command channel. Commands are pushed as JSON
// frames; the worker writes {"type":"ack","command_id":...} frames back.
func (h *CommandHandler) AttachChannel(w http.ResponseWriter, r *http.Request) {
	workerID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WARN] CommandHandler: upgrade for worker %s failed: %v", workerID, err)
		return
	}

	h.Hub.Attach(workerID, conn)
	log.Printf("[INFO] CommandHandler: worker %s attached command socket", workerID)

	// blocks for the life of the connection
	h.Hub.ReadAcks(workerID, conn, h.Channel)
}
