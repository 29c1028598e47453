// Package events provides real-time WebSocket broadcasting of sync activity.
//
// The hub broadcasts applied changes, batch completions, and retry drains
// to connected WebSocket clients, so dashboards and open apps can refresh
// without polling the pull endpoint.
package events

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/upkeephq/upkeep/internal/push"
)

// MessageType defines the type of event message
type MessageType string

const (
	// MessageTypeChangeApplied indicates a single change was applied
	MessageTypeChangeApplied MessageType = "change_applied"

	// MessageTypeBatchComplete indicates a push batch finished
	MessageTypeBatchComplete MessageType = "batch_complete"

	// MessageTypeRetryDrained indicates a retry drain pass finished
	MessageTypeRetryDrained MessageType = "retry_drained"
)

// Message represents a broadcast event
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ChangeAppliedData describes one applied change
type ChangeAppliedData struct {
	ActorID    string `json:"actorId"`
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	Operation  string `json:"operation"`
	Revision   int64  `json:"revision"`
}

// BatchCompleteData summarizes a push batch
type BatchCompleteData struct {
	ActorID   string `json:"actorId"`
	Accepted  int    `json:"accepted"`
	Rejected  int    `json:"rejected"`
	Conflicts int    `json:"conflicts"`
	Queued    int    `json:"queued"`
}

// RetryDrainedData summarizes a retry drain pass
type RetryDrainedData struct {
	Applied     int `json:"applied"`
	Rescheduled int `json:"rescheduled"`
	Failed      int `json:"failed"`
}

// Hub manages WebSocket connections and broadcasts event messages.
// It mounts on the sync server's mux rather than owning a listener.
type Hub struct {
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewHub creates a Hub. A nil logger falls back to log.Default().
func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}
}

// Start begins the broadcast loop.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.broadcastLoop()
}

// Stop closes all connections and stops the broadcast loop.
func (h *Hub) Stop() {
	h.cancel()

	h.clientsMu.Lock()
	for conn := range h.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(h.clients, conn)
	}
	h.clientsMu.Unlock()

	h.wg.Wait()
}

// ChangeApplied implements push.Notifier.
func (h *Hub) ChangeApplied(a push.Applied) {
	h.publish(MessageTypeChangeApplied, ChangeAppliedData{
		ActorID:    a.ActorID,
		EntityType: a.EntityType,
		EntityID:   a.EntityID,
		Operation:  a.Operation,
		Revision:   a.Revision,
	})
}

// BatchComplete broadcasts a finished push batch. Retry-parked changes are
// counted separately from final rejections.
func (h *Hub) BatchComplete(actorID string, result *push.BatchResult) {
	queued := 0
	for _, r := range result.Rejected {
		if r.Reason == push.ReasonQueuedForRetry {
			queued++
		}
	}
	h.publish(MessageTypeBatchComplete, BatchCompleteData{
		ActorID:   actorID,
		Accepted:  len(result.Accepted),
		Rejected:  len(result.Rejected) - queued,
		Conflicts: len(result.Conflicts),
		Queued:    queued,
	})
}

// RetryDrained broadcasts a finished retry drain pass.
func (h *Hub) RetryDrained(applied, rescheduled, failed int) {
	h.publish(MessageTypeRetryDrained, RetryDrainedData{
		Applied:     applied,
		Rescheduled: rescheduled,
		Failed:      failed,
	})
}

func (h *Hub) publish(t MessageType, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s event: %v", t, err)
		return
	}
	msg := Message{Type: t, Timestamp: time.Now(), Data: raw}

	select {
	case h.broadcast <- msg:
	case <-h.ctx.Done():
	default:
		h.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

// broadcastLoop drains the broadcast channel and fans each message out to
// every connected client until Stop cancels the context.
func (h *Hub) broadcastLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return

		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				h.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			// Snapshot the client set so slow writes never hold the lock.
			h.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(h.clients))
			for conn := range h.clients {
				clients = append(clients, conn)
			}
			h.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					h.logger.Printf("Dropping client after write failure: %v", err)
					h.removeClient(conn)
				}
			}
		}
	}
}

// HandleWebSocket upgrades HTTP connections to WebSocket.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	h.clientsMu.Lock()
	h.clients[conn] = true
	clientCount := len(h.clients)
	h.clientsMu.Unlock()

	h.logger.Printf("Client connected (total: %d)", clientCount)

	go h.readLoop(conn)
}

// readLoop discards inbound frames; the stream is one-way, but reading is
// what surfaces the client's disconnect.
func (h *Hub) readLoop(conn *websocket.Conn) {
	defer h.removeClient(conn)

	for {
		if _, _, err := conn.Read(h.ctx); err != nil {
			return
		}
	}
}

// removeClient drops a connection from the set. Both the read loop and a
// failed write can get here for the same connection.
func (h *Hub) removeClient(conn *websocket.Conn) {
	h.clientsMu.Lock()
	if _, exists := h.clients[conn]; exists {
		delete(h.clients, conn)
		clientCount := len(h.clients)
		h.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		h.logger.Printf("Client disconnected (total: %d)", clientCount)
	} else {
		h.clientsMu.Unlock()
	}
}

// ClientCount returns the current number of connected clients
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}
