package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	clientBuffer = 16
	writeTimeout = 5 * time.Second
)

type client struct {
	learnerID string
	send      chan []byte
}

// Hub pushes events to connected WebSocket clients. A client only receives
// events for the learner it connected as.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Notify queues e for every client of e.LearnerID. Clients whose buffer is
// full miss the event.
func (h *Hub) Notify(_ context.Context, e Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.learnerID != e.LearnerID {
			continue
		}
		select {
		case c.send <- data:
		default:
			slog.Warn("websocket client too slow, event dropped", "learner_id", c.learnerID, "type", e.Type)
		}
	}
	return nil
}

// ServeHTTP upgrades the request and streams events until the client goes
// away. The learner comes from the X-Learner-ID header or the learner_id
// query parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	learnerID := r.Header.Get("X-Learner-ID")
	if learnerID == "" {
		learnerID = r.URL.Query().Get("learner_id")
	}
	if learnerID == "" {
		http.Error(w, "learner id is required", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	c := &client{learnerID: learnerID, send: make(chan []byte, clientBuffer)}
	h.add(c)
	defer h.remove(c)
	slog.Debug("websocket client connected", "learner_id", learnerID)

	// Clients never send; CloseRead handles control frames and cancels ctx
	// when the peer disconnects.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case data := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				slog.Debug("websocket write failed", "learner_id", learnerID, "error", err)
				return
			}
		}
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}
