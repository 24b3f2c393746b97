package logbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// Hub fans live-pushed LogEvents out to connected WebSocket observers.
// Delivery is best-effort: durable replay via Range/Poll is the
// authoritative source of truth (spec.md §4.H).
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	conn    *websocket.Conn
	filters Filter
	send    chan LogEvent
}

// NewHub creates an empty fan-out hub. Register it with a Listener via
// hub.HandleEvent as a FanoutHandler.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// HandleEvent implements FanoutHandler: it broadcasts event to every
// connected client whose filter matches.
func (h *Hub) HandleEvent(event LogEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.filters.Matches(event) {
			continue
		}
		select {
		case c.send <- event:
		default:
			// Slow consumer; drop rather than block the shared fan-out loop.
		}
	}
}

// ServeHTTP upgrades the request to a WebSocket and streams matching
// LogEvents until the client disconnects. Query parameters become
// scalar filter values (e.g. ?task_id=abc&level=error).
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("log bus hub: websocket accept failed", "error", err)
		return
	}

	filters := make(Filter)
	for key, values := range r.URL.Query() {
		if len(values) == 1 {
			filters[key] = values[0]
		} else {
			filters[key] = values
		}
	}

	c := &client{conn: conn, filters: filters, send: make(chan LogEvent, 64)}
	h.add(c)
	defer h.remove(c)

	ctx := r.Context()
	defer conn.Close(websocket.StatusNormalClosure, "done")

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-c.send:
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				return
			}
		}
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
	close(c.send)
}

// Close disconnects every connected client.
func (h *Hub) Close(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		_ = c.conn.Close(websocket.StatusGoingAway, "shutting down")
		delete(h.clients, c)
	}
}
