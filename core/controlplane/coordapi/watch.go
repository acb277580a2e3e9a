package coordapi

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/corralhq/corral/core/infra/bus"
	"github.com/corralhq/corral/core/infra/logging"
)

const (
	envAllowedOrigins = "CORRAL_ALLOWED_ORIGINS"

	hubBuffer    = 512
	clientBuffer = 100
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return isAllowedOrigin(r) },
}

// Hub fans coordination events out to websocket watchers. It implements
// the manager's Announcer, so one announce reaches the bus and local
// watchers through the same path.
type Hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan bus.Event
	events  chan bus.Event
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]chan bus.Event),
		events:  make(chan bus.Event, hubBuffer),
	}
}

// PublishEvent queues an event for broadcast. A saturated hub drops rather
// than stall the coordination path.
func (h *Hub) PublishEvent(event bus.Event) error {
	if h == nil {
		return nil
	}
	select {
	case h.events <- event:
	default:
	}
	return nil
}

// Run drains the broadcast queue until ctx is canceled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case event := <-h.events:
			h.broadcast(event)
		}
	}
}

// broadcast delivers to every watcher, evicting any whose buffer is full so
// one slow client cannot hold the rest back.
func (h *Hub) broadcast(event bus.Event) {
	var slow []*websocket.Conn
	h.mu.RLock()
	for conn, ch := range h.clients {
		select {
		case ch <- event:
		default:
			slow = append(slow, conn)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, conn := range slow {
		delete(h.clients, conn)
	}
	h.mu.Unlock()
	for _, conn := range slow {
		if err := conn.Close(); err != nil {
			logging.Warn(component, "Slow watcher close failed", "error", err.Error())
		}
	}
	logging.Info(component, "Evicted slow watchers", "count", len(slow))
}

func (h *Hub) add(conn *websocket.Conn) chan bus.Event {
	ch := make(chan bus.Event, clientBuffer)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

// remove detaches the watcher and closes its channel. Safe against a
// concurrent broadcast: senders hold the read lock, so once the delete is
// done no send on ch can be in flight.
func (h *Hub) remove(conn *websocket.Conn, ch chan bus.Event) {
	h.mu.Lock()
	_, attached := h.clients[conn]
	delete(h.clients, conn)
	h.mu.Unlock()
	if attached {
		close(ch)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for conn, ch := range h.clients {
		delete(h.clients, conn)
		close(ch)
		_ = conn.Close()
	}
	h.mu.Unlock()
}

func (h *Hub) watcherCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		http.Error(w, "event hub unavailable", http.StatusServiceUnavailable)
		return
	}

	// Optional event-type prefix filter, e.g. ?type=lock.
	typeFilter := strings.TrimSpace(r.URL.Query().Get("type"))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error(component, "Websocket upgrade failed", "remote", r.RemoteAddr, "error", err.Error())
		return
	}
	defer conn.Close()
	logging.Info(component, "Watcher connected", "remote", r.RemoteAddr)

	ch := s.hub.add(conn)
	defer s.hub.remove(conn, ch)

	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return
			}
			if typeFilter != "" && !strings.HasPrefix(event.Type, typeFilter) {
				continue
			}
			data, err := json.Marshal(event)
			if err != nil {
				logging.Error(component, "Event marshal failed", "type", event.Type, "error", err.Error())
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// isAllowedOrigin admits non-browser clients (no Origin header) always and
// browser clients when CORRAL_ALLOWED_ORIGINS is unset, "*", or lists the
// origin.
func isAllowedOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	raw := strings.TrimSpace(os.Getenv(envAllowedOrigins))
	if raw == "" || raw == "*" {
		return true
	}
	for _, allowed := range strings.Split(raw, ",") {
		if strings.EqualFold(strings.TrimSpace(allowed), origin) {
			return true
		}
	}
	return false
}
