package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"device-relay/internal/domain"
)

// MonitorHub mirrors bus events to WebSocket clients as JSON text messages.
// Each client has its own send queue; a full queue drops the event for that
// client only, since Broadcast runs inside bus dispatch and must not block.
type MonitorHub struct {
	mu       sync.RWMutex
	clients  map[*monitorClient]struct{}
	upgrader websocket.Upgrader
}

type monitorClient struct {
	conn *websocket.Conn
	send chan []byte
}

func NewMonitorHub() *MonitorHub {
	return &MonitorHub{
		clients:  make(map[*monitorClient]struct{}),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

func (h *MonitorHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	cl := &monitorClient{conn: c, send: make(chan []byte, 256)}
	h.mu.Lock()
	h.clients[cl] = struct{}{}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for data := range cl.send {
			_ = c.SetWriteDeadline(time.Now().Add(2 * time.Second))
			if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}()

	_ = c.SetReadDeadline(time.Time{})
	for {
		// keepalive reads to detect client close
		if _, _, err := c.ReadMessage(); err != nil {
			break
		}
	}
	h.mu.Lock()
	delete(h.clients, cl)
	close(cl.send)
	h.mu.Unlock()
	<-done
	_ = c.Close()
}

// Broadcast queues ev for every connected client without blocking.
func (h *MonitorHub) Broadcast(ev domain.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for cl := range h.clients {
		select {
		case cl.send <- data:
		default: // drop if slow
		}
	}
}

func (h *MonitorHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
