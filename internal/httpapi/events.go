package httpapi

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/agora/internal/bus"
	"github.com/nextlevelbuilder/agora/internal/runtime"
)

// Event is one frame on the /ws stream.
type Event struct {
	Type    string       `json:"type"` // "message", "delayed_delivery", "status", "tool_call", "error"
	AgentID string       `json:"agentId,omitempty"`
	Status  string       `json:"status,omitempty"`
	Tool    string       `json:"tool,omitempty"`
	Error   string       `json:"error,omitempty"`
	Message *bus.Message `json:"message,omitempty"`
	At      time.Time    `json:"at"`
}

// Hub fans events out to connected WebSocket clients. Slow clients drop
// frames rather than backpressuring the runtime.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*wsClient
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan Event
	once sync.Once
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]*wsClient)}
}

// Broadcast queues the event on every client.
func (h *Hub) Broadcast(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.send <- ev:
		default:
			slog.Debug("httpapi.ws_frame_dropped", "client", c.id, "type", ev.Type)
		}
	}
}

// ClientCount reports connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll disconnects every client (server shutdown).
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*wsClient)
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
	slog.Info("httpapi.ws_connected", "client", c.id)
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c.id)
	slog.Info("httpapi.ws_disconnected", "client", c.id)
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.send)
		c.conn.Close()
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Token auth already ran; origin checks are the reverse proxy's job.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("httpapi.ws_upgrade_failed", "error", err)
		return
	}
	c := &wsClient{id: uuid.NewString(), conn: conn, send: make(chan Event, 64)}
	s.hub.register(c)
	defer func() {
		s.hub.unregister(c)
		c.close()
	}()

	go func() {
		for ev := range c.send {
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}()

	// Reads only detect disconnect; clients do not speak to the hub.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// bindEvents subscribes the hub to runtime and bus events.
func (s *Server) bindEvents() {
	s.rt.SetObserver(runtime.Observer{
		OnComputeStatusChange: func(agentID string, status runtime.ComputeStatus) {
			s.hub.Broadcast(Event{Type: "status", AgentID: agentID, Status: string(status)})
		},
		OnError: func(agentID string, err error) {
			s.hub.Broadcast(Event{Type: "error", AgentID: agentID, Error: err.Error()})
		},
		OnToolCall: func(agentID, toolName string) {
			s.hub.Broadcast(Event{Type: "tool_call", AgentID: agentID, Tool: toolName})
		},
	})
	b := s.rt.MessageBus()
	b.OnAllMessages(func(msg *bus.Message) {
		s.hub.Broadcast(Event{Type: "message", AgentID: msg.To, Message: msg})
	})
	b.OnDelayedDelivery(func(msg *bus.Message) {
		s.hub.Broadcast(Event{Type: "delayed_delivery", AgentID: msg.To, Message: msg})
	})
}
