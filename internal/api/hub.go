package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/workbench/simengine/internal/metrics"
	"github.com/workbench/simengine/internal/model"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// Hub fans committed events out to WebSocket clients. A client may
// subscribe to one portfolio with ?portfolio_id=.
type Hub struct {
	clients    map[*websocket.Conn]string // conn → portfolio filter
	broadcast  chan model.Event
	register   chan subscription
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
}

type subscription struct {
	conn        *websocket.Conn
	portfolioID string
}

// NewHub creates a hub. Call Run before serving clients.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]string),
		broadcast:  make(chan model.Event, 256),
		register:   make(chan subscription),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run is the hub's event loop. It closes every client when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case sub := <-h.register:
			h.mu.Lock()
			h.clients[sub.conn] = sub.portfolioID
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Info("ws client connected", "portfolio", sub.portfolioID, "total", n)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case ev := <-h.broadcast:
			data, err := json.Marshal(ev)
			if err != nil {
				slog.Error("ws event encode failed", "type", ev.Type, "err", err)
				continue
			}
			h.mu.Lock()
			for conn, filter := range h.clients {
				if filter != "" && filter != ev.PortfolioID {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
		}
	}
}

// Publish queues ev for broadcast. It never blocks: when the buffer is
// full the event is dropped.
func (h *Hub) Publish(ev model.Event) {
	select {
	case h.broadcast <- ev:
	default:
		slog.Warn("ws buffer full, event dropped", "type", ev.Type, "entity", ev.EntityID)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS upgrades GET /api/v1/ws.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- subscription{conn: conn, portfolioID: r.URL.Query().Get("portfolio_id")}:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: detects disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Keepalive through proxies.
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}()
}
