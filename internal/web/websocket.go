// internal/web/websocket.go
package web

import (
	"context"
	"net/http"
	"sync"
	"time"

	"edgewatch/internal/metrics"
	"edgewatch/internal/monitoring"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type WSClient struct {
	conn *websocket.Conn
	send chan WSMessage
	hub  *Hub
}

// Hub streams host events to connected websocket clients. It implements
// monitoring.Notifier.
type Hub struct {
	upgrader websocket.Upgrader
	metrics  *metrics.Collector

	mu      sync.Mutex
	clients map[*WSClient]bool
}

func NewHub(allowedOrigins []string, metricsCollector *metrics.Collector) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if len(allowedOrigins) == 0 {
					return true
				}
				return originAllowed(allowedOrigins, r.Header.Get("Origin"))
			},
		},
		metrics: metricsCollector,
		clients: make(map[*WSClient]bool),
	}
}

func (h *Hub) Name() string { return "websocket" }

// Notify queues the event for every client. Clients whose buffer is full are
// disconnected.
func (h *Hub) Notify(ctx context.Context, event monitoring.Event) error {
	h.broadcast(WSMessage{Type: string(event.Kind), Data: event})
	return nil
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		h.removeLocked(client)
	}
}

func (s *Server) handleWebSocket(c *gin.Context) {
	s.hub.serve(c.Writer, c.Request)
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).Error("Failed to upgrade websocket")
		return
	}

	client := &WSClient{
		conn: conn,
		send: make(chan WSMessage, 256),
		hub:  h,
	}

	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()
	h.metrics.RecordWebSocketConnection(1)

	go client.writePump()
	go client.readPump()
}

func (h *Hub) broadcast(message WSMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- message:
		default:
			h.removeLocked(client)
		}
	}
}

func (h *Hub) remove(client *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(client)
}

func (h *Hub) removeLocked(client *WSClient) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	h.metrics.RecordWebSocketConnection(-1)
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.hub.remove(c)
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
