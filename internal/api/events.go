package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nugget/mailroom/internal/email"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	// Events queued for a subscriber beyond this are dropped and the
	// subscriber is disconnected.
	sendBuffer = 16
)

// Event is one message on the /v1/events stream.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Hub fans new-mail events out to websocket subscribers. It implements
// [email.Notifier].
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[*subscriber]struct{}
	closed  bool
}

var _ email.Notifier = (*Hub)(nil)

type subscriber struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:  logger,
		clients: make(map[*subscriber]struct{}),
	}
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// NotifyNewMail broadcasts a new_mail event. Subscribers that cannot
// keep up are disconnected rather than slowing the poller down.
func (h *Hub) NotifyNewMail(_ context.Context, nm email.NewMail) error {
	return h.Broadcast(Event{Type: "new_mail", Data: nm})
}

// Broadcast sends ev to every subscriber.
func (h *Hub) Broadcast(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("event subscriber too slow, disconnecting", "subscriber", c.id)
			h.removeLocked(c)
		}
	}
	return nil
}

// Close disconnects every subscriber and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
}

// ServeHTTP upgrades the request to a websocket and streams events
// until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := &subscriber{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}

	hello, _ := json.Marshal(Event{Type: "hello", Data: map[string]string{"id": c.id}})
	c.send <- hello

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug("event subscriber connected", "subscriber", c.id, "remote", r.RemoteAddr)

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) removeLocked(c *subscriber) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	c.once.Do(func() { close(c.send) })
}

func (h *Hub) remove(c *subscriber) {
	h.mu.Lock()
	h.removeLocked(c)
	h.mu.Unlock()
}

// readPump discards client messages and notices disconnects.
func (h *Hub) readPump(c *subscriber) {
	defer func() {
		h.remove(c)
		c.conn.Close()
		h.logger.Debug("event subscriber disconnected", "subscriber", c.id)
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("event subscriber read error", "subscriber", c.id, "error", err)
			}
			return
		}
	}
}

// writePump is the only writer on the connection.
func (h *Hub) writePump(c *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debug("event write failed", "subscriber", c.id, "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
