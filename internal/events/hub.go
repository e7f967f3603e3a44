// Package events fans timer, approval and usage events out to every open
// client so several tabs observe the same state.
package events

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	EventTimerStarted     = "timer.started"
	EventTimerStopped     = "timer.stopped"
	EventTimerReset       = "timer.reset"
	EventTimerAutoStopped = "timer.auto_stopped"
	EventLogApproved      = "log.approved"
	EventLogRejected      = "log.rejected"
	EventUsageUpdated     = "usage.updated"
)

// Notifier publishes events.
type Notifier interface {
	Publish(eventType string, data map[string]any)
}

// Envelope wraps every message sent to clients.
type Envelope struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp int64          `json:"timestamp"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the API is already served with permissive CORS
	CheckOrigin: func(r *http.Request) bool { return true },
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	mu            sync.Mutex
	subscriptions map[string]bool
}

func (c *client) wants(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions) == 0 || c.subscriptions[eventType]
}

// Hub maintains client connections and broadcasts envelopes to them.
type Hub struct {
	clients    map[string]*client
	broadcast  chan Envelope
	register   chan *client
	unregister chan *client
	done       chan struct{}
	closeOnce  sync.Once
	mu         sync.RWMutex
}

func NewHub() *Hub {
	h := &Hub{
		clients:    make(map[string]*client),
		broadcast:  make(chan Envelope, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			n := len(h.clients)
			h.mu.Unlock()
			slog.Info("event client connected", "client_id", c.id, "total", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			slog.Info("event client disconnected", "client_id", c.id, "total", n)

		case env := <-h.broadcast:
			msg, err := json.Marshal(env)
			if err != nil {
				slog.Error("failed to marshal event", "type", env.Type, "error", err)
				continue
			}
			h.mu.Lock()
			for id, c := range h.clients {
				if !c.wants(env.Type) {
					continue
				}
				select {
				case c.send <- msg:
				default:
					// slow client
					close(c.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()

		case <-h.done:
			h.mu.Lock()
			for id, c := range h.clients {
				close(c.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Publish queues an event for every subscribed client. It never blocks;
// events are dropped when the queue is full or the hub is closed.
func (h *Hub) Publish(eventType string, data map[string]any) {
	env := Envelope{Type: eventType, Data: data, Timestamp: time.Now().Unix()}
	select {
	case <-h.done:
	case h.broadcast <- env:
	default:
		slog.Warn("event queue full, dropping event", "type", eventType)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// ServeWS upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("failed to upgrade websocket", "error", err)
		return
	}

	c := &client{
		id:            uuid.NewString(),
		conn:          conn,
		send:          make(chan []byte, 64),
		hub:           h,
		subscriptions: make(map[string]bool),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

type clientMessage struct {
	Action string   `json:"action"`
	Events []string `json:"events"`
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Debug("websocket read error", "client_id", c.id, "error", err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		c.mu.Lock()
		switch msg.Action {
		case "subscribe":
			for _, e := range msg.Events {
				c.subscriptions[e] = true
			}
		case "unsubscribe":
			for _, e := range msg.Events {
				delete(c.subscriptions, e)
			}
		}
		c.mu.Unlock()
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
