// Package ws streams committed ledger events to WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/infusion/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
	replayLimit    = 500
)

// EventChannel is the bus channel carrying ledger events between instances.
const EventChannel = "events"

// Envelope is the frame written to clients.
type Envelope struct {
	Type     string `json:"type"`
	StreamID string `json:"stream_id,omitempty"`
	Payload  any    `json:"payload"`
}

// Replayer returns events recorded after a client's last seen stream id.
type Replayer interface {
	Replay(ctx context.Context, since string, limit int) ([]domain.StreamMessage, error)
}

// Config carries metadata for the hello frame and optional collaborators.
type Config struct {
	Registry  string
	Vaults    []string
	StartedAt time.Time
	// Bus, when set, is the source of events; otherwise Broadcast feeds the
	// hub directly.
	Bus      domain.SignalBus
	Replayer Replayer
}

type client struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	mu    sync.RWMutex
	kinds map[string]bool // empty means every kind
}

// subscribeMsg narrows or widens a client's event kinds.
type subscribeMsg struct {
	Action string   `json:"action"` // "subscribe" or "unsubscribe"
	Kinds  []string `json:"kinds"`
}

type outbound struct {
	kind string
	data []byte
}

// Hub tracks connected clients and routes event frames to them.
type Hub struct {
	cfg        Config
	upgrader   websocket.Upgrader
	clients    map[*client]bool
	broadcast  chan outbound
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewHub creates a Hub. allowedOrigins restricts browser origins; empty
// allows all.
func NewHub(cfg Config, allowedOrigins []string, logger *slog.Logger) *Hub {
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now().UTC()
	}
	h := &Hub{
		cfg:        cfg,
		clients:    make(map[*client]bool),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		logger:     logger.With(slog.String("component", "ws")),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// Broadcast queues ev for every subscribed client. It drops the event when
// the hub is saturated rather than blocking the ledger path.
func (h *Hub) Broadcast(ev domain.Event, streamID string) {
	data, err := json.Marshal(Envelope{Type: "event", StreamID: streamID, Payload: ev})
	if err != nil {
		return
	}
	select {
	case h.broadcast <- outbound{kind: string(ev.Kind), data: data}:
	default:
		h.logger.Warn("hub saturated, dropping event", slog.String("kind", string(ev.Kind)))
	}
}

// Run drives the hub until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	if h.cfg.Bus != nil {
		go h.follow(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", slog.Int("clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected", slog.Int("clients", n))

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.wants(msg.kind) {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					h.logger.Warn("dropping frame for slow client")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// follow forwards events published on the bus by any instance.
func (h *Hub) follow(ctx context.Context) {
	in, err := h.cfg.Bus.Subscribe(ctx, EventChannel)
	if err != nil {
		h.logger.Error("event subscription failed", slog.String("error", err.Error()))
		return
	}
	for data := range in {
		var env struct {
			Payload struct {
				Kind string `json:"kind"`
			} `json:"payload"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			h.logger.Warn("undecodable bus frame", slog.String("error", err.Error()))
			continue
		}
		select {
		case h.broadcast <- outbound{kind: env.Payload.Kind, data: data}:
		case <-ctx.Done():
			return
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWS upgrades the request and registers the client. The optional
// ?kinds=a,b query limits the stream; ?since=<stream id> replays missed
// events first.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, sendBufferSize),
		kinds: make(map[string]bool),
	}
	if q := r.URL.Query().Get("kinds"); q != "" {
		c.update(subscribeMsg{Action: "subscribe", Kinds: strings.Split(q, ",")})
	}

	c.enqueue(Envelope{Type: "hello", Payload: map[string]any{
		"registry":       h.cfg.Registry,
		"vaults":         h.cfg.Vaults,
		"uptime_seconds": int64(time.Since(h.cfg.StartedAt).Seconds()),
	}})
	if since := r.URL.Query().Get("since"); since != "" && h.cfg.Replayer != nil {
		h.replay(r.Context(), c, since)
	}

	h.register <- c
	go c.writePump()
	go c.readPump()
}

func (h *Hub) replay(ctx context.Context, c *client, since string) {
	msgs, err := h.cfg.Replayer.Replay(ctx, since, replayLimit)
	if err != nil {
		h.logger.Warn("replay failed", slog.String("since", since), slog.String("error", err.Error()))
		return
	}
	for _, m := range msgs {
		var ev domain.Event
		if err := json.Unmarshal(m.Payload, &ev); err != nil {
			continue
		}
		if c.wants(string(ev.Kind)) {
			c.enqueue(Envelope{Type: "event", StreamID: m.ID, Payload: ev})
		}
	}
}

func (c *client) enqueue(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *client) wants(kind string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.kinds) == 0 || c.kinds[kind]
}

func (c *client) update(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range msg.Kinds {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		switch msg.Action {
		case "subscribe":
			c.kinds[k] = true
		case "unsubscribe":
			delete(c.kinds, k)
		}
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var msg subscribeMsg
		if json.Unmarshal(data, &msg) == nil && msg.Action != "" {
			c.update(msg)
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
