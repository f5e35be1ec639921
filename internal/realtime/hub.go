// Package realtime streams admission and raid events to moderator
// dashboards over WebSocket.
//
// Clients connected with a guild-scoped key only ever see their own guild;
// admin clients may filter by guild, event type, decision and minimum risk score.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/guildgate/internal/metrics"
)

const (
	// MaxClients caps concurrent connections per hub.
	MaxClients = 10000

	sendBuffer   = 256
	readLimit    = 16 << 10
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// EventType names a feed event.
type EventType string

const (
	EventDecision    EventType = "decision"
	EventLockdown    EventType = "lockdown"
	EventRaidCleared EventType = "raid_cleared"
	EventBan         EventType = "ban"

	// Control frames sent only to the client that triggered them.
	EventSubscribed EventType = "subscribed"
	EventError      EventType = "error"
)

// Event is one feed message.
type Event struct {
	Type      EventType      `json:"type"`
	GuildID   string         `json:"guildId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Subscription narrows what a client receives. Empty fields match everything.
type Subscription struct {
	Types     []EventType `json:"types,omitempty"`
	Guilds    []string    `json:"guilds,omitempty"`
	Decisions []string    `json:"decisions,omitempty"` // e.g. ["DENIED","CHALLENGE"]
	MinScore  int         `json:"minScore,omitempty"`
	// ReviewOnly keeps only decisions flagged for manual review.
	ReviewOnly bool `json:"reviewOnly,omitempty"`
}

// Matches reports whether ev passes the filter. Score, decision and review
// filters apply to decision events only.
func (s Subscription) Matches(ev *Event) bool {
	if len(s.Types) > 0 && !slices.Contains(s.Types, ev.Type) {
		return false
	}
	if len(s.Guilds) > 0 && !slices.Contains(s.Guilds, ev.GuildID) {
		return false
	}
	if ev.Type != EventDecision {
		return true
	}
	if s.MinScore > 0 {
		if score, ok := scoreOf(ev.Data["score"]); ok && score < s.MinScore {
			return false
		}
	}
	if len(s.Decisions) > 0 {
		d, _ := ev.Data["decision"].(string)
		if !slices.Contains(s.Decisions, d) {
			return false
		}
	}
	if s.ReviewOnly {
		if review, _ := ev.Data["requiresManualReview"].(bool); !review {
			return false
		}
	}
	return true
}

func scoreOf(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	}
	return 0, false
}

// Client is one WebSocket connection.
type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	mu    sync.RWMutex
	sub   Subscription
	scope string // fixed guild for guild-key clients; empty for admins
}

func (c *Client) wants(ev *Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.scope != "" && ev.GuildID != c.scope {
		return false
	}
	return c.sub.Matches(ev)
}

// Stats summarizes hub activity.
type Stats struct {
	ConnectedClients int   `json:"connectedClients"`
	TotalEvents      int64 `json:"totalEvents"`
	DroppedEvents    int64 `json:"droppedEvents"`
	TotalClients     int64 `json:"totalClients"`
	PeakClients      int64 `json:"peakClients"`
}

// Hub fans events out to connected clients.
type Hub struct {
	clients    map[*Client]struct{}
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	origins    []string
	done       chan struct{}
	maxClients int

	totalEvents   atomic.Int64
	droppedEvents atomic.Int64
	totalClients  atomic.Int64
	peakClients   atomic.Int64
}

// NewHub creates a hub. Call Run to start it.
func NewHub(logger *slog.Logger) *Hub {
	h := &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan *Event, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// WithAllowedOrigins lets browser dashboards on other hosts connect. "*"
// allows any origin.
func (h *Hub) WithAllowedOrigins(origins []string) *Hub {
	h.origins = origins
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // bots and CLIs send no Origin
	}
	if origin == "http://"+r.Host || origin == "https://"+r.Host {
		return true
	}
	return slices.Contains(h.origins, "*") || slices.Contains(h.origins, origin)
}

// Run serves registrations and broadcasts until ctx ends, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.totalClients.Add(1)
			if int64(n) > h.peakClients.Load() {
				h.peakClients.Store(int64(n))
			}
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("feed client connected", "scope", c.scope, "total", n)

		case c := <-h.unregister:
			h.drop(c)

		case ev := <-h.broadcast:
			h.fanOut(ev)
		}
	}
}

func (h *Hub) fanOut(ev *Event) {
	h.totalEvents.Add(1)
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("failed to encode feed event", "type", ev.Type, "error", err)
		return
	}

	var slow []*Client
	h.mu.RLock()
	for c := range h.clients {
		if !c.wants(ev) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow feed client", "scope", c.scope)
		h.drop(c)
	}
}

func (h *Hub) drop(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
}

// Broadcast queues ev for delivery. It never blocks; a full queue drops the event.
func (h *Hub) Broadcast(ev *Event) {
	select {
	case h.broadcast <- ev:
	default:
		h.droppedEvents.Add(1)
		h.logger.Warn("feed queue full, dropping event", "type", ev.Type, "guild_id", ev.GuildID)
	}
}

// BroadcastGuild stamps and queues a guild event.
func (h *Hub) BroadcastGuild(eventType EventType, guildID string, data map[string]any) {
	h.Broadcast(&Event{
		Type:      eventType,
		GuildID:   guildID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

// Stats returns a snapshot of hub counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return Stats{
		ConnectedClients: n,
		TotalEvents:      h.totalEvents.Load(),
		DroppedEvents:    h.droppedEvents.Load(),
		TotalClients:     h.totalClients.Load(),
		PeakClients:      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades the request. A non-empty scope pins the client to
// one guild regardless of the subscriptions it sends.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, scope string) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &Client{
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, sendBuffer),
		scope: scope,
	}
	h.register <- c

	go c.writePump()
	go c.readPump()
}

// reply sends a control frame to this client only. It gives up rather than
// block when the buffer is full.
func (c *Client) reply(ev *Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	defer func() { _ = recover() }() // send on a channel the hub already closed
	select {
	case c.send <- payload:
	default:
	}
}

// readPump applies subscription updates until the connection closes.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		c.applySubscription(message)
	}
}

func (c *Client) applySubscription(message []byte) {
	var sub Subscription
	if err := json.Unmarshal(message, &sub); err != nil {
		c.reply(&Event{
			Type:      EventError,
			Timestamp: time.Now().UTC(),
			Data:      map[string]any{"message": "subscription must be a JSON object"},
		})
		return
	}
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
	c.reply(&Event{
		Type:      EventSubscribed,
		GuildID:   c.scope,
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"subscription": sub},
	})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
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
