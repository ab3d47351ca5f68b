// Package realtime streams trade and dispute lifecycle events over
// WebSocket.
//
// The hub is an outbox sink. Each connection belongs to an authenticated
// user and only receives events that list that user as a recipient.
// Admin connections see every event. Clients narrow the stream by sending
// a Subscription message:
//
//	{"topics": ["dispute.assigned"], "tradeIds": ["trd_..."]}
//
// The live stream is best effort. Slow clients are disconnected and
// clients that need every event use webhooks.
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

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mbd888/tradeguard/internal/auth"
	"github.com/mbd888/tradeguard/internal/escrow"
	"github.com/mbd888/tradeguard/internal/metrics"
	"github.com/mbd888/tradeguard/internal/outbox"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

const (
	// MaxClients is the maximum number of concurrent WebSocket connections.
	MaxClients = 10000

	sendBuffer   = 256
	readLimit    = 64 * 1024
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

// Subscription filters for a client. Empty lists match everything.
type Subscription struct {
	Topics     []string `json:"topics"`
	TradeIDs   []string `json:"tradeIds"`
	DisputeIDs []string `json:"disputeIds"`
}

// Client is one authenticated WebSocket connection.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string
	admin  bool
	mu     sync.RWMutex
	sub    Subscription
}

// Stats is a snapshot of hub activity.
type Stats struct {
	ConnectedClients int   `json:"connectedClients"`
	TotalEvents      int64 `json:"totalEvents"`
	TotalClients     int64 `json:"totalClients"`
	PeakClients      int64 `json:"peakClients"`
	DroppedClients   int64 `json:"droppedClients"`
}

// Hub fans events out to connected clients.
type Hub struct {
	clients    map[*Client]struct{}
	broadcast  chan *escrow.Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits so late upgrades are refused
	maxClients int
	upgrader   websocket.Upgrader
	origins    map[string]bool

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
	dropped      atomic.Int64
}

var _ outbox.Sink = (*Hub)(nil)

// NewHub creates a hub that accepts same-host browser origins.
func NewHub(logger *slog.Logger) *Hub {
	h := &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan *escrow.Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
		origins:    map[string]bool{},
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// WithAllowedOrigins also accepts browser connections from these origins,
// normally the CORS allow list. "*" accepts any origin.
func (h *Hub) WithAllowedOrigins(origins []string) *Hub {
	for _, o := range origins {
		h.origins[o] = true
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser clients
	}
	if h.origins["*"] || h.origins[origin] {
		return true
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

// Run owns the client set until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("realtime hub stopped")
			return
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c, false)
		case ev := <-h.broadcast:
			h.fanOut(ev)
		}
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.totalClients.Add(1)
	if int64(n) > h.peakClients.Load() {
		h.peakClients.Store(int64(n))
	}
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Info("client connected", "user_id", c.userID, "admin", c.admin, "total", n)
}

// remove drops c and closes its send channel, which makes writePump send a
// close frame. Removing an unknown client is a no-op.
func (h *Hub) remove(c *Client, slow bool) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}
	metrics.ActiveWebSocketClients.Set(float64(n))
	if slow {
		h.dropped.Add(1)
		h.logger.Warn("slow client dropped", "user_id", c.userID, "total", n)
		return
	}
	h.logger.Info("client disconnected", "user_id", c.userID, "total", n)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(0)
}

// fanOut queues ev for every matching client. A client whose buffer is
// full is disconnected rather than allowed to stall the hub.
func (h *Hub) fanOut(ev *escrow.Event) {
	h.totalEvents.Add(1)
	msg, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("event not serializable", "event_id", ev.ID, "error", err)
		return
	}

	var slow []*Client
	h.mu.RLock()
	for c := range h.clients {
		if !h.shouldSend(c, ev) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.remove(c, true)
	}
}

// shouldSend checks the client may see the event and that it matches the
// client's subscription.
func (h *Hub) shouldSend(client *Client, event *escrow.Event) bool {
	if !client.admin && !slices.Contains(event.Recipients, client.userID) {
		return false
	}

	client.mu.RLock()
	sub := client.sub
	client.mu.RUnlock()

	if len(sub.Topics) > 0 && !slices.Contains(sub.Topics, string(event.Type)) {
		return false
	}
	if len(sub.TradeIDs) > 0 && !slices.Contains(sub.TradeIDs, event.TradeID) {
		return false
	}
	if len(sub.DisputeIDs) > 0 && !slices.Contains(sub.DisputeIDs, event.DisputeID) {
		return false
	}
	return true
}

// Broadcast sends an event to all matching clients
func (h *Hub) Broadcast(event *escrow.Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("broadcast channel full, dropping event", "event_id", event.ID)
	}
}

func (h *Hub) Name() string { return "realtime" }

// Deliver implements outbox.Sink. The hub never asks for a retry: a
// client that missed an event reconnects and re-reads state over HTTP.
func (h *Hub) Deliver(_ context.Context, e *outbox.Event) error {
	ev, err := e.Decode()
	if err != nil {
		h.logger.Warn("undecodable event skipped", "event_id", e.ID, "error", err)
		return nil
	}
	h.Broadcast(&ev)
	return nil
}

// Stats returns hub statistics
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()

	return Stats{
		ConnectedClients: n,
		TotalEvents:      h.totalEvents.Load(),
		TotalClients:     h.totalClients.Load(),
		PeakClients:      h.peakClients.Load(),
		DroppedClients:   h.dropped.Load(),
	}
}

// RegisterRoutes mounts GET /events/ws and the admin-only stats view. The
// group must already require authentication.
func (h *Hub) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/events/ws", h.HandleWebSocket)
	r.GET("/events/stats", auth.RequireAdmin(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"stats": h.Stats()})
	})
}

// HandleWebSocket upgrades HTTP to WebSocket
func (h *Hub) HandleWebSocket(c *gin.Context) {
	w, r := c.Writer, c.Request
	id, ok := auth.GetIdentity(c)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	// Enforce connection limit
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		userID: id.UserID,
		admin:  id.IsAdmin(),
	}

	h.register <- client

	// Start goroutines for reading and writing
	go client.writePump()
	go client.readPump()
}

// readPump reads messages from WebSocket (subscriptions, pings)
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
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
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			break
		}

		// Anything that is not a subscription is ignored.
		var sub Subscription
		if err := json.Unmarshal(message, &sub); err != nil {
			continue
		}
		c.mu.Lock()
		c.sub = sub
		c.mu.Unlock()
	}
}

// writePump writes messages to WebSocket
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
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
