// Package realtime streams fraud activity to connected admin consoles over
// WebSocket. Clients may narrow the stream by sending a Subscription.
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
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/refguard/internal/risk"
)

var activeClients = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "refguard",
	Subsystem: "realtime",
	Name:      "active_clients",
	Help:      "Number of connected fraud stream clients.",
})

func init() {
	prometheus.MustRegister(activeClients)
}

// normalCloseCodes are close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// EventType for streamed events
type EventType string

const (
	EventReferralBlocked EventType = "referral_blocked"
	EventReferralFlagged EventType = "referral_flagged"
	EventUserReviewed    EventType = "user_reviewed"
)

// Event is a single streamed message.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	// ReferrerID is zero for review events.
	ReferrerID int64 `json:"referrerId,omitempty"`
	UserID     int64 `json:"userId"`
	RiskScore  int   `json:"riskScore,omitempty"`
	Data       any   `json:"data"`
}

// Subscription filters what a client receives. The zero value receives
// everything.
type Subscription struct {
	EventTypes   []EventType `json:"eventTypes"`
	ReferrerIDs  []int64     `json:"referrerIds"`
	MinRiskScore int         `json:"minRiskScore"`
}

func (s Subscription) matches(e *Event) bool {
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, e.Type) {
		return false
	}
	if len(s.ReferrerIDs) > 0 && e.Type != EventUserReviewed && !slices.Contains(s.ReferrerIDs, e.ReferrerID) {
		return false
	}
	if s.MinRiskScore > 0 && e.Type != EventUserReviewed && e.RiskScore < s.MinRiskScore {
		return false
	}
	return true
}

// Client is one WebSocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

func (c *Client) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

// MaxClients is the maximum number of concurrent stream connections.
const MaxClients = 1000

// Hub fans fraud events out to connected clients.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	now        func() time.Time
	done       chan struct{}
	maxClients int

	totalEvents   atomic.Int64
	droppedEvents atomic.Int64
}

var _ risk.EventSink = (*Hub)(nil)

// NewHub creates a hub. Call Run to start delivering events.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		now:        time.Now,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run delivers events until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("fraud stream hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			activeClients.Set(0)
			h.logger.Info("fraud stream hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			activeClients.Set(float64(n))
			h.logger.Info("stream client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			activeClients.Set(float64(n))

		case event := <-h.broadcast:
			h.deliver(event)
		}
	}
}

func (h *Hub) deliver(event *Event) {
	h.totalEvents.Add(1)
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Warn("stream event encode failed", "type", event.Type, "error", err)
		return
	}

	h.mu.RLock()
	var slow []*Client
	for client := range h.clients {
		if !client.subscription().matches(event) {
			continue
		}
		select {
		case client.send <- payload:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	if len(slow) > 0 {
		h.mu.Lock()
		for _, client := range slow {
			if _, ok := h.clients[client]; ok {
				close(client.send)
				delete(h.clients, client)
			}
		}
		h.mu.Unlock()
	}
}

// Broadcast queues an event without blocking. Events are dropped when the
// queue is full.
func (h *Hub) Broadcast(event *Event) {
	select {
	case h.broadcast <- event:
	default:
		h.droppedEvents.Add(1)
		h.logger.Warn("stream queue full, dropping event", "type", event.Type)
	}
}

// FraudLogged implements risk.EventSink.
func (h *Hub) FraudLogged(entry *risk.FraudLogEntry) {
	typ := EventReferralFlagged
	if entry.Status == risk.StatusBlocked {
		typ = EventReferralBlocked
	}
	h.Broadcast(&Event{
		Type:       typ,
		Timestamp:  entry.Timestamp,
		ReferrerID: entry.ReferrerID,
		UserID:     entry.ReferredID,
		RiskScore:  entry.RiskScore,
		Data:       entry,
	})
}

// UserReviewed implements risk.EventSink.
func (h *Hub) UserReviewed(userID int64, decision risk.ReviewDecision) {
	h.Broadcast(&Event{
		Type:      EventUserReviewed,
		Timestamp: h.now(),
		UserID:    userID,
		Data:      gin.H{"decision": decision},
	})
}

// Stats returns hub counters.
func (h *Hub) Stats() gin.H {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return gin.H{
		"connectedClients": n,
		"totalEvents":      h.totalEvents.Load(),
		"droppedEvents":    h.droppedEvents.Load(),
	}
}

// HandleStream handles GET /v1/admin/fraud/stream
func (h *Hub) HandleStream(c *gin.Context) {
	select {
	case <-h.done:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "server shutting down"})
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "too many stream connections"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{hub: h, conn: conn, send: make(chan []byte, 64)}
	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump applies subscription updates sent by the client.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(16 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
