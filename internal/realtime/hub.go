// Package realtime streams committed escrow events to WebSocket clients.
//
// The hub is an eventlog.Sink: it only ever sees events after their
// transition committed. Delivery is best effort; a client that falls behind
// is disconnected and should resume from GET /v1/events using the last seq
// it saw.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kustodia/escrowd/internal/eventlog"
	"github.com/kustodia/escrowd/internal/metrics"
)

// ErrBackpressure is returned by Publish when the broadcast queue is full.
var ErrBackpressure = errors.New("realtime: broadcast queue full")

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
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
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// Subscription filters what a client receives. Empty filters match
// everything; non-empty filters are ANDed together.
type Subscription struct {
	Types     []eventlog.Type `json:"types"`
	EscrowIDs []uint64        `json:"escrowIds"`
	// Parties matches the event actor or the payer/payee of the record.
	Parties []string `json:"parties"`
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

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// Hub fans committed events out to connected clients.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *eventlog.Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits
	maxClients int

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
	dropped      atomic.Int64
}

// NewHub creates a hub. Call Run to start it.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *eventlog.Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run is the hub's main loop. It returns when ctx is done, after closing
// every client.
func (h *Hub) Run(ctx context.Context) error {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return nil

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client disconnected", "total", n)

		case event := <-h.broadcast:
			h.deliver(event)
		}
	}
}

func (h *Hub) deliver(event *eventlog.Event) {
	h.totalEvents.Add(1)
	msg, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("marshal realtime event", "seq", event.Seq, "error", err)
		return
	}
	parties := eventParties(event)

	h.mu.RLock()
	var slow []*Client
	for client := range h.clients {
		if !matches(client.subscription(), event, parties) {
			continue
		}
		select {
		case client.send <- msg:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, client := range slow {
		if _, ok := h.clients[client]; ok {
			close(client.send)
			delete(h.clients, client)
		}
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Warn("dropped slow realtime clients", "count", len(slow), "seq", event.Seq)
}

// eventParties extracts the identities an event concerns.
func eventParties(event *eventlog.Event) []string {
	parties := []string{event.Actor}
	var p struct {
		Record struct {
			Payer string `json:"payer"`
			Payee string `json:"payee"`
		} `json:"record"`
		Recipient string `json:"recipient"`
	}
	if err := json.Unmarshal(event.Payload, &p); err == nil {
		for _, s := range []string{p.Record.Payer, p.Record.Payee, p.Recipient} {
			if s != "" {
				parties = append(parties, s)
			}
		}
	}
	return parties
}

func matches(sub Subscription, event *eventlog.Event, parties []string) bool {
	if len(sub.Types) > 0 && !slices.Contains(sub.Types, event.Type) {
		return false
	}
	if len(sub.EscrowIDs) > 0 && !slices.Contains(sub.EscrowIDs, event.EscrowID) {
		return false
	}
	if len(sub.Parties) > 0 {
		for _, want := range sub.Parties {
			for _, got := range parties {
				if strings.EqualFold(want, got) {
					return true
				}
			}
		}
		return false
	}
	return true
}

// Publish implements eventlog.Sink. It never blocks the caller.
func (h *Hub) Publish(_ context.Context, event *eventlog.Event) error {
	select {
	case <-h.done:
		return nil
	default:
	}
	select {
	case h.broadcast <- event:
		return nil
	default:
		h.dropped.Add(1)
		return ErrBackpressure
	}
}

// Stats is a point-in-time view of hub activity.
type Stats struct {
	ConnectedClients int   `json:"connectedClients"`
	TotalEvents      int64 `json:"totalEvents"`
	TotalClients     int64 `json:"totalClients"`
	PeakClients      int64 `json:"peakClients"`
	DroppedEvents    int64 `json:"droppedEvents"`
}

// Stats returns hub statistics.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return Stats{
		ConnectedClients: n,
		TotalEvents:      h.totalEvents.Load(),
		TotalClients:     h.totalClients.Load(),
		PeakClients:      h.peakClients.Load(),
		DroppedEvents:    h.dropped.Load(),
	}
}

// HandleWebSocket upgrades the request. An initial subscription may be given
// as query parameters (type, escrowId, party, each repeatable); clients can
// replace it at any time by sending a Subscription as JSON.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
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

	sub, err := subscriptionFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
		sub:  sub,
	}
	if !h.add(client) {
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// add registers a client, giving up if the hub has stopped.
func (h *Hub) add(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// remove unregisters a client; a no-op once the hub has stopped.
func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// readPump reads subscription updates and keeps the read deadline fresh.
func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
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
		if err := json.Unmarshal(message, &sub); err != nil {
			c.hub.logger.Debug("ignoring malformed subscription", "error", err)
			continue
		}
		c.mu.Lock()
		c.sub = sub
		c.mu.Unlock()
	}
}

// writePump writes queued messages and keepalive pings.
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
