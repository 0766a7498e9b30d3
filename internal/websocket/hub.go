package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"metrofleet/internal/operations"
)

// Message types besides the scheduler event types
const (
	TypeConnection = "connection"
)

// broadcastBuffer bounds the messages waiting for the hub loop
const broadcastBuffer = 256

// Message is the envelope of everything sent to clients
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
}

// HubStats is a snapshot of the hub counters
type HubStats struct {
	Clients int   `json:"clients"`
	Sent    int64 `json:"messages_sent"`
	Dropped int64 `json:"messages_dropped"`
}

// Hub fans scheduler events out to every connected client. It implements
// operations.Listener; OnEvent never blocks, a full buffer drops the message.
type Hub struct {
	clients    map[*Client]struct{}
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	logger  *slog.Logger
	metrics *Metrics

	sent    atomic.Int64
	dropped atomic.Int64

	startOnce sync.Once
	stopOnce  sync.Once
	quit      chan struct{}
	done      chan struct{}
}

// NewHub creates a hub. metrics may be nil.
func NewHub(logger *slog.Logger, metrics *Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan []byte, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger.With(slog.String("component", "websocket.hub")),
		metrics:    metrics,
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start runs the hub loop in its own goroutine. Calling it twice is a no-op.
func (h *Hub) Start() {
	h.startOnce.Do(func() {
		go h.run()
	})
}

// Stop ends the hub loop and disconnects every client
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.quit)
	})
	h.startOnce.Do(func() { close(h.done) })
	<-h.done
}

func (h *Hub) run() {
	defer close(h.done)
	ctx := context.Background()

	for {
		select {
		case <-h.quit:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			h.logger.InfoContext(ctx, "hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			count := len(h.clients)
			h.mu.Unlock()
			h.metrics.connected(ctx, 1)

			h.logger.InfoContext(ctx, "client registered",
				slog.String("client_id", c.id),
				slog.String("remote_addr", c.remoteAddr),
				slog.Int("total_clients", count))

			h.greet(c)

		case c := <-h.unregister:
			h.mu.Lock()
			_, ok := h.clients[c]
			if ok {
				delete(h.clients, c)
				close(c.send)
			}
			count := len(h.clients)
			h.mu.Unlock()

			if ok {
				h.metrics.connected(ctx, -1)
				h.logger.InfoContext(ctx, "client unregistered",
					slog.String("client_id", c.id),
					slog.Duration("connection_duration", time.Since(c.connectedAt)),
					slog.Int("total_clients", count))
			}

		case msg := <-h.broadcast:
			h.fanOut(ctx, msg)
		}
	}
}

// fanOut delivers msg to every client. A client whose buffer is full is
// disconnected rather than allowed to stall the others.
func (h *Hub) fanOut(ctx context.Context, msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var delivered int64
	for c := range h.clients {
		select {
		case c.send <- msg:
			delivered++
		default:
			close(c.send)
			delete(h.clients, c)
			h.metrics.connected(ctx, -1)
			h.metrics.drop(ctx, "slow_client")
			h.dropped.Add(1)
			h.logger.WarnContext(ctx, "client send buffer full, disconnecting",
				slog.String("client_id", c.id))
		}
	}
	h.sent.Add(delivered)
	h.metrics.delivered(ctx, delivered)
}

func (h *Hub) greet(c *Client) {
	data, err := json.Marshal(Message{
		Type: TypeConnection,
		Data: map[string]string{
			"status":    "connected",
			"client_id": c.id,
		},
		Timestamp: time.Now().UTC(),
		TraceID:   c.traceID,
	})
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// Register hands a client to the hub loop. It reports false once the hub has
// stopped, in which case the caller owns the connection.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.quit:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

// Broadcast queues a message for every client without blocking
func (h *Hub) Broadcast(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal broadcast message",
			slog.String("type", msg.Type),
			slog.String("error", err.Error()))
		return
	}

	select {
	case h.broadcast <- data:
	default:
		h.dropped.Add(1)
		h.metrics.drop(context.Background(), "hub_buffer_full")
		h.logger.Warn("broadcast buffer full, message dropped", slog.String("type", msg.Type))
	}
}

// OnEvent implements operations.Listener
func (h *Hub) OnEvent(e operations.Event) {
	h.metrics.event(context.Background(), string(e.Type))
	h.Broadcast(Message{Type: string(e.Type), Data: e, Timestamp: e.Time})
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats returns the hub counters
func (h *Hub) Stats() HubStats {
	return HubStats{
		Clients: h.ClientCount(),
		Sent:    h.sent.Load(),
		Dropped: h.dropped.Load(),
	}
}
