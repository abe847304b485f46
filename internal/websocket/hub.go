package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"tenantguard/internal/infrastructure"
)

// Message types sent to dashboards
const (
	TypeConnection        = "connection"
	TypeSecurityViolation = "security:violation"
	TypeSecurityStatus    = "security:status"
)

var (
	// ErrHubStopped is returned when broadcasting to a stopped hub
	ErrHubStopped = errors.New("websocket hub stopped")
	// ErrBroadcastQueueFull is returned when the hub cannot keep up
	ErrBroadcastQueueFull = errors.New("websocket broadcast queue full")
)

// Message is the envelope of every frame sent to clients
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp string      `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
}

// Hub maintains the set of connected dashboard clients and fans messages
// out to them. The Run loop owns the client set; everything else talks to
// it through channels.
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Outbound messages for every client
	broadcast chan []byte

	register   chan *Client
	unregister chan *Client

	// guards clients for readers outside Run
	mu sync.RWMutex

	logger  *slog.Logger
	metrics *OTelMetrics

	totalConnections atomic.Int64
	messagesSent     atomic.Int64
	messagesDropped  atomic.Int64

	startOnce sync.Once
	stopOnce  sync.Once
	quit      chan struct{}
	done      chan struct{}
}

// NewHub creates a hub. metrics may be nil.
func NewHub(logger *slog.Logger, metrics *OTelMetrics) *Hub {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger.With(slog.String("component", "websocket.hub")),
		metrics:    metrics,
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start runs the hub loop in the background. Calling it twice is a no-op.
func (h *Hub) Start() {
	h.startOnce.Do(func() {
		go h.run()
	})
}

// Stop closes every client and waits for the hub loop to exit
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.quit)
	})
	// a hub that never started has no loop to wait for
	h.startOnce.Do(func() { close(h.done) })
	<-h.done
}

func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case <-h.quit:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			h.logger.Info("hub shutting down")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.totalConnections.Add(1)

			ctx := client.context()
			h.logger.InfoContext(ctx, "client registered",
				slog.Int("total_clients", count),
				slog.String("client_id", client.id),
				slog.String("remote_addr", client.remoteAddr))
			if h.metrics != nil {
				h.metrics.RecordConnection(ctx)
			}

			welcome, err := encode(TypeConnection, map[string]interface{}{
				"status":    "connected",
				"message":   "Connected to security event stream",
				"client_id": client.id,
			}, client.traceID)
			if err == nil {
				select {
				case client.send <- welcome:
				default:
					h.logger.WarnContext(ctx, "client buffer full before welcome",
						slog.String("client_id", client.id))
				}
			}

		case client := <-h.unregister:
			h.mu.Lock()
			_, ok := h.clients[client]
			if ok {
				delete(h.clients, client)
				close(client.send)
			}
			count := len(h.clients)
			h.mu.Unlock()

			if ok {
				ctx := client.context()
				h.logger.InfoContext(ctx, "client unregistered",
					slog.Int("total_clients", count),
					slog.String("client_id", client.id),
					slog.Duration("connection_duration", time.Since(client.connectedAt)))
				if h.metrics != nil {
					h.metrics.RecordDisconnection(ctx, time.Since(client.connectedAt))
				}
			}

		case message := <-h.broadcast:
			h.fanOut(message)
		}
	}
}

// fanOut delivers one message. Clients whose buffer is full are dropped
// rather than stalling everyone else.
func (h *Hub) fanOut(message []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var failed int
	for client := range h.clients {
		select {
		case client.send <- message:
			h.messagesSent.Add(1)
		default:
			failed++
			close(client.send)
			delete(h.clients, client)
			h.logger.WarnContext(client.context(), "client send buffer full, disconnecting",
				slog.String("client_id", client.id))
		}
	}

	if h.metrics != nil {
		h.metrics.RecordBroadcast(context.Background(), int64(len(h.clients)), int64(failed))
	}
}

// Register adds a client. It returns false once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.quit:
		return false
	}
}

// Unregister removes a client and closes its send channel
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.quit:
	}
}

// Broadcast queues a typed message for every client. It never blocks; a
// full queue drops the message.
func (h *Hub) Broadcast(ctx context.Context, messageType string, data interface{}) error {
	payload, err := encode(messageType, data, infrastructure.GetTraceID(ctx))
	if err != nil {
		h.logger.ErrorContext(ctx, "error marshaling message",
			slog.String("error", err.Error()),
			slog.String("message_type", messageType))
		return err
	}

	select {
	case <-h.quit:
		return ErrHubStopped
	default:
	}

	select {
	case h.broadcast <- payload:
		return nil
	default:
		h.messagesDropped.Add(1)
		if h.metrics != nil {
			h.metrics.RecordDropped(ctx)
		}
		return ErrBroadcastQueueFull
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HubStats are the hub counters exposed on the admin API
type HubStats struct {
	ActiveClients    int   `json:"activeClients"`
	TotalConnections int64 `json:"totalConnections"`
	MessagesSent     int64 `json:"messagesSent"`
	MessagesDropped  int64 `json:"messagesDropped"`
	QueueDepth       int   `json:"queueDepth"`
}

// Stats returns current hub counters
func (h *Hub) Stats() HubStats {
	return HubStats{
		ActiveClients:    h.ClientCount(),
		TotalConnections: h.totalConnections.Load(),
		MessagesSent:     h.messagesSent.Load(),
		MessagesDropped:  h.messagesDropped.Load(),
		QueueDepth:       len(h.broadcast),
	}
}

func encode(messageType string, data interface{}, traceID string) ([]byte, error) {
	return json.Marshal(Message{
		Type:      messageType,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		TraceID:   traceID,
	})
}
