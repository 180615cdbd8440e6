package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/iammorganparry/clive/apps/maestro/internal/events"
)

const (
	sendBuffer   = 256
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// Hub fans push events out to every connected websocket client. There is no
// replay: a client that connects late refetches over REST.
type Hub struct {
	logger  *slog.Logger
	origins []string

	mu      sync.RWMutex
	clients map[*hubClient]struct{}
}

type hubClient struct {
	send chan []byte
}

// NewHub creates a hub. origins are the cross-origin patterns accepted on
// upgrade; nil accepts any origin.
func NewHub(logger *slog.Logger, origins []string) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return &Hub{
		logger:  logger,
		origins: origins,
		clients: make(map[*hubClient]struct{}),
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast encodes the event once and queues it for every client. A client
// whose queue is full is disconnected and will refetch on reconnect.
func (h *Hub) Broadcast(name string, data any) {
	msg, err := events.Encode(name, data)
	if err != nil {
		h.logger.Error("ws: encode event", "event", name, "error", err)
		return
	}

	var slow []*hubClient
	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	n := len(h.clients)
	h.mu.RUnlock()

	h.logger.Debug("ws: broadcast", "event", name, "clients", n)
	for _, c := range slow {
		h.logger.Warn("ws: dropping slow client", "event", name)
		h.remove(c)
	}
}

// ServeHTTP upgrades the request and streams events until the client goes
// away. Incoming frames are ignored.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.logger.Warn("ws: accept failed", "error", err)
		return
	}
	c := &hubClient{send: make(chan []byte, sendBuffer)}
	h.add(c)
	h.logger.Info("ws: client connected", "clients", h.Clients())
	defer func() {
		h.remove(c)
		h.logger.Info("ws: client disconnected", "clients", h.Clients())
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	ctx := conn.CloseRead(r.Context())
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				_ = conn.Close(websocket.StatusPolicyViolation, "backpressure")
				return
			}
			if err := write(ctx, conn, msg); err != nil {
				h.logger.Debug("ws: write failed", "error", err)
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func write(ctx context.Context, conn *websocket.Conn, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, msg)
}

func (h *Hub) add(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) remove(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}
