package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	// clientSendBuffer is the number of broadcasts queued per client
	// before further ones are dropped for that client.
	clientSendBuffer = 64

	// writeTimeout bounds a single frame write.
	writeTimeout = 10 * time.Second

	shutdownReason = "shutdown"
)

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub fans broadcasts out to every connected client and pings each one
// every heartbeat. A client that does not answer a ping before the next
// heartbeat is terminated.
type Hub struct {
	clock     clockwork.Clock
	heartbeat time.Duration
	logger    *slog.Logger

	mu      sync.RWMutex
	clients map[string]*client
	closed  bool
	wg      sync.WaitGroup
}

func NewHub(clock clockwork.Clock, heartbeat time.Duration, logger *slog.Logger) *Hub {
	return &Hub{
		clock:     clock,
		heartbeat: heartbeat,
		logger:    logger,
		clients:   make(map[string]*client),
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients)
}

// Broadcast queues msg for every client without blocking and returns
// the number of clients it was queued for.
func (h *Hub) Broadcast(msg []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0

	for _, c := range h.clients {
		select {
		case c.send <- msg:
			sent++
		default:
			h.logger.Warn("client send buffer full, dropping message", slog.String("client", c.id))
		}
	}

	return sent
}

// Serve registers conn and runs its write loop until the connection
// ends. Incoming data frames are discarded.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn) {
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, clientSendBuffer),
	}

	if !h.register(c) {
		conn.Close(websocket.StatusGoingAway, shutdownReason)
		return
	}
	defer h.unregister(c)

	// CloseRead keeps reading control frames so pings get their pongs.
	ctx = conn.CloseRead(ctx)

	ticker := h.clock.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()

			if err != nil {
				h.logger.Debug("write failed, dropping client",
					slog.String("client", c.id),
					slog.String("error", err.Error()),
				)
				conn.CloseNow()

				return
			}

		case <-ticker.Chan():
			pingCtx, cancel := context.WithTimeout(ctx, h.heartbeat)
			err := conn.Ping(pingCtx)
			cancel()

			if err != nil {
				if !errors.Is(err, context.Canceled) {
					h.logger.Info("client missed heartbeat, terminating", slog.String("client", c.id))
				}

				conn.CloseNow()

				return
			}
		}
	}
}

// Shutdown closes every client connection and waits for their loops to
// finish. Later connections are refused.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))

	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		go c.conn.Close(websocket.StatusGoingAway, shutdownReason)
	}

	h.wg.Wait()
	h.logger.Info("hub shut down")
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}

	h.clients[c.id] = c
	h.wg.Add(1)

	h.logger.Info("client connected",
		slog.String("client", c.id),
		slog.Int("clients", len(h.clients)),
	)

	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	n := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("client disconnected",
		slog.String("client", c.id),
		slog.Int("clients", n),
	)

	h.wg.Done()
}
