package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	maxFrameBytes  = 1 << 20
	sendBufferSize = 64
)

// Client is one WebSocket connection: a reader, a writer pump, the
// sessions it owns, and its notification filter.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	send    chan []byte
	limiter *rate.Limiter // nil = unlimited

	mu        sync.Mutex
	sessions  map[string]context.CancelFunc
	cancelled map[string]bool // ids this client cancelled; cleared when the id is reused
	filter    map[string]bool // notification allow-list; empty = all
	closed    bool
}

func newClient(conn *websocket.Conn, s *Server) *Client {
	c := &Client{
		id:        uuid.NewString(),
		conn:      conn,
		server:    s,
		send:      make(chan []byte, sendBufferSize),
		sessions:  make(map[string]context.CancelFunc),
		cancelled: make(map[string]bool),
		filter:    make(map[string]bool),
	}
	if rpm := s.cfg.RateLimitRPM; rpm > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 5)
	}
	return c
}

// run drives the connection until the peer goes away or ctx is done.
func (c *Client) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump(ctx)
	c.readPump(ctx)
}

// readPump reads request frames. The pong deadline is refreshed on every
// pong; a silent peer is dropped after the configured timeout.
func (c *Client) readPump(ctx context.Context) {
	pongWait := time.Duration(c.server.cfg.PongTimeoutSec) * time.Second
	c.conn.SetReadLimit(maxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket read ended", "client", c.id, "error", err)
			}
			return
		}
		c.handleFrame(ctx, data)
	}
}

// writePump owns all writes: queued frames plus heartbeat pings.
func (c *Client) writePump(ctx context.Context) {
	pingInterval := time.Duration(c.server.cfg.PingIntervalSec) * time.Second
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue queues a frame for the writer. Delivery is at-most-once: when
// the buffer is full the frame is dropped rather than blocking a loop.
func (c *Client) enqueue(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("frame marshal failed", "client", c.id, "error", err)
		return
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	select {
	case c.send <- data:
	default:
		slog.Warn("send buffer full, dropping frame", "client", c.id)
	}
}

func (c *Client) respond(id json.RawMessage, result interface{}) {
	c.enqueue(protocol.NewResponse(id, result))
}

func (c *Client) respondError(id json.RawMessage, code int, message string) {
	c.enqueue(protocol.NewErrorResponse(id, code, message))
}

// notify forwards a bridged pub/sub envelope if the filter admits it.
func (c *Client) notify(env protocol.Envelope) {
	if !c.admits(env.Channel) {
		return
	}
	c.enqueue(protocol.NewNotification(protocol.MethodNotifyEvent, env))
}

// admits applies the allow-list: empty accepts all; a channel matches by
// full name or by its prefix before the first colon.
func (c *Client) admits(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.filter) == 0 {
		return true
	}
	if c.filter[channel] {
		return true
	}
	if i := strings.IndexByte(channel, ':'); i > 0 {
		return c.filter[channel[:i]]
	}
	return false
}

func (c *Client) subscribe(channels []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		c.filter[ch] = true
	}
	return c.filterSnapshot()
}

func (c *Client) unsubscribe(channels []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		delete(c.filter, ch)
	}
	return c.filterSnapshot()
}

// filterSnapshot is called with c.mu held.
func (c *Client) filterSnapshot() []string {
	out := make([]string, 0, len(c.filter))
	for ch := range c.filter {
		out = append(out, ch)
	}
	return out
}

func (c *Client) sessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

func (c *Client) trackSession(sessionID string, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[sessionID] = cancel
	// A fresh run under a reused id is cancellable again.
	delete(c.cancelled, sessionID)
}

func (c *Client) untrackSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
}

// cancelSession cancels one owned session. Reports whether a live run was
// found. Cancelled ids are remembered so a repeat cancel can be told apart
// from an unknown session after the run winds down and releases its slot.
func (c *Client) cancelSession(sessionID string) bool {
	c.mu.Lock()
	cancel, ok := c.sessions[sessionID]
	if ok {
		c.cancelled[sessionID] = true
	}
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (c *Client) wasCancelled(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled[sessionID]
}

// cancelAllSessions is called on disconnect.
func (c *Client) cancelAllSessions() {
	c.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(c.sessions))
	for _, cancel := range c.sessions {
		cancels = append(cancels, cancel)
	}
	c.sessions = make(map[string]context.CancelFunc)
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// close tears the connection down. The send channel is left open so
// concurrent enqueues cannot panic; the writer exits with its context.
func (c *Client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.conn.Close()
}
