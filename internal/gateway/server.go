// Package gateway serves the JSON-RPC 2.0 WebSocket endpoint: upgrade
// authentication, per-connection session multiplexing, streaming agent
// events, and the pub/sub notification bridge.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/agentd/internal/agent"
	"github.com/nextlevelbuilder/agentd/internal/config"
	"github.com/nextlevelbuilder/agentd/internal/tools"
	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

// Runner runs one agent session. Satisfied by *agent.Loop.
type Runner interface {
	Run(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error)
}

// RunOptions carry the per-run knobs a client may set on agent.run.
type RunOptions struct {
	Tier     string
	MaxTurns int
	OnEvent  func(agent.Event)
}

// RunnerFactory builds a runner for one agent.run call. The factory wires
// the tier's model and the per-run event sink into a fresh loop.
type RunnerFactory func(opts RunOptions) Runner

// Server is the WebSocket gateway.
type Server struct {
	cfg     config.GatewayConfig
	tools   *tools.Registry
	runners RunnerFactory

	upgrader websocket.Upgrader

	mu       sync.RWMutex
	clients  map[string]*Client
	sessions map[string]*Client // sessionID → owning client

	httpServer *http.Server
}

// NewServer creates a gateway over the given tool registry and runner
// factory.
func NewServer(cfg config.GatewayConfig, reg *tools.Registry, runners RunnerFactory) *Server {
	if cfg.MaxSessionsPerClient <= 0 {
		cfg.MaxSessionsPerClient = 5
	}
	if cfg.PingIntervalSec <= 0 {
		cfg.PingIntervalSec = 30
	}
	if cfg.PongTimeoutSec <= 0 {
		cfg.PongTimeoutSec = 90
	}
	s := &Server{
		cfg:      cfg,
		tools:    reg,
		runners:  runners,
		clients:  make(map[string]*Client),
		sessions: make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser clients
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("gateway origin rejected", "origin", origin)
	return false
}

// Handler returns the HTTP mux serving /ws/agent and /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/agent", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: s.Handler()}

	slog.Info("gateway starting", "addr", addr)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	subprotocol, err := s.authenticate(r)
	if err != nil {
		slog.Warn("gateway auth failed", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var respHeader http.Header
	if subprotocol != "" {
		respHeader = http.Header{"Sec-WebSocket-Protocol": {subprotocol}}
	}
	conn, err := s.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(conn, s)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.close()
	}()

	client.run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c
	slog.Info("client connected", "client", c.id)
}

// unregisterClient drops the client and cancels every session it owns.
func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	for sid, owner := range s.sessions {
		if owner == c {
			delete(s.sessions, sid)
		}
	}
	s.mu.Unlock()
	c.cancelAllSessions()
	slog.Info("client disconnected", "client", c.id)
}

// claimSession records session ownership, enforcing the per-client cap.
func (s *Server) claimSession(sessionID string, c *Client) *protocol.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, exists := s.sessions[sessionID]; exists && owner != c {
		return &protocol.Error{Code: protocol.CodeSessionNotFound, Message: "session id not available"}
	}
	if c.sessionCount() >= s.cfg.MaxSessionsPerClient {
		return &protocol.Error{
			Code:    protocol.CodeSessionLimit,
			Message: fmt.Sprintf("session limit exceeded (max %d)", s.cfg.MaxSessionsPerClient),
		}
	}
	s.sessions[sessionID] = c
	return nil
}

func (s *Server) releaseSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// sessionOwner returns the client owning a session.
func (s *Server) sessionOwner(sessionID string) (*Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.sessions[sessionID]
	return c, ok
}

// eachClient runs fn on a snapshot of the connected clients.
func (s *Server) eachClient(fn func(*Client)) {
	s.mu.RLock()
	snapshot := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		snapshot = append(snapshot, c)
	}
	s.mu.RUnlock()
	for _, c := range snapshot {
		fn(c)
	}
}
