// Package bridge implements the WebSocket endpoint the browser extension
// pushes scraped comments into. Accepted payloads become normalized chat
// messages emitted through the server's ingestor surface, so the bus
// attaches the bridge exactly like a platform source.
package bridge

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"chatfuse/internal/chat"
	"chatfuse/internal/ingest"
	"chatfuse/internal/logger"
	"chatfuse/pkg/metrics"
)

// VirtualPlatform identifies the bridge as a source on the bus. Messages
// never carry it; they keep the platform their payload named.
const VirtualPlatform = chat.Platform("bridge")

// Config tunes the bridge listener. Zero values take the defaults below.
type Config struct {
	Addr         string
	PingInterval time.Duration
	PongTimeout  time.Duration
	FramesPerSec float64
	FrameBurst   int
}

// DefaultConfig matches the extension's expectations: local port 9876,
// generous flood bounds well above any legitimate comment rate.
func DefaultConfig() Config {
	return Config{
		Addr:         "127.0.0.1:9876",
		PingInterval: 30 * time.Second,
		PongTimeout:  75 * time.Second,
		FramesPerSec: 200,
		FrameBurst:   400,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = d.PongTimeout
	}
	if c.FramesPerSec <= 0 {
		c.FramesPerSec = d.FramesPerSec
	}
	if c.FrameBurst <= 0 {
		c.FrameBurst = d.FrameBurst
	}
}

// Server accepts extension WebSocket connections and answers plain HTTP
// probes with a small status body. It implements ingest.Ingestor so the
// bus can attach it; Connected means the listener is bound.
type Server struct {
	ingest.Emitter

	cfg      Config
	log      logger.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	state    ingest.State
	lastErr  error
	sessions map[string]*session
	httpSrv  *http.Server
	bound    net.Addr
	stop     chan struct{}
}

// NewServer builds a stopped bridge server.
func NewServer(cfg Config, log logger.Logger) *Server {
	cfg.applyDefaults()
	if log == nil {
		log = logger.NopLogger()
	}
	return &Server{
		cfg: cfg,
		log: log.Named("bridge"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The extension runs in arbitrary page origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		state:    ingest.StateDisconnected,
		sessions: make(map[string]*session),
	}
}

func (s *Server) Platform() chat.Platform { return VirtualPlatform }

func (s *Server) State() ingest.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Server) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Start binds the listener and begins accepting connections. A bind
// failure is fatal and returned to the caller; there is no bridge without
// the socket. Calling Start while already listening is a no-op.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.httpSrv != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.transition(ingest.StateConnecting, "binding listener")

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		s.transition(ingest.StateError, "bind failed")
		return fmt.Errorf("bridge listen on %s: %w", s.cfg.Addr, err)
	}

	srv := &http.Server{Handler: s}
	stop := make(chan struct{})

	s.mu.Lock()
	s.httpSrv = srv
	s.bound = ln.Addr()
	s.stop = stop
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.mu.Lock()
			s.lastErr = err
			s.mu.Unlock()
			s.transition(ingest.StateError, "serve failed: "+err.Error())
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Stop()
		case <-stop:
		}
	}()

	s.transition(ingest.StateConnected, "listening on "+s.cfg.Addr)
	s.log.Infow("bridge listening", "addr", s.cfg.Addr)
	return nil
}

// Stop closes the listener and every open session, leaving the server
// Disconnected. Safe in any state and safe to call repeatedly.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.httpSrv
	stop := s.stop
	s.httpSrv = nil
	s.stop = nil
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	for _, sess := range sessions {
		sess.close()
	}
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}

	s.transition(ingest.StateDisconnected, "stopped")
	return nil
}

// Addr reports the bound listen address, empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bound == nil {
		return ""
	}
	return s.bound.String()
}

// ClientCount reports the number of open sessions.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// ServeHTTP upgrades WebSocket requests into sessions and answers anything
// else with a liveness status body.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		s.serveStatus(w)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	hint, _ := chat.ParsePlatform(strings.Trim(r.URL.Path, "/"))
	sess := &session{
		id:      uuid.NewString()[:8],
		hint:    hint,
		conn:    conn,
		server:  s,
		limiter: rate.NewLimiter(rate.Limit(s.cfg.FramesPerSec), s.cfg.FrameBurst),
	}
	sess.log = s.log.Named("session-" + sess.id)

	s.mu.Lock()
	if s.httpSrv == nil {
		// Stopped between upgrade and registration.
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.sessions[sess.id] = sess
	clients := len(s.sessions)
	stop := s.stop
	s.mu.Unlock()

	metrics.BridgeClients.Set(float64(clients))
	sess.log.Infow("session opened", "hint", hint.String(), "clients", clients)

	go sess.pingLoop(stop)
	go sess.readLoop()
}

func (s *Server) serveStatus(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(statusBody{
		Status:  "ok",
		Clients: s.ClientCount(),
	})
}

func (s *Server) removeSession(sess *session) {
	s.mu.Lock()
	_, open := s.sessions[sess.id]
	delete(s.sessions, sess.id)
	clients := len(s.sessions)
	s.mu.Unlock()

	if open {
		metrics.BridgeClients.Set(float64(clients))
		sess.log.Infow("session closed", "clients", clients)
	}
}

func (s *Server) transition(next ingest.State, reason string) {
	s.mu.Lock()
	if s.state == next {
		s.mu.Unlock()
		return
	}
	change := ingest.StateChange{Old: s.state, New: next, Reason: reason}
	s.state = next
	s.mu.Unlock()

	s.EmitStateChange(change)
}
