// Package ws is the live-subscriber side of the chat pipeline. It upgrades
// HTTP connections to WebSocket, tracks which destinations each client
// subscribes to, and fans broadcast payloads out to those clients.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/whisper/chat-pipeline/internal/metrics"
	"github.com/whisper/chat-pipeline/internal/protocol"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	MaxFrameBytes  int64         // larger data frames close the connection
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxFrameBytes:  64 << 10,
	}
}

// Presence records connected sessions and their subscriptions outside the
// process.
type Presence interface {
	Create(ctx context.Context, sessionID string) error
	Delete(ctx context.Context, sessionID string) error
	AddDestination(ctx context.Context, sessionID, dest string) error
	RemoveDestination(ctx context.Context, sessionID, dest string) error
	Touch(ctx context.Context, sessionID string) error
}

// HealthCheck reports whether the server's dependencies are usable.
type HealthCheck func(ctx context.Context) error

// Server is the WebSocket server built on gobwas/ws and Linux epoll. Ready
// connections are dispatched to a bounded worker pool for frame reading.
// The same listener serves any extra HTTP routes registered with Handle.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	hub          *Hub
	presence     Presence                            // nil disables presence tracking
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onDisconnect func(connID string)                 // called when a connection is removed
	health       HealthCheck
	mux          *http.ServeMux
	httpServer   *http.Server
	done         chan struct{}
	closeOnce    sync.Once
	startedAt    time.Time
	log          *slog.Logger
}

// NewServer creates a Server. onMessage is called from a worker goroutine
// whenever a complete text frame is received; it may be set later with
// SetOnMessage. presence may be nil.
func NewServer(config ServerConfig, presence Presence, onMessage func(conn *Connection, data []byte), log *slog.Logger) *Server {
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		hub:        NewHub(),
		presence:   presence,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		mux:        http.NewServeMux(),
		done:       make(chan struct{}),
		log:        log.With("component", "ws"),
	}
}

// SetOnMessage replaces the message callback. Call it before Start.
func (s *Server) SetOnMessage(fn func(conn *Connection, data []byte)) {
	s.onMessage = fn
}

// SetHealthCheck installs the dependency check used by /health.
func (s *Server) SetHealthCheck(fn HealthCheck) {
	s.health = fn
}

// Handle registers an extra HTTP route on the server's listener.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// Start initializes epoll and serves HTTP until Shutdown. It returns an error
// if the listener cannot be opened.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()

	s.mux.HandleFunc("GET /ws", s.handleUpgrade)
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.startEventLoop()
	StartHeartbeat(s, DefaultHeartbeatConfig())

	s.log.Info("server listening", "addr", s.config.ListenAddr,
		"workers", s.config.WorkerPoolSize, "max_conns", s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection and
// registers it with the connection manager and epoll.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Warn("upgrade failed", "error", err)
		return
	}

	c := NewConnection(uuid.New().String(), conn, s.config.WriteTimeout)

	s.conns.Add(c)
	if err := s.epoll.Add(conn); err != nil {
		s.log.Warn("epoll add failed", "session", c.ID, "error", err)
		s.conns.Remove(c.ID)
		return
	}
	metrics.ConnectionsTotal.Inc()

	if s.presence != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		if err := s.presence.Create(ctx, c.ID); err != nil {
			s.log.Warn("presence create failed", "session", c.ID, "error", err)
		}
		cancel()
	}

	if err := c.Send(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{SessionID: c.ID}); err != nil {
		s.log.Warn("send session_created failed", "session", c.ID, "error", err)
	}

	s.log.Debug("connection opened", "session", c.ID, "fd", c.Fd, "total", s.conns.Count())
}

// handleHealth reports connection count, uptime and dependency status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
		Error       string `json:"error,omitempty"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	code := http.StatusOK
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			resp.Status = "degraded"
			resp.Error = err.Error()
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop and hands each ready connection to a
// worker goroutine, bounded by the worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait(100)
		if err != nil {
			// EINTR is expected during signal handling.
			if !isEINTR(err) {
				s.log.Warn("epoll wait error", "error", err)
			}
			continue
		}

		for _, conn := range conns {
			s.workerPool <- struct{}{}
			go s.serveReady(conn)
		}
	}
}

// serveReady handles one ready connection on a worker slot. A panic while
// handling drops that connection only.
func (s *Server) serveReady(netConn net.Conn) {
	defer func() { <-s.workerPool }()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("connection handler panicked", "panic", r)
			if c := s.conns.GetByConn(netConn); c != nil {
				s.RemoveConnection(c)
			}
		}
	}()
	s.handleConn(netConn)
}

// handleConn reads a single WebSocket frame from a ready connection. Control
// frames are handled without blocking on a data frame that may never arrive.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A timeout means a stale dispatch; the heartbeat handles dead peers.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})
	c.Touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	if header.Length < 0 || (s.config.MaxFrameBytes > 0 && header.Length > s.config.MaxFrameBytes) {
		s.log.Warn("frame too large", "session", c.ID, "length", header.Length, "max", s.config.MaxFrameBytes)
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) > 0 && s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// SetOnDisconnect registers a callback invoked when a connection is removed.
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// Subscribe adds c to dest.
func (s *Server) Subscribe(c *Connection, dest string) error {
	if !protocol.ValidDestination(dest) {
		return fmt.Errorf("ws: unknown destination %q", dest)
	}
	if !s.hub.Subscribe(c.ID, dest) {
		return nil
	}
	if s.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := s.presence.AddDestination(ctx, c.ID, dest); err != nil {
			s.log.Debug("presence subscribe failed", "session", c.ID, "error", err)
		}
	}
	return nil
}

// Unsubscribe removes c from dest.
func (s *Server) Unsubscribe(c *Connection, dest string) {
	if !s.hub.Unsubscribe(c.ID, dest) || s.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.presence.RemoveDestination(ctx, c.ID, dest); err != nil {
		s.log.Debug("presence unsubscribe failed", "session", c.ID, "error", err)
	}
}

// Broadcast writes payload to every connection subscribed to dest. It returns
// the number of successful writes and the joined write errors.
func (s *Server) Broadcast(dest string, payload []byte) (int, error) {
	var (
		sent int
		errs []error
	)
	for _, id := range s.hub.Subscribers(dest) {
		if err := s.SendMessage(id, payload); err != nil {
			errs = append(errs, err)
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

// RemoveConnection closes a connection and forgets its subscriptions. It is
// safe to call more than once for the same connection.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}

	if !s.conns.Remove(c.ID) {
		return
	}
	s.hub.Drop(c.ID)
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}

	if s.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.presence.Delete(ctx, c.ID); err != nil {
			s.log.Warn("presence delete failed", "session", c.ID, "error", err)
		}
	}

	s.log.Debug("connection closed", "session", c.ID, "total", s.conns.Count())
}

// SendMessage writes a text frame to the connection identified by connID.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	return c.WriteMessage(data)
}

// Connections returns the ConnectionManager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Hub returns the subscription registry.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Shutdown stops the HTTP listener and the event loop, then closes every
// connection and the epoll instance.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down server")

	s.closeOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Warn("http shutdown error", "error", err)
		}
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	s.log.Info("server stopped")
	return nil
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
