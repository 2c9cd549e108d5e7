// Package ws handles WebSocket connection management: authenticating and
// upgrading HTTP requests, polling sockets for readiness, reading frames on
// a bounded worker pool and handing them to the dispatcher.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ghosty/chat-app/internal/logger"
	"github.com/ghosty/chat-app/internal/metrics"
	"github.com/ghosty/chat-app/internal/ratelimit"
	"github.com/ghosty/chat-app/internal/session"
)

// MaxFrameBytes caps the payload of a single client frame.
const MaxFrameBytes = 64 << 10

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Authenticator resolves a handshake request to a durable session ID.
type Authenticator func(r *http.Request) (string, error)

// Server upgrades HTTP connections to WebSocket, registers them with the
// poller and dispatches ready connections to a bounded worker pool for frame
// reading.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	presence     *session.Presence // nil without Redis
	limiter      ratelimit.Allower // connect rate limit, may be nil
	authenticate Authenticator
	workerPool   chan struct{}
	onMessage    func(conn *Connection, data []byte)
	onConnect    func(conn *Connection)
	onDisconnect func(conn *Connection)
	httpServer   *http.Server
	done         chan struct{}
	closed       int32
	startedAt    time.Time
	log          *zap.SugaredLogger
}

// NewServer creates a Server. presence may be nil. onMessage is called from
// a worker goroutine for every complete text frame.
func NewServer(config ServerConfig, presence *session.Presence, onMessage func(conn *Connection, data []byte)) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 256
	}
	if config.Heartbeat.Interval <= 0 {
		config.Heartbeat = DefaultHeartbeatConfig()
	}
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		presence:   presence,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
		log:        logger.Named("ws"),
	}
}

// SetAuthenticator installs the handshake check. Requests it rejects are
// refused with 401 before the upgrade.
func (s *Server) SetAuthenticator(fn Authenticator) {
	s.authenticate = fn
}

// SetConnectLimiter enables the per-IP connection rate limit.
func (s *Server) SetConnectLimiter(l ratelimit.Allower) {
	s.limiter = l
}

// SetOnConnect registers a callback run after a connection is registered and
// before its first frame can be read.
func (s *Server) SetOnConnect(fn func(conn *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked once when a connection is
// removed (read error, heartbeat timeout or close frame), before its
// presence record is deleted.
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// Init creates the poller and starts the event loop and heartbeat. Start
// calls it; tests that mount HandleUpgrade on their own listener call it
// directly.
func (s *Server) Init() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.startedAt = time.Now()

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)
	return nil
}

// Start initializes the server and blocks serving HTTP on ListenAddr. A nil
// handler serves only /ws and /health.
func (s *Server) Start(handler http.Handler) error {
	if err := s.Init(); err != nil {
		return err
	}

	if handler == nil {
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", s.HandleUpgrade)
		mux.HandleFunc("/health", s.HandleHealth)
		handler = mux
	}
	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Infow("server listening",
		"addr", s.config.ListenAddr,
		"workers", s.config.WorkerPoolSize,
		"max_conns", s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// HandleUpgrade authenticates the request and upgrades it to a WebSocket
// connection.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if s.limiter != nil {
		ok, _ := s.limiter.Allow(r.Context(), ip, ratelimit.RuleConnect)
		if !ok {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	connID := uuid.NewString()
	sessionID := connID
	if s.authenticate != nil {
		sid, err := s.authenticate(r)
		if err != nil {
			s.log.Debugw("handshake rejected", "ip", ip, "error", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		sessionID = sid
	}

	raw, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debugw("upgrade failed", "ip", ip, "error", err)
		return
	}

	now := time.Now()
	c := &Connection{
		ID:        connID,
		SessionID: sessionID,
		Conn:      s.epoll.Wrap(raw),
		RemoteIP:  ip,
		CreatedAt: now,
	}
	c.Touch()

	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	if s.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.presence.Create(ctx, connID, sessionID); err != nil {
			s.log.Warnw("presence create failed", "conn", connID, "error", err)
		}
		cancel()
	}

	if s.onConnect != nil {
		s.onConnect(c)
	}

	if err := s.epoll.Add(c.Conn); err != nil {
		s.log.Errorw("epoll add failed", "conn", connID, "error", err)
		s.RemoveConnection(c)
		return
	}

	s.log.Debugw("connection opened", "conn", connID, "session", sessionID, "total", s.conns.Count())
}

// HandleHealth reports status, connection count and uptime as JSON.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","connections":%d,"uptime":%q}`,
		s.conns.Count(), time.Since(s.startedAt).Round(time.Second).String())
}

// Health returns the values HandleHealth reports.
func (s *Server) Health() (connections int, uptime time.Duration) {
	return s.conns.Count(), time.Since(s.startedAt)
}

func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if !isEINTR(err) {
				s.log.Warnw("epoll wait error", "error", err)
			}
			continue
		}

		for _, conn := range conns {
			conn := conn

			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single frame from a ready connection. Control frames
// are handled by wsutil without blocking on a data frame that may never
// arrive.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Level-triggered epoll may report the same socket twice.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer func() {
		atomic.StoreInt32(&c.processing, 0)
		s.epoll.Resume(netConn)
	}()

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A timeout means the readiness report was stale.
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
			return
		}
		// The payload must be consumed or it is read as the next frame.
		if _, err := io.Copy(io.Discard, reader); err != nil {
			s.RemoveConnection(c)
		}
		return
	}

	if header.Length > MaxFrameBytes {
		s.log.Warnw("frame too large", "conn", c.ID, "bytes", header.Length)
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
	if len(data) == 0 || header.OpCode != ws.OpText {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection unregisters and closes a connection. Concurrent callers
// race safely: only the one that removed it runs the disconnect callback.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}

	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	if s.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.presence.Delete(ctx, c.ID); err != nil {
			s.log.Warnw("presence delete failed", "conn", c.ID, "error", err)
		}
		cancel()
	}

	s.log.Debugw("connection closed", "conn", c.ID, "total", s.conns.Count())
}

// SendMessage writes a text frame to the connection identified by connID.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Connections returns the ConnectionManager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener and the event loop, then closes every
// connection, running the disconnect callback for each.
func (s *Server) Shutdown(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	s.log.Info("shutting down server")

	close(s.done)

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Warnw("http shutdown error", "error", err)
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

// clientIP prefers the first X-Forwarded-For hop set by the load balancer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
