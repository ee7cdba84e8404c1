package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/babelcloud/gbox/packages/screen-bridge/internal/metrics"
	"github.com/babelcloud/gbox/packages/screen-bridge/internal/session"
	"github.com/babelcloud/gbox/packages/screen-bridge/internal/util"
	"github.com/gorilla/websocket"
	"github.com/pires/go-proxyproto"
	"github.com/pkg/errors"
)

// ServiceName is reported by the health endpoint so clients can tell the
// bridge apart from another process holding the port.
const ServiceName = "screen-bridge"

var ErrServerRunning = errors.New("server already running")

// Options configures the bridge server
type Options struct {
	// Addr is the listen address for the message transport, host:port.
	Addr string
	// Path is where WebSocket clients connect. Defaults to "/".
	Path string
	// Session is applied to every accepted client. Its Metrics field is
	// set by the server.
	Session session.Options
	// EnableMetrics exposes /metrics.
	EnableMetrics bool
	// ProxyProtocol accepts a PROXY protocol header on incoming
	// connections so client addresses survive a load balancer.
	ProxyProtocol bool
	// ShutdownTimeout bounds Stop. Defaults to 2s.
	ShutdownTimeout time.Duration
}

// Server accepts WebSocket clients and gives each one its own session with
// its own stream connection.
type Server struct {
	opts     Options
	upgrader websocket.Upgrader
	metrics  *metrics.Collector
	mux      *http.ServeMux

	httpServer *http.Server
	listener   net.Listener

	mu        sync.RWMutex
	sessions  map[string]*session.Session
	running   bool
	startTime time.Time

	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	stopOnce    sync.Once
	stopReq     chan struct{}
	stopReqOnce sync.Once
}

// New creates a server. Nothing listens until Listen or Start is called.
func New(opts Options) *Server {
	if opts.Path == "" {
		opts.Path = "/"
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 2 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts: opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // viewers are served from anywhere
			},
		},
		metrics:  metrics.New(),
		mux:      http.NewServeMux(),
		sessions: make(map[string]*session.Session),
		ctx:      ctx,
		cancel:   cancel,
		stopReq:  make(chan struct{}),
	}
	s.opts.Session.Metrics = s.metrics
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/sessions", s.handleSessions)
	s.mux.HandleFunc("POST /api/server/shutdown", s.handleShutdown)
	if s.opts.EnableMetrics {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}
	// The path is matched exactly in handleWebSocket, never parsed as a
	// mux pattern.
	s.mux.HandleFunc("/", s.handleWebSocket)
}

// Listen binds the listen address. A bind failure is fatal for the caller:
// the bridge cannot serve without it.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return ErrServerRunning
	}
	l, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", s.opts.Addr)
	}
	if s.opts.ProxyProtocol {
		l = &proxyproto.Listener{Listener: l, ReadHeaderTimeout: 10 * time.Second}
	}
	s.listener = l
	return nil
}

// Serve accepts clients until Stop is called. It returns nil after Stop.
func (s *Server) Serve() error {
	s.mu.Lock()
	if s.listener == nil {
		s.mu.Unlock()
		return errors.New("server is not listening")
	}
	if s.running {
		s.mu.Unlock()
		return ErrServerRunning
	}
	s.running = true
	s.startTime = time.Now()
	s.httpServer = &http.Server{
		Handler:           loggingMiddleware(s.mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpServer, listener := s.httpServer, s.listener
	s.mu.Unlock()

	util.GetLogger().Info("Bridge listening",
		"addr", listener.Addr().String(),
		"path", s.opts.Path,
		"stream", s.opts.Session.StreamAddr)

	if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "server stopped unexpectedly")
	}
	return nil
}

// Start listens and serves, blocking until Stop.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Stop stops accepting clients and closes every open session.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		// addSession checks ctx under the same lock, so no session can
		// join the wait group once Wait starts.
		s.mu.Lock()
		s.cancel()
		httpServer, listener := s.httpServer, s.listener
		s.mu.Unlock()

		if httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
			defer cancel()
			if err := httpServer.Shutdown(ctx); err != nil {
				util.GetLogger().Warn("HTTP server shutdown error", "error", err)
				httpServer.Close()
			}
		} else if listener != nil {
			listener.Close()
		}

		// hijacked connections are not tracked by Shutdown
		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(s.opts.ShutdownTimeout):
			util.GetLogger().Warn("Sessions still closing after shutdown timeout", "sessions", len(s.ListSessions()))
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		util.GetLogger().Info("Bridge stopped")
	})
	return nil
}

// Addr returns the bound listen address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// IsRunning returns whether the server is serving
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// GetUptime returns server uptime
func (s *Server) GetUptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return 0
	}
	return time.Since(s.startTime)
}

// Metrics returns the server's collector
func (s *Server) Metrics() *metrics.Collector {
	return s.metrics
}

// ShutdownRequested is closed when a client asks the server to stop through
// the API. The owner of the server decides what to do with it.
func (s *Server) ShutdownRequested() <-chan struct{} {
	return s.stopReq
}

func (s *Server) requestShutdown() {
	s.stopReqOnce.Do(func() { close(s.stopReq) })
}

// ListSessions returns a snapshot of all open sessions
func (s *Server) ListSessions() []session.Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]session.Info, 0, len(s.sessions))
	for _, sess := range s.sessions {
		infos = append(infos, sess.Info())
	}
	return infos
}

// GetSession returns an open session by id
func (s *Server) GetSession(id string) (*session.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *Server) addSession(sess *session.Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.sessions[sess.ID()] = sess
	s.wg.Add(1)
	return true
}

func (s *Server) removeSession(sess *session.Session) {
	s.mu.Lock()
	delete(s.sessions, sess.ID())
	s.mu.Unlock()
	s.wg.Done()
}

// handleWebSocket upgrades a client and runs its session on the
// connection's goroutine.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != s.opts.Path {
		http.NotFound(w, r)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.GetLogger().Warn("Failed to upgrade WebSocket", "remote", r.RemoteAddr, "error", err)
		return
	}

	sess := session.New(conn, r.RemoteAddr, s.opts.Session)
	if !s.addSession(sess) {
		conn.Close()
		return
	}
	defer s.removeSession(sess)

	if err := sess.Run(s.ctx); err != nil {
		util.GetLogger().Warn("Session ended with error", "session", sess.ID(), "error", err)
	}
}
