// Package server hosts the lobby connection engine: the websocket endpoint,
// the per-session lifecycle, and the admin surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lobbyrelay/lobbyrelay/internal/auth"
	"github.com/lobbyrelay/lobbyrelay/internal/config"
	"github.com/lobbyrelay/lobbyrelay/internal/directory"
	"github.com/lobbyrelay/lobbyrelay/internal/protocol"
	"github.com/lobbyrelay/lobbyrelay/internal/registry"
	"github.com/lobbyrelay/lobbyrelay/internal/relay"
)

// Options carries the engine's collaborators. The composition root builds
// everything once and hands it over; the server owns no construction of its
// own dependencies.
type Options struct {
	Config    config.Config
	Log       *zap.Logger
	Gate      *auth.Gate
	Registry  *registry.Registry
	Relay     *relay.Relay
	Directory directory.Directory
	Metrics   *prometheus.Registry
}

// LobbyServer accepts client connections, runs their sessions, and exposes
// the admin endpoints. One instance per process.
type LobbyServer struct {
	cfg      config.Config
	log      *zap.Logger
	gate     *auth.Gate
	registry *registry.Registry
	relay    *relay.Relay
	dir      directory.Directory

	metrics *lobbyMetrics
	promReg *prometheus.Registry

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*Session

	ready    atomic.Bool
	httpSrv  *http.Server
	adminSrv *http.Server
	addr     atomic.Value // string
}

// New validates options and builds the engine.
func New(opts Options) (*LobbyServer, error) {
	if opts.Gate == nil {
		return nil, errors.New("auth gate is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if opts.Relay == nil {
		return nil, errors.New("relay is required")
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = prometheus.NewRegistry()
	}

	s := &LobbyServer{
		cfg:      opts.Config,
		log:      opts.Log,
		gate:     opts.Gate,
		registry: opts.Registry,
		relay:    opts.Relay,
		dir:      opts.Directory,
		metrics:  newLobbyMetrics(opts.Metrics),
		promReg:  opts.Metrics,
		sessions: make(map[string]*Session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Tokens, not ambient browser credentials, authenticate the
			// session, so cross-origin upgrades are acceptable here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	return s, nil
}

// Start listens on the configured address and serves until ctx is cancelled,
// then drains sessions within the shutdown grace period.
func (s *LobbyServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddress, err)
	}
	s.addr.Store(lis.Addr().String())

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWS)
	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: s.cfg.Admin.ReadHeaderTimeout,
	}

	s.startAdmin()

	go func() {
		<-ctx.Done()
		grace, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
		defer cancel()
		s.Shutdown(grace)
	}()

	s.ready.Store(true)
	s.log.Info("lobby server listening",
		zap.String("addr", lis.Addr().String()),
		zap.String("node", s.relay.NodeID()))

	if err := s.httpSrv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// Addr reports the bound listen address once Start has run.
func (s *LobbyServer) Addr() string {
	if v, ok := s.addr.Load().(string); ok {
		return v
	}
	return ""
}

// Shutdown stops accepting upgrades, tells every session goodbye, and closes
// the listeners.
func (s *LobbyServer) Shutdown(ctx context.Context) {
	s.ready.Store(false)

	s.mu.Lock()
	open := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()

	for _, sess := range open {
		sess.enqueue(protocol.EncodeBye("shutting_down"))
		s.closeSession(sess, websocket.CloseGoingAway, "shutdown")
	}

	if s.adminSrv != nil {
		_ = s.adminSrv.Shutdown(ctx)
	}
	if s.httpSrv != nil {
		_ = s.httpSrv.Shutdown(ctx)
	}
	s.log.Info("lobby server stopped", zap.Int("sessions_drained", len(open)))
}

// HandleWS upgrades the request and runs the session until it closes. A
// token presented on the request itself (Authorization header or the token
// cookie) authenticates the session at upgrade time.
func (s *LobbyServer) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	sess := s.newSession(r.Context(), conn)
	s.trackSession(sess)
	s.metrics.incSession()
	s.log.Debug("session connected",
		zap.String("session_id", sess.id),
		zap.String("remote", r.RemoteAddr))

	go s.writePump(sess)
	s.readLoop(sess, requestToken(r))
}

func (s *LobbyServer) trackSession(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.id] = sess
}

func (s *LobbyServer) removeSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// requestToken extracts a credential from the upgrade request: a bearer
// Authorization header wins over the token cookie.
func requestToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if c, err := r.Cookie("token"); err == nil {
		return c.Value
	}
	return ""
}

func (s *LobbyServer) startAdmin() {
	if s.cfg.AdminAddress == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !s.ready.Load() || !s.relay.Healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	s.adminSrv = &http.Server{
		Addr:              s.cfg.AdminAddress,
		Handler:           mux,
		ReadHeaderTimeout: s.cfg.Admin.ReadHeaderTimeout,
	}
	go func() {
		if err := s.adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("admin server failed", zap.Error(err))
		}
	}()
	s.log.Info("admin server listening", zap.String("addr", s.cfg.AdminAddress))
}
