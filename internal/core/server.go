package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/amoylab/timerbridge/internal/bridge"
	"github.com/amoylab/timerbridge/internal/common/cnst"
	"github.com/amoylab/timerbridge/internal/common/config"
	"github.com/amoylab/timerbridge/internal/session"
	"github.com/amoylab/timerbridge/internal/storage"
	"github.com/amoylab/timerbridge/internal/upstream"
	"github.com/amoylab/timerbridge/pkg/metrics"
	"github.com/amoylab/timerbridge/pkg/trace"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

type (
	// Server accepts downstream sessions and gives each one its own bridge
	// to the timing device
	Server struct {
		logger   *zap.Logger
		cfg      *config.BridgeConfig
		target   string
		instance string
		router   *gin.Engine
		upgrader websocket.Upgrader
		dial     upstream.DialFunc
		metrics  *metrics.Metrics
		tracer   *trace.Builder
		// sessions is the registry of downstream connections
		sessions session.Store
		// history keeps a record of every finished session
		history storage.Store

		mu     sync.RWMutex
		active map[string]*socketSession
		// fanoutSource is the session whose link feeds fanout=all
		fanoutSource string
		wg     sync.WaitGroup
		srv    *http.Server
		// shutdownCh is closed when the server starts shutting down
		shutdownCh   chan struct{}
		shutdownOnce sync.Once
	}

	// Option customizes a Server
	Option func(*Server)
)

// WithDialer replaces the WebSocket dialer used for upstream links
func WithDialer(dial upstream.DialFunc) Option {
	return func(s *Server) { s.dial = dial }
}

// WithMetrics replaces the metrics built from the configuration
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates the bridge server; cfg must have its defaults applied
func NewServer(logger *zap.Logger, cfg *config.BridgeConfig, sessions session.Store, history storage.Store, opts ...Option) (*Server, error) {
	target, err := config.ParseTarget(cfg.Upstream.Target, cfg.Upstream.DefaultPort, cfg.Upstream.Path)
	if err != nil {
		return nil, fmt.Errorf("upstream target: %w", err)
	}

	s := &Server{
		logger:   logger.Named("core"),
		cfg:      cfg,
		target:   target,
		instance: uuid.New().String(),
		router:   gin.New(),
		upgrader: websocket.Upgrader{
			CheckOrigin:      func(*http.Request) bool { return true },
			HandshakeTimeout: 10 * time.Second,
		},
		dial: upstream.DialWebSocket(upstream.DialOptions{
			HandshakeTimeout: cfg.Upstream.DialTimeout,
			WriteTimeout:     cfg.Upstream.WriteTimeout,
		}),
		tracer:     trace.Tracer(cnst.TraceCore),
		sessions:   sessions,
		history:    history,
		active:     make(map[string]*socketSession),
		shutdownCh: make(chan struct{}),
	}
	if cfg.Metrics.Enabled {
		s.metrics = metrics.New(cfg.Metrics)
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router.Use(s.loggerMiddleware())
	s.router.Use(s.recoveryMiddleware())
	if s.metrics != nil {
		s.router.Use(s.metrics.Middleware())
	}
	if cfg.Tracing.Enabled {
		s.router.Use(otelgin.Middleware(cfg.Tracing.ServiceName))
	}
	if cfg.CORS != nil {
		s.router.Use(s.corsMiddleware(cfg.CORS))
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.router.GET("/health_check", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"message": "Health check passed.",
			"target":  s.target,
		})
	})
	s.router.GET("/socket", s.handleSocket)

	api := s.router.Group("/api")
	api.GET("/sessions", s.handleListSessions)
	api.GET("/sessions/history", s.handleListHistory)

	if s.metrics != nil {
		s.router.GET(s.cfg.Metrics.Path, gin.WrapH(s.metrics.Handler()))
	}
}

// Handler exposes the routes, mainly for httptest servers
func (s *Server) Handler() http.Handler {
	return s.router
}

// Target is the resolved upstream URL every session dials
func (s *Server) Target() string {
	return s.target
}

// ListenAndServe serves on the configured port until Shutdown
func (s *Server) ListenAndServe() error {
	s.mu.Lock()
	select {
	case <-s.shutdownCh:
		s.mu.Unlock()
		return nil
	default:
	}
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.srv
	s.mu.Unlock()

	s.logger.Info("bridge listening",
		zap.Int("port", s.cfg.Port),
		zap.String("target", s.target))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting sessions, tears down every active one and
// waits for their handlers to finish or ctx to expire
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })

	s.mu.RLock()
	srv := s.srv
	for _, ss := range s.active {
		ss.kick()
	}
	s.mu.RUnlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (s *Server) track(ss *socketSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.shutdownCh:
		return false
	default:
	}
	s.active[ss.id] = ss
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(id string) {
	s.mu.Lock()
	if _, ok := s.active[id]; ok {
		delete(s.active, id)
		s.wg.Done()
	}
	s.mu.Unlock()
}

// claimFanout reports whether notifications read by id's link are the ones
// broadcast. Every session dials the device and the device notifies every
// client, so one live link per instance is enough. The claim passes on once
// the holder leaves or its link is no longer active.
func (s *Server) claimFanout(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == s.fanoutSource {
		return true
	}
	if cur, ok := s.active[s.fanoutSource]; ok && cur.bridge.State() == bridge.StateActive {
		return false
	}
	s.fanoutSource = id
	return true
}

// localConns snapshots the connections held by this instance
func (s *Server) localConns() []session.Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conns := make([]session.Connection, 0, len(s.active))
	for _, ss := range s.active {
		conns = append(conns, ss.conn)
	}
	return conns
}

func (s *Server) bridgeOf(id string) *bridge.SessionBridge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ss, ok := s.active[id]; ok {
		return ss.bridge
	}
	return nil
}
