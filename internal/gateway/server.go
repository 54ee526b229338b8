// Package gateway accepts device connections, drives each one through the
// login/heartbeat/event state machine and serves the HTTP control API.
package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/liteclaw/devicegate/internal/certs"
	"github.com/liteclaw/devicegate/internal/clock"
	"github.com/liteclaw/devicegate/internal/config"
	"github.com/liteclaw/devicegate/internal/flow"
	"github.com/liteclaw/devicegate/internal/pool"
	"github.com/liteclaw/devicegate/internal/session"
	"github.com/liteclaw/devicegate/internal/sweeper"
	"github.com/liteclaw/devicegate/internal/telemetry"
)

// Deps are the shared components a Server works against. Registry, Binder
// and Pool are required; the rest fall back to defaults.
type Deps struct {
	Registry  *session.Registry
	Binder    *session.Binder
	Pool      *pool.Pool
	Flows     *flow.Tracker
	Reporter  telemetry.Reporter
	Fallback  FallbackHandler
	Certs     certs.Source
	Scheduler *sweeper.Scheduler
}

// Server represents the devicegate gateway server.
type Server struct {
	cfg       *config.Config
	registry  *session.Registry
	binder    *session.Binder
	pool      *pool.Pool
	flows     *flow.Tracker
	reporter  telemetry.Reporter
	fallback  FallbackHandler
	certs     certs.Source
	scheduler *sweeper.Scheduler

	echo   *echo.Echo
	logger zerolog.Logger

	// ctx bounds background work started on behalf of connections.
	ctx    context.Context
	cancel context.CancelFunc
	conns  sync.WaitGroup
	tasks  sync.WaitGroup

	// Runtime state
	mu        sync.RWMutex
	running   bool
	startTime time.Time
	listeners map[string]net.Listener
	draining  atomic.Bool
}

// New creates a new gateway server.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) *Server {
	logger = logger.With().Str("component", "gateway").Logger()

	if deps.Flows == nil {
		deps.Flows = flow.NewTracker(clock.NewMonotonic())
	}
	if deps.Reporter == nil {
		deps.Reporter = telemetry.Nop{}
	}
	if deps.Fallback == nil {
		deps.Fallback = &DefaultFallback{
			Pool:        deps.Pool,
			Binder:      deps.Binder,
			KeepWarm:    cfg.Instance.KeepWarmOnError,
			ExpireGrace: cfg.Bind.ExpireGrace,
			Timeout:     cfg.Browser.Timeout,
			Logger:      logger,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = NewCustomValidator()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		registry:  deps.Registry,
		binder:    deps.Binder,
		pool:      deps.Pool,
		flows:     deps.Flows,
		reporter:  deps.Reporter,
		fallback:  deps.Fallback,
		certs:     deps.Certs,
		scheduler: deps.Scheduler,
		echo:      e,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[string]net.Listener),
	}
	e.HTTPErrorHandler = s.handleHTTPError
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// Listener names used by Addr.
const (
	ListenerTCP = "tcp"
	ListenerTLS = "tls"
	ListenerAPI = "api"
)

// Start opens the device listeners and the API listener and serves them in
// the background. It returns once every listener is bound.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("gateway already running")
	}
	s.running = true
	s.startTime = time.Now()
	s.mu.Unlock()

	if addr := s.cfg.Gateway.Listen; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		s.addListener(ListenerTCP, ln)
		go s.serveListener(ListenerTCP, ln)
	}

	if tc := s.cfg.Gateway.TLS; tc.Enabled {
		if s.certs == nil {
			return errors.New("tls enabled but no certificate source configured")
		}
		ln, err := tls.Listen("tcp", tc.Listen, certs.ServerConfig(s.certs))
		if err != nil {
			return fmt.Errorf("listen tls %s: %w", tc.Listen, err)
		}
		s.addListener(ListenerTLS, ln)
		go s.serveListener(ListenerTLS, ln)
	}

	if addr := s.cfg.Gateway.API.Listen; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen api %s: %w", addr, err)
		}
		s.addListener(ListenerAPI, ln)
		s.echo.Listener = ln
		go func() {
			if err := s.echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error().Err(err).Msg("API server failed")
			}
		}()
	}

	s.printStartupBanner()
	return nil
}

// Run starts the server, blocks until ctx is done and shuts down within
// grace.
func (s *Server) Run(ctx context.Context, grace time.Duration) error {
	if err := s.Start(); err != nil {
		_ = s.Shutdown(context.Background())
		return err
	}
	<-ctx.Done()

	s.logger.Info().Msg("Shutting down gateway server...")
	sctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := s.Shutdown(sctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info().Msg("Server stopped")
	return nil
}

func (s *Server) addListener(name string, ln net.Listener) {
	s.mu.Lock()
	s.listeners[name] = ln
	s.mu.Unlock()
	s.logger.Info().Str("listener", name).Str("addr", ln.Addr().String()).Msg("Listening")
}

// Addr returns the bound address of the named listener, or nil.
func (s *Server) Addr(name string) net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ln, ok := s.listeners[name]; ok {
		return ln.Addr()
	}
	return nil
}

// Serve accepts device connections on ln until it is closed.
func (s *Server) Serve(ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if s.draining.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Warn().Err(err).Msg("Accept error")
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return err
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.serveTransport(c)
		}()
	}
}

func (s *Server) serveListener(name string, ln net.Listener) {
	if err := s.Serve(ln); err != nil {
		s.logger.Error().Err(err).Str("listener", name).Msg("Listener failed")
	}
}

// ServeConn runs the protocol on an already established connection and
// returns when it has been torn down.
func (s *Server) ServeConn(c net.Conn) {
	s.conns.Add(1)
	defer s.conns.Done()
	s.serveTransport(c)
}

func (s *Server) serveTransport(rw transport) {
	if s.draining.Load() {
		_ = rw.Close()
		return
	}
	newConn(s, rw).serve(s.ctx)
}

// Shutdown stops accepting, closes every device connection, waits for their
// teardown and releases all instances. It honours ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.draining.Store(true)

	s.mu.Lock()
	for name, ln := range s.listeners {
		if name != ListenerAPI {
			_ = ln.Close()
		}
	}
	s.running = false
	s.mu.Unlock()

	var errs []error
	if err := s.echo.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("api: %w", err))
	}

	for _, e := range s.registry.Entries() {
		_ = e.Channel.Close(ReasonShutdown)
	}
	s.cancel()

	if err := wait(ctx, &s.conns, &s.tasks); err != nil {
		errs = append(errs, fmt.Errorf("connections: %w", err))
	}
	if err := s.pool.DeleteAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("instances: %w", err))
	}
	return errors.Join(errs...)
}

func wait(ctx context.Context, groups ...*sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		for _, g := range groups {
			g.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// setupMiddleware configures Echo middleware.
func (s *Server) setupMiddleware() {
	// Request logging
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:      true,
		LogStatus:   true,
		LogMethod:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("remote", v.RemoteIP).
				Msg("request")
			return nil
		},
	}))

	// Recover from panics
	s.echo.Use(middleware.Recover())

	// Rate Limiting (Global)
	s.echo.Use(s.RateLimitMiddleware())
}

// setupRoutes configures HTTP routes.
func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.handleHealth)

	// Device bridge: same binary frames, one per WebSocket message.
	s.echo.GET("/device", s.handleDeviceSocket)

	api := s.echo.Group("/api")
	api.Use(s.AuthMiddleware)
	{
		api.GET("/status", s.handleStatus)
		api.GET("/sessions", s.handleListSessions)
		api.DELETE("/sessions/:key", s.handleKickSession)

		api.POST("/binds", s.handleCreateBind)
		api.GET("/binds", s.handleListBinds)
		api.GET("/binds/:key", s.handleGetBind)
		api.DELETE("/binds/:key", s.handleDeleteBind)

		api.GET("/instances", s.handleListInstances)
		api.DELETE("/instances/:key", s.handleDeleteInstance)

		api.GET("/sweeps", s.handleListSweeps)
		api.POST("/sweeps/:name/run", s.handleRunSweep)
	}
}

// Handler exposes the HTTP API, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) printStartupBanner() {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return
	}
	fmt.Println()
	fmt.Println("  devicegate")
	fmt.Println("  ==========")
	if a := s.Addr(ListenerTCP); a != nil {
		fmt.Printf("  ✓ Devices (tcp):   %s\n", a)
	}
	if a := s.Addr(ListenerTLS); a != nil {
		fmt.Printf("  ✓ Devices (tls):   %s\n", a)
	}
	if a := s.Addr(ListenerAPI); a != nil {
		fmt.Printf("  ✓ Control API:     http://%s\n", a)
		fmt.Printf("  ✓ Device bridge:   ws://%s/device\n", a)
	}
	fmt.Println()
	fmt.Println("  Press Ctrl+C to stop")
	fmt.Println()
}

// IsRunning returns whether the gateway is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Uptime returns how long the gateway has been running.
func (s *Server) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return 0
	}
	return time.Since(s.startTime)
}
