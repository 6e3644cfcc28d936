package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/asmrobot/CefNet-sub000/internal/engine"
	"github.com/asmrobot/CefNet-sub000/internal/infrastructure/config"
	"github.com/asmrobot/CefNet-sub000/internal/infrastructure/monitoring"
	"github.com/asmrobot/CefNet-sub000/internal/infrastructure/tracing"
	"github.com/asmrobot/CefNet-sub000/internal/ipc"
	"github.com/asmrobot/CefNet-sub000/internal/ipc/ws"
	"github.com/asmrobot/CefNet-sub000/internal/logging"
	"github.com/asmrobot/CefNet-sub000/internal/middleware"
	"github.com/asmrobot/CefNet-sub000/internal/rpc"
)

const shutdownTimeout = 5 * time.Second

// Server wraps the HTTP endpoint and the engine behind it
type Server struct {
	config  *config.Config
	engine  *engine.Engine
	router  *ipc.Router
	rpc     *rpc.Server
	http    *gin.Engine
	tracer  *tracing.Tracer
	metrics *monitoring.Metrics
	logger  *zap.Logger

	mu       sync.Mutex
	links    map[string]*ws.Conn
	listener *http.Server
	closed   bool
}

// New creates a server instance. Nothing listens until Run or Serve.
func New(cfg *config.Config, logger *zap.Logger) *Server {
	if cfg == nil {
		cfg = config.Default()
	}
	logger = logging.OrNop(logger)

	logger.Info("Initializing renderer",
		zap.String("addr", cfg.Transport.Addr),
		zap.String("path", cfg.Transport.Path),
		zap.Duration("timeout", cfg.RPC.Timeout()),
	)

	// Each server registers into its own registry so several can share a
	// process, as they do in tests.
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := monitoring.NewMetrics(reg)
	tracer := tracing.New("renderer", logger)

	s := &Server{
		config:  cfg,
		engine:  engine.New(cfg.Engine, logger, metrics),
		router:  ipc.NewRouter(logger, metrics),
		tracer:  tracer,
		metrics: metrics,
		logger:  logger.Named("server"),
		links:   make(map[string]*ws.Conn),
	}
	s.rpc = rpc.NewServer(s.engine, s.router, rpc.Options{
		Logger:  logger,
		Metrics: metrics,
		Tracer:  tracer,
		Timeout: cfg.RPC.Timeout(),
	})
	s.router.OnClose("server.links", s.forget)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(tracer))
	router.Use(monitoring.Middleware(metrics))

	admission := middleware.DefaultAdmissionConfig()
	admission.PerSecond = cfg.Transport.ConnectRate
	admission.Burst = cfg.Transport.ConnectBurst
	router.GET(cfg.Transport.Path, middleware.Admission(admission, logger), ws.Handler(s.router, ws.Options{
		Logger:  logger,
		Metrics: metrics,
		OnLink:  s.track,
	}))
	router.GET("/healthz", s.health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	s.http = router

	s.logger.Info("Server initialized successfully")
	return s
}

// Engine returns the hosted engine.
func (s *Server) Engine() *engine.Engine { return s.engine }

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler { return s.http }

// Links returns the number of connected peers.
func (s *Server) Links() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.links)
}

func (s *Server) track(conn *ws.Conn) {
	s.mu.Lock()
	closed := s.closed
	if !closed {
		s.links[conn.ID()] = conn
	}
	s.mu.Unlock()

	if closed {
		_ = conn.Close()
	}
}

func (s *Server) forget(link ipc.Link) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.links, link.ID())
}

func (s *Server) health(c *gin.Context) {
	stats := s.engine.Registry().Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"frames":   s.engine.Frames(),
		"links":    s.Links(),
		"records":  stats.Records,
		"handles":  stats.Handles,
		"contexts": stats.Contexts,
	})
}

// Run listens on addr and serves until Close.
func (s *Server) Run(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(l)
}

// Serve serves on l until Close. It returns nil after a clean shutdown.
func (s *Server) Serve(l net.Listener) error {
	srv := &http.Server{Handler: s.http, ReadHeaderTimeout: 10 * time.Second}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return l.Close()
	}
	s.listener = srv
	s.mu.Unlock()

	s.logger.Info("Starting HTTP server", zap.String("addr", l.Addr().String()))
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close drops every link, stops the HTTP server and tears down the
// engine. It is safe to call more than once.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	links := make([]*ws.Conn, 0, len(s.links))
	for _, conn := range s.links {
		links = append(links, conn)
	}
	srv := s.listener
	s.mu.Unlock()

	s.logger.Info("Shutting down server...", zap.Int("links", len(links)))

	for _, conn := range links {
		_ = conn.Close()
	}
	for _, conn := range links {
		<-conn.Done()
	}

	var err error
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := srv.Shutdown(ctx); shutdownErr != nil {
			s.logger.Error("Failed to stop HTTP server", zap.Error(shutdownErr))
			err = fmt.Errorf("failed to stop HTTP server: %w", shutdownErr)
		}
	}

	s.rpc.Close()
	s.engine.Close()
	s.tracer.Close()
	_ = s.logger.Sync()

	return err
}
