// Package httpapi exposes the relay's HTTP surface: the WebSocket session
// endpoint plus health and stats.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/marketpulse/eventrelay/internal/broadcast"
	"github.com/marketpulse/eventrelay/internal/buffer"
	"github.com/marketpulse/eventrelay/internal/pool"
	"github.com/marketpulse/eventrelay/internal/router"
	"github.com/marketpulse/eventrelay/internal/stats"
)

// Config holds server settings.
type Config struct {
	Addr string
}

// Deps are the components the endpoints read from. Pool, Router, and Buffer
// may be nil when the deployment does not run them.
type Deps struct {
	Collector *stats.Collector
	Hub       *broadcast.Hub
	Pool      pool.Provider
	Router    router.Router
	Buffer    *buffer.StreamingBuffer
}

// Server is the gin-backed HTTP frontend.
type Server struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	engine   *gin.Engine
	srv      *http.Server
	upgrader websocket.Upgrader
}

// New builds the server and its routes.
func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "httpapi"),
		engine: engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	engine.GET("/ws", s.handleWS)
	engine.GET("/health", s.handleHealth)
	engine.GET("/stats", s.handleStats)

	return s
}

// Handler exposes the route tree for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start begins serving. Listen errors other than a clean shutdown are logged
// rather than returned, since ListenAndServe only fails asynchronously.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.engine,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info("http server started", "addr", s.cfg.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server failed", "error", err)
		}
	}()

	return nil
}

// Stop drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// handleWS upgrades the connection and attaches it to the broadcast hub.
func (s *Server) handleWS(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id query parameter is required"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s.deps.Hub.Attach(conn, userID)
}

// handleHealth reports overall pipeline health. Degraded and error states
// map to 503 so load balancers can act on them.
func (s *Server) handleHealth(c *gin.Context) {
	upstreamOnline := true
	var poolHealth *pool.HealthStatus
	if s.deps.Pool != nil {
		hs := s.deps.Pool.HealthStatus()
		poolHealth = &hs
		upstreamOnline = s.deps.Pool.Ready()
	}

	health := s.deps.Collector.Health(upstreamOnline)

	code := http.StatusOK
	if health.Status == stats.StatusDegraded || health.Status == stats.StatusError {
		code = http.StatusServiceUnavailable
	}

	body := gin.H{
		"status":         health.Status,
		"stats":          health.Stats,
		"upstreamOnline": health.UpstreamOnline,
	}
	if poolHealth != nil {
		body["connections"] = poolHealth
	}

	c.JSON(code, body)
}

// handleStats exposes counters from every running component.
func (s *Server) handleStats(c *gin.Context) {
	body := gin.H{
		"pipeline":  s.deps.Collector.Snapshot(),
		"broadcast": s.deps.Hub.Stats(),
	}
	if s.deps.Router != nil {
		body["router"] = s.deps.Router.Stats()
	}
	if s.deps.Buffer != nil {
		body["buffer"] = s.deps.Buffer.Stats()
	}
	if s.deps.Pool != nil {
		body["pool"] = s.deps.Pool.HealthStatus()
	}

	c.JSON(http.StatusOK, body)
}
