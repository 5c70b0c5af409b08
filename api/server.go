// Package api exposes the pipeline control plane over HTTP: lifecycle
// commands, status/stats/health snapshots, the final-signal feed, the
// WebSocket endpoint and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/quantfleet/cascade/internal/config"
	"github.com/quantfleet/cascade/internal/orchestrator"
	"github.com/quantfleet/cascade/internal/streams"
	"github.com/quantfleet/cascade/internal/ws"
	"github.com/quantfleet/cascade/pkg/models"
)

const (
	defaultSignalLimit = 20
	maxSignalLimit     = 200
)

// Controller is the orchestrator surface the control plane drives.
type Controller interface {
	Start(ctx context.Context) error
	Stop() error
	Status() orchestrator.Status
	Stats() orchestrator.Stats
	Health() orchestrator.Health
}

// Server serves the HTTP control plane and the WebSocket endpoint.
type Server struct {
	cfg      config.ServerConfig
	logger   *zap.Logger
	ctrl     Controller
	store    streams.Store
	registry *ws.Registry

	httpSrv *http.Server
}

// NewServer creates the control-plane server.
func NewServer(cfg config.ServerConfig, logger *zap.Logger, ctrl Controller, store streams.Store, registry *ws.Registry) *Server {
	return &Server{
		cfg:      cfg,
		logger:   logger,
		ctrl:     ctrl,
		store:    store,
		registry: registry,
	}
}

// Router builds the Gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()

	router.Use(ginzap.Ginzap(s.logger, "2006-01-02T15:04:05Z07:00", true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))
	router.Use(otelgin.Middleware("cascade"))
	router.Use(cors.Default())

	// Liveness probe, separate from the graded pipeline health below.
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", s.handleWebSocket)

	api := router.Group("/api")
	v1 := api.Group("/v1")
	{
		v1.GET("/status", s.handleStatus)
		v1.GET("/stats", s.handleStats)
		v1.GET("/health", s.handleHealth)
		v1.GET("/signals", s.handleSignals)
		v1.POST("/start", s.handleStart)
		v1.POST("/stop", s.handleStop)
	}

	return router
}

// Run starts listening and blocks until the listener fails or Shutdown
// is called.
func (s *Server) Run() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("control plane listening", zap.String("addr", addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctrl.Stats())
}

func (s *Server) handleHealth(c *gin.Context) {
	health := s.ctrl.Health()
	status := http.StatusOK
	if health.Status == orchestrator.HealthCritical {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, health)
}

func (s *Server) handleStart(c *gin.Context) {
	// Pools outlive the request, so they start under the process
	// context rather than the request's.
	if err := s.ctrl.Start(context.Background()); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "started"})
}

func (s *Server) handleStop(c *gin.Context) {
	if err := s.ctrl.Stop(); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

// handleSignals returns the most recent final-stream decisions, newest
// first.
func (s *Server) handleSignals(c *gin.Context) {
	limit := defaultSignalLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid limit %q", raw)})
			return
		}
		limit = parsed
	}
	if limit > maxSignalLimit {
		limit = maxSignalLimit
	}

	entries, err := s.store.Tail(c.Request.Context(), models.StreamFinal, int64(limit))
	if err != nil {
		s.writeError(c, err)
		return
	}

	signals := make([]*models.Signal, 0, len(entries))
	for _, entry := range entries {
		sig, err := models.DecodeSignal(entry.ID, entry.Values)
		if err != nil {
			s.logger.Warn("skipping undecodable final entry",
				zap.String("id", entry.ID),
				zap.Error(err))
			continue
		}
		signals = append(signals, sig)
	}

	c.JSON(http.StatusOK, gin.H{
		"signals": signals,
		"count":   len(signals),
	})
}

func (s *Server) handleWebSocket(c *gin.Context) {
	ws.Serve(s.registry, s.wsStats, s.logger, c.Writer, c.Request)
}

// wsStats feeds the stats action on WebSocket connections.
func (s *Server) wsStats() any {
	return s.ctrl.Stats()
}

// writeError maps lifecycle conflicts to 409 and everything else to 500.
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, orchestrator.ErrAlreadyRunning) || errors.Is(err, orchestrator.ErrNotRunning) {
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
