// internal/web/server.go
package web

import (
	"context"
	"net/http"
	"time"

	"edgewatch/internal/config"
	"edgewatch/internal/database"
	"edgewatch/internal/metrics"
	"edgewatch/internal/monitoring"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// CycleRunner is the part of the monitoring engine the API drives.
type CycleRunner interface {
	RunCycle(ctx context.Context) (*monitoring.CycleResult, error)
	LastCycle() *monitoring.CycleResult
	Running() bool
}

// Notifications is the part of the notification service the API exposes.
type Notifications interface {
	Forward(ctx context.Context, chatID int64, text string) error
	TestNotification(ctx context.Context, message string) error
	GetStats() map[string]interface{}
}

type Server struct {
	config        *config.Config
	store         database.Store
	engine        CycleRunner
	notifications Notifications
	metrics       *metrics.Collector
	router        *gin.Engine
	hub           *Hub
	server        *http.Server
}

func NewServer(cfg *config.Config, store database.Store, engine CycleRunner, notifications Notifications, metricsCollector *metrics.Collector) *Server {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(cfg.Server.AllowedOrigins))

	server := &Server{
		config:        cfg,
		store:         store,
		engine:        engine,
		notifications: notifications,
		metrics:       metricsCollector,
		router:        router,
		hub:           NewHub(cfg.Server.AllowedOrigins, metricsCollector),
	}

	server.setupRoutes()
	return server
}

// Hub returns the websocket hub so it can be registered as an event notifier.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Server.Port,
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	logrus.WithField("port", s.config.Server.Port).Info("Starting web server")

	go s.updateMetricsRoutine(ctx)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("Failed to start server")
		}
	}()

	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.hub.Close()
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) setupRoutes() {
	s.router.GET("/favicon.ico", s.serveFavicon)

	api := s.router.Group("/api")
	{
		api.GET("/hosts", s.getHosts)
		api.GET("/hosts/:id", s.getHost)
		api.GET("/host/:id", s.getHostStatus)
		api.GET("/stargates/:code/hosts", s.getStargateHosts)
		api.GET("/locations", s.getLocations)

		api.POST("/update/:token", s.forwardUpdate)
		api.POST("/subscriptions", s.createSubscription)
		api.DELETE("/subscriptions/:token", s.deleteSubscription)

		api.POST("/cycle", s.triggerCycle)
		api.GET("/cycle", s.getLastCycle)

		api.GET("/stats", s.getStats)
		api.GET("/health", s.healthCheck)
		api.GET("/build-info", s.getBuildInfo)
	}

	s.setupNotificationRoutes(api)

	s.router.GET("/ws", s.handleWebSocket)

	if s.config.Prometheus.Enabled {
		s.router.GET(s.config.Prometheus.MetricsPath, gin.WrapH(promhttp.Handler()))
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	status := gin.H{
		"status":        "healthy",
		"timestamp":     time.Now(),
		"version":       Version,
		"cycle_running": s.engine.Running(),
	}
	if last := s.engine.LastCycle(); last != nil {
		status["last_cycle"] = last.StartedAt
		status["last_outcome"] = last.Outcome
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) getStats(c *gin.Context) {
	stats, err := s.store.Stats(c.Request.Context())
	if err != nil {
		logrus.WithError(err).Error("Failed to get registry stats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get stats"})
		return
	}

	data := gin.H{
		"registry":          stats,
		"websocket_clients": s.hub.Count(),
	}
	if last := s.engine.LastCycle(); last != nil {
		data["last_cycle"] = last
	}
	if s.notifications != nil {
		data["notifications"] = s.notifications.GetStats()
	}

	c.JSON(http.StatusOK, gin.H{"data": data})
}

func (s *Server) updateMetricsRoutine(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.metrics.UpdateRegistryMetrics(ctx); err != nil {
				logrus.WithError(err).Error("Failed to update registry metrics")
			}
		}
	}
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := "*"
		if len(allowedOrigins) > 0 {
			origin = ""
			if requested := c.GetHeader("Origin"); originAllowed(allowedOrigins, requested) {
				origin = requested
			}
		}
		if origin != "" {
			c.Header("Access-Control-Allow-Origin", origin)
		}
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func originAllowed(allowed []string, origin string) bool {
	if origin == "" {
		return false
	}
	for _, o := range allowed {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}
