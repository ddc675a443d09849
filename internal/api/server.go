// Package api exposes the adaptive session engine over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/adaptive-therapy-server/internal/domain"
	"github.com/adaptive-therapy-server/internal/middleware"
	"github.com/adaptive-therapy-server/internal/notify"
	"github.com/adaptive-therapy-server/internal/service"
)

// Server represents the HTTP server
type Server struct {
	configManager domain.ConfigManager
	engine        *service.Engine
	feed          *notify.RedisNotifier
	log           *logrus.Logger
	router        *gin.Engine
	server        *http.Server
}

// NewServer creates a new HTTP server instance. The notification feed is
// optional; when nil the websocket endpoint reports the feature as disabled.
func NewServer(configManager domain.ConfigManager, engine *service.Engine, feed *notify.RedisNotifier, logger *logrus.Logger) *Server {
	cfg := configManager.GetConfig()

	// Set Gin mode based on environment
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Add middleware
	router.Use(middleware.AuditLogger())
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.Identity())

	server := &Server{
		configManager: configManager,
		engine:        engine,
		feed:          feed,
		log:           logger,
		router:        router,
	}

	// Setup routes
	server.setupRoutes()

	return server
}

// Start starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	cfg := s.configManager.GetServerConfig()
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("HTTP server listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("starting server: %w", err)
	case <-ctx.Done():
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.log.Info("Shutting down HTTP server")
	return s.server.Shutdown(shutdownCtx)
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	// Health check endpoint
	s.router.GET("/health", s.handleHealth)

	// Notification feed
	s.router.GET("/ws/notifications", middleware.RequireIdentity(), s.handleNotificationFeed)

	// API v1 routes
	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/predict", s.handlePredict)

		authed := v1.Group("", middleware.RequireIdentity())
		{
			authed.POST("/plays", s.handleRecordPlay)

			sessions := authed.Group("/sessions")
			{
				sessions.POST("", s.handleCreateSession)
				sessions.GET("", s.handleListSessions)
				sessions.GET("/upcoming", s.handleListUpcoming)
				sessions.GET("/:id", s.handleGetSession)
				sessions.PUT("/:id", s.handleUpdateSession)
				sessions.DELETE("/:id", s.handleDeleteSession)
				sessions.PUT("/:id/games", s.handleAssignGames)
				sessions.GET("/:id/games", s.handleGameWindow)
				sessions.GET("/:id/authorize", s.handleAuthorizePlay)
				sessions.POST("/:id/complete", s.handleCompleteSession)
				sessions.POST("/:id/cancel", s.handleCancelSession)
			}

			authed.GET("/patients/:id/stats", s.handlePatientStats)
		}
	}
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"version":   "1.0.0",
	})
}

// corsMiddleware adds CORS headers to responses
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, X-User-ID, X-User-Role, X-Correlation-ID")
		c.Header("Access-Control-Expose-Headers", "Content-Length, X-Correlation-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
