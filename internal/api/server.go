// Package api serves the status and admin endpoints of the trading loop.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"convergence-trading-bot/internal/auth"
	"convergence-trading-bot/internal/autopilot"
	"convergence-trading-bot/internal/database"
	"convergence-trading-bot/internal/logging"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// BotAPI is what the server needs from the trading loop
type BotAPI interface {
	Status() autopilot.Status
	Halt(reason string)
	ClearHalt()
}

// EventJournal returns recently recorded decision events
type EventJournal interface {
	Recent(ctx context.Context, symbol string, limit int) ([]database.JournalEntry, error)
}

// HealthChecker reports backing store health
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// StatsProvider reports the state of an auxiliary component
type StatsProvider interface {
	GetStats() map[string]interface{}
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Host           string
	ProductionMode bool
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// Options carries the optional collaborators. Nil fields disable the
// matching feature.
type Options struct {
	JWTManager *auth.JWTManager
	Journal    EventJournal
	DB         HealthChecker
	Gatherer   prometheus.Gatherer
	Stream     StatsProvider // optional price stream
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	bot         BotAPI
	config      ServerConfig
	jwtManager  *auth.JWTManager
	authEnabled bool
	journal     EventJournal
	db          HealthChecker
	stream      StatsProvider
	gatherer    prometheus.Gatherer
	startedAt   time.Time
	logger      *logging.Logger
}

// NewServer creates a new API server
func NewServer(config ServerConfig, bot BotAPI, opts Options, logger *logging.Logger) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
	if logger == nil {
		logger = logging.Default()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = config.AllowedOrigins
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = []string{"http://localhost:5173"}
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	server := &Server{
		router:      router,
		bot:         bot,
		config:      config,
		jwtManager:  opts.JWTManager,
		authEnabled: opts.JWTManager != nil,
		journal:     opts.Journal,
		db:          opts.DB,
		stream:      opts.Stream,
		gatherer:    gatherer,
		startedAt:   time.Now(),
		logger:      logger.WithComponent("API"),
	}

	server.setupRoutes()
	return server
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	api := s.router.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/events", s.handleEvents)

	admin := api.Group("")
	if s.authEnabled {
		admin.Use(auth.Middleware(s.jwtManager), auth.RequireAdmin())
	} else {
		s.logger.Warn("Admin endpoints are served without authentication")
	}
	admin.POST("/halt", s.handleHalt)
	admin.DELETE("/halt", s.handleClearHalt)
}

// Handler exposes the router, e.g. for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "addr", addr, "auth", s.authEnabled)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

// requestLogger writes one structured line per request
func requestLogger(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		l := logging.APIContext(logger, c.Request.Method, path, c.Writer.Status()).WithDuration(time.Since(start))
		if c.Writer.Status() >= http.StatusInternalServerError {
			l.Warn("Request failed")
			return
		}
		l.Debug("Request served")
	}
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

// successResponse is a helper to send success responses
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
