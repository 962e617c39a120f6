package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"bybit-pullback-bot/config"
	"bybit-pullback-bot/internal/journal"
	"bybit-pullback-bot/internal/logging"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// RateLimiter provides simple in-memory rate limiting per endpoint
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks if a request is allowed for the given key
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// Engine defines the methods the trading engine must expose to the API
type Engine interface {
	GetStatus() map[string]interface{}
	ChartData(symbol string) map[string]interface{}
	ToggleTrading() bool
	TradingEnabled() bool
	EquityHistory(limit int) []journal.EquityPoint
	TradeHistory(limit int) []journal.Trade
	Symbols() []string
	ConfigSummary() map[string]interface{}
	UpdateLeverage(ctx context.Context, leverage int) error
	UpdateMarginMode(ctx context.Context, mode string) error
	UpdatePositionSize(size float64)
}

// Server represents the HTTP control API server
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	engine      Engine
	config      config.ServerConfig
	rateLimiter *RateLimiter
	logger      *logging.Logger
}

// NewServer creates a new control API server
func NewServer(cfg config.ServerConfig, engine Engine) *Server {
	if cfg.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:      router,
		engine:      engine,
		config:      cfg,
		rateLimiter: NewRateLimiter(120, time.Minute),
		logger:      logging.Default().WithComponent("api"),
	}

	server.setupRoutes()
	return server
}

// rateLimitMiddleware rate limits requests by endpoint path
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		if !s.rateLimiter.Allow(path) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "Rate limit exceeded",
				"message": "Too many requests to this endpoint",
				"path":    path,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	api.Use(s.rateLimitMiddleware())
	{
		api.GET("/status", s.handleStatus)
		api.POST("/toggle-trading", s.handleToggleTrading)
		api.GET("/equity-history", s.handleEquityHistory)
		api.GET("/trade-history", s.handleTradeHistory)
		api.GET("/symbol/:symbol/chart-data", s.handleChartData)
		api.GET("/config", s.handleGetConfig)
		api.POST("/config/update", s.handleUpdateConfig)
	}
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "addr", addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Router exposes the gin engine, used by tests
func (s *Server) Router() http.Handler {
	return s.router
}
