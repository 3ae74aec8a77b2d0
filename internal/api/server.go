package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"maya-licensing/internal/cache"
	"maya-licensing/internal/database"
	"maya-licensing/internal/license"
)

// RateLimiter provides simple in-memory rate limiting per client key
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int           // max requests
	window   time.Duration // time window
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

// AdminStore is the read surface behind the admin listing endpoints.
// *database.Repository satisfies it.
type AdminStore interface {
	ListLicenses(ctx context.Context, activeOnly bool, limit, offset int) ([]database.License, int, error)
	GetLicenseStats(ctx context.Context) (*database.LicenseStats, error)
}

// Server represents the HTTP API server
type Server struct {
	router       *gin.Engine
	httpServer   *http.Server
	engine       *license.Engine
	repo         AdminStore
	verdictCache *cache.VerdictCache // nil when Redis is disabled
	config       ServerConfig
	adminKey     string
	rateLimiter  *RateLimiter
	logger       zerolog.Logger
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Host           string
	ProductionMode bool
	AllowedOrigins string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// NewServer creates a new API server
func NewServer(
	config ServerConfig,
	engine *license.Engine,
	repo AdminStore,
	verdictCache *cache.VerdictCache, // can be nil
	adminKey string,
	logger zerolog.Logger,
) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if config.AllowedOrigins == "" || config.AllowedOrigins == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = strings.Split(config.AllowedOrigins, ",")
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:       router,
		engine:       engine,
		repo:         repo,
		verdictCache: verdictCache,
		config:       config,
		adminKey:     adminKey,
		rateLimiter:  NewRateLimiter(120, time.Minute),
		logger:       logger,
	}

	server.setupRoutes()

	return server
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.POST("/check", s.rateLimitMiddleware(), s.handleCheck)

	// Admin endpoints, gated on the operator key
	s.router.POST("/issue", s.handleIssue)
	s.router.POST("/renew", s.handleRenew)
	s.router.POST("/reset_devices", s.handleResetDevices)
	s.router.GET("/licenses", s.handleListLicenses)
	s.router.GET("/licenses/stats", s.handleLicenseStats)
}

// rateLimitMiddleware limits check-ins per client address
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.rateLimiter.Allow(c.ClientIP()) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "Rate limit exceeded",
				"message": "Too many check-ins from this address. Please slow down.",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info().Str("addr", addr).Msg("license server listening")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the gin router, used by tests.
func (s *Server) Router() http.Handler {
	return s.router
}
