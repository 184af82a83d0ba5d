// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/kestrelhq/fraudscan/internal/apikey"
	"github.com/kestrelhq/fraudscan/internal/config"
	"github.com/kestrelhq/fraudscan/internal/fraud"
	"github.com/kestrelhq/fraudscan/internal/geoip"
	"github.com/kestrelhq/fraudscan/internal/health"
	"github.com/kestrelhq/fraudscan/internal/idgen"
	"github.com/kestrelhq/fraudscan/internal/logging"
	"github.com/kestrelhq/fraudscan/internal/metrics"
	"github.com/kestrelhq/fraudscan/internal/ratelimit"
	"github.com/kestrelhq/fraudscan/internal/realtime"
	"github.com/kestrelhq/fraudscan/internal/security"
	"github.com/kestrelhq/fraudscan/internal/usage"
	"github.com/kestrelhq/fraudscan/internal/validation"
	"github.com/kestrelhq/fraudscan/internal/webhooks"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	keys         *apikey.Manager
	analyzer     *fraud.Analyzer
	verifier     *fraud.Verifier
	fraudHandler *fraud.Handler
	usageHandler *usage.Handler
	hookHandler  *webhooks.Handler
	recorder     *usage.Recorder
	realtimeHub  *realtime.Hub
	geo          *geoip.Resolver
	rateLimiter  *ratelimit.Limiter
	redisLimiter *ratelimit.RedisLimiter
	checks       *health.Registry
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFmt),
		checks: health.NewRegistry(),
	}

	// Apply options first (may set logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		assessStore fraud.Store
		keyStore    apikey.Store
		usageStore  usage.Store
		hookStore   webhooks.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		fraudStore := fraud.NewPostgresStore(db)
		if err := fraudStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate assessments store", "error", err)
		}
		assessStore = fraudStore

		apikeyStore := apikey.NewPostgresStore(db)
		if err := apikeyStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate api key store", "error", err)
		}
		keyStore = apikeyStore

		usagePG := usage.NewPostgresStore(db)
		if err := usagePG.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate usage store", "error", err)
		}
		usageStore = usagePG

		hooksPG := webhooks.NewPostgresStore(db)
		if err := hooksPG.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate webhook store", "error", err)
		}
		hookStore = hooksPG

		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		assessStore = fraud.NewMemoryStore()
		keyStore = apikey.NewMemoryStore()
		usageStore = usage.NewMemoryStore()
		hookStore = webhooks.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// API key gateway
	s.keys = apikey.NewManager(keyStore)
	s.logger.Info("API authentication enabled")

	// Usage metering (async, best-effort)
	s.recorder = usage.NewRecorder(usageStore, s.logger)
	s.usageHandler = usage.NewHandler(usageStore)

	// Detection engine with configured thresholds
	fraudCfg := fraud.Config{
		MaxRealisticSpeedKmh: cfg.MaxRealisticSpeedKmh,
		LargeAmountThreshold: cfg.LargeAmountThreshold,
		VelocityCount:        cfg.VelocityCountThreshold,
		CategoryDiversity:    cfg.CategoryDiversityLimit,
	}
	s.analyzer = fraud.NewAnalyzer(fraudCfg, assessStore)
	s.verifier = fraud.NewVerifier(fraudCfg, assessStore)

	// Create realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)
	s.logger.Info("realtime streaming enabled")

	// Webhook delivery for fraud events
	dispatcher := webhooks.NewDispatcher(hookStore)
	s.hookHandler = webhooks.NewHandler(hookStore)

	// Fraud events fan out to WebSocket clients and webhook subscribers
	emitters := fanoutEmitter{s.realtimeHub, webhooks.NewEmitter(dispatcher, s.logger)}

	s.fraudHandler = fraud.NewHandler(s.analyzer, s.verifier).
		WithDefaultTimeframe(cfg.DefaultTimeframeHours).
		WithEvents(emitters)

	// Optional GeoIP enrichment
	if cfg.GeoIPDBPath != "" {
		resolver, err := geoip.Open(cfg.GeoIPDBPath)
		if err != nil {
			s.logger.Warn("failed to open GeoIP database, enrichment disabled",
				"path", cfg.GeoIPDBPath, "error", err)
		} else {
			s.geo = resolver
			s.fraudHandler = s.fraudHandler.WithResolver(resolver)
			s.logger.Info("GeoIP enrichment enabled", "path", cfg.GeoIPDBPath)
		}
	}

	// Optional Redis-backed rate limiting (shared across replicas)
	if cfg.RedisURL != "" {
		rl, err := ratelimit.NewRedisLimiter(ctx, cfg.RedisURL, s.logger)
		if err != nil {
			s.logger.Warn("failed to connect to Redis, using in-process rate limiting",
				"error", err)
		} else {
			s.redisLimiter = rl
			s.logger.Info("Redis rate limiting enabled")
		}
	}

	// Demo mode: seed one key so the API is immediately usable
	if cfg.DemoMode {
		if err := s.seedDemoKey(ctx); err != nil {
			s.logger.Warn("failed to seed demo API key", "error", err)
		}
	}

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// seedDemoKey creates a demo API key and logs the raw key once. The raw key
// is never recoverable afterwards; only its hash is stored.
func (s *Server) seedDemoKey(ctx context.Context) error {
	rawKey, key, err := s.keys.GenerateKey(ctx, "demo", "Demo key", apikey.TierFree, nil)
	if err != nil {
		return err
	}
	s.logger.Info("demo API key created (shown once, store it securely)",
		"key_id", key.ID,
		"api_key", rawKey,
		"tier", string(key.Tier),
	)
	return nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": "An unexpected error occurred",
		})
	}))

	// Security headers (includes the patent-notice header)
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins - clients authenticate with API keys)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Authentication runs before rate limiting so authenticated requests are
	// limited per key/tier rather than per client IP.
	s.router.Use(apikey.Middleware(s.keys))

	// Rate limiting (Redis backend when configured, in-process otherwise)
	limiterCfg := ratelimit.DefaultConfig()
	limiterCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	s.rateLimiter = ratelimit.New(limiterCfg)
	var backend ratelimit.Backend = s.rateLimiter
	if s.redisLimiter != nil {
		backend = s.redisLimiter
	}
	s.router.Use(ratelimit.Middleware(backend, apikey.RateLimitKey))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/api", s.infoHandler)

	// WebSocket for real-time fraud alert streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// V1 API group (authentication middleware is global; scope checks per group)
	v1 := s.router.Group("/v1")

	// Fraud analysis endpoints: scoped, metered per call
	fraudGroup := v1.Group("/fraud")
	fraudGroup.Use(apikey.RequireScope(apikey.ScopeFraudRead))
	fraudGroup.Use(usage.Middleware(s.recorder))
	s.fraudHandler.RegisterRoutes(fraudGroup)

	// Usage reporting for the calling key
	usageGroup := v1.Group("")
	usageGroup.Use(apikey.RequireScope(apikey.ScopeUsageRead))
	s.usageHandler.RegisterRoutes(usageGroup)

	// Webhook subscription management
	hookGroup := v1.Group("")
	hookGroup.Use(apikey.RequireScope(apikey.ScopeFraudWrite))
	s.hookHandler.RegisterRoutes(hookGroup)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	allHealthy, statuses := s.checks.CheckAll(ctx)

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !allHealthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Fraudscan",
		"description": "Transaction risk scoring and geospatial consistency API",
		"version":     "0.1.0",
		"endpoints": gin.H{
			"analyze":         "POST /v1/fraud/analyze",
			"verify_location": "POST /v1/fraud/verify-location",
			"usage":           "GET /v1/usage",
			"webhooks":        "POST /v1/webhooks",
			"stream":          "GET /ws",
		},
		"authentication": "Authorization: Bearer sk_... or X-API-Key header",
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Sample connection pool stats while running
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Flush pending usage records
	if s.recorder != nil {
		s.recorder.Close()
		s.logger.Info("usage recorder flushed")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close Redis connection
	if s.redisLimiter != nil {
		if err := s.redisLimiter.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	// Close GeoIP database
	if s.geo != nil {
		if err := s.geo.Close(); err != nil {
			s.logger.Error("geoip close error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Keys returns the API key manager (used by tests to mint keys)
func (s *Server) Keys() *apikey.Manager {
	return s.keys
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// fanoutEmitter broadcasts fraud events to every registered emitter.
type fanoutEmitter []fraud.EventEmitter

func (f fanoutEmitter) EmitFraudAlert(event map[string]any) {
	for _, e := range f {
		e.EmitFraudAlert(event)
	}
}

func (f fanoutEmitter) EmitVerification(event map[string]any) {
	for _, e := range f {
		e.EmitVerification(event)
	}
}

func generateRequestID() string {
	return idgen.Hex(16)
}
