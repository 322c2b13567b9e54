// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
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

	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/refguard/internal/alerts"
	"github.com/mbd888/refguard/internal/auth"
	"github.com/mbd888/refguard/internal/circuitbreaker"
	"github.com/mbd888/refguard/internal/config"
	"github.com/mbd888/refguard/internal/errreport"
	"github.com/mbd888/refguard/internal/health"
	"github.com/mbd888/refguard/internal/logging"
	"github.com/mbd888/refguard/internal/metrics"
	"github.com/mbd888/refguard/internal/ratelimit"
	"github.com/mbd888/refguard/internal/realtime"
	"github.com/mbd888/refguard/internal/refgraph"
	"github.com/mbd888/refguard/internal/risk"
	"github.com/mbd888/refguard/internal/security"
	"github.com/mbd888/refguard/internal/traces"
	"github.com/mbd888/refguard/internal/validation"
	"github.com/mbd888/refguard/internal/webhooks"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	store        risk.Store
	engine       *risk.Engine
	riskHandler  *risk.Handler
	statsTimer   *risk.StatsTimer
	breaker      *circuitbreaker.Breaker
	realtimeHub  *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	health       *health.Registry
	reporter     *errreport.Reporter
	db           *sql.DB // nil if using in-memory
	redis        *redis.Client
	nats         *nats.Conn
	graph        *refgraph.Repository
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	stopTracing  func(context.Context) error
	drainDelay   time.Duration

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

// WithStore sets the risk store (for testing). DATABASE_URL is ignored.
func WithStore(store risk.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithDrainDelay sets how long Shutdown waits before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if err := s.initStorage(ctx); err != nil {
		return nil, err
	}

	reporter, err := errreport.Init(cfg.SentryDSN, cfg.Env, cfg.Version)
	if err != nil {
		return nil, err
	}
	s.reporter = reporter

	stopTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, cfg.Version, s.logger)
	if err != nil {
		return nil, err
	}
	s.stopTracing = stopTracing

	s.breaker = circuitbreaker.New(circuitbreaker.DefaultThreshold, circuitbreaker.DefaultOpenDuration)
	s.breaker.OnTransition(func(stage string, from, to circuitbreaker.State) {
		s.logger.Warn("risk stage circuit changed", "stage", stage, "from", from.String(), "to", to.String())
	})
	s.realtimeHub = realtime.NewHub(s.logger)

	s.engine = risk.NewEngine(s.store, s.logger).
		WithTimeouts(cfg.CheckTimeout, cfg.EvaluationTimeout).
		WithBreaker(s.breaker).
		WithReporter(s.reporter).
		WithEvents(s.realtimeHub).
		WithAlerts(s.initAlerts())

	if cache := s.initCache(); cache != nil {
		s.engine.WithCache(cache)
	}
	if graph := s.initGraph(ctx); graph != nil {
		s.engine.WithReferralGraph(graph)
	}

	s.riskHandler = risk.NewHandler(s.engine)
	s.statsTimer = risk.NewStatsTimer(s.engine, s.logger)

	metrics.BuildInfo.WithLabelValues(cfg.Version, cfg.Env).Set(1)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// initStorage opens Postgres when DATABASE_URL is set, otherwise the
// in-memory store is used.
func (s *Server) initStorage(ctx context.Context) error {
	if s.store != nil {
		s.health.Register("database", staticCheck("injected store"))
		return nil
	}

	if s.cfg.DatabaseURL == "" {
		s.store = risk.NewMemoryStore()
		s.health.Register("database", staticCheck("in-memory"))
		s.logger.Info("using in-memory storage (data will not persist)")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	store := risk.NewPostgresStore(db)
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	s.db = db
	s.store = store
	s.health.Register("database", health.Ping("database", db))
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

// initAlerts publishes to NATS when configured and reachable, otherwise
// alerts are written to the log. A configured webhook receives every alert
// as well.
func (s *Server) initAlerts() risk.AlertSink {
	var sink risk.AlertSink = alerts.NewLogNotifier(s.logger)
	if s.cfg.NATSURL != "" {
		conn, err := alerts.Connect(s.cfg.NATSURL, s.logger)
		if err != nil {
			s.logger.Warn("NATS unavailable, alerts go to the log", "error", err)
		} else {
			s.nats = conn
			s.health.RegisterOptional("nats", health.Ping("nats", health.PingFunc(conn.FlushWithContext)))
			s.logger.Info("admin alerts published to NATS", "subject", s.cfg.AlertSubject)
			sink = alerts.NewNATSNotifier(conn, s.cfg.AlertSubject)
		}
	}

	if s.cfg.AlertWebhookURL == "" {
		return sink
	}
	if s.cfg.AlertWebhookSecret == "" {
		s.logger.Warn("ALERT_WEBHOOK_SECRET not set, alert webhooks are unsigned")
	}
	s.logger.Info("admin alerts posted to webhook")
	return alerts.Fanout{sink, webhooks.NewNotifier(s.cfg.AlertWebhookURL, s.cfg.AlertWebhookSecret)}
}

func (s *Server) initCache() risk.ResultCache {
	if s.cfg.RedisURL == "" {
		return nil
	}
	opts, err := redis.ParseURL(s.cfg.RedisURL)
	if err != nil {
		s.logger.Warn("invalid REDIS_URL, result cache disabled", "error", err)
		return nil
	}
	client := redis.NewClient(opts)
	s.redis = client
	s.health.RegisterOptional("redis", health.Ping("redis", health.PingFunc(func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})))
	s.logger.Info("validation results cached in redis", "addr", opts.Addr, "ttl", s.cfg.CacheTTL)
	return risk.NewRedisResultCache(client, s.cfg.CacheTTL)
}

func (s *Server) initGraph(ctx context.Context) risk.ReferralLister {
	if s.cfg.Neo4jURI == "" {
		return nil
	}
	client, err := refgraph.NewNeo4jClient(ctx, refgraph.Options{
		URI:      s.cfg.Neo4jURI,
		Database: s.cfg.Neo4jDatabase,
		Username: s.cfg.Neo4jUsername,
		Password: s.cfg.Neo4jPassword,
	})
	if err != nil {
		s.logger.Warn("referral graph unavailable, using primary store", "error", err)
		return nil
	}
	repo := refgraph.NewRepository(client)
	if err := repo.EnsureSchema(ctx); err != nil {
		s.logger.Warn("referral graph schema setup failed", "error", err)
	}
	s.graph = repo
	s.health.RegisterOptional("neo4j", health.Ping("neo4j", repo))
	s.logger.Info("referral graph enabled", "uri", s.cfg.Neo4jURI)
	return repo
}

func staticCheck(detail string) health.Checker {
	return func(ctx context.Context) health.Status {
		return health.Status{Healthy: true, Detail: detail}
	}
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
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	if s.reporter.Enabled() {
		s.router.Use(sentrygin.New(sentrygin.Options{Repanic: true}))
	}

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerSecond = float64(s.cfg.RateLimitRPS)
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

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

	keys := auth.NewKeySet(s.cfg.APIKeys...)
	if keys.Len() == 0 {
		s.logger.Warn("no API keys configured, running in demo mode")
	}

	v1 := s.router.Group("/v1")
	v1.Use(auth.RequireAPIKey(keys))
	s.riskHandler.RegisterProtectedRoutes(v1)

	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	s.riskHandler.RegisterAdminRoutes(admin)
	admin.GET("/fraud/stream", s.realtimeHub.HandleStream)
	admin.GET("/stream/stats", s.streamStatsHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status       string          `json:"status"`
	Version      string          `json:"version"`
	Checks       []health.Status `json:"checks,omitempty"`
	OpenCircuits []string        `json:"openCircuits,omitempty"`
	Timestamp    string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.health.CheckAll(ctx)
	open := s.breaker.Open()

	status := "healthy"
	httpStatus := http.StatusOK
	switch {
	case !healthy:
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	case len(open) > 0 || anyUnhealthy(checks):
		status = "degraded"
	}

	c.JSON(httpStatus, HealthResponse{
		Status:       status,
		Version:      s.cfg.Version,
		Checks:       checks,
		OpenCircuits: open,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	})
}

func anyUnhealthy(checks []health.Status) bool {
	for _, st := range checks {
		if !st.Healthy {
			return true
		}
	}
	return false
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
	healthy, checks := s.health.CheckAll(c.Request.Context())
	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) streamStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
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

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"version", s.cfg.Version,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.statsTimer.Start(runCtx)

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
	defer signal.Stop(sigChan)

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

	// Cancel the context for all background goroutines (hub, timers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.statsTimer != nil {
		s.statsTimer.Stop()
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.nats != nil {
		if err := s.nats.Drain(); err != nil {
			s.logger.Error("nats drain error", "error", err)
		}
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if s.graph != nil {
		if err := s.graph.Close(ctx); err != nil {
			s.logger.Error("referral graph close error", "error", err)
		}
	}

	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		}
	}

	s.reporter.Flush(2 * time.Second)

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

// Engine returns the risk engine.
func (s *Server) Engine() *risk.Engine {
	return s.engine
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
