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

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mwalimu/saccoguard/internal/config"
	"github.com/mwalimu/saccoguard/internal/events"
	"github.com/mwalimu/saccoguard/internal/health"
	"github.com/mwalimu/saccoguard/internal/limits"
	"github.com/mwalimu/saccoguard/internal/logging"
	"github.com/mwalimu/saccoguard/internal/metrics"
	"github.com/mwalimu/saccoguard/internal/ratelimit"
	"github.com/mwalimu/saccoguard/internal/rbac"
	"github.com/mwalimu/saccoguard/internal/risk"
	"github.com/mwalimu/saccoguard/internal/security"
	"github.com/mwalimu/saccoguard/internal/sod"
	"github.com/mwalimu/saccoguard/internal/validation"
	"github.com/mwalimu/saccoguard/internal/workflow"
)

// Server wraps the HTTP server and the compliance engine services.
type Server struct {
	cfg          *config.Config
	directory    rbac.Directory
	resolver     *rbac.Resolver
	emitter      *events.Emitter
	scorer       *risk.Scorer
	detector     *sod.Detector
	limiter      *limits.Service
	workflows    *workflow.Service
	executor     workflow.Executor
	expiryTimer  *workflow.Timer
	rateLimiter  *ratelimit.Limiter
	healthReg    *health.Registry
	db           *sql.DB // nil if using in-memory stores
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithDirectory injects a principal directory (for testing).
func WithDirectory(d rbac.Directory) Option {
	return func(s *Server) {
		s.directory = d
	}
}

// WithExecutor sets the operation executor invoked when a workflow is
// fully approved. Defaults to the no-op executor.
func WithExecutor(e workflow.Executor) Option {
	return func(s *Server) {
		s.executor = e
	}
}

// New creates a new server instance.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		logger:   logging.New(cfg.LogLevel, cfg.LogFmt),
		resolver: rbac.NewResolver(),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Event sink: webhook when configured (and safe), otherwise the log.
	var sink events.Sink
	if cfg.EventWebhookURL != "" {
		if err := security.ValidateEndpointURL(cfg.EventWebhookURL); err != nil {
			return nil, fmt.Errorf("event webhook url rejected: %w", err)
		}
		sink = events.NewWebhookSink(cfg.EventWebhookURL)
		s.logger.Info("event webhook sink enabled", "url", cfg.EventWebhookURL)
	} else {
		sink = events.NewLogSink(s.logger)
	}
	s.emitter = events.NewEmitter(sink, s.logger)

	// Storage: Postgres when DATABASE_URL is set, otherwise in-memory.
	var (
		workflowStore workflow.Store
		ruleStore     sod.Store
		history       sod.HistoryStore
		limitStore    limits.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		workflowStore = workflow.NewPostgresStore(db)
		ruleStore = sod.NewPostgresStore(db)
		history = sod.NewPostgresHistory(db)
		limitStore = limits.NewPostgresStore(db)
		if s.directory == nil {
			s.directory = rbac.NewPostgresDirectory(db)
		}
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		workflowStore = workflow.NewMemoryStore()
		ruleStore = sod.NewMemoryStore()
		history = sod.NewMemoryHistory(cfg.SoDHistoryMaxAge, cfg.SoDHistoryMaxLen)
		limitStore = limits.NewMemoryStore()
		if s.directory == nil {
			s.directory = rbac.NewMemoryDirectory()
		}
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Engine services. The limit enforcer starts with zero usage; a ledger
	// integration supplies real periodic totals in production.
	s.scorer = risk.NewScorer(s.emitter, s.logger)
	s.detector = sod.NewDetector(ruleStore, history, s.emitter, s.logger)
	s.limiter = limits.NewService(limitStore, limits.ZeroUsage{}, s.resolver, s.emitter, s.logger)
	s.workflows = workflow.NewService(
		workflowStore, s.directory, s.resolver,
		s.detector, s.limiter, s.scorer,
		s.emitter, s.logger,
	)
	if s.executor != nil {
		s.workflows.WithExecutor(s.executor)
	}
	s.expiryTimer = workflow.NewTimer(s.workflows, workflowStore, cfg.ExpirySweepEvery, s.logger)

	// Health probes.
	s.healthReg = health.NewRegistry()
	if s.db != nil {
		s.healthReg.Register("database", health.DatabaseChecker(s.db))
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides the password in a connection string for logging.
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

	s.router.Use(security.HeadersMiddleware())

	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(security.CORSMiddleware(origins))

	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
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
	// Health & metrics
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/api", s.infoHandler)

	v1 := s.router.Group("/v1")

	workflowHandlers := workflow.NewHandlers(s.workflows)
	workflowHandlers.RegisterRoutes(v1)

	riskHandlers := risk.NewHandlers(s.scorer)
	riskHandlers.RegisterRoutes(v1)

	limitHandlers := limits.NewHandlers(s.limiter, s.directory)
	limitHandlers.RegisterRoutes(v1)

	sodHandlers := sod.NewHandlers(s.detector, s.directory, s.resolver)
	sodHandlers.RegisterRoutes(v1)

	// Rule and limit administration, plus the principal bootstrap endpoints,
	// are gated by the shared admin secret. Principal CRUD is owned by the
	// identity service in production; these endpoints keep the read model in
	// sync and serve demos and tests.
	admin := v1.Group("")
	admin.Use(security.RequireAdmin(s.cfg.AdminSecret))
	{
		limitHandlers.RegisterAdminRoutes(admin)
		sodHandlers.RegisterAdminRoutes(admin)
		admin.PUT("/principals/:id", s.upsertPrincipal)
		admin.GET("/principals/:id", s.getPrincipal)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for the health check endpoint.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.healthReg.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
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
		"name":        "SaccoGuard",
		"description": "Maker-checker and compliance controls for SACCO and chama operations",
		"version":     "0.1.0",
		"currency":    s.cfg.DefaultCurrency,
	})
}

type principalRequest struct {
	SystemRole  string            `json:"systemRole"`
	Memberships []rbac.Membership `json:"memberships"`
}

func (s *Server) upsertPrincipal(c *gin.Context) {
	id := c.Param("id")

	var req principalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.SystemRole == "" {
		req.SystemRole = string(rbac.RoleMember)
	}

	p := &rbac.Principal{
		ID:          id,
		SystemRole:  rbac.Role(req.SystemRole),
		Memberships: req.Memberships,
	}
	if err := s.directory.Upsert(c.Request.Context(), p); err != nil {
		if errors.Is(err, rbac.ErrUnknownRole) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		logging.L(c.Request.Context()).Error("failed to upsert principal", "error", err, "principal_id", id)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store principal"})
		return
	}

	c.JSON(http.StatusOK, p)
}

func (s *Server) getPrincipal(c *gin.Context) {
	p, err := s.directory.Principal(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, rbac.ErrPrincipalNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "principal not found"})
			return
		}
		logging.L(c.Request.Context()).Error("failed to load principal", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load principal"})
		return
	}
	c.JSON(http.StatusOK, p)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
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

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start the workflow expiry sweeper.
	go s.expiryTimer.Start(runCtx)

	// Mark as ready after brief delay for startup.
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	if s.expiryTimer != nil {
		s.expiryTimer.Stop()
		s.logger.Info("expiry timer stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

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

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
