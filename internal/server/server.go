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

	"github.com/mbd888/churnshield/internal/auth"
	"github.com/mbd888/churnshield/internal/billing"
	"github.com/mbd888/churnshield/internal/cancelflow"
	"github.com/mbd888/churnshield/internal/config"
	"github.com/mbd888/churnshield/internal/events"
	"github.com/mbd888/churnshield/internal/health"
	"github.com/mbd888/churnshield/internal/logging"
	"github.com/mbd888/churnshield/internal/metrics"
	"github.com/mbd888/churnshield/internal/notify"
	"github.com/mbd888/churnshield/internal/ratelimit"
	"github.com/mbd888/churnshield/internal/retry"
	"github.com/mbd888/churnshield/internal/risk"
	"github.com/mbd888/churnshield/internal/security"
	"github.com/mbd888/churnshield/internal/traces"
	"github.com/mbd888/churnshield/internal/validation"
	"github.com/mbd888/churnshield/migrations"
)

// Version is reported by /health and in trace resources. Set by cmd/server.
var Version = "dev"

// OrganizationHeader carries the organization a widget request acts for.
const OrganizationHeader = "X-Organization-ID"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	db           *sql.DB // nil if using in-memory
	eventStore   events.Store
	kafkaSink    *events.KafkaSink
	recorder     *events.Recorder
	provider     billing.Provider
	orchestrator *cancelflow.Orchestrator
	flowSettings *cancelflow.Settings
	snapshots    risk.SnapshotStore
	runner       *risk.Runner
	riskWorker   *risk.Worker
	authMgr      *auth.Manager
	health       *health.Registry
	rateLimiter  *ratelimit.Limiter
	flowLimiter  *ratelimit.Limiter
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	stopTracing  func(context.Context) error

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

// WithBillingProvider replaces the configured billing provider (for testing).
// The provider is still wrapped in the retry and breaker guard.
func WithBillingProvider(p billing.Provider) Option {
	return func(s *Server) {
		s.provider = p
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	stopTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.stopTracing = stopTracing

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	var (
		sessions  cancelflow.Store
		keys      auth.Store
		directory interface {
			risk.Directory
			risk.UsageProvider
			risk.Registrar
		}
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

		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := migrations.Up(ctx, db); err != nil {
			return nil, fmt.Errorf("failed to apply migrations: %w", err)
		}

		s.db = db
		s.eventStore = events.NewPostgresStore(db)
		sessions = cancelflow.NewPostgresStore(db)
		s.snapshots = risk.NewPostgresSnapshotStore(db)
		directory = risk.NewPostgresDirectory(db)
		keys = auth.NewPostgresStore(db)
		s.health.Register("database", health.PingChecker("database", db, 2*time.Second))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.eventStore = events.NewMemoryStore()
		sessions = cancelflow.NewMemoryStore()
		s.snapshots = risk.NewMemorySnapshotStore()
		directory = risk.NewMemoryDirectory()
		keys = auth.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.authMgr = auth.NewManager(keys).WithStaticKey(cfg.AdminAPIKey)
	if cfg.AdminAPIKey == "" {
		s.logger.Warn("ADMIN_API_KEY not set; operator endpoints accept only stored keys")
	}

	// Churn events: store, directory registration, optional Kafka fan-out
	sinks := events.MultiSink{s.eventStore, risk.NewDirectorySink(directory)}
	if len(cfg.KafkaBrokers) > 0 {
		k, err := events.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka sink: %w", err)
		}
		s.kafkaSink = k
		sinks = append(sinks, k)
		s.health.Register("kafka", health.PingChecker("kafka", k, 2*time.Second))
		s.logger.Info("publishing churn events to kafka", "topic", cfg.KafkaEventsTopic)
	}
	s.recorder = events.NewRecorder(sinks, s.logger).
		WithTimeout(cfg.EventWriteTimeout).
		Start(cfg.EventQueueSize)

	// Billing
	confirmer, err := s.setupBilling()
	if err != nil {
		return nil, err
	}

	// Cancel flow
	settings, err := cancelflow.LoadSettings(cfg.FlowConfigPath)
	if err != nil {
		return nil, err
	}
	s.flowSettings = settings
	s.orchestrator = cancelflow.NewOrchestrator(sessions, settings, s.provider).
		WithRecorder(s.recorder).
		WithLogger(s.logger)
	if confirmer != nil {
		s.orchestrator.WithConfirmer(confirmer)
	}

	// Risk batch and notifications
	sender, err := s.notificationSender()
	if err != nil {
		return nil, err
	}
	s.runner = risk.NewRunner(directory, risk.NewEventMetrics(s.eventStore), s.snapshots, s.logger).
		WithNotifier(notify.New(sender, s.logger)).
		WithUsage(directory).
		WithWorkers(cfg.RiskWorkers).
		WithUnitTimeout(cfg.RiskUnitTimeout)
	if cfg.RiskEnabled {
		s.riskWorker = risk.NewWorker(s.runner, cfg.RiskInterval, s.logger)
		s.health.Register("risk_worker", health.RunningChecker("risk_worker", s.riskWorker.Running))
	}

	// Setup Gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// setupBilling picks the provider: the flow-event contract when
// BILLING_API_ENDPOINT is set, Stripe when keys are set, otherwise a
// provider that refuses every call. It returns the cancellation confirmer
// to use, if any.
func (s *Server) setupBilling() (cancelflow.CancellationConfirmer, error) {
	cfg := s.cfg
	var confirmer cancelflow.CancellationConfirmer

	if s.provider == nil {
		switch {
		case cfg.BillingAPIEndpoint != "":
			if err := security.ValidateEndpointURL(cfg.BillingAPIEndpoint, !cfg.IsProduction()); err != nil {
				return nil, fmt.Errorf("invalid BILLING_API_ENDPOINT: %w", err)
			}
			client := billing.NewHTTPClient(cfg.BillingAPIEndpoint, cfg.ProviderTimeout)
			s.provider = client
			confirmer = cancelflow.ConfirmerFunc(func(ctx context.Context, sess *cancelflow.Session) error {
				return client.ConfirmCancellation(ctx, billing.SubscriptionRef{
					OrganizationID: sess.OrganizationID,
					CustomerID:     sess.CustomerID,
					SubscriptionID: sess.SubscriptionID,
				})
			})
			s.logger.Info("billing via flow-event contract", "endpoint", cfg.BillingAPIEndpoint)
		case cfg.StripeSecretKey != "" || len(cfg.StripeOrgKeys) > 0:
			s.provider = billing.NewStripeProvider(billing.StaticKeys(cfg.StripeSecretKey, cfg.StripeOrgKeys))
			s.logger.Info("billing via stripe", "organizations_with_keys", len(cfg.StripeOrgKeys))
		default:
			s.provider = billing.Unconfigured{}
			s.logger.Warn("no billing provider configured; offers and plan switches will fail")
		}
	}

	policy := retry.DefaultPolicy
	policy.MaxAttempts = cfg.ProviderMaxAttempts
	policy.AttemptTimeout = cfg.ProviderTimeout
	s.provider = billing.NewGuard(s.provider, policy, nil, s.logger)
	return confirmer, nil
}

func (s *Server) notificationSender() (notify.Sender, error) {
	if s.cfg.NotifyWebhookURL == "" {
		return notify.NewLogSender(s.logger), nil
	}
	if err := security.ValidateEndpointURL(s.cfg.NotifyWebhookURL, !s.cfg.IsProduction()); err != nil {
		return nil, fmt.Errorf("invalid NOTIFY_WEBHOOK_URL: %w", err)
	}
	return notify.NewWebhookSender(s.cfg.NotifyWebhookURL, s.cfg.NotifyWebhookSecret), nil
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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS for the embedded widget
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting by client IP
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware(ratelimit.ByClientIP))

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

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("request_id", requestID))
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
			logger.Debug("request completed",
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

	v1 := s.router.Group("/v1", auth.Middleware(s.authMgr))

	// Cancel flow, charged per organization so one tenant's widget
	// cannot starve another's
	s.flowLimiter = ratelimit.New(ratelimit.DefaultConfig())
	flow := v1.Group("/flow", s.flowLimiter.Middleware(ratelimit.ByHeaderOrIP(OrganizationHeader)))
	cancelflow.NewHandler(s.orchestrator).RegisterRoutes(flow)
	// host backends posting flow events authenticate like operators
	billing.NewContractHandler(s.provider, s.flowSettings, s.recorder).RegisterRoutes(flow, auth.RequireAuth())

	// Operator endpoints: an organization key sees its own organization,
	// batch runs need a platform key
	auth.NewHandler(s.authMgr).RegisterRoutes(v1)

	riskGroup := v1.Group("/risk", auth.RequireAuth(), auth.RequireOrganization("organizationId"))
	riskGroup.Use(validation.IdentifierParamMiddleware("id"))
	risk.NewHandler(s.snapshots, s.runner).RegisterRoutes(riskGroup, auth.RequirePlatform())
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start risk batch worker
	if s.riskWorker != nil {
		go s.riskWorker.Start(runCtx)
	}

	// Sample connection pool stats
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

	// Cancel the context for background goroutines (risk worker, stats)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.close(ctx)

	s.logger.Info("server stopped")
	return nil
}

// close releases everything New acquired.
func (s *Server) close(ctx context.Context) {
	if s.riskWorker != nil {
		s.riskWorker.Stop()
		s.logger.Info("risk worker stopped")
	}

	// Stop rate limiter cleanup goroutines
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.flowLimiter != nil {
		s.flowLimiter.Stop()
	}

	// Drain queued churn events before their sinks go away
	if err := s.recorder.Close(ctx); err != nil {
		s.logger.Error("event recorder close error", "error", err)
	}

	if s.kafkaSink != nil {
		if err := s.kafkaSink.Close(); err != nil {
			s.logger.Error("kafka writer close error", "error", err)
		}
	}

	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
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
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
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
