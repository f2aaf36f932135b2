// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
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

	"github.com/tmarsden/skillvault/internal/booking"
	"github.com/tmarsden/skillvault/internal/config"
	"github.com/tmarsden/skillvault/internal/escrow"
	"github.com/tmarsden/skillvault/internal/health"
	"github.com/tmarsden/skillvault/internal/ledger"
	"github.com/tmarsden/skillvault/internal/logging"
	"github.com/tmarsden/skillvault/internal/metrics"
	"github.com/tmarsden/skillvault/internal/pool"
	"github.com/tmarsden/skillvault/internal/ratelimit"
	"github.com/tmarsden/skillvault/internal/reconciliation"
	"github.com/tmarsden/skillvault/internal/security"
	"github.com/tmarsden/skillvault/internal/validation"
	"github.com/tmarsden/skillvault/internal/webhooks"
	"github.com/tmarsden/skillvault/internal/withdrawal"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	ledgerStore ledger.Store
	ledger      *ledger.Ledger
	escrows     *escrow.Service
	withdrawals *withdrawal.Service
	bookings    *booking.Adapter
	webhookSubs webhooks.Store
	pool        *pool.Recorder
	reconTimer  *reconciliation.Timer
	checks      *health.Registry
	limiter     *ratelimit.Limiter
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	cancelRun   context.CancelFunc // cancels background goroutines started in Run

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
		logger: logging.New(cfg.LogLevel, "json"),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		escrowStore     escrow.Store
		withdrawalStore withdrawal.Store
		poolStore       pool.Store
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

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.ledgerStore = ledger.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		withdrawalStore = withdrawal.NewPostgresStore(db)
		poolStore = pool.NewPostgresStore(db)
		s.webhookSubs = webhooks.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.ledgerStore = ledger.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		withdrawalStore = withdrawal.NewMemoryStore()
		poolStore = pool.NewMemoryStore()
		s.webhookSubs = webhooks.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.ledger = ledger.New(s.ledgerStore)
	s.pool = pool.NewRecorder(poolStore)

	s.escrows = escrow.NewService(escrowStore, &escrowLedgerAdapter{s.ledger}).
		WithPool(s.pool)
	s.withdrawals = withdrawal.NewService(withdrawalStore, &walletLedgerAdapter{s.ledger}).
		WithPool(s.pool).
		WithLimits(withdrawal.Limits{Min: cfg.MinWithdrawal, Max: cfg.MaxWithdrawal})

	notifier := webhooks.NewNotifier(webhooks.NewDispatcher(s.webhookSubs))
	s.bookings = booking.NewAdapter(s.escrows, notifier)

	runner := reconciliation.NewRunner(s.ledgerStore, s.escrows, s.pool)
	s.reconTimer = reconciliation.NewTimer(runner).WithInterval(cfg.ReconcileInterval)

	s.checks = health.NewRegistry()
	if s.db != nil {
		s.checks.Register("database", health.PingChecker("database", 5*time.Second, s.db.PingContext))
	} else {
		s.checks.Register("database", health.StaticChecker("database", "in-memory"))
	}

	s.limiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: 300,
		BurstSize:         50,
		CleanupInterval:   time.Minute,
	})

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes(runner)

	s.healthy.Store(true)

	return s, nil
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

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

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

// adminMiddleware gates the review surface behind a shared secret. With no
// secret configured (development), the surface is open.
func (s *Server) adminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			c.Next()
			return
		}
		provided := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.cfg.AdminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid admin secret",
			})
			return
		}
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes(runner *reconciliation.Runner) {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	v1.Use(s.limiter.Middleware())
	// Validate :id URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.IDParamMiddleware())

	ledger.NewHandler(s.ledger).RegisterRoutes(v1)
	escrow.NewHandler(s.escrows).RegisterRoutes(v1)
	booking.NewHandler(s.bookings).RegisterRoutes(v1)
	webhooks.NewHandler(s.webhookSubs).RegisterRoutes(v1)

	withdrawalHandler := withdrawal.NewHandler(s.withdrawals)
	withdrawalHandler.RegisterRoutes(v1)

	// Admin review surface
	admin := v1.Group("")
	admin.Use(s.adminMiddleware())
	withdrawalHandler.RegisterAdminRoutes(admin)
	admin.GET("/admin/pool", s.poolBalanceHandler)
	admin.POST("/admin/reconcile", s.reconcileHandler(runner))
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
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
		"name":        "Skillvault",
		"description": "Credit escrow, wallet ledger and withdrawal engine",
		"version":     "0.1.0",
		"currency":    s.cfg.WalletCurrency,
	})
}

// poolBalanceHandler returns the platform pool balance and recent movements.
func (s *Server) poolBalanceHandler(c *gin.Context) {
	ctx := c.Request.Context()
	balance, err := s.pool.Balance(ctx)
	if err != nil {
		logging.L(ctx).Error("failed to read pool balance", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to read pool balance",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"poolId":  pool.DefaultPoolID,
		"balance": balance,
	})
}

// reconcileHandler triggers a reconciliation sweep on demand.
func (s *Server) reconcileHandler(runner *reconciliation.Runner) gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := runner.RunAll(c.Request.Context())
		if err != nil {
			logging.L(c.Request.Context()).Error("reconciliation run failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Reconciliation run failed",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"report": report})
	}
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel

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
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Periodic reconciliation sweep
	go s.reconTimer.Start(runCtx)

	// Database pool gauges
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

	// Cancel the context for all background goroutines
	if s.cancelRun != nil {
		s.cancelRun()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.reconTimer.Stop()
	s.limiter.Stop()

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

// -----------------------------------------------------------------------------
// Ledger adapters
// -----------------------------------------------------------------------------

// escrowLedgerAdapter adapts ledger.Ledger to escrow.CreditLedger
type escrowLedgerAdapter struct {
	l *ledger.Ledger
}

func (a *escrowLedgerAdapter) HoldCredits(ctx context.Context, userID string, amount int64) error {
	return a.l.HoldCredits(ctx, userID, amount)
}

func (a *escrowLedgerAdapter) UnholdCredits(ctx context.Context, userID string, amount int64) error {
	return a.l.UnholdCredits(ctx, userID, amount)
}

func (a *escrowLedgerAdapter) ReleaseHeld(ctx context.Context, learnerID, providerID string, amount int64, earningType, source, referenceID string) error {
	_, err := a.l.ReleaseHeld(ctx, learnerID, providerID, amount, ledger.TxType(earningType), source, referenceID)
	return err
}

func (a *escrowLedgerAdapter) RefundHeld(ctx context.Context, learnerID string, amount int64, source, referenceID string) error {
	_, err := a.l.RefundHeld(ctx, learnerID, amount, source, referenceID)
	return err
}

// walletLedgerAdapter adapts ledger.Ledger to withdrawal.WalletLedger
type walletLedgerAdapter struct {
	l *ledger.Ledger
}

func (a *walletLedgerAdapter) DebitWallet(ctx context.Context, userID, amount, currency, source, referenceID string) (string, error) {
	entry, err := a.l.DebitWallet(ctx, userID, amount, currency, source, referenceID)
	if err != nil {
		return "", err
	}
	return entry.ID, nil
}

func (a *walletLedgerAdapter) CreditWallet(ctx context.Context, userID, amount, currency, entryType, source, referenceID string) error {
	_, err := a.l.CreditWallet(ctx, userID, amount, currency, ledger.TxType(entryType), source, referenceID)
	return err
}

func (a *walletLedgerAdapter) CompleteEntry(ctx context.Context, entryID string) error {
	return a.l.CompleteTransaction(ctx, entryID)
}

func (a *walletLedgerAdapter) FailEntry(ctx context.Context, entryID string) error {
	return a.l.FailTransaction(ctx, entryID)
}
