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

	"github.com/promptdeck/promptdeck/internal/account"
	"github.com/promptdeck/promptdeck/internal/billing"
	"github.com/promptdeck/promptdeck/internal/config"
	"github.com/promptdeck/promptdeck/internal/costguard"
	"github.com/promptdeck/promptdeck/internal/idgen"
	"github.com/promptdeck/promptdeck/internal/ledger"
	"github.com/promptdeck/promptdeck/internal/logging"
	"github.com/promptdeck/promptdeck/internal/metrics"
	"github.com/promptdeck/promptdeck/internal/notify"
	"github.com/promptdeck/promptdeck/internal/pricing"
	"github.com/promptdeck/promptdeck/internal/ratelimit"
	"github.com/promptdeck/promptdeck/internal/rollover"
	"github.com/promptdeck/promptdeck/internal/traces"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	users       account.Store
	ledgerSvc   *ledger.Service
	rolloverSvc *rollover.Service
	monitor     *costguard.Monitor
	billingSvc  *billing.Service
	rateLimiter *ratelimit.Limiter

	expiryTimer   *ledger.Timer
	rolloverTimer *rollover.Timer
	auditTimer    *costguard.Timer
	billingTimer  *billing.Timer

	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	tracesShutdown func(context.Context) error
	cancelRunCtx   context.CancelFunc

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

	ctx := context.Background()

	if cfg.OTLPEndpoint != "" {
		shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
		if err != nil {
			s.logger.Warn("failed to initialize tracing", "error", err)
		} else {
			s.tracesShutdown = shutdown
		}
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var ledgerStore ledger.Store
	var eventStore billing.EventStore
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
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		userStore := account.NewPostgresStore(db)
		txnStore := ledger.NewPostgresStore(db)
		evtStore := billing.NewPostgresEventStore(db)
		if cfg.IsDevelopment() {
			for name, migrate := range map[string]func(context.Context) error{
				"account": userStore.Migrate,
				"ledger":  txnStore.Migrate,
				"billing": evtStore.Migrate,
			} {
				if err := migrate(ctx); err != nil {
					s.logger.Warn("failed to migrate store", "store", name, "error", err)
				}
			}
		}
		s.users = userStore
		ledgerStore = txnStore
		eventStore = evtStore
	} else {
		userStore := account.NewMemoryStore()
		s.users = userStore
		ledgerStore = ledger.NewMemoryStore(userStore)
		eventStore = billing.NewMemoryEventStore()
		s.logger.Info("using in-memory storage (demo mode)")
	}

	// Notification sink
	var sink notify.Sink = notify.NewLogSink(s.logger)
	if cfg.NotifyWebhookURL != "" {
		sink = notify.Multi{
			sink,
			notify.NewWebhookSink(cfg.NotifyWebhookURL, cfg.NotifyWebhookSecret, s.logger),
		}
	}

	// Services. The ledger owns the per-user locks; every other balance
	// writer shares them.
	s.ledgerSvc = ledger.New(s.users, ledgerStore, s.logger)
	s.ledgerSvc.SetSink(sink)
	s.rolloverSvc = rollover.New(s.users, s.ledgerSvc, s.ledgerSvc.Locks(), cfg.RolloverExpiryDays, s.logger)
	s.ledgerSvc.SetResetter(s.rolloverSvc)
	s.monitor = costguard.New(s.users, s.ledgerSvc, sink, costguard.Thresholds{
		WarningRatio:    cfg.CostWarningRatio,
		CriticalRatio:   cfg.CostCriticalRatio,
		MinMargin:       cfg.MinProfitMultiplier,
		WarningInterval: time.Duration(cfg.CostWarningIntervalHrs) * time.Hour,
	}, s.ledgerSvc.Locks(), s.logger)
	s.billingSvc = billing.New(s.users, s.ledgerSvc, eventStore, sink, s.ledgerSvc.Locks(), s.logger)

	// Background timers
	s.expiryTimer = ledger.NewTimer(s.ledgerSvc, time.Duration(cfg.ExpirySweepIntervalMins)*time.Minute, s.logger)
	s.rolloverTimer = rollover.NewTimer(s.rolloverSvc, time.Hour, s.logger)
	s.auditTimer = costguard.NewTimer(s.monitor, time.Duration(cfg.AuditIntervalHours)*time.Hour, s.logger)
	s.billingTimer = billing.NewTimer(s.billingSvc, time.Duration(cfg.WebhookRetentionDays)*24*time.Hour, s.logger)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

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

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.healthHandler)
	s.router.GET("/livez", s.livenessHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	ledgerHandler := ledger.NewHandler(s.ledgerSvc, s.monitor, s.logger)
	costguardHandler := costguard.NewHandler(s.monitor, s.logger)
	billingHandler := billing.NewHandler(s.billingSvc, s.cfg.StripeWebhookSecret, s.logger)

	// Provider webhooks bypass tier quotas; the provider is not a tenant.
	webhooks := s.router.Group("/v1")
	billingHandler.RegisterRoutes(webhooks)

	s.rateLimiter = ratelimit.New()
	v1 := s.router.Group("/v1")
	v1.Use(s.rateLimiter.Middleware(ratelimit.HeaderIdentity))
	ledgerHandler.RegisterRoutes(v1)
	costguardHandler.RegisterRoutes(v1)

	admin := s.router.Group("/v1")
	admin.Use(s.adminAuthMiddleware())
	ledgerHandler.RegisterAdminRoutes(admin)
	costguardHandler.RegisterAdminRoutes(admin)
	admin.POST("/admin/users", s.createUserHandler)
	admin.POST("/admin/rollover/sweep", s.rolloverSweepHandler)
}

func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			if s.cfg.IsDevelopment() {
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "admin_disabled", "message": "Admin API is not configured",
			})
			return
		}
		if c.GetHeader("X-Admin-Secret") != s.cfg.AdminSecret {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "unauthorized", "message": "Invalid admin credentials",
			})
			return
		}
		c.Next()
	}
}

// CreateUserRequest registers a billing account for an externally
// authenticated user.
type CreateUserRequest struct {
	ID    string `json:"id"`
	Email string `json:"email" binding:"required,email"`
}

func (s *Server) createUserHandler(c *gin.Context) {
	var req CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if req.ID == "" {
		req.ID = idgen.WithPrefix("usr_")
	}

	u := account.New(req.ID, req.Email)
	if err := s.users.Create(c.Request.Context(), u); err != nil {
		if errors.Is(err, account.ErrUserExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "user_exists", "message": "User already exists"})
			return
		}
		s.logger.Error("user creation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "account_error", "message": "Internal error"})
		return
	}

	// Sign-up grant goes through the ledger so the transaction log stays
	// the source of truth for the balance.
	grant := pricing.ForTier(pricing.TierFree).MonthlyTokens
	if _, err := s.ledgerSvc.Credit(c.Request.Context(), u.ID, ledger.CreditRequest{
		Type:        ledger.TypeBonus,
		Tokens:      grant,
		ExternalRef: "signup:" + u.ID,
	}); err != nil {
		s.logger.Error("signup grant failed", "user_id", u.ID, "error", err)
	}

	fresh, err := s.users.Get(c.Request.Context(), u.ID)
	if err != nil {
		fresh = u
	}
	c.JSON(http.StatusCreated, gin.H{"user": fresh})
}

func (s *Server) rolloverSweepHandler(c *gin.Context) {
	count, err := s.rolloverSvc.Sweep(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sweep_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"resetCount": count})
}

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
		}
	} else {
		checks["database"] = "in-memory"
	}

	status := "healthy"
	httpStatus := http.StatusOK
	for _, v := range checks {
		if v == "unhealthy" {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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

// Run starts the server and blocks until shutdown
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

	go s.expiryTimer.Start(runCtx)
	go s.rolloverTimer.Start(runCtx)
	go s.auditTimer.Start(runCtx)
	go s.billingTimer.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	for _, stop := range []interface{ Stop() }{
		s.expiryTimer, s.rolloverTimer, s.auditTimer, s.billingTimer, s.rateLimiter,
	} {
		stop.Stop()
	}
	s.logger.Info("background timers stopped")

	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Error("traces shutdown error", "error", err)
		}
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

// Router returns the gin router for testing
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
