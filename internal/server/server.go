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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/bookit/internal/auth"
	"github.com/mbd888/bookit/internal/booking"
	"github.com/mbd888/bookit/internal/commission"
	"github.com/mbd888/bookit/internal/config"
	"github.com/mbd888/bookit/internal/dedup"
	"github.com/mbd888/bookit/internal/dispute"
	"github.com/mbd888/bookit/internal/escrow"
	"github.com/mbd888/bookit/internal/gateway"
	"github.com/mbd888/bookit/internal/health"
	"github.com/mbd888/bookit/internal/ledger"
	"github.com/mbd888/bookit/internal/logging"
	"github.com/mbd888/bookit/internal/metrics"
	"github.com/mbd888/bookit/internal/notify"
	"github.com/mbd888/bookit/internal/ratelimit"
	"github.com/mbd888/bookit/internal/realtime"
	"github.com/mbd888/bookit/internal/reconciliation"
	"github.com/mbd888/bookit/internal/referral"
	"github.com/mbd888/bookit/internal/retry"
	"github.com/mbd888/bookit/internal/scheduler"
	"github.com/mbd888/bookit/internal/security"
	"github.com/mbd888/bookit/internal/validation"
	"github.com/mbd888/bookit/internal/webhooks"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	ledger      *ledger.Ledger
	withdrawals *ledger.Withdrawals
	calculator  *commission.Calculator
	plans       *commission.Plans
	catalog     *booking.Catalog
	bookings    *booking.Manager
	escrow      *escrow.Service
	disputes    *dispute.Service
	referrals   *referral.Service
	realtimeHub *realtime.Hub
	webhooks    webhooks.Store
	webhookSink *webhooks.Sink

	escrowTimer    *escrow.Timer
	reconciler     *reconciliation.Runner
	reconcileTimer *reconciliation.Timer
	scheduler      *scheduler.Scheduler
	rateLimiter    ratelimit.Allower
	health         *health.Registry

	gateway      *gateway.Client
	db           *sql.DB       // nil if using in-memory
	redis        *redis.Client // nil without REDIS_URL
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
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

// WithDrainDelay sets how long Shutdown waits for load balancers before
// closing listeners.
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
		drainDelay: 5 * time.Second,
		health:     health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	tiers, err := booking.ParseTiers(cfg.DistanceTiers)
	if err != nil {
		return nil, fmt.Errorf("distance tiers: %w", err)
	}

	var (
		ledgerStore     ledger.Store
		withdrawalStore ledger.WithdrawalStore
		subscriptions   commission.SubscriptionStore
		bookingStore    booking.Store
		catalogStore    booking.CatalogStore
		paymentStore    escrow.Store
		disputeStore    dispute.Store
		referralStore   referral.Store
		webhookStore    webhooks.Store
	)

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.health.Register("database", health.Database(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		ls := ledger.NewPostgresStore(db)
		ledgerStore, withdrawalStore = ls, ls
		subscriptions = commission.NewPostgresRegistry(db)
		bookingStore = booking.NewPostgresStore(db)
		catalogStore = booking.NewPostgresCatalog(db)
		paymentStore = escrow.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		referralStore = referral.NewPostgresStore(db)
		webhookStore = webhooks.NewPostgresStore(db)
	} else {
		s.logger.Warn("DATABASE_URL not set, using in-memory storage (data is lost on restart)")
		ls := ledger.NewMemoryStore()
		ledgerStore, withdrawalStore = ls, ls
		subscriptions = commission.NewMemoryRegistry()
		bookingStore = booking.NewMemoryStore()
		catalogStore = booking.NewMemoryCatalog()
		paymentStore = escrow.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		referralStore = referral.NewMemoryStore()
		webhookStore = webhooks.NewMemoryStore()
	}

	// Redis backs webhook de-duplication and rate limiting across instances.
	var deduper escrow.Deduper
	if cfg.RedisURL != "" {
		client, err := dedup.Connect(cfg.RedisURL)
		if err != nil {
			s.closeStorage()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		rs := dedup.NewRedisStore(client, "bookit:webhook:", 72*time.Hour)
		s.health.Register("redis", health.Ping("redis", rs.Ping))
		deduper = rs
		s.rateLimiter = ratelimit.NewRedisLimiter(client, "bookit:rl:", ratelimit.DefaultConfig())
		s.logger.Info("using Redis for webhook de-duplication and rate limiting")
	} else {
		deduper = dedup.NewMemoryStore(72 * time.Hour)
		s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	}

	// Notifications go to the log, connected WebSocket clients and
	// user-registered webhook endpoints.
	s.realtimeHub = realtime.NewHub(s.logger)
	s.webhooks = webhookStore
	s.webhookSink = webhooks.NewSink(webhookStore, s.logger)
	notifier := notify.NewDispatcher(s.logger, notify.LogSink{}, s.realtimeHub, s.webhookSink)

	s.gateway = gateway.New(gateway.Config{
		BaseURL:   cfg.GatewayBaseURL,
		SecretKey: cfg.GatewaySecretKey,
		Timeout:   cfg.GatewayTimeout,
		Retry:     retry.DefaultPolicy,
	}, s.logger)

	// Wallets
	s.ledger = ledger.New(ledgerStore, s.logger)
	s.withdrawals = ledger.NewWithdrawals(s.ledger, withdrawalStore, s.gateway, ledger.WithdrawalPolicy{
		FeePercent:      cfg.WithdrawalFeePercent,
		MinFee:          cfg.WithdrawalMinFee,
		MinAmount:       cfg.WithdrawalMinAmount,
		PlatformAccount: cfg.PlatformAccountID,
	}, s.logger)

	// Commission
	s.calculator = commission.NewCalculator(subscriptions, cfg.DefaultCommissionRate)
	s.plans = commission.NewPlans(subscriptions, s.ledger, cfg.PlatformAccountID, s.logger)

	// Escrow
	s.escrow = escrow.NewService(paymentStore, &escrowBookings{store: bookingStore}, s.gateway, s.ledger, s.calculator,
		escrow.Config{
			WebhookSecret:   cfg.GatewaySecretKey,
			CallbackURL:     cfg.GatewayCallbackURL,
			PlatformAccount: cfg.PlatformAccountID,
		}, s.logger).
		WithTransferResults(s.withdrawals).
		WithDeduper(deduper).
		WithNotifier(notifier)
	s.escrowTimer = escrow.NewTimer(s.escrow, cfg.SweepInterval, cfg.PendingPaymentGrace, s.logger)
	s.health.Register("escrow-timer", s.timerCheck(s.escrowTimer.Running))

	// Referrals
	s.referrals = referral.NewService(referralStore, s.ledger, referral.Config{
		ReferrerReward: cfg.ReferrerReward,
		RefereeReward:  cfg.RefereeReward,
		Validity:       cfg.ReferralValidity,
	}, s.logger).
		WithHistory(&bookingHistory{store: bookingStore}).
		WithNotifier(notifier)

	// Bookings
	s.catalog = booking.NewCatalog(catalogStore)
	s.bookings = booking.NewManager(bookingStore, s.catalog,
		booking.Pricing{Tiers: tiers, ExtraPerKm: cfg.DistanceExtraPerKm},
		&bookingPayments{escrow: s.escrow}, s.logger).
		WithReferrals(s.referrals).
		WithNotifier(notifier)

	// Disputes
	s.disputes = dispute.NewService(disputeStore, &disputeBookings{store: bookingStore},
		&escrowSettlement{escrow: s.escrow}, s.logger).
		WithNotifier(notifier)

	// Reconciliation
	s.reconciler = reconciliation.NewRunner(s.ledger, paymentStore, 0, s.logger)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	// Cron jobs
	s.scheduler = scheduler.New(s.logger)
	jobs := []scheduler.Job{
		{Name: "referral-expiry", Spec: cfg.ReferralExpirySpec, Run: s.referralMaintenance},
		{Name: "withdrawal-retry", Spec: cfg.WithdrawalRetrySpec, Run: s.withdrawals.ProcessPending},
	}
	for _, job := range jobs {
		if err := s.scheduler.Add(job); err != nil {
			s.closeStorage()
			return nil, err
		}
	}

	// Router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// referralMaintenance expires stale referrals and retries reward postings
// that failed.
func (s *Server) referralMaintenance(ctx context.Context) (int, error) {
	expired, err := s.referrals.ExpireDue(ctx)
	if err != nil {
		return expired, err
	}
	paid, err := s.referrals.RetryUnpaid(ctx)
	return expired + paid, err
}

func (s *Server) timerCheck(running func() bool) health.Checker {
	return func(context.Context) health.Status {
		if !s.ready.Load() || running() {
			return health.Status{Healthy: true}
		}
		return health.Status{Healthy: false, Detail: "not running"}
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

	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an ID set upstream (load balancer, gateway)
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

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.health.Handler())
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	verifier := auth.NewVerifier(s.cfg.JWTSecret, s.cfg.JWTIssuer)

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(verifier))
	v1.Use(ratelimit.Middleware(s.rateLimiter))

	bookingHandler := booking.NewHandler(s.bookings, s.catalog)
	escrowHandler := escrow.NewHandler(s.escrow)
	disputeHandler := dispute.NewHandler(s.disputes)
	referralHandler := referral.NewHandler(s.referrals)
	ledgerHandler := ledger.NewHandler(s.ledger, s.withdrawals)
	commissionHandler := commission.NewHandler(s.plans, s.calculator)
	reconcileHandler := reconciliation.NewHandler(s.reconciler)
	webhookHandler := webhooks.NewHandler(s.webhooks, func(ctx context.Context, u string) error {
		return security.ValidateCallbackURL(ctx, u, s.cfg.IsProduction())
	})

	// Public: catalog browsing, plans and the gateway webhook
	bookingHandler.RegisterRoutes(v1)
	escrowHandler.RegisterRoutes(v1)
	commissionHandler.RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	bookingHandler.RegisterProtectedRoutes(protected)
	escrowHandler.RegisterProtectedRoutes(protected)
	disputeHandler.RegisterProtectedRoutes(protected)
	referralHandler.RegisterProtectedRoutes(protected)
	ledgerHandler.RegisterProtectedRoutes(protected)
	commissionHandler.RegisterProtectedRoutes(protected)
	webhookHandler.RegisterProtectedRoutes(protected)
	protected.GET("/ws", s.realtimeHub.HandleWebSocket)

	admin := v1.Group("/admin")
	admin.Use(auth.RequireAuth(), auth.RequireRole(auth.RoleAdmin))
	bookingHandler.RegisterAdminRoutes(admin)
	escrowHandler.RegisterAdminRoutes(admin)
	disputeHandler.RegisterAdminRoutes(admin)
	ledgerHandler.RegisterAdminRoutes(admin)
	reconcileHandler.RegisterAdminRoutes(admin)
	admin.GET("/realtime", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

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

	go s.realtimeHub.Run(runCtx)
	go s.escrowTimer.Start(runCtx)
	go s.reconcileTimer.Start(runCtx)
	s.scheduler.Start()
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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.escrowTimer.Stop()
	s.reconcileTimer.Stop()
	s.scheduler.Stop()
	s.webhookSink.Wait()
	s.logger.Info("background jobs stopped")

	if l, ok := s.rateLimiter.(*ratelimit.Limiter); ok {
		l.Stop()
	}

	s.closeStorage()
	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) closeStorage() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
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
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
