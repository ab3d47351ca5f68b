// Package server wires the engine together and serves the HTTP API
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
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/tradeguard/internal/admin"
	"github.com/mbd888/tradeguard/internal/arbitration"
	"github.com/mbd888/tradeguard/internal/auth"
	"github.com/mbd888/tradeguard/internal/config"
	"github.com/mbd888/tradeguard/internal/custody"
	"github.com/mbd888/tradeguard/internal/escrow"
	"github.com/mbd888/tradeguard/internal/health"
	"github.com/mbd888/tradeguard/internal/identity"
	"github.com/mbd888/tradeguard/internal/logging"
	"github.com/mbd888/tradeguard/internal/maintenance"
	"github.com/mbd888/tradeguard/internal/metrics"
	"github.com/mbd888/tradeguard/internal/outbox"
	"github.com/mbd888/tradeguard/internal/ratelimit"
	"github.com/mbd888/tradeguard/internal/realtime"
	"github.com/mbd888/tradeguard/internal/scheduler"
	"github.com/mbd888/tradeguard/internal/security"
	"github.com/mbd888/tradeguard/internal/syncutil"
	"github.com/mbd888/tradeguard/internal/traces"
	"github.com/mbd888/tradeguard/internal/validation"
	"github.com/mbd888/tradeguard/internal/webhooks"
)

// Version is reported by /health.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	clock  scheduler.Clock

	db      *sql.DB       // nil if using in-memory
	redis   *redis.Client // nil without REDIS_URL
	locker  syncutil.Locker
	storage string

	custody     escrow.Custody
	escrow      *escrow.Service
	scheduler   *scheduler.Scheduler
	coordinator *arbitration.Coordinator
	events      outbox.Store
	relay       *outbox.Relay
	hub         *realtime.Hub
	directory   *identity.Directory
	profiles    identity.Store
	webhooks    webhooks.Store
	dispatcher  *webhooks.Dispatcher
	maintenance *maintenance.Runner
	health      *health.Registry

	authMgr     *auth.Manager
	rateLimiter *ratelimit.Limiter
	router      *gin.Engine
	httpSrv     *http.Server
	drainDelay  time.Duration

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

// WithClock replaces the wall clock used by the engine and its timers.
func WithClock(c scheduler.Clock) Option {
	return func(s *Server) {
		s.clock = c
	}
}

// WithCustody sets a custom custody backend (for testing)
func WithCustody(c escrow.Custody) Option {
	return func(s *Server) {
		s.custody = c
	}
}

// stores groups the persistence backends selected at startup.
type stores struct {
	escrow      escrow.Store
	tasks       scheduler.Store
	admins      arbitration.AdminStore
	audit       arbitration.AuditStore
	outbox      outbox.Store
	webhooks    webhooks.Store
	profiles    identity.Store
	description string
}

func memoryStores() stores {
	arb := arbitration.NewMemoryStore()
	return stores{
		escrow:      escrow.NewMemoryStore(),
		tasks:       scheduler.NewMemoryStore(),
		admins:      arb,
		audit:       arb,
		outbox:      outbox.NewMemoryStore(),
		webhooks:    webhooks.NewMemoryStore(),
		profiles:    identity.NewMemoryStore(),
		description: "memory",
	}
}

func postgresStores(db *sql.DB) stores {
	arb := arbitration.NewPostgresStore(db)
	return stores{
		escrow:      escrow.NewPostgresStore(db),
		tasks:       scheduler.NewPostgresStore(db),
		admins:      arb,
		audit:       arb,
		outbox:      outbox.NewPostgresStore(db),
		webhooks:    webhooks.NewPostgresStore(db),
		profiles:    identity.NewPostgresStore(db),
		description: "postgres",
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		clock:      scheduler.SystemClock{},
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	st := memoryStores()
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		st = postgresStores(db)
		if err := metrics.RegisterDB(db); err != nil {
			s.logger.Warn("database pool metrics unavailable", "error", err)
		}
		s.logger.Info("using postgres storage", "dsn", maskDSN(cfg.DatabaseURL))
	} else {
		s.logger.Warn("DATABASE_URL not set, using in-memory storage; state is lost on restart")
	}

	// Entity locks: Redis when several replicas share the database
	s.locker = syncutil.NewKeyedMutex()
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			s.closeStorage()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(opt)
		s.locker = syncutil.NewRedisLocker(s.redis, "tradeguard:lock:", 30*time.Second)
		s.logger.Info("using redis locks", "addr", opt.Addr)
	}

	if s.custody == nil {
		if cfg.CustodyURL != "" {
			s.custody = custody.NewHTTPClient(cfg.CustodyURL, cfg.CustodyAPIKey, s.logger)
		} else {
			s.logger.Warn("CUSTODY_URL not set, using in-memory custody backend")
			s.custody = custody.NewMemoryBackend()
		}
	}

	s.buildEngine(st)
	s.buildHealth()

	s.authMgr = auth.NewManager(cfg.JWTSecret)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	validation.RegisterBindingTags()
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// buildEngine constructs the domain services over the selected stores.
func (s *Server) buildEngine(st stores) {
	s.storage = st.description
	s.events = st.outbox
	s.profiles = st.profiles
	s.webhooks = st.webhooks

	s.scheduler = scheduler.New(st.tasks, s.clock, s.logger).
		WithInterval(s.cfg.SchedulerInterval).
		WithRetryPolicy(s.cfg.SchedulerMaxAttempts, 0, 0)

	s.directory = identity.NewDirectory(st.profiles, s.logger)

	s.escrow = escrow.NewService(st.escrow, s.custody).
		WithScheduler(s.scheduler).
		WithEvents(outbox.NewPublisher(st.outbox, s.clock)).
		WithReputation(s.directory).
		WithLocker(s.locker).
		WithClock(s.clock).
		WithPolicy(policyFrom(s.cfg)).
		WithLogger(s.logger)
	s.scheduler.WithHandler(s.escrow)

	s.coordinator = arbitration.NewCoordinator(s.escrow, st.admins, st.audit).
		WithMaxActive(s.cfg.MaxActivePerAdmin).
		WithClock(s.clock).
		WithLogger(s.logger)
	s.escrow.WithAssignmentHook(s.coordinator)

	s.hub = realtime.NewHub(s.logger).WithAllowedOrigins(s.cfg.CORSOrigins)
	s.dispatcher = webhooks.NewDispatcher(st.webhooks, s.logger)
	s.relay = outbox.NewRelay(st.outbox, s.logger, s.dispatcher, s.hub, s.directory).
		WithClock(s.clock).
		WithInterval(s.cfg.RelayInterval)

	s.maintenance = maintenance.New(s.cfg.MaintenanceSchedule, s.logger).
		WithLocker(s.locker).
		Add("deadlines", maintenance.RebuildDeadlines(s.escrow)).
		Add("workload", maintenance.ReconcileWorkload(s.coordinator)).
		Add("outbox", maintenance.PruneOutbox(st.outbox, s.cfg.OutboxRetention, s.clock.Now))
}

func (s *Server) buildHealth() {
	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register("postgres", health.Ping(s.db))
	}
	if s.redis != nil {
		s.health.Register("redis", health.Ping(redisPinger{s.redis}))
	}
	s.health.Register("scheduler", health.Loop(s.scheduler))
	s.health.Register("outbox_relay", health.Loop(s.relay))
	s.health.Register("stuck_tasks", health.Backlog(0, func(ctx context.Context) (int, error) {
		tasks, err := s.scheduler.Stuck(ctx, 100)
		return len(tasks), err
	}))
	s.health.RegisterInformational("outbox_backlog", health.Backlog(1000, s.events.Pending))
	s.health.RegisterInformational("webhook_circuits", health.Backlog(0, func(context.Context) (int, error) {
		return len(s.dispatcher.OpenCircuits()), nil
	}))
}

func policyFrom(cfg *config.Config) escrow.Policy {
	p := escrow.DefaultPolicy()
	p.AutoReleaseWindow = cfg.AutoReleaseWindow
	p.ResponseWindow = cfg.ResponseWindow
	p.EvidenceWindow = cfg.EvidenceWindow
	p.ResolutionWindow = cfg.ResolutionWindow
	p.CustodyMaxAttempts = cfg.CustodyMaxAttempts
	p.CustodyBaseDelay = cfg.CustodyBaseDelay
	p.RequireBothPartiesEvidence = cfg.RequireBothPartiesEvidence
	p.RejectLateEvidence = cfg.RejectLateEvidence
	return p
}

type redisPinger struct {
	client redis.UniversalClient
}

func (p redisPinger) PingContext(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(traces.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	// Identity before rate limiting so traders are keyed by user
	s.router.Use(auth.Middleware(s.authMgr))

	rl := ratelimit.DefaultConfig()
	rl.RequestsPerMinute = s.cfg.RateLimitRPM
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())
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

	v1 := s.router.Group("/v1")
	auth.NewHandler(s.authMgr, s.cfg.IsDevelopment()).RegisterRoutes(v1)

	authed := v1.Group("", auth.RequireAuth())
	escrow.NewHandler(s.escrow).RegisterRoutes(authed)
	arbitration.NewHandler(s.coordinator).RegisterRoutes(authed)
	identity.NewHandler(s.directory, s.profiles).RegisterRoutes(authed)
	s.hub.RegisterRoutes(authed)

	hooks := webhooks.NewHandler(s.webhooks)
	if s.cfg.IsDevelopment() {
		// Local receivers are fine while developing.
		hooks.WithURLValidator(security.NewEndpointValidator().AllowPrivate(true))
	}
	hooks.RegisterRoutes(authed)

	ops := v1.Group("", auth.RequireAdmin())
	admin.NewHandler().
		WithTasks(s.scheduler).
		WithOutbox(s.events, s.relay).
		WithMaintenance(s.maintenance).
		WithTrippedWebhooks(s.dispatcher.OpenCircuits).
		RegisterRoutes(ops)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Storage   string          `json:"storage"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	ok, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Storage:   s.storage,
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

// recoverState rebuilds in-memory bookkeeping from storage: timer tasks
// lost with a previous process and the per-admin workload counters.
func (s *Server) recoverState(ctx context.Context) {
	if n, err := s.escrow.RebuildDeadlines(ctx); err != nil {
		s.logger.Error("failed to rebuild deadlines", "error", err)
	} else if n > 0 {
		s.logger.Info("deadlines restored", "count", n)
	}

	counts, err := s.coordinator.RebuildWorkload(ctx)
	if err != nil {
		s.logger.Error("failed to rebuild admin workload", "error", err)
		return
	}
	assigned, err := s.coordinator.AutoAssign(ctx)
	if err != nil {
		s.logger.Error("startup auto-assign failed", "error", err)
	}
	s.logger.Info("arbitration workload restored", "admins", len(counts), "assigned", assigned)
}

// Run starts the HTTP server and background loops, and blocks until ctx is
// cancelled, a termination signal arrives or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTraces, err := traces.Init(ctx, traces.Options{
		Endpoint:    s.cfg.OTLPEndpoint,
		Version:     Version,
		SampleRatio: s.cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	s.recoverState(ctx)

	if err := s.maintenance.Start(ctx); err != nil {
		_ = shutdownTraces(context.Background())
		return err
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error { s.hub.Run(gctx); return nil })
	g.Go(func() error { s.scheduler.Start(gctx); return nil })
	g.Go(func() error { s.relay.Start(gctx); return nil })

	s.ready.Store(true)
	s.logger.Info("server ready")

	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown(shutdownTraces)
	})

	return g.Wait()
}

// shutdown gracefully stops the server
func (s *Server) shutdown(shutdownTraces traces.ShutdownFunc) error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		firstErr = err
	}

	s.scheduler.Stop()
	s.relay.Stop()
	s.maintenance.Stop()
	s.rateLimiter.Stop()

	if err := shutdownTraces(ctx); err != nil {
		s.logger.Error("trace exporter shutdown error", "error", err)
	}

	s.closeStorage()

	s.logger.Info("server stopped")
	return firstErr
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
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
