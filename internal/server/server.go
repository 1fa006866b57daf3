// Package server assembles escrowd: storage, custody rail, engine, observers
// and the HTTP surface, and runs them under one lifecycle.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"golang.org/x/sync/errgroup"

	"github.com/kustodia/escrowd/internal/access"
	"github.com/kustodia/escrowd/internal/auth"
	"github.com/kustodia/escrowd/internal/chain"
	"github.com/kustodia/escrowd/internal/circuitbreaker"
	"github.com/kustodia/escrowd/internal/config"
	"github.com/kustodia/escrowd/internal/custody"
	"github.com/kustodia/escrowd/internal/escrow"
	"github.com/kustodia/escrowd/internal/eventlog"
	"github.com/kustodia/escrowd/internal/health"
	"github.com/kustodia/escrowd/internal/logging"
	"github.com/kustodia/escrowd/internal/metrics"
	"github.com/kustodia/escrowd/internal/migrations"
	"github.com/kustodia/escrowd/internal/pause"
	"github.com/kustodia/escrowd/internal/ratelimit"
	"github.com/kustodia/escrowd/internal/realtime"
	"github.com/kustodia/escrowd/internal/reconciliation"
	"github.com/kustodia/escrowd/internal/security"
	"github.com/kustodia/escrowd/internal/traces"
	"github.com/kustodia/escrowd/internal/validation"
	"github.com/kustodia/escrowd/internal/webhooks"
)

// Version is reported by /health and in traces.
const Version = "0.3.0"

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *sql.DB // nil when using in-memory stores
	ownsDB bool

	store    escrow.Store
	guard    *access.Guard
	pause    *pause.Switch
	authMgr  *auth.Manager
	service  *escrow.Service
	rail     custody.Transferer
	book     *custody.BookTransferer   // set for the book backend
	onchain  *chain.ERC20Transferer    // set for the erc20 backend
	breakers []*circuitbreaker.Breaker // every breaker whose state feeds readiness

	hub        *realtime.Hub
	webhooks   *webhooks.Dispatcher
	reconciler *reconciliation.Runner
	reconTimer *reconciliation.Timer
	limiter    *ratelimit.Limiter
	health     *health.Registry

	router        *gin.Engine
	httpSrv       *http.Server
	stopTracing   func(context.Context) error
	ready         atomic.Bool
	listenAddress atomic.Value // string, set once listening
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithTransferer replaces the configured custody rail.
func WithTransferer(t custody.Transferer) Option {
	return func(s *Server) {
		s.rail = t
	}
}

// WithDB uses an existing, already migrated pool instead of DATABASE_URL.
// The caller keeps ownership of db.
func WithDB(db *sql.DB) Option {
	return func(s *Server) {
		s.db = db
	}
}

// New builds the server. Nothing runs until Run.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}

	ctx := context.Background()

	stopTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	s.stopTracing = stopTracing

	for _, step := range []func(context.Context) error{
		s.openDatabase,
		s.setupControlPlane,
		s.setupRail,
		s.setupObservers,
	} {
		if err := step(ctx); err != nil {
			s.close()
			return nil, err
		}
	}
	s.setupEngine()
	s.setupHealth()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func (s *Server) openDatabase(ctx context.Context) error {
	if s.db == nil && s.cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db, s.ownsDB = db, true
		s.logger.Info("connected to postgres", "dsn", maskDSN(s.cfg.DatabaseURL))

		// Production schema changes go through cmd/migrate.
		if !s.cfg.IsProduction() {
			if err := migrations.Up(ctx, db); err != nil {
				return fmt.Errorf("apply migrations: %w", err)
			}
		}
	}

	if s.db != nil {
		s.store = escrow.NewPostgresStore(s.db)
		return nil
	}
	s.logger.Warn("DATABASE_URL not set, ledger is in-memory and will not survive restart")
	s.store = escrow.NewMemoryStore()
	return nil
}

func (s *Server) setupControlPlane(ctx context.Context) error {
	var (
		roleStore  access.Store
		pauseStore pause.Store
		keyStore   auth.Store
	)
	if s.db != nil {
		roleStore = access.NewPostgresStore(s.db)
		pauseStore = pause.NewPostgresStore(s.db)
		keyStore = auth.NewPostgresStore(s.db)
	} else {
		roleStore = access.NewMemoryStore()
		pauseStore = pause.NewMemoryStore()
		keyStore = auth.NewMemoryStore()
	}

	s.guard = access.NewGuard(roleStore, s.logger)
	if err := s.guard.Bootstrap(ctx, map[access.Role][]string{
		access.RoleAdministrator:  {s.cfg.AdminAddress},
		access.RoleBridgeOperator: {s.cfg.BridgeAddress},
		access.RolePauseOperator:  {s.cfg.PauserAddress},
	}); err != nil {
		return fmt.Errorf("bootstrap roles: %w", err)
	}

	sw, err := pause.New(ctx, pauseStore, s.guard, s.logger)
	if err != nil {
		return fmt.Errorf("load pause state: %w", err)
	}
	s.pause = sw
	s.guard.WithPause(sw)

	s.authMgr = auth.NewManager(keyStore)
	if s.cfg.BootstrapAdminKey != "" {
		key, err := s.authMgr.Import(ctx, s.cfg.BootstrapAdminKey, s.cfg.AdminAddress, "bootstrap admin")
		if err != nil {
			return fmt.Errorf("import bootstrap admin key: %w", err)
		}
		s.logger.Info("bootstrap admin key registered", "keyId", key.ID, "identity", key.Identity)
	}
	return nil
}

func (s *Server) setupRail(context.Context) error {
	if s.rail != nil {
		s.logger.Info("custody rail injected")
		return nil
	}
	switch s.cfg.CustodyBackend {
	case config.CustodyERC20:
		breaker := circuitbreaker.New(5, 30*time.Second)
		t, err := chain.New(chain.Config{
			RPCURL:              s.cfg.RPCURL,
			PrivateKey:          s.cfg.CustodyPrivateKey,
			ChainID:             s.cfg.ChainID,
			ConfirmationTimeout: s.cfg.ConfirmationTimeout,
		}, chain.WithLogger(s.logger), chain.WithBreaker(breaker))
		if err != nil {
			return fmt.Errorf("init erc20 custody: %w", err)
		}
		s.rail, s.onchain = t, t
		s.breakers = append(s.breakers, breaker)
		s.logger.Info("erc20 custody enabled", "custody", t.Address(), "chainId", s.cfg.ChainID)
	default:
		// Bridge funding settles off-chain, so the bridge is the book's issuer.
		s.book = custody.NewBookTransferer(s.cfg.BridgeAddress)
		s.rail = s.book
		s.logger.Warn("book custody enabled; balances live in process memory")
	}
	return nil
}

func (s *Server) setupObservers(ctx context.Context) error {
	s.hub = realtime.NewHub(s.logger)

	endpoints, err := webhooks.ParseEndpoints(s.cfg.WebhookURLs)
	if err != nil {
		return fmt.Errorf("parse WEBHOOK_URLS: %w", err)
	}
	if s.cfg.IsProduction() {
		for _, ep := range endpoints {
			if err := security.ValidateEndpointURL(ctx, nil, ep); err != nil {
				return fmt.Errorf("webhook endpoint %s: %w", ep, err)
			}
		}
	}
	breaker := circuitbreaker.New(5, time.Minute)
	s.breakers = append(s.breakers, breaker)
	s.webhooks = webhooks.NewDispatcher(endpoints, s.cfg.WebhookSecret, s.logger).WithBreaker(breaker)
	if len(endpoints) > 0 {
		s.logger.Info("bridge webhooks enabled", "endpoints", len(endpoints))
	}

	var opts []reconciliation.Option
	if s.onchain != nil {
		opts = append(opts, reconciliation.WithChain(s.onchain))
	}
	s.reconciler = reconciliation.NewRunner(s.store, s.logger, opts...)
	s.reconTimer = reconciliation.NewTimer(s.reconciler, s.cfg.ReconcileInterval, s.logger)

	s.limiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         s.cfg.RateLimitBurst,
	})
	return nil
}

func (s *Server) setupEngine() {
	fanout := eventlog.NewFanout(s.logger).
		Add("metrics", metrics.EventSink()).
		Add("realtime", s.hub).
		Add("webhooks", s.webhooks)

	adapter := custody.NewAdapter(s.rail, s.store)
	s.service = escrow.NewService(s.store, adapter, s.guard, s.pause).
		WithLogger(s.logger).
		WithSink(fanout).
		WithDisputeFallback(s.cfg.DisputeFallbackAddress)
}

func (s *Server) setupHealth() {
	s.health = health.NewRegistry()
	s.health.Register("server", health.Running("server", s.ready.Load))
	if s.db != nil {
		s.health.Register("database", health.Database(s.db))
	}
	s.health.Register("circuits", health.Circuits(s.openCircuits))
	s.health.Register("pause", health.Info("pause", func() string {
		if s.pause.Paused() {
			return "paused"
		}
		return "running"
	}))
	s.health.Register("reconciliation", health.Info("reconciliation", func() string {
		switch rep := s.reconciler.Last(); {
		case rep == nil:
			return "no run yet"
		case rep.Healthy():
			return "healthy at " + rep.RanAt.UTC().Format(time.RFC3339)
		default:
			return "FAILED at " + rep.RanAt.UTC().Format(time.RFC3339)
		}
	}))
}

func (s *Server) openCircuits() []string {
	var open []string
	for _, b := range s.breakers {
		open = append(open, b.Open()...)
	}
	return open
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(security.ParseOrigins(s.cfg.CORSOrigins)))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Honour an upstream id from the load balancer.
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
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
		if id := auth.GetIdentity(c); id != "" {
			attrs = append(attrs, "identity", id)
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

// requireRole admits callers holding any of roles.
func (s *Server) requireRole(roles ...access.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := auth.GetIdentity(c)
		for _, role := range roles {
			ok, err := s.guard.HasRole(c.Request.Context(), role, identity)
			if err != nil && !errors.Is(err, access.ErrInvalidIdentity) {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   "internal_error",
					"message": "role lookup failed",
				})
				return
			}
			if ok {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "caller lacks a required role",
		})
	}
}

func (s *Server) adminCheck(ctx context.Context, caller string) error {
	ok, err := s.guard.HasRole(ctx, access.RoleAdministrator, caller)
	if err != nil {
		return err
	}
	if !ok {
		return access.ErrUnauthorized
	}
	return nil
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", health.Liveness)
	s.router.GET("/health/ready", s.health.Readiness)
	s.router.GET("/metrics", metrics.Handler())

	authed := []gin.HandlerFunc{
		auth.Middleware(s.authMgr),
		auth.RequireAuth(),
		s.limiter.Middleware(ratelimit.ByIdentity(auth.GetIdentity)),
	}

	s.router.GET("/ws", append(authed, func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})...)

	v1 := s.router.Group("/v1", authed...)
	escrow.NewHandler(s.service).RegisterRoutes(v1)

	authHandler := auth.NewHandler(s.authMgr, s.adminCheck)
	authHandler.RegisterRoutes(v1)

	// Pause, role and key routes enforce their own role rules.
	admin := v1.Group("/admin")
	pause.NewHandler(s.pause).RegisterAdminRoutes(admin)
	access.NewHandler(s.guard).RegisterAdminRoutes(admin)
	authHandler.RegisterAdminRoutes(admin)

	ops := admin.Group("", s.requireRole(access.RoleAdministrator))
	webhooks.NewHandler(s.webhooks).RegisterAdminRoutes(ops)
	reconciliation.NewHandler(s.reconciler).RegisterAdminRoutes(ops)
	if s.book != nil {
		custody.NewBookHandler(s.book).RegisterAdminRoutes(ops)
	}
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())
	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    status,
		"version":   Version,
		"custody":   s.cfg.CustodyBackend,
		"paused":    s.pause.Paused(),
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run serves HTTP and runs every background loop until ctx is cancelled,
// SIGINT/SIGTERM arrives, or one of them fails.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", ":"+s.cfg.Port)
	if err != nil {
		s.close()
		return fmt.Errorf("listen on :%s: %w", s.cfg.Port, err)
	}
	s.listenAddress.Store(ln.Addr().String())

	s.httpSrv = &http.Server{
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.hub.Run(gctx) })
	g.Go(func() error { return s.webhooks.Run(gctx) })
	g.Go(func() error { return s.limiter.Run(gctx) })
	g.Go(func() error {
		s.reconTimer.Start(gctx)
		return nil
	})
	if s.db != nil {
		g.Go(func() error {
			metrics.StartDBStatsCollector(gctx, s.db, 15*time.Second)
			return nil
		})
	}
	g.Go(func() error {
		s.logger.Info("starting server", "addr", ln.Addr().String(), "custody", s.cfg.CustodyBackend)
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.ready.Store(false)
		s.logger.Info("starting graceful shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("shutdown error", "error", err)
		}
		return nil
	})

	s.ready.Store(true)
	s.logger.Info("server ready")

	err = g.Wait()
	s.close()
	return err
}

// close releases everything New acquired.
func (s *Server) close() {
	if s.onchain != nil {
		s.onchain.Close()
	}
	if s.ownsDB && s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		}
	}
	if s.stopTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Warn("tracing shutdown error", "error", err)
		}
	}
	s.logger.Info("server stopped")
}

// Addr returns the listening address once Run has bound it, or "".
func (s *Server) Addr() string {
	addr, _ := s.listenAddress.Load().(string)
	return addr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Service exposes the escrow engine, for embedding and tests.
func (s *Server) Service() *escrow.Service {
	return s.service
}
