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
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/guildgate/internal/admission"
	"github.com/mbd888/guildgate/internal/antiraid"
	"github.com/mbd888/guildgate/internal/arbitration"
	"github.com/mbd888/guildgate/internal/audit"
	"github.com/mbd888/guildgate/internal/auth"
	"github.com/mbd888/guildgate/internal/banregistry"
	"github.com/mbd888/guildgate/internal/circuitbreaker"
	"github.com/mbd888/guildgate/internal/config"
	"github.com/mbd888/guildgate/internal/correlation"
	"github.com/mbd888/guildgate/internal/decision"
	"github.com/mbd888/guildgate/internal/discord"
	"github.com/mbd888/guildgate/internal/health"
	"github.com/mbd888/guildgate/internal/identity"
	"github.com/mbd888/guildgate/internal/logging"
	"github.com/mbd888/guildgate/internal/maintenance"
	"github.com/mbd888/guildgate/internal/metrics"
	"github.com/mbd888/guildgate/internal/profile"
	"github.com/mbd888/guildgate/internal/ratelimit"
	"github.com/mbd888/guildgate/internal/realtime"
	"github.com/mbd888/guildgate/internal/reputation"
	"github.com/mbd888/guildgate/internal/retry"
	"github.com/mbd888/guildgate/internal/risk"
	"github.com/mbd888/guildgate/internal/security"
	"github.com/mbd888/guildgate/internal/traces"
	"github.com/mbd888/guildgate/internal/validation"
	"github.com/mbd888/guildgate/internal/webhooks"
)

// Version is reported by /health and traces. cmd/server overrides it from
// build flags.
var Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	policy *config.Policy

	store      identity.Store
	authMgr    *auth.Manager
	admission  *admission.Service
	monitor    *antiraid.Monitor
	incidents  antiraid.IncidentStore
	windows    antiraid.WindowStore
	raidStates antiraid.StateStore
	limiter    *ratelimit.AttemptLimiter
	reputation *reputation.Service
	audit      *audit.Logger
	webhooks   *webhooks.Dispatcher
	webhookDB  webhooks.Store
	emitter    *webhooks.Emitter
	hub        *realtime.Hub
	scheduler  *maintenance.Scheduler
	health     *health.Registry
	breaker    *circuitbreaker.Breaker
	bridge     *discord.Bridge

	rateLimiter    *ratelimit.Limiter
	db             *sql.DB       // nil if using in-memory
	redis          *redis.Client // nil if using in-memory windows and limits
	shutdownTraces func(context.Context) error
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run

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

// WithPolicy uses p instead of loading POLICY_FILE.
func WithPolicy(p *config.Policy) Option {
	return func(s *Server) {
		s.policy = p
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

	if s.policy == nil {
		p, err := config.LoadPolicy(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		s.policy = p
	}
	if cfg.InfraFailurePolicy != "" {
		ip, err := admission.ParseInfraPolicy(cfg.InfraFailurePolicy)
		if err != nil {
			return nil, err
		}
		s.policy.Admission.InfraPolicy = ip
	}
	s.logger.Info("policy loaded",
		"file", cfg.PolicyFile,
		"infra_failure_policy", s.policy.Admission.InfraPolicy,
		"registries", len(s.policy.Registries),
		"arbitration", s.policy.Arbitration.URL != "",
	)

	shutdownTraces, err := traces.Init(ctx, traces.Config{
		Endpoint:       cfg.OTLPEndpoint,
		ServiceVersion: Version,
		SampleRatio:    cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.shutdownTraces = shutdownTraces

	if err := s.initStorage(ctx); err != nil {
		return nil, err
	}
	if err := s.initServices(); err != nil {
		return nil, err
	}

	// Setup router
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// initStorage opens Postgres and Redis when configured. Without them every
// store is in-memory.
func (s *Server) initStorage(ctx context.Context) error {
	var (
		authStore       auth.Store             = auth.NewMemoryStore()
		webhookStore    webhooks.Store         = webhooks.NewMemoryStore()
		auditStore      audit.Store            = audit.NewMemoryStore()
		reputationStore reputation.Store       = reputation.NewMemoryStore()
		attemptStore    ratelimit.AttemptStore = ratelimit.NewMemoryAttemptStore()
	)
	s.store = identity.NewMemoryStore()
	s.incidents = antiraid.NewMemoryIncidentStore()
	s.windows = antiraid.NewMemoryWindowStore()
	s.raidStates = antiraid.NewMemoryStateStore()

	if s.cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))

		identityPG := identity.NewPostgresStore(db)
		authPG := auth.NewPostgresStore(db)
		webhookPG := webhooks.NewPostgresStore(db)
		auditPG := audit.NewPostgresStore(db)
		reputationPG := reputation.NewPostgresStore(db)
		incidentPG := antiraid.NewPostgresIncidentStore(db)

		migrators := []struct {
			name  string
			store interface{ Migrate(context.Context) error }
		}{
			{"identity", identityPG},
			{"auth", authPG},
			{"webhooks", webhookPG},
			{"audit", auditPG},
			{"reputation", reputationPG},
			{"incidents", incidentPG},
		}
		for _, m := range migrators {
			if err := m.store.Migrate(ctx); err != nil {
				return fmt.Errorf("failed to migrate %s store: %w", m.name, err)
			}
		}

		s.store = identityPG
		authStore = authPG
		webhookStore = webhookPG
		auditStore = auditPG
		reputationStore = reputationPG
		s.incidents = incidentPG
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.health.Register("store", health.Ping("store", s.store.Ping))

	if s.cfg.RedisURL != "" {
		opts, err := redis.ParseURL(s.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		s.windows = antiraid.NewRedisWindowStore(client, "guildgate:raid:")
		s.raidStates = antiraid.NewRedisStateStore(client, "guildgate:raid:")
		attemptStore = ratelimit.NewRedisAttemptStore(client, "guildgate:attempts:")
		s.logger.Info("using Redis for raid state, windows and attempt limits", "addr", opts.Addr)

		s.health.Register("redis", health.Ping("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}))
	}

	s.authMgr = auth.NewManager(authStore, s.cfg.AdminSecret)
	s.webhookDB = webhookStore
	s.webhooks = webhooks.NewDispatcher(webhookStore, webhooks.WithLogger(s.logger))
	s.audit = audit.NewLogger(auditStore, s.logger)
	s.reputation = reputation.NewService(reputationStore, s.policy.Trust, s.logger).WithWeights(s.policy.Reputation)
	s.limiter = ratelimit.NewAttemptLimiter(attemptStore, s.policy.Attempts)
	return nil
}

// initServices builds the scoring pipeline and its consumers.
func (s *Server) initServices() error {
	p := s.policy

	s.emitter = webhooks.NewEmitter(s.webhooks, s.logger)
	s.hub = realtime.NewHub(s.logger).WithAllowedOrigins(s.cfg.CORSOrigins)

	s.monitor = antiraid.NewMonitor(p.Raid, s.windows, s.incidents,
		antiraid.WithLogger(s.logger),
		antiraid.WithStateStore(s.raidStates),
	)
	s.monitor.OnTransition(s.onRaidTransition)

	engine := correlation.NewEngine(s.store, p.Correlation, correlation.WithLogger(s.logger))
	opts := []admission.Option{
		admission.WithLogger(s.logger),
		admission.WithRaidGate(s.monitor),
		admission.WithReputation(s.reputation),
		admission.WithNotifiers(
			admission.NewWebhookNotifier(s.webhooks),
			admission.NewRealtimeNotifier(s.hub),
		),
	}

	// One breaker keyed per upstream. Client errors mean the upstream is up.
	breaker := circuitbreaker.New(5, 30*time.Second).WithFailureFilter(upstreamFault)
	s.breaker = breaker
	if len(p.Registries) > 0 {
		regs := make([]banregistry.Registry, 0, len(p.Registries))
		for _, rc := range p.Registries {
			regs = append(regs, banregistry.NewHTTPRegistry(rc, breaker))
		}
		opts = append(opts, admission.WithRegistries(banregistry.NewChecker(p.Admission.SourceTimeout, s.logger, regs...)))
	}
	if p.Arbitration.URL != "" {
		var arbiter decision.Arbiter = arbitration.New(p.Arbitration, breaker)
		opts = append(opts, admission.WithArbiter(arbiter))
	}

	s.admission = admission.NewService(p.Admission, s.store, engine, risk.NewScorer(p.Risk),
		decision.NewPolicy(p.Thresholds), s.limiter, s.audit, opts...)
	s.admission.OnBan(s.onBan)

	if s.cfg.DiscordToken != "" {
		session, err := discord.NewSession(s.cfg.DiscordToken)
		if err != nil {
			return fmt.Errorf("failed to create discord session: %w", err)
		}
		s.admission.AddNotifier(discord.NewRoleGranter(session, discord.Roles{
			Approved:     s.cfg.DiscordApprovedRole,
			Review:       s.cfg.DiscordReviewRole,
			Challenge:    s.cfg.DiscordChallengeRole,
			AlertChannel: s.cfg.DiscordAlertChannel,
		}))
		s.bridge = discord.New(session, discord.NewLocalCore(s.admission, s.monitor, s.store),
			discord.WithLogger(s.logger),
			discord.WithEventTimeout(time.Duration(s.cfg.DiscordEventTimeoutMS)*time.Millisecond),
		)
	}

	s.scheduler = maintenance.NewScheduler(s.logger)
	return maintenance.RegisterDefaults(s.scheduler, p.Maintenance, maintenance.Deps{
		Profiles:   profile.NewRebuilder(s.store, 7*24*time.Hour, p.Admission.MaxMessages),
		Raid:       s.monitor,
		Windows:    s.windows,
		Messages:   s.store,
		Limiter:    s.limiter,
		Reputation: s.reputation,
		Keys:       s.authMgr,
	})
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

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// API rate limiting, separate from the per-identity attempt limiter
	rl := ratelimit.DefaultConfig()
	rl.RequestsPerMinute = s.cfg.RateLimitRPM
	rl.BurstSize = max(rl.BurstSize, s.cfg.RateLimitRPM/10)
	s.rateLimiter = ratelimit.New(rl)
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/ws", auth.Middleware(s.authMgr), auth.RequireAuth(), s.websocketHandler)

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr))

	auth.NewHandler(s.authMgr).RegisterRoutes(v1)

	// Guild routes accept the admin secret or a key scoped to :guild.
	guild := v1.Group("", auth.RequireAuth(), auth.RequireGuildScope("guild"))
	admissionHandler := admission.NewHandler(s.admission)
	admissionHandler.RegisterRoutes(guild)
	reputation.NewHandler(s.reputation).RegisterRoutes(guild)
	antiraid.NewHandler(s.monitor, s.incidents, s.store).RegisterRoutes(guild)

	// Cross-guild moderation is admin only.
	admin := v1.Group("", auth.RequireAdmin())
	admissionHandler.RegisterModeratorRoutes(admin)
	endpoints := security.DefaultEndpointPolicy()
	endpoints.RequireHTTPS = s.cfg.IsProduction()
	webhooks.NewHandler(s.webhookDB).WithEndpointPolicy(endpoints).RegisterRoutes(admin)
	audit.NewHandler(s.audit).RegisterRoutes(admin)
	maintenance.NewHandler(s.scheduler).RegisterRoutes(admin)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints. Upstreams lists signal sources
// with breaker history; an open circuit degrades evaluations, not the service.
type HealthResponse struct {
	Status    string                    `json:"status"`
	Version   string                    `json:"version"`
	Checks    []health.Status           `json:"checks,omitempty"`
	Upstreams []circuitbreaker.Upstream `json:"upstreams,omitempty"`
	Timestamp string                    `json:"timestamp"`
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
		Upstreams: s.breaker.Snapshot(),
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

// websocketHandler pins guild keys to their guild. Admins may watch one
// guild with ?guild= or everything without it.
func (s *Server) websocketHandler(c *gin.Context) {
	scope := auth.GetAuthenticatedGuild(c)
	if auth.IsAdmin(c) {
		scope = c.Query("guild")
		if scope != "" && !validation.IsValidID(scope) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_guild",
				"message": "guild is malformed",
			})
			return
		}
	}
	s.hub.HandleWebSocket(c.Writer, c.Request, scope)
}

// -----------------------------------------------------------------------------
// Event fan-out
// -----------------------------------------------------------------------------

func (s *Server) onRaidTransition(inc antiraid.Incident) {
	data := map[string]any{
		"from":    string(inc.FromMode),
		"to":      string(inc.ToMode),
		"threat":  string(inc.ToThreat),
		"trigger": string(inc.Trigger),
		"count":   inc.Count,
		"at":      inc.At,
	}
	if inc.ToMode == antiraid.ModeLockdown {
		s.hub.BroadcastGuild(realtime.EventLockdown, inc.GuildID, data)
	} else {
		s.hub.BroadcastGuild(realtime.EventRaidCleared, inc.GuildID, data)
	}
	s.emitter.EmitRaidTransition(inc.GuildID, inc.ToMode == antiraid.ModeLockdown, data)

	s.audit.Record(context.Background(), &audit.Entry{
		Kind:    audit.KindRaidTransition,
		GuildID: inc.GuildID,
		Detail:  data,
	})
}

func (s *Server) onBan(report identity.BanReport, rec *identity.BanRecord) {
	data := map[string]any{
		"identityId": rec.IdentityID,
		"severity":   rec.Severity.String(),
		"banCount":   rec.BanCount,
	}
	s.hub.BroadcastGuild(realtime.EventBan, report.GuildID, data)
	s.emitter.EmitBanRecorded(report.GuildID, data)
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

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	s.scheduler.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	if s.bridge != nil {
		if err := s.bridge.Start(); err != nil {
			s.logger.Error("failed to start discord bridge", "error", err)
		}
	}

	// Mark as ready after brief delay for startup
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

	// Stop taking gateway events before draining HTTP.
	if s.bridge != nil {
		if err := s.bridge.Close(); err != nil {
			s.logger.Error("discord bridge close error", "error", err)
		}
	}

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

	s.scheduler.Stop()
	s.logger.Info("maintenance scheduler stopped")

	if err := s.emitter.Close(ctx); err != nil {
		s.logger.Warn("webhook queue not drained", "error", err)
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if err := s.shutdownTraces(ctx); err != nil {
		s.logger.Error("trace shutdown error", "error", err)
	}

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

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Admission exposes the evaluation service for in-process callers.
func (s *Server) Admission() *admission.Service {
	return s.admission
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

// upstreamFault reports whether err says something about upstream health.
// 4xx replies other than 429 come from a live service.
func upstreamFault(err error) bool {
	var se *retry.StatusError
	if errors.As(err, &se) {
		return retry.Retryable(se.Status)
	}
	return true
}
