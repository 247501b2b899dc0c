// Package api wires together all HTTP routes for the member directory backend.
//
// Route grouping:
//   - /health, /ready and /version are unauthenticated probes.
//   - Everything under /api/0/organizations/:org_slug/ requires a bearer token
//     (session JWT or organization API key), is rate limited per caller, and is
//     guarded by the organization scope check for the route's HTTP method.
package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-multierror"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/orgmembers/orgmembers/internal/api/admin"
	"github.com/orgmembers/orgmembers/internal/audit"
	"github.com/orgmembers/orgmembers/internal/auth"
	"github.com/orgmembers/orgmembers/internal/config"
	"github.com/orgmembers/orgmembers/internal/db/repositories"
	"github.com/orgmembers/orgmembers/internal/events"
	"github.com/orgmembers/orgmembers/internal/lock"
	"github.com/orgmembers/orgmembers/internal/middleware"
	"github.com/orgmembers/orgmembers/internal/notify"
	"github.com/orgmembers/orgmembers/internal/safego"
	"github.com/orgmembers/orgmembers/internal/services"
)

// Version is reported by /version and the version subcommand. Set at link time.
var Version = "0.1.0"

// BackgroundServices holds references to background work and resources that must
// be stopped during graceful shutdown. The caller (cmd/server) is responsible for
// calling Shutdown() when the process receives a termination signal.
type BackgroundServices struct {
	members      *services.MemberService
	shipper      *audit.MultiShipper
	rateLimiters []*middleware.RateLimiter
}

// Shutdown waits for pending invitation emails, then stops limiter sweepers and
// closes the audit shippers. It should be called after the HTTP server has been
// shut down so that in-flight requests are drained first.
func (bg *BackgroundServices) Shutdown(ctx context.Context) error {
	slog.Info("stopping background services")
	var result *multierror.Error
	if bg.members != nil {
		if err := bg.members.Drain(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("drain invitation emails: %w", err))
		}
	}
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	if bg.shipper != nil {
		if err := bg.shipper.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close audit shippers: %w", err))
		}
	}
	slog.Info("all background services stopped")
	return result.ErrorOrNil()
}

// NewRouter creates and configures the Gin router. rdb may be nil when Redis is disabled.
func NewRouter(cfg *config.Config, db *sqlx.DB, rdb redis.UniversalClient) (*gin.Engine, *BackgroundServices, error) {
	bg := &BackgroundServices{}

	// Repositories
	memberRepo := repositories.NewMemberRepository(db)
	teamRepo := repositories.NewTeamRepository(db)
	orgRepo := repositories.NewOrganizationRepository(db.DB)
	userRepo := repositories.NewUserRepository(db.DB)
	apiKeyRepo := repositories.NewAPIKeyRepository(db.DB)
	auditRepo := repositories.NewAuditRepository(db.DB)

	issuer, err := auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		return nil, nil, fmt.Errorf("token issuer: %w", err)
	}

	locker, err := newLocker(cfg.Lock, db.DB, rdb)
	if err != nil {
		return nil, nil, err
	}

	var recorder *audit.Recorder
	if cfg.Audit.Enabled {
		shipper, err := audit.NewMultiShipper(cfg.Audit.Shippers)
		if err != nil {
			return nil, nil, fmt.Errorf("audit shippers: %w", err)
		}
		if shipper.Len() > 0 {
			bg.shipper = shipper
			recorder = audit.NewRecorder(auditRepo, shipper)
		} else {
			recorder = audit.NewRecorder(auditRepo, nil)
		}
	}

	deps := services.MemberServiceDeps{
		Members:    memberRepo,
		Teams:      teamRepo,
		Roles:      auth.DefaultRoles(),
		Locker:     locker,
		Events:     events.Nop{},
		Background: &safego.Group{},
	}
	if recorder != nil {
		deps.Audit = recorder
	}
	if cfg.Notifications.Enabled {
		deps.Mailer = notify.NewSMTPMailer(cfg.Notifications.SMTP)
	}
	if cfg.Events.Enabled && rdb != nil {
		deps.Events = events.NewRedisPublisher(rdb, cfg.Events.Channel)
	}
	memberService := services.NewMemberService(deps, services.MemberOptionsFromConfig(cfg))
	bg.members = memberService

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware(cfg))
	securityCfg := middleware.APISecurityHeadersConfig()
	securityCfg.EnableHSTS = cfg.Security.TLS.Enabled
	router.Use(middleware.SecurityHeadersMiddleware(securityCfg))
	router.Use(CORSMiddleware(cfg))

	router.GET("/health", healthCheckHandler(db.DB))
	router.GET("/ready", readinessHandler(db.DB, rdb))
	router.GET("/version", versionHandler())

	chain := []gin.HandlerFunc{middleware.AuthMiddleware(issuer, userRepo, apiKeyRepo)}
	inviteChain := []gin.HandlerFunc{}
	if cfg.Security.RateLimiting.Enabled {
		general := middleware.DefaultRateLimitConfig()
		if rpm := cfg.Security.RateLimiting.RequestsPerMinute; rpm > 0 {
			general.RequestsPerMinute = rpm
		}
		if burst := cfg.Security.RateLimiting.Burst; burst > 0 {
			general.BurstSize = burst
		}
		chain = append(chain, middleware.RateLimitMiddleware(bg.limiter(cfg, rdb, general, "general")))
		inviteChain = append(inviteChain, middleware.RateLimitMiddleware(bg.limiter(cfg, rdb, middleware.InviteRateLimitConfig(), "invite")))
	}

	scoped := func(scopeMap map[string][]auth.Scope) gin.HandlerFunc {
		return middleware.RequireOrgScope(middleware.OrgScopeConfig{
			Orgs:       orgRepo,
			Members:    memberRepo,
			Roles:      deps.Roles,
			Superusers: cfg.Auth.Superusers,
			ScopeMap:   scopeMap,
		})
	}

	org := router.Group("/api/0/organizations/:org_slug", chain...)
	{
		members := admin.NewMemberHandlers(memberService, deps.Roles)
		memberScope := scoped(auth.MemberScopeMap)
		org.GET("/members/", memberScope, members.ListMembersHandler())
		org.POST("/members/", append(inviteChain, memberScope, members.InviteMemberHandler())...)

		keys := admin.NewAPIKeyHandlers(apiKeyRepo, auditRecorder(recorder))
		keyScope := scoped(auth.APIKeyScopeMap)
		org.GET("/api-keys/", keyScope, keys.ListAPIKeysHandler())
		org.POST("/api-keys/", keyScope, keys.CreateAPIKeyHandler())
		org.DELETE("/api-keys/:key_id/", keyScope, keys.DeleteAPIKeyHandler())

		logs := admin.NewAuditLogHandlers(auditRepo)
		logScope := scoped(auth.AuditLogScopeMap)
		org.GET("/audit-logs/", logScope, logs.ListAuditLogsHandler())
		org.GET("/audit-logs/:log_id/", logScope, logs.GetAuditLogHandler())
	}

	return router, bg, nil
}

// auditRecorder keeps a disabled recorder from becoming a non-nil interface
func auditRecorder(r *audit.Recorder) admin.AuditRecorder {
	if r == nil {
		return nil
	}
	return r
}

// limiter returns the Redis-backed limiter when distributed limiting is configured,
// otherwise an in-process limiter that is stopped on shutdown.
func (bg *BackgroundServices) limiter(cfg *config.Config, rdb redis.UniversalClient, rl middleware.RateLimitConfig, name string) middleware.Limiter {
	if cfg.Security.RateLimiting.Distributed && rdb != nil {
		return middleware.NewRedisRateLimiter(rdb, rl, "ratelimit:"+name)
	}
	limiter := middleware.NewRateLimiter(rl)
	bg.rateLimiters = append(bg.rateLimiters, limiter)
	return limiter
}

// newLocker builds the per-member lock from the configured backend and retry policy
func newLocker(cfg config.LockConfig, db *sql.DB, rdb redis.UniversalClient) (*lock.Locker, error) {
	var backend lock.Backend
	name := strings.ToLower(cfg.Backend)
	switch name {
	case "redis":
		if rdb == nil {
			return nil, errors.New("lock backend redis requires redis.enabled")
		}
		backend = lock.NewRedisBackend(rdb)
	case "postgres", "":
		name = "postgres"
		backend = lock.NewPostgresBackend(db)
	case "memory":
		backend = lock.NewMemoryBackend()
	default:
		return nil, fmt.Errorf("unknown lock backend %q", cfg.Backend)
	}

	policy := lock.DefaultRetryPolicy()
	if cfg.RetryAttempts > 0 {
		policy.Attempts = cfg.RetryAttempts
	}
	if cfg.RetryBackoff != "" {
		policy.Exponential = cfg.RetryBackoff == "exponential"
	}
	if cfg.RetryInterval > 0 {
		policy.Interval = cfg.RetryInterval
	}
	if cfg.RetryMaxInterval > 0 {
		policy.MaxInterval = cfg.RetryMaxInterval
	}
	return lock.NewLocker(backend, policy, name), nil
}

// @Summary      Health check
// @Description  Liveness probe. Returns 200 while the database answers pings.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Failure      503  {object}  map[string]interface{}
// @Router       /health [get]
// healthCheckHandler returns the health status of the service
func healthCheckHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      Readiness check
// @Description  Returns whether the service is ready to accept traffic. Checks the database and, when configured, Redis.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Failure      503  {object}  map[string]interface{}
// @Router       /ready [get]
// readinessHandler returns the readiness status of the service.
// Unlike the liveness probe (/health), this also checks Redis so that a readiness
// gate fails when member locks or the distributed limiter would error.
func readinessHandler(db *sql.DB, rdb redis.UniversalClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		if err := db.PingContext(c.Request.Context()); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		if rdb != nil {
			if err := rdb.Ping(c.Request.Context()).Err(); err != nil {
				checks["redis"] = "unhealthy"
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"ready":  false,
					"checks": checks,
					"error":  "redis not ready",
				})
				return
			}
			checks["redis"] = "healthy"
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      API version
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /version [get]
// versionHandler returns the API version
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "0",
		})
	}
}

// LoggerMiddleware provides structured logging. The output format follows the
// global handler configured by telemetry.SetupLogger.
func LoggerMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		attrs := []slog.Attr{
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.Int("status", c.Writer.Status()),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", time.Since(start)),
			slog.String("ip", c.ClientIP()),
			slog.String("request_id", middleware.GetRequestID(c)),
			slog.String("user_agent", c.Request.UserAgent()),
		}
		if uid, ok := c.Get(middleware.ContextKeyUserID); ok {
			attrs = append(attrs, slog.String("user_id", fmt.Sprint(uid)))
		}
		if cfg.Logging.Format == "text" && len(c.Errors) > 0 {
			attrs = append(attrs, slog.String("errors", c.Errors.String()))
		}
		slog.LogAttrs(c.Request.Context(), level, "http request", attrs...)
	}
}

// CORSMiddleware handles CORS
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	methods := "GET, POST, PUT, DELETE, OPTIONS"
	if len(cfg.Security.CORS.AllowedMethods) > 0 {
		methods = strings.Join(cfg.Security.CORS.AllowedMethods, ", ")
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin == "" {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
			}
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", methods)
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID")
			c.Header("Access-Control-Expose-Headers", "Link, Warning, X-Request-ID, X-RateLimit-Remaining")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
