// Package api wires together all HTTP routes for the log query proxy.
//
// Route grouping:
//   - /health, /ready and /version are unauthenticated so orchestrators can
//     probe the process without a host token.
//   - Everything under /api/v1/ requires a host-signed identity token. Access
//     control beyond identity (roles, delegated permission, quota) is decided
//     by the pipeline, never by route middleware, so that every decision is
//     audited in one place.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/logwarden/logwarden/internal/api/logs"
	"github.com/logwarden/logwarden/internal/config"
	"github.com/logwarden/logwarden/internal/middleware"
	"github.com/logwarden/logwarden/internal/storage"
)

// Version is reported by /version and the version command. Overridden at build time.
var Version = "0.1.0"

// ReadinessChecker is a dependency probed by /ready.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// Dependencies are the components the router serves.
type Dependencies struct {
	Guard logs.Guard
	Store storage.Store
	// Upstream is probed by /ready when set.
	Upstream ReadinessChecker
	// Redis, when set, backs the ingress throttle so replicas share one budget.
	Redis  redis.UniversalClient
	Logger *slog.Logger
}

// BackgroundServices holds goroutines started by the router that must be
// stopped during graceful shutdown, after the HTTP server has drained.
type BackgroundServices struct {
	rateLimiters []*middleware.RateLimiter
}

// Shutdown stops all background goroutines.
func (bg *BackgroundServices) Shutdown() {
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router
func NewRouter(cfg *config.Config, deps Dependencies) (*gin.Engine, *BackgroundServices) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bg := &BackgroundServices{}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware(logger))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig(cfg.Security.TLS.Enabled)))
	router.Use(CORSMiddleware(cfg))

	router.GET("/health", healthCheckHandler())
	router.GET("/ready", readinessHandler(deps.Store, deps.Upstream))
	router.GET("/version", versionHandler())

	v1 := router.Group("/api/v1")
	if rl := cfg.Security.RateLimiting; rl.Enabled {
		limitCfg := middleware.DefaultRateLimitConfig()
		if rl.RequestsPerMinute > 0 {
			limitCfg.RequestsPerMinute = rl.RequestsPerMinute
		}
		if rl.Burst > 0 {
			limitCfg.BurstSize = rl.Burst
		}

		var limiter middleware.IngressLimiter
		if deps.Redis != nil {
			limiter = middleware.NewRedisRateLimiter(deps.Redis, limitCfg, cfg.Store.Redis.KeyPrefix)
		} else {
			memLimiter := middleware.NewRateLimiter(limitCfg)
			bg.rateLimiters = append(bg.rateLimiters, memLimiter)
			limiter = memLimiter
		}
		v1.Use(middleware.RateLimitMiddleware(limiter))
	}
	v1.Use(middleware.IdentityMiddleware(middleware.IdentityConfig{
		Issuer:  cfg.Auth.Issuer,
		HostURL: cfg.Access.HostURL,
	}))

	h := logs.NewHandler(deps.Guard, cfg.Access.AuditReadRoles, logger)
	v1.POST("/logs/query", h.QueryLogs)
	v1.POST("/actions/:action", h.AuthorizeAction)
	v1.GET("/audit", h.ListAudit)

	return router, bg
}

// @Summary      Liveness check
// @Description  Returns 200 while the process is serving requests.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /health [get]
func healthCheckHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      Readiness check
// @Description  Returns whether the service can serve queries: the durable store and, when configured, the log backend must respond.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Failure      503  {object}  map[string]interface{}
// @Router       /ready [get]
// readinessHandler fails when the store is unreachable, since rate limiting and
// audit writes depend on it, or when the log backend is not ready.
func readinessHandler(store storage.Store, upstream ReadinessChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		checks := gin.H{}
		if store != nil {
			if err := storage.Ping(ctx, store); err != nil {
				checks["store"] = "unhealthy"
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"ready":  false,
					"checks": checks,
					"error":  "store not ready",
				})
				return
			}
			checks["store"] = "healthy"
		}

		if upstream != nil {
			if err := upstream.Ready(ctx); err != nil {
				checks["upstream"] = "unhealthy"
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"ready":  false,
					"checks": checks,
					"error":  "log backend not ready",
				})
				return
			}
			checks["upstream"] = "healthy"
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      Version
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /version [get]
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
		})
	}
}

// LoggerMiddleware logs one structured record per request. The query string is
// omitted: audit filters can carry user ids that belong in the audit trail, not
// in access logs.
func LoggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}

		logger.LogAttrs(
			c.Request.Context(),
			level,
			"http request",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Int("status", status),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", time.Since(start)),
			slog.String("ip", c.ClientIP()),
			slog.String("request_id", c.GetString(middleware.RequestIDKey)),
			slog.String("user_id", c.GetString(middleware.UserIDKey)),
		)
	}
}

var corsAllowedHeaders = strings.Join([]string{
	"Origin", "Content-Type", "Accept", "Authorization",
	middleware.RequestIDHeader,
	middleware.HostUserIDHeader,
	middleware.HostAuthTokenHeader,
}, ", ")

// CORSMiddleware handles CORS. A wildcard origin never carries credentials.
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	methods := cfg.Security.CORS.AllowedMethods
	if len(methods) == 0 {
		methods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	}
	allowMethods := strings.Join(methods, ", ")
	maxAge := strconv.Itoa(int((time.Hour).Seconds()))

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		wildcard, exact := false, false
		for _, allowed := range cfg.Security.CORS.AllowedOrigins {
			if allowed == "*" {
				wildcard = true
			} else if origin != "" && allowed == origin {
				exact = true
			}
		}

		switch {
		case exact:
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Vary", "Origin")
		case wildcard:
			c.Header("Access-Control-Allow-Origin", "*")
		}
		if exact || wildcard {
			c.Header("Access-Control-Allow-Methods", allowMethods)
			c.Header("Access-Control-Allow-Headers", corsAllowedHeaders)
			c.Header("Access-Control-Expose-Headers", middleware.RequestIDHeader+", Retry-After")
			c.Header("Access-Control-Max-Age", maxAge)
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
