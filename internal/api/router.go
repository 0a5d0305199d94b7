// Package api is the HTTP transport of the ledger: a gin router exposing
// record creation, lookup, grants, access checks and the event stream.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/deesec/internal/access"
	"github.com/jmerrifield20/deesec/internal/audit"
	"github.com/jmerrifield20/deesec/internal/events"
	"github.com/jmerrifield20/deesec/internal/health"
	"github.com/jmerrifield20/deesec/internal/identity"
	"github.com/jmerrifield20/deesec/internal/ledger"
	"go.uber.org/zap"
)

// Options configures NewRouter.
type Options struct {
	Ledger        *ledger.Ledger
	Access        *access.Controller
	Bus           *events.Bus
	Authenticator identity.Authenticator
	// Tokens, when set, publishes the token verification key.
	Tokens *identity.TokenIssuer
	// Health, when set, adds dependency statuses to /healthz.
	Health *health.Checker
	// Audit, when set, serves the event hash chain under /api/v1/audit.
	Audit *audit.Chain

	CORSOrigins    []string
	RateLimitRPS   float64 // 0 disables rate limiting
	RateLimitBurst int
	MaxBodyBytes   int64
	Logger         *zap.Logger
}

// NewRouter builds the ledgerd HTTP handler. ctx bounds background work
// started by the middleware stack.
func NewRouter(ctx context.Context, o Options) *gin.Engine {
	logger := o.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())

	if len(o.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     o.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept", identity.HeaderIdentity},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: !containsWildcard(o.CORSOrigins),
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers
	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	if o.MaxBodyBytes > 0 {
		router.Use(func(c *gin.Context) {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, o.MaxBodyBytes)
			c.Next()
		})
	}

	if o.RateLimitRPS > 0 {
		burst := o.RateLimitBurst
		if burst <= 0 {
			burst = int(o.RateLimitRPS * 2)
		}
		router.Use(RateLimiter(ctx, o.RateLimitRPS, burst))
	}

	router.Use(PrometheusMiddleware())
	router.Use(requestLogger(logger))

	router.GET("/healthz", healthz(o.Ledger, o.Health, logger))
	router.GET("/metrics", MetricsHandler())

	auth := o.Authenticator
	if auth == nil {
		auth = identity.OpenAuthenticator{}
	}
	v1 := router.Group("/api/v1", identity.Middleware(auth))
	NewRecordHandler(o.Ledger, o.Access, logger).Register(v1)
	if o.Bus != nil {
		NewStreamHandler(o.Bus, logger).Register(v1)
	}
	if o.Audit != nil {
		NewAuditHandler(o.Audit, logger).Register(v1)
	}
	if o.Tokens != nil {
		v1.GET("/identity/key", publicKey(o.Tokens, logger))
	}

	return router
}

// healthz fails only when storage is unreachable. Degraded event sinks are
// reported but do not fail the check, since the ledger still commits.
func healthz(l *ledger.Ledger, deps *health.Checker, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		n, err := l.RecordCount(ctx)
		if err != nil {
			logger.Warn("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		body := gin.H{"status": "ok", "records": n}
		if deps != nil {
			body["dependencies"] = deps.Statuses()
			if len(deps.Degraded()) > 0 {
				body["status"] = "degraded"
			}
		}
		c.JSON(http.StatusOK, body)
	}
}

func publicKey(tokens *identity.TokenIssuer, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		pem, err := tokens.PublicKeyPEM()
		if err != nil {
			writeError(c, logger, "public key", err)
			return
		}
		c.Data(http.StatusOK, "application/x-pem-file", []byte(pem))
	}
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("caller", string(identity.FromGin(c))),
		)
	}
}
