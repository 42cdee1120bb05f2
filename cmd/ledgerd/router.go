package main

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/nexusledger/internal/config"
	"github.com/jmerrifield20/nexusledger/internal/status/handler"
	"go.uber.org/zap"
)

// newRouter builds the HTTP surface. Background goroutines owned by the
// middleware stop when ctx is cancelled.
func newRouter(ctx context.Context, cfg config.ServerConfig, ledger handler.Ledger, health handler.Reporter, logger *zap.Logger) *gin.Engine {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(cfg.CORSOrigins),
		MaxAge:           12 * time.Hour,
	}))

	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	// The API is read-only; bodies are never needed.
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<10)
		c.Next()
	})

	router.Use(handler.PrometheusMiddleware())

	router.GET("/healthz", handler.Health(health))
	router.GET("/metrics", handler.MetricsHandler())

	v1 := router.Group("/v1")
	v1.Use(handler.RateLimiter(ctx, handler.RateLimitConfig{
		RPS:           cfg.RateLimitRPS,
		Burst:         cfg.RateLimitBurst,
		IdleTTL:       cfg.RateLimitIdleTTL,
		SweepInterval: cfg.RateLimitSweep,
	}))
	v1.Use(requestLogger(logger))
	handler.NewLedgerHandler(ledger, logger).Register(v1)

	return router
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
		)
	}
}
