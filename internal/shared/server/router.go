package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"himan-converter/internal/conversions"
	"himan-converter/internal/documents"
	"himan-converter/internal/services/health"
	"himan-converter/internal/shared/config"
	"himan-converter/internal/shared/metrics"
	"himan-converter/internal/shared/server/middleware"
	"himan-converter/internal/shared/server/respond"
)

// RouterDeps carries the handlers the router mounts.
type RouterDeps struct {
	Config            config.Config
	Health            *health.Service
	DocumentHandler   *documents.Handler
	ConversionHandler *conversions.Handler
	RateLimiter       *middleware.RateLimiter
}

// NewRouter constructs the Gin engine with middleware and routes registered.
func NewRouter(deps RouterDeps) *gin.Engine {
	if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	r.Use(
		middleware.RequestID(),
		middleware.Logging(),
		middleware.Recovery(),
		middleware.CORS(deps.Config.CORSAllowOrigin),
	)

	r.GET("/metrics", metrics.Handler())

	api := r.Group("/api/v1")
	api.GET("/health", func(c *gin.Context) {
		status := deps.Health.Status(c.Request.Context())
		code := http.StatusOK
		if !status.OK {
			code = http.StatusServiceUnavailable
		}
		respond.JSON(c, code, status)
	})

	sessions := api.Group("")
	sessions.Use(
		middleware.Session(),
		middleware.RateLimit(rateLimitConfig(deps.Config, deps.RateLimiter)),
	)
	if deps.DocumentHandler != nil {
		deps.DocumentHandler.RegisterRoutes(sessions)
	}
	if deps.ConversionHandler != nil {
		deps.ConversionHandler.RegisterRoutes(sessions)
	}

	return r
}

func rateLimitConfig(cfg config.Config, limiter *middleware.RateLimiter) middleware.RateLimitConfig {
	rate := cfg.RateLimitRPS
	burst := cfg.RateLimitBurst
	return middleware.RateLimitConfig{
		Limiter: limiter,
		GroupFor: func(c *gin.Context) string {
			if c.Request.Method != http.MethodGet {
				return ""
			}
			switch c.FullPath() {
			case "/api/v1/session", "/api/v1/conversions/:id":
				return middleware.PollingRateLimitGroup
			}
			return ""
		},
		Rules: map[string]middleware.RateLimitRule{
			"DEFAULT":                        {Rate: rate, Burst: burst},
			middleware.PollingRateLimitGroup: {Rate: rate * 5, Burst: burst * 3},
		},
	}
}

// Addr normalizes the listen address.
func Addr(port string) string {
	if port == "" {
		return ":8080"
	}
	if port[0] == ':' {
		return port
	}
	return ":" + port
}
