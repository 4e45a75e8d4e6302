package router

import (
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/school-notify/internal/handler/health"
	"github.com/jwalitptl/school-notify/internal/handler/notification"
	"github.com/jwalitptl/school-notify/internal/handler/prometheus"
	"github.com/jwalitptl/school-notify/internal/middleware"
	"github.com/jwalitptl/school-notify/internal/model"
	"github.com/jwalitptl/school-notify/pkg/logger"
)

type Handler interface {
	RegisterRoutes(*gin.RouterGroup)
}

type Router struct {
	engine        *gin.Engine
	auth          *middleware.AuthMiddleware
	notificationH *notification.Handler
	healthH       Handler
	metricsH      *prometheus.Handler
	config        RouterConfig
}

type RouterConfig struct {
	Mode           string
	RateLimit      rate.Limit // zero disables inbound rate limiting
	RateBurst      int
	RequestTimeout time.Duration
	MaxBodySize    int64
	CORSConfig     middleware.CORSConfig
	MetricsPath    string // empty disables the metrics endpoint
}

func NewRouter(
	auth *middleware.AuthMiddleware,
	notificationH *notification.Handler,
	healthH *health.Handler,
	metricsH *prometheus.Handler,
	log *logger.Logger,
	config RouterConfig,
) *Router {
	if config.Mode != "" {
		gin.SetMode(config.Mode)
	}
	middleware.RegisterValidators(middleware.DefaultValidators())

	engine := gin.New()

	r := &Router{
		engine:        engine,
		auth:          auth,
		notificationH: notificationH,
		healthH:       healthH,
		metricsH:      metricsH,
		config:        config,
	}

	engine.Use(
		middleware.Recovery(log),
		middleware.RequestID(),
		middleware.Logger(log),
		middleware.ErrorHandler(log),
	)
	if metricsH != nil {
		engine.Use(metricsH.Middleware())
	}
	engine.Use(
		middleware.Timeout(middleware.TimeoutConfig{Duration: config.RequestTimeout}),
		middleware.CORS(config.CORSConfig),
	)

	if config.RateLimit > 0 {
		rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
			Rate:  config.RateLimit,
			Burst: config.RateBurst,
		})
		engine.Use(rateLimiter.RateLimit())
	}

	return r
}

func (r *Router) Setup() {
	if r.metricsH != nil && r.config.MetricsPath != "" {
		r.engine.GET(r.config.MetricsPath, r.metricsH.Handler())
	}

	api := r.engine.Group("/api/v1")
	api.Use(func(c *gin.Context) {
		c.Header("X-API-Version", "1.0")
		c.Next()
	})

	r.healthH.RegisterRoutes(api)

	if r.config.MaxBodySize > 0 {
		api.Use(middleware.SizeLimit(middleware.SizeLimitConfig{MaxBodySize: r.config.MaxBodySize}))
	}
	r.notificationH.RegisterRoutesWithAuth(api, r.auth, model.UserRoleAdmin, model.UserRoleStaff)
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}
