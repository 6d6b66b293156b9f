package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/mail-guardian/internal/middleware"
	"github.com/jwalitptl/mail-guardian/pkg/logger"
)

type Handler interface {
	RegisterRoutes(*gin.RouterGroup)
}

// MetricsExposer is the HTTP metrics collector and its scrape endpoint.
type MetricsExposer interface {
	Middleware() gin.HandlerFunc
	Handler() gin.HandlerFunc
}

type Router struct {
	engine   *gin.Engine
	auth     *middleware.AuthMiddleware
	webhookH Handler
	adminH   Handler
	healthH  Handler
	metrics  MetricsExposer
	config   RouterConfig
}

type RouterConfig struct {
	DefaultTenant    uuid.UUID
	WebhookPerMinute int
	MaxBodyBytes     int64
	AdminRPS         float64
	AdminBurst       int
	AllowedOrigins   []string
}

func NewRouter(
	auth *middleware.AuthMiddleware,
	webhookH Handler,
	adminH Handler,
	healthH Handler,
	metrics MetricsExposer,
	log *logger.Logger,
	config RouterConfig,
) *Router {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()

	if config.WebhookPerMinute <= 0 {
		config.WebhookPerMinute = 100
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 1 << 20
	}

	r := &Router{
		engine:   engine,
		auth:     auth,
		webhookH: webhookH,
		adminH:   adminH,
		healthH:  healthH,
		metrics:  metrics,
		config:   config,
	}

	engine.Use(
		middleware.RequestID(),
		middleware.Recovery(log),
		middleware.Logger(log),
		middleware.ErrorHandler(log),
		metrics.Middleware(),
	)

	if len(config.AllowedOrigins) > 0 {
		engine.Use(cors.New(cors.Config{
			AllowOrigins:     config.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", middleware.HeaderTenantID, middleware.HeaderXRequestID},
			ExposeHeaders:    []string{middleware.HeaderXRequestID},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	return r
}

func (r *Router) Setup() {
	r.setupHealthCheck(&r.engine.RouterGroup)
	r.engine.GET("/metrics", r.metrics.Handler())

	api := r.engine.Group("/api/v1")
	r.setupWebhookRoutes(api.Group("/gmail"))

	admin := api.Group("/admin")
	if r.config.AdminRPS > 0 {
		admin.Use(middleware.NewRateLimiter(middleware.RateLimiterConfig{
			Rate:  rate.Limit(r.config.AdminRPS),
			Burst: r.config.AdminBurst,
		}).RateLimit())
	}
	admin.Use(r.auth.Authenticate())
	r.adminH.RegisterRoutes(admin)
}

func (r *Router) setupHealthCheck(rg *gin.RouterGroup) {
	r.healthH.RegisterRoutes(rg)
}

// setupWebhookRoutes limits each client IP separately; the push provider
// delivers from a shared pool of addresses.
func (r *Router) setupWebhookRoutes(rg *gin.RouterGroup) {
	rg.Use(
		middleware.NewRateLimiter(middleware.RateLimiterConfig{
			Rate:  middleware.PerMinute(r.config.WebhookPerMinute),
			Burst: r.config.WebhookPerMinute,
		}).RateLimit(),
		middleware.SizeLimit(r.config.MaxBodyBytes),
		middleware.Tenant(r.config.DefaultTenant),
	)
	r.webhookH.RegisterRoutes(rg)
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}
