package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/yungbote/memory-import/internal/http/handlers"
	httpMW "github.com/yungbote/memory-import/internal/http/middleware"
	"github.com/yungbote/memory-import/internal/observability"
	"github.com/yungbote/memory-import/internal/pkg/logger"
)

type RouterConfig struct {
	ImportHandler  *httpH.ImportHandler
	HealthHandler  *httpH.HealthHandler
	AuthMiddleware *httpMW.AuthMiddleware

	Log            *logger.Logger
	Metrics        *observability.Metrics
	AllowedOrigins []string
	// ServiceName names the otelgin server spans; empty disables HTTP tracing.
	ServiceName string
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.ServiceName != "" {
		r.Use(otelgin.Middleware(cfg.ServiceName))
	}
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.Metrics(cfg.Metrics))
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(httpMW.CORS(cfg.AllowedOrigins))
	}

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	}

	api := r.Group("/api")
	{
		if cfg.AuthMiddleware != nil {
			api.Use(cfg.AuthMiddleware.RequireAuth())
		}

		// Imports
		if cfg.ImportHandler != nil {
			api.POST("/imports", cfg.ImportHandler.Start)
			api.GET("/imports/status", cfg.ImportHandler.Status)
		}
	}

	return r
}
