package app

import (
	"context"

	apphttp "github.com/yungbote/memory-import/internal/http"
	httpH "github.com/yungbote/memory-import/internal/http/handlers"
	httpMW "github.com/yungbote/memory-import/internal/http/middleware"
)

type httpServer = apphttp.Server

func newHTTPServer(a *App) *httpServer {
	cfg := apphttp.RouterConfig{
		ImportHandler:  httpH.NewImportHandler(a.Log, a.Services.Orchestrator),
		HealthHandler:  httpH.NewHealthHandler(a.ping),
		Log:            a.Log,
		Metrics:        a.Metrics,
		AllowedOrigins: a.Cfg.HTTP.AllowedOrigins,
	}
	if a.Cfg.Telemetry.TracingEnabled {
		cfg.ServiceName = a.Cfg.Telemetry.ServiceName
	}
	if a.Cfg.Auth.JWTSecret != "" {
		cfg.AuthMiddleware = httpMW.NewAuthMiddleware(a.Log, a.Cfg.Auth.JWTSecret)
	} else {
		a.Log.Warn("JWT secret not set; import API is unauthenticated")
	}
	return apphttp.NewServer(a.Cfg.HTTP.Addr, cfg)
}

func (a *App) ping(ctx context.Context) error {
	sqlDB, err := a.DB.DB().DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
