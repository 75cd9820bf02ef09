package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/yungbote/memory-import/internal/config"
	"github.com/yungbote/memory-import/internal/data/db"
	"github.com/yungbote/memory-import/internal/observability"
	"github.com/yungbote/memory-import/internal/pkg/logger"
)

type App struct {
	Log      *logger.Logger
	Cfg      config.Config
	DB       *db.Service
	Repos    Repos
	Clients  Clients
	Services Services
	Metrics  *observability.Metrics

	otelShutdown func(context.Context) error

	mu     sync.Mutex
	cancel context.CancelFunc
	server *httpServer
	closed bool
}

// New wires everything from cfg. Background loops are not started until Start.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	var metrics *observability.Metrics
	if cfg.Telemetry.MetricsEnabled {
		metrics = observability.Init(log)
	}
	otelShutdown := observability.InitOTel(ctx, log, observability.OtelConfig{
		Enabled:     cfg.Telemetry.TracingEnabled,
		ServiceName: cfg.Telemetry.ServiceName,
		Environment: cfg.Telemetry.Environment,
		Version:     Version,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.OTLPInsecure,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})

	svc, err := db.Open(db.Options{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN}, log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init database: %w", err)
	}
	if cfg.Database.AutoMigrate {
		if err := db.AutoMigrateAll(svc.DB()); err != nil {
			_ = svc.Close()
			log.Sync()
			return nil, fmt.Errorf("database automigrate: %w", err)
		}
	}

	reposet := wireRepos(svc.DB(), log)

	clients, err := wireClients(ctx, log, cfg)
	if err != nil {
		_ = svc.Close()
		log.Sync()
		return nil, err
	}

	serviceset, err := wireServices(log, cfg, reposet, clients, metrics)
	if err != nil {
		clients.Close()
		_ = svc.Close()
		log.Sync()
		return nil, err
	}

	return &App{
		Log:          log,
		Cfg:          cfg,
		DB:           svc,
		Repos:        reposet,
		Clients:      clients,
		Services:     serviceset,
		Metrics:      metrics,
		otelShutdown: otelShutdown,
	}, nil
}

/*
Start launches the background loops: the stale-job sweep (when resume is enabled) and the
embedding backfill (when scheduled). It is a no-op on a second call.
*/
func (a *App) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if a.Services.Worker != nil {
		a.Services.Worker.Start(ctx)
	}
	if a.Services.Backfill != nil {
		if err := a.Services.Backfill.Start(ctx); err != nil {
			cancel()
			a.cancel = nil
			return fmt.Errorf("start embedding backfill: %w", err)
		}
	}
	return nil
}

// Serve blocks on the HTTP server until it is shut down.
func (a *App) Serve() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	if a.server == nil {
		a.server = newHTTPServer(a)
	}
	srv := a.server
	a.mu.Unlock()
	a.Log.Info("HTTP server listening", "addr", a.Cfg.HTTP.Addr)
	return srv.Run()
}

/*
Close stops accepting requests, cancels the background loops and lets in-flight imports reach
their next checkpoint before closing clients. Jobs still running when ctx expires are left
for a later resume.
*/
func (a *App) Close(ctx context.Context) {
	if a == nil {
		return
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	srv := a.server
	cancel := a.cancel
	a.cancel = nil
	a.closed = true
	a.mu.Unlock()

	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			a.Log.Warn("HTTP shutdown", "error", err)
		}
	}
	if cancel != nil {
		cancel()
	}
	if o := a.Services.Orchestrator; o != nil {
		if err := o.Shutdown(ctx); err != nil {
			a.Log.Warn("Imports still running at shutdown", "error", err)
		}
	}
	a.Clients.Close()
	if a.DB != nil {
		_ = a.DB.Close()
	}
	if a.otelShutdown != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.otelShutdown(sctx)
		scancel()
	}
	a.Log.Sync()
}

// Version is stamped at build time with -ldflags "-X .../internal/app.Version=...".
var Version = "dev"
