package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/yungbote/memory-import/internal/config"
	"github.com/yungbote/memory-import/internal/importer/fetch"
	"github.com/yungbote/memory-import/internal/pkg/logger"
	"github.com/yungbote/memory-import/internal/platform/gcp"
	"github.com/yungbote/memory-import/internal/platform/inference"
	"github.com/yungbote/memory-import/internal/platform/notify"
)

type Clients struct {
	// Objects is nil when object storage is disabled.
	Objects  *gcp.ObjectSource
	Source   fetch.Source
	AI       inference.Client
	Embedder inference.Embedder
	Notifier notify.Notifier

	redis *notify.Redis
}

func wireClients(ctx context.Context, log *logger.Logger, cfg config.Config) (Clients, error) {
	log.Info("Wiring clients...")
	var c Clients

	// Storage
	objects, err := resolveObjectSource(ctx, log, cfg.Storage)
	if err != nil {
		return Clients{}, err
	}
	c.Objects = objects
	var objectSrc, localSrc fetch.Source
	if objects != nil {
		objectSrc = objects
	}
	if root := strings.TrimSpace(cfg.Storage.LocalRoot); root != "" {
		localSrc = fetch.NewLocalSource(root)
	}
	if objectSrc == nil && localSrc == nil {
		c.Close()
		return Clients{}, fmt.Errorf("no export source: enable object storage or set storage.local_root")
	}
	c.Source = fetch.NewRouter(objectSrc, localSrc)

	// Inference
	ai, err := inference.New(inference.Options{
		Provider:       cfg.Inference.Provider,
		APIKey:         cfg.Inference.APIKey,
		BaseURL:        cfg.Inference.BaseURL,
		Model:          cfg.Inference.Model,
		CallTimeout:    cfg.Inference.CallTimeout,
		BreakerFails:   cfg.Inference.BreakerFails,
		BreakerTimeout: cfg.Inference.BreakerTimeout,
	}, log)
	if err != nil {
		c.Close()
		return Clients{}, fmt.Errorf("init inference client: %w", err)
	}
	c.AI = ai

	// Embeddings are optional
	if strings.TrimSpace(cfg.Embed.Schedule) != "" {
		emb, err := inference.NewOpenAIEmbedder(cfg.Embed.APIKey, cfg.Inference.BaseURL, cfg.Embed.Model)
		if err != nil {
			c.Close()
			return Clients{}, fmt.Errorf("init embedder: %w", err)
		}
		c.Embedder = emb
	}

	// Notifications
	var sinks notify.Multi
	if url := strings.TrimSpace(cfg.Notify.WebhookURL); url != "" {
		sinks = append(sinks, notify.NewWebhook(url, &http.Client{Timeout: cfg.Notify.Timeout}))
	}
	if addr := strings.TrimSpace(cfg.Notify.RedisAddr); addr != "" {
		r, err := notify.NewRedis(ctx, addr, cfg.Notify.RedisChannel, log)
		if err != nil {
			c.Close()
			return Clients{}, fmt.Errorf("init redis notifier: %w", err)
		}
		c.redis = r
		sinks = append(sinks, r)
	}
	switch len(sinks) {
	case 0:
		c.Notifier = notify.Noop{}
	case 1:
		c.Notifier = sinks[0]
	default:
		c.Notifier = sinks
	}
	return c, nil
}

func (c *Clients) Close() {
	if c == nil {
		return
	}
	if c.redis != nil {
		_ = c.redis.Close()
	}
	if c.Objects != nil {
		_ = c.Objects.Close()
	}
}
