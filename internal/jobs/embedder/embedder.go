// Package embedder backfills vectors for stored conversation chunks on a cron schedule.
package embedder

import (
	"context"
	"fmt"
	"sync"

	jsoniter "github.com/json-iterator/go"
	rcron "github.com/robfig/cron/v3"
	"gorm.io/datatypes"

	repos "github.com/yungbote/memory-import/internal/data/repos/imports"
	"github.com/yungbote/memory-import/internal/observability"
	"github.com/yungbote/memory-import/internal/pkg/dbctx"
	"github.com/yungbote/memory-import/internal/pkg/logger"
	"github.com/yungbote/memory-import/internal/pkg/retry"
	"github.com/yungbote/memory-import/internal/platform/inference"
)

type Config struct {
	// Schedule is a six-field cron spec (with seconds).
	Schedule  string
	BatchSize int
	// MaxBatches bounds one pass so a large backlog is spread over several ticks.
	MaxBatches int
	Retry      retry.Policy
}

type Backfill struct {
	chunks   repos.ChunkRepo
	embedder inference.Embedder
	metrics  *observability.Metrics
	cfg      Config
	log      *logger.Logger

	mu      sync.Mutex
	running bool
	cron    *rcron.Cron
}

func New(chunks repos.ChunkRepo, embedder inference.Embedder, metrics *observability.Metrics, cfg Config, log *logger.Logger) *Backfill {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.MaxBatches <= 0 {
		cfg.MaxBatches = 50
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Backfill{
		chunks:   chunks,
		embedder: embedder,
		metrics:  metrics,
		cfg:      cfg,
		log:      log.With("service", "EmbeddingBackfill"),
	}
}

// Start registers the pass on the cron schedule. The scheduler stops when ctx ends.
func (b *Backfill) Start(ctx context.Context) error {
	c := rcron.New(rcron.WithSeconds(), rcron.WithChain(rcron.Recover(rcron.DiscardLogger)))
	if _, err := c.AddFunc(b.cfg.Schedule, func() {
		n, err := b.RunOnce(ctx)
		if err != nil {
			b.log.Warn("Embedding pass failed", "embedded", n, "error", err)
			return
		}
		if n > 0 {
			b.log.Info("Embedding pass finished", "embedded", n)
		}
	}); err != nil {
		return fmt.Errorf("embed schedule %q: %w", b.cfg.Schedule, err)
	}
	b.mu.Lock()
	b.cron = c
	b.mu.Unlock()
	c.Start()
	b.log.Info("Embedding backfill scheduled", "schedule", b.cfg.Schedule)

	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return nil
}

/*
RunOnce embeds chunks that have no vector yet, batch by batch, until none are left or
MaxBatches is reached. Overlapping passes are skipped rather than queued; a tick that finds
a pass still running returns 0.
*/
func (b *Backfill) RunOnce(ctx context.Context) (int, error) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return 0, nil
	}
	b.running = true
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
	}()

	dbc := dbctx.From(ctx)
	total := 0
	for i := 0; i < b.cfg.MaxBatches; i++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		batch, err := b.chunks.ListMissingEmbedding(dbc, b.cfg.BatchSize)
		if err != nil {
			return total, fmt.Errorf("list chunks: %w", err)
		}
		if len(batch) == 0 {
			return total, nil
		}
		inputs := make([]string, len(batch))
		for j, ch := range batch {
			inputs[j] = ch.Content
		}
		vectors, err := retry.Do(ctx, b.cfg.Retry, inference.IsRetryable, func(ctx context.Context) ([][]float32, error) {
			return b.embedder.Embed(ctx, inputs)
		}, nil)
		if err != nil {
			return total, err
		}
		if len(vectors) != len(batch) {
			return total, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(batch))
		}
		for j, ch := range batch {
			raw, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(vectors[j])
			if err != nil {
				return total, fmt.Errorf("encode vector: %w", err)
			}
			if err := b.chunks.AttachEmbedding(dbc, ch.ID, datatypes.JSON(raw)); err != nil {
				return total, fmt.Errorf("attach embedding: %w", err)
			}
		}
		total += len(batch)
		b.metrics.AddEmbedded(len(batch))
	}
	return total, nil
}
