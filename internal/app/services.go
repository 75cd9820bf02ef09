package app

import (
	"fmt"

	"github.com/yungbote/memory-import/internal/config"
	"github.com/yungbote/memory-import/internal/importer/chunker"
	"github.com/yungbote/memory-import/internal/importer/export"
	"github.com/yungbote/memory-import/internal/importer/facts"
	"github.com/yungbote/memory-import/internal/importer/fetch"
	"github.com/yungbote/memory-import/internal/importer/summary"
	"github.com/yungbote/memory-import/internal/jobs/embedder"
	"github.com/yungbote/memory-import/internal/jobs/orchestrator"
	"github.com/yungbote/memory-import/internal/jobs/steps"
	"github.com/yungbote/memory-import/internal/jobs/worker"
	"github.com/yungbote/memory-import/internal/observability"
	"github.com/yungbote/memory-import/internal/pkg/logger"
	"github.com/yungbote/memory-import/internal/pkg/retry"
	"github.com/yungbote/memory-import/internal/platform/inference"
	"github.com/yungbote/memory-import/internal/platform/tokenizer"
)

type Services struct {
	Orchestrator *orchestrator.Orchestrator
	// Worker is nil when resume is disabled.
	Worker *worker.Worker
	// Backfill is nil without an embedding schedule.
	Backfill *embedder.Backfill
}

func wireServices(log *logger.Logger, cfg config.Config, r Repos, c Clients, metrics *observability.Metrics) (Services, error) {
	log.Info("Wiring services...")

	ordering, err := export.ParseOrdering(cfg.Export.TieBreak, cfg.Export.MissingTime)
	if err != nil {
		return Services{}, err
	}
	tok := tokenizer.New(cfg.Chunking.Tokenizer, log)
	callRetry := retry.Policy{
		MaxRetries: cfg.Inference.MaxRetries,
		Initial:    cfg.Inference.RetryInitial,
		Max:        cfg.Inference.RetryMax,
	}

	fetcher := fetch.New(c.Source, fetch.Config{
		MaxBytes:   cfg.Fetch.MaxBytes,
		BufferSize: cfg.Fetch.BufferSize,
		WindowSize: cfg.Fetch.WindowSize,
		ZipMember:  cfg.Fetch.ZipMember,
		Retry: retry.Policy{
			MaxRetries: cfg.Fetch.MaxRetries,
			Initial:    cfg.Fetch.RetryInitial,
			Max:        cfg.Fetch.RetryMax,
		},
	}, log)

	chunkCfg := chunker.DefaultConfig()
	chunkCfg.MaxTokens = cfg.Chunking.MaxTokens
	chunkCfg.OverlapTokens = cfg.Chunking.OverlapTokens
	chunkCfg.RecentWindow = cfg.Chunking.RecentWindow

	extractor := facts.NewExtractor(c.AI, tok, facts.Config{
		Concurrency:     cfg.Facts.Concurrency,
		MaxOutputTokens: cfg.Facts.MaxOutputTokens,
		CallTimeout:     cfg.Inference.CallTimeout,
		Retry:           callRetry,
		Model:           cfg.Inference.Model,
	}, log)
	reducer := facts.NewReducer(c.AI, tok, facts.ReducerConfig{
		Ceiling:            cfg.Facts.Ceiling,
		GroupSize:          cfg.Facts.GroupSize,
		MaxRounds:          cfg.Facts.MaxRounds,
		GroupSummaryTokens: cfg.Facts.GroupSummaryTokens,
		CallTimeout:        cfg.Inference.CallTimeout,
		Retry:              callRetry,
		Model:              cfg.Inference.Model,
	}, log)
	summaries := summary.New(c.AI, tok, summary.Config{
		Sections:         cfg.Summary.Sections,
		QuickMaxTokens:   cfg.Summary.QuickMaxTokens,
		DigestMaxTokens:  cfg.Summary.DigestMaxTokens,
		SectionMaxTokens: cfg.Summary.SectionMaxTokens,
		SampleTokens:     cfg.Summary.SampleTokens,
		Concurrency:      cfg.Summary.Concurrency,
		CallTimeout:      cfg.Inference.CallTimeout,
		Retry:            callRetry,
		Model:            cfg.Inference.Model,
		QuickModel:       cfg.Inference.QuickModel,
	}, log)

	chunking := steps.DefaultChunkingConfig()
	chunking.BatchSize = cfg.Chunking.BatchSize

	reg, err := steps.Registry(steps.Deps{
		Fetcher:   fetcher,
		Reader:    export.Options{BufferSize: cfg.Fetch.BufferSize, Ordering: ordering},
		Tok:       tok,
		Chunker:   chunker.New(tok, chunkCfg),
		Extractor: extractor,
		Reducer:   reducer,
		Summaries: summaries,
		Chunks:    r.Chunks,
		Profiles:  r.Profiles,
		Download: steps.DownloadConfig{
			ScanConversations: cfg.Summary.ScanConversations,
			SampleSize:        cfg.Summary.QuickSampleSize,
			SampleTokens:      cfg.Summary.SampleTokens,
		},
		Chunking:      chunking,
		FactPageSize:  cfg.Facts.PageSize,
		SectionSample: cfg.Summary.SampleSize,
	})
	if err != nil {
		return Services{}, fmt.Errorf("register steps: %w", err)
	}

	orch, err := orchestrator.New(orchestrator.Deps{
		Jobs:     r.Jobs,
		Profiles: r.Profiles,
		Steps:    reg,
		AI:       c.AI,
		Prices:   inference.Prices{Input: cfg.Inference.InputPrice, Output: cfg.Inference.OutputPrice},
		Notifier: c.Notifier,
		Metrics:  metrics,
		Log:      log,
	}, orchestrator.Config{
		MaxConcurrentJobs: cfg.Jobs.MaxConcurrent,
		StaleAfter:        cfg.Jobs.StaleAfter,
		HeartbeatInterval: cfg.Jobs.HeartbeatInterval,
		NotifyTimeout:     cfg.Notify.Timeout,
	})
	if err != nil {
		return Services{}, err
	}

	out := Services{Orchestrator: orch}
	if cfg.Jobs.ResumeOnStart {
		// a dead job is picked up within about 1.25x StaleAfter
		out.Worker = worker.NewWorker(log, orch, cfg.Jobs.StaleAfter/4)
	}
	if c.Embedder != nil {
		out.Backfill = embedder.New(r.Chunks, c.Embedder, metrics, embedder.Config{
			Schedule:  cfg.Embed.Schedule,
			BatchSize: cfg.Embed.BatchSize,
			Retry:     callRetry,
		}, log)
	}
	return out, nil
}
