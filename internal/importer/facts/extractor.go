package facts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yungbote/memory-import/internal/pkg/logger"
	"github.com/yungbote/memory-import/internal/pkg/retry"
	"github.com/yungbote/memory-import/internal/platform/inference"
	"github.com/yungbote/memory-import/internal/platform/tokenizer"
)

// ErrNoExtractions means every chunk failed extraction.
var ErrNoExtractions = errors.New("fact extraction failed for every chunk")

type ChunkText struct {
	ID   string
	Text string
}

// ChunkSource pages the chunk texts of one import. Pages must call fn in a stable order and
// stop when fn returns an error.
type ChunkSource interface {
	Count(ctx context.Context) (int, error)
	Pages(ctx context.Context, fn func([]ChunkText) error) error
}

// SliceSource serves chunks from memory in pages of PageSize.
type SliceSource struct {
	Chunks   []ChunkText
	PageSize int
}

func (s SliceSource) Count(context.Context) (int, error) { return len(s.Chunks), nil }

func (s SliceSource) Pages(ctx context.Context, fn func([]ChunkText) error) error {
	size := s.PageSize
	if size <= 0 {
		size = 100
	}
	for i := 0; i < len(s.Chunks); i += size {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(i+size, len(s.Chunks))
		if err := fn(s.Chunks[i:end]); err != nil {
			return err
		}
	}
	return nil
}

type Config struct {
	Concurrency     int
	MaxOutputTokens int
	CallTimeout     time.Duration
	Retry           retry.Policy
	Model           string

	// MaxInputTokens clips oversized chunks before they are sent.
	MaxInputTokens int
}

func DefaultConfig() Config {
	return Config{
		Concurrency:     10,
		MaxOutputTokens: 1024,
		MaxInputTokens:  16000,
		CallTimeout:     60 * time.Second,
		Retry:           retry.Policy{MaxRetries: 3, Initial: time.Second, Max: 20 * time.Second},
	}
}

type Result struct {
	Bundle    *Bundle
	Total     int
	Succeeded int
	Skipped   int
}

type Extractor struct {
	ai  inference.Client
	tok tokenizer.Tokenizer
	cfg Config
	log *logger.Logger
}

func NewExtractor(ai inference.Client, tok tokenizer.Tokenizer, cfg Config, log *logger.Logger) *Extractor {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = def.MaxOutputTokens
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Extractor{ai: ai, tok: tok, cfg: cfg, log: log.With("service", "FactExtractor")}
}

// WithClient returns a copy that sends its calls through ai, e.g. a per-job meter.
func (e *Extractor) WithClient(ai inference.Client) *Extractor {
	if ai == nil {
		return e
	}
	cp := *e
	cp.ai = ai
	return &cp
}

type work struct {
	index int
	chunk ChunkText
}

type outcome struct {
	index int
	facts []Fact
	err   error
}

/*
Extract runs one producer paging chunks from src, a fixed pool of Concurrency workers and a
single collector. Facts are merged in chunk order after every worker has finished, so the
bundle does not depend on completion order. A chunk whose calls keep failing is skipped; only
a canceled context or every chunk failing fails the stage.
*/
func (e *Extractor) Extract(ctx context.Context, src ChunkSource, progress func(done, total int)) (*Result, error) {
	total, err := src.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count chunks: %w", err)
	}
	res := &Result{Bundle: NewBundle(), Total: total}
	if total == 0 {
		return res, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	jobs := make(chan work, e.cfg.Concurrency)
	results := make(chan outcome, e.cfg.Concurrency)

	g.Go(func() error {
		defer close(jobs)
		idx := 0
		return src.Pages(gctx, func(page []ChunkText) error {
			for _, c := range page {
				select {
				case jobs <- work{index: idx, chunk: c}:
					idx++
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	})

	var workers errgroup.Group
	for i := 0; i < e.cfg.Concurrency; i++ {
		workers.Go(func() error {
			for w := range jobs {
				facts, err := e.extractOne(gctx, w.chunk)
				select {
				case results <- outcome{index: w.index, facts: facts, err: err}:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		err := workers.Wait()
		close(results)
		return err
	})

	var collected []outcome
	var done atomic.Int64
	g.Go(func() error {
		for o := range results {
			collected = append(collected, o)
			n := int(done.Add(1))
			if progress != nil {
				progress(n, total)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(collected, func(i, j int) bool { return collected[i].index < collected[j].index })
	for _, o := range collected {
		if o.err != nil {
			res.Skipped++
			continue
		}
		res.Succeeded++
		for _, f := range o.facts {
			res.Bundle.Add(f)
		}
	}
	// Chunks the producer never reached (rows removed mid-run) count as skipped.
	if missing := total - len(collected); missing > 0 {
		res.Skipped += missing
	}
	if res.Succeeded == 0 {
		return res, ErrNoExtractions
	}
	e.log.Info("Fact extraction finished",
		"chunks", total,
		"succeeded", res.Succeeded,
		"skipped", res.Skipped,
		"facts", res.Bundle.Len(),
	)
	return res, nil
}

func (e *Extractor) extractOne(ctx context.Context, c ChunkText) ([]Fact, error) {
	text := c.Text
	if e.tok != nil && e.cfg.MaxInputTokens > 0 && e.tok.Count(text) > e.cfg.MaxInputTokens {
		text = e.tok.Truncate(text, e.cfg.MaxInputTokens)
	}
	facts, err := retry.Do(ctx, e.cfg.Retry, inference.IsRetryable, func(ctx context.Context) ([]Fact, error) {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()
		resp, err := e.ai.Complete(callCtx, inference.Request{
			Task:      inference.TaskFactExtraction,
			Model:     e.cfg.Model,
			System:    extractionSystemPrompt,
			Text:      text,
			MaxTokens: e.cfg.MaxOutputTokens,
			JSON:      true,
		})
		if err != nil {
			return nil, err
		}
		return ParseFacts(resp.Text, c.ID)
	}, func(err error, wait time.Duration) {
		e.log.Debug("Retrying fact extraction", "chunk_id", c.ID, "wait", wait, "error", err)
	})
	if err != nil && ctx.Err() == nil {
		e.log.Warn("Skipping chunk after failed extraction", "chunk_id", c.ID, "error", err)
	}
	return facts, err
}
