// Package summary turns chunk samples and fact bundles into the quick summary, the memory
// digest and the profile sections.
package summary

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yungbote/memory-import/internal/importer/facts"
	"github.com/yungbote/memory-import/internal/pkg/logger"
	"github.com/yungbote/memory-import/internal/pkg/retry"
	"github.com/yungbote/memory-import/internal/platform/inference"
	"github.com/yungbote/memory-import/internal/platform/tokenizer"
)

// DefaultSections is the section set regenerated at the end of every import.
var DefaultSections = []string{"identity", "interests", "communication_style", "goals", "relationships"}

// Sample is one chunk picked to represent the history.
type Sample struct {
	Title   string
	Content string
}

type Config struct {
	Sections         []string
	QuickMaxTokens   int
	DigestMaxTokens  int
	SectionMaxTokens int
	// SampleTokens bounds the excerpt text sent with quick and section calls.
	SampleTokens int
	Concurrency  int
	CallTimeout  time.Duration
	Retry        retry.Policy
	Model        string
	// QuickModel overrides Model for the quick summary; a smaller model keeps it fast.
	QuickModel string
}

func DefaultConfig() Config {
	return Config{
		Sections:         append([]string(nil), DefaultSections...),
		QuickMaxTokens:   400,
		DigestMaxTokens:  4000,
		SectionMaxTokens: 600,
		SampleTokens:     12000,
		Concurrency:      5,
		CallTimeout:      120 * time.Second,
		Retry:            retry.Policy{MaxRetries: 3, Initial: time.Second, Max: 30 * time.Second},
	}
}

type Generator struct {
	ai  inference.Client
	tok tokenizer.Tokenizer
	cfg Config
	log *logger.Logger
}

func New(ai inference.Client, tok tokenizer.Tokenizer, cfg Config, log *logger.Logger) *Generator {
	def := DefaultConfig()
	if len(cfg.Sections) == 0 {
		cfg.Sections = def.Sections
	}
	if cfg.QuickMaxTokens <= 0 {
		cfg.QuickMaxTokens = def.QuickMaxTokens
	}
	if cfg.DigestMaxTokens <= 0 {
		cfg.DigestMaxTokens = def.DigestMaxTokens
	}
	if cfg.SectionMaxTokens <= 0 {
		cfg.SectionMaxTokens = def.SectionMaxTokens
	}
	if cfg.SampleTokens <= 0 {
		cfg.SampleTokens = def.SampleTokens
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Generator{ai: ai, tok: tok, cfg: cfg, log: log.With("service", "SummaryGenerator")}
}

// WithClient returns a copy that sends its calls through ai, e.g. a per-job meter.
func (g *Generator) WithClient(ai inference.Client) *Generator {
	if ai == nil {
		return g
	}
	cp := *g
	cp.ai = ai
	return &cp
}

func (g *Generator) SectionNames() []string { return append([]string(nil), g.cfg.Sections...) }

// Quick writes the first-impression summary from a sample of chunks.
func (g *Generator) Quick(ctx context.Context, sample []Sample) (string, error) {
	if len(sample) == 0 {
		return "", fmt.Errorf("quick summary: empty sample")
	}
	model := g.cfg.QuickModel
	if model == "" {
		model = g.cfg.Model
	}
	return g.call(ctx, inference.TaskQuickSummary, model, quickSystemPrompt, g.renderSample(sample), g.cfg.QuickMaxTokens)
}

// Digest condenses the reduced fact bundle.
func (g *Generator) Digest(ctx context.Context, b *facts.Bundle) (string, error) {
	if b == nil || b.Len() == 0 {
		return "", nil
	}
	return g.call(ctx, inference.TaskDigest, g.cfg.Model, digestSystemPrompt, b.Render(), g.cfg.DigestMaxTokens)
}

/*
Sections regenerates every configured section concurrently. A section that keeps failing
fails the whole call; sections that succeeded are not returned in that case so a profile is
never left with a half-regenerated set.
*/
func (g *Generator) Sections(ctx context.Context, digest string, sample []Sample) (map[string]string, error) {
	input := "## memory digest\n" + digest
	if len(sample) > 0 {
		input += "\n\n## excerpts\n" + g.renderSample(sample)
	}

	var mu sync.Mutex
	out := make(map[string]string, len(g.cfg.Sections))
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(g.cfg.Concurrency)
	for _, name := range g.cfg.Sections {
		eg.Go(func() error {
			topic, ok := sectionPrompts[name]
			if !ok {
				topic = "the person's " + strings.ReplaceAll(name, "_", " ")
			}
			system := fmt.Sprintf(sectionSystemPrompt, topic, g.cfg.SectionMaxTokens)
			text, err := g.call(ectx, inference.TaskSection, g.cfg.Model, system, input, g.cfg.SectionMaxTokens)
			if err != nil {
				return fmt.Errorf("section %s: %w", name, err)
			}
			mu.Lock()
			out[name] = text
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// call retries only itself and clips the reply to maxTokens.
func (g *Generator) call(ctx context.Context, task inference.Task, model, system, text string, maxTokens int) (string, error) {
	out, err := retry.Do(ctx, g.cfg.Retry, inference.IsRetryable, func(ctx context.Context) (string, error) {
		callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
		defer cancel()
		resp, err := g.ai.Complete(callCtx, inference.Request{
			Task:      task,
			Model:     model,
			System:    system,
			Text:      text,
			MaxTokens: maxTokens,
		})
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(resp.Text), nil
	}, func(err error, wait time.Duration) {
		g.log.Debug("Retrying summary call", "task", task, "wait", wait, "error", err)
	})
	if err != nil {
		return "", err
	}
	if g.tok.Count(out) > maxTokens {
		out = strings.TrimSpace(g.tok.Truncate(out, maxTokens))
	}
	return out, nil
}

// renderSample concatenates excerpts until SampleTokens is spent; the first excerpt is
// clipped rather than dropped when it alone is too large.
func (g *Generator) renderSample(sample []Sample) string {
	var sb strings.Builder
	used := 0
	for i, s := range sample {
		block := s.Content
		if t := strings.TrimSpace(s.Title); t != "" {
			block = "### " + t + "\n" + block
		}
		n := g.tok.Count(block)
		if used+n > g.cfg.SampleTokens {
			if i > 0 {
				break
			}
			block = g.tok.Truncate(block, g.cfg.SampleTokens)
			n = g.cfg.SampleTokens
		}
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(block)
		used += n
	}
	return sb.String()
}
