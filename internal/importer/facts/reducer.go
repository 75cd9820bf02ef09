package facts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yungbote/memory-import/internal/pkg/logger"
	"github.com/yungbote/memory-import/internal/pkg/retry"
	"github.com/yungbote/memory-import/internal/platform/inference"
	"github.com/yungbote/memory-import/internal/platform/tokenizer"
)

// ErrBundleTooLarge means reduction could not bring the bundle under the ceiling within
// MaxRounds.
var ErrBundleTooLarge = errors.New("fact bundle exceeds processing limit")

// lineOverhead is the token cost of the "- " prefix and line break around each statement.
const lineOverhead = 2

// MinCeiling is the smallest ceiling that still leaves every category room for its
// "## name" header plus one clipped line, with the longest header and any shipped
// tokenizer. Below it a round cannot shrink the bundle.
const MinCeiling = 64

type ReducerConfig struct {
	Ceiling            int
	GroupSize          int
	MaxRounds          int
	GroupSummaryTokens int
	Concurrency        int
	CallTimeout        time.Duration
	Retry              retry.Policy
	Model              string
}

func DefaultReducerConfig() ReducerConfig {
	return ReducerConfig{
		Ceiling:            150000,
		GroupSize:          40,
		MaxRounds:          8,
		GroupSummaryTokens: 400,
		Concurrency:        4,
		CallTimeout:        90 * time.Second,
		Retry:              retry.Policy{MaxRetries: 3, Initial: time.Second, Max: 20 * time.Second},
	}
}

type Reducer struct {
	ai  inference.Client
	tok tokenizer.Tokenizer
	cfg ReducerConfig
	log *logger.Logger
}

func NewReducer(ai inference.Client, tok tokenizer.Tokenizer, cfg ReducerConfig, log *logger.Logger) *Reducer {
	def := DefaultReducerConfig()
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = def.Ceiling
	}
	if cfg.GroupSize < 2 {
		cfg.GroupSize = def.GroupSize
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = def.MaxRounds
	}
	if cfg.GroupSummaryTokens <= 0 {
		cfg.GroupSummaryTokens = def.GroupSummaryTokens
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
	return &Reducer{ai: ai, tok: tok, cfg: cfg, log: log.With("service", "FactReducer")}
}

// WithClient returns a copy that sends its calls through ai.
func (r *Reducer) WithClient(ai inference.Client) *Reducer {
	if ai == nil {
		return r
	}
	cp := *r
	cp.ai = ai
	return &cp
}

func (r *Reducer) Tokens(b *Bundle) int { return r.tok.Count(b.Render()) }

func (r *Reducer) Reduce(ctx context.Context, b *Bundle) (*Bundle, error) {
	out, _, err := r.ReduceRounds(ctx, b)
	return out, err
}

// ReduceRounds is Reduce that also reports how many rounds ran.
func (r *Reducer) ReduceRounds(ctx context.Context, b *Bundle) (*Bundle, int, error) {
	cur := b
	for round := 0; ; round++ {
		tokens := r.Tokens(cur)
		if tokens <= r.cfg.Ceiling {
			return cur, round, nil
		}
		if round >= r.cfg.MaxRounds {
			return nil, round, fmt.Errorf("%w: %d tokens after %d rounds (ceiling %d)", ErrBundleTooLarge, tokens, round, r.cfg.Ceiling)
		}
		r.log.Info("Reducing fact bundle", "round", round+1, "tokens", tokens, "ceiling", r.cfg.Ceiling, "facts", cur.Len())
		next, err := r.round(ctx, cur)
		if err != nil {
			return nil, round, err
		}
		cur = next
	}
}

type group struct {
	category Category
	facts    []Fact
	budget   int
	summary  string
}

/*
round shrinks every category that is over its fair share of the ceiling. Such a category is
cut into groups of GroupSize facts and each group becomes one statement clipped to
fair/groups tokens, so after the round the category fits its share whenever the clip budget
is at least one token. Categories at or under their share are carried over untouched.
*/
func (r *Reducer) round(ctx context.Context, b *Bundle) (*Bundle, error) {
	var present []Category
	for _, c := range Categories {
		if len(b.Facts[c]) > 0 {
			present = append(present, c)
		}
	}
	if len(present) == 0 {
		return b, nil
	}
	share := int(float64(r.cfg.Ceiling)*0.9) / len(present)

	over := map[Category]int{}
	largest, largestTokens := present[0], -1
	for _, c := range present {
		header := r.tok.Count(renderCategory(c, nil))
		fair := share - header
		if fair <= lineOverhead {
			return nil, fmt.Errorf("%w: ceiling %d leaves no room under the %s header", ErrBundleTooLarge, r.cfg.Ceiling, c)
		}
		tokens := r.tok.Count(renderCategory(c, b.Facts[c]))
		if tokens > fair {
			over[c] = fair
		}
		if tokens > largestTokens {
			largest, largestTokens = c, tokens
		}
	}
	if len(over) == 0 {
		over[largest] = share - r.tok.Count(renderCategory(largest, nil))
	}

	var groups []*group
	for _, c := range present {
		fair, ok := over[c]
		if !ok {
			continue
		}
		list := b.Facts[c]
		n := (len(list) + r.cfg.GroupSize - 1) / r.cfg.GroupSize
		budget := max(1, min(r.cfg.GroupSummaryTokens, fair/n-lineOverhead))
		for i := 0; i < len(list); i += r.cfg.GroupSize {
			end := min(i+r.cfg.GroupSize, len(list))
			groups = append(groups, &group{category: c, facts: list[i:end], budget: budget})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, gr := range groups {
		g.Go(func() error {
			s, err := r.summarize(gctx, gr)
			if err != nil {
				return err
			}
			gr.summary = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := NewBundle()
	reduced := 0
	for _, c := range present {
		if _, ok := over[c]; !ok {
			for _, f := range b.Facts[c] {
				out.Add(f)
			}
			continue
		}
		for ; reduced < len(groups) && groups[reduced].category == c; reduced++ {
			out.Add(Fact{Category: c, Statement: groups[reduced].summary})
		}
	}
	return out, nil
}

// summarize asks the model to merge one group; when the calls keep failing it falls back to
// joining the statements. Either way the result is clipped to the group's budget.
func (r *Reducer) summarize(ctx context.Context, gr *group) (string, error) {
	var input strings.Builder
	for _, f := range gr.facts {
		input.WriteString("- ")
		input.WriteString(f.Statement)
		input.WriteByte('\n')
	}
	text, err := retry.Do(ctx, r.cfg.Retry, inference.IsRetryable, func(ctx context.Context) (string, error) {
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		defer cancel()
		resp, err := r.ai.Complete(callCtx, inference.Request{
			Task:      inference.TaskReduce,
			Model:     r.cfg.Model,
			System:    reduceSystemPrompt,
			Text:      fmt.Sprintf("Category: %s\nTarget length: about %d tokens.\n\n%s", gr.category, gr.budget, input.String()),
			MaxTokens: gr.budget * 2,
		})
		if err != nil {
			return "", err
		}
		joined := joinLines(resp.Text)
		if joined == "" {
			return "", inference.ErrEmptyResponse
		}
		return joined, nil
	}, nil)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		r.log.Warn("Group summary failed, concatenating", "category", gr.category, "facts", len(gr.facts), "error", err)
		parts := make([]string, 0, len(gr.facts))
		for _, f := range gr.facts {
			parts = append(parts, f.Statement)
		}
		text = strings.Join(parts, "; ")
	}
	return r.clip(text, gr.budget), nil
}

func (r *Reducer) clip(s string, budget int) string {
	if r.tok.Count(s) <= budget {
		return s
	}
	return strings.TrimSpace(r.tok.Truncate(s, budget))
}

// joinLines folds a multi-line reply into one statement, dropping list markers.
func joinLines(s string) string {
	var parts []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*• ")
		line = strings.TrimSpace(line)
		if line != "" {
			parts = append(parts, line)
		}
	}
	return strings.Join(parts, "; ")
}
