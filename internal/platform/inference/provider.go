package inference

import (
	"fmt"
	"strings"
	"time"

	"github.com/yungbote/memory-import/internal/pkg/logger"
)

type Options struct {
	Provider       string
	APIKey         string
	BaseURL        string
	Model          string
	CallTimeout    time.Duration
	BreakerFails   uint32
	BreakerTimeout time.Duration
}

// New builds the configured provider behind a circuit breaker.
func New(opts Options, log *logger.Logger) (Client, error) {
	var (
		base Client
		err  error
	)
	switch strings.ToLower(strings.TrimSpace(opts.Provider)) {
	case "anthropic", "":
		base, err = NewAnthropicClient(opts.APIKey, opts.BaseURL, opts.Model, opts.CallTimeout, log)
	case "openai":
		base, err = NewOpenAIClient(opts.APIKey, opts.BaseURL, opts.Model, opts.CallTimeout, log)
	default:
		return nil, fmt.Errorf("unknown inference provider %q", opts.Provider)
	}
	if err != nil {
		return nil, err
	}
	return NewBreaker(base, BreakerConfig{
		Name:                "inference-" + strings.ToLower(opts.Provider),
		ConsecutiveFailures: opts.BreakerFails,
		Timeout:             opts.BreakerTimeout,
	}, log), nil
}
