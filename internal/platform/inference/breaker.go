package inference

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/yungbote/memory-import/internal/pkg/logger"
)

type BreakerConfig struct {
	Name string
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
	// Timeout is how long the breaker stays open before probing.
	Timeout     time.Duration
	MaxRequests uint32
}

// Breaker stops hammering a provider that keeps failing; callers see gobreaker.ErrOpenState,
// which IsRetryable treats as transient.
type Breaker struct {
	next Client
	cb   *gobreaker.CircuitBreaker
}

func NewBreaker(next Client, cfg BreakerConfig, log *logger.Logger) *Breaker {
	if cfg.Name == "" {
		cfg.Name = "inference"
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 20
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 2
	}
	blog := log.With("service", "InferenceBreaker")
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			blog.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
		// only upstream trouble counts against the provider
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			return !IsRetryable(err)
		},
	})
	return &Breaker{next: next, cb: cb}
}

func (b *Breaker) Complete(ctx context.Context, req Request) (Response, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Complete(ctx, req)
	})
	if err != nil {
		return Response{}, err
	}
	return out.(Response), nil
}

func (b *Breaker) State() gobreaker.State { return b.cb.State() }
