// Package retry runs operations under an exponential backoff policy.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

type Policy struct {
	// MaxRetries is the number of attempts after the first one.
	MaxRetries int
	Initial    time.Duration
	Max        time.Duration
}

func (p Policy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.Initial > 0 {
		b.InitialInterval = p.Initial
	}
	if p.Max > 0 {
		b.MaxInterval = p.Max
	}
	return b
}

// Do calls op until it succeeds, returns an error for which retryable is false, the
// attempts run out, or ctx ends. onRetry, if set, sees every error that will be retried.
func Do[T any](ctx context.Context, p Policy, retryable func(error) bool, op func(ctx context.Context) (T, error), onRetry func(err error, wait time.Duration)) (T, error) {
	tries := p.MaxRetries + 1
	if tries < 1 {
		tries = 1
	}
	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(tries)),
	}
	if onRetry != nil {
		opts = append(opts, backoff.WithNotify(backoff.Notify(onRetry)))
	}
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op(ctx)
		if err != nil && (retryable == nil || !retryable(err)) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, opts...)
}
