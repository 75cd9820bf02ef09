package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	anthropic "github.com/liushuangls/go-anthropic/v2"
	openai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"

	"github.com/yungbote/memory-import/internal/pkg/httpx"
	"github.com/yungbote/memory-import/internal/pkg/logger"
)

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"malformed", fmt.Errorf("parse: %w", ErrMalformedResponse), true},
		{"openai 429", &openai.APIError{HTTPStatusCode: 429}, true},
		{"openai 400", &openai.APIError{HTTPStatusCode: 400}, false},
		{"openai request 502", &openai.RequestError{HTTPStatusCode: 502, Err: errors.New("bad gateway")}, true},
		{"anthropic overloaded", fmt.Errorf("wrapped: %w", &anthropic.APIError{Type: anthropic.ErrTypeOverloaded}), true},
		{"anthropic invalid", &anthropic.APIError{Type: anthropic.ErrTypeInvalidRequest}, false},
		{"anthropic request 503", &anthropic.RequestError{StatusCode: 503, Err: errors.New("x")}, true},
		{"status 401", &httpx.StatusError{Code: 401}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"breaker open", gobreaker.ErrOpenState, true},
	}
	for _, tc := range cases {
		if got := IsRetryable(tc.err); got != tc.want {
			t.Fatalf("%s: IsRetryable = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestExtractJSON(t *testing.T) {
	got, err := ExtractJSON("Sure!\n```json\n{\"a\": {\"b\": 1}}\n```\nDone.")
	if err != nil || got != `{"a": {"b": 1}}` {
		t.Fatalf("ExtractJSON = %q, %v", got, err)
	}
	if _, err := ExtractJSON("no object here"); !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
}

func TestMeterAccountsPerTask(t *testing.T) {
	fake := ClientFunc(func(_ context.Context, req Request) (Response, error) {
		if req.Task == TaskSection {
			return Response{}, errors.New("boom")
		}
		return Response{Text: "ok", Usage: Usage{InputTokens: 1000, OutputTokens: 500}}, nil
	})
	obs := &recordingObserver{}
	m := NewMeter(fake, Prices{Input: 1, Output: 2}, obs)
	for i := 0; i < 3; i++ {
		if _, err := m.Complete(context.Background(), Request{Task: TaskFactExtraction}); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}
	_, _ = m.Complete(context.Background(), Request{Task: TaskSection})

	total := m.Totals()
	if total.Calls != 4 || total.Failures != 1 || total.InputTokens != 3000 || total.OutputTokens != 1500 {
		t.Fatalf("unexpected totals %+v", total)
	}
	want := 3 * (1000*1.0 + 500*2.0) / 1e6
	if d := total.CostUSD - want; d > 1e-12 || d < -1e-12 {
		t.Fatalf("cost = %v, want %v", total.CostUSD, want)
	}
	if m.ByTask()[TaskFactExtraction].Calls != 3 {
		t.Fatalf("per-task calls wrong: %+v", m.ByTask())
	}
	if obs.calls != 4 || obs.errors != 1 {
		t.Fatalf("observer saw %d calls, %d errors", obs.calls, obs.errors)
	}
	if d := total.Since(Totals{Calls: 1}); d.Calls != 3 {
		t.Fatalf("Since: %+v", d)
	}
}

type recordingObserver struct {
	mu     sync.Mutex
	calls  int
	errors int
}

func (r *recordingObserver) ObserveInference(_ string, _ time.Duration, _ Usage, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if err != nil {
		r.errors++
	}
}

func TestBreakerOpensOnUpstreamFailures(t *testing.T) {
	calls := 0
	failing := ClientFunc(func(context.Context, Request) (Response, error) {
		calls++
		return Response{}, &httpx.StatusError{Code: 503}
	})
	b := NewBreaker(failing, BreakerConfig{ConsecutiveFailures: 3, Timeout: time.Minute}, logger.Nop())
	for i := 0; i < 3; i++ {
		if _, err := b.Complete(context.Background(), Request{}); err == nil {
			t.Fatalf("expected upstream error")
		}
	}
	_, err := b.Complete(context.Background(), Request{})
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("open breaker must not call upstream, calls=%d", calls)
	}
}

func TestBreakerIgnoresRequestErrors(t *testing.T) {
	bad := ClientFunc(func(context.Context, Request) (Response, error) {
		return Response{}, &httpx.StatusError{Code: 400}
	})
	b := NewBreaker(bad, BreakerConfig{ConsecutiveFailures: 2, Timeout: time.Minute}, logger.Nop())
	for i := 0; i < 5; i++ {
		_, _ = b.Complete(context.Background(), Request{})
	}
	if b.State() != gobreaker.StateClosed {
		t.Fatalf("bad requests must not trip the breaker, state=%s", b.State())
	}
}
