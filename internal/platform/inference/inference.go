// Package inference is the text-completion boundary used by the import pipeline.
package inference

import (
	"context"
	"errors"
	"strings"

	"github.com/sony/gobreaker"

	"github.com/yungbote/memory-import/internal/pkg/httpx"
)

type Task string

const (
	TaskQuickSummary   Task = "quick_summary"
	TaskFactExtraction Task = "fact_extraction"
	TaskReduce         Task = "reduce"
	TaskDigest         Task = "digest"
	TaskSection        Task = "section"
)

type Request struct {
	Task Task
	// Model overrides the client's default model.
	Model     string
	System    string
	Text      string
	MaxTokens int
	// JSON asks the provider for a JSON object reply where it supports that.
	JSON bool
}

type Usage struct {
	InputTokens  int
	OutputTokens int
}

type Response struct {
	Text  string
	Model string
	Usage Usage
}

type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

type ClientFunc func(ctx context.Context, req Request) (Response, error)

func (f ClientFunc) Complete(ctx context.Context, req Request) (Response, error) { return f(ctx, req) }

var (
	// ErrMalformedResponse marks a reply that could not be parsed. It is retried like a
	// transport error.
	ErrMalformedResponse = errors.New("malformed inference response")
	ErrEmptyResponse     = errors.New("empty inference response")
)

// IsRetryable classifies provider errors. Rate limits, overload, 408/5xx, timeouts and
// malformed replies are worth another call; auth and request errors are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrMalformedResponse) || errors.Is(err, ErrEmptyResponse) {
		return true
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	if code, ok := statusOf(err); ok {
		return httpx.IsRetryableHTTPStatus(code)
	}
	if kind, ok := kindOf(err); ok {
		switch kind {
		case "rate_limit_error", "overloaded_error", "api_error", "server_error", "timeout":
			return true
		default:
			return false
		}
	}
	return httpx.IsRetryableError(err)
}

// ExtractJSON returns the slice from the first '{' to the last '}' of a model reply, which
// strips code fences and chatter around the object.
func ExtractJSON(s string) (string, error) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", ErrMalformedResponse
	}
	return s[start : end+1], nil
}
