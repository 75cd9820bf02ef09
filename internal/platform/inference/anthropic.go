package inference

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	anthropic "github.com/liushuangls/go-anthropic/v2"

	"github.com/yungbote/memory-import/internal/pkg/logger"
)

const defaultAnthropicModel = "claude-3-5-haiku-20241022"

type AnthropicClient struct {
	client  *anthropic.Client
	model   string
	timeout time.Duration
	log     *logger.Logger
}

func NewAnthropicClient(apiKey, baseURL, model string, timeout time.Duration, log *logger.Logger) (*AnthropicClient, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("missing anthropic api key")
	}
	var opts []anthropic.ClientOption
	if baseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(baseURL))
	}
	if model == "" {
		model = defaultAnthropicModel
	}
	return &AnthropicClient{
		client:  anthropic.NewClient(apiKey, opts...),
		model:   model,
		timeout: timeout,
		log:     log.With("service", "AnthropicClient"),
	}, nil
}

func (c *AnthropicClient) Complete(ctx context.Context, req Request) (Response, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	text := req.Text
	if req.JSON {
		text += "\n\nRespond with a single JSON object and nothing else."
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.client.CreateMessages(ctx, anthropic.MessagesRequest{
		Model: anthropic.Model(model),
		Messages: []anthropic.Message{{
			Role:    anthropic.RoleUser,
			Content: []anthropic.MessageContent{anthropic.NewTextMessageContent(text)},
		}},
		MaxTokens: maxTokens,
		System:    req.System,
	})
	if err != nil {
		return Response{}, fmt.Errorf("anthropic %s: %w", req.Task, err)
	}
	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == anthropic.MessagesContentTypeText {
			sb.WriteString(block.GetText())
		}
	}
	out := strings.TrimSpace(sb.String())
	if out == "" {
		return Response{}, fmt.Errorf("anthropic %s: %w", req.Task, ErrEmptyResponse)
	}
	return Response{
		Text:  out,
		Model: model,
		Usage: Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens},
	}, nil
}
