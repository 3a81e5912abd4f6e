package llm

import (
	"context"
	"errors"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/conductor/internal/errs"
)

// messagesAPI is the slice of the Anthropic SDK the backend touches,
// narrowed so tests can substitute a stub.
type messagesAPI interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// AnthropicBackend speaks the Anthropic Messages API for claude models
// that bypass the OpenAI-compatible gateway.
type AnthropicBackend struct {
	messages messagesAPI
}

// NewAnthropicBackend builds a backend with apiKey. A non-empty
// endpoint overrides the SDK base URL.
func NewAnthropicBackend(apiKey, endpoint string) *AnthropicBackend {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if endpoint != "" {
		opts = append(opts, option.WithBaseURL(endpoint))
	}
	client := anthropic.NewClient(opts...)
	return &AnthropicBackend{messages: &client.Messages}
}

func (*AnthropicBackend) Name() string { return "anthropic" }

func (b *AnthropicBackend) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	// The Messages API rejects requests without max_tokens.
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  make([]anthropic.MessageParam, 0, len(req.Messages)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	for _, m := range req.Messages {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		}
	}

	msg, err := b.messages.New(ctx, params)
	if err != nil {
		return "", classifyAnthropicError(err, req.Model)
	}
	var parts []string
	for _, block := range msg.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	if len(parts) == 0 {
		return "", errs.E(errs.KindLLMParse, "model %s returned no text blocks", req.Model)
	}
	return strings.Join(parts, "\n"), nil
}

func classifyAnthropicError(err error, model string) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.KindLLMUnavailable, err, "model %s timed out", model)
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return errs.Wrap(errs.ClassifyHTTPStatus(apiErr.StatusCode), err, "model %s request rejected", model)
	}
	return errs.Wrap(errs.KindLLMUnavailable, err, "model %s unreachable", model)
}
