package llm

import (
	"context"
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/conductor/internal/config"
	"github.com/haasonsaas/conductor/internal/errs"
)

// OpenAIBackend speaks to any OpenAI-compatible chat completion
// endpoint, including self-hosted gateways that reuse the wire format.
type OpenAIBackend struct {
	client *openai.Client
}

// NewOpenAIBackend builds a backend against cfg.Endpoint. An empty
// endpoint keeps the SDK default base URL.
func NewOpenAIBackend(cfg config.LLMConfig) *OpenAIBackend {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.Endpoint != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.Endpoint, "/")
	}
	return &OpenAIBackend{client: openai.NewClientWithConfig(clientCfg)}
}

func (*OpenAIBackend) Name() string { return "openai" }

func (b *OpenAIBackend) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
	})
	if err != nil {
		return "", classifyOpenAIError(err, req.Model)
	}
	if len(resp.Choices) == 0 {
		return "", errs.E(errs.KindLLMParse, "model %s returned no choices", req.Model)
	}
	return resp.Choices[0].Message.Content, nil
}

// classifyOpenAIError maps SDK failures onto the error taxonomy. A
// caller-side cancel passes through untouched so it is never mistaken
// for an endpoint problem; an attempt timeout counts as unavailable.
func classifyOpenAIError(err error, model string) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.KindLLMUnavailable, err, "model %s timed out", model)
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return errs.Wrap(errs.ClassifyHTTPStatus(apiErr.HTTPStatusCode), err, "model %s: %s", model, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return errs.Wrap(errs.ClassifyHTTPStatus(reqErr.HTTPStatusCode), err, "model %s request failed", model)
	}
	return errs.Wrap(errs.KindLLMUnavailable, err, "model %s unreachable", model)
}
