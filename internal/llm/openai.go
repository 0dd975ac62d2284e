package llm

import (
	"context"
	"errors"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAICompatProvider serves any OpenAI-compatible chat completions API
// (OpenRouter, DeepSeek, Moonshot, OpenAI itself).
type OpenAICompatProvider struct {
	name   string
	client openai.Client
	// stripPrefix sends only the name part of the id, for APIs that serve a
	// single vendor.
	stripPrefix bool
}

// NewOpenAICompat creates a provider against baseURL.
func NewOpenAICompat(name, baseURL, apiKey string, stripPrefix bool) *OpenAICompatProvider {
	opts := []option.RequestOption{option.WithMaxRetries(2)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &OpenAICompatProvider{
		name:        name,
		client:      openai.NewClient(opts...),
		stripPrefix: stripPrefix,
	}
}

func (p *OpenAICompatProvider) Name() string { return p.name }

func (p *OpenAICompatProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "user":
			messages = append(messages, openai.UserMessage(m.Content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(m.Content))
		}
	}

	model := req.Model
	if p.stripPrefix {
		model = modelName(model)
	}
	params := openai.ChatCompletionNewParams{
		Model:               model,
		Messages:            messages,
		MaxCompletionTokens: openai.Int(maxTokens(req.MaxTokens)),
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		perr := &ProviderError{Message: err.Error(), Provider: p.name}
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			perr.StatusCode = apiErr.StatusCode
		}
		return nil, perr
	}

	out := &CompletionResponse{
		Model:        req.Model,
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}
	if len(resp.Choices) > 0 {
		out.Content = resp.Choices[0].Message.Content
		out.StopReason = resp.Choices[0].FinishReason
	}
	return out, nil
}
