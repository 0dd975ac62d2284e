package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider serves "anthropic/..." ids through the Messages API.
type AnthropicProvider struct {
	client *anthropic.Client
}

// NewAnthropic creates a provider with a static API key. An empty baseURL
// uses the SDK default.
func NewAnthropic(apiKey, baseURL string) *AnthropicProvider {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := anthropic.NewClient(opts...)
	return &AnthropicProvider{client: &client}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// anthropicModel maps a catalog name to the API's naming, which uses dashes
// for version dots ("claude-sonnet-4.5" → "claude-sonnet-4-5").
func anthropicModel(id string) string {
	return strings.ReplaceAll(modelName(id), ".", "-")
}

func (p *AnthropicProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	var messages []anthropic.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case "user":
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(anthropicModel(req.Model)),
		MaxTokens: maxTokens(req.MaxTokens),
		Messages:  messages,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	// Streaming keeps long generations alive past the SDK's non-streaming limit.
	stream := p.client.Messages.NewStreaming(ctx, params, option.WithRequestTimeout(10*time.Minute))
	defer stream.Close()

	message := anthropic.Message{}
	for stream.Next() {
		if err := message.Accumulate(stream.Current()); err != nil {
			return nil, &ProviderError{Message: fmt.Sprintf("stream accumulate: %v", err), Provider: p.Name()}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, &ProviderError{Message: err.Error(), Provider: p.Name()}
	}

	var content strings.Builder
	for _, block := range message.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			content.WriteString(text.Text)
		}
	}
	return &CompletionResponse{
		Content:      content.String(),
		Model:        req.Model,
		InputTokens:  int(message.Usage.InputTokens),
		OutputTokens: int(message.Usage.OutputTokens),
		StopReason:   string(message.StopReason),
	}, nil
}
