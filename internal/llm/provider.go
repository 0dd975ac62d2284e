// Package llm is the completion backend the bot calls once it knows which
// model to use.
package llm

import (
	"context"
	"strings"
	"time"
)

const defaultMaxTokens = 4096

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // user, assistant
	Content string `json:"content"`
}

// CompletionRequest holds parameters for a completion.
type CompletionRequest struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model"` // full catalog id, "<provider>/<name>"
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	System      string    `json:"system,omitempty"`
}

// CompletionResponse holds the model's reply.
type CompletionResponse struct {
	Content      string        `json:"content"`
	Model        string        `json:"model"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	StopReason   string        `json:"stop_reason"`
	Elapsed      time.Duration `json:"-"`
}

// Provider is a completion backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// Router picks a provider by the provider prefix of the requested model id.
type Router struct {
	byPrefix map[string]Provider
	fallback Provider
}

// NewRouter returns a router sending unmatched prefixes to fallback, which
// may be nil.
func NewRouter(fallback Provider) *Router {
	return &Router{byPrefix: map[string]Provider{}, fallback: fallback}
}

// Route sends ids starting with "<prefix>/" to p.
func (r *Router) Route(prefix string, p Provider) {
	r.byPrefix[strings.ToLower(prefix)] = p
}

// Resolve returns the provider serving modelID, or nil.
func (r *Router) Resolve(modelID string) Provider {
	if i := strings.IndexByte(modelID, '/'); i > 0 {
		if p, ok := r.byPrefix[strings.ToLower(modelID[:i])]; ok {
			return p
		}
	}
	return r.fallback
}

// Complete routes req by req.Model and times the call.
func (r *Router) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	p := r.Resolve(req.Model)
	if p == nil {
		return nil, &ProviderError{Message: "no provider configured for " + req.Model}
	}
	start := time.Now()
	resp, err := p.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	resp.Elapsed = time.Since(start)
	return resp, nil
}

// ProviderError represents a provider failure.
type ProviderError struct {
	Message    string
	StatusCode int
	Provider   string
}

func (e *ProviderError) Error() string {
	if e.Provider != "" {
		return e.Provider + ": " + e.Message
	}
	return e.Message
}

func modelName(id string) string {
	if i := strings.IndexByte(id, '/'); i >= 0 {
		return id[i+1:]
	}
	return id
}

func maxTokens(n int) int64 {
	if n <= 0 {
		return defaultMaxTokens
	}
	return int64(n)
}
