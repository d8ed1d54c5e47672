package llm

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-relay/internal/config"
)

// Request describes a single-turn chat completion.
type Request struct {
	Prompt    string
	System    string
	MaxTokens int
}

// Completion is the reply chosen from the provider response.
type Completion struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Generator defines a pluggable completion backend. Complete waits for the
// full response; it never streams.
type Generator interface {
	Complete(ctx context.Context, req Request) (Completion, error)
}

// RequestFromConfig builds the fixed parts of every completion request.
func RequestFromConfig(cfg config.LLMConfig, prompt string) Request {
	return Request{
		Prompt:    prompt,
		System:    cfg.SystemPrompt,
		MaxTokens: cfg.MaxTokens,
	}
}
