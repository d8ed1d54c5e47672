package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/upstream"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const providerOpenRouter = "openrouter"

type openRouterGenerator struct {
	baseURL string
	apiKey  string
	model   string
	referer string
	title   string
	client  *http.Client
}

// NewOpenRouterGenerator returns a Generator backed by the OpenRouter chat
// completions API. A nil client selects an instrumented default.
func NewOpenRouterGenerator(cfg config.LLMConfig, client *http.Client) Generator {
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &openRouterGenerator{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		referer: cfg.Referer,
		title:   cfg.Title,
		client:  client,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type chatErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (g *openRouterGenerator) Complete(ctx context.Context, req Request) (Completion, error) {
	payload := chatRequest{
		Model: g.model,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.Prompt},
		},
		MaxTokens: req.MaxTokens,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Completion{}, upstream.Transport(providerOpenRouter, fmt.Errorf("encode request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Completion{}, upstream.Transport(providerOpenRouter, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	if g.referer != "" {
		httpReq.Header.Set("HTTP-Referer", g.referer)
	}
	if g.title != "" {
		httpReq.Header.Set("X-Title", g.title)
	}

	start := time.Now()
	resp, err := g.client.Do(httpReq)
	if err != nil {
		return Completion{}, upstream.Transport(providerOpenRouter, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errBody chatErrorResponse
		_ = json.Unmarshal(upstream.ReadErrorBody(resp.Body), &errBody)
		return Completion{}, upstream.Rejected(providerOpenRouter, resp.StatusCode, errBody.Error.Message)
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Completion{}, upstream.Transport(providerOpenRouter, fmt.Errorf("decode response: %w", err))
	}
	if len(decoded.Choices) == 0 {
		return Completion{}, upstream.Transport(providerOpenRouter, errors.New("response contained no choices"))
	}

	model := decoded.Model
	if model == "" {
		model = g.model
	}
	return Completion{
		Content:          decoded.Choices[0].Message.Content,
		Model:            model,
		PromptTokens:     decoded.Usage.PromptTokens,
		CompletionTokens: decoded.Usage.CompletionTokens,
		Latency:          time.Since(start),
	}, nil
}
