package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/upstream"
)

func testConfig(baseURL string) config.LLMConfig {
	cfg := config.Default().LLM
	cfg.BaseURL = baseURL
	cfg.APIKey = "test-key"
	cfg.Model = "test/model"
	return cfg
}

func TestOpenRouterComplete(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("unexpected authorization header %q", auth)
		}
		if ref := r.Header.Get("HTTP-Referer"); ref != "Voice Assistant Project (Axios)" {
			t.Errorf("unexpected referer header %q", ref)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"test/model","choices":[{"message":{"role":"assistant","content":"It's sunny."}},{"message":{"role":"assistant","content":"ignored"}}],"usage":{"prompt_tokens":12,"completion_tokens":4}}`))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	gen := NewOpenRouterGenerator(cfg, srv.Client())
	completion, err := gen.Complete(context.Background(), RequestFromConfig(cfg, "What's the weather?"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if completion.Content != "It's sunny." {
		t.Fatalf("expected first choice, got %q", completion.Content)
	}
	if completion.CompletionTokens != 4 || completion.PromptTokens != 12 {
		t.Fatalf("unexpected usage %+v", completion)
	}
	if got.Model != "test/model" || got.MaxTokens != 150 {
		t.Fatalf("unexpected request %+v", got)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Content != "What's the weather?" {
		t.Fatalf("unexpected messages %+v", got.Messages)
	}
}

func TestOpenRouterRejection(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	gen := NewOpenRouterGenerator(testConfig(srv.URL), srv.Client())
	_, err := gen.Complete(context.Background(), Request{Prompt: "hi"})
	var upErr *upstream.Error
	if !errors.As(err, &upErr) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if upErr.Kind != upstream.KindRejected || upErr.Status != http.StatusTooManyRequests || upErr.Message != "rate limited" {
		t.Fatalf("unexpected error %+v", upErr)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected exactly one call, got %d", calls.Load())
	}
}

func TestOpenRouterRejectionWithoutMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	gen := NewOpenRouterGenerator(testConfig(srv.URL), srv.Client())
	_, err := gen.Complete(context.Background(), Request{Prompt: "hi"})
	if got := upstream.ClientMessage(err); got != upstream.FallbackMessage {
		t.Fatalf("expected fallback message, got %q", got)
	}
	if got := upstream.HTTPStatus(err); got != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", got)
	}
}

func TestOpenRouterNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	gen := NewOpenRouterGenerator(testConfig(srv.URL), srv.Client())
	_, err := gen.Complete(context.Background(), Request{Prompt: "hi"})
	if err == nil {
		t.Fatal("expected error for empty choices")
	}
	if got := upstream.HTTPStatus(err); got != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", got)
	}
}

func TestOpenRouterTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	gen := NewOpenRouterGenerator(testConfig(url), nil)
	_, err := gen.Complete(context.Background(), Request{Prompt: "hi"})
	var upErr *upstream.Error
	if !errors.As(err, &upErr) || upErr.Kind != upstream.KindTransport {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestMockGenerator(t *testing.T) {
	completion, err := NewMockGenerator().Complete(context.Background(), Request{Prompt: " hello "})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if completion.Content != "[mock completion for hello]" {
		t.Fatalf("unexpected content %q", completion.Content)
	}
}
