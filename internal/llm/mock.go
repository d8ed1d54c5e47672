package llm

import (
	"context"
	"strings"
	"time"
)

type mockGenerator struct{}

func NewMockGenerator() Generator { return &mockGenerator{} }

func (m *mockGenerator) Complete(ctx context.Context, req Request) (Completion, error) {
	select {
	case <-ctx.Done():
		return Completion{}, ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}
	return Completion{
		Content: "[mock completion for " + strings.TrimSpace(req.Prompt) + "]",
		Model:   "mock",
		Latency: 20 * time.Millisecond,
	}, nil
}
