package llm

import (
	"context"
	"fmt"
	"strings"
)

// MockGenerator provides deterministic local replies when no real model
// is configured. It echoes a bounded prefix of the prompt, which keeps
// dev chat flows and tests reproducible.
type MockGenerator struct{}

func NewMockGenerator() *MockGenerator { return &MockGenerator{} }

func (g *MockGenerator) Generate(ctx context.Context, prompt, _ string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "(fallback) empty prompt received.", nil
	}
	if len(prompt) > 400 {
		prompt = prompt[:400]
	}
	return fmt.Sprintf("(fallback) %s", prompt), nil
}
