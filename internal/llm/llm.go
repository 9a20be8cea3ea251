// Package llm wraps the text-generation collaborator. The core only needs
// prompt-in/text-out; provider selection mirrors the embedding package so
// the service always starts, with a deterministic mock when no key is set.
package llm

import (
	"context"
	"fmt"
	"strings"
)

// Generator produces text for a prompt. Implementations may fail at any
// time; callers must have a defined fallback.
type Generator interface {
	Generate(ctx context.Context, prompt, system string) (string, error)
}

// Config selects and parameterizes the generation backend.
type Config struct {
	Provider string // auto | gemini | mock
	APIKey   string
	Model    string
}

// New resolves the generator per provider mode.
func New(cfg Config) (Generator, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if mode == "" {
		mode = "auto"
	}
	switch mode {
	case "gemini":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, fmt.Errorf("LLM_PROVIDER=gemini but GEMINI_API_KEY is not set")
		}
		return NewGeminiGenerator(cfg), nil
	case "mock":
		return NewMockGenerator(), nil
	case "auto":
		if strings.TrimSpace(cfg.APIKey) != "" {
			return NewGeminiGenerator(cfg), nil
		}
		return NewMockGenerator(), nil
	default:
		return nil, fmt.Errorf("invalid LLM_PROVIDER: %q (expected auto|gemini|mock)", cfg.Provider)
	}
}
