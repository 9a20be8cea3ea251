// Package embed turns text into fixed-dimension vectors for similarity
// search. A Gemini-backed client is used when an API key is configured;
// otherwise a deterministic local embedder keeps the pipeline usable for
// development and tests.
package embed

import (
	"context"
	"fmt"
	"strings"
)

// Client converts batches of texts into embeddings, one vector per input
// in the same order. All vectors share the configured dimension.
type Client interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Model() string
	Version() string
}

// Config selects and parameterizes the embedding backend.
type Config struct {
	Provider string // auto | gemini | mock
	APIKey   string
	Model    string
	Version  string
	Dim      int
}

// New resolves the embedding client per provider mode, falling back to
// the deterministic mock when gemini is not configured.
func New(cfg Config) (Client, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if mode == "" {
		mode = "auto"
	}
	switch mode {
	case "gemini":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, fmt.Errorf("EMB_PROVIDER=gemini but GOOGLE_EMBED_API_KEY is not set")
		}
		return NewGeminiClient(cfg), nil
	case "mock":
		return NewMockClient(cfg.Dim), nil
	case "auto":
		if strings.TrimSpace(cfg.APIKey) != "" {
			return NewGeminiClient(cfg), nil
		}
		return NewMockClient(cfg.Dim), nil
	default:
		return nil, fmt.Errorf("invalid EMB_PROVIDER: %q (expected auto|gemini|mock)", cfg.Provider)
	}
}
