package ltm

import (
	"context"
	"strings"

	"github.com/antoniostano/recall/internal/embed"
)

// NewStore creates a postgres-backed store when configured, otherwise
// in-memory.
func NewStore(ctx context.Context, databaseURL string, scope Scope, embedder embed.Client) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(scope, embedder), nil
	}
	return NewPostgresStore(ctx, databaseURL, scope, embedder)
}
