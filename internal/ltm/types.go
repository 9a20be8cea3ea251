// Package ltm implements the durable long-term memory tiers. Two store
// instances exist at runtime: a Local store keyed by (user_id,
// session_id) and a Global store keyed by user_id only. Both share one
// contract and one implementation parameterized by scope.
package ltm

import (
	"context"
	"strings"
	"time"

	"github.com/antoniostano/recall/internal/memerr"
)

type Scope string

const (
	ScopeLocal  Scope = "local"
	ScopeGlobal Scope = "global"
)

// MetaSimilarity is the metadata key that embedding search writes its
// cosine score under. The retrieval pipeline reads the same key.
const MetaSimilarity = "similarity"

// OwnerKey scopes records. SessionID is required for local stores and
// must be empty for global ones.
type OwnerKey struct {
	UserID    string
	SessionID string
}

// Record is one persisted memory unit.
type Record struct {
	ID         int64          `json:"id"`
	Scope      Scope          `json:"scope"`
	UserID     string         `json:"user_id"`
	SessionID  string         `json:"session_id,omitempty"`
	Text       string         `json:"text"`
	Embedding  []float32      `json:"-"`
	EmbVersion string         `json:"emb_version,omitempty"`
	Model      string         `json:"model,omitempty"`
	Dim        int            `json:"dim,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at,omitempty"`
}

// Store is the durable memory contract shared by the Local and Global
// tiers. Search results come back newest-first before scoring; Add is
// idempotent on (owner, normalized text).
type Store interface {
	Add(ctx context.Context, owner OwnerKey, text string, meta map[string]any) (Record, error)
	List(ctx context.Context, owner OwnerKey, query string, offset, limit int) ([]Record, int, error)
	Delete(ctx context.Context, id int64) (int, error)
	Clear(ctx context.Context, owner OwnerKey) (int, error)
	SearchText(ctx context.Context, owner OwnerKey, query string, topk int) ([]Record, int, error)
	SearchEmbed(ctx context.Context, owner OwnerKey, queryText string, topk, candidateWindow int) ([]Record, int, error)
	Scope() Scope
	Close() error
}

// NormalizeText trims and collapses internal whitespace. Stored record
// texts and uniqueness keys both use this form.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func errEmptyText() error {
	return memerr.Validation("text must not be empty")
}

func validateOwner(scope Scope, owner OwnerKey) error {
	if strings.TrimSpace(owner.UserID) == "" {
		return memerr.Validation("user_id is required")
	}
	switch scope {
	case ScopeLocal:
		if strings.TrimSpace(owner.SessionID) == "" {
			return memerr.Validation("session_id is required for local memory")
		}
	case ScopeGlobal:
		if strings.TrimSpace(owner.SessionID) != "" {
			return memerr.Validation("session_id must be empty for global memory")
		}
	default:
		return memerr.Validation("unknown scope")
	}
	return nil
}

// WithSimilarity returns a copy of the record's meta map with the
// similarity score set; the stored record's map is never shared with
// search results.
func (r Record) WithSimilarity(score float64) Record {
	meta := make(map[string]any, len(r.Meta)+1)
	for k, v := range r.Meta {
		meta[k] = v
	}
	meta[MetaSimilarity] = score
	r.Meta = meta
	return r
}
