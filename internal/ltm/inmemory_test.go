package ltm

import (
	"context"
	"errors"
	"testing"

	"github.com/antoniostano/recall/internal/memerr"
)

// stubEmbedder maps known texts onto fixed vectors; unknown texts get a
// default axis so Add never fails.
type stubEmbedder struct {
	vectors map[string][]float32
	dim     int
}

func newStubEmbedder(vectors map[string][]float32) *stubEmbedder {
	return &stubEmbedder{vectors: vectors, dim: 3}
}

func (e *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := e.vectors[t]; ok {
			out[i] = v
			continue
		}
		out[i] = []float32{0, 0, 1}
	}
	return out, nil
}

func (e *stubEmbedder) Dimensions() int { return e.dim }
func (e *stubEmbedder) Model() string   { return "stub" }
func (e *stubEmbedder) Version() string { return "stub-1" }

func localOwner() OwnerKey  { return OwnerKey{UserID: "u1", SessionID: "s1"} }
func globalOwner() OwnerKey { return OwnerKey{UserID: "u1"} }

func TestAddNormalizesAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore(ScopeLocal, newStubEmbedder(nil))

	first, err := s.Add(ctx, localOwner(), "  likes   coffee ", nil)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if first.Text != "likes coffee" {
		t.Fatalf("Text = %q, want normalized %q", first.Text, "likes coffee")
	}
	if first.ID == 0 || first.Dim != 3 || first.Model != "stub" {
		t.Fatalf("unexpected record: %+v", first)
	}

	second, err := s.Add(ctx, localOwner(), "likes coffee", nil)
	if err != nil {
		t.Fatalf("Add() duplicate error = %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate Add() id = %d, want %d", second.ID, first.ID)
	}

	_, total, err := s.List(ctx, localOwner(), "", 0, 10)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if total != 1 {
		t.Fatalf("total = %d, want 1 after idempotent add", total)
	}
}

func TestAddValidation(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore(ScopeLocal, newStubEmbedder(nil))

	if _, err := s.Add(ctx, OwnerKey{UserID: "u1"}, "text", nil); !errors.Is(err, memerr.ErrValidation) {
		t.Fatalf("local Add without session_id: err = %v, want validation error", err)
	}
	if _, err := s.Add(ctx, localOwner(), "   ", nil); !errors.Is(err, memerr.ErrValidation) {
		t.Fatalf("Add with blank text: err = %v, want validation error", err)
	}

	g := NewInMemoryStore(ScopeGlobal, newStubEmbedder(nil))
	if _, err := g.Add(ctx, localOwner(), "text", nil); !errors.Is(err, memerr.ErrValidation) {
		t.Fatalf("global Add with session_id: err = %v, want validation error", err)
	}
	if _, err := g.Add(ctx, globalOwner(), "text", nil); err != nil {
		t.Fatalf("global Add error = %v", err)
	}
}

func TestListPaginationAndFilter(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore(ScopeLocal, newStubEmbedder(nil))
	for _, txt := range []string{"apple pie", "banana bread", "apple tart", "cherry cake"} {
		if _, err := s.Add(ctx, localOwner(), txt, nil); err != nil {
			t.Fatalf("Add(%q) error = %v", txt, err)
		}
	}

	items, total, err := s.List(ctx, localOwner(), "", 0, 2)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if total != 4 || len(items) != 2 {
		t.Fatalf("List() total=%d len=%d, want 4 and 2", total, len(items))
	}
	if items[0].Text != "cherry cake" || items[1].Text != "apple tart" {
		t.Fatalf("List() not newest-first: %q, %q", items[0].Text, items[1].Text)
	}

	items, total, err = s.List(ctx, localOwner(), "apple", 0, 10)
	if err != nil {
		t.Fatalf("List(filter) error = %v", err)
	}
	if total != 2 || len(items) != 2 {
		t.Fatalf("filtered total=%d len=%d, want 2 and 2", total, len(items))
	}

	items, total, err = s.List(ctx, localOwner(), "apple", 1, 1)
	if err != nil {
		t.Fatalf("List(offset) error = %v", err)
	}
	if total != 2 || len(items) != 1 || items[0].Text != "apple pie" {
		t.Fatalf("paginated filter: total=%d items=%+v", total, items)
	}
}

func TestDeleteAndClear(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore(ScopeLocal, newStubEmbedder(nil))
	rec, err := s.Add(ctx, localOwner(), "remember this", nil)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	if n, err := s.Delete(ctx, rec.ID); err != nil || n != 1 {
		t.Fatalf("Delete() = %d, %v; want 1, nil", n, err)
	}
	if n, err := s.Delete(ctx, 9999); err != nil || n != 0 {
		t.Fatalf("Delete(unknown) = %d, %v; want 0, nil", n, err)
	}
	if n, err := s.Clear(ctx, localOwner()); err != nil || n != 0 {
		t.Fatalf("Clear(empty owner) = %d, %v; want 0, nil", n, err)
	}

	other := OwnerKey{UserID: "u1", SessionID: "s2"}
	if _, err := s.Add(ctx, localOwner(), "session one", nil); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if _, err := s.Add(ctx, other, "session two", nil); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if n, err := s.Clear(ctx, localOwner()); err != nil || n != 1 {
		t.Fatalf("Clear() = %d, %v; want 1, nil", n, err)
	}
	if _, total, _ := s.List(ctx, other, "", 0, 10); total != 1 {
		t.Fatalf("Clear() touched another session, total = %d", total)
	}
}

func TestSearchTextNewestFirstWithoutScores(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore(ScopeLocal, newStubEmbedder(nil))
	for _, txt := range []string{"coffee in the morning", "tea at noon", "coffee at night"} {
		if _, err := s.Add(ctx, localOwner(), txt, nil); err != nil {
			t.Fatalf("Add(%q) error = %v", txt, err)
		}
	}

	items, n, err := s.SearchText(ctx, localOwner(), "coffee", 10)
	if err != nil {
		t.Fatalf("SearchText() error = %v", err)
	}
	if n != 2 || len(items) != 2 {
		t.Fatalf("SearchText() n=%d len=%d, want 2", n, len(items))
	}
	if items[0].Text != "coffee at night" {
		t.Fatalf("SearchText() not newest-first: %q", items[0].Text)
	}
	if _, ok := items[0].Meta[MetaSimilarity]; ok {
		t.Fatalf("SearchText() must not attach similarity metadata")
	}
}

func TestSearchEmbedRanksBySimilarity(t *testing.T) {
	ctx := context.Background()
	emb := newStubEmbedder(map[string][]float32{
		"query":          {1, 0, 0},
		"very relevant":  {0.95, 0.1, 0},
		"less relevant":  {0.5, 0.8, 0},
		"off topic note": {0, 1, 0},
	})
	s := NewInMemoryStore(ScopeLocal, emb)
	for _, txt := range []string{"off topic note", "very relevant", "less relevant"} {
		if _, err := s.Add(ctx, localOwner(), txt, nil); err != nil {
			t.Fatalf("Add(%q) error = %v", txt, err)
		}
	}

	items, n, err := s.SearchEmbed(ctx, localOwner(), "query", 2, 100)
	if err != nil {
		t.Fatalf("SearchEmbed() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("SearchEmbed() n = %d, want 2", n)
	}
	if items[0].Text != "very relevant" || items[1].Text != "less relevant" {
		t.Fatalf("SearchEmbed() order = %q, %q", items[0].Text, items[1].Text)
	}

	sim, ok := items[0].Meta[MetaSimilarity].(float64)
	if !ok {
		t.Fatalf("similarity missing from meta: %+v", items[0].Meta)
	}
	if sim <= items[1].Meta[MetaSimilarity].(float64) {
		t.Fatalf("similarities not descending: %v", items)
	}
}

func TestSearchEmbedCandidateWindowBoundsScan(t *testing.T) {
	ctx := context.Background()
	emb := newStubEmbedder(map[string][]float32{
		"query":     {1, 0, 0},
		"old match": {1, 0, 0},
		"new a":     {0, 1, 0},
		"new b":     {0, 1, 0},
	})
	s := NewInMemoryStore(ScopeLocal, emb)
	for _, txt := range []string{"old match", "new a", "new b"} {
		if _, err := s.Add(ctx, localOwner(), txt, nil); err != nil {
			t.Fatalf("Add(%q) error = %v", txt, err)
		}
	}

	// Window of 2 only covers the two newest records, so the perfect
	// match outside the window is not considered.
	items, _, err := s.SearchEmbed(ctx, localOwner(), "query", 3, 2)
	if err != nil {
		t.Fatalf("SearchEmbed() error = %v", err)
	}
	for _, it := range items {
		if it.Text == "old match" {
			t.Fatalf("record outside candidate window was scored: %+v", items)
		}
	}
}
