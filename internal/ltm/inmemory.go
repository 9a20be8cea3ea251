package ltm

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/antoniostano/recall/internal/embed"
	"github.com/antoniostano/recall/internal/similarity"
)

// InMemoryStore is the in-process store used for local/dev runs and
// tests. It mirrors the postgres store's semantics exactly: id-descending
// reads, idempotent Add, brute-force embedding search over a bounded
// recency window.
type InMemoryStore struct {
	mu       sync.RWMutex
	scope    Scope
	embedder embed.Client
	records  []Record
	nextID   int64
}

func NewInMemoryStore(scope Scope, embedder embed.Client) *InMemoryStore {
	return &InMemoryStore{scope: scope, embedder: embedder, nextID: 1}
}

func (s *InMemoryStore) Scope() Scope { return s.scope }
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) Add(ctx context.Context, owner OwnerKey, text string, meta map[string]any) (Record, error) {
	if err := validateOwner(s.scope, owner); err != nil {
		return Record{}, err
	}
	text = NormalizeText(text)
	if text == "" {
		return Record{}, errEmptyText()
	}

	vecs, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Idempotent add: a duplicate returns the existing record.
	if existing, ok := s.findLocked(owner, text); ok {
		return existing, nil
	}

	now := time.Now().UTC()
	rec := Record{
		ID:         s.nextID,
		Scope:      s.scope,
		UserID:     owner.UserID,
		SessionID:  owner.SessionID,
		Text:       text,
		Embedding:  vecs[0],
		EmbVersion: s.embedder.Version(),
		Model:      s.embedder.Model(),
		Dim:        s.embedder.Dimensions(),
		Meta:       copyMeta(meta),
		CreatedAt:  now,
	}
	s.nextID++
	s.records = append(s.records, rec)
	return rec, nil
}

func (s *InMemoryStore) List(ctx context.Context, owner OwnerKey, query string, offset, limit int) ([]Record, int, error) {
	if err := validateOwner(s.scope, owner); err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := s.matchLocked(owner, query, 0)
	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	out := make([]Record, end-offset)
	copy(out, matched[offset:end])
	return out, total, nil
}

func (s *InMemoryStore) Delete(_ context.Context, id int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.records {
		if r.ID == id {
			s.records = append(s.records[:i], s.records[i+1:]...)
			return 1, nil
		}
	}
	return 0, nil
}

func (s *InMemoryStore) Clear(_ context.Context, owner OwnerKey) (int, error) {
	if err := validateOwner(s.scope, owner); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.records[:0]
	deleted := 0
	for _, r := range s.records {
		if s.owns(owner, r) {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	return deleted, nil
}

func (s *InMemoryStore) SearchText(_ context.Context, owner OwnerKey, query string, topk int) ([]Record, int, error) {
	if err := validateOwner(s.scope, owner); err != nil {
		return nil, 0, err
	}
	if topk <= 0 {
		topk = 10
	}
	query = NormalizeText(query)

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.matchLocked(owner, query, topk)
	return out, len(out), nil
}

func (s *InMemoryStore) SearchEmbed(ctx context.Context, owner OwnerKey, queryText string, topk, candidateWindow int) ([]Record, int, error) {
	if err := validateOwner(s.scope, owner); err != nil {
		return nil, 0, err
	}
	if topk <= 0 {
		topk = 10
	}
	if candidateWindow <= 0 {
		candidateWindow = 500
	}

	vecs, err := s.embedder.Embed(ctx, []string{NormalizeText(queryText)})
	if err != nil {
		return nil, 0, err
	}
	queryVec := vecs[0]

	s.mu.RLock()
	window := s.matchLocked(owner, "", candidateWindow)
	s.mu.RUnlock()

	scores := make([]float64, len(window))
	for i, r := range window {
		score, err := similarity.Cosine(queryVec, r.Embedding)
		if err != nil {
			return nil, 0, err
		}
		scores[i] = score
	}

	// Stable sort keeps the recency order for equal scores.
	order := make([]int, len(window))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})
	if len(order) > topk {
		order = order[:topk]
	}

	out := make([]Record, len(order))
	for i, idx := range order {
		out[i] = window[idx].WithSimilarity(scores[idx])
	}
	return out, len(out), nil
}

// matchLocked returns owner-scoped records newest-first (id desc),
// optionally substring-filtered, capped at limit when limit > 0.
func (s *InMemoryStore) matchLocked(owner OwnerKey, query string, limit int) []Record {
	var out []Record
	needle := strings.ToLower(query)
	for i := len(s.records) - 1; i >= 0; i-- {
		r := s.records[i]
		if !s.owns(owner, r) {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(r.Text), needle) {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (s *InMemoryStore) findLocked(owner OwnerKey, text string) (Record, bool) {
	for _, r := range s.records {
		if s.owns(owner, r) && r.Text == text {
			return r, true
		}
	}
	return Record{}, false
}

func (s *InMemoryStore) owns(owner OwnerKey, r Record) bool {
	if r.UserID != owner.UserID {
		return false
	}
	if s.scope == ScopeLocal && r.SessionID != owner.SessionID {
		return false
	}
	return true
}

func copyMeta(meta map[string]any) map[string]any {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
