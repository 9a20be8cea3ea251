package retrieval

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/antoniostano/recall/internal/distill"
	"github.com/antoniostano/recall/internal/ltm"
	"github.com/antoniostano/recall/internal/stm"
)

type fakeEmbedTier struct {
	hits []ltm.Record
	err  error
}

func (f *fakeEmbedTier) SearchEmbed(_ context.Context, _ ltm.OwnerKey, _ string, topk, _ int) ([]ltm.Record, int, error) {
	if f.err != nil {
		return nil, 0, f.err
	}
	hits := f.hits
	if len(hits) > topk {
		hits = hits[:topk]
	}
	return hits, len(hits), nil
}

type fakeTextTier struct {
	hits []ltm.Record
	err  error
}

func (f *fakeTextTier) SearchText(_ context.Context, _ ltm.OwnerKey, _ string, topk int) ([]ltm.Record, int, error) {
	if f.err != nil {
		return nil, 0, f.err
	}
	hits := f.hits
	if len(hits) > topk {
		hits = hits[:topk]
	}
	return hits, len(hits), nil
}

func scoredRecord(id int64, text string, sim float64) ltm.Record {
	return ltm.Record{
		ID:   id,
		Text: text,
		Meta: map[string]any{ltm.MetaSimilarity: sim},
	}
}

func newTestOrchestrator(local, global Tier, cfg Config) *Orchestrator {
	return NewOrchestrator(stm.NewStore(0, 0), local, global, distill.New(nil), nil, cfg)
}

func TestLocalOnlySimilarityFilter(t *testing.T) {
	local := Tier{Embed: &fakeEmbedTier{hits: []ltm.Record{
		scoredRecord(1, "strong local fact", 0.9),
		scoredRecord(2, "weak local fact", 0.4),
	}}}
	global := Tier{Embed: &fakeEmbedTier{hits: []ltm.Record{
		scoredRecord(3, "strong global fact", 0.9),
		scoredRecord(4, "weak global fact", 0.4),
	}}}

	o := newTestOrchestrator(local, global, Config{MinSimilarity: 0.5})
	res := o.RetrieveContext(context.Background(), "u1", "s1", "query", 8, 8, 8)

	var localCount, globalCount int
	for _, src := range res.Sources {
		switch src.Scope {
		case ltm.ScopeLocal:
			localCount++
			if src.Snippet == "weak local fact" {
				t.Fatalf("low-similarity local hit survived the filter")
			}
		case ltm.ScopeGlobal:
			globalCount++
		}
	}
	if localCount != 1 {
		t.Fatalf("local sources = %d, want 1", localCount)
	}
	if globalCount != 2 {
		t.Fatalf("global sources = %d, want 2 (filter must not apply to global)", globalCount)
	}
}

func TestFilterKeepsHitsWithoutSimilarity(t *testing.T) {
	local := Tier{Embed: &fakeEmbedTier{hits: []ltm.Record{
		{ID: 1, Text: "legacy record without score"},
	}}}
	o := newTestOrchestrator(local, Tier{}, Config{MinSimilarity: 0.5})
	res := o.RetrieveContext(context.Background(), "u1", "s1", "query", 8, 8, 8)
	if len(res.Sources) != 1 {
		t.Fatalf("hit without similarity should be kept, sources = %+v", res.Sources)
	}
}

func TestFilterLeavesTierSlicesIntact(t *testing.T) {
	hits := []ltm.Record{
		scoredRecord(1, "weak fact", 0.1),
		scoredRecord(2, "strong fact", 0.9),
		scoredRecord(3, "another weak fact", 0.2),
	}
	local := Tier{Embed: &fakeEmbedTier{hits: hits}}

	o := newTestOrchestrator(local, Tier{}, Config{MinSimilarity: 0.5})
	res := o.RetrieveContext(context.Background(), "u1", "s1", "query", 8, 8, 8)

	if len(res.Sources) != 1 {
		t.Fatalf("sources = %d, want 1 surviving the filter", len(res.Sources))
	}
	// The slice the store handed out must keep its records and order.
	for i, want := range []string{"weak fact", "strong fact", "another weak fact"} {
		if hits[i].Text != want {
			t.Fatalf("store slice mutated at %d: got %q, want %q", i, hits[i].Text, want)
		}
	}
}

func TestScopeWeightingRecordsAuditMetadata(t *testing.T) {
	local := Tier{Embed: &fakeEmbedTier{hits: []ltm.Record{scoredRecord(1, "local fact", 0.8)}}}
	global := Tier{Embed: &fakeEmbedTier{hits: []ltm.Record{scoredRecord(2, "global fact", 0.3)}}}

	o := newTestOrchestrator(local, global, Config{MinSimilarity: 0.5})
	res := o.RetrieveContext(context.Background(), "u1", "s1", "query", 8, 8, 8)

	if len(res.Sources) != 2 {
		t.Fatalf("sources = %d, want 2", len(res.Sources))
	}
	localSrc, globalSrc := res.Sources[0], res.Sources[1]
	if math.Abs(*localSrc.Score-0.72) > 1e-9 {
		t.Fatalf("local weighted score = %v, want 0.72", *localSrc.Score)
	}
	if math.Abs(*globalSrc.Score-0.33) > 1e-9 {
		t.Fatalf("global weighted score = %v, want 0.33", *globalSrc.Score)
	}
	if globalSrc.Meta["raw_similarity"].(float64) != 0.3 {
		t.Fatalf("raw_similarity = %v, want 0.3", globalSrc.Meta["raw_similarity"])
	}
	if math.Abs(globalSrc.Meta["weighted_score"].(float64)-0.33) > 1e-9 {
		t.Fatalf("weighted_score = %v, want 0.33", globalSrc.Meta["weighted_score"])
	}
	if globalSrc.Meta["score_weight"].(float64) != 1.10 {
		t.Fatalf("score_weight = %v, want 1.10", globalSrc.Meta["score_weight"])
	}
}

func TestDedupPrefersLocalOverGlobal(t *testing.T) {
	local := Tier{Embed: &fakeEmbedTier{hits: []ltm.Record{scoredRecord(1, "Likes coffee", 0.9)}}}
	global := Tier{Embed: &fakeEmbedTier{hits: []ltm.Record{scoredRecord(2, "likes   coffee", 0.9)}}}

	o := newTestOrchestrator(local, global, Config{})
	res := o.RetrieveContext(context.Background(), "u1", "s1", "query", 8, 8, 8)

	if len(res.Sources) != 1 {
		t.Fatalf("sources = %d, want 1 after dedup", len(res.Sources))
	}
	if res.Sources[0].Scope != ltm.ScopeLocal {
		t.Fatalf("dedup kept %s, want local (first occurrence)", res.Sources[0].Scope)
	}
}

func TestFullScenarioPromptSections(t *testing.T) {
	stmStore := stm.NewStore(0, 0)
	stmStore.AppendTurn("s1", stm.RoleUser, "hello there")
	stmStore.AppendTurn("s1", stm.RoleAssistant, "hi, how can I help?")

	local := Tier{Embed: &fakeEmbedTier{hits: []ltm.Record{scoredRecord(1, "User is planning a trip to Rome.", 0.8)}}}
	global := Tier{Embed: &fakeEmbedTier{hits: []ltm.Record{scoredRecord(2, "User speaks Italian.", 0.3)}}}

	o := NewOrchestrator(stmStore, local, global, distill.New(nil), nil, Config{MinSimilarity: 0.5})
	res := o.RetrieveContext(context.Background(), "u1", "s1", "what was my plan?", 8, 8, 8)

	if res.UsedSTMTurns != 2 {
		t.Fatalf("UsedSTMTurns = %d, want 2", res.UsedSTMTurns)
	}
	if len(res.Sources) != 2 {
		t.Fatalf("sources = %d, want 2", len(res.Sources))
	}

	p := res.Prompt
	for _, section := range []string{
		"[SYSTEM]", "[INSTRUCTIONS]", "[CONTEXT: STM (last 2 turns)]",
		"[CONTEXT: Local LTM]", "[CONTEXT: Global LTM]",
		"[CONTEXT: Distilled Memory]", "[USER MESSAGE]",
	} {
		if !strings.Contains(p, section) {
			t.Fatalf("prompt missing section %q:\n%s", section, p)
		}
	}
	if !strings.Contains(p, "USER: hello there") {
		t.Fatalf("prompt missing STM turn:\n%s", p)
	}
	if !strings.Contains(p, "- User is planning a trip to Rome.") {
		t.Fatalf("prompt missing local LTM bullet:\n%s", p)
	}
	if !strings.Contains(p, "- User speaks Italian.") {
		t.Fatalf("prompt missing global LTM bullet:\n%s", p)
	}
	distilledSection := p[strings.Index(p, "[CONTEXT: Distilled Memory]"):strings.Index(p, "[USER MESSAGE]")]
	if strings.Contains(distilledSection, "(empty)") {
		t.Fatalf("distilled section should not be empty:\n%s", distilledSection)
	}
	if !strings.Contains(p, "what was my plan?") {
		t.Fatalf("prompt missing user message:\n%s", p)
	}
}

func TestEmptyRetrievalRendersEmptySections(t *testing.T) {
	o := newTestOrchestrator(Tier{}, Tier{}, Config{})
	res := o.RetrieveContext(context.Background(), "u1", "s1", "anything", 8, 8, 8)

	if res.UsedSTMTurns != 0 || len(res.Sources) != 0 {
		t.Fatalf("expected empty result, got %+v", res)
	}
	if got := strings.Count(res.Prompt, "(empty)"); got != 4 {
		t.Fatalf("prompt has %d empty sections, want 4:\n%s", got, res.Prompt)
	}
}

func TestEmbedSearchFailureFallsBackToText(t *testing.T) {
	local := Tier{
		Embed: &fakeEmbedTier{err: errors.New("embedder down")},
		Text:  &fakeTextTier{hits: []ltm.Record{{ID: 1, Text: "substring match"}}},
	}
	o := newTestOrchestrator(local, Tier{}, Config{MinSimilarity: 0.5})
	res := o.RetrieveContext(context.Background(), "u1", "s1", "query", 8, 8, 8)

	if len(res.Sources) != 1 || res.Sources[0].Snippet != "substring match" {
		t.Fatalf("text fallback not used: %+v", res.Sources)
	}
	if res.Sources[0].Score != nil {
		t.Fatalf("text search hits must carry no score, got %v", *res.Sources[0].Score)
	}
}

func TestTierFailuresAreAbsorbed(t *testing.T) {
	local := Tier{
		Embed: &fakeEmbedTier{err: errors.New("down")},
		Text:  &fakeTextTier{err: errors.New("also down")},
	}
	o := newTestOrchestrator(local, Tier{}, Config{})
	res := o.RetrieveContext(context.Background(), "u1", "s1", "query", 8, 8, 8)
	if len(res.Sources) != 0 {
		t.Fatalf("failing tiers should degrade to empty, got %+v", res.Sources)
	}
	if !strings.Contains(res.Prompt, "[USER MESSAGE]") {
		t.Fatalf("prompt should still be assembled")
	}
}
