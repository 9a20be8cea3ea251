// Package retrieval composes short-term memory and both long-term memory
// tiers into one scored, deduplicated, reranked and distilled context
// bundle, plus the final prompt string handed to the generator.
package retrieval

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/antoniostano/recall/internal/distill"
	"github.com/antoniostano/recall/internal/ltm"
	"github.com/antoniostano/recall/internal/similarity"
	"github.com/antoniostano/recall/internal/stm"
)

// SourceItem is one retrieved memory as exposed to callers. It is
// rebuilt on every query and never persisted.
type SourceItem struct {
	Scope     ltm.Scope      `json:"scope"`
	ID        int64          `json:"id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Score     *float64       `json:"score"`
	Snippet   string         `json:"snippet"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// Result is the assembled context bundle for one query.
type Result struct {
	Prompt       string       `json:"prompt"`
	UsedSTMTurns int          `json:"used_stm_turns"`
	Sources      []SourceItem `json:"sources"`
}

// TextSearcher is the minimum search capability a memory tier must offer.
type TextSearcher interface {
	SearchText(ctx context.Context, owner ltm.OwnerKey, query string, topk int) ([]ltm.Record, int, error)
}

// EmbedSearcher is the preferred, similarity-scored search capability.
type EmbedSearcher interface {
	SearchEmbed(ctx context.Context, owner ltm.OwnerKey, queryText string, topk, candidateWindow int) ([]ltm.Record, int, error)
}

// Tier bundles the capabilities of one memory tier. Embed may be nil, in
// which case retrieval falls back to substring search for that tier.
type Tier struct {
	Text  TextSearcher
	Embed EmbedSearcher
}

// Config carries the retrieval tuning knobs.
type Config struct {
	MinSimilarity   float64 // applied to Local hits only
	LocalWeight     float64 // e.g. 0.90
	GlobalWeight    float64 // e.g. 1.10
	BudgetTokens    int
	CandidateWindow int
	SystemPrompt    string
	Instructions    string
	PreferLLM       bool
}

const defaultSystemPrompt = "You are a helpful assistant with multi-layer memory."

const defaultInstructions = "Use STM (session), Local LTM (user's past interactions) and Global LTM " +
	"(user profile and long-term facts) wisely. " +
	"Prefer STM > Local > Global when conflicts arise; choose the most recent facts."

// Orchestrator runs the retrieval pipeline. Distiller and the diversity
// embed function are optional capabilities held explicitly; absence of
// either degrades the pipeline rather than failing it.
type Orchestrator struct {
	stm       *stm.Store
	local     Tier
	global    Tier
	distiller *distill.Distiller
	diversity similarity.EmbedFunc
	cfg       Config
}

func NewOrchestrator(stmStore *stm.Store, local, global Tier, distiller *distill.Distiller, diversity similarity.EmbedFunc, cfg Config) *Orchestrator {
	if cfg.LocalWeight <= 0 {
		cfg.LocalWeight = 0.90
	}
	if cfg.GlobalWeight <= 0 {
		cfg.GlobalWeight = 1.10
	}
	if cfg.BudgetTokens <= 0 {
		cfg.BudgetTokens = 400
	}
	if cfg.CandidateWindow <= 0 {
		cfg.CandidateWindow = 500
	}
	if strings.TrimSpace(cfg.SystemPrompt) == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if strings.TrimSpace(cfg.Instructions) == "" {
		cfg.Instructions = defaultInstructions
	}
	return &Orchestrator{
		stm:       stmStore,
		local:     local,
		global:    global,
		distiller: distiller,
		diversity: diversity,
		cfg:       cfg,
	}
}

// RetrieveContext assembles the prompt context for one query. Tier
// failures degrade to empty sections; the call itself never fails.
func (o *Orchestrator) RetrieveContext(ctx context.Context, userID, sessionID, queryText string, topkLocal, topkGlobal, stmMaxTurns int) Result {
	// 1) STM: last N turns of this session.
	var stmTurns []stm.Turn
	if o.stm != nil {
		stmTurns = o.stm.Context(sessionID, stmMaxTurns)
	}

	// 2) Local LTM, session-scoped, with the minimum-similarity filter.
	localOwner := ltm.OwnerKey{UserID: userID, SessionID: sessionID}
	localHits := o.searchTier(ctx, o.local, localOwner, queryText, topkLocal, "local")
	localHits = filterBySimilarity(localHits, o.cfg.MinSimilarity)
	localSources := toSources(ltm.ScopeLocal, localHits)

	// 3) Global LTM, user-scoped across sessions. The similarity filter
	// is deliberately not applied: profile facts are kept even at lower
	// confidence.
	globalOwner := ltm.OwnerKey{UserID: userID}
	globalHits := o.searchTier(ctx, o.global, globalOwner, queryText, topkGlobal, "global")
	globalSources := toSources(ltm.ScopeGlobal, globalHits)

	// 4) Scope weighting, so strong global facts can outrank marginal
	// local hits of similar raw similarity.
	applyWeight(localSources, o.cfg.LocalWeight)
	applyWeight(globalSources, o.cfg.GlobalWeight)

	// 5) Concatenate and dedupe by normalized text; local precedes
	// global, so a local duplicate wins.
	combined := dedupeByText(append(localSources, globalSources...))

	// 6) Optional diversity rerank over the full set (reorder only).
	combined = o.rerank(ctx, combined, queryText)

	// 7) Distill into the token budget, falling back to raw bullets.
	distilled := o.distillSources(ctx, combined)
	if distilled == "" {
		distilled = bulletFallback(combined, topkLocal+topkGlobal)
	}

	// 8) Assemble the prompt.
	prompt := o.buildPrompt(queryText, stmTurns, localHits, globalHits, distilled)

	return Result{
		Prompt:       prompt,
		UsedSTMTurns: len(stmTurns),
		Sources:      combined,
	}
}

// searchTier prefers embedding search and falls back to substring
// search; any failure is absorbed as an empty hit list.
func (o *Orchestrator) searchTier(ctx context.Context, tier Tier, owner ltm.OwnerKey, query string, topk int, name string) []ltm.Record {
	if tier.Embed != nil {
		hits, _, err := tier.Embed.SearchEmbed(ctx, owner, query, topk, o.cfg.CandidateWindow)
		if err == nil {
			return hits
		}
		log.Printf("retrieval: %s embed search failed, degrading: %v", name, err)
	}
	if tier.Text != nil {
		hits, _, err := tier.Text.SearchText(ctx, owner, query, topk)
		if err == nil {
			return hits
		}
		log.Printf("retrieval: %s text search failed, degrading: %v", name, err)
	}
	return nil
}

// filterBySimilarity drops hits whose similarity metadata falls below
// minSim. Hits without a similarity value are kept (fail open); a
// threshold <= 0 disables the filter.
func filterBySimilarity(hits []ltm.Record, minSim float64) []ltm.Record {
	if len(hits) == 0 || minSim <= 0 {
		return hits
	}
	// Allocate: the input slice belongs to the store that returned it.
	out := make([]ltm.Record, 0, len(hits))
	for _, h := range hits {
		if sim, ok := recordSimilarity(h); ok && sim < minSim {
			continue
		}
		out = append(out, h)
	}
	return out
}

func recordSimilarity(r ltm.Record) (float64, bool) {
	v, ok := r.Meta[ltm.MetaSimilarity]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

func toSources(scope ltm.Scope, hits []ltm.Record) []SourceItem {
	out := make([]SourceItem, 0, len(hits))
	for _, h := range hits {
		item := SourceItem{
			Scope:   scope,
			ID:      h.ID,
			Snippet: h.Text,
			Meta:    copyMeta(h.Meta),
		}
		if scope == ltm.ScopeLocal {
			item.SessionID = h.SessionID
		}
		if sim, ok := recordSimilarity(h); ok {
			item.Score = &sim
		}
		out = append(out, item)
	}
	return out
}

// applyWeight multiplies scores by the tier weight and records both raw
// and weighted values in metadata for auditability.
func applyWeight(items []SourceItem, weight float64) {
	for i := range items {
		if items[i].Score == nil {
			continue
		}
		raw := *items[i].Score
		weighted := raw * weight
		items[i].Score = &weighted
		if items[i].Meta == nil {
			items[i].Meta = make(map[string]any, 3)
		}
		if _, ok := items[i].Meta["raw_similarity"]; !ok {
			items[i].Meta["raw_similarity"] = raw
		}
		items[i].Meta["weighted_score"] = weighted
		items[i].Meta["score_weight"] = weight
	}
}

// dedupeByText keeps the first occurrence of each case-insensitive,
// whitespace-normalized snippet.
func dedupeByText(items []SourceItem) []SourceItem {
	seen := make(map[string]struct{}, len(items))
	out := make([]SourceItem, 0, len(items))
	for _, it := range items {
		key := similarity.NormalizeText(it.Snippet)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, it)
	}
	return out
}

// rerank reorders the full set by maximal marginal relevance when a
// diversity embedder is configured; any failure keeps the input order.
func (o *Orchestrator) rerank(ctx context.Context, items []SourceItem, query string) []SourceItem {
	if o.diversity == nil || len(items) < 2 {
		return items
	}
	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = it.Snippet
	}
	order, err := similarity.DiversitySelect(ctx, texts, query, o.diversity, len(items), 0.5)
	if err != nil {
		log.Printf("retrieval: diversity rerank failed, keeping score order: %v", err)
		return items
	}
	out := make([]SourceItem, 0, len(items))
	for _, idx := range order {
		out = append(out, items[idx])
	}
	return out
}

func (o *Orchestrator) distillSources(ctx context.Context, items []SourceItem) string {
	if o.distiller == nil || len(items) == 0 {
		return ""
	}
	sources := make([]distill.Source, len(items))
	for i, it := range items {
		src := distill.Source{Text: it.Snippet}
		// Distillation scores on raw similarity, not the tier-weighted
		// value.
		if raw, ok := it.Meta["raw_similarity"].(float64); ok {
			src.Similarity = raw
		} else if it.Score != nil {
			src.Similarity = *it.Score
		}
		sources[i] = src
	}
	return o.distiller.Distill(ctx, sources, o.cfg.BudgetTokens, o.cfg.PreferLLM)
}

func bulletFallback(items []SourceItem, max int) string {
	if max > 0 && len(items) > max {
		items = items[:max]
	}
	lines := make([]string, 0, len(items))
	for _, it := range items {
		lines = append(lines, "- "+it.Snippet)
	}
	return strings.Join(lines, "\n")
}

// buildPrompt renders the multi-section prompt. Section labels and
// ordering are a contract: downstream prompting depends on them.
func (o *Orchestrator) buildPrompt(queryText string, turns []stm.Turn, localHits, globalHits []ltm.Record, distilled string) string {
	stmLines := make([]string, 0, len(turns))
	for _, t := range turns {
		stmLines = append(stmLines, fmt.Sprintf("%s: %s", strings.ToUpper(string(t.Role)), strings.TrimSpace(t.Text)))
	}

	var b strings.Builder
	b.WriteString("[SYSTEM]\n")
	b.WriteString(o.cfg.SystemPrompt)
	b.WriteString("\n\n[INSTRUCTIONS]\n")
	b.WriteString(o.cfg.Instructions)
	fmt.Fprintf(&b, "\n\n[CONTEXT: STM (last %d turns)]\n", len(turns))
	b.WriteString(orEmpty(strings.Join(stmLines, "\n")))
	b.WriteString("\n\n[CONTEXT: Local LTM]\n")
	b.WriteString(orEmpty(recordBullets(localHits)))
	b.WriteString("\n\n[CONTEXT: Global LTM]\n")
	b.WriteString(orEmpty(recordBullets(globalHits)))
	b.WriteString("\n\n[CONTEXT: Distilled Memory]\n")
	b.WriteString(orEmpty(distilled))
	b.WriteString("\n\n[USER MESSAGE]\n")
	b.WriteString(queryText)
	b.WriteString("\n")
	return b.String()
}

func recordBullets(hits []ltm.Record) string {
	lines := make([]string, 0, len(hits))
	for _, h := range hits {
		lines = append(lines, "- "+h.Text)
	}
	return strings.Join(lines, "\n")
}

func orEmpty(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(empty)"
	}
	return s
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
