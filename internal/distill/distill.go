// Package distill compresses a ranked set of retrieved snippets into a
// token-bounded digest. The base path is rule-based; when a generator is
// available it can compact the draft further, with silent fallback to
// the rule-based result on any failure.
package distill

import (
	"context"
	"log"
	"math"
	"regexp"
	"strings"

	"github.com/antoniostano/recall/internal/llm"
	"github.com/antoniostano/recall/internal/similarity"
)

// Source is one scored snippet entering distillation. Similarity is the
// raw cosine score when known, 0 otherwise.
type Source struct {
	Text       string
	Similarity float64
}

// Distiller packs snippets into a budgeted digest.
type Distiller struct {
	generator llm.Generator // optional; nil means rule-based only
}

func New(generator llm.Generator) *Distiller {
	return &Distiller{generator: generator}
}

var sentenceEnd = regexp.MustCompile(`(?:[.!?])\s+`)

// Distill compresses sources into a single digest bounded by
// budgetTokens. Returns "" when sources are empty or all blank.
func (d *Distiller) Distill(ctx context.Context, sources []Source, budgetTokens int, preferLLM bool) string {
	if len(sources) == 0 {
		return ""
	}

	ranked := rankSources(sources)
	snippets := dedupeTexts(ranked)

	var bullets []string
	for _, s := range snippets {
		head := firstSentence(s)
		if head == "" {
			continue
		}
		bullets = append(bullets, "- "+head)
	}

	// Greedy packing: stop before the budget is exceeded, never split a
	// bullet.
	var packed []string
	total := 0
	for _, b := range bullets {
		t := estimateTokens(b)
		if total+t > budgetTokens {
			break
		}
		packed = append(packed, b)
		total += t
	}
	if len(packed) == 0 {
		return ""
	}
	draft := strings.Join(packed, "\n")

	if preferLLM && d.generator != nil {
		prompt := "Compress the following notes into 5-8 very concise bullet points. " +
			"Preserve names, preferences and facts, remove redundancy, stay within the token budget.\n\n" + draft
		out, err := d.generator.Generate(ctx, prompt, "")
		if err != nil {
			log.Printf("distill: llm compression failed, keeping rule-based draft: %v", err)
			return draft
		}
		if out = strings.TrimSpace(out); out != "" {
			return out
		}
	}

	return draft
}

// rankSources orders snippets by 0.8*similarity + 0.2*lengthTerm, where
// the length term mildly penalizes very long snippets and never drops
// below 0.6.
func rankSources(sources []Source) []string {
	type scored struct {
		text  string
		score float64
	}
	ranked := make([]scored, 0, len(sources))
	for _, src := range sources {
		txt := strings.TrimSpace(src.Text)
		if txt == "" {
			continue
		}
		penalty := math.Min(0.4, math.Max(0, float64(len(txt))/2000.0))
		score := src.Similarity*0.8 + (1.0-penalty)*0.2
		ranked = append(ranked, scored{text: txt, score: score})
	}
	out := make([]string, len(ranked))
	scores := make([]float64, len(ranked))
	for i, r := range ranked {
		scores[i] = r.score
	}
	for i, idx := range similarity.TopK(scores, len(ranked)) {
		out[i] = ranked[idx].text
	}
	return out
}

func dedupeTexts(snippets []string) []string {
	seen := make(map[string]struct{}, len(snippets))
	var out []string
	for _, s := range snippets {
		key := similarity.NormalizeText(s)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, strings.TrimSpace(s))
	}
	return out
}

func firstSentence(s string) string {
	s = strings.TrimSpace(s)
	if loc := sentenceEnd.FindStringIndex(s); loc != nil {
		s = s[:loc[0]+1]
	}
	return strings.Join(strings.Fields(s), " ")
}

// estimateTokens approximates token usage as ceil(words * 1.3), at least
// 1 for non-empty text; tokenizer-independent on purpose.
func estimateTokens(text string) int {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	return int(math.Ceil(float64(words) * 1.3))
}
