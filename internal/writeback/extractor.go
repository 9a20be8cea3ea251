// Package writeback decides which fragments of a finished exchange are
// worth persisting, and into which memory tier. Candidates are proposals
// only; the caller persists them through the durable stores.
package writeback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/antoniostano/recall/internal/llm"
	"github.com/antoniostano/recall/internal/ltm"
	"github.com/antoniostano/recall/internal/policy"
)

const (
	maxCandidates = 5
	maxTextLen    = 200
)

// Candidate is one proposed memory item extracted from an exchange.
type Candidate struct {
	Scope  ltm.Scope      `json:"scope"`
	Text   string         `json:"text"`
	Reason string         `json:"reason,omitempty"`
	Meta   map[string]any `json:"meta"`
}

// Extractor asks the generator which parts of an exchange to remember.
// The policy is fail-closed: a missing generator, a generation failure
// or a malformed response all yield an empty candidate list, never an
// error and never a partial write of malformed data.
type Extractor struct {
	generator llm.Generator
}

func New(generator llm.Generator) *Extractor {
	return &Extractor{generator: generator}
}

const extractionPrompt = `You are a memory extraction module for an AI assistant.

Your job:
- Look at the latest user message and assistant reply.
- Decide what is worth remembering for the FUTURE.
- Extract 0 to 5 short memory items.
- Each item MUST have:
  - "scope": "global" or "local"
    * "global": user profile, preferences, long-term facts (name, job, hobbies, projects...)
    * "local": this conversation's decisions, tasks, constraints, plans
  - "text": short and self-contained, in the user's language
  - "reason": why it is useful to remember

Rules:
- If nothing important, return: []
- DO NOT invent facts.
- Max text length: 200 chars
- Output ONLY VALID JSON LIST.

[USER_MESSAGE]
%s

[ASSISTANT_REPLY]
%s`

// rawItem is the strict wire schema of one extracted item. Unknown keys
// are rejected so a drifting model response cannot smuggle fields past
// the boundary.
type rawItem struct {
	Scope  string `json:"scope"`
	Text   string `json:"text"`
	Reason string `json:"reason"`
}

// Extract proposes up to five memory candidates from one exchange.
// Invalid items are skipped individually; valid ones are kept.
func (e *Extractor) Extract(ctx context.Context, userMessage, assistantReply string) []Candidate {
	if e == nil || e.generator == nil {
		return nil
	}
	if strings.TrimSpace(userMessage) == "" && strings.TrimSpace(assistantReply) == "" {
		return nil
	}

	prompt := fmt.Sprintf(extractionPrompt, userMessage, assistantReply)

	out, err := e.generator.Generate(ctx, prompt, "")
	if err != nil {
		log.Printf("writeback: extraction generation failed: %v", err)
		return nil
	}

	items, ok := decodeItems(out)
	if !ok {
		return nil
	}

	now := time.Now().Unix()
	seen := make(map[string]struct{}, len(items))
	candidates := make([]Candidate, 0, len(items))
	for _, it := range items {
		scope := ltm.Scope(strings.ToLower(strings.TrimSpace(it.Scope)))
		if scope != ltm.ScopeLocal && scope != ltm.ScopeGlobal {
			continue
		}
		text := clean(it.Text)
		if text == "" {
			continue
		}
		key := string(scope) + ":" + strings.ToLower(text)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		reason := clean(it.Reason)
		meta := map[string]any{"ts": now}
		if reason != "" {
			meta["reason"] = reason
		}
		candidates = append(candidates, Candidate{
			Scope:  scope,
			Text:   text,
			Reason: reason,
			Meta:   meta,
		})
		if len(candidates) >= maxCandidates {
			break
		}
	}
	return candidates
}

// decodeItems parses the model response as a JSON list of rawItem.
// Malformed individual items are dropped; a response that is not a JSON
// list at all fails the whole batch (fail closed).
func decodeItems(out string) ([]rawItem, bool) {
	payload := stripCodeFence(out)
	if payload == "" {
		return nil, false
	}

	var elems []json.RawMessage
	if err := json.Unmarshal([]byte(payload), &elems); err != nil {
		log.Printf("writeback: response is not a JSON list, discarding: %v", err)
		return nil, false
	}

	items := make([]rawItem, 0, len(elems))
	for _, raw := range elems {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		var it rawItem
		if err := dec.Decode(&it); err != nil {
			log.Printf("writeback: skipping malformed item: %v", err)
			continue
		}
		items = append(items, it)
	}
	return items, true
}

// stripCodeFence removes a surrounding markdown code fence, which chat
// models frequently add around JSON payloads.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// clean collapses whitespace, masks PII and caps the text length.
func clean(s string) string {
	s = policy.Scrub(strings.Join(strings.Fields(s), " "))
	if r := []rune(s); len(r) > maxTextLen {
		s = strings.TrimSpace(string(r[:maxTextLen]))
	}
	return s
}
