// Package similarity provides the vector and text primitives used by the
// retrieval pipeline: L2 normalization, cosine similarity, stable top-K
// selection and diversity-aware (MMR) reranking.
package similarity

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/antoniostano/recall/internal/memerr"
)

// normEps guards against division by zero; vectors with a smaller L2 norm
// are treated as the zero vector and cosine against them is 0.
const normEps = 1e-12

// EmbedFunc converts a batch of texts into fixed-dimension vectors,
// one per input, same order.
type EmbedFunc func(ctx context.Context, texts []string) ([][]float32, error)

// NormalizeText applies the canonical text key used for dedup: trim,
// collapse internal whitespace, lowercase.
func NormalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Normalize L2-normalizes a vector. A (near-)zero vector is returned as
// the zero vector of the same length.
func Normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	n := math.Sqrt(sum)
	if n < normEps {
		return out
	}
	for i, x := range v {
		out[i] = float32(float64(x) / n)
	}
	return out
}

// Cosine returns the cosine similarity of a and b in [-1, 1].
// Cosine against a zero vector is 0. Mismatched lengths fail with a
// dimension error; callers guarantee uniform dimension within one store.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, memerr.Dimension(len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	na = math.Sqrt(na)
	nb = math.Sqrt(nb)
	if na < normEps || nb < normEps {
		return 0, nil
	}
	s := dot / (na * nb)
	// Clamp accumulated floating error so callers can rely on the range.
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	return s, nil
}

// TopK returns the indices of the k highest scores, descending.
// Ties keep the original order (stable). k <= 0 returns an empty slice;
// k beyond the population returns all indices.
func TopK(scores []float64, k int) []int {
	if k <= 0 || len(scores) == 0 {
		return nil
	}
	if k > len(scores) {
		k = len(scores)
	}
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return scores[idx[a]] > scores[idx[b]]
	})
	return idx[:k]
}

// DiversitySelect picks up to k candidate indices by maximal marginal
// relevance: the first pick is the candidate most similar to the query,
// each later pick maximizes
//
//	lambda*sim(query, c) - (1-lambda)*max_j sim(c, selected_j)
//
// over the remaining candidates. O(k*N) pairwise similarity work, which
// is acceptable for the bounded candidate windows used here.
func DiversitySelect(ctx context.Context, candidates []string, query string, embed EmbedFunc, k int, lambda float64) ([]int, error) {
	if len(candidates) == 0 || k <= 0 {
		return nil, nil
	}
	if k > len(candidates) {
		k = len(candidates)
	}

	vecs, err := embed(ctx, candidates)
	if err != nil {
		return nil, err
	}
	qv, err := embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(candidates) || len(qv) != 1 {
		return nil, memerr.Validation("embedder returned wrong batch size")
	}

	simToQuery := make([]float64, len(candidates))
	for i, v := range vecs {
		s, err := Cosine(qv[0], v)
		if err != nil {
			return nil, err
		}
		simToQuery[i] = s
	}

	selected := make([]int, 0, k)
	remaining := make(map[int]struct{}, len(candidates))
	for i := range candidates {
		remaining[i] = struct{}{}
	}

	for len(selected) < k && len(remaining) > 0 {
		best := -1
		bestScore := math.Inf(-1)
		for i := range candidates {
			if _, ok := remaining[i]; !ok {
				continue
			}
			score := simToQuery[i]
			if len(selected) > 0 {
				maxSel := math.Inf(-1)
				for _, j := range selected {
					s, err := Cosine(vecs[i], vecs[j])
					if err != nil {
						return nil, err
					}
					if s > maxSel {
						maxSel = s
					}
				}
				score = lambda*simToQuery[i] - (1-lambda)*maxSel
			}
			if score > bestScore {
				bestScore = score
				best = i
			}
		}
		selected = append(selected, best)
		delete(remaining, best)
	}

	return selected, nil
}
