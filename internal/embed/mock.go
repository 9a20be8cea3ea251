package embed

import (
	"context"
	"hash/fnv"
	"math"
)

// MockClient produces deterministic pseudo-random unit vectors from a
// text hash, so similarity scores are stable across runs without any
// external service.
type MockClient struct {
	dim int
}

func NewMockClient(dim int) *MockClient {
	if dim <= 0 {
		dim = 768
	}
	return &MockClient{dim: dim}
}

func (m *MockClient) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = m.vector(t)
	}
	return out, nil
}

func (m *MockClient) Dimensions() int { return m.dim }
func (m *MockClient) Model() string   { return "mock-embedder" }
func (m *MockClient) Version() string { return "mock-1" }

func (m *MockClient) vector(text string) []float32 {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, m.dim)
	var norm float64
	for i := 0; i < m.dim; i++ {
		seed = seed*6364136223846793005 + 1442695040888963407
		v := float64(int64(seed)) / float64(math.MaxInt64)
		vec[i] = float32(v)
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	n := float32(math.Sqrt(norm))
	for i := range vec {
		vec[i] /= n
	}
	return vec
}
