package embed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/antoniostano/recall/internal/memerr"
	"github.com/antoniostano/recall/internal/reliability"
)

const defaultGeminiEmbedBase = "https://generativelanguage.googleapis.com/v1beta"

const (
	embedMaxAttempts = 3
	embedRetryBase   = 200 * time.Millisecond
	embedRetryCap    = 2 * time.Second
)

// GeminiClient calls the Google Generative Language batch embedding
// endpoint. Vectors shorter than the configured dimension are zero-padded
// and longer ones truncated, so every stored embedding shares one
// dimension.
type GeminiClient struct {
	apiKey  string
	model   string
	version string
	dim     int
	baseURL string
	client  *http.Client
}

func NewGeminiClient(cfg Config) *GeminiClient {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "text-embedding-004"
	}
	version := strings.TrimSpace(cfg.Version)
	if version == "" {
		version = model
	}
	dim := cfg.Dim
	if dim <= 0 {
		dim = 768
	}
	return &GeminiClient{
		apiKey:  strings.TrimSpace(cfg.APIKey),
		model:   model,
		version: version,
		dim:     dim,
		baseURL: defaultGeminiEmbedBase,
		client: &http.Client{
			Timeout: 20 * time.Second,
		},
	}
}

func (c *GeminiClient) Dimensions() int { return c.dim }
func (c *GeminiClient) Model() string   { return c.model }
func (c *GeminiClient) Version() string { return c.version }

type geminiEmbedRequest struct {
	Requests []geminiEmbedItem `json:"requests"`
}

type geminiEmbedItem struct {
	Model   string        `json:"model"`
	Content geminiContent `json:"content"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiEmbedResponse struct {
	Embeddings []struct {
		Values []float32 `json:"values"`
	} `json:"embeddings"`
}

func (c *GeminiClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	reqBody := geminiEmbedRequest{Requests: make([]geminiEmbedItem, len(texts))}
	for i, t := range texts {
		reqBody.Requests[i] = geminiEmbedItem{
			Model:   "models/" + c.model,
			Content: geminiContent{Parts: []geminiPart{{Text: t}}},
		}
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:batchEmbedContents?key=%s",
		c.baseURL, c.model, url.QueryEscape(c.apiKey))
	res, err := reliability.PostJSON(ctx, c.client, endpoint, payload, embedMaxAttempts, embedRetryBase, embedRetryCap)
	if err != nil {
		return nil, fmt.Errorf("%w: embed request: %v", memerr.ErrUpstream, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return nil, fmt.Errorf("%w: embed status %d: %s", memerr.ErrUpstream, res.StatusCode, string(body))
	}

	var parsed geminiEmbedResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: decode embed response: %v", memerr.ErrUpstream, err)
	}
	if len(parsed.Embeddings) != len(texts) {
		return nil, fmt.Errorf("%w: embed returned %d vectors for %d texts",
			memerr.ErrUpstream, len(parsed.Embeddings), len(texts))
	}

	out := make([][]float32, len(texts))
	for i, e := range parsed.Embeddings {
		out[i] = fitDimension(e.Values, c.dim)
	}
	return out, nil
}

// fitDimension pads or truncates a vector to the configured dimension.
func fitDimension(v []float32, dim int) []float32 {
	if len(v) == dim {
		return v
	}
	out := make([]float32, dim)
	copy(out, v)
	return out
}
