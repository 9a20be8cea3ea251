package llm

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

const defaultGeminiBase = "https://generativelanguage.googleapis.com/v1beta"

const (
	generateMaxAttempts = 3
	generateRetryBase   = 250 * time.Millisecond
	generateRetryCap    = 2 * time.Second
)

// GeminiGenerator calls the Google Generative Language generateContent
// endpoint.
type GeminiGenerator struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

func NewGeminiGenerator(cfg Config) *GeminiGenerator {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &GeminiGenerator{
		apiKey:  strings.TrimSpace(cfg.APIKey),
		model:   model,
		baseURL: defaultGeminiBase,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type geminiGenerateRequest struct {
	Contents          []geminiTurn       `json:"contents"`
	SystemInstruction *geminiTurn        `json:"systemInstruction,omitempty"`
	GenerationConfig  geminiGenerateOpts `json:"generationConfig"`
}

type geminiTurn struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerateOpts struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type geminiGenerateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func (g *GeminiGenerator) Generate(ctx context.Context, prompt, system string) (string, error) {
	req := geminiGenerateRequest{
		Contents: []geminiTurn{
			{Role: "user", Parts: []geminiPart{{Text: prompt}}},
		},
		GenerationConfig: geminiGenerateOpts{
			Temperature:     0.4,
			MaxOutputTokens: 512,
		},
	}
	if strings.TrimSpace(system) != "" {
		req.SystemInstruction = &geminiTurn{Parts: []geminiPart{{Text: system}}}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal generate request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		g.baseURL, g.model, url.QueryEscape(g.apiKey))
	res, err := reliability.PostJSON(ctx, g.client, endpoint, payload, generateMaxAttempts, generateRetryBase, generateRetryCap)
	if err != nil {
		return "", fmt.Errorf("%w: generate request: %v", memerr.ErrUpstream, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", fmt.Errorf("%w: generate status %d: %s", memerr.ErrUpstream, res.StatusCode, string(body))
	}

	var parsed geminiGenerateResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("%w: decode generate response: %v", memerr.ErrUpstream, err)
	}
	if len(parsed.Candidates) == 0 {
		return "", nil
	}

	var out strings.Builder
	for _, p := range parsed.Candidates[0].Content.Parts {
		out.WriteString(p.Text)
	}
	return out.String(), nil
}
