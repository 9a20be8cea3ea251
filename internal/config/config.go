package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the layered-memory service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	// Optional shared secret; empty disables request authentication.
	APIKey string

	// Per-client request allowance for the API surface, parsed from
	// RATE_LIMIT ("60/minute"). Zero requests disables the limiter.
	RateLimitRequests int
	RateLimitWindow   time.Duration

	DatabaseURL string

	LLMProvider  string
	GeminiAPIKey string
	GeminiModel  string

	EmbedProvider string
	EmbedAPIKey   string
	EmbedModel    string
	EmbedVersion  string
	EmbedDim      int

	STMMaxTurnsDefault int
	STMSessionCap      int
	STMSessionTTL      time.Duration

	TopKLocalDefault      int
	TopKGlobalDefault     int
	RetrievalBudgetTokens int
	RetrievalMinSim       float64
	LocalScoreWeight      float64
	GlobalScoreWeight     float64
	SearchCandidateWindow int

	DistillUseLLM bool
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "recall"),
		AllowAnyOrigin:   false,
		APIKey:           stringsTrimSpace("API_KEY"),
		DatabaseURL:      stringsTrimSpace("DATABASE_URL"),
		LLMProvider:      envOrDefault("LLM_PROVIDER", "auto"),
		GeminiAPIKey:     stringsTrimSpace("GEMINI_API_KEY"),
		GeminiModel:      envOrDefault("GEMINI_MODEL", "gemini-2.0-flash"),
		EmbedProvider:    envOrDefault("EMB_PROVIDER", "auto"),
		EmbedAPIKey:      stringsTrimSpace("GOOGLE_EMBED_API_KEY"),
		EmbedModel:       envOrDefault("EMB_MODEL", "text-embedding-004"),
		EmbedVersion:     envOrDefault("EMB_VERSION", "text-embedding-004"),

		EmbedDim:              768,
		STMMaxTurnsDefault:    8,
		STMSessionCap:         256,
		STMSessionTTL:         30 * time.Minute,
		TopKLocalDefault:      8,
		TopKGlobalDefault:     8,
		RetrievalBudgetTokens: 400,
		RetrievalMinSim:       0.50,
		LocalScoreWeight:      0.90,
		GlobalScoreWeight:     1.10,
		SearchCandidateWindow: 500,
		ShutdownTimeout:       15 * time.Second,
		RateLimitRequests:     60,
		RateLimitWindow:       time.Minute,
		DistillUseLLM:         true,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.EmbedDim, err = intFromEnv("EMB_DIM", cfg.EmbedDim)
	if err != nil {
		return Config{}, err
	}
	cfg.STMMaxTurnsDefault, err = intFromEnv("STM_MAX_TURNS_DEFAULT", cfg.STMMaxTurnsDefault)
	if err != nil {
		return Config{}, err
	}
	cfg.STMSessionCap, err = intFromEnv("STM_SESSION_CAP", cfg.STMSessionCap)
	if err != nil {
		return Config{}, err
	}
	cfg.STMSessionTTL, err = durationFromEnv("STM_SESSION_TTL", cfg.STMSessionTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.TopKLocalDefault, err = intFromEnv("TOPK_LOCAL_DEFAULT", cfg.TopKLocalDefault)
	if err != nil {
		return Config{}, err
	}
	cfg.TopKGlobalDefault, err = intFromEnv("TOPK_GLOBAL_DEFAULT", cfg.TopKGlobalDefault)
	if err != nil {
		return Config{}, err
	}
	cfg.RetrievalBudgetTokens, err = intFromEnv("RETRIEVAL_BUDGET_TOKENS", cfg.RetrievalBudgetTokens)
	if err != nil {
		return Config{}, err
	}
	cfg.RetrievalMinSim, err = floatFromEnv("RETRIEVAL_MIN_SIMILARITY", cfg.RetrievalMinSim)
	if err != nil {
		return Config{}, err
	}
	cfg.LocalScoreWeight, err = floatFromEnv("LOCAL_LTM_SCORE_WEIGHT", cfg.LocalScoreWeight)
	if err != nil {
		return Config{}, err
	}
	cfg.GlobalScoreWeight, err = floatFromEnv("GLOBAL_LTM_SCORE_WEIGHT", cfg.GlobalScoreWeight)
	if err != nil {
		return Config{}, err
	}
	cfg.SearchCandidateWindow, err = intFromEnv("SEARCH_CANDIDATE_WINDOW", cfg.SearchCandidateWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.DistillUseLLM, err = boolFromEnv("DISTILL_USE_LLM", cfg.DistillUseLLM)
	if err != nil {
		return Config{}, err
	}
	cfg.RateLimitRequests, cfg.RateLimitWindow, err = rateFromEnv("RATE_LIMIT", cfg.RateLimitRequests, cfg.RateLimitWindow)
	if err != nil {
		return Config{}, err
	}

	if cfg.EmbedDim <= 0 {
		return Config{}, fmt.Errorf("EMB_DIM must be positive")
	}
	if cfg.STMMaxTurnsDefault <= 0 {
		return Config{}, fmt.Errorf("STM_MAX_TURNS_DEFAULT must be positive")
	}
	if cfg.STMSessionCap < cfg.STMMaxTurnsDefault {
		return Config{}, fmt.Errorf("STM_SESSION_CAP must be at least STM_MAX_TURNS_DEFAULT")
	}
	if cfg.STMSessionTTL < 0 {
		return Config{}, fmt.Errorf("STM_SESSION_TTL must not be negative")
	}
	if cfg.TopKLocalDefault <= 0 || cfg.TopKGlobalDefault <= 0 {
		return Config{}, fmt.Errorf("TOPK_LOCAL_DEFAULT and TOPK_GLOBAL_DEFAULT must be positive")
	}
	if cfg.RetrievalBudgetTokens <= 0 {
		return Config{}, fmt.Errorf("RETRIEVAL_BUDGET_TOKENS must be positive")
	}
	if cfg.RetrievalMinSim < 0 || cfg.RetrievalMinSim > 1 {
		return Config{}, fmt.Errorf("RETRIEVAL_MIN_SIMILARITY must be within [0, 1]")
	}
	if cfg.LocalScoreWeight <= 0 || cfg.GlobalScoreWeight <= 0 {
		return Config{}, fmt.Errorf("LTM score weights must be positive")
	}
	if cfg.SearchCandidateWindow <= 0 {
		return Config{}, fmt.Errorf("SEARCH_CANDIDATE_WINDOW must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

// rateFromEnv parses "count/period" limits (period: second, minute or
// hour). "0" and "disabled" turn the limiter off.
func rateFromEnv(key string, fallbackN int, fallbackW time.Duration) (int, time.Duration, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallbackN, fallbackW, nil
	}
	if v == "0" || v == "disabled" {
		return 0, fallbackW, nil
	}
	count, period, ok := strings.Cut(v, "/")
	if !ok {
		return 0, 0, fmt.Errorf("%s parse error: expected count/period", key)
	}
	n, err := strconv.Atoi(strings.TrimSpace(count))
	if err != nil || n <= 0 {
		return 0, 0, fmt.Errorf("%s parse error: bad count %q", key, count)
	}
	var w time.Duration
	switch strings.TrimSpace(period) {
	case "second":
		w = time.Second
	case "minute":
		w = time.Minute
	case "hour":
		w = time.Hour
	default:
		return 0, 0, fmt.Errorf("%s parse error: bad period %q", key, period)
	}
	return n, w, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
