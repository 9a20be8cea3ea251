// Package httpapi exposes the chat and memory-management endpoints over
// a chi router, plus health, metrics and a small admin surface.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/recall/internal/config"
	"github.com/antoniostano/recall/internal/llm"
	"github.com/antoniostano/recall/internal/ltm"
	"github.com/antoniostano/recall/internal/observability"
	"github.com/antoniostano/recall/internal/retrieval"
	"github.com/antoniostano/recall/internal/stm"
	"github.com/antoniostano/recall/internal/writeback"
)

type Server struct {
	cfg       config.Config
	stm       *stm.Store
	local     ltm.Store
	global    ltm.Store
	retriever *retrieval.Orchestrator
	generator llm.Generator
	extractor *writeback.Extractor
	metrics   *observability.Metrics
	stages    *observability.StageWindow
	limiter   *rateLimiter
	startedAt time.Time
	upgrader  websocket.Upgrader
}

func New(cfg config.Config, stmStore *stm.Store, local, global ltm.Store, retriever *retrieval.Orchestrator, generator llm.Generator, extractor *writeback.Extractor, metrics *observability.Metrics, stages *observability.StageWindow) *Server {
	s := &Server{
		cfg:       cfg,
		stm:       stmStore,
		local:     local,
		global:    global,
		retriever: retriever,
		generator: generator,
		extractor: extractor,
		metrics:   metrics,
		stages:    stages,
		startedAt: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the
				// same origin, so other websites cannot drive a user's chat
				// session if the service is ever exposed beyond localhost.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
	if cfg.RateLimitRequests > 0 && cfg.RateLimitWindow > 0 {
		s.limiter = newRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow)
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Group(func(r chi.Router) {
		// Limiter runs before auth; health and metrics stay open.
		if s.limiter != nil {
			r.Use(s.limiter.middleware)
		}
		r.Use(s.requireAPIKey)

		r.Post("/api/chat", s.handleChat)
		r.Get("/api/chat/ws", s.handleChatWS)

		r.Get("/api/memory/local", s.handleListMemories(ltm.ScopeLocal))
		r.Get("/api/memory/global", s.handleListMemories(ltm.ScopeGlobal))
		r.Post("/api/memory/local", s.handleAddMemory(ltm.ScopeLocal))
		r.Post("/api/memory/global", s.handleAddMemory(ltm.ScopeGlobal))
		r.Delete("/api/memory/{scope}/{id}", s.handleDeleteMemory)
		r.Post("/api/memory/{scope}/clear", s.handleClearMemory)
		r.Post("/api/memory/search", s.handleSearchMemory)

		r.Post("/api/admin/stm/clear", s.handleClearSTM)
		r.Get("/api/admin/perf", s.handlePerf)
	})

	return r
}

// requireAPIKey checks the X-API-Key header (or api_key query parameter)
// against the configured key. An empty configured key disables the check.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		expected := strings.TrimSpace(s.cfg.APIKey)
		if expected == "" {
			next.ServeHTTP(w, r)
			return
		}
		supplied := strings.TrimSpace(r.Header.Get("X-API-Key"))
		if supplied == "" {
			supplied = strings.TrimSpace(r.URL.Query().Get("api_key"))
		}
		if supplied != expected {
			respondError(w, http.StatusUnauthorized, "unauthorized", "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"uptime_s": time.Since(s.startedAt).Round(time.Millisecond).Seconds(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ready",
		"store_local":  s.local != nil,
		"store_global": s.global != nil,
	})
}

func (s *Server) handlePerf(w http.ResponseWriter, _ *http.Request) {
	if s.stages == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "latency window not configured")
		return
	}
	respondJSON(w, http.StatusOK, s.stages.Snapshot())
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
