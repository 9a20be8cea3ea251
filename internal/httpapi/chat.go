package httpapi

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/recall/internal/ltm"
	"github.com/antoniostano/recall/internal/retrieval"
	"github.com/antoniostano/recall/internal/stm"
)

type chatRequest struct {
	UserID        string `json:"user_id"`
	SessionID     string `json:"session_id"`
	Message       string `json:"message"`
	TopKLocal     *int   `json:"topk_local,omitempty"`
	TopKGlobal    *int   `json:"topk_global,omitempty"`
	STMMaxTurns   *int   `json:"stm_max_turns,omitempty"`
	ReturnSources *bool  `json:"return_sources,omitempty"`
}

type chatResponse struct {
	Reply        string                 `json:"reply"`
	SessionID    string                 `json:"session_id"`
	UsedSTMTurns int                    `json:"used_stm_turns"`
	Sources      []retrieval.SourceItem `json:"sources,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	resp, err := s.runChat(r.Context(), &req)
	if err != nil {
		s.metrics.ChatRequests.WithLabelValues("error").Inc()
		var badReq *chatValidationError
		if errors.As(err, &badReq) {
			respondError(w, http.StatusBadRequest, "invalid_request", badReq.Error())
			return
		}
		respondError(w, http.StatusBadGateway, "generation_failed", err.Error())
		return
	}
	s.metrics.ChatRequests.WithLabelValues("ok").Inc()
	respondJSON(w, http.StatusOK, resp)
}

type chatValidationError struct{ msg string }

func (e *chatValidationError) Error() string { return e.msg }

// runChat is the full chat pipeline shared by the HTTP and websocket
// endpoints: STM append, retrieval, generation, STM append, write-back.
func (s *Server) runChat(ctx context.Context, req *chatRequest) (*chatResponse, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.Message = strings.TrimSpace(req.Message)
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.UserID == "" {
		return nil, &chatValidationError{"user_id is required"}
	}
	if req.Message == "" {
		return nil, &chatValidationError{"message must not be empty"}
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	topkLocal := s.cfg.TopKLocalDefault
	if req.TopKLocal != nil && *req.TopKLocal >= 0 {
		topkLocal = *req.TopKLocal
	}
	topkGlobal := s.cfg.TopKGlobalDefault
	if req.TopKGlobal != nil && *req.TopKGlobal >= 0 {
		topkGlobal = *req.TopKGlobal
	}
	stmMaxTurns := s.cfg.STMMaxTurnsDefault
	if req.STMMaxTurns != nil && *req.STMMaxTurns >= 0 {
		stmMaxTurns = *req.STMMaxTurns
	}

	chatStart := time.Now()

	s.stm.AppendTurn(req.SessionID, stm.RoleUser, req.Message)

	retrievalStart := time.Now()
	res := s.retriever.RetrieveContext(ctx, req.UserID, req.SessionID, req.Message, topkLocal, topkGlobal, stmMaxTurns)
	s.observeStage("retrieval", time.Since(retrievalStart))
	s.metrics.ObserveRetrievalLatency(time.Since(retrievalStart))
	s.countRetrievalHits(res.Sources)

	generationStart := time.Now()
	reply, err := s.generator.Generate(ctx, res.Prompt, "")
	s.observeStage("generation", time.Since(generationStart))
	if err != nil {
		s.metrics.UpstreamErrors.WithLabelValues("generator").Inc()
		return nil, err
	}

	s.stm.AppendTurn(req.SessionID, stm.RoleAssistant, reply)
	s.metrics.ActiveSTMSessions.Set(float64(s.stm.SessionCount()))

	writebackStart := time.Now()
	s.applyWritebacks(ctx, req.UserID, req.SessionID, req.Message, reply)
	s.observeStage("writeback", time.Since(writebackStart))

	s.observeStage("chat_total", time.Since(chatStart))
	s.metrics.ObserveChatLatency(time.Since(chatStart))

	resp := &chatResponse{
		Reply:        reply,
		SessionID:    req.SessionID,
		UsedSTMTurns: res.UsedSTMTurns,
	}
	if req.ReturnSources == nil || *req.ReturnSources {
		resp.Sources = res.Sources
	}
	return resp, nil
}

// applyWritebacks persists extracted candidates into their tier. Each
// candidate is independent; a failed write is logged and skipped.
func (s *Server) applyWritebacks(ctx context.Context, userID, sessionID, userMessage, reply string) {
	if s.extractor == nil {
		return
	}
	for _, c := range s.extractor.Extract(ctx, userMessage, reply) {
		s.metrics.WritebackCandidates.WithLabelValues(string(c.Scope)).Inc()

		var store ltm.Store
		owner := ltm.OwnerKey{UserID: userID}
		switch c.Scope {
		case ltm.ScopeLocal:
			store = s.local
			owner.SessionID = sessionID
		case ltm.ScopeGlobal:
			store = s.global
		}
		if store == nil {
			continue
		}
		if _, err := store.Add(ctx, owner, c.Text, c.Meta); err != nil {
			s.metrics.StoreErrors.WithLabelValues("writeback_add").Inc()
			log.Printf("httpapi: %s write-back failed: %v", c.Scope, err)
		}
	}
}

func (s *Server) countRetrievalHits(sources []retrieval.SourceItem) {
	var localHits, globalHits int
	for _, src := range sources {
		switch src.Scope {
		case ltm.ScopeLocal:
			localHits++
		case ltm.ScopeGlobal:
			globalHits++
		}
	}
	if localHits > 0 {
		s.metrics.RetrievalHits.WithLabelValues("local").Add(float64(localHits))
	}
	if globalHits > 0 {
		s.metrics.RetrievalHits.WithLabelValues("global").Add(float64(globalHits))
	}
}

func (s *Server) observeStage(stage string, d time.Duration) {
	if s.stages != nil {
		s.stages.Observe(stage, d)
	}
}
