package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/antoniostano/recall/internal/ltm"
	"github.com/antoniostano/recall/internal/memerr"
)

const (
	defaultPageSize = 20
	maxPageSize     = 200
	defaultTopK     = 10
)

type listResponse struct {
	Page     int          `json:"page"`
	PageSize int          `json:"page_size"`
	Total    int          `json:"total"`
	Items    []ltm.Record `json:"items"`
}

type memoryWriteRequest struct {
	UserID    string         `json:"user_id"`
	SessionID string         `json:"session_id,omitempty"`
	Text      string         `json:"text"`
	Meta      map[string]any `json:"meta,omitempty"`
}

type memorySearchRequest struct {
	UserID    string `json:"user_id"`
	Query     string `json:"q"`
	Scope     string `json:"scope,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	TopK      int    `json:"topk,omitempty"`
	Mode      string `json:"mode,omitempty"` // text (default) | embed
}

type deleteResponse struct {
	Deleted int `json:"deleted"`
}

func (s *Server) storeFor(scope ltm.Scope) ltm.Store {
	switch scope {
	case ltm.ScopeLocal:
		return s.local
	case ltm.ScopeGlobal:
		return s.global
	default:
		return nil
	}
}

func (s *Server) handleListMemories(scope ltm.Scope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		store := s.storeFor(scope)
		if store == nil {
			respondError(w, http.StatusNotImplemented, "unavailable", string(scope)+" memory store not configured")
			return
		}

		q := r.URL.Query()
		page := intQuery(q.Get("page"), 1)
		if page < 1 {
			page = 1
		}
		pageSize := intQuery(q.Get("page_size"), defaultPageSize)
		if pageSize < 1 {
			pageSize = defaultPageSize
		}
		if pageSize > maxPageSize {
			pageSize = maxPageSize
		}

		owner := ltm.OwnerKey{UserID: strings.TrimSpace(q.Get("user_id"))}
		if scope == ltm.ScopeLocal {
			owner.SessionID = strings.TrimSpace(q.Get("session_id"))
		}

		items, total, err := store.List(r.Context(), owner, strings.TrimSpace(q.Get("q")), (page-1)*pageSize, pageSize)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, listResponse{Page: page, PageSize: pageSize, Total: total, Items: emptyIfNil(items)})
	}
}

func (s *Server) handleAddMemory(scope ltm.Scope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		store := s.storeFor(scope)
		if store == nil {
			respondError(w, http.StatusNotImplemented, "unavailable", string(scope)+" memory store not configured")
			return
		}

		var req memoryWriteRequest
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}

		owner := ltm.OwnerKey{UserID: req.UserID}
		if scope == ltm.ScopeLocal {
			owner.SessionID = req.SessionID
		}

		rec, err := store.Add(r.Context(), owner, req.Text, req.Meta)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		respondJSON(w, http.StatusCreated, rec)
	}
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	scope := ltm.Scope(strings.ToLower(chi.URLParam(r, "scope")))
	store := s.storeFor(scope)
	if store == nil {
		respondError(w, http.StatusBadRequest, "invalid_scope", "scope must be local or global")
		return
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "id must be an integer")
		return
	}

	deleted, err := store.Delete(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, deleteResponse{Deleted: deleted})
}

func (s *Server) handleClearMemory(w http.ResponseWriter, r *http.Request) {
	scope := ltm.Scope(strings.ToLower(chi.URLParam(r, "scope")))
	store := s.storeFor(scope)
	if store == nil {
		respondError(w, http.StatusBadRequest, "invalid_scope", "scope must be local or global")
		return
	}

	q := r.URL.Query()
	owner := ltm.OwnerKey{UserID: strings.TrimSpace(q.Get("user_id"))}
	if scope == ltm.ScopeLocal {
		owner.SessionID = strings.TrimSpace(q.Get("session_id"))
	}

	deleted, err := store.Clear(r.Context(), owner)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, deleteResponse{Deleted: deleted})
}

func (s *Server) handleSearchMemory(w http.ResponseWriter, r *http.Request) {
	var req memorySearchRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	req.Query = strings.TrimSpace(req.Query)
	if req.UserID == "" || req.Query == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "user_id and q are required")
		return
	}
	topk := req.TopK
	if topk <= 0 {
		topk = defaultTopK
	}

	var scopes []ltm.Scope
	switch strings.ToLower(strings.TrimSpace(req.Scope)) {
	case "":
		scopes = []ltm.Scope{ltm.ScopeLocal, ltm.ScopeGlobal}
	case "local":
		scopes = []ltm.Scope{ltm.ScopeLocal}
	case "global":
		scopes = []ltm.Scope{ltm.ScopeGlobal}
	default:
		respondError(w, http.StatusBadRequest, "invalid_scope", "scope must be local or global")
		return
	}

	var items []ltm.Record
	total := 0
	for _, scope := range scopes {
		store := s.storeFor(scope)
		if store == nil {
			continue
		}
		owner := ltm.OwnerKey{UserID: req.UserID}
		if scope == ltm.ScopeLocal {
			if strings.TrimSpace(req.SessionID) == "" {
				respondError(w, http.StatusBadRequest, "invalid_request", "session_id is required for local search")
				return
			}
			owner.SessionID = req.SessionID
		}

		var (
			hits []ltm.Record
			n    int
			err  error
		)
		if strings.EqualFold(req.Mode, "embed") {
			hits, n, err = store.SearchEmbed(r.Context(), owner, req.Query, topk, s.cfg.SearchCandidateWindow)
		} else {
			hits, n, err = store.SearchText(r.Context(), owner, req.Query, topk)
		}
		if err != nil {
			respondStoreError(w, err)
			return
		}
		items = append(items, hits...)
		total += n
	}

	if len(items) > topk {
		items = items[:topk]
	}
	if total < len(items) {
		total = len(items)
	}
	respondJSON(w, http.StatusOK, listResponse{Page: 1, PageSize: topk, Total: total, Items: emptyIfNil(items)})
}

func (s *Server) handleClearSTM(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		s.stm.ClearAll()
	} else {
		s.stm.Clear(sessionID)
	}
	s.metrics.ActiveSTMSessions.Set(float64(s.stm.SessionCount()))
	respondJSON(w, http.StatusOK, map[string]any{"status": "cleared", "session_id": sessionID})
}

func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, memerr.ErrValidation):
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, memerr.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, memerr.ErrUpstream):
		respondError(w, http.StatusBadGateway, "upstream_unavailable", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "storage_error", err.Error())
	}
}

func intQuery(raw string, fallback int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func emptyIfNil(items []ltm.Record) []ltm.Record {
	if items == nil {
		return []ltm.Record{}
	}
	return items
}
