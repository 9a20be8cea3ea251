package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsReadLimit    = 1 << 20
	wsReadTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
)

type wsError struct {
	Type   string `json:"type"`
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// handleChatWS serves chat over a websocket: one JSON chatRequest frame
// in, one JSON chatResponse (or error) frame out, sequentially per
// connection.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}

		var req chatRequest
		if err := json.Unmarshal(data, &req); err != nil {
			s.writeWS(conn, wsError{Type: "error", Code: "invalid_client_message", Detail: err.Error()})
			continue
		}

		resp, err := s.runChat(r.Context(), &req)
		if err != nil {
			s.metrics.ChatRequests.WithLabelValues("error").Inc()
			code := "generation_failed"
			var badReq *chatValidationError
			if errors.As(err, &badReq) {
				code = "invalid_request"
			}
			s.writeWS(conn, wsError{Type: "error", Code: code, Detail: err.Error()})
			continue
		}
		s.metrics.ChatRequests.WithLabelValues("ok").Inc()
		if !s.writeWS(conn, resp) {
			return
		}
	}
}

func (s *Server) writeWS(conn *websocket.Conn, v any) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(v) == nil
}
