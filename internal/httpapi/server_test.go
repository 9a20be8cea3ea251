package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/antoniostano/recall/internal/config"
	"github.com/antoniostano/recall/internal/distill"
	"github.com/antoniostano/recall/internal/embed"
	"github.com/antoniostano/recall/internal/llm"
	"github.com/antoniostano/recall/internal/ltm"
	"github.com/antoniostano/recall/internal/observability"
	"github.com/antoniostano/recall/internal/retrieval"
	"github.com/antoniostano/recall/internal/stm"
	"github.com/antoniostano/recall/internal/writeback"
)

var metricsSeq atomic.Int64

// newTestServer wires a full in-memory stack: mock embedder, mock
// generator, in-memory LTM stores.
func newTestServer(t *testing.T, cfg config.Config) *httptest.Server {
	t.Helper()

	if cfg.TopKLocalDefault == 0 {
		cfg.TopKLocalDefault = 8
	}
	if cfg.TopKGlobalDefault == 0 {
		cfg.TopKGlobalDefault = 8
	}
	if cfg.STMMaxTurnsDefault == 0 {
		cfg.STMMaxTurnsDefault = 8
	}
	if cfg.SearchCandidateWindow == 0 {
		cfg.SearchCandidateWindow = 100
	}

	embedder := embed.NewMockClient(16)
	local := ltm.NewInMemoryStore(ltm.ScopeLocal, embedder)
	global := ltm.NewInMemoryStore(ltm.ScopeGlobal, embedder)
	stmStore := stm.NewStore(64, 0)
	generator := llm.NewMockGenerator()

	retriever := retrieval.NewOrchestrator(
		stmStore,
		retrieval.Tier{Text: local, Embed: local},
		retrieval.Tier{Text: global, Embed: global},
		distill.New(nil),
		embedder.Embed,
		retrieval.Config{MinSimilarity: 0.5},
	)

	metrics := observability.NewMetrics(fmt.Sprintf("test_httpapi_%d", metricsSeq.Add(1)))
	stages := observability.NewStageWindow(16)

	srv := New(cfg, stmStore, local, global, retriever, generator, writeback.New(generator), metrics, stages)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	res, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	return res
}

func decodeBody(t *testing.T, res *http.Response, out any) {
	t.Helper()
	defer res.Body.Close()
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestChatEndpoint(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	res := postJSON(t, ts.URL+"/api/chat", map[string]any{
		"user_id": "user-1",
		"message": "hello, remember that I like tea",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("chat status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var got chatResponse
	decodeBody(t, res, &got)
	if got.Reply == "" {
		t.Fatalf("empty reply")
	}
	if got.SessionID == "" {
		t.Fatalf("session_id not assigned")
	}
	if got.UsedSTMTurns != 1 {
		t.Fatalf("used_stm_turns = %d, want 1 (the just-appended user turn)", got.UsedSTMTurns)
	}
}

func TestChatValidation(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	res := postJSON(t, ts.URL+"/api/chat", map[string]any{"message": "no user"})
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestChatKeepsSessionAcrossTurns(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	var first chatResponse
	decodeBody(t, postJSON(t, ts.URL+"/api/chat", map[string]any{
		"user_id": "user-1",
		"message": "first message",
	}), &first)

	var second chatResponse
	decodeBody(t, postJSON(t, ts.URL+"/api/chat", map[string]any{
		"user_id":    "user-1",
		"session_id": first.SessionID,
		"message":    "second message",
	}), &second)

	if second.SessionID != first.SessionID {
		t.Fatalf("session_id changed across turns: %q vs %q", second.SessionID, first.SessionID)
	}
	// user, assistant, user = 3 turns in the buffer at retrieval time.
	if second.UsedSTMTurns != 3 {
		t.Fatalf("used_stm_turns = %d, want 3", second.UsedSTMTurns)
	}
}

func TestMemoryAddListDelete(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	var created ltm.Record
	res := postJSON(t, ts.URL+"/api/memory/global", map[string]any{
		"user_id": "user-1",
		"text":    "Prefers green tea",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	decodeBody(t, res, &created)
	if created.ID == 0 || created.Scope != ltm.ScopeGlobal {
		t.Fatalf("unexpected record: %+v", created)
	}

	// Idempotent re-add returns the same record.
	var again ltm.Record
	decodeBody(t, postJSON(t, ts.URL+"/api/memory/global", map[string]any{
		"user_id": "user-1",
		"text":    "Prefers  green   tea",
	}), &again)
	if again.ID != created.ID {
		t.Fatalf("duplicate add created id %d, want existing %d", again.ID, created.ID)
	}

	listRes, err := http.Get(ts.URL + "/api/memory/global?user_id=user-1")
	if err != nil {
		t.Fatalf("list error = %v", err)
	}
	var listed listResponse
	decodeBody(t, listRes, &listed)
	if listed.Total != 1 || len(listed.Items) != 1 {
		t.Fatalf("list = %+v, want exactly one record", listed)
	}

	req, _ := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/api/memory/global/%d", ts.URL, created.ID), nil)
	delRes, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete error = %v", err)
	}
	var del deleteResponse
	decodeBody(t, delRes, &del)
	if del.Deleted != 1 {
		t.Fatalf("deleted = %d, want 1", del.Deleted)
	}

	req2, _ := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/api/memory/global/%d", ts.URL, created.ID), nil)
	delRes2, err := http.DefaultClient.Do(req2)
	if err != nil {
		t.Fatalf("second delete error = %v", err)
	}
	var del2 deleteResponse
	decodeBody(t, delRes2, &del2)
	if del2.Deleted != 0 {
		t.Fatalf("second delete = %d, want 0", del2.Deleted)
	}
}

func TestLocalMemoryRequiresSession(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	res := postJSON(t, ts.URL+"/api/memory/local", map[string]any{
		"user_id": "user-1",
		"text":    "missing session",
	})
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestMemorySearch(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	for _, text := range []string{"Drinks coffee every morning", "Allergic to peanuts"} {
		res := postJSON(t, ts.URL+"/api/memory/global", map[string]any{
			"user_id": "user-1",
			"text":    text,
		})
		res.Body.Close()
	}

	var got listResponse
	decodeBody(t, postJSON(t, ts.URL+"/api/memory/search", map[string]any{
		"user_id": "user-1",
		"q":       "coffee",
		"scope":   "global",
	}), &got)

	if len(got.Items) != 1 || !strings.Contains(got.Items[0].Text, "coffee") {
		t.Fatalf("search items = %+v, want the coffee record", got.Items)
	}
}

func TestAPIKeyMiddleware(t *testing.T) {
	ts := newTestServer(t, config.Config{APIKey: "secret"})

	res := postJSON(t, ts.URL+"/api/chat", map[string]any{"user_id": "u", "message": "hi"})
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/chat",
		bytes.NewReader([]byte(`{"user_id":"u","message":"hi"}`)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", "secret")
	authRes, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("authenticated request error = %v", err)
	}
	authRes.Body.Close()
	if authRes.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status = %d, want %d", authRes.StatusCode, http.StatusOK)
	}

	// Health stays open without a key.
	healthRes, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz error = %v", err)
	}
	healthRes.Body.Close()
	if healthRes.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want %d", healthRes.StatusCode, http.StatusOK)
	}
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, config.Config{
		RateLimitRequests: 2,
		RateLimitWindow:   time.Minute,
	})

	for i := 0; i < 2; i++ {
		res, err := http.Get(ts.URL + "/api/admin/perf")
		if err != nil {
			t.Fatalf("request %d error = %v", i+1, err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("request %d status = %d, want %d", i+1, res.StatusCode, http.StatusOK)
		}
	}

	res, err := http.Get(ts.URL + "/api/admin/perf")
	if err != nil {
		t.Fatalf("limited request error = %v", err)
	}
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("limited status = %d, want %d", res.StatusCode, http.StatusTooManyRequests)
	}
	var body errorResponse
	decodeBody(t, res, &body)
	if body.Code != "rate_limit_exceeded" {
		t.Fatalf("error code = %q, want rate_limit_exceeded", body.Code)
	}

	// Health endpoints are outside the limited group.
	healthRes, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz error = %v", err)
	}
	healthRes.Body.Close()
	if healthRes.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want %d after limit hit", healthRes.StatusCode, http.StatusOK)
	}
}

func TestClearSTM(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	var chat chatResponse
	decodeBody(t, postJSON(t, ts.URL+"/api/chat", map[string]any{
		"user_id": "user-1",
		"message": "hello",
	}), &chat)

	res := postJSON(t, ts.URL+"/api/admin/stm/clear?session_id="+chat.SessionID, nil)
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("clear status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var followup chatResponse
	decodeBody(t, postJSON(t, ts.URL+"/api/chat", map[string]any{
		"user_id":    "user-1",
		"session_id": chat.SessionID,
		"message":    "are you still there?",
	}), &followup)
	if followup.UsedSTMTurns != 1 {
		t.Fatalf("used_stm_turns after clear = %d, want 1", followup.UsedSTMTurns)
	}
}

func TestPerfSnapshot(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	res := postJSON(t, ts.URL+"/api/chat", map[string]any{"user_id": "u", "message": "hi"})
	res.Body.Close()

	perfRes, err := http.Get(ts.URL + "/api/admin/perf")
	if err != nil {
		t.Fatalf("perf error = %v", err)
	}
	var snap observability.StageSnapshot
	decodeBody(t, perfRes, &snap)
	if len(snap.Stages) == 0 {
		t.Fatalf("perf snapshot has no stages after a chat request")
	}
}
