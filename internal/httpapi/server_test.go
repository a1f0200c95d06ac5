package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xiaoqi-ai/xiaoqi/internal/config"
	"github.com/xiaoqi-ai/xiaoqi/internal/health"
	"github.com/xiaoqi-ai/xiaoqi/internal/history"
	"github.com/xiaoqi-ai/xiaoqi/internal/observability"
	"github.com/xiaoqi-ai/xiaoqi/internal/resolver"
	"github.com/xiaoqi-ai/xiaoqi/internal/transcript"
)

type stubResolver struct {
	result resolver.Result
	err    error
}

func (s *stubResolver) Resolve(_ context.Context, message string, isVoice bool) (resolver.Result, error) {
	if strings.TrimSpace(message) == "" {
		return resolver.Result{}, resolver.ErrEmptyMessage
	}
	if s.err != nil {
		return resolver.Result{}, s.err
	}
	res := s.result
	res.Status = "success"
	res.Message = message
	res.IsVoice = isVoice
	return res, nil
}

type probeFunc struct {
	name string
	fn   func(ctx context.Context) error
}

func (p probeFunc) Name() string                    { return p.name }
func (p probeFunc) Probe(ctx context.Context) error { return p.fn(ctx) }

func testConfig() config.Config {
	return config.Config{
		Memory:         config.SourceConfig{Enabled: true, Priority: 1},
		KnowledgeBase:  config.SourceConfig{Enabled: true, Priority: 2},
		LongTermMemory: config.SourceConfig{Priority: 3},
		Primary:        config.ProviderConfig{Kind: "openai", Name: "openai"},
		Secondary:      config.ProviderConfig{Kind: "off"},
		AllowAnyOrigin: true,
	}
}

func newTestServer(t *testing.T, res Resolver) *Server {
	t.Helper()
	metrics := observability.NewMetrics(fmt.Sprintf("httpapi_test_%d", time.Now().UnixNano()))
	checker := health.NewAggregator(nil, []string{"long_term_memory"}, time.Second, zap.NewNop())
	fuser := resolver.NewFuser(nil, 0.7, 500, time.Second, zap.NewNop())
	return New(testConfig(), res, fuser, checker, history.NewLog(20), transcript.NewInMemoryStore(), metrics, zap.NewNop())
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestChatReturnsResolvedResult(t *testing.T) {
	stub := &stubResolver{result: resolver.Result{
		Source:   "knowledge_base",
		Response: "文档里的答案",
		Sources:  map[string]bool{"knowledge_base": true},
		Raw:      map[string]string{"knowledge_base": "文档里的答案"},
	}}
	srv := newTestServer(t, stub)

	rec := postJSON(t, srv.Router(), "/chat", map[string]any{"message": "小柒是谁", "is_voice": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}

	var got resolver.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Status != "success" || got.Source != "knowledge_base" || got.Response != "文档里的答案" {
		t.Fatalf("result = %+v", got)
	}
	if !got.IsVoice || got.Message != "小柒是谁" {
		t.Fatalf("echo fields = %+v", got)
	}
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	srv := newTestServer(t, &stubResolver{})
	router := srv.Router()

	// Rejection carries no state; repeating it must behave identically.
	for i := 0; i < 2; i++ {
		rec := postJSON(t, router, "/chat", map[string]any{"message": "   "})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("attempt %d: status = %d", i, rec.Code)
		}
		var body errorResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if body.Status != "error" || body.Error == "" {
			t.Fatalf("body = %+v", body)
		}
	}
}

func TestChatRejectsMalformedBody(t *testing.T) {
	srv := newTestServer(t, &stubResolver{})
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestChatReportsResolverFailure(t *testing.T) {
	srv := newTestServer(t, &stubResolver{err: errors.New("boom")})
	rec := postJSON(t, srv.Router(), "/chat", map[string]any{"message": "你好"})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestMergeEndpoint(t *testing.T) {
	srv := newTestServer(t, &stubResolver{})
	router := srv.Router()

	rec := postJSON(t, router, "/merge", map[string]any{"responses": []string{"甲", "乙"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Status string `json:"status"`
		Merged string `json:"merged"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	// No merge backend is configured, so the first candidate passes through.
	if body.Status != "success" || body.Merged != "甲" {
		t.Fatalf("body = %+v", body)
	}

	// The fused text travels under "merged"; a raw decode guards the key name.
	var keys map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &keys); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := keys["merged"]; !ok {
		t.Fatalf("merged key missing: %v", keys)
	}
	if _, ok := keys["response"]; ok {
		t.Fatalf("unexpected response key: %v", keys)
	}

	if rec := postJSON(t, router, "/merge", map[string]any{"responses": []string{}}); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty responses: status = %d", rec.Code)
	}
}

func TestHealthReport(t *testing.T) {
	metrics := observability.NewMetrics(fmt.Sprintf("httpapi_test_%d", time.Now().UnixNano()))
	probers := []health.Prober{
		probeFunc{"memory", func(context.Context) error { return nil }},
		probeFunc{"knowledge_base", func(context.Context) error { return errors.New("refused") }},
	}
	checker := health.NewAggregator(probers, []string{"long_term_memory"}, time.Second, zap.NewNop())
	fuser := resolver.NewFuser(nil, 0.7, 500, time.Second, zap.NewNop())
	srv := New(testConfig(), &stubResolver{}, fuser, checker, history.NewLog(20), nil, metrics, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var body struct {
		Status    string            `json:"status"`
		Timestamp string            `json:"timestamp"`
		Services  map[string]string `json:"services"`
		Config    struct {
			MemoryPriority         int      `json:"memory_priority"`
			KnowledgeBasePriority  int      `json:"knowledge_base_priority"`
			LongTermMemoryPriority int      `json:"long_term_memory_priority"`
			LLMProviders           []string `json:"llm_providers"`
		} `json:"config"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Status != "degraded" {
		t.Fatalf("status = %s", body.Status)
	}
	if body.Services["memory"] != health.StatusHealthy ||
		body.Services["knowledge_base"] != health.StatusUnavailable ||
		body.Services["long_term_memory"] != health.StatusDisabled {
		t.Fatalf("services = %v", body.Services)
	}
	if body.Config.MemoryPriority != 1 || body.Config.KnowledgeBasePriority != 2 || body.Config.LongTermMemoryPriority != 3 {
		t.Fatalf("config = %+v", body.Config)
	}
	if len(body.Config.LLMProviders) != 1 || body.Config.LLMProviders[0] != "openai" {
		t.Fatalf("providers = %v", body.Config.LLMProviders)
	}
	if _, err := time.Parse(time.RFC3339, body.Timestamp); err != nil {
		t.Fatalf("timestamp %q: %v", body.Timestamp, err)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	srv := newTestServer(t, &stubResolver{})
	srv.log.AppendTurn("你好", "你好呀")

	req := httptest.NewRequest(http.MethodGet, "/v1/history", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var body struct {
		Turns []history.Turn `json:"turns"`
		Count int            `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Count != 2 || len(body.Turns) != 2 {
		t.Fatalf("body = %+v", body)
	}
	if body.Turns[0].Role != history.RoleUser || body.Turns[1].Role != history.RoleAssistant {
		t.Fatalf("turns = %+v", body.Turns)
	}
}

func TestRecentTranscriptEndpoint(t *testing.T) {
	srv := newTestServer(t, &stubResolver{})
	for i := 0; i < 3; i++ {
		err := srv.transcripts.SaveTurn(context.Background(), transcript.TurnRecord{
			TurnID: fmt.Sprintf("t%d", i), Role: "user", Content: fmt.Sprintf("q%d", i), Source: "memory",
		})
		if err != nil {
			t.Fatalf("SaveTurn: %v", err)
		}
	}
	router := srv.Router()

	req := httptest.NewRequest(http.MethodGet, "/v1/transcript/recent?limit=2", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Turns []transcript.TurnRecord `json:"turns"`
		Count int                     `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Count != 2 || body.Turns[1].Content != "q2" {
		t.Fatalf("body = %+v", body)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/transcript/recent?limit=0", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("limit=0: status = %d", rec.Code)
	}
}

func TestChatWSRoundTrip(t *testing.T) {
	stub := &stubResolver{result: resolver.Result{Source: "memory", Response: "记得你"}}
	srv := newTestServer(t, stub)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/chat/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"message": "记得我吗", "is_voice": false}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var got resolver.Result
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Status != "success" || got.Response != "记得你" {
		t.Fatalf("result = %+v", got)
	}

	if err := conn.WriteJSON(map[string]any{"message": ""}); err != nil {
		t.Fatalf("write empty: %v", err)
	}
	var errBody errorResponse
	if err := conn.ReadJSON(&errBody); err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	if errBody.Status != "error" {
		t.Fatalf("error frame = %+v", errBody)
	}
}
