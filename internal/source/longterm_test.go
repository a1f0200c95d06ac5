package source

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/xiaoqi-ai/xiaoqi/internal/config"
)

func ltmConfig(endpoint string) config.SourceConfig {
	return config.SourceConfig{
		Enabled:  true,
		Priority: 3,
		Endpoint: endpoint,
		Timeout:  2 * time.Second,
	}
}

func newLTMServer(t *testing.T, reply map[string]any) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var creates atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/agents", func(w http.ResponseWriter, _ *http.Request) {
		creates.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "agent-0123456789"})
	})
	mux.HandleFunc("POST /v1/agents/{id}/messages", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(reply)
	})
	return httptest.NewServer(mux), &creates
}

func TestLongTermMemoryPrefersToolCallMessage(t *testing.T) {
	ts, _ := newLTMServer(t, map[string]any{
		"messages": []map[string]any{
			{"message_type": "tool_call_message", "tool_call": map[string]string{
				"arguments": `{"message":"我记得你喜欢茶"}`,
			}},
			{"message_type": "assistant_message", "role": "assistant", "content": "ignored"},
		},
	})
	defer ts.Close()

	sessionFile := filepath.Join(t.TempDir(), "db", "agent_session")
	l := NewLongTermMemory(ltmConfig(ts.URL), sessionFile, "小柒", "persona", zap.NewNop())

	got := l.Query(context.Background(), "你还记得我喜欢什么吗")
	if !got.Found {
		t.Fatalf("Found = false, want true")
	}
	if got.Text != "我记得你喜欢茶" {
		t.Fatalf("Text = %q, want tool-call message", got.Text)
	}

	data, err := os.ReadFile(sessionFile)
	if err != nil {
		t.Fatalf("session file not persisted: %v", err)
	}
	if strings.TrimSpace(string(data)) != "agent-0123456789" {
		t.Fatalf("session file = %q", data)
	}
}

func TestLongTermMemoryFallsBackToAssistantMessage(t *testing.T) {
	ts, _ := newLTMServer(t, map[string]any{
		"messages": []map[string]any{
			{"message_type": "assistant_message", "role": "assistant", "content": "来自助手"},
		},
	})
	defer ts.Close()

	l := NewLongTermMemory(ltmConfig(ts.URL), filepath.Join(t.TempDir(), "s"), "u", "p", zap.NewNop())
	got := l.Query(context.Background(), "hi")
	if !got.Found || got.Text != "来自助手" {
		t.Fatalf("got %+v, want assistant message", got)
	}
}

func TestLongTermMemoryDeclinesWithExplanation(t *testing.T) {
	ts, _ := newLTMServer(t, map[string]any{"messages": []map[string]any{}})
	defer ts.Close()

	l := NewLongTermMemory(ltmConfig(ts.URL), filepath.Join(t.TempDir(), "s"), "u", "p", zap.NewNop())
	got := l.Query(context.Background(), "hi")
	if got.Found {
		t.Fatalf("Found = true, want decline")
	}
	if got.Text == "" {
		t.Fatalf("Text empty, want explanatory low-confidence reply")
	}
}

func TestLongTermMemoryReusesPersistedSession(t *testing.T) {
	ts, creates := newLTMServer(t, map[string]any{
		"messages": []map[string]any{
			{"message_type": "assistant_message", "role": "assistant", "content": "ok"},
		},
	})
	defer ts.Close()

	sessionFile := filepath.Join(t.TempDir(), "s")
	if err := os.WriteFile(sessionFile, []byte("agent-previously-created"), 0o644); err != nil {
		t.Fatalf("seed session file: %v", err)
	}

	l := NewLongTermMemory(ltmConfig(ts.URL), sessionFile, "u", "p", zap.NewNop())
	if got := l.Query(context.Background(), "hi"); !got.Found {
		t.Fatalf("got %+v, want success", got)
	}
	if creates.Load() != 0 {
		t.Fatalf("creates = %d, want 0 when session id already persisted", creates.Load())
	}
}

func TestLongTermMemoryUnreachableIsDeclineWithText(t *testing.T) {
	l := NewLongTermMemory(ltmConfig("http://127.0.0.1:1"), filepath.Join(t.TempDir(), "s"), "u", "p", zap.NewNop())
	got := l.Query(context.Background(), "hi")
	if got.Found {
		t.Fatalf("Found = true, want decline")
	}
	if got.Text == "" {
		t.Fatalf("Text empty, want unavailable explanation")
	}
}
