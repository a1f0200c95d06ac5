package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xiaoqi-ai/xiaoqi/internal/config"
)

// Explanatory replies surfaced when the long-term memory agent declines.
// They are retained as low-confidence fallback text, never as hard errors.
const (
	ltmUnavailableReply = "长期记忆服务暂时不可用"
	ltmNoReply          = "长期记忆无法生成有效回复"
)

// LongTermMemory talks to a stateful agent backend. The agent is created
// lazily on first use and its identifier is persisted to a local session file
// so the same agent (and its accumulated memory) is reused across restarts.
type LongTermMemory struct {
	endpoint    string
	sessionFile string
	username    string
	persona     string
	client      *http.Client
	logger      *zap.Logger

	mu      sync.Mutex
	agentID string
}

func NewLongTermMemory(cfg config.SourceConfig, sessionFile, username, persona string, logger *zap.Logger) *LongTermMemory {
	return &LongTermMemory{
		endpoint:    strings.TrimRight(cfg.Endpoint, "/"),
		sessionFile: sessionFile,
		username:    username,
		persona:     persona,
		client:      &http.Client{Timeout: cfg.Timeout},
		logger:      logger,
	}
}

func (l *LongTermMemory) Name() string { return "long_term_memory" }

type agentMessage struct {
	MessageType string `json:"message_type"`
	Role        string `json:"role"`
	Content     string `json:"content"`
	ToolCall    struct {
		Arguments string `json:"arguments"`
	} `json:"tool_call"`
}

func (l *LongTermMemory) Query(ctx context.Context, utterance string) QueryResult {
	agentID, err := l.ensureAgent(ctx)
	if err != nil {
		l.logger.Warn("long-term memory agent unavailable", zap.Error(err))
		return QueryResult{Text: ltmUnavailableReply}
	}

	var out struct {
		Messages []agentMessage `json:"messages"`
	}
	err = postJSON(ctx, l.client, fmt.Sprintf("%s/v1/agents/%s/messages", l.endpoint, agentID),
		nil,
		map[string]string{
			"role":    "user",
			"message": fmt.Sprintf("[%s]%s", time.Now().Format("2006-01-02 15:04:05"), utterance),
		},
		&out,
	)
	if err != nil {
		l.logger.Warn("long-term memory query failed", zap.Error(err))
		return QueryResult{Text: ltmUnavailableReply}
	}

	text := extractAgentReply(out.Messages)
	if text == "" {
		return QueryResult{Text: ltmNoReply, Raw: out.Messages}
	}
	return QueryResult{Found: true, Text: text, Raw: out.Messages}
}

// extractAgentReply prefers a tool-call message carrying a "message" argument,
// then falls back to the last assistant message.
func extractAgentReply(messages []agentMessage) string {
	for _, msg := range messages {
		if msg.MessageType != "tool_call_message" || msg.ToolCall.Arguments == "" {
			continue
		}
		var args struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal([]byte(msg.ToolCall.Arguments), &args); err != nil {
			continue
		}
		if args.Message != "" {
			return args.Message
		}
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "assistant" && messages[i].Content != "" {
			return messages[i].Content
		}
	}
	return ""
}

func (l *LongTermMemory) ensureAgent(ctx context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.agentID != "" {
		return l.agentID, nil
	}

	if data, err := os.ReadFile(l.sessionFile); err == nil {
		id := strings.TrimSpace(string(data))
		// Anything shorter cannot be a real agent identifier; recreate.
		if len(id) >= 10 {
			l.agentID = id
			return id, nil
		}
	}

	var out struct {
		ID string `json:"id"`
	}
	err := postJSON(ctx, l.client, l.endpoint+"/v1/agents",
		nil,
		map[string]string{
			"name":    l.username,
			"persona": l.persona,
			"human":   "Name: " + l.username,
		},
		&out,
	)
	if err != nil {
		return "", fmt.Errorf("create agent: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("create agent: empty id in response")
	}

	if err := os.MkdirAll(filepath.Dir(l.sessionFile), 0o755); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}
	if err := os.WriteFile(l.sessionFile, []byte(out.ID), 0o644); err != nil {
		return "", fmt.Errorf("persist session id: %w", err)
	}

	l.logger.Info("created long-term memory agent", zap.String("agent_id", out.ID))
	l.agentID = out.ID
	return out.ID, nil
}

func (l *LongTermMemory) Probe(ctx context.Context) error {
	return getJSON(ctx, l.client, l.endpoint+"/v1/health", nil, nil)
}
