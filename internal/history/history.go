package history

import "sync"

// Turn is one conversational entry, either from the user or the assistant.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Log is a bounded, thread-safe rolling conversation history. Turns are
// appended in user/assistant pairs and the oldest entries are evicted once
// the cap is exceeded.
type Log struct {
	mu    sync.RWMutex
	turns []Turn
	limit int
}

func NewLog(limit int) *Log {
	if limit <= 0 {
		limit = 20
	}
	return &Log{limit: limit}
}

// AppendTurn records one resolved exchange. The pair is appended atomically so
// a concurrent Snapshot never observes a user turn without its reply.
func (l *Log) AppendTurn(userText, assistantText string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.turns = append(l.turns,
		Turn{Role: RoleUser, Content: userText},
		Turn{Role: RoleAssistant, Content: assistantText},
	)
	if len(l.turns) > l.limit {
		trimmed := make([]Turn, l.limit)
		copy(trimmed, l.turns[len(l.turns)-l.limit:])
		l.turns = trimmed
	}
}

// Snapshot returns a copy of the most recent limit turns in order. A limit of
// zero or less returns the whole history.
func (l *Log) Snapshot(limit int) []Turn {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := len(l.turns)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Turn, n)
	copy(out, l.turns[len(l.turns)-n:])
	return out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.turns)
}
