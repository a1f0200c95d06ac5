package source

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xiaoqi-ai/xiaoqi/internal/config"
)

// assistantMarker is the fixed role tag memory exchanges are stored with.
// The assistant half of a stored "User: ...\nAssistant: ..." exchange sits
// after it.
const assistantMarker = "Assistant:"

// StoredExchange is one past exchange returned by the memory backend.
type StoredExchange struct {
	Text            string  `json:"text"`
	SimilarityScore float64 `json:"similarity_score"`
	Timestamp       string  `json:"timestamp"`
}

// ShortTermMemory retrieves semantically similar past exchanges from the
// vector memory service and persists new ones.
type ShortTermMemory struct {
	endpoint  string
	threshold float64
	limit     int
	client    *http.Client
	logger    *zap.Logger
}

func NewShortTermMemory(cfg config.SourceConfig, retrieveLimit int, logger *zap.Logger) *ShortTermMemory {
	return &ShortTermMemory{
		endpoint:  strings.TrimRight(cfg.Endpoint, "/"),
		threshold: cfg.Threshold,
		limit:     retrieveLimit,
		client:    &http.Client{Timeout: cfg.Timeout},
		logger:    logger,
	}
}

func (m *ShortTermMemory) Name() string { return "memory" }

// Query returns the assistant half of the best stored exchange, but only when
// its similarity score reaches the configured threshold. Transport failures
// are logged and reported as a plain decline.
func (m *ShortTermMemory) Query(ctx context.Context, utterance string) QueryResult {
	var out struct {
		Memories []StoredExchange `json:"memories"`
	}
	err := postJSON(ctx, m.client, m.endpoint+"/retrieve_memories",
		nil,
		map[string]any{"query": utterance, "limit": m.limit},
		&out,
	)
	if err != nil {
		m.logger.Warn("memory retrieve failed", zap.Error(err))
		return QueryResult{}
	}
	if len(out.Memories) == 0 {
		return QueryResult{}
	}

	best := out.Memories[0]
	for _, mem := range out.Memories[1:] {
		if mem.SimilarityScore > best.SimilarityScore {
			best = mem
		}
	}
	if best.SimilarityScore < m.threshold {
		m.logger.Info("best memory below threshold",
			zap.Float64("score", best.SimilarityScore),
			zap.Float64("threshold", m.threshold))
		return QueryResult{Confidence: best.SimilarityScore, Raw: out.Memories}
	}

	_, after, ok := strings.Cut(best.Text, assistantMarker)
	reply := strings.TrimSpace(after)
	if !ok || reply == "" {
		return QueryResult{Confidence: best.SimilarityScore, Raw: out.Memories}
	}

	m.logger.Info("memory hit", zap.Float64("score", best.SimilarityScore))
	return QueryResult{
		Found:      true,
		Text:       reply,
		Confidence: best.SimilarityScore,
		Raw:        out.Memories,
	}
}

// Save persists one resolved exchange. Callers treat it as fire-and-forget;
// a failed save never affects the response path.
func (m *ShortTermMemory) Save(ctx context.Context, userText, assistantText string) error {
	return postJSON(ctx, m.client, m.endpoint+"/save_memory",
		nil,
		map[string]any{
			"user_message":       userText,
			"assistant_response": assistantText,
			"timestamp":          time.Now().Format(time.RFC3339),
		},
		nil,
	)
}

func (m *ShortTermMemory) Probe(ctx context.Context) error {
	return getJSON(ctx, m.client, m.endpoint+"/health", nil, nil)
}
