package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xiaoqi-ai/xiaoqi/internal/config"
	"github.com/xiaoqi-ai/xiaoqi/internal/reliability"
)

// KnowledgeBase forwards the utterance to a document-grounded chat endpoint
// scoped to one workspace. There is no local confidence score: any non-empty
// reply counts as found.
type KnowledgeBase struct {
	endpoint   string
	workspace  string
	apiKey     string
	maxRetries int
	client     *http.Client
	logger     *zap.Logger
}

func NewKnowledgeBase(cfg config.SourceConfig, workspace, apiKey string, maxRetries int, logger *zap.Logger) *KnowledgeBase {
	return &KnowledgeBase{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		workspace:  workspace,
		apiKey:     apiKey,
		maxRetries: maxRetries,
		client:     &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

func (k *KnowledgeBase) Name() string { return "knowledge_base" }

func (k *KnowledgeBase) Query(ctx context.Context, utterance string) QueryResult {
	url := fmt.Sprintf("%s/api/v1/workspace/%s/chat", k.endpoint, k.workspace)

	var out struct {
		TextResponse string `json:"textResponse"`
	}
	var err error
	for attempt := 0; ; attempt++ {
		err = postJSON(ctx, k.client, url, k.headers(), map[string]string{"message": utterance}, &out)
		if err == nil {
			break
		}
		if attempt >= k.maxRetries || !retryable(err) {
			k.logger.Warn("knowledge base query failed",
				zap.Int("attempts", attempt+1), zap.Error(err))
			return QueryResult{}
		}
		backoff := reliability.ExponentialBackoff(attempt, 200*time.Millisecond, 2*time.Second)
		select {
		case <-ctx.Done():
			k.logger.Warn("knowledge base query canceled", zap.Error(ctx.Err()))
			return QueryResult{}
		case <-time.After(backoff):
		}
	}

	text := strings.TrimSpace(out.TextResponse)
	return QueryResult{Found: text != "", Text: text, Raw: out.TextResponse}
}

// Probe verifies the API key against the auth endpoint. A reachable but
// unauthenticated workspace is unhealthy, not unavailable.
func (k *KnowledgeBase) Probe(ctx context.Context) error {
	var out struct {
		Authenticated bool `json:"authenticated"`
	}
	if err := getJSON(ctx, k.client, k.endpoint+"/api/v1/auth", k.headers(), &out); err != nil {
		return err
	}
	if !out.Authenticated {
		return &StatusError{Code: http.StatusUnauthorized, Body: "not authenticated"}
	}
	return nil
}

func (k *KnowledgeBase) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + k.apiKey}
}

func retryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return reliability.IsRetryableHTTPStatus(statusErr.Code)
	}
	// Transport-level failures are worth one more try; context expiry is not.
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
