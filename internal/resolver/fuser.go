package resolver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xiaoqi-ai/xiaoqi/internal/model"
)

// Fuser synthesizes one reply out of several candidate replies by asking a
// generative backend to merge them.
type Fuser struct {
	gen         model.Generator
	temperature float64
	maxTokens   int
	timeout     time.Duration
	logger      *zap.Logger
}

func NewFuser(gen model.Generator, temperature float64, maxTokens int, timeout time.Duration, logger *zap.Logger) *Fuser {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Fuser{gen: gen, temperature: temperature, maxTokens: maxTokens, timeout: timeout, logger: logger}
}

// Merge fuses the candidate replies into one. A single candidate passes
// through untouched. On any synthesis failure the first candidate is returned
// verbatim, so fusion can degrade but never lose an answer.
func (f *Fuser) Merge(ctx context.Context, replies []string) string {
	if len(replies) == 0 {
		return ""
	}
	if len(replies) == 1 {
		return replies[0]
	}
	if f.gen == nil {
		return replies[0]
	}

	mctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	prompt := buildMergePrompt(replies)
	merged, err := f.gen.Complete(mctx, []model.Message{{Role: "user", Content: prompt}}, f.temperature, f.maxTokens)
	if err != nil || strings.TrimSpace(merged) == "" {
		f.logger.Warn("reply fusion failed, keeping first candidate", zap.Error(err))
		return replies[0]
	}
	return strings.ReplaceAll(merged, "\n", "<br>")
}

func buildMergePrompt(replies []string) string {
	var b strings.Builder
	b.WriteString("请综合以下回答生成最佳回复：\n")
	for i, r := range replies {
		fmt.Fprintf(&b, "【回复%d】%s\n", i+1, r)
	}
	b.WriteString("要求：\n1. 保留所有重要信息\n2. 消除重复内容\n3. 使用自然的口语化中文\n4. 长度控制在100-150字")
	return b.String()
}
