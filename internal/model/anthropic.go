package model

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/xiaoqi-ai/xiaoqi/internal/config"
)

// AnthropicGenerator wraps the Anthropic Messages API.
type AnthropicGenerator struct {
	name   string
	model  string
	client anthropic.Client
}

func NewAnthropicGenerator(cfg config.ProviderConfig) *AnthropicGenerator {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicGenerator{
		name:   cfg.Name,
		model:  cfg.Model,
		client: anthropic.NewClient(opts...),
	}
}

func (g *AnthropicGenerator) Name() string { return g.name }

func (g *AnthropicGenerator) Complete(ctx context.Context, messages []Message, temperature float64, maxTokens int) (string, error) {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(g.model),
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(temperature),
		Messages:    buildAnthropicMessages(messages),
	}
	// The Messages API takes system prompts out of band.
	if system := collectSystemText(messages); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := g.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("%s api error: %w", g.name, err)
	}

	var out strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			out.WriteString(block.AsText().Text)
		}
	}
	if out.Len() == 0 {
		return "", fmt.Errorf("%s api error: empty completion", g.name)
	}
	return out.String(), nil
}

func buildAnthropicMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			continue
		case "assistant":
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return out
}

func collectSystemText(messages []Message) string {
	var parts []string
	for _, m := range messages {
		if m.Role == "system" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n")
}
