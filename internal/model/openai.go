package model

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/xiaoqi-ai/xiaoqi/internal/config"
)

// OpenAIGenerator wraps the Chat Completions API. A custom base URL makes it
// work against any OpenAI-compatible gateway, which is how secondary vendors
// such as DeepSeek are reached.
type OpenAIGenerator struct {
	name   string
	model  string
	client openai.Client
}

func NewOpenAIGenerator(cfg config.ProviderConfig) *OpenAIGenerator {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIGenerator{
		name:   cfg.Name,
		model:  cfg.Model,
		client: openai.NewClient(opts...),
	}
}

func (g *OpenAIGenerator) Name() string { return g.name }

func (g *OpenAIGenerator) Complete(ctx context.Context, messages []Message, temperature float64, maxTokens int) (string, error) {
	params := openai.ChatCompletionNewParams{
		Messages:            buildOpenAIMessages(messages),
		Model:               openai.ChatModel(g.model),
		Temperature:         openai.Float(temperature),
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
	}

	resp, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("%s api error: %w", g.name, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s api error: no choices returned", g.name)
	}
	return resp.Choices[0].Message.Content, nil
}

func buildOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
