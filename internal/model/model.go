package model

import (
	"context"
	"fmt"

	"github.com/xiaoqi-ai/xiaoqi/internal/config"
)

// Message is one chat turn sent to a generative backend.
type Message struct {
	Role    string
	Content string
}

// Generator is a stateless text-completion backend. Unlike the knowledge
// sources, absence of an answer is reported as an error: the cascade needs to
// know whether a backend failed or was never reached.
type Generator interface {
	Name() string
	Complete(ctx context.Context, messages []Message, temperature float64, maxTokens int) (string, error)
}

// New builds a generator from provider configuration. Kind "off" yields nil.
func New(cfg config.ProviderConfig) (Generator, error) {
	switch cfg.Kind {
	case "openai":
		return NewOpenAIGenerator(cfg), nil
	case "anthropic":
		return NewAnthropicGenerator(cfg), nil
	case "mock":
		return NewMockGenerator(cfg.Name), nil
	case "off":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported provider kind %q", cfg.Kind)
	}
}
