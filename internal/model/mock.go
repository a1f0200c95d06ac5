package model

import (
	"context"
	"fmt"
)

// MockGenerator provides deterministic local replies when no real provider is
// configured.
type MockGenerator struct {
	name string
}

func NewMockGenerator(name string) *MockGenerator {
	if name == "" {
		name = "mock"
	}
	return &MockGenerator{name: name}
}

func (g *MockGenerator) Name() string { return g.name }

func (g *MockGenerator) Complete(ctx context.Context, messages []Message, _ float64, _ int) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	last := ""
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			last = messages[i].Content
			break
		}
	}
	if last == "" {
		return "I am listening.", nil
	}
	return fmt.Sprintf("[%s] I heard you: %s", g.name, last), nil
}
