package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// SourceConfig describes one prioritized knowledge source in the cascade.
type SourceConfig struct {
	Enabled   bool
	Priority  int
	Threshold float64
	Endpoint  string
	Timeout   time.Duration
}

// ProviderConfig describes one generative completion backend.
type ProviderConfig struct {
	Kind        string // openai | anthropic | mock | off
	Name        string
	BaseURL     string
	APIKey      string
	Model       string
	Timeout     time.Duration
	Temperature float64
	MaxTokens   int
}

// Config contains all runtime settings for the resolver service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	// ResolveTimeout bounds the whole cascade for one request. Zero disables it;
	// per-source timeouts still apply either way.
	ResolveTimeout time.Duration

	Memory              SourceConfig
	MemoryRetrieveLimit int

	KnowledgeBase           SourceConfig
	KnowledgeBaseWorkspace  string
	KnowledgeBaseAPIKey     string
	KnowledgeBaseMaxRetries int

	LongTermMemory            SourceConfig
	LongTermMemorySessionFile string
	LongTermMemoryUsername    string
	LongTermMemoryPersona     string

	Primary   ProviderConfig
	Secondary ProviderConfig

	HistoryLimit int
	PromptWindow int

	ProbeTimeout time.Duration

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":7000"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "xiaoqi"),
		AllowAnyOrigin:   false,
		ShutdownTimeout:  15 * time.Second,
		ResolveTimeout:   0,

		Memory: SourceConfig{
			Enabled:   true,
			Priority:  1,
			Threshold: 0.82,
			Endpoint:  envOrDefault("MEMORY_URL", "http://localhost:5090"),
			Timeout:   5 * time.Second,
		},
		MemoryRetrieveLimit: 3,

		KnowledgeBase: SourceConfig{
			Enabled:   true,
			Priority:  2,
			Threshold: 0.60,
			Endpoint:  envOrDefault("KNOWLEDGE_BASE_URL", "http://localhost:3001"),
			Timeout:   60 * time.Second,
		},
		KnowledgeBaseWorkspace:  envOrDefault("KNOWLEDGE_BASE_WORKSPACE", "test"),
		KnowledgeBaseAPIKey:     trimmedEnv("KNOWLEDGE_BASE_API_KEY"),
		KnowledgeBaseMaxRetries: 3,

		LongTermMemory: SourceConfig{
			Enabled:  false,
			Priority: 3,
			Endpoint: envOrDefault("LONG_TERM_MEMORY_URL", "http://localhost:8283"),
			Timeout:  15 * time.Second,
		},
		LongTermMemorySessionFile: envOrDefault("LONG_TERM_MEMORY_SESSION_FILE", "data/db/agent_session"),
		LongTermMemoryUsername:    envOrDefault("LONG_TERM_MEMORY_USERNAME", "小柒"),
		LongTermMemoryPersona:     envOrDefault("LONG_TERM_MEMORY_PERSONA", "你是一个智能助手，拥有长期记忆能力"),

		Primary: ProviderConfig{
			Kind:        envOrDefault("GEN_PRIMARY_KIND", "openai"),
			Name:        envOrDefault("GEN_PRIMARY_NAME", "openai"),
			BaseURL:     trimmedEnv("GEN_PRIMARY_BASE_URL"),
			APIKey:      trimmedEnv("GEN_PRIMARY_API_KEY"),
			Model:       envOrDefault("GEN_PRIMARY_MODEL", "gpt-3.5-turbo"),
			Timeout:     10 * time.Second,
			Temperature: 0.7,
			MaxTokens:   500,
		},
		Secondary: ProviderConfig{
			Kind:        envOrDefault("GEN_SECONDARY_KIND", "anthropic"),
			Name:        envOrDefault("GEN_SECONDARY_NAME", "anthropic"),
			BaseURL:     trimmedEnv("GEN_SECONDARY_BASE_URL"),
			APIKey:      trimmedEnv("GEN_SECONDARY_API_KEY"),
			Model:       envOrDefault("GEN_SECONDARY_MODEL", "claude-3-5-haiku-20241022"),
			Timeout:     10 * time.Second,
			Temperature: 0.7,
			MaxTokens:   500,
		},

		HistoryLimit: 20,
		PromptWindow: 6,
		ProbeTimeout: 2 * time.Second,
		DatabaseURL:  trimmedEnv("DATABASE_URL"),
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ResolveTimeout, err = durationFromEnv("APP_RESOLVE_TIMEOUT", cfg.ResolveTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.ProbeTimeout, err = durationFromEnv("APP_PROBE_TIMEOUT", cfg.ProbeTimeout)
	if err != nil {
		return Config{}, err
	}

	cfg.Memory.Enabled, err = boolFromEnv("MEMORY_ENABLED", cfg.Memory.Enabled)
	if err != nil {
		return Config{}, err
	}
	cfg.Memory.Threshold, err = floatFromEnv("MEMORY_SIMILARITY_THRESHOLD", cfg.Memory.Threshold)
	if err != nil {
		return Config{}, err
	}
	cfg.Memory.Timeout, err = durationFromEnv("MEMORY_TIMEOUT", cfg.Memory.Timeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MemoryRetrieveLimit, err = intFromEnv("MEMORY_RETRIEVE_LIMIT", cfg.MemoryRetrieveLimit)
	if err != nil {
		return Config{}, err
	}

	cfg.KnowledgeBase.Enabled, err = boolFromEnv("KNOWLEDGE_BASE_ENABLED", cfg.KnowledgeBase.Enabled)
	if err != nil {
		return Config{}, err
	}
	cfg.KnowledgeBase.Timeout, err = durationFromEnv("KNOWLEDGE_BASE_TIMEOUT", cfg.KnowledgeBase.Timeout)
	if err != nil {
		return Config{}, err
	}
	cfg.KnowledgeBaseMaxRetries, err = intFromEnv("KNOWLEDGE_BASE_MAX_RETRIES", cfg.KnowledgeBaseMaxRetries)
	if err != nil {
		return Config{}, err
	}

	cfg.LongTermMemory.Enabled, err = boolFromEnv("LONG_TERM_MEMORY_ENABLED", cfg.LongTermMemory.Enabled)
	if err != nil {
		return Config{}, err
	}
	cfg.LongTermMemory.Timeout, err = durationFromEnv("LONG_TERM_MEMORY_TIMEOUT", cfg.LongTermMemory.Timeout)
	if err != nil {
		return Config{}, err
	}

	cfg.Primary.Timeout, err = durationFromEnv("GEN_PRIMARY_TIMEOUT", cfg.Primary.Timeout)
	if err != nil {
		return Config{}, err
	}
	cfg.Secondary.Timeout, err = durationFromEnv("GEN_SECONDARY_TIMEOUT", cfg.Secondary.Timeout)
	if err != nil {
		return Config{}, err
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.Memory.Threshold < 0 || cfg.Memory.Threshold > 1 {
		return fmt.Errorf("MEMORY_SIMILARITY_THRESHOLD must be within [0, 1]")
	}
	if cfg.MemoryRetrieveLimit <= 0 {
		return fmt.Errorf("MEMORY_RETRIEVE_LIMIT must be positive")
	}
	if cfg.KnowledgeBaseMaxRetries < 0 {
		return fmt.Errorf("KNOWLEDGE_BASE_MAX_RETRIES must be >= 0")
	}

	sources := []struct {
		name string
		cfg  SourceConfig
	}{
		{"memory", cfg.Memory},
		{"knowledge base", cfg.KnowledgeBase},
		{"long-term memory", cfg.LongTermMemory},
	}
	for _, sc := range sources {
		if sc.cfg.Timeout <= 0 {
			return fmt.Errorf("%s timeout must be positive", sc.name)
		}
	}
	// Priorities form a strict total order; a tie would make the cascade ambiguous.
	seen := map[int]string{}
	for _, sc := range sources {
		if prev, ok := seen[sc.cfg.Priority]; ok {
			return fmt.Errorf("duplicate source priority %d (%s, %s)", sc.cfg.Priority, prev, sc.name)
		}
		seen[sc.cfg.Priority] = sc.name
	}

	for _, pc := range []ProviderConfig{cfg.Primary, cfg.Secondary} {
		switch pc.Kind {
		case "openai", "anthropic", "mock", "off":
		default:
			return fmt.Errorf("invalid provider kind %q (expected openai|anthropic|mock|off)", pc.Kind)
		}
		if pc.Kind == "off" {
			continue
		}
		if strings.TrimSpace(pc.Name) == "" {
			return fmt.Errorf("provider name must not be empty")
		}
		if pc.Timeout <= 0 {
			return fmt.Errorf("provider timeout must be positive")
		}
		if pc.MaxTokens <= 0 {
			return fmt.Errorf("provider max tokens must be positive")
		}
	}
	if cfg.Primary.Kind != "off" && cfg.Secondary.Kind != "off" && cfg.Primary.Name == cfg.Secondary.Name {
		return fmt.Errorf("generative provider names must be distinct")
	}

	if cfg.HistoryLimit <= 0 || cfg.HistoryLimit%2 != 0 {
		return fmt.Errorf("history limit must be a positive even number")
	}
	if cfg.PromptWindow <= 0 {
		return fmt.Errorf("prompt window must be positive")
	}
	if cfg.ProbeTimeout <= 0 {
		return fmt.Errorf("APP_PROBE_TIMEOUT must be positive")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
