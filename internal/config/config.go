package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	Server       ServerConfig
	Storage      StorageConfig
	LLM          LLMConfig
	Conversation ConversationConfig
	Telegram     TelegramConfig
	Log          LogConfig
}

type ServerConfig struct {
	Host string
	Port int
}

// Addr returns the host:port the HTTP server listens on.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// URL returns the base URL clients use to reach the server.
func (s ServerConfig) URL() string {
	return fmt.Sprintf("http://%s", s.Addr())
}

type StorageConfig struct {
	DataDir string
}

// LLMConfig selects the OpenAI-compatible provider used for chat
// completions and embeddings.
type LLMConfig struct {
	Provider        string
	BaseURL         string
	APIKey          string
	ChatModel       string
	EmbedModel      string
	EmbedDimensions int
	Temperature     float64
}

type ConversationConfig struct {
	TTL                time.Duration
	HandoffLink        string
	CompletionPolicy   string
	CompletionMessages int
}

type TelegramConfig struct {
	Token      string
	BackendURL string
}

type LogConfig struct {
	Level string
}

const (
	ProviderOpenAI     = "openai"
	ProviderOllama     = "ollama"
	ProviderOpenRouter = "openrouter"

	PolicyGenerator    = "generator"
	PolicyMessageCount = "message_count"
)

// DefaultBaseURL returns the OpenAI-compatible endpoint for a provider.
func DefaultBaseURL(provider string) string {
	switch provider {
	case ProviderOllama:
		return "http://localhost:11434/v1"
	case ProviderOpenRouter:
		return "https://openrouter.ai/api/v1"
	default:
		return "https://api.openai.com/v1"
	}
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8000,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		LLM: LLMConfig{
			Provider:        ProviderOpenAI,
			ChatModel:       "gpt-4o-mini",
			EmbedModel:      "text-embedding-3-small",
			EmbedDimensions: 1536,
			Temperature:     0.7,
		},
		Conversation: ConversationConfig{
			TTL:                time.Hour,
			HandoffLink:        "https://t.me/qnbq_assistant_bot/btravel",
			CompletionPolicy:   PolicyGenerator,
			CompletionMessages: 5,
		},
		Telegram: TelegramConfig{
			BackendURL: "http://127.0.0.1:8000",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the TOML file at
// $XDG_CONFIG_HOME/btravel/config.toml and applies BTRAVEL_* environment
// overrides on top. Secrets are read from the environment only.
func Load() (Config, error) {
	b, err := newFileBackend(configFilePath())
	if err != nil {
		return Config{}, err
	}
	return loadWith(b)
}

// LoadFile is Load with an explicit config file path.
func LoadFile(path string) (Config, error) {
	b, err := newFileBackend(path)
	if err != nil {
		return Config{}, err
	}
	return loadWith(b)
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = DefaultBaseURL(cfg.LLM.Provider)
	}

	if err := cfg.check(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) check() error {
	switch c.LLM.Provider {
	case ProviderOpenAI, ProviderOllama, ProviderOpenRouter:
	default:
		return fmt.Errorf("invalid llm.provider %q: want %s, %s or %s",
			c.LLM.Provider, ProviderOpenAI, ProviderOllama, ProviderOpenRouter)
	}
	switch c.Conversation.CompletionPolicy {
	case PolicyGenerator, PolicyMessageCount:
	default:
		return fmt.Errorf("invalid conversation.completion_policy %q: want %s or %s",
			c.Conversation.CompletionPolicy, PolicyGenerator, PolicyMessageCount)
	}
	if c.Conversation.TTL <= 0 {
		return fmt.Errorf("conversation.ttl must be positive, got %s", c.Conversation.TTL)
	}
	if c.Conversation.CompletionMessages <= 0 {
		return fmt.Errorf("conversation.completion_messages must be positive, got %d", c.Conversation.CompletionMessages)
	}
	if c.LLM.EmbedDimensions <= 0 {
		return fmt.Errorf("llm.embed_dimensions must be positive, got %d", c.LLM.EmbedDimensions)
	}
	return nil
}

// RequireAPIKey reports a missing API key for providers that need one.
// Ollama runs locally without authentication.
func (c Config) RequireAPIKey() error {
	if c.LLM.Provider == ProviderOllama || c.LLM.APIKey != "" {
		return nil
	}
	return fmt.Errorf("missing required config: API key for provider %s. "+
		"Set it via environment variable BTRAVEL_LLM_API_KEY", c.LLM.Provider)
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "btravel-data"
		}
	}
	return filepath.Join(dir, "btravel")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "btravel", "config.toml")
}
