package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "BTRAVEL_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "BTRAVEL_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "BTRAVEL_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "llm.provider", typ: kString, env: "BTRAVEL_LLM_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.LLM.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Provider },
	},
	{
		key: "llm.base_url", typ: kString, env: "BTRAVEL_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.api_key", typ: kString, env: "BTRAVEL_LLM_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "llm.chat_model", typ: kString, env: "BTRAVEL_LLM_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.ChatModel },
	},
	{
		key: "llm.embed_model", typ: kString, env: "BTRAVEL_LLM_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.EmbedModel },
	},
	{
		key: "llm.embed_dimensions", typ: kInt, env: "BTRAVEL_LLM_EMBED_DIMENSIONS",
		apply:   func(cfg *Config, v any) { cfg.LLM.EmbedDimensions = v.(int) },
		extract: func(cfg Config) any { return cfg.LLM.EmbedDimensions },
	},
	{
		key: "llm.temperature", typ: kFloat, env: "BTRAVEL_LLM_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.LLM.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.LLM.Temperature },
	},
	{
		key: "conversation.ttl", typ: kDuration, env: "BTRAVEL_CONVERSATION_TTL",
		apply:   func(cfg *Config, v any) { cfg.Conversation.TTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Conversation.TTL },
	},
	{
		key: "conversation.handoff_link", typ: kString, env: "BTRAVEL_CONVERSATION_HANDOFF_LINK",
		apply:   func(cfg *Config, v any) { cfg.Conversation.HandoffLink = v.(string) },
		extract: func(cfg Config) any { return cfg.Conversation.HandoffLink },
	},
	{
		key: "conversation.completion_policy", typ: kString, env: "BTRAVEL_CONVERSATION_COMPLETION_POLICY",
		apply:   func(cfg *Config, v any) { cfg.Conversation.CompletionPolicy = v.(string) },
		extract: func(cfg Config) any { return cfg.Conversation.CompletionPolicy },
	},
	{
		key: "conversation.completion_messages", typ: kInt, env: "BTRAVEL_CONVERSATION_COMPLETION_MESSAGES",
		apply:   func(cfg *Config, v any) { cfg.Conversation.CompletionMessages = v.(int) },
		extract: func(cfg Config) any { return cfg.Conversation.CompletionMessages },
	},
	{
		key: "telegram.token", typ: kString, env: "BTRAVEL_TELEGRAM_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Telegram.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Telegram.Token },
	},
	{
		key: "telegram.backend_url", typ: kString, env: "BTRAVEL_TELEGRAM_BACKEND_URL",
		apply:   func(cfg *Config, v any) { cfg.Telegram.BackendURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Telegram.BackendURL },
	},
	{
		key: "log.level", typ: kString, env: "BTRAVEL_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// parse converts a raw string into the key's typed value.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		default:
			raw, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || raw == "" {
				continue
			}
			v, err := s.parse(raw)
			if err != nil {
				return fmt.Errorf("invalid value for %s: %w", s.key, err)
			}
			s.apply(cfg, v)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			slog.Warn("ignoring invalid environment override", "env", s.env, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
}
