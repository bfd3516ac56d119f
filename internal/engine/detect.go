package engine

import (
	"fmt"
	"net/url"

	"github.com/kalambet/btravel/internal/config"
)

// Detect builds the Engine for the configured provider. Every supported
// provider speaks the OpenAI REST API, so they share one implementation
// and differ only in base URL and credentials.
func Detect(cfg config.LLMConfig) (Engine, error) {
	base := cfg.BaseURL
	if base == "" {
		base = config.DefaultBaseURL(cfg.Provider)
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid llm.base_url %q", base)
	}
	return NewOpenAIEngine(OpenAIOptions{
		BaseURL:         base,
		APIKey:          cfg.APIKey,
		EmbedDimensions: embedDimensions(cfg),
	}), nil
}

// embedDimensions only forwards the dimensions parameter to OpenAI, whose
// text-embedding-3 models accept it. Other providers reject unknown fields.
func embedDimensions(cfg config.LLMConfig) int {
	if cfg.Provider == config.ProviderOpenAI {
		return cfg.EmbedDimensions
	}
	return 0
}
