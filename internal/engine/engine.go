package engine

import "context"

// Engine abstracts an OpenAI-compatible inference backend (OpenAI,
// OpenRouter or a local Ollama server). The catalog and the response
// generator use this interface instead of depending on a concrete client.
type Engine interface {
	// Chat sends a chat completion request and returns the assistant's text.
	Chat(ctx context.Context, req ChatRequest) (string, error)

	// Embed returns the embedding vector for text using the given model.
	Embed(ctx context.Context, model string, text string) ([]float32, error)

	// IsRunning reports whether the backend is reachable.
	IsRunning(ctx context.Context) bool

	// ListModels returns the model IDs the backend advertises.
	ListModels(ctx context.Context) ([]string, error)

	// HasModel reports whether the given model is advertised by the backend.
	HasModel(ctx context.Context, name string) bool
}
