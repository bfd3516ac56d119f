package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/kalambet/btravel/internal/engine"
	"golang.org/x/sync/errgroup"
)

// Embedder wraps an Engine to generate fixed-length text embeddings.
type Embedder struct {
	engine     engine.Engine
	model      string
	dimensions int
}

// NewEmbedder creates an Embedder using the given Engine and model name.
// When dimensions is positive every vector is checked against it, and
// blank text embeds to a zero vector of that length.
func NewEmbedder(e engine.Engine, model string, dimensions int) *Embedder {
	return &Embedder{engine: e, model: model, dimensions: dimensions}
}

// Dimensions returns the expected vector length, or zero if unchecked.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	text = strings.ReplaceAll(text, "\n", " ")
	if strings.TrimSpace(text) == "" {
		return make([]float32, e.dimensions), nil
	}
	vec, err := e.engine.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("embedding text: empty vector")
	}
	if e.dimensions > 0 && len(vec) != e.dimensions {
		return nil, fmt.Errorf("embedding text: got %d dimensions, want %d", len(vec), e.dimensions)
	}
	return vec, nil
}

// EmbedBatch returns embedding vectors for multiple texts concurrently.
// Returns nil (not error) for empty/nil input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4) // Bound concurrency to avoid overwhelming the provider.

	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.Embed(gCtx, text)
			if err != nil {
				return fmt.Errorf("text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
