package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"slices"

	"golang.org/x/sync/singleflight"

	"github.com/kalambet/btravel/internal/storage"
)

// ErrEmbeddingUnavailable is returned when the embedding provider fails.
// The catalog is never mutated on this path.
var ErrEmbeddingUnavailable = errors.New("embedding unavailable")

// Store is the subset of storage.Store the catalog needs.
type Store interface {
	ListAgents(ctx context.Context) ([]storage.Agent, error)
	GetAgent(ctx context.Context, id string) (storage.Agent, error)
	GetAgentByName(ctx context.Context, name string) (storage.Agent, error)
	GetAgentByKind(ctx context.Context, kind string) (storage.Agent, error)
	CreateAgent(ctx context.Context, a storage.Agent) (storage.Agent, error)
	CreateGenericAgent(ctx context.Context, a storage.Agent) (storage.Agent, bool, error)
	UpdateAgent(ctx context.Context, a storage.Agent) (storage.Agent, error)
	DeleteAgent(ctx context.Context, id string) error
}

// Catalog holds the agent definitions and picks the agent whose
// description embedding is nearest to a user message.
type Catalog struct {
	store    Store
	embedder *Embedder
	generic  Definition
	group    singleflight.Group
}

func New(store Store, embedder *Embedder) *Catalog {
	return &Catalog{store: store, embedder: embedder, generic: GenericDefinition()}
}

// Match embeds text and returns the agent at the smallest Euclidean
// distance. Ties keep the agent that comes first in catalog order. With no
// comparable agent the reserved generic agent is returned, created on
// first use.
func (c *Catalog) Match(ctx context.Context, text string) (storage.Agent, error) {
	vec, err := c.embedder.Embed(ctx, text)
	if err != nil {
		return storage.Agent{}, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}

	agents, err := c.store.ListAgents(ctx)
	if err != nil {
		return storage.Agent{}, fmt.Errorf("listing agents: %w", err)
	}

	best := -1
	bestDist := math.Inf(1)
	for i, a := range agents {
		if len(a.Embedding) != len(vec) {
			if len(a.Embedding) > 0 {
				slog.Warn("skipping agent with mismatched embedding", "agent", a.Name,
					"dimensions", len(a.Embedding), "want", len(vec))
			}
			continue
		}
		d := l2(vec, a.Embedding)
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	if best >= 0 {
		slog.Debug("matched agent", "agent", agents[best].Name, "distance", bestDist)
		return agents[best], nil
	}

	return c.Generic(ctx)
}

// Generic returns the reserved fallback agent, creating it if the catalog
// has none. Concurrent callers share one creation.
func (c *Catalog) Generic(ctx context.Context) (storage.Agent, error) {
	v, err, _ := c.group.Do(storage.GenericKind, func() (any, error) {
		existing, err := c.store.GetAgentByKind(ctx, storage.GenericKind)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}

		a := c.generic.Agent()
		if a.Embedding, err = c.embedder.Embed(ctx, a.Description); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
		}
		stored, created, err := c.store.CreateGenericAgent(ctx, a)
		if err != nil {
			return nil, err
		}
		if created {
			slog.Info("created generic fallback agent", "agent_id", stored.ID)
		}
		return stored, nil
	})
	if err != nil {
		return storage.Agent{}, err
	}
	return v.(storage.Agent), nil
}

func (c *Catalog) Get(ctx context.Context, id string) (storage.Agent, error) {
	return c.store.GetAgent(ctx, id)
}

func (c *Catalog) List(ctx context.Context) ([]storage.Agent, error) {
	return c.store.ListAgents(ctx)
}

// Create validates and embeds a new agent before storing it.
func (c *Catalog) Create(ctx context.Context, a storage.Agent) (storage.Agent, error) {
	if err := Validate(a); err != nil {
		return storage.Agent{}, err
	}
	vec, err := c.embedder.Embed(ctx, a.Description)
	if err != nil {
		return storage.Agent{}, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}
	a.ID = ""
	a.Embedding = vec
	return c.store.CreateAgent(ctx, a)
}

// Update replaces an agent's definition. The embedding is recomputed only
// when the description changes, so the two never diverge.
func (c *Catalog) Update(ctx context.Context, a storage.Agent) (storage.Agent, error) {
	if err := Validate(a); err != nil {
		return storage.Agent{}, err
	}
	existing, err := c.store.GetAgent(ctx, a.ID)
	if err != nil {
		return storage.Agent{}, err
	}
	a.Embedding = existing.Embedding
	if a.Description != existing.Description || len(existing.Embedding) == 0 {
		if a.Embedding, err = c.embedder.Embed(ctx, a.Description); err != nil {
			return storage.Agent{}, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
		}
	}
	return c.store.UpdateAgent(ctx, a)
}

func (c *Catalog) Delete(ctx context.Context, id string) error {
	return c.store.DeleteAgent(ctx, id)
}

// SeedResult counts what Seed did with each definition.
type SeedResult struct {
	Created   []string
	Updated   []string
	Unchanged []string
}

// Seed upserts definitions by name. The generic definition is matched by
// kind so it merges with a fallback agent created on demand. Descriptions
// are embedded concurrently, and only for new agents or changed descriptions.
func (c *Catalog) Seed(ctx context.Context, defs []Definition) (SeedResult, error) {
	type pending struct {
		agent    storage.Agent
		existing *storage.Agent
	}

	var work []pending
	var texts []string
	var result SeedResult

	for _, d := range defs {
		a := d.Agent()
		if err := Validate(a); err != nil {
			return result, fmt.Errorf("agent %s: %w", d.Name, err)
		}

		var existing storage.Agent
		var err error
		if a.Kind == storage.GenericKind {
			existing, err = c.store.GetAgentByKind(ctx, storage.GenericKind)
		} else {
			existing, err = c.store.GetAgentByName(ctx, a.Name)
		}
		switch {
		case errors.Is(err, storage.ErrNotFound):
			work = append(work, pending{agent: a})
			texts = append(texts, a.Description)
		case err != nil:
			return result, fmt.Errorf("looking up agent %s: %w", a.Name, err)
		default:
			a.ID = existing.ID
			a.Embedding = existing.Embedding
			if sameDefinition(existing, a) && len(existing.Embedding) > 0 {
				result.Unchanged = append(result.Unchanged, a.Name)
				continue
			}
			ex := existing
			work = append(work, pending{agent: a, existing: &ex})
			if a.Description != existing.Description || len(existing.Embedding) == 0 {
				texts = append(texts, a.Description)
			} else {
				texts = append(texts, "")
			}
		}
	}

	// Only the entries with text need a provider round trip.
	var toEmbed []string
	var index []int
	for i, t := range texts {
		if t != "" {
			toEmbed = append(toEmbed, t)
			index = append(index, i)
		}
	}
	vecs, err := c.embedder.EmbedBatch(ctx, toEmbed)
	if err != nil {
		return result, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}
	for j, i := range index {
		work[i].agent.Embedding = vecs[j]
	}

	for _, w := range work {
		if w.existing == nil {
			var err error
			if w.agent.Kind == storage.GenericKind {
				_, _, err = c.store.CreateGenericAgent(ctx, w.agent)
			} else {
				_, err = c.store.CreateAgent(ctx, w.agent)
			}
			if err != nil {
				return result, fmt.Errorf("creating agent %s: %w", w.agent.Name, err)
			}
			result.Created = append(result.Created, w.agent.Name)
			continue
		}
		if _, err := c.store.UpdateAgent(ctx, w.agent); err != nil {
			return result, fmt.Errorf("updating agent %s: %w", w.agent.Name, err)
		}
		result.Updated = append(result.Updated, w.agent.Name)
	}

	slog.Info("seeded agent catalog", "created", len(result.Created),
		"updated", len(result.Updated), "unchanged", len(result.Unchanged))
	return result, nil
}

func sameDefinition(a, b storage.Agent) bool {
	return a.Name == b.Name && a.Kind == b.Kind && a.Description == b.Description &&
		slices.Equal(a.RequiredFields, b.RequiredFields) &&
		slices.Equal(a.OptionalFields, b.OptionalFields) &&
		maps.Equal(a.Prompts, b.Prompts)
}

// l2 returns the Euclidean distance between two equal-length vectors.
func l2(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
