package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/kalambet/btravel/internal/storage"
)

// Transcript is a conversation's state with its ordered messages.
type Transcript struct {
	Conversation storage.Conversation
	Agent        *storage.Agent
	Messages     []storage.Message
	Expired      bool
}

// Get returns the conversation and its transcript. Looking a conversation
// up never changes its state.
func (e *Engine) Get(ctx context.Context, rawID string) (Transcript, error) {
	id, err := canonicalID(rawID)
	if err != nil {
		return Transcript{}, err
	}
	conv, err := e.store.GetConversation(ctx, id)
	if err != nil {
		return Transcript{}, fmt.Errorf("loading conversation %s: %w", id, err)
	}
	msgs, err := e.store.ListMessages(ctx, id)
	if err != nil {
		return Transcript{}, fmt.Errorf("loading transcript: %w", err)
	}

	t := Transcript{Conversation: conv, Messages: msgs, Expired: e.expired(conv)}
	if conv.AgentID != "" {
		agent, err := e.store.GetAgent(ctx, conv.AgentID)
		switch {
		case err == nil:
			t.Agent = &agent
		case !errors.Is(err, storage.ErrNotFound):
			return Transcript{}, fmt.Errorf("loading agent %s: %w", conv.AgentID, err)
		}
	}
	return t, nil
}
