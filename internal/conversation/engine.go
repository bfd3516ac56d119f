package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/btravel/internal/config"
	"github.com/kalambet/btravel/internal/generator"
	"github.com/kalambet/btravel/internal/storage"
)

// UnavailableResponse is returned to the user when a provider is down.
const UnavailableResponse = "Sorry, I'm having trouble right now. Please try again later."

const maxTurnIDLength = 128

// DefaultTTL is how long a conversation accepts turns after it is created.
const DefaultTTL = time.Hour

// Store is the conversation state the engine reads and commits.
type Store interface {
	GetConversation(ctx context.Context, id string) (storage.Conversation, error)
	Deactivate(ctx context.Context, id string) error
	ListMessages(ctx context.Context, conversationID string) ([]storage.Message, error)
	FindTurnReply(ctx context.Context, conversationID, turnKey string) (storage.Message, error)
	CommitTurn(ctx context.Context, t storage.Turn) (storage.Conversation, error)
	GetAgent(ctx context.Context, id string) (storage.Agent, error)
}

// Matcher picks the agent for a conversation's first message.
type Matcher interface {
	Match(ctx context.Context, text string) (storage.Agent, error)
	Generic(ctx context.Context) (storage.Agent, error)
}

// Responder produces the agent's reply for a turn.
type Responder interface {
	Generate(ctx context.Context, in generator.Input) (generator.Reply, error)
}

// Options tunes conversation lifecycle and completion.
type Options struct {
	TTL                time.Duration
	HandoffLink        string
	CompletionPolicy   string
	CompletionMessages int
	// Now overrides the clock used for expiry checks.
	Now func() time.Time
}

// OptionsFromConfig maps the conversation config section onto Options.
func OptionsFromConfig(c config.ConversationConfig) Options {
	return Options{
		TTL:                c.TTL,
		HandoffLink:        c.HandoffLink,
		CompletionPolicy:   c.CompletionPolicy,
		CompletionMessages: c.CompletionMessages,
	}
}

// TurnRequest is one user message. TurnID is an optional client nonce that
// makes retries of the same turn idempotent.
type TurnRequest struct {
	Message        string
	ConversationID string
	TurnID         string
}

// TurnResult is the outcome of a turn. HandoffLink is set only when
// Complete is true.
type TurnResult struct {
	ConversationID string
	Reply          string
	Complete       bool
	HandoffLink    string
	AgentType      string
	// Degraded is set when a provider failure replaced the turn with a
	// try-again reply and nothing was stored.
	Degraded bool
}

// Engine runs slot-filling turns. It keeps no per-conversation state in
// memory; every turn reads and commits through the Store.
type Engine struct {
	store     Store
	catalog   Matcher
	responder Responder
	opts      Options
}

func New(store Store, catalog Matcher, responder Responder, opts Options) *Engine {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.CompletionPolicy == "" {
		opts.CompletionPolicy = config.PolicyGenerator
	}
	if opts.CompletionMessages <= 0 {
		opts.CompletionMessages = 5
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{store: store, catalog: catalog, responder: responder, opts: opts}
}

// HandleTurn validates the request, loads the conversation, matches an
// agent on the first turn, generates the reply and commits the new
// conversation, agent, user message, extracted fields and reply in one
// transaction. A turn that fails before the commit stores nothing.
func (e *Engine) HandleTurn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		return TurnResult{}, &ValidationError{Message: "Message is required"}
	}
	var convID string
	if req.ConversationID != "" {
		id, err := canonicalID(req.ConversationID)
		if err != nil {
			return TurnResult{}, err
		}
		convID = id
	}
	if len(req.TurnID) > maxTurnIDLength {
		return TurnResult{}, &ValidationError{Message: fmt.Sprintf("turn_id must be at most %d characters", maxTurnIDLength)}
	}

	var (
		conv    storage.Conversation
		history []storage.Message
		err     error
	)
	isNew := convID == ""
	if isNew {
		conv = storage.Conversation{ID: uuid.New().String(), Active: true, CollectedData: map[string]string{}}
	} else {
		conv, err = e.store.GetConversation(ctx, convID)
		if err != nil {
			return TurnResult{}, fmt.Errorf("loading conversation %s: %w", convID, err)
		}
		if e.expired(conv) {
			if err := e.store.Deactivate(ctx, conv.ID); err != nil {
				return TurnResult{}, fmt.Errorf("deactivating conversation %s: %w", conv.ID, err)
			}
			slog.Info("conversation expired", "conversation_id", conv.ID)
			return TurnResult{}, &ExpiredError{ConversationID: conv.ID, HandoffLink: e.opts.HandoffLink}
		}
		if req.TurnID != "" {
			if res, ok, err := e.replay(ctx, conv, req.TurnID); err != nil || ok {
				return res, err
			}
		}
		if history, err = e.store.ListMessages(ctx, conv.ID); err != nil {
			return TurnResult{}, fmt.Errorf("loading transcript: %w", err)
		}
	}

	agent, matched, err := e.resolveAgent(ctx, conv, history, msg)
	if errors.Is(err, catalogUnavailable) {
		return e.degraded(conv.ID, isNew), nil
	}
	if err != nil {
		return TurnResult{}, err
	}

	reply, err := e.responder.Generate(ctx, generator.Input{
		Agent:       agent,
		History:     history,
		Collected:   conv.CollectedData,
		UserMessage: msg,
	})
	switch {
	case errors.Is(err, generator.ErrMalformedOutput):
		slog.Warn("generator fell back to canned reply", "conversation_id", conv.ID, "error", err)
		reply = generator.Fallback()
	case err != nil:
		if ctx.Err() != nil {
			return TurnResult{}, ctx.Err()
		}
		slog.Warn("generator unavailable", "conversation_id", conv.ID, "error", err)
		return e.degraded(conv.ID, isNew), nil
	}

	turn := storage.Turn{
		ConversationID:  conv.ID,
		NewConversation: isNew,
		TurnKey:         req.TurnID,
		UserContent:     msg,
		ReplyContent:    reply.Response,
		Fields:          reply.ExtractedFields,
		Complete:        e.isComplete(reply, len(history)),
	}
	if matched {
		turn.AgentID = agent.ID
	}
	committed, err := e.store.CommitTurn(ctx, turn)
	if errors.Is(err, storage.ErrDuplicateTurn) {
		// A concurrent retry of the same turn committed first.
		if res, ok, rerr := e.replay(ctx, conv, req.TurnID); rerr != nil || ok {
			return res, rerr
		}
	}
	if err != nil {
		return TurnResult{}, fmt.Errorf("committing turn: %w", err)
	}
	if isNew {
		slog.Debug("conversation created", "conversation_id", conv.ID)
	}
	if matched {
		if committed.AgentID != agent.ID {
			slog.Info("agent already assigned by a concurrent turn", "conversation_id", conv.ID, "agent_id", committed.AgentID)
		} else {
			slog.Info("agent assigned", "conversation_id", conv.ID, "agent", agent.Name, "type", agent.Kind)
		}
	}

	res := TurnResult{
		ConversationID: conv.ID,
		Reply:          reply.Response,
		Complete:       turn.Complete,
		AgentType:      agent.Kind,
	}
	if turn.Complete {
		res.HandoffLink = e.opts.HandoffLink
		slog.Info("conversation complete", "conversation_id", conv.ID, "agent", agent.Name)
	}
	return res, nil
}

// canonicalID parses a conversation id in any form uuid.Parse accepts and
// returns its lowercase hyphenated form, which is how ids are stored.
func canonicalID(raw string) (string, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", &ValidationError{Message: "Invalid conversation id"}
	}
	return id.String(), nil
}

var catalogUnavailable = errors.New("catalog unavailable")

// resolveAgent returns the conversation's agent and whether it was matched
// by this turn. Matching runs only on the first turn; later turns keep the
// stored agent. A conversation whose agent was deleted continues with the
// generic agent without being re-matched.
func (e *Engine) resolveAgent(ctx context.Context, conv storage.Conversation, history []storage.Message, msg string) (storage.Agent, bool, error) {
	if conv.AgentID != "" {
		agent, err := e.store.GetAgent(ctx, conv.AgentID)
		if err == nil {
			return agent, false, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return storage.Agent{}, false, fmt.Errorf("loading agent %s: %w", conv.AgentID, err)
		}
	}

	if len(history) > 0 {
		agent, err := e.catalog.Generic(ctx)
		if err != nil {
			return storage.Agent{}, false, e.catalogError(ctx, conv.ID, err)
		}
		return agent, false, nil
	}

	agent, err := e.catalog.Match(ctx, msg)
	if err != nil {
		return storage.Agent{}, false, e.catalogError(ctx, conv.ID, err)
	}
	return agent, true, nil
}

func (e *Engine) catalogError(ctx context.Context, conversationID string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	slog.Warn("agent catalog unavailable", "conversation_id", conversationID, "error", err)
	return fmt.Errorf("%w: %v", catalogUnavailable, err)
}

// replay returns the stored result of an already committed turn.
func (e *Engine) replay(ctx context.Context, conv storage.Conversation, turnID string) (TurnResult, bool, error) {
	if turnID == "" {
		return TurnResult{}, false, nil
	}
	m, err := e.store.FindTurnReply(ctx, conv.ID, turnID)
	if errors.Is(err, storage.ErrNotFound) {
		return TurnResult{}, false, nil
	}
	if err != nil {
		return TurnResult{}, false, fmt.Errorf("looking up turn %s: %w", turnID, err)
	}

	current, err := e.store.GetConversation(ctx, conv.ID)
	if err != nil {
		return TurnResult{}, false, fmt.Errorf("loading conversation %s: %w", conv.ID, err)
	}
	res := TurnResult{ConversationID: conv.ID, Reply: m.Content, Complete: current.Complete}
	if current.AgentID != "" {
		if agent, err := e.store.GetAgent(ctx, current.AgentID); err == nil {
			res.AgentType = agent.Kind
		}
	}
	if res.Complete {
		res.HandoffLink = e.opts.HandoffLink
	}
	slog.Debug("replayed committed turn", "conversation_id", conv.ID, "turn_id", turnID)
	return res, true, nil
}

func (e *Engine) expired(c storage.Conversation) bool {
	return !c.Active || e.opts.Now().Sub(c.CreatedAt) > e.opts.TTL
}

// isComplete applies the configured completion policy. priorMessages is
// the transcript length before this turn's two messages are added.
func (e *Engine) isComplete(reply generator.Reply, priorMessages int) bool {
	if e.opts.CompletionPolicy == config.PolicyMessageCount {
		return priorMessages+2 >= e.opts.CompletionMessages
	}
	return reply.IsComplete
}

// degraded is the try-again result. A conversation that was never
// committed has no id to hand back.
func (e *Engine) degraded(conversationID string, isNew bool) TurnResult {
	if isNew {
		conversationID = ""
	}
	return TurnResult{
		ConversationID: conversationID,
		Reply:          UnavailableResponse,
		Degraded:       true,
	}
}
