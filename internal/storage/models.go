package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateTurn is returned by CommitTurn when a turn with the same
// key was already committed for the conversation.
var ErrDuplicateTurn = errors.New("turn already committed")

// ErrConflict is returned when an agent would violate a uniqueness rule:
// a duplicate name or a second generic agent.
var ErrConflict = errors.New("conflict")

// GenericKind is the reserved kind of the fallback agent.
const GenericKind = "generic"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known message roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

type Agent struct {
	ID             string
	Name           string
	Kind           string
	Description    string
	RequiredFields []string
	OptionalFields []string
	Prompts        map[string]string
	Embedding      []float32
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Conversation struct {
	ID            string
	AgentID       string // empty until the first turn assigns one
	Active        bool
	Complete      bool
	CollectedData map[string]string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Message struct {
	ID             int64
	ConversationID string
	Seq            int
	Role           Role
	Content        string
	TurnKey        string
	CreatedAt      time.Time
}

// Turn is everything one conversational turn writes. CommitTurn persists
// it in a single transaction.
type Turn struct {
	ConversationID string
	// NewConversation inserts the conversation row as part of the turn.
	NewConversation bool
	// AgentID is assigned to the conversation unless it already has one.
	AgentID      string
	TurnKey      string
	UserContent  string
	ReplyContent string
	Fields       map[string]string
	Complete     bool
}
