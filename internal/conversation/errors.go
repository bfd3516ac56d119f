package conversation

import (
	"github.com/kalambet/btravel/internal/storage"
)

// ErrNotFound is returned for an unknown conversation id.
var ErrNotFound = storage.ErrNotFound

// ValidationError reports user-correctable bad input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// ExpiredError is returned for a conversation past its TTL or already
// deactivated. The conversation has been marked inactive.
type ExpiredError struct {
	ConversationID string
	HandoffLink    string
}

func (e *ExpiredError) Error() string {
	return "Conversation has expired"
}
