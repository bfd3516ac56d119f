package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/btravel/internal/conversation"
)

// TurnRequest is the body of POST /conversation.
type TurnRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
	TurnID         string `json:"turn_id,omitempty"`
}

// TurnResponse is the body of a successful POST /conversation.
type TurnResponse struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
	IsComplete     bool   `json:"is_complete"`
	TelegramLink   string `json:"telegram_link,omitempty"`
	AgentType      string `json:"agent_type,omitempty"`
}

type messageView struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type transcriptView struct {
	ConversationID string            `json:"conversation_id"`
	Agent          *agentView        `json:"agent"`
	AgentType      string            `json:"agent_type,omitempty"`
	IsActive       bool              `json:"is_active"`
	IsComplete     bool              `json:"is_complete"`
	Expired        bool              `json:"expired"`
	CollectedData  map[string]string `json:"collected_data"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	Messages       []messageView     `json:"messages"`
}

func handleConversation(turns Turner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req TurnRequest
		if err := decodeBody(w, r, &req); err != nil {
			httpError(w, http.StatusBadRequest, "%v", err)
			return
		}

		res, err := turns.HandleTurn(r.Context(), conversation.TurnRequest{
			Message:        req.Message,
			ConversationID: req.ConversationID,
			TurnID:         req.TurnID,
		})
		if err != nil {
			writeError(w, r, "Conversation not found", err)
			return
		}

		writeJSON(w, http.StatusOK, TurnResponse{
			ConversationID: res.ConversationID,
			Message:        res.Reply,
			IsComplete:     res.Complete,
			TelegramLink:   res.HandoffLink,
			AgentType:      res.AgentType,
		})
	}
}

func handleGetConversation(turns Turner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := turns.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, "Conversation not found", err)
			return
		}

		view := transcriptView{
			ConversationID: t.Conversation.ID,
			IsActive:       t.Conversation.Active && !t.Expired,
			IsComplete:     t.Conversation.Complete,
			Expired:        t.Expired,
			CollectedData:  t.Conversation.CollectedData,
			CreatedAt:      t.Conversation.CreatedAt,
			UpdatedAt:      t.Conversation.UpdatedAt,
			Messages:       make([]messageView, len(t.Messages)),
		}
		if view.CollectedData == nil {
			view.CollectedData = map[string]string{}
		}
		if t.Agent != nil {
			a := newAgentView(*t.Agent)
			view.Agent = &a
			view.AgentType = t.Agent.Kind
		}
		for i, m := range t.Messages {
			view.Messages[i] = messageView{Role: string(m.Role), Content: m.Content, CreatedAt: m.CreatedAt}
		}
		writeJSON(w, http.StatusOK, view)
	}
}
