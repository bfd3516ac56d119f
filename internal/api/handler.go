package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/btravel/internal/catalog"
	"github.com/kalambet/btravel/internal/conversation"
	"github.com/kalambet/btravel/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Turner runs conversation turns and reads transcripts.
type Turner interface {
	HandleTurn(ctx context.Context, req conversation.TurnRequest) (conversation.TurnResult, error)
	Get(ctx context.Context, id string) (conversation.Transcript, error)
}

// AgentAdmin manages the agent catalog.
type AgentAdmin interface {
	List(ctx context.Context) ([]storage.Agent, error)
	Get(ctx context.Context, id string) (storage.Agent, error)
	Create(ctx context.Context, a storage.Agent) (storage.Agent, error)
	Update(ctx context.Context, a storage.Agent) (storage.Agent, error)
	Delete(ctx context.Context, id string) error
}

type Deps struct {
	Conversations Turner
	Agents        AgentAdmin
}

// NewHandler returns the service's HTTP API: the conversation turn
// endpoint, transcript lookup and agent administration.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)

	r.Post("/conversation", handleConversation(deps.Conversations))
	r.Post("/conversation/", handleConversation(deps.Conversations))
	r.Get("/conversations/{id}", handleGetConversation(deps.Conversations))

	r.Route("/agents", func(r chi.Router) {
		r.Get("/", handleListAgents(deps.Agents))
		r.Post("/", handleCreateAgent(deps.Agents))
		r.Get("/{id}", handleGetAgent(deps.Agents))
		r.Put("/{id}", handleUpdateAgent(deps.Agents))
		r.Delete("/{id}", handleDeleteAgent(deps.Agents))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// decodeBody reads a JSON request body of at most maxRequestBodySize bytes.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return errors.New("Invalid request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("writing response", "error", err)
	}
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	writeJSON(w, code, map[string]any{"error": fmt.Sprintf(format, args...)})
}

// writeError maps service errors onto status codes. Only validation,
// expiry and not-found reach the caller verbatim; anything else is a 500.
func writeError(w http.ResponseWriter, r *http.Request, notFound string, err error) {
	var validation *conversation.ValidationError
	var expired *conversation.ExpiredError
	switch {
	case errors.As(err, &expired):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":         expired.Error(),
			"telegram_link": expired.HandoffLink,
		})
	case errors.As(err, &validation):
		httpError(w, http.StatusBadRequest, "%s", validation.Message)
	case errors.Is(err, catalog.ErrInvalidAgent):
		httpError(w, http.StatusBadRequest, "%v", err)
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "%s", notFound)
	case errors.Is(err, storage.ErrConflict):
		httpError(w, http.StatusConflict, "%v", err)
	case errors.Is(err, catalog.ErrEmbeddingUnavailable):
		httpError(w, http.StatusServiceUnavailable, "Embedding service unavailable")
	default:
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
		httpError(w, http.StatusInternalServerError, "Internal server error")
	}
}
