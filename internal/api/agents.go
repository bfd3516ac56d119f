package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/btravel/internal/catalog"
	"github.com/kalambet/btravel/internal/storage"
)

type agentView struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Type           string            `json:"type"`
	Description    string            `json:"description"`
	RequiredFields []string          `json:"required_fields"`
	OptionalFields []string          `json:"optional_fields"`
	Prompts        map[string]string `json:"prompts"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

func newAgentView(a storage.Agent) agentView {
	v := agentView{
		ID:             a.ID,
		Name:           a.Name,
		Type:           a.Kind,
		Description:    a.Description,
		RequiredFields: a.RequiredFields,
		OptionalFields: a.OptionalFields,
		Prompts:        a.Prompts,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
	if v.RequiredFields == nil {
		v.RequiredFields = []string{}
	}
	if v.OptionalFields == nil {
		v.OptionalFields = []string{}
	}
	if v.Prompts == nil {
		v.Prompts = map[string]string{}
	}
	return v
}

func handleListAgents(agents AgentAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := agents.List(r.Context())
		if err != nil {
			writeError(w, r, "Agent not found", err)
			return
		}
		views := make([]agentView, len(list))
		for i, a := range list {
			views[i] = newAgentView(a)
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleGetAgent(agents AgentAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := agents.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, "Agent not found", err)
			return
		}
		writeJSON(w, http.StatusOK, newAgentView(a))
	}
}

func handleCreateAgent(agents AgentAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var def catalog.Definition
		if err := decodeBody(w, r, &def); err != nil {
			httpError(w, http.StatusBadRequest, "%v", err)
			return
		}
		a, err := agents.Create(r.Context(), def.Agent())
		if err != nil {
			writeError(w, r, "Agent not found", err)
			return
		}
		writeJSON(w, http.StatusCreated, newAgentView(a))
	}
}

func handleUpdateAgent(agents AgentAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var def catalog.Definition
		if err := decodeBody(w, r, &def); err != nil {
			httpError(w, http.StatusBadRequest, "%v", err)
			return
		}
		a := def.Agent()
		a.ID = chi.URLParam(r, "id")
		updated, err := agents.Update(r.Context(), a)
		if err != nil {
			writeError(w, r, "Agent not found", err)
			return
		}
		writeJSON(w, http.StatusOK, newAgentView(updated))
	}
}

func handleDeleteAgent(agents AgentAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := agents.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, r, "Agent not found", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
