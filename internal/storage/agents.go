package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const agentColumns = `id, name, kind, description, required_fields, optional_fields, prompts, embedding, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (Agent, error) {
	var a Agent
	var required, optional, prompts string
	var blob []byte
	var createdAt, updatedAt string
	if err := row.Scan(&a.ID, &a.Name, &a.Kind, &a.Description, &required, &optional, &prompts, &blob, &createdAt, &updatedAt); err != nil {
		return Agent{}, err
	}
	if err := json.Unmarshal([]byte(required), &a.RequiredFields); err != nil {
		return Agent{}, fmt.Errorf("decoding required_fields for agent %s: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(optional), &a.OptionalFields); err != nil {
		return Agent{}, fmt.Errorf("decoding optional_fields for agent %s: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(prompts), &a.Prompts); err != nil {
		return Agent{}, fmt.Errorf("decoding prompts for agent %s: %w", a.ID, err)
	}
	emb, err := decodeFloat32s(blob)
	if err != nil {
		return Agent{}, fmt.Errorf("decoding embedding for agent %s: %w", a.ID, err)
	}
	a.Embedding = emb
	if a.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Agent{}, err
	}
	if a.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Agent{}, err
	}
	return a, nil
}

type agentJSON struct {
	required, optional, prompts string
}

func marshalAgentFields(a Agent) (agentJSON, error) {
	required := a.RequiredFields
	if required == nil {
		required = []string{}
	}
	optional := a.OptionalFields
	if optional == nil {
		optional = []string{}
	}
	prompts := a.Prompts
	if prompts == nil {
		prompts = map[string]string{}
	}
	r, err := json.Marshal(required)
	if err != nil {
		return agentJSON{}, err
	}
	o, err := json.Marshal(optional)
	if err != nil {
		return agentJSON{}, err
	}
	p, err := json.Marshal(prompts)
	if err != nil {
		return agentJSON{}, err
	}
	return agentJSON{required: string(r), optional: string(o), prompts: string(p)}, nil
}

// CreateAgent inserts a new agent. An empty ID is replaced with a fresh UUID.
func (s *Store) CreateAgent(ctx context.Context, a Agent) (Agent, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now

	fields, err := marshalAgentFields(a)
	if err != nil {
		return Agent{}, fmt.Errorf("encoding agent %s: %w", a.Name, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.Kind, a.Description, fields.required, fields.optional, fields.prompts,
		encodeFloat32s(a.Embedding), formatTime(now), formatTime(now),
	)
	if isUniqueViolation(err) {
		return Agent{}, fmt.Errorf("agent %s: %w", a.Name, ErrConflict)
	}
	if err != nil {
		return Agent{}, fmt.Errorf("inserting agent %s: %w", a.Name, err)
	}
	return a, nil
}

// CreateGenericAgent inserts a as the reserved fallback agent unless one
// already exists, and returns whichever generic agent is stored.
func (s *Store) CreateGenericAgent(ctx context.Context, a Agent) (Agent, bool, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	a.Kind = GenericKind
	now := time.Now().UTC()

	fields, err := marshalAgentFields(a)
	if err != nil {
		return Agent{}, false, fmt.Errorf("encoding agent %s: %w", a.Name, err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind) WHERE kind = 'generic' DO NOTHING`,
		a.ID, a.Name, a.Kind, a.Description, fields.required, fields.optional, fields.prompts,
		encodeFloat32s(a.Embedding), formatTime(now), formatTime(now),
	)
	if isUniqueViolation(err) {
		return Agent{}, false, fmt.Errorf("generic agent %s: %w", a.Name, ErrConflict)
	}
	if err != nil {
		return Agent{}, false, fmt.Errorf("inserting generic agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Agent{}, false, err
	}

	stored, err := s.GetAgentByKind(ctx, GenericKind)
	if err != nil {
		return Agent{}, false, fmt.Errorf("loading generic agent: %w", err)
	}
	return stored, n == 1, nil
}

// UpdateAgent overwrites every mutable column of an existing agent.
func (s *Store) UpdateAgent(ctx context.Context, a Agent) (Agent, error) {
	fields, err := marshalAgentFields(a)
	if err != nil {
		return Agent{}, fmt.Errorf("encoding agent %s: %w", a.Name, err)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET name = ?, kind = ?, description = ?, required_fields = ?, optional_fields = ?,
			prompts = ?, embedding = ?, updated_at = ?
		WHERE id = ?`,
		a.Name, a.Kind, a.Description, fields.required, fields.optional, fields.prompts,
		encodeFloat32s(a.Embedding), formatTime(now), a.ID,
	)
	if isUniqueViolation(err) {
		return Agent{}, fmt.Errorf("agent %s: %w", a.Name, ErrConflict)
	}
	if err != nil {
		return Agent{}, fmt.Errorf("updating agent %s: %w", a.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Agent{}, err
	}
	if n == 0 {
		return Agent{}, ErrNotFound
	}
	return s.GetAgent(ctx, a.ID)
}

func (s *Store) GetAgent(ctx context.Context, id string) (Agent, error) {
	return s.getAgentWhere(ctx, "id = ?", id)
}

func (s *Store) GetAgentByName(ctx context.Context, name string) (Agent, error) {
	return s.getAgentWhere(ctx, "name = ?", name)
}

// GetAgentByKind returns the first agent of the given kind in catalog order.
func (s *Store) GetAgentByKind(ctx context.Context, kind string) (Agent, error) {
	return s.getAgentWhere(ctx, "kind = ?", kind)
}

func (s *Store) getAgentWhere(ctx context.Context, where string, arg any) (Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE `+where+` ORDER BY rowid ASC LIMIT 1`, arg)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, ErrNotFound
	}
	if err != nil {
		return Agent{}, err
	}
	return a, nil
}

// ListAgents returns every agent in insertion order. The order is stable and
// is the tie-break order used by catalog matching.
func (s *Store) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// DeleteAgent removes an agent. Conversations that referenced it keep
// working with a NULL agent reference.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM agents WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting agent %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) CountAgents(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM agents").Scan(&n)
	return n, err
}
