package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const conversationColumns = `id, agent_id, is_active, is_complete, collected_data, created_at, updated_at`

func scanConversation(row rowScanner) (Conversation, error) {
	var c Conversation
	var agentID sql.NullString
	var active, complete int
	var data, createdAt, updatedAt string
	if err := row.Scan(&c.ID, &agentID, &active, &complete, &data, &createdAt, &updatedAt); err != nil {
		return Conversation{}, err
	}
	c.AgentID = agentID.String
	c.Active = active == 1
	c.Complete = complete == 1
	if err := json.Unmarshal([]byte(data), &c.CollectedData); err != nil {
		return Conversation{}, fmt.Errorf("decoding collected_data for %s: %w", c.ID, err)
	}
	if c.CollectedData == nil {
		c.CollectedData = map[string]string{}
	}
	var err error
	if c.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Conversation{}, err
	}
	if c.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Conversation{}, err
	}
	return c, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertConversation(ctx context.Context, db execer, id, agentID string, now time.Time) error {
	var agent sql.NullString
	if agentID != "" {
		agent = sql.NullString{String: agentID, Valid: true}
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO conversations (id, agent_id, is_active, is_complete, collected_data, created_at, updated_at)
		VALUES (?, ?, 1, 0, '{}', ?, ?)`,
		id, agent, formatTime(now), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

// CreateConversation starts a fresh, active conversation with no agent and
// an empty field map.
func (s *Store) CreateConversation(ctx context.Context) (Conversation, error) {
	now := time.Now().UTC()
	c := Conversation{
		ID:            uuid.New().String(),
		Active:        true,
		CollectedData: map[string]string{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := insertConversation(ctx, s.db, c.ID, "", now); err != nil {
		return Conversation{}, err
	}
	return c, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	return c, nil
}

// AssignAgent sets the conversation's agent if none is assigned yet and
// returns the agent ID that is stored afterwards. A conversation that
// already has an agent keeps it.
func (s *Store) AssignAgent(ctx context.Context, conversationID, agentID string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning assign transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET agent_id = ?, updated_at = ?
		WHERE id = ? AND agent_id IS NULL`,
		agentID, formatTime(time.Now().UTC()), conversationID,
	); err != nil {
		return "", fmt.Errorf("assigning agent: %w", err)
	}

	var stored sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT agent_id FROM conversations WHERE id = ?`, conversationID).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing agent assignment: %w", err)
	}
	return stored.String, nil
}

// Deactivate marks a conversation inactive. It is idempotent; the flag
// never goes back to active.
func (s *Store) Deactivate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET is_active = 0, updated_at = ?
		WHERE id = ?`, formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("deactivating conversation %s: %w", id, err)
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

// DeactivateExpired marks every active conversation created before cutoff
// inactive and returns how many it changed.
func (s *Store) DeactivateExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET is_active = 0, updated_at = ?
		WHERE is_active = 1 AND created_at < ?`,
		formatTime(time.Now().UTC()), formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("deactivating expired conversations: %w", err)
	}
	return res.RowsAffected()
}

// MergeFields folds fields into the conversation's collected data and
// returns the merged map. Existing keys are never removed; a new value
// overwrites the old one for the same key.
func (s *Store) MergeFields(ctx context.Context, id string, fields map[string]string) (map[string]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning merge transaction: %w", err)
	}
	defer tx.Rollback()

	merged, err := mergeFieldsTx(ctx, tx, id, fields)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing merge: %w", err)
	}
	return merged, nil
}

func mergeFieldsTx(ctx context.Context, tx *sql.Tx, id string, fields map[string]string) (map[string]string, error) {
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT collected_data FROM conversations WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	merged := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &merged); err != nil {
		return nil, fmt.Errorf("decoding collected_data for %s: %w", id, err)
	}
	if merged == nil {
		merged = map[string]string{}
	}
	if len(fields) == 0 {
		return merged, nil
	}
	for k, v := range fields {
		merged[k] = v
	}

	b, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET collected_data = ?, updated_at = ? WHERE id = ?`,
		string(b), formatTime(time.Now().UTC()), id); err != nil {
		return nil, fmt.Errorf("updating collected_data: %w", err)
	}
	return merged, nil
}

// AppendMessage adds a message to the end of the conversation's transcript.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, role Role, content string) (Message, error) {
	if !role.Valid() {
		return Message{}, fmt.Errorf("invalid role %q", role)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("beginning append transaction: %w", err)
	}
	defer tx.Rollback()

	m, err := appendMessageTx(ctx, tx, conversationID, role, content, "")
	if err != nil {
		return Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("committing message: %w", err)
	}
	return m, nil
}

func appendMessageTx(ctx context.Context, tx *sql.Tx, conversationID string, role Role, content, turnKey string) (Message, error) {
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations WHERE id = ?`, conversationID).Scan(&exists); err != nil {
		return Message{}, err
	}
	if exists == 0 {
		return Message{}, ErrNotFound
	}

	var seq int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?`, conversationID).Scan(&seq); err != nil {
		return Message{}, fmt.Errorf("computing message sequence: %w", err)
	}

	m := Message{
		ConversationID: conversationID,
		Seq:            seq,
		Role:           role,
		Content:        content,
		TurnKey:        turnKey,
		CreatedAt:      time.Now().UTC(),
	}
	var key sql.NullString
	if turnKey != "" {
		key = sql.NullString{String: turnKey, Valid: true}
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, seq, role, content, turn_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		conversationID, seq, string(role), content, key, formatTime(m.CreatedAt),
	)
	if err != nil {
		if turnKey != "" && isUniqueViolation(err) {
			return Message{}, ErrDuplicateTurn
		}
		return Message{}, fmt.Errorf("inserting message: %w", err)
	}
	if m.ID, err = res.LastInsertId(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// ListMessages returns the transcript in append order.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, seq, role, content, turn_key, created_at
		FROM messages WHERE conversation_id = ? ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func scanMessage(row rowScanner) (Message, error) {
	var m Message
	var role, createdAt string
	var key sql.NullString
	if err := row.Scan(&m.ID, &m.ConversationID, &m.Seq, &role, &m.Content, &key, &createdAt); err != nil {
		return Message{}, err
	}
	m.Role = Role(role)
	m.TurnKey = key.String
	t, err := parseTime("created_at", createdAt)
	if err != nil {
		return Message{}, err
	}
	m.CreatedAt = t
	return m, nil
}

// FindTurnReply returns the assistant message committed under turnKey, if any.
func (s *Store) FindTurnReply(ctx context.Context, conversationID, turnKey string) (Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, seq, role, content, turn_key, created_at
		FROM messages WHERE conversation_id = ? AND turn_key = ? AND role = 'assistant'`,
		conversationID, turnKey)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

// CommitTurn creates the conversation when asked to, assigns the agent,
// appends the user message, merges extracted fields, appends the assistant
// reply and records completion in one transaction. Either all of it
// becomes visible or none of it does.
func (s *Store) CommitTurn(ctx context.Context, t Turn) (Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Conversation{}, fmt.Errorf("beginning turn transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	switch {
	case t.NewConversation:
		if err := insertConversation(ctx, tx, t.ConversationID, t.AgentID, now); err != nil {
			return Conversation{}, err
		}
	case t.AgentID != "":
		if _, err := tx.ExecContext(ctx, `
			UPDATE conversations SET agent_id = ?, updated_at = ?
			WHERE id = ? AND agent_id IS NULL`,
			t.AgentID, formatTime(now), t.ConversationID,
		); err != nil {
			return Conversation{}, fmt.Errorf("assigning agent: %w", err)
		}
	}

	if _, err := appendMessageTx(ctx, tx, t.ConversationID, RoleUser, t.UserContent, t.TurnKey); err != nil {
		return Conversation{}, err
	}
	if _, err := mergeFieldsTx(ctx, tx, t.ConversationID, t.Fields); err != nil {
		return Conversation{}, err
	}
	if _, err := appendMessageTx(ctx, tx, t.ConversationID, RoleAssistant, t.ReplyContent, t.TurnKey); err != nil {
		return Conversation{}, err
	}
	if t.Complete {
		if _, err := tx.ExecContext(ctx, `UPDATE conversations SET is_complete = 1, updated_at = ? WHERE id = ?`,
			formatTime(now), t.ConversationID); err != nil {
			return Conversation{}, fmt.Errorf("marking conversation complete: %w", err)
		}
	}

	c, err := scanConversation(tx.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, t.ConversationID))
	if err != nil {
		return Conversation{}, fmt.Errorf("reloading conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Conversation{}, fmt.Errorf("committing turn: %w", err)
	}
	return c, nil
}

// DeleteConversation removes a conversation together with its transcript.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting conversation %s: %w", id, err)
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

// CountConversations returns the total and the active conversation counts.
func (s *Store) CountConversations(ctx context.Context) (total, active int, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(is_active), 0) FROM conversations`).Scan(&total, &active)
	return total, active, err
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
