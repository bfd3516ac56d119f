// Package client talks to a running btravel server over HTTP. The Telegram
// bot and the CLI chat both use it.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNotFound is returned when the server reports an unknown conversation
// or agent.
var ErrNotFound = errors.New("not found")

// ExpiredError reports a conversation the server refused as expired.
type ExpiredError struct {
	Link string
}

func (e *ExpiredError) Error() string {
	return "Conversation has expired"
}

// APIError is any other non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

type Reply struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
	IsComplete     bool   `json:"is_complete"`
	TelegramLink   string `json:"telegram_link,omitempty"`
	AgentType      string `json:"agent_type,omitempty"`
}

type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type Agent struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Type           string            `json:"type"`
	Description    string            `json:"description"`
	RequiredFields []string          `json:"required_fields"`
	OptionalFields []string          `json:"optional_fields"`
	Prompts        map[string]string `json:"prompts"`
}

type Transcript struct {
	ConversationID string            `json:"conversation_id"`
	Agent          *Agent            `json:"agent"`
	AgentType      string            `json:"agent_type"`
	IsActive       bool              `json:"is_active"`
	IsComplete     bool              `json:"is_complete"`
	Expired        bool              `json:"expired"`
	CollectedData  map[string]string `json:"collected_data"`
	CreatedAt      time.Time         `json:"created_at"`
	Messages       []Message         `json:"messages"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New returns a client for the server at baseURL. A nil httpClient uses a
// client with a 60 second timeout, long enough for a generation round trip.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// Send posts one user message. An empty conversationID starts a new
// conversation.
func (c *Client) Send(ctx context.Context, conversationID, message, turnID string) (Reply, error) {
	body := map[string]string{"message": message}
	if conversationID != "" {
		body["conversation_id"] = conversationID
	}
	if turnID != "" {
		body["turn_id"] = turnID
	}
	var r Reply
	err := c.do(ctx, http.MethodPost, "/conversation", body, &r)
	return r, err
}

func (c *Client) Conversation(ctx context.Context, id string) (Transcript, error) {
	var t Transcript
	err := c.do(ctx, http.MethodGet, "/conversations/"+id, nil, &t)
	return t, err
}

func (c *Client) Agents(ctx context.Context) ([]Agent, error) {
	var agents []Agent
	err := c.do(ctx, http.MethodGet, "/agents", nil, &agents)
	return agents, err
}

// Healthy reports whether the server answers its health probe.
func (c *Client) Healthy(ctx context.Context) bool {
	return c.do(ctx, http.MethodGet, "/health", nil, nil) == nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("server not reachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var body struct {
		Error        string `json:"error"`
		TelegramLink string `json:"telegram_link"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(data))
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", body.Error, ErrNotFound)
	case resp.StatusCode == http.StatusBadRequest && body.TelegramLink != "":
		return &ExpiredError{Link: body.TelegramLink}
	}
	return &APIError{Status: resp.StatusCode, Message: body.Error}
}
