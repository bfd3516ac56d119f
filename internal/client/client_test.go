package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", nil)
}

func TestSend(t *testing.T) {
	var got map[string]string
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/conversation", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"conversation_id":"c1","message":"Where to?","is_complete":false,"agent_type":"hotel"}`))
	})

	reply, err := c.Send(context.Background(), "", "hotel please", "t1")
	require.NoError(t, err)
	assert.Equal(t, Reply{ConversationID: "c1", Message: "Where to?", AgentType: "hotel"}, reply)
	assert.Equal(t, map[string]string{"message": "hotel please", "turn_id": "t1"}, got)
}

func TestSend_Expired(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"Conversation has expired","telegram_link":"https://t.me/x"}`))
	})

	_, err := c.Send(context.Background(), "c1", "hi", "")
	var expired *ExpiredError
	require.ErrorAs(t, err, &expired)
	assert.Equal(t, "https://t.me/x", expired.Link)
}

func TestSend_NotFound(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"Conversation not found"}`))
	})

	_, err := c.Send(context.Background(), "c1", "hi", "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSend_ValidationError(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"Message is required"}`))
	})

	_, err := c.Send(context.Background(), "", "", "")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "Message is required", apiErr.Message)
}

func TestConversationAndAgents(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/conversations/c1":
			w.Write([]byte(`{"conversation_id":"c1","agent_type":"car","is_active":true,"messages":[{"role":"user","content":"car"}]}`))
		case "/agents":
			w.Write([]byte(`[{"id":"a1","name":"Car Rental Agent","type":"car"}]`))
		default:
			http.NotFound(w, r)
		}
	})

	tr, err := c.Conversation(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "car", tr.AgentType)
	require.Len(t, tr.Messages, 1)
	assert.Equal(t, "user", tr.Messages[0].Role)

	agents, err := c.Agents(context.Background())
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "Car Rental Agent", agents[0].Name)
}

func TestHealthy(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	})
	assert.True(t, c.Healthy(context.Background()))

	down := New("http://127.0.0.1:1", nil)
	assert.False(t, down.Healthy(context.Background()))
}

func TestUnreachable(t *testing.T) {
	c := New("http://127.0.0.1:1", nil)
	_, err := c.Send(context.Background(), "", "hi", "")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}
