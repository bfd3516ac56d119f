package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/btravel/internal/catalog"
	"github.com/kalambet/btravel/internal/conversation"
	"github.com/kalambet/btravel/internal/engine"
	"github.com/kalambet/btravel/internal/generator"
	"github.com/kalambet/btravel/internal/storage"
)

const testLink = "https://t.me/qnbq_assistant_bot/btravel"

// stubEngine embeds by keyword and answers chat requests with a canned
// JSON reply.
type stubEngine struct {
	mu       sync.Mutex
	reply    string
	chatErr  error
	embedErr error
}

func (s *stubEngine) Chat(context.Context, engine.ChatRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reply, s.chatErr
}

func (s *stubEngine) Embed(_ context.Context, _ string, text string) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.embedErr != nil {
		return nil, s.embedErr
	}
	t := strings.ToLower(text)
	v := make([]float32, 2)
	if strings.Contains(t, "hotel") {
		v[0] = 1
	}
	if strings.Contains(t, "car") {
		v[1] = 1
	}
	return v, nil
}

func (s *stubEngine) IsRunning(context.Context) bool                 { return true }
func (s *stubEngine) ListModels(context.Context) ([]string, error) { return nil, nil }
func (s *stubEngine) HasModel(context.Context, string) bool         { return true }

func (s *stubEngine) setReply(reply string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reply = reply
}

type testServer struct {
	handler http.Handler
	store   *storage.Store
	catalog *catalog.Catalog
	convs   *conversation.Engine
	llm     *stubEngine
	mu      sync.Mutex
	now     time.Time
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ts := &testServer{
		store: store,
		llm:   &stubEngine{reply: `{"response":"Where would you like to stay?","extracted_fields":{},"is_complete":false}`},
		now:   time.Now(),
	}
	ts.catalog = catalog.New(store, catalog.NewEmbedder(ts.llm, "embed", 2))
	gen := generator.New(ts.llm, "chat", 0.7)
	ts.convs = conversation.New(store, ts.catalog, gen, conversation.Options{
		TTL:         time.Hour,
		HandoffLink: testLink,
		Now:         ts.clock,
	})
	ts.handler = NewHandler(Deps{Conversations: ts.convs, Agents: ts.catalog})
	return ts
}

func (ts *testServer) clock() time.Time {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.now
}

func (ts *testServer) advance(d time.Duration) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.now = ts.now.Add(d)
}

func (ts *testServer) seedHotel(t *testing.T) storage.Agent {
	t.Helper()
	a, err := ts.store.CreateAgent(context.Background(), storage.Agent{
		Name:           "Hotel Booking Agent",
		Kind:           "hotel",
		Description:    "hotel",
		RequiredFields: []string{"destination", "check_in_date"},
		Embedding:      []float32{1, 0},
	})
	if err != nil {
		t.Fatalf("creating agent: %v", err)
	}
	return a
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func decodeMap(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&m); err != nil {
		t.Fatalf("decoding body %q: %v", rr.Body.String(), err)
	}
	return m
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodGet, "/health", "")

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var body map[string]string
	json.NewDecoder(rr.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("body = %v, want status=ok", body)
	}
}

func TestConversation_NewTurn(t *testing.T) {
	ts := newTestServer(t)
	ts.seedHotel(t)

	rr := ts.do(t, http.MethodPost, "/conversation", `{"message":"I need a hotel in Lisbon"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var resp TurnResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if resp.ConversationID == "" {
		t.Error("conversation_id is empty")
	}
	if resp.Message != "Where would you like to stay?" {
		t.Errorf("message = %q", resp.Message)
	}
	if resp.IsComplete || resp.TelegramLink != "" {
		t.Errorf("unexpected completion: %+v", resp)
	}
	if resp.AgentType != "hotel" {
		t.Errorf("agent_type = %q, want hotel", resp.AgentType)
	}

	msgs, err := ts.store.ListMessages(context.Background(), resp.ConversationID)
	if err != nil {
		t.Fatalf("listing messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
}

func TestConversation_TrailingSlash(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodPost, "/conversation/", `{"message":"hello"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
}

func TestConversation_MissingMessage(t *testing.T) {
	ts := newTestServer(t)

	for _, body := range []string{`{}`, `{"message":"   "}`} {
		rr := ts.do(t, http.MethodPost, "/conversation", body)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("body %s: status = %d, want 400", body, rr.Code)
		}
		if got := decodeMap(t, rr)["error"]; got != "Message is required" {
			t.Errorf("error = %v", got)
		}
	}

	total, _, err := ts.store.CountConversations(context.Background())
	if err != nil {
		t.Fatalf("counting: %v", err)
	}
	if total != 0 {
		t.Errorf("conversations = %d, want 0", total)
	}
}

func TestConversation_InvalidBody(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodPost, "/conversation", `not json`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestConversation_BodyTooLarge(t *testing.T) {
	ts := newTestServer(t)
	body := `{"message":"` + strings.Repeat("a", maxRequestBodySize) + `"}`
	rr := ts.do(t, http.MethodPost, "/conversation", body)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if got, _ := decodeMap(t, rr)["error"].(string); !strings.Contains(got, "exceeds") {
		t.Errorf("error = %q", got)
	}
}

func TestConversation_UnknownID(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodPost, "/conversation",
		`{"message":"hi","conversation_id":"7b0b0f6e-4f43-4a43-9d43-7d1f0f3b9a11"}`)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
	if got := decodeMap(t, rr)["error"]; got != "Conversation not found" {
		t.Errorf("error = %v", got)
	}
}

func TestConversation_MalformedID(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodPost, "/conversation", `{"message":"hi","conversation_id":"abc"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestConversation_Expired(t *testing.T) {
	ts := newTestServer(t)
	ts.seedHotel(t)

	rr := ts.do(t, http.MethodPost, "/conversation", `{"message":"hotel please"}`)
	id := decodeMap(t, rr)["conversation_id"].(string)

	ts.advance(time.Hour + time.Minute)

	rr = ts.do(t, http.MethodPost, "/conversation", `{"message":"still there?","conversation_id":"`+id+`"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	body := decodeMap(t, rr)
	if body["error"] != "Conversation has expired" {
		t.Errorf("error = %v", body["error"])
	}
	if body["telegram_link"] != testLink {
		t.Errorf("telegram_link = %v", body["telegram_link"])
	}

	conv, err := ts.store.GetConversation(context.Background(), id)
	if err != nil {
		t.Fatalf("loading conversation: %v", err)
	}
	if conv.Active {
		t.Error("expired conversation still active")
	}
}

func TestConversation_CompleteReturnsLink(t *testing.T) {
	ts := newTestServer(t)
	ts.seedHotel(t)
	ts.llm.setReply(`{"response":"All set!","extracted_fields":{"destination":"Lisbon","check_in_date":"2026-05-01"},"is_complete":true}`)

	rr := ts.do(t, http.MethodPost, "/conversation", `{"message":"hotel in Lisbon from May 1st"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	body := decodeMap(t, rr)
	if body["is_complete"] != true {
		t.Errorf("is_complete = %v", body["is_complete"])
	}
	if body["telegram_link"] != testLink {
		t.Errorf("telegram_link = %v", body["telegram_link"])
	}

	conv, err := ts.store.GetConversation(context.Background(), body["conversation_id"].(string))
	if err != nil {
		t.Fatalf("loading conversation: %v", err)
	}
	if conv.CollectedData["destination"] != "Lisbon" {
		t.Errorf("collected = %v", conv.CollectedData)
	}
}

func TestConversation_GeneratorDownDegrades(t *testing.T) {
	ts := newTestServer(t)
	ts.seedHotel(t)
	ts.llm.mu.Lock()
	ts.llm.chatErr = errors.New("provider down")
	ts.llm.mu.Unlock()

	rr := ts.do(t, http.MethodPost, "/conversation", `{"message":"hotel"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	body := decodeMap(t, rr)
	if body["message"] != conversation.UnavailableResponse {
		t.Errorf("message = %v", body["message"])
	}
	if body["conversation_id"] != "" {
		t.Errorf("conversation_id = %v, want empty for an uncommitted turn", body["conversation_id"])
	}
	total, _, err := ts.store.CountConversations(context.Background())
	if err != nil {
		t.Fatalf("counting: %v", err)
	}
	if total != 0 {
		t.Errorf("stored conversations = %d, want 0", total)
	}
}

func TestGetConversation(t *testing.T) {
	ts := newTestServer(t)
	ts.seedHotel(t)

	rr := ts.do(t, http.MethodPost, "/conversation", `{"message":"hotel in Porto"}`)
	id := decodeMap(t, rr)["conversation_id"].(string)

	rr = ts.do(t, http.MethodGet, "/conversations/"+id, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var view transcriptView
	if err := json.NewDecoder(rr.Body).Decode(&view); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if view.ConversationID != id || !view.IsActive || view.Expired {
		t.Errorf("view = %+v", view)
	}
	if view.AgentType != "hotel" || view.Agent == nil {
		t.Errorf("agent = %+v, type %q", view.Agent, view.AgentType)
	}
	if len(view.Messages) != 2 || view.Messages[0].Role != "user" || view.Messages[1].Role != "assistant" {
		t.Errorf("messages = %+v", view.Messages)
	}
}

func TestConversation_NonCanonicalID(t *testing.T) {
	ts := newTestServer(t)
	ts.seedHotel(t)

	rr := ts.do(t, http.MethodPost, "/conversation", `{"message":"hotel in Porto"}`)
	id := decodeMap(t, rr)["conversation_id"].(string)

	for _, form := range []string{strings.ToUpper(id), "{" + id + "}", "urn:uuid:" + id} {
		rr = ts.do(t, http.MethodPost, "/conversation", `{"message":"two guests","conversation_id":"`+form+`"}`)
		if rr.Code != http.StatusOK {
			t.Fatalf("POST with %q: status = %d, body = %s", form, rr.Code, rr.Body.String())
		}
		if got := decodeMap(t, rr)["conversation_id"]; got != id {
			t.Errorf("POST with %q: conversation_id = %v, want %s", form, got, id)
		}
	}

	rr = ts.do(t, http.MethodGet, "/conversations/"+strings.ToUpper(id), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("GET upper-case id: status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var view transcriptView
	if err := json.NewDecoder(rr.Body).Decode(&view); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if view.ConversationID != id || len(view.Messages) != 8 {
		t.Errorf("view id = %s, messages = %d", view.ConversationID, len(view.Messages))
	}
}

func TestGetConversation_NotFound(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodGet, "/conversations/7b0b0f6e-4f43-4a43-9d43-7d1f0f3b9a11", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestAgents_CRUD(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodPost, "/agents", `{
		"name": "Car Rental Agent",
		"type": "car",
		"description": "Rent a car",
		"required_fields": ["pickup_location"],
		"optional_fields": ["car_type"],
		"prompts": {"pickup_location": "Where should we pick you up?"}
	}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var created agentView
	json.NewDecoder(rr.Body).Decode(&created)
	if created.ID == "" || created.Type != "car" {
		t.Fatalf("created = %+v", created)
	}

	rr = ts.do(t, http.MethodGet, "/agents", "")
	var list []agentView
	json.NewDecoder(rr.Body).Decode(&list)
	if len(list) != 1 || list[0].Name != "Car Rental Agent" {
		t.Fatalf("list = %+v", list)
	}

	rr = ts.do(t, http.MethodPut, "/agents/"+created.ID, `{
		"name": "Car Rental Agent",
		"type": "car",
		"description": "Rent a car for your trip",
		"required_fields": ["pickup_location", "pickup_date"]
	}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("update status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var updated agentView
	json.NewDecoder(rr.Body).Decode(&updated)
	if len(updated.RequiredFields) != 2 || updated.OptionalFields == nil {
		t.Errorf("updated = %+v", updated)
	}

	rr = ts.do(t, http.MethodGet, "/agents/"+created.ID, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d", rr.Code)
	}

	rr = ts.do(t, http.MethodDelete, "/agents/"+created.ID, "")
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rr.Code)
	}
	rr = ts.do(t, http.MethodGet, "/agents/"+created.ID, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", rr.Code)
	}
}

func TestAgents_Errors(t *testing.T) {
	ts := newTestServer(t)
	ts.seedHotel(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"missing description", http.MethodPost, "/agents", `{"name":"x","type":"tour"}`, http.StatusBadRequest},
		{"overlapping fields", http.MethodPost, "/agents", `{"name":"x","type":"tour","description":"d","required_fields":["a"],"optional_fields":["a"]}`, http.StatusBadRequest},
		{"duplicate name", http.MethodPost, "/agents", `{"name":"Hotel Booking Agent","type":"hotel","description":"d"}`, http.StatusConflict},
		{"update unknown", http.MethodPut, "/agents/nope", `{"name":"x","type":"tour","description":"d"}`, http.StatusNotFound},
		{"delete unknown", http.MethodDelete, "/agents/nope", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ts.do(t, tt.method, tt.path, tt.body)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rr.Code, tt.want, rr.Body.String())
			}
		})
	}
}

func TestAgents_EmbeddingUnavailable(t *testing.T) {
	ts := newTestServer(t)
	ts.llm.mu.Lock()
	ts.llm.embedErr = errors.New("down")
	ts.llm.mu.Unlock()

	rr := ts.do(t, http.MethodPost, "/agents", `{"name":"Tours","type":"tour","description":"guided tours"}`)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
}
