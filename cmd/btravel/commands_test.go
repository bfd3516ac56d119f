package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/kalambet/btravel/internal/client"
	"github.com/kalambet/btravel/internal/storage"
)

var ctx = context.Background()

func captureStderr(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	old := stderr
	stderr = &buf
	t.Cleanup(func() { stderr = old })
	return &buf
}

func disableColor(t *testing.T) {
	t.Helper()
	old := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = old })
}

type scriptedSender struct {
	calls   []string
	convIDs []string
	replies []client.Reply
	errs    []error
}

func (s *scriptedSender) Send(_ context.Context, conversationID, message, turnID string) (client.Reply, error) {
	i := len(s.calls)
	s.calls = append(s.calls, message)
	s.convIDs = append(s.convIDs, conversationID)
	if turnID == "" {
		return client.Reply{}, errors.New("missing turn id")
	}
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	if err != nil {
		return client.Reply{}, err
	}
	return s.replies[i], nil
}

func TestRunChat_Conversation(t *testing.T) {
	disableColor(t)
	errOut := captureStderr(t)

	s := &scriptedSender{
		replies: []client.Reply{
			{ConversationID: "c1", Message: "Where would you like to stay?"},
			{ConversationID: "c1", Message: "Booked!", IsComplete: true, TelegramLink: "https://t.me/x"},
			{ConversationID: "c2", Message: "Hello again"},
		},
	}
	in := strings.NewReader("hotel please\n\nRome, May 1st\n/new\nhi\n/quit\nignored\n")
	var out bytes.Buffer

	if err := runChat(ctx, s, in, &out); err != nil {
		t.Fatalf("runChat: %v", err)
	}

	if got := strings.Join(s.calls, "|"); got != "hotel please|Rome, May 1st|hi" {
		t.Errorf("calls = %q", got)
	}
	if got := strings.Join(s.convIDs, "|"); got != "|c1|" {
		t.Errorf("conversation ids = %q", got)
	}
	if !strings.Contains(out.String(), "Booked!") {
		t.Errorf("output = %q", out.String())
	}
	if !strings.Contains(errOut.String(), "https://t.me/x") {
		t.Errorf("stderr = %q, want hand-off link", errOut.String())
	}
}

func TestRunChat_ExpiredResets(t *testing.T) {
	disableColor(t)
	errOut := captureStderr(t)

	s := &scriptedSender{
		replies: []client.Reply{
			{ConversationID: "c1", Message: "ok"},
			{},
			{ConversationID: "c2", Message: "fresh"},
		},
		errs: []error{nil, &client.ExpiredError{Link: "https://t.me/x"}, nil},
	}
	in := strings.NewReader("one\ntwo\nthree\n")
	var out bytes.Buffer

	if err := runChat(ctx, s, in, &out); err != nil {
		t.Fatalf("runChat: %v", err)
	}
	if s.convIDs[1] != "c1" || s.convIDs[2] != "" {
		t.Errorf("conversation ids = %v", s.convIDs)
	}
	if !strings.Contains(errOut.String(), "Conversation expired") {
		t.Errorf("stderr = %q", errOut.String())
	}
}

func TestRunChat_ServerError(t *testing.T) {
	disableColor(t)
	errOut := captureStderr(t)

	s := &scriptedSender{
		replies: []client.Reply{{}},
		errs:    []error{errors.New("server not reachable")},
	}
	var out bytes.Buffer
	if err := runChat(ctx, s, strings.NewReader("hi\n"), &out); err != nil {
		t.Fatalf("runChat: %v", err)
	}
	if !strings.Contains(errOut.String(), "not reachable") {
		t.Errorf("stderr = %q", errOut.String())
	}
}

func TestListAgents(t *testing.T) {
	disableColor(t)
	var out bytes.Buffer

	listAgents(&out, nil)
	if !strings.Contains(out.String(), "No agents found") {
		t.Errorf("empty output = %q", out.String())
	}

	out.Reset()
	listAgents(&out, []storage.Agent{{
		ID:             "0123456789abcdef",
		Name:           "Hotel Booking Agent",
		Kind:           "hotel",
		RequiredFields: []string{"destination", "check_in_date"},
		OptionalFields: []string{"budget"},
	}})
	got := out.String()
	for _, want := range []string{"01234567", "hotel", "Hotel Booking Agent", "2 required, 1 optional"} {
		if !strings.Contains(got, want) {
			t.Errorf("output %q missing %q", got, want)
		}
	}
}

func TestFindAgent(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	defer store.Close()

	a, err := store.CreateAgent(ctx, storage.Agent{Name: "Car Rental Agent", Kind: "car", Description: "cars"})
	if err != nil {
		t.Fatalf("creating agent: %v", err)
	}

	byID, err := findAgent(ctx, store, a.ID)
	if err != nil || byID.Name != a.Name {
		t.Errorf("by id = %+v, %v", byID, err)
	}
	byName, err := findAgent(ctx, store, "Car Rental Agent")
	if err != nil || byName.ID != a.ID {
		t.Errorf("by name = %+v, %v", byName, err)
	}
	if _, err := findAgent(ctx, store, "nope"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("missing agent error = %v", err)
	}
}

func TestPrintTranscript(t *testing.T) {
	disableColor(t)
	var out bytes.Buffer

	printTranscript(&out, client.Transcript{
		ConversationID: "c1",
		Agent:          &client.Agent{Name: "Tour Booking Agent", Type: "tour"},
		IsComplete:     true,
		CollectedData:  map[string]string{"tour_name": "Alfama walk", "date": "2026-05-01"},
		Messages: []client.Message{
			{Role: "user", Content: "a tour please", CreatedAt: time.Now()},
			{Role: "assistant", Content: "Which one?", CreatedAt: time.Now()},
		},
	})

	got := out.String()
	for _, want := range []string{"c1  complete  Tour Booking Agent (tour)", "[user] a tour please", "[assistant] Which one?"} {
		if !strings.Contains(got, want) {
			t.Errorf("output %q missing %q", got, want)
		}
	}
	if strings.Index(got, "date =") > strings.Index(got, "tour_name =") {
		t.Errorf("collected fields not sorted: %q", got)
	}
}

func TestNoColorFlag(t *testing.T) {
	old := color.NoColor
	defer func() { color.NoColor = old }()

	color.NoColor = true
	result := colorize(colorSuccess, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with NoColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	color.NoColor = false
	result = colorize(colorSuccess, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with NoColor=false should contain ANSI codes, got %q", result)
	}
}

func TestPIDFile(t *testing.T) {
	path := pidFilePath(filepath.Join(t.TempDir(), "data"))
	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatalf("readPIDFile: %v", err)
	}
	if pid <= 0 {
		t.Errorf("pid = %d", pid)
	}
	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("PID file still readable after removal")
	}
}

func TestRootCommands(t *testing.T) {
	want := []string{"start", "stop", "status", "agents", "conversations", "chat", "bot", "mcp", "config", "version"}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("command %q not registered (%v)", name, err)
		}
	}
}

func TestConversationsDelete_InvalidID(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"conversations", "delete", "not-a-uuid"})
	err := rootCmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "invalid conversation id") {
		t.Fatalf("err = %v, want invalid conversation id", err)
	}
}

func TestConfigSet_MissingArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"config", "set", "server.port"})
	if err := rootCmd.Execute(); err == nil {
		t.Fatal("expected error for missing value")
	}
}

func TestConversationsShow_ServerDown(t *testing.T) {
	old := newAPIClient
	defer func() { newAPIClient = old }()
	newAPIClient = func() (*client.Client, error) {
		return client.New("http://127.0.0.1:1", nil), nil
	}
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"conversations", "show", "7b0b0f6e-4f43-4a43-9d43-7d1f0f3b9a11"})
	err := rootCmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "not reachable") {
		t.Fatalf("err = %v, want not reachable", err)
	}
}
