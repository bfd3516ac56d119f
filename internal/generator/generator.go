package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/kalambet/btravel/internal/engine"
)

// FallbackResponse is the canned reply used when the model's output cannot
// be parsed.
const FallbackResponse = "I'm here to help with your travel plans. Could you provide more details?"

// ErrMalformedOutput is returned when the model's reply is not a usable
// JSON object.
var ErrMalformedOutput = errors.New("malformed generator output")

// Chatter is the chat half of engine.Engine.
type Chatter interface {
	Chat(ctx context.Context, req engine.ChatRequest) (string, error)
}

// Reply is the structured result of one generation.
type Reply struct {
	Response        string            `json:"response"`
	ExtractedFields map[string]string `json:"extracted_fields"`
	IsComplete      bool              `json:"is_complete"`
}

// Fallback returns the canned reply: no fields, not complete.
func Fallback() Reply {
	return Reply{Response: FallbackResponse, ExtractedFields: map[string]string{}}
}

// Generator turns a transcript into the agent's next reply plus any fields
// it extracted from the user's latest message.
type Generator struct {
	client      Chatter
	model       string
	temperature float32
}

// New creates a Generator using the given chat client and model name.
func New(client Chatter, model string, temperature float64) *Generator {
	return &Generator{client: client, model: model, temperature: float32(temperature)}
}

// Generate asks the model for the next reply. Provider failures are
// returned as-is; unparseable output wraps ErrMalformedOutput so callers
// can fall back to the canned reply.
func (g *Generator) Generate(ctx context.Context, in Input) (Reply, error) {
	raw, err := g.client.Chat(ctx, engine.ChatRequest{
		Model:       g.model,
		Messages:    BuildPrompt(in),
		Temperature: g.temperature,
		JSON:        true,
	})
	if err != nil {
		return Reply{}, fmt.Errorf("generating reply: %w", err)
	}

	reply, err := Parse(raw)
	if err != nil {
		slog.Warn("failed to parse generator output", "error", err, "response", raw)
		return Reply{}, err
	}
	return reply, nil
}

type rawReply struct {
	Response        *string         `json:"response"`
	ExtractedFields json.RawMessage `json:"extracted_fields"`
	IsComplete      json.RawMessage `json:"is_complete"`
}

// Parse decodes a model reply. It tolerates markdown code fences, text
// around the JSON object, extracted_fields encoded as a JSON string, and
// non-string field values, which are stringified.
func Parse(raw string) (Reply, error) {
	body := extractObject(raw)
	if body == "" {
		return Reply{}, fmt.Errorf("%w: no JSON object found", ErrMalformedOutput)
	}

	var rr rawReply
	if err := json.Unmarshal([]byte(body), &rr); err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if rr.Response == nil || strings.TrimSpace(*rr.Response) == "" {
		return Reply{}, fmt.Errorf("%w: missing response", ErrMalformedOutput)
	}

	fields, err := parseFields(rr.ExtractedFields)
	if err != nil {
		return Reply{}, fmt.Errorf("%w: extracted_fields: %v", ErrMalformedOutput, err)
	}
	complete, err := parseBool(rr.IsComplete)
	if err != nil {
		return Reply{}, fmt.Errorf("%w: is_complete: %v", ErrMalformedOutput, err)
	}

	return Reply{
		Response:        strings.TrimSpace(*rr.Response),
		ExtractedFields: fields,
		IsComplete:      complete,
	}, nil
}

// extractObject strips code fences and returns the outermost {...} span.
func extractObject(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

func parseFields(raw json.RawMessage) (map[string]string, error) {
	fields := map[string]string{}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return fields, nil
	}

	// Some models return the object JSON-encoded inside a string.
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, err
		}
		inner = strings.TrimSpace(inner)
		if inner == "" {
			return fields, nil
		}
		raw = json.RawMessage(inner)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	for k, v := range m {
		k = strings.TrimSpace(k)
		if k == "" || v == nil {
			continue
		}
		s, err := stringify(v)
		if err != nil {
			return nil, err
		}
		if s == "" {
			continue
		}
		fields[k] = s
	}
	return fields, nil
}

func stringify(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val), nil
	case json.Number:
		return val.String(), nil
	case bool:
		return strconv.FormatBool(val), nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

func parseBool(raw json.RawMessage) (bool, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return false, nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return false, err
	}
	return strconv.ParseBool(strings.TrimSpace(s))
}
