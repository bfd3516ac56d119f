package generator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kalambet/btravel/internal/engine"
	"github.com/kalambet/btravel/internal/storage"
)

const instructions = `Instructions:
1. Be conversational and helpful
2. Ask for required fields first, then optional fields
3. Extract information from user messages
4. Keep track of what information you've collected
5. When all required fields are collected, indicate completion`

const formatInstructions = `Format your response as a single JSON object with exactly these keys and no other text:
- "response": string, the conversational reply to send to the user
- "extracted_fields": object mapping field names to the values stated in the user's latest message; use the field names listed above
- "is_complete": boolean, true only when every required field has been collected`

// Input is everything the generator sees for one turn.
type Input struct {
	Agent       storage.Agent
	History     []storage.Message
	Collected   map[string]string
	UserMessage string
}

// BuildPrompt constructs the chat messages for a slot-filling turn: the
// agent's system prompt, the prior transcript, the new user message, a
// summary of collected and missing fields, and the output format.
func BuildPrompt(in Input) []engine.Message {
	messages := []engine.Message{
		{Role: engine.RoleSystem, Content: systemPrompt(in.Agent)},
	}

	for _, m := range in.History {
		switch m.Role {
		case storage.RoleUser:
			messages = append(messages, engine.Message{Role: engine.RoleUser, Content: m.Content})
		case storage.RoleAssistant:
			messages = append(messages, engine.Message{Role: engine.RoleAssistant, Content: m.Content})
		}
	}

	messages = append(messages, engine.Message{Role: engine.RoleUser, Content: in.UserMessage})

	if summary := collectedSummary(in.Agent, in.Collected); summary != "" {
		messages = append(messages, engine.Message{Role: engine.RoleSystem, Content: summary})
	}

	return append(messages, engine.Message{Role: engine.RoleSystem, Content: formatInstructions})
}

func systemPrompt(a storage.Agent) string {
	var sb strings.Builder
	sb.WriteString(a.Description)
	sb.WriteString("\n\n")
	fmt.Fprintf(&sb, "Required fields to collect: %s\n", strings.Join(a.RequiredFields, ", "))
	fmt.Fprintf(&sb, "Optional fields to collect: %s\n", strings.Join(a.OptionalFields, ", "))

	if questions := fieldQuestions(a); questions != "" {
		sb.WriteString("\nSuggested questions:\n")
		sb.WriteString(questions)
	}

	sb.WriteString("\n")
	sb.WriteString(instructions)
	sb.WriteString("\n")
	return sb.String()
}

// fieldQuestions lists the per-field prompts, required fields first, then
// optional fields, then any remaining prompts in key order.
func fieldQuestions(a storage.Agent) string {
	if len(a.Prompts) == 0 {
		return ""
	}
	var sb strings.Builder
	seen := make(map[string]bool, len(a.Prompts))
	write := func(field string) {
		if q, ok := a.Prompts[field]; ok && !seen[field] {
			fmt.Fprintf(&sb, "- %s: %s\n", field, q)
			seen[field] = true
		}
	}
	for _, f := range a.RequiredFields {
		write(f)
	}
	for _, f := range a.OptionalFields {
		write(f)
	}
	rest := make([]string, 0, len(a.Prompts))
	for f := range a.Prompts {
		if !seen[f] {
			rest = append(rest, f)
		}
	}
	sort.Strings(rest)
	for _, f := range rest {
		write(f)
	}
	return sb.String()
}

func collectedSummary(a storage.Agent, collected map[string]string) string {
	if len(collected) == 0 {
		return ""
	}
	keys := make([]string, 0, len(collected))
	for k := range collected {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("Information collected so far:\n")
	for _, k := range keys {
		fmt.Fprintf(&sb, "- %s: %s\n", k, collected[k])
	}

	if remaining := MissingFields(a, collected); len(remaining) > 0 {
		fmt.Fprintf(&sb, "\nStill need to collect: %s\n", strings.Join(remaining, ", "))
	}
	return sb.String()
}

// MissingFields returns the agent's required fields absent from collected,
// in declaration order.
func MissingFields(a storage.Agent, collected map[string]string) []string {
	var missing []string
	for _, f := range a.RequiredFields {
		if _, ok := collected[f]; !ok {
			missing = append(missing, f)
		}
	}
	return missing
}
