package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/btravel/internal/conversation"
	"github.com/kalambet/btravel/internal/storage"
)

// MCPMatcher picks the agent a message would be routed to.
type MCPMatcher interface {
	Match(ctx context.Context, text string) (storage.Agent, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Conversations Turner
	Matcher       MCPMatcher
	Agents        AgentAdmin
}

// NewMCPServer creates an MCP server exposing the conversation engine and
// the agent catalog as tools.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"btravel",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("btravel is a travel booking assistant. Send user messages to collect booking details through a specialised agent."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("send_message",
			mcp.WithDescription("Send a user message to a booking conversation and return the assistant's reply."),
			mcp.WithString("message", mcp.Description("The user's message"), mcp.Required()),
			mcp.WithString("conversation_id", mcp.Description("Existing conversation id; omit to start a new conversation")),
			mcp.WithString("turn_id", mcp.Description("Optional idempotency key for retries")),
		),
		mcpSendMessage(deps),
	)

	s.AddTool(
		mcp.NewTool("match_agent",
			mcp.WithDescription("Return the agent a first message would be routed to."),
			mcp.WithString("text", mcp.Description("Message text to match"), mcp.Required()),
		),
		mcpMatchAgent(deps),
	)

	s.AddTool(
		mcp.NewTool("list_agents",
			mcp.WithDescription("List the agents in the catalog."),
		),
		mcpListAgents(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"btravel://agents",
			"Agent Catalog",
			mcp.WithResourceDescription("Every agent with its required and optional fields as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceAgents(deps),
	)

	return s
}

func mcpSendMessage(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		message, err := req.RequireString("message")
		if err != nil {
			return mcpError("message is required"), nil
		}

		res, err := deps.Conversations.HandleTurn(ctx, conversation.TurnRequest{
			Message:        message,
			ConversationID: req.GetString("conversation_id", ""),
			TurnID:         req.GetString("turn_id", ""),
		})
		if err != nil {
			var expired *conversation.ExpiredError
			if errors.As(err, &expired) {
				return mcpError(fmt.Sprintf("%s; continue at %s", expired.Error(), expired.HandoffLink)), nil
			}
			if errors.Is(err, conversation.ErrNotFound) {
				return mcpError("conversation not found"), nil
			}
			return mcpError(fmt.Sprintf("turn failed: %v", err)), nil
		}

		b, err := json.Marshal(TurnResponse{
			ConversationID: res.ConversationID,
			Message:        res.Reply,
			IsComplete:     res.Complete,
			TelegramLink:   res.HandoffLink,
			AgentType:      res.AgentType,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal reply: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpMatchAgent(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}

		agent, err := deps.Matcher.Match(ctx, text)
		if err != nil {
			return mcpError(fmt.Sprintf("match failed: %v", err)), nil
		}

		b, err := json.Marshal(newAgentView(agent))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal agent: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListAgents(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		b, err := agentsJSON(ctx, deps.Agents)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceAgents(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := agentsJSON(ctx, deps.Agents)
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func agentsJSON(ctx context.Context, agents AgentAdmin) ([]byte, error) {
	list, err := agents.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	views := make([]agentView, len(list))
	for i, a := range list {
		views[i] = newAgentView(a)
	}
	b, err := json.Marshal(views)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal agents: %w", err)
	}
	return b, nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
