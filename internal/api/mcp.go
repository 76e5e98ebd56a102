package api

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/frontdesk/internal/knowledge"
	"github.com/kalambet/frontdesk/internal/storage"
)

const timeLayout = "2006-01-02 15:04:05"

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Records   storage.RecordStore
	Knowledge knowledge.Store
	Resolver  Resolver
	Now       func() time.Time // optional; defaults to time.Now
}

// NewMCPServer creates the tool server the voice agent's model talks to.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.Now == nil {
		deps.Now = time.Now
	}

	s := server.NewMCPServer(
		"frontdesk",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("frontdesk receptionist tools. Call wait_for_answer when the caller asks something not covered by your knowledge."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("wait_for_answer",
			mcp.WithDescription("Escalate a question to a human and wait briefly for the answer. Returns the sentence to say to the caller."),
			mcp.WithString("question", mcp.Description("The caller's question, verbatim"), mcp.Required()),
			mcp.WithString("caller_phone", mcp.Description("Caller phone number in E.164 form, if known")),
		),
		mcpWaitForAnswer(deps),
	)

	s.AddTool(
		mcp.NewTool("get_current_time",
			mcp.WithDescription("Current local date and time."),
		),
		mcpCurrentTime(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"knowledge://learned",
			"Learned Knowledge",
			mcp.WithResourceDescription("Answers learned from past calls, formatted for the system prompt"),
			mcp.WithMIMEType("text/plain"),
		),
		mcpResourceKnowledge(deps),
	)

	return s
}

func mcpWaitForAnswer(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil || strings.TrimSpace(question) == "" {
			return mcpError("question is required"), nil
		}
		if deps.Resolver == nil {
			return mcpError("escalation is not enabled"), nil
		}
		phone := req.GetString("caller_phone", "")

		out := deps.Resolver.Resolve(ctx, question, phone)
		return mcpText(out.Message), nil
	}
}

func mcpCurrentTime(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcpText(deps.Now().Format(timeLayout)), nil
	}
}

func mcpResourceKnowledge(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		text, err := renderKnowledge(ctx, deps.Records, deps.Knowledge)
		if err != nil {
			return nil, fmt.Errorf("failed to render knowledge: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "text/plain",
				Text:     text,
			},
		}, nil
	}
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
