package api

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/frontdesk/internal/escalation"
	"github.com/kalambet/frontdesk/internal/storage"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *storage.Store, *mockResolver) {
	t.Helper()
	store := openTestStore(t)
	resolver := &mockResolver{}
	return MCPDeps{
		Records:   store,
		Knowledge: store,
		Resolver:  resolver,
		Now:       func() time.Time { return time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC) },
	}, store, resolver
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// --- tests ---

func TestMCPTool_WaitForAnswer(t *testing.T) {
	deps, _, resolver := newTestMCPDeps(t)
	resolver.resolveFn = func(_ context.Context, q, phone string) escalation.Outcome {
		if q != "Do you do eyebrow threading?" || phone != "+919876543210" {
			t.Errorf("Resolve(%q, %q)", q, phone)
		}
		return escalation.Outcome{State: escalation.StateAnswered, Answer: "Yes, ₹150", Message: "Great news! Yes, ₹150"}
	}

	result, err := mcpWaitForAnswer(deps)(context.Background(), makeCallToolRequest("wait_for_answer", map[string]interface{}{
		"question":     "Do you do eyebrow threading?",
		"caller_phone": "+919876543210",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}
	if got := toolText(t, result); got != "Great news! Yes, ₹150" {
		t.Errorf("text = %q", got)
	}
}

func TestMCPTool_WaitForAnswer_MissingQuestion(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)

	result, err := mcpWaitForAnswer(deps)(context.Background(), makeCallToolRequest("wait_for_answer", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error for missing question")
	}
}

func TestMCPTool_CurrentTime(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)

	result, err := mcpCurrentTime(deps)(context.Background(), makeCallToolRequest("get_current_time", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := toolText(t, result); got != "2026-03-02 14:30:00" {
		t.Errorf("time = %q", got)
	}
}

func TestMCPResource_Knowledge(t *testing.T) {
	deps, store, _ := newTestMCPDeps(t)
	ctx := context.Background()
	store.AppendKnowledge(ctx, "Do you have parking?", "Yes")
	store.Insert(ctx, "Do you take cards?", "+1")
	store.SetAnswer(ctx, "Do you take cards?", "All major cards")

	contents, err := mcpResourceKnowledge(deps)(ctx, mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: "knowledge://learned"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text := contents[0].(mcp.TextResourceContents).Text
	if !strings.Contains(text, "LEARNED KNOWLEDGE FROM PAST INTERACTIONS") || !strings.Contains(text, "A: All major cards") {
		t.Errorf("resource text:\n%s", text)
	}
}

func TestNewMCPServer_Builds(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)
	if NewMCPServer(deps) == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}
