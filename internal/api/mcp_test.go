package api

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/arnberg/confide/internal/pipeline"
	"github.com/arnberg/confide/internal/storage"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	holder := &pipeline.Holder{}
	holder.Swap(testPipeline(t))

	return MCPDeps{Store: store, Models: holder}, store
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

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

// --- tests ---

func TestMCPTool_Ask(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	handler := mcpAsk(deps)

	req := makeCallToolRequest("ask", map[string]interface{}{
		"text": "my husband left me",
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var resp map[string]any
	if err := json.Unmarshal([]byte(toolText(t, result)), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp["intent"] != "partner_left" {
		t.Errorf("intent = %v, want %q", resp["intent"], "partner_left")
	}
	if resp["response"] == "" {
		t.Error("expected a non-empty response")
	}

	// The ask is logged like any other.
	interactions, err := store.GetRecentInteractions(10)
	if err != nil {
		t.Fatalf("listing interactions: %v", err)
	}
	if len(interactions) != 1 {
		t.Fatalf("expected 1 interaction, got %d", len(interactions))
	}
	if interactions[0].Query != "my husband left me" {
		t.Errorf("Query = %q", interactions[0].Query)
	}
}

func TestMCPTool_Ask_MissingText(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpAsk(deps)

	req := makeCallToolRequest("ask", map[string]interface{}{})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error when text is missing")
	}
}

func TestMCPTool_Ask_NoModel(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	deps.Models = &pipeline.Holder{}
	handler := mcpAsk(deps)

	req := makeCallToolRequest("ask", map[string]interface{}{
		"text": "hello",
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error when no model is loaded")
	}
}

func TestMCPTool_ListIntents(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpListIntents(deps)

	req := makeCallToolRequest("list_intents", map[string]interface{}{})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var summaries []IntentSummary
	if err := json.Unmarshal([]byte(toolText(t, result)), &summaries); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 intents, got %d", len(summaries))
	}
	if summaries[0].Intent != "partner_left" {
		t.Errorf("summaries[0].Intent = %q, want %q", summaries[0].Intent, "partner_left")
	}
}

func TestMCPResource_Model(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpResourceModel(deps)

	req := makeReadResourceRequest("confide://model")
	contents, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(contents))
	}

	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}

	var meta map[string]any
	if err := json.Unmarshal([]byte(tc.Text), &meta); err != nil {
		t.Fatalf("failed to parse model metadata: %v", err)
	}
	if want := deps.Models.Current().Artifact().Meta.ID; meta["id"] != want {
		t.Errorf("id = %v, want %q", meta["id"], want)
	}
	if meta["intents"] != float64(2) {
		t.Errorf("intents = %v, want 2", meta["intents"])
	}
}

func TestMCPResource_Model_NoModel(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	deps.Models = &pipeline.Holder{}
	handler := mcpResourceModel(deps)

	req := makeReadResourceRequest("confide://model")
	if _, err := handler(context.Background(), req); err == nil {
		t.Fatal("expected error when no model is loaded")
	}
}

func TestMCPResource_Recent(t *testing.T) {
	deps, store := newTestMCPDeps(t)

	err := store.SaveInteraction(storage.Interaction{
		ID:        "int-1",
		CreatedAt: time.Now().UTC(),
		Query:     "my wife walked out on me",
		Intent:    "partner_left",
		Action:    "emit",
		Response:  "r",
	})
	if err != nil {
		t.Fatalf("saving interaction: %v", err)
	}

	handler := mcpResourceRecent(deps)
	req := makeReadResourceRequest("confide://recent")

	contents, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}

	var summaries []map[string]any
	if err := json.Unmarshal([]byte(tc.Text), &summaries); err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("expected 1 interaction, got %d", len(summaries))
	}
	if summaries[0]["intent"] != "partner_left" {
		t.Errorf("intent = %v, want %q", summaries[0]["intent"], "partner_left")
	}
}

func TestMCPServer_ConcurrentCalls(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	askHandler := mcpAsk(deps)
	listHandler := mcpListIntents(deps)

	var wg sync.WaitGroup
	errs := make(chan error, 20)

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := makeCallToolRequest("ask", map[string]interface{}{
				"text": "i cant sleep at night",
			})
			_, err := askHandler(context.Background(), req)
			if err != nil {
				errs <- err
			}
		}()
	}

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := makeCallToolRequest("list_intents", map[string]interface{}{})
			_, err := listHandler(context.Background(), req)
			if err != nil {
				errs <- err
			}
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent call failed: %v", err)
	}
}
