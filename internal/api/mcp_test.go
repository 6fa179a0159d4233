package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/noted/internal/queue"
	"github.com/kalambet/noted/internal/retrieval"
	"github.com/kalambet/noted/internal/storage"
)

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

func TestMCPServer_Registers(t *testing.T) {
	_, deps := setupHandler(t, "")
	if s := NewMCPServer(deps, "test"); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}

func TestMCPTool_CaptureNote(t *testing.T) {
	_, deps := setupHandler(t, "")
	handler := mcpCaptureNote(deps)

	result, err := handler(context.Background(), makeCallToolRequest("capture_note", map[string]interface{}{
		"content": "Ideas for the offsite",
		"type":    "idea",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	notes, err := deps.Store.ListNotes()
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 1 || notes[0].Source != storage.SourceMCP || notes[0].Type != storage.TypeIdea {
		t.Fatalf("notes = %+v", notes)
	}
	if !strings.Contains(toolText(t, result), notes[0].ID) {
		t.Errorf("response %q does not name the note", toolText(t, result))
	}
}

func TestMCPTool_CaptureNote_Errors(t *testing.T) {
	_, deps := setupHandler(t, "")
	handler := mcpCaptureNote(deps)

	for _, args := range []map[string]interface{}{
		{},
		{"content": "   "},
		{"content": "x", "type": "memo"},
	} {
		result, err := handler(context.Background(), makeCallToolRequest("capture_note", args))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !result.IsError {
			t.Errorf("args %v: expected error result", args)
		}
	}
}

func TestMCPTool_SearchNotes(t *testing.T) {
	_, deps := setupHandler(t, "")
	for _, c := range []string{"grocery run", "grocery budget", "dentist"} {
		if _, err := deps.Store.CreateNote(storage.Note{Content: c}); err != nil {
			t.Fatal(err)
		}
	}

	result, err := mcpSearchNotes(deps)(context.Background(), makeCallToolRequest("search_notes", map[string]interface{}{
		"query": "grocery",
		"limit": 1,
	}))
	if err != nil || result.IsError {
		t.Fatalf("search failed: %v %v", err, result)
	}
	var resp retrieval.Response
	if err := json.Unmarshal([]byte(toolText(t, result)), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp.Results) != 1 {
		t.Errorf("got %d results, want 1", len(resp.Results))
	}

	result, _ = mcpSearchNotes(deps)(context.Background(), makeCallToolRequest("search_notes", nil))
	if !result.IsError {
		t.Error("expected error without query")
	}
}

func TestMCPTool_RelatedNotes(t *testing.T) {
	_, deps := setupHandler(t, "")
	deps.Embeddings = &mockEmbeddings{ready: true}
	a, _ := deps.Store.CreateNote(storage.Note{Content: "a"})
	b, _ := deps.Store.CreateNote(storage.Note{Content: "b"})
	deps.Store.ApplyEnrichment(a.ID, storage.Enrichment{Type: storage.TypeNote, Embedding: []float32{1, 0}})
	deps.Store.ApplyEnrichment(b.ID, storage.Enrichment{Type: storage.TypeNote, Embedding: []float32{1, 1}})

	result, err := mcpRelatedNotes(deps)(context.Background(), makeCallToolRequest("related_notes", map[string]interface{}{"id": a.ID}))
	if err != nil || result.IsError {
		t.Fatalf("related failed: %v %v", err, result)
	}
	var results []retrieval.Result
	if err := json.Unmarshal([]byte(toolText(t, result)), &results); err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].ID != b.ID {
		t.Errorf("results = %+v", results)
	}

	result, _ = mcpRelatedNotes(deps)(context.Background(), makeCallToolRequest("related_notes", map[string]interface{}{"id": "missing"}))
	if !result.IsError {
		t.Error("expected error for unknown note")
	}
}

func TestMCPTool_QueueStatusAndCancel(t *testing.T) {
	_, deps := setupHandler(t, "")
	mcpCaptureNote(deps)(context.Background(), makeCallToolRequest("capture_note", map[string]interface{}{"content": "x"}))

	result, _ := mcpQueueStatus(deps)(context.Background(), makeCallToolRequest("queue_status", nil))
	var st queue.Status
	if err := json.Unmarshal([]byte(toolText(t, result)), &st); err != nil {
		t.Fatal(err)
	}
	if st.PendingQueueLength != 1 {
		t.Errorf("status = %+v", st)
	}

	result, _ = mcpCancelProcessing(deps)(context.Background(), makeCallToolRequest("cancel_processing", nil))
	if result.IsError {
		t.Fatal(toolText(t, result))
	}
	if st := deps.Queue.Status(); st.PendingQueueLength != 0 {
		t.Errorf("after cancel = %+v", st)
	}
}

func TestMCPResource_Recent(t *testing.T) {
	_, deps := setupHandler(t, "")
	for i := 0; i < 12; i++ {
		deps.Store.CreateNote(storage.Note{Content: "n"})
	}

	contents, err := mcpResourceRecent(deps)(context.Background(), mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: "notes://recent"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	var notes []json.RawMessage
	if err := json.Unmarshal([]byte(tc.Text), &notes); err != nil {
		t.Fatal(err)
	}
	if len(notes) != recentNotesLimit {
		t.Errorf("got %d notes, want %d", len(notes), recentNotesLimit)
	}
}
