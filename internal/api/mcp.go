package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/noted/internal/capture"
	"github.com/kalambet/noted/internal/retrieval"
	"github.com/kalambet/noted/internal/storage"
)

const recentNotesLimit = 10

// NewMCPServer creates an MCP server with the noted tools and resources registered.
func NewMCPServer(deps Deps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"noted",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("noted: capture personal notes and search them by meaning, time and text."),
		server.WithRecovery(),
	)

	noteTypes := make([]string, 0, len(storage.NoteTypes()))
	for _, t := range storage.NoteTypes() {
		noteTypes = append(noteTypes, string(t))
	}

	s.AddTool(
		mcp.NewTool("capture_note",
			mcp.WithDescription("Save a note. It is titled, typed, tagged and embedded in the background."),
			mcp.WithString("content", mcp.Description("The note text"), mcp.Required()),
			mcp.WithString("title", mcp.Description("Optional title; generated when omitted")),
			mcp.WithString("type", mcp.Description("Optional note type"), mcp.Enum(noteTypes...)),
		),
		mcpCaptureNote(deps),
	)

	s.AddTool(
		mcp.NewTool("search_notes",
			mcp.WithDescription("Search notes by meaning. Natural-language time phrases such as \"last week\" narrow the results."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpSearchNotes(deps),
	)

	s.AddTool(
		mcp.NewTool("related_notes",
			mcp.WithDescription("Find the notes most similar to a given note."),
			mcp.WithString("id", mcp.Description("Note ID"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpRelatedNotes(deps),
	)

	s.AddTool(
		mcp.NewTool("queue_status",
			mcp.WithDescription("Report background processing: the running note and how many are waiting."),
		),
		mcpQueueStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("cancel_processing",
			mcp.WithDescription("Cancel all waiting background processing and stop the running job at its next step."),
		),
		mcpCancelProcessing(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"notes://recent",
			"Recent Notes",
			mcp.WithResourceDescription("The 10 most recently updated notes"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpCaptureNote(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}

		n, err := deps.Capture.Text(ctx, capture.TextInput{
			Content: content,
			Title:   req.GetString("title", ""),
			Type:    storage.NoteType(req.GetString("type", "")),
			Source:  storage.SourceMCP,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to save note: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Saved note %s (%s)", n.ID, n.AIStatus)), nil
	}
}

func mcpSearchNotes(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		limit := clampLimit(req.GetInt("limit", 10), 10)

		resp, err := deps.Search.Query(ctx, query, deps.Embeddings, deps.LLM)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(resp.Results) > limit {
			resp.Results = resp.Results[:limit]
		}
		if resp.Results == nil {
			resp.Results = []retrieval.Result{}
		}
		return mcpJSON(resp)
	}
}

func mcpRelatedNotes(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		limit := clampLimit(req.GetInt("limit", deps.RelatedK), retrieval.DefaultRelatedK)

		results, err := deps.Search.FindRelated(ctx, id, deps.Embeddings, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("related notes failed: %v", err)), nil
		}
		return mcpJSON(results)
	}
}

func mcpQueueStatus(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcpJSON(deps.Queue.Status())
	}
}

func mcpCancelProcessing(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		deps.Queue.CancelAll()
		return mcpText("Cancelled queued processing"), nil
	}
}

func mcpResourceRecent(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		notes, err := deps.Store.ListNotes()
		if err != nil {
			return nil, fmt.Errorf("failed to list notes: %w", err)
		}

		type noteSummary struct {
			ID        string   `json:"id"`
			Title     string   `json:"title"`
			Type      string   `json:"type"`
			Tags      []string `json:"tags"`
			AIStatus  string   `json:"ai_status"`
			UpdatedAt string   `json:"updated_at"`
		}

		if len(notes) > recentNotesLimit {
			notes = notes[:recentNotesLimit]
		}
		summaries := make([]noteSummary, len(notes))
		for i, n := range notes {
			j := toNoteJSON(n)
			summaries[i] = noteSummary{
				ID:        j.ID,
				Title:     j.Title,
				Type:      j.Type,
				Tags:      j.Tags,
				AIStatus:  j.AIStatus,
				UpdatedAt: n.UpdatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal notes: %w", err)
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

func clampLimit(n, def int) int {
	if n <= 0 {
		return def
	}
	if n > 50 {
		return 50
	}
	return n
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
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
