package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/arnberg/confide/internal/pipeline"
	"github.com/arnberg/confide/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store  *storage.Store
	Models *pipeline.Holder
}

// NewMCPServer creates an MCP server exposing the matcher to agent clients.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"confide",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("confide — local FAQ matcher for mental-health and relationship questions. Answers come from a curated corpus, never generated."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Match a free-form question against the local FAQ model and return the selected answer with confidences and extracted entities."),
			mcp.WithString("text", mcp.Description("The question to match"), mcp.Required()),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("list_intents",
			mcp.WithDescription("List the intents the loaded model can recognize, with example and response-variant counts."),
		),
		mcpListIntents(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"confide://model",
			"Model Info",
			mcp.WithResourceDescription("Metadata of the currently loaded model artifact as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceModel(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"confide://recent",
			"Recent Interactions",
			mcp.WithResourceDescription("Last 10 answered queries (summaries only)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}

		p := deps.Models.Current()
		if p == nil {
			return mcpError("no model loaded; train one first"), nil
		}

		start := time.Now()
		res := p.Handle(text)
		latency := time.Since(start).Milliseconds()

		modelID := p.Artifact().Meta.ID
		interaction := storage.Interaction{
			ID:                  uuid.New().String(),
			CreatedAt:           time.Now().UTC(),
			Query:               text,
			Intent:              res.Intent,
			IntentConfidence:    res.IntentConfidence,
			VariantID:           res.VariantID,
			SelectionConfidence: res.SelectionConfidence,
			Action:              res.Action.String(),
			Response:            res.Response,
			LatencyMS:           latency,
			ModelID:             modelID,
		}
		if err := deps.Store.SaveInteraction(interaction); err != nil {
			return mcpError(fmt.Sprintf("failed to record interaction: %v", err)), nil
		}

		b, err := json.Marshal(AskResponse{
			InteractionID: interaction.ID,
			ModelID:       modelID,
			Result:        res,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpListIntents(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		p := deps.Models.Current()
		if p == nil {
			return mcpError("no model loaded; train one first"), nil
		}
		a := p.Artifact()

		summaries := make([]IntentSummary, len(a.Groups))
		for i, g := range a.Groups {
			summaries[i] = IntentSummary{
				Intent:   g.Intent,
				Examples: a.Classifier.Counts[i],
				Variants: len(g.VariantIDs),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal intents: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpResourceModel(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		p := deps.Models.Current()
		if p == nil {
			return nil, fmt.Errorf("no model loaded")
		}

		b, err := json.Marshal(p.Artifact().Meta)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal model metadata: %w", err)
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

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		interactions, err := deps.Store.GetRecentInteractions(10)
		if err != nil {
			return nil, fmt.Errorf("failed to get recent interactions: %w", err)
		}

		type interactionSummary struct {
			ID        string `json:"id"`
			CreatedAt string `json:"created_at"`
			Query     string `json:"query"`
			Intent    string `json:"intent"`
			Action    string `json:"action"`
		}

		summaries := make([]interactionSummary, len(interactions))
		for i, ix := range interactions {
			query := ix.Query
			if utf8.RuneCountInString(query) > 200 {
				runes := []rune(query)
				query = string(runes[:200]) + "..."
			}
			summaries[i] = interactionSummary{
				ID:        ix.ID,
				CreatedAt: ix.CreatedAt.Format(time.RFC3339),
				Query:     query,
				Intent:    ix.Intent,
				Action:    ix.Action,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal interactions: %w", err)
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
