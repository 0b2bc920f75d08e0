package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/runeforge/internal/learn"
	"github.com/kalambet/runeforge/internal/match"
	"github.com/kalambet/runeforge/internal/moderation"
	"github.com/kalambet/runeforge/internal/storage"
)

// mcpPendingLimit bounds the queue://pending resource.
const mcpPendingLimit = 50

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store      *storage.Store
	Matcher    *match.Matcher
	Moderation *moderation.Service
	Learner    *learn.Learner
}

// NewMCPServer creates an MCP server with all runeforge tools and resources registered.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"runeforge",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("runeforge: reusable task knowledge. Match a task before solving it, "+
			"submit what worked for review, and report outcomes so good answers rank higher."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("match_task",
			mcp.WithDescription("Find the best stored rune for a task, synthesizing a draft when nothing scores high enough."),
			mcp.WithString("task", mcp.Description("Task description"), mcp.Required()),
			mcp.WithString("context", mcp.Description("Optional JSON object of string hints, e.g. {\"os\":\"linux\"}")),
		),
		mcpMatchTask(deps),
	)

	s.AddTool(
		mcp.NewTool("submit_knowledge",
			mcp.WithDescription("Submit raw knowledge (a solution, runbook or snippet) to the moderation queue."),
			mcp.WithString("text", mcp.Description("The knowledge text"), mcp.Required()),
			mcp.WithString("task_id", mcp.Description("Optional identifier of the originating task")),
		),
		mcpSubmitKnowledge(deps),
	)

	s.AddTool(
		mcp.NewTool("record_feedback",
			mcp.WithDescription("Rate a rune from -1 (harmful) to 1 (perfect). Negative scores flag it for review."),
			mcp.WithString("rune_id", mcp.Description("Rune identifier"), mcp.Required()),
			mcp.WithNumber("score", mcp.Description("Score in [-1, 1]"), mcp.Required()),
		),
		mcpRecordFeedback(deps),
	)

	s.AddTool(
		mcp.NewTool("record_outcome",
			mcp.WithDescription("Report how a task went and the operations used, e.g. \"kubectl apply -> kubectl rollout status\"."),
			mcp.WithString("task_text", mcp.Description("Task description"), mcp.Required()),
			mcp.WithString("solution_path", mcp.Description("Operations separated by ->, ; or newlines")),
			mcp.WithBoolean("success", mcp.Description("Whether the task succeeded"), mcp.Required()),
			mcp.WithString("task_id", mcp.Description("Optional task identifier")),
		),
		mcpRecordOutcome(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"orbs://list",
			"Orbs",
			mcp.WithResourceDescription("Every knowledge domain with its confidence"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceOrbs(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"queue://pending",
			"Pending Queue",
			mcp.WithResourceDescription("Oldest pending submissions awaiting training (text truncated)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourcePending(deps),
	)

	return s
}

func mcpMatchTask(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		task, err := req.RequireString("task")
		if err != nil {
			return mcpError("task is required"), nil
		}

		var hints map[string]string
		if raw := req.GetString("context", ""); raw != "" {
			if err := json.Unmarshal([]byte(raw), &hints); err != nil {
				return mcpError(fmt.Sprintf("invalid context JSON: %v", err)), nil
			}
		}

		res, err := deps.Matcher.Match(ctx, task, hints)
		if err != nil {
			return mcpError(fmt.Sprintf("match failed: %v", err)), nil
		}
		return mcpJSON(res)
	}
}

func mcpSubmitKnowledge(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}

		item, err := deps.Moderation.Enqueue(ctx, req.GetString("task_id", ""), text, "mcp")
		if err != nil {
			return mcpError(fmt.Sprintf("failed to submit: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Queued %s for review", item.ID)), nil
	}
}

func mcpRecordFeedback(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		runeID, err := req.RequireString("rune_id")
		if err != nil {
			return mcpError("rune_id is required"), nil
		}
		score, err := req.RequireFloat("score")
		if err != nil {
			return mcpError("score is required"), nil
		}

		r, err := deps.Learner.RecordFeedback(ctx, runeID, score)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to record feedback: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Rune %s feedback is now %.3f", r.ID, r.FeedbackScore)), nil
	}
}

func mcpRecordOutcome(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskText, err := req.RequireString("task_text")
		if err != nil {
			return mcpError("task_text is required"), nil
		}
		success, err := req.RequireBool("success")
		if err != nil {
			return mcpError("success is required"), nil
		}

		report, err := deps.Learner.RecordOutcome(ctx, learn.Outcome{
			TaskID:       req.GetString("task_id", ""),
			TaskText:     taskText,
			SolutionPath: req.GetString("solution_path", ""),
			Success:      success,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to record outcome: %v", err)), nil
		}
		return mcpJSON(report)
	}
}

func mcpResourceOrbs(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		orbs, err := deps.Store.ListOrbs(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list orbs: %w", err)
		}
		if orbs == nil {
			orbs = []storage.Orb{}
		}

		b, err := json.Marshal(orbs)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal orbs: %w", err)
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

func mcpResourcePending(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		items, err := deps.Moderation.List(ctx, storage.StatusPending, mcpPendingLimit, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to list pending items: %w", err)
		}

		type pendingSummary struct {
			ID        string `json:"id"`
			TaskID    string `json:"task_id,omitempty"`
			Source    string `json:"source"`
			CreatedAt string `json:"created_at"`
			Text      string `json:"text"`
		}

		summaries := make([]pendingSummary, len(items))
		for i, it := range items {
			text := it.RawText
			if utf8.RuneCountInString(text) > 200 {
				runes := []rune(text)
				text = string(runes[:200]) + "..."
			}
			summaries[i] = pendingSummary{
				ID:        it.ID,
				TaskID:    it.TaskID,
				Source:    it.Source,
				CreatedAt: it.CreatedAt.Format(time.RFC3339),
				Text:      text,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal pending items: %w", err)
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
