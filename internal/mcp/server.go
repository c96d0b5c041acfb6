package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"empathy-ledger/backend/internal/auth"
	"empathy-ledger/backend/internal/services"
	"empathy-ledger/backend/pkg/models"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// mcpActor is recorded as changed_by when the caller carries no identity.
const mcpActor = "mcp"

type Server struct {
	mcpServer *server.MCPServer
	workflows *services.WorkflowService
	analytics *services.AnalyticsService
}

func NewServer(workflows *services.WorkflowService, analytics *services.AnalyticsService) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Empathy Ledger Workflow",
			"1.0.0",
			server.WithToolCapabilities(true),
			server.WithRecovery(),
		),
		workflows: workflows,
		analytics: analytics,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func stageNames() []string {
	stages := models.AllStages()
	names := make([]string, len(stages))
	for i, stage := range stages {
		names[i] = string(stage)
	}
	return names
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"pending_queue",
			mcp.WithDescription("List storytellers still in progress, furthest along and longest waiting first"),
			mcp.WithString("campaign_id", mcp.Description("Only return records of this campaign")),
			mcp.WithNumber("limit", mcp.Description("Maximum records to return (1-100, default 50)")),
		),
		s.handlePendingQueue,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"advance_workflow",
			mcp.WithDescription("Move one storyteller's workflow record to a stage"),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("The ID of the workflow record")),
			mcp.WithString("stage", mcp.Required(), mcp.Enum(stageNames()...), mcp.Description("The target stage")),
			mcp.WithString("notes", mcp.Description("Replaces the record's notes when given")),
		),
		s.handleAdvance,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"bulk_advance",
			mcp.WithDescription("Move many workflow records to one stage; failures are reported per record"),
			mcp.WithArray("workflow_ids", mcp.Required(), mcp.Items(map[string]any{"type": "string"}), mcp.Description("IDs of the workflow records")),
			mcp.WithString("stage", mcp.Required(), mcp.Enum(stageNames()...), mcp.Description("The target stage")),
			mcp.WithString("notes", mcp.Description("Replaces each record's notes when given")),
		),
		s.handleBulkAdvance,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"campaign_analytics",
			mcp.WithDescription("Progress and conversion figures for a campaign"),
			mcp.WithString("campaign_id", mcp.Required(), mcp.Description("The ID of the campaign")),
		),
		s.handleCampaignAnalytics,
	)
}

func (s *Server) handlePendingQueue(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	records, err := s.workflows.PendingQueue(ctx, services.QueueRequest{
		CampaignID: request.GetString("campaign_id", ""),
		Limit:      request.GetInt("limit", 0),
	})
	if err != nil {
		return toolError("Failed to list pending queue", err), nil
	}
	return jsonResult(records)
}

func (s *Server) handleAdvance(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("workflow_id")
	if err != nil || id == "" {
		return mcp.NewToolResultError("Missing required parameter: workflow_id"), nil
	}
	stage, err := request.RequireString("stage")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: stage"), nil
	}

	record, err := s.workflows.Advance(ctx, services.AdvanceRequest{
		WorkflowID: id,
		Stage:      models.Stage(stage),
		Notes:      request.GetString("notes", ""),
		ChangedBy:  actor(ctx),
	})
	if err != nil {
		return toolError("Failed to advance workflow", err), nil
	}
	return jsonResult(record)
}

func (s *Server) handleBulkAdvance(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ids, err := request.RequireStringSlice("workflow_ids")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: workflow_ids"), nil
	}
	stage, err := request.RequireString("stage")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: stage"), nil
	}

	result, err := s.workflows.BulkAdvance(ctx, services.BulkAdvanceRequest{
		WorkflowIDs: ids,
		Stage:       models.Stage(stage),
		Notes:       request.GetString("notes", ""),
		ChangedBy:   actor(ctx),
	})
	if err != nil {
		return toolError("Failed to advance workflows", err), nil
	}
	return jsonResult(result)
}

func (s *Server) handleCampaignAnalytics(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	campaignID, err := request.RequireString("campaign_id")
	if err != nil || campaignID == "" {
		return mcp.NewToolResultError("Missing required parameter: campaign_id"), nil
	}

	analytics, err := s.analytics.CampaignAnalytics(ctx, campaignID)
	if err != nil {
		return toolError("Failed to compute analytics", err), nil
	}
	return jsonResult(analytics)
}

// toolError hides detail of server-side failures from the client.
func toolError(prefix string, err error) *mcp.CallToolResult {
	switch kind := services.KindOf(err); kind {
	case services.KindInvalidInput, services.KindNotFound, services.KindConflict:
		return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
	default:
		return mcp.NewToolResultError(fmt.Sprintf("%s: %s", prefix, kind))
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func actor(ctx context.Context) string {
	if user, ok := auth.UserFromContext(ctx); ok {
		return user
	}
	return mcpActor
}

func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	// SSE transport under /mcp/sse and /mcp/message
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		// Direct POST for tool calls
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
