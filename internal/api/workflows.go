// Package api contains the HTTP handlers for the campaign workflow service
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/oapi-codegen/runtime"

	"empathy-ledger/backend/internal/auth"
	"empathy-ledger/backend/internal/logging"
	"empathy-ledger/backend/internal/repository"
	"empathy-ledger/backend/internal/services"
	"empathy-ledger/backend/pkg/models"
)

const healthTimeout = 2 * time.Second

// Server holds the dependencies for the API server.
type Server struct {
	Workflows *services.WorkflowService
	Analytics *services.AnalyticsService
	Store     repository.WorkflowStore
	logger    *logging.Logger
}

// NewServer creates a new Server.
func NewServer(workflows *services.WorkflowService, analytics *services.AnalyticsService, store repository.WorkflowStore, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Server{
		Workflows: workflows,
		Analytics: analytics,
		Store:     store,
		logger:    logger.Component("api"),
	}
}

// RegisterRoutes mounts the workflow and analytics routes on g.
func (s *Server) RegisterRoutes(g *echo.Group) {
	g.GET("/workflow", s.ListPendingWorkflows)
	g.POST("/workflow", s.InviteStoryteller)
	g.POST("/workflow/batch", s.BulkAdvanceWorkflows)
	g.GET("/workflow/:id", s.GetWorkflow)
	g.PATCH("/workflow/:id", s.AdvanceWorkflow)
	g.GET("/workflow/:id/transitions", s.ListTransitions)
	g.GET("/campaigns/:id/analytics", s.GetCampaignAnalytics)
}

// ListPendingWorkflowsParams are the query parameters of ListPendingWorkflows.
type ListPendingWorkflowsParams struct {
	CampaignID *string
	Limit      *int
}

// QueueMeta describes the pending queue snapshot.
type QueueMeta struct {
	Count int `json:"count"`
	Limit int `json:"limit"`
}

// ListPendingWorkflows returns the prioritized queue of non-terminal records
// (GET /api/v1/workflow)
func (s *Server) ListPendingWorkflows(c echo.Context) error {
	var params ListPendingWorkflowsParams
	query := c.QueryParams()
	if err := runtime.BindQueryParameter("form", true, false, "campaign_id", query, &params.CampaignID); err != nil {
		return invalid("invalid campaign_id: %v", err)
	}
	if err := runtime.BindQueryParameter("form", true, false, "limit", query, &params.Limit); err != nil {
		return invalid("limit must be an integer")
	}

	req := services.QueueRequest{}
	if params.CampaignID != nil {
		req.CampaignID = *params.CampaignID
	}
	if params.Limit != nil {
		req.Limit = *params.Limit
	}

	records, err := s.Workflows.PendingQueue(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, records, QueueMeta{
		Count: len(records),
		Limit: s.Workflows.QueueLimit(req.Limit),
	})
}

// InviteRequest is the body of InviteStoryteller.
type InviteRequest struct {
	CampaignID    string `json:"campaign_id"`
	StorytellerID string `json:"storyteller_id"`
	Notes         string `json:"notes"`
}

// InviteStoryteller creates a workflow record in the invited stage
// (POST /api/v1/workflow)
func (s *Server) InviteStoryteller(c echo.Context) error {
	var body InviteRequest
	if err := c.Bind(&body); err != nil {
		return bindError(err)
	}

	record, err := s.Workflows.Invite(c.Request().Context(), services.InviteRequest{
		CampaignID:    body.CampaignID,
		StorytellerID: body.StorytellerID,
		Notes:         body.Notes,
	})
	if err != nil {
		return err
	}
	return respond(c, http.StatusCreated, record, nil)
}

// GetWorkflow returns one workflow record
// (GET /api/v1/workflow/{id})
func (s *Server) GetWorkflow(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	record, err := s.Workflows.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, record, nil)
}

// AdvanceRequest is the body of AdvanceWorkflow.
type AdvanceRequest struct {
	Stage models.Stage `json:"stage"`
	Notes string       `json:"notes"`
}

// AdvanceWorkflow moves one record to a new stage
// (PATCH /api/v1/workflow/{id})
func (s *Server) AdvanceWorkflow(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var body AdvanceRequest
	if err := c.Bind(&body); err != nil {
		return bindError(err)
	}

	ctx := c.Request().Context()
	record, err := s.Workflows.Advance(ctx, services.AdvanceRequest{
		WorkflowID: id,
		Stage:      body.Stage,
		Notes:      body.Notes,
		ChangedBy:  actor(ctx),
	})
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, record, nil)
}

// ListTransitions returns the stage history of a record
// (GET /api/v1/workflow/{id}/transitions)
func (s *Server) ListTransitions(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	history, err := s.Workflows.Transitions(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, history, QueueMeta{Count: len(history)})
}

// BulkAdvanceRequest is the body of BulkAdvanceWorkflows.
type BulkAdvanceRequest struct {
	WorkflowIDs []string     `json:"workflow_ids"`
	Stage       models.Stage `json:"stage"`
	Notes       string       `json:"notes"`
}

// BatchMeta reports the per-record outcome of a batch advance.
type BatchMeta struct {
	UpdatedCount int                     `json:"updated_count"`
	FailedCount  int                     `json:"failed_count"`
	Failures     []services.BatchFailure `json:"failures"`
}

// BulkAdvanceWorkflows moves many records to one stage. Records that cannot
// be advanced are reported in meta.failures; the others stay advanced
// (POST /api/v1/workflow/batch)
func (s *Server) BulkAdvanceWorkflows(c echo.Context) error {
	var body BulkAdvanceRequest
	if err := c.Bind(&body); err != nil {
		return bindError(err)
	}

	ctx := c.Request().Context()
	result, err := s.Workflows.BulkAdvance(ctx, services.BulkAdvanceRequest{
		WorkflowIDs: body.WorkflowIDs,
		Stage:       body.Stage,
		Notes:       body.Notes,
		ChangedBy:   actor(ctx),
	})
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, result.Updated, BatchMeta{
		UpdatedCount: result.UpdatedCount,
		FailedCount:  len(result.Failures),
		Failures:     result.Failures,
	})
}

// GetCampaignAnalytics returns progress, statistics and timeline for a campaign
// (GET /api/v1/campaigns/{id}/analytics)
func (s *Server) GetCampaignAnalytics(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	analytics, err := s.Analytics.CampaignAnalytics(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, analytics, nil)
}

// Health reports liveness and whether the record store answers a ping
// (GET /healthz)
func (s *Server) Health(c echo.Context) error {
	status := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Service:   serviceName,
		Version:   serviceVersion,
		Store:     "ok",
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		s.logger.Warn("health check: store ping failed", "error", err)
		status.Status = "degraded"
		status.Store = "unreachable"
		return c.JSON(http.StatusServiceUnavailable, status)
	}
	return c.JSON(http.StatusOK, status)
}

func pathID(c echo.Context) (string, error) {
	var id string
	err := runtime.BindStyledParameterWithOptions("simple", "id", c.Param("id"), &id,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		return "", invalid("invalid id: %v", err)
	}
	return id, nil
}

func actor(ctx context.Context) string {
	if user, ok := auth.UserFromContext(ctx); ok {
		return user
	}
	return ""
}
