package repository

import (
	"context"
	"errors"

	"empathy-ledger/backend/pkg/models"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when an insert violates a uniqueness constraint.
	ErrConflict = errors.New("record already exists")
	// ErrUnavailable is returned when the database cannot be reached.
	ErrUnavailable = errors.New("store unavailable")
)

// PendingQuery selects non-terminal workflow records.
type PendingQuery struct {
	CampaignID string // Empty means all campaigns
	Limit      int
}

// WorkflowStore persists campaign workflow records and their stage history.
type WorkflowStore interface {
	// Ping checks connectivity to the underlying database.
	Ping(ctx context.Context) error
	// CreateWorkflow inserts a new workflow record.
	CreateWorkflow(ctx context.Context, record *models.WorkflowRecord) error
	// GetWorkflow retrieves a workflow record by its ID.
	GetWorkflow(ctx context.Context, id string) (*models.WorkflowRecord, error)
	// ListPending returns non-terminal records in queue priority order.
	ListPending(ctx context.Context, query PendingQuery) ([]*models.WorkflowRecord, error)
	// ListByCampaign returns every record of a campaign, including terminal ones.
	ListByCampaign(ctx context.Context, campaignID string) ([]*models.WorkflowRecord, error)
	// UpdateStage persists the stage fields of record and appends transition
	// to its history as a single unit.
	UpdateStage(ctx context.Context, record *models.WorkflowRecord, transition *models.StageTransition) error
	// ListTransitions returns the stage history of a record, oldest first.
	ListTransitions(ctx context.Context, workflowID string) ([]*models.StageTransition, error)
	// CreateCampaign inserts a campaign.
	CreateCampaign(ctx context.Context, campaign *models.Campaign) error
	// GetCampaign retrieves a campaign by its ID.
	GetCampaign(ctx context.Context, id string) (*models.Campaign, error)
}
