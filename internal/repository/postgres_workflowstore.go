package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"empathy-ledger/backend/pkg/models"
)

const pgUniqueViolation = "23505"

const workflowColumns = `id, campaign_id, storyteller_id, stage, stage_entered_at, COALESCE(notes, ''),
	invited_at, published_at, created_at, updated_at`

// PostgresWorkflowStore is a PostgreSQL implementation of the WorkflowStore interface.
type PostgresWorkflowStore struct {
	db *pgxpool.Pool
}

// NewPostgresWorkflowStore creates a new PostgresWorkflowStore.
func NewPostgresWorkflowStore(db *pgxpool.Pool) *PostgresWorkflowStore {
	return &PostgresWorkflowStore{db: db}
}

// Ping checks connectivity to the database.
func (s *PostgresWorkflowStore) Ping(ctx context.Context) error {
	return mapPgError(s.db.Ping(ctx))
}

// CreateWorkflow inserts a new workflow record.
func (s *PostgresWorkflowStore) CreateWorkflow(ctx context.Context, record *models.WorkflowRecord) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO campaign_workflows
			(id, campaign_id, storyteller_id, stage, stage_entered_at, notes, invited_at, published_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10)`,
		record.ID, record.CampaignID, record.StorytellerID, string(record.Stage), record.StageEnteredAt,
		record.Notes, record.InvitedAt, record.PublishedAt, record.CreatedAt, record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert workflow %s: %w", record.ID, mapPgError(err))
	}
	return nil
}

// GetWorkflow retrieves a workflow record by its ID.
func (s *PostgresWorkflowStore) GetWorkflow(ctx context.Context, id string) (*models.WorkflowRecord, error) {
	row := s.db.QueryRow(ctx, "SELECT "+workflowColumns+" FROM campaign_workflows WHERE id = $1", id)
	record, err := scanWorkflow(row)
	if err != nil {
		return nil, fmt.Errorf("get workflow %s: %w", id, mapPgError(err))
	}
	return record, nil
}

// ListPending returns non-terminal records in queue priority order.
func (s *PostgresWorkflowStore) ListPending(ctx context.Context, query PendingQuery) ([]*models.WorkflowRecord, error) {
	sql := "SELECT " + workflowColumns + " FROM campaign_workflows WHERE stage IN (" + pendingStageList + ")"
	args := []any{}
	if query.CampaignID != "" {
		args = append(args, query.CampaignID)
		sql += fmt.Sprintf(" AND campaign_id = $%d", len(args))
	}
	sql += " " + queueOrderClause
	if query.Limit > 0 {
		args = append(args, query.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return s.queryWorkflows(ctx, "list pending workflows", sql, args...)
}

// ListByCampaign returns every record of a campaign.
func (s *PostgresWorkflowStore) ListByCampaign(ctx context.Context, campaignID string) ([]*models.WorkflowRecord, error) {
	return s.queryWorkflows(ctx, "list campaign workflows",
		"SELECT "+workflowColumns+" FROM campaign_workflows WHERE campaign_id = $1 ORDER BY created_at, id",
		campaignID,
	)
}

// UpdateStage persists the stage fields and appends a history row in one transaction.
func (s *PostgresWorkflowStore) UpdateStage(ctx context.Context, record *models.WorkflowRecord, transition *models.StageTransition) error {
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE campaign_workflows
			SET stage = $1, stage_entered_at = $2, notes = NULLIF($3, ''), published_at = $4, updated_at = $5
			WHERE id = $6`,
			string(record.Stage), record.StageEnteredAt, record.Notes, record.PublishedAt, record.UpdatedAt, record.ID,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO campaign_workflow_transitions
				(id, workflow_id, from_stage, to_stage, notes, changed_by, created_at)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7)`,
			transition.ID, transition.WorkflowID, string(transition.FromStage), string(transition.ToStage),
			transition.Notes, transition.ChangedBy, transition.CreatedAt,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("update workflow stage %s: %w", record.ID, mapPgError(err))
	}
	return nil
}

// ListTransitions returns the stage history of a record, oldest first.
func (s *PostgresWorkflowStore) ListTransitions(ctx context.Context, workflowID string) ([]*models.StageTransition, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, workflow_id, from_stage, to_stage, COALESCE(notes, ''), COALESCE(changed_by, ''), created_at
		FROM campaign_workflow_transitions WHERE workflow_id = $1 ORDER BY created_at, id`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("list transitions %s: %w", workflowID, mapPgError(err))
	}
	defer rows.Close()

	var transitions []*models.StageTransition
	for rows.Next() {
		var t models.StageTransition
		var from, to string
		if err := rows.Scan(&t.ID, &t.WorkflowID, &from, &to, &t.Notes, &t.ChangedBy, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		t.FromStage, t.ToStage = models.Stage(from), models.Stage(to)
		transitions = append(transitions, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list transitions %s: %w", workflowID, mapPgError(err))
	}
	return transitions, nil
}

// CreateCampaign inserts a campaign.
func (s *PostgresWorkflowStore) CreateCampaign(ctx context.Context, campaign *models.Campaign) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO campaigns (id, name, status, start_date, target_end_date, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		campaign.ID, campaign.Name, campaign.Status, campaign.StartDate, campaign.TargetEndDate, campaign.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert campaign %s: %w", campaign.ID, mapPgError(err))
	}
	return nil
}

// GetCampaign retrieves a campaign by its ID.
func (s *PostgresWorkflowStore) GetCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	var c models.Campaign
	err := s.db.QueryRow(ctx,
		"SELECT id, name, status, start_date, target_end_date, created_at FROM campaigns WHERE id = $1", id,
	).Scan(&c.ID, &c.Name, &c.Status, &c.StartDate, &c.TargetEndDate, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get campaign %s: %w", id, mapPgError(err))
	}
	return &c, nil
}

func (s *PostgresWorkflowStore) queryWorkflows(ctx context.Context, op, sql string, args ...any) ([]*models.WorkflowRecord, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, mapPgError(err))
	}
	defer rows.Close()

	records := []*models.WorkflowRecord{}
	for rows.Next() {
		record, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, mapPgError(err))
	}
	return records, nil
}

func scanWorkflow(row pgx.Row) (*models.WorkflowRecord, error) {
	var r models.WorkflowRecord
	var stage string
	err := row.Scan(&r.ID, &r.CampaignID, &r.StorytellerID, &stage, &r.StageEnteredAt, &r.Notes,
		&r.InvitedAt, &r.PublishedAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Stage = models.Stage(stage)
	return &r, nil
}

// mapPgError translates driver errors into the package sentinels.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.Detail)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
