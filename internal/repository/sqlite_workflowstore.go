package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"empathy-ledger/backend/pkg/models"
)

// sqliteTimeLayout is fixed width so stored timestamps sort chronologically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

const sqliteWorkflowColumns = `id, campaign_id, storyteller_id, stage, stage_entered_at, COALESCE(notes, ''),
	invited_at, published_at, created_at, updated_at`

// SQLiteWorkflowStore is a SQLite implementation of the WorkflowStore
// interface used for local development and tests.
type SQLiteWorkflowStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) a SQLite database at path and applies the
// schema. The special path ":memory:" opens a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteWorkflowStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("open sqlite: empty db path")
	}

	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("open sqlite: create db dir: %w", err)
		}
		dsn = "file:" + path + "?mode=rwc"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Each in-memory connection is a separate database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}

	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply sqlite schema: %w", err)
		}
	}

	return &SQLiteWorkflowStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteWorkflowStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks connectivity to the database.
func (s *SQLiteWorkflowStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// CreateWorkflow inserts a new workflow record.
func (s *SQLiteWorkflowStore) CreateWorkflow(ctx context.Context, record *models.WorkflowRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO campaign_workflows
			(id, campaign_id, storyteller_id, stage, stage_entered_at, notes, invited_at, published_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?)`,
		record.ID, record.CampaignID, record.StorytellerID, string(record.Stage), formatTime(record.StageEnteredAt),
		record.Notes, formatTime(record.InvitedAt), formatTimePtr(record.PublishedAt),
		formatTime(record.CreatedAt), formatTime(record.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert workflow %s: %w", record.ID, mapSQLiteError(err))
	}
	return nil
}

// GetWorkflow retrieves a workflow record by its ID.
func (s *SQLiteWorkflowStore) GetWorkflow(ctx context.Context, id string) (*models.WorkflowRecord, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+sqliteWorkflowColumns+" FROM campaign_workflows WHERE id = ?", id)
	record, err := scanSQLiteWorkflow(row)
	if err != nil {
		return nil, fmt.Errorf("get workflow %s: %w", id, mapSQLiteError(err))
	}
	return record, nil
}

// ListPending returns non-terminal records in queue priority order.
func (s *SQLiteWorkflowStore) ListPending(ctx context.Context, query PendingQuery) ([]*models.WorkflowRecord, error) {
	stmt := "SELECT " + sqliteWorkflowColumns + " FROM campaign_workflows WHERE stage IN (" + pendingStageList + ")"
	args := []any{}
	if query.CampaignID != "" {
		stmt += " AND campaign_id = ?"
		args = append(args, query.CampaignID)
	}
	stmt += " " + queueOrderClause
	if query.Limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, query.Limit)
	}
	return s.queryWorkflows(ctx, "list pending workflows", stmt, args...)
}

// ListByCampaign returns every record of a campaign.
func (s *SQLiteWorkflowStore) ListByCampaign(ctx context.Context, campaignID string) ([]*models.WorkflowRecord, error) {
	return s.queryWorkflows(ctx, "list campaign workflows",
		"SELECT "+sqliteWorkflowColumns+" FROM campaign_workflows WHERE campaign_id = ? ORDER BY created_at, id",
		campaignID,
	)
}

// UpdateStage persists the stage fields and appends a history row in one transaction.
func (s *SQLiteWorkflowStore) UpdateStage(ctx context.Context, record *models.WorkflowRecord, transition *models.StageTransition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update workflow stage %s: begin: %w", record.ID, mapSQLiteError(err))
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE campaign_workflows
		SET stage = ?, stage_entered_at = ?, notes = NULLIF(?, ''), published_at = ?, updated_at = ?
		WHERE id = ?`,
		string(record.Stage), formatTime(record.StageEnteredAt), record.Notes,
		formatTimePtr(record.PublishedAt), formatTime(record.UpdatedAt), record.ID,
	)
	if err != nil {
		return fmt.Errorf("update workflow stage %s: %w", record.ID, mapSQLiteError(err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update workflow stage %s: %w", record.ID, err)
	}
	if affected == 0 {
		return fmt.Errorf("update workflow stage %s: %w", record.ID, ErrNotFound)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO campaign_workflow_transitions
			(id, workflow_id, from_stage, to_stage, notes, changed_by, created_at)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?)`,
		transition.ID, transition.WorkflowID, string(transition.FromStage), string(transition.ToStage),
		transition.Notes, transition.ChangedBy, formatTime(transition.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append transition %s: %w", record.ID, mapSQLiteError(err))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("update workflow stage %s: commit: %w", record.ID, mapSQLiteError(err))
	}
	return nil
}

// ListTransitions returns the stage history of a record, oldest first.
func (s *SQLiteWorkflowStore) ListTransitions(ctx context.Context, workflowID string) ([]*models.StageTransition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, from_stage, to_stage, COALESCE(notes, ''), COALESCE(changed_by, ''), created_at
		FROM campaign_workflow_transitions WHERE workflow_id = ? ORDER BY created_at, id`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("list transitions %s: %w", workflowID, mapSQLiteError(err))
	}
	defer rows.Close()

	var transitions []*models.StageTransition
	for rows.Next() {
		var t models.StageTransition
		var from, to, created string
		if err := rows.Scan(&t.ID, &t.WorkflowID, &from, &to, &t.Notes, &t.ChangedBy, &created); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		t.FromStage, t.ToStage = models.Stage(from), models.Stage(to)
		if t.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		transitions = append(transitions, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list transitions %s: %w", workflowID, mapSQLiteError(err))
	}
	return transitions, nil
}

// CreateCampaign inserts a campaign.
func (s *SQLiteWorkflowStore) CreateCampaign(ctx context.Context, campaign *models.Campaign) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO campaigns (id, name, status, start_date, target_end_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		campaign.ID, campaign.Name, campaign.Status, formatTimePtr(campaign.StartDate),
		formatTimePtr(campaign.TargetEndDate), formatTime(campaign.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert campaign %s: %w", campaign.ID, mapSQLiteError(err))
	}
	return nil
}

// GetCampaign retrieves a campaign by its ID.
func (s *SQLiteWorkflowStore) GetCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	var c models.Campaign
	var start, end sql.NullString
	var created string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, status, start_date, target_end_date, created_at FROM campaigns WHERE id = ?", id,
	).Scan(&c.ID, &c.Name, &c.Status, &start, &end, &created)
	if err != nil {
		return nil, fmt.Errorf("get campaign %s: %w", id, mapSQLiteError(err))
	}
	if c.StartDate, err = parseNullTime(start); err != nil {
		return nil, err
	}
	if c.TargetEndDate, err = parseNullTime(end); err != nil {
		return nil, err
	}
	if c.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLiteWorkflowStore) queryWorkflows(ctx context.Context, op, stmt string, args ...any) ([]*models.WorkflowRecord, error) {
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, mapSQLiteError(err))
	}
	defer rows.Close()

	records := []*models.WorkflowRecord{}
	for rows.Next() {
		record, err := scanSQLiteWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, mapSQLiteError(err))
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteWorkflow(row rowScanner) (*models.WorkflowRecord, error) {
	var (
		r                       models.WorkflowRecord
		stage, entered, invited string
		created, updated        string
		published               sql.NullString
	)
	err := row.Scan(&r.ID, &r.CampaignID, &r.StorytellerID, &stage, &entered, &r.Notes,
		&invited, &published, &created, &updated)
	if err != nil {
		return nil, err
	}
	r.Stage = models.Stage(stage)
	if r.StageEnteredAt, err = parseTime(entered); err != nil {
		return nil, err
	}
	if r.InvitedAt, err = parseTime(invited); err != nil {
		return nil, err
	}
	if r.PublishedAt, err = parseNullTime(published); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &r, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", value, err)
	}
	return t, nil
}

func parseNullTime(value sql.NullString) (*time.Time, error) {
	if !value.Valid || value.String == "" {
		return nil, nil
	}
	t, err := parseTime(value.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func mapSQLiteError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return fmt.Errorf("%w: %s", ErrConflict, msg)
	case strings.Contains(msg, "SQLITE_BUSY"), strings.Contains(msg, "database is locked"),
		errors.Is(err, sql.ErrConnDone):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
