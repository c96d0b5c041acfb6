package services

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"empathy-ledger/backend/internal/logging"
	"empathy-ledger/backend/internal/metrics"
	"empathy-ledger/backend/internal/repository"
	"empathy-ledger/backend/pkg/models"
)

var tracer = otel.Tracer("empathy-ledger/backend/services")

const (
	// DefaultQueueLimit is used when a queue request names no limit.
	DefaultQueueLimit = 50
	// MaxQueueLimit caps the size of a pending queue snapshot.
	MaxQueueLimit = 100

	defaultStoreTimeout     = 5 * time.Second
	defaultBatchConcurrency = 8
)

// WorkflowOptions tunes the workflow service. Zero values select defaults.
type WorkflowOptions struct {
	StoreTimeout      time.Duration
	BatchConcurrency  int
	DefaultQueueLimit int
}

// WorkflowService advances storytellers through campaign stages.
type WorkflowService struct {
	store  repository.WorkflowStore
	logger *logging.Logger
	opts   WorkflowOptions
	now    func() time.Time
	newID  func() string
}

// NewWorkflowService creates a new WorkflowService.
func NewWorkflowService(store repository.WorkflowStore, logger *logging.Logger, opts WorkflowOptions) *WorkflowService {
	if logger == nil {
		logger = logging.NewNop()
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultStoreTimeout
	}
	if opts.BatchConcurrency < 1 {
		opts.BatchConcurrency = defaultBatchConcurrency
	}
	if opts.DefaultQueueLimit < 1 || opts.DefaultQueueLimit > MaxQueueLimit {
		opts.DefaultQueueLimit = DefaultQueueLimit
	}
	return &WorkflowService{
		store:  store,
		logger: logger.Component("workflow"),
		opts:   opts,
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
}

// InviteRequest creates a workflow record for a storyteller.
type InviteRequest struct {
	CampaignID    string
	StorytellerID string
	Notes         string
}

// AdvanceRequest moves one workflow record to a target stage.
type AdvanceRequest struct {
	WorkflowID string
	Stage      models.Stage
	Notes      string
	ChangedBy  string
}

// BulkAdvanceRequest moves many workflow records to the same stage.
type BulkAdvanceRequest struct {
	WorkflowIDs []string
	Stage       models.Stage
	Notes       string
	ChangedBy   string
}

// QueueRequest selects the pending queue.
type QueueRequest struct {
	CampaignID string
	Limit      int // 0 selects the default
}

// BatchFailure describes one record a batch advance could not update.
type BatchFailure struct {
	WorkflowID string    `json:"workflow_id"`
	Code       ErrorKind `json:"code"`
	Error      string    `json:"error"`
}

// BatchResult reports the per-record outcome of a batch advance.
type BatchResult struct {
	Updated      []*models.WorkflowRecord `json:"updated"`
	Failures     []BatchFailure           `json:"failures"`
	UpdatedCount int                      `json:"updated_count"`
}

// QueueLimit resolves the effective pending queue limit for a request.
func (s *WorkflowService) QueueLimit(requested int) int {
	if requested == 0 {
		return s.opts.DefaultQueueLimit
	}
	return ClampQueueLimit(requested)
}

// ClampQueueLimit bounds limit to [1, MaxQueueLimit].
func ClampQueueLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	if limit > MaxQueueLimit {
		return MaxQueueLimit
	}
	return limit
}

// Invite creates a workflow record in the invited stage.
func (s *WorkflowService) Invite(ctx context.Context, req InviteRequest) (*models.WorkflowRecord, error) {
	const op = "invite"
	ctx, span := tracer.Start(ctx, "WorkflowService.Invite",
		trace.WithAttributes(attribute.String("campaign.id", req.CampaignID)))
	defer span.End()

	campaignID := strings.TrimSpace(req.CampaignID)
	storytellerID := strings.TrimSpace(req.StorytellerID)
	if campaignID == "" {
		return nil, s.fail(span, op, invalidInput(op, "campaign_id is required"))
	}
	if storytellerID == "" {
		return nil, s.fail(span, op, invalidInput(op, "storyteller_id is required"))
	}

	now := s.now().UTC()
	record := &models.WorkflowRecord{
		ID:             s.newID(),
		CampaignID:     campaignID,
		StorytellerID:  storytellerID,
		Stage:          models.StageInvited,
		StageEnteredAt: now,
		Notes:          req.Notes,
		InvitedAt:      now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	if err := s.store.CreateWorkflow(storeCtx, record); err != nil {
		return nil, s.fail(span, op, classify(op, err))
	}

	s.logger.Info("storyteller invited", "workflow_id", record.ID, "campaign_id", campaignID, "storyteller_id", storytellerID)
	return record, nil
}

// Get returns a workflow record by ID.
func (s *WorkflowService) Get(ctx context.Context, id string) (*models.WorkflowRecord, error) {
	const op = "get"
	ctx, span := tracer.Start(ctx, "WorkflowService.Get", trace.WithAttributes(attribute.String("workflow.id", id)))
	defer span.End()

	if strings.TrimSpace(id) == "" {
		return nil, s.fail(span, op, invalidInput(op, "workflow_id is required"))
	}
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	record, err := s.store.GetWorkflow(storeCtx, id)
	if err != nil {
		return nil, s.fail(span, op, classify(op, err))
	}
	return record, nil
}

// Transitions returns the stage history of a workflow record, oldest first.
func (s *WorkflowService) Transitions(ctx context.Context, id string) ([]*models.StageTransition, error) {
	const op = "transitions"
	ctx, span := tracer.Start(ctx, "WorkflowService.Transitions", trace.WithAttributes(attribute.String("workflow.id", id)))
	defer span.End()

	if strings.TrimSpace(id) == "" {
		return nil, s.fail(span, op, invalidInput(op, "workflow_id is required"))
	}
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	if _, err := s.store.GetWorkflow(storeCtx, id); err != nil {
		return nil, s.fail(span, op, classify(op, err))
	}
	history, err := s.store.ListTransitions(storeCtx, id)
	if err != nil {
		return nil, s.fail(span, op, classify(op, err))
	}
	if history == nil {
		history = []*models.StageTransition{}
	}
	return history, nil
}

// Advance moves a workflow record to req.Stage. Any stage may be targeted
// from any stage; repeating the current stage refreshes stage_entered_at.
func (s *WorkflowService) Advance(ctx context.Context, req AdvanceRequest) (*models.WorkflowRecord, error) {
	const op = "advance"
	ctx, span := tracer.Start(ctx, "WorkflowService.Advance", trace.WithAttributes(
		attribute.String("workflow.id", req.WorkflowID),
		attribute.String("workflow.stage", string(req.Stage)),
	))
	defer span.End()

	if !req.Stage.Valid() {
		return nil, s.fail(span, op, invalidStage(op, req.Stage))
	}
	record, err := s.advance(ctx, req.WorkflowID, req.Stage, req.Notes, req.ChangedBy)
	if err != nil {
		return nil, s.fail(span, op, err)
	}
	return record, nil
}

// BulkAdvance applies one transition to many records. Records are advanced
// independently: failures are reported per ID and never undo the records
// that were updated. Duplicate IDs are advanced once.
func (s *WorkflowService) BulkAdvance(ctx context.Context, req BulkAdvanceRequest) (*BatchResult, error) {
	const op = "bulk_advance"
	ctx, span := tracer.Start(ctx, "WorkflowService.BulkAdvance", trace.WithAttributes(
		attribute.Int("workflow.batch_size", len(req.WorkflowIDs)),
		attribute.String("workflow.stage", string(req.Stage)),
	))
	defer span.End()

	if len(req.WorkflowIDs) == 0 {
		return nil, s.fail(span, op, invalidInput(op, "workflow_ids must not be empty"))
	}
	if !req.Stage.Valid() {
		return nil, s.fail(span, op, invalidStage(op, req.Stage))
	}

	ids := dedupe(req.WorkflowIDs)
	type outcome struct {
		record *models.WorkflowRecord
		err    error
	}
	outcomes := make([]outcome, len(ids))

	var g errgroup.Group
	g.SetLimit(s.opts.BatchConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			record, err := s.advance(ctx, id, req.Stage, req.Notes, req.ChangedBy)
			outcomes[i] = outcome{record: record, err: err}
			return nil
		})
	}
	_ = g.Wait()

	result := &BatchResult{
		Updated:  make([]*models.WorkflowRecord, 0, len(ids)),
		Failures: []BatchFailure{},
	}
	for i, o := range outcomes {
		if o.err != nil {
			metrics.RecordBatchItem("failed")
			kind := KindOf(o.err)
			if kind == KindUnavailable || kind == KindInternal {
				s.logger.Error("batch advance item failed", "workflow_id", ids[i], "error", o.err)
			}
			result.Failures = append(result.Failures, BatchFailure{
				WorkflowID: ids[i],
				Code:       kind,
				Error:      ClientMessage(o.err),
			})
			continue
		}
		metrics.RecordBatchItem("updated")
		result.Updated = append(result.Updated, o.record)
	}
	result.UpdatedCount = len(result.Updated)

	span.SetAttributes(attribute.Int("workflow.updated_count", result.UpdatedCount))
	s.logger.Info("batch advance complete",
		"stage", req.Stage,
		"requested", len(ids),
		"updated", result.UpdatedCount,
		"failed", len(result.Failures),
	)
	return result, nil
}

// PendingQueue returns non-terminal records in priority order: furthest
// along the pipeline first, then the longest time in the current stage.
func (s *WorkflowService) PendingQueue(ctx context.Context, req QueueRequest) ([]*models.WorkflowRecord, error) {
	const op = "pending_queue"
	ctx, span := tracer.Start(ctx, "WorkflowService.PendingQueue", trace.WithAttributes(
		attribute.String("campaign.id", req.CampaignID),
	))
	defer span.End()

	limit := s.QueueLimit(req.Limit)
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	records, err := s.store.ListPending(storeCtx, repository.PendingQuery{
		CampaignID: strings.TrimSpace(req.CampaignID),
		Limit:      limit,
	})
	if err != nil {
		return nil, s.fail(span, op, classify(op, err))
	}
	if records == nil {
		records = []*models.WorkflowRecord{}
	}
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *WorkflowService) advance(ctx context.Context, id string, stage models.Stage, notes, changedBy string) (*models.WorkflowRecord, error) {
	const op = "advance"
	if strings.TrimSpace(id) == "" {
		return nil, invalidInput(op, "workflow_id is required")
	}

	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	record, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, classify(op, err)
	}

	from := record.Stage
	now := s.now().UTC()
	record.Stage = stage
	record.StageEnteredAt = now
	record.UpdatedAt = now
	if notes != "" {
		record.Notes = notes
	}
	if stage == models.StagePublished {
		record.PublishedAt = &now
	}

	transition := &models.StageTransition{
		ID:         s.newID(),
		WorkflowID: record.ID,
		FromStage:  from,
		ToStage:    stage,
		Notes:      notes,
		ChangedBy:  changedBy,
		CreatedAt:  now,
	}
	if err := s.store.UpdateStage(ctx, record, transition); err != nil {
		return nil, classify(op, err)
	}

	metrics.RecordTransition(ctx, string(from), string(stage))
	s.logger.Info("workflow stage advanced",
		"workflow_id", record.ID,
		"campaign_id", record.CampaignID,
		"from", from,
		"to", stage,
	)
	return record, nil
}

func (s *WorkflowService) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.StoreTimeout)
}

func (s *WorkflowService) fail(span trace.Span, op string, err error) error {
	kind := KindOf(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, string(kind))
	metrics.RecordOperationError(op, string(kind))
	if kind == KindUnavailable || kind == KindInternal {
		s.logger.Error("workflow operation failed", "op", op, "kind", kind, "error", err)
	}
	return err
}

func invalidStage(op string, stage models.Stage) error {
	if stage == "" {
		return invalidInput(op, "stage is required")
	}
	return invalidInput(op, "stage "+strconv.Quote(string(stage))+" is not one of "+stageVocabulary())
}

func stageVocabulary() string {
	stages := models.AllStages()
	names := make([]string, len(stages))
	for i, stage := range stages {
		names[i] = string(stage)
	}
	return strings.Join(names, ", ")
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
