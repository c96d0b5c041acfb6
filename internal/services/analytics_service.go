package services

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"empathy-ledger/backend/internal/logging"
	"empathy-ledger/backend/internal/metrics"
	"empathy-ledger/backend/internal/repository"
	"empathy-ledger/backend/pkg/models"
)

const hoursPerDay = 24

// StoryProgress counts campaign records that have a story attached.
type StoryProgress struct {
	Recorded  int `json:"recorded"`
	Reviewed  int `json:"reviewed"`
	Published int `json:"published"`
	Total     int `json:"total"`
}

// Progress summarises where a campaign's storytellers are.
type Progress struct {
	StorytellerProgress  map[models.Stage]int `json:"storyteller_progress"`
	StoryProgress        StoryProgress        `json:"story_progress"`
	CompletionPercentage int                  `json:"completion_percentage"`
}

// Statistics summarises campaign conversion.
type Statistics struct {
	TotalWorkflows   int      `json:"total_workflows"`
	ConversionRate   float64  `json:"conversion_rate"`
	AvgDaysToPublish *float64 `json:"avg_days_to_publish"`
}

// Timeline places the campaign in its planned date range.
type Timeline struct {
	StartDate     *time.Time `json:"start_date,omitempty"`
	TargetEndDate *time.Time `json:"target_end_date,omitempty"`
	DaysElapsed   *int       `json:"days_elapsed,omitempty"`
	DaysRemaining *int       `json:"days_remaining,omitempty"`
}

// CampaignAnalytics is the combined analytics payload for one campaign.
type CampaignAnalytics struct {
	Progress    Progress   `json:"progress"`
	Statistics  Statistics `json:"statistics"`
	CampaignID  string     `json:"campaign_id"`
	GeneratedAt time.Time  `json:"generated_at"`
	Timeline    *Timeline  `json:"timeline,omitempty"`
}

// AnalyticsService derives campaign progress and conversion figures from
// workflow records. Nothing is cached; every call reads the store.
type AnalyticsService struct {
	store   repository.WorkflowStore
	logger  *logging.Logger
	timeout time.Duration
	now     func() time.Time
}

// NewAnalyticsService creates a new AnalyticsService.
func NewAnalyticsService(store repository.WorkflowStore, logger *logging.Logger, storeTimeout time.Duration) *AnalyticsService {
	if logger == nil {
		logger = logging.NewNop()
	}
	if storeTimeout <= 0 {
		storeTimeout = defaultStoreTimeout
	}
	return &AnalyticsService{
		store:   store,
		logger:  logger.Component("analytics"),
		timeout: storeTimeout,
		now:     time.Now,
	}
}

// Progress counts a campaign's records per stage.
func (s *AnalyticsService) Progress(ctx context.Context, campaignID string) (*Progress, error) {
	records, err := s.load(ctx, "progress", campaignID)
	if err != nil {
		return nil, err
	}
	progress := computeProgress(records)
	return &progress, nil
}

// Statistics computes conversion figures for a campaign.
func (s *AnalyticsService) Statistics(ctx context.Context, campaignID string) (*Statistics, error) {
	records, err := s.load(ctx, "statistics", campaignID)
	if err != nil {
		return nil, err
	}
	stats := computeStatistics(records)
	return &stats, nil
}

// CampaignAnalytics combines progress, statistics and the campaign timeline.
// An unknown campaign yields zeroed figures and no timeline.
func (s *AnalyticsService) CampaignAnalytics(ctx context.Context, campaignID string) (*CampaignAnalytics, error) {
	const op = "campaign_analytics"
	ctx, span := tracer.Start(ctx, "AnalyticsService.CampaignAnalytics",
		trace.WithAttributes(attribute.String("campaign.id", campaignID)))
	defer span.End()

	records, err := s.load(ctx, op, campaignID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(KindOf(err)))
		return nil, err
	}

	now := s.now().UTC()
	result := &CampaignAnalytics{
		Progress:    computeProgress(records),
		Statistics:  computeStatistics(records),
		CampaignID:  strings.TrimSpace(campaignID),
		GeneratedAt: now,
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	campaign, err := s.store.GetCampaign(storeCtx, result.CampaignID)
	switch {
	case err == nil:
		result.Timeline = computeTimeline(campaign, now)
	case errors.Is(err, repository.ErrNotFound):
		s.logger.Debug("campaign not found, omitting timeline", "campaign_id", result.CampaignID)
	default:
		err = classify(op, err)
		metrics.RecordOperationError(op, string(KindOf(err)))
		span.RecordError(err)
		return nil, err
	}
	return result, nil
}

func (s *AnalyticsService) load(ctx context.Context, op, campaignID string) ([]*models.WorkflowRecord, error) {
	campaignID = strings.TrimSpace(campaignID)
	if campaignID == "" {
		return nil, invalidInput(op, "campaign_id is required")
	}
	storeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	records, err := s.store.ListByCampaign(storeCtx, campaignID)
	if err != nil {
		err = classify(op, err)
		metrics.RecordOperationError(op, string(KindOf(err)))
		s.logger.Error("analytics load failed", "campaign_id", campaignID, "error", err)
		return nil, err
	}
	return records, nil
}

func computeProgress(records []*models.WorkflowRecord) Progress {
	counts := make(map[models.Stage]int, len(models.AllStages()))
	for _, stage := range models.AllStages() {
		counts[stage] = 0
	}
	var story StoryProgress
	for _, r := range records {
		counts[r.Stage]++
		if r.Stage.HasStory() {
			story.Total++
		}
	}
	story.Recorded = counts[models.StageRecorded]
	story.Reviewed = counts[models.StageReviewed]
	story.Published = counts[models.StagePublished]

	active := len(records) - counts[models.StageWithdrawn]
	return Progress{
		StorytellerProgress:  counts,
		StoryProgress:        story,
		CompletionPercentage: completionPercentage(counts[models.StagePublished], active),
	}
}

// completionPercentage is floor(published*100/active), bounded to [0, 100].
func completionPercentage(published, active int) int {
	if active <= 0 || published <= 0 {
		return 0
	}
	pct := published * 100 / active
	if pct > 100 {
		return 100
	}
	return pct
}

// computeStatistics derives conversion from the records currently in
// published and the publish delay from every record that ever reached it.
// A record withdrawn after publishing keeps its published_at and still
// counts toward avg_days_to_publish.
func computeStatistics(records []*models.WorkflowRecord) Statistics {
	stats := Statistics{TotalWorkflows: len(records)}
	if len(records) == 0 {
		return stats
	}

	var published, reached int
	var totalDays float64
	for _, r := range records {
		if r.Stage == models.StagePublished {
			published++
		}
		publishedAt, ok := publishedTime(r)
		if !ok {
			continue
		}
		reached++
		days := publishedAt.Sub(r.InvitedAt).Hours() / hoursPerDay
		totalDays += math.Max(days, 0)
	}

	stats.ConversionRate = float64(published) / float64(len(records))
	if reached > 0 {
		avg := totalDays / float64(reached)
		stats.AvgDaysToPublish = &avg
	}
	return stats
}

// publishedTime reports when r last entered published. Rows written
// without published_at fall back to stage_entered_at while still published.
func publishedTime(r *models.WorkflowRecord) (time.Time, bool) {
	switch {
	case r.PublishedAt != nil:
		return *r.PublishedAt, true
	case r.Stage == models.StagePublished:
		return r.StageEnteredAt, true
	default:
		return time.Time{}, false
	}
}

func computeTimeline(campaign *models.Campaign, now time.Time) *Timeline {
	if campaign == nil || (campaign.StartDate == nil && campaign.TargetEndDate == nil) {
		return nil
	}
	timeline := &Timeline{
		StartDate:     campaign.StartDate,
		TargetEndDate: campaign.TargetEndDate,
	}
	if campaign.StartDate != nil {
		elapsed := int(math.Floor(now.Sub(*campaign.StartDate).Hours() / hoursPerDay))
		if elapsed < 0 {
			elapsed = 0
		}
		timeline.DaysElapsed = &elapsed
	}
	if campaign.TargetEndDate != nil {
		remaining := int(math.Ceil(campaign.TargetEndDate.Sub(now).Hours() / hoursPerDay))
		if remaining < 0 {
			remaining = 0
		}
		timeline.DaysRemaining = &remaining
	}
	return timeline
}
