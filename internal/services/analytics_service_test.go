package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"empathy-ledger/backend/internal/repository"
	"empathy-ledger/backend/pkg/models"
)

func campaignRecords(stages ...models.Stage) []*models.WorkflowRecord {
	records := make([]*models.WorkflowRecord, len(stages))
	for i, stage := range stages {
		records[i] = storedRecord(fmt.Sprintf("wf-%d", i), stage)
	}
	return records
}

func TestCampaignAnalytics_EmptyCampaign(t *testing.T) {
	store := new(MockStore)
	store.On("ListByCampaign", mock.Anything, "camp-empty").Return([]*models.WorkflowRecord{}, nil)
	store.On("GetCampaign", mock.Anything, "camp-empty").Return(nil, repository.ErrNotFound)

	svc := NewAnalyticsService(store, nil, 0)
	got, err := svc.CampaignAnalytics(context.Background(), "camp-empty")

	require.NoError(t, err)
	assert.Equal(t, "camp-empty", got.CampaignID)
	assert.Equal(t, 0, got.Statistics.TotalWorkflows)
	assert.Equal(t, 0.0, got.Statistics.ConversionRate)
	assert.Nil(t, got.Statistics.AvgDaysToPublish)
	assert.Equal(t, 0, got.Progress.CompletionPercentage)
	assert.Nil(t, got.Timeline)
	assert.Len(t, got.Progress.StorytellerProgress, len(models.AllStages()))
	for _, stage := range models.AllStages() {
		assert.Equal(t, 0, got.Progress.StorytellerProgress[stage], "stage %s", stage)
	}
}

func TestCampaignAnalytics_ConversionRate(t *testing.T) {
	stages := []models.Stage{
		models.StagePublished, models.StagePublished, models.StagePublished,
		models.StageInvited, models.StageInvited, models.StageInterested,
		models.StageConsented, models.StageRecorded, models.StageReviewed,
		models.StageWithdrawn,
	}
	records := campaignRecords(stages...)
	for i, days := range []int{2, 4, 6} {
		publishedAt := invitedAt.Add(time.Duration(days) * 24 * time.Hour)
		records[i].PublishedAt = &publishedAt
	}

	store := new(MockStore)
	store.On("ListByCampaign", mock.Anything, "camp-1").Return(records, nil)
	store.On("GetCampaign", mock.Anything, "camp-1").Return(nil, repository.ErrNotFound)

	svc := NewAnalyticsService(store, nil, 0)
	got, err := svc.CampaignAnalytics(context.Background(), "camp-1")
	require.NoError(t, err)

	assert.Equal(t, 10, got.Statistics.TotalWorkflows)
	assert.InDelta(t, 0.3, got.Statistics.ConversionRate, 1e-9)
	require.NotNil(t, got.Statistics.AvgDaysToPublish)
	assert.InDelta(t, 4.0, *got.Statistics.AvgDaysToPublish, 1e-9)

	assert.Equal(t, 3, got.Progress.StorytellerProgress[models.StagePublished])
	assert.Equal(t, 2, got.Progress.StorytellerProgress[models.StageInvited])
	assert.Equal(t, 1, got.Progress.StorytellerProgress[models.StageWithdrawn])
	// 3 published of 9 active storytellers.
	assert.Equal(t, 33, got.Progress.CompletionPercentage)
	assert.Equal(t, StoryProgress{Recorded: 1, Reviewed: 1, Published: 3, Total: 5}, got.Progress.StoryProgress)

	total := 0
	for _, count := range got.Progress.StorytellerProgress {
		total += count
	}
	assert.Equal(t, got.Statistics.TotalWorkflows, total)
}

func TestCompletionPercentage_Bounds(t *testing.T) {
	assert.Equal(t, 0, completionPercentage(0, 0))
	assert.Equal(t, 0, completionPercentage(3, 0))
	assert.Equal(t, 100, completionPercentage(4, 4))
	assert.Equal(t, 100, completionPercentage(5, 4))
	assert.Equal(t, 66, completionPercentage(2, 3))
}

func TestCompletionPercentage_AllWithdrawn(t *testing.T) {
	progress := computeProgress(campaignRecords(models.StageWithdrawn, models.StageWithdrawn))
	assert.Equal(t, 0, progress.CompletionPercentage)
	assert.Equal(t, 2, progress.StorytellerProgress[models.StageWithdrawn])
}

func TestComputeStatistics_FallsBackToStageEnteredAt(t *testing.T) {
	record := storedRecord("wf-1", models.StagePublished)
	record.StageEnteredAt = invitedAt.Add(36 * time.Hour)

	stats := computeStatistics([]*models.WorkflowRecord{record})
	require.NotNil(t, stats.AvgDaysToPublish)
	assert.InDelta(t, 1.5, *stats.AvgDaysToPublish, 1e-9)
	assert.Equal(t, 1.0, stats.ConversionRate)
}

func TestCampaignAnalytics_Timeline(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)

	store := new(MockStore)
	store.On("ListByCampaign", mock.Anything, "camp-1").Return(campaignRecords(models.StageInvited), nil)
	store.On("GetCampaign", mock.Anything, "camp-1").Return(&models.Campaign{
		ID: "camp-1", Name: "Elders' Voices", Status: "active", StartDate: &start, TargetEndDate: &end,
	}, nil)

	svc := NewAnalyticsService(store, nil, 0)
	svc.now = func() time.Time { return time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC) }

	got, err := svc.CampaignAnalytics(context.Background(), "camp-1")
	require.NoError(t, err)
	require.NotNil(t, got.Timeline)
	require.NotNil(t, got.Timeline.DaysElapsed)
	require.NotNil(t, got.Timeline.DaysRemaining)
	assert.Equal(t, 10, *got.Timeline.DaysElapsed)
	assert.Equal(t, 20, *got.Timeline.DaysRemaining)
}

func TestComputeTimeline_PastEnd(t *testing.T) {
	end := time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)
	timeline := computeTimeline(&models.Campaign{TargetEndDate: &end}, end.Add(48*time.Hour))
	require.NotNil(t, timeline)
	assert.Nil(t, timeline.DaysElapsed)
	assert.Equal(t, 0, *timeline.DaysRemaining)

	assert.Nil(t, computeTimeline(&models.Campaign{ID: "undated"}, end))
}

func TestCampaignAnalytics_StoreErrors(t *testing.T) {
	store := new(MockStore)
	store.On("ListByCampaign", mock.Anything, "camp-down").Return(nil, repository.ErrUnavailable)
	store.On("ListByCampaign", mock.Anything, "camp-broken").Return([]*models.WorkflowRecord{}, nil)
	store.On("GetCampaign", mock.Anything, "camp-broken").Return(nil, errors.New("corrupt row"))

	svc := NewAnalyticsService(store, nil, 0)

	_, err := svc.CampaignAnalytics(context.Background(), "camp-down")
	assert.Equal(t, KindUnavailable, KindOf(err))

	_, err = svc.CampaignAnalytics(context.Background(), "camp-broken")
	assert.Equal(t, KindInternal, KindOf(err))

	_, err = svc.Progress(context.Background(), "  ")
	assert.True(t, IsKind(err, KindInvalidInput))
}

func TestProgressAndStatistics(t *testing.T) {
	store := new(MockStore)
	store.On("ListByCampaign", mock.Anything, "camp-1").
		Return(campaignRecords(models.StageRecorded, models.StagePublished), nil)

	svc := NewAnalyticsService(store, nil, 0)

	progress, err := svc.Progress(context.Background(), "camp-1")
	require.NoError(t, err)
	assert.Equal(t, 50, progress.CompletionPercentage)

	stats, err := svc.Statistics(context.Background(), "camp-1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalWorkflows)
	assert.InDelta(t, 0.5, stats.ConversionRate, 1e-9)
	store.AssertNotCalled(t, "GetCampaign", mock.Anything, mock.Anything)
}

func TestComputeStatistics_CountsRecordsWithdrawnAfterPublishing(t *testing.T) {
	published := storedRecord("wf-1", models.StagePublished)
	publishedAt := invitedAt.Add(2 * 24 * time.Hour)
	published.PublishedAt = &publishedAt

	withdrawn := storedRecord("wf-2", models.StageWithdrawn)
	earlier := invitedAt.Add(6 * 24 * time.Hour)
	withdrawn.PublishedAt = &earlier
	withdrawn.StageEnteredAt = invitedAt.Add(10 * 24 * time.Hour)

	neverPublished := storedRecord("wf-3", models.StageWithdrawn)

	stats := computeStatistics([]*models.WorkflowRecord{published, withdrawn, neverPublished})
	require.NotNil(t, stats.AvgDaysToPublish)
	assert.InDelta(t, 4.0, *stats.AvgDaysToPublish, 1e-9)
	assert.InDelta(t, 1.0/3.0, stats.ConversionRate, 1e-9)
}
