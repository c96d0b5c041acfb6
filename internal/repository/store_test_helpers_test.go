package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"empathy-ledger/backend/pkg/models"
)

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newRecord(campaignID string, stage models.Stage, entered time.Time) *models.WorkflowRecord {
	return &models.WorkflowRecord{
		ID:             uuid.New().String(),
		CampaignID:     campaignID,
		StorytellerID:  uuid.New().String(),
		Stage:          stage,
		StageEnteredAt: entered,
		InvitedAt:      baseTime,
		CreatedAt:      baseTime,
		UpdatedAt:      entered,
	}
}

// runStoreContract exercises the behaviour every WorkflowStore must share.
func runStoreContract(t *testing.T, store WorkflowStore) {
	ctx := context.Background()

	t.Run("Create and Get", func(t *testing.T) {
		record := newRecord("camp-get", models.StageInvited, baseTime)
		record.Notes = "first contact"
		require.NoError(t, store.CreateWorkflow(ctx, record))

		got, err := store.GetWorkflow(ctx, record.ID)
		require.NoError(t, err)
		assert.Equal(t, record.ID, got.ID)
		assert.Equal(t, record.CampaignID, got.CampaignID)
		assert.Equal(t, record.StorytellerID, got.StorytellerID)
		assert.Equal(t, models.StageInvited, got.Stage)
		assert.Equal(t, "first contact", got.Notes)
		assert.True(t, record.StageEnteredAt.Equal(got.StageEnteredAt))
		assert.Nil(t, got.PublishedAt)
	})

	t.Run("Get missing returns ErrNotFound", func(t *testing.T) {
		_, err := store.GetWorkflow(ctx, "does-not-exist")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Duplicate storyteller in campaign conflicts", func(t *testing.T) {
		first := newRecord("camp-dup", models.StageInvited, baseTime)
		require.NoError(t, store.CreateWorkflow(ctx, first))

		second := newRecord("camp-dup", models.StageInvited, baseTime)
		second.StorytellerID = first.StorytellerID
		err := store.CreateWorkflow(ctx, second)
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("UpdateStage persists and appends history", func(t *testing.T) {
		record := newRecord("camp-update", models.StageInvited, baseTime)
		require.NoError(t, store.CreateWorkflow(ctx, record))

		entered := baseTime.Add(48 * time.Hour)
		record.Stage = models.StagePublished
		record.StageEnteredAt = entered
		record.PublishedAt = &entered
		record.UpdatedAt = entered
		record.Notes = "went live"
		transition := &models.StageTransition{
			ID:         uuid.New().String(),
			WorkflowID: record.ID,
			FromStage:  models.StageInvited,
			ToStage:    models.StagePublished,
			Notes:      "went live",
			ChangedBy:  "editor@example.org",
			CreatedAt:  entered,
		}
		require.NoError(t, store.UpdateStage(ctx, record, transition))

		got, err := store.GetWorkflow(ctx, record.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StagePublished, got.Stage)
		assert.Equal(t, "went live", got.Notes)
		require.NotNil(t, got.PublishedAt)
		assert.True(t, entered.Equal(*got.PublishedAt))

		history, err := store.ListTransitions(ctx, record.ID)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, models.StageInvited, history[0].FromStage)
		assert.Equal(t, models.StagePublished, history[0].ToStage)
		assert.Equal(t, "editor@example.org", history[0].ChangedBy)
	})

	t.Run("UpdateStage on missing record returns ErrNotFound", func(t *testing.T) {
		record := newRecord("camp-update", models.StageReviewed, baseTime)
		transition := &models.StageTransition{
			ID:         uuid.New().String(),
			WorkflowID: record.ID,
			FromStage:  models.StageInvited,
			ToStage:    models.StageReviewed,
			CreatedAt:  baseTime,
		}
		err := store.UpdateStage(ctx, record, transition)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ListPending orders by stage rank then age", func(t *testing.T) {
		campaign := "camp-queue"
		oldInvited := newRecord(campaign, models.StageInvited, baseTime)
		newReviewed := newRecord(campaign, models.StageReviewed, baseTime.Add(3*time.Hour))
		oldReviewed := newRecord(campaign, models.StageReviewed, baseTime.Add(1*time.Hour))
		consented := newRecord(campaign, models.StageConsented, baseTime)
		published := newRecord(campaign, models.StagePublished, baseTime)
		withdrawn := newRecord(campaign, models.StageWithdrawn, baseTime)
		other := newRecord("camp-other", models.StageReviewed, baseTime)
		for _, r := range []*models.WorkflowRecord{oldInvited, newReviewed, oldReviewed, consented, published, withdrawn, other} {
			require.NoError(t, store.CreateWorkflow(ctx, r))
		}

		got, err := store.ListPending(ctx, PendingQuery{CampaignID: campaign, Limit: 10})
		require.NoError(t, err)
		ids := make([]string, len(got))
		for i, r := range got {
			ids[i] = r.ID
			assert.False(t, r.Stage.IsTerminal())
		}
		assert.Equal(t, []string{oldReviewed.ID, newReviewed.ID, consented.ID, oldInvited.ID}, ids)

		limited, err := store.ListPending(ctx, PendingQuery{CampaignID: campaign, Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})

	t.Run("ListByCampaign includes terminal records", func(t *testing.T) {
		campaign := "camp-all"
		for i, stage := range models.AllStages() {
			r := newRecord(campaign, stage, baseTime.Add(time.Duration(i)*time.Minute))
			require.NoError(t, store.CreateWorkflow(ctx, r))
		}
		got, err := store.ListByCampaign(ctx, campaign)
		require.NoError(t, err)
		assert.Len(t, got, len(models.AllStages()))

		empty, err := store.ListByCampaign(ctx, "camp-none")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("Campaign round trip", func(t *testing.T) {
		start := baseTime
		end := baseTime.Add(30 * 24 * time.Hour)
		campaign := &models.Campaign{
			ID:            fmt.Sprintf("campaign-%s", uuid.New().String()),
			Name:          "Elders Voices",
			Status:        "active",
			StartDate:     &start,
			TargetEndDate: &end,
			CreatedAt:     baseTime,
		}
		require.NoError(t, store.CreateCampaign(ctx, campaign))

		got, err := store.GetCampaign(ctx, campaign.ID)
		require.NoError(t, err)
		assert.Equal(t, "Elders Voices", got.Name)
		require.NotNil(t, got.StartDate)
		require.NotNil(t, got.TargetEndDate)
		assert.True(t, end.Equal(*got.TargetEndDate))

		_, err = store.GetCampaign(ctx, "missing-campaign")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
