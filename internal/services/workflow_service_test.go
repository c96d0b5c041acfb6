package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"empathy-ledger/backend/internal/repository"
	"empathy-ledger/backend/pkg/models"
)

var invitedAt = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

func storedRecord(id string, stage models.Stage) *models.WorkflowRecord {
	return &models.WorkflowRecord{
		ID:             id,
		CampaignID:     "camp-1",
		StorytellerID:  "storyteller-" + id,
		Stage:          stage,
		StageEnteredAt: invitedAt,
		Notes:          "initial note",
		InvitedAt:      invitedAt,
		CreatedAt:      invitedAt,
		UpdatedAt:      invitedAt,
	}
}

func newTestWorkflowService(store repository.WorkflowStore) *WorkflowService {
	svc := NewWorkflowService(store, nil, WorkflowOptions{})
	seq := 0
	svc.newID = func() string {
		seq++
		return fmt.Sprintf("transition-%d", seq)
	}
	return svc
}

func TestAdvance_EveryStage(t *testing.T) {
	for _, stage := range models.AllStages() {
		t.Run(string(stage), func(t *testing.T) {
			store := new(MockStore)
			store.On("GetWorkflow", mock.Anything, "wf-1").Return(storedRecord("wf-1", models.StageInvited), nil)
			store.On("UpdateStage", mock.Anything,
				mock.MatchedBy(func(r *models.WorkflowRecord) bool { return r.ID == "wf-1" && r.Stage == stage }),
				mock.MatchedBy(func(tr *models.StageTransition) bool {
					return tr.FromStage == models.StageInvited && tr.ToStage == stage && tr.WorkflowID == "wf-1"
				}),
			).Return(nil)

			svc := newTestWorkflowService(store)
			start := time.Now()
			record, err := svc.Advance(context.Background(), AdvanceRequest{WorkflowID: "wf-1", Stage: stage})

			require.NoError(t, err)
			assert.Equal(t, stage, record.Stage)
			assert.False(t, record.StageEnteredAt.Before(start.Truncate(time.Second)))
			assert.False(t, record.StageEnteredAt.Before(invitedAt))
			store.AssertExpectations(t)
		})
	}
}

func TestAdvance_InvalidStageLeavesRecordUntouched(t *testing.T) {
	store := new(MockStore)
	svc := newTestWorkflowService(store)

	for _, stage := range []models.Stage{"", "archived", "Published"} {
		_, err := svc.Advance(context.Background(), AdvanceRequest{WorkflowID: "wf-1", Stage: stage})
		require.Error(t, err)
		assert.True(t, IsKind(err, KindInvalidInput), "stage %q", stage)
	}
	store.AssertNotCalled(t, "GetWorkflow", mock.Anything, mock.Anything)
	store.AssertNotCalled(t, "UpdateStage", mock.Anything, mock.Anything, mock.Anything)
}

func TestAdvance_NotFound(t *testing.T) {
	store := new(MockStore)
	store.On("GetWorkflow", mock.Anything, "missing").
		Return(nil, fmt.Errorf("get workflow missing: %w", repository.ErrNotFound))

	svc := newTestWorkflowService(store)
	_, err := svc.Advance(context.Background(), AdvanceRequest{WorkflowID: "missing", Stage: models.StageReviewed})

	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.ErrorIs(t, err, repository.ErrNotFound)
	store.AssertNotCalled(t, "UpdateStage", mock.Anything, mock.Anything, mock.Anything)
}

func TestAdvance_EmptyWorkflowID(t *testing.T) {
	svc := newTestWorkflowService(new(MockStore))
	_, err := svc.Advance(context.Background(), AdvanceRequest{WorkflowID: " ", Stage: models.StageReviewed})
	assert.True(t, IsKind(err, KindInvalidInput))
}

func TestAdvance_NotesAndPublishedAt(t *testing.T) {
	store := new(MockStore)
	store.On("GetWorkflow", mock.Anything, "wf-1").Return(storedRecord("wf-1", models.StageReviewed), nil).Once()
	store.On("UpdateStage", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	svc := newTestWorkflowService(store)
	publishedAt := invitedAt.Add(72 * time.Hour)
	svc.now = func() time.Time { return publishedAt }

	record, err := svc.Advance(context.Background(), AdvanceRequest{
		WorkflowID: "wf-1", Stage: models.StagePublished, Notes: "approved by elders", ChangedBy: "editor@example.org",
	})
	require.NoError(t, err)
	assert.Equal(t, "approved by elders", record.Notes)
	require.NotNil(t, record.PublishedAt)
	assert.True(t, publishedAt.Equal(*record.PublishedAt))

	// Leaving published keeps published_at and keeps the notes when none are supplied.
	store.On("GetWorkflow", mock.Anything, "wf-1").Return(record, nil).Once()
	svc.now = func() time.Time { return publishedAt.Add(time.Hour) }
	record, err = svc.Advance(context.Background(), AdvanceRequest{WorkflowID: "wf-1", Stage: models.StageWithdrawn})
	require.NoError(t, err)
	require.NotNil(t, record.PublishedAt)
	assert.True(t, publishedAt.Equal(*record.PublishedAt))
	assert.Equal(t, "approved by elders", record.Notes)

	store.AssertCalled(t, "UpdateStage", mock.Anything, mock.Anything,
		mock.MatchedBy(func(tr *models.StageTransition) bool {
			return tr.ToStage == models.StagePublished && tr.ChangedBy == "editor@example.org"
		}))
}

func TestAdvance_RepeatedStageRefreshesTimestamp(t *testing.T) {
	store := new(MockStore)
	record := storedRecord("wf-1", models.StageRecorded)
	store.On("GetWorkflow", mock.Anything, "wf-1").Return(record, nil)
	store.On("UpdateStage", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	svc := newTestWorkflowService(store)
	first := invitedAt.Add(time.Hour)
	second := invitedAt.Add(2 * time.Hour)

	svc.now = func() time.Time { return first }
	got, err := svc.Advance(context.Background(), AdvanceRequest{WorkflowID: "wf-1", Stage: models.StageReviewed})
	require.NoError(t, err)
	assert.True(t, first.Equal(got.StageEnteredAt))

	svc.now = func() time.Time { return second }
	got, err = svc.Advance(context.Background(), AdvanceRequest{WorkflowID: "wf-1", Stage: models.StageReviewed})
	require.NoError(t, err)
	assert.Equal(t, models.StageReviewed, got.Stage)
	assert.True(t, second.Equal(got.StageEnteredAt))
	store.AssertNumberOfCalls(t, "UpdateStage", 2)
}

func TestAdvance_StoreTimeoutIsUnavailable(t *testing.T) {
	store := new(MockStore)
	store.On("GetWorkflow", mock.Anything, "wf-slow").
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded)

	svc := NewWorkflowService(store, nil, WorkflowOptions{StoreTimeout: 10 * time.Millisecond})
	_, err := svc.Advance(context.Background(), AdvanceRequest{WorkflowID: "wf-slow", Stage: models.StageReviewed})

	require.Error(t, err)
	assert.Equal(t, KindUnavailable, KindOf(err))
}

func TestBulkAdvance_PartialSuccess(t *testing.T) {
	store := new(MockStore)
	store.On("GetWorkflow", mock.Anything, "a").Return(storedRecord("a", models.StageRecorded), nil)
	store.On("GetWorkflow", mock.Anything, "b").Return(nil, repository.ErrNotFound)
	store.On("GetWorkflow", mock.Anything, "c").Return(storedRecord("c", models.StageConsented), nil)
	store.On("UpdateStage", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	svc := newTestWorkflowService(store)
	svc.newID = func() string { return "transition" }
	result, err := svc.BulkAdvance(context.Background(), BulkAdvanceRequest{
		WorkflowIDs: []string{"a", "b", "c"},
		Stage:       models.StageReviewed,
	})

	require.NoError(t, err)
	assert.Equal(t, 2, result.UpdatedCount)
	require.Len(t, result.Updated, 2)
	assert.Equal(t, "a", result.Updated[0].ID)
	assert.Equal(t, "c", result.Updated[1].ID)
	for _, r := range result.Updated {
		assert.Equal(t, models.StageReviewed, r.Stage)
	}
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "b", result.Failures[0].WorkflowID)
	assert.Equal(t, KindNotFound, result.Failures[0].Code)
	store.AssertNumberOfCalls(t, "UpdateStage", 2)
}

func TestBulkAdvance_StoreFailureDetailStaysServerSide(t *testing.T) {
	storeErr := fmt.Errorf("%w: dial tcp 10.0.0.5:5432 user=svc", repository.ErrUnavailable)
	store := new(MockStore)
	store.On("GetWorkflow", mock.Anything, "a").Return(storedRecord("a", models.StageRecorded), nil)
	store.On("GetWorkflow", mock.Anything, "b").Return(nil, storeErr)
	store.On("GetWorkflow", mock.Anything, "c").Return(nil, fmt.Errorf("scan workflow c: column stage: bad value"))
	store.On("GetWorkflow", mock.Anything, "d").Return(nil, repository.ErrNotFound)
	store.On("UpdateStage", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	svc := newTestWorkflowService(store)
	svc.newID = func() string { return "transition" }
	result, err := svc.BulkAdvance(context.Background(), BulkAdvanceRequest{
		WorkflowIDs: []string{"a", "b", "c", "d"},
		Stage:       models.StageReviewed,
	})

	require.NoError(t, err)
	assert.Equal(t, 1, result.UpdatedCount)
	require.Len(t, result.Failures, 3)

	unavailable := result.Failures[0]
	assert.Equal(t, "b", unavailable.WorkflowID)
	assert.Equal(t, KindUnavailable, unavailable.Code)
	assert.Equal(t, MessageUnavailable, unavailable.Error)
	assert.NotContains(t, unavailable.Error, "10.0.0.5")
	assert.NotContains(t, unavailable.Error, "user=svc")

	internal := result.Failures[1]
	assert.Equal(t, "c", internal.WorkflowID)
	assert.Equal(t, KindInternal, internal.Code)
	assert.Equal(t, MessageInternal, internal.Error)

	notFound := result.Failures[2]
	assert.Equal(t, KindNotFound, notFound.Code)
	assert.Contains(t, notFound.Error, "not found")
}

func TestClientMessage(t *testing.T) {
	assert.Equal(t, MessageUnavailable, ClientMessage(classify("advance", repository.ErrUnavailable)))
	assert.Equal(t, MessageInternal, ClientMessage(fmt.Errorf("password=hunter2")))
	assert.Equal(t, "advance: workflow_id is required", ClientMessage(invalidInput("advance", "workflow_id is required")))
}

func TestBulkAdvance_RejectsBeforeTouchingStore(t *testing.T) {
	store := new(MockStore)
	svc := newTestWorkflowService(store)

	_, err := svc.BulkAdvance(context.Background(), BulkAdvanceRequest{Stage: models.StageReviewed})
	assert.True(t, IsKind(err, KindInvalidInput))

	_, err = svc.BulkAdvance(context.Background(), BulkAdvanceRequest{WorkflowIDs: []string{"a"}, Stage: "done"})
	assert.True(t, IsKind(err, KindInvalidInput))

	store.AssertNotCalled(t, "GetWorkflow", mock.Anything, mock.Anything)
}

func TestBulkAdvance_DuplicateIDsAdvanceOnce(t *testing.T) {
	store := new(MockStore)
	store.On("GetWorkflow", mock.Anything, "a").Return(storedRecord("a", models.StageInvited), nil).Once()
	store.On("UpdateStage", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()

	svc := newTestWorkflowService(store)
	svc.newID = func() string { return "transition" }
	result, err := svc.BulkAdvance(context.Background(), BulkAdvanceRequest{
		WorkflowIDs: []string{"a", "a", "a"},
		Stage:       models.StageInterested,
	})

	require.NoError(t, err)
	assert.Equal(t, 1, result.UpdatedCount)
	assert.Empty(t, result.Failures)
	store.AssertExpectations(t)
}

func TestBulkAdvance_LargeBatchBoundedFanOut(t *testing.T) {
	store := new(MockStore)
	ids := make([]string, 40)
	for i := range ids {
		ids[i] = fmt.Sprintf("wf-%02d", i)
		store.On("GetWorkflow", mock.Anything, ids[i]).Return(storedRecord(ids[i], models.StageInvited), nil)
	}
	store.On("UpdateStage", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	svc := NewWorkflowService(store, nil, WorkflowOptions{BatchConcurrency: 3})
	result, err := svc.BulkAdvance(context.Background(), BulkAdvanceRequest{WorkflowIDs: ids, Stage: models.StageWithdrawn})

	require.NoError(t, err)
	assert.Equal(t, len(ids), result.UpdatedCount)
	for i, r := range result.Updated {
		assert.Equal(t, ids[i], r.ID)
	}
}

func TestPendingQueue_LimitClamping(t *testing.T) {
	cases := []struct {
		requested int
		want      int
	}{
		{0, 50},
		{150, 100},
		{-3, 1},
		{25, 25},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("limit %d", tc.requested), func(t *testing.T) {
			store := new(MockStore)
			store.On("ListPending", mock.Anything, repository.PendingQuery{CampaignID: "camp-1", Limit: tc.want}).
				Return([]*models.WorkflowRecord{}, nil)

			svc := newTestWorkflowService(store)
			records, err := svc.PendingQueue(context.Background(), QueueRequest{CampaignID: "camp-1", Limit: tc.requested})
			require.NoError(t, err)
			assert.NotNil(t, records)
			store.AssertExpectations(t)
		})
	}
}

func TestPendingQueue_TruncatesOversizedStoreResult(t *testing.T) {
	oversized := make([]*models.WorkflowRecord, 120)
	for i := range oversized {
		oversized[i] = storedRecord(fmt.Sprintf("wf-%d", i), models.StageConsented)
	}
	store := new(MockStore)
	store.On("ListPending", mock.Anything, mock.Anything).Return(oversized, nil)

	svc := newTestWorkflowService(store)
	records, err := svc.PendingQueue(context.Background(), QueueRequest{Limit: 150})
	require.NoError(t, err)
	assert.Len(t, records, MaxQueueLimit)
}

func TestPendingQueue_StoreFailure(t *testing.T) {
	store := new(MockStore)
	store.On("ListPending", mock.Anything, mock.Anything).Return(nil, repository.ErrUnavailable)

	svc := newTestWorkflowService(store)
	_, err := svc.PendingQueue(context.Background(), QueueRequest{})
	assert.Equal(t, KindUnavailable, KindOf(err))
}

func TestInvite(t *testing.T) {
	store := new(MockStore)
	store.On("CreateWorkflow", mock.Anything, mock.MatchedBy(func(r *models.WorkflowRecord) bool {
		return r.Stage == models.StageInvited && r.CampaignID == "camp-1" && r.StorytellerID == "st-1" &&
			r.InvitedAt.Equal(r.StageEnteredAt)
	})).Return(nil).Once()
	store.On("CreateWorkflow", mock.Anything, mock.Anything).
		Return(fmt.Errorf("insert: %w", repository.ErrConflict)).Once()

	svc := newTestWorkflowService(store)
	record, err := svc.Invite(context.Background(), InviteRequest{CampaignID: " camp-1 ", StorytellerID: "st-1"})
	require.NoError(t, err)
	assert.Equal(t, models.StageInvited, record.Stage)
	assert.NotEmpty(t, record.ID)

	_, err = svc.Invite(context.Background(), InviteRequest{CampaignID: "camp-1", StorytellerID: "st-1"})
	assert.Equal(t, KindConflict, KindOf(err))

	_, err = svc.Invite(context.Background(), InviteRequest{CampaignID: "camp-1"})
	assert.True(t, IsKind(err, KindInvalidInput))
}

func TestTransitions_MissingWorkflow(t *testing.T) {
	store := new(MockStore)
	store.On("GetWorkflow", mock.Anything, "missing").Return(nil, repository.ErrNotFound)

	svc := newTestWorkflowService(store)
	_, err := svc.Transitions(context.Background(), "missing")
	assert.Equal(t, KindNotFound, KindOf(err))
	store.AssertNotCalled(t, "ListTransitions", mock.Anything, mock.Anything)
}

func TestTransitions_EmptyHistory(t *testing.T) {
	store := new(MockStore)
	store.On("GetWorkflow", mock.Anything, "wf-1").Return(storedRecord("wf-1", models.StageInvited), nil)
	store.On("ListTransitions", mock.Anything, "wf-1").Return(nil, nil)

	svc := newTestWorkflowService(store)
	history, err := svc.Transitions(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.NotNil(t, history)
	assert.Empty(t, history)
}
