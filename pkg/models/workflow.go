// Package models defines the domain models for the campaign workflow service
package models

import (
	"time"
)

// Stage is a storyteller's position in a campaign pipeline.
type Stage string

const (
	StageInvited    Stage = "invited"
	StageInterested Stage = "interested"
	StageConsented  Stage = "consented"
	StageRecorded   Stage = "recorded"
	StageReviewed   Stage = "reviewed"
	StagePublished  Stage = "published"
	StageWithdrawn  Stage = "withdrawn"
)

// stageOrder is the pipeline order; a stage's rank is its index here.
var stageOrder = []Stage{
	StageInvited,
	StageInterested,
	StageConsented,
	StageRecorded,
	StageReviewed,
	StagePublished,
	StageWithdrawn,
}

var stageRank = func() map[Stage]int {
	ranks := make(map[Stage]int, len(stageOrder))
	for i, stage := range stageOrder {
		ranks[stage] = i
	}
	return ranks
}()

// AllStages returns the ordered stage vocabulary.
func AllStages() []Stage {
	cp := make([]Stage, len(stageOrder))
	copy(cp, stageOrder)
	return cp
}

// PendingStages returns the non-terminal stages in pipeline order.
func PendingStages() []Stage {
	pending := make([]Stage, 0, len(stageOrder))
	for _, stage := range stageOrder {
		if !stage.IsTerminal() {
			pending = append(pending, stage)
		}
	}
	return pending
}

// Valid reports whether s is one of the seven pipeline stages.
func (s Stage) Valid() bool {
	_, ok := stageRank[s]
	return ok
}

// Rank returns the pipeline position of s, or -1 for unknown stages.
func (s Stage) Rank() int {
	rank, ok := stageRank[s]
	if !ok {
		return -1
	}
	return rank
}

// IsTerminal reports whether s ends a workflow (published or withdrawn).
func (s Stage) IsTerminal() bool {
	return s == StagePublished || s == StageWithdrawn
}

// HasStory reports whether a record in stage s has a recorded story attached.
func (s Stage) HasStory() bool {
	return s == StageRecorded || s == StageReviewed || s == StagePublished
}

// WorkflowRecord tracks one storyteller's progress through one campaign.
type WorkflowRecord struct {
	ID             string     `json:"id"`
	CampaignID     string     `json:"campaign_id"`
	StorytellerID  string     `json:"storyteller_id"`
	Stage          Stage      `json:"stage"`
	StageEnteredAt time.Time  `json:"stage_entered_at"`
	Notes          string     `json:"notes,omitempty"`
	InvitedAt      time.Time  `json:"invited_at"`
	PublishedAt    *time.Time `json:"published_at,omitempty"` // Last entry into published; kept after leaving it
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// StageTransition is one entry of a workflow record's stage history.
type StageTransition struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	FromStage  Stage     `json:"from_stage"`
	ToStage    Stage     `json:"to_stage"`
	Notes      string    `json:"notes,omitempty"`
	ChangedBy  string    `json:"changed_by,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
