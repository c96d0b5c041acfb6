package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"empathy-ledger/backend/pkg/models"
)

// Fixture is the seed file layout: campaigns and the storytellers invited to them.
type Fixture struct {
	Campaigns []CampaignFixture `yaml:"campaigns"`
}

// CampaignFixture describes one campaign and its invitations.
type CampaignFixture struct {
	ID            string              `yaml:"id"`
	Name          string              `yaml:"name"`
	Status        string              `yaml:"status"`
	StartDate     *time.Time          `yaml:"start_date"`
	TargetEndDate *time.Time          `yaml:"target_end_date"`
	Invitations   []InvitationFixture `yaml:"invitations"`
}

// InvitationFixture invites one storyteller and optionally advances them.
type InvitationFixture struct {
	StorytellerID string       `yaml:"storyteller_id"`
	Notes         string       `yaml:"notes"`
	Stage         models.Stage `yaml:"stage"`
}

// LoadFixture reads and validates a seed file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	var fixture Fixture
	if err := yaml.Unmarshal(data, &fixture); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	if err := fixture.Validate(); err != nil {
		return nil, fmt.Errorf("fixture %s: %w", path, err)
	}
	return &fixture, nil
}

// Validate checks ids and stages before anything is written.
func (f *Fixture) Validate() error {
	if len(f.Campaigns) == 0 {
		return errors.New("no campaigns")
	}
	seen := make(map[string]bool, len(f.Campaigns))
	for i, c := range f.Campaigns {
		if strings.TrimSpace(c.ID) == "" {
			return fmt.Errorf("campaign %d: id is required", i)
		}
		if seen[c.ID] {
			return fmt.Errorf("campaign %s: duplicate id", c.ID)
		}
		seen[c.ID] = true
		if c.StartDate != nil && c.TargetEndDate != nil && c.TargetEndDate.Before(*c.StartDate) {
			return fmt.Errorf("campaign %s: target_end_date before start_date", c.ID)
		}
		for j, inv := range c.Invitations {
			if strings.TrimSpace(inv.StorytellerID) == "" {
				return fmt.Errorf("campaign %s invitation %d: storyteller_id is required", c.ID, j)
			}
			if inv.Stage != "" && !inv.Stage.Valid() {
				return fmt.Errorf("campaign %s invitation %s: unknown stage %q", c.ID, inv.StorytellerID, inv.Stage)
			}
		}
	}
	return nil
}
