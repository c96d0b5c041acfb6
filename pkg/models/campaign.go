package models

import (
	"time"
)

// Campaign groups workflow records. It is owned by the wider platform and is
// only read here.
type Campaign struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Status        string     `json:"status"`
	StartDate     *time.Time `json:"start_date,omitempty"`
	TargetEndDate *time.Time `json:"target_end_date,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}
