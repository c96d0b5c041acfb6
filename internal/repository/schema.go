package repository

import "empathy-ledger/backend/pkg/models"

// PostgresSchema bootstraps the tables used by PostgresWorkflowStore. It is
// idempotent and is applied by the seed command and integration tests.
var PostgresSchema = `
CREATE TABLE IF NOT EXISTS campaigns (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	start_date TIMESTAMPTZ,
	target_end_date TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS campaign_workflows (
	id TEXT PRIMARY KEY,
	campaign_id TEXT NOT NULL,
	storyteller_id TEXT NOT NULL,
	stage TEXT NOT NULL CHECK (stage IN (` + quotedStages(models.AllStages()) + `)),
	stage_entered_at TIMESTAMPTZ NOT NULL,
	notes TEXT,
	invited_at TIMESTAMPTZ NOT NULL,
	published_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (campaign_id, storyteller_id)
);

CREATE INDEX IF NOT EXISTS campaign_workflows_campaign_stage_idx
	ON campaign_workflows (campaign_id, stage);

CREATE TABLE IF NOT EXISTS campaign_workflow_transitions (
	id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL REFERENCES campaign_workflows (id),
	from_stage TEXT NOT NULL,
	to_stage TEXT NOT NULL,
	notes TEXT,
	changed_by TEXT,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS campaign_workflow_transitions_workflow_idx
	ON campaign_workflow_transitions (workflow_id, created_at);
`

// sqliteSchema mirrors PostgresSchema. Timestamps are fixed-width UTC text so
// that lexical order equals chronological order.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS campaigns (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		start_date TEXT,
		target_end_date TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS campaign_workflows (
		id TEXT PRIMARY KEY,
		campaign_id TEXT NOT NULL,
		storyteller_id TEXT NOT NULL,
		stage TEXT NOT NULL CHECK (stage IN (` + quotedStages(models.AllStages()) + `)),
		stage_entered_at TEXT NOT NULL,
		notes TEXT,
		invited_at TEXT NOT NULL,
		published_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (campaign_id, storyteller_id)
	)`,
	`CREATE INDEX IF NOT EXISTS campaign_workflows_campaign_stage_idx
		ON campaign_workflows (campaign_id, stage)`,
	`CREATE TABLE IF NOT EXISTS campaign_workflow_transitions (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL REFERENCES campaign_workflows (id),
		from_stage TEXT NOT NULL,
		to_stage TEXT NOT NULL,
		notes TEXT,
		changed_by TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS campaign_workflow_transitions_workflow_idx
		ON campaign_workflow_transitions (workflow_id, created_at)`,
}
