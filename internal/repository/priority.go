package repository

import (
	"fmt"
	"strings"

	"empathy-ledger/backend/pkg/models"
)

// Queue priority: furthest along the pipeline first, then the longest stalled,
// then id so the order is total.
var queueOrderClause = "ORDER BY " + stageRankExpr() + " DESC, stage_entered_at ASC, id ASC"

// pendingStageList renders the non-terminal stages as a quoted SQL list.
var pendingStageList = quotedStages(models.PendingStages())

func stageRankExpr() string {
	var b strings.Builder
	b.WriteString("CASE stage")
	for _, stage := range models.AllStages() {
		fmt.Fprintf(&b, " WHEN '%s' THEN %d", stage, stage.Rank())
	}
	b.WriteString(" ELSE -1 END")
	return b.String()
}

func quotedStages(stages []models.Stage) string {
	quoted := make([]string, len(stages))
	for i, stage := range stages {
		quoted[i] = "'" + string(stage) + "'"
	}
	return strings.Join(quoted, ", ")
}
