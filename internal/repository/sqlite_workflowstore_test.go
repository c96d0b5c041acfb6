package repository

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"empathy-ledger/backend/pkg/models"
)

func TestSQLiteWorkflowStore(t *testing.T) {
	store, err := OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Ping(context.Background()))
	runStoreContract(t, store)
}

func TestSQLiteWorkflowStore_FileReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "workflow.db")

	store, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	record := newRecord("camp-file", models.StageRecorded, baseTime)
	require.NoError(t, store.CreateWorkflow(ctx, record))
	require.NoError(t, store.Close())

	reopened, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetWorkflow(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageRecorded, got.Stage)
}

func TestOpenSQLite_EmptyPath(t *testing.T) {
	_, err := OpenSQLite(context.Background(), "  ")
	assert.Error(t, err)
}

func TestSQLiteRejectsUnknownStage(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	defer store.Close()

	record := newRecord("camp-check", models.Stage("archived"), baseTime)
	assert.Error(t, store.CreateWorkflow(ctx, record))
}
