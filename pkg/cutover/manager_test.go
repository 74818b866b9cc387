package cutover

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storagemigration/pkg/backend"
	"storagemigration/pkg/models"
	"storagemigration/pkg/state"
)

func jobWithStatus(t *testing.T, store *state.MemoryStore, status models.JobStatus) *models.MigrationJob {
	t.Helper()
	ctx := context.Background()
	job := &models.MigrationJob{
		ID:             uuid.New().String(),
		WorkspaceID:    "ws-" + uuid.New().String()[:8],
		SourceProvider: backend.ProviderLocal,
		TargetProvider: backend.ProviderS3,
		TargetConfig:   json.RawMessage(`{"bucket":"target-bucket"}`),
		Status:         models.JobPending,
		StartedAt:      time.Now(),
		Options:        models.DefaultOptions(),
	}
	require.NoError(t, store.CreateJob(ctx, job))
	if status != models.JobPending {
		_, err := store.UpdateJobStatus(ctx, job.ID, models.JobInProgress, models.JobPending)
		require.NoError(t, err)
		if status != models.JobInProgress {
			_, err = store.UpdateJobStatus(ctx, job.ID, status, models.JobInProgress)
			require.NoError(t, err)
		}
	}
	return job
}

func TestCompleteSwitchesConfig(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	job := jobWithStatus(t, store, models.JobCompleted)

	switched, err := New(store).Complete(ctx, job.ID, false)
	require.NoError(t, err)
	assert.True(t, switched)

	cfg, err := store.GetStorageConfig(ctx, job.WorkspaceID)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, backend.ProviderS3, cfg.Provider)
	assert.JSONEq(t, `{"bucket":"target-bucket"}`, string(cfg.Config))
}

func TestCompleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	job := jobWithStatus(t, store, models.JobCompleted)
	mgr := New(store)

	switched, err := mgr.Complete(ctx, job.ID, false)
	require.NoError(t, err)
	assert.True(t, switched)

	// The retry after a crash-before-acknowledge still succeeds.
	switched, err = mgr.Complete(ctx, job.ID, false)
	require.NoError(t, err)
	assert.False(t, switched)
}

func TestCompleteRefusesUnfinishedJob(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	mgr := New(store)

	for _, status := range []models.JobStatus{models.JobPending, models.JobInProgress, models.JobFailed, models.JobCancelled} {
		job := jobWithStatus(t, store, status)
		_, err := mgr.Complete(ctx, job.ID, false)
		assert.ErrorIs(t, err, ErrJobNotCompleted, "status %s", status)

		cfg, err := store.GetStorageConfig(ctx, job.WorkspaceID)
		require.NoError(t, err)
		assert.Nil(t, cfg, "config must not change for %s", status)
	}
}

func TestCompleteForceOverridesFailedOnly(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	mgr := New(store)

	failed := jobWithStatus(t, store, models.JobFailed)
	switched, err := mgr.Complete(ctx, failed.ID, true)
	require.NoError(t, err)
	assert.True(t, switched)

	// Force never applies to a job still running.
	running := jobWithStatus(t, store, models.JobInProgress)
	_, err = mgr.Complete(ctx, running.ID, true)
	assert.ErrorIs(t, err, ErrJobNotCompleted)
}

func TestCompleteUnknownJob(t *testing.T) {
	_, err := New(state.NewMemoryStore()).Complete(context.Background(), "nope", false)
	assert.Error(t, err)
}
