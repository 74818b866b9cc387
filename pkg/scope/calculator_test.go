package scope

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storagemigration/pkg/backend"
	"storagemigration/pkg/models"
	"storagemigration/pkg/state"
)

func seededSource(t *testing.T, n int, size int) *backend.Memory {
	t.Helper()
	src := backend.NewMemory()
	for i := 0; i < n; i++ {
		src.Seed(fmt.Sprintf("assets/file-%04d.bin", i), bytes.Repeat([]byte{0xAB}, size))
	}
	return src
}

func TestCalculateEmptySource(t *testing.T) {
	calc := NewCalculator(backend.NewMemory())
	scope, err := calc.Calculate(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), scope.FileCount)
	assert.Equal(t, int64(0), scope.TotalBytes)
	assert.Equal(t, time.Duration(0), scope.EstimatedDuration)
}

func TestCalculateCountsFilesAndBytes(t *testing.T) {
	calc := NewCalculator(seededSource(t, 7, 128))
	scope, err := calc.Calculate(context.Background(), "assets/")
	require.NoError(t, err)
	assert.Equal(t, int64(7), scope.FileCount)
	assert.Equal(t, int64(7*128), scope.TotalBytes)
	assert.Greater(t, scope.EstimatedDuration, time.Duration(0))
}

func TestSeedWritesManifestInBatches(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	job := &models.MigrationJob{
		ID: "job-1", WorkspaceID: "ws-1",
		SourceProvider: backend.ProviderMemory, TargetProvider: backend.ProviderMemory,
		Status: models.JobPending, StartedAt: time.Now(), Options: models.DefaultOptions(),
	}
	require.NoError(t, store.CreateJob(ctx, job))

	// More files than one batch holds.
	calc := NewCalculator(seededSource(t, seedBatchSize+37, 16))
	scope, err := calc.Seed(ctx, store, job.ID, "")
	require.NoError(t, err)
	assert.Equal(t, int64(seedBatchSize+37), scope.FileCount)

	counts, err := store.CountFiles(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(seedBatchSize+37), counts[models.FilePending])

	loaded, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, scope.FileCount, loaded.TotalFiles)
	assert.Equal(t, scope.TotalBytes, loaded.TotalBytes)
}

func TestSeedListingFailureLeavesNoManifest(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	job := &models.MigrationJob{
		ID: "job-1", WorkspaceID: "ws-1",
		SourceProvider: backend.ProviderMemory, TargetProvider: backend.ProviderMemory,
		Status: models.JobPending, StartedAt: time.Now(), Options: models.DefaultOptions(),
	}
	require.NoError(t, store.CreateJob(ctx, job))

	// The first listing page flushes a full batch before the second page
	// errors; none of those records may survive.
	source := seededSource(t, backend.ListPageSize+200, 16)
	source.OnList = func(pageIndex int) error {
		if pageIndex > 0 {
			return backend.NewError(backend.KindTransient, "list", "", fmt.Errorf("connection reset"))
		}
		return nil
	}

	_, err := NewCalculator(source).Seed(ctx, store, job.ID, "")
	require.Error(t, err)

	hasManifest, err := store.HasManifest(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, hasManifest)

	counts, err := store.CountFiles(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts[models.FilePending])

	loaded, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), loaded.TotalFiles)
}

func TestEstimateDuration(t *testing.T) {
	assert.Equal(t, time.Duration(0), EstimateDuration(0, 100))
	assert.Equal(t, 10*time.Second, EstimateDuration(1000, 100))
	// Falls back to the reference rate when throughput is unknown.
	assert.Greater(t, EstimateDuration(1<<30, 0), time.Duration(0))
}
