package worker

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storagemigration/pkg/backend"
	"storagemigration/pkg/models"
	"storagemigration/pkg/progress"
	"storagemigration/pkg/state"
)

type fixture struct {
	store    *state.MemoryStore
	source   *backend.Memory
	target   *backend.Memory
	tracker  *progress.Tracker
	jobID    string
	stopping *atomic.Bool
}

func newFixture(t *testing.T, files int, opts models.MigrationOptions) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		store:    state.NewMemoryStore(),
		source:   backend.NewMemory(),
		target:   backend.NewMemory(),
		jobID:    uuid.New().String(),
		stopping: &atomic.Bool{},
	}

	var records []models.FileMigrationRecord
	var totalBytes int64
	for i := 0; i < files; i++ {
		path := fmt.Sprintf("assets/file-%02d.bin", i)
		content := bytes.Repeat([]byte{byte(i)}, 64+i)
		f.source.Seed(path, content)
		records = append(records, models.FileMigrationRecord{Path: path, SizeBytes: int64(len(content))})
		totalBytes += int64(len(content))
	}

	job := &models.MigrationJob{
		ID: f.jobID, WorkspaceID: "ws-1",
		SourceProvider: backend.ProviderMemory, TargetProvider: backend.ProviderMemory,
		Status: models.JobInProgress, StartedAt: time.Now(), Options: opts,
	}
	require.NoError(t, f.store.CreateJob(ctx, job))
	require.NoError(t, f.store.InsertFileRecords(ctx, f.jobID, records))
	require.NoError(t, f.store.SetJobScope(ctx, f.jobID, int64(files), totalBytes))
	f.tracker = progress.NewTracker(int64(files), totalBytes, 0, 0, 0)
	return f
}

func (f *fixture) pool(opts models.MigrationOptions) *Pool {
	return New(f.store, f.source, f.target, f.tracker, f.jobID, opts, f.stopping)
}

func fastOpts(mutate func(models.MigrationOptions) models.MigrationOptions) models.MigrationOptions {
	opts := models.DefaultOptions()
	opts.Concurrency = 3
	opts.MaxAttempts = 2
	if mutate != nil {
		opts = mutate(opts)
	}
	return opts
}

func TestPoolMigratesAllFiles(t *testing.T) {
	ctx := context.Background()
	opts := fastOpts(nil)
	f := newFixture(t, 8, opts)

	require.NoError(t, f.pool(opts).Run(ctx))

	counts, err := f.store.CountFiles(ctx, f.jobID)
	require.NoError(t, err)
	assert.Equal(t, int64(8), counts[models.FileVerified])

	job, err := f.store.GetJob(ctx, f.jobID)
	require.NoError(t, err)
	assert.Equal(t, int64(8), job.MigratedFiles)
	assert.Equal(t, int64(0), job.FailedFiles)
	assert.Equal(t, job.TotalBytes, job.MigratedBytes)

	for i := 0; i < 8; i++ {
		path := fmt.Sprintf("assets/file-%02d.bin", i)
		want, _ := f.source.Contents(path)
		got, ok := f.target.Contents(path)
		require.True(t, ok, "target missing %s", path)
		assert.Equal(t, want, got)
	}
}

func TestPoolRecordsChecksums(t *testing.T) {
	ctx := context.Background()
	opts := fastOpts(nil)
	f := newFixture(t, 1, opts)

	require.NoError(t, f.pool(opts).Run(ctx))

	rec, ok := f.store.FileRecord(f.jobID, "assets/file-00.bin")
	require.True(t, ok)
	assert.Equal(t, models.FileVerified, rec.Status)
	assert.NotEmpty(t, rec.SourceChecksum)
	assert.Equal(t, rec.SourceChecksum, rec.TargetChecksum)
}

func TestPoolRetriesTransientFailure(t *testing.T) {
	ctx := context.Background()
	opts := fastOpts(nil)
	f := newFixture(t, 1, opts)

	var calls atomic.Int32
	f.target.OnPut = func(path string) error {
		if calls.Add(1) == 1 {
			return backend.NewError(backend.KindTransient, "put", path, fmt.Errorf("connection reset"))
		}
		return nil
	}

	require.NoError(t, f.pool(opts).Run(ctx))

	rec, ok := f.store.FileRecord(f.jobID, "assets/file-00.bin")
	require.True(t, ok)
	assert.Equal(t, models.FileVerified, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
}

func TestPoolChecksumMismatchFailsFile(t *testing.T) {
	ctx := context.Background()
	opts := fastOpts(func(o models.MigrationOptions) models.MigrationOptions {
		o.ContinueOnError = true
		return o
	})
	f := newFixture(t, 2, opts)

	// The target persistently corrupts one object, so every attempt mismatches.
	f.target.MutateOnPut = func(path string, data []byte) []byte {
		if path == "assets/file-00.bin" {
			return append([]byte("corrupt:"), data...)
		}
		return data
	}

	require.NoError(t, f.pool(opts).Run(ctx))

	rec, ok := f.store.FileRecord(f.jobID, "assets/file-00.bin")
	require.True(t, ok)
	assert.Equal(t, models.FileFailed, rec.Status)
	assert.Equal(t, opts.MaxAttempts, rec.Attempts)
	assert.Contains(t, rec.LastError, "checksum mismatch")

	healthy, ok := f.store.FileRecord(f.jobID, "assets/file-01.bin")
	require.True(t, ok)
	assert.Equal(t, models.FileVerified, healthy.Status)

	job, err := f.store.GetJob(ctx, f.jobID)
	require.NoError(t, err)
	require.NotEmpty(t, job.Errors)
	assert.Equal(t, string(backend.KindChecksumMismatch), job.Errors[0].ErrorKind)
}

func TestPoolVanishedObjectFailsSoft(t *testing.T) {
	ctx := context.Background()
	// ContinueOnError is off: a vanished object still must not abort the job.
	opts := fastOpts(nil)
	f := newFixture(t, 3, opts)

	f.source.OnGet = func(path string) error {
		if path == "assets/file-01.bin" {
			return backend.NewError(backend.KindObjectNotFound, "get", path, fmt.Errorf("gone"))
		}
		return nil
	}

	require.NoError(t, f.pool(opts).Run(ctx))

	counts, err := f.store.CountFiles(ctx, f.jobID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[models.FileVerified])
	assert.Equal(t, int64(1), counts[models.FileFailed])
	assert.False(t, f.stopping.Load())
}

func TestPoolAuthorizationFailureAbortsJob(t *testing.T) {
	ctx := context.Background()
	opts := fastOpts(func(o models.MigrationOptions) models.MigrationOptions {
		o.Concurrency = 1
		o.ContinueOnError = true
		return o
	})
	f := newFixture(t, 5, opts)

	f.target.OnPut = func(path string) error {
		return backend.NewError(backend.KindAuthorization, "put", path, fmt.Errorf("access denied"))
	}

	err := f.pool(opts).Run(ctx)
	require.Error(t, err)
	assert.True(t, backend.IsFatal(err))
	assert.True(t, f.stopping.Load())

	// One attempt only: fatal errors are never retried.
	rec, ok := f.store.FileRecord(f.jobID, "assets/file-00.bin")
	require.True(t, ok)
	assert.Equal(t, 1, rec.Attempts)
}

func TestPoolAbortsAfterFailureBudget(t *testing.T) {
	ctx := context.Background()
	opts := fastOpts(func(o models.MigrationOptions) models.MigrationOptions {
		o.Concurrency = 1
		o.MaxAttempts = 1
		o.AbortAfterFailures = 1
		return o
	})
	f := newFixture(t, 6, opts)

	f.target.OnPut = func(path string) error {
		return backend.NewError(backend.KindTransient, "put", path, fmt.Errorf("boom"))
	}

	err := f.pool(opts).Run(ctx)
	require.Error(t, err)
	assert.True(t, f.stopping.Load())

	counts, err2 := f.store.CountFiles(ctx, f.jobID)
	require.NoError(t, err2)
	assert.Equal(t, int64(2), counts[models.FileFailed])
	assert.Greater(t, counts[models.FilePending], int64(0), "remaining files stay pending after abort")
}

func TestPoolStopFlagPreventsNewClaims(t *testing.T) {
	ctx := context.Background()
	opts := fastOpts(nil)
	f := newFixture(t, 4, opts)
	f.stopping.Store(true)

	require.NoError(t, f.pool(opts).Run(ctx))

	counts, err := f.store.CountFiles(ctx, f.jobID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), counts[models.FilePending])
	assert.Equal(t, 0, f.target.Len())
}

func TestPoolSkipsVerificationWhenDisabled(t *testing.T) {
	ctx := context.Background()
	disabled := false
	opts := fastOpts(func(o models.MigrationOptions) models.MigrationOptions {
		o.VerifyIntegrity = &disabled
		return o
	})
	f := newFixture(t, 1, opts)

	// A silent corruption goes unnoticed without verification.
	f.target.MutateOnPut = func(path string, data []byte) []byte {
		return append([]byte("corrupt:"), data...)
	}

	require.NoError(t, f.pool(opts).Run(ctx))

	rec, ok := f.store.FileRecord(f.jobID, "assets/file-00.bin")
	require.True(t, ok)
	assert.Equal(t, models.FileVerified, rec.Status)
	assert.Empty(t, rec.SourceChecksum)
	assert.NotEmpty(t, rec.TargetChecksum)
}

func TestPoolVerifiesByDefault(t *testing.T) {
	ctx := context.Background()
	// Caller-shaped options with verify_integrity omitted entirely.
	opts := models.MigrationOptions{Concurrency: 2, MaxAttempts: 1, ContinueOnError: true}
	f := newFixture(t, 3, opts)

	f.target.MutateOnPut = func(path string, data []byte) []byte {
		return append([]byte("corrupt:"), data...)
	}

	require.NoError(t, f.pool(opts).Run(ctx))

	counts, err := f.store.CountFiles(ctx, f.jobID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts[models.FileFailed])
	assert.Equal(t, int64(0), counts[models.FileVerified])

	job, err := f.store.GetJob(ctx, f.jobID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), job.FailedFiles)
	require.NotEmpty(t, job.Errors)
	assert.Equal(t, string(backend.KindChecksumMismatch), job.Errors[0].ErrorKind)
}
