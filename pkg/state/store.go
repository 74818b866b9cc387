// Package state persists migration jobs and their per-file records. The
// store is the single source of truth for resumability: a job can be picked
// up by a fresh process using nothing but what lives here.
package state

import (
	"context"
	"time"

	"storagemigration/pkg/models"
)

// Store is the durable record of migration jobs, file records, and each
// workspace's active storage configuration.
//
// Implementations must guarantee:
//   - at most one job in an active status per workspace (CreateJob returns
//     backend.ErrJobAlreadyActive otherwise),
//   - ClaimNextFile hands any given pending record to exactly one caller,
//   - counter increments are serialized, never read-modify-write races.
type Store interface {
	// CreateJob inserts a new job. Fails with backend.ErrJobAlreadyActive if
	// the workspace already has a pending, in-progress, or paused job.
	CreateJob(ctx context.Context, job *models.MigrationJob) error
	GetJob(ctx context.Context, jobID string) (*models.MigrationJob, error)
	ListJobs(ctx context.Context, workspaceID string) ([]*models.MigrationJob, error)
	ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.MigrationJob, error)

	// UpdateJobStatus transitions the job's status if its current status is
	// one of from. Returns false when the job was in some other state, which
	// makes concurrent transitions race-free.
	UpdateJobStatus(ctx context.Context, jobID string, to models.JobStatus, from ...models.JobStatus) (bool, error)

	// SetJobScope records the immutable snapshot totals once scope
	// calculation finishes.
	SetJobScope(ctx context.Context, jobID string, totalFiles, totalBytes int64) error

	// IncrementMigrated and IncrementFailed bump the aggregate counters by
	// one file. Serialized per job by the implementation.
	IncrementMigrated(ctx context.Context, jobID string, bytes int64) error
	IncrementFailed(ctx context.Context, jobID string) error

	SetCurrentFile(ctx context.Context, jobID, path string) error
	SetEstimatedCompletion(ctx context.Context, jobID string, at *time.Time) error
	AddJobError(ctx context.Context, jobID string, jobErr models.JobError) error

	// DeleteJob discards a job and its file records. Only terminal jobs may
	// be discarded.
	DeleteJob(ctx context.Context, jobID string) error

	// InsertFileRecords appends a batch of manifest seeds for a job. Called
	// repeatedly by the scope calculator as listing pages stream in.
	InsertFileRecords(ctx context.Context, jobID string, records []models.FileMigrationRecord) error

	// DeleteFileRecords drops the job's entire manifest. A manifest that was
	// only partially seeded must not survive, or a resume would treat the
	// truncated snapshot as the whole dataset.
	DeleteFileRecords(ctx context.Context, jobID string) error

	// ClaimNextFile atomically moves one pending record to copying and
	// returns it. Returns (nil, nil) when no pending records remain.
	ClaimNextFile(ctx context.Context, jobID string) (*models.FileMigrationRecord, error)

	MarkFileVerified(ctx context.Context, jobID, path, sourceChecksum, targetChecksum string, attempts int) error
	MarkFileFailed(ctx context.Context, jobID, path string, attempts int, lastError string) error

	// RequeueCopying returns records stuck in copying to pending. Used when
	// resuming a job whose previous owner died mid-file.
	RequeueCopying(ctx context.Context, jobID string) (int64, error)

	// ResetFailedFiles re-queues permanently failed records for another
	// round of attempts. Explicit operator action on resume.
	ResetFailedFiles(ctx context.Context, jobID string) (int64, error)

	// CountFiles returns the per-status record counts for a job.
	CountFiles(ctx context.Context, jobID string) (map[models.FileStatus]int64, error)

	// HasManifest reports whether the job's manifest snapshot is present,
	// which is what makes a paused or failed job resumable.
	HasManifest(ctx context.Context, jobID string) (bool, error)

	// GetStorageConfig returns the workspace's active storage configuration,
	// or (nil, nil) when none has been written yet.
	GetStorageConfig(ctx context.Context, workspaceID string) (*models.StorageConfig, error)

	// SwitchStorageConfig atomically points the workspace at the target
	// backend. Returns switched=false when the configuration already matches
	// the target, which is what makes cutover retries idempotent.
	SwitchStorageConfig(ctx context.Context, cfg *models.StorageConfig) (switched bool, err error)

	// CleanupTerminalJobs removes terminal jobs older than the retention
	// window, returning how many were deleted.
	CleanupTerminalJobs(ctx context.Context, olderThan time.Duration) (int64, error)
}
