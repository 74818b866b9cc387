package models

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a migration job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobInProgress JobStatus = "in_progress"
	JobPaused     JobStatus = "paused"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// ActiveStatuses are the states in which a job blocks starting another one
// for the same workspace.
var ActiveStatuses = []JobStatus{JobPending, JobInProgress, JobPaused}

// IsTerminal reports whether the status is a final state.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// IsActive reports whether the status counts against the one-active-job-per-
// workspace limit.
func (s JobStatus) IsActive() bool {
	return s == JobPending || s == JobInProgress || s == JobPaused
}

// FileStatus is the per-file state within a job's manifest.
type FileStatus string

const (
	FilePending  FileStatus = "pending"
	FileCopying  FileStatus = "copying"
	FileVerified FileStatus = "verified"
	FileFailed   FileStatus = "failed"
)

// MigrationOptions are the caller-tunable knobs accepted at start time.
type MigrationOptions struct {
	// Concurrency is the copy worker count. Zero means DefaultConcurrency.
	Concurrency int `json:"concurrency"`
	// ContinueOnError keeps the job going past per-file failures.
	ContinueOnError bool `json:"continue_on_error"`
	// VerifyIntegrity controls the streaming checksum compare. Unset means
	// enabled; an explicit false skips the hashing tee entirely and files are
	// marked verified on a successful size-checked write.
	VerifyIntegrity *bool `json:"verify_integrity,omitempty"`
	// MaxAttempts is the per-file attempt limit for transient failures.
	// Zero means DefaultMaxAttempts.
	MaxAttempts int `json:"max_attempts"`
	// AbortAfterFailures aborts the whole job once this many files have
	// permanently failed while ContinueOnError is false. Zero means abort on
	// the first permanent failure.
	AbortAfterFailures int64 `json:"abort_after_failures"`
}

const (
	DefaultConcurrency = 5
	DefaultMaxAttempts = 3
)

// WithDefaults fills unset fields with their defaults. Verification defaults
// on; a caller has to say false to lose it.
func (o MigrationOptions) WithDefaults() MigrationOptions {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.VerifyIntegrity == nil {
		enabled := true
		o.VerifyIntegrity = &enabled
	}
	return o
}

// Verify reports whether checksum verification is enabled.
func (o MigrationOptions) Verify() bool {
	return o.VerifyIntegrity == nil || *o.VerifyIntegrity
}

// DefaultOptions returns the options used when the caller passes none.
func DefaultOptions() MigrationOptions {
	return MigrationOptions{}.WithDefaults()
}

// JobError is one entry in a job's ordered error list.
type JobError struct {
	Path      string `json:"path"`
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
	Attempt   int    `json:"attempt"`
}

// MigrationJob is the durable record of one workspace storage migration.
// Identity fields are immutable after creation; status and counters mutate
// only through the coordinator and progress tracker.
type MigrationJob struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`

	SourceProvider string          `json:"source_provider"`
	SourceConfig   json.RawMessage `json:"source_config,omitempty"`
	TargetProvider string          `json:"target_provider"`
	TargetConfig   json.RawMessage `json:"target_config,omitempty"`

	Status JobStatus `json:"status"`

	TotalFiles    int64 `json:"total_files"`
	MigratedFiles int64 `json:"migrated_files"`
	FailedFiles   int64 `json:"failed_files"`
	TotalBytes    int64 `json:"total_bytes"`
	MigratedBytes int64 `json:"migrated_bytes"`

	// CurrentFile is advisory only: the last path a worker touched. Resume
	// never relies on it.
	CurrentFile string `json:"current_file,omitempty"`

	StartedAt             time.Time  `json:"started_at"`
	EstimatedCompletionAt *time.Time `json:"estimated_completion_at,omitempty"`
	CompletedAt           *time.Time `json:"completed_at,omitempty"`

	Errors []JobError `json:"errors"`

	Options MigrationOptions `json:"options"`

	// CanResume is derived, never stored: true while the job is paused or
	// failed and the manifest snapshot is still present.
	CanResume bool `json:"can_resume"`
}

// DeriveCanResume recomputes the CanResume flag from status and manifest
// availability.
func (j *MigrationJob) DeriveCanResume(manifestPresent bool) {
	j.CanResume = (j.Status == JobPaused || j.Status == JobFailed) && manifestPresent
}

// FileMigrationRecord is the per-manifest-entry child record of a job.
type FileMigrationRecord struct {
	JobID          string     `json:"job_id"`
	Path           string     `json:"path"`
	SizeBytes      int64      `json:"size_bytes"`
	SourceChecksum string     `json:"source_checksum,omitempty"`
	TargetChecksum string     `json:"target_checksum,omitempty"`
	Status         FileStatus `json:"status"`
	Attempts       int        `json:"attempts"`
	LastError      string     `json:"last_error,omitempty"`
}

// Scope is the result of a scope calculation: the size of the dataset a
// migration job would copy, captured once.
type Scope struct {
	FileCount         int64         `json:"file_count"`
	TotalBytes        int64         `json:"total_bytes"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
}

// StorageConfig is a workspace's active storage backend configuration, the
// thing cutover atomically rewrites.
type StorageConfig struct {
	WorkspaceID string          `json:"workspace_id"`
	Provider    string          `json:"provider"`
	Config      json.RawMessage `json:"config,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
