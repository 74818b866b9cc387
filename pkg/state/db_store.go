package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"storagemigration/pkg/backend"
	"storagemigration/pkg/models"
)

// DBStore is the Postgres-backed job store.
type DBStore struct {
	db *sql.DB
}

var _ Store = (*DBStore)(nil)

// NewDBStore opens the database, configures the pool, and ensures the schema
// exists.
func NewDBStore(connectionString string) (*DBStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store := &DBStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	log.Info().Str("component", "state").Msg("job store initialized")
	return store, nil
}

func (s *DBStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS migration_jobs (
		id                      VARCHAR(64) PRIMARY KEY,
		workspace_id            VARCHAR(255) NOT NULL,
		source_provider         VARCHAR(50) NOT NULL,
		source_config           TEXT,
		target_provider         VARCHAR(50) NOT NULL,
		target_config           TEXT,
		status                  VARCHAR(20) NOT NULL,
		total_files             BIGINT NOT NULL DEFAULT 0,
		migrated_files          BIGINT NOT NULL DEFAULT 0,
		failed_files            BIGINT NOT NULL DEFAULT 0,
		total_bytes             BIGINT NOT NULL DEFAULT 0,
		migrated_bytes          BIGINT NOT NULL DEFAULT 0,
		current_file            TEXT,
		started_at              TIMESTAMPTZ NOT NULL,
		estimated_completion_at TIMESTAMPTZ,
		completed_at            TIMESTAMPTZ,
		errors                  JSONB NOT NULL DEFAULT '[]'::jsonb,
		options                 JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at              TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_one_active_per_workspace
		ON migration_jobs(workspace_id)
		WHERE status IN ('pending', 'in_progress', 'paused');
	CREATE INDEX IF NOT EXISTS idx_jobs_workspace ON migration_jobs(workspace_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON migration_jobs(status);

	CREATE TABLE IF NOT EXISTS file_migration_records (
		job_id          VARCHAR(64) NOT NULL REFERENCES migration_jobs(id) ON DELETE CASCADE,
		path            TEXT NOT NULL,
		size_bytes      BIGINT NOT NULL DEFAULT 0,
		source_checksum VARCHAR(64),
		target_checksum VARCHAR(64),
		status          VARCHAR(20) NOT NULL DEFAULT 'pending',
		attempts        INT NOT NULL DEFAULT 0,
		last_error      TEXT,
		PRIMARY KEY (job_id, path)
	);

	CREATE INDEX IF NOT EXISTS idx_file_records_claim
		ON file_migration_records(job_id, status);

	CREATE TABLE IF NOT EXISTS workspace_storage_configs (
		workspace_id VARCHAR(255) PRIMARY KEY,
		provider     VARCHAR(50) NOT NULL,
		config       TEXT,
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *DBStore) CreateJob(ctx context.Context, job *models.MigrationJob) error {
	errorsJSON, _ := json.Marshal(job.Errors)
	optionsJSON, _ := json.Marshal(job.Options)

	query := `
		INSERT INTO migration_jobs (
			id, workspace_id, source_provider, source_config,
			target_provider, target_config, status,
			total_files, migrated_files, failed_files, total_bytes, migrated_bytes,
			started_at, errors, options
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err := s.db.ExecContext(ctx, query,
		job.ID, job.WorkspaceID, job.SourceProvider, string(job.SourceConfig),
		job.TargetProvider, string(job.TargetConfig), string(job.Status),
		job.TotalFiles, job.MigratedFiles, job.FailedFiles, job.TotalBytes, job.MigratedBytes,
		job.StartedAt, string(errorsJSON), string(optionsJSON),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return backend.ErrJobAlreadyActive
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

const jobColumns = `
	id, workspace_id, source_provider, source_config, target_provider, target_config,
	status, total_files, migrated_files, failed_files, total_bytes, migrated_bytes,
	current_file, started_at, estimated_completion_at, completed_at, errors, options
`

func (s *DBStore) scanJob(row interface{ Scan(...any) error }) (*models.MigrationJob, error) {
	var job models.MigrationJob
	var sourceConfig, targetConfig, currentFile sql.NullString
	var estimatedAt, completedAt sql.NullTime
	var errorsJSON, optionsJSON string
	var status string

	err := row.Scan(
		&job.ID, &job.WorkspaceID, &job.SourceProvider, &sourceConfig,
		&job.TargetProvider, &targetConfig,
		&status, &job.TotalFiles, &job.MigratedFiles, &job.FailedFiles,
		&job.TotalBytes, &job.MigratedBytes,
		&currentFile, &job.StartedAt, &estimatedAt, &completedAt,
		&errorsJSON, &optionsJSON,
	)
	if err != nil {
		return nil, err
	}

	job.Status = models.JobStatus(status)
	if sourceConfig.Valid {
		job.SourceConfig = json.RawMessage(sourceConfig.String)
	}
	if targetConfig.Valid {
		job.TargetConfig = json.RawMessage(targetConfig.String)
	}
	if currentFile.Valid {
		job.CurrentFile = currentFile.String
	}
	if estimatedAt.Valid {
		t := estimatedAt.Time
		job.EstimatedCompletionAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	json.Unmarshal([]byte(errorsJSON), &job.Errors)
	json.Unmarshal([]byte(optionsJSON), &job.Options)
	return &job, nil
}

func (s *DBStore) GetJob(ctx context.Context, jobID string) (*models.MigrationJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM migration_jobs WHERE id = $1`, jobID)
	job, err := s.scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	manifest, err := s.HasManifest(ctx, jobID)
	if err != nil {
		return nil, err
	}
	job.DeriveCanResume(manifest)
	return job, nil
}

func (s *DBStore) listJobs(ctx context.Context, where string, arg any) ([]*models.MigrationJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM migration_jobs WHERE `+where+` ORDER BY created_at DESC LIMIT 1000`, arg)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.MigrationJob
	for rows.Next() {
		job, err := s.scanJob(rows)
		if err != nil {
			log.Warn().Err(err).Str("component", "state").Msg("skipping unreadable job row")
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *DBStore) ListJobs(ctx context.Context, workspaceID string) ([]*models.MigrationJob, error) {
	return s.listJobs(ctx, "workspace_id = $1", workspaceID)
}

func (s *DBStore) ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.MigrationJob, error) {
	return s.listJobs(ctx, "status = $1", string(status))
}

func (s *DBStore) UpdateJobStatus(ctx context.Context, jobID string, to models.JobStatus, from ...models.JobStatus) (bool, error) {
	fromStrs := make([]string, len(from))
	for i, st := range from {
		fromStrs[i] = string(st)
	}

	var completedAt any
	if to.IsTerminal() {
		completedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE migration_jobs
		SET status = $2,
		    completed_at = COALESCE($3, completed_at),
		    updated_at = now()
		WHERE id = $1 AND status = ANY($4)
	`, jobID, string(to), completedAt, pq.Array(fromStrs))
	if err != nil {
		return false, fmt.Errorf("update job status: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *DBStore) SetJobScope(ctx context.Context, jobID string, totalFiles, totalBytes int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE migration_jobs
		SET total_files = $2, total_bytes = $3, updated_at = now()
		WHERE id = $1
	`, jobID, totalFiles, totalBytes)
	if err != nil {
		return fmt.Errorf("set job scope: %w", err)
	}
	return nil
}

func (s *DBStore) IncrementMigrated(ctx context.Context, jobID string, bytes int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE migration_jobs
		SET migrated_files = migrated_files + 1,
		    migrated_bytes = migrated_bytes + $2,
		    updated_at = now()
		WHERE id = $1
	`, jobID, bytes)
	if err != nil {
		return fmt.Errorf("increment migrated: %w", err)
	}
	return nil
}

func (s *DBStore) IncrementFailed(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE migration_jobs
		SET failed_files = failed_files + 1, updated_at = now()
		WHERE id = $1
	`, jobID)
	if err != nil {
		return fmt.Errorf("increment failed: %w", err)
	}
	return nil
}

func (s *DBStore) SetCurrentFile(ctx context.Context, jobID, path string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE migration_jobs SET current_file = $2, updated_at = now() WHERE id = $1`,
		jobID, path)
	if err != nil {
		return fmt.Errorf("set current file: %w", err)
	}
	return nil
}

func (s *DBStore) SetEstimatedCompletion(ctx context.Context, jobID string, at *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE migration_jobs SET estimated_completion_at = $2, updated_at = now() WHERE id = $1`,
		jobID, at)
	if err != nil {
		return fmt.Errorf("set estimated completion: %w", err)
	}
	return nil
}

func (s *DBStore) AddJobError(ctx context.Context, jobID string, jobErr models.JobError) error {
	entry, _ := json.Marshal([]models.JobError{jobErr})
	_, err := s.db.ExecContext(ctx, `
		UPDATE migration_jobs
		SET errors = errors || $2::jsonb, updated_at = now()
		WHERE id = $1
	`, jobID, string(entry))
	if err != nil {
		return fmt.Errorf("append job error: %w", err)
	}
	return nil
}

func (s *DBStore) DeleteJob(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM migration_jobs WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

func (s *DBStore) InsertFileRecords(ctx context.Context, jobID string, records []models.FileMigrationRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert records: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(
		"file_migration_records", "job_id", "path", "size_bytes", "status", "attempts"))
	if err != nil {
		return fmt.Errorf("prepare bulk insert: %w", err)
	}
	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx, jobID, rec.Path, rec.SizeBytes, string(models.FilePending), 0); err != nil {
			stmt.Close()
			return fmt.Errorf("insert record %s: %w", rec.Path, err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("flush bulk insert: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("close bulk insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert records: %w", err)
	}
	return nil
}

func (s *DBStore) DeleteFileRecords(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM file_migration_records WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("delete file records: %w", err)
	}
	return nil
}

func (s *DBStore) ClaimNextFile(ctx context.Context, jobID string) (*models.FileMigrationRecord, error) {
	// SKIP LOCKED makes the claim atomic across workers and processes: each
	// pending record goes to exactly one claimant.
	row := s.db.QueryRowContext(ctx, `
		UPDATE file_migration_records
		SET status = 'copying'
		WHERE job_id = $1 AND path = (
			SELECT path FROM file_migration_records
			WHERE job_id = $1 AND status = 'pending'
			ORDER BY path
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING path, size_bytes, attempts
	`, jobID)

	rec := models.FileMigrationRecord{JobID: jobID, Status: models.FileCopying}
	err := row.Scan(&rec.Path, &rec.SizeBytes, &rec.Attempts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim file: %w", err)
	}
	return &rec, nil
}

func (s *DBStore) MarkFileVerified(ctx context.Context, jobID, path, sourceChecksum, targetChecksum string, attempts int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE file_migration_records
		SET status = 'verified', source_checksum = $3, target_checksum = $4,
		    attempts = $5, last_error = NULL
		WHERE job_id = $1 AND path = $2
	`, jobID, path, sourceChecksum, targetChecksum, attempts)
	if err != nil {
		return fmt.Errorf("mark file verified: %w", err)
	}
	return nil
}

func (s *DBStore) MarkFileFailed(ctx context.Context, jobID, path string, attempts int, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE file_migration_records
		SET status = 'failed', attempts = $3, last_error = $4
		WHERE job_id = $1 AND path = $2
	`, jobID, path, attempts, lastError)
	if err != nil {
		return fmt.Errorf("mark file failed: %w", err)
	}
	return nil
}

func (s *DBStore) RequeueCopying(ctx context.Context, jobID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE file_migration_records
		SET status = 'pending'
		WHERE job_id = $1 AND status = 'copying'
	`, jobID)
	if err != nil {
		return 0, fmt.Errorf("requeue copying records: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *DBStore) ResetFailedFiles(ctx context.Context, jobID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE file_migration_records
		SET status = 'pending', attempts = 0, last_error = NULL
		WHERE job_id = $1 AND status = 'failed'
	`, jobID)
	if err != nil {
		return 0, fmt.Errorf("reset failed records: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *DBStore) CountFiles(ctx context.Context, jobID string) (map[models.FileStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM file_migration_records
		WHERE job_id = $1 GROUP BY status
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("count files: %w", err)
	}
	defer rows.Close()

	counts := map[models.FileStatus]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[models.FileStatus(status)] = n
	}
	return counts, rows.Err()
}

func (s *DBStore) HasManifest(ctx context.Context, jobID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM file_migration_records WHERE job_id = $1)`, jobID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check manifest: %w", err)
	}
	return exists, nil
}

func (s *DBStore) GetStorageConfig(ctx context.Context, workspaceID string) (*models.StorageConfig, error) {
	var cfg models.StorageConfig
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT workspace_id, provider, config, updated_at
		FROM workspace_storage_configs WHERE workspace_id = $1
	`, workspaceID).Scan(&cfg.WorkspaceID, &cfg.Provider, &raw, &cfg.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load storage config: %w", err)
	}
	if raw.Valid {
		cfg.Config = json.RawMessage(raw.String)
	}
	return &cfg, nil
}

func (s *DBStore) SwitchStorageConfig(ctx context.Context, cfg *models.StorageConfig) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin cutover: %w", err)
	}
	defer tx.Rollback()

	var provider string
	var raw sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT provider, config FROM workspace_storage_configs
		WHERE workspace_id = $1 FOR UPDATE
	`, cfg.WorkspaceID).Scan(&provider, &raw)
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("read storage config: %w", err)
	}
	if err == nil && provider == cfg.Provider && raw.String == string(cfg.Config) {
		// Already switched; a retried cutover sees its own earlier write.
		return false, tx.Commit()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workspace_storage_configs (workspace_id, provider, config, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (workspace_id) DO UPDATE SET
			provider = EXCLUDED.provider,
			config = EXCLUDED.config,
			updated_at = EXCLUDED.updated_at
	`, cfg.WorkspaceID, cfg.Provider, string(cfg.Config))
	if err != nil {
		return false, fmt.Errorf("write storage config: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit cutover: %w", err)
	}
	return true, nil
}

func (s *DBStore) CleanupTerminalJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM migration_jobs
		WHERE created_at < $1 AND status IN ('completed', 'failed', 'cancelled')
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup terminal jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Close closes the database connection.
func (s *DBStore) Close() error {
	return s.db.Close()
}
