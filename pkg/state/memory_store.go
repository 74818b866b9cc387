package state

import (
	"context"
	"sort"
	"sync"
	"time"

	"storagemigration/pkg/backend"
	"storagemigration/pkg/models"
)

// MemoryStore keeps all job state in process memory. It mirrors the
// transactional behavior of the database store closely enough for tests and
// single-process development runs.
type MemoryStore struct {
	mu      sync.Mutex
	jobs    map[string]*models.MigrationJob
	files   map[string]map[string]*models.FileMigrationRecord
	configs map[string]*models.StorageConfig
	created map[string]time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]*models.MigrationJob),
		files:   make(map[string]map[string]*models.FileMigrationRecord),
		configs: make(map[string]*models.StorageConfig),
		created: make(map[string]time.Time),
	}
}

func (s *MemoryStore) CreateJob(ctx context.Context, job *models.MigrationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.jobs {
		if existing.WorkspaceID == job.WorkspaceID && existing.Status.IsActive() {
			return backend.ErrJobAlreadyActive
		}
	}
	clone := *job
	s.jobs[job.ID] = &clone
	s.created[job.ID] = time.Now()
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, jobID string) (*models.MigrationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, nil
	}
	clone := *job
	clone.Errors = append([]models.JobError(nil), job.Errors...)
	clone.DeriveCanResume(len(s.files[jobID]) > 0)
	return &clone, nil
}

func (s *MemoryStore) ListJobs(ctx context.Context, workspaceID string) ([]*models.MigrationJob, error) {
	return s.list(func(j *models.MigrationJob) bool { return j.WorkspaceID == workspaceID })
}

func (s *MemoryStore) ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.MigrationJob, error) {
	return s.list(func(j *models.MigrationJob) bool { return j.Status == status })
}

func (s *MemoryStore) list(match func(*models.MigrationJob) bool) ([]*models.MigrationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []*models.MigrationJob
	for id, job := range s.jobs {
		if !match(job) {
			continue
		}
		clone := *job
		clone.DeriveCanResume(len(s.files[id]) > 0)
		jobs = append(jobs, &clone)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return s.created[jobs[i].ID].After(s.created[jobs[j].ID])
	})
	return jobs, nil
}

func (s *MemoryStore) UpdateJobStatus(ctx context.Context, jobID string, to models.JobStatus, from ...models.JobStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, nil
	}
	allowed := false
	for _, st := range from {
		if job.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return false, nil
	}
	job.Status = to
	if to.IsTerminal() {
		now := time.Now().UTC()
		job.CompletedAt = &now
	}
	return true, nil
}

func (s *MemoryStore) SetJobScope(ctx context.Context, jobID string, totalFiles, totalBytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[jobID]; ok {
		job.TotalFiles = totalFiles
		job.TotalBytes = totalBytes
	}
	return nil
}

func (s *MemoryStore) IncrementMigrated(ctx context.Context, jobID string, bytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[jobID]; ok {
		job.MigratedFiles++
		job.MigratedBytes += bytes
	}
	return nil
}

func (s *MemoryStore) IncrementFailed(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[jobID]; ok {
		job.FailedFiles++
	}
	return nil
}

func (s *MemoryStore) SetCurrentFile(ctx context.Context, jobID, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[jobID]; ok {
		job.CurrentFile = path
	}
	return nil
}

func (s *MemoryStore) SetEstimatedCompletion(ctx context.Context, jobID string, at *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[jobID]; ok {
		job.EstimatedCompletionAt = at
	}
	return nil
}

func (s *MemoryStore) AddJobError(ctx context.Context, jobID string, jobErr models.JobError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[jobID]; ok {
		job.Errors = append(job.Errors, jobErr)
	}
	return nil
}

func (s *MemoryStore) DeleteJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
	delete(s.files, jobID)
	delete(s.created, jobID)
	return nil
}

func (s *MemoryStore) InsertFileRecords(ctx context.Context, jobID string, records []models.FileMigrationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byPath := s.files[jobID]
	if byPath == nil {
		byPath = make(map[string]*models.FileMigrationRecord)
		s.files[jobID] = byPath
	}
	for _, rec := range records {
		clone := rec
		clone.JobID = jobID
		clone.Status = models.FilePending
		clone.Attempts = 0
		byPath[rec.Path] = &clone
	}
	return nil
}

func (s *MemoryStore) DeleteFileRecords(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, jobID)
	return nil
}

func (s *MemoryStore) ClaimNextFile(ctx context.Context, jobID string) (*models.FileMigrationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byPath := s.files[jobID]
	var paths []string
	for path, rec := range byPath {
		if rec.Status == models.FilePending {
			paths = append(paths, path)
		}
	}
	if len(paths) == 0 {
		return nil, nil
	}
	sort.Strings(paths)
	rec := byPath[paths[0]]
	rec.Status = models.FileCopying
	clone := *rec
	return &clone, nil
}

func (s *MemoryStore) MarkFileVerified(ctx context.Context, jobID, path, sourceChecksum, targetChecksum string, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.files[jobID][path]; ok {
		rec.Status = models.FileVerified
		rec.SourceChecksum = sourceChecksum
		rec.TargetChecksum = targetChecksum
		rec.Attempts = attempts
		rec.LastError = ""
	}
	return nil
}

func (s *MemoryStore) MarkFileFailed(ctx context.Context, jobID, path string, attempts int, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.files[jobID][path]; ok {
		rec.Status = models.FileFailed
		rec.Attempts = attempts
		rec.LastError = lastError
	}
	return nil
}

func (s *MemoryStore) RequeueCopying(ctx context.Context, jobID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, rec := range s.files[jobID] {
		if rec.Status == models.FileCopying {
			rec.Status = models.FilePending
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ResetFailedFiles(ctx context.Context, jobID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, rec := range s.files[jobID] {
		if rec.Status == models.FileFailed {
			rec.Status = models.FilePending
			rec.Attempts = 0
			rec.LastError = ""
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CountFiles(ctx context.Context, jobID string) (map[models.FileStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[models.FileStatus]int64{}
	for _, rec := range s.files[jobID] {
		counts[rec.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) HasManifest(ctx context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files[jobID]) > 0, nil
}

// FileRecord returns a copy of a single manifest record, for tests.
func (s *MemoryStore) FileRecord(jobID, path string) (models.FileMigrationRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.files[jobID][path]
	if !ok {
		return models.FileMigrationRecord{}, false
	}
	return *rec, true
}

func (s *MemoryStore) GetStorageConfig(ctx context.Context, workspaceID string) (*models.StorageConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[workspaceID]
	if !ok {
		return nil, nil
	}
	clone := *cfg
	return &clone, nil
}

func (s *MemoryStore) SwitchStorageConfig(ctx context.Context, cfg *models.StorageConfig) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.configs[cfg.WorkspaceID]; ok {
		if existing.Provider == cfg.Provider && string(existing.Config) == string(cfg.Config) {
			return false, nil
		}
	}
	clone := *cfg
	clone.UpdatedAt = time.Now().UTC()
	s.configs[cfg.WorkspaceID] = &clone
	return true, nil
}

func (s *MemoryStore) CleanupTerminalJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var n int64
	for id, job := range s.jobs {
		if job.Status.IsTerminal() && s.created[id].Before(cutoff) {
			delete(s.jobs, id)
			delete(s.files, id)
			delete(s.created, id)
			n++
		}
	}
	return n, nil
}
