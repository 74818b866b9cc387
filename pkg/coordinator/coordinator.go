// Package coordinator owns the migration job lifecycle: it creates jobs,
// supervises their worker pools, applies the status state machine, and
// recovers orphaned jobs after a process restart.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"storagemigration/pkg/backend"
	"storagemigration/pkg/models"
	"storagemigration/pkg/progress"
	"storagemigration/pkg/scope"
	"storagemigration/pkg/state"
	"storagemigration/pkg/worker"
)

// progressFlushInterval is how often a running job writes its recomputed
// completion estimate back to the store.
const progressFlushInterval = 2 * time.Second

// StartRequest carries everything needed to create and launch a job.
type StartRequest struct {
	WorkspaceID    string
	SourceProvider string
	SourceConfig   json.RawMessage
	TargetProvider string
	TargetConfig   json.RawMessage
	SourcePrefix   string
	Options        models.MigrationOptions
}

// run is the in-process handle for one live job.
type run struct {
	cancel          context.CancelFunc
	stopping        *atomic.Bool
	pauseRequested  atomic.Bool
	cancelRequested atomic.Bool
	// suspended marks a process shutdown: the job stays in_progress so the
	// next process recovers it.
	suspended atomic.Bool
	done      chan struct{}
}

// Coordinator supervises all live migration jobs in this process.
type Coordinator struct {
	store state.Store
	log   zerolog.Logger

	mu   sync.Mutex
	runs map[string]*run
	wg   sync.WaitGroup
}

func New(store state.Store) *Coordinator {
	return &Coordinator{
		store: store,
		log:   log.With().Str("component", "coordinator").Logger(),
		runs:  make(map[string]*run),
	}
}

// StartMigration validates the request, persists a pending job, and launches
// its background runner. It returns the job ID immediately; progress is
// observed through GetJob, never through this call.
func (c *Coordinator) StartMigration(ctx context.Context, req StartRequest) (string, error) {
	if req.WorkspaceID == "" {
		return "", fmt.Errorf("workspace id is required")
	}
	if req.TargetProvider == "" {
		return "", fmt.Errorf("target provider is required")
	}

	// An omitted source means "migrate off the workspace's current backend".
	if req.SourceProvider == "" {
		current, err := c.store.GetStorageConfig(ctx, req.WorkspaceID)
		if err != nil {
			return "", err
		}
		if current == nil {
			return "", fmt.Errorf("workspace %s has no storage configuration and no source was given", req.WorkspaceID)
		}
		req.SourceProvider = current.Provider
		req.SourceConfig = current.Config
	}

	// Opening both adapters up front catches bad providers and unparsable
	// configs before a job row exists.
	source, err := backend.Open(ctx, req.SourceProvider, req.SourceConfig)
	if err != nil {
		return "", fmt.Errorf("source backend: %w", err)
	}
	target, err := backend.Open(ctx, req.TargetProvider, req.TargetConfig)
	if err != nil {
		return "", fmt.Errorf("target backend: %w", err)
	}

	job := &models.MigrationJob{
		ID:             uuid.New().String(),
		WorkspaceID:    req.WorkspaceID,
		SourceProvider: req.SourceProvider,
		SourceConfig:   req.SourceConfig,
		TargetProvider: req.TargetProvider,
		TargetConfig:   req.TargetConfig,
		Status:         models.JobPending,
		StartedAt:      time.Now().UTC(),
		Options:        req.Options.WithDefaults(),
	}
	if err := c.store.CreateJob(ctx, job); err != nil {
		return "", err
	}

	c.log.Info().
		Str("job_id", job.ID).
		Str("workspace_id", job.WorkspaceID).
		Interface("source", backend.RedactConfig(job.SourceProvider, job.SourceConfig)).
		Interface("target", backend.RedactConfig(job.TargetProvider, job.TargetConfig)).
		Int("concurrency", job.Options.Concurrency).
		Msg("migration job created")

	c.launch(job, source, target, req.SourcePrefix)
	return job.ID, nil
}

// launch registers a run handle and starts the background runner.
func (c *Coordinator) launch(job *models.MigrationJob, source, target backend.Backend, prefix string) {
	r := &run{
		stopping: &atomic.Bool{},
		done:     make(chan struct{}),
	}
	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	c.mu.Lock()
	c.runs[job.ID] = r
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(r.done)
		defer cancel()
		defer func() {
			if rec := recover(); rec != nil {
				c.log.Error().Str("job_id", job.ID).Interface("panic", rec).Msg("job runner panicked")
				c.store.UpdateJobStatus(context.Background(), job.ID, models.JobFailed, models.ActiveStatuses...)
			}
			c.mu.Lock()
			delete(c.runs, job.ID)
			c.mu.Unlock()
		}()
		c.runJob(runCtx, r, job, source, target, prefix)
	}()
}

// runJob drives one job from pending (or resumed in_progress) to a terminal
// or suspended state.
func (c *Coordinator) runJob(ctx context.Context, r *run, job *models.MigrationJob, source, target backend.Backend, prefix string) {
	jobLog := c.log.With().Str("job_id", job.ID).Logger()

	// Seed the manifest once. Resumed and recovered jobs already carry one
	// and keep their original snapshot.
	hasManifest, err := c.store.HasManifest(ctx, job.ID)
	if err != nil {
		jobLog.Error().Err(err).Msg("manifest check failed")
		c.finish(job.ID, models.JobFailed)
		return
	}
	if !hasManifest {
		calc := scope.NewCalculator(source)
		sc, err := calc.Seed(ctx, c.store, job.ID, prefix)
		if err != nil {
			jobLog.Error().Err(err).Msg("scope calculation failed")
			c.store.AddJobError(context.Background(), job.ID, models.JobError{
				ErrorKind: string(backend.KindOf(err)),
				Message:   fmt.Sprintf("scope calculation: %v", err),
			})
			c.finish(job.ID, models.JobFailed)
			return
		}
		// The reference-rate estimate stands in until observed throughput
		// replaces it through the flush loop.
		if sc.EstimatedDuration > 0 {
			eta := time.Now().UTC().Add(sc.EstimatedDuration)
			if err := c.store.SetEstimatedCompletion(ctx, job.ID, &eta); err != nil {
				jobLog.Warn().Err(err).Msg("initial estimate write failed")
			}
		}
	}

	if _, err := c.store.UpdateJobStatus(ctx, job.ID, models.JobInProgress, models.JobPending, models.JobInProgress); err != nil {
		jobLog.Error().Err(err).Msg("transition to in_progress failed")
		c.finish(job.ID, models.JobFailed)
		return
	}

	current, err := c.store.GetJob(ctx, job.ID)
	if err != nil || current == nil {
		jobLog.Error().Err(err).Msg("reload after transition failed")
		c.finish(job.ID, models.JobFailed)
		return
	}

	tracker := progress.NewTracker(
		current.TotalFiles, current.TotalBytes,
		current.MigratedFiles, current.MigratedBytes, current.FailedFiles)

	flushDone := make(chan struct{})
	go c.flushEstimates(ctx, job.ID, tracker, flushDone)

	pool := worker.New(c.store, source, target, tracker, job.ID, current.Options, r.stopping)
	runErr := pool.Run(ctx)

	close(flushDone)

	switch {
	case r.suspended.Load():
		// Process shutdown. No status write: recovery resumes the job.
		jobLog.Info().Msg("job suspended for shutdown")
	case r.cancelRequested.Load():
		jobLog.Info().Msg("job cancelled")
		c.finish(job.ID, models.JobCancelled)
	case r.pauseRequested.Load():
		jobLog.Info().Msg("job paused")
		c.finish(job.ID, models.JobPaused)
	case runErr != nil:
		jobLog.Error().Err(runErr).Msg("job failed")
		c.finish(job.ID, models.JobFailed)
	default:
		stats := tracker.GetStats()
		jobLog.Info().
			Int64("migrated_files", stats.MigratedFiles).
			Int64("failed_files", stats.FailedFiles).
			Int64("migrated_bytes", stats.MigratedBytes).
			Msg("job completed")
		c.finish(job.ID, models.JobCompleted)
	}
}

func (c *Coordinator) finish(jobID string, to models.JobStatus) {
	// The runner's own context may already be cancelled; terminal writes use
	// a fresh one so the final status always lands.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := c.store.UpdateJobStatus(ctx, jobID, to, models.ActiveStatuses...); err != nil {
		c.log.Error().Err(err).Str("job_id", jobID).Str("status", string(to)).Msg("final status write failed")
	}
	if !to.IsTerminal() {
		return
	}
	if err := c.store.SetEstimatedCompletion(ctx, jobID, nil); err != nil {
		c.log.Warn().Err(err).Str("job_id", jobID).Msg("clearing estimate failed")
	}
}

// flushEstimates periodically recomputes the completion estimate from the
// observed throughput and persists it.
func (c *Coordinator) flushEstimates(ctx context.Context, jobID string, tracker *progress.Tracker, done <-chan struct{}) {
	ticker := time.NewTicker(progressFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := tracker.GetStats()
			if stats.ETA == nil {
				continue
			}
			if err := c.store.SetEstimatedCompletion(ctx, jobID, stats.ETA); err != nil {
				c.log.Warn().Err(err).Str("job_id", jobID).Msg("estimate flush failed")
			}
		}
	}
}

// GetJob returns the persisted job or nil when it does not exist.
func (c *Coordinator) GetJob(ctx context.Context, jobID string) (*models.MigrationJob, error) {
	return c.store.GetJob(ctx, jobID)
}

// ListJobs returns the workspace's jobs, newest first.
func (c *Coordinator) ListJobs(ctx context.Context, workspaceID string) ([]*models.MigrationJob, error) {
	return c.store.ListJobs(ctx, workspaceID)
}

// Cancel requests cooperative cancellation. It returns as soon as the request
// is recorded; workers finish their in-flight files before the job settles
// into cancelled.
func (c *Coordinator) Cancel(ctx context.Context, jobID string) error {
	c.mu.Lock()
	r, live := c.runs[jobID]
	c.mu.Unlock()

	if live {
		r.cancelRequested.Store(true)
		r.stopping.Store(true)
		c.log.Info().Str("job_id", jobID).Msg("cancellation requested")
		return nil
	}

	// No live runner in this process: a pending or orphaned job flips
	// directly.
	ok, err := c.store.UpdateJobStatus(ctx, jobID, models.JobCancelled, models.ActiveStatuses...)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %s is not active", jobID)
	}
	return nil
}

// Pause requests cooperative suspension of a running job.
func (c *Coordinator) Pause(ctx context.Context, jobID string) error {
	c.mu.Lock()
	r, live := c.runs[jobID]
	c.mu.Unlock()

	if live {
		r.pauseRequested.Store(true)
		r.stopping.Store(true)
		c.log.Info().Str("job_id", jobID).Msg("pause requested")
		return nil
	}

	ok, err := c.store.UpdateJobStatus(ctx, jobID, models.JobPaused, models.JobPending, models.JobInProgress)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %s is not running", jobID)
	}
	return nil
}

// Resume relaunches a paused or failed job. Verified files are skipped; only
// records still pending are claimed by the new worker pool.
func (c *Coordinator) Resume(ctx context.Context, jobID string) error {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job %s not found", jobID)
	}
	if !job.CanResume {
		return backend.ErrNotResumable
	}

	c.mu.Lock()
	_, live := c.runs[jobID]
	c.mu.Unlock()
	if live {
		return fmt.Errorf("job %s already has a live runner", jobID)
	}

	source, err := backend.Open(ctx, job.SourceProvider, job.SourceConfig)
	if err != nil {
		return fmt.Errorf("source backend: %w", err)
	}
	target, err := backend.Open(ctx, job.TargetProvider, job.TargetConfig)
	if err != nil {
		return fmt.Errorf("target backend: %w", err)
	}

	if n, err := c.store.RequeueCopying(ctx, jobID); err != nil {
		return err
	} else if n > 0 {
		c.log.Info().Str("job_id", jobID).Int64("requeued", n).Msg("in-flight records returned to pending")
	}
	if _, err := c.store.UpdateJobStatus(ctx, jobID, models.JobInProgress, models.JobPaused, models.JobFailed); err != nil {
		return err
	}

	c.log.Info().Str("job_id", jobID).Msg("job resumed")
	c.launch(job, source, target, "")
	return nil
}

// ResetFailed returns a suspended job's failed records to pending so a resume
// retries them from scratch.
func (c *Coordinator) ResetFailed(ctx context.Context, jobID string) (int64, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if job == nil {
		return 0, fmt.Errorf("job %s not found", jobID)
	}
	if job.Status != models.JobPaused && job.Status != models.JobFailed {
		return 0, fmt.Errorf("job %s is %s; failed records can only be reset while paused or failed", jobID, job.Status)
	}
	return c.store.ResetFailedFiles(ctx, jobID)
}

// Discard deletes a terminal job and its manifest. Active jobs, paused ones
// included, must be cancelled first.
func (c *Coordinator) Discard(ctx context.Context, jobID string) error {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}
	if !job.Status.IsTerminal() {
		return fmt.Errorf("job %s is %s; cancel it before discarding", jobID, job.Status)
	}
	return c.store.DeleteJob(ctx, jobID)
}

// RecoverOrphans finds jobs left in_progress by a previous process and
// resumes them from their persisted manifests. Called once at startup.
func (c *Coordinator) RecoverOrphans(ctx context.Context) error {
	orphans, err := c.store.ListJobsByStatus(ctx, models.JobInProgress)
	if err != nil {
		return err
	}
	for _, job := range orphans {
		c.mu.Lock()
		_, live := c.runs[job.ID]
		c.mu.Unlock()
		if live {
			continue
		}

		source, err := backend.Open(ctx, job.SourceProvider, job.SourceConfig)
		if err != nil {
			c.log.Error().Err(err).Str("job_id", job.ID).Msg("orphan recovery: source backend unavailable")
			c.store.UpdateJobStatus(ctx, job.ID, models.JobFailed, models.JobInProgress)
			continue
		}
		target, err := backend.Open(ctx, job.TargetProvider, job.TargetConfig)
		if err != nil {
			c.log.Error().Err(err).Str("job_id", job.ID).Msg("orphan recovery: target backend unavailable")
			c.store.UpdateJobStatus(ctx, job.ID, models.JobFailed, models.JobInProgress)
			continue
		}

		if n, err := c.store.RequeueCopying(ctx, job.ID); err != nil {
			c.log.Error().Err(err).Str("job_id", job.ID).Msg("orphan recovery: requeue failed")
			continue
		} else if n > 0 {
			c.log.Info().Str("job_id", job.ID).Int64("requeued", n).Msg("orphan recovery: in-flight records requeued")
		}

		c.log.Info().Str("job_id", job.ID).Str("workspace_id", job.WorkspaceID).Msg("resuming orphaned job")
		c.launch(job, source, target, "")
	}
	return nil
}

// ActiveJobs returns the IDs of jobs with a live runner in this process.
func (c *Coordinator) ActiveJobs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.runs))
	for id := range c.runs {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown stops all runners and waits for them to drain their in-flight
// files. Jobs stay in_progress; the next process recovers them.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	for _, r := range c.runs {
		r.suspended.Store(true)
		r.stopping.Store(true)
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForJob blocks until the job's runner exits or ctx fires. Test and
// shutdown helper; jobs with no live runner return immediately.
func (c *Coordinator) WaitForJob(ctx context.Context, jobID string) error {
	c.mu.Lock()
	r, live := c.runs[jobID]
	c.mu.Unlock()
	if !live {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
