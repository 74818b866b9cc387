// Package cutover performs the commit half of a migration: the atomic,
// idempotent switch of a workspace's active storage configuration to the
// target backend of a finished job.
package cutover

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"storagemigration/pkg/backend"
	"storagemigration/pkg/models"
	"storagemigration/pkg/state"
)

// ErrJobNotCompleted rejects a commit for a job that has not finished
// copying. Never switch a workspace onto a target that may be missing files.
var ErrJobNotCompleted = errors.New("migration job has not completed")

// Manager commits finished migrations.
type Manager struct {
	store state.Store
	log   zerolog.Logger
}

func New(store state.Store) *Manager {
	return &Manager{
		store: store,
		log:   log.With().Str("component", "cutover").Logger(),
	}
}

// Complete switches the job's workspace onto the job's target backend. Only
// completed jobs are accepted; force overrides that for failed or cancelled
// jobs when the operator accepts a partially copied target. The switch is
// idempotent: retrying after a crash that already wrote the config returns
// success without a second write. Source data is never touched.
func (m *Manager) Complete(ctx context.Context, jobID string, force bool) (switched bool, err error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, fmt.Errorf("job %s not found", jobID)
	}

	switch {
	case job.Status == models.JobCompleted:
	case force && (job.Status == models.JobFailed || job.Status == models.JobCancelled):
		m.log.Warn().
			Str("job_id", jobID).
			Str("status", string(job.Status)).
			Int64("failed_files", job.FailedFiles).
			Msg("forced cutover on a non-completed job")
	default:
		return false, fmt.Errorf("job %s is %s: %w", jobID, job.Status, ErrJobNotCompleted)
	}

	switched, err = m.store.SwitchStorageConfig(ctx, &models.StorageConfig{
		WorkspaceID: job.WorkspaceID,
		Provider:    job.TargetProvider,
		Config:      job.TargetConfig,
	})
	if err != nil {
		return false, fmt.Errorf("switch storage config: %w", err)
	}

	if switched {
		m.log.Info().
			Str("job_id", jobID).
			Str("workspace_id", job.WorkspaceID).
			Interface("target", backend.RedactConfig(job.TargetProvider, job.TargetConfig)).
			Msg("workspace storage switched")
	} else {
		m.log.Info().Str("job_id", jobID).Str("workspace_id", job.WorkspaceID).Msg("workspace storage already switched")
	}
	return switched, nil
}
