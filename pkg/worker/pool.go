// Package worker runs the copy phase of a migration job: a pool of goroutines
// that claim manifest records, stream each object from source to target, and
// verify what landed.
package worker

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"storagemigration/pkg/backend"
	"storagemigration/pkg/integrity"
	"storagemigration/pkg/models"
	"storagemigration/pkg/progress"
	"storagemigration/pkg/state"
)

const retryBaseDelay = 500 * time.Millisecond

// Pool copies the pending manifest records of one job.
type Pool struct {
	store   state.Store
	source  backend.Backend
	target  backend.Backend
	tracker *progress.Tracker
	jobID   string
	opts    models.MigrationOptions

	// stopping is the cooperative cancel flag. Workers check it between
	// files, never mid-transfer, so a cancelled job holds no partially
	// counted files.
	stopping *atomic.Bool

	clock clock.Clock
	log   zerolog.Logger

	permanentFailures atomic.Int64
	fatalOnce         sync.Once
	fatalErr          error
}

// New builds a pool for one job run. stopping is shared with the coordinator
// so pause and cancel reach the workers.
func New(store state.Store, source, target backend.Backend, tracker *progress.Tracker, jobID string, opts models.MigrationOptions, stopping *atomic.Bool) *Pool {
	return &Pool{
		store:    store,
		source:   source,
		target:   target,
		tracker:  tracker,
		jobID:    jobID,
		opts:     opts.WithDefaults(),
		stopping: stopping,
		clock:    clock.WallClock,
		log:      log.With().Str("component", "worker").Str("job_id", jobID).Logger(),
	}
}

// WithClock replaces the retry clock, for tests.
func (p *Pool) WithClock(c clock.Clock) *Pool {
	p.clock = c
	return p
}

// Run drains the manifest with opts.Concurrency workers and blocks until all
// of them return. It returns nil when the manifest is drained or the stop
// flag was raised; a non-nil error means the job aborted on a fatal failure
// or on exceeding the failure budget.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.opts.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.worker(ctx, id)
		}(i)
	}
	wg.Wait()

	if p.fatalErr != nil {
		return p.fatalErr
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

func (p *Pool) worker(ctx context.Context, id int) {
	for {
		if p.stopping.Load() || ctx.Err() != nil {
			return
		}

		rec, err := p.store.ClaimNextFile(ctx, p.jobID)
		if err != nil {
			p.abort(fmt.Errorf("claim next file: %w", err))
			return
		}
		if rec == nil {
			return
		}

		if err := p.store.SetCurrentFile(ctx, p.jobID, rec.Path); err != nil {
			p.log.Warn().Err(err).Str("path", rec.Path).Msg("advisory current-file update failed")
		}

		p.processFile(ctx, id, rec)
	}
}

// processFile runs one record through the retry loop and records the outcome.
func (p *Pool) processFile(ctx context.Context, workerID int, rec *models.FileMigrationRecord) {
	attempt := rec.Attempts
	var sourceChecksum, targetChecksum string

	err := retry.Call(retry.CallArgs{
		Func: func() error {
			attempt++
			var copyErr error
			sourceChecksum, targetChecksum, copyErr = p.copyFile(ctx, rec)
			return copyErr
		},
		IsFatalError: func(err error) bool {
			return backend.IsFatal(err) || backend.IsNotFound(err) || ctx.Err() != nil
		},
		Attempts:    p.opts.MaxAttempts,
		Delay:       retryBaseDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       p.clock,
		Stop:        ctx.Done(),
	})

	if err == nil {
		if markErr := p.store.MarkFileVerified(ctx, p.jobID, rec.Path, sourceChecksum, targetChecksum, attempt); markErr != nil {
			p.abort(fmt.Errorf("mark file verified: %w", markErr))
			return
		}
		if incErr := p.store.IncrementMigrated(ctx, p.jobID, rec.SizeBytes); incErr != nil {
			p.abort(fmt.Errorf("increment migrated: %w", incErr))
			return
		}
		p.tracker.Update(rec.SizeBytes, true)
		p.log.Debug().Int("worker", workerID).Str("path", rec.Path).Int64("bytes", rec.SizeBytes).Msg("file migrated")
		return
	}

	if retry.IsRetryStopped(err) {
		// Context cancelled mid-backoff. Leave the record in copying state;
		// the requeue sweep returns it to pending on resume.
		return
	}
	if retry.IsAttemptsExceeded(err) {
		err = retry.LastError(err)
	}

	kind := backend.KindOf(err)
	p.log.Warn().Int("worker", workerID).Str("path", rec.Path).
		Str("kind", string(kind)).Int("attempts", attempt).Err(err).
		Msg("file migration failed")

	if markErr := p.store.MarkFileFailed(ctx, p.jobID, rec.Path, attempt, err.Error()); markErr != nil {
		p.abort(fmt.Errorf("mark file failed: %w", markErr))
		return
	}
	if incErr := p.store.IncrementFailed(ctx, p.jobID); incErr != nil {
		p.abort(fmt.Errorf("increment failed: %w", incErr))
		return
	}
	if addErr := p.store.AddJobError(ctx, p.jobID, models.JobError{
		Path:      rec.Path,
		ErrorKind: string(kind),
		Message:   err.Error(),
		Attempt:   attempt,
	}); addErr != nil {
		p.log.Warn().Err(addErr).Msg("recording job error failed")
	}
	p.tracker.Update(rec.SizeBytes, false)

	if backend.IsFatal(err) {
		p.abort(err)
		return
	}
	if backend.IsNotFound(err) {
		// Object vanished after scoping. Counted and recorded above; the job
		// keeps going regardless of options.
		return
	}

	failures := p.permanentFailures.Add(1)
	if !p.opts.ContinueOnError && failures > p.opts.AbortAfterFailures {
		p.abort(fmt.Errorf("aborting after %d permanent file failures: %w", failures, err))
	}
}

// abort records the first fatal error and raises the stop flag so the other
// workers wind down after their current file.
func (p *Pool) abort(err error) {
	p.fatalOnce.Do(func() {
		p.fatalErr = err
		p.stopping.Store(true)
		p.log.Error().Err(err).Msg("aborting job run")
	})
}

// copyFile streams one object from source to target and verifies the result.
// The checksum is computed on the same pass as the copy; the data is never
// read twice.
func (p *Pool) copyFile(ctx context.Context, rec *models.FileMigrationRecord) (sourceChecksum, targetChecksum string, err error) {
	reader, size, _, err := p.source.GetObjectStream(ctx, rec.Path)
	if err != nil {
		return "", "", err
	}
	defer reader.Close()

	var body io.Reader = reader
	var hasher *integrity.StreamingHasher
	if p.opts.Verify() {
		hasher = integrity.NewStreamingHasher()
		body = io.TeeReader(reader, hasher)
	}

	targetChecksum, err = p.target.PutObjectStream(ctx, rec.Path, body, size)
	if err != nil {
		return "", "", err
	}

	if !p.opts.Verify() {
		return "", targetChecksum, nil
	}

	sourceChecksum = hasher.MD5()
	if hasher.Size() != size {
		return "", "", backend.NewError(backend.KindChecksumMismatch, "verify", rec.Path,
			fmt.Errorf("size mismatch: read %d bytes, expected %d", hasher.Size(), size))
	}
	// An empty target checksum means the backend cannot report content MD5
	// for this upload shape; the size check above is the verification then.
	if targetChecksum != "" && targetChecksum != sourceChecksum {
		return "", "", backend.NewError(backend.KindChecksumMismatch, "verify", rec.Path,
			fmt.Errorf("checksum mismatch: source %s, target %s", sourceChecksum, targetChecksum))
	}
	return sourceChecksum, targetChecksum, nil
}
