// Package scheduler runs the engine's periodic maintenance: pruning old
// terminal jobs and sweeping for orphaned in_progress jobs that lost their
// runner.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"storagemigration/pkg/state"
)

const (
	// DefaultCleanupSpec prunes terminal jobs nightly.
	DefaultCleanupSpec = "0 3 * * *"
	// DefaultRecoverySpec sweeps for orphaned jobs every ten minutes.
	DefaultRecoverySpec = "*/10 * * * *"
	// DefaultRetention is how long completed, failed, and cancelled jobs are
	// kept before cleanup removes them.
	DefaultRetention = 30 * 24 * time.Hour
)

// Recoverer resumes jobs left in_progress with no live runner.
type Recoverer interface {
	RecoverOrphans(ctx context.Context) error
}

// Scheduler manages the engine's maintenance tasks.
type Scheduler struct {
	mu        sync.Mutex
	cron      *cron.Cron
	store     state.Store
	recoverer Recoverer
	retention time.Duration
	log       zerolog.Logger
	running   bool
}

func New(store state.Store, recoverer Recoverer, retention time.Duration) *Scheduler {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Scheduler{
		cron:      cron.New(),
		store:     store,
		recoverer: recoverer,
		retention: retention,
		log:       log.With().Str("component", "scheduler").Logger(),
	}
}

// Start registers the maintenance entries and starts the cron loop.
func (s *Scheduler) Start(cleanupSpec, recoverySpec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	if cleanupSpec == "" {
		cleanupSpec = DefaultCleanupSpec
	}
	if recoverySpec == "" {
		recoverySpec = DefaultRecoverySpec
	}

	if _, err := s.cron.AddFunc(cleanupSpec, s.runCleanup); err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", cleanupSpec, err)
	}
	if _, err := s.cron.AddFunc(recoverySpec, s.runRecovery); err != nil {
		return fmt.Errorf("invalid recovery schedule %q: %w", recoverySpec, err)
	}

	s.cron.Start()
	s.running = true
	s.log.Info().Str("cleanup", cleanupSpec).Str("recovery", recoverySpec).
		Dur("retention", s.retention).Msg("maintenance scheduler started")
	return nil
}

// Stop halts the cron loop and waits for any running task to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return fmt.Errorf("scheduler not running")
	}
	<-s.cron.Stop().Done()
	s.running = false
	return nil
}

func (s *Scheduler) runCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	n, err := s.store.CleanupTerminalJobs(ctx, s.retention)
	if err != nil {
		s.log.Error().Err(err).Msg("terminal job cleanup failed")
		return
	}
	if n > 0 {
		s.log.Info().Int64("removed", n).Msg("terminal jobs pruned")
	}
}

func (s *Scheduler) runRecovery() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := s.recoverer.RecoverOrphans(ctx); err != nil {
		s.log.Error().Err(err).Msg("orphan recovery sweep failed")
	}
}
