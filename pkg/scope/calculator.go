// Package scope sizes a migration before any data moves: it walks the source
// listing, counts files and bytes, and seeds the persisted file manifest.
package scope

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"storagemigration/pkg/backend"
	"storagemigration/pkg/models"
	"storagemigration/pkg/state"
)

// seedBatchSize bounds the number of manifest rows written per insert so a
// large workspace never buffers its whole listing in memory.
const seedBatchSize = 500

// referenceThroughput is the sustained copy speed assumed before any real
// transfer data exists. Observed throughput replaces it once copying starts.
const referenceThroughput = 40 * 1024 * 1024 // bytes per second

// Calculator walks source listings to produce migration scopes.
type Calculator struct {
	source backend.Backend
}

func NewCalculator(source backend.Backend) *Calculator {
	return &Calculator{source: source}
}

// Calculate lists every object under prefix and returns the aggregate scope
// without touching any persisted state. An empty source yields a zero scope,
// not an error.
func (c *Calculator) Calculate(ctx context.Context, prefix string) (*models.Scope, error) {
	scope := &models.Scope{}
	err := c.source.List(ctx, prefix, func(page []backend.ObjectInfo) error {
		for _, obj := range page {
			scope.FileCount++
			scope.TotalBytes += obj.SizeBytes
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	scope.EstimatedDuration = EstimateDuration(scope.TotalBytes, 0)
	return scope, nil
}

// Seed lists the source and writes the file manifest for jobID in batches,
// returning the resulting scope. The listing streams; memory use is bounded
// by the batch size regardless of workspace size.
func (c *Calculator) Seed(ctx context.Context, store state.Store, jobID, prefix string) (*models.Scope, error) {
	scope := &models.Scope{}
	batch := make([]models.FileMigrationRecord, 0, seedBatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := store.InsertFileRecords(ctx, jobID, batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	err := c.source.List(ctx, prefix, func(page []backend.ObjectInfo) error {
		for _, obj := range page {
			scope.FileCount++
			scope.TotalBytes += obj.SizeBytes
			batch = append(batch, models.FileMigrationRecord{
				Path:      obj.Path,
				SizeBytes: obj.SizeBytes,
			})
			if len(batch) >= seedBatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	if err != nil {
		// A truncated manifest must not survive: the job would look resumable
		// and a resume would replay the partial snapshot as the whole dataset.
		c.discardPartialManifest(store, jobID)
		return nil, err
	}

	scope.EstimatedDuration = EstimateDuration(scope.TotalBytes, 0)
	if err := store.SetJobScope(ctx, jobID, scope.FileCount, scope.TotalBytes); err != nil {
		c.discardPartialManifest(store, jobID)
		return nil, err
	}

	log.Info().
		Str("job_id", jobID).
		Int64("files", scope.FileCount).
		Int64("bytes", scope.TotalBytes).
		Dur("estimated", scope.EstimatedDuration).
		Msg("migration scope calculated")
	return scope, nil
}

// discardPartialManifest deletes whatever records an aborted seed already
// flushed. The seeding context may be cancelled, so the delete runs on its
// own deadline.
func (c *Calculator) discardPartialManifest(store state.Store, jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := store.DeleteFileRecords(ctx, jobID); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("partial manifest cleanup failed")
	}
}

// EstimateDuration converts remaining bytes into a wall-clock estimate.
// throughput is bytes per second; zero or negative falls back to the
// reference rate.
func EstimateDuration(remainingBytes int64, throughput float64) time.Duration {
	if remainingBytes <= 0 {
		return 0
	}
	if throughput <= 0 {
		throughput = referenceThroughput
	}
	return time.Duration(float64(remainingBytes) / throughput * float64(time.Second))
}
