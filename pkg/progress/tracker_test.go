package progress

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrackerCountsSuccessesAndFailures(t *testing.T) {
	tracker := NewTracker(10, 1000, 0, 0, 0)

	tracker.Update(100, true)
	tracker.Update(200, true)
	tracker.Update(50, false)

	stats := tracker.GetStats()
	assert.Equal(t, int64(2), stats.MigratedFiles)
	assert.Equal(t, int64(300), stats.MigratedBytes)
	assert.Equal(t, int64(1), stats.FailedFiles)
	assert.InDelta(t, 30.0, stats.ProgressPct, 0.01)
}

func TestTrackerResumesFromPersistedCounters(t *testing.T) {
	tracker := NewTracker(10, 1000, 4, 400, 1)

	stats := tracker.GetStats()
	assert.Equal(t, int64(4), stats.MigratedFiles)
	assert.InDelta(t, 50.0, stats.ProgressPct, 0.01)
}

func TestTrackerETAAppearsAfterTransfers(t *testing.T) {
	tracker := NewTracker(100, 1<<30, 0, 0, 0)

	assert.Nil(t, tracker.GetStats().ETA, "no estimate before any transfer")

	tracker.Update(1<<20, true)
	stats := tracker.GetStats()
	if assert.NotNil(t, stats.ETA) {
		assert.True(t, stats.ETA.After(stats.ETA.Add(-1)), "eta is a concrete time")
	}
	assert.Greater(t, tracker.Throughput(), 0.0)
}

func TestTrackerFailuresDoNotFeedThroughput(t *testing.T) {
	tracker := NewTracker(100, 1<<30, 0, 0, 0)

	tracker.Update(1<<20, false)
	tracker.Update(1<<20, false)
	assert.Equal(t, 0.0, tracker.Throughput(), "failed transfers carry no speed")
	assert.Nil(t, tracker.GetStats().ETA)

	tracker.Update(1<<20, true)
	assert.Greater(t, tracker.Throughput(), 0.0)
}

func TestTrackerConcurrentUpdates(t *testing.T) {
	tracker := NewTracker(1000, 1000*10, 0, 0, 0)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tracker.Update(10, true)
			}
		}()
	}
	wg.Wait()

	stats := tracker.GetStats()
	assert.Equal(t, int64(1000), stats.MigratedFiles)
	assert.Equal(t, int64(10000), stats.MigratedBytes)
}

func TestTrackerZeroTotals(t *testing.T) {
	tracker := NewTracker(0, 0, 0, 0, 0)
	stats := tracker.GetStats()
	assert.Equal(t, 0.0, stats.ProgressPct)
	assert.Nil(t, stats.ETA)
}
