package progress

import (
	"sync"
	"sync/atomic"
	"time"
)

// Tracker tracks migration progress in memory
type Tracker struct {
	totalFiles     int64
	totalBytes     int64
	migratedFiles  atomic.Int64
	migratedBytes  atomic.Int64
	failedFiles    atomic.Int64
	startTime      time.Time
	lastUpdateTime time.Time
	transferSpeeds []float64
	mu             sync.RWMutex
}

// NewTracker creates a tracker primed with the job scope. Resumed jobs pass
// the counters already persisted so percentages pick up where they left off.
func NewTracker(totalFiles, totalBytes, migratedFiles, migratedBytes, failedFiles int64) *Tracker {
	t := &Tracker{
		totalFiles:     totalFiles,
		totalBytes:     totalBytes,
		startTime:      time.Now(),
		lastUpdateTime: time.Now(),
		transferSpeeds: make([]float64, 0, 10),
	}
	t.migratedFiles.Store(migratedFiles)
	t.migratedBytes.Store(migratedBytes)
	t.failedFiles.Store(failedFiles)
	return t
}

// Update records one finished transfer and refreshes the speed window.
func (t *Tracker) Update(sizeBytes int64, success bool) {
	now := time.Now()

	if success {
		t.migratedFiles.Add(1)
		t.migratedBytes.Add(sizeBytes)
	} else {
		t.failedFiles.Add(1)
	}

	t.mu.Lock()
	// Only completed transfers feed the speed window; a failure moved no
	// usable bytes.
	elapsed := now.Sub(t.lastUpdateTime).Seconds()
	if success && elapsed > 0 && sizeBytes > 0 {
		speed := float64(sizeBytes) / elapsed
		t.transferSpeeds = append(t.transferSpeeds, speed)
		if len(t.transferSpeeds) > 10 {
			t.transferSpeeds = t.transferSpeeds[1:]
		}
	}
	t.lastUpdateTime = now
	t.mu.Unlock()
}

// Stats is a point-in-time snapshot of job progress.
type Stats struct {
	ProgressPct     float64
	MigratedFiles   int64
	TotalFiles      int64
	MigratedBytes   int64
	TotalBytes      int64
	FailedFiles     int64
	Elapsed         time.Duration
	ThroughputBytes float64
	ETA             *time.Time
}

// GetStats returns current progress statistics.
func (t *Tracker) GetStats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	migratedFiles := t.migratedFiles.Load()
	migratedBytes := t.migratedBytes.Load()
	failedFiles := t.failedFiles.Load()

	var avgSpeed float64
	if len(t.transferSpeeds) > 0 {
		var sum float64
		for _, speed := range t.transferSpeeds {
			sum += speed
		}
		avgSpeed = sum / float64(len(t.transferSpeeds))
	}

	var eta *time.Time
	remaining := t.totalBytes - migratedBytes
	if avgSpeed > 0 && remaining > 0 {
		at := time.Now().Add(time.Duration(float64(remaining) / avgSpeed * float64(time.Second)))
		eta = &at
	}

	progressPct := 0.0
	if t.totalFiles > 0 {
		progressPct = float64(migratedFiles+failedFiles) / float64(t.totalFiles) * 100
	}

	return Stats{
		ProgressPct:     progressPct,
		MigratedFiles:   migratedFiles,
		TotalFiles:      t.totalFiles,
		MigratedBytes:   migratedBytes,
		TotalBytes:      t.totalBytes,
		FailedFiles:     failedFiles,
		Elapsed:         time.Since(t.startTime),
		ThroughputBytes: avgSpeed,
		ETA:             eta,
	}
}

// Throughput returns the current rolling average transfer speed in bytes per
// second, zero until the first transfer completes.
func (t *Tracker) Throughput() float64 {
	return t.GetStats().ThroughputBytes
}
