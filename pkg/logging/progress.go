package logging

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ProgressTracker tracks per-item progress for a batch of files and logs
// "N of M" lines as items finish, regardless of completion order.
// It is safe for concurrent use.
type ProgressTracker struct {
	total     int64
	completed atomic.Int64
	failed    atomic.Int64
	startTime time.Time
	log       zerolog.Logger
	phase     string
}

// NewProgressTracker creates a tracker for total items under the given phase.
func NewProgressTracker(phase string, total int64, log zerolog.Logger) *ProgressTracker {
	return &ProgressTracker{
		total:     total,
		startTime: time.Now(),
		log:       log,
		phase:     phase,
	}
}

// ItemDone records a successful item and logs progress.
func (pt *ProgressTracker) ItemDone(name string, d time.Duration) {
	pt.completed.Add(1)
	pt.emit(name, d, nil)
}

// ItemFailed records a failed item and logs progress with the error.
func (pt *ProgressTracker) ItemFailed(name string, d time.Duration, err error) {
	pt.failed.Add(1)
	pt.emit(name, d, err)
}

func (pt *ProgressTracker) emit(name string, d time.Duration, err error) {
	processed := pt.completed.Load() + pt.failed.Load()
	var e *zerolog.Event
	if err != nil {
		e = pt.log.Error().Err(err)
	} else {
		e = pt.log.Info()
	}
	e.Str("phase", pt.phase).
		Str("item", name).
		Int64("done", processed).
		Int64("total", pt.total).
		Int64("item_ms", d.Milliseconds()).
		Int64("elapsed_ms", time.Since(pt.startTime).Milliseconds())
	if pt.total > 0 {
		e = e.Float64("progress_pct", float64(processed)*100.0/float64(pt.total))
	}
	if eta := pt.ETA(); eta > 0 {
		e = e.Int64("eta_ms", eta.Milliseconds())
	}
	e.Msgf("%d of %d files", processed, pt.total)
}

// Progress returns current counts.
func (pt *ProgressTracker) Progress() (completed, failed, total int64) {
	return pt.completed.Load(), pt.failed.Load(), pt.total
}

// ETA estimates remaining time from the overall completion rate.
func (pt *ProgressTracker) ETA() time.Duration {
	done := pt.completed.Load() + pt.failed.Load()
	if done == 0 {
		return 0
	}
	remaining := pt.total - done
	if remaining <= 0 {
		return 0
	}
	avg := time.Since(pt.startTime) / time.Duration(done)
	return avg * time.Duration(remaining)
}

// Elapsed returns time since tracking started.
func (pt *ProgressTracker) Elapsed() time.Duration {
	return time.Since(pt.startTime)
}
