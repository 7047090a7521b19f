// Package progress tracks batch upload progress for terminal display.
package progress

import (
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Status represents the current upload status
type Status struct {
	TotalFiles     int64
	ProcessedFiles int64
	SucceededFiles int64
	FailedFiles    int64
	CancelledFiles int64
	TotalBytes     int64
	ProcessedBytes int64 // finished files plus the sent share of running ones
	StartTime      time.Time
	LastUpdateTime time.Time
	CurrentSpeed   float64 // bytes/second over the last few seconds
	AverageSpeed   float64 // bytes/second since start
	ETA            time.Duration
}

// Tracker tracks upload progress
type Tracker struct {
	mu           sync.RWMutex
	status       Status
	doneBytes    int64
	partial      map[string]int64
	speedSamples []speedSample
	maxSamples   int
	now          func() time.Time
}

type speedSample struct {
	timestamp time.Time
	bytes     int64
}

// NewTracker creates a new progress tracker
func NewTracker() *Tracker {
	return newTrackerAt(time.Now)
}

func newTrackerAt(now func() time.Time) *Tracker {
	start := now()
	return &Tracker{
		status: Status{
			StartTime:      start,
			LastUpdateTime: start,
		},
		partial:      make(map[string]int64),
		speedSamples: make([]speedSample, 0, 60),
		maxSamples:   60,
		now:          now,
	}
}

// SetTotal sets the total number of files and bytes
func (t *Tracker) SetTotal(files, bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.TotalFiles = files
	t.status.TotalBytes = bytes
}

// Update records that percent of a running file of size bytes has been sent
func (t *Tracker) Update(id string, size int64, percent int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sent := size * int64(percent) / 100
	delta := sent - t.partial[id]
	if delta <= 0 {
		return
	}
	t.partial[id] = sent
	t.recordLocked(delta)
}

// AddSuccess marks a file of size bytes as uploaded
func (t *Tracker) AddSuccess(id string, size int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delta := size - t.partial[id]
	delete(t.partial, id)
	t.doneBytes += size

	t.status.SucceededFiles++
	t.status.ProcessedFiles++
	t.recordLocked(delta)
}

// AddFailed marks a file as failed. Its bytes no longer count as sent.
func (t *Tracker) AddFailed(id string, size int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.partial, id)
	t.status.TotalBytes -= size
	t.status.FailedFiles++
	t.status.ProcessedFiles++
	t.recordLocked(0)
}

// AddCancelled marks n files totalling bytes as dropped before they started
func (t *Tracker) AddCancelled(n, bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.CancelledFiles += n
	t.status.ProcessedFiles += n
	t.status.TotalBytes -= bytes
	t.recordLocked(0)
}

// recordLocked folds newly sent bytes into the speed estimate
func (t *Tracker) recordLocked(bytes int64) {
	now := t.now()

	if bytes > 0 {
		t.speedSamples = append(t.speedSamples, speedSample{timestamp: now, bytes: bytes})
		if len(t.speedSamples) > t.maxSamples {
			t.speedSamples = t.speedSamples[1:]
		}
	}

	var partial int64
	for _, b := range t.partial {
		partial += b
	}
	t.status.ProcessedBytes = t.doneBytes + partial

	t.calculateCurrentSpeed(now)
	t.calculateAverageSpeed(now)
	t.calculateETA()

	t.status.LastUpdateTime = now
}

// calculateCurrentSpeed uses the samples of the last five seconds
func (t *Tracker) calculateCurrentSpeed(now time.Time) {
	if len(t.speedSamples) < 2 {
		t.status.CurrentSpeed = 0
		return
	}

	cutoff := now.Add(-5 * time.Second)
	var recentBytes int64
	var first *speedSample

	for i := len(t.speedSamples) - 1; i >= 0; i-- {
		sample := &t.speedSamples[i]
		if sample.timestamp.Before(cutoff) {
			break
		}
		recentBytes += sample.bytes
		first = sample
	}

	t.status.CurrentSpeed = 0
	if first != nil {
		if d := now.Sub(first.timestamp); d > 0 {
			t.status.CurrentSpeed = float64(recentBytes) / d.Seconds()
		}
	}
}

func (t *Tracker) calculateAverageSpeed(now time.Time) {
	elapsed := now.Sub(t.status.StartTime)
	if elapsed > 0 {
		t.status.AverageSpeed = float64(t.status.ProcessedBytes) / elapsed.Seconds()
	}
}

func (t *Tracker) calculateETA() {
	if t.status.TotalBytes <= 0 || t.status.AverageSpeed == 0 {
		t.status.ETA = 0
		return
	}

	remaining := t.status.TotalBytes - t.status.ProcessedBytes
	if remaining <= 0 {
		t.status.ETA = 0
		return
	}

	t.status.ETA = time.Duration(float64(remaining)/t.status.AverageSpeed) * time.Second
}

// GetStatus returns the current status (thread-safe)
func (t *Tracker) GetStatus() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.status
}

// GetProgressPercent returns the share of files that reached a final state
func (t *Tracker) GetProgressPercent() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.status.TotalFiles == 0 {
		return 0
	}
	return float64(t.status.ProcessedFiles) / float64(t.status.TotalFiles) * 100
}

// FormatSpeed formats speed in human readable format
func FormatSpeed(bytesPerSecond float64) string {
	if bytesPerSecond < 0 {
		bytesPerSecond = 0
	}
	return humanize.IBytes(uint64(bytesPerSecond)) + "/s"
}

// FormatBytes formats bytes in human readable format
func FormatBytes(bytes int64) string {
	if bytes < 0 {
		bytes = 0
	}
	return humanize.IBytes(uint64(bytes))
}

// FormatDuration formats duration in human readable format
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
