package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
)

// Display renders a tracker as a progress bar
type Display struct {
	tracker  *Tracker
	interval time.Duration
	out      io.Writer
	bar      *progressbar.ProgressBar
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewDisplay creates a display writing to out (stderr when nil)
func NewDisplay(tracker *Tracker, interval time.Duration, out io.Writer) *Display {
	if out == nil {
		out = os.Stderr
	}
	return &Display{
		tracker:  tracker,
		interval: interval,
		out:      out,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start starts the refresh loop
func (d *Display) Start() {
	status := d.tracker.GetStatus()
	d.bar = progressbar.NewOptions64(status.TotalBytes,
		progressbar.OptionSetDescription("Uploading"),
		progressbar.OptionSetWriter(d.out),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(d.interval),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(false),
	)
	go d.displayLoop()
}

// Stop stops the refresh loop and prints the summary
func (d *Display) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		<-d.doneCh
	})
}

func (d *Display) displayLoop() {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.updateDisplay()
		case <-d.stopCh:
			d.updateDisplay()
			_ = d.bar.Finish()
			fmt.Fprintln(d.out)
			fmt.Fprint(d.out, Summary(d.tracker.GetStatus()))
			return
		}
	}
}

func (d *Display) updateDisplay() {
	status := d.tracker.GetStatus()

	if status.TotalBytes != d.bar.GetMax64() {
		d.bar.ChangeMax64(status.TotalBytes)
	}
	_ = d.bar.Set64(status.ProcessedBytes)
	d.bar.Describe(Line(status))
}

// Line is the one-line description shown next to the bar
func Line(s Status) string {
	return fmt.Sprintf("%d/%d files, %d failed, %s, eta %s",
		s.ProcessedFiles, s.TotalFiles, s.FailedFiles,
		FormatSpeed(s.CurrentSpeed), FormatDuration(s.ETA))
}

// Summary is the multi-line report printed when a batch ends
func Summary(s Status) string {
	elapsed := s.LastUpdateTime.Sub(s.StartTime)
	return fmt.Sprintf(
		"Upload finished\n"+
			"  succeeded: %d\n"+
			"  failed:    %d\n"+
			"  cancelled: %d\n"+
			"  data:      %s\n"+
			"  elapsed:   %s\n"+
			"  average:   %s\n",
		s.SucceededFiles, s.FailedFiles, s.CancelledFiles,
		FormatBytes(s.ProcessedBytes), FormatDuration(elapsed), FormatSpeed(s.AverageSpeed),
	)
}

// IsTerminalSupported reports whether stdout is a terminal
func IsTerminalSupported() bool {
	fileInfo, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fileInfo.Mode()&os.ModeCharDevice != 0
}
