package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	"meterlink/internal/metrics"

	"go.uber.org/zap"
)

// ErrTaskFault marks a task that panicked
var ErrTaskFault = errors.New("task fault")

// TaskProcessor runs a single task with retries
type TaskProcessor struct {
	config     Config
	transferer Transferer
	metrics    *metrics.Collector
	logger     *zap.Logger
}

// Process transfers one item and returns its result. It reports progress to
// onProgress and never panics.
func (p *TaskProcessor) Process(ctx context.Context, t *task, onProgress func(int)) (res Result) {
	startTime := time.Now()
	logger := p.logger.With(zap.String("file", t.item.Name), zap.String("batch", t.batch.ID))

	res = Result{
		BatchID:  t.batch.ID,
		ItemID:   t.item.ID,
		Name:     t.item.Name,
		Category: t.item.Category,
	}

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: %v", ErrTaskFault, r)
			logger.Error("Task panicked", zap.Any("panic", r), zap.Stack("stack"))
			res.Success = false
			res.Err = err
			res.Message = fmt.Sprintf("upload failed: %v", err)
			res.Duration = time.Since(startTime)
			p.metrics.IncFailed()
		}
	}()

	meter := newPercentMeter(t.item.Size, onProgress)
	defer meter.close()

	maxAttempts := 1
	if p.config.AutoRetry && p.config.MaxRetries > 1 {
		maxAttempts = p.config.MaxRetries
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt

		receipt, err := p.transfer(ctx, t, meter.update)
		if err == nil {
			res.Success = true
			res.FileID = receipt.FileID
			res.OriginalSize = receipt.OriginalSize
			res.CompressedSize = receipt.CompressedSize
			res.CompressionRatio = CompressionRatio(receipt.OriginalSize, receipt.CompressedSize)
			res.Message = successMessage(t.item.Category, receipt)
			res.Duration = time.Since(startTime)

			p.metrics.IncSuccess(t.item.Size)
			p.metrics.ObserveDuration(res.Duration)
			logger.Info("Task completed successfully",
				zap.String("file_id", receipt.FileID),
				zap.Int64("size", t.item.Size),
				zap.Int("attempt", attempt),
				zap.Duration("duration", res.Duration),
			)
			return res
		}

		lastErr = err
		logger.Warn("Task attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if !p.isRetriableError(err) || attempt == maxAttempts {
			break
		}

		// Retries stop as soon as cancellation is requested.
		timer := time.NewTimer(p.calculateBackoff(attempt))
		select {
		case <-timer.C:
		case <-t.stop:
			timer.Stop()
			logger.Info("Retry abandoned after cancellation")
			attempt = maxAttempts
		case <-ctx.Done():
			timer.Stop()
			attempt = maxAttempts
		}
	}

	res.Err = lastErr
	res.Message = fmt.Sprintf("upload failed: %v", lastErr)
	res.Duration = time.Since(startTime)
	p.metrics.IncFailed()
	logger.Error("Task failed after all retries",
		zap.Int("attempts", res.Attempts),
		zap.Error(lastErr),
	)
	return res
}

func (p *TaskProcessor) transfer(ctx context.Context, t *task, onSent func(int64)) (Receipt, error) {
	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}
	return p.transferer.Transfer(ctx, t.identity, t.item, onSent)
}

func (p *TaskProcessor) isRetriableError(err error) bool {
	if err == nil || errors.Is(err, ErrTaskFault) || errors.Is(err, context.Canceled) {
		return false
	}

	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) && temp.Temporary() {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	// Check for network-related errors
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "temporary") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "dns") ||
		strings.Contains(errStr, "eof") ||
		// HTTP 5xx server errors
		strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "gateway timeout")
}

func (p *TaskProcessor) calculateBackoff(attempt int) time.Duration {
	base := time.Duration(p.config.RetryBackoffMs) * time.Millisecond
	return base * time.Duration(math.Pow(2, float64(attempt-1)))
}

// percentMeter turns byte counts into a monotonic percentage below 100.
// Retries restart the byte count but never move the reported percent back.
type percentMeter struct {
	mu     sync.Mutex
	total  int64
	last   int
	closed bool
	report func(int)
}

func newPercentMeter(total int64, report func(int)) *percentMeter {
	return &percentMeter{total: total, report: report}
}

func (m *percentMeter) update(sent int64) {
	if m.total <= 0 {
		return
	}

	pct := int(sent * 100 / m.total)
	if pct > 99 {
		pct = 99
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || pct <= m.last {
		return
	}
	m.last = pct
	m.report(pct)
}

// close drops late callbacks from a transfer that outlives its result
func (m *percentMeter) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}
