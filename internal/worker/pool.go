// Package worker runs uploads on a bounded pool with FIFO admission.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"meterlink/internal/device"
	"meterlink/internal/metrics"
	"meterlink/internal/queue"

	"go.uber.org/zap"
)

var (
	ErrNothingToDo = errors.New("nothing to upload")
	ErrClosed      = errors.New("scheduler closed")
)

// Scheduler admits tasks in submission order and runs at most limit at once
type Scheduler struct {
	processor *TaskProcessor
	statuses  StatusWriter
	observer  Observer
	metrics   *metrics.Collector
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	inflight atomic.Int32

	mu          sync.Mutex
	limit       int
	pending     []*task
	owned       map[queue.ItemID]struct{} // items with a waiting or running task
	outstanding int
	idle        chan struct{}
	stop        chan struct{}
	closed      bool
	nextWorker  int
}

// NewScheduler creates a scheduler. statuses is usually the work queue.
func NewScheduler(
	config Config,
	transferer Transferer,
	statuses StatusWriter,
	observer Observer,
	metricsCollector *metrics.Collector,
	logger *zap.Logger,
) *Scheduler {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if metricsCollector == nil {
		metricsCollector = metrics.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)

	return &Scheduler{
		processor: &TaskProcessor{
			config:     config,
			transferer: transferer,
			metrics:    metricsCollector,
			logger:     logger,
		},
		statuses: statuses,
		observer: observer,
		metrics:  metricsCollector,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		limit:    config.Concurrency,
		idle:     idle,
		owned:    make(map[queue.ItemID]struct{}),
		stop:     make(chan struct{}),
	}
}

// Submit queues one task per item and returns without waiting for any of them
func (s *Scheduler) Submit(id device.Identity, items []queue.Item) (*Batch, error) {
	if len(items) == 0 {
		return nil, ErrNothingToDo
	}
	if err := id.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	// An item already waiting or running keeps its existing task.
	fresh := make([]queue.Item, 0, len(items))
	for _, it := range items {
		if _, busy := s.owned[it.ID]; busy {
			s.logger.Debug("Skipping item with a live task", zap.String("file", it.Name))
			continue
		}
		s.owned[it.ID] = struct{}{}
		fresh = append(fresh, it)
	}
	if len(fresh) == 0 {
		return nil, ErrNothingToDo
	}
	items = fresh

	batch := newBatch(items)
	for _, it := range items {
		// Resubmitted failures go back to pending so the batch is not
		// considered finished before they run.
		if err := s.statuses.SetStatus(it.ID, queue.StatusPending); err != nil {
			s.logger.Warn("Failed to reset item status", zap.String("file", it.Name), zap.Error(err))
		}
		s.pending = append(s.pending, &task{
			item:     it,
			identity: id,
			batch:    batch,
			stop:     s.stop,
		})
	}

	if s.outstanding == 0 {
		s.idle = make(chan struct{})
	}
	s.outstanding += len(items)

	s.logger.Info("Batch submitted",
		zap.String("batch", batch.ID),
		zap.Int("items", len(items)),
		zap.Int("limit", s.limit),
	)

	s.dispatchLocked()
	return batch, nil
}

// dispatchLocked starts pending tasks while there are free slots
func (s *Scheduler) dispatchLocked() {
	for len(s.pending) > 0 && int(s.inflight.Load()) < s.limit {
		t := s.pending[0]
		s.pending[0] = nil
		s.pending = s.pending[1:]

		s.inflight.Add(1)
		s.metrics.SetInflightWorkers(int(s.inflight.Load()))

		workerID := s.nextWorker
		s.nextWorker++
		go s.run(workerID, t)
	}
}

func (s *Scheduler) run(workerID int, t *task) {
	defer s.finish(t.item.ID)

	logger := s.logger.With(zap.Int("worker_id", workerID))
	logger.Debug("Task started", zap.String("file", t.item.Name))

	s.setStatus(t.item.ID, queue.StatusInFlight)
	s.observer.OnProgress(t.item.ID, 0)

	processor := *s.processor
	processor.logger = logger
	res := processor.Process(s.ctx, t, func(pct int) {
		s.observer.OnProgress(t.item.ID, pct)
	})

	s.observer.OnProgress(t.item.ID, 100)
	if res.Success {
		s.setStatus(t.item.ID, queue.StatusSucceeded)
	} else {
		s.setStatus(t.item.ID, queue.StatusFailed)
	}
	s.observer.OnResult(res)
}

// finish releases the slot of one admitted task exactly once
func (s *Scheduler) finish(id queue.ItemID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.owned, id)
	s.inflight.Add(-1)
	s.metrics.SetInflightWorkers(int(s.inflight.Load()))
	s.doneLocked(1)
	s.dispatchLocked()
}

func (s *Scheduler) doneLocked(n int) {
	s.outstanding -= n
	if s.outstanding == 0 {
		close(s.idle)
	}
}

func (s *Scheduler) setStatus(id queue.ItemID, status queue.Status) {
	if err := s.statuses.SetStatus(id, status); err != nil {
		s.logger.Warn("Failed to record item status",
			zap.String("item", string(id)),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

// CancelAll drops every task that has not started and stops in-flight tasks
// from retrying. Running transfers finish their current request. It returns
// the number of dropped tasks.
func (s *Scheduler) CancelAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := len(s.pending)
	for _, t := range s.pending {
		t.batch.markCancelled(t.item.ID)
		delete(s.owned, t.item.ID)
	}
	s.pending = nil

	close(s.stop)
	s.stop = make(chan struct{})

	if dropped > 0 {
		s.doneLocked(dropped)
		s.metrics.IncCancelled(dropped)
	}

	s.logger.Info("Uploads cancelled",
		zap.Int("dropped", dropped),
		zap.Int("inflight", int(s.inflight.Load())),
	)
	return dropped
}

// SetLimit changes the concurrency limit. Running tasks are not interrupted
// when the limit shrinks.
func (s *Scheduler) SetLimit(n int) {
	if n <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if n == s.limit {
		return
	}
	s.logger.Info("Concurrency changed", zap.Int("from", s.limit), zap.Int("to", n))
	s.limit = n
	s.dispatchLocked()
}

// Limit returns the current concurrency limit
func (s *Scheduler) Limit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit
}

// InFlight returns the number of running tasks
func (s *Scheduler) InFlight() int {
	return int(s.inflight.Load())
}

// Pending returns the number of tasks waiting for a slot
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Wait blocks until no task is pending or running, or ctx is done
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels pending tasks, aborts running transfers and rejects new
// submissions. Every admitted task still delivers its result.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.CancelAll()
	s.cancel()
}
