package app

import (
	"meterlink/internal/history"
	"meterlink/internal/queue"
	"meterlink/internal/worker"

	"go.uber.org/zap"
)

// EventKind identifies what an Event reports
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventError        EventKind = "error"
	EventProgress     EventKind = "progress"
	EventResult       EventKind = "result"
	EventBatchDone    EventKind = "batch_done"
)

// Event is one notification on the session's event stream. Only the fields
// relevant to Kind are set.
type Event struct {
	Kind    EventKind
	Err     error
	ItemID  queue.ItemID
	Percent int
	Result  worker.Result
	BatchID string
	Tally   worker.Tally
}

// emit delivers ev, blocking until the consumer takes it or the session
// starts closing. Progress events are dropped instead of blocking.
func (s *Session) emit(ev Event) {
	s.eventsMu.RLock()
	defer s.eventsMu.RUnlock()
	if s.eventsClosed {
		return
	}

	if ev.Kind == EventProgress {
		select {
		case s.events <- ev:
		default:
		}
		return
	}

	select {
	case s.events <- ev:
	case <-s.closing:
		s.logger.Debug("Dropping event during shutdown", zap.String("kind", string(ev.Kind)))
	}
}

// supervisorEvents adapts the session to supervisor.Observer
type supervisorEvents struct{ s *Session }

func (o supervisorEvents) OnConnected() {
	o.s.logger.Info("Connected to server")
	o.s.emit(Event{Kind: EventConnected})
}

func (o supervisorEvents) OnDisconnected() {
	o.s.mu.Lock()
	o.s.connected = false
	o.s.mu.Unlock()

	o.s.logger.Info("Disconnected from server")
	o.s.emit(Event{Kind: EventDisconnected})
}

func (o supervisorEvents) OnError(err error) {
	o.s.logger.Warn("Connection problem", zap.Error(err))
	o.s.emit(Event{Kind: EventError, Err: err})
}

// schedulerEvents adapts the session to worker.Observer
type schedulerEvents struct{ s *Session }

func (o schedulerEvents) OnProgress(id queue.ItemID, percent int) {
	o.s.emit(Event{Kind: EventProgress, ItemID: id, Percent: percent})
}

func (o schedulerEvents) OnResult(res worker.Result) {
	s := o.s

	if s.history != nil {
		if err := s.history.Save(history.FromResult(s.id.DeviceID, res)); err != nil {
			s.logger.Warn("Failed to record upload history", zap.String("file", res.Name), zap.Error(err))
		}
	}

	s.emit(Event{Kind: EventResult, ItemID: res.ItemID, BatchID: res.BatchID, Result: res})
	s.reportFinished()
}

// reportFinished emits EventBatchDone once for every batch whose items have
// all reached a final state
func (s *Session) reportFinished() {
	s.mu.Lock()
	var done []Event
	for id, batch := range s.batches {
		tally, finished := batch.Tally(s.queue)
		if !finished {
			continue
		}
		delete(s.batches, id)
		if batch.MarkReported() {
			done = append(done, Event{Kind: EventBatchDone, BatchID: id, Tally: tally})
		}
	}
	s.mu.Unlock()

	for _, ev := range done {
		s.logger.Info("Batch finished",
			zap.String("batch", ev.BatchID),
			zap.Int("succeeded", ev.Tally.Succeeded),
			zap.Int("failed", ev.Tally.Failed),
			zap.Int("cancelled", ev.Tally.Cancelled),
		)
		s.emit(ev)
	}
}
