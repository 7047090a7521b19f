// Package supervisor keeps the device's liveness signal running against the
// server and tracks the resulting connection state.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"meterlink/internal/device"
	"meterlink/internal/metrics"

	"go.uber.org/zap"
)

// ErrAlreadyRunning is returned by Start while a loop is active
var ErrAlreadyRunning = errors.New("supervisor already running")

// State is the connection state seen by observers
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDegraded     State = "degraded"
)

// Outcome classifies one probe
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeTimeout        Outcome = "timeout"
	OutcomeTransportError Outcome = "transport_error"
	// OutcomeIdle means the stream saw no traffic within its read wait.
	OutcomeIdle      Outcome = "idle"
	OutcomeCancelled Outcome = "cancelled"
)

// Failed reports whether the outcome counts against the connection
func (o Outcome) Failed() bool {
	return o == OutcomeTimeout || o == OutcomeTransportError
}

// Probe records one liveness exchange
type Probe struct {
	StartedAt time.Time
	Latency   time.Duration
	Outcome   Outcome
	Err       error
}

// Transport carries liveness probes and the departure notice
type Transport interface {
	Probe(ctx context.Context, id device.Identity, timeout time.Duration) (Outcome, error)
	Depart(ctx context.Context, id device.Identity) error
	Close() error
}

// Observer receives connection lifecycle events. Calls are made from the
// supervisor goroutine and should not block for long.
type Observer interface {
	OnConnected()
	OnDisconnected()
	OnError(err error)
}

// Config controls probe timing
type Config struct {
	Interval         time.Duration
	ProbeTimeout     time.Duration
	DepartureTimeout time.Duration
}

// DefaultConfig returns the standard heartbeat timing
func DefaultConfig() Config {
	return Config{
		Interval:         30 * time.Second,
		ProbeTimeout:     10 * time.Second,
		DepartureTimeout: 5 * time.Second,
	}
}

// Supervisor runs the liveness loop
type Supervisor struct {
	config   Config
	observer Observer
	metrics  *metrics.Collector
	logger   *zap.Logger

	mu      sync.Mutex
	state   State
	last    Probe
	hasLast bool
	streak  int
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a supervisor. metricsCollector may be nil.
func New(config Config, observer Observer, metricsCollector *metrics.Collector, logger *zap.Logger) *Supervisor {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = def.ProbeTimeout
	}
	if config.DepartureTimeout <= 0 {
		config.DepartureTimeout = def.DepartureTimeout
	}

	done := make(chan struct{})
	close(done)

	return &Supervisor{
		config:   config,
		observer: observer,
		metrics:  metricsCollector,
		logger:   logger.With(zap.String("component", "supervisor")),
		state:    StateDisconnected,
		done:     done,
	}
}

// Start begins the liveness loop over t. It returns at once; the loop runs
// until Stop is called or ctx is cancelled.
func (s *Supervisor) Start(ctx context.Context, t Transport, id device.Identity) error {
	if err := id.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.streak = 0
	s.setStateLocked(StateConnecting)

	s.logger.Info("Liveness loop starting",
		zap.String("device", id.DeviceID),
		zap.Duration("interval", s.config.Interval),
		zap.Duration("probe_timeout", s.config.ProbeTimeout),
	)

	go s.loop(loopCtx, t, id, s.done)
	return nil
}

// Stop ends the loop and blocks until the departure notice has been attempted
// and the state is disconnected. It is safe to call more than once.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-done
}

// State returns the current connection state
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastProbe returns the most recent probe, if any
func (s *Supervisor) LastProbe() (Probe, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.hasLast
}

// FailureStreak returns the number of consecutive failed probes
func (s *Supervisor) FailureStreak() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streak
}

// Done is closed when the current loop has fully shut down
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Supervisor) loop(ctx context.Context, t Transport, id device.Identity, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown(t, id)
			return
		case <-timer.C:
		}

		s.probe(ctx, t, id)
		timer.Reset(s.config.Interval)
	}
}

func (s *Supervisor) probe(ctx context.Context, t Transport, id device.Identity) {
	started := time.Now()
	outcome, err := t.Probe(ctx, id, s.config.ProbeTimeout)
	if ctx.Err() != nil && outcome != OutcomeSuccess {
		outcome = OutcomeCancelled
	}

	p := Probe{
		StartedAt: started,
		Latency:   time.Since(started),
		Outcome:   outcome,
		Err:       err,
	}
	if s.metrics != nil {
		s.metrics.IncProbe(string(outcome))
	}

	s.mu.Lock()
	s.last = p
	s.hasLast = true
	prev := s.state

	switch {
	case outcome == OutcomeSuccess:
		s.streak = 0
		s.setStateLocked(StateConnected)
	case outcome.Failed():
		s.streak++
		if prev == StateConnected {
			s.setStateLocked(StateDegraded)
		}
	}
	streak := s.streak
	s.mu.Unlock()

	switch {
	case outcome == OutcomeSuccess:
		s.logger.Debug("Heartbeat ok", zap.Duration("latency", p.Latency))
		if prev != StateConnected {
			s.logger.Info("Connected", zap.String("device", id.DeviceID))
			s.observer.OnConnected()
		}
	case outcome.Failed():
		if err == nil {
			err = errors.New("no response")
		}
		s.logger.Warn("Heartbeat failed",
			zap.String("outcome", string(outcome)),
			zap.Int("failure_streak", streak),
			zap.Error(err),
		)
		s.observer.OnError(fmt.Errorf("liveness probe %s: %w", outcome, err))
	case outcome == OutcomeIdle:
		s.logger.Debug("No traffic within read wait")
	}
}

func (s *Supervisor) shutdown(t Transport, id device.Identity) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.DepartureTimeout)
	err := t.Depart(ctx, id)
	cancel()

	if s.metrics != nil {
		s.metrics.IncDeparture(err == nil)
	}
	if err != nil {
		s.logger.Warn("Departure notice failed", zap.Error(err))
	} else {
		s.logger.Info("Departure notice sent")
	}

	if err := t.Close(); err != nil {
		s.logger.Debug("Transport close failed", zap.Error(err))
	}

	s.mu.Lock()
	s.setStateLocked(StateDisconnected)
	s.running = false
	s.mu.Unlock()

	s.logger.Info("Liveness loop stopped")
	s.observer.OnDisconnected()
}

func (s *Supervisor) setStateLocked(state State) {
	s.state = state
	if s.metrics == nil {
		return
	}
	switch state {
	case StateDisconnected:
		s.metrics.SetConnectionState(metrics.StateDisconnected)
	case StateConnecting:
		s.metrics.SetConnectionState(metrics.StateConnecting)
	case StateConnected:
		s.metrics.SetConnectionState(metrics.StateConnected)
	case StateDegraded:
		s.metrics.SetConnectionState(metrics.StateDegraded)
	}
}
