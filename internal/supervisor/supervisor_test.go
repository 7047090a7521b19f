package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"meterlink/internal/device"
	"meterlink/internal/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testID = device.Identity{DeviceID: "meter-01", HardwareKey: "key"}

type step struct {
	outcome Outcome
	err     error
}

// scriptedTransport plays back outcomes; once the script runs out every
// probe blocks until its context ends.
type scriptedTransport struct {
	mu     sync.Mutex
	script []step

	probes     atomic.Int32
	departures atomic.Int32
	closes     atomic.Int32

	departErr   error
	departBlock bool
}

func (f *scriptedTransport) Probe(ctx context.Context, _ device.Identity, _ time.Duration) (Outcome, error) {
	f.probes.Add(1)

	f.mu.Lock()
	if len(f.script) > 0 {
		s := f.script[0]
		f.script = f.script[1:]
		f.mu.Unlock()
		return s.outcome, s.err
	}
	f.mu.Unlock()

	<-ctx.Done()
	return OutcomeCancelled, ctx.Err()
}

func (f *scriptedTransport) Depart(ctx context.Context, _ device.Identity) error {
	f.departures.Add(1)
	if f.departBlock {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.departErr
}

func (f *scriptedTransport) Close() error {
	f.closes.Add(1)
	return nil
}

// events records observer callbacks
type events struct {
	mu           sync.Mutex
	connected    int
	disconnected int
	errs         []error
}

func (e *events) OnConnected() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected++
}

func (e *events) OnDisconnected() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disconnected++
}

func (e *events) OnError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errs = append(e.errs, err)
}

func (e *events) snapshot() (int, int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected, e.disconnected, len(e.errs)
}

func newTestSupervisor(interval time.Duration, obs Observer) *Supervisor {
	return New(Config{
		Interval:         interval,
		ProbeTimeout:     50 * time.Millisecond,
		DepartureTimeout: 50 * time.Millisecond,
	}, obs, metrics.New(), zap.NewNop())
}

func TestStart_RejectsMissingCredentials(t *testing.T) {
	s := newTestSupervisor(time.Hour, &events{})

	err := s.Start(context.Background(), &scriptedTransport{}, device.Identity{DeviceID: "x"})
	assert.ErrorIs(t, err, device.ErrMissingCredentials)
	assert.Equal(t, StateDisconnected, s.State())

	// Nothing started, so Stop returns at once.
	s.Stop()
}

func TestStart_Twice(t *testing.T) {
	s := newTestSupervisor(time.Hour, &events{})
	tr := &scriptedTransport{}

	require.NoError(t, s.Start(context.Background(), tr, testID))
	defer s.Stop()

	assert.ErrorIs(t, s.Start(context.Background(), tr, testID), ErrAlreadyRunning)
}

func TestSupervisor_StateMachine(t *testing.T) {
	obs := &events{}
	tr := &scriptedTransport{script: []step{
		{OutcomeTransportError, errors.New("connection refused")},
		{OutcomeSuccess, nil},
		{OutcomeIdle, nil},
		{OutcomeTimeout, context.DeadlineExceeded},
		{OutcomeTransportError, errors.New("connection reset")},
		{OutcomeSuccess, nil},
	}}
	s := newTestSupervisor(10*time.Millisecond, obs)

	require.NoError(t, s.Start(context.Background(), tr, testID))

	require.Eventually(t, func() bool { return tr.probes.Load() >= 7 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, StateConnected, s.State())
	assert.Equal(t, 0, s.FailureStreak())

	last, ok := s.LastProbe()
	require.True(t, ok)
	assert.Equal(t, OutcomeSuccess, last.Outcome)

	connected, disconnected, errs := obs.snapshot()
	assert.Equal(t, 2, connected, "first success and recovery from degraded")
	assert.Equal(t, 0, disconnected)
	assert.Equal(t, 3, errs)

	s.Stop()
	assert.Equal(t, StateDisconnected, s.State())
	_, disconnected, _ = obs.snapshot()
	assert.Equal(t, 1, disconnected)
}

func TestSupervisor_FirstFailureStaysConnecting(t *testing.T) {
	obs := &events{}
	tr := &scriptedTransport{script: []step{{OutcomeTimeout, context.DeadlineExceeded}}}
	s := newTestSupervisor(time.Hour, obs)

	require.NoError(t, s.Start(context.Background(), tr, testID))
	defer s.Stop()

	require.Eventually(t, func() bool {
		_, ok := s.LastProbe()
		return ok
	}, time.Second, time.Millisecond)
	assert.Equal(t, StateConnecting, s.State())
	assert.Equal(t, 1, s.FailureStreak())
}

func TestSupervisor_DegradedAfterConnected(t *testing.T) {
	obs := &events{}
	tr := &scriptedTransport{script: []step{
		{OutcomeSuccess, nil},
		{OutcomeTimeout, context.DeadlineExceeded},
	}}
	s := newTestSupervisor(5*time.Millisecond, obs)

	require.NoError(t, s.Start(context.Background(), tr, testID))
	defer s.Stop()

	require.Eventually(t, func() bool { return s.State() == StateDegraded }, time.Second, time.Millisecond)
	_, _, errs := obs.snapshot()
	assert.Equal(t, 1, errs)
}

func TestSupervisor_FailureDoesNotStopLoop(t *testing.T) {
	tr := &scriptedTransport{script: []step{
		{OutcomeTransportError, errors.New("connection refused")},
		{OutcomeTransportError, errors.New("connection refused")},
		{OutcomeSuccess, nil},
	}}
	s := newTestSupervisor(5*time.Millisecond, &events{})

	require.NoError(t, s.Start(context.Background(), tr, testID))
	defer s.Stop()

	require.Eventually(t, func() bool { return tr.probes.Load() >= 3 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return s.State() == StateConnected }, time.Second, time.Millisecond)
}

func TestStop_BoundedByTimeoutNotInterval(t *testing.T) {
	obs := &events{}
	tr := &scriptedTransport{script: []step{{OutcomeSuccess, nil}}}
	s := newTestSupervisor(time.Hour, obs)

	require.NoError(t, s.Start(context.Background(), tr, testID))
	require.Eventually(t, func() bool { return s.State() == StateConnected }, time.Second, time.Millisecond)

	start := time.Now()
	s.Stop()
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	assert.Equal(t, StateDisconnected, s.State())
	assert.EqualValues(t, 1, tr.departures.Load())
	assert.EqualValues(t, 1, tr.closes.Load())

	select {
	case <-s.Done():
	default:
		t.Fatal("done not closed after Stop")
	}

	// Idempotent.
	s.Stop()
	assert.EqualValues(t, 1, tr.departures.Load())
	_, disconnected, _ := obs.snapshot()
	assert.Equal(t, 1, disconnected)
}

func TestStop_AbortsProbeInProgress(t *testing.T) {
	tr := &scriptedTransport{}
	s := newTestSupervisor(time.Hour, &events{})

	require.NoError(t, s.Start(context.Background(), tr, testID))
	require.Eventually(t, func() bool { return tr.probes.Load() == 1 }, time.Second, time.Millisecond)

	start := time.Now()
	s.Stop()
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	last, ok := s.LastProbe()
	require.True(t, ok)
	assert.Equal(t, OutcomeCancelled, last.Outcome)
}

func TestStop_DepartureFailureIsSwallowed(t *testing.T) {
	tr := &scriptedTransport{
		script:    []step{{OutcomeSuccess, nil}},
		departErr: errors.New("connection refused"),
	}
	s := newTestSupervisor(time.Hour, &events{})

	require.NoError(t, s.Start(context.Background(), tr, testID))
	s.Stop()

	assert.Equal(t, StateDisconnected, s.State())
	assert.EqualValues(t, 1, tr.departures.Load())
}

func TestStop_DepartureIsBounded(t *testing.T) {
	tr := &scriptedTransport{departBlock: true}
	s := newTestSupervisor(time.Hour, &events{})

	require.NoError(t, s.Start(context.Background(), tr, testID))

	start := time.Now()
	s.Stop()
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.EqualValues(t, 1, tr.departures.Load())
}

func TestSupervisor_ParentContextEndsLoop(t *testing.T) {
	obs := &events{}
	ctx, cancel := context.WithCancel(context.Background())
	s := newTestSupervisor(time.Hour, obs)
	tr := &scriptedTransport{script: []step{{OutcomeSuccess, nil}}}

	require.NoError(t, s.Start(ctx, tr, testID))
	cancel()

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not exit")
	}
	assert.Equal(t, StateDisconnected, s.State())
	assert.EqualValues(t, 1, tr.departures.Load())

	// Restart after a finished loop is allowed.
	require.NoError(t, s.Start(context.Background(), &scriptedTransport{}, testID))
	s.Stop()
}

func TestStop_BeforeStart(t *testing.T) {
	s := newTestSupervisor(time.Hour, &events{})
	s.Stop()
	assert.Equal(t, StateDisconnected, s.State())
	_, ok := s.LastProbe()
	assert.False(t, ok)
}
