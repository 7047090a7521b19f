// Package app ties the connection supervisor, the work queue and the upload
// scheduler into one device session.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"meterlink/internal/api"
	"meterlink/internal/config"
	"meterlink/internal/device"
	"meterlink/internal/history"
	"meterlink/internal/logger"
	"meterlink/internal/metrics"
	"meterlink/internal/queue"
	"meterlink/internal/storage"
	"meterlink/internal/supervisor"
	"meterlink/internal/worker"

	"go.uber.org/zap"
)

// ErrNotConnected is returned by Upload before a successful Connect
var ErrNotConnected = errors.New("device is not connected")

const defaultEventBuffer = 256

// Session is the device's view of one server connection
type Session struct {
	cfg    *config.Config
	id     device.Identity
	logger *zap.Logger
	level  *zap.AtomicLevel

	client     *api.Client
	uploader   *storage.Uploader
	transferer worker.Transferer
	transport  supervisor.Transport

	queue      *queue.Queue
	scheduler  *worker.Scheduler
	supervisor *supervisor.Supervisor
	history    history.Store
	metrics    *metrics.Collector
	lister     *FileLister

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	connected     bool
	authenticated bool
	batches       map[string]*worker.Batch

	events       chan Event
	eventsMu     sync.RWMutex
	eventsClosed bool
	closing      chan struct{}
	closingOnce  sync.Once
	shutdownOnce sync.Once
	shutdownErr  error

	eventBuffer int
}

// Option customizes a Session
type Option func(*Session)

// WithTransferer replaces the upload backend chosen from the config
func WithTransferer(t worker.Transferer) Option {
	return func(s *Session) { s.transferer = t }
}

// WithTransport replaces the liveness transport chosen from the config
func WithTransport(t supervisor.Transport) Option {
	return func(s *Session) { s.transport = t }
}

// WithHistory replaces the history store opened from the config
func WithHistory(store history.Store) Option {
	return func(s *Session) { s.history = store }
}

// WithMetrics shares a collector with the caller
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Session) { s.metrics = c }
}

// WithLevel lets ApplyConfig change the log level
func WithLevel(level zap.AtomicLevel) Option {
	return func(s *Session) { s.level = &level }
}

// WithEventBuffer sets the capacity of the event channel
func WithEventBuffer(n int) Option {
	return func(s *Session) { s.eventBuffer = n }
}

// New creates a session. Nothing touches the network until Register or Connect.
func New(cfg *config.Config, log *zap.Logger, opts ...Option) (*Session, error) {
	s := &Session{
		cfg: cfg,
		id: device.Identity{
			DeviceID:    cfg.Device.ID,
			HardwareKey: cfg.Device.HardwareKey,
		},
		logger:      log.With(zap.String("device", cfg.Device.ID)),
		queue:       queue.New(),
		batches:     make(map[string]*worker.Batch),
		closing:     make(chan struct{}),
		eventBuffer: defaultEventBuffer,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.eventBuffer < 0 {
		s.eventBuffer = 0
	}
	s.events = make(chan Event, s.eventBuffer)

	if s.metrics == nil {
		s.metrics = metrics.New()
	}

	s.client = api.NewClient(cfg.Server.URL, cfg.Server.Timeout, log)

	if s.transferer == nil {
		switch cfg.Upload.Backend {
		case config.BackendS3:
			mc, err := storage.NewMinIOClient(storage.Config{
				Endpoint:  cfg.ObjectStore.Endpoint,
				AccessKey: cfg.ObjectStore.AccessKey,
				SecretKey: cfg.ObjectStore.SecretKey,
				Secure:    cfg.ObjectStore.Secure,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to create object store client: %w", err)
			}
			s.uploader = storage.NewUploader(mc, storage.Config{
				Bucket: cfg.ObjectStore.Bucket,
				Prefix: cfg.ObjectStore.Prefix,
			}, log)
			s.transferer = s.uploader
		default:
			s.transferer = s.client
		}
	}

	if s.history == nil && cfg.History.Enabled {
		store, err := history.NewSQLiteStore(cfg.History.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open history: %w", err)
		}
		s.history = store
	}

	s.lister = &FileLister{upload: cfg.Upload, now: time.Now, logger: s.logger}

	s.scheduler = worker.NewScheduler(worker.Config{
		Concurrency:    cfg.Upload.Concurrency,
		AutoRetry:      cfg.Upload.AutoRetry,
		MaxRetries:     cfg.Upload.MaxRetries,
		RetryBackoffMs: cfg.Upload.RetryBackoffMs,
		Timeout:        cfg.Upload.Timeout,
	}, s.transferer, s.queue, schedulerEvents{s}, s.metrics, s.logger)

	s.supervisor = supervisor.New(supervisor.Config{
		Interval:         cfg.Connection.HeartbeatInterval,
		ProbeTimeout:     cfg.Connection.ProbeTimeout,
		DepartureTimeout: cfg.Connection.DepartureTimeout,
	}, supervisorEvents{s}, s.metrics, s.logger)

	s.ctx, s.cancel = context.WithCancel(context.Background())

	if cfg.Metrics.Listen != "" {
		go func() {
			s.logger.Info("Serving metrics", zap.String("addr", cfg.Metrics.Listen))
			if err := s.metrics.Serve(s.ctx, cfg.Metrics.Listen); err != nil {
				s.logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	return s, nil
}

// Identity returns the device credentials in use
func (s *Session) Identity() device.Identity {
	return s.id
}

// Register announces the device to the server
func (s *Session) Register(ctx context.Context) error {
	if err := s.id.Validate(); err != nil {
		return err
	}

	reply, err := s.client.Register(ctx, s.id, s.cfg.Device.Name, device.LocalIP())
	if err != nil {
		return err
	}

	s.logger.Info("Device registered", zap.String("reply", reply.Message))
	return nil
}

// SetStatus reports an operator-chosen status string and returns the
// server's reply message
func (s *Session) SetStatus(ctx context.Context, status string) (string, error) {
	if err := s.id.Validate(); err != nil {
		return "", err
	}

	reply, err := s.client.SetStatus(ctx, s.id, status)
	if err != nil {
		return "", err
	}
	return reply.Message, nil
}

// Connect authenticates the device and starts the liveness loop. It returns
// once the loop is running; connection changes arrive as events.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.id.Validate(); err != nil {
		return err
	}

	if _, err := s.client.Authenticate(ctx, s.id, device.LocalIP()); err != nil {
		return err
	}

	s.mu.Lock()
	s.authenticated = true
	s.mu.Unlock()

	if s.uploader != nil {
		if err := s.uploader.Check(ctx); err != nil {
			return err
		}
	}

	transport := s.transport
	if transport == nil {
		switch s.cfg.Connection.Mode {
		case config.ModeStream:
			transport = supervisor.NewStreamTransport(s.cfg.Server.URL, s.cfg.Connection.StreamReadWait, s.logger)
		default:
			transport = supervisor.NewPollingTransport(s.client)
		}
	}

	if err := s.supervisor.Start(s.ctx, transport, s.id); err != nil {
		return fmt.Errorf("failed to start connection: %w", err)
	}

	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()

	s.logger.Info("Connection started",
		zap.String("mode", s.cfg.Connection.Mode),
		zap.Duration("interval", s.cfg.Connection.HeartbeatInterval),
	)
	return nil
}

// AddFiles queues files and the supported files under directories. Files
// already queued are reported in the returned error; everything else is added.
func (s *Session) AddFiles(paths ...string) ([]queue.Item, error) {
	s.mu.Lock()
	lister := s.lister
	s.mu.Unlock()

	items, listErr := lister.List(paths)

	errs := []error{listErr}
	added := make([]queue.Item, 0, len(items))
	for _, it := range items {
		if err := s.queue.Add(it); err != nil {
			errs = append(errs, err)
			continue
		}
		added = append(added, it)
	}

	if len(added) > 0 {
		_, bytes := CountBytes(added)
		s.logger.Info("Files queued",
			zap.Int("count", len(added)),
			zap.Int64("bytes", bytes),
		)
	}
	return added, errors.Join(errs...)
}

// Upload submits every selected item that is not yet uploaded or in flight
func (s *Session) Upload() (*worker.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return nil, ErrNotConnected
	}

	batch, err := s.scheduler.Submit(s.id, s.queue.Selected())
	if err != nil {
		return nil, err
	}
	s.batches[batch.ID] = batch
	return batch, nil
}

// CancelUploads drops every task that has not started. Running uploads finish.
func (s *Session) CancelUploads() int {
	n := s.scheduler.CancelAll()
	if n > 0 {
		s.logger.Info("Pending uploads cancelled", zap.Int("count", n))
	}
	// A batch may have had nothing left running.
	s.reportFinished()
	return n
}

// Events returns the event stream. It is closed by Shutdown.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Queue returns the work queue
func (s *Session) Queue() *queue.Queue {
	return s.queue
}

// State returns the connection state
func (s *Session) State() supervisor.State {
	return s.supervisor.State()
}

// LastProbe returns the most recent liveness probe
func (s *Session) LastProbe() (supervisor.Probe, bool) {
	return s.supervisor.LastProbe()
}

// InFlight returns the number of running uploads
func (s *Session) InFlight() int {
	return s.scheduler.InFlight()
}

// Metrics returns the session's collector
func (s *Session) Metrics() *metrics.Collector {
	return s.metrics
}

// ApplyConfig applies the settings that can change while running: log level,
// upload concurrency and description formats
func (s *Session) ApplyConfig(cfg *config.Config) {
	if s.level != nil {
		if err := logger.SetLevel(*s.level, cfg.Log.Level); err != nil {
			s.logger.Warn("Ignoring log level", zap.Error(err))
		}
	}

	s.scheduler.SetLimit(cfg.Upload.Concurrency)

	s.mu.Lock()
	s.lister = &FileLister{upload: cfg.Upload, now: time.Now, logger: s.logger}
	s.mu.Unlock()

	s.logger.Info("Configuration applied",
		zap.String("log_level", cfg.Log.Level),
		zap.Int("concurrency", cfg.Upload.Concurrency),
	)
}

// Shutdown cancels pending uploads, waits for running ones until ctx ends,
// stops the connection and releases resources. The event channel is closed
// when it returns. Later calls return the first result.
func (s *Session) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown(ctx)
	})
	return s.shutdownErr
}

func (s *Session) shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down session")

	// Blocked event sends give up once ctx expires.
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			s.beginClosing()
		case <-finished:
		}
	}()

	var errs []error

	s.CancelUploads()
	if err := s.scheduler.Wait(ctx); err != nil {
		s.logger.Warn("Uploads still running at shutdown", zap.Int("in_flight", s.scheduler.InFlight()))
		errs = append(errs, fmt.Errorf("waiting for uploads: %w", err))
	}

	s.supervisor.Stop()

	s.mu.Lock()
	authenticated := s.authenticated
	s.mu.Unlock()

	if authenticated {
		// Second departure notice. Both are best-effort, so the server may see
		// the device leave more than once.
		offCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Connection.DepartureTimeout)
		if err := s.client.SetOffline(offCtx, s.id, s.cfg.Connection.DepartureTimeout); err != nil {
			s.logger.Debug("Redundant offline notice failed", zap.Error(err))
		}
		cancel()
	}

	s.scheduler.Close()

	if s.history != nil {
		if err := s.history.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing history: %w", err))
		}
	}

	s.cancel()

	s.beginClosing()
	s.eventsMu.Lock()
	s.eventsClosed = true
	close(s.events)
	s.eventsMu.Unlock()

	s.logger.Info("Session closed")
	return errors.Join(errs...)
}

func (s *Session) beginClosing() {
	s.closingOnce.Do(func() { close(s.closing) })
}
