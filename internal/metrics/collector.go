package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Connection state values exported by the meterlink_connection_state gauge.
const (
	StateDisconnected = 0
	StateConnecting   = 1
	StateConnected    = 2
	StateDegraded     = 3
)

// Collector collects and exposes metrics
type Collector struct {
	registry        *prometheus.Registry
	probesTotal     *prometheus.CounterVec
	departuresTotal *prometheus.CounterVec
	connectionState prometheus.Gauge
	transfersTotal  *prometheus.CounterVec
	bytesTotal      prometheus.Counter
	inflightWorkers prometheus.Gauge
	duration        prometheus.Histogram
}

// New creates a new metrics collector backed by its own registry
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		probesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meterlink_probes_total",
				Help: "Liveness probes by outcome",
			},
			[]string{"outcome"},
		),
		departuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meterlink_departures_total",
				Help: "Departure notices by result",
			},
			[]string{"result"},
		),
		connectionState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "meterlink_connection_state",
				Help: "0=disconnected 1=connecting 2=connected 3=degraded",
			},
		),
		transfersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meterlink_transfers_total",
				Help: "Finished transfers by status",
			},
			[]string{"status"},
		),
		bytesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "meterlink_bytes_total",
				Help: "Total bytes uploaded",
			},
		),
		inflightWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "meterlink_inflight_transfers",
				Help: "Number of transfers currently running",
			},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "meterlink_transfer_duration_seconds",
				Help:    "Time taken to upload one file",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	c.registry.MustRegister(
		c.probesTotal,
		c.departuresTotal,
		c.connectionState,
		c.transfersTotal,
		c.bytesTotal,
		c.inflightWorkers,
		c.duration,
	)

	return c
}

// Registry returns the registry the collector's metrics live in
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// IncProbe counts one liveness probe outcome
func (c *Collector) IncProbe(outcome string) {
	c.probesTotal.WithLabelValues(outcome).Inc()
}

// IncDeparture counts one departure notice attempt
func (c *Collector) IncDeparture(ok bool) {
	result := "sent"
	if !ok {
		result = "failed"
	}
	c.departuresTotal.WithLabelValues(result).Inc()
}

// SetConnectionState records the supervisor state
func (c *Collector) SetConnectionState(v int) {
	c.connectionState.Set(float64(v))
}

// IncSuccess counts a successful transfer of size bytes
func (c *Collector) IncSuccess(bytes int64) {
	c.transfersTotal.WithLabelValues("succeeded").Inc()
	c.bytesTotal.Add(float64(bytes))
}

// IncFailed counts a failed transfer
func (c *Collector) IncFailed() {
	c.transfersTotal.WithLabelValues("failed").Inc()
}

// IncCancelled counts transfers dropped before they started
func (c *Collector) IncCancelled(n int) {
	c.transfersTotal.WithLabelValues("cancelled").Add(float64(n))
}

// SetInflightWorkers sets the number of inflight transfers
func (c *Collector) SetInflightWorkers(count int) {
	c.inflightWorkers.Set(float64(count))
}

// ObserveDuration observes transfer duration
func (c *Collector) ObserveDuration(duration time.Duration) {
	c.duration.Observe(duration.Seconds())
}

// Serve exposes /metrics on addr until ctx is cancelled
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
