package supervisor

import (
	"context"
	"errors"
	"net"
	"time"

	"meterlink/internal/device"
)

// HeartbeatClient is the part of the API client the polling transport uses
type HeartbeatClient interface {
	Heartbeat(ctx context.Context, id device.Identity, timeout time.Duration) error
	SetOffline(ctx context.Context, id device.Identity, timeout time.Duration) error
}

// PollingTransport sends one heartbeat request per probe
type PollingTransport struct {
	client HeartbeatClient
}

// NewPollingTransport creates a polling transport over client
func NewPollingTransport(client HeartbeatClient) *PollingTransport {
	return &PollingTransport{client: client}
}

// Probe sends a heartbeat bounded by timeout
func (p *PollingTransport) Probe(ctx context.Context, id device.Identity, timeout time.Duration) (Outcome, error) {
	err := p.client.Heartbeat(ctx, id, timeout)
	if err == nil {
		return OutcomeSuccess, nil
	}
	return classify(ctx, err), err
}

// Depart posts the offline notice. The deadline comes from ctx.
func (p *PollingTransport) Depart(ctx context.Context, id device.Identity) error {
	return p.client.SetOffline(ctx, id, 0)
}

// Close is a no-op; the HTTP client is shared
func (p *PollingTransport) Close() error {
	return nil
}

// classify maps a probe error to an outcome
func classify(ctx context.Context, err error) Outcome {
	if ctx.Err() != nil {
		return OutcomeCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return OutcomeTimeout
	}
	return OutcomeTransportError
}
