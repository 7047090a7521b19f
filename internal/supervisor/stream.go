package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"meterlink/internal/device"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pingMarker = "ping"
	pongMarker = "pong"
)

// StreamTransport keeps one websocket open and exchanges ping/pong markers
// over it. The connection is dialled on the first probe and redialled after
// any stream error.
type StreamTransport struct {
	baseURL  string
	readWait time.Duration
	dialer   *websocket.Dialer
	logger   *zap.Logger

	mu    sync.Mutex
	conn  *websocket.Conn
	pongs chan struct{}
	errs  chan error
}

// NewStreamTransport creates a stream transport for the server at baseURL
// (http or https). readWait bounds how long a probe waits for a pong.
func NewStreamTransport(baseURL string, readWait time.Duration, logger *zap.Logger) *StreamTransport {
	if readWait <= 0 {
		readWait = 60 * time.Second
	}
	return &StreamTransport{
		baseURL:  strings.TrimRight(baseURL, "/"),
		readWait: readWait,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:   logger.With(zap.String("component", "stream")),
	}
}

// StreamURL returns the websocket address for id
func StreamURL(baseURL string, id device.Identity) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}

	u.Path = u.Path + "/ws/device/" + url.PathEscape(id.DeviceID)
	u.RawQuery = url.Values{"hardware_key": {id.HardwareKey}}.Encode()
	return u.String(), nil
}

// Probe sends a ping and waits up to the read wait for a pong. Silence is
// reported as idle; only stream errors count as failures.
func (t *StreamTransport) Probe(ctx context.Context, id device.Identity, timeout time.Duration) (Outcome, error) {
	conn, pongs, errs, err := t.connect(ctx, id, timeout)
	if err != nil {
		return classify(ctx, err), err
	}

	// A late pong from an idle cycle must not answer this ping.
	select {
	case <-pongs:
	default:
	}

	t.mu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	err = conn.WriteMessage(websocket.TextMessage, []byte(pingMarker))
	t.mu.Unlock()
	if err != nil {
		t.drop(conn)
		return classify(ctx, err), fmt.Errorf("failed to send ping: %w", err)
	}

	wait := time.NewTimer(t.readWait)
	defer wait.Stop()

	select {
	case <-pongs:
		return OutcomeSuccess, nil
	case err := <-errs:
		t.drop(conn)
		return OutcomeTransportError, fmt.Errorf("stream closed: %w", err)
	case <-wait.C:
		return OutcomeIdle, nil
	case <-ctx.Done():
		return OutcomeCancelled, ctx.Err()
	}
}

// Depart closes the stream with a normal closure frame
func (t *StreamTransport) Depart(ctx context.Context, _ device.Identity) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}

	t.mu.Lock()
	err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "departing"), deadline)
	t.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to send close frame: %w", err)
	}
	return nil
}

// Close tears down the connection, if any
func (t *StreamTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (t *StreamTransport) connect(ctx context.Context, id device.Identity, timeout time.Duration) (*websocket.Conn, chan struct{}, chan error, error) {
	t.mu.Lock()
	if t.conn != nil {
		conn, pongs, errs := t.conn, t.pongs, t.errs
		t.mu.Unlock()
		return conn, pongs, errs, nil
	}
	t.mu.Unlock()

	target, err := StreamURL(t.baseURL, id)
	if err != nil {
		return nil, nil, nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, resp, err := t.dialer.DialContext(dialCtx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, nil, nil, fmt.Errorf("stream dial rejected with status %d: %w", resp.StatusCode, err)
		}
		return nil, nil, nil, fmt.Errorf("stream dial failed: %w", err)
	}

	pongs := make(chan struct{}, 1)
	errs := make(chan error, 1)

	t.mu.Lock()
	t.conn, t.pongs, t.errs = conn, pongs, errs
	t.mu.Unlock()

	t.logger.Info("Stream connected", zap.String("device", id.DeviceID))
	go t.readLoop(conn, pongs, errs)

	return conn, pongs, errs, nil
}

func (t *StreamTransport) readLoop(conn *websocket.Conn, pongs chan<- struct{}, errs chan<- error) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) || errors.Is(err, websocket.ErrCloseSent) {
				t.logger.Debug("Stream closed", zap.Error(err))
			} else {
				t.logger.Warn("Stream read failed", zap.Error(err))
			}
			select {
			case errs <- err:
			default:
			}
			return
		}

		if strings.TrimSpace(string(msg)) == pongMarker {
			select {
			case pongs <- struct{}{}:
			default:
			}
			continue
		}
		t.logger.Debug("Server message", zap.ByteString("message", msg))
	}
}

// drop discards conn if it is still current so the next probe redials
func (t *StreamTransport) drop(conn *websocket.Conn) {
	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.mu.Unlock()
	conn.Close()
}
