package supervisor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"meterlink/internal/api"
	"meterlink/internal/device"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPollingTransport_Outcomes(t *testing.T) {
	var mode atomic.Value
	mode.Store("ok")
	var offline atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case api.PathOffline:
			offline.Add(1)
			w.WriteHeader(http.StatusOK)
			return
		case api.PathHeartbeat:
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}

		switch mode.Load().(string) {
		case "ok":
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		case "error":
			w.WriteHeader(http.StatusInternalServerError)
		case "slow":
			select {
			case <-time.After(time.Second):
			case <-r.Context().Done():
			}
		}
	}))
	defer srv.Close()

	tr := NewPollingTransport(api.NewClient(srv.URL, time.Second, zap.NewNop()))
	ctx := context.Background()

	out, err := tr.Probe(ctx, testID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, out)

	mode.Store("error")
	out, err = tr.Probe(ctx, testID, time.Second)
	assert.Error(t, err)
	assert.Equal(t, OutcomeTransportError, out)

	mode.Store("slow")
	out, err = tr.Probe(ctx, testID, 30*time.Millisecond)
	assert.Error(t, err)
	assert.Equal(t, OutcomeTimeout, out)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	out, _ = tr.Probe(cctx, testID, time.Second)
	assert.Equal(t, OutcomeCancelled, out)

	dctx, dcancel := context.WithTimeout(ctx, time.Second)
	defer dcancel()
	require.NoError(t, tr.Depart(dctx, testID))
	assert.EqualValues(t, 1, offline.Load())
	assert.NoError(t, tr.Close())
}

func TestPollingTransport_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	tr := NewPollingTransport(api.NewClient(addr, time.Second, zap.NewNop()))
	out, err := tr.Probe(context.Background(), testID, time.Second)
	assert.Error(t, err)
	assert.Equal(t, OutcomeTransportError, out)
}

func TestStreamURL(t *testing.T) {
	got, err := StreamURL("http://example.com:8000/", testID)
	require.NoError(t, err)
	assert.Equal(t, "ws://example.com:8000/ws/device/meter-01?hardware_key=key", got)

	got, err = StreamURL("https://example.com", testID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, "wss://example.com/ws/device/"))

	_, err = StreamURL("ftp://example.com", testID)
	assert.Error(t, err)
}

// wsServer answers pings according to reply and reports close reasons
type wsServer struct {
	reply   atomic.Value // "pong", "silent" or "hangup"
	dials   atomic.Int32
	closeCh chan string
}

func newWSServer(t *testing.T) (*wsServer, *httptest.Server) {
	ws := &wsServer{closeCh: make(chan string, 4)}
	ws.reply.Store("pong")
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/device/meter-01" || r.URL.Query().Get("hardware_key") != "key" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ws.dials.Add(1)

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if ce, ok := err.(*websocket.CloseError); ok {
					ws.closeCh <- ce.Text
				}
				return
			}
			if string(msg) != pingMarker {
				continue
			}
			switch ws.reply.Load().(string) {
			case "pong":
				_ = conn.WriteMessage(websocket.TextMessage, []byte(pongMarker))
			case "hangup":
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return ws, srv
}

func TestStreamTransport_PingPong(t *testing.T) {
	ws, srv := newWSServer(t)
	tr := NewStreamTransport(srv.URL, time.Second, zap.NewNop())
	defer tr.Close()

	for i := 0; i < 3; i++ {
		out, err := tr.Probe(context.Background(), testID, time.Second)
		require.NoError(t, err)
		assert.Equal(t, OutcomeSuccess, out)
	}
	assert.EqualValues(t, 1, ws.dials.Load(), "one long-lived connection")
}

func TestStreamTransport_SilenceIsIdle(t *testing.T) {
	ws, srv := newWSServer(t)
	ws.reply.Store("silent")
	tr := NewStreamTransport(srv.URL, 30*time.Millisecond, zap.NewNop())
	defer tr.Close()

	out, err := tr.Probe(context.Background(), testID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIdle, out)

	ws.reply.Store("pong")
	out, err = tr.Probe(context.Background(), testID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, out)
	assert.EqualValues(t, 1, ws.dials.Load())
}

func TestStreamTransport_HangupRedials(t *testing.T) {
	ws, srv := newWSServer(t)
	ws.reply.Store("hangup")
	tr := NewStreamTransport(srv.URL, time.Second, zap.NewNop())
	defer tr.Close()

	out, err := tr.Probe(context.Background(), testID, time.Second)
	assert.Error(t, err)
	assert.Equal(t, OutcomeTransportError, out)

	ws.reply.Store("pong")
	out, err = tr.Probe(context.Background(), testID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, out)
	assert.EqualValues(t, 2, ws.dials.Load())
}

func TestStreamTransport_RejectedDial(t *testing.T) {
	_, srv := newWSServer(t)
	tr := NewStreamTransport(srv.URL, time.Second, zap.NewNop())

	out, err := tr.Probe(context.Background(), device.Identity{DeviceID: "meter-01", HardwareKey: "wrong"}, time.Second)
	require.Error(t, err)
	assert.Equal(t, OutcomeTransportError, out)
	assert.Contains(t, err.Error(), "403")
}

func TestStreamTransport_DepartSendsCloseFrame(t *testing.T) {
	ws, srv := newWSServer(t)
	tr := NewStreamTransport(srv.URL, time.Second, zap.NewNop())

	// Nothing to close before the first probe.
	require.NoError(t, tr.Depart(context.Background(), testID))

	_, err := tr.Probe(context.Background(), testID, time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tr.Depart(ctx, testID))

	select {
	case reason := <-ws.closeCh:
		assert.Equal(t, "departing", reason)
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the close frame")
	}
	assert.NoError(t, tr.Close())
}

func TestStreamTransport_CancelWhileWaiting(t *testing.T) {
	ws, srv := newWSServer(t)
	ws.reply.Store("silent")
	tr := NewStreamTransport(srv.URL, time.Hour, zap.NewNop())
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	out, _ := tr.Probe(ctx, testID, time.Second)
	assert.Equal(t, OutcomeCancelled, out)
	assert.Less(t, time.Since(start), time.Second)
}
