package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func testFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("server", "", "")
	fs.String("device-id", "", "")
	fs.Int("concurrency", 0, "")
	fs.String("mode", "", "")
	fs.Duration("heartbeat-interval", 0, "")
	fs.String("log-level", "", "")
	return fs
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, ModePolling, cfg.Connection.Mode)
	assert.Equal(t, 30*time.Second, cfg.Connection.HeartbeatInterval)
	assert.Equal(t, 10*time.Second, cfg.Connection.ProbeTimeout)
	assert.Equal(t, 60*time.Second, cfg.Connection.StreamReadWait)
	assert.Equal(t, 2, cfg.Upload.Concurrency)
	assert.Equal(t, BackendAPI, cfg.Upload.Backend)
	assert.Equal(t, 10, cfg.Log.Rotation.MaxSizeMB)
	assert.Equal(t, 30, cfg.Log.Rotation.MaxAgeDays)
}

func TestLoad_FileValues(t *testing.T) {
	p := writeConfig(t, `server:
  url: https://meters.example.com
  timeout: 15s
device:
  id: dev-7
  hardware_key: abc123
connection:
  mode: stream
  heartbeat_interval: 45s
upload:
  concurrency: 4
  max_retries: 1
`)
	cfg, err := Load(p, nil)
	require.NoError(t, err)

	assert.Equal(t, "https://meters.example.com", cfg.Server.URL)
	assert.Equal(t, 15*time.Second, cfg.Server.Timeout)
	assert.Equal(t, "dev-7", cfg.Device.ID)
	assert.Equal(t, ModeStream, cfg.Connection.Mode)
	assert.Equal(t, 45*time.Second, cfg.Connection.HeartbeatInterval)
	assert.Equal(t, 4, cfg.Upload.Concurrency)
	assert.Equal(t, 1, cfg.Upload.MaxRetries)
	// untouched fields keep their defaults
	assert.Equal(t, 10*time.Second, cfg.Connection.ProbeTimeout)
}

func TestLoad_FlagsOverrideFile(t *testing.T) {
	p := writeConfig(t, `upload:
  concurrency: 4
`)
	fs := testFlags()
	require.NoError(t, fs.Parse([]string{"--concurrency=8", "--mode=stream", "--heartbeat-interval=5s"}))

	cfg, err := Load(p, fs)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Upload.Concurrency)
	assert.Equal(t, ModeStream, cfg.Connection.Mode)
	assert.Equal(t, 5*time.Second, cfg.Connection.HeartbeatInterval)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"bad mode":          "connection:\n  mode: carrier-pigeon\n",
		"zero concurrency":  "upload:\n  concurrency: 0\n",
		"relative url":      "server:\n  url: localhost:8000\n",
		"s3 without bucket": "upload:\n  backend: s3\nobject_store:\n  endpoint: localhost:9000\n  access_key: a\n  secret_key: b\n",
		"unknown backend":   "upload:\n  backend: ftp\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content), nil)
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	assert.Error(t, err)
}

func TestSave_RoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Device.ID = "dev-9"
	cfg.Device.HardwareKey = "key"
	cfg.Connection.HeartbeatInterval = 12 * time.Second

	p := filepath.Join(t.TempDir(), "saved.yaml")
	require.NoError(t, Save(cfg, p))

	loaded, err := Load(p, nil)
	require.NoError(t, err)
	assert.Equal(t, "dev-9", loaded.Device.ID)
	assert.Equal(t, 12*time.Second, loaded.Connection.HeartbeatInterval)
}

func TestDescribe(t *testing.T) {
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	assert.Equal(t, "tabular data_20260304_050607", Describe("tabular data_{timestamp}", "a.xlsx", now))
	assert.Equal(t, "image a.png", Describe("image {name}", "a.png", now))
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	p := writeConfig(t, "upload:\n  concurrency: 2\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 4)
	go func() {
		_ = Watch(ctx, p, nil, zap.NewNop(), func(c *Config) { reloaded <- c })
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(p, []byte("upload:\n  concurrency: 6\n"), 0o600))

	select {
	case c := <-reloaded:
		assert.Equal(t, 6, c.Upload.Concurrency)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}
}
