package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Connection modes.
const (
	ModePolling = "polling"
	ModeStream  = "stream"
)

// Upload backends.
const (
	BackendAPI = "api"
	BackendS3  = "s3"
)

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Device      DeviceConfig      `yaml:"device"`
	Connection  ConnectionConfig  `yaml:"connection"`
	Upload      UploadConfig      `yaml:"upload"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	History     HistoryConfig     `yaml:"history"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Log         LogConfig         `yaml:"log"`
}

// ServerConfig points at the registration/upload server
type ServerConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// DeviceConfig holds the device identity
type DeviceConfig struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	HardwareKey string `yaml:"hardware_key"`
}

// ConnectionConfig controls the liveness loop
type ConnectionConfig struct {
	Mode              string        `yaml:"mode"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`
	DepartureTimeout  time.Duration `yaml:"departure_timeout"`
	StreamReadWait    time.Duration `yaml:"stream_read_wait"`
}

// UploadConfig controls the upload scheduler
type UploadConfig struct {
	Backend            string        `yaml:"backend"`
	Concurrency        int           `yaml:"concurrency"`
	AutoRetry          bool          `yaml:"auto_retry"`
	MaxRetries         int           `yaml:"max_retries"`
	RetryBackoffMs     int           `yaml:"retry_backoff_ms"`
	Timeout            time.Duration `yaml:"timeout"`
	TabularDescription string        `yaml:"tabular_description"`
	ImageDescription   string        `yaml:"image_description"`
}

// ObjectStoreConfig represents S3-compatible storage configuration
type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
}

// HistoryConfig controls the local upload ledger
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MetricsConfig controls the prometheus endpoint. An empty Listen disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// LogConfig controls logger construction
type LogConfig struct {
	Level    string         `yaml:"level"`
	Format   string         `yaml:"format"`
	Outputs  []string       `yaml:"outputs"`
	Rotation RotationConfig `yaml:"rotation"`
}

// RotationConfig controls log file rotation
type RotationConfig struct {
	Enable     bool `yaml:"enable"`
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			URL:     "http://localhost:8000",
			Timeout: 30 * time.Second,
		},
		Device: DeviceConfig{
			Name: "Three-Phase Meter Device",
		},
		Connection: ConnectionConfig{
			Mode:              ModePolling,
			HeartbeatInterval: 30 * time.Second,
			ProbeTimeout:      10 * time.Second,
			DepartureTimeout:  5 * time.Second,
			StreamReadWait:    60 * time.Second,
		},
		Upload: UploadConfig{
			Backend:            BackendAPI,
			Concurrency:        2,
			AutoRetry:          true,
			MaxRetries:         3,
			RetryBackoffMs:     500,
			Timeout:            5 * time.Minute,
			TabularDescription: "tabular data_{timestamp}",
			ImageDescription:   "image data_{timestamp}",
		},
		History: HistoryConfig{
			Enabled: true,
			Path:    "./meterlink.db",
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr", "logs/meterlink.log"},
			Rotation: RotationConfig{
				Enable:     true,
				MaxSizeMB:  10,
				MaxBackups: 5,
				MaxAgeDays: 30,
			},
		},
	}
}

// Load loads configuration from file and command line flags
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	// Load from YAML file if provided
	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Override with command line flags
	if flags != nil {
		if err := loadFromFlags(cfg, flags); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration back to filename as YAML
func Save(cfg *Config, filename string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return os.WriteFile(filename, data, 0o600)
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	if flags.Changed("server") {
		cfg.Server.URL, _ = flags.GetString("server")
	}
	if flags.Changed("device-id") {
		cfg.Device.ID, _ = flags.GetString("device-id")
	}
	if flags.Changed("device-name") {
		cfg.Device.Name, _ = flags.GetString("device-name")
	}
	if flags.Changed("hardware-key") {
		cfg.Device.HardwareKey, _ = flags.GetString("hardware-key")
	}

	if flags.Changed("mode") {
		cfg.Connection.Mode, _ = flags.GetString("mode")
	}
	if flags.Changed("heartbeat-interval") {
		cfg.Connection.HeartbeatInterval, _ = flags.GetDuration("heartbeat-interval")
	}
	if flags.Changed("probe-timeout") {
		cfg.Connection.ProbeTimeout, _ = flags.GetDuration("probe-timeout")
	}

	if flags.Changed("backend") {
		cfg.Upload.Backend, _ = flags.GetString("backend")
	}
	if flags.Changed("concurrency") {
		cfg.Upload.Concurrency, _ = flags.GetInt("concurrency")
	}
	if flags.Changed("retries") {
		cfg.Upload.MaxRetries, _ = flags.GetInt("retries")
	}

	if flags.Changed("history") {
		cfg.History.Path, _ = flags.GetString("history")
	}
	if flags.Changed("metrics-listen") {
		cfg.Metrics.Listen, _ = flags.GetString("metrics-listen")
	}
	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}

	return nil
}

func (c *Config) validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server url is required")
	}
	u, err := url.Parse(c.Server.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server url must be an absolute http(s) URL, got %q", c.Server.URL)
	}
	if c.Server.Timeout <= 0 {
		return fmt.Errorf("server timeout must be positive")
	}

	switch c.Connection.Mode {
	case ModePolling, ModeStream:
	default:
		return fmt.Errorf("unknown connection mode %q", c.Connection.Mode)
	}
	if c.Connection.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	if c.Connection.ProbeTimeout <= 0 {
		return fmt.Errorf("probe timeout must be positive")
	}
	if c.Connection.DepartureTimeout <= 0 {
		return fmt.Errorf("departure timeout must be positive")
	}
	if c.Connection.StreamReadWait <= 0 {
		return fmt.Errorf("stream read wait must be positive")
	}

	if c.Upload.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	if c.Upload.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}

	switch c.Upload.Backend {
	case BackendAPI:
	case BackendS3:
		if c.ObjectStore.Endpoint == "" {
			return fmt.Errorf("object store endpoint is required for the s3 backend")
		}
		if c.ObjectStore.AccessKey == "" || c.ObjectStore.SecretKey == "" {
			return fmt.Errorf("object store credentials are required for the s3 backend")
		}
		if c.ObjectStore.Bucket == "" {
			return fmt.Errorf("object store bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown upload backend %q", c.Upload.Backend)
	}

	if c.History.Enabled && c.History.Path == "" {
		return fmt.Errorf("history path is required when history is enabled")
	}

	return nil
}

// Describe expands a description format for a file name at time now.
// Supported placeholders are {timestamp} and {name}.
func Describe(format, name string, now time.Time) string {
	r := strings.NewReplacer(
		"{timestamp}", now.Format("20060102_150405"),
		"{name}", name,
	)
	return r.Replace(format)
}
