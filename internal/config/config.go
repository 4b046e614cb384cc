package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/alfredjeanlab/changefeed/internal/model"
)

// Stream backends.
const (
	BackendLog       = "log"
	BackendJetStream = "jetstream"
)

// Config is the server configuration. Each field may be set in the TOML
// file named by CHANGEFEED_CONFIG; the environment variable in its comment
// overrides the file.
type Config struct {
	DatabaseURL string `toml:"database_url"` // CHANGEFEED_DATABASE_URL (default "memory://")
	HTTPAddr    string `toml:"http_addr"`    // CHANGEFEED_HTTP_ADDR (default ":8080")
	GRPCAddr    string `toml:"grpc_addr"`    // CHANGEFEED_GRPC_ADDR (default ":9090"; empty = disabled)
	NATSURL     string `toml:"nats_url"`     // CHANGEFEED_NATS_URL (optional, empty = no bus)
	AuthToken   string `toml:"auth_token"`   // CHANGEFEED_AUTH_TOKEN (optional, empty = auth disabled)

	// Stream settings
	StreamBackend    string                 `toml:"stream_backend"`     // CHANGEFEED_STREAM_BACKEND (default "log")
	StartingPosition model.StartingPosition `toml:"starting_position"`  // CHANGEFEED_STARTING_POSITION (default "latest")
	BatchSize        int                    `toml:"batch_size"`         // CHANGEFEED_BATCH_SIZE (default 100)
	PollInterval     time.Duration          `toml:"poll_interval"`      // CHANGEFEED_POLL_INTERVAL (default 200ms)
	LagWarnThreshold uint64                 `toml:"lag_warn_threshold"` // CHANGEFEED_LAG_WARN_THRESHOLD (default 1000)

	// Fan-out settings
	PushRetryCeiling  int           `toml:"push_retry_ceiling"`  // CHANGEFEED_PUSH_RETRY_CEILING (default 5)
	PushTimeout       time.Duration `toml:"push_timeout"`        // CHANGEFEED_PUSH_TIMEOUT (default 2s)
	PushBackoff       time.Duration `toml:"push_backoff"`        // CHANGEFEED_PUSH_BACKOFF (default 50ms)
	PushMaxBackoff    time.Duration `toml:"push_max_backoff"`    // CHANGEFEED_PUSH_MAX_BACKOFF (default 2s)
	FanoutConcurrency int           `toml:"fanout_concurrency"`  // CHANGEFEED_FANOUT_CONCURRENCY (default 64)
	StaleThreshold    time.Duration `toml:"stale_threshold"`     // CHANGEFEED_STALE_THRESHOLD (default 10m; 0 = reaper off)

	// Snapshot settings
	SnapshotInterval   time.Duration `toml:"snapshot_interval"`    // CHANGEFEED_SNAPSHOT_INTERVAL (default 0 = disabled)
	SnapshotS3Bucket   string        `toml:"snapshot_s3_bucket"`   // CHANGEFEED_SNAPSHOT_S3_BUCKET (enables S3 when set)
	SnapshotS3Key      string        `toml:"snapshot_s3_key"`      // CHANGEFEED_SNAPSHOT_S3_KEY (default "changefeed/records.jsonl")
	SnapshotS3Region   string        `toml:"snapshot_s3_region"`   // CHANGEFEED_SNAPSHOT_S3_REGION (default "us-east-1")
	SnapshotS3Endpoint string        `toml:"snapshot_s3_endpoint"` // CHANGEFEED_SNAPSHOT_S3_ENDPOINT (custom endpoint for MinIO)
	SnapshotFile       string        `toml:"snapshot_file"`        // CHANGEFEED_SNAPSHOT_FILE (enables file export when set)

	LogLevel  string `toml:"log_level"`  // CHANGEFEED_LOG_LEVEL (default "info")
	LogFormat string `toml:"log_format"` // CHANGEFEED_LOG_FORMAT (default "text")
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		DatabaseURL:       "memory://",
		HTTPAddr:          ":8080",
		GRPCAddr:          ":9090",
		StreamBackend:     BackendLog,
		StartingPosition:  model.PositionLatest,
		BatchSize:         100,
		PollInterval:      200 * time.Millisecond,
		LagWarnThreshold:  1000,
		PushRetryCeiling:  5,
		PushTimeout:       2 * time.Second,
		PushBackoff:       50 * time.Millisecond,
		PushMaxBackoff:    2 * time.Second,
		FanoutConcurrency: 64,
		StaleThreshold:    10 * time.Minute,
		SnapshotS3Key:     "changefeed/records.jsonl",
		SnapshotS3Region:  "us-east-1",
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// Load builds the configuration from defaults, the optional file named by
// CHANGEFEED_CONFIG, and the environment, in that order.
func Load() (*Config, error) {
	c := Default()
	if path := os.Getenv("CHANGEFEED_CONFIG"); path != "" {
		if _, err := toml.DecodeFile(path, c); err != nil {
			return nil, fmt.Errorf("CHANGEFEED_CONFIG: %w", err)
		}
	}

	var l loader
	l.str(&c.DatabaseURL, "CHANGEFEED_DATABASE_URL")
	l.str(&c.HTTPAddr, "CHANGEFEED_HTTP_ADDR")
	l.str(&c.GRPCAddr, "CHANGEFEED_GRPC_ADDR")
	l.str(&c.NATSURL, "CHANGEFEED_NATS_URL")
	l.str(&c.AuthToken, "CHANGEFEED_AUTH_TOKEN")

	l.str(&c.StreamBackend, "CHANGEFEED_STREAM_BACKEND")
	var pos string
	if l.str(&pos, "CHANGEFEED_STARTING_POSITION") {
		c.StartingPosition = model.StartingPosition(pos)
	}
	l.integer(&c.BatchSize, "CHANGEFEED_BATCH_SIZE")
	l.duration(&c.PollInterval, "CHANGEFEED_POLL_INTERVAL")
	l.unsigned(&c.LagWarnThreshold, "CHANGEFEED_LAG_WARN_THRESHOLD")

	l.integer(&c.PushRetryCeiling, "CHANGEFEED_PUSH_RETRY_CEILING")
	l.duration(&c.PushTimeout, "CHANGEFEED_PUSH_TIMEOUT")
	l.duration(&c.PushBackoff, "CHANGEFEED_PUSH_BACKOFF")
	l.duration(&c.PushMaxBackoff, "CHANGEFEED_PUSH_MAX_BACKOFF")
	l.integer(&c.FanoutConcurrency, "CHANGEFEED_FANOUT_CONCURRENCY")
	l.duration(&c.StaleThreshold, "CHANGEFEED_STALE_THRESHOLD")

	l.duration(&c.SnapshotInterval, "CHANGEFEED_SNAPSHOT_INTERVAL")
	l.str(&c.SnapshotS3Bucket, "CHANGEFEED_SNAPSHOT_S3_BUCKET")
	l.str(&c.SnapshotS3Key, "CHANGEFEED_SNAPSHOT_S3_KEY")
	l.str(&c.SnapshotS3Region, "CHANGEFEED_SNAPSHOT_S3_REGION")
	l.str(&c.SnapshotS3Endpoint, "CHANGEFEED_SNAPSHOT_S3_ENDPOINT")
	l.str(&c.SnapshotFile, "CHANGEFEED_SNAPSHOT_FILE")

	l.str(&c.LogLevel, "CHANGEFEED_LOG_LEVEL")
	l.str(&c.LogFormat, "CHANGEFEED_LOG_FORMAT")

	if l.err != nil {
		return nil, l.err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks field values, naming the environment variable of the
// first bad one.
func (c *Config) Validate() error {
	scheme := DatabaseScheme(c.DatabaseURL)
	switch scheme {
	case "postgres", "postgresql", "sqlite", "memory":
	default:
		return fmt.Errorf("CHANGEFEED_DATABASE_URL: unsupported scheme %q (want postgres, sqlite or memory)", scheme)
	}
	if c.HTTPAddr == "" {
		return errors.New("CHANGEFEED_HTTP_ADDR is required")
	}
	switch c.StreamBackend {
	case BackendLog:
	case BackendJetStream:
		if c.NATSURL == "" {
			return errors.New("CHANGEFEED_STREAM_BACKEND: jetstream requires CHANGEFEED_NATS_URL")
		}
	default:
		return fmt.Errorf("CHANGEFEED_STREAM_BACKEND: unknown backend %q", c.StreamBackend)
	}
	if !c.StartingPosition.IsValid() {
		return fmt.Errorf("CHANGEFEED_STARTING_POSITION: must be %q or %q, got %q",
			model.PositionLatest, model.PositionTrimHorizon, c.StartingPosition)
	}

	for _, p := range []struct {
		name string
		v    int
	}{
		{"CHANGEFEED_BATCH_SIZE", c.BatchSize},
		{"CHANGEFEED_PUSH_RETRY_CEILING", c.PushRetryCeiling},
		{"CHANGEFEED_FANOUT_CONCURRENCY", c.FanoutConcurrency},
	} {
		if p.v < 1 {
			return fmt.Errorf("%s: must be at least 1, got %d", p.name, p.v)
		}
	}
	for _, p := range []struct {
		name string
		v    time.Duration
	}{
		{"CHANGEFEED_POLL_INTERVAL", c.PollInterval},
		{"CHANGEFEED_PUSH_TIMEOUT", c.PushTimeout},
		{"CHANGEFEED_PUSH_BACKOFF", c.PushBackoff},
	} {
		if p.v <= 0 {
			return fmt.Errorf("%s: must be positive, got %v", p.name, p.v)
		}
	}
	if c.PushMaxBackoff < c.PushBackoff {
		return fmt.Errorf("CHANGEFEED_PUSH_MAX_BACKOFF: %v is less than CHANGEFEED_PUSH_BACKOFF %v", c.PushMaxBackoff, c.PushBackoff)
	}
	if c.StaleThreshold < 0 {
		return fmt.Errorf("CHANGEFEED_STALE_THRESHOLD: must not be negative, got %v", c.StaleThreshold)
	}
	if c.SnapshotInterval < 0 {
		return fmt.Errorf("CHANGEFEED_SNAPSHOT_INTERVAL: must not be negative, got %v", c.SnapshotInterval)
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("CHANGEFEED_LOG_LEVEL: unknown level %q", c.LogLevel)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("CHANGEFEED_LOG_FORMAT: unknown format %q", c.LogFormat)
	}
	return nil
}

// SnapshotEnabled reports whether a snapshot destination and interval are
// both configured.
func (c *Config) SnapshotEnabled() bool {
	return c.SnapshotInterval > 0 && (c.SnapshotS3Bucket != "" || c.SnapshotFile != "")
}

// DatabaseScheme returns the lower-cased URL scheme of a database URL.
func DatabaseScheme(databaseURL string) string {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Scheme)
}

// loader applies environment overrides and keeps the first parse error.
type loader struct {
	err error
}

func (l *loader) str(dst *string, key string) bool {
	v := envOrDefault(key, "")
	if v == "" {
		return false
	}
	*dst = v
	return true
}

func (l *loader) integer(dst *int, key string) {
	var s string
	if !l.str(&s, key) || l.err != nil {
		return
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		l.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = n
}

func (l *loader) unsigned(dst *uint64, key string) {
	var s string
	if !l.str(&s, key) || l.err != nil {
		return
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		l.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = n
}

func (l *loader) duration(dst *time.Duration, key string) {
	var s string
	if !l.str(&s, key) || l.err != nil {
		return
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		l.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = d
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
