// Package config loads device settings from an optional .env file, an
// optional YAML config file and RELAYSYNC_* environment variables.
// Environment variables always win.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/roach88/relaysync/internal/logging"
	"github.com/roach88/relaysync/internal/queue"
	"github.com/roach88/relaysync/internal/realtime"
	"github.com/roach88/relaysync/internal/remote"
	"github.com/roach88/relaysync/internal/validate"
)

// EnvPrefix prefixes every environment variable, e.g. RELAYSYNC_TEAM_ID.
const EnvPrefix = "RELAYSYNC"

// Remote store kinds.
const (
	RemoteMemory   = "memory"
	RemotePostgres = "postgres"
)

// Queue backoff modes.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// Config holds all device configuration.
type Config struct {
	// Identity. An empty DeviceID is filled from the local database or
	// generated on first run.
	TeamID   string
	DeviceID string
	Role     string

	// Local SQLite database.
	DBPath string

	// Remote store.
	Remote        string
	DatabaseURL   string
	FeedURL       string
	RemoteTimeout time.Duration

	// Local status API.
	HTTPAddr string

	// Offline queue.
	MaxRetries  int
	Backoff     string
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// Realtime reconnect delays.
	RealtimeMin  time.Duration
	RealtimeMax  time.Duration
	RealtimeBase time.Duration

	ReconcileInterval time.Duration
	RepairInterval    time.Duration

	LongLegWarnAfter  time.Duration
	LongLegAutoFinish bool

	Debug     bool
	LogFormat string
}

// Load reads configuration. path names an optional YAML file; an empty path
// skips it. A missing .env file in the working directory is not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := &Config{
		TeamID:            v.GetString("team_id"),
		DeviceID:          v.GetString("device_id"),
		Role:              v.GetString("role"),
		DBPath:            v.GetString("db_path"),
		Remote:            v.GetString("remote"),
		DatabaseURL:       v.GetString("database_url"),
		FeedURL:           v.GetString("feed_url"),
		RemoteTimeout:     v.GetDuration("remote_timeout"),
		HTTPAddr:          v.GetString("http_addr"),
		MaxRetries:        v.GetInt("queue_max_retries"),
		Backoff:           v.GetString("queue_backoff"),
		BackoffBase:       v.GetDuration("queue_backoff_base"),
		BackoffMax:        v.GetDuration("queue_backoff_max"),
		RealtimeMin:       v.GetDuration("realtime_min_delay"),
		RealtimeMax:       v.GetDuration("realtime_max_delay"),
		RealtimeBase:      v.GetDuration("realtime_base_delay"),
		ReconcileInterval: v.GetDuration("reconcile_interval"),
		RepairInterval:    v.GetDuration("repair_interval"),
		LongLegWarnAfter:  v.GetDuration("long_leg_warn_after"),
		LongLegAutoFinish: v.GetBool("long_leg_auto_finish"),
		Debug:             v.GetBool("debug"),
		LogFormat:         v.GetString("log_format"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db_path", "relaysync.db")
	v.SetDefault("remote", RemoteMemory)
	v.SetDefault("remote_timeout", 10*time.Second)
	v.SetDefault("http_addr", "127.0.0.1:8787")
	v.SetDefault("queue_max_retries", queue.DefaultMaxRetries)
	v.SetDefault("queue_backoff", BackoffFixed)
	v.SetDefault("queue_backoff_base", 5*time.Second)
	v.SetDefault("queue_backoff_max", time.Minute)

	rt := realtime.DefaultPolicy()
	v.SetDefault("realtime_min_delay", rt.Min)
	v.SetDefault("realtime_max_delay", rt.Max)
	v.SetDefault("realtime_base_delay", rt.Base)

	v.SetDefault("reconcile_interval", time.Minute)
	v.SetDefault("repair_interval", 30*time.Second)
	v.SetDefault("long_leg_warn_after", validate.DefaultLongLegPolicy().WarnAfter)
	v.SetDefault("long_leg_auto_finish", false)
	v.SetDefault("debug", false)
	v.SetDefault("log_format", logging.FormatJSON)
}

// Validate reports every unusable setting at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("config: "+format, args...))
	}

	switch c.Role {
	case "", remote.RoleCaptain, remote.RoleMember:
	default:
		add("role must be %q or %q, got %q", remote.RoleCaptain, remote.RoleMember, c.Role)
	}
	if c.DBPath == "" {
		add("db_path must be set")
	}
	switch c.Remote {
	case RemoteMemory:
	case RemotePostgres:
		if c.DatabaseURL == "" {
			add("database_url must be set for the postgres remote")
		}
	default:
		add("remote must be %q or %q, got %q", RemoteMemory, RemotePostgres, c.Remote)
	}
	if c.RemoteTimeout <= 0 {
		add("remote_timeout must be positive")
	}
	if c.MaxRetries < 1 {
		add("queue_max_retries must be at least 1")
	}
	switch c.Backoff {
	case BackoffFixed, BackoffExponential:
	default:
		add("queue_backoff must be %q or %q, got %q", BackoffFixed, BackoffExponential, c.Backoff)
	}
	if c.BackoffBase <= 0 {
		add("queue_backoff_base must be positive")
	}
	if c.Backoff == BackoffExponential && c.BackoffMax < c.BackoffBase {
		add("queue_backoff_max must not be below queue_backoff_base")
	}
	if c.RealtimeMin <= 0 || c.RealtimeBase <= 0 {
		add("realtime delays must be positive")
	}
	if c.RealtimeMax < c.RealtimeMin {
		add("realtime_max_delay must not be below realtime_min_delay")
	}
	if c.ReconcileInterval <= 0 || c.RepairInterval <= 0 {
		add("reconcile_interval and repair_interval must be positive")
	}
	if c.LongLegWarnAfter < 0 {
		add("long_leg_warn_after must not be negative")
	}
	switch c.LogFormat {
	case logging.FormatJSON, logging.FormatConsole:
	default:
		add("log_format must be %q or %q, got %q", logging.FormatJSON, logging.FormatConsole, c.LogFormat)
	}
	return errors.Join(errs...)
}

// BackoffPolicy returns the queue backoff described by the config.
func (c *Config) BackoffPolicy() queue.BackoffPolicy {
	if c.Backoff == BackoffExponential {
		return queue.ExponentialBackoff{Base: c.BackoffBase, Max: c.BackoffMax}
	}
	return queue.FixedBackoff{Interval: c.BackoffBase}
}

// RealtimePolicy returns the reconnect delay policy.
func (c *Config) RealtimePolicy() realtime.Policy {
	return realtime.Policy{Min: c.RealtimeMin, Max: c.RealtimeMax, Base: c.RealtimeBase}
}

// LongLegPolicy returns the repair policy for legs open past their projection.
func (c *Config) LongLegPolicy() validate.LongLegPolicy {
	return validate.LongLegPolicy{WarnAfter: c.LongLegWarnAfter, AutoFinish: c.LongLegAutoFinish}
}
