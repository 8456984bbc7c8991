// Package config provides the configuration for MirrorKeep.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// ErrNilConfig is returned when a nil config is passed around.
var ErrNilConfig = errors.New("nil config")

// UpstreamConfig is the configuration for the upstream source of truth.
type UpstreamConfig struct {
	// Base is the base URL of the upstream host.
	Base string `env:"BASE" yaml:"base"`

	// Token is an optional token used to fetch private upstreams.
	Token string `env:"TOKEN" yaml:"token"`
}

// DownstreamConfig is the configuration for the downstream Gitea server.
type DownstreamConfig struct {
	// URL is the root URL of the Gitea server.
	URL string `env:"URL" yaml:"url"`

	// Token is the Gitea access token used for API calls and pushes.
	Token string `env:"TOKEN" yaml:"token"`

	// User is the service user that owns mirrors without an organization.
	User string `env:"USER" yaml:"user"`
}

// SyncConfig is the configuration for the sync engine and scheduler.
type SyncConfig struct {
	// Interval is the default number of seconds between two syncs of a
	// mirror.
	Interval int `env:"INTERVAL" yaml:"interval"`

	// Timeout is the number of seconds a single fetch or push operation
	// may take.
	Timeout int `env:"TIMEOUT" yaml:"timeout"`

	// Workers is the number of concurrent sync workers.
	Workers int `env:"WORKERS" yaml:"workers"`

	// RetryMax is the maximum number of in-job retries for retryable
	// failures.
	RetryMax int `env:"RETRY_MAX" yaml:"retry_max"`

	// CloneRoot is the directory that holds the local clones.
	CloneRoot string `env:"CLONE_ROOT" yaml:"clone_root"`
}

// IntervalDuration returns the default sync interval as a time.Duration.
func (c SyncConfig) IntervalDuration() time.Duration {
	return time.Duration(c.Interval) * time.Second
}

// TimeoutDuration returns the stage timeout as a time.Duration.
func (c SyncConfig) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// JobsConfig is the configuration for cron jobs.
type JobsConfig struct {
	// SyncPlanner is the cron spec of the planner tick.
	SyncPlanner string `env:"SYNC_PLANNER" yaml:"sync_planner"`
}

// HTTPConfig is the HTTP configuration for the server.
type HTTPConfig struct {
	// ListenAddr is the address on which the HTTP server will listen.
	ListenAddr string `env:"LISTEN_ADDR" yaml:"listen_addr"`
}

// StatsConfig is the configuration for the stats server.
type StatsConfig struct {
	// ListenAddr is the address on which the stats server will listen.
	ListenAddr string `env:"LISTEN_ADDR" yaml:"listen_addr"`

	// Enabled is whether or not the stats server is enabled.
	Enabled bool `env:"ENABLED" yaml:"enabled"`
}

// LogConfig is the logger configuration.
type LogConfig struct {
	// Format is the format of the logs.
	// Valid values are "json", "logfmt", and "text".
	Format string `env:"FORMAT" yaml:"format"`

	// Time format for the log `ts` field.
	// Format must be described in Golang's time format.
	TimeFormat string `env:"TIME_FORMAT" yaml:"time_format"`

	// Path to a file to write logs to.
	// If not set, logs will be written to stderr.
	Path string `env:"PATH" yaml:"path"`
}

// DBConfig is the database connection configuration.
type DBConfig struct {
	// Driver is the driver for the database.
	// Valid values are "sqlite" and "postgres".
	Driver string `env:"DRIVER" yaml:"driver"`

	// DataSource is the database data source name.
	DataSource string `env:"DATA_SOURCE" yaml:"data_source"`
}

// Config is the configuration for MirrorKeep.
type Config struct {
	// Name is the name of the server.
	Name string `env:"NAME" yaml:"name"`

	// Upstream is the configuration for the upstream source.
	Upstream UpstreamConfig `envPrefix:"UPSTREAM_" yaml:"upstream"`

	// Downstream is the configuration for the Gitea server.
	Downstream DownstreamConfig `envPrefix:"DOWNSTREAM_" yaml:"downstream"`

	// Sync is the configuration for the sync engine and scheduler.
	Sync SyncConfig `envPrefix:"SYNC_" yaml:"sync"`

	// Jobs is the configuration for cron jobs.
	Jobs JobsConfig `envPrefix:"JOBS_" yaml:"jobs"`

	// HTTP is the configuration for the HTTP server.
	HTTP HTTPConfig `envPrefix:"HTTP_" yaml:"http"`

	// Stats is the configuration for the stats server.
	Stats StatsConfig `envPrefix:"STATS_" yaml:"stats"`

	// Log is the logger configuration.
	Log LogConfig `envPrefix:"LOG_" yaml:"log"`

	// DB is the database configuration.
	DB DBConfig `envPrefix:"DB_" yaml:"db"`

	// Timezone is the display timezone. Stored times remain UTC.
	Timezone string `env:"TIMEZONE" yaml:"timezone"`

	// DataPath is the path to the directory where MirrorKeep will store
	// its data.
	DataPath string `env:"DATA_PATH" yaml:"-"`
}

// IsDebug returns true if the server is running in debug mode.
func IsDebug() bool {
	debug, _ := strconv.ParseBool(os.Getenv("MIRRORKEEP_DEBUG"))
	return debug
}

// IsVerbose returns true if the server is running in verbose mode.
// Verbose mode is only enabled if debug mode is enabled.
func IsVerbose() bool {
	verbose, _ := strconv.ParseBool(os.Getenv("MIRRORKEEP_VERBOSE"))
	return IsDebug() && verbose
}

// parseFile parses the given file as a configuration file.
// The file must be in YAML format. Unknown keys are an error, not a silent
// no-op.
func parseFile(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}

	defer f.Close() // nolint: errcheck
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}

	return cfg.Validate()
}

// ParseFile parses the config from the default file path.
// This also calls Validate() on the config.
func (c *Config) ParseFile() error {
	return parseFile(c, c.ConfigPath())
}

// ParseEnv parses the config from the environment variables.
// This also calls Validate() on the config.
func (c *Config) ParseEnv() error {
	if err := env.ParseWithOptions(c, env.Options{
		Prefix: "MIRRORKEEP_",
	}); err != nil {
		return fmt.Errorf("parse environment variables: %w", err)
	}

	return c.Validate()
}

// Parse parses the config from the default file path and environment
// variables. This also calls Validate() on the config.
func (c *Config) Parse() error {
	if c.Exist() {
		if err := c.ParseFile(); err != nil {
			return err
		}
	}

	return c.ParseEnv()
}

// Validate validates the configuration and makes relative paths absolute.
func (c *Config) Validate() error {
	if c == nil {
		return ErrNilConfig
	}

	c.Downstream.URL = strings.TrimSuffix(c.Downstream.URL, "/")
	if c.Downstream.URL != "" {
		u, err := url.Parse(c.Downstream.URL)
		if err != nil {
			return fmt.Errorf("invalid downstream url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("invalid downstream url scheme %q", u.Scheme)
		}
	}

	if c.Sync.Workers <= 0 {
		return fmt.Errorf("sync workers must be positive, got %d", c.Sync.Workers)
	}

	if c.Sync.RetryMax < 0 {
		return fmt.Errorf("sync retry_max must not be negative, got %d", c.Sync.RetryMax)
	}

	if c.Sync.Interval <= 0 || c.Sync.Timeout <= 0 {
		return errors.New("sync interval and timeout must be positive")
	}

	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return fmt.Errorf("invalid timezone: %w", err)
		}
	}

	if !filepath.IsAbs(c.Sync.CloneRoot) {
		c.Sync.CloneRoot = filepath.Join(c.DataPath, c.Sync.CloneRoot)
	}

	if c.DB.Driver == "sqlite" && !strings.Contains(c.DB.DataSource, "://") &&
		!filepath.IsAbs(strings.SplitN(c.DB.DataSource, "?", 2)[0]) {
		c.DB.DataSource = filepath.Join(c.DataPath, c.DB.DataSource)
	}

	return nil
}

// Location returns the display timezone. Stored times remain UTC; this is
// only used when rendering timestamps to operators.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// WriteConfig writes the configuration to the default file.
func (c *Config) WriteConfig() error {
	path := c.ConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(newConfigFile(c)), 0o644) // nolint: errcheck, gosec
}

// DefaultDataPath returns the path to the data directory.
// It uses the MIRRORKEEP_DATA_PATH environment variable if set, otherwise it
// uses "data".
func DefaultDataPath() string {
	dp := os.Getenv("MIRRORKEEP_DATA_PATH")
	if dp == "" {
		dp = "data"
	}

	return dp
}

// ConfigPath returns the path to the config file.
func (c *Config) ConfigPath() string { // nolint:revive
	return filepath.Join(c.DataPath, "config.yaml")
}

// Exist returns true if the config file exists.
func (c *Config) Exist() bool {
	_, err := os.Stat(c.ConfigPath())
	return err == nil
}

// DefaultConfig returns the default Config. All the path values are relative
// to the data directory.
// Use Validate() to validate the config and ensure absolute paths.
func DefaultConfig() *Config {
	return &Config{
		Name:     "MirrorKeep",
		DataPath: DefaultDataPath(),
		Upstream: UpstreamConfig{
			Base: "https://github.com",
		},
		Downstream: DownstreamConfig{
			URL: "http://localhost:3000",
		},
		Sync: SyncConfig{
			Interval:  60 * 60,
			Timeout:   30 * 60,
			Workers:   3,
			RetryMax:  3,
			CloneRoot: "mirrors",
		},
		Jobs: JobsConfig{
			SyncPlanner: "@every 1m",
		},
		HTTP: HTTPConfig{
			ListenAddr: ":23230",
		},
		Stats: StatsConfig{
			ListenAddr: ":23233",
		},
		Log: LogConfig{
			Format:     "text",
			TimeFormat: time.DateTime,
		},
		DB: DBConfig{
			Driver:     "sqlite",
			DataSource: "mirrorkeep.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)",
		},
	}
}
