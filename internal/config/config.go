// Package config handles CLI flags, TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/forward-proxy/config.toml",
	"configs/config.toml",
}

// Pool and listener bounds.
const (
	DefaultWorkers = 3
	MaxWorkers     = 20
	DefaultBacklog = 20
	MaxBacklog     = 100
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port, 1-65535 (required here or in config).',env='PORT'"`
	Workers  int    `kong:"short='t',help='Number of worker threads, 1-20 (default 3).'"`
	Backlog  int    `kong:"short='n',help='Listen backlog, 1-100 (default 20).'"`
	NoLog    bool   `kong:"short='s',help='Disable per-worker traffic logging.'"`
	LogDir   string `kong:"help='Directory for per-worker traffic log files.',env='TRAFFIC_LOG_DIR'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Limits   LimitsConfig   `toml:"limits"`
	Traffic  TrafficConfig  `toml:"traffic"`
	Log      LogConfig      `toml:"log"`
	Admin    AdminConfig    `toml:"admin"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds proxy listener and worker pool settings.
type ServerConfig struct {
	Host        string            `toml:"host"`
	Port        int               `toml:"port"`    // required
	Workers     int               `toml:"workers"` // 0 means "use default" (3)
	Backlog     int               `toml:"backlog"` // 0 means "use default" (20)
	AcceptLimit AcceptLimitConfig `toml:"accept_limit"`
}

// AcceptLimitConfig throttles how fast new client connections are accepted.
type AcceptLimitConfig struct {
	Enabled              bool    `toml:"enabled"`
	ConnectionsPerSecond float64 `toml:"connections_per_second"`
	Burst                int     `toml:"burst"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	DialTimeoutSeconds int `toml:"dial_timeout_seconds"`
}

// DialTimeout returns the upstream connect timeout.
func (c *UpstreamConfig) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutSeconds) * time.Second
}

// LimitsConfig caps message head sizes.
type LimitsConfig struct {
	MaxLineBytes   int `toml:"max_line_bytes"`
	MaxHeaderBytes int `toml:"max_header_bytes"`
}

// TrafficConfig controls the per-worker raw traffic logs.
type TrafficConfig struct {
	Disabled bool   `toml:"disabled"`
	Dir      string `toml:"dir"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// AdminConfig holds the admin HTTP server settings.
type AdminConfig struct {
	Enabled   bool            `toml:"enabled"`
	Host      string          `toml:"host"`
	Port      int             `toml:"port"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting on the admin server.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file, if any, and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/forward-proxy/config.toml then configs/config.toml; finding none is
// not an error.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.Workers != 0 {
		c.Server.Workers = cli.Workers
	}
	if cli.Backlog != 0 {
		c.Server.Backlog = cli.Backlog
	}
	if cli.NoLog {
		c.Traffic.Disabled = true
	}
	if cli.LogDir != "" {
		c.Traffic.Dir = cli.LogDir
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Listener and pool bounds.
	if c.Server.Port == 0 {
		return fmt.Errorf("server.port is required; set it in config or pass --port")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1–65535; got %d", c.Server.Port)
	}
	if c.Server.Workers < 0 || c.Server.Workers > MaxWorkers {
		return fmt.Errorf("server.workers must be 1–%d; got %d", MaxWorkers, c.Server.Workers)
	}
	if c.Server.Backlog < 0 || c.Server.Backlog > MaxBacklog {
		return fmt.Errorf("server.backlog must be 1–%d; got %d", MaxBacklog, c.Server.Backlog)
	}
	if c.Server.AcceptLimit.Enabled && c.Server.AcceptLimit.ConnectionsPerSecond <= 0 {
		return fmt.Errorf("server.accept_limit.connections_per_second must be > 0 when enabled; got %v", c.Server.AcceptLimit.ConnectionsPerSecond)
	}
	if c.Server.AcceptLimit.Burst < 0 {
		return fmt.Errorf("server.accept_limit.burst must be non-negative; got %d", c.Server.AcceptLimit.Burst)
	}

	// Numeric bounds.
	if c.Upstream.DialTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.dial_timeout_seconds must be non-negative; got %d", c.Upstream.DialTimeoutSeconds)
	}
	if c.Limits.MaxLineBytes < 0 {
		return fmt.Errorf("limits.max_line_bytes must be non-negative; got %d", c.Limits.MaxLineBytes)
	}
	if c.Limits.MaxHeaderBytes < 0 {
		return fmt.Errorf("limits.max_header_bytes must be non-negative; got %d", c.Limits.MaxHeaderBytes)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Admin server.
	if c.Admin.Port < 0 || c.Admin.Port > 65535 {
		return fmt.Errorf("admin.port must be 0–65535; got %d", c.Admin.Port)
	}
	if c.Admin.Enabled && c.Admin.Port != 0 && c.Admin.Port == c.Server.Port &&
		(c.Admin.Host == "" || c.Admin.Host == c.Server.Host) {
		return fmt.Errorf("admin.port %d collides with server.port", c.Admin.Port)
	}
	if c.Admin.RateLimit.Enabled && c.Admin.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("admin.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Admin.RateLimit.RequestsPerSecond)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/healthz", "/proxy/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Workers == 0 {
		c.Server.Workers = DefaultWorkers
	}
	if c.Server.Backlog == 0 {
		c.Server.Backlog = DefaultBacklog
	}
	if c.Server.AcceptLimit.Enabled && c.Server.AcceptLimit.Burst == 0 {
		c.Server.AcceptLimit.Burst = c.Server.Workers
	}
	if c.Upstream.DialTimeoutSeconds == 0 {
		c.Upstream.DialTimeoutSeconds = 30
	}
	if c.Limits.MaxLineBytes == 0 {
		c.Limits.MaxLineBytes = 64 << 10
	}
	if c.Limits.MaxHeaderBytes == 0 {
		c.Limits.MaxHeaderBytes = 1 << 20
	}
	if c.Traffic.Dir == "" {
		c.Traffic.Dir = "."
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Admin.Host == "" {
		c.Admin.Host = "127.0.0.1"
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = 9090
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the proxy listen address as host:port.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Addr returns the admin listen address as host:port.
func (c *AdminConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
