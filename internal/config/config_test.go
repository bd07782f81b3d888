package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// cliWithPath returns a CLI struct pointing at the given config file.
func cliWithPath(path string) *CLI {
	return &CLI{Config: path}
}

// writeConfig writes data to a config.toml in a fresh temp dir and returns its path.
func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "127.0.0.1"
port = 9000
workers = 5
backlog = 50

[upstream]
dial_timeout_seconds = 10

[limits]
max_line_bytes = 4096
max_header_bytes = 65536

[traffic]
dir = "/var/log/forward-proxy"

[log]
level = "debug"
format = "text"
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 9000)
	}
	if cfg.Server.Workers != 5 {
		t.Errorf("Server.Workers = %d, want %d", cfg.Server.Workers, 5)
	}
	if cfg.Server.Backlog != 50 {
		t.Errorf("Server.Backlog = %d, want %d", cfg.Server.Backlog, 50)
	}
	if got := cfg.Upstream.DialTimeout(); got != 10*time.Second {
		t.Errorf("Upstream.DialTimeout() = %v, want %v", got, 10*time.Second)
	}
	if cfg.Limits.MaxLineBytes != 4096 || cfg.Limits.MaxHeaderBytes != 65536 {
		t.Errorf("Limits = %+v, want 4096/65536", cfg.Limits)
	}
	if cfg.Traffic.Dir != "/var/log/forward-proxy" {
		t.Errorf("Traffic.Dir = %q", cfg.Traffic.Dir)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "text")
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	// Run from an empty directory so the relative search path finds nothing.
	t.Chdir(t.TempDir())

	cfg, err := Load(&CLI{Port: 8080})
	if err != nil {
		t.Fatalf("Load() error = %v; running without a config file should be allowed", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 8080)
	}
}

func TestLoad_PortRequired(t *testing.T) {
	path := writeConfig(t, `
[server]
workers = 2
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error when no port is configured, got nil")
	}
	if !strings.Contains(err.Error(), "server.port is required") {
		t.Errorf("error = %q, want mention of required port", err)
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 8080

[log]
level = "verbose"
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for invalid log level, got nil")
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 8080
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("default Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Workers != DefaultWorkers {
		t.Errorf("default Server.Workers = %d, want %d", cfg.Server.Workers, DefaultWorkers)
	}
	if cfg.Server.Backlog != DefaultBacklog {
		t.Errorf("default Server.Backlog = %d, want %d", cfg.Server.Backlog, DefaultBacklog)
	}
	if cfg.Upstream.DialTimeoutSeconds != 30 {
		t.Errorf("default Upstream.DialTimeoutSeconds = %d, want %d", cfg.Upstream.DialTimeoutSeconds, 30)
	}
	if cfg.Limits.MaxLineBytes != 64<<10 {
		t.Errorf("default Limits.MaxLineBytes = %d, want %d", cfg.Limits.MaxLineBytes, 64<<10)
	}
	if cfg.Limits.MaxHeaderBytes != 1<<20 {
		t.Errorf("default Limits.MaxHeaderBytes = %d, want %d", cfg.Limits.MaxHeaderBytes, 1<<20)
	}
	if cfg.Traffic.Disabled {
		t.Error("traffic logging should be enabled by default")
	}
	if cfg.Traffic.Dir != "." {
		t.Errorf("default Traffic.Dir = %q, want %q", cfg.Traffic.Dir, ".")
	}
	if cfg.Log.Level != "info" {
		t.Errorf("default Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Log.Format != "json" {
		t.Errorf("default Log.Format = %q, want %q", cfg.Log.Format, "json")
	}
	if cfg.Admin.Enabled {
		t.Error("admin server should be disabled by default")
	}
	if got := cfg.Admin.Addr(); got != "127.0.0.1:9090" {
		t.Errorf("default Admin.Addr() = %q, want %q", got, "127.0.0.1:9090")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(cliWithPath("/nonexistent/config.toml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file, got nil")
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "0.0.0.0"
port = 8000
workers = 2
backlog = 10

[traffic]
dir = "/tmp/from-toml"

[log]
level = "info"
`)

	cli := &CLI{
		Config:   path,
		Host:     "127.0.0.1",
		Port:     3000,
		Workers:  7,
		Backlog:  30,
		NoLog:    true,
		LogDir:   "/tmp/from-cli",
		LogLevel: "debug",
	}

	cfg, err := Load(cli)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q (CLI override)", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want %d (CLI override)", cfg.Server.Port, 3000)
	}
	if cfg.Server.Workers != 7 {
		t.Errorf("Server.Workers = %d, want %d (CLI override)", cfg.Server.Workers, 7)
	}
	if cfg.Server.Backlog != 30 {
		t.Errorf("Server.Backlog = %d, want %d (CLI override)", cfg.Server.Backlog, 30)
	}
	if !cfg.Traffic.Disabled {
		t.Error("Traffic.Disabled = false, want true (CLI override)")
	}
	if cfg.Traffic.Dir != "/tmp/from-cli" {
		t.Errorf("Traffic.Dir = %q, want %q (CLI override)", cfg.Traffic.Dir, "/tmp/from-cli")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (CLI override)", cfg.Log.Level, "debug")
	}
}

func TestLoad_Bounds(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"negative port", "[server]\nport = -1\n", "server.port"},
		{"port too large", "[server]\nport = 70000\n", "server.port"},
		{"too many workers", "[server]\nport = 80\nworkers = 21\n", "server.workers"},
		{"negative workers", "[server]\nport = 80\nworkers = -1\n", "server.workers"},
		{"backlog too large", "[server]\nport = 80\nbacklog = 101\n", "server.backlog"},
		{"negative dial timeout", "[server]\nport = 80\n[upstream]\ndial_timeout_seconds = -5\n", "dial_timeout_seconds"},
		{"negative line cap", "[server]\nport = 80\n[limits]\nmax_line_bytes = -1\n", "max_line_bytes"},
		{"negative header cap", "[server]\nport = 80\n[limits]\nmax_header_bytes = -1\n", "max_header_bytes"},
		{"bad log format", "[server]\nport = 80\n[log]\nformat = \"xml\"\n", "log.format"},
		{"admin port collision", "[server]\nport = 8080\n[admin]\nenabled = true\nport = 8080\n", "collides"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(cliWithPath(writeConfig(t, tt.data)))
			if err == nil {
				t.Fatalf("Load() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoad_WorkerAndBacklogLimitsAccepted(t *testing.T) {
	cfg, err := Load(cliWithPath(writeConfig(t, "[server]\nport = 65535\nworkers = 20\nbacklog = 100\n")))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Workers != MaxWorkers || cfg.Server.Backlog != MaxBacklog {
		t.Errorf("Workers/Backlog = %d/%d, want %d/%d", cfg.Server.Workers, cfg.Server.Backlog, MaxWorkers, MaxBacklog)
	}
}

func TestLoad_AcceptLimit(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 8080
workers = 4

[server.accept_limit]
enabled = true
connections_per_second = 25.0
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Server.AcceptLimit.Enabled {
		t.Error("expected AcceptLimit.Enabled = true")
	}
	if cfg.Server.AcceptLimit.ConnectionsPerSecond != 25.0 {
		t.Errorf("AcceptLimit.ConnectionsPerSecond = %v, want 25.0", cfg.Server.AcceptLimit.ConnectionsPerSecond)
	}
	if cfg.Server.AcceptLimit.Burst != 4 {
		t.Errorf("AcceptLimit.Burst = %d, want worker count 4", cfg.Server.AcceptLimit.Burst)
	}
}

func TestLoad_AcceptLimit_BadValue(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 8080

[server.accept_limit]
enabled = true
connections_per_second = 0
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for accept limit enabled with connections_per_second=0, got nil")
	}
	if !strings.Contains(err.Error(), "connections_per_second") {
		t.Errorf("error = %q, want mention of connections_per_second", err)
	}
}

func TestLoad_AdminRateLimit_BadValue(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 8080

[admin.rate_limit]
enabled = true
requests_per_second = 0
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for rate limit enabled with requests_per_second=0, got nil")
	}
	if !strings.Contains(err.Error(), "requests_per_second") {
		t.Errorf("error = %q, want mention of requests_per_second", err)
	}
}

func TestWarnPermissions_Loose(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("# test"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if !strings.Contains(buf.String(), "readable by group/others") {
		t.Errorf("expected permission warning, got: %q", buf.String())
	}
}

func TestWarnPermissions_Strict(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("# test"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if buf.Len() != 0 {
		t.Errorf("expected no warning for 0600 file, got: %q", buf.String())
	}
}

func TestWarnPermissions_NoFile(t *testing.T) {
	cfg := &Config{}
	var buf bytes.Buffer
	cfg.WarnPermissions(slog.New(slog.NewTextHandler(&buf, nil)))
	if buf.Len() != 0 {
		t.Errorf("expected no output without a config file, got: %q", buf.String())
	}
}

func TestFindConfigInPaths_Found(t *testing.T) {
	path := writeConfig(t, "[server]\nport = 8080\n")

	got := findConfigInPaths([]string{path})
	if got != path {
		t.Errorf("findConfigInPaths() = %q, want %q", got, path)
	}
}

func TestFindConfigInPaths_NotFound(t *testing.T) {
	got := findConfigInPaths([]string{"/nonexistent/a.toml", "/nonexistent/b.toml"})
	if got != "" {
		t.Errorf("findConfigInPaths() = %q, want empty", got)
	}
}

func TestFindConfigInPaths_Priority(t *testing.T) {
	path1 := writeConfig(t, "[server]\nport = 1\n")
	path2 := writeConfig(t, "[server]\nport = 2\n")

	got := findConfigInPaths([]string{path1, path2})
	if got != path1 {
		t.Errorf("findConfigInPaths() = %q, want first match %q", got, path1)
	}
}

func TestLoad_MetricsPathDefault(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 8080

[metrics]
enabled = true
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}
}

func TestLoad_MetricsPathNoLeadingSlash(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 8080

[metrics]
enabled = true
path = "metrics"
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for metrics.path without leading slash, got nil")
	}
	if !strings.Contains(err.Error(), "metrics.path") {
		t.Errorf("error = %q, want mention of metrics.path", err)
	}
}

func TestLoad_MetricsPathConflictsWithAdminRoute(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"healthz", "/healthz"},
		{"healthz sub", "/healthz/metrics"},
		{"proxy/status", "/proxy/status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfgPath := writeConfig(t, `
[server]
port = 8080

[metrics]
enabled = true
path = "`+tt.path+`"
`)

			_, err := Load(cliWithPath(cfgPath))
			if err == nil {
				t.Fatalf("Load() expected error for metrics.path=%q conflicting with route, got nil", tt.path)
			}
			if !strings.Contains(err.Error(), "conflicts") {
				t.Errorf("error = %q, want mention of conflict", err)
			}
		})
	}
}

func TestLoad_MetricsDisabledSkipsPathValidation(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 8080

[metrics]
enabled = false
path = "bad-no-slash"
`)

	_, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v; disabled metrics should skip path validation", err)
	}
}

func TestServerConfig_Addr(t *testing.T) {
	tests := []struct {
		host string
		port int
		want string
	}{
		{"127.0.0.1", 3000, "127.0.0.1:3000"},
		{"::1", 8080, "[::1]:8080"},
	}
	for _, tt := range tests {
		sc := &ServerConfig{Host: tt.host, Port: tt.port}
		if got := sc.Addr(); got != tt.want {
			t.Errorf("Addr() = %q, want %q", got, tt.want)
		}
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	cfg, err := Load(cliWithPath(filepath.Join("..", "..", "configs", "config.example.toml")))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 8080)
	}
	if cfg.Admin.Enabled {
		t.Error("Admin.Enabled = true, want the example to ship with the admin server off")
	}
}
