package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// tlsSection is the minimal valid configuration.
const tlsSection = `
[server.tls]
cert_file = "/etc/surf-proxy/cert.pem"
key_file = "/etc/surf-proxy/key.pem"
`

// cliWithPath returns a CLI struct pointing at the given config file.
func cliWithPath(path string) *CLI {
	return &CLI{Config: path}
}

// writeConfig writes data to a temporary config.toml and returns its path.
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
port = 8443
body_max_bytes = 5242880

[server.tls]
cert_file = "cert.pem"
key_file = "key.pem"

[upstream]
timeout_seconds = 60
idle_connections = 50
timeout_retries = 2

[cookies]
strict_domain_match = true

[bundles]
main_path = "dist/main.js"

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
	if cfg.Server.Port != 8443 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 8443)
	}
	if cfg.Server.TLS.CertFile != "cert.pem" || cfg.Server.TLS.KeyFile != "key.pem" {
		t.Errorf("Server.TLS = %+v", cfg.Server.TLS)
	}
	if cfg.Upstream.TimeoutSeconds != 60 {
		t.Errorf("Upstream.TimeoutSeconds = %d, want %d", cfg.Upstream.TimeoutSeconds, 60)
	}
	if cfg.Upstream.TimeoutRetries != 2 {
		t.Errorf("Upstream.TimeoutRetries = %d, want %d", cfg.Upstream.TimeoutRetries, 2)
	}
	if !cfg.Cookies.StrictDomainMatch {
		t.Error("Cookies.StrictDomainMatch = false, want true")
	}
	if cfg.Bundles.MainPath != "dist/main.js" {
		t.Errorf("Bundles.MainPath = %q, want %q", cfg.Bundles.MainPath, "dist/main.js")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "text")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(cliWithPath(writeConfig(t, tlsSection)))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("default Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Port != 443 {
		t.Errorf("default Server.Port = %d, want %d", cfg.Server.Port, 443)
	}
	if cfg.Server.BodyMaxBytes != 32*1024*1024 {
		t.Errorf("default Server.BodyMaxBytes = %d, want %d", cfg.Server.BodyMaxBytes, 32*1024*1024)
	}
	if cfg.Upstream.TimeoutSeconds != 120 {
		t.Errorf("default Upstream.TimeoutSeconds = %d, want %d", cfg.Upstream.TimeoutSeconds, 120)
	}
	if cfg.Upstream.TimeoutRetries != 0 {
		t.Errorf("default Upstream.TimeoutRetries = %d, want 0", cfg.Upstream.TimeoutRetries)
	}
	if cfg.Cookies.StrictDomainMatch {
		t.Error("default Cookies.StrictDomainMatch = true, want false")
	}
	if cfg.Log.Level != "info" {
		t.Errorf("default Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Log.Format != "json" {
		t.Errorf("default Log.Format = %q, want %q", cfg.Log.Format, "json")
	}
	if cfg.Metrics.Path != "/__sf/metrics" {
		t.Errorf("default Metrics.Path = %q, want %q", cfg.Metrics.Path, "/__sf/metrics")
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
port = 443

[log]
level = "info"
`)

	cli := &CLI{
		Config:   path,
		Host:     "127.0.0.1",
		Port:     8443,
		TLSCert:  "cli-cert.pem",
		TLSKey:   "cli-key.pem",
		LogLevel: "debug",
	}

	cfg, err := Load(cli)
	if err != nil {
		t.Fatalf("Load() error = %v; TLS files from CLI should satisfy validation", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q (CLI override)", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 8443 {
		t.Errorf("Server.Port = %d, want %d (CLI override)", cfg.Server.Port, 8443)
	}
	if cfg.Server.TLS.CertFile != "cli-cert.pem" || cfg.Server.TLS.KeyFile != "cli-key.pem" {
		t.Errorf("Server.TLS = %+v, want CLI values", cfg.Server.TLS)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (CLI override)", cfg.Log.Level, "debug")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		mention string
	}{
		{"missing tls", "[server]\nport = 443\n", "server.tls"},
		{"missing tls key", "[server.tls]\ncert_file = \"c.pem\"\n", "server.tls"},
		{"negative port", "[server]\nport = -1\n" + tlsSection, "server.port"},
		{"port too large", "[server]\nport = 70000\n" + tlsSection, "server.port"},
		{"negative body", "[server]\nbody_max_bytes = -1\n" + tlsSection, "body_max_bytes"},
		{"negative timeout", tlsSection + "[upstream]\ntimeout_seconds = -5\n", "timeout_seconds"},
		{"negative idle", tlsSection + "[upstream]\nidle_connections = -1\n", "idle_connections"},
		{"too many retries", tlsSection + "[upstream]\ntimeout_retries = 6\n", "timeout_retries"},
		{"negative retries", tlsSection + "[upstream]\ntimeout_retries = -1\n", "timeout_retries"},
		{"bad log level", tlsSection + "[log]\nlevel = \"verbose\"\n", "log.level"},
		{"bad log format", tlsSection + "[log]\nformat = \"xml\"\n", "log.format"},
		{"rate limit zero", tlsSection + "[server.rate_limit]\nenabled = true\nrequests_per_second = 0\n", "requests_per_second"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(cliWithPath(writeConfig(t, tt.data)))
			if err == nil {
				t.Fatal("Load() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.mention) {
				t.Errorf("error = %q, want mention of %s", err, tt.mention)
			}
			if !strings.HasPrefix(err.Error(), "config: validate: ") {
				t.Errorf("error = %q, want config: validate: prefix", err)
			}
		})
	}
}

func TestLoad_RateLimitConfig_Enabled(t *testing.T) {
	cfg, err := Load(cliWithPath(writeConfig(t, tlsSection+`
[server.rate_limit]
enabled = true
requests_per_second = 50.0
`)))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Server.RateLimit.Enabled {
		t.Error("expected RateLimit.Enabled = true")
	}
	if cfg.Server.RateLimit.RequestsPerSecond != 50.0 {
		t.Errorf("RateLimit.RequestsPerSecond = %v, want 50.0", cfg.Server.RateLimit.RequestsPerSecond)
	}
}

func TestLoad_MetricsPath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"custom reserved", "/__sf/prom", false},
		{"nested", "/__sf/internal/metrics", false},
		{"outside reserved prefix", "/metrics", true},
		{"no leading slash", "metrics", true},
		{"prefix only", "/__sf/", true},
		{"healthz", "/__sf/healthz", true},
		{"status sub", "/__sf/status/x", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tlsSection+`
[metrics]
enabled = true
path = "`+tt.path+`"
`)
			cfg, err := Load(cliWithPath(path))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !strings.Contains(err.Error(), "metrics.path") {
					t.Errorf("error = %q, want mention of metrics.path", err)
				}
				return
			}
			if cfg.Metrics.Path != tt.path {
				t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, tt.path)
			}
		})
	}
}

func TestLoad_MetricsPathIgnoredWhenDisabled(t *testing.T) {
	path := writeConfig(t, tlsSection+`
[metrics]
enabled = false
path = "/metrics"
`)
	if _, err := Load(cliWithPath(path)); err != nil {
		t.Fatalf("Load() error = %v; path is not validated when metrics are disabled", err)
	}
}

func TestAddr(t *testing.T) {
	s := ServerConfig{Host: "127.0.0.1", Port: 8443}
	if got := s.Addr(); got != "127.0.0.1:8443" {
		t.Errorf("Addr() = %q, want %q", got, "127.0.0.1:8443")
	}
}

func TestWarnPermissions_Loose(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	path := writeConfig(t, "# test")
	if err := os.Chmod(path, 0o644); err != nil {
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
	path := writeConfig(t, "# test")
	if err := os.Chmod(path, 0o600); err != nil {
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

func TestFindConfigInPaths(t *testing.T) {
	path1 := writeConfig(t, tlsSection)
	path2 := writeConfig(t, tlsSection)

	if got := findConfigInPaths([]string{"/nonexistent/a.toml", path2}); got != path2 {
		t.Errorf("findConfigInPaths() = %q, want %q", got, path2)
	}
	if got := findConfigInPaths([]string{path1, path2}); got != path1 {
		t.Errorf("findConfigInPaths() = %q, want first match %q", got, path1)
	}
	if got := findConfigInPaths([]string{"/nonexistent/a.toml", "/nonexistent/b.toml"}); got != "" {
		t.Errorf("findConfigInPaths() = %q, want empty", got)
	}
}
