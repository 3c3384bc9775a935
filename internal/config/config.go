// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/surf-proxy/config.toml",
	"configs/config.toml",
}

// ReservedPrefix is the path namespace owned by the proxy itself. Everything
// outside it (and the bootstrap bundle paths) is proxied upstream.
const ReservedPrefix = "/__sf/"

// MaxTimeoutRetries bounds upstream.timeout_retries.
const MaxTimeoutRetries = 5

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	TLSCert  string `kong:"name='tls-cert',help='TLS certificate file (overrides config).',env='TLS_CERT'"`
	TLSKey   string `kong:"name='tls-key',help='TLS private key file (overrides config).',env='TLS_KEY'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Cookies  CookiesConfig  `toml:"cookies"`
	Bundles  BundlesConfig  `toml:"bundles"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTPS server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (443); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	TLS          TLSConfig       `toml:"tls"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// TLSConfig points at the certificate served on the proxy origin.
type TLSConfig struct {
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	TimeoutSeconds  int `toml:"timeout_seconds"`
	IdleConnections int `toml:"idle_connections"`
	// TimeoutRetries is how many times an idempotent request that timed out
	// is retried. 0 disables retrying.
	TimeoutRetries int `toml:"timeout_retries"`
}

// CookiesConfig holds cookie isolation settings.
type CookiesConfig struct {
	// StrictDomainMatch requires a cookie domain to equal the upstream host
	// or be a dot-separated suffix of it, instead of any substring.
	StrictDomainMatch bool `toml:"strict_domain_match"`
}

// BundlesConfig optionally overrides the embedded bootstrap bundles.
type BundlesConfig struct {
	MainPath   string `toml:"main_path"`
	WorkerPath string `toml:"worker_path"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/surf-proxy/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
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
	if cli.TLSCert != "" {
		c.Server.TLS.CertFile = cli.TLSCert
	}
	if cli.TLSKey != "" {
		c.Server.TLS.KeyFile = cli.TLSKey
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	for _, check := range []func() error{
		c.Server.validate,
		c.Upstream.validate,
		c.Log.validate,
		c.Metrics.validate,
	} {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func (c *ServerConfig) validate() error {
	// The proxy origin must be secure for service workers to register.
	if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
		return fmt.Errorf("server.tls.cert_file and server.tls.key_file are required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Port)
	}
	if c.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.BodyMaxBytes)
	}
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.RateLimit.RequestsPerSecond)
	}
	return nil
}

func (u *UpstreamConfig) validate() error {
	switch {
	case u.TimeoutSeconds < 0:
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", u.TimeoutSeconds)
	case u.IdleConnections < 0:
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", u.IdleConnections)
	case u.TimeoutRetries < 0 || u.TimeoutRetries > MaxTimeoutRetries:
		return fmt.Errorf("upstream.timeout_retries must be 0–%d; got %d", MaxTimeoutRetries, u.TimeoutRetries)
	}
	return nil
}

func (l *LogConfig) validate() error {
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", l.Level)
	}
	switch strings.ToLower(l.Format) {
	case "json", "text", "":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", l.Format)
	}
	return nil
}

// validate keeps the metrics endpoint inside the reserved prefix, since any
// other path is proxied.
func (m *MetricsConfig) validate() error {
	if !m.Enabled || m.Path == "" {
		return nil
	}
	if !strings.HasPrefix(m.Path, ReservedPrefix) || m.Path == ReservedPrefix {
		return fmt.Errorf("metrics.path must be below %q; got %q", ReservedPrefix, m.Path)
	}
	for _, route := range []string{"healthz", "status"} {
		reserved := ReservedPrefix + route
		if m.Path == reserved || strings.HasPrefix(m.Path, reserved+"/") {
			return fmt.Errorf("metrics.path %q conflicts with reserved route %q", m.Path, reserved)
		}
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key. Setting port=0 in
// the config file therefore results in the default port (443). TimeoutRetries is
// the exception: its zero value is the default.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 443
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 32 * 1024 * 1024 // 32 MB
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = ReservedPrefix + "metrics"
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

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
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
