// Package config handles loading and validating Sanduku configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Sanduku.
type Config struct {
	Workspace     string               `json:"workspace,omitempty" yaml:"workspace,omitempty"` // Workspace root mounted into sandboxes. Default: ./workspace. Override: SANDUKU_WORKSPACE env var.
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`   // Persistent data directory. Default: ~/.sanduku/data. Override: SANDUKU_DATA_DIR env var.
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Staging       StagingConfig        `json:"staging" yaml:"staging"`
	Guardrails    GuardrailConfig      `json:"guardrails" yaml:"guardrails"`
	ToolCache     ToolCacheConfig      `json:"tool_cache" yaml:"tool_cache"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite default (derived from data dir)
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Server        ServerConfig         `json:"server" yaml:"server"`
	Maintenance   *MaintenanceConfig   `json:"maintenance,omitempty" yaml:"maintenance,omitempty"` // nil = maintenance jobs disabled
}

// SandboxConfig configures the external sandboxing service and the worker pool.
type SandboxConfig struct {
	ServerURL           string   `json:"server_url" yaml:"server_url"` // Sandbox server endpoint. Default: http://127.0.0.1:5555. Override: SANDUKU_SANDBOX_URL env var.
	APIKey              string   `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Namespace           string   `json:"namespace" yaml:"namespace"` // Remote namespace for worker sandboxes. Default: "default".
	Image               string   `json:"image" yaml:"image"`         // Sandbox image. Default: "microsandbox/python".
	MemoryMB            int      `json:"memory_mb" yaml:"memory_mb"` // Default: 512.
	CPUs                int      `json:"cpus" yaml:"cpus"`           // Default: 1.
	PoolEnabled         *bool    `json:"pool_enabled,omitempty" yaml:"pool_enabled,omitempty"` // nil = true.
	PoolSize            int      `json:"pool_size" yaml:"pool_size"`                           // Pre-warmed workers. Default: 3.
	ExecTimeoutSeconds  int      `json:"exec_timeout_seconds" yaml:"exec_timeout_seconds"`     // Hard per-execution timeout. Default: 30.
	StartTimeoutSeconds int      `json:"start_timeout_seconds" yaml:"start_timeout_seconds"`   // Worker provisioning timeout. Default: 180.
	AllowNetwork        bool     `json:"allow_network" yaml:"allow_network"`
	MountDirectories    []string `json:"mount_directories,omitempty" yaml:"mount_directories,omitempty"` // Extra host dirs mounted read-only, as "host:guest".
}

// Pooling returns whether pre-warmed pooling is enabled. Default: true.
func (s *SandboxConfig) Pooling() bool {
	if s != nil && s.PoolEnabled != nil {
		return *s.PoolEnabled
	}
	return true
}

// Size returns the pool target size with a default of 3.
func (s *SandboxConfig) Size() int {
	if s != nil && s.PoolSize > 0 {
		return s.PoolSize
	}
	return 3
}

// ExecTimeout returns the per-execution timeout with a default of 30s.
func (s *SandboxConfig) ExecTimeout() time.Duration {
	if s != nil && s.ExecTimeoutSeconds > 0 {
		return time.Duration(s.ExecTimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// StartTimeout returns the worker provisioning timeout with a default of 3m.
func (s *SandboxConfig) StartTimeout() time.Duration {
	if s != nil && s.StartTimeoutSeconds > 0 {
		return time.Duration(s.StartTimeoutSeconds) * time.Second
	}
	return 3 * time.Minute
}

// URL returns the sandbox server endpoint with a default of the local server.
func (s *SandboxConfig) URL() string {
	if s != nil && s.ServerURL != "" {
		return s.ServerURL
	}
	return "http://127.0.0.1:5555"
}

// RemoteNamespace returns the sandbox namespace with a default of "default".
func (s *SandboxConfig) RemoteNamespace() string {
	if s != nil && s.Namespace != "" {
		return s.Namespace
	}
	return "default"
}

// SandboxImage returns the sandbox image with a default Python image.
func (s *SandboxConfig) SandboxImage() string {
	if s != nil && s.Image != "" {
		return s.Image
	}
	return "microsandbox/python"
}

// Memory returns the per-worker memory limit in MB with a default of 512.
func (s *SandboxConfig) Memory() int {
	if s != nil && s.MemoryMB > 0 {
		return s.MemoryMB
	}
	return 512
}

// CPUCount returns the per-worker CPU count with a default of 1.
func (s *SandboxConfig) CPUCount() int {
	if s != nil && s.CPUs > 0 {
		return s.CPUs
	}
	return 1
}

// StagingConfig configures the workspace stager and watcher.
type StagingConfig struct {
	ServersDir string `json:"servers_dir" yaml:"servers_dir"` // Tool definition source tree. Default: ./servers.
	SkillsDir  string `json:"skills_dir,omitempty" yaml:"skills_dir,omitempty"`
	Watch      bool   `json:"watch" yaml:"watch"` // Restage automatically when sources change.
}

// Servers returns the tool source directory with a default of ./servers.
func (s *StagingConfig) Servers() string {
	if s != nil && s.ServersDir != "" {
		return s.ServersDir
	}
	return "./servers"
}

// GuardrailConfig configures code and output validation.
type GuardrailConfig struct {
	Enabled           bool     `json:"enabled" yaml:"enabled"`
	StrictMode        bool     `json:"strict_mode" yaml:"strict_mode"` // Violations block instead of warn.
	ContentFiltering  *bool    `json:"content_filtering,omitempty" yaml:"content_filtering,omitempty"`
	SecurityChecks    *bool    `json:"security_checks,omitempty" yaml:"security_checks,omitempty"`
	PrivacyProtection *bool    `json:"privacy_protection,omitempty" yaml:"privacy_protection,omitempty"`
	PIIDetection      *bool    `json:"pii_detection,omitempty" yaml:"pii_detection,omitempty"`
	BlockedPatterns   []string `json:"blocked_patterns,omitempty" yaml:"blocked_patterns,omitempty"`
}

// Filtering returns whether content filtering is on. Default: true when enabled.
func (g *GuardrailConfig) Filtering() bool { return g.flag(g.ContentFiltering) }

// Security returns whether security checks are on. Default: true when enabled.
func (g *GuardrailConfig) Security() bool { return g.flag(g.SecurityChecks) }

// Privacy returns whether privacy protection is on. Default: true when enabled.
func (g *GuardrailConfig) Privacy() bool { return g.flag(g.PrivacyProtection) }

// PII returns whether PII detection is on. Default: true when enabled.
func (g *GuardrailConfig) PII() bool { return g.flag(g.PIIDetection) }

func (g *GuardrailConfig) flag(p *bool) bool {
	if g == nil || !g.Enabled {
		return false
	}
	if p != nil {
		return *p
	}
	return true
}

// ToolCacheConfig configures the persisted tool description index.
type ToolCacheConfig struct {
	Enabled *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"` // nil = true.
	File    string `json:"file,omitempty" yaml:"file,omitempty"`       // Default: <data_dir>/tool_cache.json.
}

// On returns whether the description cache is enabled. Default: true.
func (t *ToolCacheConfig) On() bool {
	if t != nil && t.Enabled != nil {
		return *t.Enabled
	}
	return true
}

// StorageConfig configures the execution history backend.
// When nil, defaults to SQLite with the database path derived from the data dir.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"` // Override: SANDUKU_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ObservabilityConfig configures metrics and tracing.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "sanduku"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// ServerConfig defines which serving surfaces are enabled.
type ServerConfig struct {
	MCP  *MCPServerConfig  `json:"mcp,omitempty" yaml:"mcp,omitempty"`   // nil = stdio MCP server enabled by default.
	HTTP *HTTPServerConfig `json:"http,omitempty" yaml:"http,omitempty"` // nil = HTTP gateway disabled.
}

// MCPServerConfig configures the MCP protocol surface.
type MCPServerConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Transport  string `json:"transport" yaml:"transport"`                         // "stdio" (default) or "http".
	ListenAddr string `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"` // http transport only. Default: ":8765".
}

// MCPTransport returns the transport with a default of "stdio".
func (m *MCPServerConfig) MCPTransport() string {
	if m != nil && m.Transport != "" {
		return m.Transport
	}
	return "stdio"
}

// MCPListenAddr returns the http listen address with a default of ":8765".
func (m *MCPServerConfig) MCPListenAddr() string {
	if m != nil && m.ListenAddr != "" {
		return m.ListenAddr
	}
	return ":8765"
}

// HTTPServerConfig configures the HTTP API gateway.
type HTTPServerConfig struct {
	Enabled             bool            `json:"enabled" yaml:"enabled"`
	EnableDocs          bool            `json:"enable_docs" yaml:"enable_docs"`
	ListenAddr          string          `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080".
	APIKeys             []string        `json:"api_keys,omitempty" yaml:"api_keys,omitempty"`
	MaxRequestSizeBytes int64           `json:"max_request_size_bytes" yaml:"max_request_size_bytes"` // Default: 1 MB.
	SSE                 bool            `json:"sse" yaml:"sse"` // Enable SSE streaming endpoint.
	WebSocket           bool            `json:"websocket" yaml:"websocket"` // Enable the /ws/events endpoint.
	RateLimit           RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

// Addr returns the listen address with a default of ":8080".
func (h *HTTPServerConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// MaxRequestSize returns the request size cap with a default of 1 MB.
func (h *HTTPServerConfig) MaxRequestSize() int64 {
	if h != nil && h.MaxRequestSizeBytes > 0 {
		return h.MaxRequestSizeBytes
	}
	return 1 << 20
}

// RateLimitConfig configures per-key rate limiting for the gateway.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// MaintenanceConfig configures background maintenance schedules (cron specs).
type MaintenanceConfig struct {
	Enabled           bool   `json:"enabled" yaml:"enabled"`
	RestageSchedule   string `json:"restage_schedule" yaml:"restage_schedule"`       // Default: "@every 5m".
	CacheSchedule     string `json:"cache_schedule" yaml:"cache_schedule"`           // Cache flush. Default: "@every 1m".
	PoolSweepSchedule string `json:"pool_sweep_schedule" yaml:"pool_sweep_schedule"` // Default: "@every 2m".
	PruneSchedule     string `json:"prune_schedule" yaml:"prune_schedule"`           // History prune. Default: "@daily".
	RetentionDays     int    `json:"retention_days" yaml:"retention_days"`           // Record age cutoff. Default: 30.
}

// Restage returns the restage cron spec with a default of every 5 minutes.
func (m *MaintenanceConfig) Restage() string {
	if m != nil && m.RestageSchedule != "" {
		return m.RestageSchedule
	}
	return "@every 5m"
}

// CacheFlush returns the cache flush cron spec with a default of every minute.
func (m *MaintenanceConfig) CacheFlush() string {
	if m != nil && m.CacheSchedule != "" {
		return m.CacheSchedule
	}
	return "@every 1m"
}

// PoolSweep returns the pool sweep cron spec with a default of every 2 minutes.
func (m *MaintenanceConfig) PoolSweep() string {
	if m != nil && m.PoolSweepSchedule != "" {
		return m.PoolSweepSchedule
	}
	return "@every 2m"
}

// Prune returns the history prune cron spec with a default of once a day.
func (m *MaintenanceConfig) Prune() string {
	if m != nil && m.PruneSchedule != "" {
		return m.PruneSchedule
	}
	return "@daily"
}

// Retention returns how long execution records are kept, default 30 days.
func (m *MaintenanceConfig) Retention() time.Duration {
	if m != nil && m.RetentionDays > 0 {
		return time.Duration(m.RetentionDays) * 24 * time.Hour
	}
	return 30 * 24 * time.Hour
}

// DefaultConfigPath returns the default config file path (~/.sanduku/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/sanduku.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".sanduku", "config.yaml")
}

// Load reads a YAML config file and returns a validated Config.
// A missing file yields the built-in defaults. Sandbox endpoint, workspace,
// and storage DSN can be overridden by environment variables, which take
// precedence over config values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	var cfg Config
	data, err := os.ReadFile(resolved)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", resolved, err)
		}
	case os.IsNotExist(err):
		// Defaults only.
	default:
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	applyEnv(&cfg)

	if cfg.Workspace == "" {
		cfg.Workspace = "./workspace"
	}
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.DataDir = filepath.Join(home, ".sanduku", "data")
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnv applies SANDUKU_* environment overrides.
func applyEnv(cfg *Config) {
	cfg.Workspace = goutils.Env("SANDUKU_WORKSPACE", cfg.Workspace)
	cfg.DataDir = goutils.Env("SANDUKU_DATA_DIR", cfg.DataDir)
	cfg.Sandbox.ServerURL = goutils.Env("SANDUKU_SANDBOX_URL", cfg.Sandbox.ServerURL)
	cfg.Sandbox.APIKey = goutils.Env("SANDUKU_SANDBOX_API_KEY", cfg.Sandbox.APIKey)
	cfg.Staging.ServersDir = goutils.Env("SANDUKU_SERVERS_DIR", cfg.Staging.ServersDir)

	if dsn := os.Getenv("SANDUKU_DB_DSN"); dsn != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{Driver: "postgres"}
		}
		if cfg.Storage.Postgres == nil {
			cfg.Storage.Postgres = &PostgresStorageConfig{}
		}
		cfg.Storage.Postgres.DSN = dsn
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedWorkspace returns the workspace root as an absolute path.
func (c *Config) ResolvedWorkspace() string {
	resolved, err := resolvePath(c.Workspace)
	if err != nil {
		return c.Workspace
	}
	return resolved
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".sanduku", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the default SQLite database path under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.ResolvedDataDir(), "sanduku.db")
}

// ToolCachePath returns the tool description cache path.
func (c *Config) ToolCachePath() string {
	if c.ToolCache.File != "" {
		resolved, err := resolvePath(c.ToolCache.File)
		if err == nil {
			return resolved
		}
		return c.ToolCache.File
	}
	return filepath.Join(c.ResolvedDataDir(), "tool_cache.json")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

func (c *Config) validate() error {
	if c.Sandbox.PoolSize < 0 {
		return fmt.Errorf("sandbox.pool_size must not be negative")
	}
	if c.Sandbox.MemoryMB < 0 {
		return fmt.Errorf("sandbox.memory_mb must not be negative")
	}
	if c.Sandbox.ExecTimeoutSeconds < 0 {
		return fmt.Errorf("sandbox.exec_timeout_seconds must not be negative")
	}
	for _, m := range c.Sandbox.MountDirectories {
		if !strings.Contains(m, ":") {
			return fmt.Errorf("sandbox.mount_directories entry %q must be host:guest", m)
		}
	}
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite", "postgres":
			// valid
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.Storage.StorageDriver() == "postgres" {
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (set SANDUKU_DB_DSN env var)")
		}
	}
	if m := c.Server.MCP; m != nil && m.Enabled {
		switch m.MCPTransport() {
		case "stdio", "http":
			// valid
		default:
			return fmt.Errorf("server.mcp.transport %q is not supported (use stdio or http)", m.Transport)
		}
	}
	if h := c.Server.HTTP; h != nil && h.Enabled && len(h.APIKeys) == 0 {
		return fmt.Errorf("server.http.api_keys must contain at least one key when the gateway is enabled")
	}
	return nil
}
