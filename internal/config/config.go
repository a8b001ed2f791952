// ABOUTME: Configuration loading and parsing for clawcontrol
// ABOUTME: Supports YAML files with environment variable expansion, env overrides and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete clawcontrol configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Auth      AuthConfig      `yaml:"auth"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Events    EventsConfig    `yaml:"events"`
	Terminal  TerminalConfig  `yaml:"terminal"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	// AllowHTTP disables the plain-HTTP redirect for non-local clients
	AllowHTTP bool `yaml:"allow_http"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`
	Funnel    bool   `yaml:"funnel"` // public Funnel, implies HTTPS
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// WorkspaceConfig points at the directory terminals start in
type WorkspaceConfig struct {
	Dir string `yaml:"dir"`
}

// AuthConfig holds credential, session and lockout settings
type AuthConfig struct {
	// APIToken is a static bearer token that bypasses session auth for automation
	APIToken string `yaml:"api_token"`
	// RecoveryToken overrides the random per-process password reset token
	RecoveryToken    string `yaml:"recovery_token"`
	PBKDF2Iterations int    `yaml:"pbkdf2_iterations"`

	SoftLockThreshold  int           `yaml:"soft_lock_threshold"`
	HardLockThreshold  int           `yaml:"hard_lock_threshold"`
	SoftLockDuration   time.Duration `yaml:"-"`
	HardLockDuration   time.Duration `yaml:"-"`
	SessionIdleTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	SoftLockDurationRaw   string `yaml:"soft_lock_duration"`
	HardLockDurationRaw   string `yaml:"hard_lock_duration"`
	SessionIdleTimeoutRaw string `yaml:"session_idle_timeout"`
}

// GatewayConfig describes the upstream gateway websocket
type GatewayConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`

	ReconnectDelay  time.Duration `yaml:"-"`
	ReconnectJitter time.Duration `yaml:"-"`

	ReconnectDelayRaw  string `yaml:"reconnect_delay"`
	ReconnectJitterRaw string `yaml:"reconnect_jitter"`
}

// EventsConfig tunes the event bus and its push stream
type EventsConfig struct {
	HeartbeatInterval    time.Duration `yaml:"-"`
	HeartbeatIntervalRaw string        `yaml:"heartbeat_interval"`

	LogQueueSize     int `yaml:"log_queue_size"`
	SubscriberBuffer int `yaml:"subscriber_buffer"`
	RecentMax        int `yaml:"recent_max"`
}

// TerminalConfig controls the shell spawned for each terminal connection
type TerminalConfig struct {
	Shell string `yaml:"shell"`
	Term  string `yaml:"term"`
	Cols  int    `yaml:"cols"`
	Rows  int    `yaml:"rows"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with every field set to its built-in default.
func Default() *Config {
	shell := "bash"
	if runtime.GOOS == "windows" {
		shell = "powershell.exe"
	}
	workspace, err := os.Getwd()
	if err != nil {
		workspace = "."
	}

	return &Config{
		Server: ServerConfig{
			HTTPAddr: "0.0.0.0:7000",
		},
		Tailscale: TailscaleConfig{
			Hostname: "clawcontrol",
		},
		Database: DatabaseConfig{
			Path: "data/clawcontrol.db",
		},
		Workspace: WorkspaceConfig{
			Dir: workspace,
		},
		Auth: AuthConfig{
			PBKDF2Iterations:      100000,
			SoftLockThreshold:     5,
			HardLockThreshold:     20,
			SoftLockDurationRaw:   "15m",
			HardLockDurationRaw:   "24h",
			SessionIdleTimeoutRaw: "0s",
		},
		Gateway: GatewayConfig{
			URL:                "ws://127.0.0.1:18789",
			ReconnectDelayRaw:  "5s",
			ReconnectJitterRaw: "0s",
		},
		Events: EventsConfig{
			HeartbeatIntervalRaw: "30s",
			LogQueueSize:         1024,
			SubscriberBuffer:     64,
			RecentMax:            200,
		},
		Terminal: TerminalConfig{
			Shell: shell,
			Term:  "xterm-color",
			Cols:  80,
			Rows:  24,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Values missing from the file keep their defaults. Environment variables in the
// format ${VAR_NAME} are expanded, then the well-known environment overrides are
// applied. A missing file yields the defaults when allowMissing is set.
func Load(path string, allowMissing bool) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		// Expand environment variables in the raw YAML content
		expandedData := expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && allowMissing:
	default:
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadEnvFiles loads dotenv files into the process environment. Earlier files
// win over later ones and variables already present in the environment are
// never replaced. Missing files are skipped.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("DASHBOARD_ADDR"); v != "" {
		cfg.Server.HTTPAddr = v
	}
	if v := os.Getenv("DASHBOARD_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("DASHBOARD_PORT %q is not a valid port", v)
		}
		host := "0.0.0.0"
		if i := strings.LastIndex(cfg.Server.HTTPAddr, ":"); i > 0 {
			host = cfg.Server.HTTPAddr[:i]
		}
		cfg.Server.HTTPAddr = fmt.Sprintf("%s:%d", host, port)
	}
	if v := os.Getenv("DASHBOARD_ALLOW_HTTP"); v != "" {
		allow, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("DASHBOARD_ALLOW_HTTP %q is not a boolean", v)
		}
		cfg.Server.AllowHTTP = allow
	}
	if v := os.Getenv("WORKSPACE_DIR"); v != "" {
		cfg.Workspace.Dir = v
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("OPENCLAW_GATEWAY_URL"); v != "" {
		cfg.Gateway.URL = v
	}
	if v := os.Getenv("OPENCLAW_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Token = v
	}
	if v := os.Getenv("MC_API_TOKEN"); v != "" {
		cfg.Auth.APIToken = v
	}
	if v := os.Getenv("DASHBOARD_TOKEN"); v != "" {
		cfg.Auth.RecoveryToken = v
	}
	return nil
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.PBKDF2Iterations < 1000 {
		return fmt.Errorf("auth.pbkdf2_iterations must be at least 1000")
	}
	if c.Auth.SoftLockThreshold <= 0 || c.Auth.HardLockThreshold <= c.Auth.SoftLockThreshold {
		return fmt.Errorf("auth lock thresholds must satisfy 0 < soft_lock_threshold < hard_lock_threshold")
	}
	if c.Auth.SoftLockDuration <= 0 || c.Auth.HardLockDuration <= 0 {
		return fmt.Errorf("auth lock durations must be positive")
	}

	if c.Gateway.ReconnectDelay <= 0 {
		return fmt.Errorf("gateway.reconnect_delay must be positive")
	}
	if c.Events.HeartbeatInterval <= 0 {
		return fmt.Errorf("events.heartbeat_interval must be positive")
	}
	if c.Events.RecentMax <= 0 {
		return fmt.Errorf("events.recent_max must be positive")
	}

	if c.Terminal.Cols <= 0 || c.Terminal.Rows <= 0 {
		return fmt.Errorf("terminal.cols and terminal.rows must be positive")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"auth.soft_lock_duration", cfg.Auth.SoftLockDurationRaw, &cfg.Auth.SoftLockDuration},
		{"auth.hard_lock_duration", cfg.Auth.HardLockDurationRaw, &cfg.Auth.HardLockDuration},
		{"auth.session_idle_timeout", cfg.Auth.SessionIdleTimeoutRaw, &cfg.Auth.SessionIdleTimeout},
		{"gateway.reconnect_delay", cfg.Gateway.ReconnectDelayRaw, &cfg.Gateway.ReconnectDelay},
		{"gateway.reconnect_jitter", cfg.Gateway.ReconnectJitterRaw, &cfg.Gateway.ReconnectJitter},
		{"events.heartbeat_interval", cfg.Events.HeartbeatIntervalRaw, &cfg.Events.HeartbeatInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}

	return nil
}
