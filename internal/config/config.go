// ABOUTME: Configuration loading and parsing for intake-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete intake-gateway configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Tailscale   TailscaleConfig   `yaml:"tailscale" toml:"tailscale"`
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	Upstream    UpstreamConfig    `yaml:"upstream" toml:"upstream"`
	Interpreter InterpreterConfig `yaml:"interpreter" toml:"interpreter"`
	Sessions    SessionsConfig    `yaml:"sessions" toml:"sessions"`
	Defaults    DefaultsConfig    `yaml:"defaults" toml:"defaults"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // Serve HTTPS on :443 with a tailnet certificate
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// UpstreamConfig holds the fulfillment service connection settings
type UpstreamConfig struct {
	URL             string            `yaml:"url" toml:"url"`
	Headers         map[string]string `yaml:"headers" toml:"headers"`
	SendAttempts    int               `yaml:"send_attempts" toml:"send_attempts"`
	MaxMessageBytes int64             `yaml:"max_message_bytes" toml:"max_message_bytes"`

	ConnectTimeout time.Duration `yaml:"-" toml:"-"`
	RetryDelay     time.Duration `yaml:"-" toml:"-"`
	PingInterval   time.Duration `yaml:"-" toml:"-"`
	PingTimeout    time.Duration `yaml:"-" toml:"-"`
	SendTimeout    time.Duration `yaml:"-" toml:"-"`
	SendRetryPause time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	ConnectTimeoutRaw string `yaml:"connect_timeout" toml:"connect_timeout"`
	RetryDelayRaw     string `yaml:"retry_delay" toml:"retry_delay"`
	PingIntervalRaw   string `yaml:"ping_interval" toml:"ping_interval"`
	PingTimeoutRaw    string `yaml:"ping_timeout" toml:"ping_timeout"`
	SendTimeoutRaw    string `yaml:"send_timeout" toml:"send_timeout"`
	SendRetryPauseRaw string `yaml:"send_retry_pause" toml:"send_retry_pause"`
}

// InterpreterConfig holds language model settings
type InterpreterConfig struct {
	Provider     string   `yaml:"provider" toml:"provider"`
	APIKey       string   `yaml:"api_key" toml:"api_key"`
	Model        string   `yaml:"model" toml:"model"`
	Temperature  *float32 `yaml:"temperature" toml:"temperature"`
	HistoryLimit int      `yaml:"history_limit" toml:"history_limit"`

	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// SessionsConfig holds per-client websocket session limits
type SessionsConfig struct {
	TurnRate        float64 `yaml:"turn_rate" toml:"turn_rate"` // turns per second
	TurnBurst       int     `yaml:"turn_burst" toml:"turn_burst"`
	SendBuffer      int     `yaml:"send_buffer" toml:"send_buffer"`
	MaxMessageBytes int64   `yaml:"max_message_bytes" toml:"max_message_bytes"`
}

// DefaultsConfig holds channel metadata used when a turn omits it
type DefaultsConfig struct {
	Language string `yaml:"language" toml:"language"`
	Provider string `yaml:"provider" toml:"provider"`
	Model    string `yaml:"model" toml:"model"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// DefaultPath returns the config location: $INTAKE_CONFIG if set, otherwise
// $XDG_CONFIG_HOME/intake/gateway.yaml (falling back to ~/.config).
func DefaultPath() string {
	if p := os.Getenv("INTAKE_CONFIG"); p != "" {
		return p
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "intake", "gateway.yaml")
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if p := os.Getenv("INTAKE_DB_PATH"); p != "" {
		cfg.Database.Path = p
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = ":8080"
	}
	if c.Tailscale.Enabled && c.Tailscale.StateDir == "" {
		c.Tailscale.StateDir = filepath.Join(filepath.Dir(c.Database.Path), "tsnet")
	}

	u := &c.Upstream
	setDuration(&u.ConnectTimeout, 5*time.Second)
	setDuration(&u.RetryDelay, 3*time.Second)
	setDuration(&u.PingInterval, 30*time.Second)
	setDuration(&u.PingTimeout, 10*time.Second)
	setDuration(&u.SendTimeout, 10*time.Second)
	setDuration(&u.SendRetryPause, time.Second)
	if u.SendAttempts <= 0 {
		u.SendAttempts = 3
	}
	if u.MaxMessageBytes <= 0 {
		u.MaxMessageBytes = 1 << 20
	}

	in := &c.Interpreter
	if in.Provider == "" {
		in.Provider = "gemini"
	}
	if in.Model == "" {
		in.Model = "gemini-1.5-flash"
	}
	if in.Temperature == nil {
		t := float32(0.7)
		in.Temperature = &t
	}
	if in.HistoryLimit <= 0 {
		in.HistoryLimit = 20
	}
	setDuration(&in.Timeout, 30*time.Second)

	s := &c.Sessions
	if s.TurnRate <= 0 {
		s.TurnRate = 1
	}
	if s.TurnBurst <= 0 {
		s.TurnBurst = 5
	}
	if s.SendBuffer <= 0 {
		s.SendBuffer = 32
	}
	if s.MaxMessageBytes <= 0 {
		s.MaxMessageBytes = 64 << 10
	}

	d := &c.Defaults
	if d.Language == "" {
		d.Language = "en"
	}
	if d.Provider == "" {
		d.Provider = in.Provider
	}
	if d.Model == "" {
		d.Model = in.Model
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
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
	if c.Tailscale.Funnel && !c.Tailscale.Enabled {
		return fmt.Errorf("tailscale.funnel requires tailscale.enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Upstream.URL == "" {
		return fmt.Errorf("upstream.url is required")
	}
	u, err := url.Parse(c.Upstream.URL)
	if err != nil {
		return fmt.Errorf("upstream.url is invalid: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("upstream.url must use ws:// or wss://, got %q", u.Scheme)
	}

	if c.Interpreter.Provider != "gemini" {
		return fmt.Errorf("interpreter.provider %q is not supported (want gemini)", c.Interpreter.Provider)
	}
	if c.Interpreter.APIKey == "" {
		return fmt.Errorf("interpreter.api_key is required")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is invalid", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q is invalid", c.Logging.Format)
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
		{"upstream.connect_timeout", cfg.Upstream.ConnectTimeoutRaw, &cfg.Upstream.ConnectTimeout},
		{"upstream.retry_delay", cfg.Upstream.RetryDelayRaw, &cfg.Upstream.RetryDelay},
		{"upstream.ping_interval", cfg.Upstream.PingIntervalRaw, &cfg.Upstream.PingInterval},
		{"upstream.ping_timeout", cfg.Upstream.PingTimeoutRaw, &cfg.Upstream.PingTimeout},
		{"upstream.send_timeout", cfg.Upstream.SendTimeoutRaw, &cfg.Upstream.SendTimeout},
		{"upstream.send_retry_pause", cfg.Upstream.SendRetryPauseRaw, &cfg.Upstream.SendRetryPause},
		{"interpreter.timeout", cfg.Interpreter.TimeoutRaw, &cfg.Interpreter.Timeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
