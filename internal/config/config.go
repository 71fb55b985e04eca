// Package config provides configuration parsing and validation for shadow-tunnel.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/shadow-tunnel/internal/crypto"
)

// Config represents the complete configuration of either hop.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Debug   bool          `yaml:"debug"`
	Timeout time.Duration `yaml:"timeout"` // deadline to reach ESTABLISHED
	Key     string        `yaml:"key"`
	KeyDir  string        `yaml:"key_dir"` // base for relative rsa/table paths
	Cipher  CipherConfig  `yaml:"cipher"`
	Local   LocalConfig   `yaml:"local"`
	Remote  RemoteConfig  `yaml:"remote"`
	Limits  LimitsConfig  `yaml:"limits"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LogConfig selects the log level, format and optional rotating file.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"` // empty = stderr
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// CipherConfig holds the two protocol planes.
type CipherConfig struct {
	Control PlaneConfig `yaml:"control"`
	Data    PlaneConfig `yaml:"data"`
}

// PlaneConfig names a cipher and its salt. The salt is base64(hex(bytes)) for stream
// and AEAD ciphers and a key file path for rsa and table.
type PlaneConfig struct {
	Name string `yaml:"name"`
	Salt string `yaml:"salt"`
}

// LocalConfig configures the client-facing hop.
type LocalConfig struct {
	Address        string        `yaml:"address"`
	Remote         string        `yaml:"remote"`
	Token          string        `yaml:"token"`
	MaxConnections int           `yaml:"max_connections"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"` // dial to the Remote hop
	UDPInterface   string        `yaml:"udp_interface"`   // empty = all IPv4 interfaces
}

// RemoteConfig configures the outbound hop.
type RemoteConfig struct {
	Address        string        `yaml:"address"`
	Tokens         []string      `yaml:"tokens"`
	HashedTokens   []string      `yaml:"hashed_tokens"`
	BindInterface  string        `yaml:"bind_interface"`
	BindPort       int           `yaml:"bind_port"`
	BindTimeout    time.Duration `yaml:"bind_timeout"`
	UDPInterface   string        `yaml:"udp_interface"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	MaxConnections int           `yaml:"max_connections"`
}

// LimitsConfig defines per-session limits.
type LimitsConfig struct {
	Rate           string        `yaml:"rate"` // bytes per second, e.g. "1 MB"; empty = unlimited
	UDPIdleTimeout time.Duration `yaml:"udp_idle_timeout"`
}

// MetricsConfig defines the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Timeout: 5 * time.Minute,
		Cipher: CipherConfig{
			Control: PlaneConfig{Name: crypto.NameAES256CFB},
			Data:    PlaneConfig{Name: crypto.NameAES256GCM},
		},
		Local: LocalConfig{
			Address:        "127.0.0.1:1080",
			MaxConnections: 1000,
			ConnectTimeout: 10 * time.Second,
		},
		Remote: RemoteConfig{
			Address:        "0.0.0.0:8388",
			BindInterface:  "0.0.0.0",
			BindTimeout:    30 * time.Second,
			UDPInterface:   "0.0.0.0",
			ConnectTimeout: 10 * time.Second,
			MaxConnections: 1000,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1:9100",
			Path:    "/metrics",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// LogLevel returns the effective log level; debug mode forces "debug".
func (c *Config) LogLevel() string {
	if c.Debug {
		return "debug"
	}
	return c.Log.Level
}

// RateBytes returns limits.rate in bytes per second, 0 meaning unlimited.
func (c *Config) RateBytes() (uint64, error) {
	if strings.TrimSpace(c.Limits.Rate) == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(c.Limits.Rate)
	if err != nil {
		return 0, fmt.Errorf("limits.rate: %w", err)
	}
	return n, nil
}

// Validate checks the settings shared by both hops, reporting every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}
	if c.Timeout < 0 {
		errs = append(errs, "timeout must not be negative")
	}
	if c.Key == "" {
		errs = append(errs, "key is required")
	}

	if err := validatePlane(c.Cipher.Control); err != nil {
		errs = append(errs, fmt.Sprintf("cipher.control: %v", err))
	}
	if err := validatePlane(c.Cipher.Data); err != nil {
		errs = append(errs, fmt.Sprintf("cipher.data: %v", err))
	}

	if _, err := c.RateBytes(); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Limits.UDPIdleTimeout < 0 {
		errs = append(errs, "limits.udp_idle_timeout must not be negative")
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, "metrics.address is required when enabled")
	}

	return joinErrors(errs)
}

// ValidateLocal checks the settings the Local hop needs.
func (c *Config) ValidateLocal() error {
	var errs []string

	if c.Local.Address == "" {
		errs = append(errs, "local.address is required")
	}
	if c.Local.Remote == "" {
		errs = append(errs, "local.remote is required")
	} else if _, _, err := net.SplitHostPort(c.Local.Remote); err != nil {
		errs = append(errs, fmt.Sprintf("local.remote: %v", err))
	}
	if c.Local.Token == "" {
		errs = append(errs, "local.token is required")
	} else if len(c.Local.Token) > 255 {
		errs = append(errs, "local.token must be at most 255 bytes")
	}
	if c.Local.MaxConnections < 0 {
		errs = append(errs, "local.max_connections must not be negative")
	}
	if !isValidIPOrEmpty(c.Local.UDPInterface) {
		errs = append(errs, fmt.Sprintf("local.udp_interface: invalid IP %q", c.Local.UDPInterface))
	}

	return joinErrors(errs)
}

// ValidateRemote checks the settings the Remote hop needs.
func (c *Config) ValidateRemote() error {
	var errs []string

	if c.Remote.Address == "" {
		errs = append(errs, "remote.address is required")
	}
	if len(c.Remote.Tokens) == 0 && len(c.Remote.HashedTokens) == 0 {
		errs = append(errs, "remote.tokens or remote.hashed_tokens is required")
	}
	if c.Remote.BindPort < 0 || c.Remote.BindPort > 65535 {
		errs = append(errs, "remote.bind_port must be between 0 and 65535")
	}
	if c.Remote.BindTimeout <= 0 {
		errs = append(errs, "remote.bind_timeout must be positive")
	}
	if c.Remote.ConnectTimeout <= 0 {
		errs = append(errs, "remote.connect_timeout must be positive")
	}
	if !isValidIPOrEmpty(c.Remote.BindInterface) {
		errs = append(errs, fmt.Sprintf("remote.bind_interface: invalid IP %q", c.Remote.BindInterface))
	}
	if !isValidIPOrEmpty(c.Remote.UDPInterface) {
		errs = append(errs, fmt.Sprintf("remote.udp_interface: invalid IP %q", c.Remote.UDPInterface))
	}
	if c.Remote.MaxConnections < 0 {
		errs = append(errs, "remote.max_connections must not be negative")
	}

	return joinErrors(errs)
}

func validatePlane(p PlaneConfig) error {
	kind, err := crypto.KindOf(p.Name)
	if err != nil {
		return err
	}
	if kind.FileKeyed() {
		if p.Salt == "" {
			return fmt.Errorf("%s needs a key file path in salt", p.Name)
		}
		return nil
	}

	c, err := crypto.New(p.Name, "validate", nil)
	if err != nil {
		return err
	}
	if c.SaltSize() == 0 {
		return nil
	}
	salt, err := crypto.ParseSalt(p.Salt)
	if err != nil {
		return err
	}
	if len(salt) != c.SaltSize() {
		return fmt.Errorf("%s needs a %d-byte salt, got %d", p.Name, c.SaltSize(), len(salt))
	}
	return nil
}

func joinErrors(errs []string) error {
	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidIPOrEmpty(s string) bool {
	return s == "" || net.ParseIP(s) != nil
}

// String returns a string representation of the config (for debugging).
// WARNING: This method redacts sensitive values. Use StringUnsafe() for full output.
func (c *Config) String() string {
	redacted := c.Redacted()
	data, _ := yaml.Marshal(redacted)
	return string(data)
}

// StringUnsafe returns a string representation including sensitive values.
// Use with caution - do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with the key and plaintext tokens redacted.
// This is safe to log or display to users.
func (c *Config) Redacted() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	if redacted.Key != "" {
		redacted.Key = redactedValue
	}
	if redacted.Local.Token != "" {
		redacted.Local.Token = redactedValue
	}
	for i := range redacted.Remote.Tokens {
		redacted.Remote.Tokens[i] = redactedValue
	}

	return redacted
}

// HasSensitiveData returns true if the config contains any secret.
func (c *Config) HasSensitiveData() bool {
	return c.Key != "" || c.Local.Token != "" || len(c.Remote.Tokens) > 0
}
