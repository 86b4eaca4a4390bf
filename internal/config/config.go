// Package config loads the relay daemon configuration from YAML with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/waypost/waypost/identity"
)

// Config represents the relay configuration
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Identity  IdentityConfig  `yaml:"identity"`
	StoredFor StoredForConfig `yaml:"stored_for"`
	Limits    LimitsConfig    `yaml:"limits"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	Admin     AdminConfig     `yaml:"admin"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ListenConfig struct {
	WS   string `yaml:"ws"`
	REST string `yaml:"rest"`
}

// IdentityConfig names the relay's own key. When set it anchors the
// REST token secret so tokens survive a restart.
type IdentityConfig struct {
	Key     string `yaml:"key"`
	KeyFile string `yaml:"key_file"`
}

// StoredForConfig is the allowlist of public keys the relay buffers
// envelopes for while they are offline. Keys can be given inline, in a
// watchable file (one key per line, # comments), or both.
type StoredForConfig struct {
	Keys []string `yaml:"keys"`
	File string   `yaml:"file"`
}

type LimitsConfig struct {
	QueueSize     int `yaml:"queue_size"`
	BufferSize    int `yaml:"buffer_size"`
	RatePerSecond int `yaml:"rate_per_second"`
	RateBurst     int `yaml:"rate_burst"`
}

type TimeoutsConfig struct {
	Heartbeat Duration `yaml:"heartbeat"`
	Idle      Duration `yaml:"idle"`
	TokenTTL  Duration `yaml:"token_ttl"`
}

type AdminConfig struct {
	Socket string `yaml:"socket"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Duration wraps time.Duration so YAML values like "30s" parse.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{
			WS:   ":19474",
			REST: ":19475",
		},
		Limits: LimitsConfig{
			QueueSize:  128,
			BufferSize: 256,
			RateBurst:  16,
		},
		Timeouts: TimeoutsConfig{
			Heartbeat: Duration(30 * time.Second),
			Idle:      Duration(60 * time.Second),
			TokenTTL:  Duration(24 * time.Hour),
		},
		Admin: AdminConfig{
			Socket: "/tmp/waypostd.sock",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a file. An empty path yields the
// defaults. Environment variables override file values either way.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Override with environment variables if present
	if addr := os.Getenv("WAYPOST_WS_ADDR"); addr != "" {
		cfg.Listen.WS = addr
	}
	if addr := os.Getenv("WAYPOST_REST_ADDR"); addr != "" {
		cfg.Listen.REST = addr
	}
	if key := os.Getenv("WAYPOST_IDENTITY_KEY"); key != "" {
		cfg.Identity.Key = key
	}
	if sock := os.Getenv("WAYPOST_ADMIN_SOCKET"); sock != "" {
		cfg.Admin.Socket = sock
	}
	if level := os.Getenv("WAYPOST_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Listen.WS == "" {
		return fmt.Errorf("listen.ws is required")
	}
	if c.Limits.QueueSize <= 0 {
		return fmt.Errorf("limits.queue_size must be positive")
	}
	if c.Limits.BufferSize <= 0 {
		return fmt.Errorf("limits.buffer_size must be positive")
	}
	if c.Limits.RatePerSecond < 0 {
		return fmt.Errorf("limits.rate_per_second must not be negative")
	}
	if c.Timeouts.Heartbeat.Std() <= 0 {
		return fmt.Errorf("timeouts.heartbeat must be positive")
	}
	if c.Timeouts.Idle.Std() <= c.Timeouts.Heartbeat.Std() {
		return fmt.Errorf("timeouts.idle must be longer than timeouts.heartbeat")
	}
	if c.Timeouts.TokenTTL.Std() <= 0 {
		return fmt.Errorf("timeouts.token_ttl must be positive")
	}
	if c.Identity.Key != "" && c.Identity.KeyFile != "" {
		return fmt.Errorf("identity.key and identity.key_file are mutually exclusive")
	}
	if c.Identity.Key != "" {
		if _, err := identity.ParsePrivate(c.Identity.Key); err != nil {
			return fmt.Errorf("identity.key: %w", err)
		}
	}
	return nil
}

// IdentityKey resolves the relay's private key from the inline value
// or the key file. Empty when neither is configured.
func (c *Config) IdentityKey() (string, error) {
	if c.Identity.Key != "" {
		return c.Identity.Key, nil
	}
	if c.Identity.KeyFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(c.Identity.KeyFile)
	if err != nil {
		return "", fmt.Errorf("failed to read identity key file: %w", err)
	}
	key := strings.TrimSpace(string(data))
	if _, err := identity.ParsePrivate(key); err != nil {
		return "", fmt.Errorf("identity key file: %w", err)
	}
	return key, nil
}

// StoredForKeys returns the union of the inline allowlist and the
// allowlist file, if one is configured.
func (c *Config) StoredForKeys() ([]string, error) {
	keys := append([]string(nil), c.StoredFor.Keys...)
	if c.StoredFor.File != "" {
		fileKeys, err := ParseStoredForFile(c.StoredFor.File)
		if err != nil {
			return nil, err
		}
		keys = append(keys, fileKeys...)
	}
	return dedupe(keys), nil
}

// ParseStoredForFile reads an allowlist file: one public key per line,
// blank lines and #-comments ignored.
func ParseStoredForFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read stored-for file: %w", err)
	}
	var keys []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keys = append(keys, line)
	}
	return keys, nil
}

func dedupe(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}
