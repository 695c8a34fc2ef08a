package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the top-level fanout configuration.
type Config struct {
	Defaults Defaults `yaml:"defaults" toml:"defaults"`
	SSH      SSH      `yaml:"ssh" toml:"ssh"`
	Log      Log      `yaml:"log" toml:"log"`
}

// Defaults holds default execution settings.
type Defaults struct {
	Timeout          Duration `yaml:"timeout" toml:"timeout"`
	Concurrency      int      `yaml:"concurrency" toml:"concurrency"` // 0 means one worker per host
	ProgressInterval Duration `yaml:"progress_interval" toml:"progress_interval"`
	PollInterval     Duration `yaml:"poll_interval" toml:"poll_interval"`
	Output           string   `yaml:"output" toml:"output"` // "text" or "json"
	Echo             bool     `yaml:"echo" toml:"echo"`
	Summary          bool     `yaml:"summary" toml:"summary"`
}

// SSH holds transport settings applied to every host unless the host entry
// or ~/.ssh/config says otherwise.
type SSH struct {
	User         string `yaml:"user,omitempty" toml:"user,omitempty"`
	Port         int    `yaml:"port,omitempty" toml:"port,omitempty"`
	IdentityFile string `yaml:"identity_file,omitempty" toml:"identity_file,omitempty"`
	KnownHosts   string `yaml:"known_hosts,omitempty" toml:"known_hosts,omitempty"`
	ProxyJump    string `yaml:"proxy_jump,omitempty" toml:"proxy_jump,omitempty"`
	Insecure     bool   `yaml:"insecure" toml:"insecure"`

	// ConnectTimeout bounds connection setup separately from the command deadline.
	ConnectTimeout Duration `yaml:"connect_timeout" toml:"connect_timeout"`
}

// Log holds logging settings.
type Log struct {
	Level string `yaml:"level" toml:"level"` // debug, info, warn, error
}

// Duration wraps time.Duration to support YAML and TOML values like "15s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = dur
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Defaults: Defaults{
			Timeout:          Duration{15 * time.Second},
			ProgressInterval: Duration{5 * time.Second},
			PollInterval:     Duration{500 * time.Millisecond},
			Output:           "text",
			Echo:             true,
		},
		SSH: SSH{
			ConnectTimeout: Duration{10 * time.Second},
		},
		Log: Log{Level: "warn"},
	}
}

// DefaultConfigPaths returns the candidate config file paths in lookup order.
// Respects $XDG_CONFIG_HOME if set, otherwise falls back to ~/.config.
func DefaultConfigPaths() []string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		configDir = filepath.Join(home, ".config")
	}
	dir := filepath.Join(configDir, "fanout")
	return []string{
		filepath.Join(dir, "config.yaml"),
		filepath.Join(dir, "config.toml"),
	}
}

// Load reads and parses a config file from the given path. Files ending in
// .toml are decoded as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// LoadDefault loads the first config file found at the default paths.
// If none exists, it returns the default config.
func LoadDefault() (*Config, error) {
	for _, path := range DefaultConfigPaths() {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return DefaultConfig(), nil
}

// Validate checks the config for logical errors.
func (c *Config) Validate() error {
	if c.Defaults.Concurrency < 0 {
		return fmt.Errorf("concurrency must be non-negative, got %d", c.Defaults.Concurrency)
	}
	if c.Defaults.Timeout.Duration < 0 {
		return fmt.Errorf("default timeout must be non-negative, got %s", c.Defaults.Timeout)
	}
	if c.Defaults.ProgressInterval.Duration < 0 {
		return fmt.Errorf("progress interval must be non-negative, got %s", c.Defaults.ProgressInterval)
	}
	if c.Defaults.PollInterval.Duration < 0 {
		return fmt.Errorf("poll interval must be non-negative, got %s", c.Defaults.PollInterval)
	}

	validOutputModes := map[string]bool{"text": true, "json": true}
	if c.Defaults.Output != "" && !validOutputModes[c.Defaults.Output] {
		return fmt.Errorf("invalid output mode %q, must be one of: text, json", c.Defaults.Output)
	}

	if c.SSH.ConnectTimeout.Duration < 0 {
		return fmt.Errorf("connect timeout must be non-negative, got %s", c.SSH.ConnectTimeout)
	}
	if c.SSH.Port < 0 || c.SSH.Port > 65535 {
		return fmt.Errorf("ssh port out of range: %d", c.SSH.Port)
	}

	if _, err := ParseLogLevel(c.Log.Level); err != nil {
		return err
	}

	return nil
}

// ParseLogLevel maps a level name to a slog.Level. An empty name means warn.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "", "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelWarn, fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", s)
	}
}
