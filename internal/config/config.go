package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/flicd/internal/button"
)

// Config holds all daemon configuration.
type Config struct {
	LogLevel   string           `yaml:"log_level"`
	Registry   RegistryConfig   `yaml:"registry"`
	Link       LinkConfig       `yaml:"link"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Session    SessionConfig    `yaml:"session"`
	Scan       ScanConfig       `yaml:"scan"`
}

// RegistryConfig selects where pairing records are stored.
type RegistryConfig struct {
	Backend string `yaml:"backend"` // "file" or "sqlite"
	Path    string `yaml:"path"`
	// Keyring keeps pairing material in the OS keyring instead of Path.
	Keyring        bool   `yaml:"keyring"`
	KeyringBackend string `yaml:"keyring_backend,omitempty"`
}

// LinkConfig tunes the retry loop of pending connections.
type LinkConfig struct {
	RetryDelay time.Duration `yaml:"retry_delay"`
	RetryMax   time.Duration `yaml:"retry_max"`
}

// ClassifierConfig holds click and hold timing.
type ClassifierConfig struct {
	HoldThreshold      time.Duration `yaml:"hold_threshold"`
	DoubleClickTimeout time.Duration `yaml:"double_click_timeout"`
	// Classes lists the event classes to report.
	Classes []string `yaml:"classes"`
}

// SessionConfig holds connection session settings.
type SessionConfig struct {
	VerifyTimeout time.Duration `yaml:"verify_timeout"`
}

// ScanConfig holds scan settings.
type ScanConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	PairTimeout time.Duration `yaml:"pair_timeout"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "flicd")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()

	return &Config{
		LogLevel: "info",
		Registry: RegistryConfig{
			Backend: "file",
			Path:    filepath.Join(home, ".local", "share", "flicd", "buttons.yaml"),
		},
		Link: LinkConfig{
			RetryDelay: time.Second,
			RetryMax:   30 * time.Second,
		},
		Classifier: ClassifierConfig{
			HoldThreshold:      time.Second,
			DoubleClickTimeout: 500 * time.Millisecond,
			Classes:            []string{"single_or_double_click_or_hold"},
		},
		Session: SessionConfig{
			VerifyTimeout: 10 * time.Second,
		},
		Scan: ScanConfig{
			Timeout:     30 * time.Second,
			PairTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in registry.path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Registry.Path = expandTilde(cfg.Registry.Path)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}

	switch c.Registry.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("registry.backend must be \"file\" or \"sqlite\", got %q", c.Registry.Backend)
	}
	if c.Registry.Path == "" {
		return errors.New("registry.path must not be empty")
	}

	if c.Link.RetryDelay <= 0 {
		return errors.New("link.retry_delay must be > 0")
	}
	if c.Link.RetryMax < c.Link.RetryDelay {
		return errors.New("link.retry_max must be >= link.retry_delay")
	}

	if c.Classifier.HoldThreshold <= 0 {
		return errors.New("classifier.hold_threshold must be > 0")
	}
	if c.Classifier.DoubleClickTimeout <= 0 {
		return errors.New("classifier.double_click_timeout must be > 0")
	}
	if _, err := c.Classifier.ClassSet(); err != nil {
		return err
	}

	if c.Session.VerifyTimeout <= 0 {
		return errors.New("session.verify_timeout must be > 0")
	}
	if c.Scan.Timeout <= 0 {
		return errors.New("scan.timeout must be > 0")
	}
	if c.Scan.PairTimeout <= 0 {
		return errors.New("scan.pair_timeout must be > 0")
	}

	return nil
}

// ClassSet parses Classes.
func (c ClassifierConfig) ClassSet() (button.ClassSet, error) {
	if len(c.Classes) == 0 {
		return 0, errors.New("classifier.classes must not be empty")
	}
	var classes []button.EventClass
	for _, name := range c.Classes {
		class, err := button.ParseEventClass(name)
		if err != nil {
			return 0, fmt.Errorf("classifier.classes: %w", err)
		}
		classes = append(classes, class)
	}
	return button.Classes(classes...), nil
}

// ParseLogLevel maps a log_level value to a slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("log_level must be debug, info, warn, or error, got %q", s)
	}
}

const defaultHeader = `# flicd configuration
# Durations use Go syntax: 500ms, 1s, 1m30s.
# registry.backend: file (YAML) or sqlite. With registry.keyring set, pairing
# keys are stored in the OS keyring instead of the registry file.
`

// WriteDefault writes the default config to DefaultConfigPath unless a file
// already exists there. It returns the written path, or "" if nothing was written.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
