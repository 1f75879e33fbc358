package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/flicd/internal/button"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.Registry.Backend != "file" {
		t.Errorf("Registry.Backend = %q, want %q", cfg.Registry.Backend, "file")
	}
	if cfg.Registry.Path == "" {
		t.Error("Registry.Path should not be empty")
	}
	if cfg.Classifier.HoldThreshold != time.Second {
		t.Errorf("Classifier.HoldThreshold = %v, want 1s", cfg.Classifier.HoldThreshold)
	}
	if cfg.Classifier.DoubleClickTimeout != 500*time.Millisecond {
		t.Errorf("Classifier.DoubleClickTimeout = %v, want 500ms", cfg.Classifier.DoubleClickTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
log_level: debug
registry:
  backend: sqlite
  path: /tmp/buttons.db
  keyring: true
  keyring_backend: file
link:
  retry_delay: 2s
  retry_max: 1m
classifier:
  hold_threshold: 800ms
  double_click_timeout: 300ms
  classes: [up_or_down, click_or_hold]
session:
  verify_timeout: 5s
scan:
  timeout: 1m
  pair_timeout: 15s
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.Registry.Backend != "sqlite" || cfg.Registry.Path != "/tmp/buttons.db" {
		t.Errorf("Registry = %+v", cfg.Registry)
	}
	if !cfg.Registry.Keyring || cfg.Registry.KeyringBackend != "file" {
		t.Errorf("Registry keyring = %v %q", cfg.Registry.Keyring, cfg.Registry.KeyringBackend)
	}
	if cfg.Link.RetryDelay != 2*time.Second || cfg.Link.RetryMax != time.Minute {
		t.Errorf("Link = %+v", cfg.Link)
	}
	if cfg.Classifier.HoldThreshold != 800*time.Millisecond {
		t.Errorf("Classifier.HoldThreshold = %v, want 800ms", cfg.Classifier.HoldThreshold)
	}
	if cfg.Classifier.DoubleClickTimeout != 300*time.Millisecond {
		t.Errorf("Classifier.DoubleClickTimeout = %v, want 300ms", cfg.Classifier.DoubleClickTimeout)
	}
	if cfg.Session.VerifyTimeout != 5*time.Second {
		t.Errorf("Session.VerifyTimeout = %v, want 5s", cfg.Session.VerifyTimeout)
	}
	if cfg.Scan.Timeout != time.Minute || cfg.Scan.PairTimeout != 15*time.Second {
		t.Errorf("Scan = %+v", cfg.Scan)
	}

	set, err := cfg.Classifier.ClassSet()
	if err != nil {
		t.Fatalf("ClassSet() error = %v", err)
	}
	if want := button.Classes(button.ClassUpOrDown, button.ClassClickOrHold); set != want {
		t.Errorf("ClassSet() = %b, want %b", set, want)
	}
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("log_level: warn\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "warn")
	}
	if cfg.Classifier.HoldThreshold != time.Second {
		t.Errorf("Classifier.HoldThreshold = %v, want default 1s", cfg.Classifier.HoldThreshold)
	}
	if cfg.Registry.Backend != "file" {
		t.Errorf("Registry.Backend = %q, want default", cfg.Registry.Backend)
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("cannot determine home directory")
	}

	yamlContent := `
registry:
  path: ~/flic/buttons.yaml
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	expected := filepath.Join(home, "flic/buttons.yaml")
	if cfg.Registry.Path != expected {
		t.Errorf("Registry.Path = %q, want %q", cfg.Registry.Path, expected)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}

func TestLoadInvalidDuration(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("classifier:\n  hold_threshold: soon\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	if _, err := Load(cfgPath); err == nil {
		t.Error("Load() should reject an unparseable duration")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "sqlite backend",
			modify:  func(c *Config) { c.Registry.Backend = "sqlite" },
			wantErr: false,
		},
		{
			name:    "invalid backend",
			modify:  func(c *Config) { c.Registry.Backend = "postgres" },
			wantErr: true,
		},
		{
			name:    "empty registry path",
			modify:  func(c *Config) { c.Registry.Path = "" },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.LogLevel = "verbose" },
			wantErr: true,
		},
		{
			name:    "zero hold threshold",
			modify:  func(c *Config) { c.Classifier.HoldThreshold = 0 },
			wantErr: true,
		},
		{
			name:    "negative double click timeout",
			modify:  func(c *Config) { c.Classifier.DoubleClickTimeout = -time.Second },
			wantErr: true,
		},
		{
			name:    "no classes",
			modify:  func(c *Config) { c.Classifier.Classes = nil },
			wantErr: true,
		},
		{
			name:    "unknown class",
			modify:  func(c *Config) { c.Classifier.Classes = []string{"triple_click"} },
			wantErr: true,
		},
		{
			name:    "zero verify timeout",
			modify:  func(c *Config) { c.Session.VerifyTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "zero scan timeout",
			modify:  func(c *Config) { c.Scan.Timeout = 0 },
			wantErr: true,
		},
		{
			name:    "zero pair timeout",
			modify:  func(c *Config) { c.Scan.PairTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "retry max below delay",
			modify:  func(c *Config) { c.Link.RetryMax = time.Millisecond },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"trace", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	// Use a temp dir as fake home to avoid touching real config
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedPath := filepath.Join(tmpHome, ".config", "flicd", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# flicd") {
		t.Error("written config should start with header comment")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}
	if cfg.Classifier.HoldThreshold != time.Second {
		t.Errorf("written config Classifier.HoldThreshold = %v, want 1s", cfg.Classifier.HoldThreshold)
	}
	if cfg.Registry.Backend != "file" {
		t.Errorf("written config Registry.Backend = %q, want %q", cfg.Registry.Backend, "file")
	}

	// The written file loads back into a valid config.
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := loaded.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "flicd")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("log_level: debug\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("WriteDefault() path = %q, want empty string for existing file", path)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if string(data) != string(existingContent) {
		t.Error("WriteDefault() should not overwrite existing config file")
	}
}
