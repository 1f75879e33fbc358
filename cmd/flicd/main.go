package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/chaz8081/flicd/internal/ble"
	"github.com/chaz8081/flicd/internal/ble/crypto"
	"github.com/chaz8081/flicd/internal/clock"
	"github.com/chaz8081/flicd/internal/config"
	"github.com/chaz8081/flicd/internal/manager"
	"github.com/chaz8081/flicd/internal/registry"
	"github.com/chaz8081/flicd/internal/scanner"
	"github.com/chaz8081/flicd/internal/session"
	"github.com/chaz8081/flicd/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "flicd",
		Short:         "Flic button daemon: pair buttons and stream their click events",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: ~/.config/flicd/config.yaml)")

	load := func() (*config.Config, error) { return loadConfig(configPath) }

	cmd.AddCommand(runCmd(load))
	cmd.AddCommand(scanCmd(load))
	cmd.AddCommand(listCmd(load))
	cmd.AddCommand(forgetCmd(load))
	cmd.AddCommand(nicknameCmd(load))
	cmd.AddCommand(modeCmd(load))
	cmd.AddCommand(initCmd())

	return cmd
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults. It also installs the
// default logger.
func loadConfig(path string) (*config.Config, error) {
	cfg, source, err := readConfig(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	level, _ := config.ParseLogLevel(cfg.LogLevel)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	slog.Debug("[MAIN] config loaded", "source", source)
	return cfg, nil
}

func readConfig(path string) (*config.Config, string, error) {
	if path != "" {
		cfg, err := config.Load(path)
		return cfg, path, err
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, defaultPath, nil
	}

	return config.Default(), "defaults", nil
}

// daemon is everything a command needs to talk to buttons.
type daemon struct {
	mgr       *manager.Manager
	transport *ble.LinkTransport
	closeFn   func() error
}

func (d *daemon) Close() {
	d.mgr.Close()
	if err := d.transport.Close(); err != nil {
		slog.Warn("[MAIN] closing transport", "error", err)
	}
	if d.closeFn != nil {
		if err := d.closeFn(); err != nil {
			slog.Warn("[MAIN] closing store", "error", err)
		}
	}
}

// openStore builds the persistence stack selected by the config.
func openStore(cfg *config.Config) (store.Store, func() error, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Registry.Path), 0o700); err != nil {
		return nil, nil, fmt.Errorf("creating registry dir: %w", err)
	}

	var (
		st      store.Store
		closeFn func() error
	)
	switch cfg.Registry.Backend {
	case "sqlite":
		s, err := store.NewSQLiteStore(cfg.Registry.Path)
		if err != nil {
			return nil, nil, err
		}
		st, closeFn = s, s.Close
	default:
		st = store.NewFileStore(cfg.Registry.Path)
	}

	if cfg.Registry.Keyring {
		ring, err := store.OpenKeyring(cfg.Registry.KeyringBackend, filepath.Dir(cfg.Registry.Path))
		if err != nil {
			if closeFn != nil {
				_ = closeFn()
			}
			return nil, nil, err
		}
		st = store.NewKeyringStore(st, ring)
	}
	return st, closeFn, nil
}

func openDaemon(cfg *config.Config) (*daemon, error) {
	classes, err := cfg.Classifier.ClassSet()
	if err != nil {
		return nil, err
	}
	st, closeFn, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	opts := manager.Options{
		Session: session.Options{
			Classes:            classes,
			HoldThreshold:      cfg.Classifier.HoldThreshold,
			DoubleClickTimeout: cfg.Classifier.DoubleClickTimeout,
			VerifyTimeout:      cfg.Session.VerifyTimeout,
		},
		Scan: scanner.Options{
			Timeout:     cfg.Scan.Timeout,
			PairTimeout: cfg.Scan.PairTimeout,
		},
	}

	tr := ble.NewLinkTransport(ble.NewTinyGoAdapter(), ble.LinkOptions{
		RetryDelay: cfg.Link.RetryDelay,
		RetryMax:   cfg.Link.RetryMax,
	})
	mgr := manager.New(registry.New(st), tr, crypto.HMACVerifier{}, clock.Real(), opts)
	return &daemon{mgr: mgr, transport: tr, closeFn: closeFn}, nil
}
