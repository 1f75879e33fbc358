package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/99designs/keyring"

	"github.com/chaz8081/flicd/internal/button"
)

const (
	keyringServiceName = "flicd"
	keyringItemPrefix  = "button."
)

// KeyringStore keeps pairing material in a keyring and delegates everything
// else to an inner store, which never sees the material.
type KeyringStore struct {
	inner Store
	ring  keyring.Keyring
}

// NewKeyringStore wraps inner so pairing material lives in ring.
func NewKeyringStore(inner Store, ring keyring.Keyring) *KeyringStore {
	return &KeyringStore{inner: inner, ring: ring}
}

// OpenKeyring opens the system keyring. An empty backend lets keyring pick
// the first available one; fileDir is used by the file backend.
func OpenKeyring(backend, fileDir string) (keyring.Keyring, error) {
	cfg := keyring.Config{
		ServiceName:      keyringServiceName,
		FileDir:          fileDir,
		FilePasswordFunc: keyring.TerminalPrompt,
	}
	if backend != "" {
		bt, err := ParseKeyringBackend(backend)
		if err != nil {
			return nil, err
		}
		cfg.AllowedBackends = []keyring.BackendType{bt}
	}
	ring, err := keyring.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("store: open keyring: %w", err)
	}
	return ring, nil
}

// ParseKeyringBackend checks that name is a backend available on this system.
func ParseKeyringBackend(name string) (keyring.BackendType, error) {
	value := keyring.BackendType(name)
	for _, bt := range keyring.AvailableBackends() {
		if bt == value {
			return bt, nil
		}
	}
	return keyring.InvalidBackend, fmt.Errorf("store: unsupported keyring backend %q", name)
}

func itemKey(id string) string {
	return keyringItemPrefix + id
}

func (s *KeyringStore) LoadAll(ctx context.Context) ([]button.Record, error) {
	records, err := s.inner.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	for i := range records {
		item, err := s.ring.Get(itemKey(records[i].ID))
		if errors.Is(err, keyring.ErrKeyNotFound) {
			// Verification will reject the button and the user must re-pair.
			slog.Warn("[STORE] pairing material missing from keyring", "id", records[i].ID)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("store: keyring get %s: %w", records[i].ID, err)
		}
		records[i].Material = item.Data
	}
	return records, nil
}

func (s *KeyringStore) SaveAll(ctx context.Context, records []button.Record) error {
	live := make(map[string]bool, len(records))
	stripped := make([]button.Record, len(records))
	for i, r := range records {
		live[itemKey(r.ID)] = true
		if len(r.Material) > 0 {
			if err := s.ring.Set(keyring.Item{
				Key:         itemKey(r.ID),
				Data:        r.Material,
				Label:       "Flic button " + r.SerialNumber,
				Description: "flicd pairing material",
			}); err != nil {
				return fmt.Errorf("store: keyring set %s: %w", r.ID, err)
			}
		}
		r.Material = nil
		stripped[i] = r
	}

	if err := s.inner.SaveAll(ctx, stripped); err != nil {
		return err
	}

	// Drop material of forgotten buttons.
	keys, err := s.ring.Keys()
	if err != nil {
		return fmt.Errorf("store: keyring keys: %w", err)
	}
	for _, k := range keys {
		if strings.HasPrefix(k, keyringItemPrefix) && !live[k] {
			if err := s.ring.Remove(k); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
				return fmt.Errorf("store: keyring remove %s: %w", k, err)
			}
		}
	}
	return nil
}
