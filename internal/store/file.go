package store

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/flicd/internal/button"
)

const fileVersion = 1

// FileStore keeps pairing records in a YAML file.
type FileStore struct {
	path string
}

// NewFileStore returns a store backed by the YAML file at path. The file is
// created on the first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

type registryFile struct {
	Version int          `yaml:"version"`
	Buttons []fileRecord `yaml:"buttons"`
}

type fileRecord struct {
	button.Identity  `yaml:",inline"`
	Name             string    `yaml:"name,omitempty"`
	Nickname         string    `yaml:"nickname,omitempty"`
	Material         string    `yaml:"material,omitempty"`
	TriggerMode      string    `yaml:"trigger_mode"`
	LatencyMode      string    `yaml:"latency_mode"`
	LastEventCount   uint32    `yaml:"last_event_count"`
	BatteryVoltage   float32   `yaml:"battery_voltage,omitempty"`
	FirmwareRevision uint32    `yaml:"firmware_revision,omitempty"`
	Unpaired         bool      `yaml:"unpaired,omitempty"`
	PairedAt         time.Time `yaml:"paired_at"`
}

func (s *FileStore) LoadAll(_ context.Context) ([]button.Record, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: reading %s: %w", s.path, err)
	}

	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("store: parsing %s: %w", s.path, err)
	}
	if f.Version > fileVersion {
		return nil, fmt.Errorf("store: %s has version %d, newest supported is %d", s.path, f.Version, fileVersion)
	}

	records := make([]button.Record, 0, len(f.Buttons))
	for _, fr := range f.Buttons {
		r, err := fr.record()
		if err != nil {
			return nil, fmt.Errorf("store: button %s in %s: %w", fr.ID, s.path, err)
		}
		records = append(records, r)
	}
	return records, nil
}

func (s *FileStore) SaveAll(_ context.Context, records []button.Record) error {
	f := registryFile{Version: fileVersion, Buttons: make([]fileRecord, 0, len(records))}
	for _, r := range records {
		f.Buttons = append(f.Buttons, toFileRecord(r))
	}
	data, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("store: marshal registry: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("store: creating %s: %w", dir, err)
	}

	// Write to a temp file and rename so a crash never leaves a torn registry.
	tmp, err := os.CreateTemp(dir, ".buttons-*.yaml")
	if err != nil {
		return fmt.Errorf("store: creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("store: writing %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: closing %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("store: chmod %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("store: replacing %s: %w", s.path, err)
	}

	slog.Debug("[STORE] saved registry", "path", s.path, "buttons", len(records))
	return nil
}

func toFileRecord(r button.Record) fileRecord {
	return fileRecord{
		Identity:         r.Identity,
		Name:             r.Name,
		Nickname:         r.Nickname,
		Material:         hex.EncodeToString(r.Material),
		TriggerMode:      r.TriggerMode.String(),
		LatencyMode:      r.LatencyMode.String(),
		LastEventCount:   r.LastEventCount,
		BatteryVoltage:   r.BatteryVoltage,
		FirmwareRevision: r.FirmwareRevision,
		Unpaired:         r.Unpaired,
		PairedAt:         r.PairedAt,
	}
}

func (fr fileRecord) record() (button.Record, error) {
	r := button.Record{
		Identity:         fr.Identity,
		Name:             fr.Name,
		Nickname:         fr.Nickname,
		LastEventCount:   fr.LastEventCount,
		BatteryVoltage:   fr.BatteryVoltage,
		FirmwareRevision: fr.FirmwareRevision,
		Unpaired:         fr.Unpaired,
		PairedAt:         fr.PairedAt,
	}
	if fr.Material != "" {
		m, err := hex.DecodeString(fr.Material)
		if err != nil {
			return button.Record{}, fmt.Errorf("decoding material: %w", err)
		}
		r.Material = m
	}
	var err error
	if r.TriggerMode, err = parseOr(fr.TriggerMode, button.ParseTriggerMode, button.TriggerModeClickAndDoubleClickAndHold); err != nil {
		return button.Record{}, err
	}
	if r.LatencyMode, err = parseOr(fr.LatencyMode, button.ParseLatencyMode, button.LatencyModeNormal); err != nil {
		return button.Record{}, err
	}
	return r, nil
}

// parseOr parses s, returning def when s is empty.
func parseOr[T any](s string, parse func(string) (T, error), def T) (T, error) {
	if s == "" {
		return def, nil
	}
	return parse(s)
}
