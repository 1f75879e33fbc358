// Package registry is the shared set of paired buttons. It is the only
// mutable state shared between sessions and the scanner.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chaz8081/flicd/internal/button"
	"github.com/chaz8081/flicd/internal/store"
)

// Registry holds pairing records keyed by local button ID. Writes to one
// record are serialized; List returns a snapshot.
type Registry struct {
	store store.Store

	// saveMu orders snapshots taken by Save.
	saveMu sync.Mutex

	mu      sync.RWMutex
	loaded  bool
	order   []string
	entries map[string]*entry
}

type entry struct {
	mu  sync.Mutex
	rec button.Record
	// forgotten is closed when the record is removed.
	forgotten chan struct{}
}

func newEntry(rec button.Record) *entry {
	rec.Nickname = button.TruncateNickname(rec.Nickname)
	return &entry{rec: rec.Clone(), forgotten: make(chan struct{})}
}

func (e *entry) snapshot() button.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.Clone()
}

// New creates an unloaded registry over s.
func New(s store.Store) *Registry {
	return &Registry{
		store:   s,
		entries: make(map[string]*entry),
	}
}

// Load restores the persisted records. Every other operation fails with
// button.ErrNotLoaded until Load succeeds.
func (r *Registry) Load(ctx context.Context) error {
	records, err := r.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("registry: load: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		return errors.New("registry: already loaded")
	}
	for _, rec := range records {
		if rec.ID == "" {
			slog.Warn("[REGISTRY] skipping record without id", "uuid", rec.UUID)
			continue
		}
		if _, dup := r.entries[rec.ID]; dup {
			slog.Warn("[REGISTRY] skipping duplicate record", "id", rec.ID)
			continue
		}
		r.entries[rec.ID] = newEntry(rec)
		r.order = append(r.order, rec.ID)
	}
	r.loaded = true
	slog.Info("[REGISTRY] loaded", "buttons", len(r.order))
	return nil
}

// Loaded reports whether Load has completed.
func (r *Registry) Loaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loaded
}

// List returns a snapshot of all records in insertion order.
func (r *Registry) List() ([]button.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.loaded {
		return nil, button.ErrNotLoaded
	}
	out := make([]button.Record, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id].snapshot())
	}
	return out, nil
}

// lookup returns the entry for id.
func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.loaded {
		return nil, button.ErrNotLoaded
	}
	e, ok := r.entries[id]
	if !ok {
		return nil, button.ErrAlreadyForgotten
	}
	return e, nil
}

// Get returns the record for id, or button.ErrAlreadyForgotten.
func (r *Registry) Get(id string) (button.Record, error) {
	e, err := r.lookup(id)
	if err != nil {
		return button.Record{}, err
	}
	return e.snapshot(), nil
}

// FindByAddress returns the record with the given bluetooth address.
func (r *Registry) FindByAddress(addr string) (button.Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		rec := r.entries[id].snapshot()
		if rec.Address == addr {
			return rec, true
		}
	}
	return button.Record{}, false
}

// Upsert adds rec or replaces the record with the same ID. The nickname is
// truncated to button.MaxNicknameBytes.
func (r *Registry) Upsert(rec button.Record) error {
	if rec.ID == "" {
		return errors.New("registry: record has no id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.loaded {
		return button.ErrNotLoaded
	}
	if e, ok := r.entries[rec.ID]; ok {
		e.mu.Lock()
		rec.Nickname = button.TruncateNickname(rec.Nickname)
		e.rec = rec.Clone()
		e.mu.Unlock()
		return nil
	}
	r.entries[rec.ID] = newEntry(rec)
	r.order = append(r.order, rec.ID)
	slog.Info("[REGISTRY] added", "id", rec.ID, "addr", rec.Address)
	return nil
}

// Update applies fn to the record for id under that record's lock and
// returns the result. The identity cannot be changed through Update.
func (r *Registry) Update(id string, fn func(*button.Record)) (button.Record, error) {
	e, err := r.lookup(id)
	if err != nil {
		return button.Record{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-e.forgotten:
		return button.Record{}, button.ErrAlreadyForgotten
	default:
	}
	rec := e.rec.Clone()
	fn(&rec)
	rec.Identity = e.rec.Identity
	rec.Nickname = button.TruncateNickname(rec.Nickname)
	e.rec = rec
	return rec.Clone(), nil
}

// Remove deletes the record for id and signals Forgotten watchers.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.loaded {
		return button.ErrNotLoaded
	}
	e, ok := r.entries[id]
	if !ok {
		return button.ErrAlreadyForgotten
	}
	delete(r.entries, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	e.mu.Lock()
	close(e.forgotten)
	e.mu.Unlock()
	slog.Info("[REGISTRY] removed", "id", id)
	return nil
}

// Forgotten returns a channel closed when the record for id is removed.
func (r *Registry) Forgotten(id string) (<-chan struct{}, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.forgotten, nil
}

// Save persists the current records.
func (r *Registry) Save(ctx context.Context) error {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	records, err := r.List()
	if err != nil {
		return err
	}
	if err := r.store.SaveAll(ctx, records); err != nil {
		slog.Error("[REGISTRY] save failed", "error", err)
		return fmt.Errorf("registry: save: %w", err)
	}
	return nil
}
