// Package manager owns the driver's state: the pairing registry, one
// session per button and the scanner. It is constructed once at startup and
// torn down with Close.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chaz8081/flicd/internal/ble"
	"github.com/chaz8081/flicd/internal/button"
	"github.com/chaz8081/flicd/internal/clock"
	"github.com/chaz8081/flicd/internal/registry"
	"github.com/chaz8081/flicd/internal/scanner"
	"github.com/chaz8081/flicd/internal/session"
)

// Options configures the sessions and scans a Manager runs.
type Options struct {
	Session session.Options
	Scan    scanner.Options
}

// DefaultOptions returns sensible defaults for production use.
func DefaultOptions() Options {
	return Options{
		Session: session.DefaultOptions(),
		Scan:    scanner.DefaultOptions(),
	}
}

// Manager is the driver's entry point.
type Manager struct {
	reg      *registry.Registry
	tr       ble.Transport
	verifier ble.Verifier
	clk      clock.Clock
	opts     Options
	scanner  *scanner.Scanner

	events  chan session.Notification
	closing chan struct{}
	wg      sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session.Session
	closed   bool
}

// New creates a Manager. Call Start before anything else.
func New(reg *registry.Registry, tr ble.Transport, v ble.Verifier, clk clock.Clock, opts Options) *Manager {
	return &Manager{
		reg:      reg,
		tr:       tr,
		verifier: v,
		clk:      clk,
		opts:     opts,
		scanner:  scanner.New(reg, tr, v, clk, opts.Scan),
		events:   make(chan session.Notification),
		closing:  make(chan struct{}),
		sessions: make(map[string]*session.Session),
	}
}

// Start restores the persisted buttons and returns how many there are.
func (m *Manager) Start(ctx context.Context) (int, error) {
	if err := m.reg.Load(ctx); err != nil {
		return 0, fmt.Errorf("manager: %w", err)
	}
	records, err := m.reg.List()
	if err != nil {
		return 0, fmt.Errorf("manager: %w", err)
	}
	slog.Info("[MANAGER] restored buttons", "count", len(records))
	return len(records), nil
}

// Events merges the notifications of every session. Notifications of one
// button arrive in order. The channel is closed by Close.
func (m *Manager) Events() <-chan session.Notification { return m.events }

// Buttons lists the paired buttons.
func (m *Manager) Buttons() ([]button.Record, error) {
	records, err := m.reg.List()
	if err != nil {
		return nil, fmt.Errorf("manager: %w", err)
	}
	return records, nil
}

// Button returns the session of a paired button, creating it on first use.
func (m *Manager) Button(id string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("manager: %w", button.ErrClosed)
	}
	if s, ok := m.sessions[id]; ok {
		select {
		case <-s.Done():
			// Forgotten; a re-paired button gets a fresh session.
		default:
			return s, nil
		}
	}
	s, err := session.New(id, m.reg, m.tr, m.verifier, m.clk, m.opts.Session)
	if err != nil {
		return nil, fmt.Errorf("manager: %w", err)
	}
	m.sessions[id] = s
	m.wg.Add(1)
	go m.forward(s)
	return s, nil
}

// forward copies one session's notifications to the merged stream until
// the session stops.
func (m *Manager) forward(s *session.Session) {
	defer m.wg.Done()
	for n := range s.Events() {
		select {
		case m.events <- n:
		case <-m.closing:
		}
	}
	m.mu.Lock()
	if m.sessions[s.ID()] == s {
		delete(m.sessions, s.ID())
	}
	m.mu.Unlock()
}

// ConnectAll starts a pending connection to every button that is still
// paired.
func (m *Manager) ConnectAll() error {
	records, err := m.Buttons()
	if err != nil {
		return err
	}
	var errs []error
	for _, rec := range records {
		if rec.Unpaired {
			slog.Warn("[MANAGER] skipping unpaired button, forget and re-pair it", "id", rec.ID, "serial", rec.SerialNumber)
			continue
		}
		s, err := m.Button(rec.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.Connect(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Forget removes a button, tears down its session and persists the
// registry. Forgetting an unknown button fails with
// button.ErrAlreadyForgotten.
func (m *Manager) Forget(ctx context.Context, id string) error {
	m.mu.Lock()
	s := m.sessions[id]
	m.mu.Unlock()

	if err := m.reg.Remove(id); err != nil {
		return fmt.Errorf("manager: forget %s: %w", id, err)
	}
	if s != nil {
		<-s.Done()
	}
	if err := m.reg.Save(ctx); err != nil {
		return fmt.Errorf("manager: forget %s: %w", id, err)
	}
	slog.Info("[MANAGER] forgot button", "id", id)
	return nil
}

// Scan pairs a new button and starts connecting to it. See
// scanner.Scanner.Scan for the possible outcomes.
func (m *Manager) Scan(ctx context.Context, status func(scanner.StatusEvent)) (*session.Session, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("manager: %w", button.ErrClosed)
	}

	rec, err := m.scanner.Scan(ctx, status)
	if err != nil {
		return nil, err
	}
	s, err := m.Button(rec.ID)
	if err != nil {
		return nil, err
	}
	if err := s.Connect(); err != nil {
		return s, err
	}
	return s, nil
}

// StopScan cancels the scan in progress.
func (m *Manager) StopScan() {
	m.scanner.Stop()
}

// Close stops scanning, drops every link and closes Events.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sessions := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	m.scanner.Stop()
	for _, s := range sessions {
		s.Close()
	}
	close(m.closing)
	m.wg.Wait()
	close(m.events)
	slog.Info("[MANAGER] closed")
}
