// Package scanner finds a button in public mode, pairs with it, verifies
// the new pairing and registers it.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/flicd/internal/ble"
	"github.com/chaz8081/flicd/internal/button"
	"github.com/chaz8081/flicd/internal/clock"
	"github.com/chaz8081/flicd/internal/registry"
)

// Status is a progress notification emitted during a scan.
type Status int

const (
	// StatusDiscovered: a pairable button was found and discovery stopped.
	StatusDiscovered Status = iota
	// StatusConnected: the pairing link is up.
	StatusConnected
	// StatusVerified: the new pairing passed verification.
	StatusVerified
	// StatusVerificationFailed: the button failed verification right after pairing.
	StatusVerificationFailed
)

func (s Status) String() string {
	switch s {
	case StatusDiscovered:
		return "discovered"
	case StatusConnected:
		return "connected"
	case StatusVerified:
		return "verified"
	case StatusVerificationFailed:
		return "verification_failed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// StatusEvent reports scan progress for one candidate button.
type StatusEvent struct {
	Status  Status
	Address string
	Name    string
}

// Options configures scanning.
type Options struct {
	// Timeout bounds discovery.
	Timeout time.Duration
	// PairTimeout bounds the pairing and verification exchange.
	PairTimeout time.Duration
}

// DefaultOptions returns sensible defaults for production use.
func DefaultOptions() Options {
	return Options{
		Timeout:     30 * time.Second,
		PairTimeout: 10 * time.Second,
	}
}

// Scanner runs one scan at a time.
type Scanner struct {
	reg      *registry.Registry
	tr       ble.Transport
	verifier ble.Verifier
	clk      clock.Clock
	opts     Options
	newID    func() string

	// mu serializes Stop against the final registration of a scan.
	mu     sync.Mutex
	active *scan
}

type scan struct {
	cancel    context.CancelCauseFunc
	committed bool
}

// New creates a Scanner registering new buttons in reg.
func New(reg *registry.Registry, tr ble.Transport, v ble.Verifier, clk clock.Clock, opts Options) *Scanner {
	return &Scanner{
		reg:      reg,
		tr:       tr,
		verifier: v,
		clk:      clk,
		opts:     opts,
		newID:    uuid.NewString,
	}
}

// Scan discovers, pairs and registers one new button. status, if non-nil,
// is called synchronously with progress. Scan resolves exactly once: with
// the new record, button.ErrScanCancelled after Stop or ctx cancellation,
// or a *button.ScanFailedError. A failed scan leaves the registry untouched.
func (s *Scanner) Scan(ctx context.Context, status func(StatusEvent)) (button.Record, error) {
	if _, err := s.reg.List(); err != nil {
		return button.Record{}, fmt.Errorf("scanner: %w", err)
	}
	if status == nil {
		status = func(StatusEvent) {}
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		return button.Record{}, button.ErrScanInProgress
	}
	sc := &scan{cancel: cancel}
	s.active = sc
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.active = nil
		s.mu.Unlock()
	}()

	slog.Info("[SCAN] scanning for buttons", "timeout", s.opts.Timeout)
	adv, err := s.discover(ctx)
	if err != nil {
		return button.Record{}, s.failure(ctx, err)
	}
	status(StatusEvent{Status: StatusDiscovered, Address: adv.Address, Name: adv.Name})

	p, err := s.pair(ctx, adv, status)
	if err != nil {
		return button.Record{}, s.failure(ctx, err)
	}

	rec, err := s.commit(ctx, sc, adv, p)
	if err != nil {
		return button.Record{}, s.failure(ctx, err)
	}
	slog.Info("[SCAN] button registered", "id", rec.ID, "addr", rec.Address, "serial", rec.SerialNumber)
	return rec, nil
}

// Stop cancels the scan in progress, which then resolves with
// button.ErrScanCancelled. Stop without a scan, or after the scan has
// registered its button, does nothing.
func (s *Scanner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil && !s.active.committed {
		slog.Info("[SCAN] stopping scan")
		s.active.cancel(button.ErrScanCancelled)
	}
}

func (s *Scanner) failure(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		slog.Info("[SCAN] scan cancelled", "cause", context.Cause(ctx))
		return button.ErrScanCancelled
	}
	slog.Warn("[SCAN] scan failed", "error", err)
	return &button.ScanFailedError{Cause: err}
}

// discover returns the first pairable button that is not registered yet.
func (s *Scanner) discover(ctx context.Context) (button.Advertisement, error) {
	dctx, stopDiscovery := context.WithTimeout(ctx, s.opts.Timeout)
	defer stopDiscovery()

	var sawPrivate atomic.Bool
	found := make(chan button.Advertisement, 1)
	errc := make(chan error, 1)
	go func() {
		errc <- s.tr.Discover(dctx, func(adv button.Advertisement) {
			if _, ok := s.reg.FindByAddress(adv.Address); ok {
				return
			}
			if !adv.Pairable {
				if !sawPrivate.Swap(true) {
					slog.Info("[SCAN] found button in private mode, hold it for 7 seconds to pair", "addr", adv.Address)
				}
				return
			}
			select {
			case found <- adv:
			default:
			}
		})
	}()

	select {
	case adv := <-found:
		stopDiscovery()
		<-errc
		slog.Info("[SCAN] discovered button", "addr", adv.Address, "name", adv.Name, "rssi", adv.RSSI)
		return adv, nil
	case err := <-errc:
		if err != nil && dctx.Err() == nil {
			return button.Advertisement{}, fmt.Errorf("scanner: discovery: %w", err)
		}
	case <-dctx.Done():
		<-errc
	}

	select {
	case adv := <-found:
		return adv, nil
	default:
	}
	if ctx.Err() != nil {
		return button.Advertisement{}, context.Cause(ctx)
	}
	if sawPrivate.Load() {
		return button.Advertisement{}, button.ErrButtonIsPrivate
	}
	return button.Advertisement{}, button.ErrNoButtonFound
}

// commit registers the paired button unless the scan was stopped first.
func (s *Scanner) commit(ctx context.Context, sc *scan, adv button.Advertisement, p *pairing) (button.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return button.Record{}, err
	}

	id := s.newID()
	records, err := s.reg.List()
	if err != nil {
		return button.Record{}, fmt.Errorf("scanner: %w", err)
	}
	var previous *button.Record
	for i := range records {
		if records[i].UUID == p.uuid {
			previous = &records[i]
			id = previous.ID
			break
		}
	}

	rec := button.Record{
		Identity: button.Identity{
			ID:           id,
			UUID:         p.uuid,
			Address:      adv.Address,
			SerialNumber: p.serial,
		},
		Name:             p.name,
		Material:         p.material,
		LastEventCount:   p.eventCount,
		FirmwareRevision: p.firmware,
		PairedAt:         s.clk.Now(),
	}
	if previous != nil {
		rec.Nickname = previous.Nickname
		rec.TriggerMode = previous.TriggerMode
		rec.LatencyMode = previous.LatencyMode
	}

	if err := s.reg.Upsert(rec); err != nil {
		return button.Record{}, fmt.Errorf("scanner: register: %w", err)
	}
	if err := s.reg.Save(ctx); err != nil {
		s.rollback(rec, previous)
		return button.Record{}, fmt.Errorf("scanner: register: %w", err)
	}
	sc.committed = true
	return s.reg.Get(id)
}

func (s *Scanner) rollback(rec button.Record, previous *button.Record) {
	var err error
	if previous != nil {
		err = s.reg.Upsert(*previous)
	} else {
		err = s.reg.Remove(rec.ID)
	}
	if err != nil && !errors.Is(err, button.ErrAlreadyForgotten) {
		slog.Error("[SCAN] rolling back registration failed", "id", rec.ID, "error", err)
	}
}
