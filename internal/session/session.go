// Package session implements the per-button connection state machine. A
// Session owns at most one transport link, verifies the button against its
// pairing record, and only then feeds raw edges to its classifier.
//
// Every state change happens on one loop goroutine: transport callbacks,
// frames, timers and API calls are posted to it as closures. Notifications
// are delivered in order on the channel returned by Events.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/flicd/internal/ble"
	"github.com/chaz8081/flicd/internal/ble/crypto"
	"github.com/chaz8081/flicd/internal/ble/protocol"
	"github.com/chaz8081/flicd/internal/button"
	"github.com/chaz8081/flicd/internal/classifier"
	"github.com/chaz8081/flicd/internal/clock"
	"github.com/chaz8081/flicd/internal/registry"
)

// State is the connection state of a Session.
type State int32

const (
	Disconnected State = iota
	Connecting
	LinkEstablished
	Verifying
	Ready
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case LinkEstablished:
		return "link_established"
	case Verifying:
		return "verifying"
	case Ready:
		return "ready"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options configures a Session.
type Options struct {
	// Classes selects the event classes the classifier produces.
	Classes            button.ClassSet
	HoldThreshold      time.Duration
	DoubleClickTimeout time.Duration
	// VerifyTimeout bounds the verification exchange once the link is up.
	VerifyTimeout time.Duration
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		Classes:            button.AllClasses,
		HoldThreshold:      time.Second,
		DoubleClickTimeout: 500 * time.Millisecond,
		VerifyTimeout:      10 * time.Second,
	}
}

// saveTimeout bounds registry writes made from the loop.
const saveTimeout = 5 * time.Second

// Session is the connection state machine of one button.
type Session struct {
	id        string
	reg       *registry.Registry
	transport ble.Transport
	verifier  ble.Verifier
	opts      Options
	clk       loopClock

	inbox     *queue[func()]
	out       *pump
	forgotten <-chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}

	state atomic.Int32

	// Loop-owned.
	linkGen     uint64
	addr        string
	hostNonce   []byte
	verifyTimer clock.Timer
	// early holds frames that arrived before Ready.
	early      []protocol.Message
	classifier *classifier.Classifier
}

// New creates a Session for the registered button id. The session stays
// Disconnected until Connect is called.
func New(id string, reg *registry.Registry, tr ble.Transport, v ble.Verifier, clk clock.Clock, opts Options) (*Session, error) {
	forgotten, err := reg.Forgotten(id)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	rec, err := reg.Get(id)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if opts.VerifyTimeout <= 0 {
		return nil, errors.New("session: verify timeout must be positive")
	}

	s := &Session{
		id:        id,
		reg:       reg,
		transport: tr,
		verifier:  v,
		opts:      opts,
		inbox:     newQueue[func()](),
		out:       newPump(),
		forgotten: forgotten,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	s.clk = loopClock{base: clk, post: s.post}
	s.classifier, err = classifier.New(classifier.Options{
		Classes:            opts.Classes,
		TriggerMode:        rec.TriggerMode,
		HoldThreshold:      opts.HoldThreshold,
		DoubleClickTimeout: opts.DoubleClickTimeout,
	}, s.clk, s.emitEvent)
	if err != nil {
		s.out.close()
		return nil, fmt.Errorf("session: %w", err)
	}

	go s.run()
	return s, nil
}

// loopClock runs timer callbacks on the session loop.
type loopClock struct {
	base clock.Clock
	post func(func())
}

func (c loopClock) Now() time.Time { return c.base.Now() }

func (c loopClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	return c.base.AfterFunc(d, func() { c.post(f) })
}

// linkHandler tags transport callbacks with the link generation they belong to.
type linkHandler struct {
	s   *Session
	gen uint64
}

func (h linkHandler) LinkStateChanged(state ble.LinkState, err error) {
	h.s.post(func() { h.s.onLinkState(h.gen, state, err) })
}

func (h linkHandler) FrameReceived(frame []byte) {
	h.s.post(func() { h.s.onFrame(h.gen, frame) })
}

// ID returns the registry id of the button.
func (s *Session) ID() string { return s.id }

// Events returns the ordered notification stream. It is closed after the
// session shuts down and every queued notification has been delivered.
func (s *Session) Events() <-chan Notification { return s.out.out }

// State returns the current connection state.
func (s *Session) State() State { return State(s.state.Load()) }

// IsReady reports whether the session is verified and delivering events.
func (s *Session) IsReady() bool { return s.State() == Ready }

// Record returns a snapshot of the button's pairing record.
func (s *Session) Record() (button.Record, error) {
	return s.reg.Get(s.id)
}

// IsUnpaired reports whether the button rejected its stored pairing.
func (s *Session) IsUnpaired() bool {
	rec, err := s.reg.Get(s.id)
	return err == nil && rec.Unpaired
}

// PressCount returns the last event counter seen from the button.
func (s *Session) PressCount() uint32 {
	rec, _ := s.reg.Get(s.id)
	return rec.LastEventCount
}

// BatteryVoltage returns the last reported battery voltage, zero if unknown.
func (s *Session) BatteryVoltage() float32 {
	rec, _ := s.reg.Get(s.id)
	return rec.BatteryVoltage
}

// FirmwareRevision returns the firmware revision recorded at pairing.
func (s *Session) FirmwareRevision() uint32 {
	rec, _ := s.reg.Get(s.id)
	return rec.FirmwareRevision
}

// Connect starts a pending connection. It returns without waiting for the
// link; progress is reported on Events. Calling Connect while already
// connecting or connected does nothing.
func (s *Session) Connect() error {
	return s.call(s.connect)
}

// Disconnect cancels a pending connection or drops the link, along with any
// verification in progress and armed classifier timers.
func (s *Session) Disconnect() error {
	return s.call(func() error {
		s.disconnect(nil)
		return nil
	})
}

// SetNickname stores a nickname, truncated to fit, and pushes it to a ready
// button.
func (s *Session) SetNickname(ctx context.Context, name string) error {
	rec, err := s.reg.Update(s.id, func(r *button.Record) { r.Nickname = name })
	if err != nil {
		return fmt.Errorf("session: set nickname: %w", err)
	}
	if err := s.reg.Save(ctx); err != nil {
		return fmt.Errorf("session: set nickname: %w", err)
	}
	return s.call(func() error {
		return s.sendIfReady(protocol.SetNickname{Name: rec.Nickname})
	})
}

// SetTriggerMode stores the trigger mode and applies it to the classifier.
// Presses in progress are dropped.
func (s *Session) SetTriggerMode(ctx context.Context, m button.TriggerMode) error {
	if _, err := s.reg.Update(s.id, func(r *button.Record) { r.TriggerMode = m }); err != nil {
		return fmt.Errorf("session: set trigger mode: %w", err)
	}
	if err := s.reg.Save(ctx); err != nil {
		return fmt.Errorf("session: set trigger mode: %w", err)
	}
	return s.call(func() error {
		s.classifier.SetTriggerMode(m)
		return nil
	})
}

// SetLatencyMode stores the latency mode and pushes it to a ready button.
func (s *Session) SetLatencyMode(ctx context.Context, m button.LatencyMode) error {
	if _, err := s.reg.Update(s.id, func(r *button.Record) { r.LatencyMode = m }); err != nil {
		return fmt.Errorf("session: set latency mode: %w", err)
	}
	if err := s.reg.Save(ctx); err != nil {
		return fmt.Errorf("session: set latency mode: %w", err)
	}
	return s.call(func() error {
		return s.sendIfReady(protocol.SetLatencyMode{Mode: uint32(m)})
	})
}

// Close drops the link and stops the session. Events is closed once the
// remaining notifications are delivered. Close is idempotent.
func (s *Session) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// Done is closed when the session has stopped, either by Close or because
// the button was forgotten.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) post(f func()) {
	s.inbox.push(f)
}

// call runs f on the loop and waits for its result.
func (s *Session) call(f func() error) error {
	result := make(chan error, 1)
	s.post(func() { result <- f() })
	select {
	case err := <-result:
		return err
	case <-s.done:
		select {
		case err := <-result:
			return err
		default:
			return fmt.Errorf("session: %w", button.ErrClosed)
		}
	}
}

func (s *Session) run() {
	defer close(s.done)
	defer s.out.close()
	for {
		select {
		case <-s.inbox.signal:
			for _, f := range s.inbox.drain() {
				f()
			}
		case <-s.forgotten:
			slog.Info("[SESSION] button forgotten, tearing down", "id", s.id)
			s.disconnect(button.ErrAlreadyForgotten)
			return
		case <-s.stop:
			s.disconnect(button.ErrClosed)
			return
		}
	}
}

func (s *Session) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	if old != st {
		slog.Debug("[SESSION] state changed", "id", s.id, "from", old, "to", st)
	}
}

func (s *Session) notify(n Notification) {
	n.ButtonID = s.id
	s.out.push(n)
}

func (s *Session) emitEvent(e button.Event) {
	s.notify(Notification{Kind: NotifyButtonEvent, Event: e})
}

func (s *Session) connect() error {
	rec, err := s.reg.Get(s.id)
	if err != nil {
		return fmt.Errorf("session: connect: %w", err)
	}
	if rec.Unpaired {
		return fmt.Errorf("session: connect: %w", button.ErrUnpaired)
	}
	if s.State() != Disconnected {
		return nil
	}

	s.linkGen++
	s.addr = rec.Address
	s.setState(Connecting)
	slog.Info("[SESSION] connecting", "id", s.id, "addr", rec.Address)

	if err := s.transport.Connect(rec.Address, linkHandler{s: s, gen: s.linkGen}); err != nil {
		s.reset()
		cerr := &button.ConnectionFailedError{Cause: err}
		s.notify(Notification{Kind: NotifyFailedToConnect, Err: cerr})
		return fmt.Errorf("session: connect: %w", cerr)
	}
	return nil
}

// disconnect drops the link locally and reports Disconnected with cause.
func (s *Session) disconnect(cause error) {
	if s.State() == Disconnected {
		return
	}
	if err := s.transport.Disconnect(s.addr); err != nil {
		slog.Warn("[SESSION] transport disconnect failed", "id", s.id, "error", err)
	}
	s.reset()
	s.notify(Notification{Kind: NotifyDisconnected, Err: cause})
}

// reset returns to Disconnected, invalidating callbacks from the old link.
func (s *Session) reset() {
	if s.verifyTimer != nil {
		s.verifyTimer.Stop()
		s.verifyTimer = nil
	}
	s.classifier.Reset()
	s.early = nil
	s.hostNonce = nil
	s.linkGen++
	s.setState(Disconnected)
	s.save()
}

func (s *Session) save() {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := s.reg.Save(ctx); err != nil {
		slog.Error("[SESSION] saving registry failed", "id", s.id, "error", err)
	}
}

func (s *Session) onLinkState(gen uint64, state ble.LinkState, err error) {
	if gen != s.linkGen {
		return
	}
	switch state {
	case ble.LinkUp:
		if s.State() != Connecting {
			return
		}
		s.setState(LinkEstablished)
		slog.Info("[SESSION] link established", "id", s.id, "addr", s.addr)
		s.notify(Notification{Kind: NotifyConnected})
		s.beginVerification()

	case ble.LinkFailed:
		if s.State() == Connecting {
			slog.Warn("[SESSION] connection failed", "id", s.id, "error", err)
			s.reset()
			s.notify(Notification{Kind: NotifyFailedToConnect, Err: &button.ConnectionFailedError{Cause: err}})
			return
		}
		s.linkLost(err)

	case ble.LinkDown:
		s.linkLost(err)
	}
}

// linkLost handles a link dropped by the transport. Only a link that had
// not finished verifying surfaces an error.
func (s *Session) linkLost(err error) {
	st := s.State()
	if st == Disconnected {
		return
	}
	slog.Info("[SESSION] link lost", "id", s.id, "state", st, "error", err)
	var cause error
	if st != Ready || err != nil {
		cause = &button.ConnectionFailedError{Cause: err}
	}
	s.reset()
	s.notify(Notification{Kind: NotifyDisconnected, Err: cause})
}

// fail drops a link that cannot continue.
func (s *Session) fail(err error) {
	slog.Warn("[SESSION] dropping link", "id", s.id, "error", err)
	s.disconnect(&button.ConnectionFailedError{Cause: err})
}

func (s *Session) beginVerification() {
	rec, err := s.reg.Get(s.id)
	if err != nil {
		s.fail(err)
		return
	}
	nonce, err := crypto.NewNonce()
	if err != nil {
		s.fail(err)
		return
	}
	s.setState(Verifying)
	s.hostNonce = nonce

	gen := s.linkGen
	s.verifyTimer = s.clk.AfterFunc(s.opts.VerifyTimeout, func() {
		if gen == s.linkGen && s.State() == Verifying {
			s.fail(button.ErrVerificationTimeout)
		}
	})
	if err := s.send(protocol.VerifyRequest{PairingID: rec.UUID, HostNonce: nonce}); err != nil {
		s.fail(err)
	}
}
