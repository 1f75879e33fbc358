package scanner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chaz8081/flicd/internal/ble"
	"github.com/chaz8081/flicd/internal/ble/crypto"
	"github.com/chaz8081/flicd/internal/ble/protocol"
	"github.com/chaz8081/flicd/internal/button"
)

// RejectedError reports a button that refused to pair.
type RejectedError struct {
	Reason protocol.RejectReason
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("pairing rejected: %s", e.Reason)
}

// pairing is what a successful pairing exchange learned about the button.
type pairing struct {
	uuid       string
	serial     string
	name       string
	firmware   uint32
	material   []byte
	eventCount uint32
}

// pairLink buffers the callbacks of the temporary pairing link.
type pairLink struct {
	states chan linkEvent
	frames chan []byte
}

type linkEvent struct {
	state ble.LinkState
	err   error
}

func newPairLink() *pairLink {
	return &pairLink{
		states: make(chan linkEvent, 4),
		frames: make(chan []byte, 16),
	}
}

// LinkStateChanged queues a state change. When the backlog is full the
// oldest state is superseded, so a final LinkDown is never lost.
func (l *pairLink) LinkStateChanged(state ble.LinkState, err error) {
	ev := linkEvent{state, err}
	for {
		select {
		case l.states <- ev:
			return
		default:
		}
		select {
		case old := <-l.states:
			slog.Debug("[SCAN] superseded pairing link state", "state", old.state)
		default:
		}
	}
}

func (l *pairLink) FrameReceived(frame []byte) {
	select {
	case l.frames <- frame:
	default:
		slog.Warn("[SCAN] dropping frame, pairing link backlog full")
	}
}

func (l *pairLink) awaitUp(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return &button.ConnectionFailedError{Cause: context.Cause(ctx)}
	case ev := <-l.states:
		if ev.state != ble.LinkUp {
			return &button.ConnectionFailedError{Cause: ev.err}
		}
		return nil
	}
}

// next returns the next well-formed frame from the button.
func (l *pairLink) next(ctx context.Context) (protocol.Message, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		case ev := <-l.states:
			if ev.state != ble.LinkUp {
				return nil, &button.ConnectionFailedError{Cause: ev.err}
			}
		case frame := <-l.frames:
			m, err := protocol.Unmarshal(frame)
			if err != nil {
				slog.Warn("[SCAN] dropping malformed frame", "error", err)
				continue
			}
			return m, nil
		}
	}
}

// pair connects to adv, agrees a pairing key with ECDH and verifies that the
// button derived the same material.
func (s *Scanner) pair(ctx context.Context, adv button.Advertisement, status func(StatusEvent)) (*pairing, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.PairTimeout)
	defer cancel()

	link := newPairLink()
	if err := s.tr.Connect(adv.Address, link); err != nil {
		return nil, &button.ConnectionFailedError{Cause: err}
	}
	defer func() {
		if err := s.tr.Disconnect(adv.Address); err != nil {
			slog.Warn("[SCAN] closing pairing link failed", "addr", adv.Address, "error", err)
		}
	}()

	if err := link.awaitUp(ctx); err != nil {
		return nil, err
	}
	status(StatusEvent{Status: StatusConnected, Address: adv.Address, Name: adv.Name})

	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := s.tr.Send(adv.Address, protocol.Marshal(protocol.PairRequest{HostPublicKey: crypto.CompressPublicKey(pub)})); err != nil {
		return nil, fmt.Errorf("scanner: send public key: %w", err)
	}

	var resp protocol.PairResponse
	for got := false; !got; {
		m, err := link.next(ctx)
		if err != nil {
			return nil, err
		}
		switch m := m.(type) {
		case protocol.PairResponse:
			resp, got = m, true
		case protocol.PairRejected:
			return nil, &RejectedError{Reason: m.Reason}
		}
	}

	peer, err := crypto.ParseCompressedPublicKey(resp.DevicePublicKey)
	if err != nil {
		return nil, fmt.Errorf("scanner: parse button public key: %w", err)
	}
	material, err := crypto.DerivePairingMaterial(priv, peer, resp.UUID)
	if err != nil {
		return nil, err
	}
	slog.Info("[SCAN] paired, verifying", "addr", adv.Address, "uuid", resp.UUID, "serial", resp.SerialNumber)

	eventCount, err := s.verify(ctx, adv, link, resp.UUID, material, status)
	if err != nil {
		return nil, err
	}

	name := resp.Name
	if name == "" {
		name = adv.Name
	}
	return &pairing{
		uuid:       resp.UUID,
		serial:     resp.SerialNumber,
		name:       name,
		firmware:   resp.Firmware,
		material:   material,
		eventCount: eventCount,
	}, nil
}

// verify runs the link challenge with freshly derived material and returns
// the button's current event counter.
func (s *Scanner) verify(ctx context.Context, adv button.Advertisement, link *pairLink, buttonUUID string, material []byte, status func(StatusEvent)) (uint32, error) {
	nonce, err := crypto.NewNonce()
	if err != nil {
		return 0, err
	}
	if err := s.tr.Send(adv.Address, protocol.Marshal(protocol.VerifyRequest{PairingID: buttonUUID, HostNonce: nonce})); err != nil {
		return 0, fmt.Errorf("scanner: send verify request: %w", err)
	}

	for {
		m, err := link.next(ctx)
		if err != nil {
			return 0, err
		}
		switch m := m.(type) {
		case protocol.VerifyChallenge:
			res := s.verifier.Verify(button.Identity{UUID: buttonUUID, Address: adv.Address}, material, ble.Challenge{
				HostNonce:   nonce,
				DeviceNonce: m.DeviceNonce,
				Tag:         m.Tag,
			})
			if res != ble.Pass {
				status(StatusEvent{Status: StatusVerificationFailed, Address: adv.Address, Name: adv.Name})
				return 0, button.ErrVerificationFailed
			}
			status(StatusEvent{Status: StatusVerified, Address: adv.Address, Name: adv.Name})
			return m.EventCount, nil
		case protocol.VerifyRejected:
			status(StatusEvent{Status: StatusVerificationFailed, Address: adv.Address, Name: adv.Name})
			return 0, fmt.Errorf("%w: %s", button.ErrVerificationFailed, m.Reason)
		}
	}
}
