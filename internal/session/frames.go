package session

import (
	"fmt"
	"log/slog"

	"github.com/chaz8081/flicd/internal/ble"
	"github.com/chaz8081/flicd/internal/ble/protocol"
	"github.com/chaz8081/flicd/internal/button"
)

func (s *Session) send(m protocol.Message) error {
	if err := s.transport.Send(s.addr, protocol.Marshal(m)); err != nil {
		return fmt.Errorf("session: send %T: %w", m, err)
	}
	return nil
}

// sendIfReady sends m to a ready button. Otherwise the write stays local.
func (s *Session) sendIfReady(m protocol.Message) error {
	if s.State() != Ready {
		return nil
	}
	return s.send(m)
}

func (s *Session) onFrame(gen uint64, frame []byte) {
	if gen != s.linkGen {
		return
	}
	m, err := protocol.Unmarshal(frame)
	if err != nil {
		slog.Warn("[SESSION] dropping malformed frame", "id", s.id, "error", err)
		return
	}

	switch m := m.(type) {
	case protocol.VerifyChallenge:
		s.onChallenge(m)
	case protocol.VerifyRejected:
		if s.State() != Verifying {
			return
		}
		slog.Warn("[SESSION] button rejected pairing", "id", s.id, "reason", m.Reason)
		s.markUnpaired()
	case protocol.ButtonEdge, protocol.Battery, protocol.Nickname:
		switch s.State() {
		case Ready:
			s.handle(m)
		case LinkEstablished, Verifying:
			s.early = append(s.early, m)
		}
	default:
		slog.Debug("[SESSION] ignoring frame", "id", s.id, "kind", m.Kind())
	}
}

func (s *Session) onChallenge(m protocol.VerifyChallenge) {
	if s.State() != Verifying {
		return
	}
	if s.verifyTimer != nil {
		s.verifyTimer.Stop()
		s.verifyTimer = nil
	}

	rec, err := s.reg.Get(s.id)
	if err != nil {
		s.fail(err)
		return
	}
	res := s.verifier.Verify(rec.Identity, rec.Material, ble.Challenge{
		HostNonce:   s.hostNonce,
		DeviceNonce: m.DeviceNonce,
		Tag:         m.Tag,
	})
	if res != ble.Pass {
		slog.Warn("[SESSION] verification failed", "id", s.id)
		s.markUnpaired()
		return
	}

	// A counter behind the stored one means the button rebooted.
	from := rec.LastEventCount
	if m.EventCount < from {
		slog.Info("[SESSION] button counter went backwards, assuming reboot", "id", s.id, "stored", from, "reported", m.EventCount)
		from = 0
		if _, err := s.reg.Update(s.id, func(r *button.Record) { r.LastEventCount = 0 }); err != nil {
			s.fail(err)
			return
		}
	}

	s.hostNonce = nil
	s.setState(Ready)
	slog.Info("[SESSION] ready", "id", s.id, "backlog", m.EventCount-from)
	s.notify(Notification{Kind: NotifyReady})

	s.classifier.Reset()
	s.classifier.BeginReplay(from, m.EventCount)

	if rec.LatencyMode != button.LatencyModeNormal {
		if err := s.send(protocol.SetLatencyMode{Mode: uint32(rec.LatencyMode)}); err != nil {
			slog.Warn("[SESSION] pushing latency mode failed", "id", s.id, "error", err)
		}
	}

	early := s.early
	s.early = nil
	for _, m := range early {
		if s.State() != Ready {
			return
		}
		s.handle(m)
	}
}

func (s *Session) handle(m protocol.Message) {
	switch m := m.(type) {
	case protocol.ButtonEdge:
		e := m.Edge()
		_, err := s.reg.Update(s.id, func(r *button.Record) {
			if e.Counter > r.LastEventCount {
				r.LastEventCount = e.Counter
			}
		})
		if err != nil {
			slog.Warn("[SESSION] recording event counter failed", "id", s.id, "error", err)
		}
		s.classifier.Feed(e)

	case protocol.Battery:
		v := m.Volts()
		if _, err := s.reg.Update(s.id, func(r *button.Record) { r.BatteryVoltage = v }); err != nil {
			slog.Warn("[SESSION] recording battery voltage failed", "id", s.id, "error", err)
		}
		s.notify(Notification{Kind: NotifyBatteryChanged, BatteryVoltage: v})

	case protocol.Nickname:
		rec, err := s.reg.Update(s.id, func(r *button.Record) { r.Nickname = m.Name })
		if err != nil {
			slog.Warn("[SESSION] recording nickname failed", "id", s.id, "error", err)
			return
		}
		s.save()
		s.notify(Notification{Kind: NotifyNicknameChanged, Nickname: rec.Nickname})
	}
}

// markUnpaired records that the button no longer holds the pairing. Later
// connects fail with button.ErrUnpaired until the button is forgotten.
func (s *Session) markUnpaired() {
	if _, err := s.reg.Update(s.id, func(r *button.Record) { r.Unpaired = true }); err != nil {
		slog.Error("[SESSION] marking button unpaired failed", "id", s.id, "error", err)
	}
	if err := s.transport.Disconnect(s.addr); err != nil {
		slog.Warn("[SESSION] transport disconnect failed", "id", s.id, "error", err)
	}
	s.reset()
	s.notify(Notification{Kind: NotifyUnpaired, Err: button.ErrUnpaired})
	s.notify(Notification{Kind: NotifyDisconnected, Err: button.ErrUnpaired})
}
