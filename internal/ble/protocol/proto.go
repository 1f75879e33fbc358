// Package protocol encodes the frames exchanged with a button over its link.
// Frames use the protobuf wire format; field 1 of every frame is its kind.
package protocol

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/chaz8081/flicd/internal/button"
)

// Kind identifies the message carried by a frame.
type Kind uint32

const (
	KindButtonEdge Kind = iota + 1
	KindBattery
	KindNickname
	KindVerifyRequest
	KindVerifyChallenge
	KindVerifyRejected
	KindPairRequest
	KindPairResponse
	KindPairRejected
	KindSetNickname
	KindSetLatencyMode
)

const kindField protowire.Number = 1

// RejectReason explains why a button refused a pairing or verification.
type RejectReason uint32

const (
	RejectUnknown RejectReason = iota
	// RejectNotPaired: the button no longer knows this pairing (factory reset or slot evicted).
	RejectNotPaired
	RejectMaxPairings
	RejectAlreadyConnected
	RejectPrivateMode
)

func (r RejectReason) String() string {
	switch r {
	case RejectNotPaired:
		return "not paired"
	case RejectMaxPairings:
		return "maximum pairings reached"
	case RejectAlreadyConnected:
		return "already connected to another host"
	case RejectPrivateMode:
		return "button is in private mode"
	default:
		return "unknown"
	}
}

// Message is a decoded frame.
type Message interface {
	Kind() Kind
	appendFields(b []byte) []byte
}

// ButtonEdge reports a press or release.
type ButtonEdge struct {
	Up        bool
	Counter   uint32
	Queued    bool
	AgeMillis uint32
	Slot      uint8
	X, Y, Z   int8
}

// Battery reports a battery sample.
type Battery struct {
	Millivolts uint32
}

// Nickname is pushed by the button when another host renamed it.
type Nickname struct {
	Name string
}

// VerifyRequest opens the challenge on a freshly established link.
type VerifyRequest struct {
	PairingID string
	HostNonce []byte
}

// VerifyChallenge is the button's answer to a VerifyRequest.
type VerifyChallenge struct {
	DeviceNonce []byte
	Tag         []byte
	// EventCount is the button's current event counter.
	EventCount uint32
}

// VerifyRejected means the button does not accept the pairing.
type VerifyRejected struct {
	Reason RejectReason
}

// PairRequest carries the host's compressed public key.
type PairRequest struct {
	HostPublicKey []byte
}

// PairResponse carries the button's public key and identity.
type PairResponse struct {
	DevicePublicKey []byte
	UUID            string
	SerialNumber    string
	Name            string
	Address         string
	Firmware        uint32
}

// PairRejected means the button refused a new pairing.
type PairRejected struct {
	Reason RejectReason
}

// SetNickname writes the nickname to the button.
type SetNickname struct {
	Name string
}

// SetLatencyMode writes the latency mode to the button.
type SetLatencyMode struct {
	Mode uint32
}

func (ButtonEdge) Kind() Kind      { return KindButtonEdge }
func (Battery) Kind() Kind         { return KindBattery }
func (Nickname) Kind() Kind        { return KindNickname }
func (VerifyRequest) Kind() Kind   { return KindVerifyRequest }
func (VerifyChallenge) Kind() Kind { return KindVerifyChallenge }
func (VerifyRejected) Kind() Kind  { return KindVerifyRejected }
func (PairRequest) Kind() Kind     { return KindPairRequest }
func (PairResponse) Kind() Kind    { return KindPairResponse }
func (PairRejected) Kind() Kind    { return KindPairRejected }
func (SetNickname) Kind() Kind     { return KindSetNickname }
func (SetLatencyMode) Kind() Kind  { return KindSetLatencyMode }

// Edge converts the frame to a raw edge.
func (m ButtonEdge) Edge() button.RawEdge {
	dir := button.Down
	if m.Up {
		dir = button.Up
	}
	e := button.RawEdge{
		Direction: dir,
		Counter:   m.Counter,
		Slot:      m.Slot,
		Queued:    m.Queued,
		Accel:     button.Accel{X: m.X, Y: m.Y, Z: m.Z},
	}
	if m.Queued {
		e.Age = time.Duration(m.AgeMillis) * time.Millisecond
	}
	return e
}

// EdgeFrame builds the frame for a raw edge.
func EdgeFrame(e button.RawEdge) ButtonEdge {
	return ButtonEdge{
		Up:        e.Direction == button.Up,
		Counter:   e.Counter,
		Queued:    e.Queued,
		AgeMillis: uint32(e.Age / time.Millisecond),
		Slot:      e.Slot,
		X:         e.Accel.X,
		Y:         e.Accel.Y,
		Z:         e.Accel.Z,
	}
}

// Volts returns the sample in volts.
func (m Battery) Volts() float32 {
	return float32(m.Millivolts) / 1000
}

// Marshal encodes m as a frame.
func Marshal(m Message) []byte {
	var b []byte
	b = appendVarint(b, kindField, uint64(m.Kind()))
	return m.appendFields(b)
}

func (m ButtonEdge) appendFields(b []byte) []byte {
	b = appendVarint(b, 2, protowire.EncodeBool(m.Up))
	b = appendVarint(b, 3, uint64(m.Counter))
	b = appendVarint(b, 4, protowire.EncodeBool(m.Queued))
	b = appendVarint(b, 5, uint64(m.AgeMillis))
	b = appendVarint(b, 6, uint64(m.Slot))
	b = appendVarint(b, 7, protowire.EncodeZigZag(int64(m.X)))
	b = appendVarint(b, 8, protowire.EncodeZigZag(int64(m.Y)))
	b = appendVarint(b, 9, protowire.EncodeZigZag(int64(m.Z)))
	return b
}

func (m Battery) appendFields(b []byte) []byte {
	return appendVarint(b, 2, uint64(m.Millivolts))
}

func (m Nickname) appendFields(b []byte) []byte {
	return appendBytes(b, 2, []byte(m.Name))
}

func (m VerifyRequest) appendFields(b []byte) []byte {
	b = appendBytes(b, 2, []byte(m.PairingID))
	return appendBytes(b, 3, m.HostNonce)
}

func (m VerifyChallenge) appendFields(b []byte) []byte {
	b = appendBytes(b, 2, m.DeviceNonce)
	b = appendBytes(b, 3, m.Tag)
	return appendVarint(b, 4, uint64(m.EventCount))
}

func (m VerifyRejected) appendFields(b []byte) []byte {
	return appendVarint(b, 2, uint64(m.Reason))
}

func (m PairRequest) appendFields(b []byte) []byte {
	return appendBytes(b, 2, m.HostPublicKey)
}

func (m PairResponse) appendFields(b []byte) []byte {
	b = appendBytes(b, 2, m.DevicePublicKey)
	b = appendBytes(b, 3, []byte(m.UUID))
	b = appendBytes(b, 4, []byte(m.SerialNumber))
	b = appendBytes(b, 5, []byte(m.Name))
	b = appendBytes(b, 6, []byte(m.Address))
	return appendVarint(b, 7, uint64(m.Firmware))
}

func (m PairRejected) appendFields(b []byte) []byte {
	return appendVarint(b, 2, uint64(m.Reason))
}

func (m SetNickname) appendFields(b []byte) []byte {
	return appendBytes(b, 2, []byte(m.Name))
}

func (m SetLatencyMode) appendFields(b []byte) []byte {
	return appendVarint(b, 2, uint64(m.Mode))
}

// fields holds the scalar and bytes fields of one frame by number.
type fields struct {
	varints map[protowire.Number]uint64
	bytes   map[protowire.Number][]byte
}

func (f fields) u32(n protowire.Number) uint32 { return uint32(f.varints[n]) }
func (f fields) flag(n protowire.Number) bool  { return protowire.DecodeBool(f.varints[n]) }
func (f fields) i8(n protowire.Number) int8    { return int8(protowire.DecodeZigZag(f.varints[n])) }
func (f fields) str(n protowire.Number) string { return string(f.bytes[n]) }

func (f fields) raw(n protowire.Number) []byte {
	v := f.bytes[n]
	if v == nil {
		return nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

// Unmarshal decodes a frame. Unknown fields are skipped.
func Unmarshal(data []byte) (Message, error) {
	f := fields{
		varints: make(map[protowire.Number]uint64),
		bytes:   make(map[protowire.Number][]byte),
	}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("protocol: reading tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("protocol: reading varint for field %d: %w", num, protowire.ParseError(n))
			}
			f.varints[num] = v
			data = data[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("protocol: reading bytes for field %d: %w", num, protowire.ParseError(n))
			}
			f.bytes[num] = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("protocol: skipping field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	kind, ok := f.varints[kindField]
	if !ok {
		return nil, errors.New("protocol: frame has no kind")
	}

	switch Kind(kind) {
	case KindButtonEdge:
		return ButtonEdge{
			Up:        f.flag(2),
			Counter:   f.u32(3),
			Queued:    f.flag(4),
			AgeMillis: f.u32(5),
			Slot:      uint8(f.varints[6]),
			X:         f.i8(7),
			Y:         f.i8(8),
			Z:         f.i8(9),
		}, nil
	case KindBattery:
		return Battery{Millivolts: f.u32(2)}, nil
	case KindNickname:
		return Nickname{Name: f.str(2)}, nil
	case KindVerifyRequest:
		return VerifyRequest{PairingID: f.str(2), HostNonce: f.raw(3)}, nil
	case KindVerifyChallenge:
		return VerifyChallenge{DeviceNonce: f.raw(2), Tag: f.raw(3), EventCount: f.u32(4)}, nil
	case KindVerifyRejected:
		return VerifyRejected{Reason: RejectReason(f.u32(2))}, nil
	case KindPairRequest:
		return PairRequest{HostPublicKey: f.raw(2)}, nil
	case KindPairResponse:
		return PairResponse{
			DevicePublicKey: f.raw(2),
			UUID:            f.str(3),
			SerialNumber:    f.str(4),
			Name:            f.str(5),
			Address:         f.str(6),
			Firmware:        f.u32(7),
		}, nil
	case KindPairRejected:
		return PairRejected{Reason: RejectReason(f.u32(2))}, nil
	case KindSetNickname:
		return SetNickname{Name: f.str(2)}, nil
	case KindSetLatencyMode:
		return SetLatencyMode{Mode: f.u32(2)}, nil
	default:
		return nil, fmt.Errorf("protocol: unknown frame kind %d", kind)
	}
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}
