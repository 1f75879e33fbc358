// Package button holds the domain types shared by the driver: button identities,
// pairing records, raw hardware edges and the public interaction events the
// classifier produces from them.
package button

import (
	"fmt"
	"time"
)

// Identity is the immutable identity of one physical button.
type Identity struct {
	// ID is stable for this host installation only.
	ID string `yaml:"id"`
	// UUID is the globally unique identity string reported by the button.
	UUID         string `yaml:"uuid"`
	Address      string `yaml:"address"`
	SerialNumber string `yaml:"serial_number"`
}

// TriggerMode tells the classifier which synthesized event types the
// application wants. Dropping double click or hold lets clicks resolve sooner.
type TriggerMode int

const (
	TriggerModeClickAndDoubleClickAndHold TriggerMode = iota
	TriggerModeClickAndDoubleClick
	TriggerModeClickAndHold
	TriggerModeClick
)

var triggerModeNames = map[TriggerMode]string{
	TriggerModeClickAndDoubleClickAndHold: "click_double_click_hold",
	TriggerModeClickAndDoubleClick:        "click_double_click",
	TriggerModeClickAndHold:               "click_hold",
	TriggerModeClick:                      "click",
}

func (m TriggerMode) String() string {
	if s, ok := triggerModeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("TriggerMode(%d)", int(m))
}

// AllowsDoubleClick reports whether single clicks must wait out the double-click timeout.
func (m TriggerMode) AllowsDoubleClick() bool {
	return m == TriggerModeClickAndDoubleClickAndHold || m == TriggerModeClickAndDoubleClick
}

// AllowsHold reports whether a long press is reported as Hold.
func (m TriggerMode) AllowsHold() bool {
	return m == TriggerModeClickAndDoubleClickAndHold || m == TriggerModeClickAndHold
}

// ParseTriggerMode parses the names produced by TriggerMode.String.
func ParseTriggerMode(s string) (TriggerMode, error) {
	for m, name := range triggerModeNames {
		if name == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("button: unknown trigger mode %q", s)
}

// LatencyMode selects the connection interval the button uses.
type LatencyMode int

const (
	LatencyModeNormal LatencyMode = iota
	// LatencyModeLow costs significantly more battery.
	LatencyModeLow
)

func (m LatencyMode) String() string {
	switch m {
	case LatencyModeNormal:
		return "normal"
	case LatencyModeLow:
		return "low"
	default:
		return fmt.Sprintf("LatencyMode(%d)", int(m))
	}
}

// ParseLatencyMode parses "normal" or "low".
func ParseLatencyMode(s string) (LatencyMode, error) {
	switch s {
	case "normal":
		return LatencyModeNormal, nil
	case "low":
		return LatencyModeLow, nil
	default:
		return 0, fmt.Errorf("button: unknown latency mode %q", s)
	}
}

// Record is the persisted pairing of one button.
type Record struct {
	Identity

	Name     string
	Nickname string
	// Material is the pairing key. Only the verifier interprets it.
	Material []byte

	TriggerMode TriggerMode
	LatencyMode LatencyMode

	// LastEventCount never decreases except when the button reports a reboot.
	LastEventCount   uint32
	BatteryVoltage   float32
	FirmwareRevision uint32
	Unpaired         bool
	PairedAt         time.Time
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	if r.Material != nil {
		m := make([]byte, len(r.Material))
		copy(m, r.Material)
		r.Material = m
	}
	return r
}

// Direction is the edge direction of a raw hardware event.
type Direction int

const (
	Down Direction = iota
	Up
)

func (d Direction) String() string {
	if d == Down {
		return "down"
	}
	return "up"
}

// Accel is one accelerometer sample.
type Accel struct {
	X, Y, Z int8
}

// RawEdge is a press or release reported by a ready button.
type RawEdge struct {
	Direction Direction
	// Counter increases by one per edge.
	Counter uint32
	// Slot is 0, or 0/1 on dual-button hardware.
	Slot   uint8
	Queued bool
	// Age is how long ago the edge happened; zero for live edges.
	Age   time.Duration
	Accel Accel
}

// Advertisement is one discovery result.
type Advertisement struct {
	Address string
	Name    string
	RSSI    int
	// Pairable is set when the button is in public mode and accepts a new pairing.
	Pairable bool
}
