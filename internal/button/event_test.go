package button

import (
	"errors"
	"testing"
)

func TestEventClassAllows(t *testing.T) {
	tests := []struct {
		class EventClass
		typ   EventType
		want  bool
	}{
		{ClassUpOrDown, TypeUp, true},
		{ClassUpOrDown, TypeClick, false},
		{ClassClickOrHold, TypeClick, true},
		{ClassClickOrHold, TypeHold, true},
		{ClassClickOrHold, TypeSingleClick, false},
		{ClassSingleOrDoubleClick, TypeDoubleClick, true},
		{ClassSingleOrDoubleClick, TypeHold, false},
		{ClassSingleOrDoubleClickOrHold, TypeHold, true},
		{ClassSingleOrDoubleClickOrHold, TypeClick, false},
	}
	for _, tt := range tests {
		if got := tt.class.Allows(tt.typ); got != tt.want {
			t.Errorf("%s.Allows(%s) = %v, want %v", tt.class, tt.typ, got, tt.want)
		}
	}
}

func TestClassSet(t *testing.T) {
	s := Classes(ClassClickOrHold, ClassSingleOrDoubleClick)
	if !s.Has(ClassClickOrHold) || !s.Has(ClassSingleOrDoubleClick) {
		t.Errorf("set %08b missing a member", s)
	}
	if s.Has(ClassUpOrDown) {
		t.Errorf("set %08b should not contain up_or_down", s)
	}
	for c := ClassUpOrDown; c <= ClassSingleOrDoubleClickOrHold; c++ {
		if !AllClasses.Has(c) {
			t.Errorf("AllClasses missing %s", c)
		}
	}
}

func TestParseRoundTrip(t *testing.T) {
	for c := ClassUpOrDown; c <= ClassSingleOrDoubleClickOrHold; c++ {
		got, err := ParseEventClass(c.String())
		if err != nil || got != c {
			t.Errorf("ParseEventClass(%q) = %v, %v", c.String(), got, err)
		}
	}
	for m := TriggerModeClickAndDoubleClickAndHold; m <= TriggerModeClick; m++ {
		got, err := ParseTriggerMode(m.String())
		if err != nil || got != m {
			t.Errorf("ParseTriggerMode(%q) = %v, %v", m.String(), got, err)
		}
	}
	if _, err := ParseLatencyMode("turbo"); err == nil {
		t.Error("ParseLatencyMode(turbo) should fail")
	}
}

func TestTriggerModeCapabilities(t *testing.T) {
	if TriggerModeClick.AllowsDoubleClick() || TriggerModeClick.AllowsHold() {
		t.Error("click mode should allow neither double click nor hold")
	}
	if !TriggerModeClickAndHold.AllowsHold() || TriggerModeClickAndHold.AllowsDoubleClick() {
		t.Error("click_hold mode should allow hold only")
	}
}

func TestErrorsUnwrap(t *testing.T) {
	err := &ScanFailedError{Cause: ErrNoButtonFound}
	if !errors.Is(err, ErrNoButtonFound) {
		t.Error("ScanFailedError should unwrap to its cause")
	}
	var cf *ConnectionFailedError
	if !errors.As(error(&ConnectionFailedError{Cause: ErrVerificationTimeout}), &cf) {
		t.Error("errors.As should match ConnectionFailedError")
	}
	if (&ConnectionFailedError{}).Error() != "connection failed" {
		t.Error("nil cause should render without suffix")
	}
}

func TestRecordClone(t *testing.T) {
	r := Record{Material: []byte{1, 2, 3}}
	c := r.Clone()
	c.Material[0] = 9
	if r.Material[0] != 1 {
		t.Error("Clone should deep-copy Material")
	}
}
