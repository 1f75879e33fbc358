package button

import "fmt"

// EventClass is the context an event is reported in. Each class only ever
// carries a fixed subset of event types.
type EventClass int

const (
	ClassUpOrDown EventClass = iota
	ClassClickOrHold
	ClassSingleOrDoubleClick
	ClassSingleOrDoubleClickOrHold
)

var classNames = [...]string{"up_or_down", "click_or_hold", "single_or_double_click", "single_or_double_click_or_hold"}

func (c EventClass) String() string {
	if c >= 0 && int(c) < len(classNames) {
		return classNames[c]
	}
	return fmt.Sprintf("EventClass(%d)", int(c))
}

// ParseEventClass parses the names produced by EventClass.String.
func ParseEventClass(s string) (EventClass, error) {
	for i, name := range classNames {
		if name == s {
			return EventClass(i), nil
		}
	}
	return 0, fmt.Errorf("button: unknown event class %q", s)
}

// Allows reports whether t may be emitted in class c.
func (c EventClass) Allows(t EventType) bool {
	switch c {
	case ClassUpOrDown:
		return t == TypeUp || t == TypeDown
	case ClassClickOrHold:
		return t == TypeClick || t == TypeHold
	case ClassSingleOrDoubleClick:
		return t == TypeSingleClick || t == TypeDoubleClick
	case ClassSingleOrDoubleClickOrHold:
		return t == TypeSingleClick || t == TypeDoubleClick || t == TypeHold
	}
	return false
}

// ClassSet is the set of event classes a consumer subscribes to.
type ClassSet uint8

// AllClasses subscribes to every event class.
const AllClasses ClassSet = 1<<ClassUpOrDown | 1<<ClassClickOrHold | 1<<ClassSingleOrDoubleClick | 1<<ClassSingleOrDoubleClickOrHold

// Classes builds a set from the given classes.
func Classes(cs ...EventClass) ClassSet {
	var s ClassSet
	for _, c := range cs {
		s |= 1 << c
	}
	return s
}

// Has reports whether c is in the set.
func (s ClassSet) Has(c EventClass) bool {
	return s&(1<<c) != 0
}

// EventType is the kind of a public interaction event.
type EventType int

const (
	TypeUp EventType = iota
	TypeDown
	TypeClick
	TypeSingleClick
	TypeDoubleClick
	TypeHold
)

var typeNames = [...]string{"up", "down", "click", "single_click", "double_click", "hold"}

func (t EventType) String() string {
	if t >= 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// Gesture is the swipe recognized over one press.
type Gesture int

const (
	GestureNone Gesture = iota
	GestureUnrecognized
	GestureLeft
	GestureRight
	GestureUp
	GestureDown
)

var gestureNames = [...]string{"none", "unrecognized", "left", "right", "up", "down"}

func (g Gesture) String() string {
	if g >= 0 && int(g) < len(gestureNames) {
		return gestureNames[g]
	}
	return fmt.Sprintf("Gesture(%d)", int(g))
}

// Event is a classified interaction, immutable once produced.
type Event struct {
	Class   EventClass
	Type    EventType
	Counter uint32
	Slot    uint8
	Queued  bool
	// Age in whole seconds, zero for live events.
	Age     int
	Accel   Accel
	Gesture Gesture
	// HeldHalfSecond is set when the button was down at least 0.5s.
	HeldHalfSecond bool
}

func (e Event) String() string {
	s := fmt.Sprintf("%s/%s #%d slot=%d", e.Class, e.Type, e.Counter, e.Slot)
	if e.Queued {
		s += fmt.Sprintf(" queued age=%ds", e.Age)
	}
	if e.Gesture != GestureNone {
		s += " gesture=" + e.Gesture.String()
	}
	return s
}
