// Package classifier turns the ordered raw edge stream of one button into
// public interaction events: up/down, click/hold, single/double click and
// single/double click/hold, with swipe gestures attached to release events.
//
// All timing is measured on hardware timestamps (arrival time minus the
// edge's age), so replayed queued edges classify exactly like live ones. A
// Classifier is not safe for concurrent use; Feed and the timer callbacks
// must be serialized by the caller's clock.
package classifier

import (
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/chaz8081/flicd/internal/button"
	"github.com/chaz8081/flicd/internal/clock"
)

// halfSecond is the threshold for Event.HeldHalfSecond.
const halfSecond = 500 * time.Millisecond

// Options configures a Classifier.
type Options struct {
	// Classes selects which event classes are produced.
	Classes     button.ClassSet
	TriggerMode button.TriggerMode
	// HoldThreshold is how long a press lasts before it is a hold.
	HoldThreshold time.Duration
	// DoubleClickTimeout is how long after a click's release a second press
	// still makes a double click.
	DoubleClickTimeout time.Duration
}

// Classifier classifies the raw edges of one button.
type Classifier struct {
	opts Options
	clk  clock.Clock
	emit func(button.Event)

	machines []*machine
	// gen invalidates timers armed before the last Reset.
	gen uint64

	haveLast    bool
	lastCounter uint32

	// Replay of queued edges; see BeginReplay.
	replaying   bool
	replayEnd   uint32
	replayTimer clock.Timer
	deferred    []*deferredTimer
}

// deferredTimer is a timer that expired in hardware time during a replay.
// It runs when the replay ends unless stopped first.
type deferredTimer struct {
	f       func()
	stopped bool
}

func (t *deferredTimer) Stop() bool {
	was := t.stopped
	t.stopped = true
	return !was
}

// New creates a Classifier delivering events to emit.
func New(opts Options, clk clock.Clock, emit func(button.Event)) (*Classifier, error) {
	if opts.HoldThreshold <= 0 {
		return nil, errors.New("classifier: hold threshold must be positive")
	}
	if opts.DoubleClickTimeout <= 0 {
		return nil, errors.New("classifier: double-click timeout must be positive")
	}
	c := &Classifier{opts: opts, clk: clk, emit: emit}
	c.build()
	return c, nil
}

func (c *Classifier) build() {
	c.machines = c.machines[:0]
	for class := button.ClassUpOrDown; class <= button.ClassSingleOrDoubleClickOrHold; class++ {
		if !c.opts.Classes.Has(class) {
			continue
		}
		c.machines = append(c.machines, &machine{
			c:     c,
			class: class,
			hold: (class == button.ClassClickOrHold || class == button.ClassSingleOrDoubleClickOrHold) &&
				c.opts.TriggerMode.AllowsHold(),
			double: (class == button.ClassSingleOrDoubleClick || class == button.ClassSingleOrDoubleClickOrHold) &&
				c.opts.TriggerMode.AllowsDoubleClick(),
			slots: make(map[uint8]*slotState),
		})
	}
}

// SetTriggerMode changes the trigger mode. Presses in progress are dropped.
func (c *Classifier) SetTriggerMode(m button.TriggerMode) {
	c.Reset()
	c.opts.TriggerMode = m
	c.build()
}

// Reset cancels all timers and forgets press state and the last counter.
// Pending single clicks are dropped, not emitted.
func (c *Classifier) Reset() {
	c.gen++
	for _, m := range c.machines {
		m.reset()
	}
	c.haveLast = false
	c.replaying = false
	c.deferred = nil
	if c.replayTimer != nil {
		c.replayTimer.Stop()
		c.replayTimer = nil
	}
}

// BeginReplay prepares for the queued edges a button sends after it
// reconnects. Edges up to and including from were already classified and
// are dropped. Edges up to and including to form the backlog: timers that
// already expired in hardware time while replaying are resolved only when
// the backlog is drained, because the edges deciding them may still follow.
// The replay also ends at the first live edge, or when no queued edge
// arrives for one hold threshold.
func (c *Classifier) BeginReplay(from, to uint32) {
	if from > 0 {
		c.haveLast = true
		c.lastCounter = from
	}
	if to <= from {
		return
	}
	c.replaying = true
	c.replayEnd = to
	c.armReplayWatchdog()
}

func (c *Classifier) armReplayWatchdog() {
	if c.replayTimer != nil {
		c.replayTimer.Stop()
	}
	c.replayTimer = c.after(c.opts.HoldThreshold, func() {
		if c.replaying {
			slog.Debug("[CLASSIFIER] replay backlog incomplete", "last", c.lastCounter, "end", c.replayEnd)
			c.endReplay()
		}
	})
}

func (c *Classifier) endReplay() {
	c.replaying = false
	if c.replayTimer != nil {
		c.replayTimer.Stop()
		c.replayTimer = nil
	}
	deferred := c.deferred
	c.deferred = nil
	for _, t := range deferred {
		if !t.stopped {
			t.stopped = true
			t.f()
		}
	}
}

// Feed classifies one edge.
func (c *Classifier) Feed(e button.RawEdge) {
	if c.replaying && !e.Queued {
		c.endReplay()
	}

	gap := false
	if c.haveLast {
		if e.Counter <= c.lastCounter {
			slog.Debug("[CLASSIFIER] dropping stale edge", "counter", e.Counter, "last", c.lastCounter)
			return
		}
		if e.Counter != c.lastCounter+1 {
			slog.Debug("[CLASSIFIER] counter gap", "counter", e.Counter, "last", c.lastCounter)
			gap = true
		}
	}
	c.haveLast = true
	c.lastCounter = e.Counter

	ts := c.clk.Now().Add(-e.Age)
	for _, m := range c.machines {
		if e.Direction == button.Down {
			m.down(e, ts, gap)
		} else {
			m.up(e, ts, gap)
		}
	}

	if c.replaying {
		if e.Counter >= c.replayEnd {
			c.endReplay()
		} else {
			c.armReplayWatchdog()
		}
	}
}

// after arms a timer that is ignored once the classifier was reset.
func (c *Classifier) after(d time.Duration, f func()) clock.Timer {
	if d < 0 {
		d = 0
	}
	if d == 0 && c.replaying {
		t := &deferredTimer{f: f}
		c.deferred = append(c.deferred, t)
		return t
	}
	gen := c.gen
	return c.clk.AfterFunc(d, func() {
		if c.gen == gen {
			f()
		}
	})
}

// age returns the age in seconds to report for an edge that happened at ts.
func (c *Classifier) age(e button.RawEdge, ts time.Time) int {
	if !e.Queued {
		return 0
	}
	return int(math.Round(c.clk.Now().Sub(ts).Seconds()))
}

type press struct {
	down      button.RawEdge
	downAt    time.Time
	holdTimer clock.Timer
	held      bool
}

// click is a completed short press waiting out the double-click timeout.
type click struct {
	down   button.RawEdge
	downAt time.Time
	up     button.RawEdge
	upAt   time.Time
	timer  clock.Timer
}

type slotState struct {
	cur     *press
	pending *click
	// second is set while cur is the second press of a possible double click.
	second bool
}

// machine produces the events of one class.
type machine struct {
	c      *Classifier
	class  button.EventClass
	hold   bool
	double bool
	slots  map[uint8]*slotState
}

func (m *machine) slot(n uint8) *slotState {
	s, ok := m.slots[n]
	if !ok {
		s = &slotState{}
		m.slots[n] = s
	}
	return s
}

func (m *machine) reset() {
	for _, s := range m.slots {
		if s.cur != nil && s.cur.holdTimer != nil {
			s.cur.holdTimer.Stop()
		}
		if s.pending != nil && s.pending.timer != nil {
			s.pending.timer.Stop()
		}
	}
	m.slots = make(map[uint8]*slotState)
}

// down handles a press. After a counter gap a pending click cannot be
// paired with this press.
func (m *machine) down(e button.RawEdge, ts time.Time, gap bool) {
	s := m.slot(e.Slot)

	if m.class == button.ClassUpOrDown {
		s.cur = &press{down: e, downAt: ts}
		m.send(button.TypeDown, e, ts, button.GestureNone, false)
		return
	}

	if s.cur != nil {
		// The release was lost; abandon the press.
		m.abandon(s)
	}

	s.second = false
	if p := s.pending; p != nil {
		if m.double && !gap && ts.Sub(p.upAt) < m.c.opts.DoubleClickTimeout {
			p.timer.Stop()
			s.second = true
		} else {
			m.flushSingle(s)
		}
	}

	p := &press{down: e, downAt: ts}
	s.cur = p
	if !m.hold {
		return
	}
	remaining := m.c.opts.HoldThreshold - m.c.clk.Now().Sub(ts)
	p.holdTimer = m.c.after(remaining, func() {
		if s.cur == p && !p.held {
			m.holdWhileDown(s, p)
		}
	})
}

// up handles a release. After a counter gap the tracked press may have
// ended unseen, so it is not classified.
func (m *machine) up(e button.RawEdge, ts time.Time, gap bool) {
	s := m.slot(e.Slot)
	p := s.cur
	s.cur = nil
	if p != nil && gap {
		if p.holdTimer != nil {
			p.holdTimer.Stop()
		}
		if m.class != button.ClassUpOrDown && !p.held && s.second {
			m.flushSingle(s)
		}
		s.second = false
		p = nil
	}

	if m.class == button.ClassUpOrDown {
		g, half := button.GestureNone, false
		if p != nil {
			g = recognizeGesture(p.down.Accel, e.Accel)
			half = ts.Sub(p.downAt) >= halfSecond
		}
		m.send(button.TypeUp, e, ts, g, half)
		return
	}

	if p == nil {
		return
	}
	if p.holdTimer != nil {
		p.holdTimer.Stop()
	}
	if p.held {
		s.second = false
		return
	}

	dur := ts.Sub(p.downAt)
	g := recognizeGesture(p.down.Accel, e.Accel)
	half := dur >= halfSecond

	if m.hold && dur >= m.c.opts.HoldThreshold {
		// The threshold passed before the timer could report it, as with
		// replayed edges.
		if s.second {
			m.flushSingle(s)
			s.second = false
		}
		m.send(button.TypeHold, e, ts, g, half)
		return
	}

	switch {
	case m.class == button.ClassClickOrHold:
		m.send(button.TypeClick, e, ts, g, half)
	case s.second:
		s.second = false
		s.pending = nil
		m.send(button.TypeDoubleClick, e, ts, g, half)
	case !m.double:
		m.send(button.TypeSingleClick, e, ts, g, half)
	default:
		cl := &click{down: p.down, downAt: p.downAt, up: e, upAt: ts}
		s.pending = cl
		remaining := m.c.opts.DoubleClickTimeout - m.c.clk.Now().Sub(ts)
		cl.timer = m.c.after(remaining, func() {
			// A second press that already claimed cl decides it instead.
			if s.pending == cl && !s.second {
				m.flushSingle(s)
			}
		})
	}
}

// holdWhileDown reports a hold for a press that is still down.
func (m *machine) holdWhileDown(s *slotState, p *press) {
	if s.second {
		// The second press turned into a hold; the first stands alone.
		m.flushSingle(s)
		s.second = false
	}
	p.held = true
	half := m.c.clk.Now().Sub(p.downAt) >= halfSecond
	m.send(button.TypeHold, p.down, p.downAt, button.GestureNone, half)
}

// flushSingle emits the pending click as a single click.
func (m *machine) flushSingle(s *slotState) {
	cl := s.pending
	if cl == nil {
		return
	}
	s.pending = nil
	if cl.timer != nil {
		cl.timer.Stop()
	}
	m.send(button.TypeSingleClick, cl.up, cl.upAt,
		recognizeGesture(cl.down.Accel, cl.up.Accel), cl.upAt.Sub(cl.downAt) >= halfSecond)
}

func (m *machine) abandon(s *slotState) {
	if s.cur.holdTimer != nil {
		s.cur.holdTimer.Stop()
	}
	s.cur = nil
	if s.second {
		m.flushSingle(s)
		s.second = false
	}
}

func (m *machine) send(t button.EventType, e button.RawEdge, ts time.Time, g button.Gesture, half bool) {
	m.c.emit(button.Event{
		Class:          m.class,
		Type:           t,
		Counter:        e.Counter,
		Slot:           e.Slot,
		Queued:         e.Queued,
		Age:            m.c.age(e, ts),
		Accel:          e.Accel,
		Gesture:        g,
		HeldHalfSecond: half,
	})
}
