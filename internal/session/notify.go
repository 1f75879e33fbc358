package session

import (
	"fmt"
	"sync"

	"github.com/chaz8081/flicd/internal/button"
)

// NotificationKind identifies a session notification.
type NotificationKind int

const (
	// NotifyConnected: a physical link is up; events are not flowing yet.
	NotifyConnected NotificationKind = iota
	// NotifyReady: verification passed and events will follow.
	NotifyReady
	// NotifyDisconnected carries an optional cause in Err.
	NotifyDisconnected
	// NotifyFailedToConnect: the link was never established. Err holds a
	// *button.ConnectionFailedError.
	NotifyFailedToConnect
	// NotifyUnpaired: the button rejected the stored pairing.
	NotifyUnpaired
	NotifyNicknameChanged
	NotifyBatteryChanged
	NotifyButtonEvent
)

var kindNames = [...]string{
	"connected", "ready", "disconnected", "failed_to_connect",
	"unpaired", "nickname_changed", "battery_changed", "button_event",
}

func (k NotificationKind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("NotificationKind(%d)", int(k))
}

// Notification is one item of a session's ordered output stream.
type Notification struct {
	Kind     NotificationKind
	ButtonID string
	Err      error
	// Nickname is set for NotifyNicknameChanged.
	Nickname string
	// BatteryVoltage is set for NotifyBatteryChanged.
	BatteryVoltage float32
	// Event is set for NotifyButtonEvent.
	Event button.Event
}

// queue is an unbounded FIFO whose push never blocks.
type queue[T any] struct {
	mu     sync.Mutex
	items  []T
	signal chan struct{}
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{signal: make(chan struct{}, 1)}
}

func (q *queue[T]) push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *queue[T]) drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// pump delivers notifications on an unbuffered channel in push order, so a
// slow consumer never stalls the session loop.
type pump struct {
	q       *queue[Notification]
	out     chan Notification
	closing chan struct{}
	once    sync.Once
}

func newPump() *pump {
	p := &pump{
		q:       newQueue[Notification](),
		out:     make(chan Notification),
		closing: make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *pump) push(n Notification) {
	p.q.push(n)
}

// close delivers what is queued, then closes the output channel.
func (p *pump) close() {
	p.once.Do(func() { close(p.closing) })
}

func (p *pump) run() {
	defer close(p.out)
	for {
		closing := false
		select {
		case <-p.q.signal:
		case <-p.closing:
			closing = true
		}
		for _, n := range p.q.drain() {
			p.out <- n
		}
		if closing {
			for _, n := range p.q.drain() {
				p.out <- n
			}
			return
		}
	}
}
