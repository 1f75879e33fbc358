package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/flicd/internal/button"
)

// LinkOptions configures pending connection retries.
type LinkOptions struct {
	RetryDelay time.Duration // first delay between connection attempts
	RetryMax   time.Duration // cap on the delay between attempts
}

// DefaultLinkOptions returns sensible defaults.
func DefaultLinkOptions() LinkOptions {
	return LinkOptions{
		RetryDelay: time.Second,
		RetryMax:   30 * time.Second,
	}
}

// LinkTransport implements Transport on top of an Adapter. A pending
// connection retries single connection attempts until one succeeds or the
// caller disconnects.
type LinkTransport struct {
	adapter Adapter
	opts    LinkOptions

	mu    sync.Mutex
	links map[string]*link // keyed by address
}

type link struct {
	addr    string
	handler LinkHandler
	cancel  context.CancelFunc

	// hmu serializes handler calls for this link.
	hmu sync.Mutex

	conn  Connection
	write Characteristic
}

// NewLinkTransport creates a transport over the given adapter.
func NewLinkTransport(adapter Adapter, opts LinkOptions) *LinkTransport {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.RetryMax < opts.RetryDelay {
		opts.RetryMax = opts.RetryDelay
	}
	return &LinkTransport{
		adapter: adapter,
		opts:    opts,
		links:   make(map[string]*link),
	}
}

var _ Transport = (*LinkTransport)(nil)

func (t *LinkTransport) Connect(addr string, h LinkHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.links[addr]; ok {
		return fmt.Errorf("ble: %s already has a link", addr)
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &link{addr: addr, handler: h, cancel: cancel}
	t.links[addr] = l
	go t.run(ctx, l)
	return nil
}

// run drives one pending connection.
func (t *LinkTransport) run(ctx context.Context, l *link) {
	if err := t.enable(); err != nil {
		t.fail(l, err)
		return
	}

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt-1, t.opts.RetryDelay, t.opts.RetryMax)
			slog.Debug("[BLE] connect backoff", "addr", l.addr, "attempt", attempt+1, "delay", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}

		conn, err := t.adapter.Connect(ctx, l.addr)
		if ctx.Err() != nil {
			if conn != nil {
				_ = conn.Disconnect()
			}
			return
		}
		if err != nil {
			slog.Debug("[BLE] connect attempt failed", "addr", l.addr, "attempt", attempt+1, "error", err)
			continue
		}

		if err := t.attach(l, conn); err != nil {
			_ = conn.Disconnect()
			t.fail(l, err)
		}
		return
	}
}

// attach discovers the Flic characteristics on a fresh connection and
// reports the link as up.
func (t *LinkTransport) attach(l *link, conn Connection) error {
	write, err := conn.DiscoverCharacteristic(ServiceUUID, WriteCharUUID)
	if err != nil {
		return fmt.Errorf("ble: discover write characteristic: %w", err)
	}
	notify, err := conn.DiscoverCharacteristic(ServiceUUID, NotifyCharUUID)
	if err != nil {
		return fmt.Errorf("ble: discover notify characteristic: %w", err)
	}

	t.mu.Lock()
	if t.links[l.addr] != l {
		// Disconnected while the attempt was in flight.
		t.mu.Unlock()
		_ = conn.Disconnect()
		return nil
	}
	l.conn = conn
	l.write = write
	t.mu.Unlock()

	if err := notify.Subscribe(func(data []byte) {
		frame := make([]byte, len(data))
		copy(frame, data)
		t.deliver(l, func(h LinkHandler) { h.FrameReceived(frame) })
	}); err != nil {
		return fmt.Errorf("ble: subscribe to notifications: %w", err)
	}

	conn.OnDisconnect(func() {
		if t.release(l) {
			slog.Info("[BLE] link lost", "addr", l.addr)
			t.deliverAlways(l, func(h LinkHandler) { h.LinkStateChanged(LinkDown, nil) })
		}
	})

	slog.Info("[BLE] link up", "addr", l.addr)
	t.deliver(l, func(h LinkHandler) { h.LinkStateChanged(LinkUp, nil) })
	return nil
}

func (t *LinkTransport) fail(l *link, err error) {
	if t.release(l) {
		slog.Warn("[BLE] link failed", "addr", l.addr, "error", err)
		t.deliverAlways(l, func(h LinkHandler) { h.LinkStateChanged(LinkFailed, err) })
	}
}

// release removes l if it is still the current link for its address.
func (t *LinkTransport) release(l *link) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.links[l.addr] != l {
		return false
	}
	delete(t.links, l.addr)
	l.cancel()
	return true
}

// deliver calls fn with the handler while l is still current.
func (t *LinkTransport) deliver(l *link, fn func(LinkHandler)) {
	l.hmu.Lock()
	defer l.hmu.Unlock()
	t.mu.Lock()
	current := t.links[l.addr] == l
	t.mu.Unlock()
	if current {
		fn(l.handler)
	}
}

// deliverAlways calls fn with the handler; used for the final state change
// after the link was released.
func (t *LinkTransport) deliverAlways(l *link, fn func(LinkHandler)) {
	l.hmu.Lock()
	defer l.hmu.Unlock()
	fn(l.handler)
}

func (t *LinkTransport) Disconnect(addr string) error {
	t.mu.Lock()
	var conn Connection
	if l, ok := t.links[addr]; ok {
		delete(t.links, addr)
		l.cancel()
		conn = l.conn
	}
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	// Called without t.mu held: the adapter may report the disconnect synchronously.
	if err := conn.Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect %s: %w", addr, err)
	}
	return nil
}

func (t *LinkTransport) Send(addr string, frame []byte) error {
	t.mu.Lock()
	l, ok := t.links[addr]
	var write Characteristic
	if ok {
		write = l.write
	}
	t.mu.Unlock()
	if write == nil {
		return ErrNotConnected
	}
	if err := write.Write(frame); err != nil {
		return fmt.Errorf("ble: write to %s: %w", addr, err)
	}
	return nil
}

func (t *LinkTransport) Discover(ctx context.Context, found func(button.Advertisement)) error {
	if err := t.enable(); err != nil {
		return err
	}
	err := t.adapter.Scan(ctx, ServiceUUID, func(d Device) {
		found(button.Advertisement{
			Address:  d.Address,
			Name:     d.Name,
			RSSI:     d.RSSI,
			Pairable: d.Pairable,
		})
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

// enable powers on the adapter. A host whose radio is missing or off cannot
// scan or connect, so the failure is reported as ErrUnsupported.
func (t *LinkTransport) enable() error {
	if err := t.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w: %w", button.ErrUnsupported, err)
	}
	return nil
}

// Close drops every link and pending connection.
func (t *LinkTransport) Close() error {
	t.mu.Lock()
	addrs := make([]string, 0, len(t.links))
	for addr := range t.links {
		addrs = append(addrs, addr)
	}
	t.mu.Unlock()

	var firstErr error
	for _, addr := range addrs {
		if err := t.Disconnect(addr); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// backoffDelay returns the retry delay for attempt n, doubling from base and
// capped at max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt > 30 {
		return max
	}
	delay := base << uint(attempt)
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}
