package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/flicd/internal/ble"
	"github.com/chaz8081/flicd/internal/ble/protocol"
	"github.com/chaz8081/flicd/internal/button"
)

// fakeTransport records what a session asks of the transport. Tests drive
// link callbacks through the handler it captured.
type fakeTransport struct {
	mu          sync.Mutex
	handlers    map[string]ble.LinkHandler
	connects    []string
	disconnects []string
	connectErr  error
	sent        chan protocol.Message
}

var _ ble.Transport = (*fakeTransport)(nil)

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handlers: make(map[string]ble.LinkHandler),
		sent:     make(chan protocol.Message, 64),
	}
}

func (f *fakeTransport) Connect(addr string, h ble.LinkHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connects = append(f.connects, addr)
	f.handlers[addr] = h
	return nil
}

func (f *fakeTransport) Disconnect(addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, addr)
	delete(f.handlers, addr)
	return nil
}

func (f *fakeTransport) Send(addr string, frame []byte) error {
	f.mu.Lock()
	_, ok := f.handlers[addr]
	f.mu.Unlock()
	if !ok {
		return ble.ErrNotConnected
	}
	m, err := protocol.Unmarshal(frame)
	if err != nil {
		return err
	}
	f.sent <- m
	return nil
}

func (f *fakeTransport) Discover(ctx context.Context, _ func(button.Advertisement)) error {
	<-ctx.Done()
	return nil
}

func (f *fakeTransport) handler(t *testing.T, addr string) ble.LinkHandler {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.handlers[addr]
	if !ok {
		t.Fatalf("no link handler for %s", addr)
	}
	return h
}

func (f *fakeTransport) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connects)
}

func (f *fakeTransport) Disconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.disconnects)
}

// nextSent waits for the next frame the session wrote.
func (f *fakeTransport) nextSent(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case m := <-f.sent:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

func (f *fakeTransport) expectNothingSent(t *testing.T) {
	t.Helper()
	select {
	case m := <-f.sent:
		t.Fatalf("unexpected frame %#v", m)
	default:
	}
}

var errRadio = errors.New("radio off")
