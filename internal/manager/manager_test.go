package manager

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/flicd/internal/ble"
	"github.com/chaz8081/flicd/internal/ble/crypto"
	"github.com/chaz8081/flicd/internal/ble/protocol"
	"github.com/chaz8081/flicd/internal/button"
	"github.com/chaz8081/flicd/internal/clock"
	"github.com/chaz8081/flicd/internal/registry"
	"github.com/chaz8081/flicd/internal/scanner"
	"github.com/chaz8081/flicd/internal/session"
)

// fakeButton is a button that pairs and verifies like the real thing.
type fakeButton struct {
	uuid     string
	pairable bool
	material []byte
}

// fakeTransport connects instantly to known buttons.
type fakeTransport struct {
	mu       sync.Mutex
	buttons  map[string]*fakeButton
	handlers map[string]ble.LinkHandler
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		buttons:  make(map[string]*fakeButton),
		handlers: make(map[string]ble.LinkHandler),
	}
}

func (f *fakeTransport) add(addr string, b *fakeButton) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buttons[addr] = b
}

func (f *fakeTransport) Discover(ctx context.Context, found func(button.Advertisement)) error {
	f.mu.Lock()
	var ads []button.Advertisement
	for addr, b := range f.buttons {
		ads = append(ads, button.Advertisement{Address: addr, Name: "F2", Pairable: b.pairable})
	}
	f.mu.Unlock()
	for _, adv := range ads {
		found(adv)
	}
	<-ctx.Done()
	return nil
}

func (f *fakeTransport) Connect(addr string, h ble.LinkHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.buttons[addr]; !ok {
		return errors.New("unknown address")
	}
	f.handlers[addr] = h
	go h.LinkStateChanged(ble.LinkUp, nil)
	return nil
}

func (f *fakeTransport) Disconnect(addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, addr)
	return nil
}

func (f *fakeTransport) Send(addr string, frame []byte) error {
	f.mu.Lock()
	h, ok := f.handlers[addr]
	b := f.buttons[addr]
	f.mu.Unlock()
	if !ok {
		return ble.ErrNotConnected
	}
	m, err := protocol.Unmarshal(frame)
	if err != nil {
		return err
	}

	switch m := m.(type) {
	case protocol.PairRequest:
		hostPub, err := crypto.ParseCompressedPublicKey(m.HostPublicKey)
		if err != nil {
			return err
		}
		priv, pub, err := crypto.GenerateKeyPair()
		if err != nil {
			return err
		}
		material, err := crypto.DerivePairingMaterial(priv, hostPub, b.uuid)
		if err != nil {
			return err
		}
		f.mu.Lock()
		b.material = material
		b.pairable = false
		f.mu.Unlock()
		h.FrameReceived(protocol.Marshal(protocol.PairResponse{
			DevicePublicKey: crypto.CompressPublicKey(pub),
			UUID:            b.uuid,
			SerialNumber:    "BC00-" + addr,
			Name:            "F2-" + addr,
			Address:         addr,
		}))
	case protocol.VerifyRequest:
		f.mu.Lock()
		material := b.material
		f.mu.Unlock()
		nonce := bytes.Repeat([]byte{3}, crypto.NonceSize)
		h.FrameReceived(protocol.Marshal(protocol.VerifyChallenge{
			DeviceNonce: nonce,
			Tag:         crypto.ComputeTag(material, m.PairingID, m.HostNonce, nonce),
		}))
	}
	return nil
}

type memStore struct {
	mu      sync.Mutex
	records []button.Record
}

func (m *memStore) LoadAll(_ context.Context) ([]button.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]button.Record(nil), m.records...), nil
}

func (m *memStore) SaveAll(_ context.Context, records []button.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append([]button.Record(nil), records...)
	return nil
}

func (m *memStore) ids() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, r := range m.records {
		out = append(out, r.ID)
	}
	return out
}

var material = bytes.Repeat([]byte{9}, crypto.MaterialSize)

func paired(id, addr string) button.Record {
	return button.Record{
		Identity: button.Identity{ID: id, UUID: "uuid-" + id, Address: addr},
		Material: material,
	}
}

func newManager(t *testing.T, records ...button.Record) (*Manager, *fakeTransport, *memStore) {
	t.Helper()
	st := &memStore{records: records}
	tr := newFakeTransport()
	for _, rec := range records {
		tr.add(rec.Address, &fakeButton{uuid: rec.UUID, material: rec.Material})
	}
	opts := DefaultOptions()
	opts.Scan.Timeout = 200 * time.Millisecond
	opts.Scan.PairTimeout = time.Second
	m := New(registry.New(st), tr, crypto.HMACVerifier{}, clock.Real(), opts)
	t.Cleanup(func() {
		go func() {
			for range m.Events() {
			}
		}()
		m.Close()
	})
	return m, tr, st
}

func nextEvent(t *testing.T, m *Manager) session.Notification {
	t.Helper()
	select {
	case n := <-m.Events():
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a notification")
		return session.Notification{}
	}
}

func expectKinds(t *testing.T, m *Manager, id string, kinds ...session.NotificationKind) {
	t.Helper()
	for _, want := range kinds {
		n := nextEvent(t, m)
		if n.Kind != want || n.ButtonID != id {
			t.Fatalf("got %v for %q (err %v), want %v for %q", n.Kind, n.ButtonID, n.Err, want, id)
		}
	}
}

func TestStartRestoresButtons(t *testing.T) {
	m, _, _ := newManager(t, paired("a", "addr-a"), paired("b", "addr-b"))

	if _, err := m.Buttons(); !errors.Is(err, button.ErrNotLoaded) {
		t.Fatalf("Buttons() before Start error = %v, want ErrNotLoaded", err)
	}
	n, err := m.Start(context.Background())
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if n != 2 {
		t.Errorf("Start() = %d, want 2", n)
	}
	if _, err := m.Start(context.Background()); err == nil {
		t.Error("second Start() succeeded")
	}

	s1, err := m.Button("a")
	if err != nil {
		t.Fatal(err)
	}
	s2, err := m.Button("a")
	if err != nil {
		t.Fatal(err)
	}
	if s1 != s2 {
		t.Error("Button() created a second session")
	}
	if _, err := m.Button("zzz"); !errors.Is(err, button.ErrAlreadyForgotten) {
		t.Errorf("Button(unknown) error = %v", err)
	}
}

func TestConnectAll(t *testing.T) {
	unpaired := paired("b", "addr-b")
	unpaired.Unpaired = true
	m, _, _ := newManager(t, paired("a", "addr-a"), unpaired)
	if _, err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.ConnectAll(); err != nil {
		t.Fatalf("ConnectAll() error: %v", err)
	}
	expectKinds(t, m, "a", session.NotifyConnected, session.NotifyReady)

	s, err := m.Button("a")
	if err != nil {
		t.Fatal(err)
	}
	if !s.IsReady() {
		t.Error("button a not ready")
	}
}

func TestScanRegistersAndConnects(t *testing.T) {
	m, tr, st := newManager(t)
	if _, err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	tr.add("addr-new", &fakeButton{uuid: "uuid-new", pairable: true})

	var statuses []scanner.Status
	s, err := m.Scan(context.Background(), func(ev scanner.StatusEvent) {
		statuses = append(statuses, ev.Status)
	})
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if len(statuses) != 3 || statuses[2] != scanner.StatusVerified {
		t.Errorf("statuses = %v", statuses)
	}
	expectKinds(t, m, s.ID(), session.NotifyConnected, session.NotifyReady)

	records, err := m.Buttons()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].UUID != "uuid-new" {
		t.Fatalf("Buttons() = %+v", records)
	}
	if ids := st.ids(); len(ids) != 1 || ids[0] != s.ID() {
		t.Errorf("persisted ids = %v", ids)
	}
}

func TestForget(t *testing.T) {
	m, _, st := newManager(t, paired("a", "addr-a"), paired("b", "addr-b"))
	ctx := context.Background()
	if _, err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	s, err := m.Button("a")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Connect(); err != nil {
		t.Fatal(err)
	}
	expectKinds(t, m, "a", session.NotifyConnected, session.NotifyReady)

	done := make(chan error, 1)
	go func() { done <- m.Forget(ctx, "a") }()
	n := nextEvent(t, m)
	if n.Kind != session.NotifyDisconnected || !errors.Is(n.Err, button.ErrAlreadyForgotten) {
		t.Fatalf("got %v (err %v), want disconnected by forget", n.Kind, n.Err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Forget() error: %v", err)
	}

	records, err := m.Buttons()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].ID != "b" {
		t.Errorf("Buttons() = %+v", records)
	}
	if ids := st.ids(); len(ids) != 1 || ids[0] != "b" {
		t.Errorf("persisted ids = %v", ids)
	}
	if err := m.Forget(ctx, "a"); !errors.Is(err, button.ErrAlreadyForgotten) {
		t.Errorf("second Forget() error = %v, want ErrAlreadyForgotten", err)
	}
	if err := m.Forget(ctx, "never"); !errors.Is(err, button.ErrAlreadyForgotten) {
		t.Errorf("Forget(never) error = %v, want ErrAlreadyForgotten", err)
	}
}

func TestStopScan(t *testing.T) {
	m, _, _ := newManager(t)
	if _, err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	m.opts.Scan.Timeout = time.Minute
	m.scanner = scanner.New(m.reg, m.tr, m.verifier, m.clk, m.opts.Scan)

	errc := make(chan error, 1)
	go func() {
		_, err := m.Scan(context.Background(), nil)
		errc <- err
	}()

	deadline := time.After(2 * time.Second)
	for {
		m.StopScan()
		select {
		case err := <-errc:
			if !errors.Is(err, button.ErrScanCancelled) {
				t.Fatalf("Scan() error = %v, want ErrScanCancelled", err)
			}
			return
		case <-deadline:
			t.Fatal("scan not resolved")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestClose(t *testing.T) {
	m, _, _ := newManager(t, paired("a", "addr-a"))
	if _, err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	s, err := m.Button("a")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Connect(); err != nil {
		t.Fatal(err)
	}
	expectKinds(t, m, "a", session.NotifyConnected, session.NotifyReady)

	go func() {
		for range m.Events() {
		}
	}()
	m.Close()
	m.Close()

	if s.State() != session.Disconnected {
		t.Errorf("session state = %v after Close", s.State())
	}
	if _, err := m.Button("a"); !errors.Is(err, button.ErrClosed) {
		t.Errorf("Button() after Close error = %v", err)
	}
	if _, err := m.Scan(context.Background(), nil); !errors.Is(err, button.ErrClosed) {
		t.Errorf("Scan() after Close error = %v", err)
	}
}
