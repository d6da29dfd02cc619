package central

import (
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/blecentral/internal/central/advert"
)

// fakeStack records every call and returns scripted errors.
type fakeStack struct {
	mu sync.Mutex

	startScans  []ScanMode
	stopScans   int
	creates     []Addr
	disconnects []disconnectCall
	discovers   []DiscoveryParams
	subscribes  []SubscribeParams

	startScanErr  error
	stopScanErr   error
	createErr     error
	disconnectErr error
	discoverErr   error
	subscribeErr  error

	nextConn ConnHandle
}

type disconnectCall struct {
	conn   ConnHandle
	reason uint8
}

func newFakeStack() *fakeStack {
	return &fakeStack{nextConn: 0x40}
}

func (s *fakeStack) StartScan(mode ScanMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startScans = append(s.startScans, mode)
	return s.startScanErr
}

func (s *fakeStack) StopScan() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopScans++
	return s.stopScanErr
}

func (s *fakeStack) CreateConnection(addr Addr, _ ConnParams) (ConnHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creates = append(s.creates, addr)
	if s.createErr != nil {
		return 0, s.createErr
	}
	return s.nextConn, nil
}

func (s *fakeStack) Disconnect(conn ConnHandle, reason uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects = append(s.disconnects, disconnectCall{conn, reason})
	return s.disconnectErr
}

func (s *fakeStack) Discover(_ ConnHandle, p DiscoveryParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discovers = append(s.discovers, p)
	return s.discoverErr
}

func (s *fakeStack) Subscribe(_ ConnHandle, p SubscribeParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribes = append(s.subscribes, p)
	return s.subscribeErr
}

// lastDiscover returns the most recent discovery request.
func (s *fakeStack) lastDiscover(t *testing.T) DiscoveryParams {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.discovers) == 0 {
		t.Fatal("no discovery request was submitted")
	}
	return s.discovers[len(s.discovers)-1]
}

// fakeLED counts Set and Toggle calls.
type fakeLED struct {
	on      bool
	sets    []bool
	toggles int
	err     error
}

func (l *fakeLED) Set(on bool) error {
	l.sets = append(l.sets, on)
	l.on = on
	return l.err
}

func (l *fakeLED) Toggle() error {
	l.toggles++
	l.on = !l.on
	return l.err
}

// fakeTimer records a scheduled callback without running it.
type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeClock struct {
	timers []*fakeTimer
}

func (c *fakeClock) after(d time.Duration, f func()) timer {
	t := &fakeTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) armed() []*fakeTimer {
	var out []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped {
			out = append(out, t)
		}
	}
	return out
}

var testPeer = Addr{MAC: [6]byte{0xC0, 0xFF, 0xEE, 0x00, 0x00, 0x01}, Type: AddrRandom}

// keyPressPayload is the peripheral's advertising data: flags, a 16-bit
// service list and the key press service.
func keyPressPayload() []byte {
	return advert.Payload{}.
		AppendFlags(advert.FlagGeneralDiscoverable|advert.FlagNoBREDR).
		AppendUUID16List(0x180D, 0x180F, 0x1805).
		AppendServices(KeyPressProfile.Service)
}

func keyPressReport() AdvertisingReport {
	return AdvertisingReport{
		Addr:      testPeer,
		RSSI:      -55,
		EventType: AdvConnectableUndirected,
		Data:      keyPressPayload(),
	}
}

type harness struct {
	c        *Central
	stack    *fakeStack
	clock    *fakeClock
	link     *fakeLED
	activity *fakeLED
	received [][]byte
	errs     []error
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		stack:    newFakeStack(),
		clock:    &fakeClock{},
		link:     &fakeLED{},
		activity: &fakeLED{},
	}
	opts := DefaultOptions()
	opts.LinkLED = h.link
	opts.ActivityLED = h.activity
	opts.OnNotification = func(b []byte) {
		h.received = append(h.received, append([]byte(nil), b...))
	}
	opts.OnError = func(err error) { h.errs = append(h.errs, err) }
	for _, m := range mutate {
		m(&opts)
	}
	c, err := New(h.stack, opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	c.after = h.clock.after
	h.c = c
	return h
}

// connect drives the central from idle to connected.
func (h *harness) connect(t *testing.T) {
	t.Helper()
	if err := h.c.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	h.c.Handle(DeviceFound{Report: keyPressReport()})
	if got := h.c.State(); got != StateConnecting {
		t.Fatalf("State() after DeviceFound = %v, want %v", got, StateConnecting)
	}
	h.c.Handle(Connected{Conn: h.stack.nextConn, Peer: testPeer})
	if got := h.c.State(); got != StateConnected {
		t.Fatalf("State() after Connected = %v, want %v", got, StateConnected)
	}
}

// found answers the outstanding discovery request with attr.
func (h *harness) found(t *testing.T, attr Attribute) {
	t.Helper()
	p := h.stack.lastDiscover(t)
	h.c.Handle(AttributeFound{Conn: h.stack.nextConn, Request: p.ID, Attr: attr})
}

// walk answers all three discovery stages with the key press layout:
// service at 0x0010-0x0020, characteristic declaration at 0x0012, CCC at 0x0014.
func (h *harness) walk(t *testing.T) {
	t.Helper()
	h.found(t, Attribute{Handle: 0x0010, EndHandle: 0x0020, UUID: KeyPressProfile.Service})
	h.found(t, Attribute{Handle: 0x0012, ValueHandle: 0x0013, UUID: KeyPressProfile.Characteristic})
	h.found(t, Attribute{Handle: 0x0014, UUID: CCCUUID})
}

func TestFakeStackImplementsInterface(t *testing.T) {
	var _ Stack = (*fakeStack)(nil)
}

func TestFakeLEDImplementsIndicator(t *testing.T) {
	var _ Indicator = (*fakeLED)(nil)
}
