package hostble

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/blecentral/internal/central"
	"github.com/chaz8081/blecentral/internal/central/advert"
	"github.com/go-ble/ble"
)

type mockCharacteristic struct {
	uuid    ble.UUID
	err     error
	mu      sync.Mutex
	handler func([]byte)
}

func (c *mockCharacteristic) UUID() ble.UUID { return c.uuid }

func (c *mockCharacteristic) EnableNotifications(h func([]byte)) error {
	if c.err != nil {
		return c.err
	}
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
	return nil
}

func (c *mockCharacteristic) notify(b []byte) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	h(b)
}

type mockService struct {
	uuid  ble.UUID
	chars []*mockCharacteristic
}

func (s *mockService) UUID() ble.UUID { return s.uuid }

func (s *mockService) DiscoverCharacteristics(uuids []ble.UUID) ([]Characteristic, error) {
	var out []Characteristic
	for _, c := range s.chars {
		if len(uuids) == 0 || c.uuid.Equal(uuids[0]) {
			out = append(out, c)
		}
	}
	return out, nil
}

type mockPeripheral struct {
	services    []*mockService
	disconnects int
}

func (p *mockPeripheral) DiscoverServices(uuids []ble.UUID) ([]Service, error) {
	var out []Service
	for _, s := range p.services {
		if len(uuids) == 0 || s.uuid.Equal(uuids[0]) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (p *mockPeripheral) Disconnect() error {
	p.disconnects++
	return nil
}

type mockAdapter struct {
	enableErr error
	adverts   []Advertisement
	scanErr   error
	stop      chan struct{}
	periph    *mockPeripheral
	connErr   error
	release   chan struct{} // when set, Connect waits for it
	connected []string
	onConnect func(id string, connected bool)
}

func (a *mockAdapter) Enable() error { return a.enableErr }

func (a *mockAdapter) Scan(h func(Advertisement)) error {
	if a.scanErr != nil {
		return a.scanErr
	}
	for _, adv := range a.adverts {
		h(adv)
	}
	<-a.stop
	return nil
}

func (a *mockAdapter) StopScan() error {
	close(a.stop)
	return nil
}

func (a *mockAdapter) Connect(id string) (Peripheral, error) {
	a.connected = append(a.connected, id)
	if a.release != nil {
		<-a.release
	}
	if a.connErr != nil {
		return nil, a.connErr
	}
	return a.periph, nil
}

func (a *mockAdapter) SetConnectHandler(h func(id string, connected bool)) { a.onConnect = h }

var _ Adapter = (*mockAdapter)(nil)

const testMAC = "C0:FF:EE:00:00:01"

func newMockAdapter() *mockAdapter {
	char := &mockCharacteristic{uuid: central.KeyPressProfile.Characteristic}
	return &mockAdapter{
		stop: make(chan struct{}),
		adverts: []Advertisement{{
			ID:   testMAC,
			RSSI: -48,
			Name: "keys",
			HasService: func(u ble.UUID) bool {
				return u.Equal(central.KeyPressProfile.Service)
			},
		}},
		periph: &mockPeripheral{services: []*mockService{
			{uuid: ble.UUID16(0x180F)},
			{uuid: central.KeyPressProfile.Service, chars: []*mockCharacteristic{
				{uuid: ble.UUID16(0x2A19)},
				char,
			}},
		}},
	}
}

func newTestStack(t *testing.T, a *mockAdapter) *Stack {
	t.Helper()
	s, err := NewStack(a, Options{Watch: []ble.UUID{central.KeyPressProfile.Service}, EventBuffer: 16})
	if err != nil {
		t.Fatalf("NewStack() error = %v", err)
	}
	return s
}

func next(t *testing.T, s *Stack) central.Event {
	t.Helper()
	select {
	case ev := <-s.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

// scanAndConnect scans, picks up the advertisement and connects to it.
func scanAndConnect(t *testing.T, s *Stack) central.ConnHandle {
	t.Helper()
	if err := s.StartScan(central.ScanPassive); err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	found, ok := next(t, s).(central.DeviceFound)
	if !ok {
		t.Fatalf("event = %T, want DeviceFound", found)
	}
	if err := s.StopScan(); err != nil {
		t.Fatalf("StopScan() error = %v", err)
	}
	conn, err := s.CreateConnection(found.Report.Addr, central.DefaultConnParams())
	if err != nil {
		t.Fatalf("CreateConnection() error = %v", err)
	}
	if c, ok := next(t, s).(central.Connected); !ok || c.Status != 0 {
		t.Fatalf("event = %+v, want successful Connected", c)
	}
	return conn
}

func TestNewStackEnableError(t *testing.T) {
	a := newMockAdapter()
	a.enableErr = errors.New("adapter powered off")
	if _, err := NewStack(a, DefaultOptions()); err == nil {
		t.Error("NewStack() should fail when the adapter cannot be enabled")
	}
}

func TestScanReport(t *testing.T) {
	s := newTestStack(t, newMockAdapter())
	if err := s.StartScan(central.ScanActive); err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	defer s.StopScan()

	found, ok := next(t, s).(central.DeviceFound)
	if !ok {
		t.Fatalf("event = %T, want DeviceFound", found)
	}
	r := found.Report
	if r.Addr.String() != testMAC || r.Addr.Type != central.AddrPublic {
		t.Errorf("Addr = %v (%v), want %s (public)", r.Addr, r.Addr.Type, testMAC)
	}
	if r.RSSI != -48 {
		t.Errorf("RSSI = %d, want -48", r.RSSI)
	}
	if !r.EventType.Connectable() {
		t.Errorf("EventType = %v, want connectable", r.EventType)
	}
	if ok, err := advert.HasUUID(r.Data, central.KeyPressProfile.Service); !ok || err != nil {
		t.Errorf("HasUUID(service) = %v, %v; want true, nil", ok, err)
	}
	if got := advert.LocalName(r.Data); got != "keys" {
		t.Errorf("LocalName = %q, want %q", got, "keys")
	}
}

func TestScanRawPayload(t *testing.T) {
	a := newMockAdapter()
	raw := advert.Payload{}.AppendFlags(advert.FlagNoBREDR).AppendUUID16List(0x180D)
	a.adverts[0].Raw = raw
	s := newTestStack(t, a)
	_ = s.StartScan(central.ScanPassive)
	defer s.StopScan()

	found := next(t, s).(central.DeviceFound)
	if !bytes.Equal(found.Report.Data, raw) {
		t.Errorf("Data = %x, want %x", found.Report.Data, raw)
	}
}

func TestScanEndedIsReported(t *testing.T) {
	a := newMockAdapter()
	rejected := errors.New("bluez: not ready")
	a.scanErr = rejected
	s := newTestStack(t, a)

	if err := s.StartScan(central.ScanPassive); err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	ev, ok := next(t, s).(central.ScanStopped)
	if !ok {
		t.Fatalf("event = %T, want ScanStopped", ev)
	}
	if !errors.Is(ev.Err, rejected) {
		t.Errorf("ScanStopped.Err = %v, want %v", ev.Err, rejected)
	}

	// The lost scan no longer counts as running, and a requested stop is
	// not reported.
	a.scanErr = nil
	a.adverts = nil
	if err := s.StartScan(central.ScanPassive); err != nil {
		t.Fatalf("StartScan() restart error = %v", err)
	}
	if err := s.StopScan(); err != nil {
		t.Fatalf("StopScan() error = %v", err)
	}
	select {
	case ev := <-s.Events():
		t.Errorf("unexpected event %T after StopScan", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPeerAddr(t *testing.T) {
	a := PeerAddr(testMAC, true)
	if a.String() != testMAC || a.Type != central.AddrRandom {
		t.Errorf("PeerAddr(mac) = %v (%v), want %s (random)", a, a.Type, testMAC)
	}

	id := "5C5B2B8E-6A54-4E7F-9C1D-2D1E7A9B0C11"
	b, c := PeerAddr(id, false), PeerAddr(id, false)
	if b != c {
		t.Errorf("PeerAddr(uuid) not stable: %v vs %v", b, c)
	}
	if b.Type != central.AddrRandom || b.MAC[0]&0xC0 != 0xC0 {
		t.Errorf("PeerAddr(uuid) = %v (%v), want static random", b, b.Type)
	}
	if d := PeerAddr("5C5B2B8E-6A54-4E7F-9C1D-2D1E7A9B0C12", false); d == b {
		t.Error("distinct IDs mapped to the same address")
	}
}

func TestCreateConnectionUnknownPeer(t *testing.T) {
	s := newTestStack(t, newMockAdapter())
	addr, _ := central.ParseAddr("11:22:33:44:55:66", central.AddrPublic)
	if _, err := s.CreateConnection(addr, central.ConnParams{}); !errors.Is(err, ErrUnknownPeer) {
		t.Errorf("CreateConnection() error = %v, want ErrUnknownPeer", err)
	}
}

func TestDiscoverAndSubscribe(t *testing.T) {
	a := newMockAdapter()
	s := newTestStack(t, a)
	conn := scanAndConnect(t, s)
	if len(a.connected) != 1 || a.connected[0] != testMAC {
		t.Errorf("Connect calls = %v, want [%s]", a.connected, testMAC)
	}

	// The filtered discovery returns only the target, so it takes slot 0.
	svc := ServiceHandle(0)
	if err := s.Discover(conn, central.DiscoveryParams{ID: 1, Type: central.DiscoverPrimary, UUID: central.KeyPressProfile.Service,
		Start: central.FirstAttributeHandle, End: central.LastAttributeHandle}); err != nil {
		t.Fatalf("Discover(primary) error = %v", err)
	}
	prim, ok := next(t, s).(central.AttributeFound)
	if !ok || prim.Attr.Handle != svc || prim.Attr.EndHandle != svc+0xFF || !prim.Attr.UUID.Equal(central.KeyPressProfile.Service) {
		t.Fatalf("service = %+v, want %#x-%#x", prim.Attr, svc, svc+0xFF)
	}
	if _, ok := next(t, s).(central.DiscoveryComplete); !ok {
		t.Fatal("missing DiscoveryComplete")
	}

	if err := s.Discover(conn, central.DiscoveryParams{ID: 2, Type: central.DiscoverCharacteristic,
		UUID: central.KeyPressProfile.Characteristic, Start: svc + 1, End: svc + 0xFF}); err != nil {
		t.Fatalf("Discover(characteristic) error = %v", err)
	}
	chr, ok := next(t, s).(central.AttributeFound)
	if !ok {
		t.Fatal("missing characteristic")
	}
	decl := CharacteristicHandle(svc, 0)
	if chr.Attr.Handle != decl || chr.Attr.ValueHandle != decl+1 {
		t.Errorf("characteristic = %+v, want decl %#x value %#x", chr.Attr, decl, decl+1)
	}
	next(t, s)

	if err := s.Discover(conn, central.DiscoveryParams{ID: 3, Type: central.DiscoverDescriptor,
		UUID: central.CCCUUID, Start: decl + 2, End: svc + 0xFF}); err != nil {
		t.Fatalf("Discover(descriptor) error = %v", err)
	}
	ccc, ok := next(t, s).(central.AttributeFound)
	if !ok || ccc.Attr.Handle != decl+2 || !ccc.Attr.UUID.Equal(central.CCCUUID) {
		t.Fatalf("descriptor = %+v, want CCC at %#x", ccc.Attr, decl+2)
	}
	next(t, s)

	if err := s.Subscribe(conn, central.SubscribeParams{CCCHandle: decl + 2, ValueHandle: decl + 1, Value: central.CCCNotify}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if sc, ok := next(t, s).(central.SubscribeComplete); !ok || sc.Err != nil {
		t.Fatalf("event = %+v, want SubscribeComplete", sc)
	}

	target := a.periph.services[1].chars[1]
	target.notify([]byte{0x2A})
	n, ok := next(t, s).(central.Notification)
	if !ok || n.ValueHandle != decl+1 || !bytes.Equal(n.Data, []byte{0x2A}) {
		t.Errorf("event = %+v, want Notification 2a", n)
	}
}

func TestDescriptorOtherUUID(t *testing.T) {
	got := descriptors(central.DiscoveryParams{UUID: ble.UUID16(0x2901), Start: 4, End: 9})
	if len(got) != 0 {
		t.Errorf("descriptors(0x2901) = %v, want none", got)
	}
	got = descriptors(central.DiscoveryParams{UUID: central.CCCUUID, Start: 4, End: 9})
	if len(got) != 1 || got[0].Handle != 4 {
		t.Errorf("descriptors(CCC) = %v, want one at 4", got)
	}
}

func TestSubscribeFailure(t *testing.T) {
	a := newMockAdapter()
	a.periph.services[1].chars[1].err = errors.New("notify not permitted")
	s := newTestStack(t, a)
	conn := scanAndConnect(t, s)

	svc := ServiceHandle(0)
	_ = s.Discover(conn, central.DiscoveryParams{ID: 1, Type: central.DiscoverPrimary, UUID: central.KeyPressProfile.Service, Start: 1, End: 0xFFFF})
	next(t, s)
	next(t, s)
	_ = s.Discover(conn, central.DiscoveryParams{ID: 2, Type: central.DiscoverCharacteristic, UUID: central.KeyPressProfile.Characteristic, Start: svc + 1, End: svc + 0xFF})
	next(t, s)
	next(t, s)

	decl := CharacteristicHandle(svc, 0)
	if err := s.Subscribe(conn, central.SubscribeParams{CCCHandle: decl + 2, ValueHandle: decl + 1}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if sc, ok := next(t, s).(central.SubscribeComplete); !ok || sc.Err == nil {
		t.Errorf("event = %+v, want SubscribeComplete with error", sc)
	}
	if err := s.Subscribe(conn, central.SubscribeParams{CCCHandle: 0x0100, ValueHandle: 0x0050}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Subscribe(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestConnectFailure(t *testing.T) {
	a := newMockAdapter()
	a.connErr = errors.New("timeout")
	s := newTestStack(t, a)
	_ = s.StartScan(central.ScanPassive)
	found := next(t, s).(central.DeviceFound)
	_ = s.StopScan()

	conn, _ := s.CreateConnection(found.Report.Addr, central.ConnParams{})
	c, ok := next(t, s).(central.Connected)
	if !ok || c.Conn != conn || c.Status != statusConnectFailed {
		t.Errorf("event = %+v, want Connected with status %#x", c, statusConnectFailed)
	}
}

func TestAbandonPendingConnection(t *testing.T) {
	a := newMockAdapter()
	s := newTestStack(t, a)
	_ = s.StartScan(central.ScanPassive)
	found := next(t, s).(central.DeviceFound)
	_ = s.StopScan()

	a.release = make(chan struct{})
	conn, _ := s.CreateConnection(found.Report.Addr, central.ConnParams{})
	if err := s.Disconnect(conn, central.ReasonLocalHostTerminated); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	close(a.release)

	c, ok := next(t, s).(central.Connected)
	if !ok || c.Status != statusUnknownConnection {
		t.Errorf("event = %+v, want Connected with status %#x", c, statusUnknownConnection)
	}
	if a.periph.disconnects != 1 {
		t.Errorf("Disconnect calls = %d, want 1", a.periph.disconnects)
	}
}

func TestDisconnect(t *testing.T) {
	a := newMockAdapter()
	s := newTestStack(t, a)
	conn := scanAndConnect(t, s)

	if err := s.Disconnect(conn, central.ReasonLocalHostTerminated); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	d, ok := next(t, s).(central.Disconnected)
	if !ok || d.Conn != conn || d.Reason != central.ReasonLocalHostTerminated {
		t.Errorf("event = %+v, want Disconnected 0x16", d)
	}
	if err := s.Disconnect(conn, central.ReasonLocalHostTerminated); !errors.Is(err, ErrUnknownConn) {
		t.Errorf("second Disconnect() error = %v, want ErrUnknownConn", err)
	}
}

func TestRemoteDisconnect(t *testing.T) {
	a := newMockAdapter()
	s := newTestStack(t, a)
	conn := scanAndConnect(t, s)

	a.onConnect("AA:AA:AA:AA:AA:AA", false)
	a.onConnect(testMAC, true)
	a.onConnect(testMAC, false)

	d, ok := next(t, s).(central.Disconnected)
	if !ok || d.Conn != conn || d.Reason != central.ReasonRemoteUserTerminated {
		t.Errorf("event = %+v, want Disconnected 0x13", d)
	}
}

func TestClose(t *testing.T) {
	a := newMockAdapter()
	s := newTestStack(t, a)
	scanAndConnect(t, s)

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if a.periph.disconnects != 1 {
		t.Errorf("Disconnect calls = %d, want 1", a.periph.disconnects)
	}
	if _, err := s.CreateConnection(PeerAddr(testMAC, false), central.ConnParams{}); err == nil {
		t.Error("CreateConnection() after Close should fail")
	}
}

func TestHandleLayout(t *testing.T) {
	if got := ServiceHandle(0); got != 0x0001 {
		t.Errorf("ServiceHandle(0) = %#x, want 0x1", got)
	}
	if got := ServiceHandle(2); got != 0x0201 {
		t.Errorf("ServiceHandle(2) = %#x, want 0x201", got)
	}
	if got := CharacteristicHandle(0x0101, 2); got != 0x0108 {
		t.Errorf("CharacteristicHandle(0x101, 2) = %#x, want 0x108", got)
	}
	// The last characteristic's CCC stays inside the service group.
	last := CharacteristicHandle(ServiceHandle(0), maxCharacteristics-1)
	if last+2 > ServiceHandle(0)+serviceStride-1 {
		t.Errorf("last CCC %#x outside group", last+2)
	}
}
