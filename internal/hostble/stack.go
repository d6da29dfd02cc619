package hostble

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chaz8081/blecentral/internal/central"
	"github.com/chaz8081/blecentral/internal/central/advert"
	"github.com/go-ble/ble"
	"github.com/google/uuid"
)

// HCI error codes reported in Connected.Status.
const (
	statusUnknownConnection uint8 = 0x02
	statusConnectFailed     uint8 = 0x3E
)

// Synthesized attribute layout. Service i owns handles
// base(i)..base(i)+0xFF; characteristic j of a service has its declaration
// at base+1+3j, its value right after and its CCC descriptor after that.
const (
	serviceStride      = 0x100
	maxServices        = 0xFF
	maxCharacteristics = (serviceStride - 1) / 3
)

var (
	// ErrUnknownConn is returned for a connection handle the stack does not own.
	ErrUnknownConn = errors.New("hostble: unknown connection")
	// ErrUnknownPeer is returned when connecting to an address never seen in a scan.
	ErrUnknownPeer = errors.New("hostble: peer not seen in scan")
	// ErrBusy is returned when a discovery request is already running on a link.
	ErrBusy = errors.New("hostble: discovery in progress")
	// ErrNotFound is returned when a discovery range matches no known attribute.
	ErrNotFound = errors.New("hostble: no attribute for range")
)

// Options configures a Stack.
type Options struct {
	Watch       []ble.UUID // services to probe for when raw AD data is unavailable
	EventBuffer int        // size of the event channel (default 64)
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{EventBuffer: 64}
}

type link struct {
	conn      central.ConnHandle
	id        string
	peer      central.Addr
	periph    Peripheral
	abandoned bool
	busy      bool

	services map[uint16]Service        // by declaration handle
	chars    map[uint16]Characteristic // by declaration handle
}

// Stack implements central.Stack on an OS Bluetooth adapter.
type Stack struct {
	adapter Adapter
	watch   []ble.UUID
	events  chan central.Event
	done    chan struct{}

	// mu guards the fields below.
	mu       sync.Mutex
	scanDone chan struct{}
	ids      map[[6]byte]string // synthesized address -> platform ID
	links    map[central.ConnHandle]*link
	next     central.ConnHandle
	closed   bool
}

// NewStack enables adapter and wraps it. Panics if adapter is nil
// (programmer error).
func NewStack(adapter Adapter, opts Options) (*Stack, error) {
	if adapter == nil {
		panic("hostble: NewStack called with nil adapter")
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = DefaultOptions().EventBuffer
	}
	if err := adapter.Enable(); err != nil {
		return nil, err
	}
	s := &Stack{
		adapter: adapter,
		watch:   opts.Watch,
		events:  make(chan central.Event, opts.EventBuffer),
		done:    make(chan struct{}),
		ids:     make(map[[6]byte]string),
		links:   make(map[central.ConnHandle]*link),
	}
	adapter.SetConnectHandler(s.onConnectChange)
	return s, nil
}

// Events returns the channel results are delivered on.
func (s *Stack) Events() <-chan central.Event { return s.events }

// StartScan starts scanning. The OS picks the scan mode. A scan that ends
// without StopScan is reported as a ScanStopped event.
func (s *Stack) StartScan(mode central.ScanMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("hostble: closed")
	}
	if s.scanDone != nil {
		return nil
	}

	done := make(chan struct{})
	s.scanDone = done
	go s.scan(done)
	slog.Debug("[HOST] scan started", "mode", mode)
	return nil
}

func (s *Stack) scan(done chan struct{}) {
	defer close(done)
	err := s.adapter.Scan(s.onAdvertisement)

	s.mu.Lock()
	current := s.scanDone == done
	if current {
		s.scanDone = nil
	}
	s.mu.Unlock()
	if !current {
		return
	}
	if err == nil {
		err = errors.New("scan ended")
	}
	slog.Warn("[HOST] scan ended", "error", err)
	s.emit(central.ScanStopped{Err: fmt.Errorf("hostble: scan: %w", err)})
}

// StopScan stops scanning and waits for the scan to return.
func (s *Stack) StopScan() error {
	s.mu.Lock()
	done := s.scanDone
	s.scanDone = nil
	s.mu.Unlock()

	if done == nil {
		return nil
	}
	if err := s.adapter.StopScan(); err != nil {
		return fmt.Errorf("hostble: stop scan: %w", err)
	}
	<-done
	return nil
}

func (s *Stack) onAdvertisement(a Advertisement) {
	addr := PeerAddr(a.ID, a.Random)
	s.mu.Lock()
	s.ids[addr.MAC] = a.ID
	s.mu.Unlock()

	r := central.AdvertisingReport{
		Addr: addr,
		RSSI: clampRSSI(a.RSSI),
		// The OS only reports advertisements it could connect to.
		EventType: central.AdvConnectableUndirected,
		Data:      s.payload(a),
	}
	select {
	case s.events <- central.DeviceFound{Report: r}:
	default:
	}
}

// payload returns the raw AD data, or rebuilds it from the watched services
// the advertisement carries.
func (s *Stack) payload(a Advertisement) []byte {
	if len(a.Raw) > 0 {
		return append([]byte(nil), a.Raw...)
	}
	var p advert.Payload
	if a.HasService != nil {
		var found []ble.UUID
		for _, u := range s.watch {
			if a.HasService(u) {
				found = append(found, u)
			}
		}
		p = p.AppendServices(found...)
	}
	return p.AppendName(a.Name)
}

// PeerAddr maps a platform ID onto a device address. MAC strings parse
// directly; anything else (CoreBluetooth UUIDs) gets a stable random
// address derived from the ID.
func PeerAddr(id string, random bool) central.Addr {
	t := central.AddrPublic
	if random {
		t = central.AddrRandom
	}
	if a, err := central.ParseAddr(id, t); err == nil {
		return a
	}
	h := uuid.NewSHA1(uuid.NameSpaceOID, []byte(id))
	a := central.Addr{Type: central.AddrRandom}
	copy(a.MAC[:], h[:6])
	// Static random addresses have the two top bits set.
	a.MAC[0] |= 0xC0
	return a
}

// CreateConnection connects in the background. The outcome arrives as a
// Connected event.
func (s *Stack) CreateConnection(addr central.Addr, _ central.ConnParams) (central.ConnHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.New("hostble: closed")
	}
	id, ok := s.ids[addr.MAC]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownPeer, addr)
	}
	s.next++
	if s.next == 0 {
		s.next = 1
	}
	l := &link{
		conn:     s.next,
		id:       id,
		peer:     addr,
		services: make(map[uint16]Service),
		chars:    make(map[uint16]Characteristic),
	}
	s.links[l.conn] = l
	go s.connect(l)
	return l.conn, nil
}

func (s *Stack) connect(l *link) {
	p, err := s.adapter.Connect(l.id)

	s.mu.Lock()
	abandoned := l.abandoned
	if err != nil || abandoned {
		delete(s.links, l.conn)
	} else {
		l.periph = p
	}
	s.mu.Unlock()

	switch {
	case abandoned:
		if err == nil {
			_ = p.Disconnect()
		}
		s.emit(central.Connected{Conn: l.conn, Peer: l.peer, Status: statusUnknownConnection})
	case err != nil:
		slog.Debug("[HOST] connect failed", "addr", l.peer, "error", err)
		s.emit(central.Connected{Conn: l.conn, Peer: l.peer, Status: statusConnectFailed})
	default:
		s.emit(central.Connected{Conn: l.conn, Peer: l.peer})
	}
}

func (s *Stack) onConnectChange(id string, connected bool) {
	if connected {
		return
	}
	s.mu.Lock()
	var gone *link
	for _, l := range s.links {
		if l.id == id && l.periph != nil {
			gone = l
			delete(s.links, l.conn)
			break
		}
	}
	s.mu.Unlock()
	if gone != nil {
		s.emit(central.Disconnected{Conn: gone.conn, Reason: central.ReasonRemoteUserTerminated})
	}
}

// Disconnect drops an established link. A pending connection cannot be
// cancelled on the OS stacks; it is abandoned and dropped when it completes.
func (s *Stack) Disconnect(conn central.ConnHandle, reason uint8) error {
	s.mu.Lock()
	l, ok := s.links[conn]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownConn, conn)
	}
	if l.periph == nil {
		l.abandoned = true
		s.mu.Unlock()
		slog.Debug("[HOST] abandoning pending connection", "addr", l.peer)
		return nil
	}
	delete(s.links, conn)
	p := l.periph
	s.mu.Unlock()

	if err := p.Disconnect(); err != nil {
		return fmt.Errorf("hostble: disconnect %s: %w", l.peer, err)
	}
	go s.emit(central.Disconnected{Conn: conn, Reason: reason})
	return nil
}

// Discover runs one discovery procedure in the background against the
// synthesized handle table.
func (s *Stack) Discover(conn central.ConnHandle, p central.DiscoveryParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.links[conn]
	if !ok || l.periph == nil {
		return fmt.Errorf("%w: %d", ErrUnknownConn, conn)
	}
	if l.busy {
		return ErrBusy
	}

	var run func() ([]central.Attribute, error)
	switch p.Type {
	case central.DiscoverPrimary:
		run = func() ([]central.Attribute, error) { return s.discoverServices(l, p) }
	case central.DiscoverCharacteristic:
		svc, ok := l.services[p.Start-1]
		if !ok {
			return fmt.Errorf("%w 0x%04x-0x%04x", ErrNotFound, p.Start, p.End)
		}
		run = func() ([]central.Attribute, error) { return s.discoverCharacteristics(l, svc, p) }
	case central.DiscoverDescriptor:
		if _, ok := l.chars[p.Start-2]; !ok {
			return fmt.Errorf("%w 0x%04x-0x%04x", ErrNotFound, p.Start, p.End)
		}
		run = func() ([]central.Attribute, error) { return descriptors(p), nil }
	default:
		return fmt.Errorf("hostble: unsupported discovery type %v", p.Type)
	}

	l.busy = true
	go func() {
		attrs, err := run()
		s.mu.Lock()
		l.busy = false
		s.mu.Unlock()
		for _, a := range attrs {
			if !s.emit(central.AttributeFound{Conn: conn, Request: p.ID, Attr: a}) {
				return
			}
		}
		s.emit(central.DiscoveryComplete{Conn: conn, Request: p.ID, Err: err})
	}()
	return nil
}

func (s *Stack) discoverServices(l *link, p central.DiscoveryParams) ([]central.Attribute, error) {
	svcs, err := l.periph.DiscoverServices(filter(p.UUID))
	if err != nil {
		return nil, fmt.Errorf("hostble: discover services: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []central.Attribute
	for i, svc := range svcs {
		if i >= maxServices {
			break
		}
		base := ServiceHandle(i)
		if base < p.Start || base > p.End || !matches(p.UUID, svc.UUID()) {
			continue
		}
		l.services[base] = svc
		out = append(out, central.Attribute{Handle: base, EndHandle: base + serviceStride - 1, UUID: svc.UUID()})
	}
	return out, nil
}

func (s *Stack) discoverCharacteristics(l *link, svc Service, p central.DiscoveryParams) ([]central.Attribute, error) {
	chars, err := svc.DiscoverCharacteristics(filter(p.UUID))
	if err != nil {
		return nil, fmt.Errorf("hostble: discover characteristics: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []central.Attribute
	for j, c := range chars {
		if j >= maxCharacteristics {
			break
		}
		decl := CharacteristicHandle(p.Start-1, j)
		if decl < p.Start || decl > p.End || !matches(p.UUID, c.UUID()) {
			continue
		}
		l.chars[decl] = c
		out = append(out, central.Attribute{Handle: decl, ValueHandle: decl + 1, UUID: c.UUID()})
	}
	return out, nil
}

// descriptors reports the CCC descriptor two handles past the declaration.
// The OS stacks write it themselves, so it is assumed present.
func descriptors(p central.DiscoveryParams) []central.Attribute {
	if !matches(p.UUID, central.CCCUUID) || p.Start > p.End {
		return nil
	}
	return []central.Attribute{{Handle: p.Start, UUID: central.CCCUUID}}
}

// ServiceHandle returns the synthesized declaration handle of the i-th
// discovered service.
func ServiceHandle(i int) uint16 {
	return uint16(1 + i*serviceStride)
}

// CharacteristicHandle returns the synthesized declaration handle of the
// j-th characteristic of the service declared at svc.
func CharacteristicHandle(svc uint16, j int) uint16 {
	return svc + 1 + uint16(3*j)
}

// Subscribe enables notifications in the background.
func (s *Stack) Subscribe(conn central.ConnHandle, p central.SubscribeParams) error {
	s.mu.Lock()
	l, ok := s.links[conn]
	if !ok || l.periph == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownConn, conn)
	}
	c, ok := l.chars[p.ValueHandle-1]
	s.mu.Unlock()
	if !ok || p.CCCHandle != p.ValueHandle+1 {
		return fmt.Errorf("%w: value 0x%04x ccc 0x%04x", ErrNotFound, p.ValueHandle, p.CCCHandle)
	}

	go func() {
		err := c.EnableNotifications(func(buf []byte) {
			s.emit(central.Notification{Conn: conn, ValueHandle: p.ValueHandle, Data: append([]byte(nil), buf...)})
		})
		if err != nil {
			err = fmt.Errorf("hostble: enable notifications: %w", err)
		}
		s.emit(central.SubscribeComplete{Conn: conn, ValueHandle: p.ValueHandle, Err: err})
	}()
	return nil
}

// Close stops scanning and drops every link.
func (s *Stack) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var periphs []Peripheral
	for _, l := range s.links {
		if l.periph != nil {
			periphs = append(periphs, l.periph)
		}
		l.abandoned = true
	}
	s.links = make(map[central.ConnHandle]*link)
	s.mu.Unlock()

	var errs []error
	if err := s.StopScan(); err != nil {
		errs = append(errs, err)
	}
	for _, p := range periphs {
		if err := p.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("hostble: disconnect: %w", err))
		}
	}
	close(s.done)
	return errors.Join(errs...)
}

// emit delivers a control event. It returns false once the stack is closed.
func (s *Stack) emit(ev central.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func filter(u ble.UUID) []ble.UUID {
	if len(u) == 0 {
		return nil
	}
	return []ble.UUID{u}
}

func matches(want, got ble.UUID) bool {
	return len(want) == 0 || want.Equal(got)
}

func clampRSSI(v int16) int8 {
	switch {
	case v < -128:
		return -128
	case v > 127:
		return 127
	default:
		return int8(v)
	}
}

var _ central.Stack = (*Stack)(nil)
