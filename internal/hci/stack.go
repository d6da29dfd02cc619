// Package hci runs the central against a local HCI controller through
// go-ble's Linux host stack.
package hci

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chaz8081/blecentral/internal/central"
	"github.com/go-ble/ble"
)

// HCI error codes reported in Connected.Status.
const (
	statusUnknownConnection uint8 = 0x02
	statusConnectFailed     uint8 = 0x3E
)

var (
	// ErrUnknownConn is returned for a connection handle the stack does not own.
	ErrUnknownConn = errors.New("hci: unknown connection")
	// ErrBusy is returned when a discovery request is already running on a link.
	ErrBusy = errors.New("hci: discovery in progress")
	// ErrNotFound is returned when a discovery range matches no known attribute.
	ErrNotFound = errors.New("hci: no attribute for range")
)

// Client is the subset of ble.Client the stack drives.
type Client interface {
	DiscoverServices(filter []ble.UUID) ([]*ble.Service, error)
	DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error)
	DiscoverDescriptors(filter []ble.UUID, c *ble.Characteristic) ([]*ble.Descriptor, error)
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	CancelConnection() error
	Disconnected() <-chan struct{}
}

// Device is the controller: it scans and dials.
type Device interface {
	Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error
	Dial(ctx context.Context, a ble.Addr) (Client, error)
	SetScanMode(mode central.ScanMode) error
	Stop() error
}

// RandomAddr marks a peer using a random device address. Device
// implementations must initiate the connection with the random peer
// address type.
type RandomAddr struct {
	ble.Addr
}

// dialAddr converts a report address, keeping its type.
func dialAddr(a central.Addr) ble.Addr {
	addr := ble.NewAddr(a.String())
	if a.Type == central.AddrRandom {
		return RandomAddr{Addr: addr}
	}
	return addr
}

// Options configures a Stack.
type Options struct {
	EventBuffer int // size of the event channel (default 64)
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{EventBuffer: 64}
}

type link struct {
	conn   central.ConnHandle
	peer   central.Addr
	cancel context.CancelFunc
	client Client
	reason uint8
	busy   bool

	services map[uint16]*ble.Service        // by declaration handle
	chars    map[uint16]*ble.Characteristic // by declaration handle
}

// Stack implements central.Stack on a Device. Results and notifications are
// delivered on Events.
type Stack struct {
	dev    Device
	events chan central.Event
	done   chan struct{}

	// mu guards the fields below.
	mu         sync.Mutex
	scanCancel context.CancelFunc
	scanDone   chan struct{}
	links      map[central.ConnHandle]*link
	next       central.ConnHandle
	closed     bool
}

// NewStack creates a Stack on dev. Panics if dev is nil (programmer error).
func NewStack(dev Device, opts Options) *Stack {
	if dev == nil {
		panic("hci: NewStack called with nil device")
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = DefaultOptions().EventBuffer
	}
	return &Stack{
		dev:    dev,
		events: make(chan central.Event, opts.EventBuffer),
		done:   make(chan struct{}),
		links:  make(map[central.ConnHandle]*link),
	}
}

// Events returns the channel results are delivered on.
func (s *Stack) Events() <-chan central.Event { return s.events }

// StartScan starts scanning in the given mode. A scan that ends without
// StopScan, including one the controller refuses to enable, is reported as
// a ScanStopped event.
func (s *Stack) StartScan(mode central.ScanMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("hci: closed")
	}
	if s.scanCancel != nil {
		return nil
	}
	if err := s.dev.SetScanMode(mode); err != nil {
		return fmt.Errorf("hci: set scan parameters: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.scanCancel = cancel
	s.scanDone = done
	go s.scan(ctx, cancel, done)
	slog.Debug("[HCI] scan started", "mode", mode)
	return nil
}

func (s *Stack) scan(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	defer close(done)
	err := s.dev.Scan(ctx, false, s.onAdvertisement)
	cancel()

	s.mu.Lock()
	current := s.scanDone == done
	if current {
		s.scanCancel, s.scanDone = nil, nil
	}
	s.mu.Unlock()
	if !current {
		return
	}
	if err == nil || errors.Is(err, context.Canceled) {
		err = errors.New("scan ended")
	}
	slog.Warn("[HCI] scan ended", "error", err)
	s.emit(central.ScanStopped{Err: fmt.Errorf("hci: scan: %w", err)})
}

// StopScan stops scanning and waits for the scan to wind down.
func (s *Stack) StopScan() error {
	s.mu.Lock()
	cancel, done := s.scanCancel, s.scanDone
	s.scanCancel, s.scanDone = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	slog.Debug("[HCI] scan stopped")
	return nil
}

func (s *Stack) onAdvertisement(a ble.Advertisement) {
	r, err := Report(a)
	if err != nil {
		slog.Debug("[HCI] dropping advertisement", "error", err)
		return
	}
	// Advertisements are lossy; never stall the controller.
	select {
	case s.events <- central.DeviceFound{Report: r}:
	default:
	}
}

// CreateConnection dials addr in the background. The outcome arrives as a
// Connected event.
func (s *Stack) CreateConnection(addr central.Addr, _ central.ConnParams) (central.ConnHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.New("hci: closed")
	}
	s.next++
	if s.next == 0 {
		s.next = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &link{
		conn:     s.next,
		peer:     addr,
		cancel:   cancel,
		services: make(map[uint16]*ble.Service),
		chars:    make(map[uint16]*ble.Characteristic),
	}
	s.links[l.conn] = l

	go s.dial(ctx, l)
	return l.conn, nil
}

func (s *Stack) dial(ctx context.Context, l *link) {
	c, err := s.dev.Dial(ctx, dialAddr(l.peer))
	if err != nil {
		status := statusConnectFailed
		if ctx.Err() != nil {
			status = statusUnknownConnection
		}
		slog.Debug("[HCI] dial failed", "addr", l.peer, "error", err)
		s.drop(l.conn)
		s.emit(central.Connected{Conn: l.conn, Peer: l.peer, Status: status})
		return
	}

	s.mu.Lock()
	if _, ok := s.links[l.conn]; !ok || ctx.Err() != nil {
		// Cancelled while the controller completed the connection.
		s.mu.Unlock()
		_ = c.CancelConnection()
		s.emit(central.Connected{Conn: l.conn, Peer: l.peer, Status: statusUnknownConnection})
		return
	}
	l.client = c
	s.mu.Unlock()

	s.emit(central.Connected{Conn: l.conn, Peer: l.peer})
	go s.watch(l, c.Disconnected())
}

// watch reports the link going down.
func (s *Stack) watch(l *link, gone <-chan struct{}) {
	select {
	case <-gone:
	case <-s.done:
		return
	}
	s.mu.Lock()
	reason := l.reason
	s.mu.Unlock()
	if reason == 0 {
		reason = central.ReasonRemoteUserTerminated
	}
	s.drop(l.conn)
	s.emit(central.Disconnected{Conn: l.conn, Reason: reason})
}

// Disconnect drops an established link or cancels a pending dial. go-ble
// always sends reason 0x13 on the air; reason is echoed back in the
// Disconnected event.
func (s *Stack) Disconnect(conn central.ConnHandle, reason uint8) error {
	s.mu.Lock()
	l, ok := s.links[conn]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownConn, conn)
	}
	l.reason = reason
	c := l.client
	s.mu.Unlock()

	if c == nil {
		l.cancel()
		return nil
	}
	if err := c.CancelConnection(); err != nil {
		return fmt.Errorf("hci: disconnect %s: %w", l.peer, err)
	}
	return nil
}

// Discover runs one discovery procedure in the background. Only one
// request may run per link.
func (s *Stack) Discover(conn central.ConnHandle, p central.DiscoveryParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.links[conn]
	if !ok || l.client == nil {
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
		svc := serviceFor(l.services, p.Start)
		if svc == nil {
			return fmt.Errorf("%w 0x%04x-0x%04x", ErrNotFound, p.Start, p.End)
		}
		run = func() ([]central.Attribute, error) { return s.discoverCharacteristics(l, svc, p) }
	case central.DiscoverDescriptor:
		chr := characteristicFor(l.chars, p.Start)
		if chr == nil {
			return fmt.Errorf("%w 0x%04x-0x%04x", ErrNotFound, p.Start, p.End)
		}
		run = func() ([]central.Attribute, error) { return s.discoverDescriptors(l, chr, p) }
	default:
		return fmt.Errorf("hci: unsupported discovery type %v", p.Type)
	}

	l.busy = true
	go func() {
		attrs, err := run()
		s.mu.Lock()
		l.busy = false
		s.mu.Unlock()
		if err != nil {
			slog.Debug("[HCI] discovery failed", "type", p.Type, "error", err)
		}
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
	svcs, err := l.client.DiscoverServices(filter(p.UUID))
	if err != nil {
		return nil, fmt.Errorf("hci: discover services: %w", err)
	}
	var out []central.Attribute
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, svc := range svcs {
		if svc.Handle < p.Start || svc.Handle > p.End || !matches(p.UUID, svc.UUID) {
			continue
		}
		l.services[svc.Handle] = svc
		out = append(out, central.Attribute{Handle: svc.Handle, EndHandle: svc.EndHandle, UUID: svc.UUID})
	}
	return out, nil
}

func (s *Stack) discoverCharacteristics(l *link, svc *ble.Service, p central.DiscoveryParams) ([]central.Attribute, error) {
	chars, err := l.client.DiscoverCharacteristics(filter(p.UUID), svc)
	if err != nil {
		return nil, fmt.Errorf("hci: discover characteristics: %w", err)
	}
	var out []central.Attribute
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chars {
		if c.Handle < p.Start || c.Handle > p.End || !matches(p.UUID, c.UUID) {
			continue
		}
		l.chars[c.Handle] = c
		out = append(out, central.Attribute{Handle: c.Handle, ValueHandle: c.ValueHandle, UUID: c.UUID})
	}
	return out, nil
}

func (s *Stack) discoverDescriptors(l *link, c *ble.Characteristic, p central.DiscoveryParams) ([]central.Attribute, error) {
	descs, err := l.client.DiscoverDescriptors(filter(p.UUID), c)
	if err != nil {
		return nil, fmt.Errorf("hci: discover descriptors: %w", err)
	}
	var out []central.Attribute
	for _, d := range descs {
		if d.Handle < p.Start || d.Handle > p.End || !matches(p.UUID, d.UUID) {
			continue
		}
		out = append(out, central.Attribute{Handle: d.Handle, UUID: d.UUID})
	}
	return out, nil
}

// Subscribe writes the CCC descriptor in the background and starts
// forwarding notifications for the value handle.
func (s *Stack) Subscribe(conn central.ConnHandle, p central.SubscribeParams) error {
	s.mu.Lock()
	l, ok := s.links[conn]
	if !ok || l.client == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownConn, conn)
	}
	chr := valueCharacteristic(l.chars, p.ValueHandle)
	if chr == nil {
		chr = &ble.Characteristic{Handle: p.ValueHandle - 1, ValueHandle: p.ValueHandle}
		l.chars[chr.Handle] = chr
	}
	if chr.CCCD == nil || chr.CCCD.Handle != p.CCCHandle {
		chr.CCCD = &ble.Descriptor{UUID: central.CCCUUID, Handle: p.CCCHandle}
	}
	c := l.client
	s.mu.Unlock()

	go func() {
		err := c.Subscribe(chr, p.Value == central.CCCIndicate, func(data []byte) {
			s.emit(central.Notification{Conn: conn, ValueHandle: p.ValueHandle, Data: append([]byte(nil), data...)})
		})
		if err != nil {
			err = fmt.Errorf("hci: write ccc 0x%04x: %w", p.CCCHandle, err)
		}
		s.emit(central.SubscribeComplete{Conn: conn, ValueHandle: p.ValueHandle, Err: err})
	}()
	return nil
}

// Close stops scanning, drops every link and releases the device.
func (s *Stack) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	links := make([]link, 0, len(s.links))
	for _, l := range s.links {
		links = append(links, *l)
	}
	s.mu.Unlock()

	var errs []error
	if err := s.StopScan(); err != nil {
		errs = append(errs, err)
	}
	for _, l := range links {
		l.cancel()
		if l.client == nil {
			continue
		}
		if err := l.client.CancelConnection(); err != nil {
			errs = append(errs, fmt.Errorf("hci: disconnect %s: %w", l.peer, err))
		}
	}
	close(s.done)
	if err := s.dev.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("hci: stop device: %w", err))
	}
	return errors.Join(errs...)
}

func (s *Stack) drop(conn central.ConnHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.links[conn]; ok {
		l.cancel()
		delete(s.links, conn)
	}
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

// serviceFor returns the discovered service whose characteristics start at
// start.
func serviceFor(svcs map[uint16]*ble.Service, start uint16) *ble.Service {
	if start == 0 {
		return nil
	}
	return svcs[start-1]
}

// characteristicFor returns the characteristic whose descriptors start at
// start, two handles past its declaration.
func characteristicFor(chars map[uint16]*ble.Characteristic, start uint16) *ble.Characteristic {
	if start < 2 {
		return nil
	}
	return chars[start-2]
}

func valueCharacteristic(chars map[uint16]*ble.Characteristic, value uint16) *ble.Characteristic {
	for _, c := range chars {
		if c.ValueHandle == value {
			return c
		}
	}
	return nil
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

var _ central.Stack = (*Stack)(nil)
