package central

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// State is the connection lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Indicator is an on/off output such as an LED.
type Indicator interface {
	Set(on bool) error
	Toggle() error
}

// Options configures a Central.
type Options struct {
	Profile        Profile
	RSSIThreshold  int8          // weakest accepted signal in dBm (default -70)
	ScanMode       ScanMode      // passive by default
	ConnParams     ConnParams    // zero value means DefaultConnParams
	ConnectTimeout time.Duration // abandon a pending connection after this long (default 10s)
	StageTimeout   time.Duration // per discovery request; 0 disables
	ScanRetryMax   time.Duration // scan start retry backoff cap (default 30s)

	LinkLED        Indicator // on while connected
	ActivityLED    Indicator // toggled per notification
	OnNotification NotificationHandler
	OnError        func(error) // called for every failed attempt
}

// DefaultOptions returns the key press profile with the default timeouts.
func DefaultOptions() Options {
	return Options{
		Profile:        KeyPressProfile,
		RSSIThreshold:  DefaultRSSIThreshold,
		ScanMode:       ScanPassive,
		ConnParams:     DefaultConnParams(),
		ConnectTimeout: 10 * time.Second,
		StageTimeout:   10 * time.Second,
		ScanRetryMax:   30 * time.Second,
	}
}

// Stats are running counters, safe to read from any goroutine.
type Stats struct {
	ConnectAttempts   uint64
	Connections       uint64
	Subscriptions     uint64
	Notifications     uint64
	DiscoveryFailures uint64
}

type timer interface {
	Stop() bool
}

// Central drives the scan, connect, discover and subscribe cycle against a
// Stack. Event handling is serialized: feed events through Run or call
// Handle from a single goroutine.
type Central struct {
	stack  Stack
	opts   Options
	filter ScanFilter

	state    atomic.Int32
	scanning atomic.Bool

	connectAttempts   atomic.Uint64
	connections       atomic.Uint64
	subscriptions     atomic.Uint64
	notifications     atomic.Uint64
	discoveryFailures atomic.Uint64

	// mu guards the fields below.
	mu          sync.Mutex
	conn        ConnHandle
	peer        Addr
	session     *DiscoverySession
	sub         *Subscriber
	nextID      uint32
	scanAttempt int
	connTimer   timer
	stageTimer  timer
	retryTimer  timer
	closed      bool

	internal  chan Event
	done      chan struct{}
	closeOnce sync.Once
	after     func(d time.Duration, f func()) timer
}

// New creates a Central for stack. Zero option values fall back to
// DefaultOptions, except StageTimeout where zero disables the timeout.
func New(stack Stack, opts Options) (*Central, error) {
	def := DefaultOptions()
	if opts.Profile.Service == nil && opts.Profile.Characteristic == nil {
		opts.Profile = def.Profile
	}
	if err := opts.Profile.Validate(); err != nil {
		return nil, err
	}
	if opts.RSSIThreshold == 0 {
		opts.RSSIThreshold = def.RSSIThreshold
	}
	if opts.ConnParams == (ConnParams{}) {
		opts.ConnParams = def.ConnParams
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.StageTimeout < 0 {
		opts.StageTimeout = 0
	}
	if opts.ScanRetryMax <= 0 {
		opts.ScanRetryMax = def.ScanRetryMax
	}

	c := &Central{
		stack:    stack,
		opts:     opts,
		filter:   ScanFilter{Target: opts.Profile.Service, RSSIThreshold: opts.RSSIThreshold},
		internal: make(chan Event, 8),
		done:     make(chan struct{}),
		after: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
	}
	c.sub = NewSubscriber(stack, c.deliver)
	return c, nil
}

// State returns the current lifecycle state.
func (c *Central) State() State { return State(c.state.Load()) }

// Scanning reports whether a scan is running.
func (c *Central) Scanning() bool { return c.scanning.Load() }

// Stats returns a snapshot of the counters.
func (c *Central) Stats() Stats {
	return Stats{
		ConnectAttempts:   c.connectAttempts.Load(),
		Connections:       c.connections.Load(),
		Subscriptions:     c.subscriptions.Load(),
		Notifications:     c.notifications.Load(),
		DiscoveryFailures: c.discoveryFailures.Load(),
	}
}

// Session returns the current discovery session, or nil. The returned value
// must only be inspected from the goroutine handling events.
func (c *Central) Session() *DiscoverySession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Subscription returns the live subscription, if any.
func (c *Central) Subscription() (Subscription, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sub.Active()
}

// Start begins scanning. A failure is returned but a retry is already
// scheduled, so the central keeps trying while Run is active.
func (c *Central) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("central: closed")
	}
	slog.Info("[SCAN] starting", "profile", c.opts.Profile.Name, "service", c.opts.Profile.Service.String(),
		"rssi_threshold", c.opts.RSSIThreshold, "mode", c.opts.ScanMode)
	return c.startScan()
}

// Run handles events from the stack and the central's own timers until ctx
// is done or events is closed.
func (c *Central) Run(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.Handle(ev)
		case ev := <-c.internal:
			c.Handle(ev)
		}
	}
}

// Close stops scanning, drops any connection and stops all timers.
func (c *Central) Close() error {
	c.closeOnce.Do(func() { close(c.done) })

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.stopTimers()
	stop(&c.retryTimer)

	var errs []error
	if c.scanning.Load() {
		if err := c.stack.StopScan(); err != nil {
			errs = append(errs, fmt.Errorf("central: stop scan: %w", err))
		}
		c.scanning.Store(false)
	}
	if c.State() != StateIdle {
		if err := c.stack.Disconnect(c.conn, ReasonRemoteUserTerminated); err != nil {
			errs = append(errs, fmt.Errorf("central: disconnect: %w", err))
		}
		c.release()
	}
	return errors.Join(errs...)
}

// Handle processes one event.
func (c *Central) Handle(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	switch ev := ev.(type) {
	case DeviceFound:
		c.onDeviceFound(ev.Report)
	case ScanStopped:
		c.onScanStopped(ev)
	case Connected:
		c.onConnected(ev)
	case Disconnected:
		c.onDisconnected(ev)
	case AttributeFound:
		c.onAttributeFound(ev)
	case DiscoveryComplete:
		c.onDiscoveryComplete(ev)
	case SubscribeComplete:
		c.onSubscribeComplete(ev)
	case Notification:
		c.onNotification(ev)
	case connectTimeout:
		c.onConnectTimeout(ev)
	case stageTimeout:
		c.onStageTimeout(ev)
	case scanRetry:
		c.onScanRetry()
	default:
		slog.Debug("[CONN] unhandled event", "type", fmt.Sprintf("%T", ev))
	}
}

func (c *Central) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		slog.Debug("[CONN] state", "from", old, "to", s)
	}
}

// startScan starts scanning, or schedules a retry with backoff.
func (c *Central) startScan() error {
	stop(&c.retryTimer)
	if err := c.stack.StartScan(c.opts.ScanMode); err != nil {
		return c.retryScan(err)
	}
	c.scanAttempt = 0
	c.scanning.Store(true)
	slog.Debug("[SCAN] scanning", "mode", c.opts.ScanMode)
	return nil
}

// retryScan reports a scan failure and schedules the next start.
func (c *Central) retryScan(err error) *Error {
	delay := backoffDelay(c.scanAttempt, c.opts.ScanRetryMax)
	c.scanAttempt++
	e := newError(ScanStartFailed, err)
	slog.Warn("[SCAN] scan failed", "error", err, "retry_in", delay, "attempt", c.scanAttempt)
	c.report(e)
	attempt := c.scanAttempt
	c.retryTimer = c.after(delay, func() { c.post(scanRetry{attempt: attempt}) })
	return e
}

// onScanStopped re-arms scanning after the stack lost a running scan.
func (c *Central) onScanStopped(ev ScanStopped) {
	if !c.scanning.Load() {
		return
	}
	c.scanning.Store(false)
	err := ev.Err
	if err == nil {
		err = errors.New("scan ended")
	}
	stop(&c.retryTimer)
	_ = c.retryScan(err)
}

func (c *Central) onScanRetry() {
	if c.State() != StateIdle || c.scanning.Load() {
		return
	}
	_ = c.startScan()
}

func (c *Central) onDeviceFound(r AdvertisingReport) {
	if c.State() != StateIdle {
		return
	}
	if err := c.filter.Match(r); err != nil {
		if errors.Is(err, ErrMalformedAdvertisement) {
			slog.Debug("[SCAN] malformed advertisement", "addr", r.Addr, "error", err)
		}
		return
	}
	slog.Info("[SCAN] device found", "addr", r.Addr, "rssi", r.RSSI, "type", r.EventType)

	if err := c.stack.StopScan(); err != nil {
		slog.Warn("[SCAN] stop scan failed", "addr", r.Addr, "error", err)
		return
	}
	c.scanning.Store(false)

	c.connectAttempts.Add(1)
	conn, err := c.stack.CreateConnection(r.Addr, c.opts.ConnParams)
	if err != nil {
		c.report(newError(ConnectionCreateFailed, fmt.Errorf("%s: %w", r.Addr, err)))
		_ = c.startScan()
		return
	}
	c.conn = conn
	c.peer = r.Addr
	c.setState(StateConnecting)
	c.connTimer = c.after(c.opts.ConnectTimeout, func() { c.post(connectTimeout{conn: conn}) })
}

func (c *Central) onConnected(ev Connected) {
	if ev.Conn != c.conn {
		return
	}
	switch c.State() {
	case StateConnecting:
	case StateDisconnecting:
		if ev.Status != 0 {
			// Cancelled connection attempt completed.
			c.release()
			_ = c.startScan()
			return
		}
		if err := c.stack.Disconnect(ev.Conn, ReasonLocalHostTerminated); err != nil {
			slog.Warn("[CONN] disconnect failed", "error", err)
			c.release()
			_ = c.startScan()
		}
		return
	default:
		return
	}

	stop(&c.connTimer)
	if ev.Status != 0 {
		c.report(&Error{Kind: ConnectFailed, Status: ev.Status, Err: fmt.Errorf("%s", c.peer)})
		c.release()
		_ = c.startScan()
		return
	}

	c.setState(StateConnected)
	c.connections.Add(1)
	slog.Info("[CONN] connected", "addr", c.peer, "handle", ev.Conn)
	c.setIndicator(c.opts.LinkLED, true)

	c.session = newSession(ev.Conn, c.opts.Profile)
	c.submit()
}

func (c *Central) onDisconnected(ev Disconnected) {
	if c.State() == StateIdle || ev.Conn != c.conn {
		return
	}
	slog.Info("[CONN] disconnected", "addr", c.peer, "handle", ev.Conn, "reason", fmt.Sprintf("0x%02x", ev.Reason))
	c.release()
	_ = c.startScan()
}

// release frees the connection slot and everything tied to it.
func (c *Central) release() {
	c.stopTimers()
	if c.State() == StateConnected || c.State() == StateDisconnecting {
		c.setIndicator(c.opts.LinkLED, false)
	}
	c.session = nil
	c.sub.Reset()
	c.conn = 0
	c.peer = Addr{}
	c.setState(StateIdle)
}

// disconnect asks the stack to drop the link. If the request cannot be
// submitted the slot is released locally.
func (c *Central) disconnect(reason uint8) {
	if c.State() == StateIdle {
		return
	}
	c.setState(StateDisconnecting)
	if err := c.stack.Disconnect(c.conn, reason); err != nil {
		slog.Warn("[CONN] disconnect failed, releasing locally", "handle", c.conn, "error", err)
		c.release()
		_ = c.startScan()
	}
}

func (c *Central) onConnectTimeout(ev connectTimeout) {
	if c.State() != StateConnecting || ev.conn != c.conn {
		return
	}
	c.connTimer = nil
	c.report(&Error{Kind: ConnectTimeout, Err: fmt.Errorf("%s after %v", c.peer, c.opts.ConnectTimeout)})
	c.disconnect(ReasonLocalHostTerminated)
}

// submit sends the session's next discovery request.
func (c *Central) submit() {
	c.nextID++
	p := c.session.request(c.nextID)
	slog.Debug("[GATT] discover", "type", p.Type, "uuid", p.UUID.String(), "start", p.Start, "end", p.End, "id", p.ID)
	if err := c.stack.Discover(c.session.Conn, p); err != nil {
		c.failSession(newError(DiscoverySubmitFailed, fmt.Errorf("%s: %w", p.Type, err)), false)
		return
	}
	if c.opts.StageTimeout > 0 {
		conn, id := c.session.Conn, p.ID
		c.stageTimer = c.after(c.opts.StageTimeout, func() { c.post(stageTimeout{conn: conn, request: id}) })
	}
}

func (c *Central) onAttributeFound(ev AttributeFound) {
	s := c.session
	if s == nil || !s.owns(ev.Conn, ev.Request) {
		return
	}
	advanced, err := s.advance(ev.Attr)
	if err != nil {
		var e *Error
		if errors.As(err, &e) {
			c.failSession(e, false)
		}
		return
	}
	if !advanced {
		return
	}
	stop(&c.stageTimer)
	slog.Debug("[GATT] found", "uuid", ev.Attr.UUID.String(), "handle", ev.Attr.Handle, "next", s.Stage)

	if s.Stage == StageSubscribe {
		c.subscribe()
		return
	}
	c.submit()
}

func (c *Central) onDiscoveryComplete(ev DiscoveryComplete) {
	s := c.session
	if s == nil || !s.owns(ev.Conn, ev.Request) {
		return
	}
	c.failSession(s.mismatch(ev.Err), false)
}

func (c *Central) onStageTimeout(ev stageTimeout) {
	s := c.session
	if s == nil || !s.owns(ev.conn, ev.request) {
		return
	}
	c.stageTimer = nil
	err := &Error{Kind: DiscoveryTimeout, Err: fmt.Errorf("%s after %v", s.Stage, c.opts.StageTimeout)}
	c.failSession(err, true)
}

// failSession ends the discovery walk. The link stays up unless disconnect
// is set.
func (c *Central) failSession(err *Error, disconnect bool) {
	stop(&c.stageTimer)
	if c.session != nil {
		c.session.fail()
	}
	c.discoveryFailures.Add(1)
	c.report(err)
	if disconnect {
		c.disconnect(ReasonLocalHostTerminated)
	}
}

func (c *Central) subscribe() {
	s := c.session
	if err := c.sub.Subscribe(s.Conn, s.CCCHandle, s.ValueHandle); err != nil {
		s.fail()
		c.report(err)
		c.disconnect(ReasonLocalHostTerminated)
		return
	}
	s.markSubscribed()
	c.subscriptions.Add(1)
	slog.Info("[GATT] subscribed", "addr", c.peer, "value_handle", s.ValueHandle, "ccc_handle", s.CCCHandle)
}

func (c *Central) onSubscribeComplete(ev SubscribeComplete) {
	if err := c.sub.Complete(ev); err != nil {
		if c.session != nil {
			c.session.fail()
		}
		c.report(err)
		c.disconnect(ReasonLocalHostTerminated)
	}
}

func (c *Central) onNotification(ev Notification) {
	switch c.sub.Dispatch(ev) {
	case Delivered:
		c.notifications.Add(1)
		c.toggleIndicator(c.opts.ActivityLED)
	case Unsubscribed:
		slog.Info("[NOTIFY] unsubscribed", "value_handle", ev.ValueHandle)
		if c.session != nil {
			c.session.ValueHandle = 0
		}
	}
}

func (c *Central) deliver(data []byte) {
	slog.Debug("[NOTIFY] received", "len", len(data))
	if c.opts.OnNotification != nil {
		c.opts.OnNotification(data)
	}
}

func (c *Central) report(err error) {
	var e *Error
	tag := "[CONN]"
	if errors.As(err, &e) {
		switch e.Kind {
		case ScanStartFailed:
			tag = "[SCAN]"
		case DiscoverySubmitFailed, DiscoveryLayoutMismatch, DiscoveryTimeout, SubscribeFailed:
			tag = "[GATT]"
		}
	}
	slog.Warn(tag+" attempt failed", "error", err)
	if c.opts.OnError != nil {
		c.opts.OnError(err)
	}
}

func (c *Central) setIndicator(led Indicator, on bool) {
	if led == nil {
		return
	}
	if err := led.Set(on); err != nil {
		slog.Warn("[CONN] indicator", "error", err)
	}
}

func (c *Central) toggleIndicator(led Indicator) {
	if led == nil {
		return
	}
	if err := led.Toggle(); err != nil {
		slog.Warn("[NOTIFY] indicator", "error", err)
	}
}

// post queues a timer event for Run.
func (c *Central) post(ev Event) {
	select {
	case c.internal <- ev:
	case <-c.done:
	}
}

func (c *Central) stopTimers() {
	stop(&c.connTimer)
	stop(&c.stageTimer)
}

func stop(t *timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
