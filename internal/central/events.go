package central

// Event is a notification from the Stack. Backends send events on the
// channel passed to Central.Run, or call Central.Handle directly from a
// single goroutine.
type Event interface {
	event()
}

// DeviceFound carries one advertising report.
type DeviceFound struct {
	Report AdvertisingReport
}

// ScanStopped reports that a running scan ended without a StopScan call.
// Err is the cause.
type ScanStopped struct {
	Err error
}

// Connected reports the outcome of CreateConnection. Status is zero on
// success and an HCI error code otherwise.
type Connected struct {
	Conn   ConnHandle
	Peer   Addr
	Status uint8
}

// Disconnected reports that a link went down.
type Disconnected struct {
	Conn   ConnHandle
	Reason uint8
}

// AttributeFound is one result of the discovery request Request.
type AttributeFound struct {
	Conn    ConnHandle
	Request uint32
	Attr    Attribute
}

// DiscoveryComplete ends the discovery request Request. Err is set when the
// procedure failed rather than running out of attributes.
type DiscoveryComplete struct {
	Conn    ConnHandle
	Request uint32
	Err     error
}

// SubscribeComplete reports the result of the CCC write for ValueHandle.
type SubscribeComplete struct {
	Conn        ConnHandle
	ValueHandle uint16
	Err         error
}

// Notification carries a notification value. Empty Data means the
// subscription was removed.
type Notification struct {
	Conn        ConnHandle
	ValueHandle uint16
	Data        []byte
}

func (DeviceFound) event()       {}
func (ScanStopped) event()       {}
func (Connected) event()         {}
func (Disconnected) event()      {}
func (AttributeFound) event()    {}
func (DiscoveryComplete) event() {}
func (SubscribeComplete) event() {}
func (Notification) event()      {}

// Timer events posted by the central to itself.
type connectTimeout struct {
	conn ConnHandle
}

type stageTimeout struct {
	conn    ConnHandle
	request uint32
}

type scanRetry struct {
	attempt int
}

func (connectTimeout) event() {}
func (stageTimeout) event()   {}
func (scanRetry) event()      {}
