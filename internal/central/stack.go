// Package central implements a BLE central that scans for a peripheral
// advertising a target GATT service, connects to it, walks its attribute
// table down to the target characteristic's Client Characteristic
// Configuration descriptor, and subscribes to notifications.
//
// The Bluetooth host stack itself sits behind the Stack interface. Backends
// report asynchronous results as Event values, which a Central consumes on a
// single goroutine.
package central

import (
	"errors"

	"github.com/go-ble/ble"
)

// ConnHandle identifies a connection within a Stack.
type ConnHandle uint16

// ScanMode selects passive or active scanning.
type ScanMode int

const (
	ScanPassive ScanMode = iota
	ScanActive
)

func (m ScanMode) String() string {
	if m == ScanActive {
		return "active"
	}
	return "passive"
}

// ConnParams are LE connection parameters. Intervals are in 1.25 ms units and
// the supervision timeout in 10 ms units.
type ConnParams struct {
	IntervalMin        uint16
	IntervalMax        uint16
	Latency            uint16
	SupervisionTimeout uint16
}

// DefaultConnParams returns 30-50 ms intervals, no latency and a 4 s
// supervision timeout.
func DefaultConnParams() ConnParams {
	return ConnParams{
		IntervalMin:        0x0018,
		IntervalMax:        0x0028,
		Latency:            0,
		SupervisionTimeout: 400,
	}
}

// Disconnect reasons (HCI error codes).
const (
	ReasonRemoteUserTerminated uint8 = 0x13
	ReasonLocalHostTerminated  uint8 = 0x16
)

// Attribute handle range.
const (
	FirstAttributeHandle uint16 = 0x0001
	LastAttributeHandle  uint16 = 0xFFFF
)

// CCC descriptor values.
const (
	CCCNotify   uint16 = 0x0001
	CCCIndicate uint16 = 0x0002
)

// CCCUUID is the Client Characteristic Configuration descriptor UUID (0x2902).
var CCCUUID = ble.UUID16(0x2902)

// DiscoveryType is the kind of GATT discovery procedure to run.
type DiscoveryType int

const (
	DiscoverPrimary DiscoveryType = iota
	DiscoverCharacteristic
	DiscoverDescriptor
)

func (t DiscoveryType) String() string {
	switch t {
	case DiscoverPrimary:
		return "primary"
	case DiscoverCharacteristic:
		return "characteristic"
	case DiscoverDescriptor:
		return "descriptor"
	default:
		return "unknown"
	}
}

// DiscoveryParams describes one discovery request. Results for the request
// are reported as AttributeFound events carrying the same ID, followed by a
// single DiscoveryComplete.
type DiscoveryParams struct {
	ID    uint32
	Type  DiscoveryType
	UUID  ble.UUID
	Start uint16
	End   uint16
}

// Attribute is one discovery result. For services Handle is the declaration
// handle and EndHandle the last handle of the group. For characteristics
// Handle is the declaration handle and ValueHandle the value handle. For
// descriptors only Handle is set.
type Attribute struct {
	Handle      uint16
	UUID        ble.UUID
	ValueHandle uint16
	EndHandle   uint16
}

// SubscribeParams selects the CCC descriptor to write and the value handle
// notifications will arrive on.
type SubscribeParams struct {
	CCCHandle   uint16
	ValueHandle uint16
	Value       uint16
}

// ErrAlreadySubscribed is returned by a Stack when the subscription already
// exists. The central treats it as success.
var ErrAlreadySubscribed = errors.New("central: already subscribed")

// Stack abstracts the Bluetooth host stack for the central. Methods submit a
// request and return once it has been accepted; results arrive as events.
type Stack interface {
	// StartScan starts LE scanning. Reports arrive as DeviceFound events.
	StartScan(mode ScanMode) error
	// StopScan stops LE scanning.
	StopScan() error
	// CreateConnection initiates a connection. The outcome arrives as a
	// Connected event for the returned handle.
	CreateConnection(addr Addr, params ConnParams) (ConnHandle, error)
	// Disconnect terminates a connection or cancels a pending one.
	Disconnect(conn ConnHandle, reason uint8) error
	// Discover submits a GATT discovery request.
	Discover(conn ConnHandle, params DiscoveryParams) error
	// Subscribe writes the CCC descriptor to enable notifications.
	Subscribe(conn ConnHandle, params SubscribeParams) error
}
