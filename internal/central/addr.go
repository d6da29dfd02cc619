package central

import (
	"fmt"
	"net"
)

// AddrType is a Bluetooth LE address type.
type AddrType uint8

const (
	AddrPublic AddrType = iota
	AddrRandom
)

func (t AddrType) String() string {
	if t == AddrRandom {
		return "random"
	}
	return "public"
}

// Addr is a Bluetooth device address. MAC is in display order, most
// significant byte first.
type Addr struct {
	MAC  [6]byte
	Type AddrType
}

// ParseAddr parses "AA:BB:CC:DD:EE:FF" (or with dashes) into an Addr of the
// given type.
func ParseAddr(s string, t AddrType) (Addr, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return Addr{}, fmt.Errorf("central: invalid address %q: %w", s, err)
	}
	if len(hw) != 6 {
		return Addr{}, fmt.Errorf("central: invalid address %q: not a 48-bit address", s)
	}
	a := Addr{Type: t}
	copy(a.MAC[:], hw)
	return a, nil
}

func (a Addr) String() string {
	m := a.MAC
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", m[0], m[1], m[2], m[3], m[4], m[5])
}

// EventType is the advertising PDU type of a report.
type EventType uint8

const (
	AdvConnectableUndirected EventType = 0x00
	AdvConnectableDirected   EventType = 0x01
	AdvScannable             EventType = 0x02
	AdvNonConnectable        EventType = 0x03
	AdvScanResponse          EventType = 0x04
)

// Connectable reports whether a connection may be initiated in response to
// this advertisement.
func (t EventType) Connectable() bool {
	return t == AdvConnectableUndirected || t == AdvConnectableDirected
}

func (t EventType) String() string {
	switch t {
	case AdvConnectableUndirected:
		return "ADV_IND"
	case AdvConnectableDirected:
		return "ADV_DIRECT_IND"
	case AdvScannable:
		return "ADV_SCAN_IND"
	case AdvNonConnectable:
		return "ADV_NONCONN_IND"
	case AdvScanResponse:
		return "SCAN_RSP"
	default:
		return fmt.Sprintf("EventType(%#x)", uint8(t))
	}
}

// AdvertisingReport is one received advertisement.
type AdvertisingReport struct {
	Addr      Addr
	RSSI      int8
	EventType EventType
	Data      []byte
}
