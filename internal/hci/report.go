package hci

import (
	"fmt"

	"github.com/chaz8081/blecentral/internal/central"
	"github.com/chaz8081/blecentral/internal/central/advert"
	"github.com/go-ble/ble"
)

// Optional accessors on go-ble's HCI advertisement.
type (
	rawData interface {
		Data() []byte
		ScanResponse() []byte
	}
	eventTyped interface {
		EventType() uint8
	}
	addrTyped interface {
		AddressType() uint8
	}
)

// Report converts a go-ble advertisement into an advertising report. The
// raw AD payload is used when the controller exposes it; otherwise the
// payload is rebuilt from the decoded service list and name.
func Report(a ble.Advertisement) (central.AdvertisingReport, error) {
	t := central.AddrPublic
	if at, ok := a.(addrTyped); ok && at.AddressType() == 1 {
		t = central.AddrRandom
	}
	addr, err := central.ParseAddr(a.Addr().String(), t)
	if err != nil {
		return central.AdvertisingReport{}, fmt.Errorf("hci: advertisement address: %w", err)
	}

	r := central.AdvertisingReport{
		Addr:      addr,
		RSSI:      clampRSSI(a.RSSI()),
		EventType: eventType(a),
	}
	if raw, ok := a.(rawData); ok && len(raw.Data()) > 0 {
		r.Data = append(append([]byte(nil), raw.Data()...), raw.ScanResponse()...)
		return r, nil
	}
	r.Data = rebuild(a)
	return r, nil
}

func eventType(a ble.Advertisement) central.EventType {
	if et, ok := a.(eventTyped); ok {
		return central.EventType(et.EventType())
	}
	if a.Connectable() {
		return central.AdvConnectableUndirected
	}
	return central.AdvNonConnectable
}

func rebuild(a ble.Advertisement) []byte {
	var p advert.Payload
	svcs := append(append([]ble.UUID(nil), a.Services()...), a.OverflowService()...)
	p = p.AppendServices(svcs...)
	if name := a.LocalName(); name != "" {
		p = p.AppendName(name)
	}
	return p
}

func clampRSSI(v int) int8 {
	switch {
	case v < -128:
		return -128
	case v > 127:
		return 127
	default:
		return int8(v)
	}
}
