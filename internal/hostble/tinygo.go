package hostble

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"tinygo.org/x/bluetooth"
)

// TinyGoAdapter wraps tinygo-org/bluetooth. On macOS device addresses are
// CoreBluetooth UUIDs rather than MAC addresses.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter
	watch   []bluetooth.UUID

	// mu protects seen.
	mu   sync.Mutex
	seen map[string]bluetooth.Address
}

// NewTinyGoAdapter creates an adapter on the default OS adapter. watch lists
// the services to probe for on platforms that do not expose raw
// advertising data.
func NewTinyGoAdapter(watch ...ble.UUID) *TinyGoAdapter {
	a := &TinyGoAdapter{
		adapter: bluetooth.DefaultAdapter,
		seen:    make(map[string]bluetooth.Address),
	}
	for _, u := range watch {
		a.watch = append(a.watch, toTinyGo(u))
	}
	return a
}

func (a *TinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return fmt.Errorf("hostble: enable adapter: %w", err)
	}
	return nil
}

func (a *TinyGoAdapter) Scan(h func(Advertisement)) error {
	return a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		id := result.Address.String()
		a.mu.Lock()
		a.seen[id] = result.Address
		a.mu.Unlock()

		h(Advertisement{
			ID:   id,
			RSSI: result.RSSI,
			Name: result.LocalName(),
			Raw:  result.Bytes(),
			HasService: func(u ble.UUID) bool {
				return result.HasServiceUUID(toTinyGo(u))
			},
		})
	})
}

func (a *TinyGoAdapter) StopScan() error {
	return a.adapter.StopScan()
}

func (a *TinyGoAdapter) Connect(id string) (Peripheral, error) {
	a.mu.Lock()
	addr, ok := a.seen[id]
	a.mu.Unlock()
	if !ok {
		addr.Set(id)
	}
	dev, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, err
	}
	return &tinyGoDevice{dev: dev}, nil
}

func (a *TinyGoAdapter) SetConnectHandler(h func(id string, connected bool)) {
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		h(device.Address.String(), connected)
	})
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

type tinyGoDevice struct {
	dev bluetooth.Device
}

func (d *tinyGoDevice) DiscoverServices(uuids []ble.UUID) ([]Service, error) {
	svcs, err := d.dev.DiscoverServices(toTinyGoList(uuids))
	if err != nil {
		return nil, err
	}
	out := make([]Service, len(svcs))
	for i := range svcs {
		out[i] = &tinyGoService{svc: svcs[i]}
	}
	return out, nil
}

func (d *tinyGoDevice) Disconnect() error {
	return d.dev.Disconnect()
}

type tinyGoService struct {
	svc bluetooth.DeviceService
}

func (s *tinyGoService) UUID() ble.UUID { return fromTinyGo(s.svc.UUID()) }

func (s *tinyGoService) DiscoverCharacteristics(uuids []ble.UUID) ([]Characteristic, error) {
	chars, err := s.svc.DiscoverCharacteristics(toTinyGoList(uuids))
	if err != nil {
		return nil, err
	}
	out := make([]Characteristic, len(chars))
	for i := range chars {
		out[i] = &tinyGoCharacteristic{char: chars[i]}
	}
	return out, nil
}

type tinyGoCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *tinyGoCharacteristic) UUID() ble.UUID { return fromTinyGo(c.char.UUID()) }

func (c *tinyGoCharacteristic) EnableNotifications(h func(buf []byte)) error {
	return c.char.EnableNotifications(h)
}

// toTinyGo converts an over-the-air UUID. 16-bit UUIDs expand onto the
// Bluetooth base UUID.
func toTinyGo(u ble.UUID) bluetooth.UUID {
	if len(u) == 2 {
		return bluetooth.New16BitUUID(binary.LittleEndian.Uint16(u))
	}
	var out bluetooth.UUID
	if len(u) != 16 {
		return out
	}
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(u[4*i:])
	}
	return out
}

// fromTinyGo converts back to over-the-air order. UUIDs on the Bluetooth
// base collapse to their 16-bit form.
func fromTinyGo(u bluetooth.UUID) ble.UUID {
	if u.Is16Bit() {
		return ble.UUID16(uint16(u[3]))
	}
	out := make(ble.UUID, 16)
	for i, w := range u {
		binary.LittleEndian.PutUint32(out[4*i:], w)
	}
	return out
}

func toTinyGoList(uuids []ble.UUID) []bluetooth.UUID {
	if len(uuids) == 0 {
		return nil
	}
	out := make([]bluetooth.UUID, len(uuids))
	for i, u := range uuids {
		out[i] = toTinyGo(u)
	}
	return out
}
