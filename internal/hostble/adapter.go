// Package hostble runs the central on the operating system's Bluetooth
// service (BlueZ, CoreBluetooth or WinRT) through tinygo's bluetooth
// package. The OS stacks hide ATT handles, so the backend hands the central
// a synthesized handle table that maps back onto the discovered objects.
package hostble

import "github.com/go-ble/ble"

// Advertisement is one scan result as the OS reports it.
type Advertisement struct {
	// ID is the platform address: a MAC, or a CoreBluetooth UUID on macOS.
	ID     string
	Random bool
	RSSI   int16
	Name   string
	// Raw is the AD payload when the platform exposes it.
	Raw []byte
	// HasService reports whether the advertisement lists a service.
	HasService func(u ble.UUID) bool
}

// Characteristic is a discovered GATT characteristic.
type Characteristic interface {
	UUID() ble.UUID
	// EnableNotifications writes the CCC descriptor and routes values to h.
	EnableNotifications(h func(buf []byte)) error
}

// Service is a discovered GATT service.
type Service interface {
	UUID() ble.UUID
	DiscoverCharacteristics(uuids []ble.UUID) ([]Characteristic, error)
}

// Peripheral is a connected device.
type Peripheral interface {
	DiscoverServices(uuids []ble.UUID) ([]Service, error)
	Disconnect() error
}

// Adapter abstracts the OS Bluetooth adapter for testing.
type Adapter interface {
	// Enable powers on the adapter.
	Enable() error
	// Scan blocks, calling h per advertisement, until StopScan.
	Scan(h func(Advertisement)) error
	// StopScan ends a running Scan.
	StopScan() error
	// Connect blocks until the device with the given ID is connected or the
	// platform gives up.
	Connect(id string) (Peripheral, error)
	// SetConnectHandler registers a callback for link changes.
	SetConnectHandler(h func(id string, connected bool))
}
