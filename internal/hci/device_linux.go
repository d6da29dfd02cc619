//go:build linux

package hci

import (
	"context"
	"fmt"
	"time"

	"github.com/chaz8081/blecentral/internal/central"
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	blehci "github.com/go-ble/ble/linux/hci"
	"github.com/go-ble/ble/linux/hci/cmd"
)

// Scan window and interval in 0.625 ms units.
const (
	scanInterval = 0x0060
	scanWindow   = 0x0030
)

// linuxDevice adapts a go-ble HCI device to Device.
type linuxDevice struct {
	*linux.Device
	params cmd.LECreateConnection
}

// Open opens hciN with the given connection parameters. The parameters are
// fixed for every connection the device makes.
func Open(id int, params central.ConnParams) (Device, error) {
	if params == (central.ConnParams{}) {
		params = central.DefaultConnParams()
	}
	conn := cmd.LECreateConnection{
		LEScanInterval:        scanInterval,
		LEScanWindow:          scanWindow,
		InitiatorFilterPolicy: 0x00, // use peer address
		PeerAddressType:       0x00, // public
		OwnAddressType:        0x00, // public
		ConnIntervalMin:       params.IntervalMin,
		ConnIntervalMax:       params.IntervalMax,
		ConnLatency:           params.Latency,
		SupervisionTimeout:    params.SupervisionTimeout,
		MinimumCELength:       0x0000,
		MaximumCELength:       0x0000,
	}
	d, err := linux.NewDevice(
		ble.OptDeviceID(id),
		ble.OptDialerTimeout(30*time.Second),
		ble.OptConnParams(conn),
	)
	if err != nil {
		return nil, fmt.Errorf("hci: open hci%d: %w", id, err)
	}
	return &linuxDevice{Device: d, params: conn}, nil
}

// Dial connects to a. go-ble only switches the peer address type to random
// and never back, so the parameters are reset before every dial.
func (d *linuxDevice) Dial(ctx context.Context, a ble.Addr) (Client, error) {
	params := d.params
	if r, ok := a.(RandomAddr); ok {
		params.PeerAddressType = 0x01 // random
		a = blehci.RandomAddress{Addr: r.Addr}
	}
	if err := d.HCI.Option(ble.OptConnParams(params)); err != nil {
		return nil, fmt.Errorf("hci: set connection parameters: %w", err)
	}
	return d.Device.Dial(ctx, a)
}

// SetScanMode reprograms the scan parameters. Scanning must be stopped.
func (d *linuxDevice) SetScanMode(mode central.ScanMode) error {
	scanType := uint8(0x00) // passive
	if mode == central.ScanActive {
		scanType = 0x01
	}
	return d.HCI.Send(&cmd.LESetScanParameters{
		LEScanType:           scanType,
		LEScanInterval:       scanInterval,
		LEScanWindow:         scanWindow,
		OwnAddressType:       0x00, // public
		ScanningFilterPolicy: 0x00, // accept all
	}, nil)
}
