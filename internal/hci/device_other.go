//go:build !linux

package hci

import (
	"errors"

	"github.com/chaz8081/blecentral/internal/central"
)

// ErrUnsupported is returned by Open on platforms without raw HCI sockets.
var ErrUnsupported = errors.New("hci: local controller access requires linux; use the host backend")

// Open is only available on linux.
func Open(id int, params central.ConnParams) (Device, error) {
	return nil, ErrUnsupported
}
