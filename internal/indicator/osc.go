package indicator

import (
	"fmt"
	"net"
	"strconv"

	"github.com/hypebeast/go-osc/osc"
)

// AddressPrefix is the OSC address space used for LED state.
const AddressPrefix = "/blecentral/led/"

// Sender sends OSC packets. *osc.Client implements it.
type Sender interface {
	Send(packet osc.Packet) error
}

// OSCWriter publishes LED levels as OSC messages: AddressPrefix+name with a
// single int32 argument, 1 for on and 0 for off.
type OSCWriter struct {
	sender Sender
}

// NewOSCWriter returns a writer sending through s.
func NewOSCWriter(s Sender) *OSCWriter {
	if s == nil {
		panic("indicator: NewOSCWriter called with nil sender")
	}
	return &OSCWriter{sender: s}
}

func (o *OSCWriter) Write(name string, on bool) error {
	msg := osc.NewMessage(AddressPrefix + name)
	var v int32
	if on {
		v = 1
	}
	msg.Append(v)
	if err := o.sender.Send(msg); err != nil {
		return fmt.Errorf("osc send %s: %w", msg.Address, err)
	}
	return nil
}

// NewOSCClient returns a UDP OSC client for "host:port".
func NewOSCClient(address string) (*osc.Client, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("indicator: osc address %q: %w", address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("indicator: osc address %q: invalid port", address)
	}
	return osc.NewClient(host, port), nil
}

// NewOSCLED returns an LED mirrored to an OSC receiver.
func NewOSCLED(name string, s Sender) *Pin {
	return NewPin(name, NewOSCWriter(s))
}
