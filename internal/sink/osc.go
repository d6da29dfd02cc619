package sink

import (
	"bytes"
	"fmt"

	"github.com/hypebeast/go-osc/osc"
)

// NotifyAddress is the OSC address notification values are forwarded to.
const NotifyAddress = "/blecentral/notify"

// Sender sends OSC packets. *osc.Client implements it.
type Sender interface {
	Send(packet osc.Packet) error
}

// OSCSink forwards each value as an OSC blob.
type OSCSink struct {
	sender  Sender
	address string
}

// Compile-time interface satisfaction check.
var _ Sink = (*OSCSink)(nil)

// NewOSCSink creates an OSCSink sending to NotifyAddress through s.
// Panics if s is nil (programmer error).
func NewOSCSink(s Sender) *OSCSink {
	if s == nil {
		panic("sink: NewOSCSink called with nil sender")
	}
	return &OSCSink{sender: s, address: NotifyAddress}
}

func (o *OSCSink) Deliver(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	msg := osc.NewMessage(o.address)
	msg.Append(bytes.Clone(data))
	if err := o.sender.Send(msg); err != nil {
		return fmt.Errorf("sink: osc send: %w", err)
	}
	return nil
}
