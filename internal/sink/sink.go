// Package sink delivers notification values received by the central to the
// application: a log, an OSC receiver, or a decoder.
package sink

import (
	"encoding/hex"
	"errors"
	"log/slog"

	"github.com/chaz8081/blecentral/internal/central"
)

// Sink consumes notification values. data is only valid for the duration
// of the call.
type Sink interface {
	Deliver(data []byte) error
}

// Func adapts a function to Sink.
type Func func(data []byte) error

func (f Func) Deliver(data []byte) error { return f(data) }

// LogSink logs every value as hex.
type LogSink struct {
	Profile string
}

// Compile-time interface satisfaction check.
var _ Sink = LogSink{}

func (l LogSink) Deliver(data []byte) error {
	slog.Info("[NOTIFY] value", "profile", l.Profile, "len", len(data), "data", hex.EncodeToString(data))
	return nil
}

// Multi delivers to every sink in order and joins their errors.
type Multi []Sink

func (m Multi) Deliver(data []byte) error {
	var errs []error
	for _, s := range m {
		if err := s.Deliver(data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Handler adapts s to a central.NotificationHandler. Delivery errors are
// logged and dropped; a stale notification is worth less than the next one.
// Panics if s is nil (programmer error).
func Handler(s Sink) central.NotificationHandler {
	if s == nil {
		panic("sink: Handler called with nil sink")
	}
	return func(data []byte) {
		if len(data) == 0 {
			return
		}
		if err := s.Deliver(data); err != nil {
			slog.Warn("[NOTIFY] delivery failed", "error", err)
		}
	}
}
