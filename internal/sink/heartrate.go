package sink

import (
	"fmt"
	"log/slog"

	"github.com/chaz8081/blecentral/internal/central/heartrate"
)

// HeartRateSink decodes Heart Rate Measurement values and passes them on.
type HeartRateSink struct {
	next func(heartrate.Measurement)
}

// Compile-time interface satisfaction check.
var _ Sink = (*HeartRateSink)(nil)

// NewHeartRateSink returns a sink that calls next for each decoded
// measurement. A nil next only logs.
func NewHeartRateSink(next func(heartrate.Measurement)) *HeartRateSink {
	return &HeartRateSink{next: next}
}

func (h *HeartRateSink) Deliver(data []byte) error {
	m, err := heartrate.Decode(data)
	if err != nil {
		return fmt.Errorf("sink: %w", err)
	}
	slog.Info("[NOTIFY] heart rate", "bpm", m.BPM, "contact", m.Contact, "rr", m.RR)
	if h.next != nil {
		h.next(m)
	}
	return nil
}
