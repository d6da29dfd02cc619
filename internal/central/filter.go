package central

import (
	"errors"
	"fmt"

	"github.com/chaz8081/blecentral/internal/central/advert"
	"github.com/go-ble/ble"
)

// DefaultRSSIThreshold is the weakest signal, in dBm, the central connects to.
const DefaultRSSIThreshold int8 = -70

// Reasons a report is rejected by ScanFilter.Match.
var (
	ErrNotConnectable         = errors.New("central: advertisement is not connectable")
	ErrOutOfRange             = errors.New("central: signal below threshold")
	ErrTargetMissing          = errors.New("central: target service not advertised")
	ErrMalformedAdvertisement = errors.New("central: malformed advertising data")
)

// ScanFilter decides which advertisements are worth connecting to.
type ScanFilter struct {
	Target        ble.UUID
	RSSIThreshold int8
}

// Match returns nil if r is a connectable advertisement of Target at or above
// RSSIThreshold, otherwise the reason it was rejected.
func (f ScanFilter) Match(r AdvertisingReport) error {
	if !r.EventType.Connectable() {
		return ErrNotConnectable
	}
	if r.RSSI < f.RSSIThreshold {
		return ErrOutOfRange
	}
	ok, err := advert.HasUUID(r.Data, f.Target)
	if err != nil {
		if errors.Is(err, advert.ErrMalformed) {
			return fmt.Errorf("%w: %v", ErrMalformedAdvertisement, err)
		}
		return err
	}
	if !ok {
		return ErrTargetMissing
	}
	return nil
}
