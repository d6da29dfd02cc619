package central

import (
	"fmt"

	"github.com/go-ble/ble"
)

// Profile names the service and characteristic to subscribe to.
type Profile struct {
	Name           string
	Service        ble.UUID
	Characteristic ble.UUID
}

func (p Profile) String() string {
	return fmt.Sprintf("%s (service %s, characteristic %s)", p.Name, p.Service, p.Characteristic)
}

// Validate checks that both UUIDs are 16 or 128 bits wide.
func (p Profile) Validate() error {
	for _, u := range []ble.UUID{p.Service, p.Characteristic} {
		if n := u.Len(); n != 2 && n != 16 {
			return fmt.Errorf("central: profile %q: UUID %q must be 16 or 128 bits", p.Name, u)
		}
	}
	return nil
}

var (
	// KeyPressProfile is the custom key press service.
	KeyPressProfile = Profile{
		Name:           "keypress",
		Service:        ble.MustParse("DEADBEEF-FEED-BEEF-F1D0-FFFFFFFFFFFF"),
		Characteristic: ble.MustParse("12345678-1234-5678-1234-EEEEEEEEEEEE"),
	}

	// HeartRateProfile is the Heart Rate service and its measurement characteristic.
	HeartRateProfile = Profile{
		Name:           "heart-rate",
		Service:        ble.UUID16(0x180D),
		Characteristic: ble.UUID16(0x2A37),
	}
)
