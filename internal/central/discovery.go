package central

import (
	"fmt"
	"slices"

	"github.com/go-ble/ble"
)

// Stage is a step of the GATT discovery walk.
type Stage int

const (
	StagePrimaryService Stage = iota
	StageCharacteristic
	StageDescriptor
	StageSubscribe
	StageSubscribed
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StagePrimaryService:
		return "primary-service"
	case StageCharacteristic:
		return "characteristic"
	case StageDescriptor:
		return "descriptor"
	case StageSubscribe:
		return "subscribe"
	case StageSubscribed:
		return "subscribed"
	case StageFailed:
		return "failed"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// DiscoverySession walks one connection from the primary service down to
// the CCC descriptor of the profile's characteristic. At most one discovery
// request is outstanding at a time; Params holds it.
type DiscoverySession struct {
	Conn        ConnHandle
	Stage       Stage
	Params      DiscoveryParams
	ValueHandle uint16
	CCCHandle   uint16

	profile Profile
	history []Stage
}

func newSession(conn ConnHandle, p Profile) *DiscoverySession {
	return &DiscoverySession{
		Conn:    conn,
		Stage:   StagePrimaryService,
		profile: p,
		history: []Stage{StagePrimaryService},
		Params: DiscoveryParams{
			Type:  DiscoverPrimary,
			UUID:  p.Service,
			Start: FirstAttributeHandle,
			End:   LastAttributeHandle,
		},
	}
}

// History returns the stages entered so far, in order.
func (s *DiscoverySession) History() []Stage {
	return slices.Clone(s.history)
}

// Active reports whether the session is still waiting on discovery results.
func (s *DiscoverySession) Active() bool {
	return s.Stage == StagePrimaryService || s.Stage == StageCharacteristic || s.Stage == StageDescriptor
}

// request stamps the current stage's parameters with id and returns them.
func (s *DiscoverySession) request(id uint32) DiscoveryParams {
	s.Params.ID = id
	return s.Params
}

// owns reports whether an event for (conn, request) belongs to the
// outstanding request.
func (s *DiscoverySession) owns(conn ConnHandle, request uint32) bool {
	return s.Active() && s.Conn == conn && s.Params.ID == request
}

// advance applies one discovery result. It returns true when the result
// matched and the session moved to the next stage. Results for other UUIDs
// are skipped. An error means the attribute layout cannot be walked further.
func (s *DiscoverySession) advance(a Attribute) (bool, error) {
	if !s.Active() || !s.Params.UUID.Equal(a.UUID) {
		return false, nil
	}

	switch s.Stage {
	case StagePrimaryService:
		if a.Handle == LastAttributeHandle {
			return false, s.layoutError("service %s at last handle", a.UUID)
		}
		end := LastAttributeHandle
		if a.EndHandle > a.Handle {
			end = a.EndHandle
		}
		s.enter(StageCharacteristic, DiscoveryParams{
			Type:  DiscoverCharacteristic,
			UUID:  s.profile.Characteristic,
			Start: a.Handle + 1,
			End:   end,
		})

	case StageCharacteristic:
		if a.Handle >= LastAttributeHandle-1 || a.Handle+2 > s.Params.End {
			return false, s.layoutError("characteristic %s at 0x%04x leaves no room for descriptors", a.UUID, a.Handle)
		}
		s.ValueHandle = a.ValueHandle
		if s.ValueHandle == 0 {
			s.ValueHandle = a.Handle + 1
		}
		s.enter(StageDescriptor, DiscoveryParams{
			Type:  DiscoverDescriptor,
			UUID:  CCCUUID,
			Start: a.Handle + 2,
			End:   s.Params.End,
		})

	case StageDescriptor:
		s.CCCHandle = a.Handle
		s.enter(StageSubscribe, DiscoveryParams{})
	}
	return true, nil
}

func (s *DiscoverySession) enter(stage Stage, p DiscoveryParams) {
	s.Stage = stage
	s.Params = p
	s.history = append(s.history, stage)
}

func (s *DiscoverySession) fail() {
	if s.Stage != StageFailed {
		s.enter(StageFailed, s.Params)
	}
}

func (s *DiscoverySession) markSubscribed() {
	s.enter(StageSubscribed, DiscoveryParams{})
}

// mismatch builds the error for a request that completed without a match.
func (s *DiscoverySession) mismatch(cause error) *Error {
	err := fmt.Errorf("%s %s not found in 0x%04x-0x%04x", s.Params.Type, targetName(s.Params.UUID), s.Params.Start, s.Params.End)
	if cause != nil {
		err = fmt.Errorf("%w: %w", err, cause)
	}
	return newError(DiscoveryLayoutMismatch, err)
}

func (s *DiscoverySession) layoutError(format string, args ...any) *Error {
	return &Error{Kind: DiscoveryLayoutMismatch, Err: fmt.Errorf(format, args...)}
}

func targetName(u ble.UUID) string {
	if name := ble.Name(u); name != "" {
		return fmt.Sprintf("%s (%s)", u, name)
	}
	return u.String()
}
