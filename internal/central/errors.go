package central

import (
	"errors"
	"fmt"
)

// ErrorKind classifies central failures. Every kind ends the current attempt
// only; none is fatal.
type ErrorKind int

const (
	ScanStartFailed ErrorKind = iota + 1
	ConnectionCreateFailed
	ConnectFailed
	ConnectTimeout
	DiscoverySubmitFailed
	DiscoveryLayoutMismatch
	DiscoveryTimeout
	SubscribeFailed
)

func (k ErrorKind) String() string {
	switch k {
	case ScanStartFailed:
		return "scan start failed"
	case ConnectionCreateFailed:
		return "connection create failed"
	case ConnectFailed:
		return "connect failed"
	case ConnectTimeout:
		return "connect timeout"
	case DiscoverySubmitFailed:
		return "discovery submit failed"
	case DiscoveryLayoutMismatch:
		return "discovery layout mismatch"
	case DiscoveryTimeout:
		return "discovery timeout"
	case SubscribeFailed:
		return "subscribe failed"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Error is a central failure. Status carries the HCI or ATT status code when
// the stack reported one.
type Error struct {
	Kind   ErrorKind
	Status uint8
	Err    error
}

func (e *Error) Error() string {
	msg := "central: " + e.Kind.String()
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status 0x%02x)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrConnectFailed)
// holds regardless of status or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Status == 0 && t.Err == nil
}

// Kind sentinels for errors.Is.
var (
	ErrScanStartFailed         = &Error{Kind: ScanStartFailed}
	ErrConnectionCreateFailed  = &Error{Kind: ConnectionCreateFailed}
	ErrConnectFailed           = &Error{Kind: ConnectFailed}
	ErrConnectTimeout          = &Error{Kind: ConnectTimeout}
	ErrDiscoverySubmitFailed   = &Error{Kind: DiscoverySubmitFailed}
	ErrDiscoveryLayoutMismatch = &Error{Kind: DiscoveryLayoutMismatch}
	ErrDiscoveryTimeout        = &Error{Kind: DiscoveryTimeout}
	ErrSubscribeFailed         = &Error{Kind: SubscribeFailed}
)

func newError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Status: statusOf(err), Err: err}
}

// statusOf extracts a protocol status code from err, if it carries one.
func statusOf(err error) uint8 {
	var s interface{ Status() uint8 }
	if errors.As(err, &s) {
		return s.Status()
	}
	return 0
}

// StatusError is a stack error carrying an HCI or ATT status code.
type StatusError struct {
	Code uint8
	Op   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status 0x%02x", e.Op, e.Code)
}

// Status returns the status code.
func (e *StatusError) Status() uint8 { return e.Code }
