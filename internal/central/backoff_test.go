package central

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	delays := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped
		30 * time.Second, // still capped
	}

	for i, want := range delays {
		got := backoffDelay(i, 30*time.Second)
		if got != want {
			t.Errorf("backoffDelay(%d, 30s) = %v, want %v", i, got, want)
		}
	}
}

func TestBackoffDelayOverflowProtection(t *testing.T) {
	// 1<<100 would overflow without the shift cap.
	if got := backoffDelay(100, 30*time.Second); got != 30*time.Second {
		t.Errorf("backoffDelay(100, 30s) = %v, want 30s", got)
	}
	got := backoffDelay(31, time.Minute)
	if got <= 0 || got > time.Minute {
		t.Errorf("backoffDelay(31, 1m) = %v, want within (0, 1m]", got)
	}
	if got := backoffDelay(-1, time.Minute); got != time.Second {
		t.Errorf("backoffDelay(-1, 1m) = %v, want 1s", got)
	}
}

type hciStatus uint8

func (s hciStatus) Error() string { return fmt.Sprintf("hci status %d", uint8(s)) }
func (s hciStatus) Status() uint8 { return uint8(s) }

func TestErrorIsMatchesKind(t *testing.T) {
	cause := fmt.Errorf("write ccc: %w", hciStatus(0x05))
	err := newError(SubscribeFailed, cause)

	if !errors.Is(err, ErrSubscribeFailed) {
		t.Error("errors.Is(err, ErrSubscribeFailed) = false, want true")
	}
	if errors.Is(err, ErrConnectFailed) {
		t.Error("errors.Is(err, ErrConnectFailed) = true, want false")
	}
	if err.Status != 0x05 {
		t.Errorf("Status = %#x, want 0x05", err.Status)
	}

	var s hciStatus
	if !errors.As(err, &s) {
		t.Error("errors.As should reach the wrapped status")
	}

	wrapped := fmt.Errorf("attempt: %w", err)
	if !errors.Is(wrapped, ErrSubscribeFailed) {
		t.Error("errors.Is through fmt.Errorf wrapping = false, want true")
	}
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Kind: ConnectFailed, Status: 0x3e, Err: errors.New("C0:FF:EE:00:00:01")}
	want := "central: connect failed (status 0x3e): C0:FF:EE:00:00:01"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	st := &StatusError{Code: 0x0e, Op: "write"}
	if got := st.Error(); got != "write: status 0x0e" {
		t.Errorf("StatusError.Error() = %q, want %q", got, "write: status 0x0e")
	}
	if statusOf(fmt.Errorf("x: %w", st)) != 0x0e {
		t.Error("statusOf should unwrap StatusError")
	}
}
