// Package indicator drives the status outputs of the central: a link LED
// that is lit while a peripheral is connected and an activity LED that
// toggles per notification.
package indicator

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Direction is the pin direction an LED is configured for.
type Direction int

const (
	Input Direction = iota
	Output
)

func (d Direction) String() string {
	if d == Output {
		return "output"
	}
	return "input"
}

// ErrNotConfigured is returned when an LED is driven before Configure(Output).
var ErrNotConfigured = errors.New("indicator: pin not configured as output")

// LED is a single on/off output.
type LED interface {
	Configure(d Direction) error
	Set(on bool) error
	Toggle() error
}

// Writer applies a new level to the physical or remote output.
type Writer interface {
	Write(name string, on bool) error
}

// Pin implements the LED state machine on top of a Writer. Safe for
// concurrent use.
type Pin struct {
	name string
	w    Writer

	mu         sync.Mutex
	configured bool
	on         bool
}

// NewPin returns an unconfigured LED named name.
func NewPin(name string, w Writer) *Pin {
	if w == nil {
		panic("indicator: NewPin called with nil writer")
	}
	return &Pin{name: name, w: w}
}

// Configure sets the pin direction. Output pins start off.
func (p *Pin) Configure(d Direction) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d != Output {
		p.configured = false
		return nil
	}
	if err := p.w.Write(p.name, false); err != nil {
		return fmt.Errorf("indicator: configure %s: %w", p.name, err)
	}
	p.configured = true
	p.on = false
	return nil
}

// Set drives the output to on.
func (p *Pin) Set(on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.setLocked(on)
}

// Toggle inverts the output.
func (p *Pin) Toggle() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.setLocked(!p.on)
}

// On reports the last level written.
func (p *Pin) On() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.on
}

func (p *Pin) setLocked(on bool) error {
	if !p.configured {
		return fmt.Errorf("%w: %s", ErrNotConfigured, p.name)
	}
	if err := p.w.Write(p.name, on); err != nil {
		return fmt.Errorf("indicator: set %s: %w", p.name, err)
	}
	p.on = on
	return nil
}

// LogWriter reports level changes through slog.
type LogWriter struct {
	Logger *slog.Logger // nil means slog.Default()
}

func (l LogWriter) Write(name string, on bool) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("[LED] level", "led", name, "on", on)
	return nil
}

// NewLogLED returns an LED that only logs.
func NewLogLED(name string) *Pin {
	return NewPin(name, LogWriter{})
}

// Compile-time interface satisfaction check.
var _ LED = (*Pin)(nil)
