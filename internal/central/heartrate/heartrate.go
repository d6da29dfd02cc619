// Package heartrate decodes Heart Rate Measurement values (characteristic
// 0x2A37 of the Heart Rate service).
package heartrate

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Flag bits of the first measurement byte.
const (
	flagUint16        = 0x01
	flagContactStatus = 0x02 // sensor contact detected
	flagContactSup    = 0x04 // sensor contact feature supported
	flagEnergy        = 0x08
	flagRR            = 0x10
)

// ErrShort is returned when a measurement ends before a field its flags
// announce.
var ErrShort = errors.New("heartrate: measurement too short")

// Contact is the sensor contact state.
type Contact int

const (
	ContactUnsupported Contact = iota
	ContactNotDetected
	ContactDetected
)

func (c Contact) String() string {
	switch c {
	case ContactNotDetected:
		return "no-contact"
	case ContactDetected:
		return "contact"
	default:
		return "unsupported"
	}
}

// Measurement is a decoded Heart Rate Measurement.
type Measurement struct {
	BPM            uint16
	Contact        Contact
	EnergyExpended uint16 // kilojoules, valid when HasEnergy
	HasEnergy      bool
	RR             []time.Duration
}

func (m Measurement) String() string {
	s := fmt.Sprintf("%d bpm (%s)", m.BPM, m.Contact)
	if m.HasEnergy {
		s += fmt.Sprintf(" energy=%dkJ", m.EnergyExpended)
	}
	if len(m.RR) > 0 {
		s += fmt.Sprintf(" rr=%v", m.RR)
	}
	return s
}

// Decode parses one notification value.
func Decode(b []byte) (Measurement, error) {
	if len(b) < 2 {
		return Measurement{}, fmt.Errorf("%w: %d bytes", ErrShort, len(b))
	}
	flags := b[0]
	b = b[1:]

	var m Measurement
	if flags&flagUint16 != 0 {
		if len(b) < 2 {
			return Measurement{}, fmt.Errorf("%w: 16-bit heart rate", ErrShort)
		}
		m.BPM = binary.LittleEndian.Uint16(b)
		b = b[2:]
	} else {
		m.BPM = uint16(b[0])
		b = b[1:]
	}

	if flags&flagContactSup != 0 {
		m.Contact = ContactNotDetected
		if flags&flagContactStatus != 0 {
			m.Contact = ContactDetected
		}
	}

	if flags&flagEnergy != 0 {
		if len(b) < 2 {
			return Measurement{}, fmt.Errorf("%w: energy expended", ErrShort)
		}
		m.EnergyExpended = binary.LittleEndian.Uint16(b)
		m.HasEnergy = true
		b = b[2:]
	}

	if flags&flagRR != 0 {
		for len(b) >= 2 {
			rr := binary.LittleEndian.Uint16(b)
			m.RR = append(m.RR, time.Duration(rr)*time.Second/1024)
			b = b[2:]
		}
	}
	return m, nil
}
