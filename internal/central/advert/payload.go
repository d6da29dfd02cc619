package advert

import (
	"encoding/binary"

	"github.com/go-ble/ble"
)

// maxFieldData is the most data one element can carry: the length byte
// counts the type byte too.
const maxFieldData = 254

// Payload builds advertising data.
//
//	p := advert.Payload{}.
//		AppendFlags(advert.FlagGeneralDiscoverable | advert.FlagNoBREDR).
//		AppendUUID16List(0x180D, 0x180F)
type Payload []byte

// AppendField appends one element. It panics if data exceeds 254 bytes.
func (p Payload) AppendField(t Type, data []byte) Payload {
	if len(data) > maxFieldData {
		panic("advert: field data exceeds 254 bytes")
	}
	p = append(p, byte(len(data)+1), byte(t))
	return append(p, data...)
}

// AppendFlags appends a flags element.
func (p Payload) AppendFlags(f byte) Payload {
	return p.AppendField(TypeFlags, []byte{f})
}

// AppendName appends a complete local name element, or a shortened one if
// the name does not fit.
func (p Payload) AppendName(name string) Payload {
	if name == "" {
		return p
	}
	if len(name) > maxFieldData {
		return p.AppendField(TypeShortName, []byte(name[:maxFieldData]))
	}
	return p.AppendField(TypeCompleteName, []byte(name))
}

// AppendUUID16List appends a complete list of 16-bit service UUIDs.
func (p Payload) AppendUUID16List(uuids ...uint16) Payload {
	for len(uuids) > 0 {
		n := min(len(uuids), maxFieldData/2)
		b := make([]byte, 0, 2*n)
		for _, u := range uuids[:n] {
			b = binary.LittleEndian.AppendUint16(b, u)
		}
		p = p.AppendField(TypeUUID16Complete, b)
		uuids = uuids[n:]
	}
	return p
}

// AppendUUID128List appends a complete list of 128-bit service UUIDs given in
// over-the-air byte order.
func (p Payload) AppendUUID128List(uuids ...[16]byte) Payload {
	for len(uuids) > 0 {
		n := min(len(uuids), maxFieldData/16)
		b := make([]byte, 0, 16*n)
		for _, u := range uuids[:n] {
			b = append(b, u[:]...)
		}
		p = p.AppendField(TypeUUID128Complete, b)
		uuids = uuids[n:]
	}
	return p
}

// AppendServices appends 16-bit and 128-bit list elements for uuids.
// UUIDs of any other width are skipped.
func (p Payload) AppendServices(uuids ...ble.UUID) Payload {
	var short []uint16
	var long [][16]byte
	for _, u := range uuids {
		switch u.Len() {
		case 2:
			short = append(short, binary.LittleEndian.Uint16(u))
		case 16:
			var b [16]byte
			copy(b[:], u)
			long = append(long, b)
		}
	}
	return p.AppendUUID16List(short...).AppendUUID128List(long...)
}
