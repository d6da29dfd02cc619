// Package advert decodes and builds BLE advertising data: a sequence of
// [length][type][data...] structures as carried in advertising and scan
// response PDUs.
package advert

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/go-ble/ble"
)

// Type is an advertising data type tag.
type Type byte

// Advertising data types (Supplement to the Core Specification, Part A).
const (
	TypeFlags             Type = 0x01
	TypeUUID16Incomplete  Type = 0x02
	TypeUUID16Complete    Type = 0x03
	TypeUUID128Incomplete Type = 0x06
	TypeUUID128Complete   Type = 0x07
	TypeShortName         Type = 0x08
	TypeCompleteName      Type = 0x09
	TypeTxPower           Type = 0x0A
	TypeServiceData16     Type = 0x16
	TypeManufacturerData  Type = 0xFF
)

// Flag bits carried by a TypeFlags element.
const (
	FlagLimitedDiscoverable byte = 0x01
	FlagGeneralDiscoverable byte = 0x02
	FlagNoBREDR             byte = 0x04
)

// Kind groups element types the central cares about.
type Kind int

const (
	KindOther Kind = iota
	KindFlags
	KindUUID16List
	KindUUID128List
)

func (k Kind) String() string {
	switch k {
	case KindFlags:
		return "flags"
	case KindUUID16List:
		return "uuid16-list"
	case KindUUID128List:
		return "uuid128-list"
	default:
		return "other"
	}
}

// ErrMalformed is returned when an element's length byte does not fit the buffer.
var ErrMalformed = errors.New("advert: malformed advertising data")

// Element is one decoded advertising data structure. Length counts the type
// byte plus Data. Data aliases the parsed buffer.
type Element struct {
	Length byte
	Type   Type
	Data   []byte
}

// Kind classifies the element.
func (e Element) Kind() Kind {
	switch e.Type {
	case TypeFlags:
		return KindFlags
	case TypeUUID16Incomplete, TypeUUID16Complete:
		return KindUUID16List
	case TypeUUID128Incomplete, TypeUUID128Complete:
		return KindUUID128List
	default:
		return KindOther
	}
}

// Iterator walks the elements of a payload without copying. The zero cursor
// position is the start of the buffer; Reset rewinds it.
//
//	it := advert.Elements(buf)
//	for it.Next() {
//		e := it.Element()
//	}
//	if err := it.Err(); err != nil { ... }
type Iterator struct {
	buf  []byte
	off  int
	cur  Element
	err  error
	done bool
}

// Elements returns an iterator over buf.
func Elements(buf []byte) *Iterator {
	return &Iterator{buf: buf}
}

// Next advances to the next element. It returns false at the end of the
// payload or on the first malformed element; Err distinguishes the two.
func (it *Iterator) Next() bool {
	if it.done {
		return false
	}
	if it.off >= len(it.buf) {
		it.done = true
		return false
	}

	n := int(it.buf[it.off])
	if n == 0 {
		// End of the significant part; the rest must be padding.
		for i := it.off; i < len(it.buf); i++ {
			if it.buf[i] != 0 {
				it.fail(fmt.Errorf("%w: data after terminator at offset %d", ErrMalformed, i))
				return false
			}
		}
		it.done = true
		return false
	}

	end := it.off + 1 + n
	if end > len(it.buf) {
		it.fail(fmt.Errorf("%w: element at offset %d declares %d bytes, %d remain",
			ErrMalformed, it.off, n, len(it.buf)-it.off-1))
		return false
	}

	it.cur = Element{
		Length: byte(n),
		Type:   Type(it.buf[it.off+1]),
		Data:   it.buf[it.off+2 : end : end],
	}
	it.off = end
	return true
}

func (it *Iterator) fail(err error) {
	it.err = err
	it.done = true
	it.cur = Element{}
}

// Element returns the element Next stopped on.
func (it *Iterator) Element() Element { return it.cur }

// Err returns the error that stopped iteration, if any.
func (it *Iterator) Err() error { return it.err }

// Reset rewinds the iterator to the start of the payload.
func (it *Iterator) Reset() {
	it.off = 0
	it.cur = Element{}
	it.err = nil
	it.done = false
}

// Parse decodes every element in buf.
func Parse(buf []byte) ([]Element, error) {
	var elems []Element
	it := Elements(buf)
	for it.Next() {
		elems = append(elems, it.Element())
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return elems, nil
}

// ContainsUUID128 reports whether target appears in any 128-bit service UUID
// list of buf. target is in over-the-air (little-endian) byte order. A
// malformed payload never matches.
func ContainsUUID128(buf []byte, target [16]byte) bool {
	ok, err := hasUUID(buf, KindUUID128List, target[:])
	return ok && err == nil
}

// ContainsUUID16 reports whether the 16-bit UUID u appears in any 16-bit
// service UUID list of buf.
func ContainsUUID16(buf []byte, u uint16) bool {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], u)
	ok, err := hasUUID(buf, KindUUID16List, b[:])
	return ok && err == nil
}

// HasUUID reports whether buf advertises u in a service UUID list of the
// matching width. The error is non-nil only for malformed payloads.
func HasUUID(buf []byte, u ble.UUID) (bool, error) {
	switch u.Len() {
	case 2:
		return hasUUID(buf, KindUUID16List, u)
	case 16:
		return hasUUID(buf, KindUUID128List, u)
	default:
		return false, fmt.Errorf("advert: unsupported UUID length %d", u.Len())
	}
}

// ContainsUUID is HasUUID with malformed payloads treated as a mismatch.
func ContainsUUID(buf []byte, u ble.UUID) bool {
	ok, err := HasUUID(buf, u)
	return ok && err == nil
}

func hasUUID(buf []byte, kind Kind, want []byte) (bool, error) {
	width := len(want)
	found := false
	it := Elements(buf)
	for it.Next() {
		e := it.Element()
		if e.Kind() != kind {
			continue
		}
		for i := 0; i+width <= len(e.Data); i += width {
			if bytes.Equal(e.Data[i:i+width], want) {
				found = true
			}
		}
	}
	if err := it.Err(); err != nil {
		return false, err
	}
	return found, nil
}

// UUIDs returns every service UUID advertised in buf in payload order.
func UUIDs(buf []byte) ([]ble.UUID, error) {
	var out []ble.UUID
	it := Elements(buf)
	for it.Next() {
		e := it.Element()
		width := 0
		switch e.Kind() {
		case KindUUID16List:
			width = 2
		case KindUUID128List:
			width = 16
		default:
			continue
		}
		for i := 0; i+width <= len(e.Data); i += width {
			out = append(out, ble.UUID(bytes.Clone(e.Data[i:i+width])))
		}
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Flags returns the flags byte, if present.
func Flags(buf []byte) (byte, bool) {
	it := Elements(buf)
	for it.Next() {
		if e := it.Element(); e.Type == TypeFlags && len(e.Data) > 0 {
			return e.Data[0], true
		}
	}
	return 0, false
}

// LocalName returns the complete local name, falling back to the short name.
func LocalName(buf []byte) string {
	var short string
	it := Elements(buf)
	for it.Next() {
		e := it.Element()
		switch e.Type {
		case TypeCompleteName:
			return string(e.Data)
		case TypeShortName:
			short = string(e.Data)
		}
	}
	return short
}
