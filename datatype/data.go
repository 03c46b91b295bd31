package datatype

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"math"
)

// Data is a growable byte buffer. Integers are encoded big-endian, and every
// positional decode reports (zero, false) instead of failing when the read
// would run past the end, so a caller reassembling fragments can treat a
// false as "not complete yet".
type Data []byte

// LengthPrefix selects the width of the length field written in front of
// strings and byte ranges.
type LengthPrefix int

const (
	LengthUInt8 LengthPrefix = iota
	LengthUInt16
	LengthUInt32
	LengthUInt64
)

// width returns the number of bytes the prefix occupies
func (p LengthPrefix) width() int {
	switch p {
	case LengthUInt8:
		return 1
	case LengthUInt16:
		return 2
	case LengthUInt32:
		return 4
	default:
		return 8
	}
}

// max returns the largest length the prefix can carry
func (p LengthPrefix) max() uint64 {
	switch p {
	case LengthUInt8:
		return math.MaxUint8
	case LengthUInt16:
		return math.MaxUint16
	case LengthUInt32:
		return math.MaxUint32
	default:
		return math.MaxUint64
	}
}

// Len returns the number of bytes in the buffer
func (d Data) Len() int {
	return len(d)
}

// Append concatenates other onto d
func (d *Data) Append(other Data) {
	*d = append(*d, other...)
}

func (d *Data) AppendInt8(v int8) {
	*d = append(*d, byte(v))
}

func (d *Data) AppendInt16(v int16) {
	d.AppendUInt16(uint16(v))
}

func (d *Data) AppendInt32(v int32) {
	d.AppendUInt32(uint32(v))
}

func (d *Data) AppendInt64(v int64) {
	d.AppendUInt64(uint64(v))
}

func (d *Data) AppendUInt8(v uint8) {
	*d = append(*d, v)
}

func (d *Data) AppendUInt16(v uint16) {
	*d = binary.BigEndian.AppendUint16(*d, v)
}

func (d *Data) AppendUInt32(v uint32) {
	*d = binary.BigEndian.AppendUint32(*d, v)
}

func (d *Data) AppendUInt64(v uint64) {
	*d = binary.BigEndian.AppendUint64(*d, v)
}

// appendLength writes n using the prefix width. It returns false, leaving d
// untouched, when n does not fit.
func (d *Data) appendLength(n int, kind LengthPrefix) bool {
	if n < 0 || uint64(n) > kind.max() {
		return false
	}
	switch kind {
	case LengthUInt8:
		d.AppendUInt8(uint8(n))
	case LengthUInt16:
		d.AppendUInt16(uint16(n))
	case LengthUInt32:
		d.AppendUInt32(uint32(n))
	default:
		d.AppendUInt64(uint64(n))
	}
	return true
}

// AppendString appends a length-prefixed UTF-8 string. Returns false if the
// string is longer than the prefix can describe.
func (d *Data) AppendString(s string, kind LengthPrefix) bool {
	if !d.appendLength(len(s), kind) {
		return false
	}
	*d = append(*d, s...)
	return true
}

// AppendData appends length-prefixed bytes. Returns false if other is longer
// than the prefix can describe.
func (d *Data) AppendData(other Data, kind LengthPrefix) bool {
	if !d.appendLength(len(other), kind) {
		return false
	}
	*d = append(*d, other...)
	return true
}

// bytesAt returns n bytes starting at index, or false when they are not all
// present
func (d Data) bytesAt(index, n int) ([]byte, bool) {
	if index < 0 || n < 0 || index+n > len(d) || index+n < index {
		return nil, false
	}
	return d[index : index+n], true
}

func (d Data) Int8(index int) (int8, bool) {
	v, ok := d.UInt8(index)
	return int8(v), ok
}

func (d Data) Int16(index int) (int16, bool) {
	v, ok := d.UInt16(index)
	return int16(v), ok
}

func (d Data) Int32(index int) (int32, bool) {
	v, ok := d.UInt32(index)
	return int32(v), ok
}

func (d Data) Int64(index int) (int64, bool) {
	v, ok := d.UInt64(index)
	return int64(v), ok
}

func (d Data) UInt8(index int) (uint8, bool) {
	b, ok := d.bytesAt(index, 1)
	if !ok {
		return 0, false
	}
	return b[0], true
}

func (d Data) UInt16(index int) (uint16, bool) {
	b, ok := d.bytesAt(index, 2)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint16(b), true
}

func (d Data) UInt32(index int) (uint32, bool) {
	b, ok := d.bytesAt(index, 4)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint32(b), true
}

func (d Data) UInt64(index int) (uint64, bool) {
	b, ok := d.bytesAt(index, 8)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint64(b), true
}

// lengthAt decodes a length prefix at index
func (d Data) lengthAt(index int, kind LengthPrefix) (int, bool) {
	var n uint64
	switch kind {
	case LengthUInt8:
		v, ok := d.UInt8(index)
		if !ok {
			return 0, false
		}
		n = uint64(v)
	case LengthUInt16:
		v, ok := d.UInt16(index)
		if !ok {
			return 0, false
		}
		n = uint64(v)
	case LengthUInt32:
		v, ok := d.UInt32(index)
		if !ok {
			return 0, false
		}
		n = uint64(v)
	default:
		v, ok := d.UInt64(index)
		if !ok {
			return 0, false
		}
		n = v
	}
	if n > uint64(len(d)) {
		return 0, false
	}
	return int(n), true
}

// DataAt decodes length-prefixed bytes starting at index. end is the index
// just past the decoded bytes. The returned Data is a copy.
func (d Data) DataAt(index int, kind LengthPrefix) (value Data, end int, ok bool) {
	n, ok := d.lengthAt(index, kind)
	if !ok {
		return nil, 0, false
	}
	start := index + kind.width()
	b, ok := d.bytesAt(start, n)
	if !ok {
		return nil, 0, false
	}
	value = make(Data, n)
	copy(value, b)
	return value, start + n, true
}

// String decodes a length-prefixed UTF-8 string starting at index
func (d Data) String(index int, kind LengthPrefix) (value string, end int, ok bool) {
	b, end, ok := d.DataAt(index, kind)
	if !ok {
		return "", 0, false
	}
	return string(b), end, true
}

// Subdata returns a copy of length bytes from offset, or false when the range
// is out of bounds
func (d Data) Subdata(offset, length int) (Data, bool) {
	b, ok := d.bytesAt(offset, length)
	if !ok {
		return nil, false
	}
	out := make(Data, length)
	copy(out, b)
	return out, true
}

// SubdataFrom returns a copy of everything from offset to the end
func (d Data) SubdataFrom(offset int) (Data, bool) {
	if offset < 0 || offset > len(d) {
		return nil, false
	}
	return d.Subdata(offset, len(d)-offset)
}

// Equal compares by content
func (d Data) Equal(other Data) bool {
	return bytes.Equal(d, other)
}

// Copy returns an independent copy of the buffer
func (d Data) Copy() Data {
	if d == nil {
		return nil
	}
	out := make(Data, len(d))
	copy(out, d)
	return out
}

// Hex returns the upper-case hex encoding
func (d Data) Hex() string {
	return hexUpper(d)
}

// Base64 returns the standard base64 encoding
func (d Data) Base64() string {
	return base64.StdEncoding.EncodeToString(d)
}

// DataFromHex parses a hex string (either case)
func DataFromHex(s string) (Data, bool) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, false
	}
	return Data(b), true
}

func hexUpper(b []byte) string {
	const digits = "0123456789ABCDEF"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = digits[v>>4]
		out[i*2+1] = digits[v&0x0F]
	}
	return string(out)
}
