// Package serial provides the little-endian binary encoding shared by every
// message that crosses a rundaq connection or lands in an event file.
//
// Integers are fixed width. Strings and byte slices carry a uint32 length
// prefix. Maps are written as a uint32 count followed by key/value pairs in
// ascending key order, so that equal maps always encode to equal bytes.
package serial

import (
	"encoding/binary"
	"math"
	"sort"
)

// Serializer accumulates an encoded message in memory.
type Serializer struct {
	buf []byte
}

// NewSerializer returns a Serializer with room for sizeHint bytes.
func NewSerializer(sizeHint int) *Serializer {
	return &Serializer{buf: make([]byte, 0, sizeHint)}
}

// Bytes returns the encoded message. The slice aliases the Serializer's buffer.
func (s *Serializer) Bytes() []byte {
	return s.buf
}

// Len returns the number of bytes encoded so far.
func (s *Serializer) Len() int {
	return len(s.buf)
}

// Reset discards everything encoded so far.
func (s *Serializer) Reset() {
	s.buf = s.buf[:0]
}

// PutUint8 appends one byte.
func (s *Serializer) PutUint8(v uint8) {
	s.buf = append(s.buf, v)
}

// PutUint16 appends v in little-endian order.
func (s *Serializer) PutUint16(v uint16) {
	s.buf = binary.LittleEndian.AppendUint16(s.buf, v)
}

// PutUint32 appends v in little-endian order.
func (s *Serializer) PutUint32(v uint32) {
	s.buf = binary.LittleEndian.AppendUint32(s.buf, v)
}

// PutUint64 appends v in little-endian order.
func (s *Serializer) PutUint64(v uint64) {
	s.buf = binary.LittleEndian.AppendUint64(s.buf, v)
}

func (s *Serializer) PutInt8(v int8)   { s.PutUint8(uint8(v)) }
func (s *Serializer) PutInt16(v int16) { s.PutUint16(uint16(v)) }
func (s *Serializer) PutInt32(v int32) { s.PutUint32(uint32(v)) }
func (s *Serializer) PutInt64(v int64) { s.PutUint64(uint64(v)) }

// PutFloat32 appends the IEEE-754 bits of v.
func (s *Serializer) PutFloat32(v float32) {
	s.PutUint32(math.Float32bits(v))
}

// PutFloat64 appends the IEEE-754 bits of v.
func (s *Serializer) PutFloat64(v float64) {
	s.PutUint64(math.Float64bits(v))
}

// PutBool appends a single byte, 1 for true.
func (s *Serializer) PutBool(v bool) {
	if v {
		s.PutUint8(1)
	} else {
		s.PutUint8(0)
	}
}

// PutString appends the length of v then its bytes.
func (s *Serializer) PutString(v string) {
	s.PutUint32(uint32(len(v)))
	s.buf = append(s.buf, v...)
}

// PutBytes appends the length of v then its bytes.
func (s *Serializer) PutBytes(v []byte) {
	s.PutUint32(uint32(len(v)))
	s.buf = append(s.buf, v...)
}

// PutRaw appends v with no length prefix.
func (s *Serializer) PutRaw(v []byte) {
	s.buf = append(s.buf, v...)
}

// PutStringMap appends a count then each key/value pair, keys ascending.
func (s *Serializer) PutStringMap(m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	s.PutUint32(uint32(len(keys)))
	for _, k := range keys {
		s.PutString(k)
		s.PutString(m[k])
	}
}

// PutSlice appends the length of v, then each element encoded by put.
func PutSlice[T any](s *Serializer, v []T, put func(*Serializer, T)) {
	s.PutUint32(uint32(len(v)))
	for _, x := range v {
		put(s, x)
	}
}
