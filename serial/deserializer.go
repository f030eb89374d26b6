package serial

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrShortBuffer reports a message that ends before a value is complete, or
// whose length prefix claims more bytes than remain.
var ErrShortBuffer = errors.New("serial: message too short")

// Deserializer reads values from an encoded message. The first failure is
// sticky: once Err is non-nil every getter returns the zero value, so a
// sequence of reads may be checked once at the end.
type Deserializer struct {
	data []byte
	pos  int
	err  error
}

// NewDeserializer reads from data, which must not be modified while in use.
func NewDeserializer(data []byte) *Deserializer {
	return &Deserializer{data: data}
}

// Err returns the first error encountered, if any.
func (d *Deserializer) Err() error {
	return d.err
}

// Remaining returns the number of unread bytes.
func (d *Deserializer) Remaining() int {
	return len(d.data) - d.pos
}

// Offset returns the number of bytes consumed.
func (d *Deserializer) Offset() int {
	return d.pos
}

func (d *Deserializer) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || n > d.Remaining() {
		d.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortBuffer, n, d.pos, d.Remaining())
		return nil
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b
}

// PeekUint32 returns the next uint32 without consuming it.
func (d *Deserializer) PeekUint32() uint32 {
	if d.err != nil {
		return 0
	}
	if d.Remaining() < 4 {
		d.err = fmt.Errorf("%w: need 4 bytes at offset %d, have %d", ErrShortBuffer, d.pos, d.Remaining())
		return 0
	}
	return binary.LittleEndian.Uint32(d.data[d.pos:])
}

func (d *Deserializer) Uint8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *Deserializer) Uint16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (d *Deserializer) Uint32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *Deserializer) Uint64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *Deserializer) Int8() int8       { return int8(d.Uint8()) }
func (d *Deserializer) Int16() int16     { return int16(d.Uint16()) }
func (d *Deserializer) Int32() int32     { return int32(d.Uint32()) }
func (d *Deserializer) Int64() int64     { return int64(d.Uint64()) }
func (d *Deserializer) Float32() float32 { return math.Float32frombits(d.Uint32()) }
func (d *Deserializer) Float64() float64 { return math.Float64frombits(d.Uint64()) }
func (d *Deserializer) Bool() bool       { return d.Uint8() != 0 }

// GetString reads a length-prefixed string.
func (d *Deserializer) GetString() string {
	n := d.Uint32()
	b := d.take(int(n))
	return string(b)
}

// GetBytes reads a length-prefixed byte slice into a fresh copy.
func (d *Deserializer) GetBytes() []byte {
	n := d.Uint32()
	b := d.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Count reads a uint32 element count and checks that at least minSize bytes
// per element remain, so a corrupt count cannot trigger a huge allocation.
func (d *Deserializer) Count(minSize int) int {
	n := int(d.Uint32())
	if d.err != nil {
		return 0
	}
	if minSize > 0 && n > d.Remaining()/minSize {
		d.err = fmt.Errorf("%w: %d elements of at least %d bytes at offset %d, have %d",
			ErrShortBuffer, n, minSize, d.pos, d.Remaining())
		return 0
	}
	return n
}

// StringMap reads a map written by Serializer.PutStringMap.
func (d *Deserializer) StringMap() map[string]string {
	n := d.Count(8)
	m := make(map[string]string, n)
	for i := 0; i < n && d.err == nil; i++ {
		k := d.GetString()
		m[k] = d.GetString()
	}
	if d.err != nil {
		return nil
	}
	return m
}

// GetSlice reads a slice written by PutSlice; minSize is the smallest
// possible encoded element.
func GetSlice[T any](d *Deserializer, minSize int, get func(*Deserializer) T) []T {
	n := d.Count(minSize)
	if d.err != nil || n == 0 {
		return nil
	}
	out := make([]T, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		out = append(out, get(d))
	}
	if d.err != nil {
		return nil
	}
	return out
}
