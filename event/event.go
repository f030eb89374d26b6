// Package event defines the unit of data that flows from Producers to
// DataCollectors, its binary encoding, and the Registry that maps wire type
// tags back to concrete event types.
package event

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/usnistgov/rundaq/serial"
)

// Flag is a bit set carried by every event.
type Flag uint32

// Event flags.
const (
	FlagBORE      Flag = 1 << iota // begin-of-run event
	FlagEORE                       // end-of-run event
	FlagPacket                     // composite of sub-events
	FlagFake                       // synthesized, not read from hardware
	FlagTimestamp                  // timestamps are meaningful
)

func (f Flag) String() string {
	names := []string{"BORE", "EORE", "PACKET", "FAKE", "TIMESTAMP"}
	out := ""
	for i, n := range names {
		if f&(1<<i) != 0 {
			if out != "" {
				out += "|"
			}
			out += n
		}
	}
	if out == "" {
		return "0"
	}
	return out
}

// Event is any unit of DAQ data. Every concrete type embeds a BaseEvent,
// reachable through Header, and knows how to encode itself.
type Event interface {
	Header() *BaseEvent
	Serialize(s *serial.Serializer)
}

// BaseEvent holds the fields shared by all events. A BaseEvent exclusively
// owns its Blocks and Subs.
type BaseEvent struct {
	Type        uint32 // wire tag; see TypeTag
	Version     uint32
	Flags       Flag
	Stream      uint32 // stream or device number of the producer
	Run         uint32
	Number      uint32 // event number within the run
	Trigger     uint32
	TimeBegin   uint64
	TimeEnd     uint64
	Description string
	Tags        map[string]string
	Blocks      map[uint32][]byte
	Subs        []Event
}

// BaseTypeName is the registered name of a plain BaseEvent.
const BaseTypeName = "BASE"

// NewBaseEvent returns an event of the given registered type name.
func NewBaseEvent(typeName string, run, stream uint32) *BaseEvent {
	return &BaseEvent{
		Type:        TypeTag(typeName),
		Version:     1,
		Stream:      stream,
		Run:         run,
		Description: typeName,
		Tags:        make(map[string]string),
		Blocks:      make(map[uint32][]byte),
	}
}

// NewBORE returns a begin-of-run BaseEvent.
func NewBORE(run, stream uint32) *BaseEvent {
	ev := NewBaseEvent(BaseTypeName, run, stream)
	ev.Flags |= FlagBORE
	return ev
}

// NewEORE returns an end-of-run BaseEvent.
func NewEORE(run, stream, number uint32) *BaseEvent {
	ev := NewBaseEvent(BaseTypeName, run, stream)
	ev.Flags |= FlagEORE
	ev.Number = number
	return ev
}

// Header returns b itself.
func (b *BaseEvent) Header() *BaseEvent { return b }

func (b *BaseEvent) IsBORE() bool   { return b.Flags&FlagBORE != 0 }
func (b *BaseEvent) IsEORE() bool   { return b.Flags&FlagEORE != 0 }
func (b *BaseEvent) IsPacket() bool { return b.Flags&FlagPacket != 0 }

// SetFlag sets the bits in f.
func (b *BaseEvent) SetFlag(f Flag) { b.Flags |= f }

// ClearFlag clears the bits in f.
func (b *BaseEvent) ClearFlag(f Flag) { b.Flags &^= f }

// SetTag stores value under name, replacing any previous value.
func (b *BaseEvent) SetTag(name, value string) {
	if b.Tags == nil {
		b.Tags = make(map[string]string)
	}
	b.Tags[name] = value
}

// Tag returns the value stored under name.
func (b *BaseEvent) Tag(name string) (string, bool) {
	v, ok := b.Tags[name]
	return v, ok
}

// TagUint parses the tag stored under name as an unsigned integer (decimal,
// or with a 0x prefix).
func (b *BaseEvent) TagUint(name string) (uint64, bool) {
	v, ok := b.Tags[name]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 0, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// AddBlock stores data under id, replacing any previous block with that id.
func (b *BaseEvent) AddBlock(id uint32, data []byte) {
	if b.Blocks == nil {
		b.Blocks = make(map[uint32][]byte)
	}
	b.Blocks[id] = data
}

// Block returns the data stored under id.
func (b *BaseEvent) Block(id uint32) ([]byte, bool) {
	d, ok := b.Blocks[id]
	return d, ok
}

// BlockIDs returns the block ids in ascending order.
func (b *BaseEvent) BlockIDs() []uint32 {
	ids := make([]uint32, 0, len(b.Blocks))
	for id := range b.Blocks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// AddSubEvent transfers ownership of ev to b.
func (b *BaseEvent) AddSubEvent(ev Event) {
	b.Subs = append(b.Subs, ev)
}

func (b *BaseEvent) String() string {
	return fmt.Sprintf("%s run=%d ev=%d trig=%d stream=%d flags=%v subs=%d",
		b.Description, b.Run, b.Number, b.Trigger, b.Stream, b.Flags, len(b.Subs))
}

// Serialize encodes the header fields of b followed by its sub-events.
func (b *BaseEvent) Serialize(s *serial.Serializer) {
	s.PutUint32(b.Type)
	s.PutUint32(b.Version)
	s.PutUint32(uint32(b.Flags))
	s.PutUint32(b.Stream)
	s.PutUint32(b.Run)
	s.PutUint32(b.Number)
	s.PutUint32(b.Trigger)
	s.PutUint64(b.TimeBegin)
	s.PutUint64(b.TimeEnd)
	s.PutString(b.Description)
	s.PutStringMap(b.Tags)
	ids := b.BlockIDs()
	s.PutUint32(uint32(len(ids)))
	for _, id := range ids {
		s.PutUint32(id)
		s.PutBytes(b.Blocks[id])
	}
	s.PutUint32(uint32(len(b.Subs)))
	for _, sub := range b.Subs {
		sub.Serialize(s)
	}
}

// Marshal returns the encoding of ev.
func Marshal(ev Event) []byte {
	s := serial.NewSerializer(256)
	ev.Serialize(s)
	return s.Bytes()
}
