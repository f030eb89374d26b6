package event

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/usnistgov/rundaq/serial"
)

// ErrUnknownEventType reports a wire tag that no factory was registered for.
// It is recoverable: the caller drops the message and carries on.
var ErrUnknownEventType = errors.New("unknown event type")

// maxDepth bounds the nesting of sub-events accepted by a Decoder.
const maxDepth = 32

// TypeTag returns the 32-bit wire tag for a registered type name.
func TypeTag(name string) uint32 {
	return uint32(xxhash.Sum64String(name))
}

// Factory decodes one event whose tag has already been peeked.
type Factory func(dec *Decoder) (Event, error)

type factoryEntry struct {
	name    string
	factory Factory
}

// Registry maps event type tags to factories. Registries are constructed
// explicitly and handed to whatever needs to decode events; there is no
// process-wide registry. The zero value is an empty, usable Registry.
type Registry struct {
	mu        sync.RWMutex
	factories map[uint32]factoryEntry
}

// NewRegistry returns a Registry that knows the built-in event types.
func NewRegistry() *Registry {
	r := new(Registry)
	r.MustRegister(BaseTypeName, decodeBase)
	r.MustRegister(RawDataTypeName, decodeRawData)
	r.MustRegister(DetectorTypeName, decodeDetector)
	r.MustRegister(TriggerTypeName, decodeTrigger)
	return r
}

// Register associates name's tag with f and returns the tag. Registering a
// name again replaces the earlier factory. Two different names whose tags
// collide are rejected.
func (r *Registry) Register(name string, f Factory) (uint32, error) {
	tag := TypeTag(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.factories == nil {
		r.factories = make(map[uint32]factoryEntry)
	}
	if old, ok := r.factories[tag]; ok && old.name != name {
		return 0, fmt.Errorf("event type %q has the same tag %#08x as %q", name, tag, old.name)
	}
	r.factories[tag] = factoryEntry{name: name, factory: f}
	return tag, nil
}

// MustRegister is like Register but panics on a tag collision.
func (r *Registry) MustRegister(name string, f Factory) uint32 {
	tag, err := r.Register(name, f)
	if err != nil {
		panic(err)
	}
	return tag
}

// Name returns the registered name for tag.
func (r *Registry) Name(tag uint32) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.factories[tag]
	return e.name, ok
}

// Names returns every registered name, in no particular order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for _, e := range r.factories {
		names = append(names, e.name)
	}
	return names
}

func (r *Registry) lookup(tag uint32) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.factories[tag]
	return e.factory, ok
}

// Decode reads one event from d.
func (r *Registry) Decode(d *serial.Deserializer) (Event, error) {
	dec := &Decoder{Deserializer: d, registry: r}
	return dec.decode()
}

// Unmarshal decodes a complete message holding exactly one event.
func (r *Registry) Unmarshal(data []byte) (Event, error) {
	d := serial.NewDeserializer(data)
	ev, err := r.Decode(d)
	if err != nil {
		return nil, err
	}
	if d.Remaining() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after event", d.Remaining())
	}
	return ev, nil
}

// Clone returns a deep copy of ev made by encoding and decoding it.
func (r *Registry) Clone(ev Event) (Event, error) {
	return r.Unmarshal(Marshal(ev))
}

// Decoder is handed to a Factory. It embeds the Deserializer positioned at
// the start of the event and can decode nested events.
type Decoder struct {
	*serial.Deserializer
	registry *Registry
	depth    int
}

func (dec *Decoder) decode() (Event, error) {
	tag := dec.PeekUint32()
	if err := dec.Err(); err != nil {
		return nil, err
	}
	f, ok := dec.registry.lookup(tag)
	if !ok {
		return nil, fmt.Errorf("%w: tag %#08x", ErrUnknownEventType, tag)
	}
	ev, err := f(dec)
	if err != nil {
		return nil, err
	}
	if err := dec.Err(); err != nil {
		return nil, err
	}
	return ev, nil
}

// ReadHeader fills b with the fields written by BaseEvent.Serialize,
// including its sub-events. A Factory for a custom type calls it first and
// then reads the type's own fields.
func (dec *Decoder) ReadHeader(b *BaseEvent) error {
	b.Type = dec.Uint32()
	b.Version = dec.Uint32()
	b.Flags = Flag(dec.Uint32())
	b.Stream = dec.Uint32()
	b.Run = dec.Uint32()
	b.Number = dec.Uint32()
	b.Trigger = dec.Uint32()
	b.TimeBegin = dec.Uint64()
	b.TimeEnd = dec.Uint64()
	b.Description = dec.GetString()
	b.Tags = dec.StringMap()
	nblocks := dec.Count(8)
	b.Blocks = make(map[uint32][]byte, nblocks)
	for i := 0; i < nblocks && dec.Err() == nil; i++ {
		id := dec.Uint32()
		b.Blocks[id] = dec.GetBytes()
	}
	nsubs := dec.Count(4)
	if err := dec.Err(); err != nil {
		return err
	}
	if nsubs > 0 && dec.depth >= maxDepth {
		return fmt.Errorf("sub-events nested deeper than %d", maxDepth)
	}
	for i := 0; i < nsubs; i++ {
		sub := &Decoder{Deserializer: dec.Deserializer, registry: dec.registry, depth: dec.depth + 1}
		ev, err := sub.decode()
		if err != nil {
			return fmt.Errorf("sub-event %d: %w", i, err)
		}
		b.Subs = append(b.Subs, ev)
	}
	return dec.Err()
}
