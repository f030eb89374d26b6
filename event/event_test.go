package event

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usnistgov/rundaq/serial"
)

func sampleRaw(run, number uint32) *RawDataEvent {
	ev := NewRawDataEvent("MimosaRaw", run, 3)
	ev.Number = number
	ev.Trigger = number + 100
	ev.TimeBegin = 1234567890123
	ev.TimeEnd = 1234567890999
	ev.SetTag("ROC", "17")
	ev.SetTag("BXID", "0x2a")
	ev.AddBlock(0, []byte{1, 2, 3, 4})
	ev.AddBlock(7, []byte("plane seven"))
	return ev
}

func TestRoundTrip(t *testing.T) {
	reg := NewRegistry()

	trig := NewTriggerEvent(5, 99, 424242)
	trig.Extended = []uint64{1, 2, 3}

	composite := NewDetectorEvent(5)
	composite.Number = 12
	composite.AddSubEvent(sampleRaw(5, 12))
	composite.AddSubEvent(trig)
	composite.AddSubEvent(NewBORE(5, 1))

	tests := []struct {
		name string
		ev   Event
	}{
		{"base", NewEORE(5, 2, 44)},
		{"raw", sampleRaw(5, 1)},
		{"trigger", trig},
		{"composite", composite},
	}
	for _, tt := range tests {
		data := Marshal(tt.ev)
		got, err := reg.Unmarshal(data)
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.ev, got, tt.name)
		// Re-encoding must reproduce the bytes exactly.
		assert.Equal(t, data, Marshal(got), tt.name)
	}
}

func TestTagLastValueWins(t *testing.T) {
	ev := NewBaseEvent(BaseTypeName, 1, 0)
	ev.SetTag("X", "1")
	ev.SetTag("X", "2")
	if v, _ := ev.Tag("X"); v != "2" {
		t.Errorf("Tag(X) = %q, want %q", v, "2")
	}
	if n, ok := sampleRaw(1, 1).TagUint("BXID"); !ok || n != 42 {
		t.Errorf("TagUint(BXID) = %d, %t, want 42, true", n, ok)
	}
	if _, ok := ev.TagUint("missing"); ok {
		t.Errorf("TagUint(missing) reported ok")
	}
}

func TestUnknownEventType(t *testing.T) {
	reg := new(Registry)
	_, err := reg.Unmarshal(Marshal(sampleRaw(1, 1)))
	if !errors.Is(err, ErrUnknownEventType) {
		t.Errorf("Unmarshal with empty registry error = %v, want ErrUnknownEventType", err)
	}

	// An unknown sub-event type makes the whole composite undecodable.
	reg = NewRegistry()
	custom := NewBaseEvent("NotRegistered", 1, 0)
	composite := NewDetectorEvent(1)
	composite.AddSubEvent(custom)
	_, err = reg.Unmarshal(Marshal(composite))
	if !errors.Is(err, ErrUnknownEventType) {
		t.Errorf("Unmarshal of composite with unknown child error = %v, want ErrUnknownEventType", err)
	}
}

type calibrationEvent struct {
	BaseEvent
	Gain float64
}

func (ev *calibrationEvent) Header() *BaseEvent { return &ev.BaseEvent }

func (ev *calibrationEvent) Serialize(s *serial.Serializer) {
	ev.BaseEvent.Serialize(s)
	s.PutFloat64(ev.Gain)
}

func decodeCalibration(dec *Decoder) (Event, error) {
	ev := new(calibrationEvent)
	if err := dec.ReadHeader(&ev.BaseEvent); err != nil {
		return nil, err
	}
	ev.Gain = dec.Float64()
	return ev, dec.Err()
}

func TestRegisterCustomType(t *testing.T) {
	reg := NewRegistry()
	tag, err := reg.Register("Calibration", decodeCalibration)
	require.NoError(t, err)
	assert.Equal(t, TypeTag("Calibration"), tag)

	// Registering the same name again keeps lookups working and the latest factory wins.
	tag2, err := reg.Register("Calibration", decodeCalibration)
	require.NoError(t, err)
	assert.Equal(t, tag, tag2)
	name, ok := reg.Name(tag)
	assert.True(t, ok)
	assert.Equal(t, "Calibration", name)

	ev := &calibrationEvent{BaseEvent: *NewBaseEvent("Calibration", 8, 1), Gain: 2.5}
	got, err := reg.Unmarshal(Marshal(ev))
	require.NoError(t, err)
	assert.Equal(t, Event(ev), got)
}

func TestTruncatedEvent(t *testing.T) {
	reg := NewRegistry()
	data := Marshal(sampleRaw(1, 1))
	for _, n := range []int{0, 3, 10, len(data) - 1} {
		if _, err := reg.Unmarshal(data[:n]); !errors.Is(err, serial.ErrShortBuffer) {
			t.Errorf("Unmarshal of %d/%d bytes error = %v, want ErrShortBuffer", n, len(data), err)
		}
	}
	if _, err := reg.Unmarshal(append(data, 0)); err == nil {
		t.Errorf("Unmarshal with a trailing byte succeeded, want error")
	}
}

func TestClone(t *testing.T) {
	reg := NewRegistry()
	orig := sampleRaw(3, 9)
	c, err := reg.Clone(orig)
	require.NoError(t, err)
	c.Header().SetTag("ROC", "18")
	if v, _ := orig.Tag("ROC"); v != "17" {
		t.Errorf("modifying a clone changed the original's tag to %q", v)
	}
}

func TestFlagString(t *testing.T) {
	assert.Equal(t, "0", Flag(0).String())
	assert.Equal(t, "BORE|PACKET", (FlagBORE | FlagPacket).String())
}
