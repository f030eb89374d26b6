package event

import "github.com/usnistgov/rundaq/serial"

// Registered names of the built-in event types.
const (
	RawDataTypeName  = "RawDataEvent"
	DetectorTypeName = "DetectorEvent"
	TriggerTypeName  = "TRIGGER"
)

// RawDataEvent carries opaque data blocks from one sensor.
type RawDataEvent struct {
	BaseEvent
	SensorType string
}

// NewRawDataEvent returns an empty RawDataEvent for the given sensor type.
func NewRawDataEvent(sensorType string, run, stream uint32) *RawDataEvent {
	return &RawDataEvent{
		BaseEvent:  *NewBaseEvent(RawDataTypeName, run, stream),
		SensorType: sensorType,
	}
}

// Header returns the embedded BaseEvent.
func (ev *RawDataEvent) Header() *BaseEvent { return &ev.BaseEvent }

// Serialize encodes ev.
func (ev *RawDataEvent) Serialize(s *serial.Serializer) {
	ev.BaseEvent.Serialize(s)
	s.PutString(ev.SensorType)
}

func decodeRawData(dec *Decoder) (Event, error) {
	ev := new(RawDataEvent)
	if err := dec.ReadHeader(&ev.BaseEvent); err != nil {
		return nil, err
	}
	ev.SensorType = dec.GetString()
	return ev, dec.Err()
}

// DetectorEvent is a composite event built by a DataCollector from the
// sub-events of several producers that share a synchronization key.
type DetectorEvent struct {
	BaseEvent
}

// NewDetectorEvent returns an empty composite belonging to run.
func NewDetectorEvent(run uint32) *DetectorEvent {
	ev := &DetectorEvent{BaseEvent: *NewBaseEvent(DetectorTypeName, run, 0)}
	ev.Flags |= FlagPacket
	return ev
}

// Header returns the embedded BaseEvent.
func (ev *DetectorEvent) Header() *BaseEvent { return &ev.BaseEvent }

func decodeDetector(dec *Decoder) (Event, error) {
	ev := new(DetectorEvent)
	if err := dec.ReadHeader(&ev.BaseEvent); err != nil {
		return nil, err
	}
	return ev, nil
}

// TriggerEvent is emitted by a trigger logic unit. Extended holds any
// additional fine-grained timestamps the unit recorded.
type TriggerEvent struct {
	BaseEvent
	Extended []uint64
}

// NewTriggerEvent returns a TriggerEvent for the given trigger number.
func NewTriggerEvent(run, trigger uint32, timestamp uint64) *TriggerEvent {
	ev := &TriggerEvent{BaseEvent: *NewBaseEvent(TriggerTypeName, run, 0)}
	ev.Trigger = trigger
	ev.TimeBegin = timestamp
	ev.TimeEnd = timestamp
	ev.Flags |= FlagTimestamp
	return ev
}

// Header returns the embedded BaseEvent.
func (ev *TriggerEvent) Header() *BaseEvent { return &ev.BaseEvent }

// Serialize encodes ev.
func (ev *TriggerEvent) Serialize(s *serial.Serializer) {
	ev.BaseEvent.Serialize(s)
	serial.PutSlice(s, ev.Extended, (*serial.Serializer).PutUint64)
}

func decodeTrigger(dec *Decoder) (Event, error) {
	ev := new(TriggerEvent)
	if err := dec.ReadHeader(&ev.BaseEvent); err != nil {
		return nil, err
	}
	ev.Extended = serial.GetSlice(dec.Deserializer, 8, (*serial.Deserializer).Uint64)
	return ev, dec.Err()
}

func decodeBase(dec *Decoder) (Event, error) {
	ev := new(BaseEvent)
	if err := dec.ReadHeader(ev); err != nil {
		return nil, err
	}
	return ev, nil
}
