package rundaq

import (
	"fmt"
	"strings"

	"github.com/usnistgov/rundaq/event"
)

// SyncMode selects how a DataCollector combines the streams of its producers.
type SyncMode int

// Synchronization modes.
const (
	// SyncPassThrough forwards every event unchanged in arrival order.
	SyncPassThrough SyncMode = iota
	// SyncTriggerID merges the events that share a trigger number.
	SyncTriggerID
	// SyncBXID merges the events that share a readout cycle (ROC tag, plus
	// the stream's offset) and bunch crossing (BXID tag).
	SyncBXID
	// SyncTimestamp merges the events whose [TimeBegin, TimeEnd) windows
	// overlap the earliest pending window.
	SyncTimestamp
)

func (m SyncMode) String() string {
	switch m {
	case SyncPassThrough:
		return "ROC"
	case SyncTriggerID:
		return "TRIGGERID"
	case SyncBXID:
		return "BXID"
	case SyncTimestamp:
		return "TIMESTAMP"
	}
	return fmt.Sprintf("SyncMode(%d)", int(m))
}

// ParseSyncMode accepts the mode names used in settings files.
func ParseSyncMode(name string) (SyncMode, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "", "ROC", "PASSTHROUGH", "NONE":
		return SyncPassThrough, nil
	case "TRIGGERID", "TRIGGER":
		return SyncTriggerID, nil
	case "BXID":
		return SyncBXID, nil
	case "TIMESTAMP", "TS":
		return SyncTimestamp, nil
	}
	return SyncPassThrough, fmt.Errorf("unknown synchronization mode %q", name)
}

// SyncKey is the correlation key of one event. Keys order by ROC, then BXID,
// then Trigger, then Time. Each mode fills only the fields it matches on.
type SyncKey struct {
	ROC     uint64
	BXID    uint64
	Trigger uint32
	Time    uint64 // window start, in SyncTimestamp mode
}

// Compare returns -1, 0 or +1 as k sorts before, with or after o.
func (k SyncKey) Compare(o SyncKey) int {
	switch {
	case k.ROC != o.ROC:
		return compareUints(k.ROC, o.ROC)
	case k.BXID != o.BXID:
		return compareUints(k.BXID, o.BXID)
	case k.Trigger != o.Trigger:
		return compareUints(uint64(k.Trigger), uint64(o.Trigger))
	}
	return compareUints(k.Time, o.Time)
}

func (k SyncKey) String() string {
	if k.Time != 0 {
		return fmt.Sprintf("T %d", k.Time)
	}
	return fmt.Sprintf("ROC %d BXID %d TRIG %d", k.ROC, k.BXID, k.Trigger)
}

func compareUints(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// SyncStats counts what a Synchronizer has done since its last Reset.
type SyncStats struct {
	Received   uint64
	Emitted    uint64
	Thrown     uint64 // composites discarded for lack of a mandatory sub-event
	Stale      uint64
	OutOfOrder uint64
	MissingKey uint64
}

// Discarded returns the number of producer events dropped without being
// part of a composite or thrown composite.
func (s SyncStats) Discarded() uint64 {
	return s.Stale + s.OutOfOrder + s.MissingKey
}

type keyedEvent struct {
	ev  event.Event
	key SyncKey
	end uint64 // window end, in SyncTimestamp mode
}

type syncStream struct {
	name      string
	mandatory bool
	rocOffset int64
	connected bool
	ended     bool
	gotBORE   bool
	queue     []keyedEvent
}

// required streams must contribute to every composite.
func (st *syncStream) required() bool {
	return st.mandatory && st.connected
}

// Synchronizer merges the event streams of several producers into composite
// DetectorEvents. It is not safe for concurrent use: the DataCollector owns
// one and feeds it from a single goroutine.
//
// A mandatory stream that is connected and has not ended, but has nothing
// queued, stops the merge until it delivers: the Synchronizer waits rather
// than guess that an event is missing. Composites come out in strictly
// increasing key order.
type Synchronizer struct {
	mode    SyncMode
	env     *Env
	emit    func(event.Event)
	streams []*syncStream
	byName  map[string]*syncStream

	run        uint32
	started    bool
	number     uint32
	last       SyncKey
	emittedAny bool
	bores      []event.Event
	boreSent   bool
	eores      []event.Event
	eoreSent   bool
	stats      SyncStats
}

// NewSynchronizer returns a Synchronizer handing its output to emit.
func NewSynchronizer(mode SyncMode, env *Env, emit func(event.Event)) *Synchronizer {
	return &Synchronizer{
		mode:   mode,
		env:    env,
		emit:   emit,
		byName: make(map[string]*syncStream),
	}
}

// Mode returns the synchronization mode.
func (s *Synchronizer) Mode() SyncMode { return s.mode }

// AddStream declares a producer stream, or marks a known one connected again.
func (s *Synchronizer) AddStream(name string, mandatory bool, rocOffset int64) {
	st, ok := s.byName[name]
	if !ok {
		st = &syncStream{name: name}
		s.byName[name] = st
		s.streams = append(s.streams, st)
	}
	st.mandatory = mandatory
	st.rocOffset = rocOffset
	st.connected = true
	s.env.Log.Debugf("stream %s added (mandatory %v, ROC offset %d)", name, mandatory, rocOffset)
}

// Disconnect marks a stream as gone. Its queued events still take part in
// the merge, but it no longer holds the merge up. A stream that began the
// run still has to end it: the run stays open until its end-of-run event
// arrives after a reconnection, or until Finish.
func (s *Synchronizer) Disconnect(name string) {
	st, ok := s.byName[name]
	if !ok || !st.connected {
		return
	}
	st.connected = false
	if st.mandatory && !st.ended && s.started && !s.eoreSent {
		s.env.Log.Warnf("mandatory stream %s disconnected during run %d", name, s.run)
	}
	s.advance()
}

// Finish ends the run without waiting for the streams that have not sent
// their end-of-run event. Whatever is queued is merged first.
func (s *Synchronizer) Finish() {
	if s.eoreSent {
		return
	}
	if !s.started || s.mode == SyncPassThrough {
		s.eoreSent = true
		return
	}
	for {
		key, ok := s.minimum()
		if !ok {
			break
		}
		s.build(key)
	}
	s.sendEORE()
}

// Reset prepares for a new run. Stream declarations are kept.
func (s *Synchronizer) Reset(run uint32) {
	for _, st := range s.streams {
		st.queue = nil
		st.ended = false
		st.gotBORE = false
	}
	s.run = run
	s.started = false
	s.number = 0
	s.last = SyncKey{}
	s.emittedAny = false
	s.bores = nil
	s.boreSent = false
	s.eores = nil
	s.eoreSent = false
	s.stats = SyncStats{}
}

// Ended reports whether the run is over: every stream that took part has
// sent its end-of-run event, or Finish was called.
func (s *Synchronizer) Ended() bool {
	return s.eoreSent
}

// Pending returns the number of events waiting in the stream queues.
func (s *Synchronizer) Pending() int {
	n := 0
	for _, st := range s.streams {
		n += len(st.queue)
	}
	return n
}

// Stats returns the counters for the current run.
func (s *Synchronizer) Stats() SyncStats {
	return s.stats
}

// Add takes one event from the named stream and emits whatever it completes.
func (s *Synchronizer) Add(name string, ev event.Event) {
	st, ok := s.byName[name]
	if !ok {
		s.env.Log.Warnf("event from undeclared stream %s: treating it as optional", name)
		s.AddStream(name, false, 0)
		st = s.byName[name]
	}
	s.stats.Received++
	h := ev.Header()
	if s.eoreSent || st.ended {
		s.stats.Stale++
		s.discard(DropStale, "event %d from %s after end of run", h.Number, name)
		return
	}
	s.started = true

	if s.mode == SyncPassThrough {
		switch {
		case h.IsBORE():
			st.gotBORE = true
		case h.IsEORE():
			st.ended = true
		}
		s.stats.Emitted++
		s.emit(ev)
		s.advance()
		return
	}

	switch {
	case h.IsBORE():
		st.gotBORE = true
		s.bores = append(s.bores, ev)
		if s.allSentBORE() {
			s.sendBORE()
		}
		return
	case h.IsEORE():
		st.ended = true
		s.eores = append(s.eores, ev)
		s.advance()
		return
	}

	key, ok := s.key(st, h)
	if !ok {
		s.stats.MissingKey++
		s.discard(DropMissingKey, "event %d from %s lacks %s keys", h.Number, name, s.mode)
		return
	}
	st.queue = append(st.queue, keyedEvent{ev: ev, key: key, end: h.TimeEnd})
	s.advance()
}

func (s *Synchronizer) key(st *syncStream, h *event.BaseEvent) (SyncKey, bool) {
	switch s.mode {
	case SyncTriggerID:
		return SyncKey{Trigger: h.Trigger}, true
	case SyncBXID:
		roc, ok1 := h.TagUint(TagROC)
		bxid, ok2 := h.TagUint(TagBXID)
		if !ok1 || !ok2 {
			return SyncKey{}, false
		}
		shifted := int64(roc) + st.rocOffset
		if shifted < 0 {
			return SyncKey{}, false
		}
		return SyncKey{ROC: uint64(shifted), BXID: bxid}, true
	case SyncTimestamp:
		if h.TimeEnd <= h.TimeBegin {
			return SyncKey{}, false
		}
		return SyncKey{Time: h.TimeBegin}, true
	}
	return SyncKey{}, false
}

func (s *Synchronizer) discard(reason, format string, args ...any) {
	s.env.drop(reason)
	s.env.Log.Debugf(format, args...)
}

func (s *Synchronizer) allSentBORE() bool {
	n := 0
	for _, st := range s.streams {
		if st.connected {
			if !st.gotBORE {
				return false
			}
			n++
		}
	}
	return n > 0
}

// allEnded reports whether the run has begun and every stream that is
// connected, or that began the run, has sent its end-of-run event.
func (s *Synchronizer) allEnded() bool {
	if !s.started {
		return false
	}
	for _, st := range s.streams {
		if !st.ended && (st.connected || st.gotBORE) {
			return false
		}
	}
	return true
}

func (s *Synchronizer) sendBORE() {
	if s.boreSent || len(s.bores) == 0 {
		return
	}
	bore := event.NewDetectorEvent(s.run)
	bore.SetFlag(event.FlagBORE)
	bore.SetTag("SyncMode", s.mode.String())
	for _, b := range s.bores {
		bore.AddSubEvent(b)
		if t := b.Header().TimeBegin; t != 0 && (bore.TimeBegin == 0 || t < bore.TimeBegin) {
			bore.TimeBegin = t
		}
	}
	s.boreSent = true
	s.bores = nil
	s.stats.Emitted++
	s.emit(bore)
}

func (s *Synchronizer) sendEORE() {
	s.sendBORE()
	eore := event.NewDetectorEvent(s.run)
	eore.SetFlag(event.FlagEORE)
	eore.Number = s.number + 1
	for _, e := range s.eores {
		eore.AddSubEvent(e)
		if t := e.Header().TimeEnd; t > eore.TimeEnd {
			eore.TimeEnd = t
		}
	}
	eore.SetTag(TagThrown, fmt.Sprint(s.stats.Thrown))
	s.eores = nil
	s.eoreSent = true
	s.stats.Emitted++
	s.emit(eore)
}

// blocked reports whether some mandatory stream may still deliver the key
// the merge would need next.
func (s *Synchronizer) blocked() bool {
	for _, st := range s.streams {
		if st.required() && !st.ended && len(st.queue) == 0 {
			return true
		}
	}
	return false
}

// minimum returns the smallest key at the front of the required streams,
// or of all streams when no required stream has anything queued.
func (s *Synchronizer) minimum() (SyncKey, bool) {
	var min SyncKey
	found := false
	scan := func(requiredOnly bool) {
		for _, st := range s.streams {
			if len(st.queue) == 0 || (requiredOnly && !st.required()) {
				continue
			}
			if k := st.queue[0].key; !found || k.Compare(min) < 0 {
				min, found = k, true
			}
		}
	}
	scan(true)
	if !found {
		scan(false)
	}
	return min, found
}

// advance emits every composite that can be completed, and closes the run
// once all streams have ended.
func (s *Synchronizer) advance() {
	if s.eoreSent {
		return
	}
	if s.mode == SyncPassThrough {
		s.eoreSent = s.allEnded()
		return
	}
	for !s.blocked() {
		key, ok := s.minimum()
		if !ok {
			break
		}
		s.build(key)
	}
	if s.allEnded() {
		s.sendEORE()
	}
}

// window returns the end of the earliest-ending front window starting at key.
func (s *Synchronizer) window(key SyncKey) uint64 {
	var end uint64
	for _, st := range s.streams {
		if len(st.queue) > 0 && st.queue[0].key == key && (end == 0 || st.queue[0].end < end) {
			end = st.queue[0].end
		}
	}
	return end
}

// position returns -1, 0 or +1 as ke lies before, on or after the key
// being built. In SyncTimestamp mode "on" means the windows overlap.
func (s *Synchronizer) position(ke keyedEvent, key SyncKey, end uint64) int {
	if s.mode != SyncTimestamp {
		return ke.key.Compare(key)
	}
	switch {
	case ke.end <= key.Time:
		return -1
	case ke.key.Time >= end:
		return 1
	}
	return 0
}

// build pops every front event matching the given key and emits the
// composite if no required stream is missing.
func (s *Synchronizer) build(key SyncKey) {
	var subs []event.Event
	var end uint64
	if s.mode == SyncTimestamp {
		end = s.window(key)
	}
	complete := true
	for _, st := range s.streams {
		for len(st.queue) > 0 && s.position(st.queue[0], key, end) < 0 {
			s.stats.Stale++
			s.discard(DropStale, "stale event at %v from %s", st.queue[0].key, st.name)
			st.queue = st.queue[1:]
		}
		if len(st.queue) > 0 && s.position(st.queue[0], key, end) == 0 {
			subs = append(subs, st.queue[0].ev)
			st.queue[0] = keyedEvent{}
			st.queue = st.queue[1:]
		} else if st.mandatory && (st.connected || st.ended) {
			complete = false
		}
	}
	if !complete {
		s.stats.Thrown++
		s.env.Metrics.ThrownIncomplete.Inc()
		s.env.Log.Debugf("threw incomplete event at %v (%d sub-events)", key, len(subs))
		return
	}
	if s.emittedAny && key.Compare(s.last) <= 0 {
		s.stats.OutOfOrder += uint64(len(subs))
		s.discard(DropOutOfOrder, "event at %v is not after %v", key, s.last)
		return
	}
	s.sendBORE()

	s.number++
	comp := event.NewDetectorEvent(s.run)
	comp.Number = s.number
	comp.Trigger = subs[0].Header().Trigger
	if s.mode == SyncBXID {
		comp.SetTag(TagROC, fmt.Sprint(key.ROC))
		comp.SetTag(TagBXID, fmt.Sprint(key.BXID))
	}
	for _, sub := range subs {
		h := sub.Header()
		comp.AddSubEvent(sub)
		if h.TimeBegin != 0 && (comp.TimeBegin == 0 || h.TimeBegin < comp.TimeBegin) {
			comp.TimeBegin = h.TimeBegin
		}
		if h.TimeEnd > comp.TimeEnd {
			comp.TimeEnd = h.TimeEnd
		}
	}
	s.last = key
	s.emittedAny = true
	s.stats.Emitted++
	s.emit(comp)
}
