package rundaq

import (
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/usnistgov/rundaq/event"
)

func TestSimulatedPulse(t *testing.T) {
	ss := NewSimulatedSource()
	cfg := EmptyConfiguration("sim")
	cfg.Set("Channels", 3)
	cfg.Set("Samples", 200)
	cfg.Set("Rate", 0)
	cfg.Set("Pedestal", 1000)
	cfg.Set("Amplitude", 10000)
	if err := ss.Configure(cfg); err != nil {
		t.Fatalf("SimulatedSource.Configure() failed: %v", err)
	}
	if err := ss.StartRun(1); err != nil {
		t.Fatalf("SimulatedSource.StartRun() failed: %v", err)
	}
	abort := make(chan struct{})
	ev, err := ss.ReadEvent(abort)
	if err != nil {
		t.Fatalf("SimulatedSource.ReadEvent() failed: %v", err)
	}
	raw, ok := ev.(*event.RawDataEvent)
	if !ok {
		t.Fatalf("SimulatedSource.ReadEvent() returned %T, want *event.RawDataEvent", ev)
	}
	if len(raw.Blocks) != 3 {
		t.Errorf("SimulatedSource event has %d blocks, expect 3", len(raw.Blocks))
	}
	for id, data := range raw.Blocks {
		if len(data) != 2*200 {
			t.Errorf("SimulatedSource block %d is length %d, expect %d", id, len(data), 2*200)
			continue
		}
		min, max := uint16(65535), uint16(0)
		for j := 0; j < 200; j++ {
			v := binary.LittleEndian.Uint16(data[2*j:])
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
		}
		if min != 1000 {
			t.Errorf("SimulatedSource minimum value is %d, expect 1000", min)
		}
		if max <= 1000+5000 {
			t.Errorf("SimulatedSource maximum value is %d, expect > %d", max, 1000+5000)
		}
	}
	if raw.Trigger != 1 {
		t.Errorf("first trigger = %d, want 1", raw.Trigger)
	}
}

func TestSimulatedTriangle(t *testing.T) {
	ss := NewSimulatedSource()
	ss.Shape = ShapeTriangle
	ss.Nsamp = 10
	ss.Pedestal = 10
	ss.Rate = 0
	if err := ss.StartRun(1); err != nil {
		t.Fatalf("SimulatedSource.StartRun() failed: %v", err)
	}
	ev, err := ss.ReadEvent(nil)
	if err != nil {
		t.Fatal(err)
	}
	data, ok := ev.Header().Block(0)
	if !ok {
		t.Fatal("SimulatedSource event has no block 0")
	}
	expect := []uint16{10, 11, 12, 13, 14, 14, 13, 12, 11, 10}
	for j, want := range expect {
		if got := binary.LittleEndian.Uint16(data[2*j:]); got != want {
			t.Errorf("triangle sample [%d]=%d, expect %d", j, got, want)
		}
	}
}

func TestSimulatedKeys(t *testing.T) {
	ss := NewSimulatedSource()
	ss.Rate = 0
	ss.FirstROC = 100
	ss.BunchesPerCycle = 4
	ss.SkipTriggers = map[uint32]bool{3: true}
	ss.MaxEvents = 5
	if err := ss.StartRun(1); err != nil {
		t.Fatal(err)
	}
	type key struct {
		trig      uint32
		roc, bxid uint64
	}
	expect := []key{{1, 100, 0}, {2, 100, 1}, {4, 100, 3}, {5, 101, 0}, {6, 101, 1}}
	for i, want := range expect {
		ev, err := ss.ReadEvent(nil)
		if err != nil {
			t.Fatalf("ReadEvent %d: %v", i, err)
		}
		h := ev.Header()
		roc, _ := h.TagUint(TagROC)
		bxid, _ := h.TagUint(TagBXID)
		if got := (key{h.Trigger, roc, bxid}); got != want {
			t.Errorf("event %d has keys %+v, want %+v", i, got, want)
		}
	}
	if _, err := ss.ReadEvent(nil); err != io.EOF {
		t.Errorf("ReadEvent after MaxEvents returned %v, want io.EOF", err)
	}
}

func TestSimulatedAbort(t *testing.T) {
	ss := NewSimulatedSource()
	ss.Rate = 0.5
	if err := ss.StartRun(1); err != nil {
		t.Fatal(err)
	}
	abort := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(abort)
	}()
	start := time.Now()
	if _, err := ss.ReadEvent(abort); err != io.EOF {
		t.Errorf("SimulatedSource did not return EOF on aborted ReadEvent")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("aborted ReadEvent took %v", elapsed)
	}

	ss.Shape = "square"
	if err := ss.build(); err == nil {
		t.Errorf("SimulatedSource builds without error with an unknown shape")
	}
	ss.Shape = ShapePulse
	ss.BunchesPerCycle = 0
	if err := ss.build(); err == nil {
		t.Errorf("SimulatedSource builds without error with 0 bunches per cycle")
	}
}
