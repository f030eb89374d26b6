package rundaq

import (
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/usnistgov/rundaq/event"
)

// Waveform shapes a SimulatedSource can generate.
const (
	ShapePulse    = "pulse"
	ShapeTriangle = "triangle"
)

// SimulatedSource is a ReadoutSource that synthesizes RawDataEvents at a
// fixed rate. Each event carries one data block per channel holding a
// pulse (or triangle wave) of little-endian uint16 samples, a trigger
// number, and ROC/BXID tags for testing the DataCollector's synchronizer.
type SimulatedSource struct {
	SensorType      string
	Nchan           int
	Nsamp           int
	Rate            float64 // events per second; 0 means as fast as possible
	Pedestal        float64
	Amplitude       float64
	Shape           string
	FirstROC        uint64
	BunchesPerCycle uint64
	MaxEvents       int
	SkipTriggers    map[uint32]bool

	timeperevent time.Duration
	onecycle     []byte
	lastread     time.Time
	trigger      uint32
	nread        int
}

// NewSimulatedSource creates a SimulatedSource with small default settings.
func NewSimulatedSource() *SimulatedSource {
	return &SimulatedSource{
		SensorType:      "Simulated",
		Nchan:           1,
		Nsamp:           64,
		Rate:            100,
		Pedestal:        1000,
		Amplitude:       10000,
		Shape:           ShapePulse,
		BunchesPerCycle: 16,
	}
}

// Configure reads the source settings and builds the waveform.
func (ss *SimulatedSource) Configure(cfg *Configuration) error {
	ss.SensorType = cfg.GetString("SensorType", ss.SensorType)
	ss.Nchan = cfg.GetInt("Channels", ss.Nchan)
	ss.Nsamp = cfg.GetInt("Samples", ss.Nsamp)
	ss.Rate = cfg.GetFloat("Rate", ss.Rate)
	ss.Pedestal = cfg.GetFloat("Pedestal", ss.Pedestal)
	ss.Amplitude = cfg.GetFloat("Amplitude", ss.Amplitude)
	ss.Shape = cfg.GetString("Shape", ss.Shape)
	ss.FirstROC = uint64(cfg.GetInt("FirstROC", int(ss.FirstROC)))
	ss.BunchesPerCycle = uint64(cfg.GetInt("BunchesPerCycle", int(ss.BunchesPerCycle)))
	ss.MaxEvents = cfg.GetInt("MaxEvents", ss.MaxEvents)
	skips := cfg.GetStringSlice("SkipTriggers", nil)
	if len(skips) > 0 {
		ss.SkipTriggers = make(map[uint32]bool)
		for _, s := range skips {
			n, err := strconv.ParseUint(s, 10, 32)
			if err != nil {
				return fmt.Errorf("SkipTriggers entry %q: %w", s, err)
			}
			ss.SkipTriggers[uint32(n)] = true
		}
	}
	return ss.build()
}

func (ss *SimulatedSource) build() error {
	if ss.Nchan < 0 || ss.Nsamp <= 0 {
		return fmt.Errorf("simulated source needs Channels >= 0 and Samples > 0, have %d, %d", ss.Nchan, ss.Nsamp)
	}
	if ss.BunchesPerCycle == 0 {
		return fmt.Errorf("simulated source needs BunchesPerCycle > 0")
	}
	samples := make([]uint16, ss.Nsamp)
	switch ss.Shape {
	case ShapePulse:
		firstIdx := ss.Nsamp / 4
		ampl := []float64{ss.Amplitude, -ss.Amplitude}
		exprate := []float64{.95, .7}
		value := ss.Pedestal
		for i := range samples {
			if i >= firstIdx {
				value = ss.Pedestal + ampl[0] + ampl[1]
				ampl[0] *= exprate[0]
				ampl[1] *= exprate[1]
			}
			samples[i] = uint16(value + 0.5)
		}
	case ShapeTriangle:
		half := ss.Nsamp / 2
		for i := range samples {
			rise := i
			if i >= half {
				rise = ss.Nsamp - 1 - i
			}
			samples[i] = uint16(ss.Pedestal) + uint16(rise)
		}
	default:
		return fmt.Errorf("simulated source shape %q not known", ss.Shape)
	}
	ss.onecycle = make([]byte, 2*len(samples))
	for i, v := range samples {
		binary.LittleEndian.PutUint16(ss.onecycle[2*i:], v)
	}
	ss.timeperevent = 0
	if ss.Rate > 0 {
		ss.timeperevent = time.Duration(float64(time.Second) / ss.Rate)
	}
	return nil
}

// StartRun resets the trigger counter.
func (ss *SimulatedSource) StartRun(run uint32) error {
	if ss.onecycle == nil {
		if err := ss.build(); err != nil {
			return err
		}
	}
	ss.trigger = 0
	ss.nread = 0
	ss.lastread = time.Now()
	return nil
}

// ReadEvent blocks until the next event is due, then makes it. After abort
// it still returns the events already due, then io.EOF. Without a rate
// limit every event is due, so only a run bounded by MaxEvents is finished.
func (ss *SimulatedSource) ReadEvent(abort <-chan struct{}) (event.Event, error) {
	if ss.MaxEvents > 0 && ss.nread >= ss.MaxEvents {
		return nil, io.EOF
	}
	nextread := ss.lastread.Add(ss.timeperevent)
	waittime := time.Until(nextread)
	select {
	case <-abort:
		if waittime > 0 || (ss.timeperevent == 0 && ss.MaxEvents == 0) {
			return nil, io.EOF
		}
	default:
		if waittime > 0 {
			select {
			case <-abort:
				return nil, io.EOF
			case <-time.After(waittime):
			}
		}
	}
	ss.lastread = time.Now()

	// Skipped triggers model a detector that missed them.
	ss.trigger++
	for ss.SkipTriggers[ss.trigger] {
		ss.trigger++
	}
	ss.nread++

	ev := event.NewRawDataEvent(ss.SensorType, 0, 0)
	ev.Trigger = ss.trigger
	ev.TimeBegin = uint64(ss.lastread.UnixNano())
	ev.TimeEnd = ev.TimeBegin + uint64(max(ss.timeperevent, 1))
	ev.SetFlag(event.FlagTimestamp)
	bunch := uint64(ss.trigger - 1)
	ev.SetTag(TagROC, strconv.FormatUint(ss.FirstROC+bunch/ss.BunchesPerCycle, 10))
	ev.SetTag(TagBXID, strconv.FormatUint(bunch%ss.BunchesPerCycle, 10))
	for i := 0; i < ss.Nchan; i++ {
		datacopy := make([]byte, len(ss.onecycle))
		copy(datacopy, ss.onecycle)
		ev.AddBlock(uint32(i), datacopy)
	}
	return ev, nil
}

// StopRun does nothing for a simulated source.
func (ss *SimulatedSource) StopRun() error {
	return nil
}
