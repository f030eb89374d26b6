package rundaq

import (
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usnistgov/rundaq/event"
	"github.com/usnistgov/rundaq/evfile"
	"github.com/usnistgov/rundaq/transport"
)

func newTestDataCollector(t *testing.T, settings map[string]any) *DataCollector {
	t.Helper()
	env := NewTestEnv(io.Discard, TypeDataCollector, "dc")
	dc, err := NewDataCollector("dc", env, "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(dc.Close)
	cfg := EmptyConfiguration("test")
	cfg.Set("DataPath", t.TempDir())
	for k, v := range settings {
		cfg.Set(k, v)
	}
	require.NoError(t, dc.OnConfigure(cfg))
	return dc
}

func (dc *DataCollector) connectedStreams() int {
	var n int
	dc.control(func() error {
		n = len(dc.streams)
		return nil
	})
	return n
}

func readEventFile(t *testing.T, fileName string) []event.Event {
	t.Helper()
	r, err := evfile.Open(fileName)
	require.NoError(t, err)
	defer r.Close()
	registry := event.NewRegistry()
	var events []event.Event
	for {
		ev, err := r.ReadEvent(registry)
		if err == io.EOF {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

// TestDataCollectorEndToEnd has producer P1 send BORE(run=5), three events
// and an EORE through a pass-through DataCollector into an event file.
func TestDataCollectorEndToEnd(t *testing.T) {
	dc := newTestDataCollector(t, map[string]any{"SyncMode": "ROC"})
	require.NoError(t, dc.OnStartRun(5))
	fileName := dc.Writing().FileName
	require.NotEmpty(t, fileName)

	src := NewSimulatedSource()
	src.Rate = 0
	src.MaxEvents = 3
	p := newTestProducer(t, "P1", src)
	require.NoError(t, p.OnData(dc.Address()))
	require.NoError(t, p.OnStartRun(5))
	require.NoError(t, p.OnStopRun())
	require.NoError(t, dc.OnStopRun())

	assert.False(t, dc.Writing().Active, "event file still open after the run ended")
	assert.Equal(t, int64(5), dc.Emitted())
	events := readEventFile(t, fileName)
	require.Len(t, events, 5)
	assert.True(t, events[0].Header().IsBORE())
	assert.True(t, events[4].Header().IsEORE())
	for i, ev := range events {
		h := ev.Header()
		assert.Equal(t, uint32(5), h.Run, "event %d", i)
		assert.Equal(t, uint32(i), h.Number, "event %d", i)
	}

	st := dc.status()
	assert.Equal(t, "5", st.Tag(TagEvent))
	assert.Equal(t, "0", st.Tag(TagDropped))
}

func TestDataCollectorTriggerSync(t *testing.T) {
	dc := newTestDataCollector(t, map[string]any{"SyncMode": "TRIGGERID"})
	require.NoError(t, dc.OnStartRun(8))
	fileName := dc.Writing().FileName

	var producers []*Producer
	for _, name := range []string{"A", "B"} {
		src := NewSimulatedSource()
		src.Rate = 0
		src.MaxEvents = 5
		p := newTestProducer(t, name, src)
		require.NoError(t, p.OnData(dc.Address()))
		producers = append(producers, p)
	}
	require.Eventually(t, func() bool { return dc.connectedStreams() == 2 }, 2*time.Second, 10*time.Millisecond)
	for _, p := range producers {
		require.NoError(t, p.OnStartRun(8))
	}
	for _, p := range producers {
		require.NoError(t, p.OnStopRun())
	}
	require.NoError(t, dc.OnStopRun())

	events := readEventFile(t, fileName)
	require.Len(t, events, 7)
	assert.True(t, events[0].Header().IsBORE())
	assert.Len(t, events[0].Header().Subs, 2)
	for i := 1; i <= 5; i++ {
		h := events[i].Header()
		assert.Equal(t, uint32(i), h.Trigger)
		assert.Equal(t, uint32(i), h.Number)
		assert.Len(t, h.Subs, 2)
	}
	assert.True(t, events[6].Header().IsEORE())
	assert.Equal(t, "0", dc.status().Tag(TagThrown))
}

func TestDataCollectorUnknownType(t *testing.T) {
	dc := newTestDataCollector(t, map[string]any{"WriteFiles": false})
	c, _, err := DialHandshake(dc.Address(), ChannelData, TypeProducer, "X")
	require.NoError(t, err)
	defer c.Close()
	require.Eventually(t, func() bool { return dc.connectedStreams() == 1 }, 2*time.Second, 10*time.Millisecond)

	bad := event.Marshal(event.NewTriggerEvent(0, 1, 0))
	binary.LittleEndian.PutUint32(bad, 0xdeadbeef)
	require.NoError(t, c.Send(bad))
	require.NoError(t, c.Send(event.Marshal(event.NewTriggerEvent(0, 2, 0))))

	require.Eventually(t, func() bool { return dc.Emitted() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), dc.Dropped())
	assert.Equal(t, 1.0, testutil.ToFloat64(dc.env.Metrics.Dropped.WithLabelValues(DropUnknownType)))
	assert.Equal(t, 0.0, testutil.ToFloat64(dc.env.Metrics.Dropped.WithLabelValues(DropMalformed)))
}

func TestDataCollectorRejectsUnidentified(t *testing.T) {
	dc := newTestDataCollector(t, map[string]any{"WriteFiles": false})
	c, err := transport.Dial(dc.Address(), time.Second)
	require.NoError(t, err)
	defer c.Close()
	greeting, err := c.ReceivePacket(time.Second)
	require.NoError(t, err)
	assert.Contains(t, string(greeting), "OK RUNDAQ DATA DataCollector")

	require.NoError(t, c.Send(event.Marshal(event.NewTriggerEvent(0, 1, 0))))
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("unidentified connection was not closed")
	}
	require.Eventually(t, func() bool { return dc.Dropped() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(dc.env.Metrics.Dropped.WithLabelValues(DropUnidentified)))
	assert.Zero(t, dc.Emitted())
}

func TestDataCollectorSettings(t *testing.T) {
	cfg := EmptyConfiguration("x")
	cfg.Set("SyncMode", "bxid")
	cfg.Set("Mandatory", []string{"P1", "P2"})
	cfg.Set("Optional", "T1")
	cfg.Set("ROCOffsets", []string{"P2:-3", "T1: 4"})
	s, err := parseDataCollectorSettings(cfg)
	require.NoError(t, err)
	assert.Equal(t, SyncBXID, s.Mode)
	assert.True(t, s.mandatory("P1"))
	assert.False(t, s.mandatory("T1"))
	assert.False(t, s.mandatory("P3"))
	assert.Equal(t, map[string]int64{"P2": -3, "T1": 4}, s.ROCOffsets)
	assert.True(t, s.WriteFiles)

	s.Mandatory = nil
	assert.True(t, s.mandatory("P3"), "with no Mandatory list every stream is mandatory")
	assert.False(t, s.mandatory("T1"))

	cfg.Set("ROCOffsets", []string{"P2"})
	_, err = parseDataCollectorSettings(cfg)
	assert.Error(t, err)
	cfg.Set("ROCOffsets", []string{})
	cfg.Set("SyncMode", "sometimes")
	_, err = parseDataCollectorSettings(cfg)
	assert.Error(t, err)
}

func TestRateMeter(t *testing.T) {
	rm := newRateMeter(5)
	assert.Zero(t, rm.rate())
	t0 := rm.start
	for i := 0; i < 8; i++ {
		rm.add(t0.Add(time.Duration(i)*time.Second), int64(100*i))
	}
	assert.InDelta(t, 100.0, rm.rate(), 1e-6)
	assert.Len(t, rm.times, 5)
}

func TestDataCollectorWriteCommand(t *testing.T) {
	dc := newTestDataCollector(t, nil)
	require.NoError(t, dc.OnStartRun(2))
	cmd := WriteControlConfig{Request: "Pause"}.Command()
	require.NoError(t, dc.OnUnrecognised(cmd))
	assert.True(t, dc.Writing().Paused)
	assert.Error(t, dc.OnUnrecognised(Command{Name: "DANCE"}))
	require.NoError(t, dc.OnUnrecognised(Command{Name: CmdRunID, Param: "01J0000000000000000000000"}))
	require.NoError(t, dc.OnReset())
	assert.False(t, dc.Writing().Active)
}

func (dc *DataCollector) streamConn(name string) transport.ConnID {
	var conn transport.ConnID
	dc.control(func() error {
		conn = dc.streams[name]
		return nil
	})
	return conn
}

// TestDataCollectorStaleDisconnect reconnects P1 and only then lets the old
// connection close: its Disconnect must not end the new stream.
func TestDataCollectorStaleDisconnect(t *testing.T) {
	dc := newTestDataCollector(t, map[string]any{"SyncMode": "ROC"})
	require.NoError(t, dc.OnStartRun(4))
	fileName := dc.Writing().FileName

	old, _, err := DialHandshake(dc.Address(), ChannelData, TypeProducer, "P1")
	require.NoError(t, err)
	defer old.Close()
	require.Eventually(t, func() bool { return dc.connectedStreams() == 1 }, 2*time.Second, 10*time.Millisecond)
	first := dc.streamConn("P1")

	c, _, err := DialHandshake(dc.Address(), ChannelData, TypeProducer, "P1")
	require.NoError(t, err)
	defer c.Close()
	require.Eventually(t, func() bool { return dc.streamConn("P1") != first }, 2*time.Second, 10*time.Millisecond)

	old.Close()
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(dc.env.Metrics.Connections) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Never(t, func() bool { return dc.connectedStreams() != 1 }, 200*time.Millisecond, 10*time.Millisecond)

	require.NoError(t, c.Send(event.Marshal(event.NewBORE(4, 0))))
	for i := uint32(1); i <= 3; i++ {
		ev := event.NewTriggerEvent(4, i, 0)
		ev.Number = i
		require.NoError(t, c.Send(event.Marshal(ev)))
	}
	require.NoError(t, c.Send(event.Marshal(event.NewEORE(4, 0, 4))))
	require.NoError(t, dc.OnStopRun())

	events := readEventFile(t, fileName)
	require.Len(t, events, 5)
	assert.True(t, events[0].Header().IsBORE())
	assert.True(t, events[4].Header().IsEORE())
}

// TestDataCollectorProducerReconnects drops P1's data connection halfway
// through a run. The run stays open until the new connection ends it.
func TestDataCollectorProducerReconnects(t *testing.T) {
	dc := newTestDataCollector(t, map[string]any{"SyncMode": "ROC"})
	require.NoError(t, dc.OnStartRun(6))
	fileName := dc.Writing().FileName

	c, _, err := DialHandshake(dc.Address(), ChannelData, TypeProducer, "P1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return dc.connectedStreams() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, c.Send(event.Marshal(event.NewBORE(6, 0))))
	require.NoError(t, c.Send(event.Marshal(event.NewTriggerEvent(6, 1, 0))))
	require.Eventually(t, func() bool { return dc.Emitted() == 2 }, 2*time.Second, 10*time.Millisecond)
	c.Close()
	require.Eventually(t, func() bool { return dc.connectedStreams() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, dc.Writing().Active, "run ended when its producer went away")

	c, _, err = DialHandshake(dc.Address(), ChannelData, TypeProducer, "P1")
	require.NoError(t, err)
	defer c.Close()
	require.Eventually(t, func() bool { return dc.connectedStreams() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, c.Send(event.Marshal(event.NewTriggerEvent(6, 2, 0))))
	require.NoError(t, c.Send(event.Marshal(event.NewEORE(6, 0, 3))))
	require.NoError(t, dc.OnStopRun())

	events := readEventFile(t, fileName)
	require.Len(t, events, 4)
	assert.True(t, events[0].Header().IsBORE())
	assert.Equal(t, uint32(2), events[2].Header().Trigger)
	eores := 0
	for _, ev := range events {
		if ev.Header().IsEORE() {
			eores++
		}
	}
	assert.Equal(t, 1, eores)
}

func TestDataCollectorStopGivesUp(t *testing.T) {
	saved := DrainTimeout
	DrainTimeout = 50 * time.Millisecond
	defer func() { DrainTimeout = saved }()

	dc := newTestDataCollector(t, map[string]any{"SyncMode": "TRIGGERID"})
	require.NoError(t, dc.OnStartRun(7))
	fileName := dc.Writing().FileName
	c, _, err := DialHandshake(dc.Address(), ChannelData, TypeProducer, "P1")
	require.NoError(t, err)
	defer c.Close()
	require.Eventually(t, func() bool { return dc.connectedStreams() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, c.Send(event.Marshal(event.NewBORE(7, 0))))
	require.NoError(t, c.Send(event.Marshal(event.NewTriggerEvent(7, 1, 0))))
	require.Eventually(t, func() bool { return dc.Emitted() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, dc.OnStopRun())
	assert.False(t, dc.Writing().Active)
	events := readEventFile(t, fileName)
	require.Len(t, events, 3)
	assert.True(t, events[2].Header().IsEORE())
}
