package rundaq

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/usnistgov/rundaq/event"
	"github.com/usnistgov/rundaq/evfile"
	"github.com/usnistgov/rundaq/internal/fifo"
	"github.com/usnistgov/rundaq/transport"
	"gonum.org/v1/gonum/stat"
)

// DrainTimeout bounds how long a DataCollector waits at STOP for every
// producer's end-of-run event before it ends the run without them.
var DrainTimeout = 5 * time.Second

// CounterLogInterval is how often a DataCollector logs its drop counters,
// when they have changed.
var CounterLogInterval = 5 * time.Second

type inputKind int

const (
	inEvent inputKind = iota
	inConnect
	inDisconnect
	inControl
)

// dcInput is one unit of work for the builder goroutine.
type dcInput struct {
	kind   inputKind
	stream string
	conn   transport.ConnID
	ev     event.Event
	// control runs on the builder goroutine; its result goes to reply.
	control func() error
	reply   chan error
}

// DataCollectorSettings are the run settings a DataCollector reads from
// its section of the configuration.
type DataCollectorSettings struct {
	Mode       SyncMode
	Mandatory  []string // empty means every stream not listed as optional
	Optional   []string
	ROCOffsets map[string]int64
	DataPath   string
	WriteFiles bool
}

func parseDataCollectorSettings(cfg *Configuration) (DataCollectorSettings, error) {
	s := DataCollectorSettings{
		Mandatory:  cfg.GetStringSlice("Mandatory", nil),
		Optional:   cfg.GetStringSlice("Optional", nil),
		ROCOffsets: make(map[string]int64),
		DataPath:   cfg.GetString("DataPath", "data"),
		WriteFiles: cfg.GetBool("WriteFiles", true),
	}
	var err error
	if s.Mode, err = ParseSyncMode(cfg.GetString("SyncMode", "")); err != nil {
		return s, err
	}
	for _, entry := range cfg.GetStringSlice("ROCOffsets", nil) {
		name, value, ok := strings.Cut(entry, ":")
		if !ok {
			return s, fmt.Errorf("ROCOffsets entry %q is not name:offset", entry)
		}
		offset, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return s, fmt.Errorf("ROCOffsets entry %q: %w", entry, err)
		}
		s.ROCOffsets[strings.TrimSpace(name)] = offset
	}
	return s, nil
}

func (s DataCollectorSettings) mandatory(stream string) bool {
	for _, name := range s.Optional {
		if name == stream {
			return false
		}
	}
	if len(s.Mandatory) == 0 {
		return true
	}
	for _, name := range s.Mandatory {
		if name == stream {
			return true
		}
	}
	return false
}

// rateMeter estimates the event rate as the slope of a least-squares line
// through the recent (time, count) samples.
type rateMeter struct {
	mu      sync.Mutex
	start   time.Time
	times   []float64
	counts  []float64
	samples int
}

func newRateMeter(samples int) *rateMeter {
	return &rateMeter{start: time.Now(), samples: samples}
}

func (rm *rateMeter) reset() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.start = time.Now()
	rm.times = rm.times[:0]
	rm.counts = rm.counts[:0]
}

func (rm *rateMeter) add(t time.Time, count int64) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.times = append(rm.times, t.Sub(rm.start).Seconds())
	rm.counts = append(rm.counts, float64(count))
	if n := len(rm.times); n > rm.samples {
		rm.times = rm.times[n-rm.samples:]
		rm.counts = rm.counts[n-rm.samples:]
	}
}

// rate returns events per second, or 0 with fewer than two samples.
func (rm *rateMeter) rate() float64 {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if len(rm.times) < 2 {
		return 0
	}
	_, slope := stat.LinearRegression(rm.times, rm.counts, nil, false)
	return slope
}

// DataCollector receives the event streams of the producers, merges them
// with a Synchronizer and hands the result to its sinks: the run's event
// file and, optionally, a monitor publisher.
//
// Three goroutines share the work. The CommandReceiver's goroutine runs
// commands; the dispatch goroutine services the data server and decodes
// events; the builder goroutine owns the Synchronizer and the sinks. Work
// reaches the builder through a queue, so a slow disk never stops the
// network from being read.
type DataCollector struct {
	*CommandReceiver
	env    *Env
	server *transport.Server
	peers  *peerTable
	input  *fifo.Queue[dcInput]

	// owned by the builder goroutine
	merger    *Synchronizer
	settings  DataCollectorSettings
	streams   map[string]transport.ConnID // current connection of each stream
	writing   WritingState
	monitor   *MonitorPublisher
	sinkError bool
	runID     string

	emitted  atomic.Int64
	dropped  atomic.Int64
	thrown   atomic.Int64
	pending  atomic.Int64
	ended    atomic.Bool
	rate     *rateMeter
	runEnded chan struct{}

	mu           sync.Mutex // guards closed against sends on input
	closing      bool
	closed       bool
	stop         chan struct{}
	dispatchDone chan struct{}
	buildDone    chan struct{}
}

// NewDataCollector starts a DataCollector listening for producers on listen.
func NewDataCollector(name string, env *Env, listen string) (*DataCollector, error) {
	server, err := transport.Listen(listen)
	if err != nil {
		return nil, err
	}
	dc := &DataCollector{
		env:          env,
		server:       server,
		peers:        newPeerTable(server, ChannelData, TypeDataCollector),
		input:        fifo.New[dcInput](0),
		streams:      make(map[string]transport.ConnID),
		settings:     DataCollectorSettings{DataPath: "data"},
		rate:         newRateMeter(10),
		runEnded:     make(chan struct{}, 1),
		stop:         make(chan struct{}),
		dispatchDone: make(chan struct{}),
		buildDone:    make(chan struct{}),
	}
	dc.CommandReceiver = NewCommandReceiver(TypeDataCollector, name, env, dc)
	dc.merger = NewSynchronizer(SyncPassThrough, env, dc.deliver)
	go dc.dispatchLoop()
	go dc.buildLoop()
	checkReceiveBuffer(env.Log)
	return dc, nil
}

// SetMonitor adds a sink that publishes a sample of the events.
func (dc *DataCollector) SetMonitor(mp *MonitorPublisher) error {
	return dc.control(func() error {
		dc.monitor = mp
		return nil
	})
}

// Address returns the address producers should send data to.
func (dc *DataCollector) Address() string {
	return dc.server.ConnectionString()
}

// control runs f on the builder goroutine and waits for it.
func (dc *DataCollector) control(f func() error) error {
	reply := make(chan error, 1)
	dc.mu.Lock()
	if dc.closed {
		dc.mu.Unlock()
		return ErrClosedCollector
	}
	dc.input.In() <- dcInput{kind: inControl, control: f, reply: reply}
	dc.mu.Unlock()
	return <-reply
}

// ErrClosedCollector is returned for requests made after Close.
var ErrClosedCollector = errors.New("data collector is closed")

func (dc *DataCollector) dispatchLoop() {
	defer close(dc.dispatchDone)
	lastLog := time.Now()
	lastRate := time.Now()
	var loggedDropped, loggedThrown int64
	for {
		select {
		case <-dc.stop:
			return
		default:
		}
		dc.server.Process(100*time.Millisecond, dc.handleTransport)

		now := time.Now()
		if now.Sub(lastRate) >= time.Second {
			dc.rate.add(now, dc.emitted.Load())
			lastRate = now
		}
		if now.Sub(lastLog) >= CounterLogInterval {
			dropped, thrown := dc.dropped.Load(), dc.thrown.Load()
			if dropped != loggedDropped || thrown != loggedThrown {
				dc.env.Log.Infof("%d events built, %d incomplete events thrown, %d messages dropped",
					dc.emitted.Load(), thrown, dropped)
				loggedDropped, loggedThrown = dropped, thrown
			}
			lastLog = now
		}
	}
}

func (dc *DataCollector) handleTransport(ev transport.Event) {
	switch ev.Kind {
	case transport.Connect:
		dc.env.Metrics.Connections.Inc()
		if err := dc.peers.connected(ev); err != nil {
			dc.env.Log.Warnf("greeting %s: %v", ev.Remote, err)
		}

	case transport.Receive:
		ci, payload, err := dc.peers.received(ev)
		if err != nil {
			dc.dropped.Add(1)
			dc.env.drop(DropUnidentified)
			dc.env.Log.Warnf("rejected data connection: %v", err)
			return
		}
		if !payload {
			dc.env.Log.Infof("%s connected from %s", ci.FullName(), ci.Remote)
			dc.input.In() <- dcInput{kind: inConnect, stream: ci.Name, conn: ev.Conn}
			return
		}
		e, err := dc.env.Events.Unmarshal(ev.Packet)
		if err != nil {
			reason := DropMalformed
			if errors.Is(err, event.ErrUnknownEventType) {
				reason = DropUnknownType
			}
			dc.dropped.Add(1)
			dc.env.drop(reason)
			dc.env.Log.Warnf("dropped message from %s: %v", ci.FullName(), err)
			dc.env.Log.Debugf("undecodable message:\n%s", spew.Sdump(ev.Packet[:min(len(ev.Packet), 64)]))
			return
		}
		dc.env.Metrics.EventsReceived.WithLabelValues(ci.Name).Inc()
		dc.input.In() <- dcInput{kind: inEvent, stream: ci.Name, ev: e}

	case transport.Disconnect:
		dc.env.Metrics.Connections.Dec()
		if ci, was := dc.peers.disconnected(ev); was {
			dc.env.Log.Infof("%s disconnected", ci.FullName())
			dc.input.In() <- dcInput{kind: inDisconnect, stream: ci.Name, conn: ev.Conn}
		}
	}
}

func (dc *DataCollector) buildLoop() {
	defer close(dc.buildDone)
	for in := range dc.input.Out() {
		switch in.kind {
		case inEvent:
			dc.merger.Add(in.stream, in.ev)
		case inConnect:
			dc.streams[in.stream] = in.conn
			dc.merger.AddStream(in.stream, dc.settings.mandatory(in.stream), dc.settings.ROCOffsets[in.stream])
		case inDisconnect:
			// A producer that reconnected has already replaced this connection.
			if conn, ok := dc.streams[in.stream]; !ok || conn != in.conn {
				dc.env.Log.Debugf("ignoring the end of an earlier connection from %s", in.stream)
				break
			}
			delete(dc.streams, in.stream)
			dc.merger.Disconnect(in.stream)
		case inControl:
			err := in.control()
			dc.afterInput()
			in.reply <- err
			continue
		}
		dc.afterInput()
	}
}

// afterInput publishes the counters and closes the file once the run is over.
func (dc *DataCollector) afterInput() {
	stats := dc.merger.Stats()
	dc.thrown.Store(int64(stats.Thrown))
	dc.pending.Store(int64(dc.merger.Pending()))
	if dc.merger.Ended() && !dc.ended.Load() {
		dc.ended.Store(true)
		dc.closeFile()
		dc.env.Log.Infof("run %d ended: %d events built, %d thrown, %d discarded",
			dc.RunNumber(), stats.Emitted, stats.Thrown, stats.Discarded())
		select {
		case dc.runEnded <- struct{}{}:
		default:
		}
	}
}

// deliver hands one output event to every sink.
func (dc *DataCollector) deliver(ev event.Event) {
	dc.emitted.Add(1)
	if err := dc.writing.WriteEvent(ev); err != nil {
		dc.sinkFailed("writing event file", err)
	} else {
		dc.env.Metrics.EventsWritten.Inc()
	}
	if dc.monitor != nil {
		if err := dc.monitor.WriteEvent(ev); err != nil {
			dc.env.Log.Warnf("publishing event %d: %v", ev.Header().Number, err)
		}
	}
}

func (dc *DataCollector) sinkFailed(what string, err error) {
	if dc.sinkError {
		return
	}
	dc.sinkError = true
	dc.SetError("%s: %v", what, err)
}

func (dc *DataCollector) closeFile() {
	if !dc.writing.IsActive() {
		return
	}
	bytes := dc.writing.FileBytes()
	if err := dc.writing.Stop(); err != nil {
		dc.sinkFailed("closing event file", err)
		return
	}
	dc.env.Metrics.BytesWritten.Add(float64(bytes))
}

// OnInitialise has nothing to prepare.
func (dc *DataCollector) OnInitialise(cfg *Configuration) error {
	return nil
}

// OnConfigure reads the synchronization settings.
func (dc *DataCollector) OnConfigure(cfg *Configuration) error {
	settings, err := parseDataCollectorSettings(cfg)
	if err != nil {
		return err
	}
	configName := cfg.Name()
	return dc.control(func() error {
		dc.closeFile()
		dc.settings = settings
		dc.merger = NewSynchronizer(settings.Mode, dc.env, dc.deliver)
		for stream := range dc.streams {
			dc.merger.AddStream(stream, settings.mandatory(stream), settings.ROCOffsets[stream])
		}
		dc.env.Log.Infof("configured %s: %s mode, data in %s", configName, settings.Mode, settings.DataPath)
		return nil
	})
}

// OnStartRun opens the run's event file and resets the synchronizer.
func (dc *DataCollector) OnStartRun(run uint32) error {
	dc.emitted.Store(0)
	dc.dropped.Store(0)
	dc.rate.reset()
	return dc.control(func() error {
		dc.closeFile()
		dc.sinkError = false
		dc.merger.Reset(run)
		dc.ended.Store(false)
		select {
		case <-dc.runEnded:
		default:
		}
		if !dc.settings.WriteFiles {
			return nil
		}
		header := evfile.Header{
			Run:      run,
			RunID:    dc.runID,
			SyncMode: dc.settings.Mode.String(),
			CreationInfo: evfile.CreationInfo{
				Creator: TypeDataCollector + "." + dc.Name(),
				Version: Build.Version,
				GitHash: Build.Githash,
			},
		}
		if err := dc.writing.Start(dc.settings.DataPath, header); err != nil {
			return fmt.Errorf("opening event file for run %d: %w", run, err)
		}
		dc.env.Log.Infof("writing run %d to %s", run, dc.writing.ComputeState().FileName)
		return nil
	})
}

// OnStopRun waits for the end of every stream, which closes the file.
// Streams that have not ended within DrainTimeout are given up on.
func (dc *DataCollector) OnStopRun() error {
	err := dc.control(func() error {
		// With no producer connected there is nothing to wait for.
		if len(dc.streams) == 0 {
			dc.merger.Finish()
		}
		return nil
	})
	if err != nil || dc.ended.Load() {
		return err
	}
	select {
	case <-dc.runEnded:
		return nil
	case <-time.After(DrainTimeout):
	}
	return dc.control(func() error {
		if !dc.merger.Ended() {
			dc.env.Log.Warnf("run %d: not every producer ended its run within %v", dc.RunNumber(), DrainTimeout)
			dc.merger.Finish()
		}
		return nil
	})
}

// OnReset closes any open file.
func (dc *DataCollector) OnReset() error {
	return dc.control(func() error {
		dc.closeFile()
		dc.merger.Reset(0)
		return nil
	})
}

// OnTerminate closes the file and stops serving producers.
func (dc *DataCollector) OnTerminate() {
	if err := dc.OnReset(); err != nil && !errors.Is(err, ErrClosedCollector) {
		dc.env.Log.Warnf("closing files: %v", err)
	}
}

// OnStatus reports the run counters.
func (dc *DataCollector) OnStatus(st *Status) {
	st.SetTag(TagEvent, strconv.FormatInt(dc.emitted.Load(), 10))
	st.SetTag(TagFileBytes, strconv.FormatInt(dc.writing.FileBytes(), 10))
	st.SetTag(TagRate, strconv.FormatFloat(dc.rate.rate(), 'f', 1, 64))
	st.SetTag(TagQueue, strconv.FormatInt(dc.pending.Load()+int64(dc.input.Len()), 10))
	st.SetTag(TagThrown, strconv.FormatInt(dc.thrown.Load(), 10))
	st.SetTag(TagDropped, strconv.FormatInt(dc.dropped.Load(), 10))
}

// OnData is ignored: a DataCollector does not send data.
func (dc *DataCollector) OnData(string) error { return nil }

// OnServer returns the address producers should send data to.
func (dc *DataCollector) OnServer() string {
	return dc.Address()
}

// OnUnrecognised handles WRITE requests and RUNID announcements.
func (dc *DataCollector) OnUnrecognised(cmd Command) error {
	switch cmd.Name {
	case CmdWrite:
		config, err := ParseWriteControl(cmd.Param)
		if err != nil {
			return err
		}
		return dc.writing.WriteControl(config)
	case CmdRunID:
		return dc.control(func() error {
			dc.runID = cmd.Param
			return nil
		})
	}
	return fmt.Errorf("data collector does not understand command %s", cmd.Name)
}

// Emitted returns the number of events handed to the sinks this run.
func (dc *DataCollector) Emitted() int64 { return dc.emitted.Load() }

// Dropped returns the number of messages dropped this run.
func (dc *DataCollector) Dropped() int64 { return dc.dropped.Load() }

// Writing returns the state of the event file.
func (dc *DataCollector) Writing() WritingStatus { return dc.writing.ComputeState() }

// Close stops the DataCollector and closes its sinks.
func (dc *DataCollector) Close() {
	dc.mu.Lock()
	if dc.closing {
		dc.mu.Unlock()
		return
	}
	dc.closing = true
	dc.mu.Unlock()
	err := dc.control(func() error {
		dc.closeFile()
		if dc.monitor != nil {
			dc.monitor.Close()
		}
		return nil
	})
	if errors.Is(err, ErrClosedCollector) {
		return
	}
	close(dc.stop)
	<-dc.dispatchDone
	dc.mu.Lock()
	dc.closed = true
	close(dc.input.In())
	dc.mu.Unlock()
	<-dc.buildDone
	dc.server.Shutdown()
	dc.CommandReceiver.Close()
}
