package rundaq

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/usnistgov/rundaq/event"
	"github.com/usnistgov/rundaq/internal/fifo"
	"github.com/usnistgov/rundaq/transport"
)

// ReadoutSource is the hardware side of a Producer. ReadEvent may block on
// device I/O. Once abort is closed it returns the events it already holds
// without waiting for new ones, then io.EOF. It may also return io.EOF on
// its own when the device has nothing more to give.
type ReadoutSource interface {
	Configure(cfg *Configuration) error
	StartRun(run uint32) error
	ReadEvent(abort <-chan struct{}) (event.Event, error)
	StopRun() error
}

// Initialiser is implemented by sources that need the init settings.
type Initialiser interface {
	Initialise(cfg *Configuration) error
}

// FlushTimeout bounds how long STOP waits for the end-of-run event to be sent.
var FlushTimeout = 5 * time.Second

type outgoing struct {
	ev      event.Event
	flushed chan struct{}
}

// Producer reads events from a ReadoutSource and sends them to a
// DataCollector. Readout runs in its own goroutine and hands events over a
// bounded queue to the sending goroutine, so a blocked device never delays
// the answer to a command, and a slow network only slows the readout.
type Producer struct {
	*CommandReceiver
	env    *Env
	source ReadoutSource
	stream atomic.Uint32

	mu       sync.Mutex
	data     *transport.Client
	dataAddr string
	lastDial time.Time
	closed   bool

	queue      *fifo.Queue[outgoing]
	senderDone chan struct{}

	abort       chan struct{}
	readoutDone chan struct{}
	run         atomic.Uint32
	lastNumber  atomic.Uint32
	read        atomic.Int64
	sent        atomic.Int64
	dropped     atomic.Int64
}

// NewProducer creates a Producer named name reading from source.
func NewProducer(name string, env *Env, source ReadoutSource, queueDepth int) *Producer {
	p := &Producer{
		env:        env,
		source:     source,
		queue:      fifo.New[outgoing](queueDepth),
		senderDone: make(chan struct{}),
	}
	p.CommandReceiver = NewCommandReceiver(TypeProducer, name, env, p)
	go p.sendLoop()
	return p
}

// OnInitialise passes the init settings to the source, if it wants them.
func (p *Producer) OnInitialise(cfg *Configuration) error {
	if in, ok := p.source.(Initialiser); ok {
		return in.Initialise(cfg)
	}
	return nil
}

// OnConfigure configures the source.
func (p *Producer) OnConfigure(cfg *Configuration) error {
	p.stream.Store(uint32(cfg.GetInt("Stream", int(p.stream.Load()))))
	return p.source.Configure(cfg)
}

// OnStartRun sends the begin-of-run event and starts reading out.
func (p *Producer) OnStartRun(run uint32) error {
	p.stopReadout()
	if err := p.source.StartRun(run); err != nil {
		return err
	}
	p.run.Store(run)
	p.lastNumber.Store(0)
	p.read.Store(0)

	bore := event.NewBORE(run, p.stream.Load())
	bore.SetTag("Producer", p.Name())
	bore.SetTag("Started", time.Now().Format(time.RFC3339Nano))
	bore.TimeBegin = uint64(time.Now().UnixNano())
	p.enqueue(bore)

	p.abort = make(chan struct{})
	p.readoutDone = make(chan struct{})
	go p.readoutLoop(run, p.abort, p.readoutDone)
	p.env.Log.Infof("run %d started", run)
	return nil
}

// OnStopRun stops reading out once the source has handed over the events
// it already holds, then sends the end-of-run event and waits until it has
// left.
func (p *Producer) OnStopRun() error {
	wasRunning := p.stopReadout()
	err := p.source.StopRun()
	if wasRunning {
		eore := event.NewEORE(p.run.Load(), p.stream.Load(), p.lastNumber.Load()+1)
		eore.SetTag("Events", strconv.FormatInt(p.read.Load(), 10))
		eore.TimeEnd = uint64(time.Now().UnixNano())
		if ferr := p.flush(eore); ferr != nil && err == nil {
			err = ferr
		}
	}
	p.env.Log.Infof("run %d stopped after %d events", p.run.Load(), p.read.Load())
	return err
}

// OnReset stops any run in progress.
func (p *Producer) OnReset() error {
	if p.readoutDone != nil {
		return p.OnStopRun()
	}
	return nil
}

// OnTerminate stops any run and closes the data connection.
func (p *Producer) OnTerminate() {
	if err := p.OnReset(); err != nil {
		p.env.Log.Warnf("stopping run at terminate: %v", err)
	}
	p.closeData()
}

// OnStatus reports event counters.
func (p *Producer) OnStatus(st *Status) {
	st.SetTag(TagEvent, strconv.FormatInt(p.read.Load(), 10))
	st.SetTag("SENT", strconv.FormatInt(p.sent.Load(), 10))
	if n := p.dropped.Load(); n > 0 {
		st.SetTag(TagDropped, strconv.FormatInt(n, 10))
	}
}

// OnData connects to the DataCollector at address. A live connection to
// the same address is kept.
func (p *Producer) OnData(address string) error {
	p.mu.Lock()
	if p.data != nil && p.dataAddr == address && !isClosed(p.data.Done()) {
		p.mu.Unlock()
		return nil
	}
	p.dataAddr = address
	p.mu.Unlock()
	c, _, err := DialHandshake(address, ChannelData, TypeProducer, p.Name())
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastDial = time.Now()
	if err != nil {
		return err
	}
	old := p.data
	p.data = c
	if old != nil {
		go old.Close()
	}
	p.env.Log.Infof("sending data to %s", address)
	return nil
}

// OnServer returns "": producers do not listen.
func (p *Producer) OnServer() string { return "" }

// OnUnrecognised rejects unknown commands.
func (p *Producer) OnUnrecognised(cmd Command) error {
	return fmt.Errorf("producer does not understand command %s", cmd.Name)
}

// SendEvent stamps ev with the current run and the next event number and
// queues it for sending. It is for producers that generate events outside
// a ReadoutSource.
func (p *Producer) SendEvent(ev event.Event) {
	p.stamp(ev, p.run.Load())
	p.enqueue(ev)
}

// stamp gives ev its run, its stream and the next event number.
func (p *Producer) stamp(ev event.Event, run uint32) {
	h := ev.Header()
	h.Run = run
	h.Number = p.lastNumber.Add(1)
	if h.Stream == 0 {
		h.Stream = p.stream.Load()
	}
	p.read.Add(1)
}

// stopReadout tells the readout goroutine, if any, to finish and waits for
// it. It reports whether one was running.
func (p *Producer) stopReadout() bool {
	if p.readoutDone == nil {
		return false
	}
	closeIfOpen(p.abort)
	<-p.readoutDone
	p.readoutDone = nil
	return true
}

// readoutLoop reads until the source returns io.EOF, which it does once
// abort is closed and it has nothing left that is due.
func (p *Producer) readoutLoop(run uint32, abort <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		ev, err := p.source.ReadEvent(abort)
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			p.SetError("readout failed in run %d: %v", run, err)
			return
		}
		p.stamp(ev, run)
		p.enqueue(ev)
	}
}

// enqueue queues ev for the sending goroutine. The sender never stops
// draining the queue, so this waits at most for one send.
func (p *Producer) enqueue(ev event.Event) {
	p.queue.In() <- outgoing{ev: ev}
}

// flush queues ev and waits until the sending goroutine has dealt with it.
func (p *Producer) flush(ev event.Event) error {
	done := make(chan struct{})
	p.queue.In() <- outgoing{ev: ev, flushed: done}
	select {
	case <-done:
		return nil
	case <-time.After(FlushTimeout):
		return fmt.Errorf("timed out sending end-of-run event")
	}
}

func (p *Producer) sendLoop() {
	defer close(p.senderDone)
	for item := range p.queue.Out() {
		p.transmit(item.ev)
		if item.flushed != nil {
			close(item.flushed)
		}
	}
}

// dataClient returns the data connection, redialling a lost one at most
// once a second.
func (p *Producer) dataClient() *transport.Client {
	p.mu.Lock()
	c, addr, last := p.data, p.dataAddr, p.lastDial
	p.mu.Unlock()
	if c != nil || addr == "" || time.Since(last) < time.Second {
		return c
	}
	if err := p.OnData(addr); err != nil {
		p.env.Log.Warnf("reconnecting to DataCollector at %s: %v", addr, err)
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data
}

func (p *Producer) transmit(ev event.Event) {
	c := p.dataClient()
	if c == nil {
		if p.dropped.Add(1)%1000 == 1 {
			p.env.Log.Warnf("no DataCollector connection: dropped %d events so far", p.dropped.Load())
		}
		p.env.drop(DropNoConnection)
		return
	}
	if err := c.Send(event.Marshal(ev)); err != nil {
		p.dropped.Add(1)
		p.env.drop(DropNoConnection)
		p.env.Log.Warnf("sending event %d: %v", ev.Header().Number, err)
		p.mu.Lock()
		if p.data == c {
			p.data = nil
		}
		p.mu.Unlock()
		c.Close()
		return
	}
	p.sent.Add(1)
}

func (p *Producer) closeData() {
	p.mu.Lock()
	c := p.data
	p.data = nil
	p.dataAddr = ""
	p.mu.Unlock()
	if c != nil {
		c.Close()
	}
}

// Sent returns the number of events sent to a DataCollector.
func (p *Producer) Sent() int64 { return p.sent.Load() }

// Dropped returns the number of events that could not be sent.
func (p *Producer) Dropped() int64 { return p.dropped.Load() }

// Close stops everything the Producer started and drops its connections.
func (p *Producer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.stopReadout()
	close(p.queue.In())
	<-p.senderDone
	p.closeData()
	p.CommandReceiver.Close()
}
