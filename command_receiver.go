package rundaq

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/usnistgov/rundaq/internal/fifo"
	"github.com/usnistgov/rundaq/transport"
)

// CommandHandler is implemented by every component that takes orders from
// RunControl. The CommandReceiver calls it from a single goroutine, one
// command at a time. An error returned by a transition puts the component
// into StateError and is reported to RunControl.
type CommandHandler interface {
	OnInitialise(cfg *Configuration) error
	OnConfigure(cfg *Configuration) error
	OnStartRun(run uint32) error
	OnStopRun() error
	OnReset() error
	OnTerminate()
	// OnStatus may add telemetry tags to every status report.
	OnStatus(st *Status)
	// OnData receives the address of the DataCollector to send events to.
	OnData(address string) error
	// OnServer returns the address this component listens on, or "".
	OnServer() string
	OnUnrecognised(cmd Command) error
}

// BaseHandler implements CommandHandler with methods that do nothing.
// Embed it and override what you need.
type BaseHandler struct{}

func (BaseHandler) OnInitialise(*Configuration) error { return nil }
func (BaseHandler) OnConfigure(*Configuration) error  { return nil }
func (BaseHandler) OnStartRun(uint32) error           { return nil }
func (BaseHandler) OnStopRun() error                  { return nil }
func (BaseHandler) OnReset() error                    { return nil }
func (BaseHandler) OnTerminate()                      {}
func (BaseHandler) OnStatus(*Status)                  {}
func (BaseHandler) OnData(string) error               { return nil }
func (BaseHandler) OnServer() string                  { return "" }
func (BaseHandler) OnUnrecognised(cmd Command) error {
	return fmt.Errorf("unrecognised command %s", cmd.Name)
}

// CommandReceiver is the component end of a control connection. One
// goroutine reads commands off the connection into a queue; another takes
// them off the queue, checks them against the current state, runs the
// handler and answers with a Status. A slow handler therefore never stops
// the connection from being read.
type CommandReceiver struct {
	typ     string
	name    string
	env     *Env
	handler CommandHandler

	mu         sync.Mutex
	client     *transport.Client
	lost       chan struct{} // closed when the current connection ends without TERMINATE
	state      State
	level      Level
	message    string
	run        uint32
	runSet     bool
	configName string
	terminated bool

	done     chan struct{}
	doneOnce sync.Once
}

// MaxRetryInterval caps the wait between attempts to reach RunControl.
var MaxRetryInterval = 30 * time.Second

// NewCommandReceiver returns an unconnected receiver for component typ/name.
func NewCommandReceiver(typ, name string, env *Env, h CommandHandler) *CommandReceiver {
	return &CommandReceiver{
		typ:     typ,
		name:    name,
		env:     env,
		handler: h,
		state:   StateUninit,
		level:   LevelOK,
		done:    make(chan struct{}),
	}
}

// Type returns the component type.
func (cr *CommandReceiver) Type() string { return cr.typ }

// Name returns the component name.
func (cr *CommandReceiver) Name() string { return cr.name }

// Connect performs the handshake with RunControl at address and starts
// serving commands. A connection already being served must end first.
func (cr *CommandReceiver) Connect(address string) error {
	c, _, err := DialHandshake(address, ChannelCommand, cr.typ, cr.name)
	if err != nil {
		return err
	}
	lost := make(chan struct{})
	cr.mu.Lock()
	cr.client = c
	cr.lost = lost
	cr.mu.Unlock()
	cr.env.Log.Infof("connected to RunControl at %s", address)

	commands := fifo.New[Command](0)
	go cr.receiveLoop(c, commands)
	go cr.forwardLoop(commands, lost)
	cr.SendStatus()
	return nil
}

// ConnectWithRetry calls Connect until it succeeds or ctx ends. The wait
// between attempts starts at interval and doubles up to MaxRetryInterval.
func (cr *CommandReceiver) ConnectWithRetry(ctx context.Context, address string, interval time.Duration) error {
	wait := interval
	for {
		err := cr.Connect(address)
		if err == nil {
			return nil
		}
		cr.env.Log.Warnf("cannot reach RunControl: %v (retrying in %v)", err, wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait = min(2*wait, MaxRetryInterval)
	}
}

// Serve keeps the receiver connected to RunControl at address until
// RunControl sends TERMINATE, when it returns nil, or until ctx ends. A lost
// connection is re-established with ConnectWithRetry.
func (cr *CommandReceiver) Serve(ctx context.Context, address string, interval time.Duration) error {
	for {
		if err := cr.ConnectWithRetry(ctx, address, interval); err != nil {
			return err
		}
		select {
		case <-cr.Done():
			return nil
		case <-cr.Lost():
			cr.env.Log.Warnf("reconnecting to RunControl at %s", address)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (cr *CommandReceiver) receiveLoop(c *transport.Client, commands *fifo.Queue[Command]) {
	defer close(commands.In())
	stop := false
	handle := func(ev transport.Event) {
		switch ev.Kind {
		case transport.Receive:
			commands.In() <- ParseCommand(ev.Packet)
		case transport.Disconnect:
			stop = true
		}
	}
	for !stop {
		c.Process(100*time.Millisecond, handle)
		select {
		case <-c.Done():
			// Take whatever was queued before the connection ended.
			for !stop && c.Process(time.Millisecond, handle) > 0 {
			}
			stop = true
		default:
		}
	}
	if !cr.Terminated() {
		cr.env.Log.Warnf("lost connection to RunControl")
	}
}

func (cr *CommandReceiver) forwardLoop(commands *fifo.Queue[Command], lost chan struct{}) {
	for cmd := range commands.Out() {
		cr.handle(cmd)
	}
	if cr.Terminated() {
		cr.doneOnce.Do(func() { close(cr.done) })
		return
	}
	close(lost)
}

// Done is closed once RunControl has sent TERMINATE and the connection has
// been shut down.
func (cr *CommandReceiver) Done() <-chan struct{} {
	return cr.done
}

// Lost returns a channel closed when the current control connection ends
// without TERMINATE. Before the first Connect it is nil.
func (cr *CommandReceiver) Lost() <-chan struct{} {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return cr.lost
}

// Terminated reports whether RunControl sent TERMINATE.
func (cr *CommandReceiver) Terminated() bool {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return cr.terminated
}

// State returns the component's current state.
func (cr *CommandReceiver) State() State {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return cr.state
}

// RunNumber returns the run number of the most recent START.
func (cr *CommandReceiver) RunNumber() uint32 {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return cr.run
}

// SetStatus changes the state, level and message reported to RunControl.
// Call SendStatus to report them straight away.
func (cr *CommandReceiver) SetStatus(state State, level Level, msg string) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	cr.state, cr.level, cr.message = state, level, msg
}

// SetError puts the component in StateError and reports it.
func (cr *CommandReceiver) SetError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	cr.env.Log.Errorf("%s", msg)
	cr.SetStatus(StateError, LevelError, msg)
	cr.SendStatus()
}

// status builds the current Status, including the handler's tags.
func (cr *CommandReceiver) status() *Status {
	cr.mu.Lock()
	st := NewStatus(cr.state, cr.level, cr.message)
	if cr.runSet {
		st.SetTag(TagRun, strconv.FormatUint(uint64(cr.run), 10))
	}
	if cr.configName != "" {
		st.SetTag("CONFIG", cr.configName)
	}
	cr.mu.Unlock()
	if cr.handler != nil {
		cr.handler.OnStatus(st)
	}
	return st
}

// SendStatus reports the current status to RunControl.
func (cr *CommandReceiver) SendStatus() {
	cr.send(cr.status())
}

func (cr *CommandReceiver) send(st *Status) {
	cr.mu.Lock()
	c := cr.client
	cr.mu.Unlock()
	if c == nil {
		return
	}
	if err := c.Send(st.Marshal()); err != nil {
		cr.env.Log.Warnf("could not send status: %v", err)
	}
}

// transition finishes a state-changing command.
func (cr *CommandReceiver) transition(err error, next State, msg string) {
	if err != nil {
		cr.env.Log.Errorf("%s", err)
		cr.SetStatus(StateError, LevelError, err.Error())
		return
	}
	cr.SetStatus(next, LevelOK, msg)
}

// busy tells RunControl that a slow command is under way.
func (cr *CommandReceiver) busy(msg string) {
	cr.mu.Lock()
	st := NewStatus(cr.state, LevelBusy, msg)
	cr.mu.Unlock()
	cr.send(st)
}

func (cr *CommandReceiver) configuration(param string) (*Configuration, error) {
	cfg, err := ParseConfiguration([]byte(param))
	if err != nil {
		return nil, err
	}
	cfg.SelectComponent(cr.typ, cr.name)
	return cfg, nil
}

func (cr *CommandReceiver) handle(cmd Command) {
	cr.env.Metrics.Commands.WithLabelValues(cmd.Name).Inc()
	cr.env.Log.Debugf("received command %s", cmd)
	if err := CheckCommandState(cmd.Name, cr.State()); err != nil {
		cr.env.Log.Warnf("%v", err)
		reply := cr.status()
		reply.State = StateError
		reply.Level = LevelError
		reply.Message = err.Error()
		cr.send(reply)
		return
	}

	var extra map[string]string
	switch cmd.Name {
	case CmdInit:
		cfg, err := cr.configuration(cmd.Param)
		if err == nil {
			cr.busy("Initialising")
			err = cr.handler.OnInitialise(cfg)
		}
		cr.transition(err, StateUnconf, "Initialised")

	case CmdConfig:
		cfg, err := cr.configuration(cmd.Param)
		msg := "Configured"
		if err == nil {
			cr.mu.Lock()
			cr.configName = cfg.Name()
			cr.mu.Unlock()
			msg = fmt.Sprintf("Configured (%s)", cfg.Name())
			cr.busy("Configuring")
			err = cr.handler.OnConfigure(cfg)
		}
		cr.transition(err, StateConf, msg)

	case CmdStart:
		run, err := strconv.ParseUint(cmd.Param, 10, 32)
		if err != nil {
			err = fmt.Errorf("bad run number %q", cmd.Param)
		} else {
			cr.mu.Lock()
			cr.run, cr.runSet = uint32(run), true
			cr.mu.Unlock()
			err = cr.handler.OnStartRun(uint32(run))
		}
		cr.transition(err, StateRunning, "Running")

	case CmdStop:
		cr.busy("Stopping")
		cr.transition(cr.handler.OnStopRun(), StateConf, "Stopped")

	case CmdReset:
		cr.transition(cr.handler.OnReset(), StateUninit, "Reset")

	case CmdTerminate:
		cr.handler.OnTerminate()
		cr.mu.Lock()
		cr.terminated = true
		c := cr.client
		cr.mu.Unlock()
		cr.SetStatus(cr.State(), LevelOK, "Terminating")
		cr.SendStatus()
		cr.env.Log.Infof("terminating")
		if c != nil {
			c.Close()
		}
		return

	case CmdStatus:

	case CmdLog:
		if err := cr.env.Log.ConnectRemote(cmd.Param); err != nil {
			cr.env.Log.Warnf("%v", err)
		} else {
			cr.env.Log.Infof("logging to LogCollector at %s", cmd.Param)
		}

	case CmdData:
		if err := cr.handler.OnData(cmd.Param); err != nil {
			cr.env.Log.Errorf("cannot connect to DataCollector at %s: %v", cmd.Param, err)
		}

	case CmdServer:
		extra = map[string]string{TagServer: cr.handler.OnServer()}

	default:
		if err := cr.handler.OnUnrecognised(cmd); err != nil {
			cr.env.Log.Warnf("%v", err)
			reply := cr.status()
			reply.Level = LevelError
			reply.Message = err.Error()
			cr.send(reply)
			return
		}
	}

	st := cr.status()
	for k, v := range extra {
		st.SetTag(k, v)
	}
	cr.send(st)
}

// Close drops the control connection.
func (cr *CommandReceiver) Close() {
	cr.mu.Lock()
	c := cr.client
	cr.mu.Unlock()
	if c != nil {
		c.Close()
	}
}
