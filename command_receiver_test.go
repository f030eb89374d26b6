package rundaq

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usnistgov/rundaq/transport"
)

// recordingHandler remembers what it was asked to do.
type recordingHandler struct {
	BaseHandler
	mu       sync.Mutex
	calls    []string
	failNext error
}

func (h *recordingHandler) record(call string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, call)
	err := h.failNext
	h.failNext = nil
	return err
}

func (h *recordingHandler) OnInitialise(*Configuration) error { return h.record("init") }
func (h *recordingHandler) OnConfigure(*Configuration) error  { return h.record("config") }
func (h *recordingHandler) OnStartRun(uint32) error           { return h.record("start") }
func (h *recordingHandler) OnStopRun() error                  { return h.record("stop") }
func (h *recordingHandler) OnServer() string                  { return "tcp://45678" }
func (h *recordingHandler) OnStatus(st *Status)               { st.SetTag("HANDLER", "yes") }

// controlStub plays RunControl for one CommandReceiver.
type controlStub struct {
	server  *transport.Server
	peers   *peerTable
	conn    transport.ConnID
	pending []*Status
}

func newControlStub(t *testing.T, cr *CommandReceiver) *controlStub {
	t.Helper()
	server, err := transport.Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { server.Shutdown() })
	stub := &controlStub{server: server, peers: newPeerTable(server, ChannelCommand, TypeRunControl)}

	connected := make(chan error, 1)
	go func() { connected <- cr.Connect(server.ConnectionString()) }()
	deadline := time.Now().Add(3 * time.Second)
	for done := false; !done; {
		require.True(t, time.Now().Before(deadline), "no handshake")
		stub.server.Process(20*time.Millisecond, stub.handle(t))
		select {
		case err := <-connected:
			require.NoError(t, err)
			done = true
		default:
		}
	}
	stub.status(t) // the status sent on connection
	return stub
}

func (s *controlStub) handle(t *testing.T) func(transport.Event) {
	return func(ev transport.Event) {
		switch ev.Kind {
		case transport.Connect:
			s.conn = ev.Conn
			require.NoError(t, s.peers.connected(ev))
		case transport.Receive:
			_, payload, err := s.peers.received(ev)
			require.NoError(t, err)
			if !payload {
				return
			}
			st, err := UnmarshalStatus(ev.Packet)
			require.NoError(t, err)
			if st.Level != LevelBusy {
				s.pending = append(s.pending, st)
			}
		}
	}
}

func (s *controlStub) send(t *testing.T, cmd Command) *Status {
	t.Helper()
	require.NoError(t, s.server.Send(s.conn, cmd.Marshal()))
	return s.status(t)
}

// status returns the next non-busy status.
func (s *controlStub) status(t *testing.T) *Status {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for len(s.pending) == 0 && time.Now().Before(deadline) {
		s.server.Process(20*time.Millisecond, s.handle(t))
	}
	require.NotEmpty(t, s.pending, "no status received")
	st := s.pending[0]
	s.pending = s.pending[1:]
	return st
}

func TestCommandReceiverStateMachine(t *testing.T) {
	h := new(recordingHandler)
	cr := NewCommandReceiver(TypeProducer, "P1", NewTestEnv(io.Discard, TypeProducer, "P1"), h)
	stub := newControlStub(t, cr)

	cfg, _ := EmptyConfiguration("settings").Marshal()

	// START before INIT is refused without touching the handler or the state.
	st := stub.send(t, Command{Name: CmdStart, Param: "1"})
	assert.Equal(t, StateError, st.State)
	assert.Equal(t, LevelError, st.Level)
	assert.Contains(t, st.Message, "not allowed")
	assert.Equal(t, StateUninit, cr.State())

	st = stub.send(t, Command{Name: CmdInit, Param: string(cfg)})
	assert.Equal(t, StateUnconf, st.State)
	assert.Equal(t, "yes", st.Tag("HANDLER"))
	st = stub.send(t, Command{Name: CmdConfig, Param: string(cfg)})
	assert.Equal(t, StateConf, st.State)
	assert.Equal(t, "settings", st.Tag("CONFIG"))
	st = stub.send(t, Command{Name: CmdStart, Param: "9"})
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, "9", st.Tag(TagRun))
	assert.Equal(t, uint32(9), cr.RunNumber())

	st = stub.send(t, Command{Name: CmdServer})
	assert.Equal(t, "tcp://45678", st.Tag(TagServer))
	st = stub.send(t, Command{Name: CmdStatus})
	assert.Equal(t, StateRunning, st.State)
	assert.Empty(t, st.Tag(TagServer))

	st = stub.send(t, Command{Name: CmdStop})
	assert.Equal(t, StateConf, st.State)

	// A failing handler puts the component in ERROR; RESET recovers.
	h.mu.Lock()
	h.failNext = errors.New("no beam")
	h.mu.Unlock()
	st = stub.send(t, Command{Name: CmdStart, Param: "10"})
	assert.Equal(t, StateError, st.State)
	assert.Equal(t, "no beam", st.Message)
	st = stub.send(t, Command{Name: CmdReset})
	assert.Equal(t, StateUninit, st.State)

	st = stub.send(t, Command{Name: "DANCE"})
	assert.Equal(t, LevelError, st.Level)
	assert.Equal(t, StateUninit, st.State)

	st = stub.send(t, Command{Name: CmdTerminate})
	assert.Equal(t, "Terminating", st.Message)
	select {
	case <-cr.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("receiver did not stop after TERMINATE")
	}
	assert.True(t, cr.Terminated())

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []string{"init", "config", "start", "stop", "start"}, h.calls)
}

func TestCommandReceiverBadRunNumber(t *testing.T) {
	h := new(recordingHandler)
	cr := NewCommandReceiver(TypeProducer, "P1", NewTestEnv(io.Discard, TypeProducer, "P1"), h)
	stub := newControlStub(t, cr)
	cfg, _ := EmptyConfiguration("settings").Marshal()
	stub.send(t, Command{Name: CmdInit, Param: string(cfg)})
	stub.send(t, Command{Name: CmdConfig, Param: string(cfg)})
	st := stub.send(t, Command{Name: CmdStart, Param: "minus one"})
	assert.Equal(t, StateError, st.State)
	assert.Contains(t, st.Message, "bad run number")
	cr.Close()
}

func TestConnectWithRetryGivesUp(t *testing.T) {
	cr := NewCommandReceiver(TypeProducer, "P1", NewTestEnv(io.Discard, TypeProducer, "P1"), new(recordingHandler))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := cr.ConnectWithRetry(ctx, "tcp://127.0.0.1:1", 20*time.Millisecond)
	assert.Error(t, err)
}

func TestCommandReceiverLost(t *testing.T) {
	cr := NewCommandReceiver(TypeProducer, "P1", NewTestEnv(io.Discard, TypeProducer, "P1"), new(recordingHandler))
	assert.Nil(t, cr.Lost())
	stub := newControlStub(t, cr)
	lost := cr.Lost()
	require.NotNil(t, lost)

	require.NoError(t, stub.server.Close(stub.conn))
	select {
	case <-lost:
	case <-time.After(3 * time.Second):
		t.Fatal("lost connection was not reported")
	}
	select {
	case <-cr.Done():
		t.Fatal("a lost connection is not a TERMINATE")
	default:
	}
	assert.False(t, cr.Terminated())
}

// TestCommandReceiverServeReconnects has RunControl drop the control
// connection: Serve must come back on its own and end only at TERMINATE.
func TestCommandReceiverServeReconnects(t *testing.T) {
	cr := NewCommandReceiver(TypeProducer, "P1", NewTestEnv(io.Discard, TypeProducer, "P1"), new(recordingHandler))
	server, err := transport.Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { server.Shutdown() })
	stub := &controlStub{server: server, peers: newPeerTable(server, ChannelCommand, TypeRunControl)}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- cr.Serve(ctx, server.ConnectionString(), 10*time.Millisecond) }()

	stub.status(t)
	first := stub.conn
	lost := cr.Lost()
	require.NoError(t, server.Close(first))
	select {
	case <-lost:
	case <-time.After(3 * time.Second):
		t.Fatal("lost connection was not reported")
	}

	stub.status(t)
	assert.NotEqual(t, first, stub.conn)
	select {
	case err := <-served:
		t.Fatalf("Serve returned %v before TERMINATE", err)
	default:
	}

	st := stub.send(t, Command{Name: CmdTerminate})
	assert.Equal(t, "Terminating", st.Message)
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after TERMINATE")
	}
}

func TestCommandReceiverServeCancelled(t *testing.T) {
	cr := NewCommandReceiver(TypeProducer, "P1", NewTestEnv(io.Discard, TypeProducer, "P1"), new(recordingHandler))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := cr.Serve(ctx, "tcp://127.0.0.1:1", 20*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
