package rundaq

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usnistgov/rundaq/transport"
)

func TestCommandEncoding(t *testing.T) {
	tests := []struct {
		cmd  Command
		wire string
	}{
		{Command{Name: CmdStatus}, "STATUS"},
		{Command{Name: CmdStart, Param: "42"}, "START\x0042"},
		{Command{Name: CmdConfig, Param: "a: 1\nb: \x00"}, "CONFIG\x00a: 1\nb: \x00"},
	}
	for _, tt := range tests {
		wire := tt.cmd.Marshal()
		if string(wire) != tt.wire {
			t.Errorf("%v.Marshal() = %q, want %q", tt.cmd, wire, tt.wire)
		}
		if got := ParseCommand(wire); got != tt.cmd {
			t.Errorf("ParseCommand(%q) = %v, want %v", wire, got, tt.cmd)
		}
	}
	assert.Equal(t, "START(42)", Command{Name: CmdStart, Param: "42"}.String())
}

func TestCommandPermissions(t *testing.T) {
	allowed := map[string][]State{
		CmdInit:   {StateUninit, StateUnconf},
		CmdConfig: {StateUnconf, StateConf},
		CmdStart:  {StateConf},
		CmdStop:   {StateRunning},
	}
	all := []State{StateUninit, StateUnconf, StateConf, StateRunning, StateError}
	for _, cmd := range []string{CmdInit, CmdConfig, CmdStart, CmdStop, CmdReset, CmdTerminate, CmdStatus, CmdLog, CmdData, CmdServer} {
		for _, st := range all {
			want := true
			if states, ok := allowed[cmd]; ok {
				want = false
				for _, s := range states {
					want = want || s == st
				}
			}
			err := CheckCommandState(cmd, st)
			if (err == nil) != want {
				t.Errorf("CheckCommandState(%s, %s) = %v, want allowed=%t", cmd, st, err, want)
			}
			if err != nil && !errors.Is(err, ErrStateNotAllowed) {
				t.Errorf("CheckCommandState error %v does not wrap ErrStateNotAllowed", err)
			}
		}
	}
}

func TestParseHandshake(t *testing.T) {
	typ, rest, err := parseHandshake(ChannelCommand, []byte("OK RUNDAQ CMD Producer P1"))
	require.NoError(t, err)
	assert.Equal(t, "Producer", typ)
	assert.Equal(t, "P1", rest)

	_, rest, err = parseHandshake(ChannelCommand, []byte("OK RUNDAQ CMD DataCollector"))
	require.NoError(t, err)
	assert.Equal(t, "", rest)

	for _, bad := range []string{
		"OK RUNDAQ DATA Producer P1",
		"OK DAQ CMD Producer P1",
		"hello",
		"ERROR RUNDAQ CMD Not accepting new connections",
	} {
		if _, _, err := parseHandshake(ChannelCommand, []byte(bad)); !errors.Is(err, ErrHandshake) {
			t.Errorf("parseHandshake(%q) error = %v, want ErrHandshake", bad, err)
		}
	}
}

// handshakeServer runs a peerTable on its own goroutine.
func handshakeServer(t *testing.T, refuse func(ConnectionInfo) string) (*transport.Server, <-chan *ConnectionInfo) {
	t.Helper()
	server, err := transport.Listen("127.0.0.1:0")
	require.NoError(t, err)
	peers := newPeerTable(server, ChannelData, TypeDataCollector)
	peers.refuse = refuse
	accepted := make(chan *ConnectionInfo, 4)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			server.Process(20*time.Millisecond, func(ev transport.Event) {
				switch ev.Kind {
				case transport.Connect:
					peers.connected(ev)
				case transport.Receive:
					if ci, payload, err := peers.received(ev); err == nil && !payload {
						accepted <- ci
					}
				case transport.Disconnect:
					peers.disconnected(ev)
				}
			})
		}
	}()
	t.Cleanup(func() {
		close(stop)
		<-done
		server.Shutdown()
	})
	return server, accepted
}

func TestHandshake(t *testing.T) {
	server, accepted := handshakeServer(t, func(ci ConnectionInfo) string {
		if ci.Name == "banned" {
			return "Not accepting new connections"
		}
		return ""
	})
	c, serverType, err := DialHandshake(server.ConnectionString(), ChannelData, TypeProducer, "P1")
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, TypeDataCollector, serverType)
	select {
	case ci := <-accepted:
		assert.Equal(t, "Producer.P1", ci.FullName())
		assert.Equal(t, ConnIdentified, ci.State)
	case <-time.After(2 * time.Second):
		t.Fatal("peer was not accepted")
	}

	_, _, err = DialHandshake(server.ConnectionString(), ChannelData, TypeProducer, "banned")
	assert.ErrorIs(t, err, ErrHandshake)
	assert.ErrorContains(t, err, "Not accepting new connections")

	// Wrong channel: the client rejects the greeting.
	_, _, err = DialHandshake(server.ConnectionString(), ChannelLog, TypeProducer, "P2")
	assert.ErrorIs(t, err, ErrHandshake)
}

func TestHandshakeUnidentifiedPayload(t *testing.T) {
	server, accepted := handshakeServer(t, nil)
	c, err := transport.Dial(server.ConnectionString(), time.Second)
	require.NoError(t, err)
	defer c.Close()
	_, err = c.ReceivePacket(time.Second)
	require.NoError(t, err)
	require.NoError(t, c.Send([]byte("\x01\x02\x03\x04 not an identification")))
	p, err := c.ReceivePacket(time.Second)
	require.NoError(t, err)
	assert.Contains(t, string(p), "ERROR RUNDAQ DATA")
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Error("connection of an unidentified peer was not closed")
	}
	assert.Empty(t, accepted)
}
