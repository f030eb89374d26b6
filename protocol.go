package rundaq

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/usnistgov/rundaq/transport"
)

// Command names sent on the control channel.
const (
	CmdInit      = "INIT"
	CmdConfig    = "CONFIG"
	CmdStart     = "START"
	CmdStop      = "STOP"
	CmdTerminate = "TERMINATE"
	CmdReset     = "RESET"
	CmdStatus    = "STATUS"
	CmdLog       = "LOG"
	CmdData      = "DATA"
	CmdServer    = "SERVER"

	// CmdRunID announces the unique id of the next run to DataCollectors.
	CmdRunID = "RUNID"
)

// Channel names used in the connection handshake.
const (
	ChannelCommand = "CMD"
	ChannelData    = "DATA"
	ChannelLog     = "LOG"
)

// Component types.
const (
	TypeRunControl    = "RunControl"
	TypeProducer      = "Producer"
	TypeDataCollector = "DataCollector"
	TypeLogCollector  = "LogCollector"
)

// Status tags with a meaning to RunControl or operator tools.
const (
	TagRun       = "RUN"
	TagEvent     = "EVENT"
	TagTrigger   = "TRIG"
	TagFileBytes = "FILEBYTES"
	TagRate      = "RATE"
	TagQueue     = "Queue"
	TagThrown    = "THROWN"
	TagDropped   = "DROPPED"
	TagRunID     = "RUNID"
	TagServer    = "_SERVER"
)

// Event tags read by the synchronizer.
const (
	TagROC  = "ROC"
	TagBXID = "BXID"
)

const protocolMagic = "RUNDAQ"

// HandshakeTimeout bounds each step of the connection handshake.
var HandshakeTimeout = 3 * time.Second

// ErrHandshake reports a peer that did not follow the connection handshake.
var ErrHandshake = errors.New("handshake failed")

// Command is one control-channel request.
type Command struct {
	Name  string
	Param string
}

// Marshal encodes c as NAME, or NAME\0PARAM when there is a parameter.
func (c Command) Marshal() []byte {
	if c.Param == "" {
		return []byte(c.Name)
	}
	b := make([]byte, 0, len(c.Name)+1+len(c.Param))
	b = append(b, c.Name...)
	b = append(b, 0)
	return append(b, c.Param...)
}

// ParseCommand decodes a packet written by Command.Marshal.
func ParseCommand(packet []byte) Command {
	if i := bytes.IndexByte(packet, 0); i >= 0 {
		return Command{Name: string(packet[:i]), Param: string(packet[i+1:])}
	}
	return Command{Name: string(packet)}
}

func (c Command) String() string {
	if c.Param == "" {
		return c.Name
	}
	if len(c.Param) > 40 {
		return fmt.Sprintf("%s(%d bytes)", c.Name, len(c.Param))
	}
	return c.Name + "(" + c.Param + ")"
}

// ErrStateNotAllowed reports a command that the receiver's current state
// does not permit.
var ErrStateNotAllowed = errors.New("command not allowed in current state")

var allowedStates = map[string][]State{
	CmdInit:   {StateUninit, StateUnconf},
	CmdConfig: {StateUnconf, StateConf},
	CmdStart:  {StateConf},
	CmdStop:   {StateRunning},
}

// CheckCommandState returns an error wrapping ErrStateNotAllowed when cmd
// may not be executed in state st. Commands without a restriction are
// always allowed.
func CheckCommandState(cmd string, st State) error {
	states, ok := allowedStates[cmd]
	if !ok {
		return nil
	}
	for _, s := range states {
		if s == st {
			return nil
		}
	}
	return fmt.Errorf("%w: %s while %s", ErrStateNotAllowed, cmd, st)
}

// greeting is the first packet a server sends on a new connection.
func greeting(channel, serverType, peer string) []byte {
	return []byte(fmt.Sprintf("OK %s %s %s %s", protocolMagic, channel, serverType, peer))
}

// identification is the client's reply to a greeting.
func identification(channel, clientType, name string) []byte {
	return []byte(strings.TrimSpace(fmt.Sprintf("OK %s %s %s %s", protocolMagic, channel, clientType, name)))
}

func refusal(channel, reason string) []byte {
	return []byte(fmt.Sprintf("ERROR %s %s %s", protocolMagic, channel, reason))
}

// parseHandshake splits "OK RUNDAQ <channel> <type> [<rest>]" and returns
// type and rest.
func parseHandshake(channel string, packet []byte) (string, string, error) {
	fields := strings.SplitN(string(packet), " ", 5)
	if len(fields) >= 3 && fields[0] == "ERROR" && fields[1] == protocolMagic {
		reason := ""
		if len(fields) > 3 {
			reason = strings.Join(fields[3:], " ")
		}
		return "", "", fmt.Errorf("%w: refused: %s", ErrHandshake, reason)
	}
	if len(fields) < 4 || fields[0] != "OK" || fields[1] != protocolMagic || fields[2] != channel {
		return "", "", fmt.Errorf("%w: unexpected %q on %s channel", ErrHandshake, truncate(string(packet), 60), channel)
	}
	rest := ""
	if len(fields) == 5 {
		rest = fields[4]
	}
	if fields[3] == "" {
		return "", "", fmt.Errorf("%w: missing component type", ErrHandshake)
	}
	return fields[3], rest, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// DialHandshake connects to a server on address and identifies itself as
// clientType/name on the given channel. It returns the connected client and
// the server's component type.
func DialHandshake(address, channel, clientType, name string) (*transport.Client, string, error) {
	c, err := transport.Dial(address, HandshakeTimeout)
	if err != nil {
		return nil, "", err
	}
	fail := func(err error) (*transport.Client, string, error) {
		c.Close()
		return nil, "", err
	}
	p, err := c.ReceivePacket(HandshakeTimeout)
	if err != nil {
		return fail(fmt.Errorf("%w: waiting for greeting from %s: %v", ErrHandshake, address, err))
	}
	serverType, _, err := parseHandshake(channel, p)
	if err != nil {
		return fail(err)
	}
	if err := c.Send(identification(channel, clientType, name)); err != nil {
		return fail(err)
	}
	p, err = c.ReceivePacket(HandshakeTimeout)
	if err != nil {
		return fail(fmt.Errorf("%w: waiting for acceptance from %s: %v", ErrHandshake, address, err))
	}
	if string(p) != "OK" {
		if _, _, perr := parseHandshake(channel, p); perr != nil {
			return fail(perr)
		}
		return fail(fmt.Errorf("%w: unexpected reply %q", ErrHandshake, truncate(string(p), 60)))
	}
	return c, serverType, nil
}

// peerTable runs the server side of the handshake for one transport.Server
// and remembers who is on each connection. It is used only from the
// server's dispatch goroutine.
type peerTable struct {
	channel    string
	serverType string
	server     *transport.Server
	peers      map[transport.ConnID]*ConnectionInfo

	// refuse, if set, may veto an identified peer by returning a reason.
	refuse func(ci ConnectionInfo) string
}

func newPeerTable(server *transport.Server, channel, serverType string) *peerTable {
	return &peerTable{
		channel:    channel,
		serverType: serverType,
		server:     server,
		peers:      make(map[transport.ConnID]*ConnectionInfo),
	}
}

func (t *peerTable) connected(ev transport.Event) error {
	t.peers[ev.Conn] = &ConnectionInfo{ID: uint64(ev.Conn), Remote: ev.Remote, State: ConnWaiting}
	return t.server.Send(ev.Conn, greeting(t.channel, t.serverType, ev.Remote))
}

// received handles a packet from a connection. When the peer is already
// identified it returns its ConnectionInfo and true, meaning the packet is
// payload for the caller. Handshake packets are consumed here and return
// (ci, false, nil) once the peer has been accepted. Any error means the
// connection has been closed.
func (t *peerTable) received(ev transport.Event) (*ConnectionInfo, bool, error) {
	ci, ok := t.peers[ev.Conn]
	if !ok {
		t.server.Close(ev.Conn)
		return nil, false, fmt.Errorf("%w: packet from unknown connection %d", ErrHandshake, ev.Conn)
	}
	if ci.State >= ConnIdentified {
		return ci, true, nil
	}
	typ, name, err := parseHandshake(t.channel, ev.Packet)
	if err != nil {
		t.server.Send(ev.Conn, refusal(t.channel, "expected identification"))
		t.server.Close(ev.Conn)
		return ci, false, fmt.Errorf("from %s: %w", ev.Remote, err)
	}
	ci.Type = typ
	ci.Name = name
	if t.refuse != nil {
		if reason := t.refuse(*ci); reason != "" {
			t.server.Send(ev.Conn, refusal(t.channel, reason))
			t.server.Close(ev.Conn)
			return ci, false, fmt.Errorf("%w: %s refused: %s", ErrHandshake, ci, reason)
		}
	}
	ci.State = ConnIdentified
	if err := t.server.Send(ev.Conn, []byte("OK")); err != nil {
		t.server.Close(ev.Conn)
		return ci, false, err
	}
	return ci, false, nil
}

// disconnected forgets the connection and returns who it was, if known.
func (t *peerTable) disconnected(ev transport.Event) (*ConnectionInfo, bool) {
	ci, ok := t.peers[ev.Conn]
	if !ok {
		return nil, false
	}
	delete(t.peers, ev.Conn)
	wasIdentified := ci.State >= ConnIdentified
	ci.State = ConnDisconnected
	return ci, wasIdentified
}

// identified returns the identified peers of the given type ("" for all).
func (t *peerTable) identified(typ string) []*ConnectionInfo {
	var out []*ConnectionInfo
	for _, ci := range t.peers {
		if ci.State >= ConnIdentified && (typ == "" || ci.Type == typ) {
			out = append(out, ci)
		}
	}
	return out
}
