package rundaq

import "fmt"

// ConnectionInfo states.
const (
	ConnDisconnected = -1
	ConnWaiting      = 0 // connected, handshake not complete
	ConnIdentified   = 1
	ConnBusy         = 2
)

// ConnectionInfo identifies a peer on one connection. Two ConnectionInfos
// refer to the same component when their Type and Name are equal.
type ConnectionInfo struct {
	ID     uint64 // transport connection id, unique per server
	Type   string // component type, e.g. "Producer"
	Name   string // instance name, may be empty
	Remote string // peer host:port
	State  int
}

// Matches reports whether c and o name the same component.
func (c ConnectionInfo) Matches(o ConnectionInfo) bool {
	return c.Type == o.Type && c.Name == o.Name
}

// Enabled reports whether the connection is alive.
func (c ConnectionInfo) Enabled() bool {
	return c.State >= 0
}

// FullName returns "Type.Name", or just Type when unnamed.
func (c ConnectionInfo) FullName() string {
	if c.Name == "" {
		return c.Type
	}
	return c.Type + "." + c.Name
}

func (c ConnectionInfo) String() string {
	return fmt.Sprintf("%s (%s)", c.FullName(), c.Remote)
}
