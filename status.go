package rundaq

import (
	"fmt"
	"sort"
	"strings"

	"github.com/usnistgov/rundaq/serial"
)

// State is the run-control state of one component, or the aggregate state
// of the whole system.
type State int

// The run-control states.
const (
	StateUninit State = iota
	StateUnconf
	StateConf
	StateRunning
	StateError
)

var stateNames = []string{"UNINIT", "UNCONF", "CONF", "RUNNING", "ERROR"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ParseState converts a state name (any case) back into a State.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if strings.EqualFold(n, name) {
			return State(i), nil
		}
	}
	return StateError, fmt.Errorf("unknown state %q", name)
}

// Level is the severity of a status report or log message.
type Level int

// Severity levels in increasing order. LevelBusy marks a component that is
// still working on a command; LevelNone suppresses all output when used as a
// threshold.
const (
	LevelDebug Level = iota
	LevelOK
	LevelExtra
	LevelInfo
	LevelWarn
	LevelError
	LevelUser
	LevelBusy
	LevelNone
)

var levelNames = []string{"DEBUG", "OK", "EXTRA", "INFO", "WARN", "ERROR", "USER", "BUSY", "NONE"}

func (l Level) String() string {
	if l >= 0 && int(l) < len(levelNames) {
		return levelNames[l]
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

// ParseLevel converts a level name (any case, "WARNING" accepted) into a Level.
func ParseLevel(name string) (Level, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "WARNING" {
		name = "WARN"
	}
	for i, n := range levelNames {
		if n == name {
			return Level(i), nil
		}
	}
	return LevelNone, fmt.Errorf("unknown level %q", name)
}

// Status is what a component reports about itself after every command and
// whenever RunControl polls it. Tags carry telemetry such as event counts;
// setting a tag replaces any earlier value.
type Status struct {
	State   State
	Level   Level
	Message string
	Tags    map[string]string
}

// NewStatus returns a Status with no tags.
func NewStatus(state State, level Level, msg string) *Status {
	return &Status{State: state, Level: level, Message: msg, Tags: make(map[string]string)}
}

// SetTag stores value under name.
func (s *Status) SetTag(name, value string) {
	if s.Tags == nil {
		s.Tags = make(map[string]string)
	}
	s.Tags[name] = value
}

// Tag returns the value stored under name, or "" when absent.
func (s *Status) Tag(name string) string {
	return s.Tags[name]
}

// Clone returns a copy that shares nothing with s.
func (s *Status) Clone() *Status {
	c := *s
	c.Tags = make(map[string]string, len(s.Tags))
	for k, v := range s.Tags {
		c.Tags[k] = v
	}
	return &c
}

func (s *Status) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", s.State, s.Level)
	if s.Message != "" {
		fmt.Fprintf(&b, ": %s", s.Message)
	}
	keys := make([]string, 0, len(s.Tags))
	for k := range s.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, s.Tags[k])
	}
	return b.String()
}

// Serialize encodes s.
func (s *Status) Serialize(ser *serial.Serializer) {
	ser.PutInt32(int32(s.State))
	ser.PutInt32(int32(s.Level))
	ser.PutString(s.Message)
	ser.PutStringMap(s.Tags)
}

// Marshal returns the encoding of s as sent on a control connection.
func (s *Status) Marshal() []byte {
	ser := serial.NewSerializer(64)
	s.Serialize(ser)
	return ser.Bytes()
}

// UnmarshalStatus decodes a Status sent by Marshal.
func UnmarshalStatus(data []byte) (*Status, error) {
	d := serial.NewDeserializer(data)
	s := &Status{
		State:   State(d.Int32()),
		Level:   Level(d.Int32()),
		Message: d.GetString(),
		Tags:    d.StringMap(),
	}
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("bad status message: %w", err)
	}
	if d.Remaining() != 0 {
		return nil, fmt.Errorf("bad status message: %d trailing bytes", d.Remaining())
	}
	if s.State < StateUninit || s.State > StateError {
		return nil, fmt.Errorf("bad status message: state %d out of range", s.State)
	}
	return s, nil
}
