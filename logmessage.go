package rundaq

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/usnistgov/rundaq/serial"
)

// LogTimeLayout is the timestamp layout of persisted log lines. Times are
// kept to the microsecond; anything finer is lost when a line is written.
const LogTimeLayout = "2006-01-02 15:04:05.000000"

// LogMessage is one log record. It is not modified after construction.
type LogMessage struct {
	Level      Level
	Time       time.Time // when the message was created
	Received   time.Time // when the LogCollector received it; zero elsewhere
	Message    string
	SenderType string
	SenderName string
	File       string
	Line       int
	Func       string
}

// Sender returns "Type.Name", or just the type when unnamed.
func (m *LogMessage) Sender() string {
	if m.SenderName == "" {
		return m.SenderType
	}
	return m.SenderType + "." + m.SenderName
}

// Location returns "file:line", or "" when the provenance is unknown.
func (m *LogMessage) Location() string {
	if m.File == "" {
		return ""
	}
	return m.File + ":" + strconv.Itoa(m.Line)
}

func (m *LogMessage) String() string {
	loc := m.Location()
	if loc != "" {
		loc = " (" + loc + ")"
	}
	return fmt.Sprintf("[%s] %s: %s%s", m.Level, m.Sender(), m.Message, loc)
}

// Serialize encodes m for the log channel. Received is not sent.
func (m *LogMessage) Serialize(s *serial.Serializer) {
	s.PutInt32(int32(m.Level))
	s.PutInt64(m.Time.UnixNano())
	s.PutString(m.Message)
	s.PutString(m.SenderType)
	s.PutString(m.SenderName)
	s.PutString(m.File)
	s.PutUint32(uint32(m.Line))
	s.PutString(m.Func)
}

// Marshal returns the encoding of m.
func (m *LogMessage) Marshal() []byte {
	s := serial.NewSerializer(128)
	m.Serialize(s)
	return s.Bytes()
}

// UnmarshalLogMessage decodes a message written by Marshal.
func UnmarshalLogMessage(data []byte) (*LogMessage, error) {
	d := serial.NewDeserializer(data)
	m := &LogMessage{
		Level:      Level(d.Int32()),
		Time:       time.Unix(0, d.Int64()),
		Message:    d.GetString(),
		SenderType: d.GetString(),
		SenderName: d.GetString(),
		File:       d.GetString(),
		Line:       int(d.Uint32()),
		Func:       d.GetString(),
	}
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("bad log message: %w", err)
	}
	if m.Level < LevelDebug || m.Level > LevelNone {
		return nil, fmt.Errorf("bad log message: level %d out of range", m.Level)
	}
	return m, nil
}

var logEscaper = strings.NewReplacer("\\", "\\\\", "\t", "\\t", "\n", "\\n", "\r", "\\r")

func unescapeLogField(s string) string {
	if !strings.Contains(s, "\\") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 == len(s) {
			b.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case 't':
			b.WriteByte('\t')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// FormatLine returns m as one tab-separated log file line, without the
// trailing newline:
//
//	LEVEL	message	time	sender	file:line	function
func (m *LogMessage) FormatLine() string {
	fields := []string{
		m.Level.String(),
		logEscaper.Replace(m.Message),
		m.Time.Format(LogTimeLayout),
		logEscaper.Replace(m.Sender()),
		logEscaper.Replace(m.Location()),
		logEscaper.Replace(m.Func),
	}
	return strings.Join(fields, "\t")
}

// BannerLine returns the line written when a LogCollector opens its file.
func BannerLine(t time.Time) string {
	return fmt.Sprintf("*** LogCollector started at %s ***", t.Format(LogTimeLayout))
}

// ParseLogLine reads a line written by FormatLine or BannerLine. Banner lines
// become USER messages from the LogCollector. The parsed message's Received
// time equals its Time, since only one time is persisted.
func ParseLogLine(line string) (*LogMessage, error) {
	line = strings.TrimRight(line, "\r\n")
	if rest, ok := strings.CutPrefix(line, "*** LogCollector started at "); ok {
		stamp, ok := strings.CutSuffix(rest, " ***")
		if !ok {
			return nil, fmt.Errorf("malformed banner line %q", truncate(line, 60))
		}
		t, err := time.ParseInLocation(LogTimeLayout, stamp, time.Local)
		if err != nil {
			return nil, fmt.Errorf("malformed banner time: %w", err)
		}
		return &LogMessage{Level: LevelUser, Time: t, Received: t, Message: "Log opened",
			SenderType: TypeLogCollector}, nil
	}

	fields := strings.Split(line, "\t")
	if len(fields) < 3 {
		return nil, fmt.Errorf("log line has %d fields, want at least 3: %q", len(fields), truncate(line, 60))
	}
	level, err := ParseLevel(fields[0])
	if err != nil {
		return nil, err
	}
	t, err := time.ParseInLocation(LogTimeLayout, fields[2], time.Local)
	if err != nil {
		return nil, fmt.Errorf("bad log time: %w", err)
	}
	m := &LogMessage{Level: level, Time: t, Received: t, Message: unescapeLogField(fields[1])}
	if len(fields) > 3 {
		sender := unescapeLogField(fields[3])
		m.SenderType, m.SenderName, _ = strings.Cut(sender, ".")
	}
	if len(fields) > 4 && fields[4] != "" {
		loc := unescapeLogField(fields[4])
		if i := strings.LastIndexByte(loc, ':'); i >= 0 {
			m.File = loc[:i]
			m.Line, _ = strconv.Atoi(loc[i+1:])
		} else {
			m.File = loc
		}
	}
	if len(fields) > 5 {
		m.Func = unescapeLogField(fields[5])
	}
	return m, nil
}
