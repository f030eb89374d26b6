package rundaq

import (
	"fmt"
	"io"
	"log"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/usnistgov/rundaq/transport"
)

// ForwardQueueDepth is how many log messages may wait to be forwarded
// before new ones are dropped.
var ForwardQueueDepth = 1024

// Logger writes LogMessages to a local log and, once a LogCollector address
// is known, forwards them to it from its own goroutine, so that a slow
// LogCollector never holds up the caller. Each process builds its own Logger
// and passes it to the components that need one. A nil *Logger discards
// everything.
type Logger struct {
	mu          sync.Mutex
	local       *log.Logger
	level       Level // minimum level written locally
	remoteLevel Level // minimum level forwarded
	senderType  string
	senderName  string
	remote      *logForwarder

	dropped atomic.Int64
	onDrop  func()
}

// logForwarder sends queued messages over one LogCollector connection.
// Its queue is closed, under Logger.mu, by whoever detaches it.
type logForwarder struct {
	client *transport.Client
	queue  chan *LogMessage
	done   chan struct{}
}

// NewLogger returns a Logger writing to out at LevelInfo and above.
func NewLogger(out io.Writer, senderType, senderName string) *Logger {
	return &Logger{
		local:       log.New(out, "", log.LstdFlags|log.Lmicroseconds),
		level:       LevelInfo,
		remoteLevel: LevelInfo,
		senderType:  senderType,
		senderName:  senderName,
	}
}

// SetLevel sets the minimum level written to the local log.
func (l *Logger) SetLevel(level Level) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// SetRemoteLevel sets the minimum level forwarded to the LogCollector.
func (l *Logger) SetRemoteLevel(level Level) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remoteLevel = level
}

// SetSender changes the identity stamped on new messages.
func (l *Logger) SetSender(senderType, senderName string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.senderType = senderType
	l.senderName = senderName
}

// OnDrop registers f to be called whenever a message could not be forwarded.
func (l *Logger) OnDrop(f func()) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onDrop = f
}

// Dropped returns the number of messages that could not be forwarded.
func (l *Logger) Dropped() int64 {
	if l == nil {
		return 0
	}
	return l.dropped.Load()
}

// ConnectRemote connects to the LogCollector at address, replacing any
// earlier connection.
func (l *Logger) ConnectRemote(address string) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	typ, name := l.senderType, l.senderName
	l.mu.Unlock()
	c, _, err := DialHandshake(address, ChannelLog, typ, name)
	if err != nil {
		return fmt.Errorf("connecting to LogCollector at %s: %w", address, err)
	}
	f := &logForwarder{
		client: c,
		queue:  make(chan *LogMessage, ForwardQueueDepth),
		done:   make(chan struct{}),
	}
	go l.forward(f)
	l.attach(f)
	return nil
}

// DisconnectRemote forwards the messages already queued, then stops
// forwarding.
func (l *Logger) DisconnectRemote() {
	if l == nil {
		return
	}
	l.attach(nil)
}

// attach makes f the forwarder and waits for the previous one to finish.
func (l *Logger) attach(f *logForwarder) {
	l.mu.Lock()
	old := l.remote
	l.remote = f
	if old != nil {
		close(old.queue)
	}
	l.mu.Unlock()
	if old != nil {
		<-old.done
	}
}

func (l *Logger) forward(f *logForwarder) {
	defer close(f.done)
	defer f.client.Close()
	failed := false
	for msg := range f.queue {
		if failed {
			l.drop()
			continue
		}
		if err := f.client.Send(msg.Marshal()); err != nil {
			failed = true
			l.drop()
			l.local.Printf("[WARN] could not forward log message: %v", err)
			l.mu.Lock()
			if l.remote == f {
				l.remote = nil
				close(f.queue)
			}
			l.mu.Unlock()
		}
	}
}

func (l *Logger) drop() {
	l.dropped.Add(1)
	l.mu.Lock()
	onDrop := l.onDrop
	l.mu.Unlock()
	if onDrop != nil {
		onDrop()
	}
}

// Send writes msg locally and forwards it, each subject to its level threshold.
func (l *Logger) Send(msg *LogMessage) {
	if l == nil {
		return
	}
	l.mu.Lock()
	local := msg.Level >= l.level
	full := false
	if l.remote != nil && msg.Level >= l.remoteLevel {
		select {
		case l.remote.queue <- msg:
		default:
			full = true
		}
	}
	l.mu.Unlock()

	if local {
		l.local.Print(msg.String())
	}
	if full {
		l.drop()
	}
}

// logf builds a message whose provenance is the caller skip frames above logf.
func (l *Logger) logf(skip int, level Level, format string, args ...any) {
	if l == nil {
		return
	}
	msg := &LogMessage{Level: level, Time: time.Now(), Message: fmt.Sprintf(format, args...)}
	l.mu.Lock()
	msg.SenderType, msg.SenderName = l.senderType, l.senderName
	l.mu.Unlock()
	if pc, file, line, ok := runtime.Caller(skip + 1); ok {
		msg.File = filepath.Base(file)
		msg.Line = line
		if fn := runtime.FuncForPC(pc); fn != nil {
			msg.Func = fn.Name()
		}
	}
	l.Send(msg)
}

// Logf logs at the given level.
func (l *Logger) Logf(level Level, format string, args ...any) {
	l.logf(1, level, format, args...)
}

func (l *Logger) Debugf(format string, args ...any) { l.logf(1, LevelDebug, format, args...) }
func (l *Logger) Extraf(format string, args ...any) { l.logf(1, LevelExtra, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.logf(1, LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.logf(1, LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.logf(1, LevelError, format, args...) }
func (l *Logger) Userf(format string, args ...any)  { l.logf(1, LevelUser, format, args...) }
