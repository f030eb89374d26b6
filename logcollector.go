package rundaq

import (
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/usnistgov/rundaq/transport"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogCollector gathers the log messages of every component. Each message
// is appended to the day's log file, kept in a LogModel for browsing, and
// optionally published.
type LogCollector struct {
	*CommandReceiver
	env    *Env
	server *transport.Server
	peers  *peerTable
	model  *LogModel

	mu       sync.Mutex
	logDir   string
	fileName string
	file     io.WriteCloser
	minLevel Level
	pub      Publisher

	received atomic.Int64
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewLogCollector starts a LogCollector listening on listen and writing
// files in logDir.
func NewLogCollector(name string, env *Env, listen, logDir string) (*LogCollector, error) {
	server, err := transport.Listen(listen)
	if err != nil {
		return nil, err
	}
	lc := &LogCollector{
		env:      env,
		server:   server,
		peers:    newPeerTable(server, ChannelLog, TypeLogCollector),
		model:    NewLogModel(),
		logDir:   logDir,
		minLevel: LevelDebug,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	lc.CommandReceiver = NewCommandReceiver(TypeLogCollector, name, env, lc)
	if err := lc.openFile(time.Now()); err != nil {
		server.Shutdown()
		return nil, err
	}
	go lc.dispatchLoop()
	return lc, nil
}

// LogFileName returns the name of the log file for the day of t.
func LogFileName(logDir string, t time.Time) string {
	return filepath.Join(logDir, t.Format("2006-01-02")+".log")
}

func (lc *LogCollector) openFile(now time.Time) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.file != nil {
		lc.file.Close()
	}
	lc.fileName = LogFileName(lc.logDir, now)
	lc.file = &lumberjack.Logger{
		Filename:   lc.fileName,
		MaxSize:    100,  // megabytes after which new file is created
		MaxBackups: 10,   // number of backups
		MaxAge:     365,  // days
		Compress:   true, // whether to gzip the backups
	}
	_, err := io.WriteString(lc.file, BannerLine(now)+"\n")
	return err
}

// SetPublisher publishes every message under TopicLog.
func (lc *LogCollector) SetPublisher(pub Publisher) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.pub = pub
}

// Model returns the in-memory log.
func (lc *LogCollector) Model() *LogModel { return lc.model }

// FileName returns the current log file name.
func (lc *LogCollector) FileName() string {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.fileName
}

// Received returns the number of messages received.
func (lc *LogCollector) Received() int64 { return lc.received.Load() }

// Address returns the address components should send their logs to.
func (lc *LogCollector) Address() string {
	return lc.server.ConnectionString()
}

func (lc *LogCollector) dispatchLoop() {
	defer close(lc.done)
	for {
		select {
		case <-lc.stop:
			return
		default:
		}
		lc.server.Process(100*time.Millisecond, lc.handleTransport)
	}
}

func (lc *LogCollector) handleTransport(ev transport.Event) {
	switch ev.Kind {
	case transport.Connect:
		lc.env.Metrics.Connections.Inc()
		if err := lc.peers.connected(ev); err != nil {
			lc.env.Log.Warnf("greeting %s: %v", ev.Remote, err)
		}
	case transport.Receive:
		ci, payload, err := lc.peers.received(ev)
		if err != nil {
			lc.env.drop(DropUnidentified)
			lc.env.Log.Warnf("rejected log connection: %v", err)
			return
		}
		if !payload {
			lc.env.Log.Infof("%s connected from %s", ci.FullName(), ci.Remote)
			return
		}
		msg, err := UnmarshalLogMessage(ev.Packet)
		if err != nil {
			lc.env.drop(DropMalformed)
			lc.env.Log.Warnf("bad log message from %s: %v", ci.FullName(), err)
			return
		}
		msg.SenderType, msg.SenderName = ci.Type, ci.Name
		lc.Add(msg)
	case transport.Disconnect:
		lc.env.Metrics.Connections.Dec()
		if ci, was := lc.peers.disconnected(ev); was {
			lc.env.Log.Infof("%s disconnected", ci.FullName())
		}
	}
}

// Add records one message as received now.
func (lc *LogCollector) Add(msg *LogMessage) {
	msg.Received = time.Now()
	lc.received.Add(1)
	lc.env.Metrics.LogMessages.Inc()
	lc.model.Add(msg)

	lc.mu.Lock()
	if msg.Received.Format("2006-01-02") != filepath.Base(lc.fileName)[:10] {
		lc.mu.Unlock()
		if err := lc.openFile(msg.Received); err != nil {
			lc.env.Log.Errorf("opening log file: %v", err)
		}
		lc.mu.Lock()
	}
	defer lc.mu.Unlock()
	if msg.Level >= lc.minLevel {
		if _, err := io.WriteString(lc.file, msg.FormatLine()+"\n"); err != nil {
			lc.env.Log.Errorf("writing %s: %v", lc.fileName, err)
		}
	}
	if lc.pub != nil {
		if err := lc.pub.Publish(TopicLog, msg.Marshal()); err != nil {
			lc.env.Log.Debugf("publishing log message: %v", err)
		}
	}
}

// OnInitialise reads the log directory.
func (lc *LogCollector) OnInitialise(cfg *Configuration) error {
	dir := cfg.GetString("LogDir", "")
	if dir == "" || dir == lc.logDir {
		return nil
	}
	lc.mu.Lock()
	lc.logDir = dir
	lc.mu.Unlock()
	return lc.openFile(time.Now())
}

// OnConfigure reads the minimum level written to the file.
func (lc *LogCollector) OnConfigure(cfg *Configuration) error {
	name := cfg.GetString("FileLevel", LevelDebug.String())
	level, err := ParseLevel(name)
	if err != nil {
		return err
	}
	lc.mu.Lock()
	lc.minLevel = level
	lc.mu.Unlock()
	return nil
}

func (lc *LogCollector) OnStartRun(run uint32) error {
	lc.env.Log.Infof("run %d started", run)
	return nil
}

func (lc *LogCollector) OnStopRun() error { return nil }
func (lc *LogCollector) OnReset() error   { return nil }

// OnTerminate closes the log file.
func (lc *LogCollector) OnTerminate() {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.file != nil {
		lc.file.Close()
	}
}

// OnStatus reports the message count.
func (lc *LogCollector) OnStatus(st *Status) {
	st.SetTag("MESSAGES", strconv.FormatInt(lc.received.Load(), 10))
}

// OnData is ignored.
func (lc *LogCollector) OnData(string) error { return nil }

// OnServer returns the address components should log to.
func (lc *LogCollector) OnServer() string { return lc.Address() }

// OnUnrecognised rejects unknown commands.
func (lc *LogCollector) OnUnrecognised(cmd Command) error {
	return fmt.Errorf("log collector does not understand command %s", cmd.Name)
}

// Close stops the LogCollector and closes its file.
func (lc *LogCollector) Close() {
	lc.stopOnce.Do(func() {
		close(lc.stop)
		<-lc.done
		lc.server.Shutdown()
		lc.OnTerminate()
		lc.mu.Lock()
		if lc.pub != nil {
			lc.pub.Close()
		}
		lc.mu.Unlock()
		lc.CommandReceiver.Close()
	})
}
