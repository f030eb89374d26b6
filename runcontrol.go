package rundaq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/usnistgov/rundaq/internal/rundb"
	"github.com/usnistgov/rundaq/transport"
)

// RunControl timing. Variables so that tests can shorten them.
var (
	StartTimeout   = 10 * time.Second
	StopTimeout    = 20 * time.Second
	PollInterval   = time.Second
	StatusInterval = 2 * time.Second
)

// ErrAggregateState reports an operator request that the aggregate state
// does not allow.
var ErrAggregateState = errors.New("not allowed in the current aggregate state")

// ConnectionRow is one component as reported to operator clients.
type ConnectionRow struct {
	Type      string
	Name      string
	Remote    string
	Connected bool
	Mandatory bool
	State     string
	Level     string
	Message   string
	Tags      map[string]string
}

// RunControlStatus is the whole system as reported to operator clients.
type RunControlStatus struct {
	State       string
	Run         uint32
	RunID       string
	Listening   bool
	Aborted     bool
	InitName    string
	ConfigName  string
	Connections []ConnectionRow
}

// RunControl coordinates every component. It never changes a component's
// state itself: it sends commands and learns the result from the Status
// reports that come back, so the aggregate is only eventually consistent.
type RunControl struct {
	env      *Env
	server   *transport.Server
	peers    *peerTable
	registry *ConnectionRegistry
	runState *RunState
	db       *rundb.Connection

	mu         sync.Mutex
	targets    map[transport.ConnID]ConnectionInfo
	precedence Precedence
	optional   map[string]bool
	initCfg    *Configuration
	runCfg     *Configuration
	geoID      int
	run        uint32
	runID      string
	runMsg     *rundb.RunMessage
	listening  bool
	aborted    bool
	dataAddrs  map[string]string // DataCollector name -> address
	logAddr    string
	updates    chan<- ClientUpdate
	changed    chan struct{}

	terminated chan struct{}
	termOnce   sync.Once
}

// NewRunControl starts listening for components on listen. The run number
// is kept in runState; db may be nil.
func NewRunControl(env *Env, listen string, runState *RunState, db *rundb.Connection) (*RunControl, error) {
	server, err := transport.Listen(listen)
	if err != nil {
		return nil, err
	}
	rc := &RunControl{
		env:        env,
		server:     server,
		registry:   NewConnectionRegistry(env.Log),
		runState:   runState,
		db:         db,
		targets:    make(map[transport.ConnID]ConnectionInfo),
		precedence: DefaultPrecedence,
		optional:   make(map[string]bool),
		geoID:      -1,
		run:        runState.RunNumber,
		listening:  true,
		dataAddrs:  make(map[string]string),
		changed:    make(chan struct{}),
		terminated: make(chan struct{}),
	}
	rc.peers = newPeerTable(server, ChannelCommand, TypeRunControl)
	rc.peers.refuse = rc.refuse
	return rc, nil
}

// Address returns the address components connect to.
func (rc *RunControl) Address() string {
	return rc.server.ConnectionString()
}

// SetClientUpdates makes RunControl report its status on updates.
func (rc *RunControl) SetClientUpdates(updates chan<- ClientUpdate) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.updates = updates
}

// Terminated is closed once Terminate has been sent.
func (rc *RunControl) Terminated() <-chan struct{} {
	return rc.terminated
}

func (rc *RunControl) refuse(ci ConnectionInfo) string {
	rc.mu.Lock()
	listening := rc.listening
	rc.mu.Unlock()
	if !listening {
		return "Not accepting new connections"
	}
	if e, ok := rc.registry.Lookup(ci); ok && e.Info.Enabled() {
		return fmt.Sprintf("%s is already connected", ci.FullName())
	}
	return ""
}

// Run services the control connections until ctx ends or Terminate is
// called. Every PollInterval all components are asked for their status.
func (rc *RunControl) Run(ctx context.Context) error {
	poll := time.NewTicker(PollInterval)
	defer poll.Stop()
	publish := time.NewTicker(StatusInterval)
	defer publish.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-rc.terminated:
			// Give the TERMINATE commands time to be read before we hang up.
			rc.server.Process(100*time.Millisecond, rc.handleTransport)
			return nil
		case <-poll.C:
			rc.broadcast(Command{Name: CmdStatus}, nil)
		case <-publish.C:
			rc.publishStatus()
		default:
		}
		rc.server.Process(50*time.Millisecond, rc.handleTransport)
	}
}

func (rc *RunControl) handleTransport(ev transport.Event) {
	switch ev.Kind {
	case transport.Connect:
		if err := rc.peers.connected(ev); err != nil {
			rc.env.Log.Warnf("greeting %s: %v", ev.Remote, err)
		}

	case transport.Receive:
		ci, payload, err := rc.peers.received(ev)
		if err != nil {
			rc.env.drop(DropUnidentified)
			rc.env.Log.Warnf("rejected connection: %v", err)
			return
		}
		if !payload {
			rc.identified(*ci)
			return
		}
		st, err := UnmarshalStatus(ev.Packet)
		if err != nil {
			rc.env.drop(DropMalformed)
			rc.env.Log.Warnf("bad status from %s: %v", ci, err)
			return
		}
		rc.statusReceived(*ci, st)

	case transport.Disconnect:
		ci, was := rc.peers.disconnected(ev)
		if !was {
			return
		}
		rc.mu.Lock()
		delete(rc.targets, transport.ConnID(ci.ID))
		if ci.Type == TypeDataCollector {
			delete(rc.dataAddrs, ci.Name)
		}
		rc.mu.Unlock()
		rc.env.Metrics.Connections.Dec()
		rc.registry.Disconnect(*ci)
		rc.env.Log.Warnf("%s disconnected", ci)
		rc.notify()
	}
}

// identified registers a new component and tells it where to log and,
// for collectors, asks where they listen.
func (rc *RunControl) identified(ci ConnectionInfo) {
	if err := rc.registry.Register(ci, rc.isMandatory(ci)); err != nil {
		rc.env.Log.Warnf("%v", err)
		rc.server.Close(transport.ConnID(ci.ID))
		return
	}
	rc.env.Metrics.Connections.Inc()
	rc.env.Log.Infof("%s connected", ci)
	rc.mu.Lock()
	rc.targets[transport.ConnID(ci.ID)] = ci
	logAddr := rc.logAddr
	rc.mu.Unlock()

	switch ci.Type {
	case TypeDataCollector, TypeLogCollector:
		rc.send(ci, Command{Name: CmdServer})
	case TypeProducer:
		if addr := rc.dataAddressFor(ci.Name); addr != "" {
			rc.send(ci, Command{Name: CmdData, Param: addr})
		}
	}
	if logAddr != "" && ci.Type != TypeLogCollector {
		rc.send(ci, Command{Name: CmdLog, Param: logAddr})
	}
	rc.notify()
}

func (rc *RunControl) statusReceived(ci ConnectionInfo, st *Status) {
	if s := st.Tag(TagRun); s != "" {
		rc.mu.Lock()
		current, active := rc.run, !rc.listening
		rc.mu.Unlock()
		if run, err := strconv.ParseUint(s, 10, 32); err == nil && active && uint32(run) < current {
			rc.env.drop(DropStaleStatus)
			rc.env.Log.Debugf("ignoring status of run %d from %s", run, ci.FullName())
			return
		}
	}
	if st.Level == LevelError {
		rc.env.Log.Errorf("%s: %s", ci.FullName(), st.Message)
	}
	rc.registry.UpdateStatus(ci, st)
	if announced := st.Tag(TagServer); announced != "" {
		rc.serverAnnounced(ci, announced)
	}
	rc.notify()
}

// ComposeAddress combines the host a peer connected from with the address
// it announced. An announcement that names a host is used as is.
func ComposeAddress(remote, announced string) (string, error) {
	hp, err := transport.HostPort(announced)
	if err != nil {
		return "", err
	}
	host, port, _ := net.SplitHostPort(hp)
	if host == "" || host == "0.0.0.0" || host == "::" {
		if host, _, err = net.SplitHostPort(remote); err != nil {
			return "", fmt.Errorf("bad remote address %q: %w", remote, err)
		}
	}
	return "tcp://" + net.JoinHostPort(host, port), nil
}

func (rc *RunControl) serverAnnounced(ci ConnectionInfo, announced string) {
	addr, err := ComposeAddress(ci.Remote, announced)
	if err != nil {
		rc.env.Log.Warnf("%s announced bad address %q: %v", ci.FullName(), announced, err)
		return
	}
	rc.mu.Lock()
	switch ci.Type {
	case TypeDataCollector:
		rc.dataAddrs[ci.Name] = addr
	case TypeLogCollector:
		rc.logAddr = addr
	}
	targets := rc.targetList(nil)
	rc.mu.Unlock()

	rc.env.Log.Infof("%s listens on %s", ci.FullName(), addr)
	for _, t := range targets {
		switch {
		case ci.Type == TypeLogCollector && t.Type != TypeLogCollector:
			rc.send(t, Command{Name: CmdLog, Param: addr})
		case ci.Type == TypeDataCollector && t.Type == TypeProducer:
			if rc.dataAddressFor(t.Name) == addr {
				rc.send(t, Command{Name: CmdData, Param: addr})
			}
		}
	}
	if ci.Type == TypeLogCollector {
		if err := rc.env.Log.ConnectRemote(addr); err != nil {
			rc.env.Log.Warnf("%v", err)
		}
	}
}

// dataAddressFor returns the address of the DataCollector a producer
// should send to: the one named by its "DataCollector" setting, else the
// unnamed one, else the first by name.
func (rc *RunControl) dataAddressFor(producer string) string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if len(rc.dataAddrs) == 0 {
		return ""
	}
	want := ""
	if rc.runCfg != nil {
		rc.runCfg.SelectComponent(TypeProducer, producer)
		want = rc.runCfg.GetString("DataCollector", "")
	}
	if addr, ok := rc.dataAddrs[want]; ok {
		return addr
	}
	names := make([]string, 0, len(rc.dataAddrs))
	for n := range rc.dataAddrs {
		names = append(names, n)
	}
	sort.Strings(names)
	return rc.dataAddrs[names[0]]
}

func (rc *RunControl) isMandatory(ci ConnectionInfo) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return !rc.optional[ci.FullName()] && !rc.optional[ci.Type]
}

// targetList returns the connected components accepted by filter, in id
// order. Call with mu held.
func (rc *RunControl) targetList(filter func(ConnectionInfo) bool) []ConnectionInfo {
	var out []ConnectionInfo
	for _, ci := range rc.targets {
		if filter == nil || filter(ci) {
			out = append(out, ci)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (rc *RunControl) send(ci ConnectionInfo, cmd Command) {
	if err := rc.server.Send(transport.ConnID(ci.ID), cmd.Marshal()); err != nil {
		rc.env.Log.Warnf("sending %s to %s: %v", cmd.Name, ci.FullName(), err)
	}
}

// broadcast sends cmd to every component accepted by filter and returns
// who it was sent to.
func (rc *RunControl) broadcast(cmd Command, filter func(ConnectionInfo) bool) []ConnectionInfo {
	rc.mu.Lock()
	targets := rc.targetList(filter)
	rc.mu.Unlock()
	for _, ci := range targets {
		rc.send(ci, cmd)
	}
	return targets
}

func isCollector(ci ConnectionInfo) bool  { return ci.Type == TypeDataCollector }
func notCollector(ci ConnectionInfo) bool { return ci.Type != TypeDataCollector }

// notify wakes everybody waiting for a status change.
func (rc *RunControl) notify() {
	rc.mu.Lock()
	close(rc.changed)
	rc.changed = make(chan struct{})
	rc.mu.Unlock()
}

// waitForState waits until every mandatory component among targets that
// is still connected reports state. A report of StateError ends the wait
// with an error.
func (rc *RunControl) waitForState(targets []ConnectionInfo, state State, timeout time.Duration) error {
	deadline := time.After(timeout)
	for {
		rc.mu.Lock()
		changed := rc.changed
		rc.mu.Unlock()

		var pending []string
		for _, ci := range targets {
			e, ok := rc.registry.Lookup(ci)
			if !ok || !e.Info.Enabled() || e.Info.ID != ci.ID || !e.Mandatory {
				continue
			}
			switch e.State() {
			case state:
			case StateError:
				msg := ""
				if e.Status != nil {
					msg = e.Status.Message
				}
				return fmt.Errorf("%s is in ERROR: %s", ci.FullName(), msg)
			default:
				pending = append(pending, ci.FullName())
			}
		}
		if len(pending) == 0 {
			return nil
		}
		select {
		case <-changed:
		case <-deadline:
			return fmt.Errorf("timed out after %v waiting for %s to reach %s", timeout, strings.Join(pending, ", "), state)
		}
	}
}

// WaitForAggregate waits until the aggregate state is state.
func (rc *RunControl) WaitForAggregate(state State, timeout time.Duration) error {
	deadline := time.After(timeout)
	for {
		rc.mu.Lock()
		changed := rc.changed
		rc.mu.Unlock()
		if got := rc.AggregateState(); got == state {
			return nil
		}
		select {
		case <-changed:
		case <-deadline:
			return fmt.Errorf("timed out waiting for %s, aggregate is %s", state, rc.AggregateState())
		}
	}
}

// AggregateState returns the worst state of the connected mandatory
// components. After an aborted run it is StateError until Reset.
func (rc *RunControl) AggregateState() State {
	rc.mu.Lock()
	aborted, precedence := rc.aborted, rc.precedence
	rc.mu.Unlock()
	if aborted {
		return StateError
	}
	return precedence.Worst(rc.registry.ConnectedStates(true))
}

// RunNumber returns the number of the current (or last) run.
func (rc *RunControl) RunNumber() uint32 {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.run
}

// RunID returns the unique id of the current (or last) run.
func (rc *RunControl) RunID() string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.runID
}

// Connections returns every component ever registered, in display order.
func (rc *RunControl) Connections() []RegistryEntry {
	return rc.registry.Entries()
}

// Registry returns the connection registry, for display sorting.
func (rc *RunControl) Registry() *ConnectionRegistry {
	return rc.registry
}

// applySettings reads the RunControl section of cfg.
func (rc *RunControl) applySettings(cfg *Configuration) error {
	cfg.SetSection(TypeRunControl)
	if names := cfg.GetStringSlice("StatePrecedence", nil); len(names) > 0 {
		p, err := ParsePrecedence(names)
		if err != nil {
			return err
		}
		rc.precedence = p
	}
	if cfg.IsSet("Optional") {
		rc.optional = make(map[string]bool)
		for _, name := range cfg.GetStringSlice("Optional", nil) {
			rc.optional[name] = true
		}
	}
	return nil
}

func (rc *RunControl) loadAndSend(cmd string, cfg *Configuration) error {
	rc.mu.Lock()
	err := rc.applySettings(cfg)
	rc.mu.Unlock()
	if err != nil {
		return err
	}
	data, err := cfg.Marshal()
	if err != nil {
		return err
	}
	targets := rc.broadcast(Command{Name: cmd, Param: string(data)}, nil)
	rc.env.Log.Infof("sent %s (%s) to %d components", cmd, cfg.Name(), len(targets))
	rc.publishStatus()
	return nil
}

// Initialise sends the init settings in fileName to every component.
func (rc *RunControl) Initialise(fileName string) error {
	cfg, err := LoadConfiguration(fileName)
	if err != nil {
		return err
	}
	return rc.InitialiseWith(cfg)
}

// InitialiseWith sends cfg to every component as INIT.
func (rc *RunControl) InitialiseWith(cfg *Configuration) error {
	rc.mu.Lock()
	rc.initCfg = cfg
	rc.mu.Unlock()
	return rc.loadAndSend(CmdInit, cfg)
}

// Configure sends the run settings in fileName, tagged with geoID, to
// every component.
func (rc *RunControl) Configure(fileName string, geoID int) error {
	cfg, err := LoadConfiguration(fileName)
	if err != nil {
		return err
	}
	return rc.ConfigureWith(cfg, geoID)
}

// ConfigureWith sends cfg to every component as CONFIG.
func (rc *RunControl) ConfigureWith(cfg *Configuration, geoID int) error {
	cfg.SetGeoID(geoID)
	rc.mu.Lock()
	rc.runCfg = cfg
	rc.geoID = geoID
	rc.mu.Unlock()
	if err := rc.loadAndSend(CmdConfig, cfg); err != nil {
		return err
	}
	// The settings may route producers to other DataCollectors.
	rc.mu.Lock()
	producers := rc.targetList(func(ci ConnectionInfo) bool { return ci.Type == TypeProducer })
	rc.mu.Unlock()
	for _, p := range producers {
		if addr := rc.dataAddressFor(p.Name); addr != "" {
			rc.send(p, Command{Name: CmdData, Param: addr})
		}
	}
	return nil
}

// StartRun starts the next run. DataCollectors are started first, then
// everybody else. If any mandatory component fails to reach RUNNING within
// StartTimeout the run is aborted.
func (rc *RunControl) StartRun(msg string) (uint32, error) {
	if st := rc.AggregateState(); st != StateConf {
		return 0, fmt.Errorf("%w: cannot start a run while %s", ErrAggregateState, st)
	}
	run, err := rc.runState.Next()
	if err != nil {
		return 0, fmt.Errorf("storing run number: %w", err)
	}
	runID := rundb.NewID()
	rc.mu.Lock()
	rc.run, rc.runID = run, runID
	rc.listening = false
	rc.aborted = false
	rc.runMsg = &rundb.RunMessage{
		ID: runID, RunNumber: run, GeoID: rc.geoID, Message: msg, Start: time.Now(),
	}
	if rc.initCfg != nil {
		rc.runMsg.InitName = rc.initCfg.Name()
	}
	if rc.runCfg != nil {
		rc.runMsg.ConfigName = rc.runCfg.Name()
	}
	runMsg := rc.runMsg
	rc.mu.Unlock()
	rc.db.RecordRun(runMsg)
	rc.env.Log.Infof("starting run %d (%s) %s", run, runID, msg)

	start := Command{Name: CmdStart, Param: strconv.FormatUint(uint64(run), 10)}
	collectors := rc.broadcast(Command{Name: CmdRunID, Param: runID}, isCollector)
	rc.broadcast(start, isCollector)
	if err := rc.waitForState(collectors, StateRunning, StartTimeout); err != nil {
		return run, rc.abort(run, err)
	}
	others := rc.broadcast(start, notCollector)
	if err := rc.waitForState(others, StateRunning, StartTimeout); err != nil {
		return run, rc.abort(run, err)
	}
	for _, e := range rc.registry.Entries() {
		if e.Info.Enabled() {
			rc.db.RecordComponent(&rundb.ComponentMessage{
				RunID: runID, Type: e.Info.Type, Name: e.Info.Name, Remote: e.Info.Remote,
				Mandatory: e.Mandatory, State: e.State().String(),
			})
		}
	}
	rc.env.Log.Infof("run %d started", run)
	rc.publishStatus()
	return run, nil
}

func (rc *RunControl) abort(run uint32, cause error) error {
	rc.env.Log.Errorf("aborting run %d: %v", run, cause)
	rc.mu.Lock()
	rc.aborted = true
	rc.listening = true
	runMsg := rc.runMsg
	rc.runMsg = nil
	rc.mu.Unlock()
	rc.broadcast(Command{Name: CmdStop}, notCollector)
	rc.broadcast(Command{Name: CmdStop}, isCollector)
	if runMsg != nil {
		runMsg.Aborted = true
		runMsg.EndState = StateError.String()
		rc.db.FinishRun(runMsg)
	}
	rc.notify()
	rc.publishStatus()
	return fmt.Errorf("run %d aborted: %w", run, cause)
}

// StopRun stops the run: producers first, then, once they have flushed
// their end-of-run events, the DataCollectors.
func (rc *RunControl) StopRun() error {
	if st := rc.AggregateState(); st != StateRunning {
		return fmt.Errorf("%w: cannot stop a run while %s", ErrAggregateState, st)
	}
	run := rc.RunNumber()
	rc.env.Log.Infof("stopping run %d", run)
	others := rc.broadcast(Command{Name: CmdStop}, notCollector)
	err := rc.waitForState(others, StateConf, StopTimeout)
	if err != nil {
		rc.env.Log.Errorf("stopping run %d: %v", run, err)
	}
	collectors := rc.broadcast(Command{Name: CmdStop}, isCollector)
	if cerr := rc.waitForState(collectors, StateConf, StopTimeout); cerr != nil {
		rc.env.Log.Errorf("stopping run %d: %v", run, cerr)
		if err == nil {
			err = cerr
		}
	}
	rc.mu.Lock()
	rc.listening = true
	runMsg := rc.runMsg
	rc.runMsg = nil
	rc.mu.Unlock()
	if runMsg != nil {
		runMsg.EndState = rc.AggregateState().String()
		rc.db.FinishRun(runMsg)
	}
	rc.env.Log.Infof("run %d stopped", run)
	rc.publishStatus()
	return err
}

// Reset sends every component back to UNINIT and clears an aborted run.
func (rc *RunControl) Reset() error {
	rc.mu.Lock()
	rc.aborted = false
	rc.listening = true
	rc.mu.Unlock()
	rc.broadcast(Command{Name: CmdReset}, nil)
	rc.notify()
	rc.publishStatus()
	return nil
}

// Terminate tells every component to exit, records a clean exit and ends Run.
func (rc *RunControl) Terminate() error {
	rc.broadcast(Command{Name: CmdTerminate}, nil)
	err := rc.runState.SaveClean()
	rc.termOnce.Do(func() { close(rc.terminated) })
	return err
}

// Status returns the operator view of the system.
func (rc *RunControl) Status() RunControlStatus {
	state := rc.AggregateState()
	rc.mu.Lock()
	status := RunControlStatus{
		State:     state.String(),
		Run:       rc.run,
		RunID:     rc.runID,
		Listening: rc.listening,
		Aborted:   rc.aborted,
	}
	if rc.initCfg != nil {
		status.InitName = rc.initCfg.Name()
	}
	if rc.runCfg != nil {
		status.ConfigName = rc.runCfg.Name()
	}
	rc.mu.Unlock()
	for _, e := range rc.registry.Entries() {
		row := ConnectionRow{
			Type: e.Info.Type, Name: e.Info.Name, Remote: e.Info.Remote,
			Connected: e.Info.Enabled(), Mandatory: e.Mandatory, State: e.State().String(),
		}
		if e.Status != nil {
			row.Level = e.Status.Level.String()
			row.Message = e.Status.Message
			row.Tags = e.Status.Tags
		}
		status.Connections = append(status.Connections, row)
	}
	return status
}

func (rc *RunControl) publishStatus() {
	rc.mu.Lock()
	updates := rc.updates
	rc.mu.Unlock()
	if updates == nil {
		return
	}
	select {
	case updates <- ClientUpdate{Tag: TopicStatus, State: rc.Status()}:
	default:
		rc.env.Log.Debugf("status update not published: client updater is busy")
	}
}

// Send relays an arbitrary command to every component of type typ ("" for all).
func (rc *RunControl) Send(typ string, cmd Command) int {
	return len(rc.broadcast(cmd, func(ci ConnectionInfo) bool { return typ == "" || ci.Type == typ }))
}

// Close stops listening. Call it after Run has returned.
func (rc *RunControl) Close() {
	rc.server.Shutdown()
	rc.env.Log.DisconnectRemote()
}

// NewActivity describes this RunControl process for the run database.
func NewActivity() *rundb.ActivityMessage {
	host, _ := os.Hostname()
	return &rundb.ActivityMessage{
		ID:        rundb.NewID(),
		Hostname:  host,
		Githash:   Build.Githash,
		Version:   Build.Version,
		GoVersion: runtime.Version(),
		CPUs:      runtime.NumCPU(),
		Start:     time.Now(),
	}
}
