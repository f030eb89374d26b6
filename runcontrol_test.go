package rundaq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/rpc/jsonrpc"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRunControl(t *testing.T) *RunControl {
	t.Helper()
	rs, err := LoadRunState(filepath.Join(t.TempDir(), "runstate.txt"))
	require.NoError(t, err)
	env := NewTestEnv(io.Discard, TypeRunControl, "")
	rc, err := NewRunControl(env, "127.0.0.1:0", rs, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rc.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		rc.Close()
	})
	return rc
}

func connected(rc *RunControl) int {
	n := 0
	for _, e := range rc.Connections() {
		if e.Info.Enabled() {
			n++
		}
	}
	return n
}

func TestComposeAddress(t *testing.T) {
	tests := []struct {
		remote, announced, want string
	}{
		{"10.0.0.7:51234", "tcp://44001", "tcp://10.0.0.7:44001"},
		{"10.0.0.7:51234", "tcp://0.0.0.0:44001", "tcp://10.0.0.7:44001"},
		{"10.0.0.7:51234", "tcp://daq2:44001", "tcp://daq2:44001"},
		{"[::1]:51234", "44001", "tcp://[::1]:44001"},
	}
	for _, tt := range tests {
		got, err := ComposeAddress(tt.remote, tt.announced)
		if err != nil {
			t.Errorf("ComposeAddress(%q, %q) error %v", tt.remote, tt.announced, err)
		} else if got != tt.want {
			t.Errorf("ComposeAddress(%q, %q) = %q, want %q", tt.remote, tt.announced, got, tt.want)
		}
	}
	if _, err := ComposeAddress("10.0.0.7:51234", "tcp://"); err == nil {
		t.Errorf("ComposeAddress accepted an empty announcement")
	}
}

// TestRunControlScenario runs a RunControl, a DataCollector, a LogCollector
// and one Producer through INIT, CONFIG, START, STOP and TERMINATE.
func TestRunControlScenario(t *testing.T) {
	rc := newTestRunControl(t)
	dataDir := t.TempDir()

	dc, err := NewDataCollector("", NewTestEnv(io.Discard, TypeDataCollector, ""), "127.0.0.1:0")
	require.NoError(t, err)
	defer dc.Close()
	lc, err := NewLogCollector("", NewTestEnv(io.Discard, TypeLogCollector, ""), "127.0.0.1:0", t.TempDir())
	require.NoError(t, err)
	defer lc.Close()
	src := NewSimulatedSource()
	p := NewProducer("P1", NewTestEnv(io.Discard, TypeProducer, "P1"), src, 64)
	defer p.Close()

	require.NoError(t, dc.Connect(rc.Address()))
	require.NoError(t, lc.Connect(rc.Address()))
	require.NoError(t, p.Connect(rc.Address()))
	require.Eventually(t, func() bool { return connected(rc) == 3 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateUninit, rc.AggregateState())

	// A second component with a name already in use is refused.
	_, _, err = DialHandshake(rc.Address(), ChannelCommand, TypeProducer, "P1")
	assert.ErrorIs(t, err, ErrHandshake)

	require.NoError(t, rc.InitialiseWith(EmptyConfiguration("init")))
	require.NoError(t, rc.WaitForAggregate(StateUnconf, 5*time.Second))

	cfg, err := ParseConfiguration([]byte(fmt.Sprintf(`
configname: scenario
DataCollector:
  DataPath: %s
Producer.P1:
  Rate: 0
  MaxEvents: 3
`, dataDir)))
	require.NoError(t, err)
	require.NoError(t, rc.ConfigureWith(cfg, 4))
	require.NoError(t, rc.WaitForAggregate(StateConf, 5*time.Second))

	run, err := rc.StartRun("first light")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), run)
	assert.Equal(t, StateRunning, rc.AggregateState())
	assert.NotEmpty(t, rc.RunID())

	// Nobody may join a running system.
	_, _, err = DialHandshake(rc.Address(), ChannelCommand, TypeProducer, "late")
	assert.ErrorIs(t, err, ErrHandshake)

	require.Eventually(t, func() bool { return p.Sent() == 4 }, 5*time.Second, 10*time.Millisecond)
	fileName := dc.Writing().FileName
	require.NoError(t, rc.StopRun())
	assert.Equal(t, StateConf, rc.AggregateState())

	events := readEventFile(t, fileName)
	require.Len(t, events, 5)
	for i, ev := range events {
		assert.Equal(t, uint32(1), ev.Header().Run, "event %d", i)
	}
	assert.True(t, events[0].Header().IsBORE())
	assert.True(t, events[4].Header().IsEORE())

	status := rc.Status()
	assert.Equal(t, "CONF", status.State)
	assert.Equal(t, "scenario", status.ConfigName)
	require.Len(t, status.Connections, 3)

	require.Eventually(t, func() bool { return lc.Received() > 0 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, rc.Terminate())
	for _, done := range []<-chan struct{}{p.Done(), dc.Done(), lc.Done()} {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("component did not terminate")
		}
	}
}

func TestRunControlStartNeedsConf(t *testing.T) {
	rc := newTestRunControl(t)
	_, err := rc.StartRun("too soon")
	assert.True(t, errors.Is(err, ErrAggregateState), "StartRun while UNINIT: %v", err)
	assert.True(t, errors.Is(rc.StopRun(), ErrAggregateState))
	assert.Equal(t, uint32(0), rc.RunNumber())
}

// failingSource cannot start a run.
type failingSource struct {
	*SimulatedSource
}

func (failingSource) StartRun(uint32) error { return errors.New("no beam") }

func TestRunControlAbort(t *testing.T) {
	rc := newTestRunControl(t)
	p := NewProducer("bad", NewTestEnv(io.Discard, TypeProducer, "bad"), failingSource{NewSimulatedSource()}, 8)
	defer p.Close()
	require.NoError(t, p.Connect(rc.Address()))
	require.Eventually(t, func() bool { return connected(rc) == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, rc.InitialiseWith(EmptyConfiguration("init")))
	require.NoError(t, rc.WaitForAggregate(StateUnconf, 5*time.Second))
	require.NoError(t, rc.ConfigureWith(EmptyConfiguration("run"), 0))
	require.NoError(t, rc.WaitForAggregate(StateConf, 5*time.Second))

	_, err := rc.StartRun("doomed")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no beam")
	assert.Equal(t, StateError, rc.AggregateState())
	assert.True(t, rc.Status().Aborted)

	require.NoError(t, rc.Reset())
	require.NoError(t, rc.WaitForAggregate(StateUninit, 5*time.Second))
}

func TestRunControlOptional(t *testing.T) {
	rc := newTestRunControl(t)
	cfg, err := ParseConfiguration([]byte(`
RunControl:
  Optional: [Producer.spare]
  StatePrecedence: [ERROR, UNINIT, UNCONF, CONF, RUNNING]
`))
	require.NoError(t, err)
	require.NoError(t, rc.InitialiseWith(cfg))

	p := NewProducer("spare", NewTestEnv(io.Discard, TypeProducer, "spare"), NewSimulatedSource(), 8)
	defer p.Close()
	require.NoError(t, p.Connect(rc.Address()))
	require.Eventually(t, func() bool { return connected(rc) == 1 }, 5*time.Second, 10*time.Millisecond)
	entries := rc.Connections()
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Mandatory)
	// Only optional components: the aggregate is that of the empty set.
	assert.Equal(t, StateUninit, rc.AggregateState())

	bad, err := ParseConfiguration([]byte("RunControl:\n  StatePrecedence: [ERROR, CONF]\n"))
	require.NoError(t, err)
	assert.Error(t, rc.InitialiseWith(bad))
}

func TestRunControlRPC(t *testing.T) {
	rc := newTestRunControl(t)
	listener, err := RunRPCServer(rc, "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	client, err := jsonrpc.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	var status RunControlStatus
	require.NoError(t, client.Call("RunControlService.Status", "", &status))
	assert.Equal(t, "UNINIT", status.State)
	assert.True(t, status.Listening)

	var run uint32
	err = client.Call("RunControlService.StartRun", &StartArgs{Message: "no"}, &run)
	assert.Error(t, err)

	var okay bool
	err = client.Call("RunControlService.Initialise", &FileArgs{File: filepath.Join(t.TempDir(), "missing.yaml")}, &okay)
	assert.Error(t, err)

	err = client.Call("RunControlService.WriteControl", &WriteControlConfig{Request: "explode"}, &okay)
	assert.Error(t, err)
	err = client.Call("RunControlService.WriteControl", &WriteControlConfig{Request: "pause"}, &okay)
	assert.ErrorContains(t, err, "no DataCollector")

	updates := make(chan ClientUpdate, 4)
	rc.SetClientUpdates(updates)
	require.NoError(t, client.Call("RunControlService.SendAllStatus", "", &okay))
	select {
	case u := <-updates:
		assert.Equal(t, TopicStatus, u.Tag)
		assert.IsType(t, RunControlStatus{}, u.State)
	case <-time.After(time.Second):
		t.Error("no status update published")
	}
}
