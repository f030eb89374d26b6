package rundaq

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/usnistgov/rundaq/event"
	"github.com/usnistgov/rundaq/transport"
)

// collectorStub accepts producer data connections and decodes what arrives.
type collectorStub struct {
	server *transport.Server
	events chan event.Event
	stop   chan struct{}
	done   chan struct{}

	connects atomic.Int32
}

func newCollectorStub(t *testing.T) *collectorStub {
	t.Helper()
	s, err := transport.Listen("127.0.0.1:0")
	require.NoError(t, err)
	cs := &collectorStub{
		server: s,
		events: make(chan event.Event, 1000),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	peers := newPeerTable(s, ChannelData, TypeDataCollector)
	registry := event.NewRegistry()
	go func() {
		defer close(cs.done)
		for {
			select {
			case <-cs.stop:
				return
			case ev := <-s.Events():
				switch ev.Kind {
				case transport.Connect:
					cs.connects.Add(1)
					peers.connected(ev)
				case transport.Receive:
					if _, payload, err := peers.received(ev); err == nil && payload {
						if e, err := registry.Unmarshal(ev.Packet); err == nil {
							cs.events <- e
						}
					}
				case transport.Disconnect:
					peers.disconnected(ev)
				}
			}
		}
	}()
	t.Cleanup(func() {
		close(cs.stop)
		<-cs.done
		s.Shutdown()
	})
	return cs
}

func (cs *collectorStub) address() string {
	return cs.server.ConnectionString()
}

// take waits for n events.
func (cs *collectorStub) take(t *testing.T, n int, within time.Duration) []event.Event {
	t.Helper()
	var out []event.Event
	deadline := time.After(within)
	for len(out) < n {
		select {
		case e := <-cs.events:
			out = append(out, e)
		case <-deadline:
			t.Fatalf("received %d events, want %d", len(out), n)
		}
	}
	return out
}
