package rundaq

import (
	"sync/atomic"

	"github.com/usnistgov/rundaq/event"
)

// Publisher sends topic-tagged messages to whoever subscribes. The publish
// package provides one on a ZMQ PUB socket.
type Publisher interface {
	Publish(topic string, msg []byte) error
	Close() error
}

// Topics published by rundaq components.
const (
	TopicEvent  = "EVENT"
	TopicStatus = "STATUS"
	TopicLog    = "LOG"
)

// EventSink receives the output of a DataCollector.
type EventSink interface {
	WriteEvent(ev event.Event) error
	Close() error
}

// MonitorPublisher is an EventSink that publishes a sample of the events
// for online monitors: every BORE and EORE and one data event in every
// Every.
type MonitorPublisher struct {
	pub       Publisher
	Every     int
	n         int
	published atomic.Int64
}

// NewMonitorPublisher publishes through pub.
func NewMonitorPublisher(pub Publisher, every int) *MonitorPublisher {
	if every < 1 {
		every = 1
	}
	return &MonitorPublisher{pub: pub, Every: every}
}

// WriteEvent publishes ev if it is due.
func (mp *MonitorPublisher) WriteEvent(ev event.Event) error {
	h := ev.Header()
	if !h.IsBORE() && !h.IsEORE() {
		mp.n++
		if (mp.n-1)%mp.Every != 0 {
			return nil
		}
	}
	if err := mp.pub.Publish(TopicEvent, event.Marshal(ev)); err != nil {
		return err
	}
	mp.published.Add(1)
	return nil
}

// Published returns the number of events published.
func (mp *MonitorPublisher) Published() int64 {
	return mp.published.Load()
}

// Close closes the underlying publisher.
func (mp *MonitorPublisher) Close() error {
	return mp.pub.Close()
}
