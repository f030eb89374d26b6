package rundaq

import (
	"io"

	"github.com/usnistgov/rundaq/event"
)

// Env carries the per-process services that would otherwise be globals: the
// logger, the event type registry and the metrics. A process builds one at
// startup and hands it to each component it creates.
type Env struct {
	Log     *Logger
	Events  *event.Registry
	Metrics *Metrics
}

// NewEnv returns an Env with the built-in event types registered.
func NewEnv(log *Logger, component string) *Env {
	env := &Env{Log: log, Events: event.NewRegistry(), Metrics: NewMetrics(component)}
	log.OnDrop(func() { env.drop(DropLogForwarding) })
	return env
}

// NewTestEnv returns an Env logging to w at debug level, for tests.
func NewTestEnv(w io.Writer, senderType, senderName string) *Env {
	log := NewLogger(w, senderType, senderName)
	log.SetLevel(LevelDebug)
	return NewEnv(log, senderType)
}

// drop counts one discarded message.
func (e *Env) drop(reason string) {
	e.Metrics.Dropped.WithLabelValues(reason).Inc()
}
