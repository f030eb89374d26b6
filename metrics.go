package rundaq

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Reasons a message can be dropped, used as the "reason" metric label.
const (
	DropUnknownType   = "unknown_type"
	DropMalformed     = "malformed"
	DropUnidentified  = "unidentified"
	DropNoConnection  = "no_connection"
	DropStale         = "stale"
	DropOutOfOrder    = "out_of_order"
	DropMissingKey    = "missing_key"
	DropStaleStatus   = "stale_status"
	DropLogForwarding = "log_forwarding"
)

// Metrics holds the counters of one component instance. Each instance has
// its own prometheus.Registry, so several components can live in one test
// binary.
type Metrics struct {
	Registry         *prometheus.Registry
	Dropped          *prometheus.CounterVec
	ThrownIncomplete prometheus.Counter
	EventsReceived   *prometheus.CounterVec
	EventsWritten    prometheus.Counter
	BytesWritten     prometheus.Counter
	LogMessages      prometheus.Counter
	Connections      prometheus.Gauge
	Commands         *prometheus.CounterVec
}

// NewMetrics creates and registers the metrics of a component.
func NewMetrics(component string) *Metrics {
	component = strings.ToLower(component)
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rundaq", Subsystem: component, Name: "dropped_messages_total",
			Help: "Messages discarded, by reason.",
		}, []string{"reason"}),
		ThrownIncomplete: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rundaq", Subsystem: component, Name: "thrown_incomplete_total",
			Help: "Composite events discarded because a mandatory sub-event was missing.",
		}),
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rundaq", Subsystem: component, Name: "events_received_total",
			Help: "Events received, by stream.",
		}, []string{"stream"}),
		EventsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rundaq", Subsystem: component, Name: "events_written_total",
			Help: "Events handed to sinks.",
		}),
		BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rundaq", Subsystem: component, Name: "bytes_written_total",
			Help: "Encoded event bytes handed to sinks.",
		}),
		LogMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rundaq", Subsystem: component, Name: "log_messages_total",
			Help: "Log messages received.",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rundaq", Subsystem: component, Name: "connections",
			Help: "Identified peer connections.",
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rundaq", Subsystem: component, Name: "commands_total",
			Help: "Control commands handled, by name.",
		}, []string{"command"}),
	}
	m.Registry.MustRegister(m.Dropped, m.ThrownIncomplete, m.EventsReceived, m.EventsWritten,
		m.BytesWritten, m.LogMessages, m.Connections, m.Commands)
	return m
}

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
