package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Message kinds counted by Metrics.
const (
	KindBroadcast = "broadcast"
	KindPrivate   = "private"
	KindNotice    = "notice"
)

// Metrics holds the relay's prometheus collectors on a private registry.
type Metrics struct {
	registry       *prometheus.Registry
	sessions       prometheus.Gauge
	channels       prometheus.Gauge
	messages       *prometheus.CounterVec
	commands       *prometheus.CounterVec
	rejected       *prometheus.CounterVec
	fanoutFailures prometheus.Counter
}

// NewMetrics registers the relay collectors under namespace.
func NewMetrics(namespace string) *Metrics {
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry: r,
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions_active", Help: "Registered sessions.",
		}),
		channels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "channels_total", Help: "Channels ever created.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_total", Help: "Messages accepted for delivery.",
		}, []string{"kind"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "commands_total", Help: "Parsed client commands.",
		}, []string{"command"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rejected_handshakes_total", Help: "Handshakes refused.",
		}, []string{"reason"}),
		fanoutFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "fanout_failures_total", Help: "Recipients evicted after a failed delivery.",
		}),
	}
	r.MustRegister(m.sessions, m.channels, m.messages, m.commands, m.rejected, m.fanoutFailures)
	return m
}

func (m *Metrics) SetSessions(n int)               { m.sessions.Set(float64(n)) }
func (m *Metrics) SetChannels(n int)               { m.channels.Set(float64(n)) }
func (m *Metrics) Message(kind string)             { m.messages.WithLabelValues(kind).Inc() }
func (m *Metrics) Command(name string)             { m.commands.WithLabelValues(name).Inc() }
func (m *Metrics) RejectedHandshake(reason string) { m.rejected.WithLabelValues(reason).Inc() }
func (m *Metrics) FanoutFailure()                  { m.fanoutFailures.Inc() }

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
