// Package metrics exposes actor activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wilhg/convo/pkg/actor"
)

// Metrics implements actor.Recorder.
//
// Labels:
//   - events_appended_total: type
//   - tool_executions_total: tool, outcome
//   - tool_duration_seconds: tool
//   - connection_attempts_total: status
//   - model_steps_total: provider, status
type Metrics struct {
	reg *prometheus.Registry

	EventsAppended     *prometheus.CounterVec
	ToolExecutions     *prometheus.CounterVec
	ToolDuration       *prometheus.HistogramVec
	ConnectionAttempts *prometheus.CounterVec
	ConnectionDuration prometheus.Histogram
	RemindersFired     *prometheus.CounterVec
	ProcessesTimedOut  *prometheus.CounterVec
	ModelSteps         *prometheus.CounterVec
}

var _ actor.Recorder = (*Metrics)(nil)

// New registers the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		EventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convo", Name: "events_appended_total", Help: "Events appended to actor logs.",
		}, []string{"type"}),
		ToolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convo", Name: "tool_executions_total", Help: "Tool invocations by outcome.",
		}, []string{"tool", "outcome"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "convo", Name: "tool_duration_seconds", Help: "Tool invocation latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),
		ConnectionAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convo", Name: "connection_attempts_total", Help: "Integration connection attempts by resulting status.",
		}, []string{"status"}),
		ConnectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "convo", Name: "connection_attempt_seconds", Help: "Integration handshake latency.",
			Buckets: prometheus.DefBuckets,
		}),
		RemindersFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convo", Name: "reminders_fired_total", Help: "Reminder wakes handled.",
		}, []string{"recurring"}),
		ProcessesTimedOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convo", Name: "processes_timed_out_total", Help: "Background processes that missed their heartbeat.",
		}, []string{"name"}),
		ModelSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convo", Name: "model_steps_total", Help: "Model completions by provider and status.",
		}, []string{"provider", "status"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.EventsAppended, m.ToolExecutions, m.ToolDuration, m.ConnectionAttempts,
		m.ConnectionDuration, m.RemindersFired, m.ProcessesTimedOut, m.ModelSteps,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) ObserveEvent(eventType string) { m.EventsAppended.WithLabelValues(eventType).Inc() }

func (m *Metrics) ObserveTool(tool, outcome string, elapsed time.Duration) {
	m.ToolExecutions.WithLabelValues(tool, outcome).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveConnect(status string, elapsed time.Duration) {
	m.ConnectionAttempts.WithLabelValues(status).Inc()
	m.ConnectionDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ReminderFired(recurring bool) {
	label := "false"
	if recurring {
		label = "true"
	}
	m.RemindersFired.WithLabelValues(label).Inc()
}

func (m *Metrics) ProcessTimedOut(name string) { m.ProcessesTimedOut.WithLabelValues(name).Inc() }

func (m *Metrics) ObserveStep(provider string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ModelSteps.WithLabelValues(provider, status).Inc()
}
