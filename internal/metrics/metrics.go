// File: internal/metrics/metrics.go
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "phonepilot"
	subsystem = "agent"
)

// Metrics exposes Prometheus collectors for task execution. Every method is
// safe on a nil receiver so components can run without metrics.
type Metrics struct {
	tasks           *prometheus.CounterVec
	steps           *prometheus.CounterVec
	retries         *prometheus.CounterVec
	repredictions   prometheus.Counter
	toolCalls       *prometheus.CounterVec
	predictLatency  *prometheus.HistogramVec
	dispatchLatency *prometheus.HistogramVec
	tasksActive     prometheus.Gauge
}

// MustNewMetrics constructs and registers the collectors. Registering twice on the
// same registerer reuses the existing collectors; any other registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "tasks_total",
			Help: "Finished tasks by terminal status.",
		}, []string{"status"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "steps_total",
			Help: "Recorded trajectory steps by action kind.",
		}, []string{"action"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "retries_total",
			Help: "Retries performed by the retry governor, by call category.",
		}, []string{"category"}),
		repredictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "repredictions_total",
			Help: "Predictor answers rejected for parse or validation errors.",
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "tool_calls_total",
			Help: "Routed tool actions by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		predictLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name:    "predict_duration_seconds",
			Help:    "Predictor call latency including retries.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"status"}),
		dispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name:    "dispatch_duration_seconds",
			Help:    "Action dispatch latency including retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"action", "status"}),
		tasksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "tasks_active",
			Help: "Tasks currently executing.",
		}),
	}

	m.tasks = register(reg, m.tasks)
	m.steps = register(reg, m.steps)
	m.retries = register(reg, m.retries)
	m.repredictions = register(reg, m.repredictions)
	m.toolCalls = register(reg, m.toolCalls)
	m.predictLatency = register(reg, m.predictLatency)
	m.dispatchLatency = register(reg, m.dispatchLatency)
	m.tasksActive = register(reg, m.tasksActive)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveRetry counts one retry in a call category.
func (m *Metrics) ObserveRetry(category string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(category).Inc()
}

// ObservePredict records one predictor call.
func (m *Metrics) ObservePredict(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.predictLatency.WithLabelValues(status(err)).Observe(d.Seconds())
}

// ObserveDispatch records one dispatched action.
func (m *Metrics) ObserveDispatch(action string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.dispatchLatency.WithLabelValues(action, status(err)).Observe(d.Seconds())
}

// IncReprediction counts a rejected predictor answer.
func (m *Metrics) IncReprediction() {
	if m == nil {
		return
	}
	m.repredictions.Inc()
}

// IncStep counts a recorded step.
func (m *Metrics) IncStep(action string) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(action).Inc()
}

// IncToolCall counts a routed tool action.
func (m *Metrics) IncToolCall(tool string, success bool) {
	if m == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.toolCalls.WithLabelValues(tool, outcome).Inc()
}

// TaskStarted marks a task as active.
func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.tasksActive.Inc()
}

// TaskFinished records a terminal status and clears the active mark.
func (m *Metrics) TaskFinished(status string) {
	if m == nil {
		return
	}
	m.tasksActive.Dec()
	m.tasks.WithLabelValues(status).Inc()
}
