// Package metrics exposes Prometheus instrumentation for reasoning
// runs, tool calls, model calls and live sensor ingest.
//
// All recording methods are safe on a nil *Collector so callers can
// leave metrics unwired in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "aerie"

// Collector owns a private registry and the metrics recorded into it.
type Collector struct {
	registry *prometheus.Registry

	runs          *prometheus.CounterVec
	runIterations prometheus.Histogram
	runDuration   *prometheus.HistogramVec

	toolCalls    *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec

	gatewayErrors *prometheus.CounterVec

	archivedTurns prometheus.Counter

	liveReadings    *prometheus.CounterVec
	droppedMessages *prometheus.CounterVec

	dependencyUp *prometheus.GaugeVec
}

// New creates a Collector with Go runtime and process collectors
// registered alongside the application metrics.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Reasoning runs by final status.",
			},
			[]string{"status"},
		),
		runIterations: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_iterations",
				Help:      "Iterations used per reasoning run.",
				Buckets:   prometheus.LinearBuckets(1, 1, 10),
			},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall time per reasoning run.",
				Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
			},
			[]string{"status"},
		),
		toolCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_calls_total",
				Help:      "Tool invocations by tool and outcome.",
			},
			[]string{"tool", "outcome"},
		),
		toolDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tool_call_duration_seconds",
				Help:      "Tool invocation duration.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"tool"},
		),
		gatewayErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_errors_total",
				Help:      "Failed language model calls by error kind.",
			},
			[]string{"kind"},
		),
		archivedTurns: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "archived_turns_total",
				Help:      "Turns moved from recent memory to the archive.",
			},
		),
		liveReadings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "live_readings_total",
				Help:      "Live sensor readings accepted from MQTT by parameter.",
			},
			[]string{"parameter"},
		),
		droppedMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mqtt_dropped_messages_total",
				Help:      "MQTT messages discarded by reason.",
			},
			[]string{"reason"},
		),
		dependencyUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "dependency_up",
				Help:      "Whether the last health probe of a dependency succeeded (1) or failed (0).",
			},
			[]string{"dependency"},
		),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.runs,
		c.runIterations,
		c.runDuration,
		c.toolCalls,
		c.toolDuration,
		c.gatewayErrors,
		c.archivedTurns,
		c.liveReadings,
		c.droppedMessages,
		c.dependencyUp,
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveRun records a finished reasoning run.
func (c *Collector) ObserveRun(status string, iterations int, d time.Duration) {
	if c == nil {
		return
	}
	c.runs.WithLabelValues(status).Inc()
	c.runIterations.Observe(float64(iterations))
	c.runDuration.WithLabelValues(status).Observe(d.Seconds())
}

// ObserveTool records one tool invocation. Outcome is "ok" or an error
// class such as "unavailable", "arguments" or "execution".
func (c *Collector) ObserveTool(tool, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.toolCalls.WithLabelValues(tool, outcome).Inc()
	c.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// GatewayError counts a failed language model call.
func (c *Collector) GatewayError(kind string) {
	if c == nil {
		return
	}
	c.gatewayErrors.WithLabelValues(kind).Inc()
}

// TurnArchived counts a turn moved into the archive.
func (c *Collector) TurnArchived() {
	if c == nil {
		return
	}
	c.archivedTurns.Inc()
}

// LiveReading counts an accepted MQTT reading.
func (c *Collector) LiveReading(parameter string) {
	if c == nil {
		return
	}
	c.liveReadings.WithLabelValues(parameter).Inc()
}

// DroppedMessage counts a discarded MQTT message.
func (c *Collector) DroppedMessage(reason string) {
	if c == nil {
		return
	}
	c.droppedMessages.WithLabelValues(reason).Inc()
}

// DependencyUp records the health of a watched dependency.
func (c *Collector) DependencyUp(name string, up bool) {
	if c == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	c.dependencyUp.WithLabelValues(name).Set(v)
}
