package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lucasnoah/featurefactory/internal/events"
)

// Metrics holds the Prometheus collectors for the factory. It implements
// pipeline.EventSink so every appended event is counted.
type Metrics struct {
	registry *prometheus.Registry

	EventsTotal       *prometheus.CounterVec
	PipelinesFinished *prometheus.CounterVec
	RequirementsTotal *prometheus.CounterVec
	RetriesTotal      prometheus.Counter
	ToolCalls         *prometheus.CounterVec
	ToolDuration      *prometheus.HistogramVec
	TokensTotal       *prometheus.CounterVec
	ActivePipelines   prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		EventsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "factory_events_total",
				Help: "Pipeline events appended, by type",
			},
			[]string{"type"},
		),
		PipelinesFinished: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "factory_pipelines_finished_total",
				Help: "Pipelines reaching a terminal status",
			},
			[]string{"status", "partial"},
		),
		RequirementsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "factory_requirements_total",
				Help: "Requirement transitions, by resulting status",
			},
			[]string{"status"},
		),
		RetriesTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "factory_retries_total",
				Help: "Requirement retries started",
			},
		),
		ToolCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "factory_tool_calls_total",
				Help: "Agent tool calls, by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		ToolDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "factory_tool_duration_seconds",
				Help:    "Duration of agent tool calls",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
			},
			[]string{"kind"},
		),
		TokensTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "factory_tokens_total",
				Help: "Tokens reported by agent sessions",
			},
			[]string{"direction"},
		),
		ActivePipelines: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "factory_active_pipelines",
				Help: "1 while a pipeline holds the admission slot",
			},
		),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Record implements pipeline.EventSink.
func (m *Metrics) Record(_ string, ev events.Event) {
	m.EventsTotal.WithLabelValues(string(ev.Type)).Inc()

	switch ev.Type {
	case events.PipelineCreated:
		m.ActivePipelines.Set(1)
	case events.PipelineCompleted:
		partial := "false"
		if v, _ := ev.Data["partial"].(bool); v {
			partial = "true"
		}
		m.PipelinesFinished.WithLabelValues("completed", partial).Inc()
		m.ActivePipelines.Set(0)
	case events.PipelineFailed:
		m.PipelinesFinished.WithLabelValues("failed", "false").Inc()
		m.ActivePipelines.Set(0)
	case events.PipelineAborted:
		m.PipelinesFinished.WithLabelValues("aborted", "false").Inc()
		m.ActivePipelines.Set(0)
	case events.RequirementStarted:
		m.RequirementsTotal.WithLabelValues("in_progress").Inc()
	case events.RequirementCompleted:
		m.RequirementsTotal.WithLabelValues("completed").Inc()
	case events.RequirementFailed:
		m.RequirementsTotal.WithLabelValues("failed").Inc()
	case events.RetryStarted:
		m.RetriesTotal.Inc()
	case events.ToolCompleted:
		d, err := events.Decode[events.ToolCompletedData](ev)
		if err != nil {
			return
		}
		m.ToolCalls.WithLabelValues(d.Kind, "completed").Inc()
		m.ToolDuration.WithLabelValues(d.Kind).Observe(float64(d.DurationMs) / 1000)
		m.TokensTotal.WithLabelValues("input").Add(float64(d.InputTokens))
		m.TokensTotal.WithLabelValues("output").Add(float64(d.OutputTokens))
	case events.ToolError:
		m.ToolCalls.WithLabelValues(ev.String("kind"), "error").Inc()
	case events.ToolRejected:
		m.ToolCalls.WithLabelValues("rejected", "rejected").Inc()
	}
}
