// Package metrics holds the Prometheus instruments shared by every gammaflow component.
package metrics

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog/log"
)

// Registry holds all gammaflow metrics on a private Prometheus registry.
type Registry struct {
	reg *prometheus.Registry

	// Ingestion
	Ticks            *prometheus.CounterVec
	DirtyMarks       *prometheus.CounterVec
	ParseErrors      *prometheus.CounterVec
	StreamMessages   *prometheus.CounterVec
	StreamReconnects *prometheus.CounterVec
	BaselineFetches  *prometheus.CounterVec

	// Epochs
	EpochsCreated *prometheus.CounterVec
	EpochsForced  *prometheus.CounterVec

	// Builders and cycles
	BuilderCycles *prometheus.CounterVec
	BuilderErrors *prometheus.CounterVec
	CycleDuration *prometheus.HistogramVec

	// Publisher
	Publishes      *prometheus.CounterVec
	TilesChanged   *prometheus.CounterVec
	GapAlerts      *prometheus.CounterVec
	PublishLatency *prometheus.HistogramVec

	// Orchestration
	SchedulerInflight prometheus.Gauge
	SchedulerQueued   prometheus.Gauge
	TaskRestarts      *prometheus.CounterVec
}

// New creates a registry with every gammaflow metric registered.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		Ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gammaflow_ticks_total",
			Help: "Ticks applied to the instrument table",
		}, []string{"symbol"}),
		DirtyMarks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gammaflow_dirty_marks_total",
			Help: "Instruments added to a dirty set",
		}, []string{"symbol"}),
		ParseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gammaflow_parse_errors_total",
			Help: "Dropped records that failed to parse",
		}, []string{"component"}),
		StreamMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gammaflow_stream_messages_total",
			Help: "Raw push-feed messages appended to the log",
		}, []string{"symbol"}),
		StreamReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gammaflow_stream_reconnects_total",
			Help: "Push-feed reconnect attempts",
		}, []string{"symbol"}),
		BaselineFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gammaflow_baseline_fetches_total",
			Help: "Baseline expiration fetches by result",
		}, []string{"symbol", "result"}),

		EpochsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gammaflow_epochs_created_total",
			Help: "Epochs created",
		}, []string{"symbol"}),
		EpochsForced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gammaflow_epochs_forced_total",
			Help: "Epochs created with forced_dirty set",
		}, []string{"symbol"}),

		BuilderCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gammaflow_builder_cycles_total",
			Help: "Builder cycles by result",
		}, []string{"builder", "result"}),
		BuilderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gammaflow_builder_errors_total",
			Help: "Builder cycle errors",
		}, []string{"builder"}),
		CycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gammaflow_cycle_duration_seconds",
			Help:    "Duration of one component cycle",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		}, []string{"component", "result"}),

		Publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gammaflow_publishes_total",
			Help: "Delta patches published",
		}, []string{"model", "symbol"}),
		TilesChanged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gammaflow_tiles_changed_total",
			Help: "Tiles changed or removed by published patches",
		}, []string{"model", "symbol"}),
		GapAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gammaflow_gap_alerts_total",
			Help: "Inter-publish gaps above the configured threshold",
		}, []string{"model", "symbol"}),
		PublishLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gammaflow_publish_latency_ms",
			Help:    "Time to fold, persist and broadcast one patch",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000},
		}, []string{"model"}),

		SchedulerInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gammaflow_scheduler_inflight",
			Help: "Refresh cycles currently running",
		}),
		SchedulerQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gammaflow_scheduler_queued",
			Help: "Refresh cycles waiting for a free slot",
		}),
		TaskRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gammaflow_task_restarts_total",
			Help: "Supervised task restarts",
		}, []string{"service"}),
	}

	r.reg.MustRegister(
		r.Ticks,
		r.DirtyMarks,
		r.ParseErrors,
		r.StreamMessages,
		r.StreamReconnects,
		r.BaselineFetches,
		r.EpochsCreated,
		r.EpochsForced,
		r.BuilderCycles,
		r.BuilderErrors,
		r.CycleDuration,
		r.Publishes,
		r.TilesChanged,
		r.GapAlerts,
		r.PublishLatency,
		r.SchedulerInflight,
		r.SchedulerQueued,
		r.TaskRestarts,
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// StepTimer tracks execution time for one component cycle
type StepTimer struct {
	metrics   *Registry
	component string
	start     time.Time
}

// StartTimer begins timing a cycle of component.
func (r *Registry) StartTimer(component string) *StepTimer {
	return &StepTimer{metrics: r, component: component, start: time.Now()}
}

// Stop records the cycle duration under result ("ok" or "error").
func (st *StepTimer) Stop(result string) time.Duration {
	d := time.Since(st.start)
	st.metrics.CycleDuration.WithLabelValues(st.component, result).Observe(d.Seconds())

	log.Debug().
		Str("component", st.component).
		Str("result", result).
		Dur("duration", d).
		Msg("Cycle completed")
	return d
}

// Snapshot flattens every counter and gauge into name{labels} -> value.
// Histograms contribute their _count and _sum series.
func (r *Registry) Snapshot() (map[string]float64, error) {
	families, err := r.reg.Gather()
	if err != nil {
		return nil, err
	}

	out := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			key := seriesKey(mf.GetName(), m.GetLabel())
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				out[key] = m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				out[key] = m.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				out[seriesKey(mf.GetName()+"_count", m.GetLabel())] = float64(m.GetHistogram().GetSampleCount())
				out[seriesKey(mf.GetName()+"_sum", m.GetLabel())] = m.GetHistogram().GetSampleSum()
			}
		}
	}
	return out, nil
}

func seriesKey(name string, labels []*dto.LabelPair) string {
	if len(labels) == 0 {
		return name
	}
	parts := make([]string, 0, len(labels))
	for _, l := range labels {
		parts = append(parts, l.GetName()+"="+l.GetValue())
	}
	sort.Strings(parts)
	return name + "{" + strings.Join(parts, ",") + "}"
}

// Value reads the current value of a counter or gauge.
func Value(c prometheus.Metric) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	if m.Counter != nil {
		return m.Counter.GetValue()
	}
	if m.Gauge != nil {
		return m.Gauge.GetValue()
	}
	return 0
}
