package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// FetchOutcome captures the result of a data service fetch.
type FetchOutcome string

const (
	// FetchSucceeded indicates the fetch returned a value.
	FetchSucceeded FetchOutcome = "success"
	// FetchFailed indicates the fetch returned an error.
	FetchFailed FetchOutcome = "error"
	// FetchTimedOut indicates the fetch exceeded its deadline.
	FetchTimedOut FetchOutcome = "timeout"
)

// Recorder publishes Prometheus metrics for formula evaluation and fetching.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	evaluations       *prometheus.CounterVec
	evaluationLatency *prometheus.HistogramVec

	cacheLookups *prometheus.CounterVec

	fetches      *prometheus.CounterVec
	fetchLatency *prometheus.HistogramVec

	refreshSignals prometheus.Counter
	sessions       prometheus.Gauge
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	evaluations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sheetlink",
		Subsystem: "formula",
		Name:      "evaluations_total",
		Help:      "Formula evaluations by function and outcome.",
	}, []string{"function", "outcome"})

	evaluationLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sheetlink",
		Subsystem: "formula",
		Name:      "evaluation_duration_seconds",
		Help:      "Latency distribution for synchronous formula evaluations.",
		Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
	}, []string{"function"})

	cacheLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sheetlink",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Request cache lookups by key kind and resulting state.",
	}, []string{"kind", "state"})

	fetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sheetlink",
		Subsystem: "datasource",
		Name:      "fetches_total",
		Help:      "Background fetches issued against the data service.",
	}, []string{"kind", "outcome"})

	fetchLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sheetlink",
		Subsystem: "datasource",
		Name:      "fetch_duration_seconds",
		Help:      "Latency distribution for background fetches.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"kind", "outcome"})

	refreshSignals := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sheetlink",
		Subsystem: "refresh",
		Name:      "signals_total",
		Help:      "Coalesced re-evaluation signals emitted to formula engines.",
	})

	sessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sheetlink",
		Subsystem: "sessions",
		Name:      "active",
		Help:      "Open formula engine sessions.",
	})

	reg.MustRegister(evaluations, evaluationLatency, cacheLookups, fetches, fetchLatency, refreshSignals, sessions)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:          reg,
		handler:           handler,
		evaluations:       evaluations,
		evaluationLatency: evaluationLatency,
		cacheLookups:      cacheLookups,
		fetches:           fetches,
		fetchLatency:      fetchLatency,
		refreshSignals:    refreshSignals,
		sessions:          sessions,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveEvaluation records one formula evaluation. outcome is "value",
// "loading", or an error code.
func (r *Recorder) ObserveEvaluation(function, outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	functionLabel := normalizeLabel(function)
	r.evaluations.WithLabelValues(functionLabel, normalizeLabel(outcome)).Inc()
	r.evaluationLatency.WithLabelValues(functionLabel).Observe(duration.Seconds())
}

// ObserveCacheLookup records the state a request cache lookup returned.
func (r *Recorder) ObserveCacheLookup(kind, state string) {
	if r == nil {
		return
	}
	r.cacheLookups.WithLabelValues(normalizeLabel(kind), normalizeLabel(state)).Inc()
}

// ObserveFetch records a completed background fetch.
func (r *Recorder) ObserveFetch(kind string, outcome FetchOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	outcomeLabel := string(outcome)
	if outcomeLabel == "" {
		outcomeLabel = string(FetchFailed)
	}
	kindLabel := normalizeLabel(kind)
	r.fetches.WithLabelValues(kindLabel, outcomeLabel).Inc()
	r.fetchLatency.WithLabelValues(kindLabel, outcomeLabel).Observe(duration.Seconds())
}

// ObserveRefreshSignal counts an emitted re-evaluation signal.
func (r *Recorder) ObserveRefreshSignal() {
	if r == nil {
		return
	}
	r.refreshSignals.Inc()
}

// SessionOpened and SessionClosed track the active session gauge.
func (r *Recorder) SessionOpened() {
	if r == nil {
		return
	}
	r.sessions.Inc()
}

func (r *Recorder) SessionClosed() {
	if r == nil {
		return
	}
	r.sessions.Dec()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
