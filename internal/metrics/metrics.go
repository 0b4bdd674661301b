// Package metrics exposes the engine's prometheus collectors. Every counter
// here mirrors a decision the pipeline already logs, so dashboards and logs
// tell the same story.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stableyield/indexd/internal/domain"
)

// Cycle results recorded against CycleDuration and CyclesTotal.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultSkipped = "skipped"
	ResultTimeout = "timeout"
)

// Metrics holds all collectors on a private registry. Construct once and
// share; Handler serves the registry for the /metrics endpoint.
type Metrics struct {
	registry *prometheus.Registry

	SourceFailures   *prometheus.CounterVec
	ValidationDrops  *prometheus.CounterVec
	SanitizeActions  *prometheus.CounterVec
	StoreConflicts   *prometheus.CounterVec
	CycleDuration    *prometheus.HistogramVec
	CyclesTotal      *prometheus.CounterVec
	ConstituentCount *prometheus.GaugeVec
	StaleSources     prometheus.Gauge
	IndexValue       *prometheus.GaugeVec
	IndexConfidence  *prometheus.GaugeVec
	RegimeState      *prometheus.GaugeVec
	BreakerState     *prometheus.GaugeVec
}

// New builds and registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		SourceFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexd_source_failures_total",
				Help: "Source adapter failures by source and error category",
			},
			[]string{"source_id", "category"},
		),

		ValidationDrops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexd_validation_drops_total",
				Help: "Records dropped at ingestion validation by source and reason",
			},
			[]string{"source_id", "reason"},
		),

		SanitizeActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexd_sanitize_actions_total",
				Help: "Yield sanitizer outcomes by action",
			},
			[]string{"action"},
		),

		StoreConflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexd_store_conflicts_total",
				Help: "Appends rejected by the store's monotonic guard, by stream",
			},
			[]string{"stream"},
		),

		CycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "indexd_cycle_duration_seconds",
				Help:    "Wall time of a full computation cycle per index code",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
			},
			[]string{"code", "result"},
		),

		CyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexd_cycles_total",
				Help: "Completed computation cycles per index code and result",
			},
			[]string{"code", "result"},
		),

		ConstituentCount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "indexd_constituents",
				Help: "Constituent count of the most recent published value per index code",
			},
			[]string{"code"},
		),

		StaleSources: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "indexd_stale_sources",
				Help: "Sources served from stale cache during the most recent cycle",
			},
		),

		IndexValue: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "indexd_index_value",
				Help: "Most recent published index value (decimal APY) per code",
			},
			[]string{"code"},
		),

		IndexConfidence: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "indexd_index_confidence",
				Help: "Confidence of the most recent published value per code",
			},
			[]string{"code"},
		),

		RegimeState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "indexd_regime_state",
				Help: "Risk regime per index code (1=ON, 0=NEU, -1=OFF, -2=OFF_OVERRIDE)",
			},
			[]string{"code"},
		),

		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "indexd_breaker_state",
				Help: "Circuit breaker state per source (0=closed, 1=half-open, 2=open)",
			},
			[]string{"source_id"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.SourceFailures,
		m.ValidationDrops,
		m.SanitizeActions,
		m.StoreConflicts,
		m.CycleDuration,
		m.CyclesTotal,
		m.ConstituentCount,
		m.StaleSources,
		m.IndexValue,
		m.IndexConfidence,
		m.RegimeState,
		m.BreakerState,
	)

	return m
}

// Handler serves the registry in prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSourceFailure counts one classified adapter failure.
func (m *Metrics) RecordSourceFailure(sourceID string, category domain.SourceErrorCategory) {
	m.SourceFailures.WithLabelValues(sourceID, string(category)).Inc()
}

// RecordValidationDrop counts one record rejected at ingestion validation.
func (m *Metrics) RecordValidationDrop(sourceID, reason string) {
	m.ValidationDrops.WithLabelValues(sourceID, reason).Inc()
}

// RecordSanitizeAction counts one sanitizer outcome.
func (m *Metrics) RecordSanitizeAction(action domain.SanitizeAction) {
	m.SanitizeActions.WithLabelValues(string(action)).Inc()
}

// AddStoreConflicts counts appends the store rejected for a stream. Batch
// appends report their conflict total in one call.
func (m *Metrics) AddStoreConflicts(stream string, n int) {
	if n <= 0 {
		return
	}
	m.StoreConflicts.WithLabelValues(stream).Add(float64(n))
}

// SetPublished records the gauges that track the most recent published value.
func (m *Metrics) SetPublished(code string, value, confidence float64, constituents int) {
	m.IndexValue.WithLabelValues(code).Set(value)
	m.IndexConfidence.WithLabelValues(code).Set(confidence)
	m.ConstituentCount.WithLabelValues(code).Set(float64(constituents))
}

// SetStaleSources records how many sources the last cycle served from stale cache.
func (m *Metrics) SetStaleSources(n int) {
	m.StaleSources.Set(float64(n))
}

// SetRegimeState records the daily regime decision for a code.
func (m *Metrics) SetRegimeState(code string, state domain.RegimeState) {
	m.RegimeState.WithLabelValues(code).Set(regimeGaugeValue(state))
}

// SetBreakerState records a circuit breaker transition. The state string is
// gobreaker's ("closed", "half-open", "open").
func (m *Metrics) SetBreakerState(sourceID, state string) {
	m.BreakerState.WithLabelValues(sourceID).Set(breakerGaugeValue(state))
}

// CycleTimer times one computation cycle.
type CycleTimer struct {
	metrics *Metrics
	code    string
	start   time.Time
}

// StartCycle begins timing a cycle for an index code.
func (m *Metrics) StartCycle(code string) *CycleTimer {
	return &CycleTimer{metrics: m, code: code, start: time.Now()}
}

// Stop records the cycle's duration and result, and returns the duration for
// the caller's log line.
func (t *CycleTimer) Stop(result string) time.Duration {
	elapsed := time.Since(t.start)
	t.metrics.CycleDuration.WithLabelValues(t.code, result).Observe(elapsed.Seconds())
	t.metrics.CyclesTotal.WithLabelValues(t.code, result).Inc()
	return elapsed
}

func regimeGaugeValue(state domain.RegimeState) float64 {
	switch state {
	case domain.RegimeOn:
		return 1
	case domain.RegimeNeutral:
		return 0
	case domain.RegimeOff:
		return -1
	case domain.RegimeOffOverride:
		return -2
	default:
		return 0
	}
}

func breakerGaugeValue(state string) float64 {
	switch state {
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}
