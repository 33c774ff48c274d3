package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/msageha/cogno/internal/model"
)

// Metrics holds the pipeline collectors. A nil *Metrics records nothing.
type Metrics struct {
	runs           *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	oracleFailures *prometheus.CounterVec
	rejected       *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cogno",
			Name:      "pipeline_runs_total",
			Help:      "Pipeline runs by mode and final status.",
		}, []string{"mode", "status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cogno",
			Name:      "stage_duration_seconds",
			Help:      "Wall time of each pipeline stage, oracle call included.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"stage"}),
		oracleFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cogno",
			Name:      "oracle_failures_total",
			Help:      "Oracle calls that failed, timed out or returned a malformed reply.",
		}, []string{"stage"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cogno",
			Name:      "rejected_references_total",
			Help:      "Oracle decisions dropped or corrected during validation.",
		}, []string{"stage", "kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.runs, m.stageDuration, m.oracleFailures, m.rejected)
	}
	return m
}

func (m *Metrics) observeRun(mode model.RunMode, status model.RunStatus) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(string(mode), string(status)).Inc()
}

func (m *Metrics) observeStage(stage model.Stage, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
}

func (m *Metrics) oracleFailed(stage model.Stage) {
	if m == nil {
		return
	}
	m.oracleFailures.WithLabelValues(string(stage)).Inc()
}

func (m *Metrics) rejectedRef(stage model.Stage, kind model.IssueKind) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(string(stage), string(kind)).Inc()
}
