package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the worker. A nil *Metrics is a no-op.
type Metrics struct {
	FetchesTotal  *prometheus.CounterVec
	RecordsTotal  *prometheus.CounterVec
	RunsTotal     *prometheus.CounterVec
	FetchDuration *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FetchesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "enrollment_fetches_total",
			Help: "Fetch attempts by strategy and outcome.",
		}, []string{"strategy", "outcome"}), // outcome: success, blocked, not_found, network_error, service_error
		RecordsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "enrollment_records_total",
			Help: "Records extracted per site.",
		}, []string{"site"}),
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "enrollment_runs_total",
			Help: "Finished runs per site and status.",
		}, []string{"site", "status"}), // status: completed, halted, canceled, skipped
		FetchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "enrollment_fetch_duration_seconds",
			Help:    "Duration of fetch attempts.",
			Buckets: []float64{0.5, 1, 5, 10, 30, 60, 90},
		}, []string{"strategy"}),
	}
}

func (m *Metrics) ObserveFetch(strategy, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.FetchesTotal.WithLabelValues(strategy, outcome).Inc()
	m.FetchDuration.WithLabelValues(strategy).Observe(d.Seconds())
}

func (m *Metrics) AddRecords(site string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.RecordsTotal.WithLabelValues(site).Add(float64(n))
}

func (m *Metrics) IncRuns(site, status string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(site, status).Inc()
}
