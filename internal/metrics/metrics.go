package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics groups every collector the engine exports. A nil *Metrics is valid
// and records nothing, so components can be built without a registry.
type Metrics struct {
	PanelRequests     *prometheus.CounterVec
	PanelDuration     *prometheus.HistogramVec
	CacheLookups      *prometheus.CounterVec
	SnapshotsRecorded *prometheus.CounterVec
	DeltaBytes        *prometheus.CounterVec
	Anomalies         *prometheus.CounterVec
	JobRuns           *prometheus.CounterVec
	JobFailures       *prometheus.CounterVec
	JobDuration       *prometheus.HistogramVec
	JobsSkipped       *prometheus.CounterVec
	Reschedules       prometheus.Counter
	GrantsIssued      *prometheus.CounterVec
}

// New builds the collectors and registers them with registerer. A nil
// registerer falls back to the default registry.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		PanelRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usage_panel_requests_total",
			Help: "Panel fetches by panel and outcome.",
		}, []string{"panel", "outcome"}),
		PanelDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "usage_panel_request_duration_seconds",
			Help:    "Panel fetch latency including retries.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30, 60},
		}, []string{"panel"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usage_panel_cache_lookups_total",
			Help: "Panel result cache lookups by result.",
		}, []string{"panel", "result"}),
		SnapshotsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usage_snapshots_recorded_total",
			Help: "Snapshots appended per panel.",
		}, []string{"panel"}),
		DeltaBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usage_delta_bytes_total",
			Help: "Bytes attributed to the daily ledger per panel.",
		}, []string{"panel"}),
		Anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usage_reconciliation_anomalies_total",
			Help: "Counter resets detected during reconciliation.",
		}, []string{"panel"}),
		JobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usage_scheduler_job_runs_total",
			Help: "Scheduler job runs by name.",
		}, []string{"job"}),
		JobFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usage_scheduler_job_failures_total",
			Help: "Scheduler job runs that returned an error.",
		}, []string{"job"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "usage_scheduler_job_duration_seconds",
			Help:    "Scheduler job latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"job"}),
		JobsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usage_scheduler_jobs_skipped_total",
			Help: "Firings skipped because the previous run was still in flight.",
		}, []string{"job"}),
		Reschedules: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usage_scheduler_reschedules_total",
			Help: "Schedule swaps applied at runtime.",
		}),
		GrantsIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usage_reward_grants_total",
			Help: "Badges and rewards granted by kind.",
		}, []string{"kind"}),
	}

	for _, c := range []prometheus.Collector{
		m.PanelRequests, m.PanelDuration, m.CacheLookups, m.SnapshotsRecorded, m.DeltaBytes,
		m.Anomalies, m.JobRuns, m.JobFailures, m.JobDuration, m.JobsSkipped, m.Reschedules,
		m.GrantsIssued,
	} {
		registerer.MustRegister(c)
	}

	return m
}

func (m *Metrics) ObservePanelFetch(panel, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.PanelRequests.WithLabelValues(panel, outcome).Inc()
	m.PanelDuration.WithLabelValues(panel).Observe(took.Seconds())
}

func (m *Metrics) ObserveCacheLookup(panel string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(panel, result).Inc()
}

func (m *Metrics) ObserveSnapshot(panel string) {
	if m == nil {
		return
	}
	m.SnapshotsRecorded.WithLabelValues(panel).Inc()
}

func (m *Metrics) ObserveDelta(panel string, bytes int64, reset bool) {
	if m == nil {
		return
	}
	m.DeltaBytes.WithLabelValues(panel).Add(float64(bytes))
	if reset {
		m.Anomalies.WithLabelValues(panel).Inc()
	}
}

func (m *Metrics) ObserveJob(job string, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.JobRuns.WithLabelValues(job).Inc()
	m.JobDuration.WithLabelValues(job).Observe(took.Seconds())
	if err != nil {
		m.JobFailures.WithLabelValues(job).Inc()
	}
}

func (m *Metrics) ObserveJobSkipped(job string) {
	if m == nil {
		return
	}
	m.JobsSkipped.WithLabelValues(job).Inc()
}

func (m *Metrics) ObserveReschedule() {
	if m == nil {
		return
	}
	m.Reschedules.Inc()
}

func (m *Metrics) ObserveGrant(kind string) {
	if m == nil {
		return
	}
	m.GrantsIssued.WithLabelValues(kind).Inc()
}

// Serve exposes the default registry on addr until the server is shut down.
// An empty addr disables the endpoint and returns nil.
func Serve(addr string) *http.Server {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		zap.L().Info("Metrics endpoint listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Error("Metrics endpoint failed", zap.Error(err))
		}
	}()

	return server
}
