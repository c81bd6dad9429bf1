package metrics

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// StoreLatency records relational store operation latency.
	StoreLatency *prometheus.HistogramVec

	// DedupChecksTotal counts duplicate checks by the layer that answered them.
	DedupChecksTotal *prometheus.CounterVec

	// ReferenceOpsTotal counts shared object reference count mutations.
	ReferenceOpsTotal *prometheus.CounterVec

	// DistributionsTotal counts per-target distribution outcomes.
	DistributionsTotal  *prometheus.CounterVec
	DistributionLatency prometheus.Histogram

	OptimizerPhaseDuration *prometheus.HistogramVec
	OptimizerSavedBytes    *prometheus.CounterVec
	OptimizerErrorsTotal   *prometheus.CounterVec

	QuotaWarningsTotal prometheus.Counter
	GuardFailuresTotal prometheus.Counter

	// DBPoolOpenConnections tracks the number of currently open database connections.
	DBPoolOpenConnections prometheus.Gauge

	// DBPoolMaxConnections tracks the configured maximum database connections.
	DBPoolMaxConnections prometheus.Gauge
)

var validLabelKey = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ParseMetricsLabels parses a comma-separated list of key=value pairs into
// Prometheus labels. Values support ${VAR} / $VAR environment variable expansion.
// Label values may not contain commas. Returns nil for an empty string.
func ParseMetricsLabels(s string) (prometheus.Labels, error) {
	s = os.Expand(s, os.Getenv)
	if s == "" {
		return nil, nil
	}
	labels := prometheus.Labels{}
	for _, pair := range strings.Split(s, ",") {
		idx := strings.IndexByte(pair, '=')
		if idx < 0 {
			return nil, fmt.Errorf("invalid label %q: expected key=value", pair)
		}
		k, v := pair[:idx], pair[idx+1:]
		if !validLabelKey.MatchString(k) {
			return nil, fmt.Errorf("invalid label key %q: must match [a-zA-Z_][a-zA-Z0-9_]*", k)
		}
		labels[k] = v
	}
	return labels, nil
}

var initMetricsOnce sync.Once

// InitMetrics registers all Prometheus metrics with the given constant labels.
// Safe to call multiple times; only the first call registers. Until it is
// called the helpers below are no-ops.
func InitMetrics(constLabels prometheus.Labels) {
	initMetricsOnce.Do(func() {
		initMetricsInner(constLabels)
	})
}

func initMetricsInner(constLabels prometheus.Labels) {
	reg := prometheus.WrapRegistererWith(constLabels, prometheus.DefaultRegisterer)
	f := promauto.With(reg)

	httpRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contentpool_requests_total",
			Help: "Total number of management HTTP requests",
		},
		[]string{"method", "route", "code"},
	)

	httpRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "contentpool_request_duration_seconds",
			Help:    "Management HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	StoreLatency = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "contentpool_store_latency_seconds",
			Help:    "Store operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	DedupChecksTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "contentpool_dedup_checks_total",
		Help: "Duplicate URL checks by answering layer",
	}, []string{"source"})

	ReferenceOpsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "contentpool_reference_ops_total",
		Help: "Shared object reference count operations",
	}, []string{"op"})

	DistributionsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "contentpool_distributions_total",
		Help: "Per-target distribution outcomes",
	}, []string{"outcome"})

	DistributionLatency = f.NewHistogram(prometheus.HistogramOpts{
		Name:    "contentpool_distribution_target_seconds",
		Help:    "Time spent distributing to a single target",
		Buckets: prometheus.DefBuckets,
	})

	OptimizerPhaseDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "contentpool_optimizer_phase_seconds",
		Help:    "Optimizer phase duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
	}, []string{"phase"})

	OptimizerSavedBytes = f.NewCounterVec(prometheus.CounterOpts{
		Name: "contentpool_optimizer_saved_bytes_total",
		Help: "Bytes reclaimed by optimizer phases",
	}, []string{"phase"})

	OptimizerErrorsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "contentpool_optimizer_errors_total",
		Help: "Per-item optimizer errors",
	}, []string{"phase"})

	QuotaWarningsTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "contentpool_quota_warnings_total",
		Help: "Users observed above the quota warning ratio",
	})

	GuardFailuresTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "contentpool_guard_failures_total",
		Help: "Edit isolation failures that fell back to the original path",
	})

	DBPoolOpenConnections = f.NewGauge(prometheus.GaugeOpts{
		Name: "contentpool_db_pool_open_connections",
		Help: "Number of open database connections",
	})

	DBPoolMaxConnections = f.NewGauge(prometheus.GaugeOpts{
		Name: "contentpool_db_pool_max_connections",
		Help: "Maximum number of database connections",
	})
}

// ObserveStore records the latency of a store operation started at start.
func ObserveStore(op string, start time.Time) {
	if StoreLatency != nil {
		StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

func DedupCheck(source string) {
	if DedupChecksTotal != nil {
		DedupChecksTotal.WithLabelValues(source).Inc()
	}
}

func ReferenceOp(op string) {
	if ReferenceOpsTotal != nil {
		ReferenceOpsTotal.WithLabelValues(op).Inc()
	}
}

func Distribution(success bool, d time.Duration) {
	if DistributionsTotal == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	DistributionsTotal.WithLabelValues(outcome).Inc()
	DistributionLatency.Observe(d.Seconds())
}

// OptimizerPhase records one completed phase run.
func OptimizerPhase(phase string, d time.Duration, savedBytes int64, errs int) {
	if OptimizerPhaseDuration == nil {
		return
	}
	OptimizerPhaseDuration.WithLabelValues(phase).Observe(d.Seconds())
	if savedBytes > 0 {
		OptimizerSavedBytes.WithLabelValues(phase).Add(float64(savedBytes))
	}
	if errs > 0 {
		OptimizerErrorsTotal.WithLabelValues(phase).Add(float64(errs))
	}
}

func QuotaWarning() {
	if QuotaWarningsTotal != nil {
		QuotaWarningsTotal.Inc()
	}
}

func GuardFailure() {
	if GuardFailuresTotal != nil {
		GuardFailuresTotal.Inc()
	}
}
