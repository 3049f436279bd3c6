package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ContainersTotal is the pool's container population by lifecycle state.
	ContainersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "runnerhub_containers_total",
			Help: "Number of pool-managed containers by state",
		},
		[]string{"state"},
	)

	PoolAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "runnerhub_pool_available",
			Help: "Number of containers currently available for assignment",
		},
	)

	PoolBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "runnerhub_pool_busy",
			Help: "Number of containers currently assigned to a job",
		},
	)

	StateRejectionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "runnerhub_state_rejections_total",
			Help: "Cumulative count of rejected invalid state transitions",
		},
	)

	AlertsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "runnerhub_alerts_active",
			Help: "Number of currently retained (non-pruned) alerts by severity",
		},
		[]string{"severity"},
	)

	ScalingDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runnerhub_scaling_decisions_total",
			Help: "Total number of scaling decisions executed by kind",
		},
		[]string{"kind"},
	)

	ScalingExecutionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runnerhub_scaling_execution_duration_seconds",
			Help:    "Time taken to execute a scaling decision in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReuseScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runnerhub_reuse_score",
			Help:    "Distribution of reuse scores assigned by the optimizer's selector",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	ContainerCreateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runnerhub_container_create_duration_seconds",
			Help:    "Time taken to create and warm a pool container in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerRecycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runnerhub_container_recycle_duration_seconds",
			Help:    "Time taken to recycle a container in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	AnomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runnerhub_anomalies_total",
			Help: "Total number of detected anomalies by series key and severity",
		},
		[]string{"series_key", "severity"},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runnerhub_reconciliation_duration_seconds",
			Help:    "Time taken for a state reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "runnerhub_reconciliation_cycles_total",
			Help: "Total number of state reconciliation cycles completed",
		},
	)
)

func init() {
	prometheus.MustRegister(ContainersTotal)
	prometheus.MustRegister(PoolAvailable)
	prometheus.MustRegister(PoolBusy)
	prometheus.MustRegister(StateRejectionsTotal)
	prometheus.MustRegister(AlertsActive)
	prometheus.MustRegister(ScalingDecisionsTotal)
	prometheus.MustRegister(ScalingExecutionDuration)
	prometheus.MustRegister(ReuseScore)
	prometheus.MustRegister(ContainerCreateDuration)
	prometheus.MustRegister(ContainerRecycleDuration)
	prometheus.MustRegister(AnomaliesTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to the histogram in vec
// selected by labels.
func (t *Timer) ObserveDurationVec(vec *prometheus.HistogramVec, labels ...string) {
	vec.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
