package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Broker queue metrics
	QueueSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rendermq_broker_queue_size",
			Help: "Total tasks in a broker's queue, including processed ones awaiting a result",
		},
		[]string{"broker_id"},
	)

	QueueUnprocessed = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rendermq_broker_queue_unprocessed",
			Help: "Tasks in a broker's queue not yet handed to a worker",
		},
		[]string{"broker_id"},
	)

	ZombieResubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rendermq_broker_zombie_resubmissions_total",
			Help: "Total tasks resubmitted after exceeding the zombie timeout without a result",
		},
		[]string{"broker_id"},
	)

	// Handler-runner hash-ring metrics
	RingLiveBrokers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rendermq_handler_ring_live_brokers",
			Help: "Number of brokers currently inserted in the handler's consistent-hash ring",
		},
	)

	// Handler admission metrics
	AdmissionOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rendermq_handler_admission_outcomes_total",
			Help: "Handler admission decisions by resulting action",
		},
		[]string{"action"},
	)

	HTTPResponsesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rendermq_handler_http_responses_total",
			Help: "HTTP responses served by status code",
		},
		[]string{"status"},
	)

	// Storage and render latency
	StorageLookupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rendermq_storage_lookup_duration_seconds",
			Help:    "Time taken for a storage Stat+Get lookup",
			Buckets: prometheus.DefBuckets,
		},
	)

	RenderRoundTripDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rendermq_render_round_trip_duration_seconds",
			Help:    "Time from a handler dispatching a render job to its result arriving",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	// Expiry service metrics
	ExpiryState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rendermq_expiry_fsm_state",
			Help: "Current binary-star state (1 = this node is in the named state, 0 otherwise)",
		},
		[]string{"state"},
	)

	ExpiryFailoversTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rendermq_expiry_failovers_total",
			Help: "Total times this expiry node transitioned Passive to Active on peer expiry",
		},
	)
)

func init() {
	prometheus.MustRegister(QueueSize)
	prometheus.MustRegister(QueueUnprocessed)
	prometheus.MustRegister(ZombieResubmissionsTotal)
	prometheus.MustRegister(RingLiveBrokers)
	prometheus.MustRegister(AdmissionOutcomesTotal)
	prometheus.MustRegister(HTTPResponsesTotal)
	prometheus.MustRegister(StorageLookupDuration)
	prometheus.MustRegister(RenderRoundTripDuration)
	prometheus.MustRegister(ExpiryState)
	prometheus.MustRegister(ExpiryFailoversTotal)
}

// Handler returns the Prometheus HTTP handler.
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

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
