package metrics

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/SkynetNext/xsk-fastpath/pkg/classifier"
)

// queueLabels holds the label value for every queue index so the packet path
// does not format integers.
var queueLabels [classifier.MaxQueues + 1]string

func init() {
	for i := 0; i < classifier.MaxQueues; i++ {
		queueLabels[i] = strconv.Itoa(i)
	}
	queueLabels[classifier.MaxQueues] = "out_of_range"
}

func queueLabel(queue uint32) string {
	if queue >= classifier.MaxQueues {
		return queueLabels[classifier.MaxQueues]
	}
	return queueLabels[queue]
}

var (
	// ============================================================================
	// Classification Metrics
	// ============================================================================

	// VerdictsTotal: Frames classified (Counter)
	// Labels: action, reason, queue
	VerdictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fastpath_verdicts_total",
			Help: "Total number of frames classified, by action and decision branch",
		},
		[]string{"action", "reason", "queue"},
	)

	// RedirectErrorsTotal: Redirects that the fast-path layer refused (Counter)
	// Labels: queue, reason
	RedirectErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fastpath_redirect_errors_total",
			Help: "Total redirect attempts that failed",
		},
		[]string{"queue", "reason"},
	)

	// ListenerMissTotal: Frames seen on a queue with no fast-path listener (Counter)
	// Labels: queue
	ListenerMissTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fastpath_listener_miss_total",
			Help: "Total frames received on a queue without a registered listener",
		},
		[]string{"queue"},
	)

	// ============================================================================
	// Fast-path Socket Metrics
	// ============================================================================

	// Listeners: Queues with an attached fast-path consumer (Gauge)
	Listeners = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fastpath_listeners",
			Help: "Current number of queues with a registered fast-path listener",
		},
	)

	// FramesConsumedTotal: Frames drained from fast-path sockets (Counter)
	// Labels: queue
	FramesConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fastpath_frames_consumed_total",
			Help: "Total frames consumed from fast-path sockets",
		},
		[]string{"queue"},
	)

	// ============================================================================
	// Control Plane Metrics
	// ============================================================================

	// ComponentHealth: Component health status (Gauge, 1=healthy, 0=unhealthy)
	// Labels: component
	ComponentHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fastpath_component_health",
			Help: "Component health status (1=healthy, 0=unhealthy)",
		},
		[]string{"component"},
	)

	// ConfigReloadsTotal: Queue status reloads (Counter)
	// Labels: source (file, redis), status
	ConfigReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fastpath_config_reloads_total",
			Help: "Total queue configuration reloads",
		},
		[]string{"source", "status"},
	)

	// Routes: Entries in the route table after merging (Gauge)
	Routes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fastpath_routes",
			Help: "Current number of route table entries",
		},
	)

	// AdminRequestsTotal: Admin API requests (Counter)
	// Labels: path, status
	AdminRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fastpath_admin_requests_total",
			Help: "Total admin API requests",
		},
		[]string{"path", "status"},
	)

	// AdminRequestDuration: Admin API request latency (Histogram)
	// Labels: path
	AdminRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fastpath_admin_request_duration_seconds",
			Help:    "Admin API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"},
	)
)

// RecordVerdict records the outcome of one classification.
func RecordVerdict(v classifier.Verdict) {
	q := queueLabel(v.Queue)
	VerdictsTotal.WithLabelValues(v.Action.String(), v.Reason.String(), q).Inc()
	if v.Err != nil {
		RedirectErrorsTotal.WithLabelValues(q, RedirectErrorReason(v.Err)).Inc()
	}
}

// RecordListenerMiss records a frame seen on a queue with no listener.
func RecordListenerMiss(queue uint32) {
	ListenerMissTotal.WithLabelValues(queueLabel(queue)).Inc()
}

// RecordFrameConsumed records a frame drained by a fast-path consumer.
func RecordFrameConsumed(queue uint32) {
	FramesConsumedTotal.WithLabelValues(queueLabel(queue)).Inc()
}

// SetListeners sets the number of queues with a listener.
func SetListeners(n int) {
	Listeners.Set(float64(n))
}

// SetComponentHealth sets component health status
func SetComponentHealth(component string, healthy bool) {
	health := 0.0
	if healthy {
		health = 1.0
	}
	ComponentHealth.WithLabelValues(component).Set(health)
}

// RecordConfigReload records a queue configuration reload.
func RecordConfigReload(source string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	ConfigReloadsTotal.WithLabelValues(source, status).Inc()
}

// SetRoutes sets the number of route table entries.
func SetRoutes(n int) {
	Routes.Set(float64(n))
}

// RecordAdminRequest records one admin API request.
func RecordAdminRequest(path, status string, seconds float64) {
	AdminRequestsTotal.WithLabelValues(path, status).Inc()
	AdminRequestDuration.WithLabelValues(path).Observe(seconds)
}

// RedirectErrorReason maps a redirect error onto a bounded label value.
// Errors that carry their own label implement Reason() string.
func RedirectErrorReason(err error) string {
	switch {
	case errors.Is(err, classifier.ErrNoListener):
		return "no_listener"
	case errors.Is(err, classifier.ErrQueueOutOfRange):
		return "out_of_range"
	}
	var r interface{ Reason() string }
	if errors.As(err, &r) {
		return r.Reason()
	}
	return "other"
}
