package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgeproxy",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests served by the embedded proxy.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgeproxy",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	upstreamRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgeproxy",
			Subsystem: "upstream",
			Name:      "requests_total",
			Help:      "Upstream fetches performed on behalf of proxy clients.",
		},
		[]string{"node", "kind", "status", "success"},
	)
	upstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgeproxy",
			Subsystem: "upstream",
			Name:      "request_duration_seconds",
			Help:      "Upstream fetch duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "kind", "status", "success"},
	)
	lifecycleTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgeproxy",
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "State transitions of supervisors and hosted processes.",
		},
		[]string{"component", "from", "to"},
	)
	dispatchTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgeproxy",
			Subsystem: "dispatch",
			Name:      "tasks_total",
			Help:      "Tasks executed by the dispatcher.",
		},
		[]string{"queue"},
	)
	dispatchPanics = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgeproxy",
			Subsystem: "dispatch",
			Name:      "panics_total",
			Help:      "Dispatcher tasks that panicked.",
		},
		[]string{"queue"},
	)
	statusNotices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "edgeproxy",
			Subsystem: "status",
			Name:      "notices",
			Help:      "Notices currently shown on the status surface.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			upstreamRequests,
			upstreamDuration,
			lifecycleTransitions,
			dispatchTasks,
			dispatchPanics,
			statusNotices,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordUpstream(node, kind string, status int, duration time.Duration, success bool) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	successLabel := strconv.FormatBool(success)
	upstreamRequests.WithLabelValues(node, kind, statusLabel, successLabel).Inc()
	upstreamDuration.WithLabelValues(node, kind, statusLabel, successLabel).
		Observe(duration.Seconds())
}

func RecordTransition(component, from, to string) {
	RegisterMetrics()
	lifecycleTransitions.WithLabelValues(component, from, to).Inc()
}

func RecordDispatch(queue string, panicked bool) {
	RegisterMetrics()
	dispatchTasks.WithLabelValues(queue).Inc()
	if panicked {
		dispatchPanics.WithLabelValues(queue).Inc()
	}
}

func SetStatusNotices(n int) {
	RegisterMetrics()
	statusNotices.Set(float64(n))
}
