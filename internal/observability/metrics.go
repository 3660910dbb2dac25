package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every ccswitch collector. The daemon serves it on /metrics.
var Registry = prometheus.NewRegistry()

var (
	operationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ccs",
		Name:      "operations_total",
		Help:      "Facade operations by name and result code.",
	}, []string{"operation", "result"})

	lockWaitSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ccs",
		Name:      "lock_wait_seconds",
		Help:      "Time spent acquiring a cross-process lock.",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
	}, []string{"resource"})

	lockTimeoutsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ccs",
		Name:      "lock_timeouts_total",
		Help:      "Lock acquisitions that gave up after the bounded wait.",
	}, []string{"resource"})

	staleLocksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ccs",
		Name:      "stale_locks_reclaimed_total",
		Help:      "Locks reclaimed from dead or unresponsive holders.",
	}, []string{"resource"})
)

func init() {
	Registry.MustRegister(operationsTotal, lockWaitSeconds, lockTimeoutsTotal, staleLocksTotal)
}

// ObserveOperation counts one facade call. result is "ok" or an error code.
func ObserveOperation(operation, result string) {
	operationsTotal.WithLabelValues(operation, result).Inc()
}

// ObserveLockWait records how long a lock acquisition took.
func ObserveLockWait(resource string, d time.Duration) {
	lockWaitSeconds.WithLabelValues(resource).Observe(d.Seconds())
}

// ObserveLockTimeout counts a bounded-wait expiry.
func ObserveLockTimeout(resource string) {
	lockTimeoutsTotal.WithLabelValues(resource).Inc()
}

// ObserveStaleLock counts a reclaimed lock.
func ObserveStaleLock(resource string) {
	staleLocksTotal.WithLabelValues(resource).Inc()
}
