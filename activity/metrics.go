package activity

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects Prometheus metrics for workflow execution.
//
// Metrics exposed (all namespaced with "activityflow_"):
//
// 1. turn_latency_ms (histogram): Duration of one work item in milliseconds.
// Labels: kind (execute, complete, resume, cancel).
//
// 2. instances_total (counter): Activity instances that reached a final state.
// Labels: state (Closed, Canceled).
//
// 3. faults_total (counter): Faults raised by activities.
// Labels: outcome (handled, unhandled).
//
// 4. bookmark_resumes_total (counter): Bookmark resumptions.
// Labels: result (Success, NotFound, NotReady).
//
// 5. timers_fired_total (counter): Timers whose bookmark was resumed.
//
// 6. timer_retries_total (counter): Timers rescheduled after a NotReady resume.
//
// 7. pending_timers (gauge): Timers currently registered.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := activity.NewPrometheusMetrics(registry)
//	host, err := activity.NewHost(program, activity.WithMetrics(metrics))
//
// All methods are safe on a nil *PrometheusMetrics, which records nothing.
type PrometheusMetrics struct {
	turnLatency *prometheus.HistogramVec

	instances     *prometheus.CounterVec
	faults        *prometheus.CounterVec
	resumes       *prometheus.CounterVec
	timersFired   prometheus.Counter
	timerRetries  prometheus.Counter
	pendingTimers prometheus.Gauge

	registry prometheus.Registerer

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics creates and registers the workflow metrics with
// registry. A nil registry means prometheus.DefaultRegisterer.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	pm := &PrometheusMetrics{
		registry: registry,
		enabled:  true,
	}

	pm.turnLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "activityflow",
		Name:      "turn_latency_ms",
		Help:      "Duration of one scheduler work item in milliseconds",
		Buckets:   []float64{0.1, 0.5, 1, 5, 10, 50, 100, 500, 1000},
	}, []string{"kind"})

	pm.instances = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "activityflow",
		Name:      "instances_total",
		Help:      "Activity instances that reached a final state",
	}, []string{"state"})

	pm.faults = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "activityflow",
		Name:      "faults_total",
		Help:      "Faults raised by activities, by outcome",
	}, []string{"outcome"})

	pm.resumes = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "activityflow",
		Name:      "bookmark_resumes_total",
		Help:      "Bookmark resumptions, by result",
	}, []string{"result"})

	pm.timersFired = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "activityflow",
		Name:      "timers_fired_total",
		Help:      "Timers whose bookmark was resumed",
	})

	pm.timerRetries = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "activityflow",
		Name:      "timer_retries_total",
		Help:      "Timers rescheduled because their bookmark was not ready",
	})

	pm.pendingTimers = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "activityflow",
		Name:      "pending_timers",
		Help:      "Timers currently registered",
	})

	return pm
}

func (pm *PrometheusMetrics) on() bool {
	if pm == nil {
		return false
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// RecordTurn records the duration of one work item.
func (pm *PrometheusMetrics) RecordTurn(kind string, d time.Duration) {
	if !pm.on() {
		return
	}
	pm.turnLatency.WithLabelValues(kind).Observe(float64(d.Microseconds()) / 1000)
}

// IncrementInstances counts an instance that reached state.
func (pm *PrometheusMetrics) IncrementInstances(state string) {
	if !pm.on() {
		return
	}
	pm.instances.WithLabelValues(state).Inc()
}

// IncrementFaults counts a fault with outcome "handled" or "unhandled".
func (pm *PrometheusMetrics) IncrementFaults(outcome string) {
	if !pm.on() {
		return
	}
	pm.faults.WithLabelValues(outcome).Inc()
}

// IncrementResumes counts a bookmark resumption with its result.
func (pm *PrometheusMetrics) IncrementResumes(result string) {
	if !pm.on() {
		return
	}
	pm.resumes.WithLabelValues(result).Inc()
}

// IncrementTimersFired counts a fired timer.
func (pm *PrometheusMetrics) IncrementTimersFired() {
	if !pm.on() {
		return
	}
	pm.timersFired.Inc()
}

// IncrementTimerRetries counts a rescheduled timer.
func (pm *PrometheusMetrics) IncrementTimerRetries() {
	if !pm.on() {
		return
	}
	pm.timerRetries.Inc()
}

// SetPendingTimers sets the number of registered timers.
func (pm *PrometheusMetrics) SetPendingTimers(n int) {
	if !pm.on() {
		return
	}
	pm.pendingTimers.Set(float64(n))
}

// Disable temporarily disables metric recording.
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable re-enables metric recording after Disable.
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}

// Reset clears the gauges. Counters and histograms are cumulative.
func (pm *PrometheusMetrics) Reset() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.pendingTimers.Set(0)
}
