package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	idleSessions    prometheus.Gauge
	sessionsOpened  prometheus.Counter
	sessionCheckout *prometheus.CounterVec
	sessionDiscard  *prometheus.CounterVec
	acquireDuration prometheus.Histogram

	cachedCursors  prometheus.Gauge
	cursorCacheHit *prometheus.CounterVec
	cursorsEvicted prometheus.Counter

	preparedNotifyTotal prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			idleSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "enginepool_idle_sessions",
					Help: "Current number of idle sessions in the pool.",
				},
			),
			sessionsOpened: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "enginepool_sessions_opened_total",
					Help: "Total engine sessions opened by the pool.",
				},
			),
			sessionCheckout: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "enginepool_session_checkouts_total",
					Help: "Total session checkouts by source (pooled or created).",
				},
				[]string{"source"},
			),
			sessionDiscard: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "enginepool_sessions_discarded_total",
					Help: "Total sessions discarded instead of pooled, by reason.",
				},
				[]string{"reason"},
			),
			acquireDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "enginepool_session_acquire_duration_seconds",
					Help:    "Session acquisition duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			cachedCursors: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "enginepool_cached_cursors",
					Help: "Current number of cursors held in per-session caches.",
				},
			),
			cursorCacheHit: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "enginepool_cursor_cache_requests_total",
					Help: "Total cursor cache lookups by outcome (hit or miss).",
				},
				[]string{"outcome"},
			),
			cursorsEvicted: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "enginepool_cursors_evicted_total",
					Help: "Total cursors aged out of per-session caches.",
				},
			),
			preparedNotifyTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "enginepool_prepared_notifications_total",
					Help: "Total prepared-transaction terminal-state notifications.",
				},
			),
		}

		prometheus.MustRegister(
			m.idleSessions,
			m.sessionsOpened,
			m.sessionCheckout,
			m.sessionDiscard,
			m.acquireDuration,
			m.cachedCursors,
			m.cursorCacheHit,
			m.cursorsEvicted,
			m.preparedNotifyTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func SetIdleSessions(n int) {
	getMetrics().idleSessions.Set(float64(n))
}

func RecordSessionOpened() {
	getMetrics().sessionsOpened.Inc()
}

func RecordSessionCheckout(source string, duration time.Duration) {
	m := getMetrics()
	m.sessionCheckout.WithLabelValues(source).Inc()
	m.acquireDuration.Observe(duration.Seconds())
}

func RecordSessionDiscarded(reason string) {
	getMetrics().sessionDiscard.WithLabelValues(reason).Inc()
}

func RecordCursorCacheHit() {
	m := getMetrics()
	m.cursorCacheHit.WithLabelValues("hit").Inc()
	m.cachedCursors.Dec()
}

func RecordCursorCacheMiss() {
	getMetrics().cursorCacheHit.WithLabelValues("miss").Inc()
}

func RecordCursorCached() {
	getMetrics().cachedCursors.Inc()
}

func RecordCursorsEvicted(n int) {
	if n <= 0 {
		return
	}
	m := getMetrics()
	m.cursorsEvicted.Add(float64(n))
	m.cachedCursors.Sub(float64(n))
}

func RecordCursorsClosed(n int) {
	if n <= 0 {
		return
	}
	getMetrics().cachedCursors.Sub(float64(n))
}

func RecordPreparedNotification() {
	getMetrics().preparedNotifyTotal.Inc()
}
