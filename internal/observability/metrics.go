package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	activeWindows  prometheus.Gauge
	bindTotal      *prometheus.CounterVec
	flushTotal     *prometheus.CounterVec
	flushDuration  prometheus.Histogram
	switchDuration prometheus.Histogram
	indexTriggers  *prometheus.CounterVec
	indexDuration  prometheus.Histogram
	indexedFiles   *prometheus.GaugeVec
	relayPending   *prometheus.GaugeVec
	relayDelivered prometheus.Counter
	teardownTotal  *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "vaultd_queue_size",
					Help: "Current queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "vaultd_enqueue_total",
					Help: "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "vaultd_dequeue_total",
					Help: "Total completed tasks by lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "vaultd_task_duration_seconds",
					Help:    "Queued task execution duration in seconds by lane.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			activeWindows: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "vaultd_active_windows",
					Help: "Windows currently bound to a vault.",
				},
			),
			bindTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "vaultd_bind_total",
					Help: "Vault bind attempts by outcome.",
				},
				[]string{"outcome"},
			),
			flushTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "vaultd_flush_total",
					Help: "Editor content flushes by trigger and status.",
				},
				[]string{"trigger", "status"},
			),
			flushDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "vaultd_flush_duration_seconds",
					Help:    "Duration of editor content writes.",
					Buckets: prometheus.DefBuckets,
				},
			),
			switchDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "vaultd_switch_duration_seconds",
					Help:    "Duration of a complete file switch (flush, index trigger, load).",
					Buckets: prometheus.DefBuckets,
				},
			),
			indexTriggers: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "vaultd_index_triggers_total",
					Help: "Index jobs by status.",
				},
				[]string{"status"},
			),
			indexDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "vaultd_index_duration_seconds",
					Help:    "Duration of single-file index jobs.",
					Buckets: prometheus.DefBuckets,
				},
			),
			indexedFiles: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "vaultd_indexed_files",
					Help: "Files present in a vault index after the last sync.",
				},
				[]string{"vault"},
			),
			relayPending: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "vaultd_relay_pending",
					Help: "Errors waiting for a window to become ready.",
				},
				[]string{"window"},
			),
			relayDelivered: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "vaultd_relay_delivered_total",
					Help: "Errors delivered to windows.",
				},
			),
			teardownTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "vaultd_teardown_total",
					Help: "Window teardowns by outcome.",
				},
				[]string{"outcome"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.activeWindows,
			m.bindTotal,
			m.flushTotal,
			m.flushDuration,
			m.switchDuration,
			m.indexTriggers,
			m.indexDuration,
			m.indexedFiles,
			m.relayPending,
			m.relayDelivered,
			m.teardownTotal,
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

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, status(success)).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetActiveWindows(count int) {
	getMetrics().activeWindows.Set(float64(count))
}

// RecordBind counts a bind attempt; outcome is bound, rebound, occupied or invalid.
func RecordBind(outcome string) {
	getMetrics().bindTotal.WithLabelValues(outcome).Inc()
}

// RecordFlush records one content write; trigger is switch, debounce, save or close.
func RecordFlush(trigger string, duration time.Duration, success bool) {
	m := getMetrics()
	m.flushTotal.WithLabelValues(trigger, status(success)).Inc()
	m.flushDuration.Observe(duration.Seconds())
}

func RecordSwitch(duration time.Duration) {
	getMetrics().switchDuration.Observe(duration.Seconds())
}

func RecordIndex(duration time.Duration, success bool) {
	m := getMetrics()
	m.indexTriggers.WithLabelValues(status(success)).Inc()
	m.indexDuration.Observe(duration.Seconds())
}

func SetIndexedFiles(vault string, count int) {
	getMetrics().indexedFiles.WithLabelValues(vault).Set(float64(count))
}

func SetRelayPending(windowID string, count int) {
	getMetrics().relayPending.WithLabelValues(windowID).Set(float64(count))
}

func RecordRelayDelivered(count int) {
	getMetrics().relayDelivered.Add(float64(count))
}

// RecordTeardown counts a window close; outcome is clean, flush_failed or timeout.
func RecordTeardown(outcome string) {
	getMetrics().teardownTotal.WithLabelValues(outcome).Inc()
}
