// Package metrics exposes publish counters, producer state and control
// API latency in Prometheus format. Every method is safe to call on a
// nil *Metrics, so components built without metrics need no guards.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nugget/sensorpub/internal/sensor"
)

const namespace = "sensorpub"

// Metrics owns a private registry so tests and multiple instances never
// collide on the global one.
type Metrics struct {
	reg *prometheus.Registry

	published     *prometheus.CounterVec
	failed        *prometheus.CounterVec
	baselineMiss  *prometheus.CounterVec
	tickPanics    *prometheus.CounterVec
	manualRunning *prometheus.GaugeVec
	serviceUp     *prometheus.GaugeVec
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_total",
			Help:      "Payloads handed to the sink, by domain and producer.",
		}, []string{"domain", "producer"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Payloads the sink rejected, by domain and producer.",
		}, []string{"domain", "producer"}),
		baselineMiss: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "baseline_unavailable_total",
			Help:      "Default producer ticks that skipped a domain for lack of a baseline.",
		}, []string{"domain"}),
		tickPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tick_panics_total",
			Help:      "Producer ticks that panicked and were recovered.",
		}, []string{"producer"}),
		manualRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "manual_running",
			Help:      "1 while the domain's manual producer is running.",
		}, []string{"domain"}),
		serviceUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "service_up",
			Help:      "1 while a watched dependency (broker) is reachable.",
		}, []string{"service"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Control API requests by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Control API request durations by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.published,
		m.failed,
		m.baselineMiss,
		m.tickPanics,
		m.manualRunning,
		m.serviceUp,
		m.httpRequests,
		m.httpDuration,
	)

	for _, d := range sensor.Domains {
		m.manualRunning.WithLabelValues(string(d)).Set(0)
	}
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Published counts n payloads accepted by the sink.
func (m *Metrics) Published(d sensor.Domain, producer string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.published.WithLabelValues(string(d), producer).Add(float64(n))
}

// PublishFailed counts n payloads the sink rejected.
func (m *Metrics) PublishFailed(d sensor.Domain, producer string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.failed.WithLabelValues(string(d), producer).Add(float64(n))
}

// BaselineUnavailable counts a skipped default tick for d.
func (m *Metrics) BaselineUnavailable(d sensor.Domain) {
	if m == nil {
		return
	}
	m.baselineMiss.WithLabelValues(string(d)).Inc()
}

// TickRecovered counts a recovered producer panic.
func (m *Metrics) TickRecovered(producer string) {
	if m == nil {
		return
	}
	m.tickPanics.WithLabelValues(producer).Inc()
}

// SetManualRunning records whether d's manual producer is running.
func (m *Metrics) SetManualRunning(d sensor.Domain, running bool) {
	if m == nil {
		return
	}
	m.manualRunning.WithLabelValues(string(d)).Set(boolGauge(running))
}

// SetServiceUp records a watched dependency's reachability.
func (m *Metrics) SetServiceUp(service string, up bool) {
	if m == nil {
		return
	}
	m.serviceUp.WithLabelValues(service).Set(boolGauge(up))
}

// FunnelGauges exports the log funnel's backlog and drop counter.
func (m *Metrics) FunnelGauges(pending func() int, dropped func() uint64) {
	if m == nil {
		return
	}
	m.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "log_events_pending",
			Help:      "Log events posted but not yet drained.",
		}, func() float64 { return float64(pending()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_events_dropped_total",
			Help:      "Log events evicted from a full backlog.",
		}, func() float64 { return float64(dropped()) }),
	)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// Hijack lets websocket upgrades pass through the recorder.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// WrapHandler counts and times requests to route.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rec, r)

		m.httpRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
