package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the part buffer.
type Metrics struct {
	registry                 *prometheus.Registry
	requestsTotal            prometheus.Counter
	errorsTotal              prometheus.Counter
	activeStreams            prometheus.Gauge
	partsReceivedTotal       prometheus.Counter
	partBytesTotal           prometheus.Counter
	segmentsCompletedTotal   prometheus.Counter
	discontinuitiesTotal     prometheus.Counter
	outputsIdleTotal         prometheus.Counter
	playlistWaitTimeoutTotal prometheus.Counter
	requestDuration          *prometheus.HistogramVec
}

// New creates and registers Prometheus metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hls_active_streams",
			Help: "Number of streams that have not been ended",
		}),
		partsReceivedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_parts_received_total",
			Help: "Total number of parts pushed by producers",
		}),
		partBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_part_bytes_total",
			Help: "Total number of media bytes pushed by producers",
		}),
		segmentsCompletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_segments_completed_total",
			Help: "Total number of segments that received their final part",
		}),
		discontinuitiesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_discontinuities_total",
			Help: "Total number of upstream restarts signalled by producers",
		}),
		outputsIdleTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_outputs_idle_total",
			Help: "Total number of outputs removed after their idle timeout",
		}),
		playlistWaitTimeoutTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_playlist_wait_timeouts_total",
			Help: "Total number of playlist requests that timed out waiting for media",
		}),
		// blocking playlist reloads and streamed segments hold requests open
		// for up to a few target durations
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hls_request_duration_seconds",
			Help:    "HTTP request latency by route pattern and status class",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"route", "code"}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.activeStreams,
		m.partsReceivedTotal,
		m.partBytesTotal,
		m.segmentsCompletedTotal,
		m.discontinuitiesTotal,
		m.outputsIdleTotal,
		m.playlistWaitTimeoutTotal,
		m.requestDuration,
	)

	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// SetActiveStreams sets the active streams gauge.
func (m *Metrics) SetActiveStreams(n int) {
	m.activeStreams.Set(float64(n))
}

// ObservePart records one received part of size bytes.
func (m *Metrics) ObservePart(size int, completesSegment bool) {
	m.partsReceivedTotal.Inc()
	m.partBytesTotal.Add(float64(size))
	if completesSegment {
		m.segmentsCompletedTotal.Inc()
	}
}

// IncDiscontinuities increments the discontinuity counter.
func (m *Metrics) IncDiscontinuities() {
	m.discontinuitiesTotal.Inc()
}

// IncOutputsIdle increments the idle output counter.
func (m *Metrics) IncOutputsIdle() {
	m.outputsIdleTotal.Inc()
}

// IncPlaylistWaitTimeouts increments the playlist wait timeout counter.
func (m *Metrics) IncPlaylistWaitTimeouts() {
	m.playlistWaitTimeoutTotal.Inc()
}

// ObserveRequest records the latency of one request. Status codes are
// reduced to their class ("2xx", "4xx", ...) to bound cardinality.
func (m *Metrics) ObserveRequest(route string, status int, d time.Duration) {
	code := strconv.Itoa(status/100) + "xx"
	m.requestDuration.WithLabelValues(route, code).Observe(d.Seconds())
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active streams).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
