// Package metrics bundles the Prometheus collectors shared by the HTTP API,
// the ticket registry, the bridge and the retention sweeper. Every method is
// safe on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry        *prometheus.Registry
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	rateLimited     prometheus.Counter

	channelResolutions *prometheus.CounterVec
	channelsClosed     *prometheus.CounterVec
	duplicateChannels  prometheus.Counter

	messagesBridged   *prometheus.CounterVec
	eventsClassified  *prometheus.CounterVec
	eventsDropped     *prometheus.CounterVec
	eventRetries      prometheus.Counter
	partialDeliveries prometheus.Counter
	storeErrors       *prometheus.CounterVec
	queueDepth        prometheus.Gauge
	gatewayConnected  prometheus.Gauge

	sweeps        *prometheus.CounterVec
	prunedThreads prometheus.Counter
	lastSweep     prometheus.Gauge
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tickets",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests received",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tickets",
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tickets",
			Name:      "http_rate_limited_total",
			Help:      "Number of HTTP requests rejected due to rate limiting",
		}),
		channelResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tickets",
			Name:      "channel_resolutions_total",
			Help:      "Ticket channel lookups by outcome",
		}, []string{"result"}),
		channelsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tickets",
			Name:      "channels_closed_total",
			Help:      "Ticket channels closed, by delete outcome",
		}, []string{"result"}),
		duplicateChannels: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tickets",
			Name:      "duplicate_channels_total",
			Help:      "Players found bound to more than one channel",
		}),
		messagesBridged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tickets",
			Name:      "messages_bridged_total",
			Help:      "Messages stored by direction",
		}, []string{"direction"}),
		eventsClassified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tickets",
			Name:      "events_classified_total",
			Help:      "Inbound chat events by classification",
		}, []string{"kind"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tickets",
			Name:      "events_dropped_total",
			Help:      "Inbound chat events dropped, by reason",
		}, []string{"reason"}),
		eventRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tickets",
			Name:      "event_retries_total",
			Help:      "Inbound chat events retried after a retryable failure",
		}),
		partialDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tickets",
			Name:      "partial_deliveries_total",
			Help:      "Player messages posted to the channel but not stored",
		}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tickets",
			Name:      "store_errors_total",
			Help:      "Thread store failures by operation",
		}, []string{"op"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tickets",
			Name:      "dispatcher_queue_depth",
			Help:      "Inbound events waiting for a worker",
		}),
		gatewayConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tickets",
			Name:      "gateway_connected",
			Help:      "1 while a gateway session is established",
		}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tickets",
			Name:      "retention_sweeps_total",
			Help:      "Retention sweeps by outcome",
		}, []string{"result"}),
		prunedThreads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tickets",
			Name:      "retention_pruned_threads_total",
			Help:      "Threads that lost messages to retention",
		}),
		lastSweep: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tickets",
			Name:      "retention_last_sweep_timestamp_seconds",
			Help:      "Unix time of the last successful sweep",
		}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestsTotal,
		m.requestDuration,
		m.rateLimited,
		m.channelResolutions,
		m.channelsClosed,
		m.duplicateChannels,
		m.messagesBridged,
		m.eventsClassified,
		m.eventsDropped,
		m.eventRetries,
		m.partialDeliveries,
		m.storeErrors,
		m.queueDepth,
		m.gatewayConnected,
		m.sweeps,
		m.prunedThreads,
		m.lastSweep,
	)

	return m
}

// Handler returns an HTTP handler exposing the metrics endpoint. Compression
// is left to the surrounding middleware.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{DisableCompression: true})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveRequest(route, method string, status int, dur time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route, method).Observe(dur.Seconds())
}

func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// IncChannelResolution counts a registry lookup: cached, found, created or shared.
func (m *Metrics) IncChannelResolution(result string) {
	if m == nil {
		return
	}
	m.channelResolutions.WithLabelValues(result).Inc()
}

func (m *Metrics) IncChannelClosed(result string) {
	if m == nil {
		return
	}
	m.channelsClosed.WithLabelValues(result).Inc()
}

func (m *Metrics) IncDuplicateChannels() {
	if m == nil {
		return
	}
	m.duplicateChannels.Inc()
}

func (m *Metrics) IncMessagesBridged(direction string) {
	if m == nil {
		return
	}
	m.messagesBridged.WithLabelValues(direction).Inc()
}

func (m *Metrics) IncEventsClassified(kind string) {
	if m == nil {
		return
	}
	m.eventsClassified.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncEventsDropped(reason string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncEventRetries() {
	if m == nil {
		return
	}
	m.eventRetries.Inc()
}

func (m *Metrics) IncPartialDeliveries() {
	if m == nil {
		return
	}
	m.partialDeliveries.Inc()
}

func (m *Metrics) IncStoreErrors(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) AddQueueDepth(delta float64) {
	if m == nil {
		return
	}
	m.queueDepth.Add(delta)
}

func (m *Metrics) SetGatewayConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.gatewayConnected.Set(1)
		return
	}
	m.gatewayConnected.Set(0)
}

// ObserveSweep records one retention run.
func (m *Metrics) ObserveSweep(pruned int64, err error, at time.Time) {
	if m == nil {
		return
	}
	if err != nil {
		m.sweeps.WithLabelValues("error").Inc()
		return
	}
	m.sweeps.WithLabelValues("ok").Inc()
	m.prunedThreads.Add(float64(pruned))
	m.lastSweep.Set(float64(at.Unix()))
}

func (m *Metrics) IncSweepSkipped() {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues("skipped").Inc()
}
