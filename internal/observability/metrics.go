package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pvagate"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"kind", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind", "method", "path", "status"},
	)
	beacons = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "beacon",
			Name:      "observed_total",
			Help:      "Beacons observed, by classification.",
		},
		[]string{"reason"},
	)
	beaconsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "beacon",
			Name:      "sent_total",
			Help:      "Beacon datagrams sent by the server.",
		},
	)
	searchDatagrams = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "datagrams_total",
			Help:      "Search requests sent, by path.",
		},
		[]string{"path"},
	)
	searchReplies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "replies_total",
			Help:      "Search replies received, by outcome.",
		},
		[]string{"outcome"},
	)
	searchPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "pending",
			Help:      "Channel names currently being searched.",
		},
	)
	sessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Open sessions, by side.",
		},
		[]string{"side"},
	)
	sessionEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "events_total",
			Help:      "Session lifecycle events.",
		},
		[]string{"side", "event"},
	)
	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "requests_total",
			Help:      "Channel requests, by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "request_duration_seconds",
			Help:      "Channel request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			beacons, beaconsSent,
			searchDatagrams, searchReplies, searchPending,
			sessionsActive, sessionEvents,
			requests, requestDuration,
		)
	})
}

func RecordHTTPRequest(kind, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(kind, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(kind, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordBeacon(reason string) {
	RegisterMetrics()
	if reason == "" {
		reason = "routine"
	}
	beacons.WithLabelValues(reason).Inc()
}

func RecordBeaconSent() {
	RegisterMetrics()
	beaconsSent.Inc()
}

func RecordSearchSent(path string, n int) {
	RegisterMetrics()
	searchDatagrams.WithLabelValues(path).Add(float64(n))
}

func RecordSearchReply(outcome string) {
	RegisterMetrics()
	searchReplies.WithLabelValues(outcome).Inc()
}

func SetSearchPending(n int) {
	RegisterMetrics()
	searchPending.Set(float64(n))
}

func RecordSessionOpened(side string) {
	RegisterMetrics()
	sessionsActive.WithLabelValues(side).Inc()
	sessionEvents.WithLabelValues(side, "opened").Inc()
}

func RecordSessionClosed(side, reason string) {
	RegisterMetrics()
	sessionsActive.WithLabelValues(side).Dec()
	sessionEvents.WithLabelValues(side, reason).Inc()
}

func RecordSessionEvent(side, event string) {
	RegisterMetrics()
	sessionEvents.WithLabelValues(side, event).Inc()
}

func RecordRequest(kind string, duration time.Duration, err error) {
	RegisterMetrics()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	requests.WithLabelValues(kind, outcome).Inc()
	requestDuration.WithLabelValues(kind).Observe(duration.Seconds())
}
