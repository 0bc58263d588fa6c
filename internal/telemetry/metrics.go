package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	// ---- Discovery engine ----

	DatagramsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meshmaster",
			Name:      "datagrams_received_total",
			Help:      "Advertisement datagrams received, valid or not.",
		},
	)

	DatagramsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meshmaster",
			Name:      "datagrams_sent_total",
			Help:      "Self-advertisement datagrams sent.",
		},
	)

	SendErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meshmaster",
			Name:      "send_errors_total",
			Help:      "Failed advertisement sends (retried on the next tick).",
		},
	)

	DecodeErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meshmaster",
			Name:      "decode_errors_total",
			Help:      "Datagrams discarded because they failed schema validation.",
		},
	)

	StaleDrops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meshmaster",
			Name:      "stale_drops_total",
			Help:      "Announcements discarded for sequence-number regression.",
		},
	)

	ChangeEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshmaster",
			Name:      "change_events_total",
			Help:      "Peer table transitions by kind.",
		},
		[]string{"kind"},
	)

	PeersLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "meshmaster",
			Name:      "peers_live",
			Help:      "Masters currently tracked in the peer table.",
		},
	)

	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "meshmaster",
			Name:      "sweep_duration_seconds",
			Help:      "Latency of timeout sweeps.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		},
	)

	// ---- HTTP query service ----

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshmaster",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"op", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "meshmaster",
			Name:      "request_duration_seconds",
			Help:      "Latency of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	// ---- Process / build info ----

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "meshmaster",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "meshmaster",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		DatagramsReceived, DatagramsSent, SendErrors, DecodeErrors, StaleDrops,
		ChangeEvents, PeersLive, SweepDuration,
		RequestsTotal, RequestDuration, buildInfo, uptime,
	)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup, e.g. with ldflags-provided values.
func SetBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA).Set(1)
}

// ---- Middleware instrumentation ----

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an http.Handler to record metrics under the provided "op" label.
// Example:
//
//	mux.HandleFunc("/peers", telemetry.Instrument("peers", http.HandlerFunc(s.peers)).ServeHTTP)
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		start := time.Now()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		RequestsTotal.WithLabelValues(op, class).Inc()
		RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
