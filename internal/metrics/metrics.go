// Package metrics exposes Prometheus collectors for the reconciler service.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	pushMessagesTotal          *prometheus.CounterVec
	pushDecodeErrorsTotal      *prometheus.CounterVec
	pushReconnectsTotal        *prometheus.CounterVec
	pushConnected              *prometheus.GaugeVec
	pollRoundsTotal            *prometheus.CounterVec
	pollRoundDurationSeconds   prometheus.Histogram
	pollRateLimitDelaySeconds  *prometheus.HistogramVec
	schedulerRunning           prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		pushMessagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "progress_push_messages_total",
				Help: "Push messages decoded, labeled by transport and message kind.",
			},
			[]string{"transport", "kind"},
		)

		pushDecodeErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "progress_push_decode_errors_total",
				Help: "Push payloads dropped because they could not be decoded.",
			},
			[]string{"transport"},
		)

		pushReconnectsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "progress_push_reconnects_total",
				Help: "Push connection attempts after a failure or disconnect.",
			},
			[]string{"transport"},
		)

		pushConnected = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "progress_push_connected",
				Help: "1 while the push channel holds an open connection.",
			},
			[]string{"transport"},
		)

		pollRoundsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "progress_poll_rounds_total",
				Help: "Poll rounds, labeled by result.",
			},
			[]string{"result"},
		)

		pollRoundDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "progress_poll_round_duration_seconds",
				Help:    "Histogram of poll round durations.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		)

		pollRateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "progress_poll_rate_limit_delay_seconds",
				Help:    "Histogram of client-side rate limit waits before poll requests.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"host"},
		)

		schedulerRunning = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "progress_scheduler_running",
				Help: "1 while the polling scheduler is ticking.",
			},
		)
	})
}

// SanitizeHost extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	Init()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, routePattern, rec.statusCode, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rec *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rec.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacker not supported")
	}
	rec.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rec *statusRecorder) Unwrap() http.ResponseWriter {
	return rec.ResponseWriter
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObservePushMessage counts a decoded push message.
func ObservePushMessage(transport, kind string) {
	Init()
	pushMessagesTotal.WithLabelValues(transport, kind).Inc()
}

// ObservePushDecodeError counts a dropped push payload.
func ObservePushDecodeError(transport string) {
	Init()
	pushDecodeErrorsTotal.WithLabelValues(transport).Inc()
}

// ObservePushReconnect counts a reconnect attempt.
func ObservePushReconnect(transport string) {
	Init()
	pushReconnectsTotal.WithLabelValues(transport).Inc()
}

// SetPushConnected flips the connection gauge for transport.
func SetPushConnected(transport string, connected bool) {
	Init()
	v := 0.0
	if connected {
		v = 1
	}
	pushConnected.WithLabelValues(transport).Set(v)
}

// ObservePollRound records the result and duration of one poll round.
func ObservePollRound(result string, duration time.Duration) {
	Init()
	pollRoundsTotal.WithLabelValues(result).Inc()
	pollRoundDurationSeconds.Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	pollRateLimitDelaySeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// SetSchedulerRunning flips the scheduler gauge.
func SetSchedulerRunning(running bool) {
	Init()
	if running {
		schedulerRunning.Set(1)
		return
	}
	schedulerRunning.Set(0)
}
