package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "grievdesk_ready",
		Help: "1 when the store answered the last readiness probe.",
	})
)

// Метрики жизненного цикла обращений.
var (
	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grievdesk_transitions_total",
			Help: "Committed grievance status transitions.",
		},
		[]string{"from", "to"},
	)

	Escalations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grievdesk_escalations_total",
			Help: "Committed escalations by trigger (auto, manual).",
		},
		[]string{"trigger"},
	)

	CASConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grievdesk_cas_conflicts_total",
			Help: "Optimistic-concurrency writes rejected for a stale version.",
		},
		[]string{"path"},
	)

	SweepPasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grievdesk_sweep_passes_total",
			Help: "Escalation sweep passes by outcome.",
		},
		[]string{"outcome"},
	)

	SweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "grievdesk_sweep_duration_seconds",
		Help:    "Duration of escalation sweep passes.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
	})

	Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grievdesk_notifications_total",
			Help: "Escalation notifications by delivery result.",
		},
		[]string{"sink", "result"},
	)
)

var initOnce sync.Once

// Регистрация метрик в default-регистре.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
			Transitions, Escalations, CASConflicts, SweepPasses, SweepDuration, Notifications,
		)
	})
}

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the result of the latest readiness probe.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// Обёртка для измерения RPS/latency/в полёте.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses record identifiers so metric labels stay bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	switch {
	case len(parts) >= 3 && parts[0] == "v1" && parts[1] == "grievances":
		if len(parts) == 3 {
			return "/v1/grievances/:id"
		}
		if len(parts) == 4 && (parts[3] == "status" || parts[3] == "audit") {
			return "/v1/grievances/:id/" + parts[3]
		}
	case len(parts) == 5 && parts[0] == "v1" && parts[1] == "admin" && parts[2] == "grievances":
		if parts[4] == "priority" || parts[4] == "assignee" {
			return "/v1/admin/grievances/:id/" + parts[4]
		}
	case len(parts) == 5 && parts[0] == "v1" && parts[1] == "admin" && parts[2] == "escalations" && parts[3] == "manual":
		return "/v1/admin/escalations/manual/:id"
	}
	return raw
}

// statusWriter — локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
