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

var (
	initOnce sync.Once

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
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the last readiness probe succeeded.",
	})

	permissionDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "permission_decisions_total",
			Help: "Permission checks by module, action, result and reason.",
		},
		[]string{"module", "action", "result", "reason"},
	)

	masksApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "permission_masks_applied_total",
			Help: "Field values masked on read, by module and mask type.",
		},
		[]string{"module", "mask_type"},
	)

	capabilityCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capability_cache_lookups_total",
			Help: "Capability cache lookups by result.",
		},
		[]string{"result"},
	)
)

// Init registers all collectors in the default registry. Safe to call twice.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight,
			httpRequestsTotal,
			httpRequestDuration,
			readyGauge,
			permissionDecisions,
			masksApplied,
			capabilityCache,
		)
	})
}

// Handler exposes the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the outcome of the latest readiness probe.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// ObserveDecision counts one permission decision.
func ObserveDecision(module, action string, allowed bool, reason string) {
	result := "deny"
	if allowed {
		result = "allow"
	}
	permissionDecisions.WithLabelValues(module, action, result, reason).Inc()
}

// ObserveMask counts one masked field value.
func ObserveMask(module, maskType string) {
	masksApplied.WithLabelValues(module, maskType).Inc()
}

// ObserveCacheLookup counts a capability cache hit or miss.
func ObserveCacheLookup(hit bool) {
	if hit {
		capabilityCache.WithLabelValues("hit").Inc()
		return
	}
	capabilityCache.WithLabelValues("miss").Inc()
}

// Instrument measures request rate, latency and in-flight count.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// CanonicalPath collapses identifiers in known routes so label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" {
		return raw
	}
	switch parts[1] {
	case "users":
		if len(parts) == 4 && parts[3] == "capabilities" {
			return "/v1/users/:id/capabilities"
		}
	case "capabilities", "masking-rules":
		if len(parts) == 3 {
			return "/v1/" + parts[1] + "/:id"
		}
	case "templates":
		if len(parts) == 3 {
			return "/v1/templates/:id"
		}
		if len(parts) == 4 && parts[3] == "apply" {
			return "/v1/templates/:id/apply"
		}
	}
	return raw
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
