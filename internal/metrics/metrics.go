package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	reqTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	reqInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_inflight",
			Help: "In-flight HTTP requests",
		},
	)

	reqDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	publishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_publish_total",
			Help: "Presence publishes by outcome (inserted, replaced, error)",
		},
		[]string{"outcome"},
	)

	nearbyQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nearby_queries_total",
			Help: "Nearby queries by source (store, cache, error)",
		},
		[]string{"source"},
	)

	nearbyMatches = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nearby_query_matches",
			Help:    "Number of matches returned per nearby query",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
		},
	)

	sweepRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "expiry_sweeps_total",
			Help: "Expiry sweeps by result (ok, error)",
		},
		[]string{"result"},
	)

	sweepDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "expiry_sweep_deleted_total",
			Help: "Presence records removed by expiry sweeps",
		},
	)

	sweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "expiry_sweep_duration_seconds",
			Help:    "Expiry sweep duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	cacheItems = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nearby_cache_items",
			Help: "Approximate number of cached nearby results",
		},
	)
)

func init() {
	Registry.MustRegister(
		reqTotal, reqInFlight, reqDuration,
		publishTotal, nearbyQueries, nearbyMatches,
		sweepRuns, sweepDeleted, sweepDuration,
		cacheItems,
	)
}

// CacheSizer provides ability to get cache size
// Implemented by internal/cache MatchCache via Size()
type CacheSizer interface{ Size() int }

// UpdateCacheItems gauges current cache size
func UpdateCacheItems(c CacheSizer) {
	if c == nil {
		return
	}
	cacheItems.Set(float64(c.Size()))
}

// ObservePublish counts one publish; outcome is "inserted", "replaced" or "error"
func ObservePublish(outcome string) {
	publishTotal.WithLabelValues(outcome).Inc()
}

// ObserveNearby counts one nearby query and the size of its result
func ObserveNearby(source string, matches int) {
	nearbyQueries.WithLabelValues(source).Inc()
	if source != "error" {
		nearbyMatches.Observe(float64(matches))
	}
}

// ObserveSweep records the result of one expiry sweep
func ObserveSweep(deleted int64, took time.Duration, err error) {
	sweepDuration.Observe(took.Seconds())
	if err != nil {
		sweepRuns.WithLabelValues("error").Inc()
		return
	}
	sweepRuns.WithLabelValues("ok").Inc()
	sweepDeleted.Add(float64(deleted))
}

// Middleware instruments HTTP requests
func Middleware(route string, next http.Handler, sizer CacheSizer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqInFlight.Inc()
		defer reqInFlight.Dec()

		// Capture status code
		rw := NewStatusRecorder(w)
		next.ServeHTTP(rw, r)

		dur := time.Since(start).Seconds()
		reqDuration.WithLabelValues(r.Method, route).Observe(dur)
		reqTotal.WithLabelValues(r.Method, route, http.StatusText(rw.Status)).Inc()

		// Update cache items gauge opportunistically
		UpdateCacheItems(sizer)
	})
}

// StatusRecorder remembers the status code written through it.
// Status is 200 until WriteHeader is called.
type StatusRecorder struct {
	http.ResponseWriter
	Status int
}

func NewStatusRecorder(w http.ResponseWriter) *StatusRecorder {
	return &StatusRecorder{ResponseWriter: w, Status: http.StatusOK}
}

func (s *StatusRecorder) WriteHeader(code int) {
	s.Status = code
	s.ResponseWriter.WriteHeader(code)
}

// Handler returns a promhttp handler for the Registry
func Handler() http.Handler { return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}) }
