package dashboard

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the scanner's Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spikescan",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	marketFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spikescan",
			Subsystem: "market",
			Name:      "fetches_total",
			Help:      "Market data fetches by outcome.",
		},
		[]string{"result"},
	)

	registryLoads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spikescan",
			Subsystem: "registry",
			Name:      "loads_total",
			Help:      "Supported coin registry loads by outcome.",
		},
		[]string{"result"},
	)

	sourceFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "spikescan",
			Subsystem: "registry",
			Name:      "source_failures_total",
			Help:      "Supported coin sources that failed during a refresh.",
		},
	)

	spikesDetected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "spikescan",
			Subsystem: "market",
			Name:      "spikes",
			Help:      "Coins matching the spike filter in the latest snapshot.",
		},
	)

	cycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "spikescan",
			Subsystem: "pipeline",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one fetch, filter, render cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
	)
)

func init() {
	Registry.MustRegister(
		httpRequests,
		marketFetches,
		registryLoads,
		sourceFailures,
		spikesDetected,
		cycleDuration,
		collectors.NewGoCollector(),
	)
}

func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		recorder := &statusRecorder{ResponseWriter: writer, status: http.StatusOK}
		next.ServeHTTP(recorder, request)

		route := request.URL.Path
		if current := mux.CurrentRoute(request); current != nil {
			if template, err := current.GetPathTemplate(); err == nil {
				route = template
			}
		}

		httpRequests.WithLabelValues(request.Method, route, strconv.Itoa(recorder.status)).Inc()
	})
}
