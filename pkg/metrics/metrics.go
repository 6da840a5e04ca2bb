package metrics

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

	registerOnce sync.Once

	hostCollectDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fleet",
		Subsystem: "collector",
		Name:      "host_collect_duration_seconds",
		Help:      "Latency distribution of per-host container collection",
		Buckets:   histogramBuckets,
	}, []string{"source", "outcome"})

	digestResolutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleet",
		Subsystem: "registry",
		Name:      "digest_resolutions_total",
		Help:      "Digest to tag resolutions by registry and outcome",
	}, []string{"registry", "outcome"})

	metadataLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleet",
		Subsystem: "metadata",
		Name:      "lookups_total",
		Help:      "Icon and description lookups by tier that produced the value",
	}, []string{"kind", "tier"})

	requestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleet",
		Subsystem: "api",
		Name:      "http_requests_total",
		Help:      "Count of processed HTTP requests",
	}, []string{"method", "route", "status"})

	requestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fleet",
		Subsystem: "api",
		Name:      "http_request_duration_seconds",
		Help:      "Latency distribution of HTTP handlers",
		Buckets:   histogramBuckets,
	}, []string{"method", "route", "status"})
)

// Register adds all fleet collectors to the default Prometheus registry.
// Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		collectors := []prometheus.Collector{
			hostCollectDuration, digestResolutions, metadataLookups, requestTotal, requestLatency,
		}
		for _, collector := range collectors {
			if err := prometheus.Register(collector); err != nil {
				var are prometheus.AlreadyRegisteredError
				if !errors.As(err, &are) {
					panic(err)
				}
			}
		}
	})
}

// ObserveHostCollect records how long one host took and how it ended
func ObserveHostCollect(source, outcome string, d time.Duration) {
	hostCollectDuration.WithLabelValues(source, outcome).Observe(d.Seconds())
}

// IncDigestResolution counts one digest resolution outcome
func IncDigestResolution(registry, outcome string) {
	digestResolutions.WithLabelValues(registry, outcome).Inc()
}

// IncMetadataLookup counts one metadata value and the tier that produced it
func IncMetadataLookup(kind, tier string) {
	metadataLookups.WithLabelValues(kind, tier).Inc()
}

// ObserveRequest records one HTTP request
func ObserveRequest(method, route string, status int, d time.Duration) {
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	requestTotal.With(labels).Inc()
	requestLatency.With(labels).Observe(d.Seconds())
}
