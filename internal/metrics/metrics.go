// Package metrics registers the engine's Prometheus collectors and exposes
// them over /metrics. Counters are safe to call before Init; they are
// no-ops until registered.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"liqflow/logger"
)

var (
	once sync.Once

	eventsCollected *prometheus.CounterVec
	eventsDetected  *prometheus.CounterVec
	rawRejected     *prometheus.CounterVec
	storageErrors   *prometheus.CounterVec
	cascadeAlerts   *prometheus.CounterVec
	feedErrors      *prometheus.CounterVec
)

// Init registers the collectors and starts the metrics endpoint on addr.
func Init(addr string) {
	once.Do(func() {
		eventsCollected = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "liqflow_events_collected_total",
				Help: "Liquidation events accepted by the collector",
			},
			[]string{"exchange", "severity"},
		)
		eventsDetected = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "liqflow_events_detected_total",
				Help: "Liquidation events inferred by the pattern detector",
			},
			[]string{"exchange", "severity"},
		)
		rawRejected = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "liqflow_raw_rejected_total",
				Help: "Raw liquidation rows dropped during validation",
			},
			[]string{"exchange"},
		)
		storageErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "liqflow_storage_errors_total",
				Help: "Failed storage callback invocations",
			},
			[]string{"exchange"},
		)
		cascadeAlerts = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "liqflow_cascade_alerts_total",
				Help: "Cascade alerts emitted",
			},
			[]string{"severity"},
		)
		feedErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "liqflow_feed_errors_total",
				Help: "Exchange feed/poll failures",
			},
			[]string{"exchange"},
		)

		_ = prometheus.Register(eventsCollected)
		_ = prometheus.Register(eventsDetected)
		_ = prometheus.Register(rawRejected)
		_ = prometheus.Register(storageErrors)
		_ = prometheus.Register(cascadeAlerts)
		_ = prometheus.Register(feedErrors)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		if addr == "" {
			return
		}
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.GetLogger().WithComponent("metrics").WithError(err).Error("metrics server failed")
			}
		}()
	})
}

// IncEventCollected counts one accepted collector event.
func IncEventCollected(exchange, severity string) {
	if eventsCollected != nil {
		eventsCollected.WithLabelValues(exchange, severity).Inc()
	}
	PublishEventMetric("EventsCollected", exchange, severity, 1)
}

// IncEventDetected counts one pattern-detected event.
func IncEventDetected(exchange, severity string) {
	if eventsDetected != nil {
		eventsDetected.WithLabelValues(exchange, severity).Inc()
	}
	PublishEventMetric("EventsDetected", exchange, severity, 1)
}

// IncRawRejected counts one raw row dropped by validation.
func IncRawRejected(exchange string) {
	if rawRejected != nil {
		rawRejected.WithLabelValues(exchange).Inc()
	}
}

// IncStorageError counts one failed storage callback.
func IncStorageError(exchange string) {
	if storageErrors != nil {
		storageErrors.WithLabelValues(exchange).Inc()
	}
}

// IncCascadeAlert counts one emitted cascade alert.
func IncCascadeAlert(severity string) {
	if cascadeAlerts != nil {
		cascadeAlerts.WithLabelValues(severity).Inc()
	}
}

// IncFeedError counts one exchange feed or poll failure.
func IncFeedError(exchange string) {
	if feedErrors != nil {
		feedErrors.WithLabelValues(exchange).Inc()
	}
}
