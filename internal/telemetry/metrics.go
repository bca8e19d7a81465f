// Package telemetry exposes the mesh daemon's edge metrics in Prometheus
// form. The engine itself keeps its counters in expvar; the daemon bridges
// the ones worth scraping into the registry here.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	FramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pinmesh",
			Name:      "frames_total",
			Help:      "Frames handled, labeled by direction and disposition.",
		},
		[]string{"direction", "disposition"},
	)

	PeersKnown = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pinmesh",
			Name:      "peers_known",
			Help:      "Peers currently in the registry.",
		},
	)

	MessagesInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pinmesh",
			Name:      "messages_in_flight",
			Help:      "Tracked messages awaiting acknowledgement.",
		},
	)

	DeliveryOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pinmesh",
			Name:      "delivery_outcomes_total",
			Help:      "Terminal outcomes of tracked sends.",
		},
		[]string{"outcome"},
	)

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pinmesh",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version).",
		},
		[]string{"version"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "pinmesh",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(FramesTotal, PeersKnown, MessagesInFlight, DeliveryOutcomes, buildInfo, uptime)
}

// MetricsHandler exposes /metrics. Mount it with
// mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup.
func SetBuildInfo(version string) {
	buildInfo.WithLabelValues(version).Set(1)
}
