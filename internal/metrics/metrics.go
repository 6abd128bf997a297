// Package metrics exposes the relay's Prometheus collectors. Everything is
// registered on the default registry via promauto; Handler serves it.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActivitiesReceived counts admitted inbox activities by type.
	ActivitiesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_activities_received_total",
		Help: "Inbound activities admitted to the processor, by activity type.",
	}, []string{"type"})

	// ActivitiesProcessed counts activities that made it through a handler.
	ActivitiesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_activities_processed_total",
		Help: "Activities a processor handler completed.",
	})

	// ActivitiesDropped counts activities discarded before fan-out, by reason
	// (duplicate, rejected, unsupported, error).
	ActivitiesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_activities_dropped_total",
		Help: "Activities discarded before fan-out, by reason.",
	}, []string{"reason"})

	// Deliveries counts outbound POST attempts by outcome (ok, failed).
	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_deliveries_total",
		Help: "Outbound inbox deliveries, by outcome.",
	}, []string{"outcome"})

	// QueueDepth tracks the number of deliveries waiting for a push worker.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_queue_depth",
		Help: "Deliveries currently queued for the push workers.",
	})
)

// Handler returns the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
