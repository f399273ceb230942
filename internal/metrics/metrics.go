// Package metrics registers the daemon's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SegmentsPersistedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stenod_segments_persisted_total",
		Help: "Total number of finalized segments persisted, by source",
	}, []string{"source"})

	SegmentPersistFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stenod_segment_persist_failures_total",
		Help: "Total number of segment persist failures",
	})

	EventsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stenod_events_dropped_total",
		Help: "Total number of wire events dropped per reason (slow or gone clients)",
	}, []string{"reason"})

	EventsDeliveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stenod_events_delivered_total",
		Help: "Total number of wire events delivered to subscribers, by tag",
	}, []string{"event"})

	SubscribersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stenod_subscribers",
		Help: "Current number of subscribed clients",
	})

	CoordinatorRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stenod_coordinator_runs_total",
		Help: "Total number of summary coordinator runs, by outcome",
	}, []string{"outcome"})

	LLMTimeoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stenod_llm_timeouts_total",
		Help: "Total number of LLM calls that hit the configured timeout, by operation",
	}, []string{"operation"})
)

// IncEventDropped records a dropped wire event with a concrete reason.
func IncEventDropped(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	EventsDroppedTotal.WithLabelValues(reason).Inc()
}
