// SPDX-License-Identifier: MIT
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riven",
		Name:      "events_processed_total",
		Help:      "Pipeline events processed by service and result",
	}, []string{"service", "result"}) // result=committed|retry|failed|cancelled|blacklisted

	stateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riven",
		Name:      "state_transitions_total",
		Help:      "Item state transitions",
	}, []string{"from", "to"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "riven",
		Name:      "event_queue_depth",
		Help:      "Pending events in the queue",
	})

	inFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "riven",
		Name:      "items_in_flight",
		Help:      "Items currently claimed by a worker",
	})

	poolBusy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "riven",
		Name:      "pool_busy_workers",
		Help:      "Busy workers per service pool",
	}, []string{"service"})

	streamsDiscovered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riven",
		Name:      "streams_discovered_total",
		Help:      "Streams returned by scraper backends",
	}, []string{"backend"})

	streamsBlacklisted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riven",
		Name:      "streams_blacklisted_total",
		Help:      "Streams moved to item blacklists by reason",
	}, []string{"reason"})

	busDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riven",
		Name:      "bus_dropped_total",
		Help:      "Outbound bus messages dropped by topic and reason",
	}, []string{"topic", "reason"})

	schedulerTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riven",
		Name:      "scheduler_ticks_total",
		Help:      "Scheduler job executions",
	}, []string{"job"})

	invariantViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riven",
		Name:      "invariant_violations_total",
		Help:      "Detected internal invariant violations",
	}, []string{"kind"})
)

func RecordEvent(service, result string)   { eventsProcessed.WithLabelValues(service, result).Inc() }
func RecordTransition(from, to string)     { stateTransitions.WithLabelValues(from, to).Inc() }
func SetQueueDepth(n float64)              { queueDepth.Set(n) }
func IncInFlight()                         { inFlight.Inc() }
func DecInFlight()                         { inFlight.Dec() }
func SetPoolBusy(service string, n float64) { poolBusy.WithLabelValues(service).Set(n) }
func RecordStreams(backend string, n int) {
	streamsDiscovered.WithLabelValues(backend).Add(float64(n))
}
func RecordBlacklist(reason string)          { streamsBlacklisted.WithLabelValues(reason).Inc() }
func IncBusDropped(topic, reason string)     { busDropped.WithLabelValues(topic, reason).Inc() }
func RecordSchedulerTick(job string)         { schedulerTicks.WithLabelValues(job).Inc() }
func RecordInvariantViolation(kind string)   { invariantViolations.WithLabelValues(kind).Inc() }
