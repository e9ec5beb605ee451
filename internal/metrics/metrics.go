// Package metrics exposes Prometheus instrumentation for the trading node.
// All collectors are registered on the default registry and served on
// /metrics by the API server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsTotal counts events handled by the loop, labeled by kind.
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradenode_events_total",
		Help: "Events processed by the event loop, by kind.",
	}, []string{"kind"})

	// EventsDropped counts ticks dropped (coalesced) under backpressure.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradenode_ticks_coalesced_total",
		Help: "Tick events superseded before the loop could read them.",
	})

	// SlowEvents counts events whose handler exceeded the slow threshold.
	SlowEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradenode_slow_events_total",
		Help: "Events whose handler exceeded the configured slow threshold.",
	}, []string{"kind"})

	// EventLatency observes per-event handler latency in seconds.
	EventLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradenode_event_latency_seconds",
		Help:    "Handler latency per event.",
		Buckets: []float64{1e-6, 1e-5, 1e-4, 5e-4, 1e-3, 5e-3, 1e-2, 1e-1},
	}, []string{"kind"})

	// ExecutionsTotal counts settled executions, labeled by side.
	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradenode_executions_total",
		Help: "Settled executions, by side.",
	}, []string{"side"})

	// SettlementRollbacks counts settlements rolled back after retries.
	SettlementRollbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradenode_settlement_rollbacks_total",
		Help: "Settlements rolled back after exhausting retries.",
	})

	// QueueDepth gauges the current event channel occupancy.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradenode_event_queue_depth",
		Help: "Events waiting in the loop channel.",
	})

	// ActiveOrders gauges the number of orders in the live book.
	ActiveOrders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradenode_active_orders",
		Help: "Orders currently in the live book.",
	})

	// RejectedSubmits counts submissions refused before entering the loop.
	RejectedSubmits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradenode_rejected_submits_total",
		Help: "Order submissions refused, by reason.",
	}, []string{"reason"})
)
