// Package metrics holds the Prometheus collectors shared by the API, the
// reconciler and the ledger allocator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "prepaid"

// ─── HTTP ───────────────────────────────────────────────────────────────────

var HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "http",
	Name:      "requests_total",
	Help:      "HTTP requests by method, route and status code.",
}, []string{"method", "route", "status"})

var HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "http",
	Name:      "request_duration_seconds",
	Help:      "HTTP request latency by method and route.",
	Buckets:   prometheus.DefBuckets,
}, []string{"method", "route"})

// ─── Ledger ─────────────────────────────────────────────────────────────────

// LedgerAllocations counts allocation calls by kind and outcome
// (ok, not_resolved, insufficient, conflict, error).
var LedgerAllocations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "allocations_total",
	Help:      "Allocation attempts by credit kind and outcome.",
}, []string{"kind", "outcome"})

var LedgerConflictRetries = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "conflict_retries_total",
	Help:      "Allocations restarted after losing a compare-and-set race.",
})

var LedgerCompensationFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "compensation_failures_total",
	Help:      "Partial allocations that could not be rolled back.",
})

// ─── Inventory ──────────────────────────────────────────────────────────────

var InventoryDecrements = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "inventory",
	Name:      "decrements_total",
	Help:      "Order line decrements by outcome (ok, floored, skipped, failed).",
}, []string{"outcome"})

var InventoryResyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "inventory",
	Name:      "resync_duration_seconds",
	Help:      "Duration of a full storefront resync.",
	Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
})

var InventoryResyncItems = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "inventory",
	Name:      "resync_items_total",
	Help:      "Products visited by full resync, by outcome (synced, unchanged, failed).",
}, []string{"outcome"})

var InventoryPendingSagas = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "inventory",
	Name:      "pending_sagas",
	Help:      "Order decrements whose storefront write has no matching warehouse write yet.",
})

// ─── Orders ─────────────────────────────────────────────────────────────────

var OrderTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "orders",
	Name:      "transitions_total",
	Help:      "Order status transitions by target status and outcome.",
}, []string{"to", "outcome"})
