// Package metrics declares the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "salesledger"

// ─── Sales ──────────────────────────────────────────────────────────────────

var SalesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "sales",
	Name:      "transitions_total",
	Help:      "Sales moved into a status, by resulting status.",
}, []string{"status"})

var CommissionAmount = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "sales",
	Name:      "commission_amount_total",
	Help:      "Sum of commission amounts recorded at confirmation, by classification.",
}, []string{"classification"})

var RefundsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "sales",
	Name:      "refunds_total",
	Help:      "Refunds recorded against confirmed sales.",
})

// ─── Ledger ─────────────────────────────────────────────────────────────────

var UnitsGranted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "units_granted_total",
	Help:      "Package units granted, by grant source.",
}, []string{"source"})

var UnitsConsumed = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "units_consumed_total",
	Help:      "Package units debited by confirmed consumption lines.",
})

var InsufficientBalance = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "insufficient_balance_total",
	Help:      "Operations rejected because a package had too few units.",
})

var TxConflicts = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "tx_conflicts_total",
	Help:      "Units of work that hit a serialization conflict and were retried or failed.",
})

// ─── Audit ──────────────────────────────────────────────────────────────────

var DivergentPackages = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "audit",
	Name:      "divergent_packages",
	Help:      "Packages whose stored counters disagree with their history at the last full audit.",
})

var AuditDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "audit",
	Name:      "run_duration_seconds",
	Help:      "Wall time of a full ledger audit.",
	Buckets:   prometheus.DefBuckets,
})

var Corrections = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "audit",
	Name:      "corrections_total",
	Help:      "Explicit ledger corrections, by mode.",
}, []string{"mode"})

// ─── HTTP ───────────────────────────────────────────────────────────────────

var HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "http",
	Name:      "requests_total",
	Help:      "HTTP requests by method, route pattern and status code.",
}, []string{"method", "route", "code"})

var HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "http",
	Name:      "request_duration_seconds",
	Help:      "HTTP request latency by route pattern.",
	Buckets:   prometheus.DefBuckets,
}, []string{"route"})
