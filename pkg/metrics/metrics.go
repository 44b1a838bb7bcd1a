package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersSubmitted counts orders accepted into the engine by side.
var OrdersSubmitted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tradecore_orders_submitted_total",
		Help: "Total number of orders submitted to the matching engine",
	},
	[]string{"side", "type"},
)

// OrdersRejected counts risk/liquidity rejections by reason.
var OrdersRejected = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tradecore_orders_rejected_total",
		Help: "Total number of orders rejected before or during matching",
	},
	[]string{"reason"},
)

// FillsRecorded counts fills written to the ledger.
var FillsRecorded = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "tradecore_fills_total",
		Help: "Total number of fills recorded",
	},
)

// MatchLatency records latency distribution for the in-memory match decision.
var MatchLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "tradecore_match_latency_seconds",
		Help:    "Latency in seconds from order dispatch to match decision",
		Buckets: prometheus.DefBuckets,
	},
)

// RebalanceRuns counts rebalance executions by trigger reason.
var RebalanceRuns = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tradecore_rebalance_runs_total",
		Help: "Total number of portfolio rebalance executions",
	},
	[]string{"reason"},
)

// RebalanceLegFailures counts rejected rebalance legs.
var RebalanceLegFailures = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "tradecore_rebalance_leg_failures_total",
		Help: "Total number of rebalance legs rejected by the risk gate or engine",
	},
)

// BookDepth tracks resting order count per pair and side.
var BookDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "tradecore_book_depth_orders",
		Help: "Number of resting orders in the book",
	},
	[]string{"pair", "side"},
)

func init() {
	prometheus.MustRegister(OrdersSubmitted, OrdersRejected, FillsRecorded, MatchLatency)
	prometheus.MustRegister(RebalanceRuns, RebalanceLegFailures, BookDepth)
}
