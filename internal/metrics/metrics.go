// Package metrics exposes Prometheus collectors for the reward pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ingest
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rewards",
		Subsystem: "ingest",
		Name:      "webhook_events_total",
		Help:      "Webhook events received, by event type and outcome",
	}, []string{"type", "outcome"})

	IngestQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rewards",
		Subsystem: "ingest",
		Name:      "queue_depth",
		Help:      "Events waiting for an ingest worker",
	})

	EventProcessingLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "rewards",
		Subsystem: "ingest",
		Name:      "event_duration_seconds",
		Help:      "Time from dequeue to ledger write for one event",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"type"})

	// Ledger
	LedgerEntriesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rewards",
		Subsystem: "ledger",
		Name:      "entries_created_total",
		Help:      "Pending ledger entries created",
	}, []string{"action"})

	LedgerDuplicates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rewards",
		Subsystem: "ledger",
		Name:      "duplicates_total",
		Help:      "Redelivered engagements absorbed by the ledger",
	}, []string{"action"})

	RewardsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rewards",
		Subsystem: "ledger",
		Name:      "skipped_total",
		Help:      "Engagements that produced no ledger entry, by reason",
	}, []string{"reason"})

	LedgerEntriesByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "rewards",
		Subsystem: "ledger",
		Name:      "entries",
		Help:      "Ledger entries by status, sampled by the settler",
	}, []string{"status"})

	// Settlement
	SettlementBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rewards",
		Subsystem: "settlement",
		Name:      "batches_total",
		Help:      "Settlement batches by outcome",
	}, []string{"token", "outcome"})

	SettlementEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rewards",
		Subsystem: "settlement",
		Name:      "entries_total",
		Help:      "Ledger entries moved by settlement, by outcome",
	}, []string{"token", "outcome"})

	SettlementLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "rewards",
		Subsystem: "settlement",
		Name:      "cycle_duration_seconds",
		Help:      "Duration of one settlement cycle for a token",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"token"})

	SettlementPaused = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rewards",
		Subsystem: "settlement",
		Name:      "paused",
		Help:      "1 while settlement is paused because the executor lacks its role",
	})

	SettlementStuckBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rewards",
		Subsystem: "settlement",
		Name:      "stuck_batches_total",
		Help:      "Reconcile passes that found a batch transaction pending past its grace period",
	}, []string{"token"})

	SettlementReplacements = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rewards",
		Subsystem: "settlement",
		Name:      "replacements_total",
		Help:      "Batch transactions re-sent under their original nonce",
	}, []string{"token"})

	// Identity
	IdentityLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rewards",
		Subsystem: "identity",
		Name:      "lookups_total",
		Help:      "Identity lookups by source and outcome",
	}, []string{"source", "outcome"})

	// Notifications
	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rewards",
		Subsystem: "notify",
		Name:      "deliveries_total",
		Help:      "Notification deliveries by outcome",
	}, []string{"outcome"})

	// Chain RPC budget
	RPCBudgetConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rewards",
		Subsystem: "rpc",
		Name:      "budget_consumed_units_total",
		Help:      "Compute units admitted by the shared RPC budget",
	}, []string{"priority"})

	RPCBudgetWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "rewards",
		Subsystem: "rpc",
		Name:      "budget_wait_seconds",
		Help:      "Time spent waiting for RPC budget before a call",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"priority"})

	RPCBudgetExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rewards",
		Subsystem: "rpc",
		Name:      "budget_exhausted_total",
		Help:      "RPC calls abandoned after waiting the maximum time for budget",
	}, []string{"priority"})
)

// Outcome label values shared by the counters above
const (
	OutcomeAccepted    = "accepted"
	OutcomeRejected    = "rejected"
	OutcomeDropped     = "dropped"
	OutcomeConfirmed   = "confirmed"
	OutcomeReverted    = "reverted"
	OutcomeReleased    = "released"
	OutcomeFailed      = "failed"
	OutcomeSettled     = "settled"
	OutcomeHit         = "hit"
	OutcomeMiss        = "miss"
	OutcomeNotFound    = "not_found"
	OutcomeError       = "error"
	OutcomeDelivered   = "delivered"
	OutcomeNoToken     = "no_token"
	OutcomeInvalid     = "invalid_token"
	OutcomeRateLimited = "rate_limited"
)

// Handler serves the default registry in the Prometheus text format
func Handler() http.Handler {
	return promhttp.Handler()
}
