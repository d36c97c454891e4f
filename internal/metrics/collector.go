package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors for the gate -> receipt -> ledger path. Registered on the
// default registry and exposed through /metrics.
var (
	DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "postforge_policy_decisions_total",
		Help: "Terminal policy gate decisions by status.",
	}, []string{"status"})

	StageFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "postforge_stage_failures_total",
		Help: "Pipeline stage failures by stage and classification.",
	}, []string{"stage", "class"})

	BreakerDegradedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "postforge_breaker_degraded_total",
		Help: "Stage calls served from the last known good output.",
	}, []string{"scope"})

	ReceiptsIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "postforge_receipts_issued_total",
		Help: "Enforcement receipts issued.",
	})

	ReceiptConsumeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "postforge_receipt_consume_total",
		Help: "Receipt consume attempts by outcome.",
	}, []string{"outcome"})

	LedgerAppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "postforge_ledger_appends_total",
		Help: "Ledger append attempts by mode and event type.",
	}, []string{"mode", "event_type"})

	GuardrailReductionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "postforge_guardrail_reductions_total",
		Help: "Guardrail reductions applied by rule.",
	}, []string{"rule"})

	ReconcileMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "postforge_reconcile_mismatches_total",
		Help: "Cached-balance mismatches found by the reconciliation job.",
	})

	ReconcileAdjustments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "postforge_reconcile_adjustments_total",
		Help: "ADJUSTMENT entries appended by the reconciliation job.",
	})

	ReconcileLastDrift = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "postforge_reconcile_last_drift",
		Help: "Most recent drift (cached minus ledger) observed per user.",
	}, []string{"user_id"})
)
