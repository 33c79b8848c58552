package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChainRPCDuration tracks chain RPC latency by chain and operation
	ChainRPCDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "custody_chain_rpc_duration_seconds",
			Help:    "Chain RPC call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"chain", "operation"},
	)

	// ChainUnavailableTotal counts RPC calls that failed after retrying
	ChainUnavailableTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_chain_unavailable_total",
			Help: "Total number of chain calls that failed after retry",
		},
		[]string{"chain", "operation"},
	)

	// LastScannedBlock tracks the last fully recorded block per chain
	LastScannedBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "custody_last_scanned_block",
			Help: "Last fully recorded block number by chain",
		},
		[]string{"chain"},
	)

	// TransfersRecorded counts ledger entries created from chain logs
	TransfersRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_transfers_recorded_total",
			Help: "Total number of chain transfers recorded in the ledger",
		},
		[]string{"chain", "type"},
	)

	// MalformedLogs counts skipped transfer logs
	MalformedLogs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_malformed_logs_total",
			Help: "Total number of malformed transfer logs skipped",
		},
		[]string{"chain"},
	)

	// SweepsTotal counts sweep attempts by outcome
	SweepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_sweeps_total",
			Help: "Total number of sweep attempts",
		},
		[]string{"chain", "token", "status"},
	)

	// ReconciliationsTotal counts reconciled balances by outcome
	ReconciliationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_reconciliations_total",
			Help: "Total number of balance reconciliations by outcome",
		},
		[]string{"status"},
	)

	// InconsistenciesTotal counts internal inconsistencies. Any increase should page.
	InconsistenciesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_internal_inconsistencies_total",
			Help: "Total number of internal inconsistencies detected",
		},
		[]string{"component"},
	)

	// WithdrawalsTotal counts withdrawals by token and outcome
	WithdrawalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_withdrawals_total",
			Help: "Total number of withdrawals by outcome",
		},
		[]string{"token", "status"},
	)

	// LimitDecisions counts limit checks by result
	LimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_limit_decisions_total",
			Help: "Total number of limit checks by result",
		},
		[]string{"result"},
	)

	// StakingOperations counts staking operations by outcome
	StakingOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_staking_operations_total",
			Help: "Total number of staking operations",
		},
		[]string{"operation", "status"},
	)

	// NoncesAssigned counts nonces handed out per chain
	NoncesAssigned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_nonces_assigned_total",
			Help: "Total number of transaction nonces assigned",
		},
		[]string{"chain"},
	)

	// JobDuration tracks background job run time
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "custody_job_duration_seconds",
			Help:    "Background job duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"job"},
	)

	// ErrorsTotal counts errors by type
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)
)
