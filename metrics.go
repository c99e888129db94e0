package spacekeeper

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gate metrics.
var (
	gateDecisionCountMetricVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spacekeeper_gate_decision_count",
		Help: "Number of primary election gate decisions by result.",
	}, []string{"space", "result"})

	gateWaitSecondsMetric = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spacekeeper_gate_wait_seconds",
		Help:    "Time spent waiting for another primary before election.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
	}, []string{"space"})

	recoverFailureCountMetricVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spacekeeper_recover_failure_count",
		Help: "Number of failed backup recovery attempts.",
	}, []string{"space"})

	pendingBackupRecoveryMetricVec = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "spacekeeper_pending_backup_recovery",
		Help: "Set to 1 while a backup recovery has not completed.",
	}, []string{"space"})
)

// Node metrics.
var (
	nodeModeMetricVec = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "spacekeeper_node_mode",
		Help: "Current mode of the space instance (0=none, 1=backup, 2=primary).",
	}, []string{"space"})

	nodeModeChangeCountMetricVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spacekeeper_node_mode_change_count",
		Help: "Number of mode transitions by target mode & outcome.",
	}, []string{"space", "mode", "outcome"})
)

// Space copy metrics.
var (
	copyPendingBatchesMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spacekeeper_copy_pending_fifo_batches",
		Help: "Number of out-of-order fifo batches waiting to be applied.",
	})

	copyAppliedBatchCountMetricVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spacekeeper_copy_applied_batch_count",
		Help: "Number of replica batches applied during space copy.",
	}, []string{"type"})

	copyAppliedItemCountMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spacekeeper_copy_applied_item_count",
		Help: "Number of replica data items applied during space copy.",
	})
)
