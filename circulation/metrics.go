package circulation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reconcilePasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "library_reconcile_passes_total",
		Help: "Reconciliation passes by outcome",
	}, []string{"outcome"})

	reconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "library_reconcile_duration_seconds",
		Help:    "Time to run one reconciliation pass",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	finesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "library_fines_written_total",
		Help: "Fine records created or amended by reconciliation",
	}, []string{"op"})

	loansPatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "library_loans_patched_total",
		Help: "Loan records patched by reconciliation",
	}, []string{"field"})

	loansSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "library_loans_skipped_total",
		Help: "Overdue loans skipped for fine purposes",
	}, []string{"reason"})
)
