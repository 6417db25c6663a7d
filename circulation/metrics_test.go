package circulation_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/library-engine/circulation"
	"github.com/warp/library-engine/circulation/store"
)

// counterValue reads one labelled counter from the default registry.
func counterValue(t *testing.T, name, label, value string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestMetrics_FailedRepairCountsNothing(t *testing.T) {
	// GIVEN: a loan whose stored status is stale and a store that rejects writes
	mem := store.NewMemory()
	seedReferences(t, mem)
	seedLoan(t, mem, "l1", circulation.Loan{StudentID: "s1", BookID: "b1", DueDate: jan(1, 0)})
	r := circulation.NewReconciler(&failingStore{RecordStore: mem, failUpdate: true}, nil)
	before := counterValue(t, "library_loans_patched_total", "field", "status")

	// WHEN: the repair write fails
	_, err := r.ReconcileAt(context.Background(), jan(4, 0))

	// THEN: no patch is counted
	require.ErrorIs(t, err, circulation.ErrStore)
	assert.Equal(t, before, counterValue(t, "library_loans_patched_total", "field", "status"))
}

func TestMetrics_FailedApplyCountsNothing(t *testing.T) {
	// GIVEN: an already overdue loan, so only the fine write remains
	mem := store.NewMemory()
	seedReferences(t, mem)
	seedLoan(t, mem, "l1", circulation.Loan{
		StudentID: "s1", BookID: "b1", DueDate: jan(1, 0), Status: circulation.StatusOverdue,
	})
	r := circulation.NewReconciler(&failingStore{RecordStore: mem, failUpdate: true}, nil)
	created := counterValue(t, "library_fines_written_total", "op", "create")
	days := counterValue(t, "library_loans_patched_total", "field", "daysOverdue")

	// WHEN: the final write fails
	_, err := r.ReconcileAt(context.Background(), jan(4, 0))

	// THEN: neither the fine nor the loan patch is counted
	require.ErrorIs(t, err, circulation.ErrStore)
	assert.Equal(t, created, counterValue(t, "library_fines_written_total", "op", "create"))
	assert.Equal(t, days, counterValue(t, "library_loans_patched_total", "field", "daysOverdue"))
}

func TestMetrics_CommittedPassIsCounted(t *testing.T) {
	r, mem := newTestReconciler(t)
	seedLoan(t, mem, "l1", circulation.Loan{StudentID: "s1", BookID: "b1", DueDate: jan(1, 0)})
	status := counterValue(t, "library_loans_patched_total", "field", "status")
	created := counterValue(t, "library_fines_written_total", "op", "create")

	_, err := r.ReconcileAt(context.Background(), jan(4, 0))
	require.NoError(t, err)

	assert.Equal(t, status+1, counterValue(t, "library_loans_patched_total", "field", "status"))
	assert.Equal(t, created+1, counterValue(t, "library_fines_written_total", "op", "create"))
}
