/*
trigger.go - Opportunistic reconciliation

PURPOSE:
  There is no background scheduler. Pages that show loans or fines ask the
  Trigger to reconcile first; the Trigger runs a pass at most once per
  MinInterval and otherwise lets the read go ahead on current data.

DESIGN:
  - Maybe: called before a read. A failed pass never fails the page; the
    caller gets a warning string and serves what the store holds.
  - Run: a forced pass (manual endpoint, after a return, CLI). Errors are
    returned to the caller.
  - Every pass is recorded under reconciliationRuns for audit and display.
  - Overdue notices for fines a pass created go out after the pass. Page
    triggers send them in the background so the page does not wait on
    the relay.
  - Callers that join a pass already in flight share its result but
    neither record it nor send its notices; the caller that ran it does.

SEE ALSO:
  - circulation/reconcile.go: The pass itself
  - notify/emitter.go: Overdue notices
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/warp/library-engine/circulation"
	"github.com/warp/library-engine/notify"
)

// CollectionRuns holds one record per reconciliation pass.
const CollectionRuns = "reconciliationRuns"

// WarnFinesStale is returned to readers when the pass before the read failed.
const WarnFinesStale = "failed to calculate fines"

const (
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// notifyTimeout bounds background overdue notices.
const notifyTimeout = 2 * time.Minute

// Run is a record under reconciliationRuns/{id}.
type Run struct {
	Trigger        string    `json:"trigger"`
	Status         string    `json:"status"`
	StartedAt      time.Time `json:"startedAt"`
	CompletedAt    time.Time `json:"completedAt"`
	Touched        int       `json:"touched"`
	StatusRepaired int       `json:"statusRepaired"`
	FinesCreated   int       `json:"finesCreated"`
	FinesUpdated   int       `json:"finesUpdated"`
	LoansSkipped   int       `json:"loansSkipped"`
	Error          string    `json:"error,omitempty"`
}

// Trigger runs reconciliation passes on demand.
type Trigger struct {
	Store      circulation.RecordStore
	Reconciler *circulation.Reconciler
	Emitter    *notify.Emitter // may be nil
	Logger     *slog.Logger

	// MinInterval is the least time between two opportunistic passes.
	MinInterval time.Duration

	Now func() time.Time

	mu   sync.Mutex
	last time.Time
	wg   sync.WaitGroup
}

func NewTrigger(store circulation.RecordStore, rec *circulation.Reconciler, em *notify.Emitter, logger *slog.Logger) *Trigger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trigger{
		Store:       store,
		Reconciler:  rec,
		Emitter:     em,
		Logger:      logger,
		MinInterval: time.Minute,
		Now:         time.Now,
	}
}

// Maybe runs a pass unless one ran within MinInterval. It returns
// WarnFinesStale when the pass failed and "" otherwise.
func (t *Trigger) Maybe(ctx context.Context) string {
	now := t.Now()

	t.mu.Lock()
	if !t.last.IsZero() && now.Sub(t.last) < t.MinInterval {
		t.mu.Unlock()
		return ""
	}
	t.last = now
	t.mu.Unlock()

	_, res, ran, err := t.pass(ctx, "page")
	if err != nil {
		// Let the next page retry instead of waiting out the interval.
		t.mu.Lock()
		t.last = time.Time{}
		t.mu.Unlock()
		return WarnFinesStale
	}

	if ran && len(res.FinesCreated) > 0 && t.Emitter != nil {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
			defer cancel()
			rep, err := t.Emitter.FinesCreated(nctx, res)
			if err != nil {
				t.Logger.Warn("overdue notices not sent", "error", err)
				return
			}
			t.Logger.Info("overdue notices", "sent", rep.Sent, "failed", rep.Failed, "skipped", rep.Skipped)
		}()
	}
	return ""
}

// Run forces a pass and sends the overdue notices it calls for before
// returning.
func (t *Trigger) Run(ctx context.Context, trigger string) (Run, circulation.Result, notify.Report, error) {
	run, res, ran, err := t.pass(ctx, trigger)
	if err != nil {
		return run, res, notify.Report{}, err
	}

	t.mu.Lock()
	t.last = run.CompletedAt
	t.mu.Unlock()

	var rep notify.Report
	if ran && t.Emitter != nil {
		rep, err = t.Emitter.FinesCreated(ctx, res)
		if err != nil {
			t.Logger.Warn("overdue notices not sent", "error", err)
			rep.Warnings = append(rep.Warnings, err.Error())
		}
	}
	return run, res, rep, nil
}

// Wait blocks until background notices have finished.
func (t *Trigger) Wait() {
	t.wg.Wait()
}

// pass runs or joins a reconciliation pass. ran is false when the result
// came from a pass another caller started; such a pass is not recorded
// again.
func (t *Trigger) pass(ctx context.Context, trigger string) (run Run, res circulation.Result, ran bool, err error) {
	run = Run{Trigger: trigger, StartedAt: t.Now().UTC()}

	res, ran, err = t.Reconciler.ReconcileShared(ctx)
	run.CompletedAt = t.Now().UTC()
	if err != nil {
		run.Status, run.Error = RunFailed, err.Error()
		t.Logger.Warn(WarnFinesStale, "trigger", trigger, "error", err)
	} else {
		run.Status = RunCompleted
		run.Touched = res.Touched
		run.StatusRepaired = res.StatusRepaired
		run.FinesCreated = len(res.FinesCreated)
		run.FinesUpdated = res.FinesUpdated
		run.LoansSkipped = res.LoansSkipped
	}

	if !ran {
		return run, res, ran, err
	}
	if _, perr := t.Store.Push(context.WithoutCancel(ctx), CollectionRuns, run); perr != nil {
		t.Logger.Warn("failed to record reconciliation run", "error", perr)
	}
	return run, res, ran, err
}

// Runs lists recorded passes newest first, optionally filtered by status.
// A limit of zero means all.
func Runs(ctx context.Context, store circulation.RecordStore, status string, limit int) ([]RunDTO, error) {
	tree, err := store.GetSubtree(ctx, CollectionRuns)
	if err != nil {
		return nil, fmt.Errorf("load reconciliation runs: %w", err)
	}

	runs := make([]RunDTO, 0, len(tree))
	for id, raw := range tree {
		var run Run
		if err := json.Unmarshal(raw, &run); err != nil {
			return nil, fmt.Errorf("decode reconciliation run %s: %w", id, err)
		}
		if status != "" && run.Status != status {
			continue
		}
		runs = append(runs, RunDTO{ID: id, Run: run})
	}

	// Push keys are time ordered.
	sort.Slice(runs, func(i, j int) bool { return runs[i].ID > runs[j].ID })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}
