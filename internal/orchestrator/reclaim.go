package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/veriflow-labs/veriflow-go/internal/domain"
	"github.com/veriflow-labs/veriflow-go/internal/workflow"
)

const (
	// DefaultReclaimInterval paces the timed-out run reclaimer.
	DefaultReclaimInterval = time.Minute

	// defaultStepTimeout matches the execution backends' default for steps
	// that declare no timeout of their own.
	defaultStepTimeout = 10 * time.Minute

	// reclaimGrace keeps just-started runs out of the reclaim scan.
	reclaimGrace = time.Minute

	reclaimBatchSize = 100
)

// ReclaimTimedOut fails over RUNNING runs whose execution never reported
// back, for example an async validator container that crashed before posting
// its callback. A run is reclaimed once it has been RUNNING longer than the
// sum of its step timeouts; the transition to TIMED_OUT is conditional, so a
// run that finishes while being inspected is left alone. Returns the number
// of runs reclaimed.
func (o *Orchestrator) ReclaimTimedOut(ctx context.Context, now time.Time) (int, error) {
	records, err := o.runs.ListRunningBefore(ctx, now.Add(-reclaimGrace), reclaimBatchSize)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, run := range records {
		def, _, derr := o.resolveDefinition(ctx, run.OrgID, run.WorkflowID, run.WorkflowVersion)
		if derr != nil {
			o.log.Error("reclaim: workflow unavailable", "run_id", run.ID, "error", derr)
			continue
		}
		if now.Before(run.StartedAt.Add(runTimeLimit(def))) {
			continue
		}

		ended := now
		ok, uerr := o.runs.UpdateStatus(ctx, run.ID,
			[]domain.RunStatus{domain.RunStatusRunning},
			domain.RunStatusTimedOut, "run exceeded its step time limit", &ended)
		if uerr != nil {
			o.log.Error("transition run to TIMED_OUT", "run_id", run.ID, "error", uerr)
			continue
		}
		if !ok {
			continue
		}
		o.auditEvent(ctx, "system", "run.timed_out", run.ID, nil)
		o.cancelRunningSteps(ctx, run.ID, now)
		reclaimed++
	}
	return reclaimed, nil
}

// runTimeLimit is how long a run may stay RUNNING: the sum of its step
// timeouts, substituting the backend default for steps without one.
func runTimeLimit(def workflow.Definition) time.Duration {
	var total time.Duration
	for _, step := range def.Steps {
		if step.Timeout > 0 {
			total += step.Timeout
		} else {
			total += defaultStepTimeout
		}
	}
	if total <= 0 {
		total = defaultStepTimeout
	}
	return total
}

// Reclaimer runs ReclaimTimedOut on an interval.
type Reclaimer struct {
	orch     *Orchestrator
	interval time.Duration
	log      *slog.Logger
}

func NewReclaimer(orch *Orchestrator, interval time.Duration, log *slog.Logger) *Reclaimer {
	if interval <= 0 {
		interval = DefaultReclaimInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reclaimer{orch: orch, interval: interval, log: log}
}

// Run blocks until ctx is canceled.
func (r *Reclaimer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reclaimed, err := r.orch.ReclaimTimedOut(ctx, time.Now().UTC())
			if err != nil {
				r.log.Error("timed-out run reclaim failed", "error", err)
				continue
			}
			if reclaimed > 0 {
				r.log.Info("reclaimed timed-out runs", "count", reclaimed)
			}
		}
	}
}
