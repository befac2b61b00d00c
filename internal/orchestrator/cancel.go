package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/veriflow-labs/veriflow-go/internal/domain"
)

// Cancel moves a non-terminal run to CANCELED and makes a best-effort
// attempt to stop an in-flight execution. Steps that already finished keep
// their results; unstarted steps never run.
func (o *Orchestrator) Cancel(ctx context.Context, orgID, runID, actor string) error {
	run, err := o.runs.Get(ctx, orgID, runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}
	if status, serr := domain.NormalizeRunStatus(run.Status); serr == nil && status.Terminal() {
		return ErrRunTerminal
	}

	now := time.Now().UTC()
	ok, err := o.runs.UpdateStatus(ctx, runID,
		[]domain.RunStatus{domain.RunStatusPending, domain.RunStatusRunning},
		domain.RunStatusCanceled, "canceled", &now)
	if err != nil {
		return fmt.Errorf("transition run to CANCELED: %w", err)
	}
	if !ok {
		// Lost the race against a terminal transition.
		return ErrRunTerminal
	}
	o.auditEvent(ctx, actor, "run.canceled", runID, nil)
	o.cancelRunningSteps(ctx, runID, now)
	return nil
}

// cancelRunningSteps marks in-flight step runs CANCELED and makes a
// best-effort attempt to stop their executions. Shared by Cancel and the
// timed-out run reclaimer.
func (o *Orchestrator) cancelRunningSteps(ctx context.Context, runID string, now time.Time) {
	records, err := o.steps.ListByRun(ctx, runID)
	if err != nil {
		o.log.Error("list steps for cancel", "run_id", runID, "error", err)
		return
	}
	for _, record := range records {
		if record.Status != string(domain.StepStatusRunning) {
			continue
		}
		if _, serr := o.steps.UpdateStatus(ctx, runID, record.StepID,
			[]domain.StepStatus{domain.StepStatusRunning}, domain.StepStatusCanceled, nil, &now); serr != nil {
			o.log.Error("cancel step", "run_id", runID, "step_id", record.StepID, "error", serr)
		}
		if record.ExecutionID != "" && o.backend != nil {
			if cerr := o.backend.Cancel(ctx, record.ExecutionID); cerr != nil {
				o.log.Warn("best-effort execution cancel failed",
					"run_id", runID, "execution_id", record.ExecutionID, "error", cerr)
			}
		}
	}
}
