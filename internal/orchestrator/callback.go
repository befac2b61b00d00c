package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/veriflow-labs/veriflow-go/internal/dispatch"
	"github.com/veriflow-labs/veriflow-go/internal/domain"
	"github.com/veriflow-labs/veriflow-go/internal/envelope"
	"github.com/veriflow-labs/veriflow-go/internal/repo"
	"github.com/veriflow-labs/veriflow-go/internal/storage"
	"github.com/veriflow-labs/veriflow-go/internal/validator"
)

// Callback is an async validator reporting completion.
type Callback struct {
	OrgID             string
	RunID             string
	ExecutionID       string
	Status            string
	OutputEnvelopeURI string
	Messages          []envelope.Message
	Error             string
}

// ResolveCallback finalizes the step a callback belongs to and resumes the
// run at the next step. It is idempotent per (runID, executionID): stale or
// duplicate callbacks, unknown execution ids and terminal runs are logged
// no-ops, never errors.
func (o *Orchestrator) ResolveCallback(ctx context.Context, cb Callback) error {
	if strings.TrimSpace(cb.RunID) == "" || strings.TrimSpace(cb.ExecutionID) == "" {
		o.log.Warn("callback missing run or execution id", "run_id", cb.RunID, "execution_id", cb.ExecutionID)
		return nil
	}

	run, err := o.runs.Get(ctx, cb.OrgID, cb.RunID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			o.log.Warn("callback for unknown run", "run_id", cb.RunID, "execution_id", cb.ExecutionID)
			return nil
		}
		return fmt.Errorf("load run %s: %w", cb.RunID, err)
	}
	if status, serr := domain.NormalizeRunStatus(run.Status); serr == nil && status.Terminal() {
		o.log.Warn("callback for terminal run ignored", "run_id", cb.RunID, "status", run.Status)
		return nil
	}

	record, found, err := o.findStepByExecution(ctx, cb.RunID, cb.ExecutionID)
	if err != nil {
		return err
	}
	if !found {
		o.log.Warn("callback with unmatched execution id ignored",
			"run_id", cb.RunID, "execution_id", cb.ExecutionID)
		return nil
	}
	if status, serr := domain.NormalizeStepStatus(record.Status); serr == nil && status.Terminal() {
		o.log.Info("duplicate callback ignored", "run_id", cb.RunID, "step_id", record.StepID, "execution_id", cb.ExecutionID)
		return nil
	}

	def, _, err := o.resolveDefinition(ctx, run.OrgID, run.WorkflowID, run.WorkflowVersion)
	if err != nil {
		o.failRun(ctx, run.ID, "workflow unavailable: "+err.Error())
		return nil
	}
	step, ok := def.StepByID(record.StepID)
	if !ok {
		o.failRun(ctx, run.ID, fmt.Sprintf("step %s missing from workflow definition", record.StepID))
		return nil
	}

	out, err := o.callbackOutput(ctx, cb)
	if err != nil {
		o.log.Warn("callback output unreadable, failing step", "run_id", cb.RunID, "step_id", step.ID, "error", err)
		out = envelope.Output{
			Schema:      envelope.OutputSchemaV1,
			RunID:       cb.RunID,
			StepID:      step.ID,
			ExecutionID: cb.ExecutionID,
			Status:      envelope.StatusRuntimeFailure,
			Error:       err.Error(),
		}
	}
	if out.ExecutionID != "" && out.ExecutionID != cb.ExecutionID {
		o.log.Warn("output envelope execution id mismatch, ignoring callback",
			"run_id", cb.RunID, "callback_execution_id", cb.ExecutionID, "envelope_execution_id", out.ExecutionID)
		return nil
	}

	summary, prior, err := o.loadProgress(ctx, cb.RunID)
	if err != nil {
		return err
	}
	result := validator.ProjectOutput(ctx, o.engine, step, out, prior)
	result.ExecutionID = cb.ExecutionID

	if err := o.finalizeStep(ctx, cb.RunID, step, result, summary, prior); err != nil {
		return err
	}
	if !result.Passed {
		o.persistSummary(ctx, cb.RunID, summary)
		o.failRun(ctx, cb.RunID, fmt.Sprintf("step %s did not pass", step.ID))
		return nil
	}
	o.persistSummary(ctx, cb.RunID, summary)
	return o.resume(ctx, run, step.Order+1)
}

// resume continues the run after a finalized async step, preferring the
// dispatcher so the work lands on the queue; without one it executes
// directly.
func (o *Orchestrator) resume(ctx context.Context, run repo.RunRecord, fromStep int) error {
	if o.dispatcher != nil && !o.dispatcher.IsSync() {
		resp := o.dispatcher.Dispatch(ctx, dispatch.Request{
			RunID:          run.ID,
			OrgID:          run.OrgID,
			ResumeFromStep: fromStep,
		})
		if resp.Error != "" {
			o.failRun(ctx, run.ID, "resume dispatch failed: "+resp.Error)
		}
		return nil
	}
	return o.ExecuteSteps(ctx, run.OrgID, run.ID, fromStep)
}

func (o *Orchestrator) findStepByExecution(ctx context.Context, runID, executionID string) (repo.StepRunRecord, bool, error) {
	records, err := o.steps.ListByRun(ctx, runID)
	if err != nil {
		return repo.StepRunRecord{}, false, fmt.Errorf("list step runs: %w", err)
	}
	for _, record := range records {
		if record.ExecutionID == executionID {
			return record, true, nil
		}
	}
	return repo.StepRunRecord{}, false, nil
}

func (o *Orchestrator) callbackOutput(ctx context.Context, cb Callback) (envelope.Output, error) {
	if strings.TrimSpace(cb.OutputEnvelopeURI) != "" {
		raw, err := o.store.Read(ctx, storage.PathFromURI(cb.OutputEnvelopeURI))
		if err != nil {
			return envelope.Output{}, fmt.Errorf("read output envelope: %w", err)
		}
		return envelope.UnmarshalOutput(raw)
	}

	status := envelope.Status(strings.ToUpper(strings.TrimSpace(cb.Status)))
	switch status {
	case envelope.StatusSuccess, envelope.StatusValidationFailure, envelope.StatusRuntimeFailure:
	default:
		return envelope.Output{}, fmt.Errorf("callback carries neither an envelope uri nor a known status (%q)", cb.Status)
	}
	return envelope.Output{
		Schema:      envelope.OutputSchemaV1,
		RunID:       cb.RunID,
		ExecutionID: cb.ExecutionID,
		Status:      status,
		Messages:    cb.Messages,
		Error:       cb.Error,
	}, nil
}
