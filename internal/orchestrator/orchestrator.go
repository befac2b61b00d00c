// Package orchestrator drives validation runs end to end: it launches runs,
// walks workflow steps through validator engines, resolves async callbacks
// and enforces that every status transition is conditional on the expected
// prior status.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/veriflow-labs/veriflow-go/internal/assertion"
	"github.com/veriflow-labs/veriflow-go/internal/dispatch"
	"github.com/veriflow-labs/veriflow-go/internal/domain"
	"github.com/veriflow-labs/veriflow-go/internal/execbackend"
	"github.com/veriflow-labs/veriflow-go/internal/platform/auditlog"
	"github.com/veriflow-labs/veriflow-go/internal/repo"
	"github.com/veriflow-labs/veriflow-go/internal/storage"
	"github.com/veriflow-labs/veriflow-go/internal/validator"
	"github.com/veriflow-labs/veriflow-go/internal/workflow"
)

const (
	DefaultWaitAttempts = 10
	DefaultWaitInterval = 500 * time.Millisecond
)

// ErrRunTerminal reports an operation against a run that already finished.
var ErrRunTerminal = errors.New("run is already terminal")

type Config struct {
	// WaitAttempts and WaitInterval bound the optimistic wait after launch:
	// fast runs return completed, slow runs return pending.
	WaitAttempts int
	WaitInterval time.Duration
	// SubmissionsBucket is where submission files live, keyed
	// <bucket>/<org>/<submission>.
	SubmissionsBucket string
	// CallbackURL is handed to async executions.
	CallbackURL string
}

type Params struct {
	Config    Config
	Runs      repo.RunRepository
	Steps     repo.StepRunRepository
	Workflows repo.WorkflowRepository
	Registry  *validator.Registry
	Engine    *assertion.Engine
	Store     storage.Store
	// Backend is only needed for best-effort cancellation of in-flight
	// executions; nil disables that.
	Backend execbackend.Backend
	// Audit is optional; nil disables the audit trail.
	Audit auditlog.QueryRower
	Log   *slog.Logger
}

type Orchestrator struct {
	cfg        Config
	runs       repo.RunRepository
	steps      repo.StepRunRepository
	workflows  repo.WorkflowRepository
	registry   *validator.Registry
	engine     *assertion.Engine
	store      storage.Store
	backend    execbackend.Backend
	dispatcher dispatch.Dispatcher
	audit      auditlog.QueryRower
	log        *slog.Logger
}

func New(p Params) (*Orchestrator, error) {
	if p.Runs == nil || p.Steps == nil || p.Workflows == nil {
		return nil, errors.New("run, step and workflow repositories are required")
	}
	if p.Registry == nil {
		return nil, errors.New("validator registry is required")
	}
	if p.Engine == nil {
		return nil, errors.New("assertion engine is required")
	}
	if p.Store == nil {
		return nil, errors.New("object store is required")
	}
	cfg := p.Config
	if cfg.WaitAttempts <= 0 {
		cfg.WaitAttempts = DefaultWaitAttempts
	}
	if cfg.WaitInterval <= 0 {
		cfg.WaitInterval = DefaultWaitInterval
	}
	if cfg.SubmissionsBucket == "" {
		cfg.SubmissionsBucket = "submissions"
	}
	log := p.Log
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		cfg:       cfg,
		runs:      p.Runs,
		steps:     p.Steps,
		workflows: p.Workflows,
		registry:  p.Registry,
		engine:    p.Engine,
		store:     p.Store,
		backend:   p.Backend,
		audit:     p.Audit,
		log:       log,
	}, nil
}

// SetDispatcher wires the dispatcher after construction; the inline
// dispatcher needs the orchestrator first.
func (o *Orchestrator) SetDispatcher(d dispatch.Dispatcher) {
	o.dispatcher = d
}

// WaitInterval is the effective poll interval of the post-launch wait, for
// callers that advertise it, such as a Retry-After header.
func (o *Orchestrator) WaitInterval() time.Duration {
	return o.cfg.WaitInterval
}

type LaunchInput struct {
	OrgID           string
	UserID          string
	WorkflowID      string
	WorkflowVersion int // 0 means latest
	SubmissionID    string
}

type LaunchResult struct {
	Run       repo.RunRecord
	Completed bool
	TaskID    string
}

// Launch persists a PENDING run, dispatches execution, then polls for a
// bounded interval so fast runs can return their terminal state
// immediately.
func (o *Orchestrator) Launch(ctx context.Context, in LaunchInput) (LaunchResult, error) {
	if o.dispatcher == nil {
		return LaunchResult{}, errors.New("dispatcher not wired")
	}
	if in.OrgID == "" || in.WorkflowID == "" {
		return LaunchResult{}, errors.New("org id and workflow id are required")
	}
	if in.SubmissionID == "" {
		return LaunchResult{}, errors.New("submission id is required")
	}

	def, version, err := o.resolveDefinition(ctx, in.OrgID, in.WorkflowID, in.WorkflowVersion)
	if err != nil {
		return LaunchResult{}, err
	}

	run, err := o.runs.Insert(ctx, repo.RunRecord{
		OrgID:           in.OrgID,
		WorkflowID:      def.ID,
		WorkflowVersion: version,
		SubmissionID:    in.SubmissionID,
		Status:          string(domain.RunStatusPending),
		StartedAt:       time.Now().UTC(),
	})
	if err != nil {
		return LaunchResult{}, fmt.Errorf("persist run: %w", err)
	}
	o.auditEvent(ctx, in.UserID, "run.launched", run.ID, map[string]any{
		"workflow_id": def.ID, "workflow_version": version, "submission_id": in.SubmissionID,
	})

	resp := o.dispatcher.Dispatch(ctx, dispatch.Request{
		RunID:  run.ID,
		OrgID:  in.OrgID,
		UserID: in.UserID,
	})
	if resp.Error != "" && !resp.IsSync {
		// The run row exists but nothing will execute it; fail it now so
		// clients polling the record see a terminal state.
		o.failRun(ctx, run.ID, "dispatch failed: "+resp.Error)
		run, _ = o.runs.Get(ctx, in.OrgID, run.ID)
		return LaunchResult{Run: run, Completed: true, TaskID: resp.TaskID}, nil
	}

	for attempt := 0; attempt < o.cfg.WaitAttempts; attempt++ {
		current, err := o.runs.Get(ctx, in.OrgID, run.ID)
		if err != nil {
			return LaunchResult{}, fmt.Errorf("poll run: %w", err)
		}
		if status, serr := domain.NormalizeRunStatus(current.Status); serr == nil && status.Terminal() {
			return LaunchResult{Run: current, Completed: true, TaskID: resp.TaskID}, nil
		}
		select {
		case <-ctx.Done():
			return LaunchResult{}, ctx.Err()
		case <-time.After(o.cfg.WaitInterval):
		}
	}

	current, err := o.runs.Get(ctx, in.OrgID, run.ID)
	if err != nil {
		return LaunchResult{}, fmt.Errorf("poll run: %w", err)
	}
	return LaunchResult{Run: current, TaskID: resp.TaskID}, nil
}

// ExecuteSteps walks the workflow from resumeFromStep (a step order; 0 means
// the beginning). Panics and infrastructure faults mark the run FAILED; a
// failing validation is a business outcome and returns nil.
func (o *Orchestrator) ExecuteSteps(ctx context.Context, orgID, runID string, resumeFromStep int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("run execution panicked", "run_id", runID, "panic", r)
			o.failRun(ctx, runID, fmt.Sprintf("internal error: %v", r))
			err = fmt.Errorf("run execution panicked: %v", r)
		}
	}()

	run, err := o.runs.Get(ctx, orgID, runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}
	status, err := domain.NormalizeRunStatus(run.Status)
	if err != nil {
		return err
	}
	if status.Terminal() {
		o.log.Warn("stale execution task for terminal run", "run_id", runID, "status", run.Status)
		return nil
	}
	if status == domain.RunStatusPending {
		ok, uerr := o.runs.UpdateStatus(ctx, runID, []domain.RunStatus{domain.RunStatusPending}, domain.RunStatusRunning, "", nil)
		if uerr != nil {
			return fmt.Errorf("transition run to RUNNING: %w", uerr)
		}
		if !ok {
			run, err = o.runs.Get(ctx, orgID, runID)
			if err != nil {
				return err
			}
			if status, serr := domain.NormalizeRunStatus(run.Status); serr == nil && status.Terminal() {
				o.log.Warn("run finished while claiming", "run_id", runID, "status", run.Status)
				return nil
			}
		}
	}

	def, _, err := o.resolveDefinition(ctx, orgID, run.WorkflowID, run.WorkflowVersion)
	if err != nil {
		o.failRun(ctx, runID, "workflow unavailable: "+err.Error())
		return nil
	}

	summary, prior, err := o.loadProgress(ctx, runID)
	if err != nil {
		return err
	}
	files := o.inputFiles(run)

	for _, step := range def.OrderedSteps() {
		if resumeFromStep > 0 && step.Order < resumeFromStep {
			continue
		}
		proceed, done, perr := o.claimStep(ctx, runID, step)
		if perr != nil {
			o.failRun(ctx, runID, perr.Error())
			return nil
		}
		if done {
			continue
		}
		if !proceed {
			return nil
		}

		result, verr := o.runStep(ctx, run, step, files, prior)
		if verr != nil {
			now := time.Now().UTC()
			output := mustMarshalStepOutput(domain.StepOutput{Issues: []domain.Issue{{
				Severity: domain.SeverityError,
				Code:     "step_execution_error",
				Message:  verr.Error(),
				StepID:   step.ID,
			}}})
			if _, serr := o.steps.UpdateStatus(ctx, runID, step.ID, []domain.StepStatus{domain.StepStatusRunning}, domain.StepStatusFailed, output, &now); serr != nil {
				o.log.Error("persist failed step", "run_id", runID, "step_id", step.ID, "error", serr)
			}
			o.failRun(ctx, runID, fmt.Sprintf("step %s: %v", step.ID, verr))
			return nil
		}

		if !result.Completed {
			if serr := o.steps.SetExecutionID(ctx, runID, step.ID, result.ExecutionID); serr != nil {
				o.failRun(ctx, runID, "record execution id: "+serr.Error())
				return nil
			}
			o.log.Info("step awaiting async completion", "run_id", runID, "step_id", step.ID, "execution_id", result.ExecutionID)
			return nil
		}

		if ferr := o.finalizeStep(ctx, runID, step, result, summary, prior); ferr != nil {
			return ferr
		}
		if !result.Passed {
			o.persistSummary(ctx, runID, summary)
			o.failRun(ctx, runID, fmt.Sprintf("step %s did not pass", step.ID))
			return nil
		}
	}

	o.persistSummary(ctx, runID, summary)
	now := time.Now().UTC()
	ok, err := o.runs.UpdateStatus(ctx, runID, []domain.RunStatus{domain.RunStatusRunning}, domain.RunStatusSucceeded, "", &now)
	if err != nil {
		return fmt.Errorf("transition run to SUCCEEDED: %w", err)
	}
	if ok {
		o.auditEvent(ctx, "system", "run.succeeded", runID, nil)
	}
	return nil
}

// claimStep creates or re-reads the step run. done means the step already
// succeeded; proceed=false means execution must stop here (async in flight
// or stale terminal step).
func (o *Orchestrator) claimStep(ctx context.Context, runID string, step workflow.Step) (proceed bool, done bool, err error) {
	record, inserted, err := o.steps.Insert(ctx, repo.StepRunRecord{
		RunID:     runID,
		StepID:    step.ID,
		StepOrder: step.Order,
		Status:    string(domain.StepStatusRunning),
		StartedAt: time.Now().UTC(),
	})
	if err != nil {
		return false, false, fmt.Errorf("claim step %s: %w", step.ID, err)
	}
	if inserted {
		return true, false, nil
	}

	status, serr := domain.NormalizeStepStatus(record.Status)
	if serr != nil {
		return false, false, serr
	}
	switch {
	case status == domain.StepStatusSucceeded:
		return false, true, nil
	case status.Terminal():
		o.log.Warn("stale task reached a terminal step", "run_id", runID, "step_id", step.ID, "status", record.Status)
		return false, false, nil
	case record.ExecutionID != "":
		o.log.Info("step already executing", "run_id", runID, "step_id", step.ID, "execution_id", record.ExecutionID)
		return false, false, nil
	default:
		// A previous attempt died between claiming and executing; rerun.
		return true, false, nil
	}
}

func (o *Orchestrator) runStep(ctx context.Context, run repo.RunRecord, step workflow.Step, files []string, prior map[string]any) (validator.StepResult, error) {
	eng, err := o.registry.Get(step.ValidatorType)
	if err != nil {
		return validator.StepResult{}, err
	}
	return eng.Validate(ctx, validator.ValidateInput{
		OrgID:        run.OrgID,
		RunID:        run.ID,
		WorkflowID:   run.WorkflowID,
		Step:         step,
		InputFiles:   files,
		PriorSignals: prior,
		CallbackURL:  o.cfg.CallbackURL,
	})
}

func (o *Orchestrator) finalizeStep(ctx context.Context, runID string, step workflow.Step, result validator.StepResult, summary map[string]domain.StepOutput, prior map[string]any) error {
	passed := result.Passed
	output := domain.StepOutput{Signals: result.Signals, Issues: result.Issues, Passed: &passed}
	to := domain.StepStatusSucceeded
	if !passed {
		to = domain.StepStatusFailed
	}
	now := time.Now().UTC()
	ok, err := o.steps.UpdateStatus(ctx, runID, step.ID, []domain.StepStatus{domain.StepStatusRunning}, to, mustMarshalStepOutput(output), &now)
	if err != nil {
		return fmt.Errorf("persist step %s: %w", step.ID, err)
	}
	if !ok {
		// Someone else finished this step; treat ours as the losing attempt.
		o.log.Warn("lost step finalize race", "run_id", runID, "step_id", step.ID)
		return nil
	}
	summary[step.ID] = output
	addPriorSignals(prior, step.ID, result.Signals)
	o.auditEvent(ctx, "system", "step."+string(to), runID, map[string]any{"step_id": step.ID})
	return nil
}

func (o *Orchestrator) loadProgress(ctx context.Context, runID string) (map[string]domain.StepOutput, map[string]any, error) {
	summary := make(map[string]domain.StepOutput)
	prior := make(map[string]any)
	records, err := o.steps.ListByRun(ctx, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("list step runs: %w", err)
	}
	for _, record := range records {
		if record.Status != string(domain.StepStatusSucceeded) {
			continue
		}
		var output domain.StepOutput
		if len(record.Output) > 0 {
			if uerr := json.Unmarshal(record.Output, &output); uerr != nil {
				o.log.Warn("unreadable stored step output", "run_id", runID, "step_id", record.StepID, "error", uerr)
				continue
			}
		}
		summary[record.StepID] = output
		addPriorSignals(prior, record.StepID, output.Signals)
	}
	return summary, prior, nil
}

func (o *Orchestrator) persistSummary(ctx context.Context, runID string, summary map[string]domain.StepOutput) {
	raw, err := json.Marshal(summary)
	if err != nil {
		o.log.Error("marshal run summary", "run_id", runID, "error", err)
		return
	}
	if err := o.runs.UpdateSummary(ctx, runID, raw); err != nil {
		o.log.Error("persist run summary", "run_id", runID, "error", err)
	}
}

func (o *Orchestrator) failRun(ctx context.Context, runID string, reason string) {
	now := time.Now().UTC()
	ok, err := o.runs.UpdateStatus(ctx, runID,
		[]domain.RunStatus{domain.RunStatusPending, domain.RunStatusRunning},
		domain.RunStatusFailed, reason, &now)
	if err != nil {
		o.log.Error("transition run to FAILED", "run_id", runID, "error", err)
		return
	}
	if ok {
		o.auditEvent(ctx, "system", "run.failed", runID, map[string]any{"reason": reason})
	}
}

func (o *Orchestrator) resolveDefinition(ctx context.Context, orgID, workflowID string, version int) (workflow.Definition, int, error) {
	var record repo.WorkflowRecord
	var err error
	if version > 0 {
		record, err = o.workflows.Get(ctx, orgID, workflowID, version)
	} else {
		record, err = o.workflows.GetLatest(ctx, orgID, workflowID)
	}
	if err != nil {
		return workflow.Definition{}, 0, fmt.Errorf("load workflow %s: %w", workflowID, err)
	}
	def, err := workflow.Parse(record.Definition)
	if err != nil {
		return workflow.Definition{}, 0, fmt.Errorf("parse workflow %s v%d: %w", workflowID, record.Version, err)
	}
	return def, record.Version, nil
}

func (o *Orchestrator) inputFiles(run repo.RunRecord) []string {
	return []string{fmt.Sprintf("%s/%s/%s", o.cfg.SubmissionsBucket, run.OrgID, run.SubmissionID)}
}

func (o *Orchestrator) auditEvent(ctx context.Context, actor, action, runID string, payload map[string]any) {
	if o.audit == nil {
		return
	}
	if actor == "" {
		actor = "system"
	}
	if _, err := auditlog.Insert(ctx, o.audit, auditlog.Event{
		OccurredAt:   time.Now().UTC(),
		Actor:        actor,
		Action:       action,
		ResourceType: "validation_run",
		ResourceID:   runID,
		Payload:      payload,
	}); err != nil {
		o.log.Error("audit insert failed", "action", action, "run_id", runID, "error", err)
	}
}

func addPriorSignals(prior map[string]any, stepID string, signals domain.Signals) {
	if len(signals) == 0 {
		return
	}
	steps, ok := prior["steps"].(map[string]any)
	if !ok {
		steps = make(map[string]any)
		prior["steps"] = steps
	}
	steps[stepID] = map[string]any(signals.Clone())
}

func mustMarshalStepOutput(output domain.StepOutput) json.RawMessage {
	raw, err := json.Marshal(output)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}
