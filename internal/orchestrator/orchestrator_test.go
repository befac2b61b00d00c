package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/veriflow-labs/veriflow-go/internal/assertion"
	"github.com/veriflow-labs/veriflow-go/internal/dispatch"
	"github.com/veriflow-labs/veriflow-go/internal/domain"
	"github.com/veriflow-labs/veriflow-go/internal/envelope"
	"github.com/veriflow-labs/veriflow-go/internal/repo"
	"github.com/veriflow-labs/veriflow-go/internal/repo/memory"
	"github.com/veriflow-labs/veriflow-go/internal/storage"
	"github.com/veriflow-labs/veriflow-go/internal/validator"
)

// scriptedEngine returns canned results per step id and records call order.
type scriptedEngine struct {
	results map[string]validator.StepResult
	calls   []string
}

func (e *scriptedEngine) Type() string             { return "scripted" }
func (e *scriptedEngine) RequiresRunContext() bool { return false }

func (e *scriptedEngine) Validate(_ context.Context, in validator.ValidateInput) (validator.StepResult, error) {
	e.calls = append(e.calls, in.Step.ID)
	if r, ok := e.results[in.Step.ID]; ok {
		return r, nil
	}
	return passResult(nil), nil
}

func passResult(signals domain.Signals) validator.StepResult {
	return validator.StepResult{
		Completed: true,
		Status:    envelope.StatusSuccess,
		Passed:    true,
		Signals:   signals,
	}
}

func failResult() validator.StepResult {
	return validator.StepResult{
		Completed: true,
		Status:    envelope.StatusValidationFailure,
		Issues: []domain.Issue{{
			Severity: domain.SeverityError, Code: "assertion_failed", Message: "limit exceeded",
		}},
	}
}

type fixture struct {
	orch   *Orchestrator
	runs   *memory.RunStore
	steps  *memory.StepRunStore
	engine *scriptedEngine
}

func threeStepYAML() []byte {
	return []byte(`
schema: veriflow.workflow.v1
id: energy-checks
version: 1
steps:
  - id: structure
    order: 1
    validator_type: scripted
  - id: simulation
    order: 2
    validator_type: scripted
  - id: reporting
    order: 3
    validator_type: scripted
`)
}

func newFixture(t *testing.T, results map[string]validator.StepResult) *fixture {
	t.Helper()
	runs := memory.NewRunStore()
	steps := memory.NewStepRunStore()
	workflows := memory.NewWorkflowStore()

	if _, err := workflows.Insert(context.Background(), repo.WorkflowRecord{
		ID: "energy-checks", OrgID: "org-1", Version: 1, Definition: threeStepYAML(),
	}); err != nil {
		t.Fatalf("seed workflow: %v", err)
	}

	eng := &scriptedEngine{results: results}
	orch, err := New(Params{
		Config:    Config{WaitAttempts: 2, WaitInterval: time.Millisecond},
		Runs:      runs,
		Steps:     steps,
		Workflows: workflows,
		Registry:  validator.NewRegistry(eng),
		Engine:    assertion.DefaultEngine(0),
		Store:     storage.NewMemoryStore(),
	})
	if err != nil {
		t.Fatalf("New err=%v", err)
	}
	orch.SetDispatcher(dispatch.NewInlineDispatcher(orch, nil))
	return &fixture{orch: orch, runs: runs, steps: steps, engine: eng}
}

func launch(t *testing.T, f *fixture) LaunchResult {
	t.Helper()
	result, err := f.orch.Launch(context.Background(), LaunchInput{
		OrgID: "org-1", UserID: "user-1", WorkflowID: "energy-checks", SubmissionID: "sub-1",
	})
	if err != nil {
		t.Fatalf("Launch err=%v", err)
	}
	return result
}

func TestLaunchCompletesFastRun(t *testing.T) {
	f := newFixture(t, nil)
	result := launch(t, f)

	if !result.Completed {
		t.Fatalf("expected completed launch")
	}
	if result.Run.Status != string(domain.RunStatusSucceeded) {
		t.Fatalf("status=%s", result.Run.Status)
	}
	if len(f.engine.calls) != 3 {
		t.Fatalf("calls=%v", f.engine.calls)
	}
}

func TestExecuteStepsFailFast(t *testing.T) {
	f := newFixture(t, map[string]validator.StepResult{"simulation": failResult()})
	result := launch(t, f)

	if result.Run.Status != string(domain.RunStatusFailed) {
		t.Fatalf("status=%s", result.Run.Status)
	}
	// The third step must never start once the second fails.
	for _, call := range f.engine.calls {
		if call == "reporting" {
			t.Fatalf("reporting ran after simulation failed: %v", f.engine.calls)
		}
	}
	record, err := f.steps.Get(context.Background(), result.Run.ID, "simulation")
	if err != nil {
		t.Fatalf("Get step err=%v", err)
	}
	if record.Status != string(domain.StepStatusFailed) {
		t.Fatalf("step status=%s", record.Status)
	}
	if _, err := f.steps.Get(context.Background(), result.Run.ID, "reporting"); err == nil {
		t.Fatalf("reporting step run must not exist")
	}
}

func TestExecuteStepsPersistsSummaryAndSignals(t *testing.T) {
	f := newFixture(t, map[string]validator.StepResult{
		"structure": passResult(domain.Signals{"zone_count": 4}),
	})
	result := launch(t, f)

	var summary map[string]domain.StepOutput
	if err := json.Unmarshal(result.Run.Summary, &summary); err != nil {
		t.Fatalf("summary unmarshal: %v", err)
	}
	if summary["structure"].Signals["zone_count"] != float64(4) {
		t.Fatalf("summary=%v", summary)
	}
}

func TestAsyncStepLeavesRunRunningUntilCallback(t *testing.T) {
	f := newFixture(t, map[string]validator.StepResult{
		"simulation": {Completed: false, ExecutionID: "exec-1"},
	})
	result := launch(t, f)

	if result.Completed {
		t.Fatalf("async run must not complete inline")
	}
	if result.Run.Status != string(domain.RunStatusRunning) {
		t.Fatalf("status=%s", result.Run.Status)
	}
	record, err := f.steps.Get(context.Background(), result.Run.ID, "simulation")
	if err != nil {
		t.Fatalf("Get step err=%v", err)
	}
	if record.Status != string(domain.StepStatusRunning) || record.ExecutionID != "exec-1" {
		t.Fatalf("step=%+v", record)
	}

	err = f.orch.ResolveCallback(context.Background(), Callback{
		OrgID: "org-1", RunID: result.Run.ID, ExecutionID: "exec-1", Status: "SUCCESS",
	})
	if err != nil {
		t.Fatalf("ResolveCallback err=%v", err)
	}

	run, _ := f.runs.Get(context.Background(), "org-1", result.Run.ID)
	if run.Status != string(domain.RunStatusSucceeded) {
		t.Fatalf("run status after callback=%s", run.Status)
	}
	record, _ = f.steps.Get(context.Background(), result.Run.ID, "reporting")
	if record.Status != string(domain.StepStatusSucceeded) {
		t.Fatalf("reporting did not resume: %+v", record)
	}
}

func TestResolveCallbackIgnoresMismatchedExecutionID(t *testing.T) {
	f := newFixture(t, map[string]validator.StepResult{
		"simulation": {Completed: false, ExecutionID: "exec-1"},
	})
	result := launch(t, f)

	err := f.orch.ResolveCallback(context.Background(), Callback{
		OrgID: "org-1", RunID: result.Run.ID, ExecutionID: "exec-stale", Status: "SUCCESS",
	})
	if err != nil {
		t.Fatalf("ResolveCallback err=%v", err)
	}
	run, _ := f.runs.Get(context.Background(), "org-1", result.Run.ID)
	if run.Status != string(domain.RunStatusRunning) {
		t.Fatalf("mismatched callback changed run status to %s", run.Status)
	}
}

func TestResolveCallbackDuplicateIsNoOp(t *testing.T) {
	f := newFixture(t, map[string]validator.StepResult{
		"simulation": {Completed: false, ExecutionID: "exec-1"},
	})
	result := launch(t, f)

	cb := Callback{OrgID: "org-1", RunID: result.Run.ID, ExecutionID: "exec-1", Status: "SUCCESS"}
	if err := f.orch.ResolveCallback(context.Background(), cb); err != nil {
		t.Fatalf("first callback err=%v", err)
	}
	if err := f.orch.ResolveCallback(context.Background(), cb); err != nil {
		t.Fatalf("duplicate callback err=%v", err)
	}
	run, _ := f.runs.Get(context.Background(), "org-1", result.Run.ID)
	if run.Status != string(domain.RunStatusSucceeded) {
		t.Fatalf("run status=%s", run.Status)
	}
}

func TestResolveCallbackFailureFailsRun(t *testing.T) {
	f := newFixture(t, map[string]validator.StepResult{
		"simulation": {Completed: false, ExecutionID: "exec-1"},
	})
	result := launch(t, f)

	err := f.orch.ResolveCallback(context.Background(), Callback{
		OrgID: "org-1", RunID: result.Run.ID, ExecutionID: "exec-1",
		Status: "VALIDATION_FAILURE",
		Messages: []envelope.Message{{Severity: "ERROR", Text: "site EUI exceeds cap"}},
	})
	if err != nil {
		t.Fatalf("ResolveCallback err=%v", err)
	}
	run, _ := f.runs.Get(context.Background(), "org-1", result.Run.ID)
	if run.Status != string(domain.RunStatusFailed) {
		t.Fatalf("run status=%s", run.Status)
	}
	if _, err := f.steps.Get(context.Background(), result.Run.ID, "reporting"); err == nil {
		t.Fatalf("reporting must not run after a failed callback")
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t, map[string]validator.StepResult{
		"simulation": {Completed: false, ExecutionID: "exec-1"},
	})
	result := launch(t, f)

	if err := f.orch.Cancel(context.Background(), "org-1", result.Run.ID, "user-1"); err != nil {
		t.Fatalf("Cancel err=%v", err)
	}
	run, _ := f.runs.Get(context.Background(), "org-1", result.Run.ID)
	if run.Status != string(domain.RunStatusCanceled) {
		t.Fatalf("run status=%s", run.Status)
	}
	record, _ := f.steps.Get(context.Background(), result.Run.ID, "simulation")
	if record.Status != string(domain.StepStatusCanceled) {
		t.Fatalf("step status=%s", record.Status)
	}

	if err := f.orch.Cancel(context.Background(), "org-1", result.Run.ID, "user-1"); err != ErrRunTerminal {
		t.Fatalf("second cancel err=%v, want ErrRunTerminal", err)
	}

	// A stale callback after cancel must not revive the run.
	if err := f.orch.ResolveCallback(context.Background(), Callback{
		OrgID: "org-1", RunID: result.Run.ID, ExecutionID: "exec-1", Status: "SUCCESS",
	}); err != nil {
		t.Fatalf("post-cancel callback err=%v", err)
	}
	run, _ = f.runs.Get(context.Background(), "org-1", result.Run.ID)
	if run.Status != string(domain.RunStatusCanceled) {
		t.Fatalf("callback revived canceled run: %s", run.Status)
	}
}

func TestReclaimTimedOutRun(t *testing.T) {
	f := newFixture(t, nil)

	// A run whose async step never reported back: RUNNING well past the
	// workflow's summed step timeouts (three steps at the 10m default).
	started := time.Now().UTC().Add(-31 * time.Minute)
	run, err := f.runs.Insert(context.Background(), repo.RunRecord{
		OrgID: "org-1", WorkflowID: "energy-checks", WorkflowVersion: 1,
		SubmissionID: "sub-1", Status: string(domain.RunStatusRunning), StartedAt: started,
	})
	if err != nil {
		t.Fatalf("seed run: %v", err)
	}
	if _, _, err := f.steps.Insert(context.Background(), repo.StepRunRecord{
		RunID: run.ID, StepID: "simulation", StepOrder: 2,
		Status: string(domain.StepStatusRunning), ExecutionID: "exec-1", StartedAt: started,
	}); err != nil {
		t.Fatalf("seed step: %v", err)
	}

	reclaimed, err := f.orch.ReclaimTimedOut(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("ReclaimTimedOut err=%v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("reclaimed=%d, want 1", reclaimed)
	}

	got, _ := f.runs.Get(context.Background(), "org-1", run.ID)
	if got.Status != string(domain.RunStatusTimedOut) {
		t.Fatalf("run status=%s", got.Status)
	}
	if got.EndedAt == nil {
		t.Fatalf("timed-out run has no ended_at")
	}
	record, _ := f.steps.Get(context.Background(), run.ID, "simulation")
	if record.Status != string(domain.StepStatusCanceled) {
		t.Fatalf("step status=%s", record.Status)
	}

	// A late callback from the dead execution must not revive the run.
	if err := f.orch.ResolveCallback(context.Background(), Callback{
		OrgID: "org-1", RunID: run.ID, ExecutionID: "exec-1", Status: "SUCCESS",
	}); err != nil {
		t.Fatalf("late callback err=%v", err)
	}
	got, _ = f.runs.Get(context.Background(), "org-1", run.ID)
	if got.Status != string(domain.RunStatusTimedOut) {
		t.Fatalf("late callback revived run: %s", got.Status)
	}
}

func TestReclaimLeavesRunsWithinTimeLimit(t *testing.T) {
	f := newFixture(t, nil)

	started := time.Now().UTC().Add(-5 * time.Minute)
	run, err := f.runs.Insert(context.Background(), repo.RunRecord{
		OrgID: "org-1", WorkflowID: "energy-checks", WorkflowVersion: 1,
		SubmissionID: "sub-1", Status: string(domain.RunStatusRunning), StartedAt: started,
	})
	if err != nil {
		t.Fatalf("seed run: %v", err)
	}

	reclaimed, err := f.orch.ReclaimTimedOut(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("ReclaimTimedOut err=%v", err)
	}
	if reclaimed != 0 {
		t.Fatalf("reclaimed=%d, want 0", reclaimed)
	}
	got, _ := f.runs.Get(context.Background(), "org-1", run.ID)
	if got.Status != string(domain.RunStatusRunning) {
		t.Fatalf("run status=%s", got.Status)
	}
}

func TestExecuteStepsStaleTaskIsNoOp(t *testing.T) {
	f := newFixture(t, nil)
	result := launch(t, f)

	before := len(f.engine.calls)
	if err := f.orch.ExecuteSteps(context.Background(), "org-1", result.Run.ID, 0); err != nil {
		t.Fatalf("stale task err=%v", err)
	}
	if len(f.engine.calls) != before {
		t.Fatalf("stale task re-ran steps")
	}
}

func TestWaitIntervalReportsEffectiveConfig(t *testing.T) {
	f := newFixture(t, nil)
	if f.orch.WaitInterval() != time.Millisecond {
		t.Fatalf("WaitInterval=%v, want configured 1ms", f.orch.WaitInterval())
	}

	orch, err := New(Params{
		Runs:      memory.NewRunStore(),
		Steps:     memory.NewStepRunStore(),
		Workflows: memory.NewWorkflowStore(),
		Registry:  validator.NewRegistry(&scriptedEngine{}),
		Engine:    assertion.DefaultEngine(0),
		Store:     storage.NewMemoryStore(),
	})
	if err != nil {
		t.Fatalf("New err=%v", err)
	}
	if orch.WaitInterval() != DefaultWaitInterval {
		t.Fatalf("WaitInterval=%v, want default", orch.WaitInterval())
	}
}

func TestLaunchUnknownWorkflow(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.orch.Launch(context.Background(), LaunchInput{
		OrgID: "org-1", WorkflowID: "missing", SubmissionID: "sub-1",
	})
	if err == nil {
		t.Fatalf("expected error for unknown workflow")
	}
}

func TestCrossStepSignalsVisibleToLaterSteps(t *testing.T) {
	var seen map[string]any
	eng := &capturingEngine{capture: func(in validator.ValidateInput) {
		if in.Step.ID == "reporting" {
			seen = in.PriorSignals
		}
	}}

	runs := memory.NewRunStore()
	steps := memory.NewStepRunStore()
	workflows := memory.NewWorkflowStore()
	if _, err := workflows.Insert(context.Background(), repo.WorkflowRecord{
		ID: "energy-checks", OrgID: "org-1", Version: 1, Definition: threeStepYAML(),
	}); err != nil {
		t.Fatalf("seed workflow: %v", err)
	}
	orch, err := New(Params{
		Config:    Config{WaitAttempts: 2, WaitInterval: time.Millisecond},
		Runs:      runs, Steps: steps, Workflows: workflows,
		Registry: validator.NewRegistry(eng),
		Engine:   assertion.DefaultEngine(0),
		Store:    storage.NewMemoryStore(),
	})
	if err != nil {
		t.Fatalf("New err=%v", err)
	}
	orch.SetDispatcher(dispatch.NewInlineDispatcher(orch, nil))

	if _, err := orch.Launch(context.Background(), LaunchInput{
		OrgID: "org-1", WorkflowID: "energy-checks", SubmissionID: "sub-1",
	}); err != nil {
		t.Fatalf("Launch err=%v", err)
	}

	stepsMap, ok := seen["steps"].(map[string]any)
	if !ok {
		t.Fatalf("prior signals missing steps map: %v", seen)
	}
	structure, ok := stepsMap["structure"].(map[string]any)
	if !ok || structure["zone_count"] != 4 {
		t.Fatalf("structure signals not propagated: %v", stepsMap)
	}
}

type capturingEngine struct {
	capture func(validator.ValidateInput)
}

func (e *capturingEngine) Type() string             { return "scripted" }
func (e *capturingEngine) RequiresRunContext() bool { return false }

func (e *capturingEngine) Validate(_ context.Context, in validator.ValidateInput) (validator.StepResult, error) {
	e.capture(in)
	if in.Step.ID == "structure" {
		return passResult(domain.Signals{"zone_count": 4}), nil
	}
	return passResult(nil), nil
}
