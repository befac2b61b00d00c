package validator

import (
	"context"
	"fmt"

	"github.com/veriflow-labs/veriflow-go/internal/assertion"
	"github.com/veriflow-labs/veriflow-go/internal/domain"
	"github.com/veriflow-labs/veriflow-go/internal/envelope"
	"github.com/veriflow-labs/veriflow-go/internal/workflow"
)

// strategy is what varies between simple engines: how the payload is
// produced and inspected. The surrounding lifecycle is shared.
type strategy interface {
	// Parse turns raw file bytes into the assertion payload. A parse error
	// is a validation finding, not an infrastructure fault.
	Parse(data []byte) (map[string]any, *domain.Issue)
	// Check runs domain checks beyond structure.
	Check(payload map[string]any) []domain.Issue
	// ExtractSignals publishes values for later steps.
	ExtractSignals(payload map[string]any) domain.Signals
}

// runLifecycle drives one in-process validation: parse, input-stage
// assertions, domain checks, signal extraction, output-stage assertions.
func runLifecycle(ctx context.Context, engine *assertion.Engine, strat strategy, in ValidateInput, data []byte) StepResult {
	stepID := in.Step.ID
	payload, parseIssue := strat.Parse(data)
	if parseIssue != nil {
		parseIssue.StepID = stepID
		return StepResult{
			Completed: true,
			Status:    envelope.StatusValidationFailure,
			Issues:    []domain.Issue{*parseIssue},
		}
	}

	ec := assertion.Context{StepID: stepID, Extra: in.PriorSignals}
	result, issues := engine.EvaluateAll(ctx, in.Step.Assertions, domain.StageInput, payload, ec)

	for _, issue := range strat.Check(payload) {
		issue.StepID = stepID
		issues = append(issues, issue)
	}

	signals := strat.ExtractSignals(payload)
	outPayload := map[string]any(signals)
	outResult, outIssues := engine.EvaluateAll(ctx, in.Step.Assertions, domain.StageOutput, outPayload, ec)
	result = assertion.Result{Total: result.Total + outResult.Total, Failures: result.Failures + outResult.Failures}
	issues = append(issues, outIssues...)

	status := envelope.StatusSuccess
	if domain.HasBlockingIssue(issues) {
		status = envelope.StatusValidationFailure
	}
	return StepResult{
		Completed:  true,
		Status:     status,
		Passed:     status == envelope.StatusSuccess && result.Failures == 0,
		Issues:     issues,
		Signals:    signals,
		Assertions: result,
	}
}

// ProjectOutput converts a container's output envelope into a step result,
// running the step's output-stage assertions over the published outputs. The
// orchestrator uses this for callback resolution as well.
func ProjectOutput(ctx context.Context, engine *assertion.Engine, step workflow.Step, out envelope.Output, priorSignals map[string]any) StepResult {
	issues := make([]domain.Issue, 0, len(out.Messages))
	for _, msg := range out.Messages {
		severity, err := normalizeSeverity(msg.Severity)
		if err != nil {
			severity = domain.SeverityWarning
		}
		issues = append(issues, domain.Issue{
			Severity: severity,
			Code:     "validator_message",
			Message:  msg.Text,
			StepID:   step.ID,
		})
	}
	if out.Status == envelope.StatusRuntimeFailure {
		msg := out.Error
		if msg == "" {
			msg = "validator reported a runtime failure"
		}
		issues = append(issues, domain.Issue{
			Severity: domain.SeverityError,
			Code:     "validator_runtime_failure",
			Message:  msg,
			StepID:   step.ID,
		})
	}

	signals := domain.Signals(out.Outputs).Clone()
	ec := assertion.Context{StepID: step.ID, Extra: priorSignals}
	result, assertionIssues := engine.EvaluateAll(ctx, step.Assertions, domain.StageOutput, map[string]any(signals), ec)
	issues = append(issues, assertionIssues...)

	return StepResult{
		Completed:   true,
		ExecutionID: out.ExecutionID,
		Status:      out.Status,
		Passed:      out.Status == envelope.StatusSuccess && result.Failures == 0,
		Issues:      issues,
		Signals:     signals,
		Assertions:  result,
	}
}

func normalizeSeverity(raw string) (domain.Severity, error) {
	switch domain.Severity(raw) {
	case domain.SeverityInfo, domain.SeverityWarning, domain.SeverityError, domain.SeveritySuccess:
		return domain.Severity(raw), nil
	default:
		return "", fmt.Errorf("unknown severity %q", raw)
	}
}
