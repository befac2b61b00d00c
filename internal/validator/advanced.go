package validator

import (
	"context"
	"errors"
	"fmt"

	"github.com/veriflow-labs/veriflow-go/internal/assertion"
	"github.com/veriflow-labs/veriflow-go/internal/execbackend"
)

// AdvancedEngine delegates to an execution backend running the validator in
// a container. With a sync backend the result is projected inline; with an
// async backend the step stays pending until a callback arrives.
type AdvancedEngine struct {
	validatorType string
	backend       execbackend.Backend
	engine        *assertion.Engine
}

func NewAdvancedEngine(validatorType string, backend execbackend.Backend, engine *assertion.Engine) (*AdvancedEngine, error) {
	if validatorType == "" {
		return nil, errors.New("validator type is required")
	}
	if backend == nil {
		return nil, errors.New("execution backend is required")
	}
	if engine == nil {
		return nil, errors.New("assertion engine is required")
	}
	return &AdvancedEngine{validatorType: validatorType, backend: backend, engine: engine}, nil
}

func (e *AdvancedEngine) Type() string             { return e.validatorType }
func (e *AdvancedEngine) RequiresRunContext() bool { return true }

func (e *AdvancedEngine) Validate(ctx context.Context, in ValidateInput) (StepResult, error) {
	if err := in.validate(); err != nil {
		return StepResult{}, err
	}

	resp, err := e.backend.Execute(ctx, execbackend.Request{
		RunID:         in.RunID,
		StepID:        in.Step.ID,
		OrgID:         in.OrgID,
		WorkflowID:    in.WorkflowID,
		ValidatorType: e.validatorType,
		Image:         in.Step.Image,
		Timeout:       in.Step.Timeout,
		InputFiles:    in.InputFiles,
		Inputs:        in.Step.Inputs,
		CallbackURL:   in.CallbackURL,
	})
	if err != nil {
		return StepResult{}, fmt.Errorf("execute validator %s: %w", e.validatorType, err)
	}

	if !resp.Completed {
		return StepResult{Completed: false, ExecutionID: resp.ExecutionID}, nil
	}
	if resp.Output == nil {
		return StepResult{}, fmt.Errorf("validator %s completed without an output envelope: %s", e.validatorType, resp.ErrorMessage)
	}
	return ProjectOutput(ctx, e.engine, in.Step, *resp.Output, in.PriorSignals), nil
}
