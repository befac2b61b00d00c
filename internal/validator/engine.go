// Package validator runs one workflow step: a validator plus its assertion
// stages. Simple engines validate in-process; advanced engines hand the work
// to an execution backend and may complete later through a callback.
package validator

import (
	"context"
	"fmt"
	"strings"

	"github.com/veriflow-labs/veriflow-go/internal/assertion"
	"github.com/veriflow-labs/veriflow-go/internal/domain"
	"github.com/veriflow-labs/veriflow-go/internal/envelope"
	"github.com/veriflow-labs/veriflow-go/internal/workflow"
)

// ValidateInput is everything one step execution needs.
type ValidateInput struct {
	OrgID      string
	RunID      string
	WorkflowID string
	Step       workflow.Step
	// InputFiles are storage URIs of the submission files under validation.
	InputFiles []string
	// PriorSignals carries earlier steps' published signals under
	// "steps.<stepID>.<name>" for cross-step assertions.
	PriorSignals map[string]any
	CallbackURL  string
}

// StepResult is the outcome of one step. Completed=false means an async
// execution is in flight and the result will arrive via callback.
type StepResult struct {
	Completed   bool
	ExecutionID string
	Status      envelope.Status
	Passed      bool
	Issues      []domain.Issue
	Signals     domain.Signals
	Assertions  assertion.Result
}

// Engine validates one step. Validate returns an error only for
// infrastructure faults; validation findings travel as issues.
type Engine interface {
	Type() string
	RequiresRunContext() bool
	Validate(ctx context.Context, in ValidateInput) (StepResult, error)
}

// Registry maps validator types to engines. Populated explicitly at startup.
type Registry struct {
	engines map[string]Engine
}

func NewRegistry(engines ...Engine) *Registry {
	r := &Registry{engines: make(map[string]Engine)}
	for _, eng := range engines {
		r.Register(eng)
	}
	return r
}

func (r *Registry) Register(eng Engine) {
	if eng == nil {
		return
	}
	validatorType := strings.ToLower(strings.TrimSpace(eng.Type()))
	if validatorType == "" {
		return
	}
	r.engines[validatorType] = eng
}

func (r *Registry) Get(validatorType string) (Engine, error) {
	eng, ok := r.engines[strings.ToLower(strings.TrimSpace(validatorType))]
	if !ok {
		return nil, fmt.Errorf("no engine registered for validator type %q", validatorType)
	}
	return eng, nil
}

func (in ValidateInput) validate() error {
	if strings.TrimSpace(in.RunID) == "" {
		return fmt.Errorf("run id is required")
	}
	if strings.TrimSpace(in.Step.ID) == "" {
		return fmt.Errorf("step id is required")
	}
	if len(in.InputFiles) == 0 {
		return fmt.Errorf("at least one input file is required")
	}
	return nil
}
