package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Schemas are versioned so containers and the engine can evolve separately.
const (
	InputSchemaV1  = "veriflow.validation.input_envelope.v1"
	OutputSchemaV1 = "veriflow.validation.output_envelope.v1"
)

type Status string

const (
	StatusSuccess           Status = "SUCCESS"
	StatusValidationFailure Status = "VALIDATION_FAILURE"
	StatusRuntimeFailure    Status = "RUNTIME_FAILURE"
)

// ValidatorDescriptor identifies the validator a container should run.
type ValidatorDescriptor struct {
	Type    string         `json:"type"`
	Image   string         `json:"image,omitempty"`
	Timeout string         `json:"timeout,omitempty"`
	Inputs  map[string]any `json:"inputs,omitempty"`
}

// Input is the contract written to storage before a container execution.
type Input struct {
	Schema       string              `json:"schema"`
	RunID        string              `json:"run_id"`
	StepID       string              `json:"step_id"`
	OrgID        string              `json:"org_id"`
	WorkflowID   string              `json:"workflow_id"`
	Validator    ValidatorDescriptor `json:"validator"`
	InputFiles   []string            `json:"input_files"`
	CallbackURL  string              `json:"callback_url,omitempty"`
	SkipCallback bool                `json:"skip_callback,omitempty"`
}

// Message is one human-readable line a container reports.
type Message struct {
	Severity string `json:"severity"`
	Text     string `json:"text"`
}

// Output is what a container writes back when it finishes.
type Output struct {
	Schema      string         `json:"schema"`
	RunID       string         `json:"run_id"`
	StepID      string         `json:"step_id"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Status      Status         `json:"status"`
	Messages    []Message      `json:"messages,omitempty"`
	Outputs     map[string]any `json:"outputs,omitempty"`
	Error       string         `json:"error,omitempty"`
}

func (in Input) Validate() error {
	if strings.TrimSpace(in.RunID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(in.StepID) == "" {
		return errors.New("step id is required")
	}
	if strings.TrimSpace(in.Validator.Type) == "" {
		return errors.New("validator type is required")
	}
	if len(in.InputFiles) == 0 {
		return errors.New("at least one input file is required")
	}
	return nil
}

func MarshalInput(in Input) ([]byte, error) {
	in.Schema = InputSchemaV1
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(in)
}

func UnmarshalOutput(raw []byte) (Output, error) {
	if len(raw) == 0 {
		return Output{}, errors.New("output envelope is empty")
	}
	var out Output
	if err := json.Unmarshal(raw, &out); err != nil {
		return Output{}, fmt.Errorf("decode output envelope: %w", err)
	}
	if out.Schema != OutputSchemaV1 {
		return Output{}, fmt.Errorf("unsupported output envelope schema %q", out.Schema)
	}
	switch out.Status {
	case StatusSuccess, StatusValidationFailure, StatusRuntimeFailure:
	default:
		return Output{}, fmt.Errorf("unknown output envelope status %q", out.Status)
	}
	return out, nil
}
