package workflow

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/veriflow-labs/veriflow-go/internal/domain"
)

const SchemaV1 = "veriflow.workflow.v1"

// Definition is a versioned workflow: a linear ordered sequence of validator
// steps with their assertions. Definitions are immutable per version.
type Definition struct {
	Schema  string `json:"schema" yaml:"schema"`
	ID      string `json:"id" yaml:"id"`
	Version int    `json:"version" yaml:"version"`
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
	Steps   []Step `json:"steps" yaml:"steps"`
}

type Step struct {
	ID            string             `json:"id" yaml:"id"`
	Name          string             `json:"name,omitempty" yaml:"name,omitempty"`
	Order         int                `json:"order" yaml:"order"`
	ValidatorType string             `json:"validator_type" yaml:"validator_type"`
	Image         string             `json:"image,omitempty" yaml:"image,omitempty"`
	Timeout       time.Duration      `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Inputs        map[string]any     `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Assertions    []domain.Assertion `json:"assertions,omitempty" yaml:"assertions,omitempty"`
}

func Parse(input []byte) (Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(input, &def); err != nil {
		return Definition{}, fmt.Errorf("decode workflow: %w", err)
	}
	if err := def.Validate(); err != nil {
		return Definition{}, err
	}
	return def, nil
}

func (d Definition) Validate() error {
	if strings.TrimSpace(d.Schema) != SchemaV1 {
		return fmt.Errorf("workflow.schema must be %q", SchemaV1)
	}
	if strings.TrimSpace(d.ID) == "" {
		return errors.New("workflow.id is required")
	}
	if d.Version < 1 {
		return errors.New("workflow.version must be >= 1")
	}
	if len(d.Steps) == 0 {
		return errors.New("workflow.steps must be non-empty")
	}

	seenIDs := make(map[string]struct{}, len(d.Steps))
	seenOrders := make(map[int]struct{}, len(d.Steps))
	for i, step := range d.Steps {
		stepID := strings.TrimSpace(step.ID)
		if stepID == "" {
			return fmt.Errorf("workflow.steps[%d].id is required", i)
		}
		if _, ok := seenIDs[stepID]; ok {
			return fmt.Errorf("workflow.steps[%d].id must be unique (duplicate %q)", i, stepID)
		}
		seenIDs[stepID] = struct{}{}
		if _, ok := seenOrders[step.Order]; ok {
			return fmt.Errorf("workflow.steps[%d].order must be unique (duplicate %d)", i, step.Order)
		}
		seenOrders[step.Order] = struct{}{}
		if strings.TrimSpace(step.ValidatorType) == "" {
			return fmt.Errorf("workflow.steps[%d].validator_type is required", i)
		}
		for j, a := range step.Assertions {
			if err := a.Validate(); err != nil {
				return fmt.Errorf("workflow.steps[%d].assertions[%d]: %w", i, j, err)
			}
		}
	}
	return nil
}

// OrderedSteps returns the steps sorted by order. The stored slice order is
// not trusted.
func (d Definition) OrderedSteps() []Step {
	steps := make([]Step, len(d.Steps))
	copy(steps, d.Steps)
	sort.Slice(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
	return steps
}

// StepByID returns the step with the given id.
func (d Definition) StepByID(id string) (Step, bool) {
	for _, step := range d.Steps {
		if step.ID == id {
			return step, true
		}
	}
	return Step{}, false
}
