package workflow

import (
	"testing"

	"github.com/veriflow-labs/veriflow-go/internal/domain"
)

const sampleYAML = `
schema: veriflow.workflow.v1
id: energy-model-checks
version: 3
name: Energy model checks
steps:
  - id: structure
    order: 1
    validator_type: json-structure
    assertions:
      - id: has-zones
        stage: input
        target: zones
        operator: NOT_NULL
  - id: simulation
    order: 2
    validator_type: energy-sim
    image: registry.example.com/validators/energy-sim:1.4
    assertions:
      - id: eui-cap
        stage: output
        target: site_eui
        operator: LE
        rhs:
          value: 100
        severity: ERROR
`

func TestParse(t *testing.T) {
	def, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse err=%v", err)
	}
	if def.ID != "energy-model-checks" || def.Version != 3 {
		t.Fatalf("id=%s version=%d", def.ID, def.Version)
	}
	if len(def.Steps) != 2 {
		t.Fatalf("steps=%d, want 2", len(def.Steps))
	}
	sim, ok := def.StepByID("simulation")
	if !ok {
		t.Fatalf("simulation step missing")
	}
	if sim.Assertions[0].Operator != domain.OpLE {
		t.Fatalf("operator=%s", sim.Assertions[0].Operator)
	}
	if sim.Assertions[0].RHS.Value != 100 {
		t.Fatalf("rhs value=%v", sim.Assertions[0].RHS.Value)
	}
}

func TestValidateRejectsDuplicates(t *testing.T) {
	def, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse err=%v", err)
	}

	dupID := def
	dupID.Steps = append([]Step{}, def.Steps...)
	dupID.Steps[1].ID = dupID.Steps[0].ID
	if err := dupID.Validate(); err == nil {
		t.Fatalf("expected duplicate id error")
	}

	dupOrder := def
	dupOrder.Steps = append([]Step{}, def.Steps...)
	dupOrder.Steps[1].Order = dupOrder.Steps[0].Order
	if err := dupOrder.Validate(); err == nil {
		t.Fatalf("expected duplicate order error")
	}
}

func TestOrderedSteps(t *testing.T) {
	def := Definition{
		Schema: SchemaV1, ID: "w", Version: 1,
		Steps: []Step{
			{ID: "b", Order: 2, ValidatorType: "x"},
			{ID: "a", Order: 1, ValidatorType: "x"},
		},
	}
	steps := def.OrderedSteps()
	if steps[0].ID != "a" || steps[1].ID != "b" {
		t.Fatalf("order wrong: %s, %s", steps[0].ID, steps[1].ID)
	}
}
