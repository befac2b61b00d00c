package validator

import (
	"context"
	"testing"

	"github.com/veriflow-labs/veriflow-go/internal/assertion"
	"github.com/veriflow-labs/veriflow-go/internal/domain"
	"github.com/veriflow-labs/veriflow-go/internal/envelope"
	"github.com/veriflow-labs/veriflow-go/internal/execbackend"
	"github.com/veriflow-labs/veriflow-go/internal/storage"
	"github.com/veriflow-labs/veriflow-go/internal/workflow"
)

func seedStore(t *testing.T, path string, data []byte) (storage.Store, string) {
	t.Helper()
	store := storage.NewMemoryStore()
	uri, err := store.Write(context.Background(), path, data, "application/octet-stream")
	if err != nil {
		t.Fatalf("seed store: %v", err)
	}
	return store, uri
}

func TestJSONStructureEngineSuccess(t *testing.T) {
	store, uri := seedStore(t, "submissions/run-1/model.json", []byte(`{"zones": [{"name": "a"}], "meta": {"version": 2}}`))
	eng, err := NewJSONStructureEngine(store, assertion.DefaultEngine(0))
	if err != nil {
		t.Fatalf("NewJSONStructureEngine err=%v", err)
	}

	step := workflow.Step{
		ID:            "structure",
		ValidatorType: "json-structure",
		Assertions: []domain.Assertion{
			{ID: "has-zones", Stage: domain.StageInput, Target: "zones", Operator: domain.OpNotNull},
			{ID: "two-fields", Stage: domain.StageOutput, Target: "field_count", Operator: domain.OpEQ, RHS: domain.Operands{Value: 2}},
		},
	}
	result, err := eng.Validate(context.Background(), ValidateInput{
		RunID: "run-1", Step: step, InputFiles: []string{uri},
	})
	if err != nil {
		t.Fatalf("Validate err=%v", err)
	}
	if !result.Completed || !result.Passed {
		t.Fatalf("completed=%v passed=%v issues=%v", result.Completed, result.Passed, result.Issues)
	}
	if result.Signals["field_count"] != 2 {
		t.Fatalf("field_count=%v", result.Signals["field_count"])
	}
	if result.Assertions.Total != 2 || result.Assertions.Failures != 0 {
		t.Fatalf("assertions=%+v", result.Assertions)
	}
}

func TestJSONStructureEngineParseFailure(t *testing.T) {
	store, uri := seedStore(t, "submissions/run-1/model.json", []byte(`{not json`))
	eng, _ := NewJSONStructureEngine(store, assertion.DefaultEngine(0))

	result, err := eng.Validate(context.Background(), ValidateInput{
		RunID: "run-1", Step: workflow.Step{ID: "structure", ValidatorType: "json-structure"}, InputFiles: []string{uri},
	})
	if err != nil {
		t.Fatalf("parse failures must not be Go errors, got %v", err)
	}
	if result.Status != envelope.StatusValidationFailure || result.Passed {
		t.Fatalf("status=%s passed=%v", result.Status, result.Passed)
	}
	if len(result.Issues) != 1 || result.Issues[0].Code != "invalid_json" {
		t.Fatalf("issues=%v", result.Issues)
	}
}

func TestXMLWellformedEngine(t *testing.T) {
	store, uri := seedStore(t, "submissions/run-1/model.xml", []byte(`<building><zone name="a"/><zone name="b"/></building>`))
	eng, _ := NewXMLWellformedEngine(store, assertion.DefaultEngine(0))

	result, err := eng.Validate(context.Background(), ValidateInput{
		RunID: "run-1", Step: workflow.Step{ID: "xml", ValidatorType: "xml-wellformed"}, InputFiles: []string{uri},
	})
	if err != nil {
		t.Fatalf("Validate err=%v", err)
	}
	if !result.Passed {
		t.Fatalf("passed=false issues=%v", result.Issues)
	}
	if result.Signals["root"] != "building" || result.Signals["element_count"] != 3 {
		t.Fatalf("signals=%v", result.Signals)
	}

	store2, uri2 := seedStore(t, "submissions/run-1/bad.xml", []byte(`<building><zone></building>`))
	eng2, _ := NewXMLWellformedEngine(store2, assertion.DefaultEngine(0))
	result, err = eng2.Validate(context.Background(), ValidateInput{
		RunID: "run-1", Step: workflow.Step{ID: "xml", ValidatorType: "xml-wellformed"}, InputFiles: []string{uri2},
	})
	if err != nil {
		t.Fatalf("Validate err=%v", err)
	}
	if result.Status != envelope.StatusValidationFailure {
		t.Fatalf("status=%s", result.Status)
	}
}

type fakeBackend struct {
	async bool
	resp  execbackend.Response
	err   error
	last  execbackend.Request
}

func (b *fakeBackend) Name() string                           { return "fake" }
func (b *fakeBackend) IsAsync() bool                          { return b.async }
func (b *fakeBackend) ContainerImage(string) (string, error)  { return "fake:latest", nil }
func (b *fakeBackend) Cancel(context.Context, string) error   { return nil }
func (b *fakeBackend) Execute(_ context.Context, req execbackend.Request) (execbackend.Response, error) {
	b.last = req
	return b.resp, b.err
}

func TestAdvancedEngineSyncCompletion(t *testing.T) {
	backend := &fakeBackend{resp: execbackend.Response{
		ExecutionID: "exec-1",
		Completed:   true,
		Output: &envelope.Output{
			Schema: envelope.OutputSchemaV1,
			RunID:  "run-1", StepID: "simulation",
			ExecutionID: "exec-1",
			Status:      envelope.StatusSuccess,
			Outputs:     map[string]any{"site_eui": 82.4},
		},
	}}
	eng, err := NewAdvancedEngine("energy-sim", backend, assertion.DefaultEngine(0))
	if err != nil {
		t.Fatalf("NewAdvancedEngine err=%v", err)
	}

	step := workflow.Step{
		ID: "simulation", ValidatorType: "energy-sim",
		Assertions: []domain.Assertion{
			{ID: "eui-cap", Stage: domain.StageOutput, Target: "site_eui", Operator: domain.OpLE, RHS: domain.Operands{Value: 100.0}},
		},
	}
	result, err := eng.Validate(context.Background(), ValidateInput{
		RunID: "run-1", Step: step, InputFiles: []string{"s3://submissions/run-1/model.json"},
	})
	if err != nil {
		t.Fatalf("Validate err=%v", err)
	}
	if !result.Completed || !result.Passed || result.ExecutionID != "exec-1" {
		t.Fatalf("result=%+v", result)
	}
	if backend.last.ValidatorType != "energy-sim" {
		t.Fatalf("backend saw type %q", backend.last.ValidatorType)
	}
}

func TestAdvancedEngineAsyncPending(t *testing.T) {
	backend := &fakeBackend{async: true, resp: execbackend.Response{ExecutionID: "exec-9", Completed: false}}
	eng, _ := NewAdvancedEngine("energy-sim", backend, assertion.DefaultEngine(0))

	result, err := eng.Validate(context.Background(), ValidateInput{
		RunID: "run-1", Step: workflow.Step{ID: "simulation", ValidatorType: "energy-sim"},
		InputFiles: []string{"s3://submissions/run-1/model.json"},
	})
	if err != nil {
		t.Fatalf("Validate err=%v", err)
	}
	if result.Completed {
		t.Fatalf("async execution must not complete inline")
	}
	if result.ExecutionID != "exec-9" {
		t.Fatalf("execution id=%s", result.ExecutionID)
	}
}

func TestProjectOutputRuntimeFailure(t *testing.T) {
	out := envelope.Output{
		Schema: envelope.OutputSchemaV1,
		RunID:  "run-1", StepID: "simulation",
		Status: envelope.StatusRuntimeFailure,
		Error:  "solver crashed",
	}
	result := ProjectOutput(context.Background(), assertion.DefaultEngine(0), workflow.Step{ID: "simulation"}, out, nil)
	if result.Passed {
		t.Fatalf("runtime failure must not pass")
	}
	found := false
	for _, issue := range result.Issues {
		if issue.Code == "validator_runtime_failure" {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing runtime failure issue: %v", result.Issues)
	}
}

func TestProjectOutputFailedAssertion(t *testing.T) {
	out := envelope.Output{
		Schema: envelope.OutputSchemaV1,
		RunID:  "run-1", StepID: "simulation",
		Status:  envelope.StatusSuccess,
		Outputs: map[string]any{"site_eui": 140.0},
	}
	step := workflow.Step{
		ID: "simulation",
		Assertions: []domain.Assertion{
			{ID: "eui-cap", Stage: domain.StageOutput, Target: "site_eui", Operator: domain.OpLE, RHS: domain.Operands{Value: 100.0}},
		},
	}
	result := ProjectOutput(context.Background(), assertion.DefaultEngine(0), step, out, nil)
	if result.Passed {
		t.Fatalf("failed assertion must fail the step")
	}
	if result.Assertions.Failures != 1 {
		t.Fatalf("failures=%d", result.Assertions.Failures)
	}
}

func TestRegistry(t *testing.T) {
	backend := &fakeBackend{}
	adv, _ := NewAdvancedEngine("energy-sim", backend, assertion.DefaultEngine(0))
	registry := NewRegistry(adv)

	eng, err := registry.Get("Energy-Sim")
	if err != nil {
		t.Fatalf("Get err=%v", err)
	}
	if !eng.RequiresRunContext() {
		t.Fatalf("advanced engine must require run context")
	}
	if _, err := registry.Get("unknown"); err == nil {
		t.Fatalf("expected error for unknown type")
	}
}
