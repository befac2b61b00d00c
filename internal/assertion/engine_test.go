package assertion

import (
	"context"
	"testing"

	"github.com/veriflow-labs/veriflow-go/internal/domain"
)

func TestEngineDispatchByKind(t *testing.T) {
	engine := DefaultEngine(0)
	payload := map[string]any{"rating": 95.0}

	basic := domain.Assertion{ID: "b", Target: "rating", Operator: domain.OpLE, RHS: domain.Operands{Value: 100.0}}
	result, issues := engine.Evaluate(context.Background(), basic, payload, Context{})
	if !result.Passed() || len(issues) != 0 {
		t.Fatalf("basic dispatch failed: %+v", issues)
	}

	cel := domain.Assertion{ID: "c", Kind: "cel", Expression: "rating <= 100"}
	result, issues = engine.Evaluate(context.Background(), cel, payload, Context{})
	if !result.Passed() || len(issues) != 0 {
		t.Fatalf("cel dispatch failed: %+v", issues)
	}

	unknown := domain.Assertion{ID: "u", Kind: "graphql", Target: "rating"}
	result, issues = engine.Evaluate(context.Background(), unknown, payload, Context{})
	if result.Failures != 1 || len(issues) != 1 || issues[0].Code != "unknown_assertion_kind" {
		t.Fatalf("unknown kind should produce a failing issue, got %+v", issues)
	}
}

func TestEngineEvaluateAllFiltersByStage(t *testing.T) {
	engine := DefaultEngine(0)
	assertions := []domain.Assertion{
		{ID: "in1", Stage: domain.StageInput, Target: "a", Operator: domain.OpEQ, RHS: domain.Operands{Value: 1.0}},
		{ID: "out1", Stage: domain.StageOutput, Target: "b", Operator: domain.OpEQ, RHS: domain.Operands{Value: 2.0}},
	}
	payload := map[string]any{"a": 1.0, "b": 999.0}

	result, issues := engine.EvaluateAll(context.Background(), assertions, domain.StageInput, payload, Context{})
	if result.Total != 1 || result.Failures != 0 || len(issues) != 0 {
		t.Fatalf("input stage: total=%d failures=%d", result.Total, result.Failures)
	}

	result, _ = engine.EvaluateAll(context.Background(), assertions, domain.StageOutput, payload, Context{})
	if result.Total != 1 || result.Failures != 1 {
		t.Fatalf("output stage: total=%d failures=%d", result.Total, result.Failures)
	}
}

func TestEngineSeesPriorStepSignals(t *testing.T) {
	engine := DefaultEngine(0)
	ec := Context{
		StepID: "step-2",
		Extra: map[string]any{
			"steps": map[string]any{
				"step-1": map[string]any{"site_count": 4.0},
			},
		},
	}
	a := domain.Assertion{
		ID: "cross", Target: "steps.step-1.site_count",
		Operator: domain.OpGE, RHS: domain.Operands{Value: 1.0},
	}
	result, issues := engine.Evaluate(context.Background(), a, map[string]any{}, ec)
	if !result.Passed() {
		t.Fatalf("cross-step signal lookup failed: %+v", issues)
	}
}
