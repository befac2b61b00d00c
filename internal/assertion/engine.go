package assertion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/veriflow-labs/veriflow-go/internal/domain"
)

// Result aggregates one evaluation pass for summary statistics.
type Result struct {
	Total    int
	Failures int
}

func (r Result) Passed() bool {
	return r.Failures == 0
}

func (r *Result) merge(other Result) {
	r.Total += other.Total
	r.Failures += other.Failures
}

// Context carries extra values an evaluator may resolve beyond the payload:
// signals of earlier steps live under "steps.<stepID>.<name>".
type Context struct {
	StepID string
	Extra  map[string]any
}

// Evaluator scores a payload against one assertion. Implementations must
// convert every internal failure into a failing issue; they never return
// evaluation problems as errors.
type Evaluator interface {
	Kind() string
	Evaluate(ctx context.Context, a domain.Assertion, payload map[string]any, ec Context) (Result, []domain.Issue)
}

// Engine dispatches assertions to registered evaluators by kind. The
// registry is populated explicitly at process start-up.
type Engine struct {
	evaluators map[string]Evaluator
}

func NewEngine(evaluators ...Evaluator) *Engine {
	e := &Engine{evaluators: make(map[string]Evaluator)}
	for _, ev := range evaluators {
		e.Register(ev)
	}
	return e
}

// DefaultEngine returns an engine with the basic and cel evaluators wired.
func DefaultEngine(regexTimeout time.Duration) *Engine {
	basic := NewBasicEvaluator(regexTimeout)
	return NewEngine(basic, NewCELEvaluator(basic))
}

func (e *Engine) Register(ev Evaluator) {
	if ev == nil {
		return
	}
	kind := strings.ToLower(strings.TrimSpace(ev.Kind()))
	if kind == "" {
		return
	}
	e.evaluators[kind] = ev
}

// Evaluate runs one assertion. An unknown kind is an evaluation error, which
// per the error taxonomy becomes a failing issue rather than a Go error.
func (e *Engine) Evaluate(ctx context.Context, a domain.Assertion, payload map[string]any, ec Context) (Result, []domain.Issue) {
	kind := strings.ToLower(strings.TrimSpace(a.Kind))
	if kind == "" {
		kind = "basic"
	}
	ev, ok := e.evaluators[kind]
	if !ok {
		return Result{Total: 1, Failures: 1}, []domain.Issue{{
			Severity: domain.SeverityError,
			Code:     "unknown_assertion_kind",
			Path:     a.Target,
			Message:  fmt.Sprintf("no evaluator registered for kind %q", kind),
			StepID:   ec.StepID,
		}}
	}
	return ev.Evaluate(ctx, a, payload, ec)
}

// EvaluateAll runs a list of assertions for one stage and merges the totals.
func (e *Engine) EvaluateAll(ctx context.Context, assertions []domain.Assertion, stage domain.AssertionStage, payload map[string]any, ec Context) (Result, []domain.Issue) {
	var result Result
	var issues []domain.Issue
	for _, a := range assertions {
		if a.Stage != "" && a.Stage != stage {
			continue
		}
		r, iss := e.Evaluate(ctx, a, payload, ec)
		result.merge(r)
		issues = append(issues, iss...)
	}
	return result, issues
}
