package assertion

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/veriflow-labs/veriflow-go/internal/domain"
)

// CELEvaluator covers the restricted expression kind: comparisons over
// payload paths joined by && and ||, e.g.
//
//	signals.rating <= 100 && metadata.format == "json"
//
// It reuses the basic evaluator's resolution and coercion so both kinds
// agree on semantics. Parse errors become failing issues.
type CELEvaluator struct {
	basic *BasicEvaluator
}

func NewCELEvaluator(basic *BasicEvaluator) *CELEvaluator {
	if basic == nil {
		basic = NewBasicEvaluator(0)
	}
	return &CELEvaluator{basic: basic}
}

func (e *CELEvaluator) Kind() string {
	return "cel"
}

func (e *CELEvaluator) Evaluate(ctx context.Context, a domain.Assertion, payload map[string]any, ec Context) (Result, []domain.Issue) {
	expr := strings.TrimSpace(a.Expression)
	if expr == "" {
		expr = strings.TrimSpace(a.Target)
	}
	pass, err := e.evalOr(expr, payload, ec)
	if err != nil {
		return Result{Total: 1, Failures: 1}, []domain.Issue{{
			Severity: domain.SeverityError,
			Code:     "expression_error",
			Path:     a.Target,
			Message:  fmt.Sprintf("expression %q: %v", expr, err),
			StepID:   ec.StepID,
		}}
	}
	if pass {
		if a.Options.EmitSuccess {
			return Result{Total: 1}, []domain.Issue{{
				Severity: domain.SeveritySuccess,
				Code:     "assertion_passed",
				Path:     a.Target,
				Message:  fmt.Sprintf("expression %s passed", a.ID),
				StepID:   ec.StepID,
			}}
		}
		return Result{Total: 1}, nil
	}

	severity := a.Severity
	if severity == "" {
		severity = domain.SeverityError
	}
	message := renderMessage(a.Message, map[string]any{"expression": expr})
	if message == "" {
		message = fmt.Sprintf("expression %q evaluated to false", expr)
	}
	return Result{Total: 1, Failures: 1}, []domain.Issue{{
		Severity: severity,
		Code:     "assertion_failed",
		Path:     a.Target,
		Message:  message,
		StepID:   ec.StepID,
	}}
}

func (e *CELEvaluator) evalOr(expr string, payload map[string]any, ec Context) (bool, error) {
	for _, clause := range strings.Split(expr, "||") {
		pass, err := e.evalAnd(clause, payload, ec)
		if err != nil {
			return false, err
		}
		if pass {
			return true, nil
		}
	}
	return false, nil
}

func (e *CELEvaluator) evalAnd(expr string, payload map[string]any, ec Context) (bool, error) {
	for _, clause := range strings.Split(expr, "&&") {
		pass, err := e.evalComparison(clause, payload, ec)
		if err != nil {
			return false, err
		}
		if !pass {
			return false, nil
		}
	}
	return true, nil
}

var comparisonOps = []struct {
	token string
	op    domain.Operator
}{
	{"==", domain.OpEQ},
	{"!=", domain.OpNE},
	{"<=", domain.OpLE},
	{">=", domain.OpGE},
	{"<", domain.OpLT},
	{">", domain.OpGT},
}

func (e *CELEvaluator) evalComparison(clause string, payload map[string]any, ec Context) (bool, error) {
	clause = strings.TrimSpace(clause)
	if clause == "" {
		return false, fmt.Errorf("empty clause")
	}

	for _, candidate := range comparisonOps {
		idx := strings.Index(clause, candidate.token)
		if idx <= 0 {
			continue
		}
		lhs := strings.TrimSpace(clause[:idx])
		rhsText := strings.TrimSpace(clause[idx+len(candidate.token):])
		if lhs == "" || rhsText == "" {
			return false, fmt.Errorf("malformed comparison %q", clause)
		}
		rhs, err := parseLiteral(rhsText)
		if err != nil {
			return false, err
		}
		value, found := e.basic.resolve(lhs, payload, ec)
		if !found {
			return false, nil
		}
		switch candidate.op {
		case domain.OpEQ:
			return equal(value, rhs, domain.AssertionOptions{}), nil
		case domain.OpNE:
			return !equal(value, rhs, domain.AssertionOptions{}), nil
		default:
			return compareNumeric(candidate.op, value, rhs), nil
		}
	}

	// A bare path is truthy when it resolves to boolean true.
	if strings.ContainsAny(clause, " \t") {
		return false, fmt.Errorf("clause %q is not a comparison", clause)
	}
	value, found := e.basic.resolve(clause, payload, ec)
	if !found {
		return false, nil
	}
	b, ok := value.(bool)
	if !ok {
		return false, fmt.Errorf("clause %q is not a comparison or boolean path", clause)
	}
	return b, nil
}

func parseLiteral(text string) (any, error) {
	if len(text) >= 2 {
		if (text[0] == '"' && text[len(text)-1] == '"') || (text[0] == '\'' && text[len(text)-1] == '\'') {
			return text[1 : len(text)-1], nil
		}
	}
	switch text {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null":
		return nil, nil
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return nil, fmt.Errorf("unsupported literal %q", text)
	}
	return f, nil
}
