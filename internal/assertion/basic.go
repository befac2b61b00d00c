package assertion

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/veriflow-labs/veriflow-go/internal/domain"
)

const DefaultRegexTimeout = 250 * time.Millisecond

// BasicEvaluator handles the declarative operator set. Every failure mode,
// including malformed assertions and regex timeouts, becomes a failing issue.
type BasicEvaluator struct {
	regexTimeout time.Duration
}

func NewBasicEvaluator(regexTimeout time.Duration) *BasicEvaluator {
	if regexTimeout <= 0 {
		regexTimeout = DefaultRegexTimeout
	}
	return &BasicEvaluator{regexTimeout: regexTimeout}
}

func (e *BasicEvaluator) Kind() string {
	return "basic"
}

func (e *BasicEvaluator) Evaluate(ctx context.Context, a domain.Assertion, payload map[string]any, ec Context) (Result, []domain.Issue) {
	value, found := e.resolve(a.Target, payload, ec)
	if !found && !a.Options.TreatMissingAsNull {
		return Result{Total: 1, Failures: 1}, []domain.Issue{{
			Severity: domain.SeverityError,
			Code:     "missing_path",
			Path:     a.Target,
			Message:  fmt.Sprintf("path %q not present in payload", a.Target),
			StepID:   ec.StepID,
		}}
	}

	pass, detail := e.compare(ctx, a.Operator, value, a)
	if pass {
		if a.Options.EmitSuccess {
			return Result{Total: 1}, []domain.Issue{{
				Severity: domain.SeveritySuccess,
				Code:     "assertion_passed",
				Path:     a.Target,
				Message:  fmt.Sprintf("assertion %s passed", a.ID),
				StepID:   ec.StepID,
			}}
		}
		return Result{Total: 1}, nil
	}

	severity := a.Severity
	if severity == "" {
		severity = domain.SeverityError
	}
	message := renderMessage(a.Message, templateVars(a, value, detail))
	if message == "" {
		message = genericFailureMessage(a, value, detail)
	}
	return Result{Total: 1, Failures: 1}, []domain.Issue{{
		Severity: severity,
		Code:     "assertion_failed",
		Path:     a.Target,
		Message:  message,
		StepID:   ec.StepID,
	}}
}

func (e *BasicEvaluator) resolve(target string, payload map[string]any, ec Context) (any, bool) {
	if v, ok := ResolvePath(payload, target); ok {
		return v, true
	}
	if len(ec.Extra) > 0 {
		if v, ok := ResolvePath(ec.Extra, target); ok {
			return v, true
		}
	}
	return nil, false
}

// compare returns pass plus a short detail used by failure messages.
func (e *BasicEvaluator) compare(ctx context.Context, op domain.Operator, value any, a domain.Assertion) (bool, string) {
	opts := a.Options
	rhs := a.RHS
	switch op {
	case domain.OpEQ:
		return equal(value, rhs.Value, opts), fmt.Sprintf("expected %v", rhs.Value)
	case domain.OpNE:
		return !equal(value, rhs.Value, opts), fmt.Sprintf("expected anything but %v", rhs.Value)
	case domain.OpLT, domain.OpLE, domain.OpGT, domain.OpGE:
		return compareNumeric(op, value, rhs.Value), fmt.Sprintf("expected %s %v", strings.ToLower(string(op)), rhs.Value)
	case domain.OpBetween:
		if rhs.Min == nil || rhs.Max == nil {
			return false, "between requires min and max"
		}
		left, ok := toFloat(value)
		if !ok {
			return false, "value is not numeric"
		}
		if opts.Exclusive {
			return left > *rhs.Min && left < *rhs.Max, fmt.Sprintf("expected (%v, %v)", *rhs.Min, *rhs.Max)
		}
		return left >= *rhs.Min && left <= *rhs.Max, fmt.Sprintf("expected [%v, %v]", *rhs.Min, *rhs.Max)
	case domain.OpIn:
		return membership(value, rhs.Values, opts), fmt.Sprintf("expected one of %v", rhs.Values)
	case domain.OpNotIn:
		return !membership(value, rhs.Values, opts), fmt.Sprintf("expected none of %v", rhs.Values)
	case domain.OpContains:
		return contains(value, rhs.Value, opts), fmt.Sprintf("expected to contain %v", rhs.Value)
	case domain.OpStartsWith:
		return affix(value, rhs.Value, opts, strings.HasPrefix), fmt.Sprintf("expected prefix %v", rhs.Value)
	case domain.OpEndsWith:
		return affix(value, rhs.Value, opts, strings.HasSuffix), fmt.Sprintf("expected suffix %v", rhs.Value)
	case domain.OpMatches:
		matched, err := MatchWithTimeout(ctx, rhs.Pattern, stringify(value), e.regexTimeout)
		if err != nil {
			return false, fmt.Sprintf("regex evaluation failed: %v", err)
		}
		return matched, fmt.Sprintf("expected match for %q", rhs.Pattern)
	case domain.OpIsNull:
		return value == nil, "expected null"
	case domain.OpNotNull:
		return value != nil, "expected non-null"
	case domain.OpIsEmpty:
		length, ok := lengthOf(value)
		return value == nil || (ok && length == 0), "expected empty"
	case domain.OpLenEQ, domain.OpLenMin, domain.OpLenMax:
		if rhs.Length == nil {
			return false, "length operand is required"
		}
		length, ok := lengthOf(value)
		if !ok {
			return false, "value has no length"
		}
		switch op {
		case domain.OpLenEQ:
			return length == *rhs.Length, fmt.Sprintf("expected length %d, got %d", *rhs.Length, length)
		case domain.OpLenMin:
			return length >= *rhs.Length, fmt.Sprintf("expected length >= %d, got %d", *rhs.Length, length)
		default:
			return length <= *rhs.Length, fmt.Sprintf("expected length <= %d, got %d", *rhs.Length, length)
		}
	case domain.OpTypeIs:
		return typeName(value) == strings.ToLower(strings.TrimSpace(rhs.TypeName)), fmt.Sprintf("expected type %s, got %s", rhs.TypeName, typeName(value))
	case domain.OpApproxEQ:
		return approxEqual(value, rhs, opts), fmt.Sprintf("expected ~%v", rhs.Value)
	case domain.OpAny, domain.OpAll, domain.OpNone:
		return e.quantify(ctx, op, value, a)
	case domain.OpUnique:
		return unique(value), "expected unique elements"
	case domain.OpSubsetOf:
		return subset(value, rhs.Values, opts), fmt.Sprintf("expected subset of %v", rhs.Values)
	case domain.OpSupersetOf:
		return superset(value, rhs.Values, opts), fmt.Sprintf("expected superset of %v", rhs.Values)
	default:
		return false, fmt.Sprintf("unsupported operator %q", op)
	}
}

func (e *BasicEvaluator) quantify(ctx context.Context, op domain.Operator, value any, a domain.Assertion) (bool, string) {
	if a.Nested == nil {
		return false, "quantifier requires a nested assertion"
	}
	list, ok := value.([]any)
	if !ok {
		return false, "value is not a collection"
	}

	matches := 0
	for _, element := range list {
		elemValue := element
		target := strings.TrimSpace(a.Nested.Target)
		if target != "" && target != "." {
			resolved, found := ResolvePath(element, target)
			if !found {
				if !a.Nested.Options.TreatMissingAsNull {
					continue
				}
				resolved = nil
			}
			elemValue = resolved
		}
		if pass, _ := e.compare(ctx, a.Nested.Operator, elemValue, *a.Nested); pass {
			matches++
		}
	}

	switch op {
	case domain.OpAny:
		return matches > 0, "expected at least one matching element"
	case domain.OpAll:
		return matches == len(list), fmt.Sprintf("expected all %d elements to match, %d did", len(list), matches)
	default:
		return matches == 0, fmt.Sprintf("expected no matching elements, found %d", matches)
	}
}

func genericFailureMessage(a domain.Assertion, value any, detail string) string {
	if detail != "" {
		return fmt.Sprintf("%s: got %v (%s)", a.Target, value, detail)
	}
	return fmt.Sprintf("%s: assertion %s failed with value %v", a.Target, a.ID, value)
}

func templateVars(a domain.Assertion, value any, detail string) map[string]any {
	return map[string]any{
		"field":    a.Target,
		"value":    value,
		"expected": a.RHS.Value,
		"operator": string(a.Operator),
		"detail":   detail,
	}
}

func equal(value any, target any, opts domain.AssertionOptions) bool {
	if value == nil || target == nil {
		return value == nil && target == nil
	}
	if isNumber(value) && isNumber(target) {
		lf, _ := toFloat(value)
		rf, _ := toFloat(target)
		return lf == rf
	}
	if opts.Coerce {
		if lf, lok := toFloat(value); lok {
			if rf, rok := toFloat(target); rok {
				return lf == rf
			}
		}
	}
	ls, lIsStr := value.(string)
	rs, rIsStr := target.(string)
	if lIsStr && rIsStr {
		return normalizeCase(ls, opts) == normalizeCase(rs, opts)
	}
	if opts.Coerce && (lIsStr || rIsStr) {
		return normalizeCase(stringify(value), opts) == normalizeCase(stringify(target), opts)
	}
	return reflect.DeepEqual(value, target)
}

func compareNumeric(op domain.Operator, value any, target any) bool {
	left, ok := toFloat(value)
	if !ok {
		return false
	}
	right, ok := toFloat(target)
	if !ok {
		return false
	}
	switch op {
	case domain.OpLT:
		return left < right
	case domain.OpLE:
		return left <= right
	case domain.OpGT:
		return left > right
	case domain.OpGE:
		return left >= right
	default:
		return false
	}
}

func membership(value any, targets []any, opts domain.AssertionOptions) bool {
	for _, t := range targets {
		if equal(value, t, opts) {
			return true
		}
	}
	return false
}

func contains(value any, target any, opts domain.AssertionOptions) bool {
	switch typed := value.(type) {
	case string:
		return strings.Contains(normalizeCase(typed, opts), normalizeCase(stringify(target), opts))
	case []any:
		for _, item := range typed {
			if equal(item, target, opts) {
				return true
			}
		}
		return false
	case map[string]any:
		_, ok := typed[stringify(target)]
		return ok
	default:
		return false
	}
}

func affix(value any, target any, opts domain.AssertionOptions, fn func(string, string) bool) bool {
	s, ok := value.(string)
	if !ok {
		if !opts.Coerce {
			return false
		}
		s = stringify(value)
	}
	return fn(normalizeCase(s, opts), normalizeCase(stringify(target), opts))
}

func approxEqual(value any, rhs domain.Operands, opts domain.AssertionOptions) bool {
	left, ok := toFloat(value)
	if !ok {
		return false
	}
	right, ok := toFloat(rhs.Value)
	if !ok {
		return false
	}
	tolerance := 0.0
	if rhs.Tolerance != nil {
		tolerance = *rhs.Tolerance
	}
	if opts.Percent {
		tolerance = math.Abs(right) * tolerance / 100
	}
	return math.Abs(left-right) <= tolerance
}

func unique(value any) bool {
	list, ok := value.([]any)
	if !ok {
		return false
	}
	seen := make(map[string]struct{}, len(list))
	for _, item := range list {
		key := canonicalKey(item)
		if _, dup := seen[key]; dup {
			return false
		}
		seen[key] = struct{}{}
	}
	return true
}

func subset(value any, targets []any, opts domain.AssertionOptions) bool {
	list, ok := value.([]any)
	if !ok {
		return false
	}
	for _, item := range list {
		if !membership(item, targets, opts) {
			return false
		}
	}
	return true
}

func superset(value any, targets []any, opts domain.AssertionOptions) bool {
	list, ok := value.([]any)
	if !ok {
		return false
	}
	for _, t := range targets {
		found := false
		for _, item := range list {
			if equal(item, t, opts) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func lengthOf(value any) (int, bool) {
	switch typed := value.(type) {
	case string:
		return len(typed), true
	case []any:
		return len(typed), true
	case map[string]any:
		return len(typed), true
	default:
		return 0, false
	}
}

func typeName(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case float64, float32, int, int32, int64, uint, uint32, uint64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return strings.ToLower(reflect.TypeOf(value).Kind().String())
	}
}

func isNumber(value any) bool {
	switch value.(type) {
	case float64, float32, int, int32, int64, uint, uint32, uint64:
		return true
	default:
		return false
	}
}

func toFloat(value any) (float64, bool) {
	switch typed := value.(type) {
	case float64:
		return typed, true
	case float32:
		return float64(typed), true
	case int:
		return float64(typed), true
	case int32:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case uint:
		return float64(typed), true
	case uint32:
		return float64(typed), true
	case uint64:
		return float64(typed), true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

func canonicalKey(value any) string {
	if f, ok := toFloat(value); ok {
		return "n:" + strconv.FormatFloat(f, 'g', -1, 64)
	}
	return fmt.Sprintf("%T:%v", value, value)
}

func normalizeCase(s string, opts domain.AssertionOptions) string {
	if opts.CaseInsensitive {
		return strings.ToLower(s)
	}
	return s
}

func stringify(value any) string {
	if value == nil {
		return ""
	}
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprint(value)
}
