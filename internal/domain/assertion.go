package domain

import (
	"errors"
	"fmt"
	"strings"
)

type Operator string

const (
	OpEQ         Operator = "EQ"
	OpNE         Operator = "NE"
	OpLT         Operator = "LT"
	OpLE         Operator = "LE"
	OpGT         Operator = "GT"
	OpGE         Operator = "GE"
	OpBetween    Operator = "BETWEEN"
	OpIn         Operator = "IN"
	OpNotIn      Operator = "NOT_IN"
	OpContains   Operator = "CONTAINS"
	OpStartsWith Operator = "STARTS_WITH"
	OpEndsWith   Operator = "ENDS_WITH"
	OpMatches    Operator = "MATCHES"
	OpIsNull     Operator = "IS_NULL"
	OpNotNull    Operator = "NOT_NULL"
	OpIsEmpty    Operator = "IS_EMPTY"
	OpLenEQ      Operator = "LEN_EQ"
	OpLenMin     Operator = "LEN_MIN"
	OpLenMax     Operator = "LEN_MAX"
	OpTypeIs     Operator = "TYPE_IS"
	OpApproxEQ   Operator = "APPROX_EQ"
	OpAny        Operator = "ANY"
	OpAll        Operator = "ALL"
	OpNone       Operator = "NONE"
	OpUnique     Operator = "UNIQUE"
	OpSubsetOf   Operator = "SUBSET_OF"
	OpSupersetOf Operator = "SUPERSET_OF"
)

var knownOperators = map[Operator]struct{}{
	OpEQ: {}, OpNE: {}, OpLT: {}, OpLE: {}, OpGT: {}, OpGE: {},
	OpBetween: {}, OpIn: {}, OpNotIn: {}, OpContains: {}, OpStartsWith: {},
	OpEndsWith: {}, OpMatches: {}, OpIsNull: {}, OpNotNull: {}, OpIsEmpty: {},
	OpLenEQ: {}, OpLenMin: {}, OpLenMax: {}, OpTypeIs: {}, OpApproxEQ: {},
	OpAny: {}, OpAll: {}, OpNone: {}, OpUnique: {}, OpSubsetOf: {}, OpSupersetOf: {},
}

type AssertionStage string

const (
	StageInput  AssertionStage = "input"
	StageOutput AssertionStage = "output"
)

// AssertionOptions tune operator behavior. Zero value means strict
// comparison.
type AssertionOptions struct {
	CaseInsensitive    bool `json:"case_insensitive,omitempty" yaml:"case_insensitive,omitempty"`
	Coerce             bool `json:"coerce,omitempty" yaml:"coerce,omitempty"`
	TreatMissingAsNull bool `json:"treat_missing_as_null,omitempty" yaml:"treat_missing_as_null,omitempty"`
	EmitSuccess        bool `json:"emit_success,omitempty" yaml:"emit_success,omitempty"`
	Exclusive          bool `json:"exclusive,omitempty" yaml:"exclusive,omitempty"`
	Percent            bool `json:"percent,omitempty" yaml:"percent,omitempty"`
}

// Operands is the right-hand operand bag; which fields matter depends on the
// operator.
type Operands struct {
	Value     any      `json:"value,omitempty" yaml:"value,omitempty"`
	Values    []any    `json:"values,omitempty" yaml:"values,omitempty"`
	Min       *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max       *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Tolerance *float64 `json:"tolerance,omitempty" yaml:"tolerance,omitempty"`
	Pattern   string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	TypeName  string   `json:"type,omitempty" yaml:"type,omitempty"`
	Length    *int     `json:"length,omitempty" yaml:"length,omitempty"`
}

// Assertion is one declarative check against a payload. Kind selects the
// evaluator ("basic" when empty); Expression is only read by expression
// kinds; Nested is only read by quantifiers.
type Assertion struct {
	ID         string           `json:"id" yaml:"id"`
	Kind       string           `json:"kind,omitempty" yaml:"kind,omitempty"`
	Stage      AssertionStage   `json:"stage,omitempty" yaml:"stage,omitempty"`
	Target     string           `json:"target,omitempty" yaml:"target,omitempty"`
	Operator   Operator         `json:"operator,omitempty" yaml:"operator,omitempty"`
	RHS        Operands         `json:"rhs,omitempty" yaml:"rhs,omitempty"`
	Options    AssertionOptions `json:"options,omitempty" yaml:"options,omitempty"`
	Severity   Severity         `json:"severity,omitempty" yaml:"severity,omitempty"`
	Message    string           `json:"message,omitempty" yaml:"message,omitempty"`
	Expression string           `json:"expression,omitempty" yaml:"expression,omitempty"`
	Nested     *Assertion       `json:"nested,omitempty" yaml:"nested,omitempty"`
}

func (a Assertion) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return errors.New("assertion.id is required")
	}
	switch a.Stage {
	case "", StageInput, StageOutput:
	default:
		return fmt.Errorf("assertion.stage must be %q or %q", StageInput, StageOutput)
	}

	kind := strings.ToLower(strings.TrimSpace(a.Kind))
	if kind != "" && kind != "basic" {
		// Non-basic kinds carry their own expression; the registry decides
		// at evaluation time whether the kind exists.
		if strings.TrimSpace(a.Expression) == "" {
			return fmt.Errorf("assertion.expression is required for kind %q", a.Kind)
		}
		return nil
	}

	if strings.TrimSpace(a.Target) == "" {
		return errors.New("assertion.target is required")
	}
	if _, ok := knownOperators[a.Operator]; !ok {
		return fmt.Errorf("unknown assertion operator %q", a.Operator)
	}
	switch a.Operator {
	case OpBetween:
		if a.RHS.Min == nil || a.RHS.Max == nil {
			return errors.New("BETWEEN requires rhs.min and rhs.max")
		}
		if *a.RHS.Min > *a.RHS.Max {
			return errors.New("BETWEEN requires rhs.min <= rhs.max")
		}
	case OpIn, OpNotIn, OpSubsetOf, OpSupersetOf:
		if len(a.RHS.Values) == 0 {
			return fmt.Errorf("%s requires rhs.values", a.Operator)
		}
	case OpMatches:
		if strings.TrimSpace(a.RHS.Pattern) == "" {
			return errors.New("MATCHES requires rhs.pattern")
		}
	case OpLenEQ, OpLenMin, OpLenMax:
		if a.RHS.Length == nil {
			return fmt.Errorf("%s requires rhs.length", a.Operator)
		}
	case OpTypeIs:
		if strings.TrimSpace(a.RHS.TypeName) == "" {
			return errors.New("TYPE_IS requires rhs.type")
		}
	case OpAny, OpAll, OpNone:
		if a.Nested == nil {
			return fmt.Errorf("%s requires a nested assertion", a.Operator)
		}
		if err := a.Nested.Validate(); err != nil {
			return fmt.Errorf("nested: %w", err)
		}
	}
	switch a.Severity {
	case "", SeverityInfo, SeverityWarning, SeverityError, SeveritySuccess:
	default:
		return fmt.Errorf("unknown assertion severity %q", a.Severity)
	}
	return nil
}
