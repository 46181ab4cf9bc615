package alert

import (
	"fmt"
	"math"
	"strings"
)

// Operator is a comparison against the alert threshold.
type Operator string

const (
	GreaterThan    Operator = ">"
	LessThan       Operator = "<"
	Equal          Operator = "="
	NotEqual       Operator = "!="
	GreaterOrEqual Operator = ">="
	LessOrEqual    Operator = "<="
)

// equalTolerance absorbs float noise in engine results.
const equalTolerance = 1e-9

var operatorAliases = map[string]Operator{
	">": GreaterThan, "gt": GreaterThan, "greater_than": GreaterThan, "maior_que": GreaterThan,
	"<": LessThan, "lt": LessThan, "less_than": LessThan, "menor_que": LessThan,
	"=": Equal, "==": Equal, "eq": Equal, "equals": Equal, "equal": Equal, "igual": Equal,
	"!=": NotEqual, "<>": NotEqual, "≠": NotEqual, "ne": NotEqual, "not_equals": NotEqual, "not_equal": NotEqual, "diferente": NotEqual,
	">=": GreaterOrEqual, "≥": GreaterOrEqual, "gte": GreaterOrEqual, "greater_or_equal": GreaterOrEqual, "greater_than_or_equal": GreaterOrEqual, "maior_ou_igual": GreaterOrEqual,
	"<=": LessOrEqual, "≤": LessOrEqual, "lte": LessOrEqual, "less_or_equal": LessOrEqual, "less_than_or_equal": LessOrEqual, "menor_ou_igual": LessOrEqual,
}

// ParseOperator accepts symbols and names ("greater_than", ">=", "≠").
// An empty string yields an empty Operator and no error.
func ParseOperator(s string) (Operator, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", nil
	}
	if op, ok := operatorAliases[s]; ok {
		return op, nil
	}
	return "", fmt.Errorf("unknown operator %q", s)
}

// Apply compares value against threshold.
func (o Operator) Apply(value, threshold float64) bool {
	switch o {
	case GreaterThan:
		return value > threshold
	case LessThan:
		return value < threshold
	case Equal:
		return math.Abs(value-threshold) <= equalTolerance
	case NotEqual:
		return math.Abs(value-threshold) > equalTolerance
	case GreaterOrEqual:
		return value >= threshold
	case LessOrEqual:
		return value <= threshold
	default:
		return false
	}
}

// Label is the human phrase used in messages.
func (o Operator) Label() string {
	switch o {
	case GreaterThan:
		return "maior que"
	case LessThan:
		return "menor que"
	case Equal:
		return "igual a"
	case NotEqual:
		return "diferente de"
	case GreaterOrEqual:
		return "maior ou igual a"
	case LessOrEqual:
		return "menor ou igual a"
	default:
		return ""
	}
}

// Condition is an optional threshold check.
type Condition struct {
	Operator  Operator
	Threshold *float64
}

// NewCondition builds a Condition from stored fields.
func NewCondition(op string, threshold *float64) (Condition, error) {
	parsed, err := ParseOperator(op)
	if err != nil {
		return Condition{}, err
	}
	return Condition{Operator: parsed, Threshold: threshold}, nil
}

// Configured reports whether both operator and threshold are set.
func (c Condition) Configured() bool {
	return c.Operator != "" && c.Threshold != nil
}

// Evaluate reports whether the alert should fire. Without a configured
// condition it always fires. With one, a missing value never fires.
func (c Condition) Evaluate(value float64, hasValue bool) bool {
	if !c.Configured() {
		return true
	}
	if !hasValue {
		return false
	}
	return c.Operator.Apply(value, *c.Threshold)
}
