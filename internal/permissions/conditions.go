package permissions

import (
	"fmt"
	"strings"
	"time"
)

var knownOperators = map[Operator]struct{}{
	OpEquals: {}, OpNotEquals: {}, OpGreaterThan: {}, OpGreaterThanOrEqual: {},
	OpLessThan: {}, OpLessThanOrEqual: {}, OpContains: {}, OpNotContains: {},
	OpStartsWith: {}, OpEndsWith: {}, OpIn: {}, OpNotIn: {}, OpBetween: {},
	OpExists: {}, OpNotExists: {},
}

// EvaluateCondition checks a single condition against record.
func EvaluateCondition(c Condition, record map[string]any, subject Subject) (bool, error) {
	return evaluateCondition(c, record, subject, time.Now().UTC())
}

// EvaluateRule combines the rule's conditions. AND fails on the first failing
// condition, OR passes on the first passing one. An empty rule passes.
func EvaluateRule(rule *ConditionalRule, record map[string]any, subject Subject) (bool, error) {
	return evaluateRule(rule, record, subject, time.Now().UTC())
}

func evaluateRule(rule *ConditionalRule, record map[string]any, subject Subject, now time.Time) (bool, error) {
	if rule == nil || len(rule.Conditions) == 0 {
		return true, nil
	}
	combine, err := normalizeCombine(rule.CombineWith)
	if err != nil {
		return false, err
	}
	for _, c := range rule.Conditions {
		ok, err := evaluateCondition(c, record, subject, now)
		if err != nil {
			return false, err
		}
		if combine == CombineOr && ok {
			return true, nil
		}
		if combine == CombineAnd && !ok {
			return false, nil
		}
	}
	return combine == CombineAnd, nil
}

func normalizeCombine(c CombineOperator) (CombineOperator, error) {
	switch CombineOperator(strings.ToUpper(strings.TrimSpace(string(c)))) {
	case "", CombineAnd:
		return CombineAnd, nil
	case CombineOr:
		return CombineOr, nil
	default:
		return "", fmt.Errorf("%w: unsupported combine_with %q", ErrInvalidInput, c)
	}
}

func evaluateCondition(c Condition, record map[string]any, subject Subject, now time.Time) (bool, error) {
	op := Operator(strings.ToLower(strings.TrimSpace(string(c.Operator))))
	if _, ok := knownOperators[op]; !ok {
		return false, fmt.Errorf("%w: unsupported operator %q", ErrInvalidInput, c.Operator)
	}
	actual, present := lookup(record, c.Field)
	if present && actual == nil {
		present = false
	}
	expected := resolveValue(c.Value, subject, now)

	switch op {
	case OpExists:
		return present, nil
	case OpNotExists:
		return !present, nil
	}

	if !present {
		switch op {
		case OpIn, OpNotIn, OpBetween:
			if _, err := operandList(op, expected); err != nil {
				return false, err
			}
		}
		switch op {
		case OpNotEquals, OpNotIn, OpNotContains:
			return true, nil
		}
		return false, nil
	}

	switch op {
	case OpEquals:
		return equalValues(actual, expected), nil
	case OpNotEquals:
		return !equalValues(actual, expected), nil
	case OpGreaterThan:
		cmp, ok := compareValues(actual, expected)
		return ok && cmp > 0, nil
	case OpGreaterThanOrEqual:
		cmp, ok := compareValues(actual, expected)
		return ok && cmp >= 0, nil
	case OpLessThan:
		cmp, ok := compareValues(actual, expected)
		return ok && cmp < 0, nil
	case OpLessThanOrEqual:
		cmp, ok := compareValues(actual, expected)
		return ok && cmp <= 0, nil
	case OpContains:
		return containsValue(actual, expected), nil
	case OpNotContains:
		return !containsValue(actual, expected), nil
	case OpStartsWith:
		return strings.HasPrefix(stringify(actual), stringify(expected)), nil
	case OpEndsWith:
		return strings.HasSuffix(stringify(actual), stringify(expected)), nil
	case OpIn, OpNotIn:
		list, err := operandList(op, expected)
		if err != nil {
			return false, err
		}
		found := false
		for _, item := range list {
			if equalValues(actual, item) {
				found = true
				break
			}
		}
		if op == OpIn {
			return found, nil
		}
		return !found, nil
	case OpBetween:
		bounds, err := operandList(op, expected)
		if err != nil {
			return false, err
		}
		lo, okLo := compareValues(actual, bounds[0])
		hi, okHi := compareValues(actual, bounds[1])
		return okLo && okHi && lo >= 0 && hi <= 0, nil
	}
	return false, fmt.Errorf("%w: unsupported operator %q", ErrInvalidInput, c.Operator)
}

func operandList(op Operator, v any) ([]any, error) {
	list, ok := toSlice(v)
	if !ok {
		return nil, fmt.Errorf("%w: operator %s requires a list value", ErrInvalidInput, op)
	}
	if op == OpBetween && len(list) != 2 {
		return nil, fmt.Errorf("%w: operator between requires exactly two bounds", ErrInvalidInput)
	}
	return list, nil
}

func containsValue(haystack, needle any) bool {
	if s, ok := haystack.(string); ok {
		return strings.Contains(s, stringify(needle))
	}
	if list, ok := toSlice(haystack); ok {
		for _, item := range list {
			if equalValues(item, needle) {
				return true
			}
		}
	}
	return false
}
