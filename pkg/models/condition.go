// Package models provides conditional expression evaluation for sequence
// flows.
package models

import (
	"fmt"
	"strconv"
	"strings"
)

// VariableResolver resolves a variable name to its value within some scope.
type VariableResolver interface {
	Variable(name string) (any, bool)
}

// ConditionInterpreter evaluates the simple expression language used on
// sequence-flow conditions: an optional ${...} wrapper around either a single
// operand (evaluated for truthiness) or a binary comparison
// (==, !=, >, >=, <, <=). Operands are literals (quoted strings, numbers,
// booleans) or variable names.
type ConditionInterpreter struct{}

// Evaluate returns the boolean value of expr against vars. The empty
// expression is true, matching the "transition without condition" contract.
func (s ConditionInterpreter) Evaluate(expr string, vars VariableResolver) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}

	if strings.HasPrefix(expr, "${") && strings.HasSuffix(expr, "}") {
		expr = strings.TrimSpace(expr[2 : len(expr)-1])
	}

	for _, op := range []string{"==", "!=", ">=", "<=", ">", "<"} {
		if left, right, found := strings.Cut(expr, op); found {
			return s.compare(op, strings.TrimSpace(left), strings.TrimSpace(right), vars)
		}
	}

	value, err := s.operand(expr, vars)
	if err != nil {
		return false, err
	}

	return truthy(value)
}

func (s ConditionInterpreter) compare(op, left, right string, vars VariableResolver) (bool, error) {
	lv, err := s.operand(left, vars)
	if err != nil {
		return false, err
	}

	rv, err := s.operand(right, vars)
	if err != nil {
		return false, err
	}

	lf, lNum := toFloat(lv)
	rf, rNum := toFloat(rv)

	if lNum && rNum {
		switch op {
		case "==":
			return lf == rf, nil
		case "!=":
			return lf != rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		}
	}

	switch op {
	case "==":
		return fmt.Sprint(lv) == fmt.Sprint(rv), nil
	case "!=":
		return fmt.Sprint(lv) != fmt.Sprint(rv), nil
	default:
		return false, fmt.Errorf("operator %q requires numeric operands, got %T and %T", op, lv, rv)
	}
}

func (s ConditionInterpreter) operand(token string, vars VariableResolver) (any, error) {
	if len(token) >= 2 {
		if (token[0] == '\'' && token[len(token)-1] == '\'') || (token[0] == '"' && token[len(token)-1] == '"') {
			return token[1 : len(token)-1], nil
		}
	}

	if token == "true" {
		return true, nil
	}

	if token == "false" {
		return false, nil
	}

	if n, err := strconv.ParseFloat(token, 64); err == nil {
		return n, nil
	}

	if vars != nil {
		if v, ok := vars.Variable(token); ok {
			return v, nil
		}
	}

	return nil, fmt.Errorf("unknown variable %q in condition", token)
}

func truthy(value any) (bool, error) {
	if value == nil {
		return false, nil
	}

	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		if v == "" {
			return false, nil
		}

		result, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("cannot convert string %q to boolean: %w", v, err)
		}

		return result, nil
	case int:
		return v != 0, nil
	case int64:
		return v != 0, nil
	case float64:
		return v != 0, nil
	default:
		return false, fmt.Errorf("cannot convert %T to boolean", value)
	}
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}
