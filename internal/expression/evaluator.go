package expression

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
)

// templateRegex matches {{expression}} wrappers around a condition.
var templateRegex = regexp.MustCompile(`^\{\{(.+)\}\}$`)

// Evaluator compiles and runs boolean and value expressions against a
// JSON-like environment.
type Evaluator struct{}

// NewEvaluator creates a new expression evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// unwrap strips an optional {{...}} template wrapper.
func unwrap(expression string) (string, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return "", fmt.Errorf("empty expression")
	}
	if matches := templateRegex.FindStringSubmatch(expression); matches != nil {
		return strings.TrimSpace(matches[1]), nil
	}
	return expression, nil
}

// EvaluateCondition evaluates a boolean condition against the environment.
func (e *Evaluator) EvaluateCondition(expression string, env map[string]any) (bool, error) {
	content, err := unwrap(expression)
	if err != nil {
		return false, err
	}
	program, err := expr.Compile(content, expr.Env(env), expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return false, fmt.Errorf("compile expression: %w", err)
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("evaluate expression: %w", err)
	}
	boolResult, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expression did not evaluate to boolean, got %T", result)
	}
	return boolResult, nil
}

// Evaluate evaluates an expression of any result type.
func (e *Evaluator) Evaluate(expression string, env map[string]any) (any, error) {
	content, err := unwrap(expression)
	if err != nil {
		return nil, err
	}
	program, err := expr.Compile(content, expr.Env(env), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile expression: %w", err)
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate expression: %w", err)
	}
	return result, nil
}
