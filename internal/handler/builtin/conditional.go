package builtin

import (
	"context"
	"fmt"

	"github.com/loomworks/loom/internal/expression"
	"github.com/loomworks/loom/internal/handler"
)

// IfHandler evaluates a boolean condition and routes through the "true" or
// "false" handle. Input data passes through unchanged.
type IfHandler struct{}

func (h *IfHandler) Fields() []handler.FieldSpec {
	return []handler.FieldSpec{
		{Name: "condition", Type: handler.FieldCodeString, Required: true},
	}
}
func (h *IfHandler) Credentials() []string { return nil }
func (h *IfHandler) Outputs() []string {
	return []string{handler.HandleTrue, handler.HandleFalse}
}

func (h *IfHandler) Execute(_ context.Context, in *handler.Input) (*handler.Result, error) {
	condition, _ := configString(in.Config, "condition")
	env := map[string]any{
		"input": in.Data,
		"vars":  in.State.Variables(),
	}
	for k, v := range in.Data {
		if _, shadowed := env[k]; !shadowed {
			env[k] = v
		}
	}

	result, err := expression.NewEvaluator().EvaluateCondition(condition, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate condition: %w", err)
	}

	data := make(map[string]any, len(in.Data)+1)
	for k, v := range in.Data {
		data[k] = v
	}
	data["result"] = result
	if result {
		return handler.Routed(handler.HandleTrue, data), nil
	}
	return handler.Routed(handler.HandleFalse, data), nil
}

// SwitchHandler evaluates an expression and routes through the handle named
// by its string value. The routable handles are per-node, not per-type: the
// node config lists them under "handles", and a value not declared there
// falls back to the default handle.
type SwitchHandler struct{}

func (h *SwitchHandler) Fields() []handler.FieldSpec {
	return []handler.FieldSpec{
		{Name: "expression", Type: handler.FieldCodeString, Required: true},
	}
}
func (h *SwitchHandler) Credentials() []string { return nil }

// Outputs declares only the static default handle; the dynamic handles come
// from each node's "handles" config and Execute refuses to route through
// anything not declared there.
func (h *SwitchHandler) Outputs() []string { return []string{handler.HandleDefault} }

func (h *SwitchHandler) Execute(_ context.Context, in *handler.Input) (*handler.Result, error) {
	expr, _ := configString(in.Config, "expression")
	env := map[string]any{
		"input": in.Data,
		"vars":  in.State.Variables(),
	}
	for k, v := range in.Data {
		if _, shadowed := env[k]; !shadowed {
			env[k] = v
		}
	}

	value, err := expression.NewEvaluator().Evaluate(expr, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate switch expression: %w", err)
	}
	h2 := handler.HandleDefault
	if s, ok := value.(string); ok && s != "" {
		for _, declared := range configStrings(in.Config, "handles") {
			if s == declared {
				h2 = s
				break
			}
		}
	}
	return handler.Routed(h2, in.Data), nil
}
