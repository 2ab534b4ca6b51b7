package builtin

import (
	"context"
	"fmt"

	"github.com/loomworks/loom/internal/handler"
)

// SubWorkflowHandler runs a child workflow and maps its output back into the
// parent scope. Input mapping values are ordinary config values, so template
// references against the parent scope are already resolved by the time the
// handler runs.
type SubWorkflowHandler struct{}

func (h *SubWorkflowHandler) Fields() []handler.FieldSpec {
	return []handler.FieldSpec{
		{Name: "workflow_id", Type: handler.FieldString, Required: false},
	}
}
func (h *SubWorkflowHandler) Credentials() []string { return nil }
func (h *SubWorkflowHandler) Outputs() []string {
	return []string{handler.HandleDefault, handler.HandleError}
}

func (h *SubWorkflowHandler) Execute(ctx context.Context, in *handler.Input) (*handler.Result, error) {
	if in.Kernel == nil {
		return nil, fmt.Errorf("sub_workflow node requires a supervisor")
	}

	req := handler.SubworkflowRequest{Input: make(map[string]any)}
	if id, ok := configString(in.Config, "workflow_id"); ok && id != "" {
		req.WorkflowID = id
	} else if def, ok := in.Config["definition"].(map[string]any); ok {
		req.Definition = def
	} else {
		return nil, fmt.Errorf("sub_workflow node needs workflow_id or an inline definition")
	}

	if mapping, ok := in.Config["input"].(map[string]any); ok {
		for k, v := range mapping {
			req.Input[k] = v
		}
	} else {
		for k, v := range in.Data {
			req.Input[k] = v
		}
	}

	output, err := in.Kernel.RunSubworkflow(ctx, in.ExecutionID, req)
	if err != nil {
		return nil, err
	}

	if mapping, ok := in.Config["output_mapping"].(map[string]any); ok {
		mapped := make(map[string]any, len(mapping))
		for parentKey, childPath := range mapping {
			path, ok := childPath.(string)
			if !ok {
				continue
			}
			value, err := lookupPath(output, path)
			if err != nil {
				return nil, &handler.NodeError{
					Kind:    handler.ErrPermanent,
					Message: fmt.Sprintf("output mapping %s: %v", parentKey, err),
				}
			}
			mapped[parentKey] = value
		}
		return handler.OK(mapped), nil
	}
	return handler.OK(output), nil
}
