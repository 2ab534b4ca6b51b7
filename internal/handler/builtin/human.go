package builtin

import (
	"context"
	"errors"
	"fmt"

	"github.com/loomworks/loom/internal/handler"
	"github.com/loomworks/loom/internal/humantask"
)

// HumanHandler blocks the execution on a human response via the kernel's
// HITL rendezvous. A timeout is a node failure the workflow's error policy
// decides how to treat; the "error" output makes it routable.
type HumanHandler struct{}

func (h *HumanHandler) Fields() []handler.FieldSpec {
	return []handler.FieldSpec{
		{Name: "message", Type: handler.FieldString, Required: true},
		{Name: "title", Type: handler.FieldString, Required: false},
		{Name: "kind", Type: handler.FieldSelect, Required: false,
			Options: []string{humantask.KindApproval, humantask.KindClarification, humantask.KindErrorRecovery}},
		{Name: "timeout_seconds", Type: handler.FieldNumber, Required: false},
	}
}
func (h *HumanHandler) Credentials() []string { return nil }
func (h *HumanHandler) Outputs() []string {
	return []string{handler.HandleDefault, handler.HandleError}
}

func (h *HumanHandler) Execute(ctx context.Context, in *handler.Input) (*handler.Result, error) {
	if in.Kernel == nil {
		return nil, fmt.Errorf("human node requires a supervisor")
	}
	message, _ := configString(in.Config, "message")
	title, _ := configString(in.Config, "title")
	kind, _ := configString(in.Config, "kind")
	timeoutSeconds, _ := configInt(in.Config, "timeout_seconds")

	resp, err := in.Kernel.AskHuman(ctx, in.ExecutionID, handler.HumanRequest{
		Kind:           kind,
		Title:          title,
		Message:        message,
		Options:        configStrings(in.Config, "options"),
		TimeoutSeconds: timeoutSeconds,
	})
	if err != nil {
		if errors.Is(err, humantask.ErrTimedOut) {
			return nil, &handler.NodeError{Kind: handler.ErrPermanent, Message: "human response timed out"}
		}
		return nil, err
	}

	data := make(map[string]any, len(in.Data)+1)
	for k, v := range in.Data {
		data[k] = v
	}
	data["response"] = resp
	return handler.OK(data), nil
}
