package builtin

import (
	"context"
	"time"

	"github.com/loomworks/loom/internal/handler"
)

// TriggerHandler is the entry node: it publishes the trigger payload
// unchanged so downstream nodes can reference it.
type TriggerHandler struct{}

func (h *TriggerHandler) Fields() []handler.FieldSpec { return nil }
func (h *TriggerHandler) Credentials() []string       { return nil }
func (h *TriggerHandler) Outputs() []string           { return []string{handler.HandleDefault} }

func (h *TriggerHandler) Execute(_ context.Context, in *handler.Input) (*handler.Result, error) {
	return handler.OK(in.Data), nil
}

// SetHandler writes execution variables and forwards them downstream.
type SetHandler struct{}

func (h *SetHandler) Fields() []handler.FieldSpec { return nil }
func (h *SetHandler) Credentials() []string       { return nil }
func (h *SetHandler) Outputs() []string           { return []string{handler.HandleDefault} }

func (h *SetHandler) Execute(_ context.Context, in *handler.Input) (*handler.Result, error) {
	values, _ := in.Config["values"].(map[string]any)
	data := make(map[string]any, len(in.Data)+len(values))
	for k, v := range in.Data {
		data[k] = v
	}
	for k, v := range values {
		in.State.SetVariable(k, v)
		data[k] = v
	}
	return handler.OK(data), nil
}

// MergeHandler joins fan-in branches: its input already carries the merged
// predecessor outputs, so it only forwards them.
type MergeHandler struct{}

func (h *MergeHandler) Fields() []handler.FieldSpec { return nil }
func (h *MergeHandler) Credentials() []string       { return nil }
func (h *MergeHandler) Outputs() []string           { return []string{handler.HandleDefault} }

func (h *MergeHandler) Execute(_ context.Context, in *handler.Input) (*handler.Result, error) {
	return handler.OK(in.Data), nil
}

// NoopHandler forwards its input unchanged.
type NoopHandler struct{}

func (h *NoopHandler) Fields() []handler.FieldSpec { return nil }
func (h *NoopHandler) Credentials() []string       { return nil }
func (h *NoopHandler) Outputs() []string           { return []string{handler.HandleDefault} }

func (h *NoopHandler) Execute(_ context.Context, in *handler.Input) (*handler.Result, error) {
	return handler.OK(in.Data), nil
}

// DelayHandler sleeps for the configured duration, honouring cancellation.
type DelayHandler struct{}

func (h *DelayHandler) Fields() []handler.FieldSpec {
	return []handler.FieldSpec{
		{Name: "duration_ms", Type: handler.FieldNumber, Required: true},
	}
}
func (h *DelayHandler) Credentials() []string { return nil }
func (h *DelayHandler) Outputs() []string     { return []string{handler.HandleDefault} }

func (h *DelayHandler) Execute(ctx context.Context, in *handler.Input) (*handler.Result, error) {
	ms, _ := configInt(in.Config, "duration_ms")
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return handler.OK(in.Data), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
