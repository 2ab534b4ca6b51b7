package builtin

import (
	"context"
	"fmt"

	"github.com/dop251/goja"

	"github.com/loomworks/loom/internal/handler"
)

// CodeHandler runs a JavaScript snippet in a sandboxed goja VM. The snippet
// sees `input` and `vars`; its final expression value becomes the node
// output. Cancellation interrupts the VM.
type CodeHandler struct{}

func (h *CodeHandler) Fields() []handler.FieldSpec {
	return []handler.FieldSpec{
		{Name: "code", Type: handler.FieldCodeString, Required: true},
	}
}
func (h *CodeHandler) Credentials() []string { return nil }
func (h *CodeHandler) Outputs() []string {
	return []string{handler.HandleDefault, handler.HandleError}
}

func (h *CodeHandler) Execute(ctx context.Context, in *handler.Input) (*handler.Result, error) {
	code, _ := configString(in.Config, "code")

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	if err := vm.Set("input", in.Data); err != nil {
		return nil, err
	}
	if err := vm.Set("vars", in.State.Variables()); err != nil {
		return nil, err
	}

	// Interrupt the VM when the attempt context ends; RunString then returns
	// an *InterruptedError instead of looping forever.
	watchdog := make(chan struct{})
	defer close(watchdog)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt("execution cancelled")
		case <-watchdog:
		}
	}()

	value, err := vm.RunString(code)
	if err != nil {
		if _, interrupted := err.(*goja.InterruptedError); interrupted {
			return nil, ctx.Err()
		}
		return handler.Fail(handler.ErrPermanent, fmt.Sprintf("script error: %v", err)), nil
	}

	exported := value.Export()
	switch out := exported.(type) {
	case map[string]any:
		return handler.OK(out), nil
	case nil:
		return handler.OK(map[string]any{}), nil
	default:
		return handler.OK(map[string]any{"result": out}), nil
	}
}
