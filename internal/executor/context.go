package executor

import (
	"fmt"

	"github.com/loomworks/loom/internal/compiler"
	"github.com/loomworks/loom/internal/credential"
	"github.com/loomworks/loom/internal/handler"
)

// Context is the per-execution scratch space. It is owned by exactly one
// runner goroutine; no internal locking is needed. It is created at execution
// start and destroyed at terminal transition; credential material is zeroed
// on destruction and never persisted.
type Context struct {
	executionID  string
	workflowID   string
	userID       string
	nestingDepth int

	vars        map[string]any
	outputs     map[string]*handler.Result
	loopCount   map[string]int
	loopItems   map[string][]any
	batchCursor map[string]int
	accumulated map[string][]any
	creds       map[string]*credential.Decrypted
}

// NewContext creates the state bag for one execution.
func NewContext(executionID, workflowID, userID string, nestingDepth int) *Context {
	return &Context{
		executionID:  executionID,
		workflowID:   workflowID,
		userID:       userID,
		nestingDepth: nestingDepth,
		vars:         make(map[string]any),
		outputs:      make(map[string]*handler.Result),
		loopCount:    make(map[string]int),
		loopItems:    make(map[string][]any),
		batchCursor:  make(map[string]int),
		accumulated:  make(map[string][]any),
		creds:        make(map[string]*credential.Decrypted),
	}
}

// NestingDepth returns the sub-workflow depth of the owning execution.
func (c *Context) NestingDepth() int { return c.nestingDepth }

// Variable implements handler.State.
func (c *Context) Variable(name string) (any, bool) {
	v, ok := c.vars[name]
	return v, ok
}

// Variables implements handler.State; the returned map is a copy.
func (c *Context) Variables() map[string]any {
	out := make(map[string]any, len(c.vars))
	for k, v := range c.vars {
		out[k] = v
	}
	return out
}

// SetVariable implements handler.State.
func (c *Context) SetVariable(name string, value any) {
	c.vars[name] = value
}

// PublishOutput records a node's result, including its output handle.
func (c *Context) PublishOutput(nodeID string, res *handler.Result) {
	c.outputs[nodeID] = res
}

// Output returns a published node result.
func (c *Context) Output(nodeID string) (*handler.Result, bool) {
	res, ok := c.outputs[nodeID]
	return res, ok
}

// LoopCount implements handler.State.
func (c *Context) LoopCount(nodeID string) int { return c.loopCount[nodeID] }

// IncrementLoop bumps a node's loop counter and returns the new value.
func (c *Context) IncrementLoop(nodeID string) int {
	c.loopCount[nodeID]++
	return c.loopCount[nodeID]
}

// Items implements handler.State.
func (c *Context) Items(nodeID string) ([]any, bool) {
	items, ok := c.loopItems[nodeID]
	return items, ok
}

// SetItems implements handler.State.
func (c *Context) SetItems(nodeID string, items []any) { c.loopItems[nodeID] = items }

// BatchCursor implements handler.State.
func (c *Context) BatchCursor(nodeID string) int { return c.batchCursor[nodeID] }

// SetBatchCursor implements handler.State.
func (c *Context) SetBatchCursor(nodeID string, cursor int) { c.batchCursor[nodeID] = cursor }

// Accumulate implements handler.State.
func (c *Context) Accumulate(nodeID string, value any) {
	c.accumulated[nodeID] = append(c.accumulated[nodeID], value)
}

// Accumulated implements handler.State.
func (c *Context) Accumulated(nodeID string) []any { return c.accumulated[nodeID] }

// BindCredential installs a decrypted handle. Only references validated at
// compile time for this user ever reach here.
func (c *Context) BindCredential(d *credential.Decrypted) {
	c.creds[d.Ref] = d
}

// Credential implements handler.State. Asking for a reference that was not
// validated during compilation is a kernel bug, not a user error.
func (c *Context) Credential(ref string) (*credential.Decrypted, error) {
	d, ok := c.creds[ref]
	if !ok {
		panic(fmt.Sprintf("credential %q was not bound at compile time for execution %s", ref, c.executionID))
	}
	if d.UserID != c.userID {
		return nil, credential.ErrForbidden
	}
	return d, nil
}

// SecretValues returns all bound secret material, for masking.
func (c *Context) SecretValues() []string {
	var vals []string
	for _, d := range c.creds {
		vals = append(vals, d.Values()...)
	}
	return vals
}

// Destroy zeroes credential material and drops all state.
func (c *Context) Destroy() {
	for _, d := range c.creds {
		d.Zero()
	}
	c.creds = nil
	c.vars = nil
	c.outputs = nil
	c.loopItems = nil
	c.accumulated = nil
}

// ResolveInput gathers the outputs of a node's completed direct predecessors
// plus the trigger payload for entry nodes into the handler's input shape.
// Predecessors are merged in sorted order so the result is deterministic.
func (c *Context) ResolveInput(plan *compiler.Plan, nodeID string, trigger map[string]any) map[string]any {
	input := make(map[string]any)
	preds := plan.NonLoopPreds(nodeID)
	if len(preds) == 0 {
		for k, v := range trigger {
			input[k] = v
		}
		return input
	}
	for _, pred := range preds {
		res, ok := c.outputs[pred]
		if !ok {
			continue // skipped or not-taken branch
		}
		for k, v := range res.Data {
			input[k] = v
		}
	}
	// A loop carrier re-entering sees the body's latest output on top.
	for _, pred := range plan.LoopReentryPreds(nodeID) {
		if res, ok := c.outputs[pred]; ok {
			for k, v := range res.Data {
				input[k] = v
			}
		}
	}
	return input
}

// TemplateEnv builds the environment template references resolve against.
func (c *Context) TemplateEnv(input map[string]any) *TemplateEnv {
	outputs := make(map[string]any, len(c.outputs))
	for id, res := range c.outputs {
		outputs[id] = mapToAny(res.Data)
	}
	return &TemplateEnv{Input: input, Vars: c.vars, Outputs: outputs}
}

func mapToAny(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
