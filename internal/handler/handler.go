package handler

import (
	"context"

	"github.com/loomworks/loom/internal/credential"
)

// Output handles every handler gets for free. Handlers may declare more:
// conditionals add "true"/"false", loop carriers add "loop"/"done", and any
// handler may add "error" to make failures routable.
const (
	HandleDefault = "default"
	HandleTrue    = "true"
	HandleFalse   = "false"
	HandleLoop    = "loop"
	HandleDone    = "done"
	HandleError   = "error"
)

// Field types of the config schema language.
const (
	FieldString     = "string"
	FieldNumber     = "number"
	FieldBoolean    = "boolean"
	FieldSelect     = "select"
	FieldSecretRef  = "secret-ref"
	FieldCodeString = "code-string"
)

// FieldSpec declares one config field a handler accepts.
type FieldSpec struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Required bool     `json:"required"`
	Options  []string `json:"options,omitempty"`
	Secret   bool     `json:"secret,omitempty"`
}

// ErrorKind classifies a node failure for retry and routing decisions.
type ErrorKind string

const (
	ErrRetryable ErrorKind = "retryable"
	ErrPermanent ErrorKind = "permanent"
	ErrTimeout   ErrorKind = "timeout"
	ErrTemplate  ErrorKind = "template"
)

// NodeError is a handler-reported failure.
type NodeError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *NodeError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// Retryable reports whether another attempt may succeed.
func (e *NodeError) Retryable() bool {
	return e.Kind == ErrRetryable || e.Kind == ErrTimeout
}

// Result is what a node execution publishes into downstream scope.
type Result struct {
	Data   map[string]any `json:"data"`
	Handle string         `json:"output_handle"`
	Err    *NodeError     `json:"error,omitempty"`
}

// OK builds a success result on the default handle.
func OK(data map[string]any) *Result {
	return &Result{Data: data, Handle: HandleDefault}
}

// Routed builds a success result on a named handle.
func Routed(handle string, data map[string]any) *Result {
	return &Result{Data: data, Handle: handle}
}

// Fail builds a routable error result.
func Fail(kind ErrorKind, message string) *Result {
	return &Result{
		Data:   map[string]any{"error": message},
		Handle: HandleError,
		Err:    &NodeError{Kind: kind, Message: message},
	}
}

// State is the per-execution scratch space handlers may read and write. It is
// owned by exactly one runner; implementations need no internal locking.
type State interface {
	Variable(name string) (any, bool)
	Variables() map[string]any
	SetVariable(name string, value any)
	LoopCount(nodeID string) int
	IncrementLoop(nodeID string) int
	Items(nodeID string) ([]any, bool)
	SetItems(nodeID string, items []any)
	BatchCursor(nodeID string) int
	SetBatchCursor(nodeID string, cursor int)
	Accumulate(nodeID string, value any)
	Accumulated(nodeID string) []any
	Credential(ref string) (*credential.Decrypted, error)
}

// HumanRequest asks the kernel to block the execution on a human response.
type HumanRequest struct {
	Kind           string
	Title          string
	Message        string
	Options        []string
	TimeoutSeconds int
}

// SubworkflowRequest asks the kernel to run a child workflow to completion.
// Input and output mapping is the calling handler's concern; the kernel only
// sees the already-mapped input.
type SubworkflowRequest struct {
	// Definition is an inline child workflow; WorkflowID loads a stored one.
	Definition map[string]any
	WorkflowID string
	Input      map[string]any
}

// Kernel exposes the supervision capabilities a handler may call back into.
// Only handlers that suspend the execution (human, sub_workflow) use it.
type Kernel interface {
	AskHuman(ctx context.Context, executionID string, req HumanRequest) (any, error)
	RunSubworkflow(ctx context.Context, executionID string, req SubworkflowRequest) (map[string]any, error)
}

// Input is everything a handler sees for one invocation.
type Input struct {
	ExecutionID string
	WorkflowID  string
	UserID      string
	NodeID      string
	// Config is the node config with templates already resolved.
	Config map[string]any
	// Data is the merged output of the node's direct predecessors plus the
	// trigger payload for entry nodes.
	Data map[string]any
	// State is the execution's scratch space.
	State State
	// Kernel is nil for executions run without a supervisor.
	Kernel Kernel
}

// Handler is the capability bound to a node type tag.
type Handler interface {
	// Fields declares the config schema checked at compile time.
	Fields() []FieldSpec
	// Credentials lists the credential type tags the handler may use.
	Credentials() []string
	// Outputs lists the handles the handler can complete with.
	Outputs() []string
	Execute(ctx context.Context, in *Input) (*Result, error)
}

// LoopCarrying reports whether a handler legitimately produces back-edges:
// it can complete with both "loop" and "done".
func LoopCarrying(h Handler) bool {
	var hasLoop, hasDone bool
	for _, out := range h.Outputs() {
		switch out {
		case HandleLoop:
			hasLoop = true
		case HandleDone:
			hasDone = true
		}
	}
	return hasLoop && hasDone
}
