package executor

import (
	"context"
	"time"

	"github.com/loomworks/loom/internal/handler"
	"github.com/loomworks/loom/internal/workflow"
)

// Action is a hook's verdict on how execution proceeds.
type Action int

const (
	ActionContinue Action = iota
	ActionAbort
	ActionRetry
)

// Decision is returned by every supervision hook.
type Decision struct {
	Action Action
	// Cancelled marks an abort as a cancellation rather than a failure.
	Cancelled bool
	// Err carries the failure attached to an abort.
	Err *workflow.ExecutionError
}

// Continue is the neutral decision.
func Continue() Decision { return Decision{Action: ActionContinue} }

// AbortCancelled aborts the execution as cancelled.
func AbortCancelled() Decision { return Decision{Action: ActionAbort, Cancelled: true} }

// AbortFailed aborts the execution with an error.
func AbortFailed(err *workflow.ExecutionError) Decision {
	return Decision{Action: ActionAbort, Err: err}
}

// NodeStats describes one finished node invocation.
type NodeStats struct {
	Attempts  int
	StartedAt time.Time
	Duration  time.Duration
}

// Hooks is the supervision contract the runner consults at every node
// boundary. BeforeNode is the runner's cooperative suspension point: the
// implementation may block there (pause gate, HITL).
type Hooks interface {
	BeforeNode(ctx context.Context, executionID, nodeID string) Decision
	AfterNode(ctx context.Context, executionID, nodeID string, res *handler.Result, stats NodeStats) Decision
	OnError(ctx context.Context, executionID, nodeID string, nodeErr *handler.NodeError) Decision
}

// NopHooks runs executions unsupervised: never pauses, aborts on error.
type NopHooks struct{}

// BeforeNode implements Hooks.
func (NopHooks) BeforeNode(ctx context.Context, _, _ string) Decision {
	if ctx.Err() != nil {
		return AbortCancelled()
	}
	return Continue()
}

// AfterNode implements Hooks.
func (NopHooks) AfterNode(context.Context, string, string, *handler.Result, NodeStats) Decision {
	return Continue()
}

// OnError implements Hooks.
func (NopHooks) OnError(_ context.Context, _, nodeID string, nodeErr *handler.NodeError) Decision {
	return AbortFailed(&workflow.ExecutionError{
		Kind:    string(nodeErr.Kind),
		NodeID:  nodeID,
		Message: nodeErr.Message,
	})
}
