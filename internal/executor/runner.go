package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/loomworks/loom/internal/compiler"
	"github.com/loomworks/loom/internal/handler"
	"github.com/loomworks/loom/internal/tracing"
	"github.com/loomworks/loom/internal/workflow"
)

// Backoff and cancellation defaults.
const (
	DefaultBackoffBase = 5 * time.Second
	DefaultBackoffCap  = 30 * time.Second
	DefaultGraceWindow = 5 * time.Second
)

// errCancelled marks an attempt interrupted by execution-level cancellation.
var errCancelled = errors.New("execution cancelled")

type nodeState int

const (
	statePending nodeState = iota
	stateQueued
	stateCompleted
	stateSkipped
)

// Outcome is the terminal result of one run.
type Outcome struct {
	State  workflow.ExecutionState
	Error  *workflow.ExecutionError
	Output map[string]any
}

// Runner drives one plan to a terminal state. It is single-threaded within
// the execution: handlers run sequentially, one in flight at a time.
type Runner struct {
	plan        *compiler.Plan
	execCtx     *Context
	hooks       Hooks
	kernel      handler.Kernel
	logger      *slog.Logger
	executionID string

	backoffBase time.Duration
	backoffCap  time.Duration
	grace       time.Duration

	status    map[string]nodeState
	resolved  map[string]map[string]bool
	fired     map[string]bool
	queue     []string
	loopFires map[string]int
	trigger   map[string]any
}

// NewRunner creates a runner for one execution.
func NewRunner(executionID string, plan *compiler.Plan, execCtx *Context, hooks Hooks, logger *slog.Logger) *Runner {
	if hooks == nil {
		hooks = NopHooks{}
	}
	return &Runner{
		plan:        plan,
		execCtx:     execCtx,
		hooks:       hooks,
		logger:      logger,
		executionID: executionID,
		backoffBase: DefaultBackoffBase,
		backoffCap:  DefaultBackoffCap,
		grace:       DefaultGraceWindow,
		status:      make(map[string]nodeState),
		resolved:    make(map[string]map[string]bool),
		fired:       make(map[string]bool),
		loopFires:   make(map[string]int),
	}
}

// WithKernel wires the supervision capabilities handed to handlers.
func (r *Runner) WithKernel(k handler.Kernel) *Runner {
	r.kernel = k
	return r
}

// WithBackoff overrides retry backoff bounds.
func (r *Runner) WithBackoff(base, limit time.Duration) *Runner {
	r.backoffBase = base
	r.backoffCap = limit
	return r
}

// WithGrace overrides the cancellation grace window.
func (r *Runner) WithGrace(grace time.Duration) *Runner {
	r.grace = grace
	return r
}

// Run drives the plan to a terminal state. The context carries execution-level
// cancellation; pause and HITL blocking happen inside the hooks.
func (r *Runner) Run(ctx context.Context, trigger map[string]any) *Outcome {
	r.trigger = trigger
	for _, entry := range r.plan.Entry {
		r.status[entry] = stateQueued
		r.queue = append(r.queue, entry)
	}

	for len(r.queue) > 0 {
		if ctx.Err() != nil {
			return r.cancelled()
		}
		nodeID := r.queue[0]
		r.queue = r.queue[1:]

		if dec := r.hooks.BeforeNode(ctx, r.executionID, nodeID); dec.Action == ActionAbort {
			return r.aborted(dec, nodeID)
		}

		var res *nodeResult
		var outcome *Outcome
		_ = tracing.TraceNode(ctx, r.executionID, nodeID, r.plan.Nodes[nodeID].Node.Type, func(ctx context.Context) error {
			res, outcome = r.executeNode(ctx, nodeID)
			if outcome != nil && outcome.Error != nil {
				return outcome.Error
			}
			return nil
		})
		if outcome != nil {
			return outcome
		}
		r.status[nodeID] = stateCompleted
		r.execCtx.PublishOutput(nodeID, res.result)

		if dec := r.hooks.AfterNode(ctx, r.executionID, nodeID, res.result, res.stats); dec.Action == ActionAbort {
			return r.aborted(dec, nodeID)
		}

		if outcome := r.route(nodeID, res.result); outcome != nil {
			return outcome
		}
	}

	return &Outcome{State: workflow.StateCompleted, Output: r.mergeTerminals()}
}

// route fires the edges selected by the node's output handle, marks
// not-taken branches, and enqueues nodes whose predecessors are satisfied.
func (r *Runner) route(nodeID string, res *handler.Result) *Outcome {
	h := res.Handle
	if h == "" {
		h = handler.HandleDefault
	}

	outHandles := r.plan.Handles(nodeID)
	known := false
	for _, oh := range outHandles {
		if oh == h {
			known = true
			break
		}
	}
	if !known {
		// An error that no edge routes terminates the execution under either
		// error policy.
		if res.Err != nil {
			return &Outcome{State: workflow.StateFailed, Error: &workflow.ExecutionError{
				Kind:    string(res.Err.Kind),
				NodeID:  nodeID,
				Message: res.Err.Message,
			}}
		}
		if len(outHandles) > 0 && h != handler.HandleDefault {
			r.logger.Warn("unknown output handle, routing as default",
				"execution_id", r.executionID, "node_id", nodeID, "handle", h)
			h = handler.HandleDefault
		}
	}

	handlesToRoute := outHandles
	if r.plan.IsLoopCarrier(nodeID) {
		// A carrier's other handle fires on a later iteration; resolving it
		// as not-taken now would wrongly skip the done path (or the body).
		handlesToRoute = []string{h}
		if h == handler.HandleLoop {
			r.loopFires[nodeID]++
			if r.loopFires[nodeID] > workflow.SystemMaxLoops {
				return &Outcome{State: workflow.StateFailed, Error: &workflow.ExecutionError{
					Kind:    "loop_limit_exceeded",
					NodeID:  nodeID,
					Message: fmt.Sprintf("loop fired more than %d times", workflow.SystemMaxLoops),
				}}
			}
			r.resetLoopGroup(nodeID)
		}
	}

	for _, oh := range handlesToRoute {
		for _, target := range r.plan.Next(nodeID, oh) {
			r.resolvePred(target, nodeID, oh == h)
		}
	}
	return nil
}

// resolvePred records that a predecessor of target has finished (fired or
// not). When every gating predecessor is resolved the target either becomes
// ready or is skipped; skips propagate so downstream joins never deadlock.
func (r *Runner) resolvePred(target, source string, firedEdge bool) {
	m := r.resolved[target]
	if m == nil {
		m = make(map[string]bool)
		r.resolved[target] = m
	}
	m[source] = true
	if firedEdge {
		r.fired[target] = true
	}

	for _, p := range r.plan.NonLoopPreds(target) {
		if !m[p] {
			return
		}
	}
	if r.status[target] != statePending {
		return
	}
	if r.fired[target] {
		r.status[target] = stateQueued
		r.queue = append(r.queue, target)
		return
	}
	// Reachable only through branches that did not fire: skip silently and
	// let successors observe the resolution.
	r.status[target] = stateSkipped
	for _, oh := range r.plan.Handles(target) {
		for _, t := range r.plan.Next(target, oh) {
			r.resolvePred(t, target, false)
		}
	}
}

// resetLoopGroup rearms the loop body for the next iteration. Resolution
// from predecessors outside the loop group is preserved.
func (r *Runner) resetLoopGroup(carrier string) {
	for _, member := range r.plan.LoopMembers(carrier) {
		r.status[member] = statePending
		r.fired[member] = false
		old := r.resolved[member]
		kept := make(map[string]bool)
		for _, p := range r.plan.NonLoopPreds(member) {
			if !r.plan.SameLoopGroup(member, p) && old[p] {
				kept[p] = true
			}
		}
		r.resolved[member] = kept
	}
	r.status[carrier] = statePending
	r.fired[carrier] = false
}

type nodeResult struct {
	result *handler.Result
	stats  NodeStats
}

// executeNode resolves input and config, then attempts the handler under the
// retry policy. It returns a terminal outcome instead of a result when the
// execution must stop.
func (r *Runner) executeNode(ctx context.Context, nodeID string) (*nodeResult, *Outcome) {
	pn := r.plan.Nodes[nodeID]
	started := time.Now()

	input := r.execCtx.ResolveInput(r.plan, nodeID, r.trigger)
	rawCfg, err := pn.Node.ConfigMap()
	if err != nil {
		return nil, &Outcome{State: workflow.StateFailed, Error: &workflow.ExecutionError{
			Kind: "config", NodeID: nodeID, Message: err.Error(),
		}}
	}
	cfg, terr := ResolveConfig(rawCfg, r.execCtx.TemplateEnv(input))
	if terr != nil {
		nr, outcome := r.failNode(ctx, nodeID, terr, started, 0)
		if outcome != nil {
			return nil, outcome
		}
		if nr != nil {
			return nr, nil
		}
		// Retrying cannot resolve a missing reference.
		return nil, &Outcome{State: workflow.StateFailed, Error: &workflow.ExecutionError{
			Kind: string(terr.Kind), NodeID: nodeID, Message: terr.Message,
		}}
	}

	in := &handler.Input{
		ExecutionID: r.executionID,
		WorkflowID:  r.plan.WorkflowID,
		UserID:      r.plan.UserID,
		NodeID:      nodeID,
		Config:      cfg,
		Data:        input,
		State:       r.execCtx,
		Kernel:      r.kernel,
	}

	maxAttempts := pn.Retries + 1
	for attempt := 1; ; attempt++ {
		res, nerr := r.attempt(ctx, pn, in)
		if nerr != nil && (errors.Is(nerr, errCancelled) || ctx.Err() != nil) {
			return nil, r.cancelled()
		}

		var nodeErr *handler.NodeError
		if nerr != nil {
			if !errors.As(nerr, &nodeErr) {
				nodeErr = classify(nerr)
			}
		} else if res.Err != nil && res.Handle == handler.HandleError {
			// Routable failure: retry when recoverable, otherwise let the
			// error flow through the "error" handle.
			if res.Err.Retryable() && attempt < maxAttempts {
				if !r.backoff(ctx, attempt) {
					return nil, r.cancelled()
				}
				continue
			}
			return &nodeResult{result: res, stats: NodeStats{Attempts: attempt, StartedAt: started, Duration: time.Since(started)}}, nil
		} else {
			return &nodeResult{result: res, stats: NodeStats{Attempts: attempt, StartedAt: started, Duration: time.Since(started)}}, nil
		}

		if nodeErr.Retryable() && attempt < maxAttempts {
			r.logger.Info("retrying node after failure",
				"execution_id", r.executionID, "node_id", nodeID,
				"attempt", attempt, "max_attempts", maxAttempts, "error", nodeErr.Message)
			if !r.backoff(ctx, attempt) {
				return nil, r.cancelled()
			}
			continue
		}

		nr, outcome := r.failNode(ctx, nodeID, nodeErr, started, attempt)
		if outcome != nil {
			return nil, outcome
		}
		if nr != nil {
			return nr, nil
		}
		// The on-error hook asked for another attempt.
		maxAttempts = attempt + 1
	}
}

// failNode consults the on-error hook after attempts are exhausted. A nil,
// nil return means the hook granted one more attempt.
func (r *Runner) failNode(ctx context.Context, nodeID string, nodeErr *handler.NodeError, started time.Time, attempts int) (*nodeResult, *Outcome) {
	dec := r.hooks.OnError(ctx, r.executionID, nodeID, nodeErr)
	switch dec.Action {
	case ActionRetry:
		return nil, nil
	case ActionContinue:
		res := handler.Fail(nodeErr.Kind, nodeErr.Message)
		return &nodeResult{result: res, stats: NodeStats{Attempts: attempts, StartedAt: started, Duration: time.Since(started)}}, nil
	default:
		if dec.Cancelled {
			return nil, r.cancelled()
		}
		err := dec.Err
		if err == nil {
			err = &workflow.ExecutionError{Kind: string(nodeErr.Kind), NodeID: nodeID, Message: nodeErr.Message}
		}
		return nil, &Outcome{State: workflow.StateFailed, Error: err}
	}
}

// attempt runs the handler once under a cancellable timer. On execution
// cancellation the handler gets the grace window to wind down before being
// abandoned; an expired attempt timer fails the attempt immediately.
func (r *Runner) attempt(ctx context.Context, pn *compiler.PlanNode, in *handler.Input) (*handler.Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, pn.Timeout)
	defer cancel()

	type attemptOut struct {
		res *handler.Result
		err error
	}
	ch := make(chan attemptOut, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- attemptOut{err: &handler.NodeError{
					Kind:    handler.ErrPermanent,
					Message: fmt.Sprintf("handler panic: %v", rec),
				}}
			}
		}()
		res, err := pn.Handler.Execute(attemptCtx, in)
		ch <- attemptOut{res: res, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			return nil, out.err
		}
		if out.res == nil {
			return nil, &handler.NodeError{Kind: handler.ErrPermanent, Message: "handler returned no result"}
		}
		if out.res.Handle == "" {
			out.res.Handle = handler.HandleDefault
		}
		return out.res, nil
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			// Execution-level cancellation: give the handler the grace
			// window, then abandon it. Side effects past this point are
			// best-effort.
			select {
			case <-ch:
			case <-time.After(r.grace):
				r.logger.Warn("abandoning handler after grace window",
					"execution_id", r.executionID, "node_id", pn.Node.ID)
			}
			return nil, errCancelled
		}
		return nil, &handler.NodeError{
			Kind:    handler.ErrTimeout,
			Message: fmt.Sprintf("node timed out after %s", pn.Timeout),
		}
	}
}

// backoff sleeps between attempts: exponential from the base, capped, with
// full jitter. Returns false when cancelled mid-sleep.
func (r *Runner) backoff(ctx context.Context, attempt int) bool {
	d := r.backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= r.backoffCap {
			d = r.backoffCap
			break
		}
	}
	if d > 0 {
		d = time.Duration(rand.Int63n(int64(d)) + 1)
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *Runner) mergeTerminals() map[string]any {
	output := make(map[string]any)
	for _, t := range r.plan.Terminals() {
		if r.status[t] != stateCompleted {
			continue
		}
		if res, ok := r.execCtx.Output(t); ok {
			for k, v := range res.Data {
				output[k] = v
			}
		}
	}
	return output
}

func (r *Runner) cancelled() *Outcome {
	return &Outcome{State: workflow.StateCancelled}
}

func (r *Runner) aborted(dec Decision, nodeID string) *Outcome {
	if dec.Cancelled {
		return r.cancelled()
	}
	err := dec.Err
	if err == nil {
		err = &workflow.ExecutionError{Kind: "aborted", NodeID: nodeID, Message: "aborted by supervisor"}
	}
	return &Outcome{State: workflow.StateFailed, Error: err}
}
