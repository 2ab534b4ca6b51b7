package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/handler"
	"github.com/loomworks/loom/internal/humantask"
	"github.com/loomworks/loom/internal/workflow"
)

// kernel is the per-execution view of the supervision capabilities handlers
// may call back into.
type kernel struct {
	s *Supervisor
	e *execution
}

// AskHuman blocks the execution on a human response. The execution enters
// WAITING_HUMAN with exactly one pending request; the response, a timeout or
// cancellation resolves it.
func (k *kernel) AskHuman(ctx context.Context, executionID string, req handler.HumanRequest) (any, error) {
	kind := req.Kind
	if kind == "" {
		kind = humantask.KindApproval
	}
	hreq, err := k.s.hitl.Create(k.e.handle.ExecutionID, k.e.handle.UserID,
		kind, req.Title, req.Message, req.Options, req.TimeoutSeconds)
	if err != nil {
		return nil, err
	}

	k.e.mu.Lock()
	k.e.handle.PendingHITL = hreq.ID
	k.e.mu.Unlock()
	k.s.setState(k.e, workflow.StateWaitingHuman)
	k.s.emit(events.Event{
		Type:        events.TypeHITLRequested,
		ExecutionID: k.e.handle.ExecutionID,
		WorkflowID:  k.e.plan.WorkflowID,
		UserID:      k.e.handle.UserID,
		RequestID:   hreq.ID,
		Message:     req.Message,
		Options:     req.Options,
	})
	if k.s.metrics != nil {
		k.s.metrics.HITLPendingGauge.Inc()
	}
	waitStart := time.Now()

	resp, err := k.s.hitl.Await(k.e.ctx, hreq.ID)

	k.e.mu.Lock()
	k.e.handle.PendingHITL = ""
	k.e.mu.Unlock()
	if k.s.metrics != nil {
		k.s.metrics.HITLPendingGauge.Dec()
		k.s.metrics.HITLWaitDuration.Observe(time.Since(waitStart).Seconds())
		k.s.metrics.HITLRequestsTotal.WithLabelValues(kind, resolutionLabel(err)).Inc()
	}

	if errors.Is(err, humantask.ErrCancelled) {
		return nil, err
	}
	// Timed-out and answered requests both return the execution to running;
	// a timeout is the calling handler's error to escalate or route.
	k.s.setState(k.e, workflow.StateRunning)
	ev := events.Event{
		Type:        events.TypeHITLResolved,
		ExecutionID: k.e.handle.ExecutionID,
		WorkflowID:  k.e.plan.WorkflowID,
		UserID:      k.e.handle.UserID,
		RequestID:   hreq.ID,
	}
	if err != nil {
		ev.Message = err.Error()
	} else if s, ok := resp.(string); ok {
		ev.Message = s
	}
	k.s.emit(ev)
	return resp, err
}

func resolutionLabel(err error) string {
	switch {
	case err == nil:
		return "responded"
	case errors.Is(err, humantask.ErrTimedOut):
		return "timed_out"
	case errors.Is(err, humantask.ErrCancelled):
		return "cancelled"
	default:
		return "error"
	}
}

// RunSubworkflow spawns a child execution and blocks until it terminates.
// The nesting depth bound and the workflow chain are checked before the
// child is created.
func (k *kernel) RunSubworkflow(ctx context.Context, executionID string, req handler.SubworkflowRequest) (map[string]any, error) {
	depth := k.e.handle.NestingDepth + 1
	if depth > k.e.plan.Settings.EffectiveMaxNestingDepth() {
		return nil, fmt.Errorf("%w: depth %d exceeds limit %d",
			ErrNestingDepth, depth, k.e.plan.Settings.EffectiveMaxNestingDepth())
	}

	def, err := k.childDefinition(ctx, req)
	if err != nil {
		return nil, err
	}
	if def.UserID == "" {
		def.UserID = k.e.handle.UserID
	}
	if def.UserID != k.e.handle.UserID {
		return nil, ErrNotAuthorized
	}
	for _, wfID := range k.e.chain {
		if wfID != "" && wfID == def.ID {
			return nil, fmt.Errorf("%w: workflow %s already in chain %v", ErrSubworkflowCycle, def.ID, k.e.chain)
		}
	}

	plan, err := k.s.compilePlan(ctx, def)
	if err != nil {
		return nil, err
	}
	chain := append(append([]string(nil), k.e.chain...), def.ID)
	child, err := k.s.spawn(ctx, plan, req.Input, k.e.handle.ExecutionID, depth, chain)
	if err != nil {
		return nil, err
	}

	select {
	case <-child.done:
	case <-k.e.ctx.Done():
		// Parent cancellation cascades to the child.
		child.cancel()
		<-child.done
		return nil, k.e.ctx.Err()
	}

	outcome := child.outcome
	switch {
	case outcome.State == workflow.StateCompleted:
		return outcome.Output, nil
	case outcome.Error != nil:
		return nil, outcome.Error
	default:
		return nil, fmt.Errorf("sub-workflow execution %s", outcome.State)
	}
}

func (k *kernel) childDefinition(ctx context.Context, req handler.SubworkflowRequest) (*workflow.Definition, error) {
	if req.WorkflowID != "" {
		if k.s.store == nil {
			return nil, fmt.Errorf("no storage collaborator to load workflow %s", req.WorkflowID)
		}
		wf, err := k.s.store.LoadWorkflow(ctx, req.WorkflowID)
		if err != nil {
			return nil, fmt.Errorf("load sub-workflow %s: %w", req.WorkflowID, err)
		}
		def, err := workflow.ParseDefinition(wf.Definition)
		if err != nil {
			return nil, err
		}
		if def.ID == "" {
			def.ID = wf.ID
		}
		if def.UserID == "" {
			def.UserID = wf.UserID
		}
		return def, nil
	}
	raw, err := json.Marshal(req.Definition)
	if err != nil {
		return nil, fmt.Errorf("encode inline sub-workflow: %w", err)
	}
	return workflow.ParseDefinition(raw)
}
