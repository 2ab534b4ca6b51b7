package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/executor"
	"github.com/loomworks/loom/internal/handler"
	"github.com/loomworks/loom/internal/storage"
	"github.com/loomworks/loom/internal/workflow"
)

// hooks is the supervisor's side of the runner contract. Every method runs
// on the execution's own goroutine.
type hooks struct {
	s *Supervisor
	e *execution
}

// BeforeNode is the cooperative suspension point: it blocks on the pause
// gate, observes cancellation, then publishes the node start.
func (h *hooks) BeforeNode(ctx context.Context, executionID, nodeID string) executor.Decision {
	// A gate armed while the execution was elsewhere (e.g. waiting on a
	// human) is only observed here.
	if h.e.gate.Paused() {
		h.e.mu.Lock()
		running := h.e.handle.State == workflow.StateRunning
		h.e.mu.Unlock()
		if running {
			h.s.setState(h.e, workflow.StatePaused)
		}
	}
	select {
	case <-h.e.gate.Wait():
	case <-h.e.ctx.Done():
		return executor.AbortCancelled()
	}
	if h.e.ctx.Err() != nil {
		return executor.AbortCancelled()
	}

	h.e.mu.Lock()
	h.e.handle.CurrentNode = nodeID
	h.e.mu.Unlock()

	h.s.emit(events.Event{
		Type:        events.TypeNodeStarted,
		ExecutionID: executionID,
		WorkflowID:  h.e.plan.WorkflowID,
		UserID:      h.e.plan.UserID,
		NodeID:      nodeID,
	})
	return executor.Continue()
}

// AfterNode updates loop counters and progress, enforces the system loop
// bound, and publishes the node completion.
func (h *hooks) AfterNode(ctx context.Context, executionID, nodeID string, res *handler.Result, stats executor.NodeStats) executor.Decision {
	h.e.mu.Lock()
	if res.Handle == handler.HandleLoop {
		// Counters are keyed node:handle so parallel branches through the
		// same carrier never collide.
		key := nodeID + ":" + res.Handle
		h.e.handle.LoopCounters[key]++
		total := 0
		for _, n := range h.e.handle.LoopCounters {
			total += n
		}
		if total > workflow.SystemMaxLoops {
			h.e.mu.Unlock()
			return executor.AbortFailed(&workflow.ExecutionError{
				Kind:    "loop_limit_exceeded",
				NodeID:  nodeID,
				Message: fmt.Sprintf("loop iterations exceeded system bound %d", workflow.SystemMaxLoops),
			})
		}
	}
	h.e.handle.Progress.CompletedNodes++
	h.e.mu.Unlock()

	masked := h.s.maskOutput(h.e, res.Data)
	ev := events.Event{
		Type:        events.TypeNodeCompleted,
		ExecutionID: executionID,
		WorkflowID:  h.e.plan.WorkflowID,
		UserID:      h.e.plan.UserID,
		NodeID:      nodeID,
		Handle:      res.Handle,
		DurationMS:  stats.Duration.Milliseconds(),
	}
	if raw, err := json.Marshal(masked); err == nil {
		ev.Output = events.TruncateOutput(masked, raw)
	}
	h.s.emit(ev)

	nodeType := h.e.plan.Nodes[nodeID].Node.Type
	if h.s.metrics != nil {
		h.s.metrics.NodeExecutionsTotal.WithLabelValues(nodeType, "completed").Inc()
		h.s.metrics.NodeExecutionDuration.WithLabelValues(nodeType).Observe(stats.Duration.Seconds())
		if stats.Attempts > 1 {
			h.s.metrics.NodeRetriesTotal.WithLabelValues(nodeType).Add(float64(stats.Attempts - 1))
		}
	}
	h.appendNodeRecord(executionID, nodeID, nodeType, res, stats)
	return executor.Continue()
}

// OnError applies the workflow's error policy after a node exhausted its
// attempts: continue lets the runner route the error, fail_fast aborts.
func (h *hooks) OnError(ctx context.Context, executionID, nodeID string, nodeErr *handler.NodeError) executor.Decision {
	h.s.emit(events.Event{
		Type:        events.TypeNodeFailed,
		ExecutionID: executionID,
		WorkflowID:  h.e.plan.WorkflowID,
		UserID:      h.e.plan.UserID,
		NodeID:      nodeID,
		ErrorKind:   string(nodeErr.Kind),
		Message:     h.s.masker.MaskString(nodeErr.Message, h.e.secrets),
	})
	if h.s.metrics != nil {
		nodeType := h.e.plan.Nodes[nodeID].Node.Type
		h.s.metrics.NodeExecutionsTotal.WithLabelValues(nodeType, "failed").Inc()
	}

	if h.e.plan.Settings.EffectiveErrorPolicy() == workflow.ErrorPolicyContinue {
		return executor.Continue()
	}
	return executor.AbortFailed(&workflow.ExecutionError{
		Kind:    string(nodeErr.Kind),
		NodeID:  nodeID,
		Message: nodeErr.Message,
	})
}

func (h *hooks) appendNodeRecord(executionID, nodeID, nodeType string, res *handler.Result, stats executor.NodeStats) {
	if h.s.store == nil {
		return
	}
	rec := &storage.NodeRecord{
		ExecutionID: executionID,
		NodeID:      nodeID,
		NodeType:    nodeType,
		Handle:      res.Handle,
		Attempts:    stats.Attempts,
		DurationMS:  stats.Duration.Milliseconds(),
		StartedAt:   stats.StartedAt,
	}
	if res.Err != nil {
		rec.ErrorKind = string(res.Err.Kind)
		rec.Message = h.s.masker.MaskString(res.Err.Message, h.e.secrets)
	}
	if raw, err := json.Marshal(h.s.maskOutput(h.e, res.Data)); err == nil {
		rec.Output = raw
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.s.store.AppendNodeRecord(ctx, rec); err != nil {
		h.s.logger.Error("failed to append node record",
			"execution_id", executionID, "node_id", nodeID, "error", err)
	}
}
