package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/compiler"
	"github.com/loomworks/loom/internal/handler"
	"github.com/loomworks/loom/internal/handler/builtin"
	"github.com/loomworks/loom/internal/workflow"
)

// scriptedHandler runs a function, so tests control outputs per node.
type scriptedHandler struct {
	outputs []string
	fn      func(ctx context.Context, in *handler.Input) (*handler.Result, error)
}

func (s *scriptedHandler) Fields() []handler.FieldSpec { return nil }
func (s *scriptedHandler) Credentials() []string       { return nil }
func (s *scriptedHandler) Outputs() []string {
	if s.outputs == nil {
		return []string{handler.HandleDefault}
	}
	return s.outputs
}
func (s *scriptedHandler) Execute(ctx context.Context, in *handler.Input) (*handler.Result, error) {
	return s.fn(ctx, in)
}

// recordingHooks captures the node boundary sequence.
type recordingHooks struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingHooks) record(ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingHooks) sequence() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recordingHooks) BeforeNode(ctx context.Context, _, nodeID string) Decision {
	r.record("before:" + nodeID)
	return Continue()
}

func (r *recordingHooks) AfterNode(_ context.Context, _, nodeID string, res *handler.Result, _ NodeStats) Decision {
	r.record("after:" + nodeID + ":" + res.Handle)
	return Continue()
}

func (r *recordingHooks) OnError(_ context.Context, _, nodeID string, nodeErr *handler.NodeError) Decision {
	r.record("error:" + nodeID)
	return AbortFailed(&workflow.ExecutionError{Kind: string(nodeErr.Kind), NodeID: nodeID, Message: nodeErr.Message})
}

// continueOnError routes failures instead of aborting.
type continueOnError struct{ recordingHooks }

func (c *continueOnError) OnError(_ context.Context, _, nodeID string, _ *handler.NodeError) Decision {
	c.record("error:" + nodeID)
	return Continue()
}

func mustCfg(t *testing.T, cfg map[string]any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	return raw
}

func buildPlan(t *testing.T, reg *handler.Registry, def *workflow.Definition) *compiler.Plan {
	t.Helper()
	plan, err := compiler.New(reg, slog.Default()).Compile(def, nil)
	require.NoError(t, err)
	return plan
}

func wfNode(t *testing.T, id, typ string, cfg map[string]any) workflow.Node {
	t.Helper()
	n := workflow.Node{ID: id, Type: typ, Data: workflow.NodeData{Name: id}}
	if cfg != nil {
		n.Data.Config = mustCfg(t, cfg)
	}
	return n
}

func runPlan(t *testing.T, plan *compiler.Plan, hooks Hooks, input map[string]any) (*Outcome, *Context) {
	t.Helper()
	execCtx := NewContext("exec-1", plan.WorkflowID, plan.UserID, 0)
	runner := NewRunner("exec-1", plan, execCtx, hooks, slog.Default()).
		WithBackoff(time.Millisecond, 2*time.Millisecond).
		WithGrace(50 * time.Millisecond)
	return runner.Run(context.Background(), input), execCtx
}

func TestRun_HappyPathWithConditional(t *testing.T) {
	reg := handler.NewRegistry()
	reg.Register("trigger", &scriptedHandler{fn: func(_ context.Context, in *handler.Input) (*handler.Result, error) {
		return handler.OK(in.Data), nil
	}})
	reg.Register("code", &scriptedHandler{fn: func(_ context.Context, in *handler.Input) (*handler.Result, error) {
		userID, _ := in.Data["user_id"].(float64)
		return handler.OK(map[string]any{"batch_id": userID + 1000}), nil
	}})
	reg.Register("if", &scriptedHandler{
		outputs: []string{handler.HandleTrue, handler.HandleFalse},
		fn: func(_ context.Context, in *handler.Input) (*handler.Result, error) {
			batchID, _ := in.Data["batch_id"].(float64)
			if batchID > 2000 {
				return handler.Routed(handler.HandleTrue, in.Data), nil
			}
			return handler.Routed(handler.HandleFalse, in.Data), nil
		},
	})
	reg.Register("http", &scriptedHandler{fn: func(_ context.Context, _ *handler.Input) (*handler.Result, error) {
		return handler.OK(map[string]any{"status": "active"}), nil
	}})
	reg.Register("notify", &scriptedHandler{fn: func(_ context.Context, _ *handler.Input) (*handler.Result, error) {
		return handler.OK(map[string]any{"notified": true}), nil
	}})

	def := &workflow.Definition{
		ID: "wf1",
		Nodes: []workflow.Node{
			wfNode(t, "trigger", "trigger", nil),
			wfNode(t, "code", "code", nil),
			wfNode(t, "if", "if", nil),
			wfNode(t, "http", "http", nil),
			wfNode(t, "notify", "notify", nil),
		},
		Edges: []workflow.Edge{
			{ID: "e1", Source: "trigger", Target: "code"},
			{ID: "e2", Source: "code", Target: "if"},
			{ID: "e3", Source: "if", Target: "http", SourceHandle: handler.HandleTrue},
			{ID: "e4", Source: "if", Target: "notify", SourceHandle: handler.HandleFalse},
		},
	}
	plan := buildPlan(t, reg, def)

	// Taken branch: batch_id 2500 > 2000 routes to http.
	hooks := &recordingHooks{}
	outcome, _ := runPlan(t, plan, hooks, map[string]any{"user_id": float64(1500)})
	require.Equal(t, workflow.StateCompleted, outcome.State)
	assert.Equal(t, "active", outcome.Output["status"])
	assert.Equal(t, []string{
		"before:trigger", "after:trigger:default",
		"before:code", "after:code:default",
		"before:if", "after:if:true",
		"before:http", "after:http:default",
	}, hooks.sequence())

	// Not-taken branch: http never starts, notify runs instead.
	hooks = &recordingHooks{}
	outcome, _ = runPlan(t, plan, hooks, map[string]any{"user_id": float64(500)})
	require.Equal(t, workflow.StateCompleted, outcome.State)
	assert.Equal(t, true, outcome.Output["notified"])
	seq := hooks.sequence()
	assert.NotContains(t, seq, "before:http")
	assert.Equal(t, "after:notify:default", seq[len(seq)-1])
}

func TestRun_JoinWaitsForAllPreds(t *testing.T) {
	reg := handler.NewRegistry()
	var order []string
	mk := func(name string) handler.Handler {
		return &scriptedHandler{fn: func(_ context.Context, in *handler.Input) (*handler.Result, error) {
			order = append(order, name)
			return handler.OK(map[string]any{name: true}), nil
		}}
	}
	reg.Register("a", mk("a"))
	reg.Register("b", mk("b"))
	reg.Register("join", mk("join"))

	def := &workflow.Definition{
		ID: "wf1",
		Nodes: []workflow.Node{
			wfNode(t, "a", "a", nil), wfNode(t, "b", "b", nil), wfNode(t, "join", "join", nil),
		},
		Edges: []workflow.Edge{
			{ID: "e1", Source: "a", Target: "join"},
			{ID: "e2", Source: "b", Target: "join"},
		},
	}
	plan := buildPlan(t, reg, def)
	outcome, _ := runPlan(t, plan, nil, nil)
	require.Equal(t, workflow.StateCompleted, outcome.State)
	assert.Equal(t, []string{"a", "b", "join"}, order)
	assert.Equal(t, true, outcome.Output["join"])
}

func TestRun_RetriesThenSucceeds(t *testing.T) {
	reg := handler.NewRegistry()
	calls := 0
	reg.Register("flaky", &scriptedHandler{fn: func(_ context.Context, _ *handler.Input) (*handler.Result, error) {
		calls++
		if calls < 3 {
			return nil, &handler.NodeError{Kind: handler.ErrRetryable, Message: "transient"}
		}
		return handler.OK(map[string]any{"ok": true}), nil
	}})

	def := &workflow.Definition{
		ID:    "wf1",
		Nodes: []workflow.Node{wfNode(t, "n", "flaky", map[string]any{"retries": float64(3)})},
	}
	plan := buildPlan(t, reg, def)
	outcome, _ := runPlan(t, plan, nil, nil)
	require.Equal(t, workflow.StateCompleted, outcome.State)
	assert.Equal(t, 3, calls)
}

func TestRun_PermanentErrorDoesNotRetry(t *testing.T) {
	reg := handler.NewRegistry()
	calls := 0
	reg.Register("broken", &scriptedHandler{fn: func(_ context.Context, _ *handler.Input) (*handler.Result, error) {
		calls++
		return nil, &handler.NodeError{Kind: handler.ErrPermanent, Message: "bad config"}
	}})
	def := &workflow.Definition{
		ID:    "wf1",
		Nodes: []workflow.Node{wfNode(t, "n", "broken", map[string]any{"retries": float64(5)})},
	}
	plan := buildPlan(t, reg, def)
	outcome, _ := runPlan(t, plan, nil, nil)
	require.Equal(t, workflow.StateFailed, outcome.State)
	require.NotNil(t, outcome.Error)
	assert.Equal(t, "n", outcome.Error.NodeID)
	assert.Equal(t, 1, calls)
}

func TestRun_TimeoutFailsAttempt(t *testing.T) {
	reg := handler.NewRegistry()
	reg.Register("slow", &scriptedHandler{fn: func(ctx context.Context, _ *handler.Input) (*handler.Result, error) {
		select {
		case <-time.After(5 * time.Second):
			return handler.OK(nil), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}})
	def := &workflow.Definition{
		ID:    "wf1",
		Nodes: []workflow.Node{wfNode(t, "n", "slow", map[string]any{"timeout_ms": float64(30)})},
	}
	plan := buildPlan(t, reg, def)
	outcome, _ := runPlan(t, plan, nil, nil)
	require.Equal(t, workflow.StateFailed, outcome.State)
	require.NotNil(t, outcome.Error)
	assert.Equal(t, string(handler.ErrTimeout), outcome.Error.Kind)
}

func TestRun_ErrorRoutesThroughErrorHandle(t *testing.T) {
	reg := handler.NewRegistry()
	reg.Register("fails", &scriptedHandler{
		outputs: []string{handler.HandleDefault, handler.HandleError},
		fn: func(_ context.Context, _ *handler.Input) (*handler.Result, error) {
			return handler.Fail(handler.ErrPermanent, "boom"), nil
		},
	})
	reg.Register("rescue", &scriptedHandler{fn: func(_ context.Context, in *handler.Input) (*handler.Result, error) {
		return handler.OK(map[string]any{"rescued": in.Data["error"]}), nil
	}})

	def := &workflow.Definition{
		ID: "wf1",
		Nodes: []workflow.Node{
			wfNode(t, "fails", "fails", nil), wfNode(t, "rescue", "rescue", nil),
		},
		Edges: []workflow.Edge{
			{ID: "e1", Source: "fails", Target: "rescue", SourceHandle: handler.HandleError},
		},
	}
	plan := buildPlan(t, reg, def)
	outcome, _ := runPlan(t, plan, nil, nil)
	require.Equal(t, workflow.StateCompleted, outcome.State)
	assert.Equal(t, "boom", outcome.Output["rescued"])
}

func TestRun_UnroutedErrorFailsExecution(t *testing.T) {
	reg := handler.NewRegistry()
	reg.Register("fails", &scriptedHandler{
		outputs: []string{handler.HandleDefault, handler.HandleError},
		fn: func(_ context.Context, _ *handler.Input) (*handler.Result, error) {
			return handler.Fail(handler.ErrPermanent, "boom"), nil
		},
	})
	def := &workflow.Definition{
		ID:    "wf1",
		Nodes: []workflow.Node{wfNode(t, "fails", "fails", nil)},
	}
	plan := buildPlan(t, reg, def)
	outcome, _ := runPlan(t, plan, nil, nil)
	require.Equal(t, workflow.StateFailed, outcome.State)
	require.NotNil(t, outcome.Error)
	assert.Equal(t, "boom", outcome.Error.Message)
}

func TestRun_ContinuePolicyRoutesThrownErrors(t *testing.T) {
	reg := handler.NewRegistry()
	reg.Register("throws", &scriptedHandler{
		outputs: []string{handler.HandleDefault, handler.HandleError},
		fn: func(_ context.Context, _ *handler.Input) (*handler.Result, error) {
			return nil, fmt.Errorf("exploded")
		},
	})
	reg.Register("rescue", &scriptedHandler{fn: func(_ context.Context, in *handler.Input) (*handler.Result, error) {
		return handler.OK(map[string]any{"handled": true}), nil
	}})

	def := &workflow.Definition{
		ID: "wf1",
		Nodes: []workflow.Node{
			wfNode(t, "throws", "throws", nil), wfNode(t, "rescue", "rescue", nil),
		},
		Edges: []workflow.Edge{
			{ID: "e1", Source: "throws", Target: "rescue", SourceHandle: handler.HandleError},
		},
	}
	plan := buildPlan(t, reg, def)
	hooks := &continueOnError{}
	outcome, _ := runPlan(t, plan, hooks, nil)
	require.Equal(t, workflow.StateCompleted, outcome.State)
	assert.Equal(t, true, outcome.Output["handled"])
	assert.Contains(t, hooks.sequence(), "error:throws")
}

func TestRun_LoopRunsBodyThenDone(t *testing.T) {
	reg := handler.NewRegistry()
	bodyRuns := 0
	reg.Register("looper", &scriptedHandler{
		outputs: []string{handler.HandleLoop, handler.HandleDone},
		fn: func(_ context.Context, in *handler.Input) (*handler.Result, error) {
			count := in.State.LoopCount(in.NodeID)
			if count > 0 {
				in.State.Accumulate(in.NodeID, in.Data)
			}
			if count >= 3 {
				return handler.Routed(handler.HandleDone, map[string]any{
					"results": in.State.Accumulated(in.NodeID),
				}), nil
			}
			in.State.IncrementLoop(in.NodeID)
			return handler.Routed(handler.HandleLoop, map[string]any{"index": count}), nil
		},
	})
	reg.Register("body", &scriptedHandler{fn: func(_ context.Context, in *handler.Input) (*handler.Result, error) {
		bodyRuns++
		return handler.OK(map[string]any{"did": in.Data["index"]}), nil
	}})
	reg.Register("after", &scriptedHandler{fn: func(_ context.Context, in *handler.Input) (*handler.Result, error) {
		return handler.OK(in.Data), nil
	}})

	def := &workflow.Definition{
		ID: "wf1",
		Nodes: []workflow.Node{
			wfNode(t, "start", "after", nil),
			wfNode(t, "loop", "looper", nil),
			wfNode(t, "body", "body", nil),
			wfNode(t, "end", "after", nil),
		},
		Edges: []workflow.Edge{
			{ID: "e0", Source: "start", Target: "loop"},
			{ID: "e1", Source: "loop", Target: "body", SourceHandle: handler.HandleLoop},
			{ID: "e2", Source: "body", Target: "loop", Kind: workflow.EdgeKindLoopBody},
			{ID: "e3", Source: "loop", Target: "end", SourceHandle: handler.HandleDone},
		},
	}
	plan := buildPlan(t, reg, def)
	outcome, execCtx := runPlan(t, plan, nil, nil)
	require.Equal(t, workflow.StateCompleted, outcome.State)
	assert.Equal(t, 3, bodyRuns)
	results, _ := outcome.Output["results"].([]any)
	assert.Len(t, results, 3)
	assert.Equal(t, 3, execCtx.LoopCount("loop"))
}

func TestRun_LoopLimitExceeded(t *testing.T) {
	reg := handler.NewRegistry()
	reg.Register("forever", &scriptedHandler{
		outputs: []string{handler.HandleLoop, handler.HandleDone},
		fn: func(_ context.Context, in *handler.Input) (*handler.Result, error) {
			return handler.Routed(handler.HandleLoop, nil), nil
		},
	})
	reg.Register("body", &scriptedHandler{fn: func(_ context.Context, in *handler.Input) (*handler.Result, error) {
		return handler.OK(nil), nil
	}})
	def := &workflow.Definition{
		ID: "wf1",
		Nodes: []workflow.Node{
			wfNode(t, "start", "body", nil),
			wfNode(t, "loop", "forever", map[string]any{"max_loop_count": float64(10000)}),
			wfNode(t, "body", "body", nil),
		},
		Edges: []workflow.Edge{
			{ID: "e0", Source: "start", Target: "loop"},
			{ID: "e1", Source: "loop", Target: "body", SourceHandle: handler.HandleLoop},
			{ID: "e2", Source: "body", Target: "loop", Kind: workflow.EdgeKindLoopBody},
		},
	}
	plan := buildPlan(t, reg, def)
	outcome, _ := runPlan(t, plan, nil, nil)
	require.Equal(t, workflow.StateFailed, outcome.State)
	require.NotNil(t, outcome.Error)
	assert.Equal(t, "loop_limit_exceeded", outcome.Error.Kind)
}

func TestRun_LoopNodeAboveSystemBoundFails(t *testing.T) {
	// A loop node configured beyond the system bound keeps firing "loop";
	// the runner's hard bound fails the execution at iteration 1001.
	reg := handler.NewRegistry()
	builtin.Register(reg)

	def := &workflow.Definition{
		ID: "wf1",
		Nodes: []workflow.Node{
			wfNode(t, "start", "noop", nil),
			wfNode(t, "loop", "loop", map[string]any{"max_loop_count": float64(10000)}),
			wfNode(t, "body", "noop", nil),
			wfNode(t, "end", "noop", nil),
		},
		Edges: []workflow.Edge{
			{ID: "e0", Source: "start", Target: "loop"},
			{ID: "e1", Source: "loop", Target: "body", SourceHandle: handler.HandleLoop},
			{ID: "e2", Source: "body", Target: "loop", Kind: workflow.EdgeKindLoopBody},
			{ID: "e3", Source: "loop", Target: "end", SourceHandle: handler.HandleDone},
		},
	}
	plan := buildPlan(t, reg, def)
	outcome, execCtx := runPlan(t, plan, nil, nil)
	require.Equal(t, workflow.StateFailed, outcome.State)
	require.NotNil(t, outcome.Error)
	assert.Equal(t, "loop_limit_exceeded", outcome.Error.Kind)
	assert.Equal(t, "loop", outcome.Error.NodeID)
	assert.Equal(t, workflow.SystemMaxLoops+1, execCtx.LoopCount("loop"))
}

func TestRun_TemplateErrorFailsNode(t *testing.T) {
	reg := handler.NewRegistry()
	reg.Register("task", &scriptedHandler{fn: func(_ context.Context, in *handler.Input) (*handler.Result, error) {
		return handler.OK(in.Config), nil
	}})
	def := &workflow.Definition{
		ID: "wf1",
		Nodes: []workflow.Node{
			wfNode(t, "n", "task", map[string]any{"value": "{{ $vars.missing }}"}),
		},
	}
	plan := buildPlan(t, reg, def)
	outcome, _ := runPlan(t, plan, nil, nil)
	require.Equal(t, workflow.StateFailed, outcome.State)
	require.NotNil(t, outcome.Error)
	assert.Equal(t, string(handler.ErrTemplate), outcome.Error.Kind)
}

func TestRun_CancellationStopsExecution(t *testing.T) {
	reg := handler.NewRegistry()
	started := make(chan struct{})
	reg.Register("slow", &scriptedHandler{fn: func(ctx context.Context, _ *handler.Input) (*handler.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}})
	def := &workflow.Definition{
		ID:    "wf1",
		Nodes: []workflow.Node{wfNode(t, "n", "slow", nil)},
	}
	plan := buildPlan(t, reg, def)

	execCtx := NewContext("exec-1", plan.WorkflowID, plan.UserID, 0)
	runner := NewRunner("exec-1", plan, execCtx, nil, slog.Default()).
		WithGrace(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	outcomeCh := make(chan *Outcome, 1)
	go func() { outcomeCh <- runner.Run(ctx, nil) }()

	<-started
	cancel()

	select {
	case outcome := <-outcomeCh:
		assert.Equal(t, workflow.StateCancelled, outcome.State)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not observe cancellation")
	}
}

func TestRun_MergesTerminalsByNodeID(t *testing.T) {
	reg := handler.NewRegistry()
	mk := func(key string) handler.Handler {
		return &scriptedHandler{fn: func(_ context.Context, _ *handler.Input) (*handler.Result, error) {
			return handler.OK(map[string]any{"who": key, key: true}), nil
		}}
	}
	reg.Register("z", mk("z"))
	reg.Register("a", mk("a"))
	reg.Register("src", mk("src"))

	def := &workflow.Definition{
		ID: "wf1",
		Nodes: []workflow.Node{
			wfNode(t, "src", "src", nil),
			wfNode(t, "z-leaf", "z", nil),
			wfNode(t, "a-leaf", "a", nil),
		},
		Edges: []workflow.Edge{
			{ID: "e1", Source: "src", Target: "z-leaf"},
			{ID: "e2", Source: "src", Target: "a-leaf"},
		},
	}
	plan := buildPlan(t, reg, def)
	outcome, _ := runPlan(t, plan, nil, nil)
	require.Equal(t, workflow.StateCompleted, outcome.State)
	// Terminals merge in node-ID order, so z-leaf's value lands last.
	assert.Equal(t, "z", outcome.Output["who"])
	assert.Equal(t, true, outcome.Output["a"])
	assert.Equal(t, true, outcome.Output["z"])
}
