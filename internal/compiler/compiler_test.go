package compiler

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/credential"
	"github.com/loomworks/loom/internal/handler"
	"github.com/loomworks/loom/internal/workflow"
)

type fakeHandler struct {
	fields  []handler.FieldSpec
	creds   []string
	outputs []string
}

func (f *fakeHandler) Fields() []handler.FieldSpec { return f.fields }
func (f *fakeHandler) Credentials() []string       { return f.creds }
func (f *fakeHandler) Outputs() []string {
	if f.outputs == nil {
		return []string{handler.HandleDefault}
	}
	return f.outputs
}
func (f *fakeHandler) Execute(_ context.Context, in *handler.Input) (*handler.Result, error) {
	return handler.OK(in.Data), nil
}

func testRegistry(t *testing.T) *handler.Registry {
	t.Helper()
	reg := handler.NewRegistry()
	reg.Register("task", &fakeHandler{})
	reg.Register("branch", &fakeHandler{outputs: []string{handler.HandleTrue, handler.HandleFalse}})
	reg.Register("looper", &fakeHandler{outputs: []string{handler.HandleLoop, handler.HandleDone}})
	reg.Register("secure", &fakeHandler{
		creds: []string{credential.TypeAPIKey},
		fields: []handler.FieldSpec{
			{Name: "url", Type: handler.FieldString, Required: true},
			{Name: "mode", Type: handler.FieldSelect, Options: []string{"fast", "slow"}},
		},
	})
	return reg
}

func testCompiler(t *testing.T) *Compiler {
	t.Helper()
	return New(testRegistry(t), slog.Default())
}

func node(id, typ string, cfg map[string]any, credRefs ...string) workflow.Node {
	var raw json.RawMessage
	if cfg != nil {
		raw, _ = json.Marshal(cfg)
	}
	return workflow.Node{
		ID:   id,
		Type: typ,
		Data: workflow.NodeData{Name: id, Config: raw, CredentialRefs: credRefs},
	}
}

func edge(id, source, target, sourceHandle string) workflow.Edge {
	return workflow.Edge{ID: id, Source: source, Target: target, SourceHandle: sourceHandle}
}

func loopBackEdge(id, source, target string) workflow.Edge {
	return workflow.Edge{ID: id, Source: source, Target: target, Kind: workflow.EdgeKindLoopBody}
}

func TestCompile_LinearWorkflow(t *testing.T) {
	def := &workflow.Definition{
		ID:     "wf1",
		UserID: "u1",
		Nodes:  []workflow.Node{node("a", "task", nil), node("b", "task", nil), node("c", "task", nil)},
		Edges:  []workflow.Edge{edge("e1", "a", "b", ""), edge("e2", "b", "c", "")},
	}
	plan, err := testCompiler(t).Compile(def, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, plan.Entry)
	assert.Equal(t, []string{"a", "b", "c"}, plan.Order)
	assert.Equal(t, []string{"c"}, plan.Terminals())
	assert.Equal(t, 3, plan.TotalReachable)
	assert.Equal(t, []string{"b"}, plan.Next("a", handler.HandleDefault))
	assert.Equal(t, []string{"a"}, plan.NonLoopPreds("b"))
}

func TestCompile_EmptyWorkflow(t *testing.T) {
	_, err := testCompiler(t).Compile(&workflow.Definition{ID: "wf1"}, nil)
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, KindNoEntry, cerr.Kind)
}

func TestCompile_NoEntry(t *testing.T) {
	// Two nodes feeding each other: every node has an incoming edge.
	def := &workflow.Definition{
		ID:    "wf1",
		Nodes: []workflow.Node{node("a", "task", nil), node("b", "task", nil)},
		Edges: []workflow.Edge{edge("e1", "a", "b", ""), edge("e2", "b", "a", "")},
	}
	_, err := testCompiler(t).Compile(def, nil)
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, KindNoEntry, cerr.Kind)
}

func TestCompile_DuplicateNodeID(t *testing.T) {
	def := &workflow.Definition{
		ID:    "wf1",
		Nodes: []workflow.Node{node("a", "task", nil), node("a", "task", nil)},
	}
	_, err := testCompiler(t).Compile(def, nil)
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, KindStructural, cerr.Kind)
}

func TestCompile_UnknownNodeType(t *testing.T) {
	def := &workflow.Definition{
		ID:    "wf1",
		Nodes: []workflow.Node{node("a", "no_such_type", nil)},
	}
	_, err := testCompiler(t).Compile(def, nil)
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, KindUnknownNodeType, cerr.Kind)
	assert.Equal(t, "a", cerr.NodeID)
}

func TestCompile_EdgeEndpointMissing(t *testing.T) {
	def := &workflow.Definition{
		ID:    "wf1",
		Nodes: []workflow.Node{node("a", "task", nil)},
		Edges: []workflow.Edge{edge("e1", "a", "ghost", "")},
	}
	_, err := testCompiler(t).Compile(def, nil)
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, KindStructural, cerr.Kind)
}

func TestCompile_CycleWithoutLoopCarrier(t *testing.T) {
	def := &workflow.Definition{
		ID: "wf1",
		Nodes: []workflow.Node{
			node("start", "task", nil), node("a", "task", nil), node("b", "task", nil),
		},
		Edges: []workflow.Edge{
			edge("e0", "start", "a", ""),
			edge("e1", "a", "b", ""),
			edge("e2", "b", "a", ""),
		},
	}
	_, err := testCompiler(t).Compile(def, nil)
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, KindCycle, cerr.Kind)
}

func TestCompile_LoopCycleIsLegal(t *testing.T) {
	def := &workflow.Definition{
		ID: "wf1",
		Nodes: []workflow.Node{
			node("start", "task", nil),
			node("loop", "looper", map[string]any{"max_loop_count": float64(3)}),
			node("body", "task", nil),
			node("after", "task", nil),
		},
		Edges: []workflow.Edge{
			edge("e0", "start", "loop", ""),
			edge("e1", "loop", "body", handler.HandleLoop),
			loopBackEdge("e2", "body", "loop"),
			edge("e3", "loop", "after", handler.HandleDone),
		},
	}
	plan, err := testCompiler(t).Compile(def, nil)
	require.NoError(t, err)
	assert.True(t, plan.IsLoopCarrier("loop"))
	assert.ElementsMatch(t, []string{"body"}, plan.LoopMembers("loop"))
	assert.Equal(t, []string{"body"}, plan.LoopReentryPreds("loop"))
	assert.Equal(t, 3, plan.Nodes["loop"].MaxLoopCount)
	// The back-edge does not gate the carrier's readiness.
	assert.Equal(t, []string{"start"}, plan.NonLoopPreds("loop"))
	assert.Equal(t, []string{"after"}, plan.Terminals())
}

func TestCompile_OrphanWarnsByDefault(t *testing.T) {
	def := &workflow.Definition{
		ID: "wf1",
		Nodes: []workflow.Node{
			node("a", "task", nil), node("b", "task", nil), node("island", "task", nil),
		},
		Edges: []workflow.Edge{
			edge("e1", "a", "b", ""),
			// b -> island makes island reachable from the entry a, so no
			// node is orphaned and no warning is expected.
			edge("e2", "b", "island", ""),
		},
	}
	plan, err := testCompiler(t).Compile(def, nil)
	require.NoError(t, err)
	assert.Empty(t, plan.Warnings)

	// Now a genuinely unreachable node: no path from any entry.
	def = &workflow.Definition{
		ID: "wf2",
		Nodes: []workflow.Node{
			node("a", "task", nil),
			node("loop", "looper", nil),
			node("body", "task", nil),
		},
		Edges: []workflow.Edge{
			edge("e1", "loop", "body", handler.HandleLoop),
			loopBackEdge("e2", "body", "loop"),
		},
	}
	plan, err = testCompiler(t).Compile(def, nil)
	require.NoError(t, err)
	require.Len(t, plan.Warnings, 1)
	assert.Contains(t, plan.Warnings[0], "unreachable")

	def.Settings.Strict = true
	_, err = testCompiler(t).Compile(def, nil)
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, KindOrphan, cerr.Kind)
}

func TestCompile_CredentialBinding(t *testing.T) {
	def := &workflow.Definition{
		ID:     "wf1",
		UserID: "u1",
		Nodes: []workflow.Node{
			node("a", "secure", map[string]any{"url": "https://example.com"}, "cred-1"),
		},
	}

	// Unknown reference.
	_, err := testCompiler(t).Compile(def, nil)
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, KindCredential, cerr.Kind)

	// Wrong owner.
	otherUsers := []*credential.Credential{{ID: "cred-1", UserID: "u2", Type: credential.TypeAPIKey}}
	_, err = testCompiler(t).Compile(def, otherUsers)
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, KindCredential, cerr.Kind)

	// Undeclared credential type.
	wrongType := []*credential.Credential{{ID: "cred-1", UserID: "u1", Type: credential.TypeOAuth2}}
	_, err = testCompiler(t).Compile(def, wrongType)
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, KindCredential, cerr.Kind)

	// Valid binding.
	ok := []*credential.Credential{{ID: "cred-1", UserID: "u1", Type: credential.TypeAPIKey}}
	plan, err := testCompiler(t).Compile(def, ok)
	require.NoError(t, err)
	assert.Equal(t, []string{"cred-1"}, plan.Nodes["a"].CredRefs)
}

func TestCompile_ConfigShape(t *testing.T) {
	// Missing required field.
	def := &workflow.Definition{
		ID:    "wf1",
		Nodes: []workflow.Node{node("a", "secure", map[string]any{})},
	}
	_, err := testCompiler(t).Compile(def, nil)
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, KindConfig, cerr.Kind)
	assert.Equal(t, "url", cerr.Field)

	// Wrong type.
	def.Nodes[0] = node("a", "secure", map[string]any{"url": float64(7)})
	_, err = testCompiler(t).Compile(def, nil)
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, KindConfig, cerr.Kind)

	// Select outside options.
	def.Nodes[0] = node("a", "secure", map[string]any{"url": "x", "mode": "warp"})
	_, err = testCompiler(t).Compile(def, nil)
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, KindConfig, cerr.Kind)
	assert.Equal(t, "mode", cerr.Field)

	// Unknown extra fields are tolerated.
	def.Nodes[0] = node("a", "secure", map[string]any{"url": "x", "later": true})
	_, err = testCompiler(t).Compile(def, nil)
	require.NoError(t, err)
}

func TestCompile_EffectiveTimeoutsAndRetries(t *testing.T) {
	def := &workflow.Definition{
		ID: "wf1",
		Nodes: []workflow.Node{
			node("a", "task", map[string]any{"timeout_ms": float64(1500), "retries": float64(2)}),
			node("b", "task", nil),
		},
		Edges:    []workflow.Edge{edge("e1", "a", "b", "")},
		Settings: workflow.Settings{DefaultTimeoutMS: 5000, MaxRetries: 1},
	}
	plan, err := testCompiler(t).Compile(def, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), plan.Nodes["a"].Timeout.Milliseconds())
	assert.Equal(t, 2, plan.Nodes["a"].Retries)
	assert.Equal(t, int64(5000), plan.Nodes["b"].Timeout.Milliseconds())
	assert.Equal(t, 1, plan.Nodes["b"].Retries)

	def.Settings = workflow.Settings{}
	plan, err = testCompiler(t).Compile(def, nil)
	require.NoError(t, err)
	assert.Equal(t, workflow.SystemDefaultTimeout, plan.Nodes["b"].Timeout)
	assert.Equal(t, 0, plan.Nodes["b"].Retries)
}

func TestCompile_Deterministic(t *testing.T) {
	def := &workflow.Definition{
		ID: "wf1",
		Nodes: []workflow.Node{
			node("d", "task", nil), node("b", "task", nil),
			node("c", "task", nil), node("a", "task", nil),
		},
		Edges: []workflow.Edge{
			edge("e1", "a", "c", ""), edge("e2", "b", "c", ""), edge("e3", "c", "d", ""),
		},
	}
	first, err := testCompiler(t).Compile(def, nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := testCompiler(t).Compile(def, nil)
		require.NoError(t, err)
		assert.Equal(t, first.Entry, again.Entry)
		assert.Equal(t, first.Order, again.Order)
	}
	// Kahn over a DAG respects edges: c after both a and b, d last.
	pos := map[string]int{}
	for i, id := range first.Order {
		pos[id] = i
	}
	assert.Less(t, pos["a"], pos["c"])
	assert.Less(t, pos["b"], pos["c"])
	assert.Less(t, pos["c"], pos["d"])
}

func TestCompile_BranchAdjacency(t *testing.T) {
	def := &workflow.Definition{
		ID: "wf1",
		Nodes: []workflow.Node{
			node("start", "task", nil), node("check", "branch", nil),
			node("yes", "task", nil), node("no", "task", nil),
		},
		Edges: []workflow.Edge{
			edge("e0", "start", "check", ""),
			edge("e1", "check", "yes", handler.HandleTrue),
			edge("e2", "check", "no", handler.HandleFalse),
		},
	}
	plan, err := testCompiler(t).Compile(def, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"yes"}, plan.Next("check", handler.HandleTrue))
	assert.Equal(t, []string{"no"}, plan.Next("check", handler.HandleFalse))
	assert.Empty(t, plan.Next("check", handler.HandleDefault))
	assert.ElementsMatch(t, plan.Handles("check"), []string{handler.HandleTrue, handler.HandleFalse})
}

func TestCache_ReusesPlans(t *testing.T) {
	cache, err := NewCache(testCompiler(t), 8)
	require.NoError(t, err)
	def := &workflow.Definition{
		ID:    "wf1",
		Nodes: []workflow.Node{node("a", "task", nil)},
	}
	first, err := cache.Compile(def, nil)
	require.NoError(t, err)
	second, err := cache.Compile(def, nil)
	require.NoError(t, err)
	assert.Same(t, first, second)

	// A different credential set misses.
	third, err := cache.Compile(def, []*credential.Credential{{ID: "c1", UserID: "u1", Type: credential.TypeCustom}})
	require.NoError(t, err)
	assert.NotSame(t, first, third)
}
