package compiler

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/loomworks/loom/internal/credential"
	"github.com/loomworks/loom/internal/handler"
	"github.com/loomworks/loom/internal/workflow"
)

// Compiler turns workflow definitions into executable plans.
type Compiler struct {
	registry *handler.Registry
	logger   *slog.Logger
}

// New creates a compiler bound to a handler registry.
func New(registry *handler.Registry, logger *slog.Logger) *Compiler {
	return &Compiler{registry: registry, logger: logger}
}

// Compile validates a definition against the registry and the user's
// credentials and produces a plan. The pipeline fails fast on the first hard
// error; orphan and type findings are warnings unless strict mode makes
// orphans fatal.
func (c *Compiler) Compile(def *workflow.Definition, creds []*credential.Credential) (*Plan, error) {
	plan := &Plan{
		WorkflowID: def.ID,
		UserID:     def.UserID,
		Settings:   def.Settings,
		Nodes:      make(map[string]*PlanNode, len(def.Nodes)),
		adjacency:  make(map[string]map[string][]string),
		preds:      make(map[string][]string),
		loopNodes:  make(map[string]bool),
	}

	if err := c.bindNodes(def, plan); err != nil {
		return nil, err
	}
	if err := c.checkEdges(def, plan); err != nil {
		return nil, err
	}
	if err := c.checkCycles(def, plan); err != nil {
		return nil, err
	}
	if err := c.checkOrphans(def, plan); err != nil {
		return nil, err
	}
	if err := c.bindCredentials(def, plan, creds); err != nil {
		return nil, err
	}
	if err := c.checkConfigShapes(plan); err != nil {
		return nil, err
	}
	c.checkTypeCompat(def, plan)
	if err := c.order(plan); err != nil {
		return nil, err
	}

	c.logger.Debug("compiled workflow",
		"workflow_id", def.ID,
		"nodes", len(plan.Nodes),
		"entry", plan.Entry,
		"warnings", len(plan.Warnings),
	)
	return plan, nil
}

// bindNodes resolves every node's handler and effective policies.
func (c *Compiler) bindNodes(def *workflow.Definition, plan *Plan) error {
	if len(def.Nodes) == 0 {
		return errf(KindNoEntry, "", "", "workflow has no nodes")
	}
	for _, node := range def.Nodes {
		if node.ID == "" {
			return errf(KindStructural, "", "", "node with empty id")
		}
		if _, dup := plan.Nodes[node.ID]; dup {
			return errf(KindStructural, node.ID, "", "duplicate node id")
		}
		h, ok := c.registry.Resolve(node.Type)
		if !ok {
			return errf(KindUnknownNodeType, node.ID, "", "unknown node type %q", node.Type)
		}
		cfg, err := node.ConfigMap()
		if err != nil {
			return errf(KindConfig, node.ID, "", "%v", err)
		}
		pn := &PlanNode{
			Node:         node,
			Handler:      h,
			Timeout:      effectiveTimeout(cfg, def.Settings),
			Retries:      effectiveRetries(cfg, def.Settings),
			LoopCarrying: handler.LoopCarrying(h),
		}
		if pn.LoopCarrying {
			pn.MaxLoopCount = effectiveMaxLoops(cfg)
		}
		plan.Nodes[node.ID] = pn
	}
	return nil
}

// checkEdges validates endpoints and builds the handle-indexed adjacency.
func (c *Compiler) checkEdges(def *workflow.Definition, plan *Plan) error {
	incomingNonLoop := make(map[string][]string)
	hasIncoming := make(map[string]bool)

	for _, edge := range def.Edges {
		if _, ok := plan.Nodes[edge.Source]; !ok {
			return errf(KindStructural, edge.Source, "", "edge %s references unknown source node", edge.ID)
		}
		if _, ok := plan.Nodes[edge.Target]; !ok {
			return errf(KindStructural, edge.Target, "", "edge %s references unknown target node", edge.ID)
		}
		h := edge.SourceHandle
		if h == "" {
			h = handler.HandleDefault
		}
		out := plan.adjacency[edge.Source]
		if out == nil {
			out = make(map[string][]string)
			plan.adjacency[edge.Source] = out
		}
		out[h] = append(out[h], edge.Target)
		hasIncoming[edge.Target] = true

		// Back-edges re-entering a loop carrier do not gate readiness.
		if edge.Kind == workflow.EdgeKindLoopBody && plan.Nodes[edge.Target].LoopCarrying {
			if plan.loopPreds == nil {
				plan.loopPreds = make(map[string][]string)
			}
			plan.loopPreds[edge.Target] = append(plan.loopPreds[edge.Target], edge.Source)
		} else {
			incomingNonLoop[edge.Target] = append(incomingNonLoop[edge.Target], edge.Source)
		}
	}

	for target, sources := range incomingNonLoop {
		seen := make(map[string]bool, len(sources))
		for _, s := range sources {
			if !seen[s] {
				seen[s] = true
				plan.preds[target] = append(plan.preds[target], s)
			}
		}
		sort.Strings(plan.preds[target])
	}

	for _, node := range def.Nodes {
		if !hasIncoming[node.ID] {
			plan.Entry = append(plan.Entry, node.ID)
		}
	}
	sort.Strings(plan.Entry)
	if len(plan.Entry) == 0 {
		return errf(KindNoEntry, "", "", "workflow has no entry nodes")
	}
	return nil
}

// checkCycles computes strongly connected components. A component of size
// greater than one (or a self-loop) is legal only when it contains a
// loop-carrying node.
func (c *Compiler) checkCycles(def *workflow.Definition, plan *Plan) error {
	sccOf, members := tarjan(plan)
	plan.sccOf = sccOf
	plan.sccMembers = members

	selfLoop := make(map[string]bool)
	for _, edge := range def.Edges {
		if edge.Source == edge.Target {
			selfLoop[edge.Source] = true
		}
	}

	for _, nodes := range members {
		cyclic := len(nodes) > 1 || (len(nodes) == 1 && selfLoop[nodes[0]])
		if !cyclic {
			continue
		}
		carrier := ""
		for _, n := range nodes {
			if plan.Nodes[n].LoopCarrying {
				carrier = n
				plan.loopNodes[n] = true
			}
		}
		if carrier == "" {
			sort.Strings(nodes)
			return errf(KindCycle, nodes[0], "", "cycle without a loop-carrying node: %v", nodes)
		}
	}
	return nil
}

// checkOrphans walks the graph from the entry set. Unreachable nodes warn,
// or fail in strict mode.
func (c *Compiler) checkOrphans(def *workflow.Definition, plan *Plan) error {
	reachable := make(map[string]bool)
	stack := append([]string(nil), plan.Entry...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reachable[n] {
			continue
		}
		reachable[n] = true
		for _, targets := range plan.adjacency[n] {
			stack = append(stack, targets...)
		}
	}
	plan.TotalReachable = len(reachable)

	var orphans []string
	for id := range plan.Nodes {
		if !reachable[id] {
			orphans = append(orphans, id)
		}
	}
	if len(orphans) == 0 {
		return nil
	}
	sort.Strings(orphans)
	if def.Settings.Strict {
		return errf(KindOrphan, orphans[0], "", "unreachable nodes: %v", orphans)
	}
	plan.Warnings = append(plan.Warnings, fmt.Sprintf("unreachable nodes: %v", orphans))
	return nil
}

// bindCredentials resolves each node's credential refs against the user's
// credentials and the handler's declared credential types.
func (c *Compiler) bindCredentials(def *workflow.Definition, plan *Plan, creds []*credential.Credential) error {
	byID := make(map[string]*credential.Credential, len(creds))
	for _, cr := range creds {
		byID[cr.ID] = cr
	}
	for _, id := range sortedNodeIDs(plan) {
		pn := plan.Nodes[id]
		declared := make(map[string]bool)
		for _, t := range pn.Handler.Credentials() {
			declared[t] = true
		}
		for _, ref := range pn.Node.Data.CredentialRefs {
			cr, ok := byID[ref]
			if !ok {
				return errf(KindCredential, id, "", "credential %q not found for user %s", ref, def.UserID)
			}
			if cr.UserID != def.UserID {
				return errf(KindCredential, id, "", "credential %q not owned by user %s", ref, def.UserID)
			}
			if !declared[cr.Type] {
				return errf(KindCredential, id, "", "handler %s does not accept credential type %q", pn.Node.Type, cr.Type)
			}
			pn.CredRefs = append(pn.CredRefs, ref)
		}
	}
	return nil
}

// checkConfigShapes validates each node's config against the handler's
// declared fields. Unknown extra fields are ignored for forward
// compatibility.
func (c *Compiler) checkConfigShapes(plan *Plan) error {
	for _, id := range sortedNodeIDs(plan) {
		pn := plan.Nodes[id]
		cfg, err := pn.Node.ConfigMap()
		if err != nil {
			return errf(KindConfig, id, "", "%v", err)
		}
		for _, field := range pn.Handler.Fields() {
			value, present := cfg[field.Name]
			if !present || value == nil {
				if field.Required {
					return errf(KindConfig, id, field.Name, "required field missing")
				}
				continue
			}
			if err := checkFieldType(field, value); err != nil {
				return errf(KindConfig, id, field.Name, "%v", err)
			}
		}
	}
	return nil
}

func checkFieldType(field handler.FieldSpec, value any) error {
	switch field.Type {
	case handler.FieldString, handler.FieldSecretRef, handler.FieldCodeString:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("expected string, got %T", value)
		}
	case handler.FieldNumber:
		switch value.(type) {
		case float64, int, int64:
		default:
			return fmt.Errorf("expected number, got %T", value)
		}
	case handler.FieldBoolean:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", value)
		}
	case handler.FieldSelect:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("expected select string, got %T", value)
		}
		for _, opt := range field.Options {
			if s == opt {
				return nil
			}
		}
		return fmt.Errorf("value %q not among options %v", s, field.Options)
	}
	return nil
}

// InputDeclarer is an optional handler capability declaring the expected
// input shape (field name to field type).
type InputDeclarer interface {
	DeclaredInput() map[string]string
}

// OutputDeclarer is an optional handler capability declaring the produced
// output shape.
type OutputDeclarer interface {
	DeclaredOutput() map[string]string
}

// checkTypeCompat compares declared schemas across each edge. Mismatches are
// soft: they only warn.
func (c *Compiler) checkTypeCompat(def *workflow.Definition, plan *Plan) {
	for _, edge := range def.Edges {
		up, uok := plan.Nodes[edge.Source].Handler.(OutputDeclarer)
		down, dok := plan.Nodes[edge.Target].Handler.(InputDeclarer)
		if !uok || !dok {
			continue
		}
		produced := up.DeclaredOutput()
		for name, want := range down.DeclaredInput() {
			got, ok := produced[name]
			if ok && got != want {
				plan.Warnings = append(plan.Warnings, fmt.Sprintf(
					"edge %s: field %q is %s upstream but %s is expected by %s",
					edge.ID, name, got, want, edge.Target))
			}
		}
	}
}

// order runs Kahn's algorithm over the loop-condensed DAG, breaking ties by
// smallest node ID so the order is deterministic.
func (c *Compiler) order(plan *Plan) error {
	// Representative of each condensed component: its smallest member.
	rep := make(map[int]string)
	for id, members := range plan.sccMembers {
		sorted := append([]string(nil), members...)
		sort.Strings(sorted)
		plan.sccMembers[id] = sorted
		rep[id] = sorted[0]
	}

	indegree := make(map[int]int, len(rep))
	succs := make(map[int]map[int]bool)
	for id := range rep {
		indegree[id] = 0
	}
	for source, byHandle := range plan.adjacency {
		for _, targets := range byHandle {
			for _, target := range targets {
				from, to := plan.sccOf[source], plan.sccOf[target]
				if from == to {
					continue
				}
				if succs[from] == nil {
					succs[from] = make(map[int]bool)
				}
				if !succs[from][to] {
					succs[from][to] = true
					indegree[to]++
				}
			}
		}
	}

	var ready []int
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sortByRep := func(ids []int) {
		sort.Slice(ids, func(i, j int) bool { return rep[ids[i]] < rep[ids[j]] })
	}
	sortByRep(ready)

	var order []string
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, plan.sccMembers[id]...)
		var unlocked []int
		for to := range succs[id] {
			indegree[to]--
			if indegree[to] == 0 {
				unlocked = append(unlocked, to)
			}
		}
		sortByRep(unlocked)
		ready = append(ready, unlocked...)
		sortByRep(ready)
	}
	if len(order) != len(plan.Nodes) {
		return errf(KindCycle, "", "", "condensed graph is not acyclic")
	}
	plan.Order = order
	return nil
}

func sortedNodeIDs(plan *Plan) []string {
	ids := make([]string, 0, len(plan.Nodes))
	for id := range plan.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func effectiveTimeout(cfg map[string]any, settings workflow.Settings) time.Duration {
	if ms, ok := numberField(cfg, "timeout_ms"); ok && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	if settings.DefaultTimeoutMS > 0 {
		return time.Duration(settings.DefaultTimeoutMS) * time.Millisecond
	}
	return workflow.SystemDefaultTimeout
}

func effectiveRetries(cfg map[string]any, settings workflow.Settings) int {
	if n, ok := numberField(cfg, "retries"); ok && n >= 0 {
		return n
	}
	if settings.MaxRetries > 0 {
		return settings.MaxRetries
	}
	return 0
}

func effectiveMaxLoops(cfg map[string]any) int {
	if n, ok := numberField(cfg, "max_loop_count"); ok && n >= 0 {
		if n > workflow.SystemMaxLoops {
			return n // enforced at runtime so the violation is observable
		}
		return n
	}
	return workflow.SystemMaxLoops
}

func numberField(cfg map[string]any, key string) (int, bool) {
	switch v := cfg[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	}
	return 0, false
}

// tarjan computes strongly connected components iteratively. Component IDs
// start at 1.
func tarjan(plan *Plan) (map[string]int, map[int][]string) {
	ids := sortedNodeIDs(plan)

	index := make(map[string]int, len(ids))
	lowlink := make(map[string]int, len(ids))
	onStack := make(map[string]bool, len(ids))
	var stack []string
	next := 0
	sccID := 0
	sccOf := make(map[string]int, len(ids))
	members := make(map[int][]string)

	succsOf := func(n string) []string {
		var out []string
		for _, targets := range plan.adjacency[n] {
			out = append(out, targets...)
		}
		sort.Strings(out)
		return out
	}

	type frame struct {
		node  string
		succs []string
		i     int
	}

	for _, root := range ids {
		if _, visited := index[root]; visited {
			continue
		}
		var frames []frame
		index[root] = next
		lowlink[root] = next
		next++
		stack = append(stack, root)
		onStack[root] = true
		frames = append(frames, frame{node: root, succs: succsOf(root)})

		for len(frames) > 0 {
			f := &frames[len(frames)-1]
			if f.i < len(f.succs) {
				w := f.succs[f.i]
				f.i++
				if _, seen := index[w]; !seen {
					index[w] = next
					lowlink[w] = next
					next++
					stack = append(stack, w)
					onStack[w] = true
					frames = append(frames, frame{node: w, succs: succsOf(w)})
				} else if onStack[w] {
					if index[w] < lowlink[f.node] {
						lowlink[f.node] = index[w]
					}
				}
				continue
			}
			// All successors done: maybe pop a component, then propagate.
			if lowlink[f.node] == index[f.node] {
				sccID++
				for {
					w := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[w] = false
					sccOf[w] = sccID
					members[sccID] = append(members[sccID], w)
					if w == f.node {
						break
					}
				}
			}
			done := f.node
			frames = frames[:len(frames)-1]
			if len(frames) > 0 {
				parent := &frames[len(frames)-1]
				if lowlink[done] < lowlink[parent.node] {
					lowlink[parent.node] = lowlink[done]
				}
			}
		}
	}
	return sccOf, members
}
