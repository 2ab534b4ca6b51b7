package compiler

import (
	"sort"
	"time"

	"github.com/loomworks/loom/internal/handler"
	"github.com/loomworks/loom/internal/workflow"
)

// PlanNode is one node bound to its handler with effective policies.
type PlanNode struct {
	Node         workflow.Node
	Handler      handler.Handler
	Timeout      time.Duration
	Retries      int
	MaxLoopCount int
	CredRefs     []string
	LoopCarrying bool
}

// Plan is the compiled, validated, handler-bound representation the runner
// drives. It is immutable after compilation and safe to share across
// executions of the same workflow.
type Plan struct {
	WorkflowID string
	UserID     string
	Settings   workflow.Settings

	Nodes map[string]*PlanNode
	// Entry holds nodes with no incoming edges, in deterministic order.
	Entry []string
	// Order is the topological order over the loop-condensed DAG.
	Order []string
	// Warnings carries non-fatal findings (orphans, soft type mismatches).
	Warnings []string
	// TotalReachable counts nodes reachable from the entry set.
	TotalReachable int

	// adjacency: source node -> output handle -> targets in edge order.
	adjacency map[string]map[string][]string
	// preds: target node -> distinct non-loop predecessor node IDs.
	preds map[string][]string
	// loopPreds: loop carrier -> sources of its re-entry back-edges.
	loopPreds map[string][]string
	// sccOf / sccMembers preserve loop groupings for runner resets.
	sccOf      map[string]int
	sccMembers map[int][]string
	loopNodes  map[string]bool
}

// Next returns the targets of the edges that fire when nodeID completes with
// the given handle. Unset source handles match the default handle.
func (p *Plan) Next(nodeID, h string) []string {
	out := p.adjacency[nodeID]
	if out == nil {
		return nil
	}
	return out[h]
}

// Handles returns the outgoing handles of a node.
func (p *Plan) Handles(nodeID string) []string {
	out := p.adjacency[nodeID]
	if out == nil {
		return nil
	}
	handles := make([]string, 0, len(out))
	for h := range out {
		handles = append(handles, h)
	}
	return handles
}

// NonLoopPreds returns the predecessors that gate a node's readiness.
// Back-edges re-entering a loop carrier do not count.
func (p *Plan) NonLoopPreds(nodeID string) []string {
	return p.preds[nodeID]
}

// LoopReentryPreds returns the sources of back-edges into a loop carrier, so
// the carrier sees the body's output on re-entry.
func (p *Plan) LoopReentryPreds(nodeID string) []string {
	return p.loopPreds[nodeID]
}

// LoopMembers returns the other members of nodeID's loop group, or nil when
// the node is not part of a loop.
func (p *Plan) LoopMembers(nodeID string) []string {
	id, ok := p.sccOf[nodeID]
	if !ok {
		return nil
	}
	members := p.sccMembers[id]
	if len(members) <= 1 {
		return nil
	}
	out := make([]string, 0, len(members)-1)
	for _, m := range members {
		if m != nodeID {
			out = append(out, m)
		}
	}
	return out
}

// IsLoopCarrier reports whether a node anchors a loop.
func (p *Plan) IsLoopCarrier(nodeID string) bool {
	return p.loopNodes[nodeID]
}

// SameLoopGroup reports whether two nodes belong to the same multi-node loop
// component.
func (p *Plan) SameLoopGroup(a, b string) bool {
	id, ok := p.sccOf[a]
	if !ok || id != p.sccOf[b] {
		return false
	}
	return len(p.sccMembers[id]) > 1
}

// Terminals returns nodes with no outgoing non-loop edges, sorted by node ID.
// Execution output is the deterministic merge of their outputs.
func (p *Plan) Terminals() []string {
	var out []string
	for _, id := range p.Order {
		// Loop body members re-run per iteration; only the carrier can
		// terminate their component.
		if len(p.sccMembers[p.sccOf[id]]) > 1 && !p.loopNodes[id] {
			continue
		}
		terminal := true
		for _, targets := range p.adjacency[id] {
			for _, t := range targets {
				// A back-edge into the node's own loop group does not make
				// the node non-terminal.
				if p.sccOf[t] == p.sccOf[id] && p.loopNodes[t] {
					continue
				}
				terminal = false
				break
			}
			if !terminal {
				break
			}
		}
		if terminal {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
