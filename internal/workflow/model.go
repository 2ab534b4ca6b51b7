package workflow

import (
	"encoding/json"
	"time"
)

// Workflow is a stored workflow definition. The Definition payload uses the
// visual-editor wire format (see ParseDefinition); it is immutable for the
// duration of any execution referring to it.
type Workflow struct {
	ID          string          `db:"id" json:"id"`
	UserID      string          `db:"user_id" json:"user_id"`
	Name        string          `db:"name" json:"name"`
	Description string          `db:"description" json:"description"`
	Definition  json.RawMessage `db:"definition" json:"definition"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}

// Definition is the parsed workflow structure.
type Definition struct {
	ID       string   `json:"id"`
	UserID   string   `json:"user_id"`
	Nodes    []Node   `json:"nodes"`
	Edges    []Edge   `json:"edges"`
	Settings Settings `json:"workflow_settings"`
}

// NodeData carries the per-type node payload from the editor.
type NodeData struct {
	Name           string          `json:"name"`
	Config         json.RawMessage `json:"config"`
	CredentialRefs []string        `json:"credential_refs,omitempty"`
}

// Node is a single workflow node.
type Node struct {
	ID   string   `json:"id"`
	Type string   `json:"type"`
	Data NodeData `json:"data"`
}

// Edge kinds. Back-edges produced by loop bodies carry EdgeKindLoopBody.
const (
	EdgeKindDefault     = "default"
	EdgeKindConditional = "conditional"
	EdgeKindLoopBody    = "loop_body"
	EdgeKindLoopDone    = "loop_done"
)

// Edge connects two nodes. SourceHandle selects which output port of the
// source fires this edge; empty means the default port.
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	Kind         string `json:"type,omitempty"`
}

// Error policies applied when a node error is not routed through an "error"
// handle.
const (
	ErrorPolicyFailFast = "fail_fast"
	ErrorPolicyContinue = "continue"
)

// Settings are workflow-level execution settings.
type Settings struct {
	DefaultTimeoutMS int    `json:"default_timeout_ms,omitempty"`
	MaxRetries       int    `json:"max_retries,omitempty"`
	ErrorPolicy      string `json:"error_policy,omitempty"`
	MaxNestingDepth  int    `json:"max_nesting_depth,omitempty"`
	Strict           bool   `json:"strict,omitempty"`
}

// System-wide safety bounds. Workflow settings may tighten these but never
// exceed them.
const (
	SystemMaxLoops        = 1000
	SystemDefaultTimeout  = 60 * time.Second
	SystemMaxNestingDepth = 10
)

// EffectiveErrorPolicy returns the configured policy, defaulting to fail_fast.
func (s Settings) EffectiveErrorPolicy() string {
	if s.ErrorPolicy == ErrorPolicyContinue {
		return ErrorPolicyContinue
	}
	return ErrorPolicyFailFast
}

// EffectiveMaxNestingDepth clamps the configured nesting depth to the system
// bound.
func (s Settings) EffectiveMaxNestingDepth() int {
	if s.MaxNestingDepth <= 0 || s.MaxNestingDepth > SystemMaxNestingDepth {
		return SystemMaxNestingDepth
	}
	return s.MaxNestingDepth
}

// ExecutionState is the lifecycle state of one execution.
type ExecutionState string

const (
	StatePending      ExecutionState = "pending"
	StateRunning      ExecutionState = "running"
	StatePaused       ExecutionState = "paused"
	StateWaitingHuman ExecutionState = "waiting_human"
	StateCompleted    ExecutionState = "completed"
	StateFailed       ExecutionState = "failed"
	StateCancelled    ExecutionState = "cancelled"
)

// Terminal reports whether the state is absorbing.
func (s ExecutionState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// ExecutionError describes why an execution failed.
type ExecutionError struct {
	Kind    string `json:"kind"`
	NodeID  string `json:"node_id,omitempty"`
	Message string `json:"message"`
}

func (e *ExecutionError) Error() string {
	if e.NodeID != "" {
		return e.Kind + " at node " + e.NodeID + ": " + e.Message
	}
	return e.Kind + ": " + e.Message
}

// Progress tracks node completion for one execution.
type Progress struct {
	TotalNodes     int `json:"total_nodes"`
	CompletedNodes int `json:"completed_nodes"`
}

// Percentage returns completion as 0-100.
func (p Progress) Percentage() float64 {
	if p.TotalNodes == 0 {
		return 0
	}
	return float64(p.CompletedNodes) / float64(p.TotalNodes) * 100
}

// ExecutionHandle is the control-plane record for one execution.
type ExecutionHandle struct {
	ExecutionID       string          `json:"execution_id"`
	WorkflowID        string          `json:"workflow_id"`
	UserID            string          `json:"user_id"`
	State             ExecutionState  `json:"state"`
	CurrentNode       string          `json:"current_node,omitempty"`
	Progress          Progress        `json:"progress"`
	StartedAt         time.Time       `json:"started_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	PendingHITL       string          `json:"pending_hitl,omitempty"`
	LoopCounters      map[string]int  `json:"loop_counters,omitempty"`
	Error             *ExecutionError `json:"error,omitempty"`
	Output            map[string]any  `json:"output,omitempty"`
	ParentExecutionID string          `json:"parent_execution_id,omitempty"`
	NestingDepth      int             `json:"nesting_depth"`
}

// Clone returns a snapshot copy safe to hand to callers.
func (h *ExecutionHandle) Clone() *ExecutionHandle {
	cp := *h
	if h.LoopCounters != nil {
		cp.LoopCounters = make(map[string]int, len(h.LoopCounters))
		for k, v := range h.LoopCounters {
			cp.LoopCounters[k] = v
		}
	}
	return &cp
}
