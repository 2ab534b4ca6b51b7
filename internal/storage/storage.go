package storage

import (
	"context"
	"errors"
	"time"

	"github.com/loomworks/loom/internal/credential"
	"github.com/loomworks/loom/internal/workflow"
)

var ErrNotFound = errors.New("not found")

// ExecutionRecord is the persisted trace of one execution. The kernel writes
// it at terminal transition; it never reads it back.
type ExecutionRecord struct {
	ExecutionID       string     `db:"execution_id" json:"execution_id"`
	WorkflowID        string     `db:"workflow_id" json:"workflow_id"`
	UserID            string     `db:"user_id" json:"user_id"`
	State             string     `db:"state" json:"state"`
	ErrorKind         string     `db:"error_kind" json:"error_kind,omitempty"`
	ErrorNode         string     `db:"error_node" json:"error_node,omitempty"`
	ErrorMessage      string     `db:"error_message" json:"error_message,omitempty"`
	Output            []byte     `db:"output" json:"output,omitempty"`
	ParentExecutionID string     `db:"parent_execution_id" json:"parent_execution_id,omitempty"`
	StartedAt         time.Time  `db:"started_at" json:"started_at"`
	CompletedAt       *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// NodeRecord is the persisted trace of one node attempt.
type NodeRecord struct {
	ExecutionID string    `db:"execution_id" json:"execution_id"`
	NodeID      string    `db:"node_id" json:"node_id"`
	NodeType    string    `db:"node_type" json:"node_type"`
	Handle      string    `db:"handle" json:"handle"`
	Attempts    int       `db:"attempts" json:"attempts"`
	DurationMS  int64     `db:"duration_ms" json:"duration_ms"`
	Output      []byte    `db:"output" json:"output,omitempty"`
	ErrorKind   string    `db:"error_kind" json:"error_kind,omitempty"`
	Message     string    `db:"error_message" json:"error_message,omitempty"`
	StartedAt   time.Time `db:"started_at" json:"started_at"`
}

// Store is the optional persistence collaborator. The kernel runs fine
// without one; record appends are best-effort.
type Store interface {
	credential.Store

	LoadWorkflow(ctx context.Context, id string) (*workflow.Workflow, error)
	SaveWorkflow(ctx context.Context, wf *workflow.Workflow) error
	AppendExecutionRecord(ctx context.Context, rec *ExecutionRecord) error
	AppendNodeRecord(ctx context.Context, rec *NodeRecord) error
}
