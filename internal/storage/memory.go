package storage

import (
	"context"
	"sync"

	"github.com/loomworks/loom/internal/credential"
	"github.com/loomworks/loom/internal/workflow"
)

// Memory is an in-process store for tests and standalone deployments.
type Memory struct {
	mu         sync.RWMutex
	workflows  map[string]*workflow.Workflow
	creds      *credential.MemoryStore
	executions []*ExecutionRecord
	nodes      []*NodeRecord
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		workflows: make(map[string]*workflow.Workflow),
		creds:     credential.NewMemoryStore(),
	}
}

// PutCredential seeds a credential.
func (m *Memory) PutCredential(c *credential.Credential) {
	m.creds.Put(c)
}

// Get implements credential.Store.
func (m *Memory) Get(ctx context.Context, userID, id string) (*credential.Credential, error) {
	return m.creds.Get(ctx, userID, id)
}

// ListForUser implements credential.Store.
func (m *Memory) ListForUser(ctx context.Context, userID string) ([]*credential.Credential, error) {
	return m.creds.ListForUser(ctx, userID)
}

// LoadWorkflow implements Store.
func (m *Memory) LoadWorkflow(_ context.Context, id string) (*workflow.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return wf, nil
}

// SaveWorkflow implements Store.
func (m *Memory) SaveWorkflow(_ context.Context, wf *workflow.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[wf.ID] = wf
	return nil
}

// AppendExecutionRecord implements Store.
func (m *Memory) AppendExecutionRecord(_ context.Context, rec *ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions = append(m.executions, rec)
	return nil
}

// AppendNodeRecord implements Store.
func (m *Memory) AppendNodeRecord(_ context.Context, rec *NodeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes = append(m.nodes, rec)
	return nil
}

// ExecutionRecords returns a snapshot of appended execution records.
func (m *Memory) ExecutionRecords() []*ExecutionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ExecutionRecord, len(m.executions))
	copy(out, m.executions)
	return out
}

// NodeRecords returns a snapshot of appended node records.
func (m *Memory) NodeRecords() []*NodeRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*NodeRecord, len(m.nodes))
	copy(out, m.nodes)
	return out
}
