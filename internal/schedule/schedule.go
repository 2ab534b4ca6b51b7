package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/loomworks/loom/internal/storage"
	"github.com/loomworks/loom/internal/supervisor"
)

// Scheduler starts stored workflows on cron schedules. Schedule triggers are
// system invocations on behalf of the workflow owner.
type Scheduler struct {
	cron    *cron.Cron
	sup     *supervisor.Supervisor
	store   storage.Store
	logger  *slog.Logger
	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// New creates a scheduler. Seconds are not part of the cron spec, matching
// the standard five-field format.
func New(sup *supervisor.Supervisor, store storage.Store, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		sup:     sup,
		store:   store,
		logger:  logger,
		entries: make(map[string]cron.EntryID),
	}
}

// Add registers a cron schedule for a stored workflow. Replaces any existing
// schedule for the same workflow.
func (s *Scheduler) Add(spec, workflowID string, input map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.entries[workflowID]; ok {
		s.cron.Remove(existing)
		delete(s.entries, workflowID)
	}
	id, err := s.cron.AddFunc(spec, func() { s.fire(workflowID, input) })
	if err != nil {
		return fmt.Errorf("add schedule for workflow %s: %w", workflowID, err)
	}
	s.entries[workflowID] = id
	s.logger.Info("schedule registered", "workflow_id", workflowID, "spec", spec)
	return nil
}

// Remove drops a workflow's schedule.
func (s *Scheduler) Remove(workflowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[workflowID]; ok {
		s.cron.Remove(id)
		delete(s.entries, workflowID)
	}
}

func (s *Scheduler) fire(workflowID string, input map[string]any) {
	ctx := context.Background()
	wf, err := s.store.LoadWorkflow(ctx, workflowID)
	if err != nil {
		s.logger.Error("scheduled workflow load failed", "workflow_id", workflowID, "error", err)
		return
	}
	handle, err := s.sup.Start(ctx, supervisor.Caller{UserID: wf.UserID, System: true}, wf.Definition, input)
	if err != nil {
		s.logger.Error("scheduled start failed", "workflow_id", workflowID, "error", err)
		return
	}
	s.logger.Info("scheduled execution started",
		"workflow_id", workflowID, "execution_id", handle.ExecutionID)
}

// Start launches the cron loop.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the cron loop and waits for in-flight fires.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
