package supervisor

import (
	"github.com/loomworks/loom/internal/humantask"
	"github.com/loomworks/loom/internal/workflow"
)

// Pause arms the pause gate: the next node boundary blocks until resume.
// Pausing an already paused execution is a no-op.
func (s *Supervisor) Pause(executionID string, caller Caller) error {
	e, err := s.lookup(executionID, caller)
	if err != nil {
		return err
	}
	e.mu.Lock()
	state := e.handle.State
	e.mu.Unlock()
	if state.Terminal() {
		return ErrAlreadyTerminal
	}
	e.gate.Pause()
	if state == workflow.StateRunning {
		s.setState(e, workflow.StatePaused)
	}
	return nil
}

// Resume opens the pause gate and releases any blocked node boundary.
func (s *Supervisor) Resume(executionID string, caller Caller) error {
	e, err := s.lookup(executionID, caller)
	if err != nil {
		return err
	}
	e.mu.Lock()
	state := e.handle.State
	e.mu.Unlock()
	if state.Terminal() {
		return ErrAlreadyTerminal
	}
	if state == workflow.StatePaused {
		s.setState(e, workflow.StateRunning)
	}
	e.gate.Resume()
	return nil
}

// Cancel requests cooperative cancellation: the cancel signal is observed at
// the next suspension point, any HITL or pause waiter is released, and the
// in-flight handler gets the grace window before being abandoned.
func (s *Supervisor) Cancel(executionID string, caller Caller) error {
	e, err := s.lookup(executionID, caller)
	if err != nil {
		return err
	}
	e.cancel()
	s.hitl.CancelByExecution(executionID)
	e.gate.Resume()
	s.logger.Info("cancellation requested", "execution_id", executionID, "user_id", caller.UserID)
	return nil
}

// Status returns a snapshot of an execution's handle. Terminal executions
// answer from the retained snapshot as long as retention allows.
func (s *Supervisor) Status(executionID string, caller Caller) (*workflow.ExecutionHandle, error) {
	s.mu.Lock()
	e, ok := s.active[executionID]
	s.mu.Unlock()
	if ok {
		if err := s.authorize(caller, e.handle.UserID); err != nil {
			return nil, err
		}
		return e.snapshot(), nil
	}
	if h, terminal := s.finished.Get(executionID); terminal {
		if err := s.authorize(caller, h.UserID); err != nil {
			return nil, err
		}
		return h.Clone(), nil
	}
	return nil, ErrNotFound
}

// Wait blocks until the execution reaches a terminal state and returns the
// final handle snapshot. Used by tests and the sub-workflow path.
func (s *Supervisor) Wait(executionID string) (*workflow.ExecutionHandle, bool) {
	s.mu.Lock()
	e, ok := s.active[executionID]
	s.mu.Unlock()
	if !ok {
		if h, terminal := s.finished.Get(executionID); terminal {
			return h.Clone(), true
		}
		return nil, false
	}
	<-e.done
	return e.snapshot(), true
}

// SubmitHumanResponse delivers a response to a pending HITL request. The
// delivery is effect-once: a second submission fails with ErrNotPending.
func (s *Supervisor) SubmitHumanResponse(caller Caller, requestID string, response any) error {
	return s.hitl.Respond(requestID, caller.UserID, caller.System, response)
}

// PendingHumanRequests lists the caller's pending HITL requests.
func (s *Supervisor) PendingHumanRequests(caller Caller) []*humantask.Request {
	return s.hitl.PendingForUser(caller.UserID)
}
