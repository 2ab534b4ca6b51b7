package humantask

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// pending couples a request with its single-shot response channel. The
// channel is buffered so the responder never blocks on a slow waiter.
type pending struct {
	req    *Request
	respCh chan any
}

// Service owns HITL request lifetime: creation, the response rendezvous,
// timeouts and cancellation. At most one non-terminal request exists per
// execution at a time.
type Service struct {
	mu       sync.Mutex
	requests map[string]*pending
	byExec   map[string]string
	logger   *slog.Logger
}

// NewService creates an empty HITL service.
func NewService(logger *slog.Logger) *Service {
	return &Service{
		requests: make(map[string]*pending),
		byExec:   make(map[string]string),
		logger:   logger,
	}
}

// Create registers a new pending request for an execution.
func (s *Service) Create(executionID, userID, kind, title, message string, options []string, timeoutSeconds int) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byExec[executionID]; exists {
		return nil, ErrAlreadyPending
	}
	req := &Request{
		ID:             uuid.New().String(),
		ExecutionID:    executionID,
		UserID:         userID,
		Kind:           kind,
		Title:          title,
		Message:        message,
		Options:        append([]string(nil), options...),
		TimeoutSeconds: timeoutSeconds,
		CreatedAt:      time.Now(),
		Status:         StatusPending,
	}
	s.requests[req.ID] = &pending{req: req, respCh: make(chan any, 1)}
	s.byExec[executionID] = req.ID
	return req.Clone(), nil
}

// Await blocks until the request is answered, times out, or the execution is
// cancelled. It is called by the execution's own goroutine only.
func (s *Service) Await(ctx context.Context, requestID string) (any, error) {
	s.mu.Lock()
	p, ok := s.requests[requestID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	timer := time.NewTimer(p.req.Timeout())
	defer timer.Stop()

	select {
	case resp := <-p.respCh:
		return resp, nil
	case <-timer.C:
		if s.finish(requestID, StatusTimedOut, nil) {
			return nil, ErrTimedOut
		}
	case <-ctx.Done():
		if s.finish(requestID, StatusCancelled, nil) {
			return nil, ErrCancelled
		}
	}
	// The request was resolved elsewhere first: either a response raced in
	// (it is already in the channel) or CancelByExecution cancelled it.
	s.mu.Lock()
	status := p.req.Status
	s.mu.Unlock()
	if status == StatusResponded {
		return <-p.respCh, nil
	}
	return nil, ErrCancelled
}

// Respond delivers a response to the waiter. It is effect-once: a second
// submission for the same request fails with ErrNotPending.
func (s *Service) Respond(requestID, userID string, privileged bool, response any) error {
	s.mu.Lock()
	p, ok := s.requests[requestID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if !privileged && p.req.UserID != userID {
		s.mu.Unlock()
		return ErrNotAuthorized
	}
	if p.req.Status != StatusPending {
		s.mu.Unlock()
		return ErrNotPending
	}
	p.req.Status = StatusResponded
	p.req.Response = response
	delete(s.byExec, p.req.ExecutionID)
	s.mu.Unlock()

	p.respCh <- response
	return nil
}

// finish moves a pending request to a terminal status. Returns false when
// the request was already resolved.
func (s *Service) finish(requestID, status string, response any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.requests[requestID]
	if !ok || p.req.Status != StatusPending {
		return false
	}
	p.req.Status = status
	p.req.Response = response
	delete(s.byExec, p.req.ExecutionID)
	return true
}

// CancelByExecution resolves any outstanding request of a terminating
// execution.
func (s *Service) CancelByExecution(executionID string) {
	s.mu.Lock()
	requestID, ok := s.byExec[executionID]
	s.mu.Unlock()
	if !ok {
		return
	}
	if s.finish(requestID, StatusCancelled, nil) {
		s.logger.Info("cancelled pending hitl request",
			"execution_id", executionID, "request_id", requestID)
	}
}

// Get returns a snapshot of one request, enforcing ownership.
func (s *Service) Get(requestID, userID string, privileged bool) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.requests[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	if !privileged && p.req.UserID != userID {
		return nil, ErrNotAuthorized
	}
	return p.req.Clone(), nil
}

// PendingForUser lists the user's pending requests, oldest first.
func (s *Service) PendingForUser(userID string) []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Request
	for _, p := range s.requests {
		if p.req.UserID == userID && p.req.Status == StatusPending {
			out = append(out, p.req.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// PendingID returns the pending request ID of an execution, if any.
func (s *Service) PendingID(executionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byExec[executionID]
	return id, ok
}
