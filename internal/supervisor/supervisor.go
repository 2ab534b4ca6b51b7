package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/loomworks/loom/internal/compiler"
	"github.com/loomworks/loom/internal/credential"
	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/executor"
	"github.com/loomworks/loom/internal/handler"
	"github.com/loomworks/loom/internal/humantask"
	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/storage"
	"github.com/loomworks/loom/internal/tracing"
	"github.com/loomworks/loom/internal/workflow"
)

// Control-layer errors.
var (
	ErrNotFound          = errors.New("execution not found")
	ErrNotAuthorized     = errors.New("not authorized")
	ErrAlreadyTerminal   = errors.New("execution already terminal")
	ErrTooManyExecutions = errors.New("too many concurrent executions for user")
	ErrNestingDepth      = errors.New("nesting depth exceeded")
	ErrSubworkflowCycle  = errors.New("sub-workflow cycle detected")
)

// Caller identifies who invokes a control operation. System is an explicit
// privileged capability, not a special user ID.
type Caller struct {
	UserID string
	System bool
}

// execution is the supervisor-side record of one running workflow.
type execution struct {
	mu      sync.Mutex
	handle  *workflow.ExecutionHandle
	gate    *pauseGate
	ctx     context.Context
	cancel  context.CancelFunc
	execCtx *executor.Context
	plan    *compiler.Plan
	// chain holds the workflow IDs from the root to this execution,
	// inclusive, for sub-workflow cycle detection.
	chain   []string
	secrets []string
	done    chan struct{}
	outcome *executor.Outcome
	started time.Time
}

func (e *execution) snapshot() *workflow.ExecutionHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handle.Clone()
}

// Supervisor owns the set of active executions and their control channels.
// One instance runs per process; the executions map is the only shared
// mutable state and every mutation goes through its mutex.
type Supervisor struct {
	mu      sync.Mutex
	active  map[string]*execution
	perUser map[string]int
	// finished retains terminal handle snapshots for status queries; control
	// operations on them answer ErrAlreadyTerminal.
	finished *lru.Cache[string, *workflow.ExecutionHandle]

	compiler *compiler.Cache
	registry *handler.Registry
	creds    credential.Store
	store    storage.Store
	sink     events.Sink
	hitl     *humantask.Service
	masker   *credential.Masker
	metrics  *metrics.Metrics
	logger   *slog.Logger

	grace      time.Duration
	maxPerUser int
}

// New creates a supervisor. The storage collaborator and metrics are
// optional; sink may be nil for silent operation.
func New(registry *handler.Registry, creds credential.Store, sink events.Sink, logger *slog.Logger) (*Supervisor, error) {
	cache, err := compiler.NewCache(compiler.New(registry, logger), compiler.DefaultCacheSize)
	if err != nil {
		return nil, err
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	finished, err := lru.New[string, *workflow.ExecutionHandle](1024)
	if err != nil {
		return nil, err
	}
	return &Supervisor{
		active:     make(map[string]*execution),
		perUser:    make(map[string]int),
		finished:   finished,
		compiler:   cache,
		registry:   registry,
		creds:      creds,
		sink:       sink,
		hitl:       humantask.NewService(logger),
		masker:     credential.NewMasker(),
		logger:     logger,
		grace:      executor.DefaultGraceWindow,
		maxPerUser: 0,
	}, nil
}

// WithStore wires the optional persistence collaborator.
func (s *Supervisor) WithStore(store storage.Store) *Supervisor {
	s.store = store
	return s
}

// WithMetrics wires Prometheus collectors.
func (s *Supervisor) WithMetrics(m *metrics.Metrics) *Supervisor {
	s.metrics = m
	return s
}

// WithGrace overrides the cancellation grace window.
func (s *Supervisor) WithGrace(grace time.Duration) *Supervisor {
	s.grace = grace
	return s
}

// WithMaxPerUser bounds concurrently running executions per user. Zero means
// unbounded.
func (s *Supervisor) WithMaxPerUser(n int) *Supervisor {
	s.maxPerUser = n
	return s
}

// WithPlanCacheSize resizes the compiled plan cache. Call before the first
// Start; a non-positive size keeps the default.
func (s *Supervisor) WithPlanCacheSize(size int) *Supervisor {
	cache, err := compiler.NewCache(compiler.New(s.registry, s.logger), size)
	if err != nil {
		s.logger.Error("failed to resize plan cache, keeping current", "size", size, "error", err)
		return s
	}
	s.compiler = cache
	return s
}

// HITL exposes the human task service for control surfaces.
func (s *Supervisor) HITL() *humantask.Service {
	return s.hitl
}

// Start compiles a workflow and spawns its execution. Compilation errors
// surface synchronously; the returned handle is a snapshot taken right after
// the transition to running.
func (s *Supervisor) Start(ctx context.Context, caller Caller, rawDef json.RawMessage, input map[string]any) (*workflow.ExecutionHandle, error) {
	def, err := workflow.ParseDefinition(rawDef)
	if err != nil {
		return nil, err
	}
	if def.UserID == "" {
		def.UserID = caller.UserID
	}
	if err := s.authorize(caller, def.UserID); err != nil {
		return nil, err
	}
	plan, err := s.compilePlan(ctx, def)
	if err != nil {
		return nil, err
	}
	e, err := s.spawn(ctx, plan, input, "", 0, []string{def.ID})
	if err != nil {
		return nil, err
	}
	return e.snapshot(), nil
}

func (s *Supervisor) compilePlan(ctx context.Context, def *workflow.Definition) (*compiler.Plan, error) {
	creds, err := s.creds.ListForUser(ctx, def.UserID)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	plan, err := s.compiler.Compile(def, creds)
	if err != nil {
		var cerr *compiler.Error
		if s.metrics != nil && errors.As(err, &cerr) {
			s.metrics.CompileErrorsTotal.WithLabelValues(cerr.Kind).Inc()
		}
		return nil, err
	}
	for _, warning := range plan.Warnings {
		s.logger.Warn("compile warning", "workflow_id", def.ID, "warning", warning)
	}
	return plan, nil
}

// spawn registers a new execution and launches its runner goroutine.
func (s *Supervisor) spawn(ctx context.Context, plan *compiler.Plan, input map[string]any, parentID string, depth int, chain []string) (*execution, error) {
	executionID := uuid.New().String()
	execCtx := executor.NewContext(executionID, plan.WorkflowID, plan.UserID, depth)

	// Bind every compile-validated credential reference before the first
	// node runs; secrets stay inside the execution context.
	var secrets []string
	for _, pn := range plan.Nodes {
		for _, ref := range pn.CredRefs {
			cred, err := s.creds.Get(ctx, plan.UserID, ref)
			if err != nil {
				return nil, fmt.Errorf("bind credential %s: %w", ref, err)
			}
			opened := credential.Open(cred)
			execCtx.BindCredential(opened)
			secrets = append(secrets, opened.Values()...)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e := &execution{
		handle: &workflow.ExecutionHandle{
			ExecutionID:       executionID,
			WorkflowID:        plan.WorkflowID,
			UserID:            plan.UserID,
			State:             workflow.StatePending,
			Progress:          workflow.Progress{TotalNodes: plan.TotalReachable},
			StartedAt:         time.Now(),
			LoopCounters:      make(map[string]int),
			ParentExecutionID: parentID,
			NestingDepth:      depth,
		},
		gate:    newPauseGate(),
		ctx:     runCtx,
		cancel:  cancel,
		execCtx: execCtx,
		plan:    plan,
		chain:   chain,
		secrets: secrets,
		done:    make(chan struct{}),
		started: time.Now(),
	}

	s.mu.Lock()
	if s.maxPerUser > 0 && s.perUser[plan.UserID] >= s.maxPerUser {
		s.mu.Unlock()
		cancel()
		execCtx.Destroy()
		return nil, ErrTooManyExecutions
	}
	s.active[executionID] = e
	s.perUser[plan.UserID]++
	s.mu.Unlock()

	s.emit(events.Event{
		Type:        events.TypeExecutionCreated,
		ExecutionID: executionID,
		WorkflowID:  plan.WorkflowID,
		UserID:      plan.UserID,
	})
	s.setState(e, workflow.StateRunning)
	if s.metrics != nil {
		s.metrics.ExecutionsActive.Inc()
	}

	go s.run(e, input)
	return e, nil
}

// run drives the runner to a terminal state and tears the execution down.
func (s *Supervisor) run(e *execution, input map[string]any) {
	runner := executor.NewRunner(e.handle.ExecutionID, e.plan, e.execCtx, &hooks{s: s, e: e}, s.logger).
		WithKernel(&kernel{s: s, e: e}).
		WithGrace(s.grace)

	var outcome *executor.Outcome
	_ = tracing.TraceExecution(e.ctx, e.plan.WorkflowID, e.handle.ExecutionID, func(ctx context.Context) error {
		outcome = runner.Run(ctx, input)
		if outcome.Error != nil {
			return outcome.Error
		}
		return nil
	})
	s.finish(e, outcome)
}

// finish performs the terminal transition: one place for event emission,
// record appends, HITL cleanup, credential zeroing and map removal.
func (s *Supervisor) finish(e *execution, outcome *executor.Outcome) {
	now := time.Now()
	maskedOutput := s.maskOutput(e, outcome.Output)

	e.mu.Lock()
	e.handle.State = outcome.State
	e.handle.Error = outcome.Error
	e.handle.Output = maskedOutput
	e.handle.CompletedAt = &now
	e.handle.CurrentNode = ""
	e.handle.PendingHITL = ""
	e.outcome = outcome
	handleCopy := e.handle.Clone()
	e.mu.Unlock()

	// Unblock any HITL waiter before removing control state.
	s.hitl.CancelByExecution(handleCopy.ExecutionID)
	e.cancel()

	s.mu.Lock()
	delete(s.active, handleCopy.ExecutionID)
	s.finished.Add(handleCopy.ExecutionID, handleCopy)
	s.perUser[handleCopy.UserID]--
	if s.perUser[handleCopy.UserID] <= 0 {
		delete(s.perUser, handleCopy.UserID)
	}
	s.mu.Unlock()

	s.emit(events.Event{
		Type:        events.TypeStateChanged,
		ExecutionID: handleCopy.ExecutionID,
		WorkflowID:  handleCopy.WorkflowID,
		UserID:      handleCopy.UserID,
		State:       string(outcome.State),
	})
	terminalEvent := events.Event{
		ExecutionID: handleCopy.ExecutionID,
		WorkflowID:  handleCopy.WorkflowID,
		UserID:      handleCopy.UserID,
		State:       string(outcome.State),
	}
	if outcome.State == workflow.StateCompleted {
		terminalEvent.Type = events.TypeExecutionCompleted
		terminalEvent.Output = maskedOutput
	} else {
		terminalEvent.Type = events.TypeExecutionFailed
		if outcome.Error != nil {
			terminalEvent.ErrorKind = outcome.Error.Kind
			terminalEvent.NodeID = outcome.Error.NodeID
			terminalEvent.Message = outcome.Error.Message
		}
	}
	s.emit(terminalEvent)

	if s.metrics != nil {
		s.metrics.ExecutionsActive.Dec()
		s.metrics.ExecutionsTotal.WithLabelValues(handleCopy.WorkflowID, string(outcome.State)).Inc()
		s.metrics.ExecutionDuration.WithLabelValues(handleCopy.WorkflowID).Observe(time.Since(e.started).Seconds())
	}

	s.appendExecutionRecord(handleCopy, outcome)

	e.execCtx.Destroy()
	close(e.done)

	s.logger.Info("execution finished",
		"execution_id", handleCopy.ExecutionID,
		"workflow_id", handleCopy.WorkflowID,
		"state", outcome.State,
	)
}

func (s *Supervisor) appendExecutionRecord(h *workflow.ExecutionHandle, outcome *executor.Outcome) {
	if s.store == nil {
		return
	}
	rec := &storage.ExecutionRecord{
		ExecutionID:       h.ExecutionID,
		WorkflowID:        h.WorkflowID,
		UserID:            h.UserID,
		State:             string(outcome.State),
		ParentExecutionID: h.ParentExecutionID,
		StartedAt:         h.StartedAt,
		CompletedAt:       h.CompletedAt,
	}
	if outcome.Error != nil {
		rec.ErrorKind = outcome.Error.Kind
		rec.ErrorNode = outcome.Error.NodeID
		rec.ErrorMessage = outcome.Error.Message
	}
	if len(h.Output) > 0 {
		if raw, err := json.Marshal(h.Output); err == nil {
			rec.Output = raw
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.AppendExecutionRecord(ctx, rec); err != nil {
		s.logger.Error("failed to append execution record",
			"execution_id", h.ExecutionID, "error", err)
	}
}

// setState transitions an execution and emits the state change.
func (s *Supervisor) setState(e *execution, state workflow.ExecutionState) {
	e.mu.Lock()
	e.handle.State = state
	h := e.handle.Clone()
	e.mu.Unlock()
	s.emit(events.Event{
		Type:        events.TypeStateChanged,
		ExecutionID: h.ExecutionID,
		WorkflowID:  h.WorkflowID,
		UserID:      h.UserID,
		State:       string(state),
	})
}

// emit sends an event through the sink behind a recover: a sink failure must
// never take down a running execution.
func (s *Supervisor) emit(ev events.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("event sink panicked", "event_type", ev.Type, "panic", r)
		}
	}()
	ev.Timestamp = time.Now()
	s.sink.Emit(ev)
}

func (s *Supervisor) maskOutput(e *execution, output map[string]any) map[string]any {
	if output == nil {
		return nil
	}
	return s.masker.MaskMap(output, e.secrets)
}

func (s *Supervisor) authorize(caller Caller, userID string) error {
	if caller.System || caller.UserID == userID {
		return nil
	}
	return ErrNotAuthorized
}

// lookup returns an active execution after the ownership check. A retained
// terminal execution answers ErrAlreadyTerminal, anything else ErrNotFound.
func (s *Supervisor) lookup(executionID string, caller Caller) (*execution, error) {
	s.mu.Lock()
	e, ok := s.active[executionID]
	s.mu.Unlock()
	if !ok {
		if h, terminal := s.finished.Get(executionID); terminal {
			if err := s.authorize(caller, h.UserID); err != nil {
				return nil, err
			}
			return nil, ErrAlreadyTerminal
		}
		return nil, ErrNotFound
	}
	if err := s.authorize(caller, e.handle.UserID); err != nil {
		return nil, err
	}
	return e, nil
}

// ActiveCount reports the number of non-terminal executions.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Shutdown cancels every active execution and waits for teardown, bounded by
// the context.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	var running []*execution
	for _, e := range s.active {
		running = append(running, e)
	}
	s.mu.Unlock()

	for _, e := range running {
		e.cancel()
		e.gate.Resume()
	}
	for _, e := range running {
		select {
		case <-e.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
