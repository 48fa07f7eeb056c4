package playbook

import (
	"context"
	"fmt"
	"time"

	"sync"

	"github.com/google/uuid"

	"github.com/sentinelops/responder/internal/orcerr"
	"github.com/sentinelops/responder/pkg/audit"
	"github.com/sentinelops/responder/pkg/logger"
	"github.com/sentinelops/responder/pkg/telemetry"
)

// ActionContext carries everything an action handler needs.
type ActionContext struct {
	ExecutionID string
	PlaybookID  string
	CaseID      string
	Action      Action
	Params      map[string]any
}

// ActionFunc executes one action and returns its output.
type ActionFunc func(ctx context.Context, ac ActionContext) (map[string]any, error)

// Config holds runner tuning.
type Config struct {
	// DefaultTimeout bounds actions that declare no timeout of their own.
	DefaultTimeout time.Duration
	// RetryBaseDelay is multiplied by the retry count for exponential backoff.
	RetryBaseDelay time.Duration
	// PauseInterval is how often a paused execution re-checks its status.
	PauseInterval time.Duration
}

// DefaultConfig returns default runner configuration.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 30 * time.Second,
		RetryBaseDelay: 2 * time.Second,
		PauseInterval:  100 * time.Millisecond,
	}
}

// Runner executes playbooks with dependency ordering, parallel fan-out
// and per-action retry.
type Runner struct {
	cfg      Config
	registry *Registry
	sink     audit.Sink
	log      *logger.Logger

	mu         sync.RWMutex
	executions map[string]*Execution

	emu       sync.RWMutex
	executors map[string]ActionFunc
}

// NewRunner creates a playbook runner.
func NewRunner(cfg Config, registry *Registry, sink audit.Sink, log *logger.Logger) *Runner {
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 2 * time.Second
	}
	if cfg.PauseInterval <= 0 {
		cfg.PauseInterval = 100 * time.Millisecond
	}
	return &Runner{
		cfg:        cfg,
		registry:   registry,
		sink:       sink,
		log:        log.WithComponent("playbook-runner"),
		executions: make(map[string]*Execution),
		executors:  make(map[string]ActionFunc),
	}
}

// RegisterExecutor registers the handler for an action kind.
func (r *Runner) RegisterExecutor(kind string, fn ActionFunc) {
	r.emu.Lock()
	defer r.emu.Unlock()
	r.executors[kind] = fn
}

// Start begins executing a playbook without blocking the caller.
func (r *Runner) Start(ctx context.Context, playbookID, actorID, caseID string, overrides map[string]any) (string, error) {
	ctx, span := telemetry.StartSpan(ctx, "playbook.start")
	defer span.End()

	def, err := r.registry.Get(playbookID)
	if err != nil {
		span.SetError(err)
		return "", err
	}

	exec := &Execution{
		ID:         uuid.New().String(),
		PlaybookID: playbookID,
		CaseID:     caseID,
		StartedBy:  actorID,
		Status:     StatusPending,
		Results:    make(map[string]*ActionResult, len(def.Actions)),
		StartedAt:  time.Now(),
	}
	for _, a := range def.Actions {
		exec.Results[a.ID] = &ActionResult{ActionID: a.ID, Status: ActionPending}
	}

	r.mu.Lock()
	r.executions[exec.ID] = exec
	r.mu.Unlock()

	r.sink.Log(ctx, actorID, "playbook.execution.started", map[string]any{
		"playbook_id": playbookID,
		"case_id":     caseID,
		"actions":     len(def.Actions),
	}, exec.ID)

	r.log.Info("playbook execution started",
		"execution_id", exec.ID,
		"playbook_id", playbookID,
		"case_id", caseID,
	)
	span.SetAttribute("execution_id", exec.ID)

	go r.run(context.WithoutCancel(ctx), exec, def, overrides)

	return exec.ID, nil
}

// GetExecution returns a copy of the execution state.
func (r *Runner) GetExecution(executionID string) (*Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executions[executionID]
	if !ok {
		return nil, orcerr.NotFound("execution", executionID)
	}
	return copyExecution(exec), nil
}

// ListExecutions returns copies of all executions, optionally filtered by
// playbook id.
func (r *Runner) ListExecutions(playbookID string) []*Execution {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Execution
	for _, exec := range r.executions {
		if playbookID != "" && exec.PlaybookID != playbookID {
			continue
		}
		out = append(out, copyExecution(exec))
	}
	return out
}

// Pause flips a running execution to PAUSED. Pausing is advisory: actions
// already in flight run to completion; only the next dispatch is held.
func (r *Runner) Pause(ctx context.Context, executionID, actorID string) error {
	if err := r.flipStatus(executionID, StatusRunning, StatusPaused); err != nil {
		return err
	}
	r.sink.Log(ctx, actorID, "playbook.execution.paused", nil, executionID)
	return nil
}

// Resume flips a paused execution back to RUNNING.
func (r *Runner) Resume(ctx context.Context, executionID, actorID string) error {
	if err := r.flipStatus(executionID, StatusPaused, StatusRunning); err != nil {
		return err
	}
	r.sink.Log(ctx, actorID, "playbook.execution.resumed", nil, executionID)
	return nil
}

func (r *Runner) flipStatus(executionID string, from, to ExecutionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.executions[executionID]
	if !ok {
		return orcerr.NotFound("execution", executionID)
	}
	if exec.Status != from {
		return orcerr.Validation("execution %s is %s, expected %s", executionID, exec.Status, from)
	}
	exec.Status = to
	return nil
}

// Rollback runs the playbook's rollback actions and marks the execution
// ROLLED_BACK.
func (r *Runner) Rollback(ctx context.Context, executionID, actorID, reason string) error {
	ctx, span := telemetry.StartSpan(ctx, "playbook.rollback")
	defer span.End()

	r.mu.RLock()
	exec, ok := r.executions[executionID]
	r.mu.RUnlock()
	if !ok {
		err := orcerr.NotFound("execution", executionID)
		span.SetError(err)
		return err
	}

	def, err := r.registry.Get(exec.PlaybookID)
	if err != nil {
		span.SetError(err)
		return err
	}
	if len(def.Rollback) == 0 {
		err := orcerr.Validation("playbook %s declares no rollback actions", def.ID)
		span.SetError(err)
		return err
	}

	r.log.Info("rolling back execution",
		"execution_id", executionID,
		"actor_id", actorID,
		"reason", reason,
	)

	for _, a := range def.Rollback {
		result := &ActionResult{ActionID: a.ID, Status: ActionPending}
		r.mu.Lock()
		exec.Results[a.ID] = result
		r.mu.Unlock()
		r.executeAction(ctx, exec, a, nil)
	}

	now := time.Now()
	r.mu.Lock()
	exec.Status = StatusRolledBack
	exec.CompletedAt = &now
	r.mu.Unlock()

	r.sink.Log(ctx, actorID, "playbook.execution.rolled_back", map[string]any{
		"playbook_id": exec.PlaybookID,
		"reason":      reason,
	}, executionID)

	return nil
}

// run drives an execution until every action is terminal or the dependency
// graph can make no further progress. Dependency ordering uses a ready
// queue: an action is ready once every dependency has reached SUCCESS.
func (r *Runner) run(ctx context.Context, exec *Execution, def *Definition, overrides map[string]any) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("playbook execution panic", "execution_id", exec.ID, "error", rec)
			now := time.Now()
			r.mu.Lock()
			exec.Status = StatusFailed
			exec.Errors = append(exec.Errors, fmt.Sprintf("panic: %v", rec))
			exec.CompletedAt = &now
			r.mu.Unlock()
		}
	}()

	r.mu.Lock()
	exec.Status = StatusRunning
	r.mu.Unlock()

	actions := make(map[string]Action, len(def.Actions))
	for _, a := range def.Actions {
		actions[a.ID] = a
	}

	for {
		// Pausing holds the next dispatch; in-flight actions are unaffected.
		r.mu.RLock()
		paused := exec.Status == StatusPaused
		r.mu.RUnlock()
		if paused {
			time.Sleep(r.cfg.PauseInterval)
			continue
		}

		pending := r.pendingActions(exec, def)
		if len(pending) == 0 {
			break
		}

		// An action downstream of a failed or skipped dependency can never
		// become ready; mark it skipped so the graph keeps draining.
		skippedAny := false
		for _, a := range pending {
			if dep, bad := r.failedDependency(exec, a); bad {
				now := time.Now()
				r.mu.Lock()
				res := exec.Results[a.ID]
				res.Status = ActionSkipped
				res.Error = fmt.Sprintf("dependency %s did not succeed", dep)
				res.CompletedAt = &now
				r.mu.Unlock()
				skippedAny = true
			}
		}
		if skippedAny {
			continue
		}

		ready := r.readyActions(exec, def)
		if len(ready) == 0 {
			// Nothing ready, nothing running, actions remain: the
			// dependency graph is deadlocked.
			err := orcerr.Stalled(exec.ID)
			now := time.Now()
			r.mu.Lock()
			exec.Status = StatusFailed
			exec.Errors = append(exec.Errors, err.Error())
			exec.CompletedAt = &now
			r.mu.Unlock()

			r.log.Error("playbook execution stalled", "execution_id", exec.ID)
			r.sink.Log(ctx, exec.StartedBy, "playbook.execution.failed", map[string]any{
				"playbook_id": exec.PlaybookID,
				"error":       err.Error(),
			}, exec.ID)
			return
		}

		// Fan out every parallel-flagged ready action and wait for the
		// batch; then run exactly one sequential action before
		// re-evaluating readiness. Sequential-looking playbooks stay
		// deterministic while independent mitigations still run together.
		var batch []Action
		var sequential *Action
		for i := range ready {
			if ready[i].Parallel {
				batch = append(batch, ready[i])
			} else if sequential == nil {
				a := ready[i]
				sequential = &a
			}
		}

		if len(batch) > 0 {
			var wg sync.WaitGroup
			for _, a := range batch {
				wg.Add(1)
				go func(a Action) {
					defer wg.Done()
					r.executeAction(ctx, exec, a, overrides)
				}(a)
			}
			wg.Wait()
		}

		if sequential != nil {
			r.executeAction(ctx, exec, *sequential, overrides)
		}
	}

	r.finalize(ctx, exec)
}

// pendingActions returns definition-ordered actions whose results are not
// yet terminal.
func (r *Runner) pendingActions(exec *Execution, def *Definition) []Action {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Action
	for _, a := range def.Actions {
		if !exec.Results[a.ID].Status.Terminal() {
			out = append(out, a)
		}
	}
	return out
}

// readyActions returns definition-ordered pending actions whose
// dependencies have all reached SUCCESS.
func (r *Runner) readyActions(exec *Execution, def *Definition) []Action {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Action
	for _, a := range def.Actions {
		res := exec.Results[a.ID]
		if res.Status != ActionPending {
			continue
		}
		satisfied := true
		for _, dep := range a.DependsOn {
			if exec.Results[dep].Status != ActionSuccess {
				satisfied = false
				break
			}
		}
		if satisfied {
			out = append(out, a)
		}
	}
	return out
}

// failedDependency reports whether a depends on an action that terminally
// failed or was skipped.
func (r *Runner) failedDependency(exec *Execution, a Action) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, dep := range a.DependsOn {
		st := exec.Results[dep].Status
		if st == ActionFailed || st == ActionSkipped {
			return dep, true
		}
	}
	return "", false
}

// executeAction runs one action to a terminal result, retrying per the
// action's own policy. Retries apply to the action alone, never to its
// dependents.
func (r *Runner) executeAction(ctx context.Context, exec *Execution, a Action, overrides map[string]any) {
	now := time.Now()
	r.mu.Lock()
	result := exec.Results[a.ID]
	result.Status = ActionRunning
	result.StartedAt = &now
	r.mu.Unlock()

	params := mergeParams(a.Parameters, overrides)

	r.emu.RLock()
	fn, ok := r.executors[a.Kind]
	r.emu.RUnlock()

	for {
		var output map[string]any
		var err error

		if !ok {
			err = fmt.Errorf("no executor registered for action kind %q", a.Kind)
		} else {
			timeout := a.Timeout
			if timeout <= 0 {
				timeout = r.cfg.DefaultTimeout
			}
			actx, cancel := context.WithTimeout(ctx, timeout)
			output, err = fn(actx, ActionContext{
				ExecutionID: exec.ID,
				PlaybookID:  exec.PlaybookID,
				CaseID:      exec.CaseID,
				Action:      a,
				Params:      params,
			})
			cancel()
		}

		if err == nil {
			done := time.Now()
			r.mu.Lock()
			result.Status = ActionSuccess
			result.Output = output
			result.CompletedAt = &done
			r.mu.Unlock()
			r.log.Debug("action succeeded", "execution_id", exec.ID, "action_id", a.ID)
			return
		}

		r.mu.Lock()
		retries := result.RetryCount
		r.mu.Unlock()

		if a.RetryOnFailure && retries < a.MaxRetries {
			r.mu.Lock()
			result.RetryCount++
			retries = result.RetryCount
			r.mu.Unlock()

			backoff := r.cfg.RetryBaseDelay * time.Duration(retries)
			r.log.Warn("action failed, retrying",
				"execution_id", exec.ID,
				"action_id", a.ID,
				"retry", retries,
				"backoff", backoff,
				"error", err,
			)
			time.Sleep(backoff)
			continue
		}

		done := time.Now()
		failure := orcerr.ActionFailed(a.ID, err)
		r.mu.Lock()
		result.Status = ActionFailed
		result.Error = err.Error()
		result.CompletedAt = &done
		exec.Errors = append(exec.Errors, failure.Error())
		r.mu.Unlock()

		r.log.Error("action failed",
			"execution_id", exec.ID,
			"action_id", a.ID,
			"retries", retries,
			"error", err,
		)
		return
	}
}

// finalize records the terminal execution status once every action is done.
func (r *Runner) finalize(ctx context.Context, exec *Execution) {
	now := time.Now()

	r.mu.Lock()
	failed := false
	for _, res := range exec.Results {
		if res.Status == ActionFailed || res.Status == ActionSkipped {
			failed = true
			break
		}
	}
	if failed {
		exec.Status = StatusFailed
	} else {
		exec.Status = StatusCompleted
	}
	exec.CompletedAt = &now
	status := exec.Status
	r.mu.Unlock()

	action := "playbook.execution.completed"
	if status == StatusFailed {
		action = "playbook.execution.failed"
	}
	r.sink.Log(ctx, exec.StartedBy, action, map[string]any{
		"playbook_id": exec.PlaybookID,
		"case_id":     exec.CaseID,
	}, exec.ID)

	r.log.Info("playbook execution finished",
		"execution_id", exec.ID,
		"playbook_id", exec.PlaybookID,
		"status", status,
	)
}

// mergeParams layers caller overrides on top of the action's own
// parameters; overrides win.
func mergeParams(base, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overrides))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

func copyExecution(exec *Execution) *Execution {
	cp := *exec
	cp.Results = make(map[string]*ActionResult, len(exec.Results))
	for id, res := range exec.Results {
		resCopy := *res
		cp.Results[id] = &resCopy
	}
	cp.Errors = append([]string(nil), exec.Errors...)
	return &cp
}
