package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelops/responder/internal/conditions"
	"github.com/sentinelops/responder/internal/entity"
	"github.com/sentinelops/responder/internal/notifier"
	"github.com/sentinelops/responder/internal/orcerr"
	"github.com/sentinelops/responder/pkg/audit"
	"github.com/sentinelops/responder/pkg/logger"
	"github.com/sentinelops/responder/pkg/telemetry"
)

// CustomActionFunc handles a CUSTOM state action.
type CustomActionFunc func(ctx context.Context, inst *Instance, action StateAction) error

// Engine manages workflow definitions and their running instances.
type Engine struct {
	sink    audit.Sink
	gateway notifier.Gateway
	store   entity.Store
	log     *logger.Logger

	mu          sync.RWMutex
	definitions map[string]*Definition
	instances   map[string]*Instance
	locks       map[string]*sync.Mutex

	hmu      sync.RWMutex
	handlers map[string]CustomActionFunc
}

// NewEngine creates a workflow engine.
func NewEngine(sink audit.Sink, gateway notifier.Gateway, store entity.Store, log *logger.Logger) *Engine {
	return &Engine{
		sink:        sink,
		gateway:     gateway,
		store:       store,
		log:         log.WithComponent("workflow-engine"),
		definitions: make(map[string]*Definition),
		instances:   make(map[string]*Instance),
		locks:       make(map[string]*sync.Mutex),
		handlers:    make(map[string]CustomActionFunc),
	}
}

// RegisterHandler registers the handler invoked for CUSTOM state actions
// whose "handler" parameter names it.
func (e *Engine) RegisterHandler(name string, fn CustomActionFunc) {
	e.hmu.Lock()
	defer e.hmu.Unlock()
	e.handlers[name] = fn
}

// RegisterWorkflow validates and stores a workflow definition.
func (e *Engine) RegisterWorkflow(def *Definition) error {
	if def.ID == "" {
		return orcerr.Validation("workflow id is required")
	}

	starts, ends := 0, 0
	states := make(map[string]bool, len(def.States))
	for _, s := range def.States {
		if s.ID == "" {
			return orcerr.Validation("workflow %s has a state with no id", def.ID)
		}
		if states[s.ID] {
			return orcerr.Validation("workflow %s has duplicate state %s", def.ID, s.ID)
		}
		states[s.ID] = true
		switch s.Kind {
		case StateStart:
			starts++
		case StateEnd:
			ends++
		}
	}
	if starts != 1 {
		return orcerr.Validation("workflow %s must have exactly one START state, found %d", def.ID, starts)
	}
	if ends == 0 {
		return orcerr.Validation("workflow %s must have at least one END state", def.ID)
	}

	seen := make(map[string]bool, len(def.Transitions))
	for _, t := range def.Transitions {
		if t.ID == "" {
			return orcerr.Validation("workflow %s has a transition with no id", def.ID)
		}
		if seen[t.ID] {
			return orcerr.Validation("workflow %s has duplicate transition %s", def.ID, t.ID)
		}
		seen[t.ID] = true
		if !states[t.From] {
			return orcerr.Validation("workflow %s transition %s references unknown state %s", def.ID, t.ID, t.From)
		}
		if !states[t.To] {
			return orcerr.Validation("workflow %s transition %s references unknown state %s", def.ID, t.ID, t.To)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.definitions[def.ID] = def
	e.log.Info("workflow registered", "workflow_id", def.ID, "states", len(def.States))
	return nil
}

// GetWorkflow returns a registered definition.
func (e *Engine) GetWorkflow(workflowID string) (*Definition, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def, ok := e.definitions[workflowID]
	if !ok {
		return nil, orcerr.NotFound("workflow", workflowID)
	}
	return def, nil
}

// Start creates an instance at the workflow's START state and runs that
// state's entry actions. The entity type must match the definition's
// scope, and every required variable needs a value or a default.
func (e *Engine) Start(ctx context.Context, workflowID, entityID, entityType, actorID string, vars map[string]any) (*Instance, error) {
	ctx, span := telemetry.StartSpan(ctx, "workflow.start")
	defer span.End()

	def, err := e.GetWorkflow(workflowID)
	if err != nil {
		span.SetError(err)
		return nil, err
	}
	start := def.startState()

	if def.EntityType != "" && string(def.EntityType) != entityType {
		err := orcerr.Validation("workflow %s governs %s entities, not %s",
			workflowID, def.EntityType, entityType)
		span.SetError(err)
		return nil, err
	}

	merged := make(map[string]any)
	for _, v := range def.Variables {
		if v.Default != nil {
			merged[v.Name] = v.Default
		}
	}
	for k, v := range vars {
		merged[k] = v
	}
	for _, v := range def.Variables {
		if _, ok := merged[v.Name]; v.Required && !ok {
			err := orcerr.Validation("workflow %s requires variable %q", workflowID, v.Name)
			span.SetError(err)
			return nil, err
		}
	}

	now := time.Now()
	inst := &Instance{
		ID:           uuid.New().String(),
		WorkflowID:   workflowID,
		EntityID:     entityID,
		EntityType:   entityType,
		CurrentState: start.ID,
		Status:       InstanceActive,
		Variables:    merged,
		History: []HistoryEntry{{
			Event: EventStarted,
			To:    start.ID,
			Actor: actorID,
			At:    now,
		}},
		StartedBy: actorID,
		StartedAt: now,
	}

	e.mu.Lock()
	e.instances[inst.ID] = inst
	e.locks[inst.ID] = &sync.Mutex{}
	e.mu.Unlock()

	e.sink.Log(ctx, actorID, "workflow.instance.started", map[string]any{
		"workflow_id": workflowID,
		"entity_id":   entityID,
		"entity_type": entityType,
	}, inst.ID)
	e.log.Info("workflow instance started",
		"instance_id", inst.ID,
		"workflow_id", workflowID,
		"entity_id", entityID,
	)
	span.SetAttribute("instance_id", inst.ID)

	e.runStateActions(ctx, inst, start, OnEntry)

	return e.copyInstance(inst), nil
}

// Transition moves an instance along the named transition. Conditions are
// evaluated against the instance variables merged with the bound entity's
// current snapshot and any caller-supplied extra data.
func (e *Engine) Transition(ctx context.Context, instanceID, transitionID, actorID string, extra map[string]any) error {
	ctx, span := telemetry.StartSpan(ctx, "workflow.transition")
	defer span.End()

	e.mu.RLock()
	inst, ok := e.instances[instanceID]
	lock := e.locks[instanceID]
	e.mu.RUnlock()
	if !ok {
		err := orcerr.NotFound("workflow instance", instanceID)
		span.SetError(err)
		return err
	}

	// One transition at a time per instance; concurrent callers queue here.
	lock.Lock()
	defer lock.Unlock()

	e.mu.RLock()
	status := inst.Status
	current := inst.CurrentState
	e.mu.RUnlock()

	if status != InstanceActive {
		return orcerr.Validation("workflow instance %s is %s, not ACTIVE", instanceID, status)
	}

	def, err := e.GetWorkflow(inst.WorkflowID)
	if err != nil {
		span.SetError(err)
		return err
	}

	var tr *Transition
	for i := range def.Transitions {
		if def.Transitions[i].ID == transitionID {
			tr = &def.Transitions[i]
			break
		}
	}
	if tr == nil {
		return orcerr.NotFound("transition", transitionID)
	}
	if tr.From != current {
		return orcerr.Validation("transition %s starts from %s but instance %s is in %s",
			transitionID, tr.From, instanceID, current)
	}

	if len(tr.Conditions) > 0 {
		data := e.conditionData(ctx, inst)
		// Caller-supplied data wins over variables and the case snapshot.
		for k, v := range extra {
			data[k] = v
		}
		if !conditions.All(tr.Conditions, data) {
			return orcerr.Validation("transition %s conditions not satisfied", transitionID)
		}
	}

	if tr.RequiresApproval {
		e.sink.Log(ctx, actorID, "workflow.transition.approved", map[string]any{
			"transition_id": transitionID,
			"workflow_id":   inst.WorkflowID,
		}, instanceID)
	}

	from := def.state(tr.From)
	to := def.state(tr.To)

	e.runStateActions(ctx, inst, from, OnExit)

	now := time.Now()
	e.mu.Lock()
	inst.CurrentState = to.ID
	inst.History = append(inst.History, HistoryEntry{
		Event:        EventTransitioned,
		TransitionID: transitionID,
		From:         from.ID,
		To:           to.ID,
		Actor:        actorID,
		At:           now,
	})
	e.mu.Unlock()

	e.runStateActions(ctx, inst, to, OnEntry)

	e.sink.Log(ctx, actorID, "workflow.instance.transitioned", map[string]any{
		"workflow_id":   inst.WorkflowID,
		"transition_id": transitionID,
		"from":          from.ID,
		"to":            to.ID,
	}, instanceID)
	e.log.Info("workflow instance transitioned",
		"instance_id", instanceID,
		"from", from.ID,
		"to", to.ID,
	)

	if to.Kind == StateEnd {
		e.mu.Lock()
		inst.Status = InstanceCompleted
		inst.CompletedAt = &now
		e.mu.Unlock()
		e.sink.Log(ctx, actorID, "workflow.instance.completed", map[string]any{
			"workflow_id": inst.WorkflowID,
			"final_state": to.ID,
		}, instanceID)
	}

	return nil
}

// AvailableTransitions returns transitions leaving the instance's current
// state whose conditions pass right now.
func (e *Engine) AvailableTransitions(ctx context.Context, instanceID string) ([]Transition, error) {
	e.mu.RLock()
	inst, ok := e.instances[instanceID]
	e.mu.RUnlock()
	if !ok {
		return nil, orcerr.NotFound("workflow instance", instanceID)
	}

	def, err := e.GetWorkflow(inst.WorkflowID)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	current := inst.CurrentState
	e.mu.RUnlock()

	data := e.conditionData(ctx, inst)
	var out []Transition
	for _, tr := range def.Transitions {
		if tr.From != current {
			continue
		}
		if len(tr.Conditions) > 0 && !conditions.All(tr.Conditions, data) {
			continue
		}
		out = append(out, tr)
	}
	return out, nil
}

// SetVariable updates one instance variable.
func (e *Engine) SetVariable(ctx context.Context, instanceID, actorID, name string, value any) error {
	e.mu.Lock()
	inst, ok := e.instances[instanceID]
	if !ok {
		e.mu.Unlock()
		return orcerr.NotFound("workflow instance", instanceID)
	}
	if !inst.Status.Active() {
		status := inst.Status
		e.mu.Unlock()
		return orcerr.Validation("workflow instance %s is %s", instanceID, status)
	}
	if inst.Variables == nil {
		inst.Variables = make(map[string]any)
	}
	inst.Variables[name] = value
	inst.History = append(inst.History, HistoryEntry{
		Event:  EventVariableSet,
		Actor:  actorID,
		Detail: name,
		At:     time.Now(),
	})
	e.mu.Unlock()

	e.sink.Log(ctx, actorID, "workflow.variable.set", map[string]any{
		"name":  name,
		"value": value,
	}, instanceID)
	return nil
}

// Pause suspends an active instance.
func (e *Engine) Pause(ctx context.Context, instanceID, actorID string) error {
	if err := e.flipStatus(instanceID, actorID, InstanceActive, InstancePaused, EventPaused); err != nil {
		return err
	}
	e.sink.Log(ctx, actorID, "workflow.instance.paused", nil, instanceID)
	return nil
}

// Resume reactivates a paused instance.
func (e *Engine) Resume(ctx context.Context, instanceID, actorID string) error {
	if err := e.flipStatus(instanceID, actorID, InstancePaused, InstanceActive, EventResumed); err != nil {
		return err
	}
	e.sink.Log(ctx, actorID, "workflow.instance.resumed", nil, instanceID)
	return nil
}

// Cancel terminates an active instance without reaching an END state.
func (e *Engine) Cancel(ctx context.Context, instanceID, actorID, reason string) error {
	now := time.Now()
	e.mu.Lock()
	inst, ok := e.instances[instanceID]
	if !ok {
		e.mu.Unlock()
		return orcerr.NotFound("workflow instance", instanceID)
	}
	if !inst.Status.Active() {
		status := inst.Status
		e.mu.Unlock()
		return orcerr.Validation("workflow instance %s is already %s", instanceID, status)
	}
	inst.Status = InstanceCancelled
	inst.CompletedAt = &now
	inst.History = append(inst.History, HistoryEntry{
		Event:  EventCancelled,
		Actor:  actorID,
		Detail: reason,
		At:     now,
	})
	e.mu.Unlock()

	e.sink.Log(ctx, actorID, "workflow.instance.cancelled", map[string]any{
		"reason": reason,
	}, instanceID)
	e.log.Info("workflow instance cancelled", "instance_id", instanceID, "reason", reason)
	return nil
}

func (e *Engine) flipStatus(instanceID, actorID string, from, to InstanceStatus, event HistoryEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.instances[instanceID]
	if !ok {
		return orcerr.NotFound("workflow instance", instanceID)
	}
	if inst.Status != from {
		return orcerr.Validation("workflow instance %s is %s, expected %s", instanceID, inst.Status, from)
	}
	inst.Status = to
	inst.History = append(inst.History, HistoryEntry{
		Event: event,
		Actor: actorID,
		At:    time.Now(),
	})
	return nil
}

// GetInstance returns a copy of the instance.
func (e *Engine) GetInstance(instanceID string) (*Instance, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	inst, ok := e.instances[instanceID]
	if !ok {
		return nil, orcerr.NotFound("workflow instance", instanceID)
	}
	return e.copyInstanceLocked(inst), nil
}

// FindActiveInstance returns the first ACTIVE or PAUSED instance of the
// workflow bound to the entity, or nil.
func (e *Engine) FindActiveInstance(workflowID, entityID string) *Instance {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, inst := range e.instances {
		if inst.WorkflowID == workflowID && inst.EntityID == entityID && inst.Status.Active() {
			return e.copyInstanceLocked(inst)
		}
	}
	return nil
}

// conditionData merges instance variables with the bound case's snapshot.
// A failed entity lookup degrades to variables only.
func (e *Engine) conditionData(ctx context.Context, inst *Instance) map[string]any {
	data := make(map[string]any)

	if e.store != nil && inst.EntityID != "" {
		if c, err := e.store.GetCase(ctx, inst.EntityID); err == nil {
			for k, v := range c.Snapshot() {
				data[k] = v
			}
		} else if !orcerr.IsNotFound(err) {
			e.log.Warn("entity lookup failed during condition evaluation",
				"instance_id", inst.ID,
				"entity_id", inst.EntityID,
				"error", err,
			)
		}
	}

	e.mu.RLock()
	for k, v := range inst.Variables {
		data[k] = v
	}
	e.mu.RUnlock()

	return data
}

func (e *Engine) copyInstance(inst *Instance) *Instance {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.copyInstanceLocked(inst)
}

func (e *Engine) copyInstanceLocked(inst *Instance) *Instance {
	cp := *inst
	cp.Variables = make(map[string]any, len(inst.Variables))
	for k, v := range inst.Variables {
		cp.Variables[k] = v
	}
	cp.History = append([]HistoryEntry(nil), inst.History...)
	return &cp
}
