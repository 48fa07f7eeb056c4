// Package trigger matches bus events against rules and kicks off
// workflows, playbooks and notifications in response.
package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sentinelops/responder/internal/conditions"
	"github.com/sentinelops/responder/internal/notifier"
	"github.com/sentinelops/responder/internal/orcerr"
	"github.com/sentinelops/responder/internal/workflow"
	"github.com/sentinelops/responder/pkg/audit"
	"github.com/sentinelops/responder/pkg/kafka"
	"github.com/sentinelops/responder/pkg/logger"
	"github.com/sentinelops/responder/pkg/telemetry"
)

// ActionType is what a rule does when it fires.
type ActionType string

const (
	ActionStartWorkflow      ActionType = "START_WORKFLOW"
	ActionTransitionWorkflow ActionType = "TRANSITION_WORKFLOW"
	ActionStartPlaybook      ActionType = "START_PLAYBOOK"
	ActionNotification       ActionType = "NOTIFICATION"
	ActionCustom             ActionType = "CUSTOM"
)

// Action is the effect of a fired rule.
type Action struct {
	Type       ActionType     `json:"type"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Rule matches one event type. EventType "*" matches everything.
type Rule struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	EventType  string                 `json:"event_type"`
	Conditions []conditions.Condition `json:"conditions,omitempty"`
	Action     Action                 `json:"action"`
	Enabled    bool                   `json:"enabled"`

	FireCount     int        `json:"fire_count"`
	LastTriggered *time.Time `json:"last_triggered,omitempty"`
}

// PlaybookStarter starts a playbook execution.
type PlaybookStarter interface {
	Start(ctx context.Context, playbookID, actorID, caseID string, overrides map[string]any) (string, error)
}

// CustomActionFunc handles CUSTOM rule actions.
type CustomActionFunc func(ctx context.Context, rule *Rule, event kafka.Event) error

// Engine evaluates trigger rules against incoming events.
type Engine struct {
	workflows *workflow.Engine
	playbooks PlaybookStarter
	gateway   notifier.Gateway
	sink      audit.Sink
	log       *logger.Logger

	mu    sync.RWMutex
	rules map[string]*Rule

	hmu      sync.RWMutex
	handlers map[string]CustomActionFunc
}

// NewEngine creates a trigger engine.
func NewEngine(workflows *workflow.Engine, playbooks PlaybookStarter, gateway notifier.Gateway,
	sink audit.Sink, log *logger.Logger) *Engine {
	return &Engine{
		workflows: workflows,
		playbooks: playbooks,
		gateway:   gateway,
		sink:      sink,
		log:       log.WithComponent("trigger-engine"),
		rules:     make(map[string]*Rule),
		handlers:  make(map[string]CustomActionFunc),
	}
}

// RegisterHandler binds a CUSTOM action handler by name.
func (e *Engine) RegisterHandler(name string, fn CustomActionFunc) {
	e.hmu.Lock()
	defer e.hmu.Unlock()
	e.handlers[name] = fn
}

// AddRule validates and stores a rule.
func (e *Engine) AddRule(rule *Rule) error {
	if err := validateRule(rule); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[rule.ID] = rule
	e.log.Info("trigger rule added", "rule_id", rule.ID, "event_type", rule.EventType, "action", rule.Action.Type)
	return nil
}

// UpdateRule replaces an existing rule, keeping its fire statistics.
func (e *Engine) UpdateRule(rule *Rule) error {
	if err := validateRule(rule); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	existing, ok := e.rules[rule.ID]
	if !ok {
		return orcerr.NotFound("trigger rule", rule.ID)
	}
	rule.FireCount = existing.FireCount
	rule.LastTriggered = existing.LastTriggered
	e.rules[rule.ID] = rule
	e.log.Info("trigger rule updated", "rule_id", rule.ID, "event_type", rule.EventType, "action", rule.Action.Type)
	return nil
}

func validateRule(rule *Rule) error {
	if rule.ID == "" {
		return orcerr.Validation("trigger rule id is required")
	}
	if rule.EventType == "" {
		return orcerr.Validation("trigger rule %s has no event type", rule.ID)
	}
	switch rule.Action.Type {
	case ActionStartWorkflow, ActionTransitionWorkflow, ActionStartPlaybook, ActionNotification, ActionCustom:
	default:
		return orcerr.Validation("trigger rule %s has unknown action type %q", rule.ID, rule.Action.Type)
	}
	return nil
}

// RemoveRule deletes a rule.
func (e *Engine) RemoveRule(ruleID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[ruleID]; !ok {
		return orcerr.NotFound("trigger rule", ruleID)
	}
	delete(e.rules, ruleID)
	return nil
}

// SetEnabled toggles a rule.
func (e *Engine) SetEnabled(ruleID string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	rule, ok := e.rules[ruleID]
	if !ok {
		return orcerr.NotFound("trigger rule", ruleID)
	}
	rule.Enabled = enabled
	return nil
}

// GetRule returns a copy of the rule.
func (e *Engine) GetRule(ruleID string) (*Rule, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rule, ok := e.rules[ruleID]
	if !ok {
		return nil, orcerr.NotFound("trigger rule", ruleID)
	}
	cp := *rule
	return &cp, nil
}

// ListRules returns copies of all rules.
func (e *Engine) ListRules() []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Rule, 0, len(e.rules))
	for _, rule := range e.rules {
		cp := *rule
		out = append(out, &cp)
	}
	return out
}

// ProcessEvent runs every matching enabled rule against the event and
// returns how many fired. Action failures are logged and audited; they
// never poison the event stream.
func (e *Engine) ProcessEvent(ctx context.Context, event kafka.Event) int {
	ctx, span := telemetry.StartSpan(ctx, "trigger.process_event")
	defer span.End()
	span.SetAttribute("event_type", event.Type)

	data := e.eventData(event)

	e.mu.RLock()
	var matched []*Rule
	for _, rule := range e.rules {
		if !rule.Enabled {
			continue
		}
		if rule.EventType != "*" && rule.EventType != event.Type {
			continue
		}
		if len(rule.Conditions) > 0 && !conditions.All(rule.Conditions, data) {
			continue
		}
		matched = append(matched, rule)
	}
	e.mu.RUnlock()

	fired := 0
	for _, rule := range matched {
		if err := e.runAction(ctx, rule, event); err != nil {
			e.log.Error("trigger action failed",
				"rule_id", rule.ID,
				"action", rule.Action.Type,
				"error", err,
			)
			e.sink.Log(ctx, "trigger-engine", "trigger.action.failed", map[string]any{
				"rule_id": rule.ID,
				"action":  string(rule.Action.Type),
				"error":   err.Error(),
			}, event.EntityID)
			continue
		}

		// Fire stats count successful dispatches only.
		now := time.Now()
		e.mu.Lock()
		rule.FireCount++
		rule.LastTriggered = &now
		e.mu.Unlock()
		fired++

		e.log.Info("trigger rule fired",
			"rule_id", rule.ID,
			"event_type", event.Type,
			"entity_id", event.EntityID,
		)
		e.sink.Log(ctx, "trigger-engine", "trigger.rule.fired", map[string]any{
			"rule_id":    rule.ID,
			"event_type": event.Type,
			"event_id":   event.ID,
		}, event.EntityID)
	}
	return fired
}

// eventData builds the condition evaluation map: event payload fields
// plus the envelope essentials.
func (e *Engine) eventData(event kafka.Event) map[string]any {
	data := make(map[string]any, len(event.Data)+3)
	for k, v := range event.Data {
		data[k] = v
	}
	data["event_type"] = event.Type
	data["entity_id"] = event.EntityID
	data["entity_type"] = event.EntityType
	return data
}

func (e *Engine) runAction(ctx context.Context, rule *Rule, event kafka.Event) error {
	params := rule.Action.Parameters

	switch rule.Action.Type {
	case ActionStartWorkflow:
		workflowID, _ := params["workflow_id"].(string)
		if workflowID == "" {
			return fmt.Errorf("rule %s START_WORKFLOW missing workflow_id", rule.ID)
		}
		// One active instance per workflow per entity.
		if inst := e.workflows.FindActiveInstance(workflowID, event.EntityID); inst != nil {
			e.log.Debug("workflow already active for entity, skipping start",
				"rule_id", rule.ID,
				"workflow_id", workflowID,
				"entity_id", event.EntityID,
				"instance_id", inst.ID,
			)
			return nil
		}
		_, err := e.workflows.Start(ctx, workflowID, event.EntityID, event.EntityType,
			"trigger:"+rule.ID, event.Data)
		return err

	case ActionTransitionWorkflow:
		workflowID, _ := params["workflow_id"].(string)
		toState, _ := params["to_state"].(string)
		if workflowID == "" || toState == "" {
			return fmt.Errorf("rule %s TRANSITION_WORKFLOW missing workflow_id or to_state", rule.ID)
		}
		inst := e.workflows.FindActiveInstance(workflowID, event.EntityID)
		if inst == nil {
			e.log.Debug("no active workflow instance to transition",
				"rule_id", rule.ID,
				"workflow_id", workflowID,
				"entity_id", event.EntityID,
			)
			return nil
		}
		def, err := e.workflows.GetWorkflow(workflowID)
		if err != nil {
			return err
		}
		var transitionID string
		for _, tr := range def.Transitions {
			if tr.From == inst.CurrentState && tr.To == toState {
				transitionID = tr.ID
				break
			}
		}
		if transitionID == "" {
			e.log.Debug("no transition from current state to target, skipping",
				"rule_id", rule.ID,
				"from", inst.CurrentState,
				"to", toState,
			)
			return nil
		}
		return e.workflows.Transition(ctx, inst.ID, transitionID, "trigger:"+rule.ID, e.eventData(event))

	case ActionStartPlaybook:
		playbookID, _ := params["playbook_id"].(string)
		if playbookID == "" {
			return fmt.Errorf("rule %s START_PLAYBOOK missing playbook_id", rule.ID)
		}
		if e.playbooks == nil {
			return fmt.Errorf("no playbook runner configured")
		}
		_, err := e.playbooks.Start(ctx, playbookID, "trigger:"+rule.ID, event.EntityID, nil)
		return err

	case ActionNotification:
		recipients := toStrings(params["recipients"])
		if len(recipients) == 0 {
			return fmt.Errorf("rule %s NOTIFICATION has no recipients", rule.ID)
		}
		template, _ := params["template"].(string)
		if template == "" {
			template = "generic"
		}
		_, err := e.gateway.Send(ctx, template, recipients, map[string]any{
			"event_type": event.Type,
			"entity_id":  event.EntityID,
			"rule":       rule.Name,
		}, map[string]string{"rule_id": rule.ID})
		return err

	case ActionCustom:
		name, _ := params["handler"].(string)
		e.hmu.RLock()
		fn, ok := e.handlers[name]
		e.hmu.RUnlock()
		if !ok {
			return fmt.Errorf("rule %s references unknown handler %q", rule.ID, name)
		}
		return fn(ctx, rule, event)

	default:
		return fmt.Errorf("unknown action type %q", rule.Action.Type)
	}
}

func toStrings(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	case string:
		if s == "" {
			return nil
		}
		return []string{s}
	}
	return nil
}
