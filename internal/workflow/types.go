package workflow

import (
	"time"

	"github.com/sentinelops/responder/internal/conditions"
	"github.com/sentinelops/responder/pkg/models"
)

// StateKind classifies workflow states.
type StateKind string

const (
	StateStart        StateKind = "START"
	StateIntermediate StateKind = "INTERMEDIATE"
	StateEnd          StateKind = "END"
	StateDecision     StateKind = "DECISION"
	StateParallel     StateKind = "PARALLEL"
	StateSubprocess   StateKind = "SUBPROCESS"
)

// ActionKind classifies state actions.
type ActionKind string

const (
	ActionScript       ActionKind = "SCRIPT"
	ActionNotification ActionKind = "NOTIFICATION"
	ActionAssignment   ActionKind = "ASSIGNMENT"
	ActionStatusUpdate ActionKind = "STATUS_UPDATE"
	ActionCustom       ActionKind = "CUSTOM"
)

// ActionPhase says when a state action runs relative to the state.
type ActionPhase string

const (
	OnEntry ActionPhase = "ENTRY"
	OnExit  ActionPhase = "EXIT"
	OnBoth  ActionPhase = "BOTH"
)

// StateAction is a side effect attached to a state. Action failures are
// logged but never block the owning transition.
type StateAction struct {
	ID         string         `json:"id"`
	Kind       ActionKind     `json:"kind"`
	RunOn      ActionPhase    `json:"run_on"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// State is one node in a workflow definition.
type State struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Kind    StateKind     `json:"kind"`
	Actions []StateAction `json:"actions,omitempty"`
}

// Transition is a directed edge between two states.
type Transition struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name,omitempty"`
	From       string                 `json:"from"`
	To         string                 `json:"to"`
	Conditions []conditions.Condition `json:"conditions,omitempty"`
	// RequiresApproval marks the transition for review. Approval is
	// recorded in the audit trail; enforcement lives with the caller.
	RequiresApproval bool `json:"requires_approval,omitempty"`
}

// Variable declares a typed workflow variable with an optional default.
// Required variables must be supplied at start when no default exists.
type Variable struct {
	Name     string `json:"name"`
	Type     string `json:"type,omitempty"`
	Default  any    `json:"default,omitempty"`
	Required bool   `json:"required,omitempty"`
}

// Definition is a complete workflow graph. EntityType scopes the workflow
// to one kind of entity; instances can only be started against it.
type Definition struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Version     int               `json:"version,omitempty"`
	EntityType  models.EntityType `json:"entity_type,omitempty"`
	States      []State           `json:"states"`
	Transitions []Transition      `json:"transitions"`
	Variables   []Variable        `json:"variables,omitempty"`
}

// startState returns the definition's START state.
func (d *Definition) startState() *State {
	for i := range d.States {
		if d.States[i].Kind == StateStart {
			return &d.States[i]
		}
	}
	return nil
}

func (d *Definition) state(id string) *State {
	for i := range d.States {
		if d.States[i].ID == id {
			return &d.States[i]
		}
	}
	return nil
}

// InstanceStatus is the lifecycle status of a workflow instance.
type InstanceStatus string

const (
	InstanceActive    InstanceStatus = "ACTIVE"
	InstancePaused    InstanceStatus = "PAUSED"
	InstanceCompleted InstanceStatus = "COMPLETED"
	InstanceFailed    InstanceStatus = "FAILED"
	InstanceCancelled InstanceStatus = "CANCELLED"
)

// Active reports whether the instance can still transition.
func (s InstanceStatus) Active() bool {
	return s == InstanceActive || s == InstancePaused
}

// HistoryEvent classifies instance history entries.
type HistoryEvent string

const (
	EventStarted      HistoryEvent = "WORKFLOW_STARTED"
	EventTransitioned HistoryEvent = "TRANSITIONED"
	EventVariableSet  HistoryEvent = "VARIABLE_SET"
	EventPaused       HistoryEvent = "PAUSED"
	EventResumed      HistoryEvent = "RESUMED"
	EventCancelled    HistoryEvent = "CANCELLED"
)

// HistoryEntry records one lifecycle event on an instance. Transition
// entries carry the edge; other events carry a detail string.
type HistoryEntry struct {
	Event        HistoryEvent `json:"event"`
	TransitionID string       `json:"transition_id,omitempty"`
	From         string       `json:"from,omitempty"`
	To           string       `json:"to,omitempty"`
	Actor        string       `json:"actor"`
	Detail       string       `json:"detail,omitempty"`
	At           time.Time    `json:"at"`
}

// Instance is a running copy of a workflow bound to an entity.
type Instance struct {
	ID           string         `json:"id"`
	WorkflowID   string         `json:"workflow_id"`
	EntityID     string         `json:"entity_id"`
	EntityType   string         `json:"entity_type"`
	CurrentState string         `json:"current_state"`
	Status       InstanceStatus `json:"status"`
	Variables    map[string]any `json:"variables,omitempty"`
	History      []HistoryEntry `json:"history,omitempty"`
	StartedBy    string         `json:"started_by"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}
