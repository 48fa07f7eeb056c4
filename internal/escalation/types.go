package escalation

import (
	"time"

	"github.com/sentinelops/responder/internal/conditions"
)

// TriggerType says what causes a policy to evaluate.
type TriggerType string

const (
	TriggerTimeBased      TriggerType = "TIME_BASED"
	TriggerSLABreach      TriggerType = "SLA_BREACH"
	TriggerPriorityChange TriggerType = "PRIORITY_CHANGE"
	TriggerCustom         TriggerType = "CUSTOM"
)

// ActionType is one escalation side effect.
type ActionType string

const (
	ActionNotify           ActionType = "NOTIFY"
	ActionReassign         ActionType = "REASSIGN"
	ActionPriorityIncrease ActionType = "PRIORITY_INCREASE"
	ActionPlaybook         ActionType = "PLAYBOOK"
	ActionCustom           ActionType = "CUSTOM"
)

// Action is one step taken when a level fires.
type Action struct {
	Type       ActionType     `json:"type"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Level is one rung of an escalation ladder. For TIME_BASED policies
// AfterMinutes is the case age at which the level fires.
type Level struct {
	Level        int      `json:"level"`
	AfterMinutes int      `json:"after_minutes,omitempty"`
	Actions      []Action `json:"actions"`
}

// Policy is a complete escalation policy.
type Policy struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Trigger    TriggerType            `json:"trigger"`
	Conditions []conditions.Condition `json:"conditions,omitempty"`
	Levels     []Level                `json:"levels"`
	Enabled    bool                   `json:"enabled"`
}

// EventStatus is the lifecycle of one escalation event.
type EventStatus string

const (
	EventTriggered  EventStatus = "TRIGGERED"
	EventInProgress EventStatus = "IN_PROGRESS"
	EventCompleted  EventStatus = "COMPLETED"
)

// Event records one fired escalation level on one case.
type Event struct {
	ID          string      `json:"id"`
	PolicyID    string      `json:"policy_id"`
	Level       int         `json:"level"`
	CaseID      string      `json:"case_id"`
	Status      EventStatus `json:"status"`
	Reason      string      `json:"reason,omitempty"`
	TriggeredBy string      `json:"triggered_by"`
	TriggeredAt time.Time   `json:"triggered_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Errors      []string    `json:"errors,omitempty"`
}
