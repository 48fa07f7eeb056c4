// Package playbook implements registration and execution of
// dependency-ordered remediation playbooks.
package playbook

import (
	"time"
)

// ExecutionStatus represents the status of a playbook execution.
type ExecutionStatus string

const (
	StatusPending    ExecutionStatus = "PENDING"
	StatusRunning    ExecutionStatus = "RUNNING"
	StatusPaused     ExecutionStatus = "PAUSED"
	StatusCompleted  ExecutionStatus = "COMPLETED"
	StatusFailed     ExecutionStatus = "FAILED"
	StatusRolledBack ExecutionStatus = "ROLLED_BACK"
)

// Terminal reports whether the execution can no longer change, apart from
// the rollback transition.
func (s ExecutionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRolledBack
}

// ActionStatus represents the status of one action inside an execution.
type ActionStatus string

const (
	ActionPending ActionStatus = "PENDING"
	ActionRunning ActionStatus = "RUNNING"
	ActionSuccess ActionStatus = "SUCCESS"
	ActionFailed  ActionStatus = "FAILED"
	ActionSkipped ActionStatus = "SKIPPED"
)

// Terminal reports whether the action result is final.
func (s ActionStatus) Terminal() bool {
	return s == ActionSuccess || s == ActionFailed || s == ActionSkipped
}

// Action is one unit of remediation work inside a playbook.
type Action struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Kind           string         `json:"kind"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	Timeout        time.Duration  `json:"timeout,omitempty"`
	RetryOnFailure bool           `json:"retry_on_failure"`
	MaxRetries     int            `json:"max_retries"`
	DependsOn      []string       `json:"depends_on,omitempty"`
	Parallel       bool           `json:"parallel"`
}

// Definition is an immutable playbook template.
type Definition struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Actions     []Action `json:"actions"`
	Rollback    []Action `json:"rollback,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ActionResult tracks one action's progress within an execution.
type ActionResult struct {
	ActionID    string         `json:"action_id"`
	Status      ActionStatus   `json:"status"`
	RetryCount  int            `json:"retry_count"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Execution is one run of a playbook.
type Execution struct {
	ID          string                   `json:"id"`
	PlaybookID  string                   `json:"playbook_id"`
	CaseID      string                   `json:"case_id,omitempty"`
	StartedBy   string                   `json:"started_by"`
	Status      ExecutionStatus          `json:"status"`
	Results     map[string]*ActionResult `json:"results"`
	Errors      []string                 `json:"errors,omitempty"`
	StartedAt   time.Time                `json:"started_at"`
	CompletedAt *time.Time               `json:"completed_at,omitempty"`
}
