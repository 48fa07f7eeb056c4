// Package models defines the shared case and entity records consumed by
// the orchestration engines.
package models

import (
	"time"

	"github.com/lib/pq"
)

// Priority represents case priority on a fixed four-step ladder.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// priorityLadder orders priorities from lowest to highest.
var priorityLadder = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical}

// Next returns the priority one step up the ladder, clamped at CRITICAL.
func (p Priority) Next() Priority {
	for i, step := range priorityLadder {
		if step == p {
			if i == len(priorityLadder)-1 {
				return p
			}
			return priorityLadder[i+1]
		}
	}
	// Unknown priorities stay where they are.
	return p
}

// Valid reports whether p is one of the known priority values.
func (p Priority) Valid() bool {
	for _, step := range priorityLadder {
		if step == p {
			return true
		}
	}
	return false
}

// CaseStatus represents the lifecycle status of a case.
type CaseStatus string

const (
	CaseStatusOpen       CaseStatus = "OPEN"
	CaseStatusInProgress CaseStatus = "IN_PROGRESS"
	CaseStatusResolved   CaseStatus = "RESOLVED"
	CaseStatusClosed     CaseStatus = "CLOSED"
)

// EntityType identifies which canonical record a workflow governs.
type EntityType string

const (
	EntityTypeCase          EntityType = "CASE"
	EntityTypeThreat        EntityType = "THREAT"
	EntityTypeIncident      EntityType = "INCIDENT"
	EntityTypeInvestigation EntityType = "INVESTIGATION"
)

// Case is a snapshot of the canonical case record. The orchestration core
// reads it and requests updates through the entity store; it never owns it.
type Case struct {
	ID          string         `json:"id" db:"id"`
	Title       string         `json:"title" db:"title"`
	Description string         `json:"description,omitempty" db:"description"`
	Priority    Priority       `json:"priority" db:"priority"`
	Status      CaseStatus     `json:"status" db:"status"`
	Assignee    string         `json:"assignee,omitempty" db:"assignee"`
	SLABreach   bool           `json:"sla_breach" db:"sla_breach"`
	SLADeadline *time.Time     `json:"sla_deadline,omitempty" db:"sla_deadline"`
	Tags        pq.StringArray `json:"tags,omitempty" db:"tags"`
	Watchers    pq.StringArray `json:"watchers,omitempty" db:"watchers"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at" db:"updated_at"`
}

// AgeMinutes returns the whole minutes elapsed since the case was created.
func (c *Case) AgeMinutes(now time.Time) int {
	if c.CreatedAt.IsZero() || now.Before(c.CreatedAt) {
		return 0
	}
	return int(now.Sub(c.CreatedAt).Minutes())
}

// Snapshot returns the subset of case fields exposed to condition
// evaluation, keyed the way trigger and transition conditions address them.
func (c *Case) Snapshot() map[string]any {
	return map[string]any{
		"id":         c.ID,
		"title":      c.Title,
		"priority":   string(c.Priority),
		"status":     string(c.Status),
		"assignee":   c.Assignee,
		"sla_breach": c.SLABreach,
		"tags":       []string(c.Tags),
	}
}
