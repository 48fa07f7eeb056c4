package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPriorityNext(t *testing.T) {
	tests := []struct {
		name string
		in   Priority
		want Priority
	}{
		{"low steps to medium", PriorityLow, PriorityMedium},
		{"medium steps to high", PriorityMedium, PriorityHigh},
		{"high steps to critical", PriorityHigh, PriorityCritical},
		{"critical is clamped", PriorityCritical, PriorityCritical},
		{"unknown stays put", Priority("URGENT"), Priority("URGENT")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.in.Next())
		})
	}
}

func TestPriorityValid(t *testing.T) {
	assert.True(t, PriorityLow.Valid())
	assert.True(t, PriorityCritical.Valid())
	assert.False(t, Priority("URGENT").Valid())
	assert.False(t, Priority("").Valid())
}

func TestCaseAgeMinutes(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	c := &Case{CreatedAt: now.Add(-90 * time.Minute)}
	assert.Equal(t, 90, c.AgeMinutes(now))

	// Partial minutes truncate.
	c = &Case{CreatedAt: now.Add(-150 * time.Second)}
	assert.Equal(t, 2, c.AgeMinutes(now))

	// A zero or future creation time never yields a negative age.
	assert.Equal(t, 0, (&Case{}).AgeMinutes(now))
	c = &Case{CreatedAt: now.Add(time.Hour)}
	assert.Equal(t, 0, c.AgeMinutes(now))
}

func TestCaseSnapshot(t *testing.T) {
	c := &Case{
		ID:        "case-1",
		Title:     "Suspicious login",
		Priority:  PriorityHigh,
		Status:    CaseStatusOpen,
		Assignee:  "alice",
		SLABreach: true,
		Tags:      []string{"phishing", "vip"},
	}

	snap := c.Snapshot()
	assert.Equal(t, "case-1", snap["id"])
	assert.Equal(t, "HIGH", snap["priority"])
	assert.Equal(t, "OPEN", snap["status"])
	assert.Equal(t, "alice", snap["assignee"])
	assert.Equal(t, true, snap["sla_breach"])
	assert.Equal(t, []string{"phishing", "vip"}, snap["tags"])
}
