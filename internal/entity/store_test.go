package entity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/responder/internal/orcerr"
	"github.com/sentinelops/responder/pkg/models"
)

func seedCase(s *MemoryStore, id string, status models.CaseStatus) {
	s.Put(&models.Case{
		ID:       id,
		Title:    "test case " + id,
		Priority: models.PriorityMedium,
		Status:   status,
	})
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedCase(s, "case-1", models.CaseStatusOpen)

	c, err := s.GetCase(ctx, "case-1")
	require.NoError(t, err)

	// Mutating the returned record must not touch the stored one.
	c.Assignee = "mallory"
	again, err := s.GetCase(ctx, "case-1")
	require.NoError(t, err)
	assert.Empty(t, again.Assignee)
}

func TestMemoryStoreUpdates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedCase(s, "case-1", models.CaseStatusOpen)

	require.NoError(t, s.UpdateAssignee(ctx, "case-1", "alice"))
	require.NoError(t, s.UpdatePriority(ctx, "case-1", models.PriorityCritical))
	require.NoError(t, s.UpdateStatus(ctx, "case-1", models.CaseStatusInProgress))

	c, err := s.GetCase(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", c.Assignee)
	assert.Equal(t, models.PriorityCritical, c.Priority)
	assert.Equal(t, models.CaseStatusInProgress, c.Status)
	assert.False(t, c.UpdatedAt.IsZero())
}

func TestMemoryStoreUnknownCase(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.GetCase(ctx, "missing")
	assert.True(t, orcerr.IsNotFound(err))
	assert.True(t, orcerr.IsNotFound(s.UpdateAssignee(ctx, "missing", "x")))
	assert.True(t, orcerr.IsNotFound(s.UpdatePriority(ctx, "missing", models.PriorityLow)))
	assert.True(t, orcerr.IsNotFound(s.UpdateStatus(ctx, "missing", models.CaseStatusClosed)))
}

func TestMemoryStoreListActiveCaseIDs(t *testing.T) {
	s := NewMemoryStore()
	seedCase(s, "open", models.CaseStatusOpen)
	seedCase(s, "working", models.CaseStatusInProgress)
	seedCase(s, "resolved", models.CaseStatusResolved)
	seedCase(s, "closed", models.CaseStatusClosed)

	ids, err := s.ListActiveCaseIDs(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"open", "working"}, ids)
}
