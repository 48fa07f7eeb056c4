// Package entity provides access to the canonical case records the
// orchestration core reads and requests updates to. The core never owns
// these records; it only calls through this boundary.
package entity

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"

	"github.com/sentinelops/responder/internal/orcerr"
	"github.com/sentinelops/responder/pkg/models"
)

// Store is the case/entity data boundary.
type Store interface {
	GetCase(ctx context.Context, caseID string) (*models.Case, error)
	UpdateAssignee(ctx context.Context, caseID, assignee string) error
	UpdatePriority(ctx context.Context, caseID string, priority models.Priority) error
	UpdateStatus(ctx context.Context, caseID string, status models.CaseStatus) error
}

// MemoryStore is a mutex-guarded in-memory Store used by tests and the
// default no-database wiring.
type MemoryStore struct {
	mu    sync.RWMutex
	cases map[string]*models.Case
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cases: make(map[string]*models.Case)}
}

// Put inserts or replaces a case record.
func (s *MemoryStore) Put(c *models.Case) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.cases[c.ID] = &cp
}

// GetCase returns a copy of the case record.
func (s *MemoryStore) GetCase(_ context.Context, caseID string) (*models.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cases[caseID]
	if !ok {
		return nil, orcerr.NotFound("case", caseID)
	}
	cp := *c
	return &cp, nil
}

// UpdateAssignee sets the case assignee.
func (s *MemoryStore) UpdateAssignee(_ context.Context, caseID, assignee string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[caseID]
	if !ok {
		return orcerr.NotFound("case", caseID)
	}
	c.Assignee = assignee
	c.UpdatedAt = time.Now()
	return nil
}

// UpdatePriority sets the case priority.
func (s *MemoryStore) UpdatePriority(_ context.Context, caseID string, priority models.Priority) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[caseID]
	if !ok {
		return orcerr.NotFound("case", caseID)
	}
	c.Priority = priority
	c.UpdatedAt = time.Now()
	return nil
}

// UpdateStatus sets the case status.
func (s *MemoryStore) UpdateStatus(_ context.Context, caseID string, status models.CaseStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[caseID]
	if !ok {
		return orcerr.NotFound("case", caseID)
	}
	c.Status = status
	c.UpdatedAt = time.Now()
	return nil
}

// ListActiveCaseIDs returns ids of cases that are still open or in
// progress.
func (s *MemoryStore) ListActiveCaseIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, c := range s.cases {
		if c.Status == models.CaseStatusOpen || c.Status == models.CaseStatusInProgress {
			out = append(out, id)
		}
	}
	return out, nil
}

// PostgresStore is the pgx-backed Store.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a Postgres-backed case store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// GetCase loads the case record.
func (s *PostgresStore) GetCase(ctx context.Context, caseID string) (*models.Case, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, title, description, priority, status, assignee,
		       sla_breach, sla_deadline, tags, watchers, created_at, updated_at
		FROM cases WHERE id = $1`, caseID)

	var c models.Case
	var tags, watchers []string
	err := row.Scan(&c.ID, &c.Title, &c.Description, &c.Priority, &c.Status,
		&c.Assignee, &c.SLABreach, &c.SLADeadline, &tags, &watchers,
		&c.CreatedAt, &c.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, orcerr.NotFound("case", caseID)
	}
	if err != nil {
		return nil, err
	}
	c.Tags = pq.StringArray(tags)
	c.Watchers = pq.StringArray(watchers)
	return &c, nil
}

// UpdateAssignee sets the case assignee.
func (s *PostgresStore) UpdateAssignee(ctx context.Context, caseID, assignee string) error {
	return s.exec(ctx, caseID,
		`UPDATE cases SET assignee = $2, updated_at = now() WHERE id = $1`, assignee)
}

// UpdatePriority sets the case priority.
func (s *PostgresStore) UpdatePriority(ctx context.Context, caseID string, priority models.Priority) error {
	return s.exec(ctx, caseID,
		`UPDATE cases SET priority = $2, updated_at = now() WHERE id = $1`, string(priority))
}

// UpdateStatus sets the case status.
func (s *PostgresStore) UpdateStatus(ctx context.Context, caseID string, status models.CaseStatus) error {
	return s.exec(ctx, caseID,
		`UPDATE cases SET status = $2, updated_at = now() WHERE id = $1`, string(status))
}

// ListActiveCaseIDs returns ids of cases that are still open or in
// progress.
func (s *PostgresStore) ListActiveCaseIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id FROM cases WHERE status IN ('OPEN', 'IN_PROGRESS')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PostgresStore) exec(ctx context.Context, caseID, query string, arg any) error {
	tag, err := s.db.Exec(ctx, query, caseID, arg)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return orcerr.NotFound("case", caseID)
	}
	return nil
}
