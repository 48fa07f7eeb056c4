// Package audit records who did what, and when, for every state change
// made by the orchestration engines.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sentinelops/responder/pkg/logger"
)

// Entry is a single audit record.
type Entry struct {
	ID         uuid.UUID      `json:"id"`
	Actor      string         `json:"actor"`
	Action     string         `json:"action"`
	Details    map[string]any `json:"details,omitempty"`
	ResourceID string         `json:"resource_id,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Sink durably records audit entries. Implementations are fire-and-forget:
// Log must never propagate a failure into the calling engine.
type Sink interface {
	Log(ctx context.Context, actor, action string, details map[string]any, resourceID string)
}

func newEntry(actor, action string, details map[string]any, resourceID string) Entry {
	return Entry{
		ID:         uuid.New(),
		Actor:      actor,
		Action:     action,
		Details:    details,
		ResourceID: resourceID,
		Timestamp:  time.Now(),
	}
}

// MemorySink keeps the most recent entries in a bounded in-memory buffer.
// It backs tests and the default no-database wiring.
type MemorySink struct {
	mu      sync.RWMutex
	entries []Entry
	max     int
}

// NewMemorySink creates a MemorySink retaining at most max entries.
func NewMemorySink(max int) *MemorySink {
	if max <= 0 {
		max = 10000
	}
	return &MemorySink{max: max}
}

// Log records an entry, evicting the oldest once the buffer is full.
func (s *MemorySink) Log(_ context.Context, actor, action string, details map[string]any, resourceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = append(s.entries, newEntry(actor, action, details, resourceID))
	if len(s.entries) > s.max {
		s.entries = s.entries[len(s.entries)-s.max:]
	}
}

// Entries returns a copy of all retained entries, oldest first.
func (s *MemorySink) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// ByAction returns retained entries whose action matches.
func (s *MemorySink) ByAction(action string) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, e := range s.entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// ByResource returns retained entries for a resource id.
func (s *MemorySink) ByResource(resourceID string) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, e := range s.entries {
		if e.ResourceID == resourceID {
			out = append(out, e)
		}
	}
	return out
}

// PostgresSink writes audit entries to Postgres. Insert failures are
// logged and swallowed; the write happens off the caller's goroutine so
// engine state changes never block on the audit store.
type PostgresSink struct {
	db  *pgxpool.Pool
	log *logger.Logger
}

// NewPostgresSink creates a Postgres-backed audit sink.
func NewPostgresSink(db *pgxpool.Pool, log *logger.Logger) *PostgresSink {
	return &PostgresSink{
		db:  db,
		log: log.WithComponent("audit"),
	}
}

// Log persists an entry asynchronously.
func (s *PostgresSink) Log(_ context.Context, actor, action string, details map[string]any, resourceID string) {
	entry := newEntry(actor, action, details, resourceID)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_, err := s.db.Exec(ctx, `
			INSERT INTO audit_log (id, actor, action, details, resource_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			entry.ID, entry.Actor, entry.Action, entry.Details, entry.ResourceID, entry.Timestamp,
		)
		if err != nil {
			s.log.Error("failed to write audit entry",
				"action", entry.Action,
				"resource_id", entry.ResourceID,
				"error", err,
			)
		}
	}()
}

// Fanout duplicates every entry to multiple sinks, e.g. memory for
// operator queries plus Postgres for durability.
type Fanout []Sink

// Log forwards the entry to every sink.
func (f Fanout) Log(ctx context.Context, actor, action string, details map[string]any, resourceID string) {
	for _, s := range f {
		s.Log(ctx, actor, action, details, resourceID)
	}
}
