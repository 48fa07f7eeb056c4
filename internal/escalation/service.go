package escalation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelops/responder/internal/conditions"
	"github.com/sentinelops/responder/internal/entity"
	"github.com/sentinelops/responder/internal/notifier"
	"github.com/sentinelops/responder/internal/orcerr"
	"github.com/sentinelops/responder/pkg/audit"
	"github.com/sentinelops/responder/pkg/kafka"
	"github.com/sentinelops/responder/pkg/logger"
	"github.com/sentinelops/responder/pkg/models"
	"github.com/sentinelops/responder/pkg/telemetry"
)

// PlaybookStarter starts a playbook execution. *playbook.Runner satisfies it.
type PlaybookStarter interface {
	Start(ctx context.Context, playbookID, actorID, caseID string, overrides map[string]any) (string, error)
}

// EventPublisher emits escalation events onto the bus. *kafka.Producer
// satisfies it; a nil publisher disables emission.
type EventPublisher interface {
	PublishEvent(ctx context.Context, topic string, event kafka.Event) error
}

// CaseLister enumerates cases that sweeps should evaluate. Both entity
// stores implement it.
type CaseLister interface {
	ListActiveCaseIDs(ctx context.Context) ([]string, error)
}

// CustomActionFunc handles CUSTOM escalation actions.
type CustomActionFunc func(ctx context.Context, event *Event, c *models.Case, action Action) error

// Service evaluates escalation policies against cases. Each policy level
// fires at most once per case until the case is reset.
type Service struct {
	store     entity.Store
	gateway   notifier.Gateway
	playbooks PlaybookStarter
	sink      audit.Sink
	publisher EventPublisher
	topic     string
	log       *logger.Logger

	mu       sync.Mutex
	policies map[string]*Policy
	fired    map[string]map[string]bool // caseID -> policyID/level -> fired
	events   map[string]*Event

	hmu      sync.RWMutex
	handlers map[string]CustomActionFunc

	now func() time.Time
}

// NewService creates the escalation service. publisher and topic may be
// zero when no event bus is configured.
func NewService(store entity.Store, gateway notifier.Gateway, playbooks PlaybookStarter,
	sink audit.Sink, publisher EventPublisher, topic string, log *logger.Logger) *Service {
	return &Service{
		store:     store,
		gateway:   gateway,
		playbooks: playbooks,
		sink:      sink,
		publisher: publisher,
		topic:     topic,
		log:       log.WithComponent("escalation-service"),
		policies:  make(map[string]*Policy),
		fired:     make(map[string]map[string]bool),
		events:    make(map[string]*Event),
		handlers:  make(map[string]CustomActionFunc),
		now:       time.Now,
	}
}

// RegisterHandler registers the handler for CUSTOM actions naming it in
// their "handler" parameter.
func (s *Service) RegisterHandler(name string, fn CustomActionFunc) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.handlers[name] = fn
}

// AddPolicy validates and stores a policy.
func (s *Service) AddPolicy(p *Policy) error {
	if p.ID == "" {
		return orcerr.Validation("escalation policy id is required")
	}
	if len(p.Levels) == 0 {
		return orcerr.Validation("escalation policy %s has no levels", p.ID)
	}
	seen := make(map[int]bool, len(p.Levels))
	for _, lvl := range p.Levels {
		if seen[lvl.Level] {
			return orcerr.Validation("escalation policy %s has duplicate level %d", p.ID, lvl.Level)
		}
		seen[lvl.Level] = true
		if len(lvl.Actions) == 0 {
			return orcerr.Validation("escalation policy %s level %d has no actions", p.ID, lvl.Level)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.ID] = p
	s.log.Info("escalation policy added", "policy_id", p.ID, "trigger", p.Trigger, "levels", len(p.Levels))
	return nil
}

// RemovePolicy deletes a policy.
func (s *Service) RemovePolicy(policyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[policyID]; !ok {
		return orcerr.NotFound("escalation policy", policyID)
	}
	delete(s.policies, policyID)
	return nil
}

// SetEnabled toggles a policy.
func (s *Service) SetEnabled(policyID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[policyID]
	if !ok {
		return orcerr.NotFound("escalation policy", policyID)
	}
	p.Enabled = enabled
	return nil
}

// CheckEscalation evaluates every enabled TIME_BASED policy against the
// case's age. Closed and resolved cases never escalate.
func (s *Service) CheckEscalation(ctx context.Context, caseID string) error {
	ctx, span := telemetry.StartSpan(ctx, "escalation.check")
	defer span.End()

	c, err := s.store.GetCase(ctx, caseID)
	if err != nil {
		span.SetError(err)
		return err
	}
	if c.Status == models.CaseStatusClosed || c.Status == models.CaseStatusResolved {
		return nil
	}

	age := c.AgeMinutes(s.now())
	for _, p := range s.candidatePolicies(TriggerTimeBased, c) {
		for _, lvl := range p.Levels {
			if age < lvl.AfterMinutes {
				continue
			}
			s.fire(ctx, p, lvl, c, "system", fmt.Sprintf("case age %dm exceeded %dm", age, lvl.AfterMinutes))
		}
	}
	return nil
}

// HandleSLABreach fires SLA_BREACH policies for the case.
func (s *Service) HandleSLABreach(ctx context.Context, caseID string) error {
	c, err := s.store.GetCase(ctx, caseID)
	if err != nil {
		return err
	}
	if c.Status == models.CaseStatusClosed || c.Status == models.CaseStatusResolved {
		return nil
	}
	age := c.AgeMinutes(s.now())
	for _, p := range s.candidatePolicies(TriggerSLABreach, c) {
		for _, lvl := range p.Levels {
			if age < lvl.AfterMinutes {
				continue
			}
			s.fire(ctx, p, lvl, c, "system", "SLA breached")
		}
	}
	return nil
}

// HandlePriorityChange fires PRIORITY_CHANGE policies for the case.
func (s *Service) HandlePriorityChange(ctx context.Context, caseID string, from, to models.Priority) error {
	c, err := s.store.GetCase(ctx, caseID)
	if err != nil {
		return err
	}
	age := c.AgeMinutes(s.now())
	for _, p := range s.candidatePolicies(TriggerPriorityChange, c) {
		for _, lvl := range p.Levels {
			if age < lvl.AfterMinutes {
				continue
			}
			s.fire(ctx, p, lvl, c, "system", fmt.Sprintf("priority changed %s -> %s", from, to))
		}
	}
	return nil
}

// ManualEscalation fires the named policy level on demand, bypassing the
// trigger type but not the once-per-case guarantee.
func (s *Service) ManualEscalation(ctx context.Context, caseID, policyID string, level int, actorID, reason string) (*Event, error) {
	c, err := s.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	p, ok := s.policies[policyID]
	s.mu.Unlock()
	if !ok {
		return nil, orcerr.NotFound("escalation policy", policyID)
	}

	var target *Level
	for i := range p.Levels {
		if p.Levels[i].Level == level {
			target = &p.Levels[i]
			break
		}
	}
	if target == nil {
		return nil, orcerr.Validation("escalation policy %s has no level %d", policyID, level)
	}

	event := s.fire(ctx, p, *target, c, actorID, reason)
	if event == nil {
		return nil, orcerr.Validation("escalation policy %s level %d already fired for case %s", policyID, level, caseID)
	}
	return event, nil
}

// Sweep evaluates TIME_BASED policies across every active case the lister
// knows about.
func (s *Service) Sweep(ctx context.Context, lister CaseLister) error {
	ids, err := lister.ListActiveCaseIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.CheckEscalation(ctx, id); err != nil {
			s.log.Warn("escalation sweep skipped case", "case_id", id, "error", err)
		}
	}
	return nil
}

// ResetCase clears the fired set for a case, typically on close or reopen.
func (s *Service) ResetCase(caseID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.fired, caseID)
}

// GetEvent returns a fired escalation event.
func (s *Service) GetEvent(eventID string) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[eventID]
	if !ok {
		return nil, orcerr.NotFound("escalation event", eventID)
	}
	cp := *e
	cp.Errors = append([]string(nil), e.Errors...)
	return &cp, nil
}

// EventsForCase returns the fired events of one case.
func (s *Service) EventsForCase(caseID string) []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Event
	for _, e := range s.events {
		if e.CaseID == caseID {
			cp := *e
			cp.Errors = append([]string(nil), e.Errors...)
			out = append(out, &cp)
		}
	}
	return out
}

// candidatePolicies returns enabled policies of the trigger type whose
// conditions match the case snapshot.
func (s *Service) candidatePolicies(trigger TriggerType, c *models.Case) []*Policy {
	snapshot := c.Snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Policy
	for _, p := range s.policies {
		if !p.Enabled || p.Trigger != trigger {
			continue
		}
		if len(p.Conditions) > 0 && !conditions.All(p.Conditions, snapshot) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// fire executes one level for one case. The fired-set check and mark are a
// single critical section so concurrent evaluations cannot double-fire.
func (s *Service) fire(ctx context.Context, p *Policy, lvl Level, c *models.Case, actorID, reason string) *Event {
	key := fmt.Sprintf("%s/%d", p.ID, lvl.Level)

	s.mu.Lock()
	if s.fired[c.ID] == nil {
		s.fired[c.ID] = make(map[string]bool)
	}
	if s.fired[c.ID][key] {
		s.mu.Unlock()
		return nil
	}
	s.fired[c.ID][key] = true

	event := &Event{
		ID:          uuid.New().String(),
		PolicyID:    p.ID,
		Level:       lvl.Level,
		CaseID:      c.ID,
		Status:      EventTriggered,
		Reason:      reason,
		TriggeredBy: actorID,
		TriggeredAt: s.now(),
	}
	s.events[event.ID] = event
	s.mu.Unlock()

	s.log.Info("escalation fired",
		"policy_id", p.ID,
		"level", lvl.Level,
		"case_id", c.ID,
		"reason", reason,
	)
	s.sink.Log(ctx, actorID, "escalation.fired", map[string]any{
		"policy_id": p.ID,
		"level":     lvl.Level,
		"case_id":   c.ID,
		"reason":    reason,
	}, event.ID)

	s.mu.Lock()
	event.Status = EventInProgress
	s.mu.Unlock()

	for _, action := range lvl.Actions {
		if err := s.runAction(ctx, event, c, action); err != nil {
			s.log.Error("escalation action failed",
				"event_id", event.ID,
				"action", action.Type,
				"error", err,
			)
			s.mu.Lock()
			event.Errors = append(event.Errors, fmt.Sprintf("%s: %v", action.Type, err))
			s.mu.Unlock()
		}
	}

	now := s.now()
	s.mu.Lock()
	event.Status = EventCompleted
	event.CompletedAt = &now
	s.mu.Unlock()

	if s.publisher != nil && s.topic != "" {
		busEvent := kafka.Event{
			ID:         event.ID,
			Type:       "escalation.fired",
			Source:     "escalation-service",
			EntityID:   c.ID,
			EntityType: "CASE",
			Timestamp:  event.TriggeredAt,
			Data: map[string]any{
				"policy_id": p.ID,
				"level":     lvl.Level,
				"reason":    reason,
			},
		}
		if err := s.publisher.PublishEvent(ctx, s.topic, busEvent); err != nil {
			s.log.Error("failed to publish escalation event", "event_id", event.ID, "error", err)
		}
	}

	return event
}

func (s *Service) runAction(ctx context.Context, event *Event, c *models.Case, action Action) error {
	switch action.Type {
	case ActionNotify:
		recipients := toStrings(action.Parameters["recipients"])
		if len(recipients) == 0 {
			return fmt.Errorf("NOTIFY action has no recipients")
		}
		_, err := s.gateway.Send(ctx, "escalation_notice", recipients, map[string]any{
			"case_id":   c.ID,
			"title":     c.Title,
			"policy_id": event.PolicyID,
			"level":     event.Level,
			"reason":    event.Reason,
		}, map[string]string{"event_id": event.ID})
		return err

	case ActionReassign:
		pool := toStrings(action.Parameters["pool"])
		if len(pool) == 0 {
			return fmt.Errorf("REASSIGN action has an empty pool")
		}
		// First responder in the pool takes the case.
		return s.store.UpdateAssignee(ctx, c.ID, pool[0])

	case ActionPriorityIncrease:
		next := c.Priority.Next()
		if next == c.Priority {
			s.log.Debug("case already at maximum priority", "case_id", c.ID)
			return nil
		}
		if err := s.store.UpdatePriority(ctx, c.ID, next); err != nil {
			return err
		}
		c.Priority = next
		return nil

	case ActionPlaybook:
		playbookID, _ := action.Parameters["playbook_id"].(string)
		if playbookID == "" {
			return fmt.Errorf("PLAYBOOK action missing playbook_id")
		}
		if s.playbooks == nil {
			return fmt.Errorf("no playbook runner configured")
		}
		_, err := s.playbooks.Start(ctx, playbookID, "escalation:"+event.PolicyID, c.ID, nil)
		return err

	case ActionCustom:
		name, _ := action.Parameters["handler"].(string)
		s.hmu.RLock()
		fn, ok := s.handlers[name]
		s.hmu.RUnlock()
		if !ok {
			return fmt.Errorf("unknown custom handler %q", name)
		}
		return fn(ctx, event, c, action)

	default:
		return fmt.Errorf("unknown escalation action type %q", action.Type)
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
