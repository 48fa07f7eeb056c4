// Package events bridges the Kafka event stream into the trigger engine
// and the SLA escalation path.
package events

import (
	"context"
	"encoding/json"

	"github.com/sentinelops/responder/internal/escalation"
	"github.com/sentinelops/responder/internal/trigger"
	"github.com/sentinelops/responder/pkg/config"
	"github.com/sentinelops/responder/pkg/kafka"
	"github.com/sentinelops/responder/pkg/logger"
)

// Bridge consumes bus topics and dispatches decoded events.
type Bridge struct {
	consumer   *kafka.Consumer
	triggers   *trigger.Engine
	escalation *escalation.Service
	topics     config.KafkaTopics
	log        *logger.Logger
}

// NewBridge creates the consumer bridge.
func NewBridge(consumer *kafka.Consumer, triggers *trigger.Engine, esc *escalation.Service,
	topics config.KafkaTopics, log *logger.Logger) *Bridge {
	return &Bridge{
		consumer:   consumer,
		triggers:   triggers,
		escalation: esc,
		topics:     topics,
		log:        log.WithComponent("event-bridge"),
	}
}

// Run consumes until the context is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	topics := []string{
		b.topics.CaseCreated,
		b.topics.ThreatDetected,
		b.topics.SLABreach,
	}
	b.log.Info("event bridge starting", "topics", topics)
	return b.consumer.Subscribe(ctx, topics, b.handle)
}

// handle decodes one message and routes it. Decode failures are logged
// and dropped; returning an error would block the partition forever.
func (b *Bridge) handle(ctx context.Context, msg kafka.Message) error {
	var event kafka.Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		b.log.Error("dropping undecodable event",
			"topic", msg.Topic,
			"offset", msg.Offset,
			"error", err,
		)
		return nil
	}
	if event.Type == "" {
		event.Type = b.defaultType(msg.Topic)
	}
	if event.Type == "" {
		b.log.Warn("dropping event with no type", "topic", msg.Topic, "offset", msg.Offset)
		return nil
	}

	b.log.Debug("event received",
		"topic", msg.Topic,
		"event_type", event.Type,
		"entity_id", event.EntityID,
	)

	if msg.Topic == b.topics.SLABreach && b.escalation != nil && event.EntityID != "" {
		if err := b.escalation.HandleSLABreach(ctx, event.EntityID); err != nil {
			b.log.Error("SLA breach handling failed", "entity_id", event.EntityID, "error", err)
		}
	}

	fired := b.triggers.ProcessEvent(ctx, event)
	if fired > 0 {
		b.log.Debug("trigger rules fired", "event_type", event.Type, "count", fired)
	}
	return nil
}

// defaultType maps a topic to an event type for producers that omit the
// envelope type field.
func (b *Bridge) defaultType(topic string) string {
	switch topic {
	case b.topics.CaseCreated:
		return "case.created"
	case b.topics.ThreatDetected:
		return "threat.detected"
	case b.topics.SLABreach:
		return "sla.breach"
	default:
		return ""
	}
}
