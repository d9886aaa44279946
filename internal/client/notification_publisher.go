package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tulkenz-ims/be-ops-approvals/internal/engine"
)

// SubjectPrefix is the JetStream subject root for approval notifications.
const SubjectPrefix = "notifications.approvals"

// StreamSubjects are the subjects the notification stream must capture.
var StreamSubjects = []string{SubjectPrefix + ".>"}

// Publisher is the JetStream publish call the notification publisher needs.
// *natsclient.Client implements it.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, msgID string) error
}

// NotificationPublisher publishes approval chain events to NATS JetStream
// for consumption by the notifications service.
//
// Subject convention: notifications.approvals.<event_type>
//
// All publish operations are non-fatal; errors are logged but never propagated
// to the caller, so notification failures never interrupt approval operations.
type NotificationPublisher struct {
	nats Publisher
	log  zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string           `json:"event_type"`
	ActorID      string           `json:"actor_id"`
	Recipients   []string         `json:"recipients"`
	ResourceType string           `json:"resource_type"`
	ResourceID   string           `json:"resource_id"`
	TemplateID   string           `json:"template_id"`
	Category     string           `json:"category"`
	Status       string           `json:"status"`
	Revision     int64            `json:"revision"`
	CurrentStep  int              `json:"current_step,omitempty"`
	IsActionable bool             `json:"is_actionable,omitempty"`
	Severity     string           `json:"severity"`
	OccurredAt   time.Time        `json:"occurred_at"`
	Warnings     []engine.Warning `json:"warnings,omitempty"`
	Payload      map[string]any   `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher backed by the given NATS client.
func NewNotificationPublisher(nats Publisher, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{nats: nats, log: log}
}

// PublishChainEvent publishes an approval chain event.
// Subject: notifications.approvals.<eventType>
func (p *NotificationPublisher) PublishChainEvent(ctx context.Context, eventType string, inst *engine.ChainInstance, actorID string, recipients []string, payload map[string]any) {
	if p.nats == nil || inst == nil {
		return
	}
	if len(recipients) == 0 {
		return
	}

	event := &NotificationEvent{
		EventType:    eventType,
		ActorID:      actorID,
		Recipients:   recipients,
		ResourceType: "approval_chain",
		ResourceID:   inst.ID,
		TemplateID:   inst.TemplateID,
		Category:     string(inst.Category),
		Status:       string(inst.Status),
		Revision:     inst.Revision,
		IsActionable: eventType == "approval_required",
		Severity:     severity(inst.Status),
		OccurredAt:   inst.UpdatedAt,
		Warnings:     inst.Warnings,
		Payload:      payload,
	}
	if step, ok := inst.CurrentStep(); ok && !inst.Status.IsTerminal() {
		event.CurrentStep = step
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("%s.%s", SubjectPrefix, eventType)
	msgID := fmt.Sprintf("%s:%s:%d", inst.ID, eventType, inst.Revision)
	if err := p.nats.Publish(ctx, subject, data, msgID); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("chain_id", inst.ID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("chain_id", inst.ID).
		Int("recipients", len(recipients)).
		Msg("notification: event published")
}

func severity(status engine.ChainStatus) string {
	if status == engine.ChainRejected {
		return "warning"
	}
	return "info"
}
