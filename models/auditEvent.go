package models

import (
	"context"
	"encoding/json"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/repaircore/stock_backend/config"
	"github.com/sirupsen/logrus"
)

// AuditEvent is the fire-and-forget message published to the audit sink
// after an accounting operation has already succeeded. Sink failures are
// logged and swallowed: they must never fail the core operation.
type AuditEvent struct {
	TenantId      string          `json:"tenant_id"`
	Event         string          `json:"event"`
	RefType       string          `json:"ref_type"`
	RefId         int             `json:"ref_id"`
	ActorId       int             `json:"actor_id"`
	CorrelationId string          `json:"correlation_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// PublishAuditEvent sends the event to Pub/Sub. Every failure path logs and
// returns; no error surfaces to the caller.
func PublishAuditEvent(ctx context.Context, logger *logrus.Logger, ev *AuditEvent) {
	if ev == nil {
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	topicID := config.GetAuditTopicID()
	if topicID == "" {
		// Sink not configured; nothing to do.
		return
	}

	client, err := config.GetPubSubClient(ctx)
	if err != nil {
		config.LogError(logger, "auditEvent.go", "PublishAuditEvent", "GetPubSubClient", ev, err)
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		config.LogError(logger, "auditEvent.go", "PublishAuditEvent", "Marshal", ev, err)
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result := client.Topic(topicID).Publish(pubCtx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"tenant_id":      ev.TenantId,
			"event":          ev.Event,
			"correlation_id": ev.CorrelationId,
		},
	})
	if _, err := result.Get(pubCtx); err != nil {
		config.LogError(logger, "auditEvent.go", "PublishAuditEvent", "Publish", ev, err)
	}
}
