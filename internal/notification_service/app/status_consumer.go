package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/theraptrack/golang_services/internal/notification_service/domain"
)

const (
	statusSubjectPrefix = "notify.status.raw"
	// StatusSubjectPattern matches raw callbacks from every gateway.
	StatusSubjectPattern = statusSubjectPrefix + ".*"
)

// Subscriber is the subset of the NATS client used by consumers.
type Subscriber interface {
	SubscribeToSubjectWithQueue(ctx context.Context, subject, queueGroup string, handler nats.MsgHandler) error
}

// StatusPublisher relays webhook callbacks onto notify.status.raw.<gateway>
// so any replica can apply them.
type StatusPublisher struct {
	publisher Publisher
	gateway   string
}

func NewStatusPublisher(publisher Publisher, gateway string) *StatusPublisher {
	return &StatusPublisher{publisher: publisher, gateway: gateway}
}

func (s *StatusPublisher) Ingest(ctx context.Context, cb domain.StatusCallback) error {
	data, err := json.Marshal(cb)
	if err != nil {
		return fmt.Errorf("failed to marshal status callback: %w", err)
	}
	return s.publisher.Publish(ctx, statusSubjectPrefix+"."+s.gateway, data)
}

// StatusConsumer feeds raw callbacks from NATS into a StatusProcessor.
type StatusConsumer struct {
	subscriber Subscriber
	processor  *StatusProcessor
	logger     *slog.Logger
}

func NewStatusConsumer(subscriber Subscriber, processor *StatusProcessor, logger *slog.Logger) *StatusConsumer {
	return &StatusConsumer{
		subscriber: subscriber,
		processor:  processor,
		logger:     logger.With("component", "status_consumer"),
	}
}

// StartConsuming blocks until ctx is done.
func (c *StatusConsumer) StartConsuming(ctx context.Context, subject, queueGroup string) error {
	c.logger.InfoContext(ctx, "Starting status callback subscription", "subject", subject, "queue_group", queueGroup)
	err := c.subscriber.SubscribeToSubjectWithQueue(ctx, subject, queueGroup, func(msg *nats.Msg) {
		c.handleMessage(ctx, msg)
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "Status callback subscription failed", "error", err, "subject", subject)
		return err
	}
	c.logger.InfoContext(ctx, "Status callback subscription ended", "subject", subject)
	return nil
}

func (c *StatusConsumer) handleMessage(ctx context.Context, msg *nats.Msg) {
	natsMessagesReceivedCounter.WithLabelValues(StatusSubjectPattern).Inc()

	parts := strings.Split(msg.Subject, ".")
	if len(parts) != 4 || parts[3] == "" || parts[3] == "*" || parts[3] == ">" {
		c.logger.ErrorContext(ctx, "Invalid status callback subject", "subject", msg.Subject)
		return
	}
	gateway := parts[3]

	var cb domain.StatusCallback
	if err := json.Unmarshal(msg.Data, &cb); err != nil {
		c.logger.ErrorContext(ctx, "Failed to deserialize status callback", "error", err, "subject", msg.Subject)
		return
	}
	if cb.MessageUUID == "" || cb.Status == "" {
		c.logger.ErrorContext(ctx, "Status callback missing message_uuid or status", "gateway", gateway)
		return
	}

	if err := c.processor.Ingest(ctx, cb); err != nil {
		c.logger.ErrorContext(ctx, "Failed to process status callback", "error", err, "gateway", gateway, "provider_message_id", cb.MessageUUID)
	}
}
