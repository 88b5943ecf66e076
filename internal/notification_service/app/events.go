package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/theraptrack/golang_services/internal/notification_service/domain"
)

const deliveryEventSubjectPrefix = "notify.delivery"

// EventPublisher announces delivery outcomes to other services.
type EventPublisher interface {
	PublishDeliveryEvent(ctx context.Context, event domain.DeliveryEvent) error
}

// Publisher is the subset of the NATS client used for outbound messages.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// NopEventPublisher drops events; used when no broker is configured.
type NopEventPublisher struct{}

func (NopEventPublisher) PublishDeliveryEvent(context.Context, domain.DeliveryEvent) error {
	return nil
}

// NATSEventPublisher publishes DeliveryEvents on notify.delivery.<status>.
type NATSEventPublisher struct {
	publisher Publisher
	logger    *slog.Logger
}

func NewNATSEventPublisher(publisher Publisher, logger *slog.Logger) *NATSEventPublisher {
	return &NATSEventPublisher{publisher: publisher, logger: logger.With("component", "delivery_event_publisher")}
}

func (p *NATSEventPublisher) PublishDeliveryEvent(ctx context.Context, event domain.DeliveryEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery event: %w", err)
	}
	subject := fmt.Sprintf("%s.%s", deliveryEventSubjectPrefix, event.Status)
	if err := p.publisher.Publish(ctx, subject, data); err != nil {
		return err
	}
	p.logger.DebugContext(ctx, "Published delivery event", "subject", subject, "message_id", event.MessageID)
	return nil
}
