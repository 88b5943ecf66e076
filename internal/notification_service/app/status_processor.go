package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/theraptrack/golang_services/internal/notification_service/domain"
)

// StatusIngestor accepts raw gateway callbacks from the webhook.
type StatusIngestor interface {
	Ingest(ctx context.Context, cb domain.StatusCallback) error
}

// StatusProcessor applies gateway status callbacks to the delivery log.
type StatusProcessor struct {
	deliveryLog domain.DeliveryLog
	events      EventPublisher
	logger      *slog.Logger
	now         func() time.Time
}

func NewStatusProcessor(deliveryLog domain.DeliveryLog, events EventPublisher, logger *slog.Logger) *StatusProcessor {
	if events == nil {
		events = NopEventPublisher{}
	}
	return &StatusProcessor{
		deliveryLog: deliveryLog,
		events:      events,
		logger:      logger.With("component", "status_processor"),
		now:         time.Now,
	}
}

// Ingest lets the processor stand in for the NATS relay when no broker is
// configured.
func (p *StatusProcessor) Ingest(ctx context.Context, cb domain.StatusCallback) error {
	return p.OnProviderStatus(ctx, cb.ToUpdate(p.now()))
}

// OnProviderStatus applies u. Unknown provider ids and repeated or regressive
// statuses are acknowledged without error; only store failures are returned.
func (p *StatusProcessor) OnProviderStatus(ctx context.Context, u domain.ProviderStatusUpdate) error {
	if u.OccurredAt.IsZero() {
		u.OccurredAt = p.now().UTC()
	}

	applied, err := p.deliveryLog.ApplyProviderStatus(ctx, u)
	switch {
	case errors.Is(err, domain.ErrRecordNotFound):
		statusCallbacksCounter.WithLabelValues(string(u.Status), "unknown").Inc()
		p.logger.WarnContext(ctx, "Status callback for unknown message",
			"provider_message_id", u.ProviderMessageID, "raw_status", u.RawStatus)
		return nil
	case err != nil:
		statusCallbacksCounter.WithLabelValues(string(u.Status), "error").Inc()
		p.logger.ErrorContext(ctx, "Failed to apply status callback",
			"error", err, "provider_message_id", u.ProviderMessageID, "status", u.Status)
		return fmt.Errorf("apply status %s for %s: %w", u.Status, u.ProviderMessageID, err)
	case !applied:
		statusCallbacksCounter.WithLabelValues(string(u.Status), "duplicate").Inc()
		p.logger.DebugContext(ctx, "Status callback ignored",
			"provider_message_id", u.ProviderMessageID, "status", u.Status)
		return nil
	}

	statusCallbacksCounter.WithLabelValues(string(u.Status), "applied").Inc()
	p.logger.InfoContext(ctx, "Delivery status updated",
		"provider_message_id", u.ProviderMessageID, "status", u.Status, "raw_status", u.RawStatus)

	event := domain.DeliveryEvent{
		ProviderMessageID: u.ProviderMessageID,
		Status:            u.Status,
		ErrorDetail:       u.ErrorDetail,
		OccurredAt:        u.OccurredAt,
	}
	if rec, err := p.lookup(ctx, u.ProviderMessageID); err == nil && rec != nil {
		event.MessageID = rec.ID
		event.Kind = rec.Kind
		event.AttemptCount = rec.AttemptCount
		event.CorrelationIDs = rec.CorrelationIDs
	}
	if err := p.events.PublishDeliveryEvent(ctx, event); err != nil {
		p.logger.WarnContext(ctx, "Failed to publish delivery event", "error", err)
	}
	return nil
}

// lookup resolves the record behind a provider id when the log supports it.
func (p *StatusProcessor) lookup(ctx context.Context, providerMessageID string) (*domain.DeliveryRecord, error) {
	finder, ok := p.deliveryLog.(providerIDFinder)
	if !ok {
		return nil, nil
	}
	return finder.GetByProviderMessageID(ctx, providerMessageID)
}

type providerIDFinder interface {
	GetByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.DeliveryRecord, error)
}
