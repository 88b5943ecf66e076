package app

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/theraptrack/golang_services/internal/notification_service/domain"
)

// RequestSubject carries NotificationRequests from other services.
const RequestSubject = "notify.requests"

// RequestConsumer turns NATS messages into Engine.Enqueue calls.
type RequestConsumer struct {
	subscriber Subscriber
	enqueuer   Enqueuer
	logger     *slog.Logger
}

func NewRequestConsumer(subscriber Subscriber, enqueuer Enqueuer, logger *slog.Logger) *RequestConsumer {
	return &RequestConsumer{
		subscriber: subscriber,
		enqueuer:   enqueuer,
		logger:     logger.With("component", "request_consumer"),
	}
}

// StartConsuming blocks until ctx is done.
func (c *RequestConsumer) StartConsuming(ctx context.Context, subject, queueGroup string) error {
	c.logger.InfoContext(ctx, "Starting notification request subscription", "subject", subject, "queue_group", queueGroup)
	err := c.subscriber.SubscribeToSubjectWithQueue(ctx, subject, queueGroup, func(msg *nats.Msg) {
		c.handleMessage(ctx, msg)
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "Notification request subscription failed", "error", err, "subject", subject)
		return err
	}
	return nil
}

// handleMessage enqueues one request. Rejections are final; when the message
// has a reply subject the outcome is sent back.
func (c *RequestConsumer) handleMessage(ctx context.Context, msg *nats.Msg) {
	natsMessagesReceivedCounter.WithLabelValues(RequestSubject).Inc()

	var req domain.NotificationRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		c.logger.ErrorContext(ctx, "Failed to deserialize notification request", "error", err, "subject", msg.Subject)
		c.reply(ctx, msg, EnqueueResult{Accepted: false, Reason: "malformed_request"})
		return
	}

	id, err := c.enqueuer.Enqueue(ctx, req)
	if err != nil {
		c.reply(ctx, msg, EnqueueResult{Accepted: false, Reason: domain.RejectionReason(err)})
		return
	}
	c.reply(ctx, msg, EnqueueResult{Accepted: true, MessageID: id})
}

func (c *RequestConsumer) reply(ctx context.Context, msg *nats.Msg, res EnqueueResult) {
	if msg.Reply == "" || msg.Sub == nil {
		return
	}
	data, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		c.logger.WarnContext(ctx, "Failed to reply to notification request", "error", err)
	}
}

// EnqueueResult is the outcome of an enqueue call as seen by remote producers.
type EnqueueResult struct {
	Accepted  bool   `json:"accepted"`
	MessageID string `json:"message_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}
