package app

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/theraptrack/golang_services/internal/notification_service/domain"
	"github.com/theraptrack/golang_services/internal/notification_service/recipient"
)

// Enqueuer is implemented by Engine; producers depend on this.
type Enqueuer interface {
	Enqueue(ctx context.Context, req domain.NotificationRequest) (string, error)
}

type EngineConfig struct {
	Enabled       bool
	Sandbox       bool
	TransportName string
}

// Engine is the entry point for producers: it validates requests and hands
// them to the dispatch queue without waiting for delivery.
type Engine struct {
	cfg        EngineConfig
	queue      *Queue
	dispatcher *Dispatcher
	normalizer *recipient.Normalizer
	logger     *slog.Logger
}

// NewEngine wires an engine. dispatcher may be nil when cfg.Enabled is false.
func NewEngine(cfg EngineConfig, queue *Queue, dispatcher *Dispatcher, normalizer *recipient.Normalizer, logger *slog.Logger) *Engine {
	if cfg.TransportName == "" {
		cfg.TransportName = "none"
	}
	return &Engine{
		cfg:        cfg,
		queue:      queue,
		dispatcher: dispatcher,
		normalizer: normalizer,
		logger:     logger.With("component", "notification_engine"),
	}
}

// Enqueue validates req and queues it, returning the message id. Errors are
// domain.ErrServiceDisabled or *domain.ValidationError; use
// domain.RejectionReason to turn them into a reason string.
func (e *Engine) Enqueue(ctx context.Context, req domain.NotificationRequest) (string, error) {
	if !e.cfg.Enabled || e.dispatcher == nil {
		enqueueRequestsCounter.WithLabelValues(string(req.Kind), domain.ReasonDisabled).Inc()
		return "", domain.ErrServiceDisabled
	}

	canonical, err := e.validate(req)
	if err != nil {
		reason := domain.RejectionReason(err)
		enqueueRequestsCounter.WithLabelValues(string(req.Kind), reason).Inc()
		e.logger.InfoContext(ctx, "Notification rejected", "kind", req.Kind, "reason", reason, "correlation_ids", req.CorrelationIDs)
		return "", err
	}

	msg := &domain.OutboundMessage{
		ID:             uuid.NewString(),
		Kind:           req.Kind,
		Recipient:      canonical,
		Body:           req.Body,
		CorrelationIDs: req.CorrelationIDs.Clone(),
		EnqueuedAt:     time.Now().UTC(),
	}
	e.queue.PushBack(msg)
	queueDepthGauge.Set(float64(e.queue.Len()))
	enqueueRequestsCounter.WithLabelValues(string(req.Kind), "accepted").Inc()

	e.logger.InfoContext(ctx, "Notification queued",
		"message_id", msg.ID,
		"kind", msg.Kind,
		"recipient_ref", recipient.Fingerprint(canonical),
		"correlation_ids", msg.CorrelationIDs,
	)
	return msg.ID, nil
}

func (e *Engine) validate(req domain.NotificationRequest) (string, error) {
	if !req.Kind.Valid() {
		return "", &domain.ValidationError{Field: "kind", Reason: domain.ReasonInvalidKind, Detail: string(req.Kind)}
	}
	canonical, err := e.normalizer.Normalize(req.Recipient)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(req.Body) == "" {
		return "", &domain.ValidationError{Field: "body", Reason: domain.ReasonEmptyBody}
	}
	return canonical, nil
}

// Status is a point-in-time snapshot for health checks.
func (e *Engine) Status() domain.EngineStatus {
	st := domain.EngineStatus{
		Enabled:             e.cfg.Enabled && e.dispatcher != nil,
		ConfiguredTransport: e.cfg.TransportName,
		Sandbox:             e.cfg.Sandbox,
		QueueDepth:          e.queue.Len(),
	}
	if e.dispatcher != nil {
		st.RetryPending = e.dispatcher.RetryPending()
		st.IsDraining = e.dispatcher.IsDraining()
	}
	return st
}

// Run drives the dispatch loop until ctx is done. A disabled engine just
// waits for ctx.
func (e *Engine) Run(ctx context.Context) error {
	if !e.cfg.Enabled || e.dispatcher == nil {
		e.logger.WarnContext(ctx, "Notification engine is disabled; dispatch loop not started")
		<-ctx.Done()
		return nil
	}
	return e.dispatcher.Run(ctx)
}
