package app

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/theraptrack/golang_services/internal/notification_service/domain"
	"github.com/theraptrack/golang_services/internal/notification_service/provider"
	"github.com/theraptrack/golang_services/internal/notification_service/recipient"
)

// DispatcherConfig holds the dispatch loop's rate and retry policy.
type DispatcherConfig struct {
	MinInterval time.Duration
	// MaxRetries bounds the retries after the first attempt, so a message
	// is sent at most MaxRetries+1 times.
	MaxRetries     int
	RetryBaseDelay time.Duration
	SendTimeout    time.Duration
	Sender         string // canonical from-number
	Sandbox        bool
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.MinInterval < 0 {
		c.MinInterval = 0
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 5 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	return c
}

// Dispatcher is the single worker draining the Queue. All retry state is
// owned by the goroutine running Run.
type Dispatcher struct {
	queue       *Queue
	transport   provider.Transport
	deliveryLog domain.DeliveryLog
	events      EventPublisher
	cfg         DispatcherConfig
	logger      *slog.Logger

	retries        retryHeap
	seq            uint64
	lastAttemptEnd time.Time

	retryPending atomic.Int64
	draining     atomic.Bool
}

func NewDispatcher(
	queue *Queue,
	transport provider.Transport,
	deliveryLog domain.DeliveryLog,
	events EventPublisher,
	cfg DispatcherConfig,
	logger *slog.Logger,
) *Dispatcher {
	if events == nil {
		events = NopEventPublisher{}
	}
	return &Dispatcher{
		queue:       queue,
		transport:   transport,
		deliveryLog: deliveryLog,
		events:      events,
		cfg:         cfg.withDefaults(),
		logger:      logger.With("component", "dispatcher", "transport", transport.GetName()),
	}
}

// IsDraining is true while messages are queued or an attempt is in flight.
func (d *Dispatcher) IsDraining() bool { return d.draining.Load() }

// RetryPending is the number of messages waiting out a backoff.
func (d *Dispatcher) RetryPending() int { return int(d.retryPending.Load()) }

// Backoff returns the delay before retrying after the given attempt number.
func (d *Dispatcher) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return d.cfg.RetryBaseDelay * time.Duration(1<<uint(attempt-1))
}

// Run drains the queue until ctx is done. Messages still queued or waiting
// for a retry at that point are dropped.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.InfoContext(ctx, "Dispatch loop started",
		"min_interval", d.cfg.MinInterval,
		"max_retries", d.cfg.MaxRetries,
		"retry_base_delay", d.cfg.RetryBaseDelay,
	)

	for {
		if ctx.Err() != nil {
			d.shutdown(ctx)
			return nil
		}

		d.promoteDueRetries(time.Now())
		queueDepthGauge.Set(float64(d.queue.Len()))

		if d.queue.Len() == 0 {
			d.draining.Store(false)
			d.waitForWork(ctx)
			continue
		}
		d.draining.Store(true)

		// The floor is waited out before popping so a retry that comes due
		// meanwhile still takes the front.
		if wait := d.untilNextSlot(time.Now()); wait > 0 {
			d.sleep(ctx, wait)
			continue
		}

		msg, ok := d.queue.PopFront()
		if !ok {
			continue
		}
		d.dispatch(ctx, msg)
	}
}

func (d *Dispatcher) untilNextSlot(now time.Time) time.Duration {
	if d.lastAttemptEnd.IsZero() {
		return 0
	}
	return d.lastAttemptEnd.Add(d.cfg.MinInterval).Sub(now)
}

func (d *Dispatcher) waitForWork(ctx context.Context) {
	var retryC <-chan time.Time
	if len(d.retries) > 0 {
		t := time.NewTimer(time.Until(d.retries[0].readyAt))
		defer t.Stop()
		retryC = t.C
	}
	select {
	case <-ctx.Done():
	case <-d.queue.Ready():
	case <-retryC:
	}
}

func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, msg *domain.OutboundMessage) {
	msg.AttemptCount++
	transportName := d.transport.GetName()
	logger := d.logger.With(
		"message_id", msg.ID,
		"kind", msg.Kind,
		"attempt", msg.AttemptCount,
		"recipient_ref", recipient.Fingerprint(msg.Recipient),
	)

	start := time.Now()
	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	resp, err := d.transport.Send(sendCtx, provider.SendRequestDetails{
		InternalMessageID: msg.ID,
		Recipient:         msg.Recipient,
		Sender:            d.cfg.Sender,
		Content:           msg.Body,
	})
	cancel()
	d.lastAttemptEnd = time.Now()
	dispatchAttemptDurationHist.WithLabelValues(transportName).Observe(d.lastAttemptEnd.Sub(start).Seconds())

	// Outcomes are written even when ctx was cancelled mid-attempt.
	writeCtx := context.WithoutCancel(ctx)

	if err == nil {
		dispatchAttemptsCounter.WithLabelValues(transportName, "success").Inc()
		logger.InfoContext(ctx, "Message sent", "provider_message_id", resp.ProviderMessageID)
		d.recordAttempt(writeCtx, logger, msg, domain.OutcomeSucceeded, resp.ProviderMessageID, "")
		d.finalize(writeCtx, logger, msg, domain.StatusSent, resp.ProviderMessageID, "")
		return
	}

	class := provider.Classify(err, d.cfg.Sandbox)
	detail := fmt.Sprintf("%s: %v", class.Note, err)
	dispatchAttemptsCounter.WithLabelValues(transportName, class.Class.String()).Inc()

	if class.Permanent() {
		logger.WarnContext(ctx, "Permanent delivery failure, not retrying", "error", err, "note", class.Note)
		d.recordAttempt(writeCtx, logger, msg, domain.OutcomePermanentFailure, "", detail)
		d.finalize(writeCtx, logger, msg, domain.StatusFailed, "", detail)
		return
	}

	d.recordAttempt(writeCtx, logger, msg, domain.OutcomeTransientFailure, "", detail)
	if msg.AttemptCount > d.cfg.MaxRetries {
		logger.WarnContext(ctx, "Retries exhausted", "error", err, "note", class.Note)
		d.finalize(writeCtx, logger, msg, domain.StatusFailed, "", fmt.Sprintf("retries exhausted after %d attempts: %s", msg.AttemptCount, detail))
		return
	}

	delay := d.Backoff(msg.AttemptCount)
	logger.InfoContext(ctx, "Transient delivery failure, retry scheduled", "error", err, "note", class.Note, "retry_in", delay)
	d.scheduleRetry(msg, time.Now().Add(delay))
	retriesScheduledCounter.WithLabelValues(string(msg.Kind)).Inc()
}

func (d *Dispatcher) recordAttempt(ctx context.Context, logger *slog.Logger, msg *domain.OutboundMessage, outcome domain.AttemptOutcome, providerMessageID, detail string) {
	err := d.deliveryLog.RecordAttempt(ctx, domain.Attempt{
		MessageID:         msg.ID,
		CorrelationIDs:    msg.CorrelationIDs,
		Recipient:         msg.Recipient,
		Kind:              msg.Kind,
		Number:            msg.AttemptCount,
		Outcome:           outcome,
		ProviderMessageID: providerMessageID,
		ErrorDetail:       detail,
		At:                time.Now().UTC(),
	})
	if err != nil {
		logger.ErrorContext(ctx, "Failed to record delivery attempt", "error", err)
	}
}

func (d *Dispatcher) finalize(ctx context.Context, logger *slog.Logger, msg *domain.OutboundMessage, status domain.DeliveryStatus, providerMessageID, detail string) {
	now := time.Now().UTC()
	messagesFinalizedCounter.WithLabelValues(string(msg.Kind), string(status)).Inc()

	err := d.deliveryLog.Finalize(ctx, domain.Finalization{
		MessageID:         msg.ID,
		Status:            status,
		ProviderMessageID: providerMessageID,
		ErrorDetail:       detail,
		At:                now,
	})
	if err != nil {
		logger.ErrorContext(ctx, "Failed to finalize delivery record", "error", err, "status", status)
	}

	event := domain.DeliveryEvent{
		MessageID:         msg.ID,
		ProviderMessageID: providerMessageID,
		Kind:              msg.Kind,
		Status:            status,
		ErrorDetail:       detail,
		AttemptCount:      msg.AttemptCount,
		CorrelationIDs:    msg.CorrelationIDs,
		OccurredAt:        now,
	}
	if err := d.events.PublishDeliveryEvent(ctx, event); err != nil {
		logger.WarnContext(ctx, "Failed to publish delivery event", "error", err)
	}
}

func (d *Dispatcher) scheduleRetry(msg *domain.OutboundMessage, readyAt time.Time) {
	d.seq++
	heap.Push(&d.retries, &retryItem{readyAt: readyAt, seq: d.seq, msg: msg})
	d.retryPending.Add(1)
}

func (d *Dispatcher) promoteDueRetries(now time.Time) {
	for len(d.retries) > 0 && !d.retries[0].readyAt.After(now) {
		item := heap.Pop(&d.retries).(*retryItem)
		d.retryPending.Add(-1)
		d.queue.PushFront(item.msg)
	}
}

func (d *Dispatcher) shutdown(ctx context.Context) {
	d.draining.Store(false)
	dropped := len(d.queue.Drain()) + len(d.retries)
	d.retries = nil
	d.retryPending.Store(0)
	queueDepthGauge.Set(0)
	if dropped > 0 {
		d.logger.WarnContext(ctx, "Dispatch loop stopped with undelivered messages", "dropped", dropped)
	} else {
		d.logger.InfoContext(ctx, "Dispatch loop stopped")
	}
}

type retryItem struct {
	readyAt time.Time
	seq     uint64
	msg     *domain.OutboundMessage
}

// retryHeap orders by readyAt, then by scheduling order.
type retryHeap []*retryItem

func (h retryHeap) Len() int { return len(h) }
func (h retryHeap) Less(i, j int) bool {
	if h[i].readyAt.Equal(h[j].readyAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].readyAt.Before(h[j].readyAt)
}
func (h retryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *retryHeap) Push(x any)   { *h = append(*h, x.(*retryItem)) }
func (h *retryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
