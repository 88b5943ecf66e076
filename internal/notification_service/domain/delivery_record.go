package domain

import (
	"context"
	"database/sql/driver"
	"fmt"
	"strings"
	"time"
)

// DeliveryStatus is the state of a DeliveryRecord.
type DeliveryStatus string

const (
	// StatusRetrying marks a record whose message failed transiently and is
	// waiting for another attempt. It is never terminal.
	StatusRetrying  DeliveryStatus = "retrying"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

func (s DeliveryStatus) String() string { return string(s) }

func (s DeliveryStatus) Valid() bool {
	switch s {
	case StatusRetrying, StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return true
	}
	return false
}

// Value implements driver.Valuer.
func (s DeliveryStatus) Value() (driver.Value, error) {
	return string(s), nil
}

// Scan implements sql.Scanner.
func (s *DeliveryStatus) Scan(value interface{}) error {
	switch v := value.(type) {
	case string:
		*s = DeliveryStatus(v)
	case []byte:
		*s = DeliveryStatus(v)
	default:
		return fmt.Errorf("cannot scan %T into DeliveryStatus", value)
	}
	return nil
}

func (s DeliveryStatus) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// CanAdvanceTo reports whether a gateway status callback may move a record
// from s to next. Progression is sent -> delivered -> read; failed may
// follow sent or delivered. Repeats and regressions are rejected.
func (s DeliveryStatus) CanAdvanceTo(next DeliveryStatus) bool {
	if s == next {
		return false
	}
	switch s {
	case StatusSent, StatusDelivered:
	default:
		return false
	}
	if next == StatusFailed {
		return true
	}
	return next.rank() > s.rank()
}

// MapProviderStatus turns a raw gateway status into a DeliveryStatus.
// Unknown values map to sent.
func MapProviderStatus(raw string) DeliveryStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "delivered":
		return StatusDelivered
	case "read":
		return StatusRead
	case "failed", "rejected", "undeliverable":
		return StatusFailed
	default:
		return StatusSent
	}
}

// DeliveryRecord is the durable shadow of an OutboundMessage. ID equals the
// OutboundMessage ID.
type DeliveryRecord struct {
	ID                string         `json:"id"`
	CorrelationIDs    CorrelationIDs `json:"correlation_ids"`
	Recipient         string         `json:"recipient"`
	Kind              Kind           `json:"kind"`
	ProviderMessageID *string        `json:"provider_message_id,omitempty"`
	Status            DeliveryStatus `json:"status"`
	ErrorDetail       *string        `json:"error_detail,omitempty"`
	AttemptCount      int            `json:"attempt_count"`
	SentAt            *time.Time     `json:"sent_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// NewDeliveryRecord creates the record for a message's first attempt.
func NewDeliveryRecord(a Attempt) *DeliveryRecord {
	return &DeliveryRecord{
		ID:             a.MessageID,
		CorrelationIDs: a.CorrelationIDs.Clone(),
		Recipient:      a.Recipient,
		Kind:           a.Kind,
		CreatedAt:      a.At,
	}
}

// ApplyAttempt updates the record in place for a later attempt.
func (r *DeliveryRecord) ApplyAttempt(a Attempt) {
	r.AttemptCount = a.Number
	r.Status = a.RecordStatus()
	r.ErrorDetail = optional(a.ErrorDetail)
	r.UpdatedAt = a.At
	if a.ProviderMessageID != "" {
		id := a.ProviderMessageID
		r.ProviderMessageID = &id
	}
}

// ApplyFinalization writes the terminal outcome.
func (r *DeliveryRecord) ApplyFinalization(fin Finalization) {
	r.Status = fin.Status
	r.ErrorDetail = optional(fin.ErrorDetail)
	r.UpdatedAt = fin.At
	if fin.ProviderMessageID != "" {
		id := fin.ProviderMessageID
		r.ProviderMessageID = &id
	}
	if fin.Status == StatusSent {
		at := fin.At
		r.SentAt = &at
	}
}

// ApplyProviderStatus advances the record and reports whether it changed.
func (r *DeliveryRecord) ApplyProviderStatus(u ProviderStatusUpdate) bool {
	if !r.Status.CanAdvanceTo(u.Status) {
		return false
	}
	r.Status = u.Status
	if u.ErrorDetail != "" {
		r.ErrorDetail = optional(u.ErrorDetail)
	}
	r.UpdatedAt = u.OccurredAt
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	return true
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// AttemptOutcome is the result of one transport call.
type AttemptOutcome string

const (
	OutcomeSucceeded        AttemptOutcome = "succeeded"
	OutcomeTransientFailure AttemptOutcome = "transient_failure"
	OutcomePermanentFailure AttemptOutcome = "permanent_failure"
)

// Attempt is written once per transport call.
type Attempt struct {
	MessageID         string
	CorrelationIDs    CorrelationIDs
	Recipient         string
	Kind              Kind
	Number            int
	Outcome           AttemptOutcome
	ProviderMessageID string
	ErrorDetail       string
	At                time.Time
}

// RecordStatus is the status an attempt leaves on the record before any
// finalization.
func (a Attempt) RecordStatus() DeliveryStatus {
	switch a.Outcome {
	case OutcomeSucceeded:
		return StatusSent
	case OutcomePermanentFailure:
		return StatusFailed
	default:
		return StatusRetrying
	}
}

// Finalization is the terminal outcome of an OutboundMessage.
type Finalization struct {
	MessageID         string
	Status            DeliveryStatus // sent or failed
	ProviderMessageID string
	ErrorDetail       string
	At                time.Time
}

// ProviderStatusUpdate is an asynchronous gateway status callback.
type ProviderStatusUpdate struct {
	ProviderMessageID string         `json:"provider_message_id"`
	Status            DeliveryStatus `json:"status"`
	RawStatus         string         `json:"raw_status,omitempty"`
	ErrorDetail       string         `json:"error_detail,omitempty"`
	OccurredAt        time.Time      `json:"occurred_at"`
}

// DeliveryLog persists attempts and outcomes.
type DeliveryLog interface {
	// RecordAttempt creates the record on the first attempt and updates it in
	// place on later ones.
	RecordAttempt(ctx context.Context, attempt Attempt) error
	// Finalize writes the terminal sent/failed state.
	Finalize(ctx context.Context, fin Finalization) error
	// ApplyProviderStatus applies a callback keyed by provider message id.
	// It returns false when the update was a repeat or a regression, and
	// ErrRecordNotFound when the id is unknown.
	ApplyProviderStatus(ctx context.Context, update ProviderStatusUpdate) (bool, error)
	Get(ctx context.Context, id string) (*DeliveryRecord, error)
}

// DeliveryEvent is published after a message is finalized or a status
// callback is applied.
type DeliveryEvent struct {
	MessageID         string         `json:"message_id,omitempty"`
	ProviderMessageID string         `json:"provider_message_id,omitempty"`
	Kind              Kind           `json:"kind,omitempty"`
	Status            DeliveryStatus `json:"status"`
	ErrorDetail       string         `json:"error_detail,omitempty"`
	AttemptCount      int            `json:"attempt_count,omitempty"`
	CorrelationIDs    CorrelationIDs `json:"correlation_ids,omitempty"`
	OccurredAt        time.Time      `json:"occurred_at"`
}
