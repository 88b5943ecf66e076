package domain

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies which formatter produced a message body. The engine never
// interprets the body itself.
type Kind string

const (
	KindConfirmation Kind = "confirmation"
	KindReminder     Kind = "reminder"
	KindCustom       Kind = "custom"
)

func (k Kind) Valid() bool {
	switch k {
	case KindConfirmation, KindReminder, KindCustom:
		return true
	}
	return false
}

// ParseKind accepts the kind names case-insensitively.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
	}
	return k, nil
}

// CorrelationIDs are caller identifiers (appointment_id, user_id, partner_id,
// ...) carried through to the delivery log untouched.
type CorrelationIDs map[string]string

// Clone returns a copy so queued messages never share the caller's map.
func (c CorrelationIDs) Clone() CorrelationIDs {
	if c == nil {
		return CorrelationIDs{}
	}
	out := make(CorrelationIDs, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// NotificationRequest is what producers hand to the engine.
type NotificationRequest struct {
	Kind           Kind           `json:"kind"`
	Recipient      string         `json:"recipient"`
	Body           string         `json:"body"`
	CorrelationIDs CorrelationIDs `json:"correlation_ids,omitempty"`
}

// OutboundMessage is the queue-resident unit of work. It is never persisted;
// its outcomes are, as DeliveryRecords keyed by ID.
type OutboundMessage struct {
	ID             string
	Kind           Kind
	Recipient      string // canonical, e.g. +919876543210
	Body           string
	CorrelationIDs CorrelationIDs
	AttemptCount   int
	EnqueuedAt     time.Time
}

// EngineStatus is the observability snapshot of the engine.
type EngineStatus struct {
	Enabled             bool   `json:"enabled"`
	ConfiguredTransport string `json:"configured_transport"`
	Sandbox             bool   `json:"sandbox"`
	QueueDepth          int    `json:"queue_depth"`
	RetryPending        int    `json:"retry_pending"`
	IsDraining          bool   `json:"is_draining"`
}
