package domain

import (
	"strings"
	"time"
)

// StatusCallbackError is the optional error block of a gateway callback.
type StatusCallbackError struct {
	Title  string `json:"title,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// StatusCallback is the raw message-status payload posted by the gateway and
// relayed over NATS unchanged.
type StatusCallback struct {
	MessageUUID string               `json:"message_uuid" validate:"required"`
	Status      string               `json:"status" validate:"required"`
	Timestamp   string               `json:"timestamp,omitempty"`
	To          string               `json:"to,omitempty"`
	From        string               `json:"from,omitempty"`
	Channel     string               `json:"channel,omitempty"`
	Error       *StatusCallbackError `json:"error,omitempty"`
}

// ToUpdate maps the callback onto a ProviderStatusUpdate. An unparseable or
// missing timestamp becomes receivedAt.
func (c StatusCallback) ToUpdate(receivedAt time.Time) ProviderStatusUpdate {
	u := ProviderStatusUpdate{
		ProviderMessageID: strings.TrimSpace(c.MessageUUID),
		Status:            MapProviderStatus(c.Status),
		RawStatus:         c.Status,
		OccurredAt:        receivedAt.UTC(),
	}
	if c.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339Nano, c.Timestamp); err == nil {
			u.OccurredAt = ts.UTC()
		}
	}
	if c.Error != nil {
		switch {
		case c.Error.Detail != "":
			u.ErrorDetail = c.Error.Detail
		default:
			u.ErrorDetail = c.Error.Title
		}
	}
	return u
}
