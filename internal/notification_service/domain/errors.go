package domain

import (
	"errors"
	"fmt"
)

var (
	ErrServiceDisabled = errors.New("notification service is disabled")
	ErrInvalidKind     = errors.New("invalid notification kind")
	ErrRecordNotFound  = errors.New("delivery record not found")
)

// Rejection reasons returned to producers whose request was not accepted.
const (
	ReasonDisabled         = "disabled"
	ReasonInvalidRecipient = "invalid_recipient"
	ReasonInvalidKind      = "invalid_kind"
	ReasonEmptyBody        = "empty_body"
	ReasonInternal         = "internal_error"
)

// ValidationError rejects a request synchronously, before anything is queued
// or logged.
type ValidationError struct {
	Field  string
	Reason string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("validation failed on %s: %s (%s)", e.Field, e.Reason, e.Detail)
}

// RejectionReason maps an Enqueue error onto the reason string exposed to
// producers.
func RejectionReason(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrServiceDisabled) {
		return ReasonDisabled
	}
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return vErr.Reason
	}
	return ReasonInternal
}
