package provider

import (
	"context"
	"errors"
	"fmt"
)

// Transport performs a single delivery attempt against the messaging gateway.
type Transport interface {
	Send(ctx context.Context, details SendRequestDetails) (*SendResponseDetails, error)
	GetName() string
}

// SendRequestDetails carries one outbound message. Recipient and Sender are
// canonical numbers; transports strip the plus sign as the gateway needs.
type SendRequestDetails struct {
	InternalMessageID string
	Recipient         string
	Sender            string
	Content           string
}

type SendResponseDetails struct {
	ProviderMessageID string
	ProviderStatus    string
}

var ErrNoCredentials = errors.New("no gateway credentials configured")

// ErrRequestNotBuilt wraps failures that happen before anything is sent,
// such as an unusable gateway URL or a token that cannot be signed. Retrying
// cannot fix them.
var ErrRequestNotBuilt = errors.New("gateway request could not be built")

// TransportError is returned for every failed send. StatusCode is zero when
// the request never produced an HTTP response.
type TransportError struct {
	StatusCode int
	RawDetail  string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("gateway request failed: %v", e.Err)
	}
	return fmt.Sprintf("gateway error: status %d: %s", e.StatusCode, e.RawDetail)
}

func (e *TransportError) Unwrap() error { return e.Err }
