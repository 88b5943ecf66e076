package provider

import (
	"errors"
	"net/http"
	"strings"
)

type FailureClass int

const (
	Transient FailureClass = iota
	Permanent
)

func (c FailureClass) String() string {
	if c == Permanent {
		return "permanent"
	}
	return "transient"
}

// Classification decides whether a failed attempt is retried.
type Classification struct {
	Class FailureClass
	Note  string
}

func (c Classification) Permanent() bool { return c.Class == Permanent }

const NoteRecipientNotRegistered = "recipient not registered"

var sandboxRegistrationHints = []string{"invalid message type", "sandbox", "registration"}

// Classify maps a send error onto permanent/transient. Errors that are not
// *TransportError are treated as network-level failures, except
// ErrRequestNotBuilt.
func Classify(err error, sandbox bool) Classification {
	if errors.Is(err, ErrRequestNotBuilt) {
		return Classification{Class: Permanent, Note: "request not built"}
	}
	var tErr *TransportError
	if !errors.As(err, &tErr) {
		return Classification{Class: Transient, Note: "network error"}
	}
	return ClassifyStatus(tErr.StatusCode, tErr.RawDetail, sandbox)
}

// ClassifyStatus is the pure rule table behind Classify.
func ClassifyStatus(statusCode int, detail string, sandbox bool) Classification {
	switch {
	case statusCode == 0:
		return Classification{Class: Transient, Note: "network error"}
	case statusCode == http.StatusUnauthorized:
		return Classification{Class: Permanent, Note: "authentication rejected"}
	case sandbox && isSandboxRegistrationGap(statusCode, detail):
		return Classification{Class: Transient, Note: NoteRecipientNotRegistered}
	case statusCode >= 400 && statusCode < 500:
		return Classification{Class: Permanent, Note: "rejected by provider"}
	default:
		return Classification{Class: Transient, Note: "provider unavailable"}
	}
}

func isSandboxRegistrationGap(statusCode int, detail string) bool {
	if statusCode == http.StatusUnprocessableEntity {
		return true
	}
	if statusCode < 400 || statusCode >= 500 {
		return false
	}
	lower := strings.ToLower(detail)
	for _, hint := range sandboxRegistrationHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}
