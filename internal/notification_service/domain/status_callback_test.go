package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatusCallback_ToUpdate(t *testing.T) {
	received := time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)

	u := StatusCallback{
		MessageUUID: " aaaaaaaa-bbbb-cccc-dddd-0123456789ab ",
		Status:      "rejected",
		Timestamp:   "2026-05-02T08:59:58.120Z",
		Error:       &StatusCallbackError{Title: "Rejected", Detail: "Recipient blocked"},
	}.ToUpdate(received)

	assert.Equal(t, "aaaaaaaa-bbbb-cccc-dddd-0123456789ab", u.ProviderMessageID)
	assert.Equal(t, StatusFailed, u.Status)
	assert.Equal(t, "rejected", u.RawStatus)
	assert.Equal(t, "Recipient blocked", u.ErrorDetail)
	assert.Equal(t, time.Date(2026, 5, 2, 8, 59, 58, 120000000, time.UTC), u.OccurredAt)
}

func TestStatusCallback_ToUpdate_Fallbacks(t *testing.T) {
	received := time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)

	u := StatusCallback{MessageUUID: "m", Status: "submitted", Timestamp: "yesterday"}.ToUpdate(received)
	assert.Equal(t, StatusSent, u.Status)
	assert.Equal(t, received, u.OccurredAt)
	assert.Empty(t, u.ErrorDetail)

	u = StatusCallback{MessageUUID: "m", Status: "failed", Error: &StatusCallbackError{Title: "Throttled"}}.ToUpdate(received)
	assert.Equal(t, "Throttled", u.ErrorDetail)
}
