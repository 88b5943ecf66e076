package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliveryStatus_CanAdvanceTo(t *testing.T) {
	cases := []struct {
		from, to DeliveryStatus
		want     bool
	}{
		{StatusSent, StatusDelivered, true},
		{StatusSent, StatusRead, true},
		{StatusDelivered, StatusRead, true},
		{StatusSent, StatusFailed, true},
		{StatusDelivered, StatusFailed, true},
		{StatusDelivered, StatusDelivered, false},
		{StatusRead, StatusDelivered, false},
		{StatusRead, StatusFailed, false},
		{StatusFailed, StatusDelivered, false},
		{StatusRetrying, StatusDelivered, false},
		{StatusDelivered, StatusSent, false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s_to_%s", tc.from, tc.to), func(t *testing.T) {
			assert.Equal(t, tc.want, tc.from.CanAdvanceTo(tc.to))
		})
	}
}

func TestMapProviderStatus(t *testing.T) {
	assert.Equal(t, StatusDelivered, MapProviderStatus("delivered"))
	assert.Equal(t, StatusRead, MapProviderStatus("READ"))
	assert.Equal(t, StatusFailed, MapProviderStatus("rejected"))
	assert.Equal(t, StatusFailed, MapProviderStatus("failed"))
	assert.Equal(t, StatusSent, MapProviderStatus("submitted"))
	assert.Equal(t, StatusSent, MapProviderStatus(""))
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind(" Reminder ")
	require.NoError(t, err)
	assert.Equal(t, KindReminder, k)

	_, err = ParseKind("kind")
	assert.ErrorIs(t, err, ErrInvalidKind)
}

func TestRejectionReason(t *testing.T) {
	assert.Equal(t, "", RejectionReason(nil))
	assert.Equal(t, ReasonDisabled, RejectionReason(fmt.Errorf("enqueue: %w", ErrServiceDisabled)))
	assert.Equal(t, ReasonInvalidRecipient, RejectionReason(&ValidationError{Field: "recipient", Reason: ReasonInvalidRecipient}))
	assert.Equal(t, ReasonInternal, RejectionReason(errors.New("boom")))
}

func TestCorrelationIDs_Clone(t *testing.T) {
	orig := CorrelationIDs{"appointment_id": "42"}
	clone := orig.Clone()
	clone["appointment_id"] = "43"
	assert.Equal(t, "42", orig["appointment_id"])
	assert.NotNil(t, CorrelationIDs(nil).Clone())
}

func TestDeliveryRecord_Lifecycle(t *testing.T) {
	t0 := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	rec := NewDeliveryRecord(Attempt{MessageID: "m1", Kind: KindCustom, Recipient: "+14155550123", At: t0})
	rec.ApplyAttempt(Attempt{MessageID: "m1", Number: 1, Outcome: OutcomeTransientFailure, ErrorDetail: "network error: timeout", At: t0})
	assert.Equal(t, StatusRetrying, rec.Status)
	require.NotNil(t, rec.ErrorDetail)

	t1 := t0.Add(5 * time.Second)
	rec.ApplyAttempt(Attempt{MessageID: "m1", Number: 2, Outcome: OutcomePermanentFailure, ErrorDetail: "rejected by provider: 400", At: t1})
	rec.ApplyFinalization(Finalization{MessageID: "m1", Status: StatusFailed, ErrorDetail: "rejected by provider: 400", At: t1})
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, 2, rec.AttemptCount)
	assert.Nil(t, rec.ProviderMessageID)
	assert.Nil(t, rec.SentAt)

	assert.False(t, rec.ApplyProviderStatus(ProviderStatusUpdate{Status: StatusDelivered, OccurredAt: t1.Add(time.Minute)}))
	assert.Equal(t, t1, rec.UpdatedAt)
}

func TestDeliveryRecord_SuccessfulAttemptCarriesProviderID(t *testing.T) {
	t0 := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	rec := NewDeliveryRecord(Attempt{MessageID: "m1", Kind: KindReminder, At: t0})
	rec.ApplyAttempt(Attempt{MessageID: "m1", Number: 1, Outcome: OutcomeSucceeded, ProviderMessageID: "pm-1", At: t0})

	assert.Equal(t, StatusSent, rec.Status)
	require.NotNil(t, rec.ProviderMessageID)
	assert.Equal(t, "pm-1", *rec.ProviderMessageID)
	assert.True(t, rec.ApplyProviderStatus(ProviderStatusUpdate{ProviderMessageID: "pm-1", Status: StatusDelivered, OccurredAt: t0.Add(time.Second)}))
}
