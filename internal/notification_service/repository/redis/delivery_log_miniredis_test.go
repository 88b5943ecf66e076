package redis

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theraptrack/golang_services/internal/notification_service/domain"
)

func newTestStore(t *testing.T) (*DeliveryLogStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewDeliveryLogStore(context.Background(), mr.Addr(), time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func sentRecord(t *testing.T, store *DeliveryLogStore, id, pm string, at time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.RecordAttempt(ctx, domain.Attempt{
		MessageID: id, Kind: domain.KindReminder, Recipient: "+919876543210",
		Number: 1, Outcome: domain.OutcomeSucceeded, ProviderMessageID: pm, At: at,
	}))
	require.NoError(t, store.Finalize(ctx, domain.Finalization{MessageID: id, Status: domain.StatusSent, ProviderMessageID: pm, At: at}))
}

func TestDeliveryLogStore_Lifecycle(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.RecordAttempt(ctx, domain.Attempt{
		MessageID: "m1", Kind: domain.KindReminder, Recipient: "+919876543210",
		Number: 1, Outcome: domain.OutcomeTransientFailure, ErrorDetail: "provider unavailable", At: at,
	}))
	rec, err := store.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRetrying, rec.Status)
	assert.Equal(t, 1, rec.AttemptCount)
	assert.Equal(t, time.Minute, mr.TTL(recordKey("m1")))

	sentRecord(t, store, "m1", "pm-1", at.Add(5*time.Second))
	rec, err = store.GetByProviderMessageID(ctx, "pm-1")
	require.NoError(t, err)
	assert.Equal(t, "m1", rec.ID)
	assert.Equal(t, domain.StatusSent, rec.Status)

	err = store.Finalize(ctx, domain.Finalization{MessageID: "missing", Status: domain.StatusFailed, At: at})
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)
	assert.False(t, mr.Exists(recordKey("missing")))

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)
}

func TestDeliveryLogStore_ProviderIDIndexedAtAttempt(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.RecordAttempt(ctx, domain.Attempt{
		MessageID: "m1", Kind: domain.KindCustom, Recipient: "+14155550123",
		Number: 1, Outcome: domain.OutcomeSucceeded, ProviderMessageID: "pm-1", At: at,
	}))

	rec, err := store.GetByProviderMessageID(ctx, "pm-1")
	require.NoError(t, err)
	assert.Equal(t, "m1", rec.ID)
	require.NotNil(t, rec.ProviderMessageID)
	assert.Equal(t, "pm-1", *rec.ProviderMessageID)
}

func TestDeliveryLogStore_ApplyProviderStatus(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	sentRecord(t, store, "m1", "pm-1", at)

	applied, err := store.ApplyProviderStatus(ctx, domain.ProviderStatusUpdate{ProviderMessageID: "pm-1", Status: domain.StatusDelivered, OccurredAt: at.Add(time.Second)})
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = store.ApplyProviderStatus(ctx, domain.ProviderStatusUpdate{ProviderMessageID: "pm-1", Status: domain.StatusDelivered, OccurredAt: at.Add(2 * time.Second)})
	require.NoError(t, err)
	assert.False(t, applied, "repeat callback")

	applied, err = store.ApplyProviderStatus(ctx, domain.ProviderStatusUpdate{ProviderMessageID: "pm-1", Status: domain.StatusRead, OccurredAt: at.Add(3 * time.Second)})
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = store.ApplyProviderStatus(ctx, domain.ProviderStatusUpdate{ProviderMessageID: "pm-1", Status: domain.StatusDelivered, OccurredAt: at.Add(4 * time.Second)})
	require.NoError(t, err)
	assert.False(t, applied, "late delivered after read")

	rec, err := store.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRead, rec.Status)
	assert.Equal(t, at.Add(3*time.Second), rec.UpdatedAt)

	delivered := mr.HGet(eventsKey("pm-1"), string(domain.StatusDelivered))
	assert.Contains(t, delivered, "pm-1")
	assert.NotEmpty(t, mr.HGet(eventsKey("pm-1"), string(domain.StatusRead)))

	_, err = store.ApplyProviderStatus(ctx, domain.ProviderStatusUpdate{ProviderMessageID: "unknown", Status: domain.StatusRead})
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)
}

func TestDeliveryLogStore_ConcurrentCallbacksApplyOnce(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	sentRecord(t, store, "m1", "pm-1", at)

	var (
		wg      sync.WaitGroup
		applied atomic.Int32
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := store.ApplyProviderStatus(ctx, domain.ProviderStatusUpdate{
				ProviderMessageID: "pm-1",
				Status:            domain.StatusDelivered,
				OccurredAt:        at.Add(time.Duration(i+1) * time.Second),
			})
			assert.NoError(t, err)
			if ok {
				applied.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), applied.Load())
	rec, err := store.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, rec.Status)
}
