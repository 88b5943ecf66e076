// Package memory keeps delivery records in process memory. Used for local
// runs and tests; contents are lost on restart.
package memory

import (
	"context"
	"sync"

	"github.com/theraptrack/golang_services/internal/notification_service/domain"
)

type DeliveryLog struct {
	mu         sync.RWMutex
	records    map[string]*domain.DeliveryRecord
	byProvider map[string]string // provider message id -> record id
	writes     int
}

func NewDeliveryLog() *DeliveryLog {
	return &DeliveryLog{
		records:    make(map[string]*domain.DeliveryRecord),
		byProvider: make(map[string]string),
	}
}

func (l *DeliveryLog) RecordAttempt(_ context.Context, a domain.Attempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writes++

	rec, ok := l.records[a.MessageID]
	if !ok {
		rec = domain.NewDeliveryRecord(a)
		l.records[a.MessageID] = rec
	}
	rec.ApplyAttempt(a)
	if rec.ProviderMessageID != nil {
		l.byProvider[*rec.ProviderMessageID] = rec.ID
	}
	return nil
}

func (l *DeliveryLog) Finalize(_ context.Context, fin domain.Finalization) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[fin.MessageID]
	if !ok {
		return domain.ErrRecordNotFound
	}
	l.writes++
	rec.ApplyFinalization(fin)
	if rec.ProviderMessageID != nil {
		l.byProvider[*rec.ProviderMessageID] = rec.ID
	}
	return nil
}

func (l *DeliveryLog) ApplyProviderStatus(_ context.Context, u domain.ProviderStatusUpdate) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id, ok := l.byProvider[u.ProviderMessageID]
	if !ok {
		return false, domain.ErrRecordNotFound
	}
	if !l.records[id].ApplyProviderStatus(u) {
		return false, nil
	}
	l.writes++
	return true, nil
}

func (l *DeliveryLog) Get(_ context.Context, id string) (*domain.DeliveryRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[id]
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	cp := *rec
	cp.CorrelationIDs = rec.CorrelationIDs.Clone()
	return &cp, nil
}

func (l *DeliveryLog) GetByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.DeliveryRecord, error) {
	l.mu.RLock()
	id, ok := l.byProvider[providerMessageID]
	l.mu.RUnlock()
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	return l.Get(ctx, id)
}

// Writes counts successful mutations.
func (l *DeliveryLog) Writes() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.writes
}

// Len is the number of records held.
func (l *DeliveryLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}
