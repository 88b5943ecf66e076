// Package redis stores delivery records as JSON documents in Redis. Record
// mutations run inside WATCH transactions so status callbacks applied by
// several replicas never interleave.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/wb-go/wbf/retry"

	"github.com/theraptrack/golang_services/internal/notification_service/domain"
)

const (
	recordKeyPrefix   = "notify:record:"
	providerKeyPrefix = "notify:provider:"
	eventsKeyPrefix   = "notify:events:"
	maxTxRetries      = 5
)

func recordKey(id string) string           { return recordKeyPrefix + id }
func providerKey(providerID string) string { return providerKeyPrefix + providerID }
func eventsKey(providerID string) string   { return eventsKeyPrefix + providerID }

// DeliveryLogStore implements domain.DeliveryLog on Redis.
type DeliveryLogStore struct {
	client   *redis.Client
	strategy retry.Strategy
	ttl      time.Duration
	logger   *slog.Logger
}

// NewDeliveryLogStore connects to addr and pings it with backoff. ttl bounds
// how long records are kept; zero keeps them forever.
func NewDeliveryLogStore(ctx context.Context, addr string, ttl time.Duration, logger *slog.Logger) (*DeliveryLogStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err := retry.DoContext(pingCtx, retry.Strategy{Attempts: 5, Delay: time.Second, Backoff: 2}, func() error {
		return client.Ping(pingCtx).Err()
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	return &DeliveryLogStore{
		client:   client,
		strategy: retry.Strategy{Attempts: 3, Delay: 100 * time.Millisecond, Backoff: 2},
		ttl:      ttl,
		logger:   logger.With("component", "delivery_log_redis"),
	}, nil
}

func (s *DeliveryLogStore) Close() error { return s.client.Close() }

func (s *DeliveryLogStore) RecordAttempt(ctx context.Context, a domain.Attempt) error {
	return s.mutate(ctx, a.MessageID, func(rec *domain.DeliveryRecord) (*domain.DeliveryRecord, bool, error) {
		if rec == nil {
			rec = domain.NewDeliveryRecord(a)
		}
		rec.ApplyAttempt(a)
		return rec, true, nil
	}, s.indexProviderID(ctx))
}

func (s *DeliveryLogStore) Finalize(ctx context.Context, fin domain.Finalization) error {
	return s.mutate(ctx, fin.MessageID, func(rec *domain.DeliveryRecord) (*domain.DeliveryRecord, bool, error) {
		if rec == nil {
			return nil, false, domain.ErrRecordNotFound
		}
		rec.ApplyFinalization(fin)
		return rec, true, nil
	}, s.indexProviderID(ctx))
}

// indexProviderID maps the gateway id back to the record once it is known.
func (s *DeliveryLogStore) indexProviderID(ctx context.Context) func(redis.Pipeliner, *domain.DeliveryRecord) {
	return func(pipe redis.Pipeliner, rec *domain.DeliveryRecord) {
		if rec.ProviderMessageID != nil {
			pipe.Set(ctx, providerKey(*rec.ProviderMessageID), rec.ID, s.ttl)
		}
	}
}

func (s *DeliveryLogStore) ApplyProviderStatus(ctx context.Context, u domain.ProviderStatusUpdate) (bool, error) {
	id, err := s.client.Get(ctx, providerKey(u.ProviderMessageID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, domain.ErrRecordNotFound
	}
	if err != nil {
		return false, fmt.Errorf("resolve provider id %s: %w", u.ProviderMessageID, err)
	}

	event, err := json.Marshal(u)
	if err != nil {
		return false, fmt.Errorf("marshal status event: %w", err)
	}

	var applied bool
	err = s.mutate(ctx, id, func(rec *domain.DeliveryRecord) (*domain.DeliveryRecord, bool, error) {
		if rec == nil {
			return nil, false, domain.ErrRecordNotFound
		}
		applied = rec.ApplyProviderStatus(u)
		return rec, applied, nil
	}, func(pipe redis.Pipeliner, _ *domain.DeliveryRecord) {
		pipe.HSetNX(ctx, eventsKey(u.ProviderMessageID), string(u.Status), event)
		if s.ttl > 0 {
			pipe.Expire(ctx, eventsKey(u.ProviderMessageID), s.ttl)
		}
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (s *DeliveryLogStore) Get(ctx context.Context, id string) (*domain.DeliveryRecord, error) {
	var data []byte
	err := retry.DoContext(ctx, s.strategy, func() error {
		b, err := s.client.Get(ctx, recordKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			data = nil
			return nil
		}
		data = b
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", id, err)
	}
	if data == nil {
		return nil, domain.ErrRecordNotFound
	}
	return decodeRecord(data)
}

func (s *DeliveryLogStore) GetByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.DeliveryRecord, error) {
	id, err := s.client.Get(ctx, providerKey(providerMessageID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

type mutateFunc func(rec *domain.DeliveryRecord) (updated *domain.DeliveryRecord, write bool, err error)

// mutate runs fn against the current record under WATCH and writes the
// result together with anything extra queues. Conflicts are retried.
func (s *DeliveryLogStore) mutate(ctx context.Context, id string, fn mutateFunc, extra func(redis.Pipeliner, *domain.DeliveryRecord)) error {
	key := recordKey(id)
	txf := func(tx *redis.Tx) error {
		var current *domain.DeliveryRecord
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if current, err = decodeRecord(data); err != nil {
				return err
			}
		}

		updated, write, err := fn(current)
		if err != nil || !write {
			return err
		}
		encoded, err := json.Marshal(updated)
		if err != nil {
			return fmt.Errorf("marshal record %s: %w", id, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, s.ttl)
			if extra != nil {
				extra(pipe, updated)
			}
			return nil
		})
		return err
	}

	var lastErr error
	for i := 0; i < maxTxRetries; i++ {
		lastErr = s.client.Watch(ctx, txf, key)
		if !errors.Is(lastErr, redis.TxFailedErr) {
			break
		}
		s.logger.DebugContext(ctx, "Record changed during transaction, retrying", "record_id", id, "try", i+1)
	}
	if lastErr != nil && !errors.Is(lastErr, domain.ErrRecordNotFound) {
		s.logger.ErrorContext(ctx, "Failed to write delivery record", "record_id", id, "error", lastErr)
		return fmt.Errorf("write record %s: %w", id, lastErr)
	}
	return lastErr
}

func decodeRecord(data []byte) (*domain.DeliveryRecord, error) {
	var rec domain.DeliveryRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode delivery record: %w", err)
	}
	if rec.CorrelationIDs == nil {
		rec.CorrelationIDs = domain.CorrelationIDs{}
	}
	return &rec, nil
}
