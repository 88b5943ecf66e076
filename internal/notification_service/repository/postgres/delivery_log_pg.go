package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/theraptrack/golang_services/internal/notification_service/domain"
)

// DBTX is satisfied by *pgxpool.Pool and by pgxmock pools.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

const recordColumns = `id, correlation_ids, recipient, kind, provider_message_id, status, error_detail, attempt_count, sent_at, created_at, updated_at`

type DeliveryLogRepository struct {
	db     DBTX
	logger *slog.Logger
}

func NewDeliveryLogRepository(db DBTX, logger *slog.Logger) *DeliveryLogRepository {
	return &DeliveryLogRepository{db: db, logger: logger.With("component", "delivery_log_pg")}
}

func (r *DeliveryLogRepository) RecordAttempt(ctx context.Context, a domain.Attempt) error {
	correlation, err := json.Marshal(a.CorrelationIDs.Clone())
	if err != nil {
		return fmt.Errorf("marshal correlation ids: %w", err)
	}

	query := `
		INSERT INTO delivery_records (id, correlation_ids, recipient, kind, status, error_detail, attempt_count, provider_message_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $9, $8, $8)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			provider_message_id = COALESCE(EXCLUDED.provider_message_id, delivery_records.provider_message_id),
			error_detail = EXCLUDED.error_detail,
			attempt_count = EXCLUDED.attempt_count,
			updated_at = EXCLUDED.updated_at`

	_, err = r.db.Exec(ctx, query,
		a.MessageID, correlation, a.Recipient, string(a.Kind), string(a.RecordStatus()),
		nullable(a.ErrorDetail), a.Number, a.At, nullable(a.ProviderMessageID),
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to upsert delivery record", "message_id", a.MessageID, "error", err)
		return fmt.Errorf("record attempt %d for %s: %w", a.Number, a.MessageID, err)
	}
	return nil
}

func (r *DeliveryLogRepository) Finalize(ctx context.Context, fin domain.Finalization) error {
	var sentAt *time.Time
	if fin.Status == domain.StatusSent {
		at := fin.At
		sentAt = &at
	}

	query := `
		UPDATE delivery_records
		SET status = $2, provider_message_id = COALESCE($3, provider_message_id), error_detail = $4,
		    sent_at = COALESCE($5, sent_at), updated_at = $6
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query,
		fin.MessageID, string(fin.Status), nullable(fin.ProviderMessageID), nullable(fin.ErrorDetail), sentAt, fin.At,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to finalize delivery record", "message_id", fin.MessageID, "error", err)
		return fmt.Errorf("finalize %s: %w", fin.MessageID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrRecordNotFound
	}
	return nil
}

// ApplyProviderStatus locks the record, checks the transition and writes both
// the record and the audit row in one transaction. Rejected transitions
// write nothing.
func (r *DeliveryLogRepository) ApplyProviderStatus(ctx context.Context, u domain.ProviderStatusUpdate) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin status transaction: %w", err)
	}

	var (
		id      string
		current string
	)
	err = tx.QueryRow(ctx,
		`SELECT id, status FROM delivery_records WHERE provider_message_id = $1 FOR UPDATE`,
		u.ProviderMessageID,
	).Scan(&id, &current)
	if err != nil {
		_ = tx.Rollback(ctx)
		if errors.Is(err, pgx.ErrNoRows) {
			return false, domain.ErrRecordNotFound
		}
		return false, fmt.Errorf("lock record for %s: %w", u.ProviderMessageID, err)
	}

	if !domain.DeliveryStatus(current).CanAdvanceTo(u.Status) {
		_ = tx.Rollback(ctx)
		return false, nil
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO delivery_status_events (record_id, provider_message_id, status, raw_status, error_detail, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (provider_message_id, status) DO NOTHING`,
		id, u.ProviderMessageID, string(u.Status), u.RawStatus, nullable(u.ErrorDetail), u.OccurredAt,
	)
	if err != nil {
		_ = tx.Rollback(ctx)
		return false, fmt.Errorf("insert status event for %s: %w", u.ProviderMessageID, err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE delivery_records
		SET status = $2, error_detail = COALESCE($3, error_detail), updated_at = $4
		WHERE id = $1`,
		id, string(u.Status), nullable(u.ErrorDetail), u.OccurredAt,
	)
	if err != nil {
		_ = tx.Rollback(ctx)
		return false, fmt.Errorf("update status for %s: %w", u.ProviderMessageID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit status for %s: %w", u.ProviderMessageID, err)
	}
	return true, nil
}

func (r *DeliveryLogRepository) Get(ctx context.Context, id string) (*domain.DeliveryRecord, error) {
	row := r.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM delivery_records WHERE id = $1`, id)
	return r.scan(ctx, row)
}

func (r *DeliveryLogRepository) GetByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.DeliveryRecord, error) {
	row := r.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM delivery_records WHERE provider_message_id = $1`, providerMessageID)
	return r.scan(ctx, row)
}

func (r *DeliveryLogRepository) scan(ctx context.Context, row pgx.Row) (*domain.DeliveryRecord, error) {
	var (
		rec         domain.DeliveryRecord
		correlation []byte
		kind        string
		status      string
	)
	err := row.Scan(
		&rec.ID, &correlation, &rec.Recipient, &kind, &rec.ProviderMessageID, &status,
		&rec.ErrorDetail, &rec.AttemptCount, &rec.SentAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrRecordNotFound
		}
		r.logger.ErrorContext(ctx, "Failed to scan delivery record", "error", err)
		return nil, err
	}
	rec.Kind = domain.Kind(kind)
	rec.Status = domain.DeliveryStatus(status)
	rec.CorrelationIDs = domain.CorrelationIDs{}
	if len(correlation) > 0 {
		if err := json.Unmarshal(correlation, &rec.CorrelationIDs); err != nil {
			return nil, fmt.Errorf("decode correlation ids for %s: %w", rec.ID, err)
		}
	}
	return &rec, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
