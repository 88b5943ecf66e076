package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/theraptrack/golang_services/internal/notification_service/app"
)

// ReminderSource reads scheduled appointments from the booking tables. An
// appointment is excluded once a reminder record for it reached sent,
// delivered or read.
type ReminderSource struct {
	db     DBTX
	logger *slog.Logger
}

func NewReminderSource(db DBTX, logger *slog.Logger) *ReminderSource {
	return &ReminderSource{db: db, logger: logger.With("component", "reminder_source_pg")}
}

const reminderCandidatesQuery = `
	SELECT a.id, a.user_id, a.partner_id, COALESCE(u.name, ''), COALESCE(u.contact, ''), COALESCE(p.name, ''),
	       COALESCE(a.title, ''), a.appointment_date, COALESCE(a.duration_minutes, 60), COALESCE(a.timezone, '')
	FROM appointments a
	JOIN users u ON a.user_id = u.id
	JOIN partners p ON a.partner_id = p.id
	WHERE a.status = 'scheduled'
	  AND a.appointment_date BETWEEN $1 AND $2
	  AND NOT EXISTS (
	      SELECT 1 FROM delivery_records dr
	      WHERE dr.kind = 'reminder'
	        AND dr.correlation_ids ->> 'appointment_id' = a.id::text
	        AND dr.status IN ('sent', 'delivered', 'read')
	  )
	ORDER BY a.appointment_date ASC`

func (s *ReminderSource) FindReminderCandidates(ctx context.Context, from, to time.Time) ([]app.ReminderCandidate, error) {
	rows, err := s.db.Query(ctx, reminderCandidatesQuery, from, to)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to query reminder candidates", "error", err)
		return nil, fmt.Errorf("query reminder candidates: %w", err)
	}
	defer rows.Close()

	var out []app.ReminderCandidate
	for rows.Next() {
		var c app.ReminderCandidate
		if err := rows.Scan(
			&c.AppointmentID, &c.UserID, &c.PartnerID, &c.UserName, &c.UserContact, &c.PartnerName,
			&c.Title, &c.StartsAt, &c.DurationMinutes, &c.Timezone,
		); err != nil {
			return nil, fmt.Errorf("scan reminder candidate: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reminder candidates: %w", err)
	}
	return out, nil
}
