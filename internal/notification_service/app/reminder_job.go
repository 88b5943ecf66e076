package app

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	_ "time/tzdata" // appointment timezones on minimal images

	"github.com/theraptrack/golang_services/internal/notification_service/domain"
)

// ReminderCandidate is an upcoming appointment that has not had a
// successful reminder yet.
type ReminderCandidate struct {
	AppointmentID   int64
	UserID          int64
	PartnerID       int64
	UserName        string
	UserContact     string
	PartnerName     string
	Title           string
	StartsAt        time.Time
	DurationMinutes int
	Timezone        string
}

// ReminderSource lists appointments starting within [from, to].
type ReminderSource interface {
	FindReminderCandidates(ctx context.Context, from, to time.Time) ([]ReminderCandidate, error)
}

// ReminderEligibility decides whether a candidate may be reminded over
// WhatsApp, for example by checking the partner's plan or organization
// settings. Errors skip the candidate for the current run only.
type ReminderEligibility interface {
	EligibleForReminder(ctx context.Context, c ReminderCandidate) (bool, error)
}

// ReminderFormatter renders the message body for a reminder.
type ReminderFormatter interface {
	FormatReminder(c ReminderCandidate) (string, error)
}

// DefaultReminderFormatter renders a plain-text reminder in the
// appointment's timezone, falling back to Fallback (Asia/Kolkata if empty).
type DefaultReminderFormatter struct {
	Fallback string
}

func (f DefaultReminderFormatter) FormatReminder(c ReminderCandidate) (string, error) {
	loc, err := f.location(c.Timezone)
	if err != nil {
		return "", err
	}
	local := c.StartsAt.In(loc)
	duration := c.DurationMinutes
	if duration <= 0 {
		duration = 60
	}
	name := strings.TrimSpace(c.UserName)
	if name == "" {
		name = "there"
	}
	title := strings.TrimSpace(c.Title)
	if title == "" {
		title = "Session"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Hi %s, this is a reminder of your appointment", name)
	if c.PartnerName != "" {
		fmt.Fprintf(&b, " with %s", c.PartnerName)
	}
	fmt.Fprintf(&b, " today at %s (%s).\n", local.Format("03:04 PM"), local.Format("MST"))
	fmt.Fprintf(&b, "%s, %d minutes, %s.", title, duration, local.Format("Mon, 02 Jan 2006"))
	return b.String(), nil
}

func (f DefaultReminderFormatter) location(name string) (*time.Location, error) {
	for _, candidate := range []string{name, f.Fallback, "Asia/Kolkata"} {
		if candidate == "" {
			continue
		}
		// IST is not an IANA zone name.
		if candidate == "IST" {
			candidate = "Asia/Kolkata"
		}
		if loc, err := time.LoadLocation(candidate); err == nil {
			return loc, nil
		}
	}
	return nil, fmt.Errorf("no usable timezone for %q", name)
}

// ReminderConfig positions the reminder window relative to now.
type ReminderConfig struct {
	Interval     time.Duration
	LeadTime     time.Duration
	WindowBefore time.Duration
	WindowAfter  time.Duration
}

func (c ReminderConfig) withDefaults() ReminderConfig {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Minute
	}
	if c.LeadTime <= 0 {
		c.LeadTime = 4 * time.Hour
	}
	if c.WindowBefore <= 0 {
		c.WindowBefore = 10 * time.Minute
	}
	if c.WindowAfter <= 0 {
		c.WindowAfter = 20 * time.Minute
	}
	return c
}

// ReminderJob periodically enqueues reminder notifications.
type ReminderJob struct {
	source      ReminderSource
	formatter   ReminderFormatter
	eligibility ReminderEligibility // nil admits every candidate
	enqueuer    Enqueuer
	cfg         ReminderConfig
	logger      *slog.Logger
	now         func() time.Time

	mu     sync.Mutex
	recent map[int64]time.Time // appointment id -> enqueued at
}

func NewReminderJob(source ReminderSource, formatter ReminderFormatter, enqueuer Enqueuer, cfg ReminderConfig, logger *slog.Logger) *ReminderJob {
	if formatter == nil {
		formatter = DefaultReminderFormatter{}
	}
	return &ReminderJob{
		source:    source,
		formatter: formatter,
		enqueuer:  enqueuer,
		cfg:       cfg.withDefaults(),
		logger:    logger.With("component", "reminder_job"),
		now:       time.Now,
		recent:    make(map[int64]time.Time),
	}
}

// WithEligibility installs a filter consulted before each reminder is
// formatted.
func (j *ReminderJob) WithEligibility(e ReminderEligibility) *ReminderJob {
	j.eligibility = e
	return j
}

// Window returns the appointment start range covered by a run at now.
func (j *ReminderJob) Window(now time.Time) (from, to time.Time) {
	at := now.Add(j.cfg.LeadTime)
	return at.Add(-j.cfg.WindowBefore), at.Add(j.cfg.WindowAfter)
}

// Run calls RunOnce immediately and then every Interval until ctx is done.
func (j *ReminderJob) Run(ctx context.Context) error {
	j.logger.InfoContext(ctx, "Reminder job started", "interval", j.cfg.Interval, "lead_time", j.cfg.LeadTime)
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := j.RunOnce(ctx); err != nil {
			j.logger.ErrorContext(ctx, "Reminder run failed", "error", err)
		}
		select {
		case <-ctx.Done():
			j.logger.InfoContext(ctx, "Reminder job stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce enqueues reminders for the current window and returns how many
// were accepted.
func (j *ReminderJob) RunOnce(ctx context.Context) (int, error) {
	now := j.now().UTC()
	from, to := j.Window(now)

	candidates, err := j.source.FindReminderCandidates(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("find reminder candidates: %w", err)
	}
	j.forgetBefore(now.Add(-(j.cfg.WindowBefore + j.cfg.WindowAfter)))
	if len(candidates) == 0 {
		j.logger.DebugContext(ctx, "No appointments need reminders", "from", from, "to", to)
		return 0, nil
	}

	var enqueued, skipped int
	for _, c := range candidates {
		logger := j.logger.With("appointment_id", c.AppointmentID)
		if j.seen(c.AppointmentID) {
			skipped++
			remindersCounter.WithLabelValues("skipped").Inc()
			continue
		}
		if strings.TrimSpace(c.UserContact) == "" {
			skipped++
			remindersCounter.WithLabelValues("skipped").Inc()
			logger.InfoContext(ctx, "No phone number for reminder", "user_id", c.UserID)
			continue
		}
		if j.eligibility != nil {
			ok, err := j.eligibility.EligibleForReminder(ctx, c)
			if err != nil {
				skipped++
				remindersCounter.WithLabelValues("skipped").Inc()
				logger.WarnContext(ctx, "Failed to check reminder eligibility", "partner_id", c.PartnerID, "error", err)
				continue
			}
			if !ok {
				skipped++
				remindersCounter.WithLabelValues("ineligible").Inc()
				logger.InfoContext(ctx, "WhatsApp reminders not enabled for partner", "partner_id", c.PartnerID)
				continue
			}
		}

		body, err := j.formatter.FormatReminder(c)
		if err != nil {
			skipped++
			remindersCounter.WithLabelValues("rejected").Inc()
			logger.ErrorContext(ctx, "Failed to format reminder", "error", err)
			continue
		}

		_, err = j.enqueuer.Enqueue(ctx, domain.NotificationRequest{
			Kind:      domain.KindReminder,
			Recipient: c.UserContact,
			Body:      body,
			CorrelationIDs: domain.CorrelationIDs{
				"appointment_id": strconv.FormatInt(c.AppointmentID, 10),
				"user_id":        strconv.FormatInt(c.UserID, 10),
				"partner_id":     strconv.FormatInt(c.PartnerID, 10),
			},
		})
		if err != nil {
			skipped++
			remindersCounter.WithLabelValues("rejected").Inc()
			logger.WarnContext(ctx, "Reminder not accepted", "reason", domain.RejectionReason(err))
			continue
		}
		j.remember(c.AppointmentID, now)
		enqueued++
		remindersCounter.WithLabelValues("enqueued").Inc()
	}

	j.logger.InfoContext(ctx, "Reminder run completed", "candidates", len(candidates), "enqueued", enqueued, "skipped", skipped)
	return enqueued, nil
}

func (j *ReminderJob) seen(id int64) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, ok := j.recent[id]
	return ok
}

func (j *ReminderJob) remember(id int64, at time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.recent[id] = at
}

func (j *ReminderJob) forgetBefore(cutoff time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for id, at := range j.recent {
		if at.Before(cutoff) {
			delete(j.recent, id)
		}
	}
}
