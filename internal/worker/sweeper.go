package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/jkalala/bloodlink/internal/model"
)

// DonationInterval is how long a donor rests between donations before a
// reminder is due.
const DonationInterval = 90 * 24 * time.Hour

type donorReminderStore interface {
	QueryDueForReminder(ctx context.Context, donationCutoff, reminderCutoff time.Time) ([]model.User, error)
	MarkReminderSent(ctx context.Context, id uuid.UUID, at time.Time) error
}

type directSender interface {
	SendDirect(ctx context.Context, phoneNumber, body string) error
}

// ReminderBody is the text sent to a donor whose rest period has elapsed.
func ReminderBody(bloodType string) string {
	return fmt.Sprintf("BloodLink Reminder: It's been 3 months since your last donation. Your blood type (%s) is always in demand. Please consider donating again soon!", bloodType)
}

// Sweeper periodically texts donors whose last donation is older than the
// donation interval. MarkReminderSent keeps a donor from being texted again
// on the next sweep.
type Sweeper struct {
	store    donorReminderStore
	sender   directSender
	interval time.Duration
}

func NewSweeper(store donorReminderStore, sender directSender, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Sweeper{
		store:    store,
		sender:   sender,
		interval: interval,
	}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zlog.Logger.Print("sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one reminder pass. Send failures skip MarkReminderSent so the
// donor is retried on the next pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := time.Now().UTC()
	donationCutoff := now.Add(-DonationInterval)
	reminderCutoff := now.Add(-DonationInterval)

	donors, err := s.store.QueryDueForReminder(ctx, donationCutoff, reminderCutoff)
	if err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to query donors due for reminder")
		return
	}

	sent := 0
	for _, d := range donors {
		if d.PhoneNumber == "" {
			continue
		}

		if err := s.sender.SendDirect(ctx, d.PhoneNumber, ReminderBody(d.BloodType)); err != nil {
			zlog.Logger.Error().Err(err).Str("donor", d.ID.String()).Msg("failed to send donation reminder")
			continue
		}

		if err := s.store.MarkReminderSent(ctx, d.ID, now); err != nil {
			zlog.Logger.Error().Err(err).Str("donor", d.ID.String()).Msg("failed to mark reminder sent")
			continue
		}
		sent++
	}

	if len(donors) > 0 {
		zlog.Logger.Info().Int("due", len(donors)).Int("sent", sent).Msg("reminder sweep completed")
	}
}
