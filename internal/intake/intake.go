// Package intake turns inbound donor replies into match record updates.
package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/jkalala/bloodlink/internal/model"
	"github.com/jkalala/bloodlink/internal/repository/request"
	"github.com/jkalala/bloodlink/internal/repository/user"
	"github.com/jkalala/bloodlink/pkg/phone"
)

// Outcome classifies what an inbound reply did.
type Outcome string

const (
	// OutcomeResponded means a match record moved to RESPONDED.
	OutcomeResponded Outcome = "responded"
	// OutcomeIgnored means the text was not an affirmative reply; nothing
	// changed.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeUnknownDonor means the sender's phone resolves to no donor.
	OutcomeUnknownDonor Outcome = "unknown_donor"
	// OutcomeNoActiveRequest means the donor has no pending notification to
	// answer.
	OutcomeNoActiveRequest Outcome = "no_active_request"
)

// ConfirmationBody is sent to a donor whose response was recorded.
const ConfirmationBody = "Thank you for responding! Please open the BloodLink app to schedule your donation."

type userStore interface {
	GetByPhone(ctx context.Context, phoneNumber string) (model.User, error)
}

type requestStore interface {
	FindLatestNotifiedByPhone(ctx context.Context, phoneNumber string) (model.EmergencyRequest, error)
}

type responseRecorder interface {
	RecordResponse(ctx context.Context, id uuid.UUID, phoneNumber string, at time.Time) (model.EmergencyRequest, error)
}

type sender interface {
	SendDirect(ctx context.Context, phoneNumber, body string) error
}

// Intake resolves donor replies against pending notifications.
type Intake struct {
	users     userStore
	requests  requestStore
	lifecycle responseRecorder
	sender    sender
}

// New creates an Intake.
func New(users userStore, requests requestStore, lifecycle responseRecorder, sender sender) *Intake {
	return &Intake{users: users, requests: requests, lifecycle: lifecycle, sender: sender}
}

// Result is the outcome of one inbound reply.
type Result struct {
	Outcome   Outcome
	RequestID uuid.UUID // set when Outcome is OutcomeResponded
	DonorID   uuid.UUID // set when the sender resolved to a donor
}

// HandleReply processes one inbound text. Only an exact "yes" after trimming
// and case-folding counts as affirmative; anything else is acknowledged and
// dropped. When the donor holds NOTIFIED records on several open requests,
// only the most recently created one is updated.
//
// The state update is authoritative; the confirmation message is best-effort
// and its failure is only logged.
func (i *Intake) HandleReply(ctx context.Context, fromPhone, body string) (Result, error) {
	if norm := strings.ToLower(strings.TrimSpace(body)); norm != "yes" {
		return Result{Outcome: OutcomeIgnored}, nil
	}

	canonical, err := phone.Normalize(fromPhone)
	if err != nil {
		return Result{Outcome: OutcomeUnknownDonor}, nil
	}

	donor, err := i.users.GetByPhone(ctx, canonical)
	if err != nil {
		if errors.Is(err, user.ErrUserNotFound) {
			return Result{Outcome: OutcomeUnknownDonor}, nil
		}
		return Result{}, fmt.Errorf("resolve donor: %w", err)
	}

	req, err := i.requests.FindLatestNotifiedByPhone(ctx, canonical)
	if err != nil {
		if errors.Is(err, request.ErrRequestNotFound) {
			return Result{Outcome: OutcomeNoActiveRequest, DonorID: donor.ID}, nil
		}
		return Result{}, fmt.Errorf("resolve request: %w", err)
	}

	updated, err := i.lifecycle.RecordResponse(ctx, req.ID, canonical, time.Now().UTC())
	if err != nil {
		if errors.Is(err, model.ErrInvalidTransition) {
			// The record moved between the query and the update, e.g. a
			// duplicate reply racing us.
			return Result{Outcome: OutcomeNoActiveRequest, DonorID: donor.ID}, nil
		}
		return Result{}, fmt.Errorf("record response: %w", err)
	}

	if err := i.sender.SendDirect(ctx, canonical, ConfirmationBody); err != nil {
		zlog.Logger.Warn().
			Err(err).
			Str("request_id", updated.ID.String()).
			Str("phone", phone.Mask(canonical)).
			Msg("failed to send response confirmation")
	}

	return Result{Outcome: OutcomeResponded, RequestID: updated.ID, DonorID: donor.ID}, nil
}
