// Package lifecycle owns the emergency request state machine and the
// per-donor match sub-states. Every transition is guarded on the current
// state and committed with a conditional update, so concurrent writers
// (hospital staff, donor replies, jobs) serialize per request.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jkalala/bloodlink/internal/model"
)

// ErrRequestCancelled is returned when a match sub-state change is attempted
// on a cancelled request. Surfaced to the caller as a conflict.
var ErrRequestCancelled = errors.New("request is cancelled")

// transitions holds the allowed request status moves. FULFILLED and
// CANCELLED are terminal.
var transitions = map[model.RequestStatus]map[model.RequestStatus]bool{
	model.StatusPending: {
		model.StatusActive:    true,
		model.StatusCancelled: true,
	},
	model.StatusActive: {
		model.StatusFulfilled: true,
		model.StatusCancelled: true,
		model.StatusPending:   true, // hospital deactivation
	},
}

// CanTransition reports whether from -> to is an allowed request status move.
func CanTransition(from, to model.RequestStatus) bool {
	return transitions[from][to]
}

type requestStore interface {
	Mutate(ctx context.Context, id uuid.UUID, maxAttempts int, fn func(req *model.EmergencyRequest) error) (model.EmergencyRequest, error)
}

// Lifecycle applies guarded transitions through the request store.
type Lifecycle struct {
	store      requestStore
	casRetries int
}

// New creates a Lifecycle. casRetries bounds the optimistic-concurrency
// retry cycles per transition.
func New(store requestStore, casRetries int) *Lifecycle {
	if casRetries < 1 {
		casRetries = 3
	}
	return &Lifecycle{store: store, casRetries: casRetries}
}

// transition moves a request to the target status, failing with
// ErrInvalidTransition when the current status does not allow the move.
// Nothing is applied on rejection.
func (l *Lifecycle) transition(ctx context.Context, id uuid.UUID, to model.RequestStatus) (model.EmergencyRequest, error) {
	return l.store.Mutate(ctx, id, l.casRetries, func(req *model.EmergencyRequest) error {
		if !CanTransition(req.Status, to) {
			return fmt.Errorf("request %s -> %s: %w", req.Status, to, model.ErrInvalidTransition)
		}
		req.Status = to
		return nil
	})
}

// Activate moves a PENDING request to ACTIVE.
func (l *Lifecycle) Activate(ctx context.Context, id uuid.UUID) (model.EmergencyRequest, error) {
	return l.transition(ctx, id, model.StatusActive)
}

// Deactivate moves an ACTIVE request back to PENDING. This is the one human
// action that resets a request after donors have responded.
func (l *Lifecycle) Deactivate(ctx context.Context, id uuid.UUID) (model.EmergencyRequest, error) {
	return l.transition(ctx, id, model.StatusPending)
}

// Cancel moves a PENDING or ACTIVE request to CANCELLED. Already-sent
// notifications are not recalled; the request just stops progressing.
func (l *Lifecycle) Cancel(ctx context.Context, id uuid.UUID) (model.EmergencyRequest, error) {
	return l.transition(ctx, id, model.StatusCancelled)
}

// Fulfill moves an ACTIVE request to FULFILLED.
func (l *Lifecycle) Fulfill(ctx context.Context, id uuid.UUID) (model.EmergencyRequest, error) {
	return l.transition(ctx, id, model.StatusFulfilled)
}

// RecordResponse advances the NOTIFIED match record for the given phone to
// RESPONDED. Returns ErrInvalidTransition when no such record exists.
func (l *Lifecycle) RecordResponse(ctx context.Context, id uuid.UUID, phoneNumber string, at time.Time) (model.EmergencyRequest, error) {
	return l.store.Mutate(ctx, id, l.casRetries, func(req *model.EmergencyRequest) error {
		rec := req.Matches().ByPhone(phoneNumber, model.MatchNotified)
		if rec == nil {
			return fmt.Errorf("no notified match for phone: %w", model.ErrInvalidTransition)
		}
		if err := rec.Advance(model.MatchResponded); err != nil {
			return err
		}
		t := at
		rec.RespondedAt = &t
		return nil
	})
}

// advanceMatch moves a donor's match record to the target sub-state. Match
// sub-states progress independently of the request status, except that a
// cancelled request accepts no further scheduling.
func (l *Lifecycle) advanceMatch(ctx context.Context, id uuid.UUID, donorID uuid.UUID, to model.MatchStatus) (model.EmergencyRequest, error) {
	return l.store.Mutate(ctx, id, l.casRetries, func(req *model.EmergencyRequest) error {
		if req.Status == model.StatusCancelled {
			return fmt.Errorf("advance donor %s: %w", donorID, ErrRequestCancelled)
		}
		rec := req.Matches().Get(donorID)
		if rec == nil {
			return fmt.Errorf("donor %s not matched on request: %w", donorID, model.ErrInvalidTransition)
		}
		return rec.Advance(to)
	})
}

// ScheduleDonor moves a RESPONDED donor to SCHEDULED.
func (l *Lifecycle) ScheduleDonor(ctx context.Context, id, donorID uuid.UUID) (model.EmergencyRequest, error) {
	return l.advanceMatch(ctx, id, donorID, model.MatchScheduled)
}

// CompleteDonor moves a SCHEDULED donor to COMPLETED once the donation
// happened.
func (l *Lifecycle) CompleteDonor(ctx context.Context, id, donorID uuid.UUID) (model.EmergencyRequest, error) {
	return l.advanceMatch(ctx, id, donorID, model.MatchCompleted)
}
