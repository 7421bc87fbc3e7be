// Package dispatch sends emergency notifications to matched donors and
// records the per-recipient outcome on the request.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/jkalala/bloodlink/internal/matcher"
	"github.com/jkalala/bloodlink/internal/model"
)

// DefaultMaxInFlight bounds concurrent provider calls across all requests.
// One request fans out to tens of donors at most; the global limit protects
// the provider connection budget when many emergencies fire at once.
const DefaultMaxInFlight = 32

type requestStore interface {
	Mutate(ctx context.Context, id uuid.UUID, maxAttempts int, fn func(req *model.EmergencyRequest) error) (model.EmergencyRequest, error)
}

// Sender is the outbound message capability. Implementations must bound the
// call internally so a stuck provider fails instead of hanging a pass.
type Sender interface {
	Send(to string, body string) error
}

// Delivery is the outcome of one recipient's send attempt. Err is nil on
// success; a failed send never aborts the rest of the pass.
type Delivery struct {
	DonorID uuid.UUID
	Phone   string
	Err     error
}

// Report summarizes one dispatch pass.
type Report struct {
	RequestID       uuid.UUID
	Deliveries      []Delivery // one per newly notified donor
	AlreadyNotified int        // candidates skipped because a record already existed
	State           model.NotificationState
}

// Failed returns the number of deliveries that errored.
func (r Report) Failed() int {
	n := 0
	for _, d := range r.Deliveries {
		if d.Err != nil {
			n++
		}
	}
	return n
}

// Dispatcher fans out notifications and tracks match records. Safe for
// concurrent use across requests; the send concurrency limit is shared.
type Dispatcher struct {
	store      requestStore
	sender     Sender
	casRetries int
	inFlight   chan struct{}
}

// New creates a Dispatcher. maxInFlight bounds concurrent sends globally;
// casRetries bounds the optimistic-concurrency retry cycles per commit.
func New(store requestStore, sender Sender, maxInFlight, casRetries int) *Dispatcher {
	if maxInFlight < 1 {
		maxInFlight = DefaultMaxInFlight
	}
	if casRetries < 1 {
		casRetries = 3
	}
	return &Dispatcher{
		store:      store,
		sender:     sender,
		casRetries: casRetries,
		inFlight:   make(chan struct{}, maxInFlight),
	}
}

// AlertBody composes the donor notification text for a request.
func AlertBody(req model.EmergencyRequest) string {
	return fmt.Sprintf(
		"URGENT: Blood donation needed!\nBlood Type: %s\nUnits: %d\nUrgency: %s\nReply YES to respond to this request.",
		req.BloodType, req.UnitsNeeded, req.Urgency,
	)
}

// Dispatch runs one pass over the candidate set: it appends a NOTIFIED match
// record for every candidate not already on the request, attempts delivery to
// each of them, and marks the request SENT once every one has been attempted.
//
// The donor id is the idempotence key: re-invoking with the same candidates
// appends nothing and sends nothing, while newly added candidates (a second
// pass with a wider radius) are still picked up. Individual send failures are
// reported in the Report, never as an error; the returned error is reserved
// for the request commit itself failing.
func (d *Dispatcher) Dispatch(ctx context.Context, requestID uuid.UUID, candidates []matcher.Candidate) (Report, error) {
	report := Report{RequestID: requestID}
	now := time.Now().UTC()

	// Commit the new match records first, so a crash mid-send never loses
	// track of who a pass intended to notify.
	var fresh []model.MatchRecord
	var body string
	_, err := d.store.Mutate(ctx, requestID, d.casRetries, func(req *model.EmergencyRequest) error {
		fresh = fresh[:0]
		report.AlreadyNotified = 0
		for _, c := range candidates {
			if req.Matches().Get(c.DonorID) != nil {
				report.AlreadyNotified++
				continue
			}
			rec := model.MatchRecord{
				DonorID:    c.DonorID,
				Phone:      c.Phone,
				Status:     model.MatchNotified,
				NotifiedAt: now,
			}
			if err := req.Matches().Add(rec); err != nil {
				return err
			}
			fresh = append(fresh, rec)
		}
		body = AlertBody(*req)
		return nil
	})
	if err != nil {
		report.State = d.markFailed(ctx, requestID)
		return report, fmt.Errorf("commit matched donors: %w", err)
	}

	report.Deliveries = d.fanOut(ctx, fresh, body)
	for _, del := range report.Deliveries {
		if del.Err != nil {
			zlog.Logger.Warn().
				Err(del.Err).
				Str("request_id", requestID.String()).
				Str("donor_id", del.DonorID.String()).
				Msg("donor notification failed")
		}
	}

	// SENT means the pass completed and every matched donor was attempted,
	// not that every send succeeded.
	_, err = d.store.Mutate(ctx, requestID, d.casRetries, func(req *model.EmergencyRequest) error {
		req.NotificationState = model.NotificationSent
		return nil
	})
	if err != nil {
		report.State = d.markFailed(ctx, requestID)
		return report, fmt.Errorf("commit notification state: %w", err)
	}

	report.State = model.NotificationSent
	return report, nil
}

// SendDirect delivers a single message outside a request context, e.g. a
// donation reminder or a verification notice.
func (d *Dispatcher) SendDirect(ctx context.Context, phoneNumber, body string) error {
	select {
	case d.inFlight <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-d.inFlight }()

	return d.sender.Send(phoneNumber, body)
}

// fanOut attempts delivery to every recipient concurrently, bounded by the
// global in-flight limit. Failures are collected, not propagated.
func (d *Dispatcher) fanOut(ctx context.Context, recipients []model.MatchRecord, body string) []Delivery {
	deliveries := make([]Delivery, len(recipients))

	var wg sync.WaitGroup
	for i, rec := range recipients {
		wg.Add(1)
		go func(i int, rec model.MatchRecord) {
			defer wg.Done()
			deliveries[i] = Delivery{DonorID: rec.DonorID, Phone: rec.Phone}

			select {
			case d.inFlight <- struct{}{}:
			case <-ctx.Done():
				deliveries[i].Err = ctx.Err()
				return
			}
			defer func() { <-d.inFlight }()

			deliveries[i].Err = d.sender.Send(rec.Phone, body)
		}(i, rec)
	}
	wg.Wait()

	return deliveries
}

// markFailed best-effort records that a commit failed. When the store itself
// is down this loses too; the caller still gets the original error.
func (d *Dispatcher) markFailed(ctx context.Context, requestID uuid.UUID) model.NotificationState {
	_, err := d.store.Mutate(ctx, requestID, 1, func(req *model.EmergencyRequest) error {
		req.NotificationState = model.NotificationFailed
		return nil
	})
	if err != nil {
		zlog.Logger.Error().
			Err(err).
			Str("request_id", requestID.String()).
			Msg("failed to record FAILED notification state")
	}
	return model.NotificationFailed
}
