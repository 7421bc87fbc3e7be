package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkalala/bloodlink/internal/model"
)

type fakeStore struct {
	mu  sync.Mutex
	req model.EmergencyRequest
}

func (f *fakeStore) Mutate(_ context.Context, _ uuid.UUID, _ int, fn func(req *model.EmergencyRequest) error) (model.EmergencyRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cp := f.req
	recs := f.req.Matches().Records()
	cp.MatchedDonors = model.NewMatchSet()
	for _, r := range recs {
		_ = cp.MatchedDonors.Add(r)
	}

	if err := fn(&cp); err != nil {
		return model.EmergencyRequest{}, err
	}

	cp.Version++
	cp.UpdatedAt = time.Now().UTC()
	f.req = cp
	return cp, nil
}

func newFixture(status model.RequestStatus) (*fakeStore, *Lifecycle) {
	store := &fakeStore{req: model.EmergencyRequest{
		ID:            uuid.New(),
		Status:        status,
		MatchedDonors: model.NewMatchSet(),
		Version:       1,
		UpdatedAt:     time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC),
	}}
	return store, New(store, 3)
}

func TestTransitionMatrix(t *testing.T) {
	cases := []struct {
		from    model.RequestStatus
		to      model.RequestStatus
		allowed bool
	}{
		{model.StatusPending, model.StatusActive, true},
		{model.StatusPending, model.StatusCancelled, true},
		{model.StatusPending, model.StatusFulfilled, false},
		{model.StatusActive, model.StatusFulfilled, true},
		{model.StatusActive, model.StatusCancelled, true},
		{model.StatusActive, model.StatusPending, true},
		{model.StatusFulfilled, model.StatusActive, false},
		{model.StatusFulfilled, model.StatusCancelled, false},
		{model.StatusCancelled, model.StatusActive, false},
		{model.StatusCancelled, model.StatusPending, false},
		{model.StatusCancelled, model.StatusFulfilled, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.allowed, CanTransition(tc.from, tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

func TestActivate(t *testing.T) {
	store, l := newFixture(model.StatusPending)

	req, err := l.Activate(context.Background(), store.req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, req.Status)
}

func TestActivate_CancelledRequestIsRejectedUnchanged(t *testing.T) {
	store, l := newFixture(model.StatusCancelled)
	before := store.req

	_, err := l.Activate(context.Background(), store.req.ID)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	assert.Equal(t, before.Status, store.req.Status)
	assert.Equal(t, before.UpdatedAt, store.req.UpdatedAt, "rejected transition touches nothing")
	assert.Equal(t, before.Version, store.req.Version)
}

func TestCancel_IsTerminal(t *testing.T) {
	store, l := newFixture(model.StatusActive)

	_, err := l.Cancel(context.Background(), store.req.ID)
	require.NoError(t, err)

	_, err = l.Fulfill(context.Background(), store.req.ID)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestDeactivate(t *testing.T) {
	store, l := newFixture(model.StatusActive)

	req, err := l.Deactivate(context.Background(), store.req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, req.Status)
}

func notify(t *testing.T, store *fakeStore, phoneNumber string) uuid.UUID {
	t.Helper()
	donorID := uuid.New()
	require.NoError(t, store.req.Matches().Add(model.MatchRecord{
		DonorID:    donorID,
		Phone:      phoneNumber,
		Status:     model.MatchNotified,
		NotifiedAt: time.Now().UTC(),
	}))
	return donorID
}

func TestRecordResponse(t *testing.T) {
	store, l := newFixture(model.StatusPending)
	donorID := notify(t, store, "+244923000001")

	at := time.Now().UTC()
	req, err := l.RecordResponse(context.Background(), store.req.ID, "+244923000001", at)
	require.NoError(t, err)

	rec := req.Matches().Get(donorID)
	require.NotNil(t, rec)
	assert.Equal(t, model.MatchResponded, rec.Status)
	require.NotNil(t, rec.RespondedAt)
	assert.Equal(t, at, *rec.RespondedAt)
}

func TestRecordResponse_NoNotifiedRecord(t *testing.T) {
	store, l := newFixture(model.StatusPending)

	_, err := l.RecordResponse(context.Background(), store.req.ID, "+244923000001", time.Now())
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestScheduleDonor_RequiresResponded(t *testing.T) {
	store, l := newFixture(model.StatusActive)
	donorID := notify(t, store, "+244923000001")

	// Still NOTIFIED: scheduling skips a state.
	_, err := l.ScheduleDonor(context.Background(), store.req.ID, donorID)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	_, err = l.RecordResponse(context.Background(), store.req.ID, "+244923000001", time.Now())
	require.NoError(t, err)

	req, err := l.ScheduleDonor(context.Background(), store.req.ID, donorID)
	require.NoError(t, err)
	assert.Equal(t, model.MatchScheduled, req.Matches().Get(donorID).Status)

	req, err = l.CompleteDonor(context.Background(), store.req.ID, donorID)
	require.NoError(t, err)
	assert.Equal(t, model.MatchCompleted, req.Matches().Get(donorID).Status)
}

func TestScheduleDonor_CancelledRequestConflicts(t *testing.T) {
	store, l := newFixture(model.StatusActive)
	donorID := notify(t, store, "+244923000001")

	_, err := l.RecordResponse(context.Background(), store.req.ID, "+244923000001", time.Now())
	require.NoError(t, err)

	_, err = l.Cancel(context.Background(), store.req.ID)
	require.NoError(t, err)

	_, err = l.ScheduleDonor(context.Background(), store.req.ID, donorID)
	assert.ErrorIs(t, err, ErrRequestCancelled)
}

func TestMatchStatusNeverMovesBackward(t *testing.T) {
	rec := model.MatchRecord{Status: model.MatchScheduled}
	assert.ErrorIs(t, rec.Advance(model.MatchResponded), model.ErrInvalidTransition)
	assert.ErrorIs(t, rec.Advance(model.MatchNotified), model.ErrInvalidTransition)
	assert.NoError(t, rec.Advance(model.MatchCompleted))
	assert.ErrorIs(t, rec.Advance(model.MatchCompleted), model.ErrInvalidTransition)
}
