package request

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wb-go/wbf/dbpg"

	"github.com/jkalala/bloodlink/internal/model"
)

func setupMockDB(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("failed to open mock db: %v", err)
	}

	wrappedDB := &dbpg.DB{Master: db}
	repo := NewRepository(wrappedDB)

	return repo, mock
}

func requestRows(req model.EmergencyRequest) *sqlmock.Rows {
	matched, _ := json.Marshal(req.Matches())
	return sqlmock.NewRows([]string{
		"id", "hospital_id", "blood_type", "units_needed", "urgency", "status",
		"latitude", "longitude", "spatial_key", "notification_state",
		"matched_donors", "version", "created_at", "updated_at",
	}).AddRow(
		req.ID, req.HospitalID, req.BloodType, req.UnitsNeeded, req.Urgency, req.Status,
		req.Location.Latitude, req.Location.Longitude, req.Location.SpatialKey,
		req.NotificationState, matched, req.Version, req.CreatedAt, req.UpdatedAt,
	)
}

func sampleRequest() model.EmergencyRequest {
	req := model.EmergencyRequest{
		ID:                uuid.New(),
		HospitalID:        uuid.New(),
		BloodType:         "O_NEGATIVE",
		UnitsNeeded:       2,
		Urgency:           model.UrgencyCritical,
		Status:            model.StatusPending,
		Location:          model.Location{Latitude: -8.839, Longitude: 13.2894, SpatialKey: "kpd8nk7h2e"},
		NotificationState: model.NotificationPending,
		MatchedDonors:     model.NewMatchSet(),
		Version:           1,
		CreatedAt:         time.Now().UTC(),
		UpdatedAt:         time.Now().UTC(),
	}
	return req
}

func TestCreateRequest(t *testing.T) {
	repo, mock := setupMockDB(t)

	req := sampleRequest()

	mock.ExpectQuery(`INSERT INTO emergency_requests`).
		WithArgs(
			req.HospitalID, req.BloodType, req.UnitsNeeded, req.Urgency,
			req.Location.Latitude, req.Location.Longitude, req.Location.SpatialKey,
		).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(req.ID))

	id, err := repo.CreateRequest(context.Background(), req)
	assert.NoError(t, err)
	assert.Equal(t, req.ID, id)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRequest_RoundTripsMatchedDonors(t *testing.T) {
	repo, mock := setupMockDB(t)

	req := sampleRequest()
	donorID := uuid.New()
	require.NoError(t, req.Matches().Add(model.MatchRecord{
		DonorID:    donorID,
		Phone:      "+244923456789",
		Status:     model.MatchNotified,
		NotifiedAt: time.Now().UTC(),
	}))

	mock.ExpectQuery(`(?s)SELECT .+ FROM emergency_requests\s+WHERE id =`).
		WithArgs(req.ID).
		WillReturnRows(requestRows(req))

	got, err := repo.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Matches().Len())

	rec := got.Matches().Get(donorID)
	require.NotNil(t, rec)
	assert.Equal(t, "+244923456789", rec.Phone)
	assert.Equal(t, model.MatchNotified, rec.Status)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRequest_NotFound(t *testing.T) {
	repo, mock := setupMockDB(t)

	id := uuid.New()
	mock.ExpectQuery(`(?s)SELECT .+ FROM emergency_requests\s+WHERE id =`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.GetRequest(context.Background(), id)
	assert.ErrorIs(t, err, ErrRequestNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConditionalUpdate_Conflict(t *testing.T) {
	repo, mock := setupMockDB(t)

	req := sampleRequest()
	req.UpdatedAt = time.Now().UTC()

	matched, _ := json.Marshal(req.Matches())

	args := []driver.Value{
		req.Status, req.Location.SpatialKey, req.NotificationState,
		matched, req.UpdatedAt, req.ID, req.Version,
	}

	mock.ExpectExec(`UPDATE emergency_requests`).
		WithArgs(args...).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.ConditionalUpdate(context.Background(), req, req.Version)
	assert.NoError(t, err)

	mock.ExpectExec(`UPDATE emergency_requests`).
		WithArgs(args...).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = repo.ConditionalUpdate(context.Background(), req, req.Version)
	assert.ErrorIs(t, err, ErrVersionConflict)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMutate_RetriesOnConflictThenSucceeds(t *testing.T) {
	repo, mock := setupMockDB(t)

	req := sampleRequest()

	// First cycle: read version 1, commit loses the race.
	mock.ExpectQuery(`(?s)SELECT .+ FROM emergency_requests\s+WHERE id =`).
		WithArgs(req.ID).
		WillReturnRows(requestRows(req))
	mock.ExpectExec(`UPDATE emergency_requests`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	// Second cycle: re-read the refreshed row, commit succeeds.
	refreshed := req
	refreshed.Version = 2
	mock.ExpectQuery(`(?s)SELECT .+ FROM emergency_requests\s+WHERE id =`).
		WithArgs(req.ID).
		WillReturnRows(requestRows(refreshed))
	mock.ExpectExec(`UPDATE emergency_requests`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	applied := 0
	got, err := repo.Mutate(context.Background(), req.ID, 3, func(r *model.EmergencyRequest) error {
		applied++
		r.Status = model.StatusActive
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, applied, "the mutation is recomputed against the refreshed read")
	assert.Equal(t, model.StatusActive, got.Status)
	assert.Equal(t, int64(3), got.Version)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMutate_FnErrorAbortsWithoutCommit(t *testing.T) {
	repo, mock := setupMockDB(t)

	req := sampleRequest()
	mock.ExpectQuery(`(?s)SELECT .+ FROM emergency_requests\s+WHERE id =`).
		WithArgs(req.ID).
		WillReturnRows(requestRows(req))

	boom := errors.New("guard failed")
	_, err := repo.Mutate(context.Background(), req.ID, 3, func(r *model.EmergencyRequest) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMutate_ExhaustsRetries(t *testing.T) {
	repo, mock := setupMockDB(t)

	req := sampleRequest()
	for i := 0; i < 2; i++ {
		mock.ExpectQuery(`(?s)SELECT .+ FROM emergency_requests\s+WHERE id =`).
			WithArgs(req.ID).
			WillReturnRows(requestRows(req))
		mock.ExpectExec(`UPDATE emergency_requests`).
			WillReturnResult(sqlmock.NewResult(0, 0))
	}

	_, err := repo.Mutate(context.Background(), req.ID, 2, func(r *model.EmergencyRequest) error {
		return nil
	})
	assert.ErrorIs(t, err, ErrVersionConflict)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindLatestNotifiedByPhone(t *testing.T) {
	repo, mock := setupMockDB(t)

	req := sampleRequest()
	probe, _ := json.Marshal([]map[string]string{{
		"phone":  "+244923456789",
		"status": "NOTIFIED",
	}})

	mock.ExpectQuery(`(?s)SELECT .+ FROM emergency_requests\s+WHERE status IN`).
		WithArgs(probe).
		WillReturnRows(requestRows(req))

	got, err := repo.FindLatestNotifiedByPhone(context.Background(), "+244923456789")
	require.NoError(t, err)
	assert.Equal(t, req.ID, got.ID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindLatestNotifiedByPhone_NoneActive(t *testing.T) {
	repo, mock := setupMockDB(t)

	mock.ExpectQuery(`(?s)SELECT .+ FROM emergency_requests\s+WHERE status IN`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.FindLatestNotifiedByPhone(context.Background(), "+244923456789")
	assert.ErrorIs(t, err, ErrRequestNotFound)
}
