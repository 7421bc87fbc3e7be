package request

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/dbpg"

	"github.com/jkalala/bloodlink/internal/model"
)

var (
	ErrRequestNotFound = errors.New("emergency request not found")

	// ErrVersionConflict signals that a conditional update lost an
	// optimistic-concurrency race and the caller must re-read and retry.
	ErrVersionConflict = errors.New("request version conflict")
)

// Repository provides access to the emergency_requests table. All writes go
// through conditional updates keyed on the row version, so concurrent writers
// never silently overwrite each other's matched-donor or status changes.
type Repository struct {
	db *dbpg.DB
}

// NewRepository creates a new emergency request repository.
func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

// CreateRequest inserts a new request in its initial state and returns its ID.
func (r *Repository) CreateRequest(ctx context.Context, req model.EmergencyRequest) (uuid.UUID, error) {
	query := `
		INSERT INTO emergency_requests (
		    hospital_id, blood_type, units_needed, urgency, status,
		    latitude, longitude, spatial_key, notification_state, matched_donors
		) VALUES ($1, $2, $3, $4, 'PENDING', $5, $6, $7, 'PENDING', '[]')
		RETURNING id;
    `

	err := r.db.QueryRowContext(
		ctx, query,
		req.HospitalID, req.BloodType, req.UnitsNeeded, req.Urgency,
		req.Location.Latitude, req.Location.Longitude, req.Location.SpatialKey,
	).Scan(&req.ID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create request: %w", err)
	}

	return req.ID, nil
}

const requestColumns = `id, hospital_id, blood_type, units_needed, urgency, status,
		       latitude, longitude, spatial_key, notification_state,
		       matched_donors, version, created_at, updated_at`

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row rowScanner) (model.EmergencyRequest, error) {
	var req model.EmergencyRequest
	var matched []byte
	err := row.Scan(
		&req.ID, &req.HospitalID, &req.BloodType, &req.UnitsNeeded, &req.Urgency, &req.Status,
		&req.Location.Latitude, &req.Location.Longitude, &req.Location.SpatialKey,
		&req.NotificationState, &matched, &req.Version, &req.CreatedAt, &req.UpdatedAt,
	)
	if err != nil {
		return model.EmergencyRequest{}, err
	}

	req.MatchedDonors = model.NewMatchSet()
	if err := json.Unmarshal(matched, req.MatchedDonors); err != nil {
		return model.EmergencyRequest{}, fmt.Errorf("failed to decode matched donors: %w", err)
	}

	return req, nil
}

// GetRequest retrieves a request by its ID.
func (r *Repository) GetRequest(ctx context.Context, id uuid.UUID) (model.EmergencyRequest, error) {
	query := `
		SELECT ` + requestColumns + `
		FROM emergency_requests
		WHERE id = $1;
    `

	req, err := scanRequest(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.EmergencyRequest{}, ErrRequestNotFound
		}
		return model.EmergencyRequest{}, fmt.Errorf("failed to get request: %w", err)
	}

	return req, nil
}

// GetStatus retrieves just the status of a request by its ID.
func (r *Repository) GetStatus(ctx context.Context, id uuid.UUID) (model.RequestStatus, error) {
	query := `
		SELECT status
		FROM emergency_requests
		WHERE id = $1;
    `

	var status model.RequestStatus
	err := r.db.QueryRowContext(ctx, query, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrRequestNotFound
		}
		return "", fmt.Errorf("failed to get request status: %w", err)
	}

	return status, nil
}

// ConditionalUpdate commits the mutable fields of req if and only if the row
// still carries expectedVersion, bumping the version on success. A lost race
// returns ErrVersionConflict; the caller re-reads and retries.
func (r *Repository) ConditionalUpdate(ctx context.Context, req model.EmergencyRequest, expectedVersion int64) error {
	matched, err := json.Marshal(req.Matches())
	if err != nil {
		return fmt.Errorf("failed to encode matched donors: %w", err)
	}

	query := `
		UPDATE emergency_requests
		SET status = $1,
		    spatial_key = $2,
		    notification_state = $3,
		    matched_donors = $4,
		    updated_at = $5,
		    version = version + 1
		WHERE id = $6 AND version = $7;
    `

	res, err := r.db.ExecContext(
		ctx, query,
		req.Status, req.Location.SpatialKey, req.NotificationState,
		matched, req.UpdatedAt, req.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update request: %w", err)
	}

	rows, _ := res.RowsAffected()

	if rows == 0 {
		return ErrVersionConflict
	}

	return nil
}

// Mutate runs a bounded read-compute-commit cycle on a request: it loads the
// current row, applies fn, and commits conditionally on the version it read.
// On a version conflict it re-reads and reapplies fn, up to maxAttempts
// times. An error from fn aborts immediately with nothing applied.
func (r *Repository) Mutate(
	ctx context.Context,
	id uuid.UUID,
	maxAttempts int,
	fn func(req *model.EmergencyRequest) error,
) (model.EmergencyRequest, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		req, err := r.GetRequest(ctx, id)
		if err != nil {
			return model.EmergencyRequest{}, err
		}

		if err := fn(&req); err != nil {
			return model.EmergencyRequest{}, err
		}

		req.UpdatedAt = time.Now().UTC()
		expected := req.Version

		if err := r.ConditionalUpdate(ctx, req, expected); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				lastErr = err
				continue
			}
			return model.EmergencyRequest{}, err
		}

		req.Version = expected + 1
		return req, nil
	}

	return model.EmergencyRequest{}, fmt.Errorf("mutate request %s after %d attempts: %w", id, maxAttempts, lastErr)
}

// FindLatestNotifiedByPhone returns the most recent PENDING or ACTIVE request
// whose matched donors contain a NOTIFIED record for the given phone. This is
// how an inbound reply is resolved to the request it answers.
func (r *Repository) FindLatestNotifiedByPhone(ctx context.Context, phoneNumber string) (model.EmergencyRequest, error) {
	probe, err := json.Marshal([]map[string]string{{
		"phone":  phoneNumber,
		"status": string(model.MatchNotified),
	}})
	if err != nil {
		return model.EmergencyRequest{}, fmt.Errorf("failed to encode probe: %w", err)
	}

	query := `
		SELECT ` + requestColumns + `
		FROM emergency_requests
		WHERE status IN ('PENDING', 'ACTIVE')
		  AND matched_donors @> $1::jsonb
		ORDER BY created_at DESC
		LIMIT 1;
    `

	req, err := scanRequest(r.db.QueryRowContext(ctx, query, probe))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.EmergencyRequest{}, ErrRequestNotFound
		}
		return model.EmergencyRequest{}, fmt.Errorf("failed to find request by phone: %w", err)
	}

	return req, nil
}

// ListByStatus retrieves all requests in the given status, newest first.
// Read-only listing surface for admin tooling.
func (r *Repository) ListByStatus(ctx context.Context, status model.RequestStatus) ([]model.EmergencyRequest, error) {
	query := `
		SELECT ` + requestColumns + `
		FROM emergency_requests
		WHERE status = $1
		ORDER BY created_at DESC;
    `

	return r.list(ctx, query, status)
}

// ListByMatchedDonor retrieves all requests that ever notified the given
// donor, newest first.
func (r *Repository) ListByMatchedDonor(ctx context.Context, donorID uuid.UUID) ([]model.EmergencyRequest, error) {
	probe, err := json.Marshal([]map[string]string{{"donor_id": donorID.String()}})
	if err != nil {
		return nil, fmt.Errorf("failed to encode probe: %w", err)
	}

	query := `
		SELECT ` + requestColumns + `
		FROM emergency_requests
		WHERE matched_donors @> $1::jsonb
		ORDER BY created_at DESC;
    `

	return r.list(ctx, query, probe)
}

func (r *Repository) list(ctx context.Context, query string, args ...interface{}) ([]model.EmergencyRequest, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	defer rows.Close()

	var out []model.EmergencyRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}

	return out, rows.Err()
}
