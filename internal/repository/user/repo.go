package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/dbpg"

	"github.com/jkalala/bloodlink/internal/geo"
	"github.com/jkalala/bloodlink/internal/model"
)

var ErrUserNotFound = errors.New("user not found")

// Repository provides read access to user records and the narrow writes the
// core owns: spatial key tagging and reminder bookkeeping. Everything else on
// users belongs to the external profile collaborator.
type Repository struct {
	db *dbpg.DB
}

// NewRepository creates a new user repository.
func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

const donorColumns = `id, phone_number, role, name, latitude, longitude, spatial_key,
		       blood_type, is_available, last_donation_at, last_reminder_at`

func scanDonor(rows *sql.Rows) (model.User, error) {
	var u model.User
	err := rows.Scan(
		&u.ID, &u.PhoneNumber, &u.Role, &u.Name,
		&u.Location.Latitude, &u.Location.Longitude, &u.Location.SpatialKey,
		&u.BloodType, &u.IsAvailable, &u.LastDonationAt, &u.LastReminderAt,
	)
	return u, err
}

// QueryDonorsInRange retrieves available donors of the given blood type whose
// spatial key falls inside one key range. A radius search issues one call per
// range and unions the results; donors near range boundaries can appear in
// more than one call, so callers deduplicate by id.
func (r *Repository) QueryDonorsInRange(ctx context.Context, bloodType string, keyRange geo.KeyRange) ([]model.User, error) {
	query := `
		SELECT ` + donorColumns + `
		FROM users
		WHERE role = 'donor'
		  AND blood_type = $1
		  AND is_available = TRUE
		  AND spatial_key >= $2
		  AND spatial_key < $3;
    `

	rows, err := r.db.QueryContext(ctx, query, bloodType, keyRange.Start, keyRange.End)
	if err != nil {
		return nil, fmt.Errorf("failed to query donors: %w", err)
	}
	defer rows.Close()

	var donors []model.User
	for rows.Next() {
		u, err := scanDonor(rows)
		if err != nil {
			return nil, err
		}
		donors = append(donors, u)
	}

	return donors, rows.Err()
}

// GetByPhone resolves a canonical phone number to its user record.
func (r *Repository) GetByPhone(ctx context.Context, phoneNumber string) (model.User, error) {
	query := `
		SELECT id, phone_number, role, name, latitude, longitude, spatial_key,
		       blood_type, is_available, last_donation_at, last_reminder_at,
		       verification_status
		FROM users
		WHERE phone_number = $1;
    `

	var u model.User
	err := r.db.QueryRowContext(ctx, query, phoneNumber).Scan(
		&u.ID, &u.PhoneNumber, &u.Role, &u.Name,
		&u.Location.Latitude, &u.Location.Longitude, &u.Location.SpatialKey,
		&u.BloodType, &u.IsAvailable, &u.LastDonationAt, &u.LastReminderAt,
		&u.VerificationStatus,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, ErrUserNotFound
		}
		return model.User{}, fmt.Errorf("failed to get user by phone: %w", err)
	}

	return u, nil
}

// GetUser retrieves a user by id.
func (r *Repository) GetUser(ctx context.Context, id uuid.UUID) (model.User, error) {
	query := `
		SELECT id, phone_number, role, name, latitude, longitude, spatial_key,
		       blood_type, is_available, last_donation_at, last_reminder_at,
		       verification_status
		FROM users
		WHERE id = $1;
    `

	var u model.User
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&u.ID, &u.PhoneNumber, &u.Role, &u.Name,
		&u.Location.Latitude, &u.Location.Longitude, &u.Location.SpatialKey,
		&u.BloodType, &u.IsAvailable, &u.LastDonationAt, &u.LastReminderAt,
		&u.VerificationStatus,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, ErrUserNotFound
		}
		return model.User{}, fmt.Errorf("failed to get user: %w", err)
	}

	return u, nil
}

// SetSpatialKey stores the spatial key computed for a user's location.
func (r *Repository) SetSpatialKey(ctx context.Context, id uuid.UUID, key string) error {
	query := `
		UPDATE users
		SET spatial_key = $1
		WHERE id = $2;
    `

	res, err := r.db.ExecContext(ctx, query, key, id)
	if err != nil {
		return fmt.Errorf("failed to set spatial key: %w", err)
	}

	rows, _ := res.RowsAffected()

	if rows == 0 {
		return ErrUserNotFound
	}

	return nil
}

// QueryDueForReminder retrieves available donors whose last donation is older
// than donationCutoff and who have not been reminded since reminderCutoff.
func (r *Repository) QueryDueForReminder(ctx context.Context, donationCutoff, reminderCutoff time.Time) ([]model.User, error) {
	query := `
		SELECT ` + donorColumns + `
		FROM users
		WHERE role = 'donor'
		  AND is_available = TRUE
		  AND last_donation_at < $1
		  AND (last_reminder_at IS NULL OR last_reminder_at < $2);
    `

	rows, err := r.db.QueryContext(ctx, query, donationCutoff, reminderCutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query donors due for reminder: %w", err)
	}
	defer rows.Close()

	var donors []model.User
	for rows.Next() {
		u, err := scanDonor(rows)
		if err != nil {
			return nil, err
		}
		donors = append(donors, u)
	}

	return donors, rows.Err()
}

// MarkReminderSent records that a reminder SMS went out to the donor.
func (r *Repository) MarkReminderSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE users
		SET last_reminder_at = $1
		WHERE id = $2;
    `

	res, err := r.db.ExecContext(ctx, query, at, id)
	if err != nil {
		return fmt.Errorf("failed to mark reminder sent: %w", err)
	}

	rows, _ := res.RowsAffected()

	if rows == 0 {
		return ErrUserNotFound
	}

	return nil
}
