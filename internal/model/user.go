package model

import (
	"time"

	"github.com/google/uuid"
)

// Role distinguishes the two kinds of accounts the core reads.
type Role string

const (
	RoleDonor    Role = "donor"
	RoleHospital Role = "hospital"
)

// VerificationStatus is the hospital verification state, owned by the
// external profile collaborator. The core only reads it and notifies on
// changes.
type VerificationStatus string

const (
	VerificationUnverified VerificationStatus = "UNVERIFIED"
	VerificationPending    VerificationStatus = "PENDING"
	VerificationVerified   VerificationStatus = "VERIFIED"
	VerificationRejected   VerificationStatus = "REJECTED"
)

// Location is a point coordinate with its precomputed spatial key.
// SpatialKey is empty until geo tagging has run.
type Location struct {
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	SpatialKey string  `json:"spatial_key,omitempty"`
}

// User represents a donor or hospital account in the system.
type User struct {
	ID                 uuid.UUID          `json:"id"`                            // unique identifier for the user
	PhoneNumber        string             `json:"phone_number"`                  // unique E.164 phone number
	Role               Role               `json:"role"`                          // "donor" or "hospital"
	Name               string             `json:"name"`                          // display name
	Location           Location           `json:"location"`                      // last known position with spatial key
	BloodType          string             `json:"blood_type,omitempty"`          // donor only, e.g. "O_NEGATIVE"
	IsAvailable        bool               `json:"is_available"`                  // donor only: willing to donate now
	LastDonationAt     *time.Time         `json:"last_donation_at,omitempty"`    // donor only
	LastReminderAt     *time.Time         `json:"last_reminder_at,omitempty"`    // donor only: last reminder SMS
	VerificationStatus VerificationStatus `json:"verification_status,omitempty"` // hospital only
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}
