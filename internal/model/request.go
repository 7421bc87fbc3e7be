package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidTransition marks an illegal lifecycle move, for requests and
	// match records alike. It is never retried.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrDuplicateDonor is returned when a match record for the same donor
	// already exists on a request.
	ErrDuplicateDonor = errors.New("duplicate donor in matched set")
)

// Urgency of an emergency request, totally ordered LOW < MEDIUM < HIGH < CRITICAL.
type Urgency string

const (
	UrgencyLow      Urgency = "LOW"
	UrgencyMedium   Urgency = "MEDIUM"
	UrgencyHigh     Urgency = "HIGH"
	UrgencyCritical Urgency = "CRITICAL"
)

// Valid reports whether u is one of the defined urgency levels.
func (u Urgency) Valid() bool {
	switch u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyCritical:
		return true
	}
	return false
}

// RequestStatus is the request-level lifecycle state.
type RequestStatus string

const (
	StatusPending   RequestStatus = "PENDING"
	StatusActive    RequestStatus = "ACTIVE"
	StatusFulfilled RequestStatus = "FULFILLED"
	StatusCancelled RequestStatus = "CANCELLED"
)

// Terminal reports whether no further status transitions are accepted.
func (s RequestStatus) Terminal() bool {
	return s == StatusFulfilled || s == StatusCancelled
}

// NotificationState tracks whether a dispatch pass has completed for a request.
type NotificationState string

const (
	NotificationPending NotificationState = "PENDING"
	NotificationSent    NotificationState = "SENT"
	NotificationFailed  NotificationState = "FAILED"
)

// MatchStatus is the per-donor sub-state on a request. It only moves forward.
type MatchStatus string

const (
	MatchNotified  MatchStatus = "NOTIFIED"
	MatchResponded MatchStatus = "RESPONDED"
	MatchScheduled MatchStatus = "SCHEDULED"
	MatchCompleted MatchStatus = "COMPLETED"
)

var matchRank = map[MatchStatus]int{
	MatchNotified:  0,
	MatchResponded: 1,
	MatchScheduled: 2,
	MatchCompleted: 3,
}

// MatchRecord is the per-donor notification/response sub-record attached to
// an emergency request.
type MatchRecord struct {
	DonorID     uuid.UUID   `json:"donor_id"`
	Phone       string      `json:"phone"`
	Status      MatchStatus `json:"status"`
	NotifiedAt  time.Time   `json:"notified_at"`
	RespondedAt *time.Time  `json:"responded_at,omitempty"`
}

// Advance moves the record to the given status. Only single forward steps in
// NOTIFIED -> RESPONDED -> SCHEDULED -> COMPLETED are accepted.
func (m *MatchRecord) Advance(to MatchStatus) error {
	from, ok := matchRank[m.Status]
	toRank, ok2 := matchRank[to]
	if !ok || !ok2 || toRank != from+1 {
		return fmt.Errorf("match %s -> %s: %w", m.Status, to, ErrInvalidTransition)
	}
	m.Status = to
	return nil
}

// MatchSet holds the matched donors of a request keyed by donor id, so the
// one-record-per-donor invariant is enforced in code. Insertion order is
// preserved and is the order serialized to storage.
type MatchSet struct {
	records map[uuid.UUID]*MatchRecord
	order   []uuid.UUID
}

// NewMatchSet returns an empty match set.
func NewMatchSet() *MatchSet {
	return &MatchSet{records: make(map[uuid.UUID]*MatchRecord)}
}

// Len returns the number of matched donors.
func (s *MatchSet) Len() int {
	return len(s.order)
}

// Add appends a record, rejecting a donor that is already present.
func (s *MatchSet) Add(rec MatchRecord) error {
	if s.records == nil {
		s.records = make(map[uuid.UUID]*MatchRecord)
	}
	if _, exists := s.records[rec.DonorID]; exists {
		return fmt.Errorf("donor %s: %w", rec.DonorID, ErrDuplicateDonor)
	}
	r := rec
	s.records[rec.DonorID] = &r
	s.order = append(s.order, rec.DonorID)
	return nil
}

// Get returns the record for the given donor, or nil.
func (s *MatchSet) Get(donorID uuid.UUID) *MatchRecord {
	if s.records == nil {
		return nil
	}
	return s.records[donorID]
}

// ByPhone returns the record with the given phone and status, or nil.
func (s *MatchSet) ByPhone(phone string, status MatchStatus) *MatchRecord {
	for _, id := range s.order {
		rec := s.records[id]
		if rec.Phone == phone && rec.Status == status {
			return rec
		}
	}
	return nil
}

// Records returns the records in insertion order. The copies are detached
// from the set.
func (s *MatchSet) Records() []MatchRecord {
	out := make([]MatchRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.records[id])
	}
	return out
}

// MarshalJSON serializes the set as the ordered array the storage layer and
// the original document schema expect.
func (s *MatchSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Records())
}

// UnmarshalJSON rebuilds the keyed set from the stored array, dropping
// nothing and rejecting duplicate donors.
func (s *MatchSet) UnmarshalJSON(data []byte) error {
	var recs []MatchRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		return err
	}
	s.records = make(map[uuid.UUID]*MatchRecord, len(recs))
	s.order = s.order[:0]
	for _, rec := range recs {
		if err := s.Add(rec); err != nil {
			return err
		}
	}
	return nil
}

// EmergencyRequest is an urgent blood need posted by a hospital.
type EmergencyRequest struct {
	ID                uuid.UUID         `json:"id"`
	HospitalID        uuid.UUID         `json:"hospital_id"`
	BloodType         string            `json:"blood_type"`
	UnitsNeeded       int               `json:"units_needed"` // >= 1
	Urgency           Urgency           `json:"urgency"`
	Status            RequestStatus     `json:"status"`
	Location          Location          `json:"location"`
	NotificationState NotificationState `json:"notification_state"`
	MatchedDonors     *MatchSet         `json:"matched_donors"`
	Version           int64             `json:"version"` // optimistic concurrency revision
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Matches returns the request's match set, lazily initialized so a request
// loaded with no matches is still usable.
func (r *EmergencyRequest) Matches() *MatchSet {
	if r.MatchedDonors == nil {
		r.MatchedDonors = NewMatchSet()
	}
	return r.MatchedDonors
}
