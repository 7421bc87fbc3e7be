// Package matcher finds the eligible donors for an emergency request: the
// available donors of the matching blood type within the search radius.
package matcher

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/jkalala/bloodlink/internal/geo"
	"github.com/jkalala/bloodlink/internal/model"
)

// DefaultRadiusMeters is the search radius used when the caller does not
// override it.
const DefaultRadiusMeters = 50_000.0

// SkipNoPhone is the recorded reason for a donor excluded because there is no
// phone number to notify.
const SkipNoPhone = "no phone number"

type donorQuerier interface {
	QueryDonorsInRange(ctx context.Context, bloodType string, keyRange geo.KeyRange) ([]model.User, error)
}

// Candidate is one eligible donor, ready to be notified.
type Candidate struct {
	DonorID        uuid.UUID
	Phone          string
	DistanceMeters float64
}

// Skipped records a donor that fell inside the radius but cannot be used.
type Skipped struct {
	DonorID uuid.UUID
	Reason  string
}

// Result is the outcome of one matching pass. Zero candidates is a valid
// outcome, not an error.
type Result struct {
	Candidates []Candidate
	Skipped    []Skipped
}

// Matcher runs radius searches over the donor store.
type Matcher struct {
	users donorQuerier
}

// New creates a Matcher over the given donor query capability.
func New(users donorQuerier) *Matcher {
	return &Matcher{users: users}
}

// Match returns the deduplicated, radius-filtered donor candidates for the
// request. The spatial key ranges over-include near cell corners, and a donor
// can appear in two overlapping ranges; both effects are corrected here, so
// the result is deterministic for a fixed data snapshot.
//
// Match is a pure computation over the data it retrieves: store failures are
// wrapped and returned for the caller to retry.
func (m *Matcher) Match(ctx context.Context, req model.EmergencyRequest, radiusMeters float64) (Result, error) {
	if radiusMeters <= 0 {
		radiusMeters = DefaultRadiusMeters
	}

	center := geo.Point{
		Latitude:  req.Location.Latitude,
		Longitude: req.Location.Longitude,
	}
	if !center.Valid() {
		return Result{}, fmt.Errorf("request %s: %w", req.ID, geo.ErrInvalidCoordinates)
	}

	// One scoped query per bound range; a single query cannot express
	// multiple disjoint key ranges.
	seen := make(map[uuid.UUID]struct{})
	var res Result
	for _, keyRange := range geo.BoundsForRadius(center, radiusMeters) {
		donors, err := m.users.QueryDonorsInRange(ctx, req.BloodType, keyRange)
		if err != nil {
			return Result{}, fmt.Errorf("query donors in range [%s, %s): %w", keyRange.Start, keyRange.End, err)
		}

		for _, donor := range donors {
			if _, dup := seen[donor.ID]; dup {
				continue
			}
			seen[donor.ID] = struct{}{}

			dist := geo.Distance(center, geo.Point{
				Latitude:  donor.Location.Latitude,
				Longitude: donor.Location.Longitude,
			})
			if dist > radiusMeters {
				continue
			}

			if donor.PhoneNumber == "" {
				zlog.Logger.Warn().
					Str("donor_id", donor.ID.String()).
					Str("request_id", req.ID.String()).
					Msg("matched donor has no phone number, skipping")
				res.Skipped = append(res.Skipped, Skipped{DonorID: donor.ID, Reason: SkipNoPhone})
				continue
			}

			res.Candidates = append(res.Candidates, Candidate{
				DonorID:        donor.ID,
				Phone:          donor.PhoneNumber,
				DistanceMeters: dist,
			})
		}
	}

	sort.Slice(res.Candidates, func(i, j int) bool {
		a, b := res.Candidates[i], res.Candidates[j]
		if a.DistanceMeters != b.DistanceMeters {
			return a.DistanceMeters < b.DistanceMeters
		}
		return a.DonorID.String() < b.DonorID.String()
	})

	return res, nil
}
