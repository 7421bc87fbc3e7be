// Package emergency orchestrates the request pipeline behind the exposed
// entry points: geo tagging, donor matching, notification dispatch, lifecycle
// transitions and inbound reply intake.
package emergency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/jkalala/bloodlink/internal/dispatch"
	"github.com/jkalala/bloodlink/internal/geo"
	"github.com/jkalala/bloodlink/internal/intake"
	"github.com/jkalala/bloodlink/internal/matcher"
	"github.com/jkalala/bloodlink/internal/model"
	"github.com/jkalala/bloodlink/internal/rabbitmq/queue"
)

// ErrInvalidRequest marks input rejected before any write. Never retried.
var ErrInvalidRequest = errors.New("invalid emergency request")

type requestRepository interface {
	CreateRequest(ctx context.Context, req model.EmergencyRequest) (uuid.UUID, error)
	GetRequest(ctx context.Context, id uuid.UUID) (model.EmergencyRequest, error)
	GetStatus(ctx context.Context, id uuid.UUID) (model.RequestStatus, error)
	Mutate(ctx context.Context, id uuid.UUID, maxAttempts int, fn func(req *model.EmergencyRequest) error) (model.EmergencyRequest, error)
	ListByStatus(ctx context.Context, status model.RequestStatus) ([]model.EmergencyRequest, error)
	ListByMatchedDonor(ctx context.Context, donorID uuid.UUID) ([]model.EmergencyRequest, error)
}

type userRepository interface {
	GetUser(ctx context.Context, id uuid.UUID) (model.User, error)
	SetSpatialKey(ctx context.Context, id uuid.UUID, key string) error
}

type donorMatcher interface {
	Match(ctx context.Context, req model.EmergencyRequest, radiusMeters float64) (matcher.Result, error)
}

type notificationDispatcher interface {
	Dispatch(ctx context.Context, requestID uuid.UUID, candidates []matcher.Candidate) (dispatch.Report, error)
	SendDirect(ctx context.Context, phoneNumber, body string) error
}

type lifecycleManager interface {
	Activate(ctx context.Context, id uuid.UUID) (model.EmergencyRequest, error)
	Deactivate(ctx context.Context, id uuid.UUID) (model.EmergencyRequest, error)
	Cancel(ctx context.Context, id uuid.UUID) (model.EmergencyRequest, error)
	Fulfill(ctx context.Context, id uuid.UUID) (model.EmergencyRequest, error)
	ScheduleDonor(ctx context.Context, id, donorID uuid.UUID) (model.EmergencyRequest, error)
	CompleteDonor(ctx context.Context, id, donorID uuid.UUID) (model.EmergencyRequest, error)
}

type replyIntake interface {
	HandleReply(ctx context.Context, fromPhone, body string) (intake.Result, error)
}

type eventPublisher interface {
	Publish(msg queue.RequestCreatedMessage, strategy retry.Strategy) error
}

type cache interface {
	SetWithRetry(ctx context.Context, strategy retry.Strategy, key string, value interface{}) error
	GetWithRetry(ctx context.Context, strategy retry.Strategy, key string) (string, error)
}

// Service exposes the pipeline entry points.
type Service struct {
	requests     requestRepository
	users        userRepository
	matcher      donorMatcher
	dispatcher   notificationDispatcher
	lifecycle    lifecycleManager
	intake       replyIntake
	events       eventPublisher
	cache        cache
	radiusMeters float64
	casRetries   int
}

// New creates the emergency service. radiusMeters is the donor search
// radius; casRetries bounds optimistic-concurrency cycles for the writes the
// service performs itself.
func New(
	requests requestRepository,
	users userRepository,
	m donorMatcher,
	d notificationDispatcher,
	l lifecycleManager,
	in replyIntake,
	events eventPublisher,
	c cache,
	radiusMeters float64,
	casRetries int,
) *Service {
	if radiusMeters <= 0 {
		radiusMeters = matcher.DefaultRadiusMeters
	}
	if casRetries < 1 {
		casRetries = 3
	}
	return &Service{
		requests:     requests,
		users:        users,
		matcher:      m,
		dispatcher:   d,
		lifecycle:    l,
		intake:       in,
		events:       events,
		cache:        c,
		radiusMeters: radiusMeters,
		casRetries:   casRetries,
	}
}

// withRetry runs fn with the bounded backoff of the given strategy. Used for
// transient store failures only; guard rejections are never wrapped in it.
func withRetry(strategy retry.Strategy, fn func() error) error {
	attempts := strategy.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := strategy.Delay

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt < attempts-1 && delay > 0 {
			time.Sleep(delay)
			delay = time.Duration(float64(delay) * strategy.Backoff)
		}
	}
	return err
}

func statusCacheKey(id uuid.UUID) string {
	return "request_status:" + id.String()
}

// validate rejects a request before any write happens.
func validate(req model.EmergencyRequest) error {
	if req.BloodType == "" {
		return fmt.Errorf("missing blood type: %w", ErrInvalidRequest)
	}
	if req.UnitsNeeded < 1 {
		return fmt.Errorf("units needed must be at least 1: %w", ErrInvalidRequest)
	}
	if !req.Urgency.Valid() {
		return fmt.Errorf("unknown urgency %q: %w", req.Urgency, ErrInvalidRequest)
	}
	p := geo.Point{Latitude: req.Location.Latitude, Longitude: req.Location.Longitude}
	if !p.Valid() {
		return fmt.Errorf("request not locatable: %w", ErrInvalidRequest)
	}
	return nil
}

// CreateRequest validates and persists a new request in its initial state and
// announces it to the pipeline. The spatial key is computed up front so the
// stored row is immediately queryable.
func (s *Service) CreateRequest(ctx context.Context, strategy retry.Strategy, req model.EmergencyRequest) (uuid.UUID, error) {
	if err := validate(req); err != nil {
		return uuid.Nil, err
	}

	key, err := geo.Encode(req.Location.Latitude, req.Location.Longitude)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s: %w", err, ErrInvalidRequest)
	}
	req.Location.SpatialKey = key

	id, err := s.requests.CreateRequest(ctx, req)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create request: %w", err)
	}

	if err := s.cache.SetWithRetry(ctx, strategy, statusCacheKey(id), string(model.StatusPending)); err != nil {
		zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to cache request status")
	}

	msg := queue.RequestCreatedMessage{RequestID: id, CreatedAt: time.Now().UTC()}
	if err := s.events.Publish(msg, strategy); err != nil {
		zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to publish request created event")
	}

	return id, nil
}

// OnRequestCreated runs the full pipeline for a newly created request:
// spatial tagging, donor matching and notification dispatch. Transient store
// failures are retried with the given strategy; a request that already left
// PENDING is skipped.
func (s *Service) OnRequestCreated(ctx context.Context, strategy retry.Strategy, id uuid.UUID) (dispatch.Report, error) {
	var req model.EmergencyRequest
	err := withRetry(strategy, func() error {
		var err error
		req, err = s.requests.GetRequest(ctx, id)
		return err
	})
	if err != nil {
		return dispatch.Report{}, fmt.Errorf("load request: %w", err)
	}

	if req.Status != model.StatusPending {
		zlog.Logger.Info().
			Str("id", id.String()).
			Str("status", string(req.Status)).
			Msg("request no longer pending, skipping pipeline")
		return dispatch.Report{RequestID: id}, nil
	}

	key, err := geo.Encode(req.Location.Latitude, req.Location.Longitude)
	if err != nil {
		return dispatch.Report{}, fmt.Errorf("%s: %w", err, ErrInvalidRequest)
	}

	if req.Location.SpatialKey != key {
		req, err = s.requests.Mutate(ctx, id, s.casRetries, func(r *model.EmergencyRequest) error {
			r.Location.SpatialKey = key
			return nil
		})
		if err != nil {
			return dispatch.Report{}, fmt.Errorf("tag request location: %w", err)
		}
	}

	var res matcher.Result
	err = withRetry(strategy, func() error {
		var err error
		res, err = s.matcher.Match(ctx, req, s.radiusMeters)
		return err
	})
	if err != nil {
		return dispatch.Report{}, fmt.Errorf("match donors: %w", err)
	}

	report, err := s.dispatcher.Dispatch(ctx, id, res.Candidates)
	if err != nil {
		return report, fmt.Errorf("dispatch notifications: %w", err)
	}

	zlog.Logger.Info().
		Str("id", id.String()).
		Int("notified", len(report.Deliveries)).
		Int("failed", report.Failed()).
		Int("skipped", len(res.Skipped)).
		Msg("request pipeline completed")

	return report, nil
}

// Redispatch re-runs matching and dispatch for a request with an optional
// wider radius. Donors already on the request are not re-notified, and a
// request in a terminal status is rejected so no one is texted about a dead
// emergency.
func (s *Service) Redispatch(ctx context.Context, strategy retry.Strategy, id uuid.UUID, radiusMeters float64) (dispatch.Report, error) {
	if radiusMeters <= 0 {
		radiusMeters = s.radiusMeters
	}

	req, err := s.requests.GetRequest(ctx, id)
	if err != nil {
		return dispatch.Report{}, fmt.Errorf("load request: %w", err)
	}

	if req.Status.Terminal() {
		return dispatch.Report{}, fmt.Errorf("redispatch of %s request: %w", req.Status, model.ErrInvalidTransition)
	}

	var res matcher.Result
	err = withRetry(strategy, func() error {
		var err error
		res, err = s.matcher.Match(ctx, req, radiusMeters)
		return err
	})
	if err != nil {
		return dispatch.Report{}, fmt.Errorf("match donors: %w", err)
	}

	report, err := s.dispatcher.Dispatch(ctx, id, res.Candidates)
	if err != nil {
		return report, fmt.Errorf("dispatch notifications: %w", err)
	}

	return report, nil
}

// OnRequestLocationChanged re-tags a request's spatial key after its
// coordinates changed. Matching is not re-run implicitly.
func (s *Service) OnRequestLocationChanged(ctx context.Context, id uuid.UUID) error {
	_, err := s.requests.Mutate(ctx, id, s.casRetries, func(r *model.EmergencyRequest) error {
		key, err := geo.Encode(r.Location.Latitude, r.Location.Longitude)
		if err != nil {
			return fmt.Errorf("%s: %w", err, ErrInvalidRequest)
		}
		r.Location.SpatialKey = key
		return nil
	})
	if err != nil {
		return fmt.Errorf("retag request location: %w", err)
	}
	return nil
}

// OnUserLocationChanged recomputes a user's spatial key. A user without a
// usable location is not locatable and is left untagged rather than failing.
func (s *Service) OnUserLocationChanged(ctx context.Context, id uuid.UUID) error {
	u, err := s.users.GetUser(ctx, id)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}

	key, err := geo.Encode(u.Location.Latitude, u.Location.Longitude)
	if err != nil {
		zlog.Logger.Warn().Str("id", id.String()).Msg("user location not encodable, skipping spatial tag")
		return nil
	}

	if err := s.users.SetSpatialKey(ctx, id, key); err != nil {
		return fmt.Errorf("set user spatial key: %w", err)
	}
	return nil
}

// OnInboundReply processes an inbound donor text.
func (s *Service) OnInboundReply(ctx context.Context, fromPhone, body string) (intake.Result, error) {
	return s.intake.HandleReply(ctx, fromPhone, body)
}

// refreshStatus updates the cached status after a transition.
func (s *Service) refreshStatus(ctx context.Context, strategy retry.Strategy, req model.EmergencyRequest) {
	if err := s.cache.SetWithRetry(ctx, strategy, statusCacheKey(req.ID), string(req.Status)); err != nil {
		zlog.Logger.Error().Err(err).Str("id", req.ID.String()).Msg("failed to cache request status")
	}
}

// Activate transitions a request PENDING -> ACTIVE.
func (s *Service) Activate(ctx context.Context, strategy retry.Strategy, id uuid.UUID) (model.EmergencyRequest, error) {
	req, err := s.lifecycle.Activate(ctx, id)
	if err != nil {
		return model.EmergencyRequest{}, err
	}
	s.refreshStatus(ctx, strategy, req)
	return req, nil
}

// Deactivate transitions a request ACTIVE -> PENDING.
func (s *Service) Deactivate(ctx context.Context, strategy retry.Strategy, id uuid.UUID) (model.EmergencyRequest, error) {
	req, err := s.lifecycle.Deactivate(ctx, id)
	if err != nil {
		return model.EmergencyRequest{}, err
	}
	s.refreshStatus(ctx, strategy, req)
	return req, nil
}

// Cancel transitions a request to CANCELLED.
func (s *Service) Cancel(ctx context.Context, strategy retry.Strategy, id uuid.UUID) (model.EmergencyRequest, error) {
	req, err := s.lifecycle.Cancel(ctx, id)
	if err != nil {
		return model.EmergencyRequest{}, err
	}
	s.refreshStatus(ctx, strategy, req)
	return req, nil
}

// Fulfill transitions a request ACTIVE -> FULFILLED.
func (s *Service) Fulfill(ctx context.Context, strategy retry.Strategy, id uuid.UUID) (model.EmergencyRequest, error) {
	req, err := s.lifecycle.Fulfill(ctx, id)
	if err != nil {
		return model.EmergencyRequest{}, err
	}
	s.refreshStatus(ctx, strategy, req)
	return req, nil
}

// ScheduleDonor marks a responded donor as scheduled.
func (s *Service) ScheduleDonor(ctx context.Context, id, donorID uuid.UUID) (model.EmergencyRequest, error) {
	return s.lifecycle.ScheduleDonor(ctx, id, donorID)
}

// CompleteDonor marks a scheduled donor's donation as completed.
func (s *Service) CompleteDonor(ctx context.Context, id, donorID uuid.UUID) (model.EmergencyRequest, error) {
	return s.lifecycle.CompleteDonor(ctx, id, donorID)
}

// GetRequest retrieves a request by id.
func (s *Service) GetRequest(ctx context.Context, id uuid.UUID) (model.EmergencyRequest, error) {
	return s.requests.GetRequest(ctx, id)
}

// GetRequestStatus returns a request's status, preferring the cache and
// falling back to the store on a miss.
func (s *Service) GetRequestStatus(ctx context.Context, strategy retry.Strategy, id uuid.UUID) (model.RequestStatus, error) {
	cached, err := s.cache.GetWithRetry(ctx, strategy, statusCacheKey(id))
	if err != nil && !errors.Is(err, redis.Nil) {
		zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to get request status from cache")
	}
	if err == nil && cached != "" {
		return model.RequestStatus(cached), nil
	}

	status, err := s.requests.GetStatus(ctx, id)
	if err != nil {
		return "", fmt.Errorf("get request status: %w", err)
	}

	if err := s.cache.SetWithRetry(ctx, strategy, statusCacheKey(id), string(status)); err != nil {
		zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to cache request status")
	}

	return status, nil
}

// ListByStatus lists requests for the admin surface.
func (s *Service) ListByStatus(ctx context.Context, status model.RequestStatus) ([]model.EmergencyRequest, error) {
	return s.requests.ListByStatus(ctx, status)
}

// ListByMatchedDonor lists the requests that notified a donor.
func (s *Service) ListByMatchedDonor(ctx context.Context, donorID uuid.UUID) ([]model.EmergencyRequest, error) {
	return s.requests.ListByMatchedDonor(ctx, donorID)
}

// NotifyVerification texts a hospital about its verification outcome. Only
// VERIFIED and REJECTED produce a message.
func (s *Service) NotifyVerification(ctx context.Context, hospitalID uuid.UUID, status model.VerificationStatus) error {
	var body string
	switch status {
	case model.VerificationVerified:
		body = "Your hospital verification has been approved. You can now create emergency blood requests."
	case model.VerificationRejected:
		body = "Your hospital verification has been rejected. Please submit a new verification document."
	default:
		return nil
	}

	hospital, err := s.users.GetUser(ctx, hospitalID)
	if err != nil {
		return fmt.Errorf("load hospital: %w", err)
	}
	if hospital.PhoneNumber == "" {
		zlog.Logger.Warn().Str("id", hospitalID.String()).Msg("hospital has no phone number, skipping verification notice")
		return nil
	}

	return s.dispatcher.SendDirect(ctx, hospital.PhoneNumber, body)
}
