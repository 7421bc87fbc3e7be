package request

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/jkalala/bloodlink/internal/api/dto"
	"github.com/jkalala/bloodlink/internal/api/respond"
	"github.com/jkalala/bloodlink/internal/config"
	"github.com/jkalala/bloodlink/internal/dispatch"
	"github.com/jkalala/bloodlink/internal/lifecycle"
	"github.com/jkalala/bloodlink/internal/model"
	requestrepo "github.com/jkalala/bloodlink/internal/repository/request"
	"github.com/jkalala/bloodlink/internal/service/emergency"
)

type emergencyService interface {
	CreateRequest(ctx context.Context, strategy retry.Strategy, req model.EmergencyRequest) (uuid.UUID, error)
	GetRequest(ctx context.Context, id uuid.UUID) (model.EmergencyRequest, error)
	GetRequestStatus(ctx context.Context, strategy retry.Strategy, id uuid.UUID) (model.RequestStatus, error)
	Redispatch(ctx context.Context, strategy retry.Strategy, id uuid.UUID, radiusMeters float64) (dispatch.Report, error)
	Activate(ctx context.Context, strategy retry.Strategy, id uuid.UUID) (model.EmergencyRequest, error)
	Deactivate(ctx context.Context, strategy retry.Strategy, id uuid.UUID) (model.EmergencyRequest, error)
	Cancel(ctx context.Context, strategy retry.Strategy, id uuid.UUID) (model.EmergencyRequest, error)
	Fulfill(ctx context.Context, strategy retry.Strategy, id uuid.UUID) (model.EmergencyRequest, error)
	ScheduleDonor(ctx context.Context, id, donorID uuid.UUID) (model.EmergencyRequest, error)
	CompleteDonor(ctx context.Context, id, donorID uuid.UUID) (model.EmergencyRequest, error)
	ListByStatus(ctx context.Context, status model.RequestStatus) ([]model.EmergencyRequest, error)
	ListByMatchedDonor(ctx context.Context, donorID uuid.UUID) ([]model.EmergencyRequest, error)
	NotifyVerification(ctx context.Context, hospitalID uuid.UUID, status model.VerificationStatus) error
}

type Handler struct {
	service   emergencyService
	validator *validator.Validate
	cfg       *config.Config
}

func NewHandler(
	s emergencyService,
	v *validator.Validate,
	cfg *config.Config,
) *Handler {
	return &Handler{service: s, validator: v, cfg: cfg}
}

func (h *Handler) Create(c *ginext.Context) {
	var req dto.CreateRequest

	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to decode request body")
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("invalid request body"))
		return
	}

	if err := h.validator.Struct(req); err != nil {
		zlog.Logger.Warn().Err(err).Msg("failed to validate request body")
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("validation error: %s", err.Error()))
		return
	}

	hospitalID, err := uuid.Parse(req.HospitalID)
	if err != nil {
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("invalid hospital id"))
		return
	}

	er := model.EmergencyRequest{
		HospitalID:  hospitalID,
		BloodType:   req.BloodType,
		UnitsNeeded: req.UnitsNeeded,
		Urgency:     model.Urgency(req.Urgency),
		Status:      model.StatusPending,
		Location: model.Location{
			Latitude:  req.Latitude,
			Longitude: req.Longitude,
		},
	}

	id, err := h.service.CreateRequest(c.Request.Context(), h.cfg.Retry, er)
	if err != nil {
		if errors.Is(err, emergency.ErrInvalidRequest) {
			respond.Fail(c.Writer, http.StatusBadRequest, err)
			return
		}

		zlog.Logger.Error().Err(err).Str("blood_type", req.BloodType).Msg("failed to create emergency request")
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		return
	}

	respond.Created(c.Writer, id)
}

func (h *Handler) Get(c *ginext.Context) {
	id, ok := h.parseID(c, "id")
	if !ok {
		return
	}

	req, err := h.service.GetRequest(c.Request.Context(), id)
	if err != nil {
		h.failLookup(c, id, err, "failed to get request")
		return
	}

	respond.OK(c.Writer, req)
}

func (h *Handler) GetStatus(c *ginext.Context) {
	id, ok := h.parseID(c, "id")
	if !ok {
		return
	}

	status, err := h.service.GetRequestStatus(c.Request.Context(), h.cfg.Retry, id)
	if err != nil {
		h.failLookup(c, id, err, "failed to get request status")
		return
	}

	respond.OK(c.Writer, status)
}

func (h *Handler) List(c *ginext.Context) {
	status := model.RequestStatus(c.Query("status"))
	if status == "" {
		status = model.StatusActive
	}

	reqs, err := h.service.ListByStatus(c.Request.Context(), status)
	if err != nil {
		zlog.Logger.Error().Err(err).Str("status", string(status)).Msg("failed to list requests")
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		return
	}

	respond.OK(c.Writer, reqs)
}

func (h *Handler) ListForDonor(c *ginext.Context) {
	donorID, ok := h.parseID(c, "id")
	if !ok {
		return
	}

	reqs, err := h.service.ListByMatchedDonor(c.Request.Context(), donorID)
	if err != nil {
		zlog.Logger.Error().Err(err).Str("donor", donorID.String()).Msg("failed to list requests for donor")
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		return
	}

	respond.OK(c.Writer, reqs)
}

func (h *Handler) Redispatch(c *ginext.Context) {
	id, ok := h.parseID(c, "id")
	if !ok {
		return
	}

	var req dto.RedispatchRequest
	if c.Request.Body != nil && c.Request.ContentLength > 0 {
		if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
			respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("invalid request body"))
			return
		}
		if err := h.validator.Struct(req); err != nil {
			respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("validation error: %s", err.Error()))
			return
		}
	}

	report, err := h.service.Redispatch(c.Request.Context(), h.cfg.Retry, id, req.RadiusMeters)
	if err != nil {
		h.failLookup(c, id, err, "failed to redispatch request")
		return
	}

	respond.OK(c.Writer, report)
}

// Activate moves a request PENDING -> ACTIVE.
func (h *Handler) Activate(c *ginext.Context) {
	h.transition(c, h.service.Activate)
}

// Deactivate moves a request ACTIVE -> PENDING.
func (h *Handler) Deactivate(c *ginext.Context) {
	h.transition(c, h.service.Deactivate)
}

// Cancel moves a request to CANCELLED.
func (h *Handler) Cancel(c *ginext.Context) {
	h.transition(c, h.service.Cancel)
}

// Fulfill moves a request ACTIVE -> FULFILLED.
func (h *Handler) Fulfill(c *ginext.Context) {
	h.transition(c, h.service.Fulfill)
}

func (h *Handler) transition(c *ginext.Context, fn func(context.Context, retry.Strategy, uuid.UUID) (model.EmergencyRequest, error)) {
	id, ok := h.parseID(c, "id")
	if !ok {
		return
	}

	req, err := fn(c.Request.Context(), h.cfg.Retry, id)
	if err != nil {
		h.failLookup(c, id, err, "failed to transition request")
		return
	}

	respond.OK(c.Writer, req)
}

// ScheduleDonor marks a responded donor as scheduled.
func (h *Handler) ScheduleDonor(c *ginext.Context) {
	h.donorAction(c, h.service.ScheduleDonor)
}

// CompleteDonor marks a scheduled donor's donation as completed.
func (h *Handler) CompleteDonor(c *ginext.Context) {
	h.donorAction(c, h.service.CompleteDonor)
}

func (h *Handler) donorAction(c *ginext.Context, fn func(ctx context.Context, id, donorID uuid.UUID) (model.EmergencyRequest, error)) {
	id, ok := h.parseID(c, "id")
	if !ok {
		return
	}

	var req dto.DonorAction
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("invalid request body"))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("validation error: %s", err.Error()))
		return
	}

	donorID, err := uuid.Parse(req.DonorID)
	if err != nil {
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("invalid donor id"))
		return
	}

	updated, err := fn(c.Request.Context(), id, donorID)
	if err != nil {
		h.failLookup(c, id, err, "failed to update donor match")
		return
	}

	respond.OK(c.Writer, updated)
}

// NotifyVerification texts a hospital its verification outcome.
func (h *Handler) NotifyVerification(c *ginext.Context) {
	hospitalID, ok := h.parseID(c, "id")
	if !ok {
		return
	}

	var req dto.VerificationNotice
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("invalid request body"))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("validation error: %s", err.Error()))
		return
	}

	err := h.service.NotifyVerification(c.Request.Context(), hospitalID, model.VerificationStatus(req.Status))
	if err != nil {
		zlog.Logger.Error().Err(err).Str("hospital", hospitalID.String()).Msg("failed to send verification notice")
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		return
	}

	respond.OK(c.Writer, "verification notice sent")
}

func (h *Handler) parseID(c *ginext.Context, param string) (uuid.UUID, bool) {
	idStr := c.Param(param)
	id, err := uuid.Parse(idStr)
	if err != nil {
		zlog.Logger.Error().Err(err).Str("id", idStr).Msg("failed to parse id")
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("invalid id"))
		return uuid.Nil, false
	}

	if id == uuid.Nil {
		zlog.Logger.Warn().Msg("missing id")
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("missing id"))
		return uuid.Nil, false
	}

	return id, true
}

// failLookup maps store and transition errors onto HTTP statuses.
func (h *Handler) failLookup(c *ginext.Context, id uuid.UUID, err error, msg string) {
	switch {
	case errors.Is(err, requestrepo.ErrRequestNotFound):
		zlog.Logger.Warn().Str("id", id.String()).Err(err).Msg("request not found")
		respond.Fail(c.Writer, http.StatusNotFound, fmt.Errorf("request not found"))
	case errors.Is(err, model.ErrInvalidTransition), errors.Is(err, lifecycle.ErrRequestCancelled):
		zlog.Logger.Warn().Str("id", id.String()).Err(err).Msg("transition rejected")
		respond.Fail(c.Writer, http.StatusConflict, err)
	default:
		zlog.Logger.Error().Err(err).Str("id", id.String()).Msg(msg)
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
	}
}
