package request

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/wb-go/wbf/retry"

	"github.com/jkalala/bloodlink/internal/api/dto"
	"github.com/jkalala/bloodlink/internal/config"
	"github.com/jkalala/bloodlink/internal/dispatch"
	"github.com/jkalala/bloodlink/internal/model"
	requestrepo "github.com/jkalala/bloodlink/internal/repository/request"
	"github.com/jkalala/bloodlink/internal/service/emergency"
)

type fakeService struct {
	req         model.EmergencyRequest
	createErr   error
	lookupErr   error
	created     []model.EmergencyRequest
	transitions []string
	notices     []model.VerificationStatus
	radius      float64
}

func (f *fakeService) CreateRequest(_ context.Context, _ retry.Strategy, req model.EmergencyRequest) (uuid.UUID, error) {
	if f.createErr != nil {
		return uuid.Nil, f.createErr
	}
	f.created = append(f.created, req)
	return uuid.New(), nil
}

func (f *fakeService) GetRequest(_ context.Context, _ uuid.UUID) (model.EmergencyRequest, error) {
	return f.req, f.lookupErr
}

func (f *fakeService) GetRequestStatus(_ context.Context, _ retry.Strategy, _ uuid.UUID) (model.RequestStatus, error) {
	return f.req.Status, f.lookupErr
}

func (f *fakeService) Redispatch(_ context.Context, _ retry.Strategy, id uuid.UUID, radiusMeters float64) (dispatch.Report, error) {
	f.radius = radiusMeters
	return dispatch.Report{RequestID: id}, f.lookupErr
}

func (f *fakeService) transition(name string) (model.EmergencyRequest, error) {
	if f.lookupErr != nil {
		return model.EmergencyRequest{}, f.lookupErr
	}
	f.transitions = append(f.transitions, name)
	return f.req, nil
}

func (f *fakeService) Activate(_ context.Context, _ retry.Strategy, _ uuid.UUID) (model.EmergencyRequest, error) {
	return f.transition("activate")
}

func (f *fakeService) Deactivate(_ context.Context, _ retry.Strategy, _ uuid.UUID) (model.EmergencyRequest, error) {
	return f.transition("deactivate")
}

func (f *fakeService) Cancel(_ context.Context, _ retry.Strategy, _ uuid.UUID) (model.EmergencyRequest, error) {
	return f.transition("cancel")
}

func (f *fakeService) Fulfill(_ context.Context, _ retry.Strategy, _ uuid.UUID) (model.EmergencyRequest, error) {
	return f.transition("fulfill")
}

func (f *fakeService) ScheduleDonor(_ context.Context, _, _ uuid.UUID) (model.EmergencyRequest, error) {
	return f.transition("schedule")
}

func (f *fakeService) CompleteDonor(_ context.Context, _, _ uuid.UUID) (model.EmergencyRequest, error) {
	return f.transition("complete")
}

func (f *fakeService) ListByStatus(_ context.Context, _ model.RequestStatus) ([]model.EmergencyRequest, error) {
	return []model.EmergencyRequest{f.req}, f.lookupErr
}

func (f *fakeService) ListByMatchedDonor(_ context.Context, _ uuid.UUID) ([]model.EmergencyRequest, error) {
	return []model.EmergencyRequest{f.req}, f.lookupErr
}

func (f *fakeService) NotifyVerification(_ context.Context, _ uuid.UUID, status model.VerificationStatus) error {
	f.notices = append(f.notices, status)
	return nil
}

func setupHandler(_ *testing.T) (*Handler, *fakeService) {
	svc := &fakeService{req: model.EmergencyRequest{ID: uuid.New(), Status: model.StatusPending}}
	cfg := &config.Config{Retry: retry.Strategy{}}
	handler := NewHandler(svc, validator.New(), cfg)
	return handler, svc
}

func postJSON(w *httptest.ResponseRecorder, path string, body interface{}, params gin.Params) *gin.Context {
	bodyBytes, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(bodyBytes))
	req.Header.Set("Content-Type", "application/json")

	c, _ := gin.CreateTestContext(w)
	c.Request = req
	c.Params = params
	return c
}

func TestHandler_Create_Success(t *testing.T) {
	handler, svc := setupHandler(t)

	body := dto.CreateRequest{
		HospitalID:  uuid.New().String(),
		BloodType:   "O_NEGATIVE",
		UnitsNeeded: 2,
		Urgency:     "CRITICAL",
		Latitude:    -8.8390,
		Longitude:   13.2894,
	}

	w := httptest.NewRecorder()
	handler.Create(postJSON(w, "/api/requests", body, nil))

	assert.Equal(t, http.StatusCreated, w.Result().StatusCode)
	assert.Len(t, svc.created, 1)
	assert.Equal(t, model.StatusPending, svc.created[0].Status)
}

func TestHandler_Create_ValidationError(t *testing.T) {
	handler, svc := setupHandler(t)

	body := dto.CreateRequest{
		HospitalID: uuid.New().String(),
		BloodType:  "O_NEGATIVE",
		Urgency:    "CASUAL", // not a valid urgency
	}

	w := httptest.NewRecorder()
	handler.Create(postJSON(w, "/api/requests", body, nil))

	assert.Equal(t, http.StatusBadRequest, w.Result().StatusCode)
	assert.Empty(t, svc.created)
}

func TestHandler_Create_InvalidRequestFromService(t *testing.T) {
	handler, svc := setupHandler(t)
	svc.createErr = fmt.Errorf("request not locatable: %w", emergency.ErrInvalidRequest)

	body := dto.CreateRequest{
		HospitalID:  uuid.New().String(),
		BloodType:   "O_NEGATIVE",
		UnitsNeeded: 1,
		Urgency:     "HIGH",
	}

	w := httptest.NewRecorder()
	handler.Create(postJSON(w, "/api/requests", body, nil))

	assert.Equal(t, http.StatusBadRequest, w.Result().StatusCode)
}

func TestHandler_GetStatus_Success(t *testing.T) {
	handler, _ := setupHandler(t)
	id := uuid.New()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/requests/"+id.String()+"/status", nil)
	c.Params = gin.Params{{Key: "id", Value: id.String()}}

	handler.GetStatus(c)

	assert.Equal(t, http.StatusOK, w.Result().StatusCode)
	assert.Contains(t, w.Body.String(), string(model.StatusPending))
}

func TestHandler_GetStatus_BadID(t *testing.T) {
	handler, _ := setupHandler(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/requests/nope/status", nil)
	c.Params = gin.Params{{Key: "id", Value: "nope"}}

	handler.GetStatus(c)

	assert.Equal(t, http.StatusBadRequest, w.Result().StatusCode)
}

func TestHandler_Get_NotFound(t *testing.T) {
	handler, svc := setupHandler(t)
	svc.lookupErr = requestrepo.ErrRequestNotFound
	id := uuid.New()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/requests/"+id.String(), nil)
	c.Params = gin.Params{{Key: "id", Value: id.String()}}

	handler.Get(c)

	assert.Equal(t, http.StatusNotFound, w.Result().StatusCode)
}

func TestHandler_Activate_Success(t *testing.T) {
	handler, svc := setupHandler(t)
	id := uuid.New()

	w := httptest.NewRecorder()
	handler.Activate(postJSON(w, "/api/requests/"+id.String()+"/activate", nil, gin.Params{{Key: "id", Value: id.String()}}))

	assert.Equal(t, http.StatusOK, w.Result().StatusCode)
	assert.Equal(t, []string{"activate"}, svc.transitions)
}

func TestHandler_Cancel_InvalidTransition(t *testing.T) {
	handler, svc := setupHandler(t)
	svc.lookupErr = fmt.Errorf("request FULFILLED -> CANCELLED: %w", model.ErrInvalidTransition)
	id := uuid.New()

	w := httptest.NewRecorder()
	handler.Cancel(postJSON(w, "/api/requests/"+id.String()+"/cancel", nil, gin.Params{{Key: "id", Value: id.String()}}))

	assert.Equal(t, http.StatusConflict, w.Result().StatusCode)
}

func TestHandler_ScheduleDonor_Success(t *testing.T) {
	handler, svc := setupHandler(t)
	id := uuid.New()

	body := dto.DonorAction{DonorID: uuid.New().String()}
	w := httptest.NewRecorder()
	handler.ScheduleDonor(postJSON(w, "/api/requests/"+id.String()+"/schedule", body, gin.Params{{Key: "id", Value: id.String()}}))

	assert.Equal(t, http.StatusOK, w.Result().StatusCode)
	assert.Equal(t, []string{"schedule"}, svc.transitions)
}

func TestHandler_ScheduleDonor_MissingDonor(t *testing.T) {
	handler, svc := setupHandler(t)
	id := uuid.New()

	w := httptest.NewRecorder()
	handler.ScheduleDonor(postJSON(w, "/api/requests/"+id.String()+"/schedule", dto.DonorAction{}, gin.Params{{Key: "id", Value: id.String()}}))

	assert.Equal(t, http.StatusBadRequest, w.Result().StatusCode)
	assert.Empty(t, svc.transitions)
}

func TestHandler_Redispatch_PassesRadius(t *testing.T) {
	handler, svc := setupHandler(t)
	id := uuid.New()

	body := dto.RedispatchRequest{RadiusMeters: 100_000}
	w := httptest.NewRecorder()
	handler.Redispatch(postJSON(w, "/api/requests/"+id.String()+"/redispatch", body, gin.Params{{Key: "id", Value: id.String()}}))

	assert.Equal(t, http.StatusOK, w.Result().StatusCode)
	assert.Equal(t, 100_000.0, svc.radius)
}

func TestHandler_NotifyVerification(t *testing.T) {
	handler, svc := setupHandler(t)
	id := uuid.New()

	body := dto.VerificationNotice{Status: "VERIFIED"}
	w := httptest.NewRecorder()
	handler.NotifyVerification(postJSON(w, "/api/hospitals/"+id.String()+"/verification-notice", body, gin.Params{{Key: "id", Value: id.String()}}))

	assert.Equal(t, http.StatusOK, w.Result().StatusCode)
	assert.Equal(t, []model.VerificationStatus{model.VerificationVerified}, svc.notices)
}

func TestHandler_NotifyVerification_RejectsPending(t *testing.T) {
	handler, svc := setupHandler(t)
	id := uuid.New()

	body := dto.VerificationNotice{Status: "PENDING"}
	w := httptest.NewRecorder()
	handler.NotifyVerification(postJSON(w, "/api/hospitals/"+id.String()+"/verification-notice", body, gin.Params{{Key: "id", Value: id.String()}}))

	assert.Equal(t, http.StatusBadRequest, w.Result().StatusCode)
	assert.Empty(t, svc.notices)
}
