package dto

// CreateRequest is the body for creating an emergency blood request.
type CreateRequest struct {
	HospitalID  string  `json:"hospital_id" validate:"required,uuid"`
	BloodType   string  `json:"blood_type" validate:"required"`
	UnitsNeeded int     `json:"units_needed" validate:"required,min=1"`
	Urgency     string  `json:"urgency" validate:"required,oneof=CRITICAL HIGH MEDIUM LOW"`
	Latitude    float64 `json:"latitude" validate:"min=-90,max=90"`
	Longitude   float64 `json:"longitude" validate:"min=-180,max=180"`
}

// RedispatchRequest widens the donor search for an existing request.
type RedispatchRequest struct {
	RadiusMeters float64 `json:"radius_meters" validate:"omitempty,gt=0"`
}

// DonorAction names the donor a schedule or complete transition applies to.
type DonorAction struct {
	DonorID string `json:"donor_id" validate:"required,uuid"`
}

// VerificationNotice is the body for texting a hospital its verification
// outcome.
type VerificationNotice struct {
	Status string `json:"status" validate:"required,oneof=VERIFIED REJECTED"`
}

// InboundSMS is the form Twilio posts to the reply webhook.
type InboundSMS struct {
	From string `form:"From" binding:"required"`
	Body string `form:"Body"`
}
