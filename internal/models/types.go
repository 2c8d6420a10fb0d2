package models

import (
	"time"

	"gorm.io/datatypes"
)

// SurveyStatus is the SMS survey lifecycle state of a submission.
type SurveyStatus string

const (
	StatusStarted   SurveyStatus = "STARTED"
	StatusCompleted SurveyStatus = "COMPLETED"
)

// Column names used for partial updates.
const (
	ColEmail                  = "email"
	ColPhone                  = "phone"
	ColMobile                 = "mobile"
	ColFirstName              = "first_name"
	ColLastName               = "last_name"
	ColName                   = "name"
	ColDateOfBirth            = "date_of_birth"
	ColStreetAddress          = "street_address"
	ColAddress                = "address"
	ColPostalAddress          = "postal_address"
	ColCountry                = "country"
	ColAge                    = "age"
	ColGender                 = "gender"
	ColHeightFeet             = "height_feet"
	ColHeightInches           = "height_inches"
	ColWeightLbs              = "weight_lbs"
	ColBMI                    = "bmi"
	ColCreatedAtUS            = "created_at_us"
	ColInterestedProcedure    = "interested_procedure"
	ColPriorWeightLossSurgery = "prior_weight_loss_surgery"
	ColWheelchairUsage        = "wheelchair_usage"
	ColHasSecondaryInsurance  = "has_secondary_insurance"
	ColInsuranceEmployerName  = "insurance_employer_name"
	ColImageObjects           = "image_objects"
	ColAnswers                = "answers"
	ColStepBToken             = "step_b_token"
	ColStepBTokenIssuedAt     = "step_b_token_issued_at"
	ColStepBCompleted         = "step_b_completed"
	ColStepBCompletedAt       = "step_b_completed_at"
	ColStepBNudgeCount        = "step_b_nudge_count"
	ColStepBLastNudgeAt       = "step_b_last_nudge_at"
	ColCurrentStep            = "current_step"
	ColStatus                 = "status"
	ColLastActive             = "last_active"
	ColSurveyNudgeCount       = "survey_nudge_count"
)

// ImageObject is metadata for an uploaded Step-B image.
type ImageObject struct {
	Key         string `json:"key"`
	URL         string `json:"url,omitempty"`
	UploadedAt  string `json:"uploadedAt,omitempty"`
	Size        int64  `json:"size,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

// Submission is one participant and its full intake lifecycle.
// Email and Mobile are nullable so that the unique indexes tolerate
// records captured through a single channel.
type Submission struct {
	ID     uint    `gorm:"column:id;primaryKey" json:"id"`
	Email  *string `gorm:"column:email;uniqueIndex" json:"email"`
	Phone  string  `gorm:"column:phone;index" json:"phone"`
	Mobile *string `gorm:"column:mobile;uniqueIndex" json:"mobile"`

	FirstName   string `gorm:"column:first_name" json:"firstName,omitempty"`
	LastName    string `gorm:"column:last_name" json:"lastName,omitempty"`
	Name        string `gorm:"column:name" json:"name,omitempty"`
	DateOfBirth string `gorm:"column:date_of_birth" json:"dateOfBirth,omitempty"`

	StreetAddress string `gorm:"column:street_address" json:"streetAddress,omitempty"`
	Address       string `gorm:"column:address" json:"address,omitempty"`
	PostalAddress string `gorm:"column:postal_address" json:"postal_address,omitempty"`
	Country       string `gorm:"column:country" json:"country,omitempty"`
	Age           *int   `gorm:"column:age" json:"age,omitempty"`
	Gender        string `gorm:"column:gender" json:"gender,omitempty"`

	HeightFeet   *int     `gorm:"column:height_feet" json:"heightFeet,omitempty"`
	HeightInches *int     `gorm:"column:height_inches" json:"heightInches,omitempty"`
	WeightLbs    *float64 `gorm:"column:weight_lbs" json:"weightLbs,omitempty"`
	BMI          *float64 `gorm:"column:bmi" json:"bmi,omitempty"`

	CreatedAtUTC time.Time `gorm:"column:created_at_utc" json:"created_at_utc"`
	CreatedAtUS  string    `gorm:"column:created_at_us" json:"created_at_us,omitempty"`

	InterestedProcedure    string `gorm:"column:interested_procedure" json:"interestedProcedure,omitempty"`
	PriorWeightLossSurgery bool   `gorm:"column:prior_weight_loss_surgery" json:"priorWeightLossSurgery"`
	WheelchairUsage        bool   `gorm:"column:wheelchair_usage" json:"wheelchairUsage"`
	HasSecondaryInsurance  bool   `gorm:"column:has_secondary_insurance" json:"hasSecondaryInsurance"`
	InsuranceEmployerName  string `gorm:"column:insurance_employer_name" json:"insuranceEmployerName,omitempty"`

	ImageObjects datatypes.JSONType[[]ImageObject]      `gorm:"column:image_objects" json:"imageObjects"`
	Answers      datatypes.JSONType[map[string]string] `gorm:"column:answers" json:"answers"`

	StepBToken         *string    `gorm:"column:step_b_token" json:"stepBToken,omitempty"`
	StepBTokenIssuedAt *time.Time `gorm:"column:step_b_token_issued_at" json:"stepBTokenIssuedAt,omitempty"`
	StepBCompleted     bool       `gorm:"column:step_b_completed" json:"stepBCompleted"`
	StepBCompletedAt   *time.Time `gorm:"column:step_b_completed_at" json:"stepBCompletedAt,omitempty"`
	StepBNudgeCount    int        `gorm:"column:step_b_nudge_count" json:"stepBNudgeCount"`
	StepBLastNudgeAt   *time.Time `gorm:"column:step_b_last_nudge_at" json:"stepBLastNudgeAt,omitempty"`

	CurrentStep      int          `gorm:"column:current_step" json:"current_step"`
	Status           SurveyStatus `gorm:"column:status;index" json:"status"`
	LastActive       time.Time    `gorm:"column:last_active" json:"last_active"`
	SurveyNudgeCount int          `gorm:"column:survey_nudge_count" json:"survey_nudge_count"`

	CreatedAt time.Time `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updatedAt"`
}

func (Submission) TableName() string { return "form_submissions" }

// EmailValue returns the email or "" when unset.
func (s *Submission) EmailValue() string {
	if s == nil || s.Email == nil {
		return ""
	}
	return *s.Email
}

// MobileValue returns the mobile or "" when unset.
func (s *Submission) MobileValue() string {
	if s == nil || s.Mobile == nil {
		return ""
	}
	return *s.Mobile
}

// ContactPhone is the number outbound messages go to: mobile, falling back to phone.
func (s *Submission) ContactPhone() string {
	if m := s.MobileValue(); m != "" {
		return m
	}
	return s.Phone
}

// TokenValue returns the Step-B token or "".
func (s *Submission) TokenValue() string {
	if s == nil || s.StepBToken == nil {
		return ""
	}
	return *s.StepBToken
}

// AnswerMap returns a copy of the stored answers, never nil.
func (s *Submission) AnswerMap() map[string]string {
	out := map[string]string{}
	for k, v := range s.Answers.Data() {
		out[k] = v
	}
	return out
}

// Images returns the stored image objects.
func (s *Submission) Images() []ImageObject {
	return s.ImageObjects.Data()
}

// Clone returns a deep enough copy for before/after snapshots.
func (s *Submission) Clone() *Submission {
	cp := *s
	cp.Answers = datatypes.NewJSONType(s.AnswerMap())
	imgs := append([]ImageObject(nil), s.Images()...)
	cp.ImageObjects = datatypes.NewJSONType(imgs)
	return &cp
}

// HistoryEntry is one append-only audit record of a submission change.
type HistoryEntry struct {
	ID             uint           `gorm:"column:id;primaryKey" json:"id"`
	SubmissionID   uint           `gorm:"column:submission_id;index" json:"submissionId"`
	ChangeType     string         `gorm:"column:change_type;index" json:"changeType"`
	IdempotencyKey *string        `gorm:"column:idempotency_key;uniqueIndex" json:"idempotencyKey,omitempty"`
	Data           datatypes.JSON `gorm:"column:data" json:"data"`
	CreatedAt      time.Time      `gorm:"column:created_at" json:"createdAt"`
}

func (HistoryEntry) TableName() string { return "submission_history" }

// StringPtr returns nil for "" and a pointer otherwise.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
